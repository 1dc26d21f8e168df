package view

import (
	"bytes"
	"html/template"
)

// ReportRow is one ranked line of the popular pages report.
type ReportRow struct {
	Label string
	Href  string
	Count int64
}

// ReportPageData provides the dynamic fields required by the report template.
type ReportPageData struct {
	Title     string
	Days      int
	URLs      []ReportRow
	ViewNames []ReportRow
	Objects   []ReportRow
	// Degraded is set when some figures could not be loaded.
	Degraded bool
}

type reportSection struct {
	Heading string
	Rows    []ReportRow
}

var reportPageTmpl = template.Must(template.New("report_page").Funcs(template.FuncMap{
	"formatCount": func(n int64) string { return FormatNumber(float64(n), 1) },
	"section": func(heading string, rows []ReportRow) reportSection {
		return reportSection{Heading: heading, Rows: rows}
	},
}).Parse(`
<!DOCTYPE html>
<html lang="en">
<head>
	<meta charset="utf-8" />
	<meta name="viewport" content="width=device-width, initial-scale=1" />
	<title>{{.Title}}</title>
	<style>
		:root {
			--card: rgba(255, 255, 255, 0.05);
			--border: rgba(255, 255, 255, 0.15);
			--text: #e7ecff;
			--muted: #a1acc5;
			--accent: #7dd3fc;
			font-family: "Inter", -apple-system, BlinkMacSystemFont, "Segoe UI", sans-serif;
		}
		* { box-sizing: border-box; }
		body {
			margin: 0;
			min-height: 100vh;
			padding: 48px 16px;
			background: radial-gradient(circle at 20% 20%, #111827, #030712 60%);
			color: var(--text);
		}
		main {
			display: grid;
			gap: 24px;
			grid-template-columns: repeat(auto-fit, minmax(300px, 1fr));
			max-width: 1080px;
			margin: 0 auto;
		}
		header {
			max-width: 1080px;
			margin: 0 auto 24px;
		}
		header p, .empty { color: var(--muted); }
		.card {
			background: var(--card);
			border: 1px solid var(--border);
			border-radius: 18px;
			padding: 24px;
		}
		h2 {
			font-size: 0.82rem;
			text-transform: uppercase;
			letter-spacing: 0.08em;
			color: var(--muted);
			margin-top: 0;
		}
		ol { margin: 0; padding-left: 20px; }
		li {
			display: flex;
			justify-content: space-between;
			gap: 12px;
			padding: 6px 0;
			word-break: break-all;
		}
		a { color: var(--accent); text-decoration: none; }
		.count { color: var(--muted); font-variant-numeric: tabular-nums; }
	</style>
</head>
<body>
	<header>
		<h1>{{.Title}}</h1>
		<p>{{if gt .Days 0}}Last {{.Days}} days{{else}}All time{{end}}{{if .Degraded}} &middot; some figures are unavailable{{end}}</p>
	</header>
	<main>
		{{template "section" (section "Pages" .URLs)}}
		{{template "section" (section "Views" .ViewNames)}}
		{{if .Objects}}{{template "section" (section "Links" .Objects)}}{{end}}
	</main>
</body>
</html>
{{define "section"}}
		<section class="card">
			<h2>{{.Heading}}</h2>
			{{if .Rows}}
			<ol>
				{{range .Rows}}
				<li>
					{{if .Href}}<a href="{{.Href}}">{{.Label}}</a>{{else}}<span>{{.Label}}</span>{{end}}
					<span class="count" title="{{.Count}}">{{formatCount .Count}}</span>
				</li>
				{{end}}
			</ol>
			{{else}}
			<p class="empty">No views yet.</p>
			{{end}}
		</section>
{{end}}
`))

// RenderReportPage expands the report template with the provided data.
func RenderReportPage(data ReportPageData) (string, error) {
	if data.Title == "" {
		data.Title = "Popular pages"
	}
	var buf bytes.Buffer
	if err := reportPageTmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
