package view

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderReportPage(t *testing.T) {
	t.Parallel()

	html, err := RenderReportPage(ReportPageData{
		Days: 7,
		URLs: []ReportRow{{Label: "/blog/<script>/", Href: "/blog/x/", Count: 1520}},
		ViewNames: []ReportRow{
			{Label: "blog-detail", Count: 12},
		},
	})
	require.NoError(t, err)

	assert.Contains(t, html, "<title>Popular pages</title>")
	assert.Contains(t, html, "Last 7 days")
	assert.Contains(t, html, "1.5K")
	assert.Contains(t, html, "blog-detail")
	assert.Contains(t, html, "&lt;script&gt;", "labels are escaped")
	assert.NotContains(t, html, "Links", "empty object section is hidden")
}

func TestRenderReportPage_Empty(t *testing.T) {
	t.Parallel()

	html, err := RenderReportPage(ReportPageData{Title: "Traffic", Degraded: true})
	require.NoError(t, err)
	assert.Contains(t, html, "All time")
	assert.Contains(t, html, "some figures are unavailable")
	assert.Contains(t, html, "No views yet.")
}
