package service

import (
	"context"
	"fmt"
	"time"

	"github.com/coder/quartz"
	"github.com/sifan077/pageviews/internal/app/model"
	"github.com/sifan077/pageviews/internal/app/repository"
)

const dayLayout = "2006-01-02"

// Window restricts a query to a time range. The zero Window matches
// everything.
type Window struct {
	// Days selects the trailing period ending now. Ignored when <= 0.
	Days  int
	Start *time.Time
	End   *time.Time
}

// LastDays is the window covering the past n*24 hours.
func LastDays(n int) Window {
	return Window{Days: n}
}

// Between is the half-open range [start, end). Either bound may be zero.
func Between(start, end time.Time) Window {
	var w Window
	if !start.IsZero() {
		w.Start = &start
	}
	if !end.IsZero() {
		w.End = &end
	}
	return w
}

func (w Window) apply(f repository.PageViewFilter, now time.Time) repository.PageViewFilter {
	if w.Days > 0 {
		since := now.Add(-time.Duration(w.Days) * 24 * time.Hour)
		f.Since = &since
		return f
	}
	f.Since, f.Until = w.Start, w.End
	return f
}

// CountQuery selects the events counted by Analytics.Count.
type CountQuery struct {
	Subject  *model.Subject
	URL      string
	ViewName string
	Window   Window
}

// PopularObject is one ranked entry of Analytics.Popular.
type PopularObject struct {
	Subject model.Subject
	Object  any
	Count   int64
}

// AnalyticsDeps groups the collaborators of Analytics.
type AnalyticsDeps struct {
	Store    repository.PageViewRepository
	Models   *ModelRegistry
	Clock    quartz.Clock
	Location *time.Location
}

// Analytics answers read-only questions over recorded page views. Errors
// are returned to the caller.
type Analytics struct {
	store  repository.PageViewRepository
	models *ModelRegistry
	clock  quartz.Clock
	loc    *time.Location
}

func NewAnalytics(deps AnalyticsDeps) *Analytics {
	a := &Analytics{
		store:  deps.Store,
		models: deps.Models,
		clock:  deps.Clock,
		loc:    deps.Location,
	}
	if a.clock == nil {
		a.clock = quartz.NewReal()
	}
	if a.loc == nil {
		a.loc = time.UTC
	}
	return a
}

// Count returns the number of events matching every set field of q.
func (a *Analytics) Count(ctx context.Context, q CountQuery) (int64, error) {
	var f repository.PageViewFilter
	if q.Subject != nil {
		f = repository.ForSubject(*q.Subject)
	}
	f.URL = q.URL
	f.ViewName = q.ViewName

	n, err := a.store.Count(ctx, q.Window.apply(f, a.clock.Now()))
	if err != nil {
		return 0, fmt.Errorf("count page views: %w", err)
	}
	return n, nil
}

// ViewsByPeriod counts the views of one object within w.
func (a *Analytics) ViewsByPeriod(ctx context.Context, subject model.Subject, w Window) (int64, error) {
	return a.Count(ctx, CountQuery{Subject: &subject, Window: w})
}

// UniqueVisitorCount counts distinct session keys among the views of
// subject. Views without a session are not counted.
func (a *Analytics) UniqueVisitorCount(ctx context.Context, subject model.Subject, w Window) (int64, error) {
	n, err := a.store.CountDistinctSessions(ctx, w.apply(repository.ForSubject(subject), a.clock.Now()))
	if err != nil {
		return 0, fmt.Errorf("count unique visitors: %w", err)
	}
	return n, nil
}

// BatchCounts returns the view count of every subject, including zeros. It
// issues one grouped query per distinct subject type.
func (a *Analytics) BatchCounts(ctx context.Context, subjects []model.Subject, w Window) (map[model.Subject]int64, error) {
	counts := make(map[model.Subject]int64, len(subjects))
	byType := make(map[string][]string)
	for _, s := range subjects {
		if _, dup := counts[s]; dup {
			continue
		}
		counts[s] = 0
		byType[s.Type] = append(byType[s.Type], s.ID)
	}

	now := a.clock.Now()
	for typ, ids := range byType {
		f := w.apply(repository.PageViewFilter{ContentType: typ, ObjectIDs: ids}, now)
		rows, err := a.store.Top(ctx, repository.GroupByObject, f, len(ids), 0)
		if err != nil {
			return nil, fmt.Errorf("batch count %s views: %w", typ, err)
		}
		for _, row := range rows {
			counts[model.Subject{Type: typ, ID: row.Key}] = row.Count
		}
	}
	return counts, nil
}

// Popular ranks the objects of modelType by view count. Ids whose object no
// longer exists are skipped and the ranking continues further down until
// limit objects are found or the candidates run out. Every page of
// candidates is resolved with one LookupMany call.
func (a *Analytics) Popular(ctx context.Context, modelType string, limit int, w Window) ([]PopularObject, error) {
	if limit <= 0 {
		return []PopularObject{}, nil
	}
	m, ok := a.models.Get(modelType)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownModel, modelType)
	}

	f := w.apply(repository.PageViewFilter{ContentType: modelType}, a.clock.Now())
	pageSize := limit * 2
	result := make([]PopularObject, 0, limit)

	for offset := 0; len(result) < limit; offset += pageSize {
		rows, err := a.store.Top(ctx, repository.GroupByObject, f, pageSize, offset)
		if err != nil {
			return nil, fmt.Errorf("rank %s views: %w", modelType, err)
		}
		if len(rows) == 0 {
			break
		}

		ids := make([]string, len(rows))
		for i, row := range rows {
			ids[i] = row.Key
		}
		objects, err := m.LookupMany(ctx, ids)
		if err != nil {
			return nil, fmt.Errorf("load %s objects: %w", modelType, err)
		}

		for _, row := range rows {
			obj, live := objects[row.Key]
			if !live {
				continue
			}
			result = append(result, PopularObject{
				Subject: model.Subject{Type: modelType, ID: row.Key},
				Object:  obj,
				Count:   row.Count,
			})
			if len(result) == limit {
				break
			}
		}

		if len(rows) < pageSize {
			break
		}
	}
	return result, nil
}

// PopularURLs ranks URLs by view count.
func (a *Analytics) PopularURLs(ctx context.Context, limit int, w Window) ([]repository.GroupCount, error) {
	return a.top(ctx, repository.GroupByURL, limit, w)
}

// PopularViewNames ranks view names by view count.
func (a *Analytics) PopularViewNames(ctx context.Context, limit int, w Window) ([]repository.GroupCount, error) {
	return a.top(ctx, repository.GroupByViewName, limit, w)
}

func (a *Analytics) top(ctx context.Context, field repository.GroupField, limit int, w Window) ([]repository.GroupCount, error) {
	if limit <= 0 {
		return []repository.GroupCount{}, nil
	}
	rows, err := a.store.Top(ctx, field, w.apply(repository.PageViewFilter{}, a.clock.Now()), limit, 0)
	if err != nil {
		return nil, fmt.Errorf("rank by %s: %w", field, err)
	}
	if rows == nil {
		rows = []repository.GroupCount{}
	}
	return rows, nil
}

// DailyHistogram returns exactly days entries, oldest first, one per
// calendar date ending today in the configured location. Dates without
// views carry a zero count.
func (a *Analytics) DailyHistogram(ctx context.Context, subject model.Subject, days int) ([]repository.DayCount, error) {
	if days <= 0 {
		return []repository.DayCount{}, nil
	}

	now := a.clock.Now().In(a.loc)
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, a.loc)
	first := today.AddDate(0, 0, -(days - 1))

	f := repository.ForSubject(subject)
	f.Since = &first
	rows, err := a.store.DailyCounts(ctx, f, a.loc)
	if err != nil {
		return nil, fmt.Errorf("daily views: %w", err)
	}
	byDay := make(map[string]int64, len(rows))
	for _, row := range rows {
		byDay[row.Day] = row.Count
	}

	out := make([]repository.DayCount, days)
	for i := range out {
		day := first.AddDate(0, 0, i).Format(dayLayout)
		out[i] = repository.DayCount{Day: day, Count: byDay[day]}
	}
	return out, nil
}
