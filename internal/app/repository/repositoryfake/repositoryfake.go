// Package repositoryfake provides in-memory repositories for tests.
package repositoryfake

import (
	"context"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sifan077/pageviews/internal/app/model"
	"github.com/sifan077/pageviews/internal/app/repository"
)

// PageViews is an in-memory repository.PageViewRepository. It replicates the
// SQL semantics closely enough to exercise the services.
type PageViews struct {
	mu      sync.Mutex
	views   []model.PageView
	nextID  int64
	queries int

	// Err, when set, is returned by every call.
	Err error
}

var _ repository.PageViewRepository = (*PageViews)(nil)

// NewPageViews returns an empty fake event store.
func NewPageViews() *PageViews {
	return &PageViews{nextID: 1}
}

// Queries returns how many calls hit the store.
func (f *PageViews) Queries() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queries
}

// All returns a copy of every stored view in insertion order.
func (f *PageViews) All() []model.PageView {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.views)
}

// check records a query. f.mu must be held.
func (f *PageViews) check() error {
	f.queries++
	return f.Err
}

func (f *PageViews) Create(_ context.Context, view *model.PageView) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(); err != nil {
		return err
	}
	f.insertLocked(view)
	return nil
}

func (f *PageViews) CreateBatch(_ context.Context, views []model.PageView) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(); err != nil {
		return err
	}
	for i := range views {
		f.insertLocked(&views[i])
	}
	return nil
}

func (f *PageViews) insertLocked(view *model.PageView) {
	view.ID = f.nextID
	f.nextID++
	if view.Timestamp.IsZero() {
		view.Timestamp = time.Now()
	}
	f.views = append(f.views, *view)
}

func (f *PageViews) Count(_ context.Context, filter repository.PageViewFilter) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(); err != nil {
		return 0, err
	}
	var n int64
	for _, v := range f.views {
		if match(v, filter) {
			n++
		}
	}
	return n, nil
}

func (f *PageViews) CountDistinctSessions(_ context.Context, filter repository.PageViewFilter) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(); err != nil {
		return 0, err
	}
	seen := map[string]struct{}{}
	for _, v := range f.views {
		if match(v, filter) && v.SessionKey != nil && *v.SessionKey != "" {
			seen[*v.SessionKey] = struct{}{}
		}
	}
	return int64(len(seen)), nil
}

func (f *PageViews) Top(_ context.Context, field repository.GroupField, filter repository.PageViewFilter, limit, offset int) ([]repository.GroupCount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(); err != nil {
		return nil, err
	}
	counts := map[string]int64{}
	for _, v := range f.views {
		if !match(v, filter) {
			continue
		}
		var key *string
		switch field {
		case repository.GroupByObject:
			key = v.ObjectID
		case repository.GroupByURL:
			key = &v.URL
		case repository.GroupByViewName:
			key = v.ViewName
		}
		if key == nil || *key == "" {
			continue
		}
		counts[*key]++
	}

	rows := make([]repository.GroupCount, 0, len(counts))
	for k, c := range counts {
		rows = append(rows, repository.GroupCount{Key: k, Count: c})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Count != rows[j].Count {
			return rows[i].Count > rows[j].Count
		}
		return rows[i].Key < rows[j].Key
	})

	if offset < 0 {
		offset = 0
	}
	if offset >= len(rows) || limit <= 0 {
		return nil, nil
	}
	rows = rows[offset:]
	if len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}

func (f *PageViews) DailyCounts(_ context.Context, filter repository.PageViewFilter, loc *time.Location) ([]repository.DayCount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(); err != nil {
		return nil, err
	}
	if loc == nil {
		loc = time.UTC
	}
	counts := map[string]int64{}
	for _, v := range f.views {
		if match(v, filter) {
			counts[v.Timestamp.In(loc).Format(time.DateOnly)]++
		}
	}
	rows := make([]repository.DayCount, 0, len(counts))
	for d, c := range counts {
		rows = append(rows, repository.DayCount{Day: d, Count: c})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Day < rows[j].Day })
	return rows, nil
}

func (f *PageViews) List(_ context.Context, opts repository.ListOptions) ([]model.PageView, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(); err != nil {
		return nil, err
	}
	if opts.Limit <= 0 {
		opts.Limit = 50
	}
	var rows []model.PageView
	for _, v := range f.views {
		if opts.Search == "" || searchable(v, strings.ToLower(opts.Search)) {
			rows = append(rows, v)
		}
	}
	sort.SliceStable(rows, func(i, j int) bool {
		if !rows[i].Timestamp.Equal(rows[j].Timestamp) {
			return rows[i].Timestamp.After(rows[j].Timestamp)
		}
		return rows[i].ID > rows[j].ID
	})
	if opts.Offset >= len(rows) {
		return nil, nil
	}
	rows = rows[max(opts.Offset, 0):]
	if len(rows) > opts.Limit {
		rows = rows[:opts.Limit]
	}
	return rows, nil
}

func (f *PageViews) DeleteOlderThan(_ context.Context, cutoff time.Time, keepLatest bool) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(); err != nil {
		return 0, err
	}

	keep := map[int64]struct{}{}
	if keepLatest {
		newest := map[string]model.PageView{}
		consider := func(key string, v model.PageView) {
			cur, ok := newest[key]
			if !ok || v.Timestamp.After(cur.Timestamp) || (v.Timestamp.Equal(cur.Timestamp) && v.ID > cur.ID) {
				newest[key] = v
			}
		}
		for _, v := range f.views {
			if !v.Timestamp.Before(cutoff) {
				continue
			}
			consider("url\x00"+v.URL, v)
			if s, ok := v.Subject(); ok {
				consider("obj\x00"+s.String(), v)
			}
		}
		for _, v := range newest {
			keep[v.ID] = struct{}{}
		}
	}

	var deleted int64
	kept := f.views[:0]
	for _, v := range f.views {
		if _, ok := keep[v.ID]; v.Timestamp.Before(cutoff) && !ok {
			deleted++
			continue
		}
		kept = append(kept, v)
	}
	f.views = kept
	return deleted, nil
}

func match(v model.PageView, f repository.PageViewFilter) bool {
	if f.ContentType != "" && (v.ContentType == nil || *v.ContentType != f.ContentType) {
		return false
	}
	if len(f.ObjectIDs) > 0 && (v.ObjectID == nil || !slices.Contains(f.ObjectIDs, *v.ObjectID)) {
		return false
	}
	if f.URL != "" && v.URL != f.URL {
		return false
	}
	if f.ViewName != "" && (v.ViewName == nil || *v.ViewName != f.ViewName) {
		return false
	}
	if f.Since != nil && v.Timestamp.Before(*f.Since) {
		return false
	}
	if f.Until != nil && !v.Timestamp.Before(*f.Until) {
		return false
	}
	return true
}

func searchable(v model.PageView, needle string) bool {
	fields := []string{v.URL}
	for _, p := range []*string{v.ViewName, v.IPAddress, v.UserAgent, v.SessionKey} {
		if p != nil {
			fields = append(fields, *p)
		}
	}
	for _, s := range fields {
		if strings.Contains(strings.ToLower(s), needle) {
			return true
		}
	}
	return false
}

// Links is an in-memory repository.LinkRepository.
type Links struct {
	mu    sync.Mutex
	links map[string]model.Link
	order []string
}

var _ repository.LinkRepository = (*Links)(nil)

// NewLinks returns a fake link store seeded with links.
func NewLinks(links ...model.Link) *Links {
	f := &Links{links: map[string]model.Link{}}
	for _, l := range links {
		_ = f.Create(context.Background(), &l)
	}
	return f
}

func (f *Links) Create(_ context.Context, link *model.Link) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if link.CreatedAt.IsZero() {
		link.CreatedAt = time.Now()
	}
	if _, ok := f.links[link.Code]; !ok {
		f.order = append(f.order, link.Code)
	}
	f.links[link.Code] = *link
	return nil
}

// Delete removes a link, simulating an object that disappeared after being viewed.
func (f *Links) Delete(code string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.links, code)
}

func (f *Links) GetByCode(_ context.Context, code string) (*model.Link, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.links[code]
	if !ok {
		return nil, repository.ErrLinkNotFound
	}
	return &l, nil
}

func (f *Links) GetByCodes(_ context.Context, codes []string) ([]model.Link, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Link
	for _, c := range codes {
		if l, ok := f.links[c]; ok && !l.Disabled {
			out = append(out, l)
		}
	}
	return out, nil
}

func (f *Links) List(_ context.Context, limit, offset int) ([]model.Link, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if limit <= 0 {
		limit = 20
	}
	var out []model.Link
	for i := len(f.order) - 1; i >= 0; i-- {
		if l, ok := f.links[f.order[i]]; ok && !l.Disabled {
			out = append(out, l)
		}
	}
	if offset >= len(out) {
		return nil, nil
	}
	out = out[max(offset, 0):]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *Links) Update(_ context.Context, link *model.Link) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.links[link.Code]; !ok {
		return repository.ErrLinkNotFound
	}
	f.links[link.Code] = *link
	return nil
}
