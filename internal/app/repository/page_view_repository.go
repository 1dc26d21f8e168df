package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sifan077/pageviews/internal/app/model"
	"gorm.io/gorm"
)

// GroupField names a column page views can be ranked by.
type GroupField string

const (
	GroupByObject   GroupField = "object_id"
	GroupByURL      GroupField = "url"
	GroupByViewName GroupField = "view_name"
)

var (
	errUnknownGroupField = errors.New("unknown group field")
	errHostTimeZone      = errors.New("time zone must be a named IANA zone, not Local")
)

// PageViewFilter narrows a query. Set fields combine conjunctively; zero
// values are ignored. Since is inclusive, Until exclusive.
type PageViewFilter struct {
	ContentType string
	ObjectIDs   []string
	URL         string
	ViewName    string
	Since       *time.Time
	Until       *time.Time
}

// ForSubject returns a filter restricted to a single object.
func ForSubject(s model.Subject) PageViewFilter {
	return PageViewFilter{ContentType: s.Type, ObjectIDs: []string{s.ID}}
}

// GroupCount is a single row of a grouped count.
type GroupCount struct {
	Key   string `gorm:"column:key"`
	Count int64  `gorm:"column:count"`
}

// DayCount is the number of views recorded on one calendar date (YYYY-MM-DD).
type DayCount struct {
	Day   string `gorm:"column:day"`
	Count int64  `gorm:"column:count"`
}

// ListOptions pages through raw events for the reporting surface.
type ListOptions struct {
	Limit  int
	Offset int
	Search string
}

// PageViewRepository is the append-only event store.
type PageViewRepository interface {
	Create(ctx context.Context, view *model.PageView) error
	CreateBatch(ctx context.Context, views []model.PageView) error
	Count(ctx context.Context, filter PageViewFilter) (int64, error)
	CountDistinctSessions(ctx context.Context, filter PageViewFilter) (int64, error)
	// Top groups by field and orders by count descending, then key ascending.
	// Null and empty keys are never returned.
	Top(ctx context.Context, field GroupField, filter PageViewFilter, limit, offset int) ([]GroupCount, error)
	// DailyCounts groups by calendar date in loc. Days without views are absent.
	DailyCounts(ctx context.Context, filter PageViewFilter, loc *time.Location) ([]DayCount, error)
	List(ctx context.Context, opts ListOptions) ([]model.PageView, error)
	// DeleteOlderThan removes views before cutoff. With keepLatest it spares
	// the newest of those views for every URL and every object.
	DeleteOlderThan(ctx context.Context, cutoff time.Time, keepLatest bool) (int64, error)
}

type pageViewRepository struct {
	db *gorm.DB
}

// NewPageViewRepository returns a GORM-backed PageViewRepository.
func NewPageViewRepository(db *gorm.DB) PageViewRepository {
	return &pageViewRepository{db: db}
}

func (r *pageViewRepository) Create(ctx context.Context, view *model.PageView) error {
	return r.db.WithContext(ctx).Create(view).Error
}

func (r *pageViewRepository) CreateBatch(ctx context.Context, views []model.PageView) error {
	if len(views) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).CreateInBatches(views, 500).Error
}

func (r *pageViewRepository) Count(ctx context.Context, filter PageViewFilter) (int64, error) {
	var n int64
	err := r.scoped(ctx, filter).Count(&n).Error
	return n, err
}

func (r *pageViewRepository) CountDistinctSessions(ctx context.Context, filter PageViewFilter) (int64, error) {
	var n int64
	err := r.scoped(ctx, filter).
		Where("session_key IS NOT NULL AND session_key <> ''").
		Distinct("session_key").
		Count(&n).Error
	return n, err
}

func (r *pageViewRepository) Top(ctx context.Context, field GroupField, filter PageViewFilter, limit, offset int) ([]GroupCount, error) {
	switch field {
	case GroupByObject, GroupByURL, GroupByViewName:
	default:
		return nil, fmt.Errorf("%w: %q", errUnknownGroupField, field)
	}
	if limit <= 0 {
		return nil, nil
	}
	if offset < 0 {
		offset = 0
	}

	col := string(field)
	var rows []GroupCount
	err := r.scoped(ctx, filter).
		Select(col+" AS key, COUNT(*) AS count").
		Where(col + " IS NOT NULL AND " + col + " <> ''").
		Group(col).
		Order("count DESC").
		Order(col + " ASC").
		Limit(limit).
		Offset(offset).
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *pageViewRepository) DailyCounts(ctx context.Context, filter PageViewFilter, loc *time.Location) ([]DayCount, error) {
	if loc == nil {
		loc = time.UTC
	}
	if loc.String() == "Local" {
		return nil, errHostTimeZone
	}
	var rows []DayCount
	err := r.scoped(ctx, filter).
		Select(`to_char(("timestamp" AT TIME ZONE ?)::date, 'YYYY-MM-DD') AS day, COUNT(*) AS count`, loc.String()).
		Group("day").
		Order("day ASC").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *pageViewRepository) List(ctx context.Context, opts ListOptions) ([]model.PageView, error) {
	if opts.Limit <= 0 {
		opts.Limit = 50
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}

	q := r.db.WithContext(ctx).Model(&model.PageView{})
	if opts.Search != "" {
		like := "%" + opts.Search + "%"
		q = q.Where("url ILIKE ? OR view_name ILIKE ? OR ip_address ILIKE ? OR user_agent ILIKE ? OR session_key ILIKE ?",
			like, like, like, like, like)
	}

	var result []model.PageView
	if err := q.Order(`"timestamp" DESC`).Order("id DESC").
		Limit(opts.Limit).
		Offset(opts.Offset).
		Find(&result).Error; err != nil {
		return nil, err
	}
	return result, nil
}

func (r *pageViewRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time, keepLatest bool) (int64, error) {
	if !keepLatest {
		result := r.db.WithContext(ctx).Where(`"timestamp" < ?`, cutoff).Delete(&model.PageView{})
		return result.RowsAffected, result.Error
	}

	result := r.db.WithContext(ctx).Exec(`
DELETE FROM page_views
WHERE "timestamp" < @cutoff
  AND id NOT IN (
    SELECT DISTINCT ON (url) id FROM page_views
    WHERE "timestamp" < @cutoff
    ORDER BY url, "timestamp" DESC, id DESC
  )
  AND id NOT IN (
    SELECT DISTINCT ON (content_type, object_id) id FROM page_views
    WHERE "timestamp" < @cutoff AND content_type IS NOT NULL AND object_id IS NOT NULL
    ORDER BY content_type, object_id, "timestamp" DESC, id DESC
  )`, map[string]interface{}{"cutoff": cutoff})
	return result.RowsAffected, result.Error
}

func (r *pageViewRepository) scoped(ctx context.Context, f PageViewFilter) *gorm.DB {
	q := r.db.WithContext(ctx).Model(&model.PageView{})
	if f.ContentType != "" {
		q = q.Where("content_type = ?", f.ContentType)
	}
	switch len(f.ObjectIDs) {
	case 0:
	case 1:
		q = q.Where("object_id = ?", f.ObjectIDs[0])
	default:
		q = q.Where("object_id IN ?", f.ObjectIDs)
	}
	if f.URL != "" {
		q = q.Where("url = ?", f.URL)
	}
	if f.ViewName != "" {
		q = q.Where("view_name = ?", f.ViewName)
	}
	if f.Since != nil {
		q = q.Where(`"timestamp" >= ?`, *f.Since)
	}
	if f.Until != nil {
		q = q.Where(`"timestamp" < ?`, *f.Until)
	}
	return q
}
