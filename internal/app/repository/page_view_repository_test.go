package repository

import (
	"context"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/sifan077/pageviews/internal/app/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// sqlRecorder collects every statement GORM renders, with bound values
// inlined.
type sqlRecorder struct {
	mu   sync.Mutex
	stmt []string
}

func (r *sqlRecorder) LogMode(logger.LogLevel) logger.Interface { return r }
func (r *sqlRecorder) Info(context.Context, string, ...interface{}) {}
func (r *sqlRecorder) Warn(context.Context, string, ...interface{}) {}
func (r *sqlRecorder) Error(context.Context, string, ...interface{}) {}

func (r *sqlRecorder) Trace(_ context.Context, _ time.Time, fc func() (string, int64), _ error) {
	sql, _ := fc()
	if sql == "" {
		return
	}
	r.mu.Lock()
	r.stmt = append(r.stmt, sql)
	r.mu.Unlock()
}

func (r *sqlRecorder) last(t *testing.T) string {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	require.NotEmpty(t, r.stmt, "no statement rendered")
	return r.stmt[len(r.stmt)-1]
}

// newDryRunRepository renders SQL against the postgres dialect without a
// server.
func newDryRunRepository(t *testing.T) (PageViewRepository, *sqlRecorder) {
	t.Helper()

	rec := &sqlRecorder{}
	db, err := gorm.Open(postgres.New(postgres.Config{
		DSN: "host=localhost user=pageviews dbname=pageviews sslmode=disable",
	}), &gorm.Config{
		DryRun:               true,
		DisableAutomaticPing: true,
		Logger:               rec,
	})
	require.NoError(t, err)
	return NewPageViewRepository(db), rec
}

func TestTop_RendersDeterministicRanking(t *testing.T) {
	t.Parallel()

	repo, rec := newDryRunRepository(t)
	_, _ = repo.Top(context.Background(), GroupByURL, PageViewFilter{}, 5, 10)

	sql := rec.last(t)
	assert.Contains(t, sql, "url AS key, COUNT(*) AS count")
	assert.Contains(t, sql, "url IS NOT NULL AND url <> ''")
	assert.Contains(t, sql, "GROUP BY url")
	assert.Regexp(t, regexp.MustCompile(`ORDER BY count DESC,\s*url ASC`), sql)
	assert.Regexp(t, regexp.MustCompile(`LIMIT 5 OFFSET 10`), sql)
}

func TestTop_RejectsUnknownField(t *testing.T) {
	t.Parallel()

	repo, _ := newDryRunRepository(t)
	_, err := repo.Top(context.Background(), GroupField("user_agent; DROP TABLE page_views"), PageViewFilter{}, 5, 0)
	assert.ErrorIs(t, err, errUnknownGroupField)
}

func TestDailyCounts_GroupsInConfiguredZone(t *testing.T) {
	t.Parallel()

	berlin, err := time.LoadLocation("Europe/Berlin")
	require.NoError(t, err)

	repo, rec := newDryRunRepository(t)
	_, _ = repo.DailyCounts(context.Background(), ForSubject(subject("link", "abc")), berlin)

	sql := rec.last(t)
	assert.Contains(t, sql, `("timestamp" AT TIME ZONE 'Europe/Berlin')::date`)
	assert.Contains(t, sql, "content_type = 'link'")
	assert.Contains(t, sql, "object_id = 'abc'")
	assert.Contains(t, sql, "GROUP BY day")
	assert.Contains(t, sql, "ORDER BY day ASC")
}

func TestDailyCounts_RejectsHostZone(t *testing.T) {
	t.Parallel()

	repo, _ := newDryRunRepository(t)
	_, err := repo.DailyCounts(context.Background(), PageViewFilter{}, time.Local)
	assert.ErrorIs(t, err, errHostTimeZone)
}

func TestCountDistinctSessions_IgnoresEmptyKeys(t *testing.T) {
	t.Parallel()

	repo, rec := newDryRunRepository(t)
	_, _ = repo.CountDistinctSessions(context.Background(), ForSubject(subject("link", "abc")))

	sql := rec.last(t)
	assert.Regexp(t, regexp.MustCompile(`COUNT\(DISTINCT\("?session_key"?\)\)`), sql)
	assert.Contains(t, sql, "session_key IS NOT NULL AND session_key <> ''")
}

func TestDeleteOlderThan_KeepLatestSparesNewestPerURLAndSubject(t *testing.T) {
	t.Parallel()

	cutoff := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	repo, rec := newDryRunRepository(t)
	_, _ = repo.DeleteOlderThan(context.Background(), cutoff, true)

	sql := rec.last(t)
	assert.Contains(t, sql, "DELETE FROM page_views")
	assert.Contains(t, sql, "SELECT DISTINCT ON (url) id FROM page_views")
	assert.Contains(t, sql, `ORDER BY url, "timestamp" DESC, id DESC`)
	assert.Contains(t, sql, "SELECT DISTINCT ON (content_type, object_id) id FROM page_views")
	assert.Contains(t, sql, "2025-03-01")
	assert.NotContains(t, sql, "@cutoff")
}

func TestDeleteOlderThan_PlainDelete(t *testing.T) {
	t.Parallel()

	repo, rec := newDryRunRepository(t)
	_, _ = repo.DeleteOlderThan(context.Background(), time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC), false)

	sql := rec.last(t)
	assert.Contains(t, sql, `DELETE FROM "page_views" WHERE "timestamp" < '2025-03-01`)
	assert.NotContains(t, sql, "DISTINCT ON")
}

func subject(typ, id string) model.Subject {
	return model.Subject{Type: typ, ID: id}
}
