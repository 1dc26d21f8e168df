package repository

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sifan077/pageviews/internal/app/model"
	infraPostgres "github.com/sifan077/pageviews/internal/infra/postgres"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// postgresURLEnv points the store tests at a disposable database. Without it
// they are skipped and only the rendered SQL is checked.
const postgresURLEnv = "PAGEVIEWS_TEST_POSTGRES_URL"

// newPostgresRepository migrates page_views into a private schema and returns
// a repository whose batch writes go through COPY.
func newPostgresRepository(t *testing.T) PageViewRepository {
	t.Helper()

	connURL := os.Getenv(postgresURLEnv)
	if connURL == "" || testing.Short() {
		t.Skipf("%s not set", postgresURLEnv)
	}
	ctx := context.Background()

	admin, err := pgxpool.New(ctx, connURL)
	require.NoError(t, err)
	t.Cleanup(admin.Close)

	schema := "pageviews_test_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	_, err = admin.Exec(ctx, "CREATE SCHEMA "+schema)
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = admin.Exec(context.Background(), "DROP SCHEMA "+schema+" CASCADE")
	})

	cfg, err := pgxpool.ParseConfig(connURL)
	require.NoError(t, err)
	cfg.ConnConfig.RuntimeParams["search_path"] = schema
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	db, err := infraPostgres.NewGorm(pool, false)
	require.NoError(t, err)
	require.NoError(t, infraPostgres.Migrate(ctx, db))

	return WithCopyFrom(NewPageViewRepository(db), pool)
}

type viewSpec struct {
	url     string
	subject *model.Subject
	session string
	at      time.Time
}

func seedViews(t *testing.T, repo PageViewRepository, specs ...viewSpec) {
	t.Helper()

	views := make([]model.PageView, 0, len(specs))
	for _, s := range specs {
		views = append(views, model.NewPageView(
			model.ResolvedVisit{URL: s.url, Subject: s.subject},
			model.Visitor{SessionKey: s.session},
			s.at,
		))
	}
	require.NoError(t, repo.CreateBatch(context.Background(), views))
}

func TestPostgres_TopBreaksTiesByKey(t *testing.T) {
	repo := newPostgresRepository(t)
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

	seedViews(t, repo,
		viewSpec{url: "/b/", at: now},
		viewSpec{url: "/b/", at: now},
		viewSpec{url: "/a/", at: now},
		viewSpec{url: "/a/", at: now},
		viewSpec{url: "/c/", at: now},
		viewSpec{url: "/d/", at: now},
		viewSpec{url: "/d/", at: now},
		viewSpec{url: "/d/", at: now},
	)

	top, err := repo.Top(context.Background(), GroupByURL, PageViewFilter{}, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, []GroupCount{
		{Key: "/d/", Count: 3},
		{Key: "/a/", Count: 2},
		{Key: "/b/", Count: 2},
		{Key: "/c/", Count: 1},
	}, top)

	page, err := repo.Top(context.Background(), GroupByURL, PageViewFilter{}, 2, 1)
	require.NoError(t, err)
	assert.Equal(t, []GroupCount{{Key: "/a/", Count: 2}, {Key: "/b/", Count: 2}}, page)

	objects, err := repo.Top(context.Background(), GroupByObject, PageViewFilter{}, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, objects, "views without a subject are never ranked")
}

func TestPostgres_DailyCountsUseZone(t *testing.T) {
	repo := newPostgresRepository(t)
	berlin, err := time.LoadLocation("Europe/Berlin")
	require.NoError(t, err)

	link := subject("link", "abc")
	// 22:30 UTC on the 14th is already the 15th in Berlin (UTC+2 in June).
	seedViews(t, repo,
		viewSpec{url: "/links/abc", subject: &link, at: time.Date(2025, 6, 14, 22, 30, 0, 0, time.UTC)},
		viewSpec{url: "/links/abc", subject: &link, at: time.Date(2025, 6, 14, 10, 0, 0, 0, time.UTC)},
		viewSpec{url: "/links/abc", subject: &link, at: time.Date(2025, 6, 15, 9, 0, 0, 0, time.UTC)},
	)

	days, err := repo.DailyCounts(context.Background(), ForSubject(link), berlin)
	require.NoError(t, err)
	assert.Equal(t, []DayCount{
		{Day: "2025-06-14", Count: 1},
		{Day: "2025-06-15", Count: 2},
	}, days)

	utc, err := repo.DailyCounts(context.Background(), ForSubject(link), time.UTC)
	require.NoError(t, err)
	assert.Equal(t, []DayCount{
		{Day: "2025-06-14", Count: 2},
		{Day: "2025-06-15", Count: 1},
	}, utc)
}

func TestPostgres_CountDistinctSessions(t *testing.T) {
	repo := newPostgresRepository(t)
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	link := subject("link", "abc")
	other := subject("link", "xyz")

	seedViews(t, repo,
		viewSpec{url: "/links/abc", subject: &link, session: "s1", at: now},
		viewSpec{url: "/links/abc", subject: &link, session: "s1", at: now},
		viewSpec{url: "/links/abc", subject: &link, session: "s2", at: now},
		viewSpec{url: "/links/abc", subject: &link, at: now},
		viewSpec{url: "/links/xyz", subject: &other, session: "s3", at: now},
	)

	n, err := repo.CountDistinctSessions(context.Background(), ForSubject(link))
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	total, err := repo.Count(context.Background(), ForSubject(link))
	require.NoError(t, err)
	assert.EqualValues(t, 4, total)
}

func TestPostgres_DeleteOlderThanKeepsLatestPerURLAndSubject(t *testing.T) {
	repo := newPostgresRepository(t)
	cutoff := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	old := func(days int) time.Time { return cutoff.AddDate(0, 0, -days) }
	link := subject("link", "abc")

	seedViews(t, repo,
		// Oldest first: only the newest /old/ row survives.
		viewSpec{url: "/old/", at: old(30)},
		viewSpec{url: "/old/", at: old(20)},
		viewSpec{url: "/old/", at: old(10)},
		// The subject's newest old view is kept even though a newer view of
		// the same URL exists past the cutoff.
		viewSpec{url: "/links/abc", subject: &link, at: old(9)},
		viewSpec{url: "/links/abc", subject: &link, at: old(8)},
		viewSpec{url: "/links/abc", at: cutoff.Add(time.Hour)},
	)

	deleted, err := repo.DeleteOlderThan(context.Background(), cutoff, true)
	require.NoError(t, err)
	assert.EqualValues(t, 3, deleted)

	rest, err := repo.List(context.Background(), ListOptions{Limit: 10})
	require.NoError(t, err)
	var got []string
	for _, v := range rest {
		got = append(got, fmt.Sprintf("%s@%s", v.URL, v.Timestamp.UTC().Format(time.DateOnly)))
	}
	assert.ElementsMatch(t, []string{
		"/old/@2025-05-22",
		"/links/abc@2025-05-24",
		"/links/abc@2025-06-01",
	}, got)

	deleted, err = repo.DeleteOlderThan(context.Background(), cutoff, false)
	require.NoError(t, err)
	assert.EqualValues(t, 2, deleted)
}
