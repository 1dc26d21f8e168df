package handler

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/session"
	"github.com/sifan077/pageviews/internal/app/model"
	"github.com/sifan077/pageviews/internal/app/repository/repositoryfake"
	"github.com/sifan077/pageviews/internal/app/service"
	"github.com/sifan077/pageviews/internal/http/middleware"
	"github.com/sifan077/pageviews/internal/infra/lru"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var testNow = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

type testEnv struct {
	app   *fiber.App
	store *repositoryfake.PageViews
	links *repositoryfake.Links
}

func newTestEnv(t *testing.T, links ...model.Link) *testEnv {
	t.Helper()

	logger := zaptest.NewLogger(t)
	clock := quartz.NewMock(t)
	clock.Set(testNow).MustWait(context.Background())

	env := &testEnv{
		store: repositoryfake.NewPageViews(),
		links: repositoryfake.NewLinks(links...),
	}
	metrics := service.NewMetrics(nil)
	models := service.NewModelRegistry(service.LinkModel{Repo: env.links})
	analytics := service.NewAnalytics(service.AnalyticsDeps{Store: env.store, Models: models, Clock: clock})

	classifier := service.NewClassifier(service.ClassifierConfig{
		ExcludeAdmin: true,
		AdminPrefix:  "/admin/",
		ExcludeAJAX:  true,
		BotPatterns:  []string{"bot", "crawl", "spider"},
	}, logger, metrics)
	gate := service.NewThrottleGate(lru.NewThrottleStore(128, time.Minute), 20*time.Second, logger, metrics)
	recorder := service.NewRecorder(service.RecorderDeps{Logger: logger, Store: env.store, Clock: clock, Metrics: metrics})
	tracker := service.NewTracker(classifier, gate, recorder, logger)

	tracking := middleware.PageViews(middleware.PageViewDeps{
		Logger:   logger,
		Tracker:  tracker,
		Sessions: session.New(),
	})

	linkHandler := NewLinkHandler(LinkDeps{
		Logger:      logger,
		LinkService: service.NewLinkService(env.links),
		Links:       env.links,
		Analytics:   analytics,
	})
	reportHandler := NewReportHandler(ReportDeps{
		Logger:    logger,
		Analytics: analytics,
		Store:     env.store,
		Models:    models,
	})

	env.app = fiber.New()
	linkHandler.RegisterPages(env.app.Group("/links", tracking))
	reportHandler.RegisterPages(env.app.Group("/reports", tracking))
	api := env.app.Group("/api")
	linkHandler.RegisterAPI(api)
	reportHandler.RegisterAPI(api)
	return env
}

// seed stores a view directly, bypassing the tracking path.
func (e *testEnv) seed(t *testing.T, visit model.ResolvedVisit, visitor model.Visitor, ago time.Duration) {
	t.Helper()
	view := model.NewPageView(visit, visitor, testNow.Add(-ago))
	require.NoError(t, e.store.Create(context.Background(), &view))
}

func (e *testEnv) do(t *testing.T, req *http.Request) *http.Response {
	t.Helper()
	resp, err := e.app.Test(req, -1)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func (e *testEnv) get(t *testing.T, target string) *http.Response {
	t.Helper()
	return e.do(t, httptest.NewRequest(http.MethodGet, target, nil))
}

func (e *testEnv) sendJSON(t *testing.T, method, target, body string) *http.Response {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	return e.do(t, req)
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(b)
}

func linkSubject(code string) *model.Subject {
	return &model.Subject{Type: model.LinkContentType, ID: code}
}
