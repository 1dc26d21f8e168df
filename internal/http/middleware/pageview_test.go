package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/session"
	"github.com/sifan077/pageviews/internal/app/model"
	"github.com/sifan077/pageviews/internal/app/repository/repositoryfake"
	"github.com/sifan077/pageviews/internal/app/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type explicitTarget struct{ id string }

func (e explicitTarget) TrackedObject(_ context.Context, route service.RouteMatch) (*model.Subject, error) {
	return &model.Subject{Type: "article", ID: route.Params["id"] + e.id}, nil
}

func newTrackedApp(t *testing.T, sessions *session.Store) (*fiber.App, *repositoryfake.PageViews) {
	t.Helper()

	logger := zaptest.NewLogger(t)
	store := repositoryfake.NewPageViews()
	classifier := service.NewClassifier(service.ClassifierConfig{
		ExcludeAdmin: true,
		ExcludeAJAX:  true,
		BotPatterns:  []string{"bot"},
	}, logger, nil)
	// No throttle store: every visit is admitted.
	gate := service.NewThrottleGate(nil, 0, logger, nil)
	recorder := service.NewRecorder(service.RecorderDeps{Logger: logger, Store: store})
	tracker := service.NewTracker(classifier, gate, recorder, logger)

	app := fiber.New()
	app.Use(func(c *fiber.Ctx) error {
		if uid := c.Get("X-Test-User"); uid != "" {
			c.Locals(UserIDLocal, uid)
		}
		return c.Next()
	})
	app.Use(PageViews(PageViewDeps{Logger: logger, Tracker: tracker, Sessions: sessions}))

	ok := func(c *fiber.Ctx) error { return c.SendString("ok") }
	app.Get("/plain", ok)
	app.Get("/articles/:id", Tracked("article_detail", explicitTarget{}, ok))
	app.Get("/admin/dashboard", ok)
	app.Post("/plain", ok)
	app.Get("/missing", func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusNotFound) })
	app.Get("/boom", func(c *fiber.Ctx) error { return fiber.NewError(fiber.StatusTeapot, "boom") })
	return app, store
}

func send(t *testing.T, app *fiber.App, req *http.Request) *http.Response {
	t.Helper()
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestPageViews_RecordsEligibleRequests(t *testing.T) {
	t.Parallel()

	app, store := newTrackedApp(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/articles/7", nil)
	req.Header.Set("User-Agent", "Mozilla/5.0")
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	req.Header.Set("X-Test-User", "u-1")
	resp := send(t, app, req)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	views := store.All()
	require.Len(t, views, 1)
	v := views[0]
	assert.Equal(t, "/articles/7", v.URL)
	assert.Equal(t, "article_detail", *v.ViewName)
	assert.Equal(t, "203.0.113.9", *v.IPAddress)
	assert.Equal(t, "Mozilla/5.0", *v.UserAgent)
	subject, ok := v.Subject()
	require.True(t, ok)
	assert.Equal(t, model.Subject{Type: "article", ID: "7"}, subject)
}

func TestPageViews_SkipsIneligibleRequests(t *testing.T) {
	t.Parallel()

	app, store := newTrackedApp(t, nil)

	bot := httptest.NewRequest(http.MethodGet, "/plain", nil)
	bot.Header.Set("User-Agent", "Googlebot/2.1")
	ajax := httptest.NewRequest(http.MethodGet, "/plain", nil)
	ajax.Header.Set("X-Requested-With", "XMLHttpRequest")

	for _, req := range []*http.Request{
		httptest.NewRequest(http.MethodPost, "/plain", nil),
		httptest.NewRequest(http.MethodGet, "/missing", nil),
		httptest.NewRequest(http.MethodGet, "/admin/dashboard", nil),
		bot,
		ajax,
	} {
		send(t, app, req)
	}
	assert.Empty(t, store.All())
}

func TestPageViews_HandlerErrorIsPassedThrough(t *testing.T) {
	t.Parallel()

	app, store := newTrackedApp(t, nil)
	resp := send(t, app, httptest.NewRequest(http.MethodGet, "/boom", nil))

	assert.Equal(t, http.StatusTeapot, resp.StatusCode)
	assert.Empty(t, store.All())
}

func TestPageViews_CreatesSessionLazily(t *testing.T) {
	t.Parallel()

	sessions := session.New(session.Config{Expiration: time.Hour})
	app, store := newTrackedApp(t, sessions)

	resp := send(t, app, httptest.NewRequest(http.MethodGet, "/plain", nil))
	var cookie *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == "session_id" {
			cookie = c
		}
	}
	require.NotNil(t, cookie)

	req := httptest.NewRequest(http.MethodGet, "/plain", nil)
	req.AddCookie(cookie)
	resp = send(t, app, req)
	for _, c := range resp.Cookies() {
		assert.NotEqual(t, "session_id", c.Name, "existing session must be reused")
	}

	views := store.All()
	require.Len(t, views, 2)
	for _, v := range views {
		require.NotNil(t, v.SessionKey)
		assert.Equal(t, cookie.Value, *v.SessionKey)
	}
}

func TestPageViews_UntrackedResponseIsUnchanged(t *testing.T) {
	t.Parallel()

	app, _ := newTrackedApp(t, session.New())
	resp := send(t, app, httptest.NewRequest(http.MethodPost, "/plain", nil))

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, resp.Cookies())
}
