package server

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/session"
	"github.com/redis/go-redis/v9"
	"github.com/sifan077/pageviews/internal/app/repository"
	"github.com/sifan077/pageviews/internal/app/service"
	"github.com/sifan077/pageviews/internal/http/handler"
	"github.com/sifan077/pageviews/internal/http/middleware"
	"go.uber.org/zap"
)

// Dependencies bundles the services required by the HTTP server.
type Dependencies struct {
	Logger    *zap.Logger
	Redis     redis.Cmdable
	Tracker   *service.Tracker
	Analytics *service.Analytics
	Models    *service.ModelRegistry
	PageViews repository.PageViewRepository
	Links     repository.LinkRepository
	Sessions  *session.Store
	RateLimit middleware.RateLimitConfig

	ProxyHeader    string
	TrustedProxies []string
}

// Server wraps the Fiber application and its dependencies.
type Server struct {
	app  *fiber.App
	deps Dependencies
}

// New creates a new HTTP server instance with default routes.
func New(deps Dependencies) *Server {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Sessions == nil {
		deps.Sessions = session.New(session.Config{
			Expiration:     14 * 24 * time.Hour,
			CookieHTTPOnly: true,
			CookieSameSite: fiber.CookieSameSiteLaxMode,
		})
	}
	if deps.RateLimit.MaxRequests == 0 {
		deps.RateLimit = middleware.DefaultRateLimitConfig()
	}

	app := fiber.New(fiber.Config{
		AppName:                 "pageviews",
		DisableStartupMessage:   true,
		ProxyHeader:             deps.ProxyHeader,
		EnableTrustedProxyCheck: len(deps.TrustedProxies) > 0,
		TrustedProxies:          deps.TrustedProxies,
	})

	s := &Server{
		app:  app,
		deps: deps,
	}

	s.registerRoutes()
	return s
}

// App exposes the underlying fiber application, mainly for tests.
func (s *Server) App() *fiber.App {
	return s.app
}

// Listen starts the Fiber server on the given address.
func (s *Server) Listen(addr string) error {
	return s.app.Listen(addr)
}

// Shutdown gracefully stops the Fiber server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

func (s *Server) registerRoutes() {
	s.app.Use(middleware.RequestID())
	s.app.Use(middleware.Recovery(s.deps.Logger))
	s.app.Use(middleware.Logger(s.deps.Logger))

	s.app.Get("/", s.health)
	s.app.Get("/health", s.health)

	tracking := middleware.PageViews(middleware.PageViewDeps{
		Logger:   s.deps.Logger,
		Tracker:  s.deps.Tracker,
		Sessions: s.deps.Sessions,
	})

	links := handler.NewLinkHandler(handler.LinkDeps{
		Logger:      s.deps.Logger,
		LinkService: service.NewLinkService(s.deps.Links),
		Links:       s.deps.Links,
		Analytics:   s.deps.Analytics,
	})
	reports := handler.NewReportHandler(handler.ReportDeps{
		Logger:    s.deps.Logger,
		Analytics: s.deps.Analytics,
		Store:     s.deps.PageViews,
		Models:    s.deps.Models,
	})

	links.RegisterPages(s.app.Group("/links", tracking))
	reports.RegisterPages(s.app.Group("/reports", tracking))

	api := s.app.Group("/api",
		middleware.CORS(),
		middleware.RateLimit(s.deps.Redis, s.deps.RateLimit, s.deps.Logger),
	)
	links.RegisterAPI(api)
	reports.RegisterAPI(api)
}

func (s *Server) health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"service": "pageviews",
		"status":  "ok",
		"time":    time.Now().UTC().Format(time.RFC3339),
	})
}
