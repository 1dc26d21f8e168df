package middleware

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/session"
	"github.com/gofiber/fiber/v2/utils"
	"github.com/sifan077/pageviews/internal/app/service"
	"go.uber.org/zap"
)

const (
	// UserIDLocal is where authentication middleware stores the user id.
	UserIDLocal = "user_id"
	routeLocal  = "pageview_route"

	sessionMarker = "pv"
)

var errNoSession = errors.New("session store unavailable")

// PageViewDeps groups the collaborators of the tracking middleware.
type PageViewDeps struct {
	Logger   *zap.Logger
	Tracker  *service.Tracker
	Sessions *session.Store
}

// PageViews records every served page once the handler chain has produced a
// response. Tracking never changes the response.
func PageViews(deps PageViewDeps) fiber.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return func(c *fiber.Ctx) error {
		if err := c.Next(); err != nil {
			// The error handler decides the final status; nothing to track.
			return err
		}

		req := service.Request{
			Method:        utils.CopyString(c.Method()),
			Path:          utils.CopyString(c.Path()),
			Status:        c.Response().StatusCode(),
			UserAgent:     utils.CopyString(c.Get(fiber.HeaderUserAgent)),
			RequestedWith: c.Get(fiber.HeaderXRequestedWith),
			ClientIP:      service.ResolveClientIP(func(name string) string { return c.Get(name) }, c.Context().RemoteAddr().String()),
		}
		if uid, ok := c.Locals(UserIDLocal).(string); ok {
			req.UserID = uid
		}
		if route, ok := c.Locals(routeLocal).(*service.RouteMatch); ok {
			req.Route = route
		}
		if deps.Sessions != nil {
			req.Session = &fiberSession{c: c, store: deps.Sessions, logger: logger}
		}

		ctx := c.UserContext()
		if ctx == nil {
			ctx = context.Background()
		}
		res := deps.Tracker.Track(ctx, req)
		if res.Skipped != service.SkipNone {
			logger.Debug("page view not recorded",
				zap.String("path", req.Path),
				zap.String("reason", string(res.Skipped)))
		}
		return nil
	}
}

// Tracked names a route for tracking and attaches the object that knows
// what the route displays. target may implement any of the accessor
// interfaces in the service package, or be nil for URL-only tracking.
func Tracked(name string, target any, h fiber.Handler) fiber.Handler {
	return func(c *fiber.Ctx) error {
		params := make(map[string]string)
		for k, v := range c.AllParams() {
			params[k] = utils.CopyString(v)
		}
		c.Locals(routeLocal, &service.RouteMatch{
			Name:    name,
			Params:  params,
			Handler: target,
		})
		return h(c)
	}
}

// fiberSession adapts the fiber session store. The store is consulted at
// most once per request.
type fiberSession struct {
	c      *fiber.Ctx
	store  *session.Store
	logger *zap.Logger

	loaded bool
	sess   *session.Session
	key    string
}

func (s *fiberSession) load() {
	if s.loaded {
		return
	}
	s.loaded = true
	sess, err := s.store.Get(s.c)
	if err != nil {
		s.logger.Warn("failed to load session", zap.Error(err))
		return
	}
	s.sess = sess
	if !sess.Fresh() {
		s.key = sess.ID()
	}
}

// Key returns the id of a session the visitor already holds.
func (s *fiberSession) Key() string {
	s.load()
	return s.key
}

// Ensure persists the session so that the visitor receives a cookie.
func (s *fiberSession) Ensure() (string, error) {
	s.load()
	if s.key != "" {
		return s.key, nil
	}
	if s.sess == nil {
		return "", errNoSession
	}

	id := s.sess.ID()
	s.sess.Set(sessionMarker, true)
	if err := s.sess.Save(); err != nil {
		return "", err
	}
	s.key = id
	return id, nil
}
