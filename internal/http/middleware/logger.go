package middleware

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sifan077/pageviews/internal/app/service"
	"go.uber.org/zap"
)

// Logger writes one access log entry per request. Successful requests are
// logged at debug level, handler errors at error level.
func Logger(logger *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		fields := append(requestFields(c),
			zap.Int("status", c.Response().StatusCode()),
			zap.Duration("latency", time.Since(start)),
			zap.String("ip", c.IP()),
			zap.String("user_agent", c.Get(fiber.HeaderUserAgent)),
		)
		if route, ok := c.Locals(routeLocal).(*service.RouteMatch); ok {
			fields = append(fields, zap.String("view_name", route.Name))
		}

		if err != nil {
			logger.Error("request failed", append(fields, zap.Error(err))...)
			return err
		}
		logger.Debug("request", fields...)
		return nil
	}
}
