package middleware

import (
	"fmt"
	"runtime/debug"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

// Recovery turns a handler panic into a 500 JSON response. Tracking never
// runs for the failed request because the page view middleware only records
// after a handler returns normally.
func Recovery(logger *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) (err error) {
		defer func() {
			r := recover()
			if r == nil {
				return
			}
			fields := append(requestFields(c),
				zap.Error(fmt.Errorf("panic: %v", r)),
				zap.ByteString("stack", debug.Stack()),
			)
			logger.Error("panic recovered", fields...)

			err = c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "Internal Server Error",
			})
		}()

		return c.Next()
	}
}

// requestFields are the fields shared by every request scoped log entry.
func requestFields(c *fiber.Ctx) []zap.Field {
	fields := []zap.Field{
		zap.String("method", c.Method()),
		zap.String("path", c.Path()),
	}
	if rid, ok := requestIDFrom(c); ok {
		fields = append(fields, zap.String("request_id", rid))
	}
	return fields
}
