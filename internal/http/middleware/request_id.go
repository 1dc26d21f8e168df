package middleware

import (
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

const (
	RequestIDHeader = "X-Request-ID"
	// RequestIDLocal is the fiber locals key holding the request ID.
	RequestIDLocal = "request_id"

	maxRequestIDLen = 64
)

// RequestID propagates a caller supplied X-Request-ID, replacing it with a
// fresh UUID when it is missing or not a short printable token.
func RequestID() fiber.Handler {
	return func(c *fiber.Ctx) error {
		rid := c.Get(RequestIDHeader)
		if !validRequestID(rid) {
			rid = uuid.NewString()
		}
		c.Set(RequestIDHeader, rid)
		c.Locals(RequestIDLocal, rid)
		return c.Next()
	}
}

func validRequestID(rid string) bool {
	if rid == "" || len(rid) > maxRequestIDLen {
		return false
	}
	for i := 0; i < len(rid); i++ {
		if rid[i] <= ' ' || rid[i] > '~' {
			return false
		}
	}
	return true
}

func requestIDFrom(c *fiber.Ctx) (string, bool) {
	rid, ok := c.Locals(RequestIDLocal).(string)
	return rid, ok && rid != ""
}
