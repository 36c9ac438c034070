package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"
)

const (
	OperatorHeader    = "X-Operator-ID"
	OperatorLocalsKey = "operator_id"
)

// OperatorContextMiddleware records who is acting on the review queue. The
// gateway forwards the operator identity in X-Operator-ID; mutating routes
// reject requests without it.
func OperatorContextMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		operator := strings.TrimSpace(c.Get(OperatorHeader))
		if operator == "" && c.Method() != fiber.MethodGet {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "missing X-Operator-ID: operator actions must carry an identity",
			})
		}
		c.Locals(OperatorLocalsKey, operator)
		return c.Next()
	}
}

// Operator returns the identity stored by OperatorContextMiddleware.
func Operator(c *fiber.Ctx) string {
	op, _ := c.Locals(OperatorLocalsKey).(string)
	return op
}
