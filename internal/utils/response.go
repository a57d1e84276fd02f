package utils

import "github.com/gofiber/fiber/v2"

// APIResponse describes the common envelope for ops responses.
type APIResponse struct {
	Success       bool        `json:"success"`
	Data          interface{} `json:"data,omitempty"`
	Message       string      `json:"message"`
	CorrelationID string      `json:"correlation_id,omitempty"`
}

// OK sends a 200 envelope carrying data.
func OK(c *fiber.Ctx, data interface{}, message string) error {
	if message == "" {
		message = "success"
	}

	return c.Status(fiber.StatusOK).JSON(APIResponse{
		Success:       true,
		Data:          data,
		Message:       message,
		CorrelationID: correlationID(c),
	})
}

// Fail sends an error envelope with the given status code.
func Fail(c *fiber.Ctx, status int, message string) error {
	if message == "" {
		message = "error"
	}
	if status == 0 {
		status = fiber.StatusInternalServerError
	}

	return c.Status(status).JSON(APIResponse{
		Success:       false,
		Message:       message,
		CorrelationID: correlationID(c),
	})
}

func correlationID(c *fiber.Ctx) string {
	if id, ok := c.Locals("correlation_id").(string); ok {
		return id
	}
	return ""
}
