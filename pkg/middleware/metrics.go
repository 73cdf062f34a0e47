package middleware

import (
	"time"

	"persona-rag/pkg/metrics"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

// RequestMetrics counts every request by its route pattern and logs it.
func RequestMetrics(collector *metrics.Collector, logger *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		status := c.Response().StatusCode()
		if err != nil {
			if e, ok := err.(*fiber.Error); ok {
				status = e.Code
			} else {
				status = fiber.StatusInternalServerError
			}
		}

		// route patterns keep label cardinality bounded
		path := c.Route().Path
		collector.RecordHTTPRequest(c.Method(), path, status)

		logger.Debug("HTTP request",
			zap.String("method", c.Method()),
			zap.String("path", c.Path()),
			zap.Int("status", status),
			zap.Duration("duration", time.Since(start)),
		)

		return err
	}
}
