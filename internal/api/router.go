package api

import (
	"persona-rag/internal/api/handlers"
	"persona-rag/internal/dto"
	"persona-rag/pkg/auth"
	"persona-rag/pkg/config"
	"persona-rag/pkg/metrics"
	"persona-rag/pkg/middleware"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type Handlers struct {
	Answer    *handlers.AnswerHandler
	Cache     *handlers.CacheHandler
	Session   *handlers.SessionHandler
	Knowledge *handlers.KnowledgeHandler
}

func SetupRouter(
	h Handlers,
	serverCfg *config.ServerConfig,
	jwtManager *auth.JWTManager,
	collector *metrics.Collector,
	appLogger *zap.Logger,
) *fiber.App {
	fiberCfg := fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			msg := "Internal server error"
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
				msg = e.Message
			} else {
				appLogger.Error("Unhandled request error", zap.String("path", c.Path()), zap.Error(err))
			}
			return c.Status(code).JSON(dto.ErrorResponse{Error: msg})
		},
	}
	if serverCfg != nil {
		fiberCfg.ReadTimeout = serverCfg.ReadTimeout
		fiberCfg.WriteTimeout = serverCfg.WriteTimeout
	}
	app := fiber.New(fiberCfg)

	// Middleware
	app.Use(recover.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,DELETE,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization",
	}))
	app.Use(middleware.RequestMetrics(collector, appLogger))

	app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.JSON(dto.HealthResponse{Status: "ok"})
	})
	if collector != nil {
		app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(collector.Registry(), promhttp.HandlerOpts{})))
	}

	// Public API
	api := app.Group("/api/v1")
	api.Post("/answer", h.Answer.Answer)
	api.Get("/cache", h.Cache.Find)
	api.Post("/cache", h.Cache.Store)
	api.Delete("/sessions/:id", h.Session.Clear)

	// Operator routes
	knowledge := api.Group("/knowledge", middleware.OperatorAuth(jwtManager, appLogger))
	knowledge.Post("/build", h.Knowledge.Build)

	return app
}
