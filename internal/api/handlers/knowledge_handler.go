package handlers

import (
	"persona-rag/internal/dto"
	"persona-rag/internal/models"
	"persona-rag/internal/service"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

type KnowledgeHandler struct {
	knowledgeService *service.KnowledgeService
	logger           *zap.Logger
}

func NewKnowledgeHandler(knowledgeService *service.KnowledgeService, logger *zap.Logger) *KnowledgeHandler {
	return &KnowledgeHandler{
		knowledgeService: knowledgeService,
		logger:           logger,
	}
}

// Build handles POST /api/v1/knowledge/build. With ?rebuild=true both indices are dropped first.
func (h *KnowledgeHandler) Build(c *fiber.Ctx) error {
	operator, _ := c.Locals("operator").(string)
	rebuild := c.QueryBool("rebuild", false)

	h.logger.Info("Knowledge build requested",
		zap.String("operator", operator),
		zap.Bool("rebuild", rebuild),
	)

	var (
		stats models.BuildStats
		err   error
	)
	if rebuild {
		stats, err = h.knowledgeService.Rebuild(c.UserContext())
	} else {
		stats, err = h.knowledgeService.BuildOrUpdate(c.UserContext())
	}
	if err != nil {
		h.logger.Error("Knowledge build failed", zap.Error(err))
		return internalError(c, "Knowledge build failed")
	}

	return c.JSON(dto.NewBuildResponse(stats, rebuild, operator))
}
