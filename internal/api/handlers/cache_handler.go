package handlers

import (
	"persona-rag/internal/dto"
	"persona-rag/internal/service"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

type CacheHandler struct {
	cacheService *service.ReplyCacheService
	logger       *zap.Logger
}

func NewCacheHandler(cacheService *service.ReplyCacheService, logger *zap.Logger) *CacheHandler {
	return &CacheHandler{
		cacheService: cacheService,
		logger:       logger,
	}
}

// Find handles GET /api/v1/cache?question=.
func (h *CacheHandler) Find(c *fiber.Ctx) error {
	question := c.Query("question")
	if service.Normalize(question) == "" {
		return badRequest(c, "Question is required")
	}

	entry, err := h.cacheService.FindSimilar(c.UserContext(), question)
	if err != nil {
		h.logger.Error("Failed to look up reply cache", zap.Error(err))
		return internalError(c, "Failed to look up reply cache")
	}

	return c.JSON(dto.NewLookupReplyResponse(entry))
}

// Store handles POST /api/v1/cache.
func (h *CacheHandler) Store(c *fiber.Ctx) error {
	var req dto.StoreReplyRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid request body")
	}

	vectorID, err := h.cacheService.Store(c.UserContext(), req.Question, req.Answer, req.ArtifactPath)
	if err != nil {
		if isValidationError(err) {
			return badRequest(c, err.Error())
		}
		h.logger.Error("Failed to store reply", zap.Error(err))
		return internalError(c, "Failed to store reply")
	}

	return c.Status(fiber.StatusCreated).JSON(dto.StoreReplyResponse{VectorID: vectorID})
}
