package handlers

import (
	"errors"
	"strings"

	"persona-rag/internal/dto"
	"persona-rag/internal/models"
	"persona-rag/internal/service"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

type AnswerHandler struct {
	answerService *service.AnswerService
	logger        *zap.Logger
}

func NewAnswerHandler(answerService *service.AnswerService, logger *zap.Logger) *AnswerHandler {
	return &AnswerHandler{
		answerService: answerService,
		logger:        logger,
	}
}

// Answer handles POST /api/v1/answer.
func (h *AnswerHandler) Answer(c *fiber.Ctx) error {
	var req dto.AnswerRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid request body")
	}

	filter, err := req.Filter()
	if err != nil {
		return badRequest(c, err.Error())
	}

	sessionID := strings.TrimSpace(req.SessionID)
	result, err := h.answerService.Answer(c.UserContext(), service.AnswerRequest{
		Question:  req.Question,
		SessionID: sessionID,
		Filter:    filter,
	})
	if err != nil {
		if isValidationError(err) {
			return badRequest(c, err.Error())
		}
		h.logger.Error("Failed to answer question", zap.Error(err))
		return internalError(c, "Failed to answer question")
	}

	return c.JSON(dto.NewAnswerResponse(result, sessionID))
}

func isValidationError(err error) bool {
	return errors.Is(err, models.ErrEmptyQuestion) ||
		errors.Is(err, models.ErrEmptyAnswer) ||
		errors.Is(err, models.ErrInvalidDocType)
}

func badRequest(c *fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: msg})
}

func internalError(c *fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{Error: msg})
}
