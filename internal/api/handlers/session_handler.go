package handlers

import (
	"persona-rag/internal/service"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

type SessionHandler struct {
	history service.SessionHistory
	logger  *zap.Logger
}

func NewSessionHandler(history service.SessionHistory, logger *zap.Logger) *SessionHandler {
	return &SessionHandler{
		history: history,
		logger:  logger,
	}
}

// Clear handles DELETE /api/v1/sessions/:id.
func (h *SessionHandler) Clear(c *fiber.Ctx) error {
	sessionID := c.Params("id")
	if sessionID == "" {
		return badRequest(c, "Session id is required")
	}

	if err := h.history.Clear(c.UserContext(), sessionID); err != nil {
		h.logger.Error("Failed to clear session", zap.String("session_id", sessionID), zap.Error(err))
		return internalError(c, "Failed to clear session")
	}

	return c.SendStatus(fiber.StatusNoContent)
}
