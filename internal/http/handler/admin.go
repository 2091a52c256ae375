package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"parley.app/dialog/internal/http/dto"
	"parley.app/dialog/internal/service"
)

type AdminHandler struct {
	admin service.AdminService
}

func NewAdminHandler(admin service.AdminService) *AdminHandler {
	return &AdminHandler{admin: admin}
}

func (h *AdminHandler) Unlock(c *gin.Context) {
	ctx := c.Request.Context()

	conversationID, ok := conversationIDParam(c)
	if !ok {
		return
	}

	res, err := h.admin.ForceUnlock(ctx, conversationID)
	if err != nil {
		respondAdminError(c, "failed to unlock conversation", err)
		return
	}

	c.JSON(http.StatusOK, dto.UnlockResponse{
		Unlocked:       res.Unlocked,
		NextResponseAt: res.NextResponseAt,
	})
}

func (h *AdminHandler) Sweep(c *gin.Context) {
	ctx := c.Request.Context()

	res, err := h.admin.RunSweep(ctx)
	if err != nil {
		respondAdminError(c, "failed to run sweep", err)
		return
	}

	c.JSON(http.StatusOK, dto.SweepResponse{
		Scanned:     res.Scanned,
		Reprocessed: res.Reprocessed,
		Skipped:     res.Skipped,
		Failed:      res.Failed,
	})
}

func (h *AdminHandler) Process(c *gin.Context) {
	ctx := c.Request.Context()

	conversationID, ok := conversationIDParam(c)
	if !ok {
		return
	}

	res, err := h.admin.RunOrchestrator(ctx, conversationID)
	if err != nil {
		respondAdminError(c, "failed to process conversation", err)
		return
	}

	c.JSON(http.StatusOK, dto.ProcessResponse{
		ConversationID:    res.ConversationID,
		Outcome:           string(res.Outcome),
		RunID:             res.RunID,
		MessagesProcessed: res.MessagesProcessed,
		NextResponseAt:    res.NextResponseAt,
		Degraded:          string(res.Degraded),
	})
}

func conversationIDParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid conversation id"})
		return 0, false
	}
	return id, true
}

func respondAdminError(c *gin.Context, msg string, err error) {
	if errors.Is(err, service.ErrConversationNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
		return
	}
	slog.ErrorContext(c.Request.Context(), msg, "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": msg})
}
