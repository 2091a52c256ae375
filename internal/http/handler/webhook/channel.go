package webhook

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/trace"

	"parley.app/dialog/internal/http/dto"
	"parley.app/dialog/internal/service"
)

type ChannelWebhookHandler struct {
	inbound     service.InboundService
	traceHeader string
}

func NewChannelWebhookHandler(inbound service.InboundService, traceHeader string) *ChannelWebhookHandler {
	return &ChannelWebhookHandler{
		inbound:     inbound,
		traceHeader: traceHeader,
	}
}

// HandleMessage answers 200 for dropped events as well, so the gateway does not redeliver
// messages that will never be accepted.
func (h *ChannelWebhookHandler) HandleMessage(c *gin.Context) {
	ctx := c.Request.Context()

	var req dto.ChannelWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		slog.WarnContext(ctx, "invalid channel webhook payload", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	event := service.InboundEvent{
		Instance: req.Instance,
		Sender:   req.Sender,
		Text:     req.Text,
		SelfSent: req.FromMe,
	}
	if traceID := h.traceID(c); traceID != "" {
		event.TraceID = &traceID
	}

	res, err := h.inbound.Receive(ctx, event)
	if err != nil {
		if errors.Is(err, service.ErrRejected) {
			c.JSON(http.StatusOK, dto.ChannelWebhookResponse{
				Accepted: false,
				Reason:   strings.TrimPrefix(err.Error(), service.ErrRejected.Error()+": "),
			})
			return
		}
		slog.ErrorContext(ctx, "failed to accept inbound message", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to accept message"})
		return
	}

	c.JSON(http.StatusAccepted, dto.ChannelWebhookResponse{
		Accepted:        true,
		ConversationID:  res.ConversationID,
		MessageID:       res.MessageID,
		InstanceChanged: res.InstanceChanged,
	})
}

func (h *ChannelWebhookHandler) traceID(c *gin.Context) string {
	if h.traceHeader != "" {
		if v := c.GetHeader(h.traceHeader); v != "" {
			return v
		}
	}
	if spanCtx := trace.SpanContextFromContext(c.Request.Context()); spanCtx.IsValid() {
		return spanCtx.TraceID().String()
	}
	return ""
}
