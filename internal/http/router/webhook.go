package router

import (
	"github.com/gin-gonic/gin"

	"parley.app/dialog/internal/http/handler/webhook"
)

func WebhookRouter(router *gin.RouterGroup, h *webhook.ChannelWebhookHandler) {
	router.POST("/channel", h.HandleMessage)
}
