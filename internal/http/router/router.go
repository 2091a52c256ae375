package router

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"parley.app/dialog/internal/http/handler"
	"parley.app/dialog/internal/http/handler/webhook"
	"parley.app/dialog/internal/http/middleware"
	"parley.app/dialog/internal/service"
)

type RouterConfig struct {
	TraceHeaderName string
	AdminAPIKey     string
}

func SetupRoutes(router *gin.Engine, services *service.Services, cfg RouterConfig) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	webhookHandler := webhook.NewChannelWebhookHandler(services.Inbound(), cfg.TraceHeaderName)
	WebhookRouter(router.Group("/webhooks"), webhookHandler)

	adminHandler := handler.NewAdminHandler(services.Admin())
	admin := router.Group("/admin")
	admin.Use(middleware.RequireAdminAPIKey(cfg.AdminAPIKey))
	AdminRouter(admin, adminHandler)
}
