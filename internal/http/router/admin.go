package router

import (
	"github.com/gin-gonic/gin"

	"parley.app/dialog/internal/http/handler"
)

// AdminRouter expects router to already carry the admin API key middleware.
func AdminRouter(router *gin.RouterGroup, h *handler.AdminHandler) {
	router.POST("/sweep", h.Sweep)
	router.POST("/conversations/:id/unlock", h.Unlock)
	router.POST("/conversations/:id/process", h.Process)
}
