package admin

import (
	"log/slog"

	"github.com/gin-gonic/gin"

	"github.com/ubuygold/gpugate/internal/auth"
	"github.com/ubuygold/gpugate/internal/config"
	"github.com/ubuygold/gpugate/internal/db"
)

// SetupRoutes mounts the admin surface. Nothing is mounted when no admin password is configured.
func SetupRoutes(router *gin.Engine, dbService db.Service, cfg *config.Config, log *slog.Logger) bool {
	if cfg.Admin.Password == "" {
		return false
	}
	handler := NewHandler(dbService, log)

	adminGroup := router.Group("/admin")
	adminGroup.Use(auth.AdminAuthMiddleware(cfg.Admin.Password))
	{
		keysGroup := adminGroup.Group("/api-keys")
		{
			keysGroup.GET("", handler.ListAPIKeysHandler)
			keysGroup.POST("", handler.CreateAPIKeyHandler)
			keysGroup.DELETE("/:key", handler.RevokeAPIKeyHandler)
		}

		adminGroup.GET("/logs", handler.ListLogsHandler)
	}
	return true
}
