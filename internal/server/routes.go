package server

import (
	"log/slog"

	"github.com/gin-gonic/gin"

	"github.com/ubuygold/gpugate/internal/auth"
	"github.com/ubuygold/gpugate/internal/ratelimit"
)

// SetupRoutes mounts the /v1 surface. The health probe is the only unauthenticated route;
// limiter may be nil.
func SetupRoutes(router *gin.Engine, handler *Handler, authenticator *auth.Authenticator, limiter ratelimit.Limiter, log *slog.Logger) {
	v1 := router.Group("/v1")
	v1.GET("/health", handler.HealthHandler)

	protected := v1.Group("")
	protected.Use(auth.AuthMiddleware(authenticator, log))
	if limiter != nil {
		protected.Use(ratelimit.Middleware(limiter, log))
	}
	{
		protected.GET("/models", handler.ListModelsHandler)
		protected.POST("/generate", handler.GenerateHandler)
		protected.POST("/qwen/ocr", handler.OCRHandler)
		protected.POST("/qwen/ocr-file", handler.OCRFileHandler)
		protected.POST("/paddle/ocr", handler.PaddleOCRHandler)
	}
}
