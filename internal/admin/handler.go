package admin

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ubuygold/gpugate/internal/auth"
	"github.com/ubuygold/gpugate/internal/db"
	"github.com/ubuygold/gpugate/internal/logger"
	"github.com/ubuygold/gpugate/internal/model"
)

type CreateKeyRequest struct {
	Owner string `json:"owner" binding:"required"`
}

// KeyView is an API key as the admin surface shows it. The full key is only ever
// returned once, by the create call.
type KeyView struct {
	ID           uint      `json:"id"`
	Owner        string    `json:"owner"`
	MaskedKey    string    `json:"masked_key"`
	IsActive     bool      `json:"is_active"`
	CreatedAt    time.Time `json:"created_at"`
	RequestCount int64     `json:"request_count"`
}

type Handler struct {
	db     db.Service
	logger *slog.Logger
}

func NewHandler(dbService db.Service, log *slog.Logger) *Handler {
	return &Handler{db: dbService, logger: log.With("component", "admin")}
}

func (h *Handler) ListAPIKeysHandler(c *gin.Context) {
	keys, err := h.db.ListAPIKeys(c.Request.Context())
	if err != nil {
		h.logger.Error("Failed to list api keys", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list API keys"})
		return
	}

	views := make([]KeyView, 0, len(keys))
	for _, k := range keys {
		views = append(views, KeyView{
			ID:           k.ID,
			Owner:        k.Owner,
			MaskedKey:    auth.MaskKey(k.Key),
			IsActive:     k.IsActive,
			CreatedAt:    k.CreatedAt,
			RequestCount: k.RequestCount,
		})
	}
	c.JSON(http.StatusOK, gin.H{"api_keys": views})
}

func (h *Handler) CreateAPIKeyHandler(c *gin.Context) {
	var req CreateKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Owner) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	value, err := auth.GenerateKey()
	if err != nil {
		h.logger.Error("Failed to generate api key", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create API key"})
		return
	}
	key := &model.APIKey{Key: value, Owner: strings.TrimSpace(req.Owner)}
	if err := h.db.CreateAPIKey(c.Request.Context(), key); err != nil {
		h.logger.Error("Failed to create api key", "owner", key.Owner, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create API key"})
		return
	}

	h.logger.Info("API key created", "owner", key.Owner, "key_suffix", logger.KeySuffix(value))
	c.JSON(http.StatusCreated, gin.H{"id": key.ID, "owner": key.Owner, "api_key": value})
}

func (h *Handler) RevokeAPIKeyHandler(c *gin.Context) {
	value := c.Param("key")
	found, err := h.db.RevokeAPIKey(c.Request.Context(), value)
	if err != nil {
		h.logger.Error("Failed to revoke api key", "key_suffix", logger.KeySuffix(value), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to revoke API key"})
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "API key not found"})
		return
	}

	h.logger.Info("API key revoked", "key_suffix", logger.KeySuffix(value))
	c.JSON(http.StatusOK, gin.H{"message": "API key revoked"})
}

func (h *Handler) ListLogsHandler(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}

	entries, err := h.db.ListRequestLogs(c.Request.Context(), c.Query("owner"), limit)
	if err != nil {
		h.logger.Error("Failed to list request logs", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list request logs"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"logs": entries})
}
