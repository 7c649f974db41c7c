package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/ubuygold/gpugate/internal/db"
	"github.com/ubuygold/gpugate/internal/logger"
	"github.com/ubuygold/gpugate/internal/model"

	"github.com/gin-gonic/gin"
)

// HeaderAPIKey carries the client credential on every protected route.
const HeaderAPIKey = "X-API-Key"

const contextKeyAPIKey = "gpugate.apiKey"

var (
	ErrMissingCredential    = errors.New("missing api key")
	ErrInvalidOrInactiveKey = errors.New("invalid or inactive api key")
)

// KeyStore is the part of db.Service the authenticator needs.
type KeyStore interface {
	AuthenticateAPIKey(ctx context.Context, key string) (*model.APIKey, error)
}

// Authenticator validates presented keys and counts their use.
type Authenticator struct {
	store KeyStore
}

func NewAuthenticator(store KeyStore) *Authenticator {
	return &Authenticator{store: store}
}

// Authenticate returns the active key record after incrementing its request count.
func (a *Authenticator) Authenticate(ctx context.Context, presented string) (*model.APIKey, error) {
	presented = strings.TrimSpace(presented)
	if presented == "" {
		return nil, ErrMissingCredential
	}
	key, err := a.store.AuthenticateAPIKey(ctx, presented)
	if err != nil {
		if errors.Is(err, db.ErrAPIKeyNotFound) {
			return nil, ErrInvalidOrInactiveKey
		}
		return nil, fmt.Errorf("key store lookup failed: %w", err)
	}
	return key, nil
}

// AuthMiddleware rejects requests without a valid X-API-Key before any handler runs.
func AuthMiddleware(a *Authenticator, log *slog.Logger) gin.HandlerFunc {
	log = log.With("component", "auth")
	return func(c *gin.Context) {
		presented := c.GetHeader(HeaderAPIKey)
		key, err := a.Authenticate(c.Request.Context(), presented)
		switch {
		case err == nil:
		case errors.Is(err, ErrMissingCredential):
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "API key is required"})
			return
		case errors.Is(err, ErrInvalidOrInactiveKey):
			log.Debug("Rejected request", "path", c.Request.URL.Path, "key_suffix", logger.KeySuffix(presented))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid or inactive API key"})
			return
		default:
			log.Error("Authentication failed", "error", err)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
			return
		}

		log.Debug("Authenticated request", "owner", key.Owner, "key_suffix", logger.KeySuffix(key.Key), "request_count", key.RequestCount)
		c.Set(contextKeyAPIKey, key)
		c.Next()
	}
}

// KeyFromContext returns the record stored by AuthMiddleware.
func KeyFromContext(c *gin.Context) (*model.APIKey, bool) {
	v, ok := c.Get(contextKeyAPIKey)
	if !ok {
		return nil, false
	}
	key, ok := v.(*model.APIKey)
	return key, ok
}

// OwnerFromContext returns the owner of the authenticated key, "unknown" when absent.
func OwnerFromContext(c *gin.Context) string {
	if key, ok := KeyFromContext(c); ok && key.Owner != "" {
		return key.Owner
	}
	return "unknown"
}

func AdminAuthMiddleware(adminPassword string) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, password, hasAuth := c.Request.BasicAuth()
		if !hasAuth || user != "admin" || subtle.ConstantTimeCompare([]byte(password), []byte(adminPassword)) != 1 {
			c.Header("WWW-Authenticate", `Basic realm="Restricted"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
			return
		}
		c.Next()
	}
}
