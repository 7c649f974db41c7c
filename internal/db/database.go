package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ubuygold/gpugate/internal/config"
	"github.com/ubuygold/gpugate/internal/model"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ErrAPIKeyNotFound is returned when no active key matches. Unknown and revoked keys are
// deliberately indistinguishable.
var ErrAPIKeyNotFound = errors.New("api key not found or inactive")

// Service is the persistence boundary of the gateway: the key store and the request log.
type Service interface {
	AuthenticateAPIKey(ctx context.Context, key string) (*model.APIKey, error)
	CreateAPIKey(ctx context.Context, key *model.APIKey) error
	RevokeAPIKey(ctx context.Context, key string) (bool, error)
	ListAPIKeys(ctx context.Context) ([]model.APIKey, error)
	AddRequestLog(ctx context.Context, entry *model.RequestLog) error
	ListRequestLogs(ctx context.Context, owner string, limit int) ([]model.RequestLog, error)
	GetDB() *gorm.DB
	Close() error
}

type gormService struct {
	db *gorm.DB
}

var _ Service = (*gormService)(nil)

const (
	maxOpenConns    = 25
	maxIdleConns    = 5
	connMaxLifetime = 5 * time.Minute
)

// NewService opens the configured database and migrates the schema.
func NewService(cfg config.DatabaseConfig) (Service, error) {
	var dialector gorm.Dialector
	switch cfg.Type {
	case "sqlite":
		dialector = sqlite.Open(sqliteDSN(cfg.DSN))
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	case "mysql":
		dialector = mysql.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database type: %s", cfg.Type)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database handle: %w", err)
	}
	if cfg.Type == "sqlite" {
		// One connection: keeps ":memory:" databases shared and writers from tripping SQLITE_BUSY.
		sqlDB.SetMaxOpenConns(1)
		sqlDB.SetMaxIdleConns(1)
		sqlDB.SetConnMaxLifetime(0)
	} else {
		sqlDB.SetMaxOpenConns(maxOpenConns)
		sqlDB.SetMaxIdleConns(maxIdleConns)
		sqlDB.SetConnMaxLifetime(connMaxLifetime)
	}

	if err := db.AutoMigrate(&model.APIKey{}, &model.RequestLog{}); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to auto-migrate database: %w", err)
	}

	return &gormService{db: db}, nil
}

func sqliteDSN(dsn string) string {
	if strings.Contains(dsn, ":memory:") || strings.Contains(dsn, "?") {
		return dsn
	}
	return dsn + "?_busy_timeout=5000&_journal_mode=WAL"
}

// AuthenticateAPIKey bumps request_count of the matching active key and returns the updated record.
// The increment is a single `request_count = request_count + 1` statement, so concurrent callers
// never lose updates.
func (s *gormService) AuthenticateAPIKey(ctx context.Context, key string) (*model.APIKey, error) {
	var apiKey model.APIKey
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&model.APIKey{}).
			Where("api_key = ? AND is_active = ?", key, true).
			UpdateColumn("request_count", gorm.Expr("request_count + 1"))
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrAPIKeyNotFound
		}
		return tx.Where("api_key = ?", key).First(&apiKey).Error
	})
	if err != nil {
		if errors.Is(err, ErrAPIKeyNotFound) {
			return nil, ErrAPIKeyNotFound
		}
		return nil, fmt.Errorf("failed to authenticate api key: %w", err)
	}
	return &apiKey, nil
}

func (s *gormService) CreateAPIKey(ctx context.Context, key *model.APIKey) error {
	if strings.TrimSpace(key.Key) == "" {
		return errors.New("api key value is required")
	}
	if strings.TrimSpace(key.Owner) == "" {
		return errors.New("api key owner is required")
	}
	key.IsActive = true
	key.RequestCount = 0
	if err := s.db.WithContext(ctx).Create(key).Error; err != nil {
		return fmt.Errorf("failed to create api key: %w", err)
	}
	return nil
}

// RevokeAPIKey deactivates a key for good. It reports whether the key exists at all.
func (s *gormService) RevokeAPIKey(ctx context.Context, key string) (bool, error) {
	result := s.db.WithContext(ctx).Model(&model.APIKey{}).
		Where("api_key = ? AND is_active = ?", key, true).
		Update("is_active", false)
	if result.Error != nil {
		return false, fmt.Errorf("failed to revoke api key: %w", result.Error)
	}
	if result.RowsAffected > 0 {
		return true, nil
	}

	var count int64
	if err := s.db.WithContext(ctx).Model(&model.APIKey{}).Where("api_key = ?", key).Count(&count).Error; err != nil {
		return false, fmt.Errorf("failed to look up api key: %w", err)
	}
	return count > 0, nil
}

func (s *gormService) ListAPIKeys(ctx context.Context) ([]model.APIKey, error) {
	var keys []model.APIKey
	if err := s.db.WithContext(ctx).Order("id asc").Find(&keys).Error; err != nil {
		return nil, fmt.Errorf("failed to list api keys: %w", err)
	}
	return keys, nil
}

func (s *gormService) AddRequestLog(ctx context.Context, entry *model.RequestLog) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	if err := s.db.WithContext(ctx).Create(entry).Error; err != nil {
		return fmt.Errorf("failed to write request log: %w", err)
	}
	return nil
}

// ListRequestLogs returns the newest entries first. An empty owner matches every owner.
func (s *gormService) ListRequestLogs(ctx context.Context, owner string, limit int) ([]model.RequestLog, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	query := s.db.WithContext(ctx).Order("id desc").Limit(limit)
	if owner != "" {
		query = query.Where("api_key_owner = ?", owner)
	}
	var entries []model.RequestLog
	if err := query.Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("failed to list request logs: %w", err)
	}
	return entries, nil
}

func (s *gormService) GetDB() *gorm.DB {
	return s.db
}

func (s *gormService) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
