package database

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"showcase-sync-backend/pkg/models"

	"github.com/spf13/afero"
)

var (
	// ErrConflict 添加已存在的记录或删除不存在的记录
	ErrConflict = errors.New("collection record conflict")
	// ErrMalformedResponse 存储返回的数据无法通过校验
	ErrMalformedResponse = errors.New("malformed store response")
	ErrUserIDRequired    = errors.New("user id is required")
	ErrItemIDRequired    = errors.New("item id is required")
	ErrInvalidKind       = errors.New("invalid collection kind")
)

// CollectionStore 收藏记录存储接口
// 所有实现都必须保证 (userID, itemID, kind) 唯一，并按 created_at 倒序分页
type CollectionStore interface {
	// ListAll returns every item id of one kind for the user, newest first.
	ListAll(ctx context.Context, userID string, kind models.Kind) ([]string, error)
	// ListPage returns up to limit records strictly older than before (nil = newest).
	ListPage(ctx context.Context, userID string, kind models.Kind, limit int, before *time.Time) ([]models.CollectionRecord, error)
	// Insert creates the record and returns the post-mutation sets for both kinds.
	// Returns ErrConflict if the record already exists.
	Insert(ctx context.Context, userID, itemID string, kind models.Kind) (models.KindSets, error)
	// Remove deletes the record and returns the post-mutation sets for both kinds.
	// Returns ErrConflict if the record does not exist.
	Remove(ctx context.Context, userID, itemID string, kind models.Kind) (models.KindSets, error)
	CountByKind(ctx context.Context, userID string) (models.Counts, error)

	// 健康检查
	HealthCheck(ctx context.Context) error

	// 关闭连接
	Close() error
}

// DatabaseConfig 存储配置
type DatabaseConfig struct {
	UseLocalDB    bool
	LocalDataDir  string
	PostgresDSN   string
	SupabaseURL   string
	SupabaseKey   string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	AutoMigrate   bool
	Debug         bool
	Logger        *slog.Logger
}

// NewDatabase 根据环境与配置选择存储实现
func NewDatabase(config DatabaseConfig) (CollectionStore, error) {
	log := config.Logger
	if log == nil {
		log = slog.Default()
	}

	if config.UseLocalDB {
		log.Info("🧰 Using local file store", "dir", config.LocalDataDir)
		return NewLocalDatabase(afero.NewOsFs(), config.LocalDataDir)
	}

	if IsVercelEnvironment() {
		log.Info("🧭 Detected Vercel production environment")

		// Vercel 优先使用 Supabase（避免 IPv6）
		if config.SupabaseURL != "" && config.SupabaseKey != "" {
			log.Info("🚀 Using Supabase REST API (Vercel optimized)")
			return NewSupabaseDatabase(config.SupabaseURL, config.SupabaseKey, log), nil
		}
	}

	if config.PostgresDSN != "" {
		log.Info("🗄️ Using PostgreSQL store")
		return NewPostgresDatabase(config.PostgresDSN, config.AutoMigrate, log)
	}

	if config.SupabaseURL != "" && config.SupabaseKey != "" {
		log.Info("🧰 Using Supabase REST API")
		return NewSupabaseDatabase(config.SupabaseURL, config.SupabaseKey, log), nil
	}

	if config.RedisAddr != "" {
		log.Info("🧠 Using Redis store", "addr", config.RedisAddr)
		return NewRedisDatabase(config.RedisAddr, config.RedisPassword, config.RedisDB)
	}

	return nil, fmt.Errorf("no valid store configuration found: configure POSTGRES_DSN, SUPABASE_URL+SUPABASE_SERVICE_KEY, REDIS_ADDR or USE_LOCAL_DB")
}

// IsVercelEnvironment 检查是否在Vercel环境中
func IsVercelEnvironment() bool {
	vercelEnv := os.Getenv("VERCEL_ENV")
	vercelURL := os.Getenv("VERCEL_URL")
	awsLambda := os.Getenv("AWS_LAMBDA_FUNCTION_NAME")
	return vercelEnv != "" || vercelURL != "" || awsLambda != ""
}

// validateKey trims and checks the identifying triple shared by every store.
func validateKey(userID, itemID string, kind models.Kind) (string, string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", "", ErrUserIDRequired
	}
	itemID = strings.TrimSpace(itemID)
	if itemID == "" {
		return "", "", ErrItemIDRequired
	}
	if !kind.Valid() {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}
	return userID, itemID, nil
}

func validateUserKind(userID string, kind models.Kind) (string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", ErrUserIDRequired
	}
	if !kind.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}
	return userID, nil
}

// ValidateRecord rejects records that would poison the client cache.
func ValidateRecord(rec models.CollectionRecord, kind models.Kind) error {
	switch {
	case strings.TrimSpace(rec.ItemID) == "":
		return fmt.Errorf("%w: record without item_id", ErrMalformedResponse)
	case rec.Kind != kind:
		return fmt.Errorf("%w: record kind %q, want %q", ErrMalformedResponse, rec.Kind, kind)
	case rec.CreatedAt.IsZero():
		return fmt.Errorf("%w: record %s without created_at", ErrMalformedResponse, rec.ItemID)
	}
	return nil
}

// setsFromRecords groups records (already ordered newest first) into KindSets.
func setsFromRecords(records []models.CollectionRecord) models.KindSets {
	sets := models.KindSets{Likes: []string{}, Favorites: []string{}}
	for _, rec := range records {
		switch rec.Kind {
		case models.KindLike:
			sets.Likes = append(sets.Likes, rec.ItemID)
		case models.KindFavorite:
			sets.Favorites = append(sets.Favorites, rec.ItemID)
		}
	}
	return sets
}

// clampLimit keeps page requests in a sane range.
func clampLimit(limit int) int {
	if limit < 1 {
		return 1
	}
	if limit > maxPageLimit {
		return maxPageLimit
	}
	return limit
}

// maxPageLimit is one above the largest configurable page size so the lookahead row fits.
const maxPageLimit = 101
