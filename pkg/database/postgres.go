package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"showcase-sync-backend/pkg/database/migrations"
	"showcase-sync-backend/pkg/models"

	"github.com/avast/retry-go/v4"
	"github.com/google/uuid"
	"github.com/lib/pq"
)

// createdAtKey 保证同一 (user_id, kind) 下 created_at 唯一，见迁移 00002
const createdAtKey = "collection_records_user_kind_created_key"

// 同一微秒内的并发写入会撞上 createdAtKey，重试时 clock_timestamp() 取新值
const timestampCollisionAttempts = 5

// isTimestampCollision 唯一约束冲突且约束是 createdAtKey
func isTimestampCollision(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505" && pqErr.Constraint == createdAtKey
}

// PostgresDatabase PostgreSQL存储实现
type PostgresDatabase struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresDatabase 创建PostgreSQL存储实例
func NewPostgresDatabase(dsn string, autoMigrate bool, logger *slog.Logger) (*PostgresDatabase, error) {
	if logger == nil {
		logger = slog.Default()
	}
	// 尝试多种连接策略来解决Vercel Lambda的IPv6问题
	// Sanitize DSN to avoid stray CR/LF from env values
	dsn = strings.TrimSpace(dsn)
	strategies := []string{
		addConnectionParams(dsn, "connect_timeout=10"),
		addConnectionParams(dsn, "sslmode=require&connect_timeout=10"),
		dsn, // 最后尝试原始DSN
	}

	var db *sql.DB
	var err error

	for i, strategy := range strategies {
		logger.Debug("🔄 Trying connection strategy", "strategy", i+1)

		db, err = sql.Open("postgres", strategy)
		if err != nil {
			logger.Warn("❌ Strategy failed to open", "strategy", i+1, "error", err)
			continue
		}

		// 设置连接池参数，适合无服务器环境
		db.SetMaxOpenConns(5)
		db.SetMaxIdleConns(2)
		db.SetConnMaxLifetime(5 * time.Minute)
		db.SetConnMaxIdleTime(2 * time.Minute)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err = db.PingContext(ctx)
		cancel()
		if err != nil {
			logger.Warn("❌ Strategy failed to ping", "strategy", i+1, "error", err)
			db.Close()
			continue
		}

		logger.Info("✅ PostgreSQL connection established", "strategy", i+1)
		store := &PostgresDatabase{db: db, logger: logger}
		if autoMigrate {
			if err := migrations.Up(db); err != nil {
				db.Close()
				return nil, err
			}
		}
		return store, nil
	}

	return nil, fmt.Errorf("failed to connect to PostgreSQL with all strategies: %w", err)
}

// NewPostgresDatabaseFromDB wraps an existing handle (tests, tooling).
func NewPostgresDatabaseFromDB(db *sql.DB, logger *slog.Logger) *PostgresDatabase {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresDatabase{db: db, logger: logger}
}

// addConnectionParams 添加连接参数到DSN
func addConnectionParams(dsn, params string) string {
	if params == "" {
		return dsn
	}

	separator := "?"
	if strings.Contains(dsn, "?") {
		separator = "&"
	}

	return dsn + separator + params
}

// ListAll 获取某类别的全部条目ID
func (db *PostgresDatabase) ListAll(ctx context.Context, userID string, kind models.Kind) ([]string, error) {
	userID, err := validateUserKind(userID, kind)
	if err != nil {
		return nil, err
	}

	rows, err := db.db.QueryContext(ctx, `
		SELECT item_id
		FROM collection_records
		WHERE user_id = $1 AND kind = $2
		ORDER BY created_at DESC
	`, userID, string(kind))
	if err != nil {
		return nil, fmt.Errorf("failed to list %s records: %w", kind, err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan item id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating records: %w", err)
	}
	return ids, nil
}

// ListPage 游标分页（before 为开区间）
func (db *PostgresDatabase) ListPage(ctx context.Context, userID string, kind models.Kind, limit int, before *time.Time) ([]models.CollectionRecord, error) {
	userID, err := validateUserKind(userID, kind)
	if err != nil {
		return nil, err
	}
	limit = clampLimit(limit)

	var rows *sql.Rows
	if before == nil {
		rows, err = db.db.QueryContext(ctx, `
			SELECT id, user_id, item_id, kind, created_at
			FROM collection_records
			WHERE user_id = $1 AND kind = $2
			ORDER BY created_at DESC
			LIMIT $3
		`, userID, string(kind), limit)
	} else {
		rows, err = db.db.QueryContext(ctx, `
			SELECT id, user_id, item_id, kind, created_at
			FROM collection_records
			WHERE user_id = $1 AND kind = $2 AND created_at < $3
			ORDER BY created_at DESC
			LIMIT $4
		`, userID, string(kind), before.UTC(), limit)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query %s page: %w", kind, err)
	}
	defer rows.Close()

	records, err := scanRecords(rows)
	if err != nil {
		return nil, err
	}
	return records, nil
}

// Insert 新增记录；唯一约束冲突时返回 ErrConflict
func (db *PostgresDatabase) Insert(ctx context.Context, userID, itemID string, kind models.Kind) (models.KindSets, error) {
	userID, itemID, err := validateKey(userID, itemID, kind)
	if err != nil {
		return models.KindSets{}, err
	}

	result, err := retry.DoWithData(func() (sql.Result, error) {
		return db.db.ExecContext(ctx, `
			INSERT INTO collection_records (id, user_id, item_id, kind, created_at)
			VALUES ($1, $2, $3, $4, clock_timestamp())
			ON CONFLICT (user_id, item_id, kind) DO NOTHING
		`, uuid.NewString(), userID, itemID, string(kind))
	},
		retry.Context(ctx),
		retry.Attempts(timestampCollisionAttempts),
		retry.Delay(time.Millisecond),
		retry.LastErrorOnly(true),
		retry.RetryIf(isTimestampCollision),
	)
	if err != nil {
		return models.KindSets{}, fmt.Errorf("failed to insert record: %w", err)
	}
	if n, err := result.RowsAffected(); err != nil {
		return models.KindSets{}, fmt.Errorf("failed to get rows affected: %w", err)
	} else if n == 0 {
		return models.KindSets{}, ErrConflict
	}

	db.logger.Debug("💾 Inserted collection record", "user_id", userID, "item_id", itemID, "kind", kind)
	return db.snapshot(ctx, userID)
}

// Remove 删除记录；记录不存在时返回 ErrConflict
func (db *PostgresDatabase) Remove(ctx context.Context, userID, itemID string, kind models.Kind) (models.KindSets, error) {
	userID, itemID, err := validateKey(userID, itemID, kind)
	if err != nil {
		return models.KindSets{}, err
	}

	result, err := db.db.ExecContext(ctx,
		`DELETE FROM collection_records WHERE user_id = $1 AND item_id = $2 AND kind = $3`,
		userID, itemID, string(kind))
	if err != nil {
		return models.KindSets{}, fmt.Errorf("failed to delete record: %w", err)
	}
	if n, err := result.RowsAffected(); err != nil {
		return models.KindSets{}, fmt.Errorf("failed to get rows affected: %w", err)
	} else if n == 0 {
		return models.KindSets{}, ErrConflict
	}

	db.logger.Debug("🗑️ Deleted collection record", "user_id", userID, "item_id", itemID, "kind", kind)
	return db.snapshot(ctx, userID)
}

// CountByKind 统计各类别数量
func (db *PostgresDatabase) CountByKind(ctx context.Context, userID string) (models.Counts, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return models.Counts{}, ErrUserIDRequired
	}

	var counts models.Counts
	err := db.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE kind = 'like'),
			COUNT(*) FILTER (WHERE kind = 'favorite')
		FROM collection_records
		WHERE user_id = $1
	`, userID).Scan(&counts.Likes, &counts.Favorites)
	if err != nil {
		return models.Counts{}, fmt.Errorf("failed to count records: %w", err)
	}
	return counts, nil
}

// HealthCheck 健康检查
func (db *PostgresDatabase) HealthCheck(ctx context.Context) error {
	return db.db.PingContext(ctx)
}

// Close 关闭连接
func (db *PostgresDatabase) Close() error {
	return db.db.Close()
}

// snapshot 读取变更后的两类全量集合
func (db *PostgresDatabase) snapshot(ctx context.Context, userID string) (models.KindSets, error) {
	rows, err := db.db.QueryContext(ctx, `
		SELECT id, user_id, item_id, kind, created_at
		FROM collection_records
		WHERE user_id = $1
		ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return models.KindSets{}, fmt.Errorf("failed to load collection sets: %w", err)
	}
	defer rows.Close()

	records, err := scanRecords(rows)
	if err != nil {
		return models.KindSets{}, err
	}
	return setsFromRecords(records), nil
}

func scanRecords(rows *sql.Rows) ([]models.CollectionRecord, error) {
	records := []models.CollectionRecord{}
	for rows.Next() {
		var rec models.CollectionRecord
		var kind string
		if err := rows.Scan(&rec.ID, &rec.UserID, &rec.ItemID, &kind, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		rec.Kind = models.Kind(kind)
		rec.CreatedAt = rec.CreatedAt.UTC()
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating records: %w", err)
	}
	return records, nil
}
