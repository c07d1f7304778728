package database

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"showcase-sync-backend/pkg/models"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// insertScript adds the member only when absent and stamps it with a
// per-user clock that never repeats, so score cursors stay unambiguous.
// Returns -1 when the member already exists.
var insertScript = redis.NewScript(`
if redis.call('ZSCORE', KEYS[1], ARGV[1]) then
	return -1
end
local ts = tonumber(ARGV[2])
local last = tonumber(redis.call('GET', KEYS[2]) or '0')
if ts <= last then
	ts = last + 1
end
redis.call('SET', KEYS[2], ts)
redis.call('ZADD', KEYS[1], ts, ARGV[1])
redis.call('HSET', KEYS[3], ARGV[4], ARGV[3])
return ts
`)

// RedisDatabase Redis存储实现
// collections:{user}:{kind} 为有序集合，score 为 created_at 的微秒时间戳
type RedisDatabase struct {
	client *redis.Client
	now    func() time.Time
}

// NewRedisDatabase 创建Redis存储实例
func NewRedisDatabase(addr, password string, db int) (*RedisDatabase, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("could not connect to redis (%s): %w", addr, err)
	}
	return NewRedisDatabaseFromClient(client), nil
}

// NewRedisDatabaseFromClient wraps an existing client.
func NewRedisDatabaseFromClient(client *redis.Client) *RedisDatabase {
	return &RedisDatabase{client: client, now: time.Now}
}

func zsetKey(userID string, kind models.Kind) string {
	return fmt.Sprintf("collections:%s:%s", userID, kind)
}

func clockKey(userID string) string {
	return fmt.Sprintf("collections:%s:clock", userID)
}

func idsKey(userID string) string {
	return fmt.Sprintf("collections:%s:ids", userID)
}

// ListAll 获取某类别的全部条目ID
func (db *RedisDatabase) ListAll(ctx context.Context, userID string, kind models.Kind) ([]string, error) {
	userID, err := validateUserKind(userID, kind)
	if err != nil {
		return nil, err
	}
	ids, err := db.client.ZRevRange(ctx, zsetKey(userID, kind), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list %s records: %w", kind, err)
	}
	if ids == nil {
		ids = []string{}
	}
	return ids, nil
}

// ListPage 游标分页
func (db *RedisDatabase) ListPage(ctx context.Context, userID string, kind models.Kind, limit int, before *time.Time) ([]models.CollectionRecord, error) {
	userID, err := validateUserKind(userID, kind)
	if err != nil {
		return nil, err
	}

	max := "+inf"
	if before != nil {
		max = "(" + strconv.FormatInt(before.UTC().UnixMicro(), 10)
	}
	members, err := db.client.ZRevRangeByScoreWithScores(ctx, zsetKey(userID, kind), &redis.ZRangeBy{
		Max:   max,
		Min:   "-inf",
		Count: int64(clampLimit(limit)),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to query %s page: %w", kind, err)
	}

	records := make([]models.CollectionRecord, 0, len(members))
	if len(members) == 0 {
		return records, nil
	}

	fields := make([]string, len(members))
	for i, m := range members {
		fields[i] = recordKey(kind, fmt.Sprint(m.Member))
	}
	recordIDs, err := db.client.HMGet(ctx, idsKey(userID), fields...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load record ids: %w", err)
	}

	for i, m := range members {
		rec := models.CollectionRecord{
			UserID:    userID,
			ItemID:    fmt.Sprint(m.Member),
			Kind:      kind,
			CreatedAt: time.UnixMicro(int64(m.Score)).UTC(),
		}
		if id, ok := recordIDs[i].(string); ok {
			rec.ID = id
		}
		records = append(records, rec)
	}
	return records, nil
}

// Insert 新增记录
func (db *RedisDatabase) Insert(ctx context.Context, userID, itemID string, kind models.Kind) (models.KindSets, error) {
	userID, itemID, err := validateKey(userID, itemID, kind)
	if err != nil {
		return models.KindSets{}, err
	}

	ts, err := insertScript.Run(ctx, db.client,
		[]string{zsetKey(userID, kind), clockKey(userID), idsKey(userID)},
		itemID, db.now().UTC().UnixMicro(), uuid.NewString(), recordKey(kind, itemID),
	).Int64()
	if err != nil {
		return models.KindSets{}, fmt.Errorf("failed to insert record: %w", err)
	}
	if ts < 0 {
		return models.KindSets{}, ErrConflict
	}
	return db.snapshot(ctx, userID)
}

// Remove 删除记录
func (db *RedisDatabase) Remove(ctx context.Context, userID, itemID string, kind models.Kind) (models.KindSets, error) {
	userID, itemID, err := validateKey(userID, itemID, kind)
	if err != nil {
		return models.KindSets{}, err
	}

	removed, err := db.client.ZRem(ctx, zsetKey(userID, kind), itemID).Result()
	if err != nil {
		return models.KindSets{}, fmt.Errorf("failed to delete record: %w", err)
	}
	if removed == 0 {
		return models.KindSets{}, ErrConflict
	}
	if err := db.client.HDel(ctx, idsKey(userID), recordKey(kind, itemID)).Err(); err != nil {
		return models.KindSets{}, fmt.Errorf("failed to delete record id: %w", err)
	}
	return db.snapshot(ctx, userID)
}

// CountByKind 统计各类别数量
func (db *RedisDatabase) CountByKind(ctx context.Context, userID string) (models.Counts, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return models.Counts{}, ErrUserIDRequired
	}

	pipe := db.client.Pipeline()
	likes := pipe.ZCard(ctx, zsetKey(userID, models.KindLike))
	favorites := pipe.ZCard(ctx, zsetKey(userID, models.KindFavorite))
	if _, err := pipe.Exec(ctx); err != nil {
		return models.Counts{}, fmt.Errorf("failed to count records: %w", err)
	}
	return models.Counts{Likes: int(likes.Val()), Favorites: int(favorites.Val())}, nil
}

// HealthCheck 健康检查
func (db *RedisDatabase) HealthCheck(ctx context.Context) error {
	return db.client.Ping(ctx).Err()
}

// Close 关闭连接
func (db *RedisDatabase) Close() error {
	return db.client.Close()
}

func (db *RedisDatabase) snapshot(ctx context.Context, userID string) (models.KindSets, error) {
	pipe := db.client.Pipeline()
	likes := pipe.ZRevRange(ctx, zsetKey(userID, models.KindLike), 0, -1)
	favorites := pipe.ZRevRange(ctx, zsetKey(userID, models.KindFavorite), 0, -1)
	if _, err := pipe.Exec(ctx); err != nil {
		return models.KindSets{}, fmt.Errorf("failed to load collection sets: %w", err)
	}

	sets := models.KindSets{Likes: []string{}, Favorites: []string{}}
	sets.Likes = append(sets.Likes, likes.Val()...)
	sets.Favorites = append(sets.Favorites, favorites.Val()...)
	return sets, nil
}
