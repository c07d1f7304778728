package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"showcase-sync-backend/pkg/models"

	"github.com/google/uuid"
	"github.com/spf13/afero"
)

// LocalDatabase 本地文件存储实现（开发与测试使用）
// 全部记录常驻内存，每次变更后整体写回 JSON 文件
type LocalDatabase struct {
	fs   afero.Fs
	path string

	mu      sync.RWMutex
	records map[string]map[string]models.CollectionRecord // userID -> kind:itemID -> record
	last    time.Time
	now     func() time.Time
}

// NewLocalDatabase 创建本地存储实例，数据保存在 dir/collections.json
func NewLocalDatabase(fs afero.Fs, dir string) (*LocalDatabase, error) {
	if strings.TrimSpace(dir) == "" {
		dir = "./data"
	}
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db := &LocalDatabase{
		fs:      fs,
		path:    filepath.Join(dir, "collections.json"),
		records: make(map[string]map[string]models.CollectionRecord),
		now:     time.Now,
	}
	if err := db.load(); err != nil {
		return nil, err
	}
	return db, nil
}

// SetClock overrides the time source used for created_at. Tests only.
func (db *LocalDatabase) SetClock(now func() time.Time) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.now = now
}

func recordKey(kind models.Kind, itemID string) string {
	return string(kind) + ":" + itemID
}

// ListAll 获取某类别的全部条目ID（按时间倒序）
func (db *LocalDatabase) ListAll(ctx context.Context, userID string, kind models.Kind) ([]string, error) {
	userID, err := validateUserKind(userID, kind)
	if err != nil {
		return nil, err
	}

	db.mu.RLock()
	defer db.mu.RUnlock()

	ids := []string{}
	for _, rec := range db.sortedLocked(userID, kind) {
		ids = append(ids, rec.ItemID)
	}
	return ids, nil
}

// ListPage 游标分页
func (db *LocalDatabase) ListPage(ctx context.Context, userID string, kind models.Kind, limit int, before *time.Time) ([]models.CollectionRecord, error) {
	userID, err := validateUserKind(userID, kind)
	if err != nil {
		return nil, err
	}
	limit = clampLimit(limit)

	db.mu.RLock()
	defer db.mu.RUnlock()

	page := make([]models.CollectionRecord, 0, limit)
	for _, rec := range db.sortedLocked(userID, kind) {
		if before != nil && !rec.CreatedAt.Before(*before) {
			continue
		}
		page = append(page, rec)
		if len(page) == limit {
			break
		}
	}
	return page, nil
}

// Insert 新增记录
func (db *LocalDatabase) Insert(ctx context.Context, userID, itemID string, kind models.Kind) (models.KindSets, error) {
	userID, itemID, err := validateKey(userID, itemID, kind)
	if err != nil {
		return models.KindSets{}, err
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	perUser := db.ensureUserLocked(userID)
	key := recordKey(kind, itemID)
	if _, exists := perUser[key]; exists {
		return models.KindSets{}, ErrConflict
	}

	perUser[key] = models.CollectionRecord{
		ID:        uuid.NewString(),
		UserID:    userID,
		ItemID:    itemID,
		Kind:      kind,
		CreatedAt: db.nextTimestampLocked(),
	}

	if err := db.saveLocked(); err != nil {
		delete(perUser, key)
		return models.KindSets{}, err
	}
	return db.setsLocked(userID), nil
}

// Remove 删除记录
func (db *LocalDatabase) Remove(ctx context.Context, userID, itemID string, kind models.Kind) (models.KindSets, error) {
	userID, itemID, err := validateKey(userID, itemID, kind)
	if err != nil {
		return models.KindSets{}, err
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	perUser := db.ensureUserLocked(userID)
	key := recordKey(kind, itemID)
	existing, exists := perUser[key]
	if !exists {
		return models.KindSets{}, ErrConflict
	}

	delete(perUser, key)
	if err := db.saveLocked(); err != nil {
		perUser[key] = existing
		return models.KindSets{}, err
	}
	return db.setsLocked(userID), nil
}

// CountByKind 统计各类别数量
func (db *LocalDatabase) CountByKind(ctx context.Context, userID string) (models.Counts, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return models.Counts{}, ErrUserIDRequired
	}

	db.mu.RLock()
	defer db.mu.RUnlock()

	var counts models.Counts
	for _, rec := range db.records[userID] {
		switch rec.Kind {
		case models.KindLike:
			counts.Likes++
		case models.KindFavorite:
			counts.Favorites++
		}
	}
	return counts, nil
}

// HealthCheck 健康检查
func (db *LocalDatabase) HealthCheck(ctx context.Context) error {
	_, err := db.fs.Stat(filepath.Dir(db.path))
	return err
}

// Close 本地存储无需关闭
func (db *LocalDatabase) Close() error {
	return nil
}

// nextTimestampLocked returns a strictly increasing microsecond timestamp so
// that timestamp cursors never straddle two records.
func (db *LocalDatabase) nextTimestampLocked() time.Time {
	ts := db.now().UTC().Truncate(time.Microsecond)
	if !ts.After(db.last) {
		ts = db.last.Add(time.Microsecond)
	}
	db.last = ts
	return ts
}

func (db *LocalDatabase) sortedLocked(userID string, kind models.Kind) []models.CollectionRecord {
	out := []models.CollectionRecord{}
	for _, rec := range db.records[userID] {
		if kind == "" || rec.Kind == kind {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ItemID < out[j].ItemID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

func (db *LocalDatabase) setsLocked(userID string) models.KindSets {
	return setsFromRecords(db.sortedLocked(userID, ""))
}

func (db *LocalDatabase) ensureUserLocked(userID string) map[string]models.CollectionRecord {
	perUser, ok := db.records[userID]
	if !ok {
		perUser = make(map[string]models.CollectionRecord)
		db.records[userID] = perUser
	}
	return perUser
}

func (db *LocalDatabase) load() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	data, err := afero.ReadFile(db.fs, db.path)
	if errors.Is(err, os.ErrNotExist) || (err == nil && len(data) == 0) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read collections: %w", err)
	}

	var byUser map[string][]models.CollectionRecord
	if err := json.Unmarshal(data, &byUser); err != nil {
		return fmt.Errorf("decode collections: %w", err)
	}

	for userID, records := range byUser {
		perUser := db.ensureUserLocked(userID)
		for _, rec := range records {
			if !rec.Kind.Valid() || strings.TrimSpace(rec.ItemID) == "" {
				continue
			}
			rec.UserID = userID
			perUser[recordKey(rec.Kind, rec.ItemID)] = rec
			if rec.CreatedAt.After(db.last) {
				db.last = rec.CreatedAt
			}
		}
	}
	return nil
}

func (db *LocalDatabase) saveLocked() error {
	byUser := make(map[string][]models.CollectionRecord, len(db.records))
	for userID := range db.records {
		byUser[userID] = db.sortedLocked(userID, "")
	}

	data, err := json.MarshalIndent(byUser, "", "  ")
	if err != nil {
		return fmt.Errorf("encode collections: %w", err)
	}

	tmp := db.path + ".tmp"
	if err := afero.WriteFile(db.fs, tmp, data, 0o644); err != nil {
		_ = db.fs.Remove(tmp)
		return fmt.Errorf("write collections temp file: %w", err)
	}
	if err := db.fs.Rename(tmp, db.path); err != nil {
		return fmt.Errorf("replace collections file: %w", err)
	}
	return nil
}
