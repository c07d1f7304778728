package collection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"showcase-sync-backend/pkg/database"
	"showcase-sync-backend/pkg/models"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"
	"golang.org/x/sync/errgroup"
)

type toggleKey struct {
	itemID string
	kind   models.Kind
}

// ToggleResult 一次切换的结果
type ToggleResult struct {
	Action  models.Action
	Present bool
	// Adopted is set when the store reported a conflict and the controller
	// took over the store's sets instead.
	Adopted bool
	// Discarded is set when the identity changed while the mutation was in
	// flight; the response was dropped and the cache is untouched.
	Discarded bool
}

// Options 控制器可选依赖
type Options struct {
	Logger   *slog.Logger
	Activity Publisher
	Now      func() time.Time
}

// Controller 同步控制器：唯一可以修改 StateCache 并访问存储的组件
//
// 所有缓存变更都在 mu 内完成，任何存储调用都不持有锁。
// 每次重置会递增 epoch，携带旧 epoch 返回的结果会被静默丢弃。
type Controller struct {
	store    database.CollectionStore
	log      *slog.Logger
	activity Publisher
	now      func() time.Time

	mu    sync.Mutex
	cache *StateCache
	epoch uint64
	// applied counts toggle responses merged into the cache; an initialize
	// fetch issued before a later merge must not overwrite it.
	applied  uint64
	inflight map[toggleKey]chan struct{}
	initWait chan struct{}

	bg conc.WaitGroup
}

// NewController 创建同步控制器
func NewController(store database.CollectionStore, opts Options) *Controller {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Controller{
		store:    store,
		log:      log.With("component", "collection"),
		activity: opts.Activity,
		now:      now,
		cache:    NewStateCache(),
		inflight: make(map[toggleKey]chan struct{}),
	}
}

// Owner returns the user the cache currently belongs to.
func (c *Controller) Owner() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cache.Owner()
}

// Initialized reports whether the owner's sets have been fetched.
func (c *Controller) Initialized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cache.Initialized()
}

// ResetForUser 清空缓存并切换用户，进行中的请求结果将被丢弃
func (c *Controller) ResetForUser(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetLocked(strings.TrimSpace(userID))
}

func (c *Controller) resetLocked(userID string) {
	c.epoch++
	c.cache.ResetForUser(userID)
	c.initWait = nil
}

// Initialize 为 userID 拉取全量集合
// 已为同一用户初始化时不做任何事；userID 为空时只重置
func (c *Controller) Initialize(ctx context.Context, userID string) error {
	return c.initialize(ctx, strings.TrimSpace(userID), nil)
}

// initializeAt 仅当 epoch 仍是调用方捕获的值时拉取，身份已被替换则直接返回，不做重置
func (c *Controller) initializeAt(ctx context.Context, userID string, epoch uint64) error {
	return c.initialize(ctx, userID, &epoch)
}

func (c *Controller) initialize(ctx context.Context, userID string, pinned *uint64) error {
	for {
		c.mu.Lock()
		if pinned != nil && (c.epoch != *pinned || c.cache.Owner() != userID) {
			c.mu.Unlock()
			c.log.Debug("Skipping initialize for superseded identity", "user_id", userID)
			return nil
		}
		if userID == "" {
			c.resetLocked("")
			c.mu.Unlock()
			return nil
		}
		if c.cache.Owner() == userID && c.cache.Initialized() {
			c.mu.Unlock()
			return nil
		}
		if c.cache.Owner() != userID {
			c.resetLocked(userID)
		}
		if wait := c.initWait; wait != nil {
			// 同一用户的拉取已在进行中
			c.mu.Unlock()
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		break
	}

	wait := make(chan struct{})
	c.initWait = wait
	epoch := c.epoch
	applied := c.applied
	c.mu.Unlock()

	sets, err := c.fetchAll(ctx, userID)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.initWait == wait {
		c.initWait = nil
	}
	close(wait)

	if c.epoch != epoch {
		c.log.Debug("Discarding stale initialize result", "user_id", userID)
		return nil
	}
	if err != nil {
		c.log.Warn("❌ Initialize failed", "user_id", userID, "error", err)
		return &SyncError{Op: "initialize", UserID: userID, Err: err}
	}

	if c.applied == applied {
		for _, kind := range models.Kinds {
			c.cache.Seed(kind, sets.For(kind))
		}
	} else {
		c.log.Debug("Keeping newer toggle state over initialize result", "user_id", userID)
	}
	c.cache.setInitialized()
	c.log.Info("✅ Collections initialized", "user_id", userID, "likes", len(sets.Likes), "favorites", len(sets.Favorites))
	return nil
}

// Toggle 切换条目在某类别中的状态（乐观更新，失败回滚）
func (c *Controller) Toggle(ctx context.Context, itemID string, kind models.Kind) (ToggleResult, error) {
	itemID = strings.TrimSpace(itemID)
	if itemID == "" {
		return ToggleResult{}, ErrItemIDRequired
	}
	if !kind.Valid() {
		return ToggleResult{}, fmt.Errorf("%w: %q", database.ErrInvalidKind, kind)
	}
	key := toggleKey{itemID: itemID, kind: kind}

	// 同一 (itemID, kind) 的切换串行执行
	for {
		c.mu.Lock()
		if c.cache.Owner() == "" {
			c.mu.Unlock()
			return ToggleResult{}, ErrUnauthenticated
		}
		busy, ok := c.inflight[key]
		if !ok {
			break
		}
		c.mu.Unlock()
		select {
		case <-busy:
		case <-ctx.Done():
			return ToggleResult{}, ctx.Err()
		}
	}

	done := make(chan struct{})
	c.inflight[key] = done
	owner := c.cache.Owner()
	epoch := c.epoch

	action := models.ActionAdd
	if c.cache.IsPresent(kind, itemID) {
		action = models.ActionRemove
	}
	if action == models.ActionAdd {
		c.cache.MarkPendingAdd(kind, itemID)
	} else {
		c.cache.MarkPendingRemove(kind, itemID)
	}
	c.mu.Unlock()

	c.publish(models.ActivityEvent{
		ID:     uuid.NewString(),
		UserID: owner,
		ItemID: itemID,
		Kind:   kind,
		Action: action,
		At:     c.now().UTC(),
	})

	var sets models.KindSets
	var err error
	if action == models.ActionAdd {
		sets, err = c.store.Insert(ctx, owner, itemID, kind)
	} else {
		sets, err = c.store.Remove(ctx, owner, itemID, kind)
	}

	adopted := false
	if errors.Is(err, database.ErrConflict) {
		// 其他会话已完成同样的变更，采用存储的权威集合
		c.log.Info("Store reported conflict, adopting its sets", "user_id", owner, "item_id", itemID, "kind", kind, "action", action)
		sets, err = c.fetchAll(ctx, owner)
		adopted = err == nil
	}

	c.mu.Lock()
	defer close(done)
	defer c.mu.Unlock()
	if c.inflight[key] == done {
		delete(c.inflight, key)
	}

	if c.epoch != epoch {
		c.log.Debug("Discarding stale toggle result", "user_id", owner, "item_id", itemID, "kind", kind)
		return ToggleResult{Action: action, Discarded: true}, nil
	}

	if action == models.ActionAdd {
		c.cache.ClearPendingAdd(kind, itemID)
	} else {
		c.cache.ClearPendingRemove(kind, itemID)
	}

	if err != nil {
		c.log.Warn("❌ Toggle failed, rolled back", "user_id", owner, "item_id", itemID, "kind", kind, "action", action, "error", err)
		return ToggleResult{Action: action, Present: c.cache.IsPresent(kind, itemID)},
			&SyncError{Op: string(action), UserID: owner, ItemID: itemID, Kind: kind, Err: err}
	}

	for _, k := range models.Kinds {
		c.cache.Seed(k, sets.For(k))
	}
	c.applied++

	return ToggleResult{
		Action:  action,
		Present: c.cache.IsPresent(kind, itemID),
		Adopted: adopted,
	}, nil
}

// IsPresent 当前界面视图下条目是否在集合中
func (c *Controller) IsPresent(kind models.Kind, itemID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cache.IsPresent(kind, itemID)
}

func (c *Controller) IsLiked(itemID string) bool {
	return c.IsPresent(models.KindLike, itemID)
}

func (c *Controller) IsFavorited(itemID string) bool {
	return c.IsPresent(models.KindFavorite, itemID)
}

// IsPending reports whether a toggle for (kind, itemID) is still unconfirmed.
func (c *Controller) IsPending(kind models.Kind, itemID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cache.IsPending(kind, itemID)
}

// Present returns the visible ids of kind, sorted.
func (c *Controller) Present(kind models.Kind) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cache.Present(kind)
}

// Counts 从存储读取当前用户各类别数量
func (c *Controller) Counts(ctx context.Context) (models.Counts, error) {
	owner := c.Owner()
	if owner == "" {
		return models.Counts{}, ErrUnauthenticated
	}
	counts, err := c.store.CountByKind(ctx, owner)
	if err != nil {
		return models.Counts{}, &SyncError{Op: "count", UserID: owner, Err: err}
	}
	return counts, nil
}

// Bind 订阅身份变化：同步重置缓存，并在后台为新用户初始化
func (c *Controller) Bind(ctx context.Context, identity IdentityProvider) (cancel func()) {
	apply := func(userID string) {
		userID = strings.TrimSpace(userID)
		c.mu.Lock()
		if c.cache.Owner() != userID {
			c.resetLocked(userID)
		}
		epoch := c.epoch
		c.mu.Unlock()

		if userID == "" {
			return
		}
		c.bg.Go(func() {
			if current, _ := identity.CurrentUserID(); strings.TrimSpace(current) != userID {
				return
			}
			if err := c.initializeAt(ctx, userID, epoch); err != nil {
				c.log.Warn("Background initialize failed", "user_id", userID, "error", err)
			}
		})
	}

	if userID, ok := identity.CurrentUserID(); ok {
		apply(userID)
	} else {
		apply("")
	}
	return identity.OnChange(apply)
}

// Wait blocks until background initializations started by Bind return.
func (c *Controller) Wait() {
	c.bg.Wait()
}

func (c *Controller) publish(event models.ActivityEvent) {
	if c.activity == nil {
		return
	}
	c.activity.Publish(event)
}

// fetchAll 并行拉取两种类别的全量集合
func (c *Controller) fetchAll(ctx context.Context, userID string) (models.KindSets, error) {
	var sets models.KindSets
	results := make([][]string, len(models.Kinds))

	g, gctx := errgroup.WithContext(ctx)
	for i, kind := range models.Kinds {
		i, kind := i, kind
		g.Go(func() error {
			ids, err := c.store.ListAll(gctx, userID, kind)
			if err != nil {
				return err
			}
			for _, id := range ids {
				if strings.TrimSpace(id) == "" {
					return fmt.Errorf("%w: empty %s item id", database.ErrMalformedResponse, kind)
				}
			}
			results[i] = ids
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return models.KindSets{}, err
	}

	for i, kind := range models.Kinds {
		sets.Set(kind, results[i])
	}
	return sets, nil
}
