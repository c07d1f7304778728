package collection

import (
	"sort"

	"showcase-sync-backend/pkg/models"
)

type idSet map[string]struct{}

// StateCache 用户维度的收藏状态缓存
// confirmed 为服务端已确认的集合，pendingAdd / pendingRemove 为尚未确认的乐观变更
// 条目可见当且仅当 (confirmed ∪ pendingAdd) 且不在 pendingRemove 中
//
// StateCache performs no I/O and is not safe for concurrent use; the
// Controller serializes access to it.
type StateCache struct {
	owner       string
	initialized bool

	confirmed     map[models.Kind]idSet
	pendingAdd    map[models.Kind]idSet
	pendingRemove map[models.Kind]idSet
}

// NewStateCache 创建空缓存（无所属用户）
func NewStateCache() *StateCache {
	c := &StateCache{}
	c.ResetForUser("")
	return c
}

func newKindSets() map[models.Kind]idSet {
	sets := make(map[models.Kind]idSet, len(models.Kinds))
	for _, kind := range models.Kinds {
		sets[kind] = idSet{}
	}
	return sets
}

// ResetForUser 清空全部状态并切换所属用户，userID 为空表示登出
func (c *StateCache) ResetForUser(userID string) {
	c.owner = userID
	c.initialized = false
	c.confirmed = newKindSets()
	c.pendingAdd = newKindSets()
	c.pendingRemove = newKindSets()
}

// Owner returns the user the cache was built for.
func (c *StateCache) Owner() string {
	return c.owner
}

// Initialized reports whether a full fetch has been seeded for the owner.
func (c *StateCache) Initialized() bool {
	return c.initialized
}

func (c *StateCache) setInitialized() {
	c.initialized = true
}

// Seed 用权威集合整体替换某类别的 confirmed，不影响 pending
func (c *StateCache) Seed(kind models.Kind, itemIDs []string) {
	if !kind.Valid() {
		return
	}
	set := make(idSet, len(itemIDs))
	for _, id := range itemIDs {
		set[id] = struct{}{}
	}
	c.confirmed[kind] = set
}

func (c *StateCache) MarkPendingAdd(kind models.Kind, itemID string) {
	if set, ok := c.pendingAdd[kind]; ok {
		set[itemID] = struct{}{}
	}
}

func (c *StateCache) ClearPendingAdd(kind models.Kind, itemID string) {
	delete(c.pendingAdd[kind], itemID)
}

// MarkPendingRemove hides itemID even when it is confirmed.
func (c *StateCache) MarkPendingRemove(kind models.Kind, itemID string) {
	if set, ok := c.pendingRemove[kind]; ok {
		set[itemID] = struct{}{}
	}
}

func (c *StateCache) ClearPendingRemove(kind models.Kind, itemID string) {
	delete(c.pendingRemove[kind], itemID)
}

// IsPresent 判断条目在界面上是否可见
func (c *StateCache) IsPresent(kind models.Kind, itemID string) bool {
	if _, removing := c.pendingRemove[kind][itemID]; removing {
		return false
	}
	if _, ok := c.confirmed[kind][itemID]; ok {
		return true
	}
	_, adding := c.pendingAdd[kind][itemID]
	return adding
}

// IsPending reports whether either overlay holds itemID.
func (c *StateCache) IsPending(kind models.Kind, itemID string) bool {
	_, adding := c.pendingAdd[kind][itemID]
	_, removing := c.pendingRemove[kind][itemID]
	return adding || removing
}

// PendingCount 两种乐观变更的总数
func (c *StateCache) PendingCount(kind models.Kind) int {
	return len(c.pendingAdd[kind]) + len(c.pendingRemove[kind])
}

// Present returns every visible id of kind, sorted.
func (c *StateCache) Present(kind models.Kind) []string {
	ids := []string{}
	for id := range c.confirmed[kind] {
		if c.IsPresent(kind, id) {
			ids = append(ids, id)
		}
	}
	for id := range c.pendingAdd[kind] {
		if _, dup := c.confirmed[kind][id]; !dup && c.IsPresent(kind, id) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}
