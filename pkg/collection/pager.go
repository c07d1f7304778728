package collection

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"showcase-sync-backend/pkg/database"
	"showcase-sync-backend/pkg/models"
)

// DefaultPageSize 列表每页条数
const DefaultPageSize = 12

// PageState 列表加载状态
type PageState int

const (
	PageEmpty PageState = iota
	PageLoading
	PageLoaded
)

func (s PageState) String() string {
	switch s {
	case PageEmpty:
		return "empty"
	case PageLoading:
		return "loading"
	case PageLoaded:
		return "loaded"
	}
	return fmt.Sprintf("PageState(%d)", int(s))
}

// Pager 按 created_at 倒序、基于游标的增量列表加载器（单一类别）
// 与 StateCache 相互独立，不做实时对账
type Pager struct {
	store    database.CollectionStore
	identity IdentityProvider
	kind     models.Kind
	pageSize int
	log      *slog.Logger

	mu      sync.Mutex
	owner   string
	epoch   uint64
	state   PageState
	pages   []models.PageWindow
	items   []models.CollectionRecord
	hasMore bool

	cancel func()
}

// NewPager 创建分页加载器，pageSize <= 0 时使用 DefaultPageSize
func NewPager(store database.CollectionStore, identity IdentityProvider, kind models.Kind, pageSize int, logger *slog.Logger) *Pager {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pager{
		store:    store,
		identity: identity,
		kind:     kind,
		pageSize: pageSize,
		log:      logger.With("component", "pager", "kind", kind),
		hasMore:  true,
	}
	if userID, ok := identity.CurrentUserID(); ok {
		p.owner = userID
	}
	p.cancel = identity.OnChange(func(userID string) {
		p.mu.Lock()
		defer p.mu.Unlock()
		if userID != p.owner {
			p.resetLocked(userID)
		}
	})
	return p
}

// Close stops following identity changes.
func (p *Pager) Close() {
	if p.cancel != nil {
		p.cancel()
	}
}

// Reset 丢弃已加载的页，进行中的请求结果会被丢弃
func (p *Pager) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resetLocked(p.owner)
}

func (p *Pager) resetLocked(owner string) {
	p.epoch++
	p.owner = owner
	p.state = PageEmpty
	p.pages = nil
	p.items = nil
	p.hasMore = true
}

// FetchPage 拉取一页：多请求一条用于判断是否还有下一页
func (p *Pager) FetchPage(ctx context.Context, cursor *time.Time) (models.PageWindow, error) {
	userID, ok := p.identity.CurrentUserID()
	if !ok || userID == "" {
		return models.PageWindow{}, ErrUnauthenticated
	}
	return p.fetch(ctx, userID, cursor)
}

func (p *Pager) fetch(ctx context.Context, userID string, cursor *time.Time) (models.PageWindow, error) {
	records, err := p.store.ListPage(ctx, userID, p.kind, p.pageSize+1, cursor)
	if err != nil {
		return models.PageWindow{}, &SyncError{Op: "fetch_page", UserID: userID, Kind: p.kind, Err: err}
	}
	if err := p.validate(records, cursor); err != nil {
		return models.PageWindow{}, &SyncError{Op: "fetch_page", UserID: userID, Kind: p.kind, Err: err}
	}

	window := models.PageWindow{Items: records}
	if len(records) > p.pageSize {
		window.Items = records[:p.pageSize]
		window.HasMore = true
	}
	if n := len(window.Items); n > 0 {
		next := window.Items[n-1].CreatedAt
		window.NextCursor = &next
	}
	return window, nil
}

// validate rejects rows that are malformed, out of order or not older than cursor.
func (p *Pager) validate(records []models.CollectionRecord, cursor *time.Time) error {
	for i, rec := range records {
		if err := database.ValidateRecord(rec, p.kind); err != nil {
			return err
		}
		if cursor != nil && !rec.CreatedAt.Before(*cursor) {
			return fmt.Errorf("%w: record %s not older than cursor", database.ErrMalformedResponse, rec.ItemID)
		}
		if i > 0 && rec.CreatedAt.After(records[i-1].CreatedAt) {
			return fmt.Errorf("%w: records not ordered newest first", database.ErrMalformedResponse)
		}
	}
	return nil
}

// LoadMore 追加下一页；加载中或已到末页时不做任何事
// 返回是否追加了新的一页
func (p *Pager) LoadMore(ctx context.Context) (bool, error) {
	userID, ok := p.identity.CurrentUserID()
	if !ok || userID == "" {
		return false, ErrUnauthenticated
	}

	p.mu.Lock()
	if userID != p.owner {
		p.resetLocked(userID)
	}
	if p.state == PageLoading || (p.state == PageLoaded && !p.hasMore) {
		p.mu.Unlock()
		return false, nil
	}
	prev := p.state
	p.state = PageLoading
	epoch := p.epoch
	var cursor *time.Time
	if n := len(p.pages); n > 0 {
		cursor = p.pages[n-1].NextCursor
	}
	p.mu.Unlock()

	window, err := p.fetch(ctx, userID, cursor)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.epoch != epoch {
		return false, nil
	}
	if err != nil {
		p.state = prev
		p.log.Warn("❌ Load more failed", "user_id", userID, "pages", len(p.pages), "error", err)
		return false, err
	}

	p.state = PageLoaded
	p.hasMore = window.HasMore
	if len(window.Items) == 0 {
		return false, nil
	}
	p.pages = append(p.pages, window)
	p.items = append(p.items, window.Items...)
	return true, nil
}

// Items returns a copy of every loaded record in order.
func (p *Pager) Items() []models.CollectionRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]models.CollectionRecord(nil), p.items...)
}

// Pages returns a copy of the loaded windows.
func (p *Pager) Pages() []models.PageWindow {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]models.PageWindow(nil), p.pages...)
}

// HasMore 是否还有未加载的页（尚未加载时为 true）
func (p *Pager) HasMore() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hasMore
}

func (p *Pager) State() PageState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Pager) Kind() models.Kind {
	return p.kind
}
