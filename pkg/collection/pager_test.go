package collection

import (
	"context"
	"fmt"
	"testing"
	"time"

	"showcase-sync-backend/pkg/database"
	"showcase-sync-backend/pkg/logger"
	"showcase-sync-backend/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedFavorites(t *testing.T, store *fakeStore, userID string, n int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		_, err := store.backing.Insert(ctx, userID, fmt.Sprintf("%s-item-%02d", userID, i), models.KindFavorite)
		require.NoError(t, err)
	}
}

func TestPagerTerminates(t *testing.T) {
	ctx := context.Background()

	for _, n := range []int{0, 1, 11, 12, 13, 24, 25, 36} {
		t.Run(fmt.Sprintf("n=%d", n), func(t *testing.T) {
			store := newFakeStore(t)
			seedFavorites(t, store, "user-1", n)
			p := NewPager(store, newFakeIdentity("user-1"), models.KindFavorite, 0, logger.Discard())
			defer p.Close()

			assert.Equal(t, PageEmpty, p.State())
			assert.True(t, p.HasMore())

			for i := 0; p.HasMore(); i++ {
				require.Less(t, i, 10, "pager never terminated")
				_, err := p.LoadMore(ctx)
				require.NoError(t, err)
			}

			wantPages := (n + DefaultPageSize - 1) / DefaultPageSize
			pages := p.Pages()
			assert.Len(t, pages, wantPages)
			assert.Equal(t, PageLoaded, p.State())
			if wantPages > 0 {
				assert.False(t, pages[len(pages)-1].HasMore)
				for _, page := range pages[:len(pages)-1] {
					assert.True(t, page.HasMore)
					assert.Len(t, page.Items, DefaultPageSize)
				}
			}

			items := p.Items()
			require.Len(t, items, n)
			seen := map[string]bool{}
			for i, rec := range items {
				assert.False(t, seen[rec.ItemID], "duplicate %s", rec.ItemID)
				seen[rec.ItemID] = true
				if i > 0 {
					assert.True(t, rec.CreatedAt.Before(items[i-1].CreatedAt))
				}
			}

			// 末页之后不再请求存储
			calls := store.count("list_page")
			loaded, err := p.LoadMore(ctx)
			require.NoError(t, err)
			assert.False(t, loaded)
			assert.Equal(t, calls, store.count("list_page"))
		})
	}
}

func TestFetchPageUsesProbeRecord(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore(t)
	seedFavorites(t, store, "user-1", 5)
	p := NewPager(store, newFakeIdentity("user-1"), models.KindFavorite, 2, logger.Discard())
	defer p.Close()

	first, err := p.FetchPage(ctx, nil)
	require.NoError(t, err)
	require.Len(t, first.Items, 2)
	assert.True(t, first.HasMore)
	require.NotNil(t, first.NextCursor)
	assert.Equal(t, first.Items[1].CreatedAt, *first.NextCursor)
	assert.Equal(t, "user-1-item-04", first.Items[0].ItemID)

	second, err := p.FetchPage(ctx, first.NextCursor)
	require.NoError(t, err)
	assert.Equal(t, "user-1-item-02", second.Items[0].ItemID)

	last, err := p.FetchPage(ctx, second.NextCursor)
	require.NoError(t, err)
	require.Len(t, last.Items, 1)
	assert.False(t, last.HasMore)
	assert.NotNil(t, last.NextCursor)

	// FetchPage does not touch the accumulated list.
	assert.Empty(t, p.Pages())
}

func TestLoadMoreErrorKeepsLoadedPages(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore(t)
	seedFavorites(t, store, "user-1", 30)
	p := NewPager(store, newFakeIdentity("user-1"), models.KindFavorite, 0, logger.Discard())
	defer p.Close()

	_, err := p.LoadMore(ctx)
	require.NoError(t, err)

	store.setHook(func(op string) error {
		if op == "list_page:before" {
			return errBoom
		}
		return nil
	})
	loaded, err := p.LoadMore(ctx)
	assert.False(t, loaded)
	assert.ErrorIs(t, err, errBoom)
	var syncErr *SyncError
	require.ErrorAs(t, err, &syncErr)
	assert.Equal(t, "fetch_page", syncErr.Op)

	assert.Equal(t, PageLoaded, p.State())
	assert.True(t, p.HasMore())
	assert.Len(t, p.Pages(), 1)
	assert.Len(t, p.Items(), DefaultPageSize)

	store.setHook(nil)
	loaded, err = p.LoadMore(ctx)
	require.NoError(t, err)
	assert.True(t, loaded)
	assert.Len(t, p.Items(), 2*DefaultPageSize)
}

func TestFirstPageErrorReturnsToEmpty(t *testing.T) {
	store := newFakeStore(t)
	store.setHook(func(op string) error { return errBoom })
	p := NewPager(store, newFakeIdentity("user-1"), models.KindLike, 0, logger.Discard())
	defer p.Close()

	_, err := p.LoadMore(context.Background())
	assert.ErrorIs(t, err, errBoom)
	assert.Equal(t, PageEmpty, p.State())
	assert.True(t, p.HasMore())
}

func TestLoadMoreWhileLoadingIsNoop(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore(t)
	seedFavorites(t, store, "user-1", 3)
	g := newGate()
	store.setHook(func(op string) error {
		if op == "list_page:before" {
			g.wait()
		}
		return nil
	})
	p := NewPager(store, newFakeIdentity("user-1"), models.KindFavorite, 0, logger.Discard())
	defer p.Close()

	done := make(chan error, 1)
	go func() {
		_, err := p.LoadMore(ctx)
		done <- err
	}()
	waitReached(t, g)
	assert.Equal(t, PageLoading, p.State())

	loaded, err := p.LoadMore(ctx)
	require.NoError(t, err)
	assert.False(t, loaded)

	g.open()
	require.NoError(t, <-done)
	assert.Equal(t, 1, store.count("list_page"))
	assert.Len(t, p.Items(), 3)
}

func TestPagerResetsOnIdentityChange(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore(t)
	seedFavorites(t, store, "user-1", 3)
	seedFavorites(t, store, "user-2", 2)
	identity := newFakeIdentity("user-1")
	p := NewPager(store, identity, models.KindFavorite, 0, logger.Discard())
	defer p.Close()

	_, err := p.LoadMore(ctx)
	require.NoError(t, err)
	require.Len(t, p.Items(), 3)

	identity.switchTo("user-2")
	assert.Empty(t, p.Items())
	assert.Equal(t, PageEmpty, p.State())

	_, err = p.LoadMore(ctx)
	require.NoError(t, err)
	for _, rec := range p.Items() {
		assert.Equal(t, "user-2", rec.UserID)
	}

	identity.switchTo("")
	_, err = p.LoadMore(ctx)
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestPagerDiscardsResultAfterIdentityChange(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore(t)
	seedFavorites(t, store, "user-1", 3)
	g := newGate()
	store.setHook(func(op string) error {
		if op == "list_page:before" {
			g.wait()
		}
		return nil
	})
	identity := newFakeIdentity("user-1")
	p := NewPager(store, identity, models.KindFavorite, 0, logger.Discard())
	defer p.Close()

	done := make(chan bool, 1)
	go func() {
		loaded, _ := p.LoadMore(ctx)
		done <- loaded
	}()
	waitReached(t, g)
	identity.switchTo("user-2")
	g.open()

	assert.False(t, <-done)
	assert.Empty(t, p.Items())
	assert.Equal(t, PageEmpty, p.State())
}

// malformedStore returns records that break the page contract.
type malformedStore struct {
	*fakeStore
	records []models.CollectionRecord
}

func (s *malformedStore) ListPage(ctx context.Context, userID string, kind models.Kind, limit int, before *time.Time) ([]models.CollectionRecord, error) {
	return s.records, nil
}

func TestFetchPageRejectsMalformedRecords(t *testing.T) {
	now := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	cases := map[string][]models.CollectionRecord{
		"missing item id": {{Kind: models.KindLike, CreatedAt: now}},
		"wrong kind":      {{ItemID: "a", Kind: models.KindFavorite, CreatedAt: now}},
		"zero timestamp":  {{ItemID: "a", Kind: models.KindLike}},
		"out of order": {
			{ItemID: "a", Kind: models.KindLike, CreatedAt: now},
			{ItemID: "b", Kind: models.KindLike, CreatedAt: now.Add(time.Second)},
		},
	}

	for name, records := range cases {
		t.Run(name, func(t *testing.T) {
			store := &malformedStore{fakeStore: newFakeStore(t), records: records}
			p := NewPager(store, newFakeIdentity("user-1"), models.KindLike, 0, logger.Discard())
			defer p.Close()

			_, err := p.FetchPage(context.Background(), nil)
			assert.ErrorIs(t, err, database.ErrMalformedResponse)
		})
	}

	t.Run("not older than cursor", func(t *testing.T) {
		store := &malformedStore{fakeStore: newFakeStore(t), records: []models.CollectionRecord{
			{ItemID: "a", Kind: models.KindLike, CreatedAt: now},
		}}
		p := NewPager(store, newFakeIdentity("user-1"), models.KindLike, 0, logger.Discard())
		defer p.Close()

		_, err := p.FetchPage(context.Background(), &now)
		assert.ErrorIs(t, err, database.ErrMalformedResponse)
	})
}
