package collection

import (
	"fmt"
	"math/rand"
	"testing"

	"showcase-sync-backend/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateCacheResetForUser(t *testing.T) {
	c := NewStateCache()
	assert.Equal(t, "", c.Owner())
	assert.False(t, c.Initialized())

	c.ResetForUser("user-1")
	c.Seed(models.KindLike, []string{"a"})
	c.MarkPendingAdd(models.KindFavorite, "b")
	c.setInitialized()
	require.True(t, c.IsPresent(models.KindLike, "a"))

	c.ResetForUser("user-2")
	assert.Equal(t, "user-2", c.Owner())
	assert.False(t, c.Initialized())
	assert.False(t, c.IsPresent(models.KindLike, "a"))
	assert.False(t, c.IsPresent(models.KindFavorite, "b"))
	assert.Zero(t, c.PendingCount(models.KindFavorite))
}

func TestStateCacheSeedKeepsPending(t *testing.T) {
	c := NewStateCache()
	c.ResetForUser("user-1")
	c.MarkPendingAdd(models.KindLike, "new")
	c.MarkPendingRemove(models.KindLike, "old")

	c.Seed(models.KindLike, []string{"old", "other"})

	assert.True(t, c.IsPresent(models.KindLike, "new"))
	assert.False(t, c.IsPresent(models.KindLike, "old"))
	assert.True(t, c.IsPresent(models.KindLike, "other"))
	assert.False(t, c.IsPresent(models.KindFavorite, "other"))
	assert.Equal(t, []string{"new", "other"}, c.Present(models.KindLike))
}

func TestStateCacheIgnoresUnknownKind(t *testing.T) {
	c := NewStateCache()
	c.Seed(models.Kind("bookmark"), []string{"a"})
	c.MarkPendingAdd(models.Kind("bookmark"), "a")
	assert.False(t, c.IsPresent(models.Kind("bookmark"), "a"))
}

// model mirrors the cache with plain maps.
type cacheModel struct {
	confirmed, adds, removes map[models.Kind]map[string]bool
}

func newCacheModel() *cacheModel {
	m := &cacheModel{
		confirmed: map[models.Kind]map[string]bool{},
		adds:      map[models.Kind]map[string]bool{},
		removes:   map[models.Kind]map[string]bool{},
	}
	for _, k := range models.Kinds {
		m.confirmed[k] = map[string]bool{}
		m.adds[k] = map[string]bool{}
		m.removes[k] = map[string]bool{}
	}
	return m
}

func (m *cacheModel) present(kind models.Kind, id string) bool {
	return (m.confirmed[kind][id] || m.adds[kind][id]) && !m.removes[kind][id]
}

func TestStateCacheUnionMembershipProperty(t *testing.T) {
	ids := []string{"a", "b", "c", "d", "e", "f"}
	rng := rand.New(rand.NewSource(42))

	for round := 0; round < 200; round++ {
		c := NewStateCache()
		c.ResetForUser("user-1")
		m := newCacheModel()

		for step := 0; step < 60; step++ {
			kind := models.Kinds[rng.Intn(len(models.Kinds))]
			id := ids[rng.Intn(len(ids))]

			switch rng.Intn(5) {
			case 0:
				seed := []string{}
				m.confirmed[kind] = map[string]bool{}
				for _, candidate := range ids {
					if rng.Intn(2) == 0 {
						seed = append(seed, candidate)
						m.confirmed[kind][candidate] = true
					}
				}
				c.Seed(kind, seed)
			case 1:
				c.MarkPendingAdd(kind, id)
				m.adds[kind][id] = true
			case 2:
				c.ClearPendingAdd(kind, id)
				delete(m.adds[kind], id)
			case 3:
				c.MarkPendingRemove(kind, id)
				m.removes[kind][id] = true
			case 4:
				c.ClearPendingRemove(kind, id)
				delete(m.removes[kind], id)
			}

			for _, k := range models.Kinds {
				for _, candidate := range ids {
					require.Equal(t, m.present(k, candidate), c.IsPresent(k, candidate),
						fmt.Sprintf("round %d step %d kind %s id %s", round, step, k, candidate))
				}
			}
		}
	}
}
