package activity

import (
	"sync"
	"testing"
	"time"

	"showcase-sync-backend/pkg/logger"
	"showcase-sync-backend/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func event(id string) models.ActivityEvent {
	return models.ActivityEvent{ID: id, ItemID: "item-" + id, Kind: models.KindLike, Action: models.ActionAdd, At: time.Now()}
}

// collector records events delivered to it.
type collector struct {
	mu     sync.Mutex
	events []string
}

func (c *collector) add(e models.ActivityEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e.ID)
}

func (c *collector) ids() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.events...)
}

func TestHubDeliversInOrderToEverySubscriber(t *testing.T) {
	hub := NewHub(logger.Discard(), 0)
	a, b := &collector{}, &collector{}
	hub.Subscribe(a.add)
	hub.Subscribe(b.add)
	assert.Equal(t, 2, hub.Subscribers())

	for _, id := range []string{"1", "2", "3"} {
		hub.Publish(event(id))
	}
	hub.Close()

	assert.Equal(t, []string{"1", "2", "3"}, a.ids())
	assert.Equal(t, []string{"1", "2", "3"}, b.ids())
}

func TestHubUnsubscribeStopsDelivery(t *testing.T) {
	hub := NewHub(logger.Discard(), 0)
	c := &collector{}
	unsubscribe := hub.Subscribe(c.add)

	hub.Publish(event("1"))
	unsubscribe()
	unsubscribe()
	hub.Publish(event("2"))
	hub.Close()

	assert.Equal(t, []string{"1"}, c.ids())
	assert.Zero(t, hub.Subscribers())
}

func TestHubDropsWhenSubscriberIsSlow(t *testing.T) {
	hub := NewHub(logger.Discard(), 1)
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	c := &collector{}
	hub.Subscribe(func(e models.ActivityEvent) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		c.add(e)
	})

	hub.Publish(event("1"))
	<-started
	// 1 正在处理，2 进入缓冲区，3 被丢弃
	hub.Publish(event("2"))
	hub.Publish(event("3"))

	close(release)
	hub.Close()

	assert.Equal(t, []string{"1", "2"}, c.ids())
	assert.EqualValues(t, 1, hub.Dropped())
}

func TestHubRecoversSubscriberPanic(t *testing.T) {
	hub := NewHub(logger.Discard(), 0)
	c := &collector{}
	hub.Subscribe(func(e models.ActivityEvent) {
		if e.ID == "bad" {
			panic("subscriber bug")
		}
		c.add(e)
	})

	hub.Publish(event("bad"))
	hub.Publish(event("good"))
	require.NotPanics(t, hub.Close)

	assert.Equal(t, []string{"good"}, c.ids())
}

func TestHubIgnoresUseAfterClose(t *testing.T) {
	hub := NewHub(logger.Discard(), 0)
	hub.Close()
	hub.Close()

	c := &collector{}
	unsubscribe := hub.Subscribe(c.add)
	hub.Publish(event("1"))
	unsubscribe()

	assert.Empty(t, c.ids())
}
