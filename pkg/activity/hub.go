package activity

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"showcase-sync-backend/pkg/models"

	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
)

// DefaultBuffer 每个订阅者的事件缓冲区大小
const DefaultBuffer = 64

// Hub 活动通知的发布/订阅中心（尽力而为，不持久化）
// 每个订阅者有独立的缓冲区与 goroutine，缓冲区满时丢弃事件，Publish 不会阻塞
type Hub struct {
	log    *slog.Logger
	buffer int

	mu     sync.RWMutex
	subs   map[uint64]*subscriber
	next   uint64
	closed bool

	workers conc.WaitGroup
	dropped atomic.Uint64
}

type subscriber struct {
	events chan models.ActivityEvent
	once   sync.Once
}

func (s *subscriber) stop() {
	s.once.Do(func() { close(s.events) })
}

// NewHub 创建活动中心，buffer <= 0 时使用 DefaultBuffer
func NewHub(logger *slog.Logger, buffer int) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Hub{
		log:    logger.With("component", "activity"),
		buffer: buffer,
		subs:   make(map[uint64]*subscriber),
	}
}

// Subscribe 注册观察者，返回取消订阅函数
// fn 在订阅者自己的 goroutine 中按发布顺序调用，fn 的 panic 会被记录并吞掉
func (h *Hub) Subscribe(fn func(models.ActivityEvent)) (unsubscribe func()) {
	sub := &subscriber{events: make(chan models.ActivityEvent, h.buffer)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return func() {}
	}
	id := h.next
	h.next++
	h.subs[id] = sub
	h.mu.Unlock()

	h.workers.Go(func() {
		for event := range sub.events {
			var pc panics.Catcher
			pc.Try(func() { fn(event) })
			if r := pc.Recovered(); r != nil {
				h.log.Error("💥 Activity subscriber panicked", "event_id", event.ID, "panic", r.Value)
			}
		}
	})

	return func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
		sub.stop()
	}
}

// Publish 向所有订阅者投递事件，不阻塞
func (h *Hub) Publish(event models.ActivityEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	for _, sub := range h.subs {
		select {
		case sub.events <- event:
		default:
			h.dropped.Add(1)
			h.log.Warn("Activity subscriber buffer full, dropping event", "event_id", event.ID, "item_id", event.ItemID)
		}
	}
}

// Subscribers returns the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped returns how many deliveries were skipped because a buffer was full.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

// Close 关闭所有订阅者并等待其处理完已缓冲的事件
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	subs := h.subs
	h.subs = make(map[uint64]*subscriber)
	h.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}
	h.workers.Wait()
}
