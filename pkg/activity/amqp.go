package activity

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"showcase-sync-backend/pkg/models"

	amqp "github.com/rabbitmq/amqp091-go"
)

// DefaultExchange 活动事件默认发布的 topic 交换机
const DefaultExchange = "collection.activity"

// channelPublisher is the subset of *amqp.Channel the forwarder needs.
type channelPublisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// Forwarder 将活动事件转发到 RabbitMQ
type Forwarder struct {
	publisher channelPublisher
	exchange  string
	timeout   time.Duration
	log       *slog.Logger

	conn    *amqp.Connection
	channel *amqp.Channel
}

// DialForwarder 连接 RabbitMQ 并声明持久化 topic 交换机
func DialForwarder(url, exchange string, logger *slog.Logger) (*Forwarder, error) {
	if exchange == "" {
		exchange = DefaultExchange
	}

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("activity: failed to dial RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("activity: failed to open a channel: %w", err)
	}
	err = ch.ExchangeDeclare(
		exchange,
		amqp.ExchangeTopic,
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("activity: failed to declare exchange '%s': %w", exchange, err)
	}

	f := NewForwarder(ch, exchange, logger)
	f.conn = conn
	f.channel = ch
	return f, nil
}

// NewForwarder wraps an already opened channel.
func NewForwarder(publisher channelPublisher, exchange string, logger *slog.Logger) *Forwarder {
	if logger == nil {
		logger = slog.Default()
	}
	if exchange == "" {
		exchange = DefaultExchange
	}
	return &Forwarder{
		publisher: publisher,
		exchange:  exchange,
		timeout:   5 * time.Second,
		log:       logger.With("component", "activity_amqp", "exchange", exchange),
	}
}

// RoutingKey 形如 activity.like.add
func RoutingKey(event models.ActivityEvent) string {
	return fmt.Sprintf("activity.%s.%s", event.Kind, event.Action)
}

// Forward 发布单个事件
func (f *Forwarder) Forward(ctx context.Context, event models.ActivityEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("activity: failed to marshal event %s: %w", event.ID, err)
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
		MessageId:    event.ID,
		Timestamp:    event.At,
		Headers:      amqp.Table{"user_id": event.UserID},
	}

	publishCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()
	if err := f.publisher.PublishWithContext(publishCtx, f.exchange, RoutingKey(event), false, false, msg); err != nil {
		return fmt.Errorf("activity: failed to publish event %s: %w", event.ID, err)
	}
	return nil
}

// Attach 订阅 hub，把每个事件转发到交换机；转发失败只记录日志
func (f *Forwarder) Attach(hub *Hub) (detach func()) {
	return hub.Subscribe(func(event models.ActivityEvent) {
		if err := f.Forward(context.Background(), event); err != nil {
			f.log.Warn("❌ Failed to forward activity event", "event_id", event.ID, "error", err)
			return
		}
		f.log.Debug("📤 Forwarded activity event", "event_id", event.ID, "routing_key", RoutingKey(event))
	})
}

// Close 关闭通道与连接
func (f *Forwarder) Close() error {
	var firstErr error
	if f.channel != nil {
		if err := f.channel.Close(); err != nil {
			firstErr = err
		}
		f.channel = nil
	}
	if f.conn != nil {
		if err := f.conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		f.conn = nil
	}
	return firstErr
}
