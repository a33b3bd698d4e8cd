package bus

import (
	"context"
	"encoding/json"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"parley/internal/middleware"
	"parley/internal/models"
	"parley/internal/observability"

	"github.com/redis/go-redis/v9"
)

const (
	publishAttempts = 3
	publishBackoff  = 50 * time.Millisecond
)

// RedisBus is a Bus backed by Redis pub/sub. Each event goes out on the
// channel "<topic>:<key>"; consumers PSubscribe to "<topic>:*" and run a
// single goroutine per topic, which keeps per-key delivery ordered.
type RedisBus struct {
	rdb    *redis.Client
	logger *slog.Logger

	mu       sync.RWMutex
	handlers map[string][]Handler
	started  bool
	closed   bool

	consumeCtx context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// NewRedisBus creates a RedisBus over the given client.
func NewRedisBus(rdb *redis.Client) *RedisBus {
	return &RedisBus{
		rdb:      rdb,
		logger:   middleware.Logger,
		handlers: make(map[string][]Handler),
	}
}

// Publish emits payload on topic under key, retrying briefly on broker
// failure before reporting the error as transient.
func (b *RedisBus) Publish(ctx context.Context, topic, key string, payload any) error {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		observability.BusPublishTotal.WithLabelValues(topic, "rejected").Inc()
		return models.NewShuttingDownError()
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return models.NewInternalError(err)
	}

	ctx, span := observability.TraceBusOperation(ctx, "publish", topic)
	defer span.End()

	channel := topic + ":" + key
	var lastErr error
	for attempt := 0; attempt < publishAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return models.NewTransientError(ctx.Err())
			case <-time.After(publishBackoff << (attempt - 1)):
			}
		}
		if lastErr = b.rdb.Publish(ctx, channel, data).Err(); lastErr == nil {
			observability.BusPublishTotal.WithLabelValues(topic, "ok").Inc()
			return nil
		}
	}

	span.RecordError(lastErr)
	observability.RecordRedisError("publish")
	observability.BusPublishTotal.WithLabelValues(topic, "error").Inc()
	b.logger.ErrorContext(ctx, "bus publish failed",
		slog.String("topic", topic),
		slog.String("key", key),
		slog.String("error", lastErr.Error()),
	)
	return models.NewTransientError(lastErr)
}

// Subscribe registers a handler for a topic. A topic subscribed after Start
// gets its consumer goroutine attached on the spot.
func (b *RedisBus) Subscribe(topic string, handler Handler) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return models.NewShuttingDownError()
	}
	_, known := b.handlers[topic]
	b.handlers[topic] = append(b.handlers[topic], handler)
	started := b.started
	ctx := b.consumeCtx
	b.mu.Unlock()

	if started && !known {
		b.wg.Add(1)
		go b.consume(ctx, topic)
	}
	return nil
}

// Start launches one consumer goroutine per subscribed topic. The go-redis
// subscription transparently reconnects after broker hiccups, so the loop
// only exits on ctx cancellation or Stop.
func (b *RedisBus) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return nil
	}
	b.started = true
	ctx, b.cancel = context.WithCancel(ctx)
	b.consumeCtx = ctx
	topics := make([]string, 0, len(b.handlers))
	for topic := range b.handlers {
		topics = append(topics, topic)
	}
	b.mu.Unlock()

	for _, topic := range topics {
		b.wg.Add(1)
		go b.consume(ctx, topic)
	}
	return nil
}

func (b *RedisBus) consume(ctx context.Context, topic string) {
	defer b.wg.Done()

	sub := b.rdb.PSubscribe(ctx, topic+":*")
	defer func() { _ = sub.Close() }()
	ch := sub.Channel()

	prefix := topic + ":"
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			key := strings.TrimPrefix(msg.Channel, prefix)
			if key == msg.Channel || key == "" {
				observability.BusConsumeTotal.WithLabelValues(topic, "malformed").Inc()
				b.logger.Warn("bus dropped event with malformed channel",
					slog.String("channel", msg.Channel))
				continue
			}
			b.dispatch(ctx, topic, key, []byte(msg.Payload))
		}
	}
}

// dispatch runs all topic handlers sequentially with panic recovery so a
// misbehaving handler cannot kill the consumer loop or reorder later events.
func (b *RedisBus) dispatch(ctx context.Context, topic, key string, payload []byte) {
	b.mu.RLock()
	handlers := b.handlers[topic]
	b.mu.RUnlock()

	for _, handler := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					observability.BusConsumeTotal.WithLabelValues(topic, "panic").Inc()
					b.logger.Error("PANIC in bus handler",
						slog.String("topic", topic),
						slog.String("key", key),
						slog.Any("panic", r),
						slog.String("stack", string(debug.Stack())),
					)
				}
			}()
			handler(ctx, key, payload)
		}()
	}
	observability.BusConsumeTotal.WithLabelValues(topic, "ok").Inc()
}

// Stop rejects further publishes, cancels the consumer loops and waits for
// in-flight handlers to finish.
func (b *RedisBus) Stop() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	cancel := b.cancel
	b.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	b.wg.Wait()
}
