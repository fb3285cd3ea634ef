// Package events fans committed audit events out to downstream consumers.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"cleaning-sync-backend/config"
	"cleaning-sync-backend/internal/model"
)

// Publisher publishes audit events after they were committed.
type Publisher interface {
	Publish(ctx context.Context, event *model.TaskEvent) error
}

// NopPublisher drops every event.
type NopPublisher struct{}

// Publish implements Publisher.
func (NopPublisher) Publish(context.Context, *model.TaskEvent) error { return nil }

// RedisStreamPublisher appends events to a Redis stream with XADD.
type RedisStreamPublisher struct {
	client *redis.Client
	stream string
	maxLen int64
}

// NewRedisClient builds a client from the redis config section.
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// NewRedisStreamPublisher creates a stream publisher. The stream is capped
// approximately at maxLen entries; zero means uncapped.
func NewRedisStreamPublisher(client *redis.Client, stream string, maxLen int64) *RedisStreamPublisher {
	return &RedisStreamPublisher{client: client, stream: stream, maxLen: maxLen}
}

// Publish implements Publisher.
func (p *RedisStreamPublisher) Publish(ctx context.Context, event *model.TaskEvent) error {
	metadata := "{}"
	if len(event.Metadata) > 0 {
		metadata = string(event.Metadata)
	}

	args := &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]interface{}{
			"event_id":   strconv.FormatInt(event.ID, 10),
			"task_id":    strconv.FormatInt(event.TaskID, 10),
			"actor_id":   strconv.FormatInt(event.ActorID, 10),
			"event_type": event.EventType,
			"metadata":   metadata,
			"created_at": event.CreatedAt.UTC().Unix(),
		},
	}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}

	if err := p.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("failed to publish %s event to stream %s: %w", event.EventType, p.stream, err)
	}
	return nil
}

// Emitter publishes events best-effort. Failures are logged and never
// propagated, so a broken stream cannot fail an already committed action.
type Emitter struct {
	publisher Publisher
	logger    *zap.Logger
}

// NewEmitter wraps a publisher. A nil publisher disables publishing.
func NewEmitter(publisher Publisher, logger *zap.Logger) *Emitter {
	if publisher == nil {
		publisher = NopPublisher{}
	}
	return &Emitter{publisher: publisher, logger: logger}
}

// Emit publishes events in order.
func (e *Emitter) Emit(ctx context.Context, events ...*model.TaskEvent) {
	if e == nil {
		return
	}
	for _, event := range events {
		if event == nil {
			continue
		}
		if err := e.publisher.Publish(ctx, event); err != nil {
			e.logger.Warn("failed to publish audit event",
				zap.Int64("task_id", event.TaskID),
				zap.String("event_type", event.EventType),
				zap.Error(err),
			)
		}
	}
}

// Metadata encodes event metadata. Encoding a map of plain values cannot fail
// in practice; on failure an empty object is stored.
func Metadata(values map[string]any) []byte {
	if len(values) == 0 {
		return []byte("{}")
	}
	raw, err := json.Marshal(values)
	if err != nil {
		return []byte("{}")
	}
	return raw
}
