package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/navcam/dashcam/internal/events"
)

const (
	// DefaultChannel carries the mirrored event stream.
	DefaultChannel = "navcam:events"
	publishTimeout = 5 * time.Second
)

// redisPayload is the message published to Redis.
type redisPayload struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
	At    int64           `json:"at"`
}

// RedisPubSub mirrors events to a Redis channel and reads them back.
type RedisPubSub struct {
	client  *redis.Client
	channel string
	logger  *zap.Logger
}

// NewRedisPubSub creates a bridge on channel (DefaultChannel when empty).
func NewRedisPubSub(client *redis.Client, channel string, logger *zap.Logger) *RedisPubSub {
	if channel == "" {
		channel = DefaultChannel
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisPubSub{client: client, channel: channel, logger: logger}
}

// PublishEvent implements EventPublisher.
func (r *RedisPubSub) PublishEvent(ctx context.Context, ev events.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	body, err := json.Marshal(redisPayload{Event: string(ev.Kind), Data: data, At: ev.At.Unix()})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	return r.client.Publish(ctx, r.channel, body).Err()
}

// Subscribe calls handler for every event published on the channel until ctx
// is done or the subscription fails.
func (r *RedisPubSub) Subscribe(ctx context.Context, handler func(events.Event)) error {
	pubsub := r.client.Subscribe(ctx, r.channel)
	defer pubsub.Close()
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", r.channel, err)
	}
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var p redisPayload
			if err := json.Unmarshal([]byte(msg.Payload), &p); err != nil {
				r.logger.Debug("skipping malformed event", zap.Error(err))
				continue
			}
			var ev events.Event
			if err := json.Unmarshal(p.Data, &ev); err != nil {
				r.logger.Debug("skipping malformed event", zap.String("event", p.Event), zap.Error(err))
				continue
			}
			handler(ev)
		}
	}
}
