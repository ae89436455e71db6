package ledger

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/navcam/dashcam/internal/models"
)

// DefaultKeyPrefix namespaces the ledger keys.
const DefaultKeyPrefix = "navcam:ledger:"

// RedisStore keeps the ledger in Redis: two sets for uploaded and failed
// clip ids and a hash of JSON-encoded pending entries keyed by clip id.
type RedisStore struct {
	client *redis.Client
	logger *zap.Logger

	uploadedKey string
	failedKey   string
	pendingKey  string
}

// NewRedisStore creates a Redis-backed ledger under prefix.
func NewRedisStore(client *redis.Client, prefix string, logger *zap.Logger) *RedisStore {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisStore{
		client:      client,
		logger:      logger,
		uploadedKey: prefix + "uploaded",
		failedKey:   prefix + "failed",
		pendingKey:  prefix + "pending",
	}
}

func (s *RedisStore) Load(ctx context.Context) (State, error) {
	var (
		uploaded *redis.StringSliceCmd
		failed   *redis.StringSliceCmd
		pending  *redis.MapStringStringCmd
	)
	_, err := s.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		uploaded = p.SMembers(ctx, s.uploadedKey)
		failed = p.SMembers(ctx, s.failedKey)
		pending = p.HGetAll(ctx, s.pendingKey)
		return nil
	})
	if err != nil {
		return State{}, fmt.Errorf("load ledger: %w", err)
	}

	d := newData()
	st := State{Uploaded: uploaded.Val(), Failed: failed.Val()}
	for id, raw := range pending.Val() {
		var p models.PendingUpload
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			s.logger.Warn("invalid pending entry", zap.String("clip_id", id), zap.String("raw", raw), zap.Error(err))
			continue
		}
		st.Pending = append(st.Pending, p)
	}
	d.restore(st)
	return d.state(), nil
}

func (s *RedisStore) MarkUploaded(ctx context.Context, clipID string) error {
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.SAdd(ctx, s.uploadedKey, clipID)
		p.SRem(ctx, s.failedKey, clipID)
		p.HDel(ctx, s.pendingKey, clipID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("mark uploaded: %w", err)
	}
	return nil
}

func (s *RedisStore) MarkFailed(ctx context.Context, clipID string) error {
	if err := s.client.SAdd(ctx, s.failedKey, clipID).Err(); err != nil {
		return fmt.Errorf("sadd: %w", err)
	}
	return nil
}

func (s *RedisStore) PutPending(ctx context.Context, p models.PendingUpload) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal pending: %w", err)
	}
	if err := s.client.HSet(ctx, s.pendingKey, p.ClipID, raw).Err(); err != nil {
		return fmt.Errorf("hset: %w", err)
	}
	s.logger.Debug("pending upload stored", zap.String("clip_id", p.ClipID))
	return nil
}

func (s *RedisStore) Forget(ctx context.Context, clipID string) error {
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HDel(ctx, s.pendingKey, clipID)
		p.SRem(ctx, s.failedKey, clipID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("forget: %w", err)
	}
	return nil
}
