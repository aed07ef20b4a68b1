package availability

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ayo6706/dispatch-ledger/internal/domain"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const defaultKey = "dispatch:availability"

// RedisPool stores availability in one hash keyed by user id, with a second
// hash recording when each status was set.
type RedisPool struct {
	client redis.Cmdable
	key    string
}

func NewRedisPool(client redis.Cmdable, key string) *RedisPool {
	if key == "" {
		key = defaultKey
	}
	return &RedisPool{client: client, key: key}
}

func (p *RedisPool) Status(ctx context.Context, userID uuid.UUID) (string, error) {
	s, err := p.client.HGet(ctx, p.key, userID.String()).Result()
	if errors.Is(err, redis.Nil) {
		return domain.AvailabilityIdle, nil
	}
	if err != nil {
		return "", fmt.Errorf("availability: get %s: %w", userID, err)
	}
	return s, nil
}

func (p *RedisPool) SetStatus(ctx context.Context, userID uuid.UUID, status string) error {
	if !ValidStatus(status) {
		return fmt.Errorf("unknown availability status %q", status)
	}
	pipe := p.client.TxPipeline()
	pipe.HSet(ctx, p.key, userID.String(), status)
	pipe.HSet(ctx, p.key+":updated_at", userID.String(), time.Now().UTC().Format(time.RFC3339Nano))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("availability: set %s: %w", userID, err)
	}
	return nil
}
