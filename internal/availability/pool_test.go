package availability

import (
	"context"
	"os"
	"testing"

	"github.com/ayo6706/dispatch-ledger/internal/domain"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func exercisePool(t *testing.T, p Pool) {
	t.Helper()
	ctx := context.Background()
	user := uuid.New()

	status, err := p.Status(ctx, user)
	require.NoError(t, err)
	require.Equal(t, domain.AvailabilityIdle, status)

	require.NoError(t, p.SetStatus(ctx, user, domain.AvailabilityResting))
	status, err = p.Status(ctx, user)
	require.NoError(t, err)
	require.Equal(t, domain.AvailabilityResting, status)

	require.Error(t, p.SetStatus(ctx, user, "SLEEPING"))
	status, err = p.Status(ctx, user)
	require.NoError(t, err)
	require.Equal(t, domain.AvailabilityResting, status)
}

func TestMemoryPool(t *testing.T) {
	exercisePool(t, NewMemoryPool())
}

func TestRedisPool(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}
	opt, err := redis.ParseURL(url)
	require.NoError(t, err)
	client := redis.NewClient(opt)
	defer client.Close()

	key := "test:availability:" + uuid.NewString()
	defer client.Del(context.Background(), key, key+":updated_at")

	exercisePool(t, NewRedisPool(client, key))
}
