package service

import (
	"context"
	"errors"
	"testing"

	"github.com/ayo6706/dispatch-ledger/internal/availability"
	"github.com/ayo6706/dispatch-ledger/internal/domain"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// flakyPool fails every write while down is set.
type flakyPool struct {
	*availability.MemoryPool
	down bool
}

func (p *flakyPool) SetStatus(ctx context.Context, userID uuid.UUID, status string) error {
	if p.down {
		return errors.New("pool unavailable")
	}
	return p.MemoryPool.SetStatus(ctx, userID, status)
}

func TestEventRelayRetriesFailedDelivery(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	u1 := uuid.New()
	order := env.guaranteedOrder(t)

	_, err := env.dispatch.Assign(ctx, AssignRequest{OrderID: order.ID, UserIDs: []uuid.UUID{u1}})
	require.NoError(t, err)

	pool := &flakyPool{MemoryPool: env.pool, down: true}
	relay := NewEventRelay(env.store, pool)

	delivered, err := relay.RelayPending(ctx, 10)
	require.Error(t, err)
	require.Equal(t, 0, delivered)

	pending, err := env.store.Queries().ListPendingEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, domain.EventDispatchAssigned, pending[0].Name)
	require.Equal(t, 1, pending[0].Attempts)

	pool.down = false
	delivered, err = relay.RelayPending(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 1, delivered)

	status, err := env.pool.Status(ctx, u1)
	require.NoError(t, err)
	require.Equal(t, domain.AvailabilityWorking, status)

	pending, err = env.store.Queries().ListPendingEvents(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, pending)

	delivered, err = relay.RelayPending(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 0, delivered)
}

func TestEventRelayKeepsOrder(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	u1 := uuid.New()
	order := env.guaranteedOrder(t)

	round := env.acceptedRound(t, order.ID, u1)
	_, err := env.dispatch.Archive(ctx, CloseRoundRequest{RoundID: round.ID, TotalProgressBaseWan: int64p(10)})
	require.NoError(t, err)

	delivered, err := env.relay.RelayPending(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, 1, delivered)
	status, err := env.pool.Status(ctx, u1)
	require.NoError(t, err)
	require.Equal(t, domain.AvailabilityWorking, status)

	delivered, err = env.relay.RelayPending(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 1, delivered)
	status, err = env.pool.Status(ctx, u1)
	require.NoError(t, err)
	require.Equal(t, domain.AvailabilityIdle, status)
}
