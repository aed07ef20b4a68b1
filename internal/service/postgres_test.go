package service

import (
	"context"
	"os"
	"testing"

	"github.com/ayo6706/dispatch-ledger/internal/availability"
	"github.com/ayo6706/dispatch-ledger/internal/db"
	"github.com/ayo6706/dispatch-ledger/internal/domain"
	"github.com/ayo6706/dispatch-ledger/internal/gateway"
	"github.com/ayo6706/dispatch-ledger/internal/repository"
	"github.com/ayo6706/dispatch-ledger/internal/testutil/dblock"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/stretchr/testify/require"
)

// TestPostgresSettlementFlow runs an order from creation to withdrawal review
// against a real database. It is skipped unless DATABASE_URL is set.
func TestPostgresSettlementFlow(t *testing.T) {
	_ = godotenv.Load("../../.env")
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("Skipping integration test: DATABASE_URL not set")
	}
	release := dblock.Acquire()
	defer release()

	ctx := context.Background()
	pool, err := db.Connect(ctx, url)
	require.NoError(t, err)
	defer pool.Close()
	require.NoError(t, db.Migrate(ctx, pool))

	store := repository.NewStore(pool)
	availabilityPool := availability.NewMemoryPool()
	wallet := NewWalletService(store)
	recon := NewReconciliationService(store, wallet)
	settlement := NewSettlementService(store, recon)
	dispatch := NewDispatchService(store, settlement, recon, wallet, availabilityPool)
	withdrawals := NewWithdrawalService(store, wallet, &gateway.MockRail{})

	worker := uuid.New()
	order, err := dispatch.CreateOrder(ctx, CreateOrderRequest{
		BillingMode:     domain.BillingGuaranteed,
		BaseAmountWan:   100,
		PaidAmountCents: 10_000,
	})
	require.NoError(t, err)

	round, err := dispatch.Assign(ctx, AssignRequest{OrderID: order.ID, UserIDs: []uuid.UUID{worker}})
	require.NoError(t, err)
	_, err = dispatch.Accept(ctx, round.ID, worker)
	require.NoError(t, err)
	_, err = dispatch.Complete(ctx, CloseRoundRequest{RoundID: round.ID})
	require.NoError(t, err)
	_, err = dispatch.ConfirmComplete(ctx, order.ID, "", nil)
	require.NoError(t, err)

	rows, err := settlement.ListByOrder(ctx, order.ID)
	require.NoError(t, err)
	require.Equal(t, int64(10_000), sumRows(rows))

	b, err := wallet.Balance(ctx, worker)
	require.NoError(t, err)
	require.Equal(t, int64(9_000), b.AvailableCents)

	w, _, err := withdrawals.Apply(ctx, ApplyWithdrawalRequest{UserID: worker, AmountCents: 5_000, RequestNo: "pg-" + worker.String()})
	require.NoError(t, err)
	w, err = withdrawals.Review(ctx, ReviewWithdrawalRequest{ID: w.ID, ReviewerID: uuid.New(), Approve: true})
	require.NoError(t, err)
	require.Equal(t, domain.WithdrawalPaying, w.Status)

	b, err = wallet.Balance(ctx, worker)
	require.NoError(t, err)
	require.Equal(t, int64(4_000), b.AvailableCents)
	require.Equal(t, int64(5_000), b.FrozenCents)
}
