package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ayo6706/dispatch-ledger/internal/availability"
	"github.com/ayo6706/dispatch-ledger/internal/domain"
	"github.com/ayo6706/dispatch-ledger/internal/gateway"
	"github.com/ayo6706/dispatch-ledger/internal/models"
	"github.com/ayo6706/dispatch-ledger/internal/repository"
	"github.com/ayo6706/dispatch-ledger/internal/repository/memory"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// stubRail answers every submission with the same receipt or error.
type stubRail struct {
	mu      sync.Mutex
	receipt gateway.Receipt
	err     error
	calls   int
}

func (r *stubRail) SubmitPayout(_ context.Context, in gateway.PayoutInstruction) (gateway.Receipt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return r.receipt, r.err
}

type testEnv struct {
	store       *memory.Store
	pool        *availability.MemoryPool
	clock       *fakeClock
	rail        *stubRail
	wallet      *WalletService
	recon       *ReconciliationService
	settlement  *SettlementService
	dispatch    *DispatchService
	withdrawals *WithdrawalService
	relay       *EventRelay
	integrity   *IntegrityService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store := memory.New()
	pool := availability.NewMemoryPool()
	clock := newFakeClock()
	rail := &stubRail{receipt: gateway.Receipt{Ref: "RAIL-TEST", Status: gateway.PayoutPaid}}

	wallet := NewWalletService(store)
	recon := NewReconciliationService(store, wallet)
	settlement := NewSettlementService(store, recon)
	return &testEnv{
		store:       store,
		pool:        pool,
		clock:       clock,
		rail:        rail,
		wallet:      wallet,
		recon:       recon,
		settlement:  settlement,
		dispatch:    NewDispatchService(store, settlement, recon, wallet, pool).WithClock(clock.Now),
		withdrawals: NewWithdrawalService(store, wallet, rail).WithClock(clock.Now),
		relay:       NewEventRelay(store, pool),
		integrity:   NewIntegrityService(store),
	}
}

// guaranteedOrder is 100 wan for 100.00 at the default 10% club rate.
func (e *testEnv) guaranteedOrder(t *testing.T) models.Order {
	t.Helper()
	o, err := e.dispatch.CreateOrder(context.Background(), CreateOrderRequest{
		BillingMode:     domain.BillingGuaranteed,
		BaseAmountWan:   100,
		PaidAmountCents: 10_000,
	})
	require.NoError(t, err)
	return o
}

// modePlayOrder pays 100.00 with a 5% customer-service share.
func (e *testEnv) modePlayOrder(t *testing.T, csUser uuid.UUID) models.Order {
	t.Helper()
	o, err := e.dispatch.CreateOrder(context.Background(), CreateOrderRequest{
		BillingMode:     domain.BillingModePlay,
		PaidAmountCents: 10_000,
		CSRate:          decimal.RequireFromString("0.05"),
		CSUserID:        &csUser,
	})
	require.NoError(t, err)
	return o
}

// acceptedRound assigns the users and has each of them accept.
func (e *testEnv) acceptedRound(t *testing.T, orderID uuid.UUID, users ...uuid.UUID) RoundView {
	t.Helper()
	ctx := context.Background()
	round, err := e.dispatch.Assign(ctx, AssignRequest{OrderID: orderID, UserIDs: users})
	require.NoError(t, err)
	for _, u := range users {
		round, err = e.dispatch.Accept(ctx, round.ID, u)
		require.NoError(t, err)
	}
	require.Equal(t, domain.RoundAccepted, round.Status)
	return round
}

// fund credits available money to a user directly in the ledger.
func (e *testEnv) fund(t *testing.T, userID uuid.UUID, cents int64) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, e.store.RunInTx(ctx, func(q repository.Querier) error {
		if err := q.LockWalletAccount(ctx, userID); err != nil {
			return err
		}
		return q.InsertWalletTransaction(ctx, models.WalletTransaction{
			ID:          uuid.New(),
			UserID:      userID,
			Direction:   domain.DirectionIn,
			BizType:     domain.BizSettlementCredit,
			AmountCents: cents,
			Status:      domain.TxAvailable,
		})
	}))
}

func (e *testEnv) balance(t *testing.T, userID uuid.UUID) models.WalletBalance {
	t.Helper()
	b, err := e.wallet.Balance(context.Background(), userID)
	require.NoError(t, err)
	return b
}

func (e *testEnv) order(t *testing.T, id uuid.UUID) models.Order {
	t.Helper()
	view, err := e.dispatch.GetOrder(context.Background(), id)
	require.NoError(t, err)
	return view.Order
}

// rowFor finds the settlement row of a user and type, failing when absent.
func rowFor(t *testing.T, rows []models.Settlement, userID uuid.UUID, typ domain.SettlementType) models.Settlement {
	t.Helper()
	for _, r := range rows {
		if r.UserID == userID && r.SettlementType == typ {
			return r
		}
	}
	t.Fatalf("no %s settlement for %s", typ, userID)
	return models.Settlement{}
}

func sumRows(rows []models.Settlement) int64 {
	var total int64
	for _, r := range rows {
		total += r.AmountCents()
	}
	return total
}

func int64p(v int64) *int64 {
	return &v
}
