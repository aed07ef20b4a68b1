package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ayo6706/dispatch-ledger/internal/domain"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestCreateOrderValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	cases := []struct {
		name string
		req  CreateOrderRequest
		want error
	}{
		{name: "unknown_mode", req: CreateOrderRequest{BillingMode: "PER_GAME"}, want: domain.ErrInvalidBillingMode},
		{name: "guaranteed_without_base", req: CreateOrderRequest{BillingMode: domain.BillingGuaranteed, PaidAmountCents: 100}, want: domain.ErrInvalidAmount},
		{name: "hourly_without_price", req: CreateOrderRequest{BillingMode: domain.BillingHourly}, want: domain.ErrInvalidAmount},
		{name: "negative_paid", req: CreateOrderRequest{BillingMode: domain.BillingModePlay, PaidAmountCents: -1}, want: domain.ErrInvalidAmount},
		{
			name: "shares_exceed_club",
			req: CreateOrderRequest{
				BillingMode:     domain.BillingModePlay,
				PaidAmountCents: 100,
				CSRate:          decimal.RequireFromString("0.08"),
				InviteRate:      decimal.RequireFromString("0.05"),
			},
			want: domain.ErrInvalidRate,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.dispatch.CreateOrder(ctx, tc.req)
			require.ErrorIs(t, err, tc.want)
		})
	}

	order := env.guaranteedOrder(t)
	require.Equal(t, domain.OrderWaitAssign, order.Status)
	require.NotEmpty(t, order.SerialNo)
	require.True(t, order.ClubRate().Equal(domain.DefaultClubRate))
}

func TestGuaranteedOrderLifecycle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	u1, u2 := uuid.New(), uuid.New()

	order := env.guaranteedOrder(t)
	r1 := env.acceptedRound(t, order.ID, u1)
	require.Equal(t, domain.OrderAccepted, env.order(t, order.ID).Status)

	res, err := env.dispatch.Archive(ctx, CloseRoundRequest{RoundID: r1.ID, TotalProgressBaseWan: int64p(40)})
	require.NoError(t, err)
	require.Equal(t, domain.ScopeRound, res.Scope)
	require.NotEqual(t, uuid.Nil, res.RecomputeToken)
	require.Equal(t, int64(4_000), sumRows(res.Settlements))
	require.Equal(t, int64(3_600), rowFor(t, res.Settlements, u1, domain.SettlementBase).AmountCents())
	require.Equal(t, int64(400), rowFor(t, res.Settlements, uuid.MustParse(domain.PlatformUserID), domain.SettlementClub).AmountCents())
	require.Equal(t, domain.OrderArchived, env.order(t, order.ID).Status)

	r2 := env.acceptedRound(t, order.ID, u2)
	require.Equal(t, 2, r2.RoundNo)

	res, err = env.dispatch.Complete(ctx, CloseRoundRequest{RoundID: r2.ID})
	require.NoError(t, err)
	require.Equal(t, domain.ScopeCompletedAndArchived, res.Scope)
	require.Equal(t, int64(10_000), sumRows(res.Settlements))
	require.Equal(t, int64(5_400), rowFor(t, res.Settlements, u2, domain.SettlementBase).AmountCents())
	require.Equal(t, domain.OrderCompletedPendingConfirm, env.order(t, order.ID).Status)

	round, err := env.dispatch.GetRound(ctx, r2.ID)
	require.NoError(t, err)
	require.Equal(t, domain.RoundCompleted, round.Status)
	require.Len(t, round.Participants, 1)
	require.Equal(t, int64(60), round.Participants[0].ProgressBaseWan)
	require.Equal(t, int64(5_400), round.Participants[0].ContributionCents)

	report, err := env.dispatch.ConfirmComplete(ctx, order.ID, "", nil)
	require.NoError(t, err)
	require.Equal(t, 2, report.Summary.New)
	require.Equal(t, int64(9_000), report.Summary.NetDeltaCents)
	require.Equal(t, domain.OrderCompleted, env.order(t, order.ID).Status)

	b1 := env.balance(t, u1)
	require.Equal(t, int64(3_600), b1.AvailableCents)
	require.Equal(t, int64(0), b1.FrozenCents)
	b2 := env.balance(t, u2)
	require.Equal(t, int64(5_400), b2.AvailableCents)
	require.Equal(t, int64(0), b2.FrozenCents)

	rows, err := env.settlement.ListByOrder(ctx, order.ID)
	require.NoError(t, err)
	for _, r := range rows {
		if r.SettlementType.Payable() {
			require.Equal(t, domain.PaymentStatusReleased, r.PaymentStatus)
		}
	}

	_, err = env.dispatch.ConfirmComplete(ctx, order.ID, "", nil)
	require.ErrorIs(t, err, domain.ErrNotPendingConfirm)
	_, err = env.dispatch.Refund(ctx, order.ID, "too late", nil)
	require.ErrorIs(t, err, domain.ErrOrderTerminal)
	_, err = env.dispatch.Assign(ctx, AssignRequest{OrderID: order.ID, UserIDs: []uuid.UUID{uuid.New()}})
	require.ErrorIs(t, err, domain.ErrOrderTerminal)
}

func TestAssignValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	u1, u2, u3 := uuid.New(), uuid.New(), uuid.New()
	order := env.guaranteedOrder(t)

	_, err := env.dispatch.Assign(ctx, AssignRequest{OrderID: order.ID})
	require.ErrorIs(t, err, domain.ErrInvalidParticipantCount)
	_, err = env.dispatch.Assign(ctx, AssignRequest{OrderID: order.ID, UserIDs: []uuid.UUID{u1, u2, u3}})
	require.ErrorIs(t, err, domain.ErrInvalidParticipantCount)
	_, err = env.dispatch.Assign(ctx, AssignRequest{OrderID: order.ID, UserIDs: []uuid.UUID{u1, u1}})
	require.ErrorIs(t, err, domain.ErrDuplicateParticipant)
	_, err = env.dispatch.Assign(ctx, AssignRequest{OrderID: uuid.New(), UserIDs: []uuid.UUID{u1}})
	require.ErrorIs(t, err, domain.ErrOrderNotFound)

	round, err := env.dispatch.Assign(ctx, AssignRequest{OrderID: order.ID, UserIDs: []uuid.UUID{u1, u2}})
	require.NoError(t, err)
	require.Equal(t, domain.RoundWaitAccept, round.Status)
	require.Equal(t, 1, round.RoundNo)
	require.Len(t, round.Participants, 2)
	require.Equal(t, domain.OrderWaitAccept, env.order(t, order.ID).Status)

	_, err = env.dispatch.Assign(ctx, AssignRequest{OrderID: order.ID, UserIDs: []uuid.UUID{u3}})
	require.ErrorIs(t, err, domain.ErrOpenRoundExists)

	other := env.guaranteedOrder(t)
	_, err = env.dispatch.Assign(ctx, AssignRequest{OrderID: other.ID, UserIDs: []uuid.UUID{u1}})
	require.ErrorIs(t, err, domain.ErrUserNotIdle)
}

func TestAcceptAndRejectFlow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	u1, u2, u3 := uuid.New(), uuid.New(), uuid.New()
	order := env.guaranteedOrder(t)

	round, err := env.dispatch.Assign(ctx, AssignRequest{OrderID: order.ID, UserIDs: []uuid.UUID{u1, u2}})
	require.NoError(t, err)

	_, err = env.dispatch.Accept(ctx, round.ID, u3)
	require.ErrorIs(t, err, domain.ErrNotParticipant)

	round, err = env.dispatch.Accept(ctx, round.ID, u1)
	require.NoError(t, err)
	require.Equal(t, domain.RoundWaitAccept, round.Status)

	round, err = env.dispatch.Accept(ctx, round.ID, u1)
	require.NoError(t, err)
	require.Equal(t, domain.RoundWaitAccept, round.Status)

	_, err = env.dispatch.UpdateParticipants(ctx, UpdateParticipantsRequest{RoundID: round.ID, UserIDs: []uuid.UUID{u1, u3}})
	require.ErrorIs(t, err, domain.ErrParticipantsLocked)

	_, err = env.dispatch.Reject(ctx, RejectRequest{RoundID: round.ID, UserID: u2})
	require.ErrorIs(t, err, domain.ErrReasonRequired)

	round, err = env.dispatch.Reject(ctx, RejectRequest{RoundID: round.ID, UserID: u2, Reason: "off shift"})
	require.NoError(t, err)
	require.Equal(t, domain.RoundAccepted, round.Status)
	require.NotNil(t, round.AcceptedAllAt)
	require.Equal(t, domain.OrderAccepted, env.order(t, order.ID).Status)

	_, err = env.dispatch.Reject(ctx, RejectRequest{RoundID: round.ID, UserID: u1, Reason: "changed mind"})
	require.ErrorIs(t, err, domain.ErrRoundNotAcceptable)
}

func TestConcurrentAcceptsSettleRoundOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	u1, u2 := uuid.New(), uuid.New()
	order := env.guaranteedOrder(t)

	round, err := env.dispatch.Assign(ctx, AssignRequest{OrderID: order.ID, UserIDs: []uuid.UUID{u1, u2}})
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, u := range []uuid.UUID{u1, u2} {
		wg.Add(1)
		go func(i int, u uuid.UUID) {
			defer wg.Done()
			_, errs[i] = env.dispatch.Accept(ctx, round.ID, u)
		}(i, u)
	}
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	got, err := env.dispatch.GetRound(ctx, round.ID)
	require.NoError(t, err)
	require.Equal(t, domain.RoundAccepted, got.Status)
	require.NotNil(t, got.AcceptedAllAt)
	for _, p := range got.Participants {
		require.NotNil(t, p.AcceptedAt)
	}
	require.Equal(t, domain.OrderAccepted, env.order(t, order.ID).Status)
}

func TestRejectLastParticipantReturnsToAssign(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	u1, u2 := uuid.New(), uuid.New()
	order := env.guaranteedOrder(t)

	round, err := env.dispatch.Assign(ctx, AssignRequest{OrderID: order.ID, UserIDs: []uuid.UUID{u1}})
	require.NoError(t, err)
	round, err = env.dispatch.Reject(ctx, RejectRequest{RoundID: round.ID, UserID: u1, Reason: "tired"})
	require.NoError(t, err)
	require.Equal(t, domain.RoundWaitAssign, round.Status)
	require.Equal(t, domain.OrderWaitAssign, env.order(t, order.ID).Status)

	delivered, err := env.relay.RelayPending(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 2, delivered)
	status, err := env.pool.Status(ctx, u1)
	require.NoError(t, err)
	require.Equal(t, domain.AvailabilityResting, status)

	_, err = env.dispatch.Assign(ctx, AssignRequest{OrderID: order.ID, UserIDs: []uuid.UUID{u2}})
	require.ErrorIs(t, err, domain.ErrOpenRoundExists)
	_, err = env.dispatch.UpdateParticipants(ctx, UpdateParticipantsRequest{RoundID: round.ID, UserIDs: []uuid.UUID{u1}})
	require.ErrorIs(t, err, domain.ErrUserNotIdle)

	round, err = env.dispatch.UpdateParticipants(ctx, UpdateParticipantsRequest{RoundID: round.ID, UserIDs: []uuid.UUID{u2}, Remark: "swap"})
	require.NoError(t, err)
	require.Equal(t, domain.RoundWaitAccept, round.Status)
	require.Equal(t, []uuid.UUID{u2}, userIDs(activeParticipants(round.Participants)))
	require.Equal(t, domain.OrderWaitAccept, env.order(t, order.ID).Status)

	_, err = env.relay.RelayPending(ctx, 10)
	require.NoError(t, err)
	status, err = env.pool.Status(ctx, u2)
	require.NoError(t, err)
	require.Equal(t, domain.AvailabilityWorking, status)
}

func TestCloseRoundValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	u1 := uuid.New()
	order := env.guaranteedOrder(t)

	round, err := env.dispatch.Assign(ctx, AssignRequest{OrderID: order.ID, UserIDs: []uuid.UUID{u1}})
	require.NoError(t, err)
	_, err = env.dispatch.Archive(ctx, CloseRoundRequest{RoundID: round.ID, TotalProgressBaseWan: int64p(10)})
	require.ErrorIs(t, err, domain.ErrRoundNotAccepted)

	_, err = env.dispatch.Accept(ctx, round.ID, u1)
	require.NoError(t, err)

	hours := decimal.NewFromInt(2)
	cases := []struct {
		name string
		req  CloseRoundRequest
		want error
	}{
		{name: "missing_progress", req: CloseRoundRequest{RoundID: round.ID}, want: domain.ErrProgressRequired},
		{name: "exceeds_quota", req: CloseRoundRequest{RoundID: round.ID, TotalProgressBaseWan: int64p(150)}, want: domain.ErrQuotaExceeded},
		{name: "deduction_on_guaranteed", req: CloseRoundRequest{RoundID: round.ID, TotalProgressBaseWan: int64p(10), DeductMinutes: "30"}, want: domain.ErrHourlyOnly},
		{name: "hours_on_guaranteed", req: CloseRoundRequest{RoundID: round.ID, BillableHours: &hours}, want: domain.ErrHourlyOnly},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.dispatch.Archive(ctx, tc.req)
			require.ErrorIs(t, err, tc.want)
		})
	}

	_, err = env.dispatch.Archive(ctx, CloseRoundRequest{RoundID: round.ID, TotalProgressBaseWan: int64p(30)})
	require.NoError(t, err)
	_, err = env.dispatch.Archive(ctx, CloseRoundRequest{RoundID: round.ID, TotalProgressBaseWan: int64p(30)})
	require.ErrorIs(t, err, domain.ErrRoundClosed)
	_, err = env.dispatch.Complete(ctx, CloseRoundRequest{RoundID: round.ID})
	require.ErrorIs(t, err, domain.ErrRoundClosed)
}

func TestHourlyOrderBillsElapsedTime(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	u1, u2 := uuid.New(), uuid.New()

	order, err := env.dispatch.CreateOrder(ctx, CreateOrderRequest{
		BillingMode:      domain.BillingHourly,
		HourlyPriceCents: 6_000,
	})
	require.NoError(t, err)

	r1 := env.acceptedRound(t, order.ID, u1)
	env.clock.Advance(125 * time.Minute)
	res, err := env.dispatch.Archive(ctx, CloseRoundRequest{RoundID: r1.ID, DeductMinutes: "20"})
	require.NoError(t, err)
	require.Equal(t, int64(9_000), sumRows(res.Settlements))
	require.Equal(t, int64(8_100), rowFor(t, res.Settlements, u1, domain.SettlementBase).AmountCents())

	round, err := env.dispatch.GetRound(ctx, r1.ID)
	require.NoError(t, err)
	require.Equal(t, "20", round.DeductMinutes)
	require.True(t, round.BillableHours.Equal(decimal.RequireFromString("1.5")))
	require.Equal(t, int64(9_000), env.order(t, order.ID).ReceivableAmountCents)

	r2 := env.acceptedRound(t, order.ID, u2)
	env.clock.Advance(10 * time.Minute)
	override := decimal.NewFromInt(1)
	res, err = env.dispatch.Complete(ctx, CloseRoundRequest{RoundID: r2.ID, BillableHours: &override})
	require.NoError(t, err)
	require.Equal(t, int64(15_000), sumRows(res.Settlements))

	got := env.order(t, order.ID)
	require.Equal(t, int64(15_000), got.ReceivableAmountCents)
	require.Equal(t, domain.OrderCompletedPendingConfirm, got.Status)

	_, err = env.dispatch.UpdateOrderPaidAmount(ctx, PaidAmountRequest{OrderID: order.ID, PaidAmountCents: 15_000})
	require.NoError(t, err)
	_, err = env.dispatch.UpdateOrderPaidAmount(ctx, PaidAmountRequest{OrderID: order.ID, PaidAmountCents: 14_000})
	require.ErrorIs(t, err, domain.ErrPaidAmountDecrease)

	_, err = env.dispatch.UpdateArchivedProgressTotal(ctx, UpdateProgressRequest{RoundID: r1.ID, TotalProgressBaseWan: 10, Remark: "fix"})
	require.ErrorIs(t, err, domain.ErrGuaranteedOnly)
}

func TestUpdateArchivedProgressTotal(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	u1, u2 := uuid.New(), uuid.New()
	order := env.guaranteedOrder(t)

	r1 := env.acceptedRound(t, order.ID, u1)
	_, err := env.dispatch.Archive(ctx, CloseRoundRequest{RoundID: r1.ID, TotalProgressBaseWan: int64p(40)})
	require.NoError(t, err)

	_, err = env.dispatch.UpdateArchivedProgressTotal(ctx, UpdateProgressRequest{RoundID: r1.ID, TotalProgressBaseWan: 50})
	require.ErrorIs(t, err, domain.ErrReasonRequired)
	_, err = env.dispatch.UpdateArchivedProgressTotal(ctx, UpdateProgressRequest{RoundID: r1.ID, TotalProgressBaseWan: 101, Remark: "recount"})
	require.ErrorIs(t, err, domain.ErrQuotaExceeded)

	res, err := env.dispatch.UpdateArchivedProgressTotal(ctx, UpdateProgressRequest{RoundID: r1.ID, TotalProgressBaseWan: 50, Remark: "recount"})
	require.NoError(t, err)
	require.Len(t, res.Diffs, 2)
	require.Equal(t, int64(4_500), rowFor(t, res.Settlements, u1, domain.SettlementBase).AmountCents())
	require.Equal(t, int64(5_000), sumRows(res.Settlements))

	r2 := env.acceptedRound(t, order.ID, u2)
	res, err = env.dispatch.Complete(ctx, CloseRoundRequest{RoundID: r2.ID})
	require.NoError(t, err)
	require.Equal(t, int64(4_500), rowFor(t, res.Settlements, u2, domain.SettlementBase).AmountCents())

	_, err = env.dispatch.UpdateArchivedProgressTotal(ctx, UpdateProgressRequest{RoundID: r1.ID, TotalProgressBaseWan: 45, Remark: "late"})
	require.ErrorIs(t, err, domain.ErrProgressFrozen)
	_, err = env.dispatch.UpdateArchivedProgressTotal(ctx, UpdateProgressRequest{RoundID: r2.ID, TotalProgressBaseWan: 45, Remark: "late"})
	require.ErrorIs(t, err, domain.ErrRoundNotArchived)
}

func TestArchiveExactRemainderCompletesOrder(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	u1, u2 := uuid.New(), uuid.New()
	order := env.guaranteedOrder(t)

	r1 := env.acceptedRound(t, order.ID, u1)
	_, err := env.dispatch.Archive(ctx, CloseRoundRequest{RoundID: r1.ID, TotalProgressBaseWan: int64p(40)})
	require.NoError(t, err)
	require.Equal(t, domain.OrderArchived, env.order(t, order.ID).Status)

	r2 := env.acceptedRound(t, order.ID, u2)
	res, err := env.dispatch.Archive(ctx, CloseRoundRequest{RoundID: r2.ID, TotalProgressBaseWan: int64p(60)})
	require.NoError(t, err)
	require.Equal(t, domain.ScopeCompletedAndArchived, res.Scope)
	require.Equal(t, int64(10_000), sumRows(res.Settlements))
	require.Equal(t, int64(5_400), rowFor(t, res.Settlements, u2, domain.SettlementBase).AmountCents())
	require.Equal(t, domain.OrderCompletedPendingConfirm, env.order(t, order.ID).Status)

	round, err := env.dispatch.GetRound(ctx, r2.ID)
	require.NoError(t, err)
	require.Equal(t, domain.RoundArchived, round.Status)

	_, err = env.dispatch.UpdateArchivedProgressTotal(ctx, UpdateProgressRequest{RoundID: r2.ID, TotalProgressBaseWan: 50, Remark: "recount"})
	require.ErrorIs(t, err, domain.ErrProgressFrozen)
	_, err = env.dispatch.Assign(ctx, AssignRequest{OrderID: order.ID, UserIDs: []uuid.UUID{uuid.New()}})
	require.ErrorIs(t, err, domain.ErrOrderNotAssignable)

	_, err = env.dispatch.ConfirmComplete(ctx, order.ID, "", nil)
	require.NoError(t, err)
	require.Equal(t, domain.OrderCompleted, env.order(t, order.ID).Status)
	require.Equal(t, int64(3_600), env.balance(t, u1).AvailableCents)
	require.Equal(t, int64(5_400), env.balance(t, u2).AvailableCents)

	report, err := env.integrity.Run(ctx)
	require.NoError(t, err)
	require.Empty(t, report.QuotaMismatches)
}

func TestProgressRepairToFullQuotaLeavesZeroFill(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	u1, u2 := uuid.New(), uuid.New()
	order := env.guaranteedOrder(t)

	r1 := env.acceptedRound(t, order.ID, u1)
	_, err := env.dispatch.Archive(ctx, CloseRoundRequest{RoundID: r1.ID, TotalProgressBaseWan: int64p(40)})
	require.NoError(t, err)
	res, err := env.dispatch.UpdateArchivedProgressTotal(ctx, UpdateProgressRequest{RoundID: r1.ID, TotalProgressBaseWan: 100, Remark: "recount"})
	require.NoError(t, err)
	require.Equal(t, int64(10_000), sumRows(res.Settlements))
	require.Equal(t, domain.OrderArchived, env.order(t, order.ID).Status)

	r2 := env.acceptedRound(t, order.ID, u2)
	res, err = env.dispatch.Complete(ctx, CloseRoundRequest{RoundID: r2.ID})
	require.NoError(t, err)
	require.Equal(t, int64(10_000), sumRows(res.Settlements))
	require.Equal(t, int64(9_000), rowFor(t, res.Settlements, u1, domain.SettlementBase).AmountCents())
	require.Equal(t, domain.OrderCompletedPendingConfirm, env.order(t, order.ID).Status)
}

func TestPaidAmountChangeResettlesClosedRounds(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	u1 := uuid.New()
	order := env.guaranteedOrder(t)

	r1 := env.acceptedRound(t, order.ID, u1)
	_, err := env.dispatch.Archive(ctx, CloseRoundRequest{RoundID: r1.ID, TotalProgressBaseWan: int64p(40)})
	require.NoError(t, err)

	updated, err := env.dispatch.MarkOrderPaid(ctx, PaidAmountRequest{OrderID: order.ID, PaidAmountCents: 20_000})
	require.NoError(t, err)
	require.True(t, updated.IsPaid)
	require.Equal(t, int64(20_000), updated.PaidAmountCents)

	rows, err := env.settlement.ListByOrder(ctx, order.ID)
	require.NoError(t, err)
	require.Equal(t, int64(7_200), rowFor(t, rows, u1, domain.SettlementBase).AmountCents())
	require.Equal(t, int64(8_000), sumRows(rows))
}

func TestRefundReversesWallet(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	u1, cs := uuid.New(), uuid.New()
	order := env.modePlayOrder(t, cs)

	r1 := env.acceptedRound(t, order.ID, u1)
	_, err := env.dispatch.Complete(ctx, CloseRoundRequest{RoundID: r1.ID})
	require.NoError(t, err)
	_, err = env.settlement.Recalculate(ctx, RecalculateRequest{
		OrderID:         order.ID,
		Scope:           domain.ScopeCompletedAndArchived,
		AllowWalletSync: true,
		Reason:          "sync before refund",
	})
	require.NoError(t, err)
	require.Equal(t, int64(9_000), env.balance(t, u1).FrozenCents)
	require.Equal(t, int64(500), env.balance(t, cs).FrozenCents)

	_, err = env.dispatch.Refund(ctx, order.ID, " ", nil)
	require.ErrorIs(t, err, domain.ErrReasonRequired)

	view, err := env.dispatch.Refund(ctx, order.ID, "customer cancelled", nil)
	require.NoError(t, err)
	require.Equal(t, domain.OrderRefunded, view.Status)
	require.Equal(t, int64(0), env.balance(t, u1).FrozenCents)
	require.Equal(t, int64(0), env.balance(t, cs).FrozenCents)

	rows, err := env.settlement.ListByOrder(ctx, order.ID)
	require.NoError(t, err)
	for _, r := range rows {
		if r.SettlementType.Payable() {
			require.Equal(t, domain.PaymentStatusRefunded, r.PaymentStatus)
		}
	}

	_, err = env.dispatch.Refund(ctx, order.ID, "again", nil)
	require.ErrorIs(t, err, domain.ErrOrderRefunded)
	_, err = env.settlement.Recalculate(ctx, RecalculateRequest{OrderID: order.ID, Scope: domain.ScopeCompletedAndArchived, Reason: "after refund"})
	require.ErrorIs(t, err, domain.ErrOrderRefunded)
}

func TestRefundClosesOpenRound(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	u1 := uuid.New()
	order := env.guaranteedOrder(t)

	round, err := env.dispatch.Assign(ctx, AssignRequest{OrderID: order.ID, UserIDs: []uuid.UUID{u1}})
	require.NoError(t, err)

	view, err := env.dispatch.Refund(ctx, order.ID, "duplicate order", nil)
	require.NoError(t, err)
	require.Len(t, view.Rounds, 1)
	require.Equal(t, domain.RoundArchived, view.Rounds[0].Status)

	_, err = env.dispatch.Accept(ctx, round.ID, u1)
	require.ErrorIs(t, err, domain.ErrOrderRefunded)

	_, err = env.relay.RelayPending(ctx, 10)
	require.NoError(t, err)
	status, err := env.pool.Status(ctx, u1)
	require.NoError(t, err)
	require.Equal(t, domain.AvailabilityIdle, status)

	other := env.guaranteedOrder(t)
	_, err = env.dispatch.Assign(ctx, AssignRequest{OrderID: other.ID, UserIDs: []uuid.UUID{u1}})
	require.NoError(t, err)
}
