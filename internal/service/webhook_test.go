package service

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/ayo6706/dispatch-ledger/internal/domain"
	"github.com/ayo6706/dispatch-ledger/internal/gateway"
	"github.com/ayo6706/dispatch-ledger/internal/models"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// payingWithdrawal funds the user and takes a request to PAYING with the rail
// holding it asynchronously.
func payingWithdrawal(t *testing.T, env *testEnv, user uuid.UUID) models.WithdrawalRequest {
	t.Helper()
	ctx := context.Background()
	env.fund(t, user, 4_000)
	env.rail.receipt = gateway.Receipt{Ref: "RAIL-ASYNC-1", Status: gateway.PayoutAccepted}

	w, _, err := env.withdrawals.Apply(ctx, ApplyWithdrawalRequest{UserID: user, AmountCents: 4_000, RequestNo: "w-async"})
	require.NoError(t, err)
	_, err = env.withdrawals.Review(ctx, ReviewWithdrawalRequest{ID: w.ID, ReviewerID: uuid.New(), Approve: true})
	require.NoError(t, err)
	require.NoError(t, env.withdrawals.ProcessPayouts(ctx, 10))

	w, err = env.withdrawals.Get(ctx, w.ID)
	require.NoError(t, err)
	require.Equal(t, domain.WithdrawalPaying, w.Status)
	require.Equal(t, "RAIL-ASYNC-1", w.RailRef)
	require.Nil(t, w.NextAttemptAt)
	return w
}

func webhookBody(t *testing.T, p PayoutWebhookPayload) []byte {
	t.Helper()
	body, err := json.Marshal(p)
	require.NoError(t, err)
	return body
}

func TestPayoutWebhookSettlesAcceptedPayout(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := uuid.New()
	w := payingWithdrawal(t, env, user)
	svc := NewWebhookService(env.withdrawals, "secret", false)

	// accepted payouts are not resubmitted
	require.NoError(t, env.withdrawals.ProcessPayouts(ctx, 10))
	require.Equal(t, 1, env.rail.calls)

	body := webhookBody(t, PayoutWebhookPayload{RailRef: "RAIL-ASYNC-1", Status: "paid"})
	_, err := svc.HandlePayoutWebhook(ctx, body, "sha256=deadbeef")
	require.ErrorIs(t, err, ErrInvalidSignature)

	got, err := svc.HandlePayoutWebhook(ctx, body, svc.Sign(body))
	require.NoError(t, err)
	require.Equal(t, w.ID, got.ID)
	require.Equal(t, domain.WithdrawalPaid, got.Status)
	b := env.balance(t, user)
	require.Equal(t, int64(0), b.AvailableCents)
	require.Equal(t, int64(0), b.FrozenCents)

	got, err = svc.HandlePayoutWebhook(ctx, body, svc.Sign(body))
	require.NoError(t, err)
	require.Equal(t, domain.WithdrawalPaid, got.Status)
	require.Equal(t, int64(0), env.balance(t, user).FrozenCents)

	failed := webhookBody(t, PayoutWebhookPayload{WithdrawalID: w.ID.String(), RailRef: "RAIL-ASYNC-1", Status: "FAILED"})
	_, err = svc.HandlePayoutWebhook(ctx, failed, svc.Sign(failed))
	require.ErrorIs(t, err, domain.ErrWithdrawalNotPaying)
}

func TestPayoutWebhookFailureReleasesFunds(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := uuid.New()
	w := payingWithdrawal(t, env, user)
	svc := NewWebhookService(env.withdrawals, "secret", false)

	other := webhookBody(t, PayoutWebhookPayload{WithdrawalID: w.ID.String(), RailRef: "RAIL-OTHER", Status: "FAILED"})
	_, err := svc.HandlePayoutWebhook(ctx, other, svc.Sign(other))
	require.ErrorIs(t, err, domain.ErrWithdrawalNotPaying)

	body := webhookBody(t, PayoutWebhookPayload{WithdrawalID: w.ID.String(), Status: "FAILED", Reason: "beneficiary name mismatch"})
	got, err := svc.HandlePayoutWebhook(ctx, body, svc.Sign(body))
	require.NoError(t, err)
	require.Equal(t, domain.WithdrawalFailed, got.Status)
	require.Equal(t, "beneficiary name mismatch", got.FailReason)
	b := env.balance(t, user)
	require.Equal(t, int64(4_000), b.AvailableCents)
	require.Equal(t, int64(0), b.FrozenCents)
}

func TestPayoutWebhookRejectsMalformedPayloads(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	svc := NewWebhookService(env.withdrawals, "secret", false)

	cases := []struct {
		name string
		body []byte
	}{
		{name: "not_json", body: []byte("{")},
		{name: "bad_id", body: webhookBody(t, PayoutWebhookPayload{WithdrawalID: "nope", Status: "PAID"})},
		{name: "accepted_status", body: webhookBody(t, PayoutWebhookPayload{RailRef: "RAIL-1", Status: "ACCEPTED"})},
		{name: "no_reference", body: webhookBody(t, PayoutWebhookPayload{Status: "PAID"})},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.HandlePayoutWebhook(ctx, tc.body, svc.Sign(tc.body))
			require.ErrorIs(t, err, domain.ErrInvalidPayoutResult)
		})
	}
}

func TestPayoutWebhookSignatureModes(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	body := webhookBody(t, PayoutWebhookPayload{Status: "PAID"})

	unkeyed := NewWebhookService(env.withdrawals, "", false)
	_, err := unkeyed.HandlePayoutWebhook(ctx, body, unkeyed.Sign(body))
	require.ErrorIs(t, err, ErrInvalidSignature)

	skipping := NewWebhookService(env.withdrawals, "", true)
	_, err = skipping.HandlePayoutWebhook(ctx, body, "")
	require.ErrorIs(t, err, domain.ErrInvalidPayoutResult)
}
