package gateway

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func instruction() PayoutInstruction {
	return PayoutInstruction{
		WithdrawalID: uuid.New(),
		UserID:       uuid.New(),
		AmountCents:  1_000,
		Channel:      "BANK",
		RequestNo:    "w-1",
	}
}

func TestMockRail(t *testing.T) {
	ctx := context.Background()

	t.Run("unreachable", func(t *testing.T) {
		r := &MockRail{FailureRate: 1}
		_, err := r.SubmitPayout(ctx, instruction())
		require.Error(t, err)
	})

	t.Run("declined", func(t *testing.T) {
		r := &MockRail{DeclineRate: 1}
		got, err := r.SubmitPayout(ctx, instruction())
		require.NoError(t, err)
		assert.Equal(t, PayoutFailed, got.Status)
		assert.Contains(t, got.Reason, "BANK")
		assert.True(t, strings.HasPrefix(got.Ref, "RAIL-"))
	})

	t.Run("paid", func(t *testing.T) {
		got, err := (&MockRail{}).SubmitPayout(ctx, instruction())
		require.NoError(t, err)
		assert.Equal(t, PayoutPaid, got.Status)
	})

	t.Run("async", func(t *testing.T) {
		got, err := (&MockRail{Async: true}).SubmitPayout(ctx, instruction())
		require.NoError(t, err)
		assert.Equal(t, PayoutAccepted, got.Status)
		assert.NotEmpty(t, got.Ref)
	})

	t.Run("canceled", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := (&MockRail{MaxDelay: time.Hour}).SubmitPayout(cctx, instruction())
		require.ErrorIs(t, err, context.Canceled)
	})
}

func TestRailFunc(t *testing.T) {
	want := errors.New("boom")
	var seen PayoutInstruction
	rail := RailFunc(func(_ context.Context, in PayoutInstruction) (Receipt, error) {
		seen = in
		return Receipt{}, want
	})

	in := instruction()
	_, err := rail.SubmitPayout(context.Background(), in)
	require.ErrorIs(t, err, want)
	assert.Equal(t, in, seen)
}
