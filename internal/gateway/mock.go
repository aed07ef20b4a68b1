package gateway

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
)

// PayoutStatus is the rail's answer to a submission.
type PayoutStatus string

const (
	// PayoutAccepted means the rail took the instruction and will report the
	// final outcome later through the payout webhook.
	PayoutAccepted PayoutStatus = "ACCEPTED"
	PayoutPaid     PayoutStatus = "PAID"
	PayoutFailed   PayoutStatus = "FAILED"
)

// PayoutInstruction is what the withdrawal pipeline asks the rail to pay.
type PayoutInstruction struct {
	WithdrawalID uuid.UUID
	UserID       uuid.UUID
	AmountCents  int64
	Channel      string
	RequestNo    string
}

// Receipt is returned by the rail for every accepted call.
type Receipt struct {
	Ref    string
	Status PayoutStatus
	Reason string
}

// Rail is the external payout provider. An error means the rail could not be
// reached and the submission may be retried.
type Rail interface {
	SubmitPayout(ctx context.Context, in PayoutInstruction) (Receipt, error)
}

// MockRail simulates a payout provider for local runs.
type MockRail struct {
	// FailureRate is the probability the rail is unreachable (0.0 to 1.0).
	FailureRate float64
	// DeclineRate is the probability a reachable rail declines the payout.
	DeclineRate float64
	// Async makes successful submissions return ACCEPTED instead of PAID.
	Async bool
	// MaxDelay bounds the simulated network latency.
	MaxDelay time.Duration
}

// NewMockRail creates a MockRail with default settings.
func NewMockRail() *MockRail {
	return &MockRail{
		FailureRate: 0.1,
		DeclineRate: 0.02,
		MaxDelay:    500 * time.Millisecond,
	}
}

func (r *MockRail) SubmitPayout(ctx context.Context, in PayoutInstruction) (Receipt, error) {
	if r.MaxDelay > 0 {
		delay := time.Duration(rand.Int63n(int64(r.MaxDelay)))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return Receipt{}, fmt.Errorf("payout rail call canceled: %w", ctx.Err())
		}
	}

	if rand.Float64() < r.FailureRate {
		return Receipt{}, fmt.Errorf("payout rail temporarily unavailable")
	}

	// Format: RAIL-YYYYMMDD-HHMMSS-XXXXX
	ref := fmt.Sprintf("RAIL-%s-%05d", time.Now().Format("20060102-150405"), rand.Intn(100000))
	if rand.Float64() < r.DeclineRate {
		return Receipt{Ref: ref, Status: PayoutFailed, Reason: "declined by channel " + in.Channel}, nil
	}
	if r.Async {
		return Receipt{Ref: ref, Status: PayoutAccepted}, nil
	}
	return Receipt{Ref: ref, Status: PayoutPaid}, nil
}

// RailFunc adapts a function into a Rail.
type RailFunc func(ctx context.Context, in PayoutInstruction) (Receipt, error)

func (f RailFunc) SubmitPayout(ctx context.Context, in PayoutInstruction) (Receipt, error) {
	return f(ctx, in)
}
