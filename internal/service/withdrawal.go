package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ayo6706/dispatch-ledger/internal/backoff"
	"github.com/ayo6706/dispatch-ledger/internal/domain"
	"github.com/ayo6706/dispatch-ledger/internal/gateway"
	"github.com/ayo6706/dispatch-ledger/internal/models"
	"github.com/ayo6706/dispatch-ledger/internal/observability"
	"github.com/ayo6706/dispatch-ledger/internal/repository"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// payoutClaimLease hides a claimed request from other workers while the
	// rail call is in flight.
	payoutClaimLease          = 2 * time.Minute
	defaultMaxPayoutAttempts  = 5
	defaultWithdrawalChannel  = "BANK"
	defaultPayoutBackoffStart = 30 * time.Second
	defaultPayoutBackoffMax   = 30 * time.Minute
)

// ApplyWithdrawalRequest is a worker's cash-out request. RequestNo is the
// caller's idempotency key.
type ApplyWithdrawalRequest struct {
	UserID      uuid.UUID
	AmountCents int64
	Channel     string
	RequestNo   string
	Remark      string
}

type ReviewWithdrawalRequest struct {
	ID         uuid.UUID
	ReviewerID uuid.UUID
	Approve    bool
	Remark     string
}

// PayoutResult is the rail's final word on a submitted payout.
type PayoutResult struct {
	WithdrawalID *uuid.UUID
	RailRef      string
	Status       gateway.PayoutStatus
	Reason       string
}

// WithdrawalService runs withdrawal requests from application to payout.
type WithdrawalService struct {
	store       QueryStore
	wallet      *WalletService
	rail        gateway.Rail
	audit       *AuditService
	backoff     backoff.Strategy
	maxAttempts int
	now         func() time.Time
}

func NewWithdrawalService(store QueryStore, wallet *WalletService, rail gateway.Rail) *WithdrawalService {
	return &WithdrawalService{
		store:       store,
		wallet:      wallet,
		rail:        rail,
		audit:       NewAuditService(store),
		backoff:     backoff.NewExponential(defaultPayoutBackoffStart, defaultPayoutBackoffMax),
		maxAttempts: defaultMaxPayoutAttempts,
		now:         time.Now,
	}
}

// WithRetryPolicy sets the delay between unreachable-rail retries and the
// number of attempts before the request fails.
func (s *WithdrawalService) WithRetryPolicy(strategy backoff.Strategy, maxAttempts int) *WithdrawalService {
	if strategy != nil {
		s.backoff = strategy
	}
	if maxAttempts > 0 {
		s.maxAttempts = maxAttempts
	}
	return s
}

func (s *WithdrawalService) WithClock(now func() time.Time) *WithdrawalService {
	s.now = now
	return s
}

// Apply creates a PENDING_REVIEW request. Repeating a request number with the
// same amount and channel returns the original request with created=false.
func (s *WithdrawalService) Apply(ctx context.Context, req ApplyWithdrawalRequest) (models.WithdrawalRequest, bool, error) {
	req.RequestNo = strings.TrimSpace(req.RequestNo)
	req.Channel = strings.ToUpper(strings.TrimSpace(req.Channel))
	if req.Channel == "" {
		req.Channel = defaultWithdrawalChannel
	}
	if req.RequestNo == "" {
		return models.WithdrawalRequest{}, false, domain.ErrRequestNoRequired
	}
	if req.AmountCents <= 0 || req.AmountCents%domain.WithdrawalStepCents != 0 {
		return models.WithdrawalRequest{}, false, domain.ErrWithdrawalNotMultiple.Wrapf("got %s", domain.FormatCents(req.AmountCents))
	}

	var (
		out     models.WithdrawalRequest
		created bool
	)
	err := s.store.RunInTx(ctx, func(qtx repository.Querier) error {
		if err := qtx.LockWalletAccount(ctx, req.UserID); err != nil {
			return fmt.Errorf("lock wallet account: %w", err)
		}

		existing, err := qtx.GetWithdrawalByRequestNo(ctx, req.UserID, req.RequestNo)
		switch {
		case err == nil:
			if existing.AmountCents != req.AmountCents || existing.Channel != req.Channel {
				return domain.ErrRequestNoConflict.Wrapf("%s", req.RequestNo)
			}
			out = existing
			return nil
		case !errors.Is(err, repository.ErrNotFound):
			return fmt.Errorf("get withdrawal by request no: %w", err)
		}

		open, err := qtx.CountOpenWithdrawals(ctx, req.UserID)
		if err != nil {
			return fmt.Errorf("count open withdrawals: %w", err)
		}
		if open > 0 {
			return domain.ErrOpenWithdrawalExists
		}
		balance, err := qtx.GetWalletBalance(ctx, req.UserID)
		if err != nil {
			return fmt.Errorf("get wallet balance: %w", err)
		}
		if err := domain.ValidateWithdrawalAmount(req.AmountCents, balance.AvailableCents); err != nil {
			return err
		}

		w := models.WithdrawalRequest{
			ID:          uuid.New(),
			UserID:      req.UserID,
			AmountCents: req.AmountCents,
			Channel:     req.Channel,
			Status:      domain.WithdrawalPendingReview,
			RequestNo:   req.RequestNo,
			Remark:      req.Remark,
		}
		if err := qtx.InsertWithdrawal(ctx, w); err != nil {
			return fmt.Errorf("insert withdrawal: %w", err)
		}
		if err := s.audit.Write(ctx, qtx, entityWithdrawal, w.ID, &req.UserID, "applied", "", string(w.Status), mustJSON(map[string]any{
			"amount_cents": w.AmountCents, "channel": w.Channel,
		})); err != nil {
			return err
		}
		out, err = qtx.GetWithdrawal(ctx, w.ID)
		created = true
		return err
	})
	if err != nil {
		return models.WithdrawalRequest{}, false, err
	}
	if created {
		observability.IncrementWithdrawalTransition(string(domain.WithdrawalPendingReview))
	}
	return out, created, nil
}

// Get returns one withdrawal request.
func (s *WithdrawalService) Get(ctx context.Context, id uuid.UUID) (models.WithdrawalRequest, error) {
	w, err := s.store.Queries().GetWithdrawal(ctx, id)
	if err != nil {
		return models.WithdrawalRequest{}, notFoundAs(err, domain.ErrWithdrawalNotFound)
	}
	return w, nil
}

// WithdrawalView is a withdrawal request with the wallet rows it produced.
type WithdrawalView struct {
	models.WithdrawalRequest
	Ledger []models.WalletTransaction `json:"ledger"`
}

// View returns the request and its reserve, payout and release legs.
func (s *WithdrawalService) View(ctx context.Context, id uuid.UUID) (WithdrawalView, error) {
	q := s.store.Queries()
	w, err := q.GetWithdrawal(ctx, id)
	if err != nil {
		return WithdrawalView{}, notFoundAs(err, domain.ErrWithdrawalNotFound)
	}
	txs, err := q.ListWalletTransactionsByWithdrawal(ctx, id)
	if err != nil {
		return WithdrawalView{}, fmt.Errorf("list withdrawal transactions: %w", err)
	}
	return WithdrawalView{WithdrawalRequest: w, Ledger: txs}, nil
}

// Review approves or rejects a pending or failed request. Approval reserves
// the amount and hands the request to the payout worker.
func (s *WithdrawalService) Review(ctx context.Context, req ReviewWithdrawalRequest) (models.WithdrawalRequest, error) {
	var out models.WithdrawalRequest
	err := s.store.RunInTx(ctx, func(qtx repository.Querier) error {
		w, err := qtx.LockWithdrawal(ctx, req.ID)
		if err != nil {
			return notFoundAs(err, domain.ErrWithdrawalNotFound)
		}
		if w.Status != domain.WithdrawalPendingReview && w.Status != domain.WithdrawalFailed {
			return domain.ErrWithdrawalNotReviewable.Wrapf("withdrawal is %s", w.Status)
		}
		if err := qtx.LockWalletAccount(ctx, w.UserID); err != nil {
			return fmt.Errorf("lock wallet account: %w", err)
		}

		w.ReviewerID = ptr(req.ReviewerID)
		w.ReviewRemark = req.Remark
		if !req.Approve {
			if err := s.transition(ctx, qtx, &w, domain.WithdrawalRejected, &req.ReviewerID, "rejected"); err != nil {
				return err
			}
			out = w
			return nil
		}

		if w.Status == domain.WithdrawalFailed {
			open, err := qtx.CountOpenWithdrawals(ctx, w.UserID)
			if err != nil {
				return fmt.Errorf("count open withdrawals: %w", err)
			}
			if open > 0 {
				return domain.ErrOpenWithdrawalExists
			}
		}
		balance, err := qtx.GetWalletBalance(ctx, w.UserID)
		if err != nil {
			return fmt.Errorf("get wallet balance: %w", err)
		}
		if err := domain.ValidateWithdrawalAmount(w.AmountCents, balance.AvailableCents); err != nil {
			return err
		}

		if err := s.transition(ctx, qtx, &w, domain.WithdrawalApproved, &req.ReviewerID, "approved"); err != nil {
			return err
		}
		if err := s.wallet.reserveWithdrawal(ctx, qtx, w); err != nil {
			return err
		}
		w.Attempts = 0
		w.NextAttemptAt = nil
		w.RailRef = ""
		w.FailReason = ""
		if err := s.transition(ctx, qtx, &w, domain.WithdrawalPaying, &req.ReviewerID, "payout_queued"); err != nil {
			return err
		}
		out = w
		return nil
	})
	if err != nil {
		return models.WithdrawalRequest{}, err
	}
	return out, nil
}

// Cancel withdraws a request that has not been reviewed yet.
func (s *WithdrawalService) Cancel(ctx context.Context, id, userID uuid.UUID) (models.WithdrawalRequest, error) {
	var out models.WithdrawalRequest
	err := s.store.RunInTx(ctx, func(qtx repository.Querier) error {
		w, err := qtx.LockWithdrawal(ctx, id)
		if err != nil {
			return notFoundAs(err, domain.ErrWithdrawalNotFound)
		}
		if w.UserID != userID {
			return domain.ErrWithdrawalNotFound
		}
		if w.Status != domain.WithdrawalPendingReview {
			return domain.ErrWithdrawalNotCancelable.Wrapf("withdrawal is %s", w.Status)
		}
		if err := s.transition(ctx, qtx, &w, domain.WithdrawalCanceled, &userID, "canceled"); err != nil {
			return err
		}
		out = w
		return nil
	})
	if err != nil {
		return models.WithdrawalRequest{}, err
	}
	return out, nil
}

// ProcessPayouts submits a batch of due PAYING requests to the rail.
func (s *WithdrawalService) ProcessPayouts(ctx context.Context, batchSize int32) error {
	claimed, err := s.claimDuePayouts(ctx, batchSize)
	if err != nil {
		return err
	}

	for _, w := range claimed {
		if err := ctx.Err(); err != nil {
			return err
		}

		receipt, err := s.rail.SubmitPayout(ctx, gateway.PayoutInstruction{
			WithdrawalID: w.ID,
			UserID:       w.UserID,
			AmountCents:  w.AmountCents,
			Channel:      w.Channel,
			RequestNo:    w.RequestNo,
		})
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				if releaseErr := s.releaseClaim(context.Background(), w.ID); releaseErr != nil {
					zap.L().Error("failed to release payout claim after cancellation", zap.Error(releaseErr), zap.String("withdrawal_id", w.ID.String()))
				}
				return err
			}
			observability.IncrementPayoutRailAttempt("unreachable")
			if err := s.recordRailFailure(ctx, w.ID, err); err != nil {
				zap.L().Error("failed to record payout rail failure", zap.Error(err), zap.String("withdrawal_id", w.ID.String()))
			}
			continue
		}

		observability.IncrementPayoutRailAttempt(strings.ToLower(string(receipt.Status)))
		switch receipt.Status {
		case gateway.PayoutPaid, gateway.PayoutFailed:
			if _, err := s.finalize(ctx, w.ID, receipt.Ref, receipt.Status, receipt.Reason); err != nil {
				zap.L().Error("payout settled at rail but local finalization failed",
					zap.Error(err),
					zap.String("withdrawal_id", w.ID.String()),
					zap.String("rail_ref", receipt.Ref))
			}
		case gateway.PayoutAccepted:
			if err := s.markAccepted(ctx, w.ID, receipt.Ref); err != nil {
				zap.L().Error("failed to store rail reference", zap.Error(err), zap.String("withdrawal_id", w.ID.String()), zap.String("rail_ref", receipt.Ref))
			}
		default:
			zap.L().Error("unknown payout rail status", zap.String("status", string(receipt.Status)), zap.String("withdrawal_id", w.ID.String()))
		}
	}
	return nil
}

// ReportPayoutResult applies an asynchronous rail outcome. Repeating the
// same outcome is a no-op.
func (s *WithdrawalService) ReportPayoutResult(ctx context.Context, res PayoutResult) (models.WithdrawalRequest, error) {
	if res.Status != gateway.PayoutPaid && res.Status != gateway.PayoutFailed {
		return models.WithdrawalRequest{}, domain.ErrInvalidPayoutResult.Wrapf("status %q", res.Status)
	}

	var id uuid.UUID
	switch {
	case res.WithdrawalID != nil:
		id = *res.WithdrawalID
	case res.RailRef != "":
		w, err := s.store.Queries().GetWithdrawalByRailRef(ctx, res.RailRef)
		if err != nil {
			return models.WithdrawalRequest{}, notFoundAs(err, domain.ErrWithdrawalNotFound)
		}
		id = w.ID
	default:
		return models.WithdrawalRequest{}, domain.ErrInvalidPayoutResult
	}
	return s.finalize(ctx, id, res.RailRef, res.Status, res.Reason)
}

func (s *WithdrawalService) claimDuePayouts(ctx context.Context, limit int32) ([]models.WithdrawalRequest, error) {
	var claimed []models.WithdrawalRequest
	err := s.store.RunInTx(ctx, func(qtx repository.Querier) error {
		now := s.now().UTC()
		due, err := qtx.ClaimDuePayouts(ctx, now, limit)
		if err != nil {
			return fmt.Errorf("claim due payouts: %w", err)
		}
		lease := now.Add(payoutClaimLease)
		for _, w := range due {
			w.NextAttemptAt = &lease
			rows, err := qtx.UpdateWithdrawal(ctx, w)
			if err != nil {
				return fmt.Errorf("lease payout %s: %w", w.ID, err)
			}
			if err := requireExactlyOne(rows, "lease payout"); err != nil {
				return err
			}
			claimed = append(claimed, w)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (s *WithdrawalService) releaseClaim(ctx context.Context, id uuid.UUID) error {
	return s.store.RunInTx(ctx, func(qtx repository.Querier) error {
		w, err := qtx.LockWithdrawal(ctx, id)
		if err != nil {
			return err
		}
		if w.Status != domain.WithdrawalPaying || w.RailRef != "" {
			return nil
		}
		w.NextAttemptAt = nil
		_, err = qtx.UpdateWithdrawal(ctx, w)
		return err
	})
}

// recordRailFailure schedules a retry, or fails the request once the
// attempts are used up.
func (s *WithdrawalService) recordRailFailure(ctx context.Context, id uuid.UUID, cause error) error {
	return s.store.RunInTx(ctx, func(qtx repository.Querier) error {
		w, err := qtx.LockWithdrawal(ctx, id)
		if err != nil {
			return err
		}
		if w.Status != domain.WithdrawalPaying || w.RailRef != "" {
			return nil
		}
		w.Attempts++
		if w.Attempts >= s.maxAttempts {
			zap.L().Warn("payout rail unreachable, giving up", zap.String("withdrawal_id", w.ID.String()), zap.Int("attempts", w.Attempts), zap.Error(cause))
			w.FailReason = domain.ErrPayoutRailUnavailable.Wrapf("%v", cause).Error()
			if err := s.wallet.releaseWithdrawal(ctx, qtx, w); err != nil {
				return err
			}
			return s.transition(ctx, qtx, &w, domain.WithdrawalFailed, nil, "payout_failed")
		}

		next := s.now().UTC().Add(s.backoff.Delay(w.Attempts))
		w.NextAttemptAt = &next
		rows, err := qtx.UpdateWithdrawal(ctx, w)
		if err != nil {
			return fmt.Errorf("schedule payout retry: %w", err)
		}
		zap.L().Warn("payout rail unreachable, retry scheduled",
			zap.String("withdrawal_id", w.ID.String()),
			zap.Int("attempts", w.Attempts),
			zap.Time("next_attempt_at", next),
			zap.Error(cause))
		return requireExactlyOne(rows, "schedule payout retry")
	})
}

func (s *WithdrawalService) markAccepted(ctx context.Context, id uuid.UUID, ref string) error {
	return s.store.RunInTx(ctx, func(qtx repository.Querier) error {
		w, err := qtx.LockWithdrawal(ctx, id)
		if err != nil {
			return err
		}
		if w.Status != domain.WithdrawalPaying {
			return nil
		}
		w.RailRef = ref
		w.NextAttemptAt = nil
		rows, err := qtx.UpdateWithdrawal(ctx, w)
		if err != nil {
			return fmt.Errorf("store rail reference: %w", err)
		}
		if err := requireExactlyOne(rows, "store rail reference"); err != nil {
			return err
		}
		return s.audit.Write(ctx, qtx, entityWithdrawal, w.ID, nil, "rail_accepted", string(w.Status), string(w.Status), mustJSON(map[string]string{"rail_ref": ref}))
	})
}

// finalize settles a PAYING request as PAID or FAILED.
func (s *WithdrawalService) finalize(ctx context.Context, id uuid.UUID, ref string, status gateway.PayoutStatus, reason string) (models.WithdrawalRequest, error) {
	var out models.WithdrawalRequest
	err := s.store.RunInTx(ctx, func(qtx repository.Querier) error {
		w, err := qtx.LockWithdrawal(ctx, id)
		if err != nil {
			return notFoundAs(err, domain.ErrWithdrawalNotFound)
		}
		if ref != "" && w.RailRef != "" && w.RailRef != ref {
			return domain.ErrWithdrawalNotPaying.Wrapf("rail reference %s does not match %s", ref, w.RailRef)
		}
		switch {
		case status == gateway.PayoutPaid && w.Status == domain.WithdrawalPaid,
			status == gateway.PayoutFailed && w.Status == domain.WithdrawalFailed:
			out = w
			return nil
		case w.Status != domain.WithdrawalPaying:
			return domain.ErrWithdrawalNotPaying.Wrapf("withdrawal is %s", w.Status)
		}

		if ref != "" {
			w.RailRef = ref
		}
		w.NextAttemptAt = nil
		if err := qtx.LockWalletAccount(ctx, w.UserID); err != nil {
			return fmt.Errorf("lock wallet account: %w", err)
		}
		if status == gateway.PayoutPaid {
			if err := s.wallet.payWithdrawal(ctx, qtx, w); err != nil {
				return err
			}
			if err := s.transition(ctx, qtx, &w, domain.WithdrawalPaid, nil, "payout_succeeded"); err != nil {
				return err
			}
		} else {
			w.FailReason = reason
			if w.FailReason == "" {
				w.FailReason = "declined by payout rail"
			}
			if err := s.wallet.releaseWithdrawal(ctx, qtx, w); err != nil {
				return err
			}
			if err := s.transition(ctx, qtx, &w, domain.WithdrawalFailed, nil, "payout_failed"); err != nil {
				return err
			}
		}
		out = w
		return nil
	})
	if err != nil {
		return models.WithdrawalRequest{}, err
	}
	if out.Status == domain.WithdrawalFailed {
		zap.L().Warn("payout marked failed", zap.String("withdrawal_id", out.ID.String()), zap.String("reason", out.FailReason))
	}
	return out, nil
}

func (s *WithdrawalService) transition(ctx context.Context, qtx repository.Querier, w *models.WithdrawalRequest, next domain.WithdrawalStatus, actorID *uuid.UUID, action string) error {
	prev := w.Status
	if err := checkWithdrawalTransition(prev, next); err != nil {
		return err
	}
	w.Status = next
	rows, err := qtx.UpdateWithdrawal(ctx, *w)
	if err != nil {
		return fmt.Errorf("update withdrawal: %w", err)
	}
	if err := requireExactlyOne(rows, "update withdrawal"); err != nil {
		return err
	}
	if err := s.audit.Write(ctx, qtx, entityWithdrawal, w.ID, actorID, action, string(prev), string(next), mustJSON(map[string]any{
		"rail_ref": w.RailRef, "fail_reason": w.FailReason, "review_remark": w.ReviewRemark,
	})); err != nil {
		return err
	}
	observability.IncrementWithdrawalTransition(string(next))
	return nil
}
