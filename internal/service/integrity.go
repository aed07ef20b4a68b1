package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/ayo6706/dispatch-ledger/internal/domain"
	"github.com/ayo6706/dispatch-ledger/internal/models"
	"github.com/ayo6706/dispatch-ledger/internal/observability"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const integrityScanLimit = 500

// IntegrityReport lists the orders and wallets that failed a check.
type IntegrityReport struct {
	OrdersChecked    int         `json:"orders_checked"`
	Unconserved      []uuid.UUID `json:"unconserved,omitempty"`
	QuotaMismatches  []uuid.UUID `json:"quota_mismatches,omitempty"`
	NegativeBalances []uuid.UUID `json:"negative_balances,omitempty"`
}

// Healthy reports whether the scan found nothing.
func (r IntegrityReport) Healthy() bool {
	return len(r.Unconserved) == 0 && len(r.QuotaMismatches) == 0 && len(r.NegativeBalances) == 0
}

// IntegrityService verifies settlement and wallet invariants for settled orders.
type IntegrityService struct {
	store QueryStore
}

func NewIntegrityService(store QueryStore) *IntegrityService {
	return &IntegrityService{store: store}
}

// Run scans completed orders for money conservation, quota exhaustion and
// negative participant balances. Violations are logged and counted, not fixed.
func (s *IntegrityService) Run(ctx context.Context) (IntegrityReport, error) {
	queries := s.store.Queries()
	orders, err := queries.ListOrdersByStatus(ctx, []domain.OrderStatus{domain.OrderCompletedPendingConfirm, domain.OrderCompleted}, integrityScanLimit)
	if err != nil {
		return IntegrityReport{}, fmt.Errorf("list settled orders: %w", err)
	}

	var report IntegrityReport
	seen := make(map[uuid.UUID]bool)
	for _, order := range orders {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.OrdersChecked++

		if err := checkOrderConservation(ctx, queries, order); err != nil {
			if !errors.Is(err, domain.ErrMoneyNotConserved) {
				return report, err
			}
			report.Unconserved = append(report.Unconserved, order.ID)
		}

		if ok, err := s.quotaExhausted(ctx, order); err != nil {
			return report, err
		} else if !ok {
			report.QuotaMismatches = append(report.QuotaMismatches, order.ID)
		}

		rows, err := queries.ListSettlementsByOrder(ctx, order.ID)
		if err != nil {
			return report, fmt.Errorf("list settlements: %w", err)
		}
		for _, row := range rows {
			if row.SettlementType == domain.SettlementClub || seen[row.UserID] {
				continue
			}
			seen[row.UserID] = true
			b, err := queries.GetWalletBalance(ctx, row.UserID)
			if err != nil {
				return report, fmt.Errorf("get wallet balance: %w", err)
			}
			if b.AvailableCents < 0 || b.FrozenCents < 0 {
				observability.IncrementInvariantViolation("negative_balance")
				zap.L().Error("CRITICAL: negative wallet balance",
					zap.String("user_id", row.UserID.String()),
					zap.Int64("available_cents", b.AvailableCents),
					zap.Int64("frozen_cents", b.FrozenCents))
				report.NegativeBalances = append(report.NegativeBalances, row.UserID)
			}
		}
	}

	if report.Healthy() {
		zap.L().Info("settlement ledger consistent", zap.Int("orders_checked", report.OrdersChecked))
	}
	return report, nil
}

// quotaExhausted reports whether a finished guaranteed order has consumed
// exactly its quota. Other orders always pass.
func (s *IntegrityService) quotaExhausted(ctx context.Context, order models.Order) (bool, error) {
	if order.BillingMode != domain.BillingGuaranteed {
		return true, nil
	}
	consumed, completed, err := closedProgress(ctx, s.store.Queries(), order.ID, uuid.Nil)
	if err != nil {
		return false, err
	}
	finished := completed || orderSettled(order.Status)
	if !finished || consumed == order.BaseAmountWan {
		return true, nil
	}
	observability.IncrementInvariantViolation("quota_exhaustion")
	zap.L().Error("CRITICAL: completed guaranteed order does not exhaust its quota",
		zap.String("order_id", order.ID.String()),
		zap.Int64("quota_base_wan", order.BaseAmountWan),
		zap.Int64("consumed_base_wan", consumed))
	return false, nil
}
