package service

import (
	"context"
	"fmt"

	"github.com/ayo6706/dispatch-ledger/internal/domain"
	"github.com/ayo6706/dispatch-ledger/internal/models"
	"github.com/ayo6706/dispatch-ledger/internal/repository"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultStatementPageSize = 20
	maxStatementPageSize     = 100
)

// WalletService owns the append-only wallet ledger. Balances are never
// stored; they are summed from live transactions.
type WalletService struct {
	store QueryStore
}

func NewWalletService(store QueryStore) *WalletService {
	return &WalletService{store: store}
}

// Balance returns the derived available and frozen balance of a user.
func (s *WalletService) Balance(ctx context.Context, userID uuid.UUID) (models.WalletBalance, error) {
	b, err := s.store.Queries().GetWalletBalance(ctx, userID)
	if err != nil {
		return models.WalletBalance{}, fmt.Errorf("get wallet balance: %w", err)
	}
	return b, nil
}

// Statement lists a user's transactions, newest first. Page is 1-based.
func (s *WalletService) Statement(ctx context.Context, userID uuid.UUID, page, size int) ([]models.WalletTransaction, error) {
	if size <= 0 {
		size = defaultStatementPageSize
	}
	size = min(size, maxStatementPageSize)
	page = max(page, 1)

	txs, err := s.store.Queries().ListWalletTransactionsByUser(ctx, userID, int32(size), int32((page-1)*size))
	if err != nil {
		return nil, fmt.Errorf("list wallet transactions: %w", err)
	}
	return txs, nil
}

// append locks the user's wallet account and writes one transaction.
func (s *WalletService) append(ctx context.Context, qtx repository.Querier, t models.WalletTransaction) (models.WalletTransaction, error) {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.AmountCents <= 0 {
		return models.WalletTransaction{}, domain.ErrInvalidAmount.Wrapf("wallet transaction amount %d", t.AmountCents)
	}
	if err := qtx.LockWalletAccount(ctx, t.UserID); err != nil {
		return models.WalletTransaction{}, fmt.Errorf("lock wallet account: %w", err)
	}
	if err := qtx.InsertWalletTransaction(ctx, t); err != nil {
		return models.WalletTransaction{}, fmt.Errorf("insert wallet transaction: %w", err)
	}
	return t, nil
}

// lockUsers takes wallet locks in a stable order ahead of a multi-user write.
func (s *WalletService) lockUsers(ctx context.Context, qtx repository.Querier, users []uuid.UUID) error {
	for _, u := range sortedUsers(users) {
		if err := qtx.LockWalletAccount(ctx, u); err != nil {
			return fmt.Errorf("lock wallet account %s: %w", u, err)
		}
	}
	return nil
}

// postSettlement mirrors signed settlement money as a FROZEN transaction.
func (s *WalletService) postSettlement(ctx context.Context, qtx repository.Querier, st models.Settlement, signedCents int64, biz domain.BizType, remark string) (models.WalletTransaction, error) {
	direction := domain.DirectionIn
	if signedCents < 0 {
		direction = domain.DirectionOut
	}
	return s.append(ctx, qtx, models.WalletTransaction{
		UserID:          st.UserID,
		Direction:       direction,
		BizType:         biz,
		AmountCents:     abs(signedCents),
		Status:          domain.TxFrozen,
		SettlementID:    ptr(st.ID),
		DispatchRoundID: ptr(st.DispatchRoundID),
		OrderID:         ptr(st.OrderID),
		Remark:          remark,
	})
}

// release moves one frozen settlement transaction to available: a FROZEN leg
// in the opposite direction plus an AVAILABLE leg in the same direction, both
// linked to the original.
func (s *WalletService) release(ctx context.Context, qtx repository.Querier, frozen models.WalletTransaction, remark string) error {
	base := models.WalletTransaction{
		UserID:          frozen.UserID,
		BizType:         domain.BizReleaseFrozen,
		AmountCents:     frozen.AmountCents,
		RelatedTxID:     ptr(frozen.ID),
		SettlementID:    frozen.SettlementID,
		DispatchRoundID: frozen.DispatchRoundID,
		OrderID:         frozen.OrderID,
		Remark:          remark,
	}

	out := base
	out.Direction = opposite(frozen.Direction)
	out.Status = domain.TxFrozen
	if _, err := s.append(ctx, qtx, out); err != nil {
		return fmt.Errorf("release frozen leg: %w", err)
	}

	in := base
	in.Direction = frozen.Direction
	in.Status = domain.TxAvailable
	if _, err := s.append(ctx, qtx, in); err != nil {
		return fmt.Errorf("release available leg: %w", err)
	}
	return nil
}

// releaseOrder releases every settlement freeze of the order that has not
// been released yet. It returns the number of freezes released.
func (s *WalletService) releaseOrder(ctx context.Context, qtx repository.Querier, orderID uuid.UUID, remark string) (int, error) {
	txs, err := qtx.ListWalletTransactionsByOrder(ctx, orderID)
	if err != nil {
		return 0, fmt.Errorf("list order transactions: %w", err)
	}
	live := liveTransactions(txs)

	released := make(map[uuid.UUID]bool)
	var users []uuid.UUID
	for _, t := range live {
		if t.BizType == domain.BizReleaseFrozen && t.RelatedTxID != nil {
			released[*t.RelatedTxID] = true
		}
		users = append(users, t.UserID)
	}
	if err := s.lockUsers(ctx, qtx, users); err != nil {
		return 0, err
	}

	n := 0
	for _, t := range live {
		if t.Status != domain.TxFrozen || !settlementFreeze(t.BizType) || released[t.ID] {
			continue
		}
		if err := s.release(ctx, qtx, t, remark); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// reverseOrder appends a reversal for every live transaction of the order,
// cancelling all of its wallet effect.
func (s *WalletService) reverseOrder(ctx context.Context, qtx repository.Querier, orderID uuid.UUID, remark string) (int, error) {
	txs, err := qtx.ListWalletTransactionsByOrder(ctx, orderID)
	if err != nil {
		return 0, fmt.Errorf("list order transactions: %w", err)
	}
	live := liveTransactions(txs)

	var users []uuid.UUID
	for _, t := range live {
		users = append(users, t.UserID)
	}
	if err := s.lockUsers(ctx, qtx, users); err != nil {
		return 0, err
	}

	for _, t := range live {
		if _, err := s.append(ctx, qtx, models.WalletTransaction{
			UserID:          t.UserID,
			Direction:       opposite(t.Direction),
			BizType:         domain.BizRefundReversal,
			AmountCents:     t.AmountCents,
			Status:          domain.TxReversed,
			ReversalOfTxID:  ptr(t.ID),
			SettlementID:    t.SettlementID,
			DispatchRoundID: t.DispatchRoundID,
			OrderID:         t.OrderID,
			Remark:          remark,
		}); err != nil {
			return 0, fmt.Errorf("reverse transaction %s: %w", t.ID, err)
		}
	}

	for _, u := range sortedUsers(users) {
		b, err := qtx.GetWalletBalance(ctx, u)
		if err != nil {
			return 0, fmt.Errorf("get wallet balance: %w", err)
		}
		if b.AvailableCents < 0 {
			zap.L().Warn("refund left wallet negative",
				zap.String("user_id", u.String()),
				zap.String("order_id", orderID.String()),
				zap.Int64("available_cents", b.AvailableCents))
		}
	}
	return len(live), nil
}

// reserveWithdrawal moves the amount from available to frozen.
func (s *WalletService) reserveWithdrawal(ctx context.Context, qtx repository.Querier, w models.WithdrawalRequest) error {
	return s.withdrawalLegs(ctx, qtx, w, domain.BizWithdrawReserve,
		leg{domain.DirectionOut, domain.TxAvailable},
		leg{domain.DirectionIn, domain.TxFrozen})
}

// payWithdrawal removes the reserved amount from frozen.
func (s *WalletService) payWithdrawal(ctx context.Context, qtx repository.Querier, w models.WithdrawalRequest) error {
	return s.withdrawalLegs(ctx, qtx, w, domain.BizWithdrawPayout,
		leg{domain.DirectionOut, domain.TxFrozen})
}

// releaseWithdrawal returns the reserved amount to available.
func (s *WalletService) releaseWithdrawal(ctx context.Context, qtx repository.Querier, w models.WithdrawalRequest) error {
	return s.withdrawalLegs(ctx, qtx, w, domain.BizWithdrawRelease,
		leg{domain.DirectionOut, domain.TxFrozen},
		leg{domain.DirectionIn, domain.TxAvailable})
}

type leg struct {
	direction domain.Direction
	status    domain.TxStatus
}

func (s *WalletService) withdrawalLegs(ctx context.Context, qtx repository.Querier, w models.WithdrawalRequest, biz domain.BizType, legs ...leg) error {
	for _, l := range legs {
		if _, err := s.append(ctx, qtx, models.WalletTransaction{
			UserID:       w.UserID,
			Direction:    l.direction,
			BizType:      biz,
			AmountCents:  w.AmountCents,
			Status:       l.status,
			WithdrawalID: ptr(w.ID),
			Remark:       w.RequestNo,
		}); err != nil {
			return fmt.Errorf("%s leg: %w", biz, err)
		}
	}
	b, err := qtx.GetWalletBalance(ctx, w.UserID)
	if err != nil {
		return fmt.Errorf("get wallet balance: %w", err)
	}
	// Refunds may leave available negative; frozen money only moves through
	// matched legs and must stay covered.
	if b.FrozenCents < 0 {
		return domain.ErrNegativeBalance.Wrapf("%s for %s: frozen %d", biz, w.UserID, b.FrozenCents)
	}
	return nil
}

// liveTransactions drops reversal rows and the transactions they reverse.
func liveTransactions(txs []models.WalletTransaction) []models.WalletTransaction {
	reversed := make(map[uuid.UUID]bool)
	for _, t := range txs {
		if t.ReversalOfTxID != nil {
			reversed[*t.ReversalOfTxID] = true
		}
	}
	out := make([]models.WalletTransaction, 0, len(txs))
	for _, t := range txs {
		if t.Status == domain.TxReversed || reversed[t.ID] {
			continue
		}
		out = append(out, t)
	}
	return out
}

// settlementFreeze reports whether a biz type opens a settlement freeze.
func settlementFreeze(b domain.BizType) bool {
	switch b {
	case domain.BizSettlementCredit, domain.BizSettlementDebit, domain.BizSettlementAdjust:
		return true
	}
	return false
}

func opposite(d domain.Direction) domain.Direction {
	if d == domain.DirectionIn {
		return domain.DirectionOut
	}
	return domain.DirectionIn
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
