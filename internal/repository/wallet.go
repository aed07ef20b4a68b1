package repository

import (
	"context"
	"fmt"

	"github.com/ayo6706/dispatch-ledger/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const walletTxColumns = `id, user_id, direction, biz_type, amount_cents, status, reversal_of_tx_id,
	related_tx_id, settlement_id, dispatch_round_id, order_id, withdrawal_id, remark, created_at`

func scanWalletTx(row pgx.Row) (models.WalletTransaction, error) {
	var t models.WalletTransaction
	err := row.Scan(
		&t.ID, &t.UserID, &t.Direction, &t.BizType, &t.AmountCents, &t.Status, &t.ReversalOfTxID,
		&t.RelatedTxID, &t.SettlementID, &t.DispatchRoundID, &t.OrderID, &t.WithdrawalID, &t.Remark, &t.CreatedAt,
	)
	return t, err
}

// LockWalletAccount makes sure the account row exists and locks it.
func (q *Queries) LockWalletAccount(ctx context.Context, userID uuid.UUID) error {
	if _, err := q.db.Exec(ctx, `INSERT INTO wallet_accounts (user_id) VALUES ($1) ON CONFLICT (user_id) DO NOTHING`, userID); err != nil {
		return fmt.Errorf("ensure wallet account: %w", err)
	}
	var locked uuid.UUID
	if err := q.db.QueryRow(ctx, `SELECT user_id FROM wallet_accounts WHERE user_id = $1 FOR UPDATE`, userID).Scan(&locked); err != nil {
		return fmt.Errorf("lock wallet account: %w", err)
	}
	return nil
}

func (q *Queries) InsertWalletTransaction(ctx context.Context, t models.WalletTransaction) error {
	_, err := q.db.Exec(ctx, `INSERT INTO wallet_transactions (`+walletTxColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, clock_timestamp())`,
		t.ID, t.UserID, string(t.Direction), string(t.BizType), t.AmountCents, string(t.Status), t.ReversalOfTxID,
		t.RelatedTxID, t.SettlementID, t.DispatchRoundID, t.OrderID, t.WithdrawalID, t.Remark,
	)
	if err != nil {
		return fmt.Errorf("insert wallet transaction: %w", err)
	}
	return nil
}

// GetWalletBalance derives balances from every live (non-reversed) transaction.
func (q *Queries) GetWalletBalance(ctx context.Context, userID uuid.UUID) (models.WalletBalance, error) {
	b := models.WalletBalance{UserID: userID}
	err := q.db.QueryRow(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN t.status = 'AVAILABLE' THEN
				CASE WHEN t.direction = 'IN' THEN t.amount_cents ELSE -t.amount_cents END END), 0)::BIGINT,
			COALESCE(SUM(CASE WHEN t.status = 'FROZEN' THEN
				CASE WHEN t.direction = 'IN' THEN t.amount_cents ELSE -t.amount_cents END END), 0)::BIGINT
		FROM wallet_transactions t
		WHERE t.user_id = $1
			AND t.status <> 'REVERSED'
			AND NOT EXISTS (SELECT 1 FROM wallet_transactions r WHERE r.reversal_of_tx_id = t.id)`,
		userID).Scan(&b.AvailableCents, &b.FrozenCents)
	if err != nil {
		return b, fmt.Errorf("wallet balance: %w", err)
	}
	return b, nil
}

func (q *Queries) ListWalletTransactionsByUser(ctx context.Context, userID uuid.UUID, limit, offset int32) ([]models.WalletTransaction, error) {
	rows, err := q.db.Query(ctx, `
		SELECT `+walletTxColumns+` FROM wallet_transactions
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3`, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list wallet transactions by user: %w", err)
	}
	return collect(rows, func(r pgx.Rows) (models.WalletTransaction, error) { return scanWalletTx(r) })
}

func (q *Queries) ListWalletTransactionsByOrder(ctx context.Context, orderID uuid.UUID) ([]models.WalletTransaction, error) {
	rows, err := q.db.Query(ctx, `
		SELECT `+walletTxColumns+` FROM wallet_transactions
		WHERE order_id = $1
		ORDER BY created_at, id`, orderID)
	if err != nil {
		return nil, fmt.Errorf("list wallet transactions by order: %w", err)
	}
	return collect(rows, func(r pgx.Rows) (models.WalletTransaction, error) { return scanWalletTx(r) })
}

func (q *Queries) ListWalletTransactionsByWithdrawal(ctx context.Context, withdrawalID uuid.UUID) ([]models.WalletTransaction, error) {
	rows, err := q.db.Query(ctx, `
		SELECT `+walletTxColumns+` FROM wallet_transactions
		WHERE withdrawal_id = $1
		ORDER BY created_at, id`, withdrawalID)
	if err != nil {
		return nil, fmt.Errorf("list wallet transactions by withdrawal: %w", err)
	}
	return collect(rows, func(r pgx.Rows) (models.WalletTransaction, error) { return scanWalletTx(r) })
}
