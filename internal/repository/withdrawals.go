package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/ayo6706/dispatch-ledger/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const withdrawalColumns = `id, user_id, amount_cents, channel, status, request_no, reviewer_id, review_remark,
	fail_reason, rail_ref, attempts, next_attempt_at, remark, created_at, updated_at`

func scanWithdrawal(row pgx.Row) (models.WithdrawalRequest, error) {
	var w models.WithdrawalRequest
	err := row.Scan(
		&w.ID, &w.UserID, &w.AmountCents, &w.Channel, &w.Status, &w.RequestNo, &w.ReviewerID, &w.ReviewRemark,
		&w.FailReason, &w.RailRef, &w.Attempts, &w.NextAttemptAt, &w.Remark, &w.CreatedAt, &w.UpdatedAt,
	)
	return w, err
}

func (q *Queries) InsertWithdrawal(ctx context.Context, w models.WithdrawalRequest) error {
	_, err := q.db.Exec(ctx, `INSERT INTO withdrawal_requests (`+withdrawalColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, NOW(), NOW())`,
		w.ID, w.UserID, w.AmountCents, w.Channel, string(w.Status), w.RequestNo, w.ReviewerID, w.ReviewRemark,
		w.FailReason, w.RailRef, w.Attempts, w.NextAttemptAt, w.Remark,
	)
	if err != nil {
		return fmt.Errorf("insert withdrawal request: %w", err)
	}
	return nil
}

func (q *Queries) GetWithdrawal(ctx context.Context, id uuid.UUID) (models.WithdrawalRequest, error) {
	w, err := scanWithdrawal(q.db.QueryRow(ctx, `SELECT `+withdrawalColumns+` FROM withdrawal_requests WHERE id = $1`, id))
	return w, notFound(err)
}

func (q *Queries) LockWithdrawal(ctx context.Context, id uuid.UUID) (models.WithdrawalRequest, error) {
	w, err := scanWithdrawal(q.db.QueryRow(ctx, `SELECT `+withdrawalColumns+` FROM withdrawal_requests WHERE id = $1 FOR UPDATE`, id))
	return w, notFound(err)
}

func (q *Queries) GetWithdrawalByRequestNo(ctx context.Context, userID uuid.UUID, requestNo string) (models.WithdrawalRequest, error) {
	w, err := scanWithdrawal(q.db.QueryRow(ctx, `
		SELECT `+withdrawalColumns+` FROM withdrawal_requests
		WHERE user_id = $1 AND request_no = $2`, userID, requestNo))
	return w, notFound(err)
}

func (q *Queries) GetWithdrawalByRailRef(ctx context.Context, railRef string) (models.WithdrawalRequest, error) {
	w, err := scanWithdrawal(q.db.QueryRow(ctx, `SELECT `+withdrawalColumns+` FROM withdrawal_requests WHERE rail_ref = $1`, railRef))
	return w, notFound(err)
}

func (q *Queries) CountOpenWithdrawals(ctx context.Context, userID uuid.UUID) (int64, error) {
	var n int64
	err := q.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM withdrawal_requests
		WHERE user_id = $1 AND status IN ('PENDING_REVIEW', 'APPROVED', 'PAYING')`, userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count open withdrawals: %w", err)
	}
	return n, nil
}

func (q *Queries) UpdateWithdrawal(ctx context.Context, w models.WithdrawalRequest) (int64, error) {
	return execRows(ctx, q.db, "update withdrawal request", `
		UPDATE withdrawal_requests
		SET status = $2, reviewer_id = $3, review_remark = $4, fail_reason = $5, rail_ref = $6,
			attempts = $7, next_attempt_at = $8, updated_at = NOW()
		WHERE id = $1`,
		w.ID, string(w.Status), w.ReviewerID, w.ReviewRemark, w.FailReason, w.RailRef, w.Attempts, w.NextAttemptAt,
	)
}

func (q *Queries) ClaimDuePayouts(ctx context.Context, now time.Time, limit int32) ([]models.WithdrawalRequest, error) {
	rows, err := q.db.Query(ctx, `
		SELECT `+withdrawalColumns+` FROM withdrawal_requests
		WHERE status = 'PAYING' AND rail_ref = ''
			AND (next_attempt_at IS NULL OR next_attempt_at <= $1)
		ORDER BY updated_at
		LIMIT $2
		FOR UPDATE SKIP LOCKED`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("claim due payouts: %w", err)
	}
	return collect(rows, func(r pgx.Rows) (models.WithdrawalRequest, error) { return scanWithdrawal(r) })
}
