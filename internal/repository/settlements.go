package repository

import (
	"context"
	"fmt"

	"github.com/ayo6706/dispatch-ledger/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const settlementColumns = `id, dispatch_round_id, order_id, user_id, settlement_type, final_earnings_cents,
	cs_earnings_cents, settlement_batch_id, payment_status, manual_override, remark, updated_at`

func scanSettlement(row pgx.Row) (models.Settlement, error) {
	var s models.Settlement
	err := row.Scan(
		&s.ID, &s.DispatchRoundID, &s.OrderID, &s.UserID, &s.SettlementType, &s.FinalEarningsCents,
		&s.CSEarningsCents, &s.SettlementBatchID, &s.PaymentStatus, &s.ManualOverride, &s.Remark, &s.UpdatedAt,
	)
	return s, err
}

// UpsertSettlement writes the row keyed by (round, user, type).
func (q *Queries) UpsertSettlement(ctx context.Context, s models.Settlement) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO settlements (`+settlementColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW())
		ON CONFLICT (dispatch_round_id, user_id, settlement_type) DO UPDATE
		SET final_earnings_cents = EXCLUDED.final_earnings_cents,
			cs_earnings_cents = EXCLUDED.cs_earnings_cents,
			settlement_batch_id = EXCLUDED.settlement_batch_id,
			payment_status = EXCLUDED.payment_status,
			manual_override = EXCLUDED.manual_override,
			remark = EXCLUDED.remark,
			updated_at = NOW()`,
		s.ID, s.DispatchRoundID, s.OrderID, s.UserID, string(s.SettlementType), s.FinalEarningsCents,
		s.CSEarningsCents, s.SettlementBatchID, s.PaymentStatus, s.ManualOverride, s.Remark,
	)
	if err != nil {
		return fmt.Errorf("upsert settlement: %w", err)
	}
	return nil
}

func (q *Queries) GetSettlement(ctx context.Context, id uuid.UUID) (models.Settlement, error) {
	s, err := scanSettlement(q.db.QueryRow(ctx, `SELECT `+settlementColumns+` FROM settlements WHERE id = $1`, id))
	return s, notFound(err)
}

func (q *Queries) DeleteSettlement(ctx context.Context, id uuid.UUID) (int64, error) {
	return execRows(ctx, q.db, "delete settlement", `DELETE FROM settlements WHERE id = $1`, id)
}

func (q *Queries) ListSettlementsByOrder(ctx context.Context, orderID uuid.UUID) ([]models.Settlement, error) {
	rows, err := q.db.Query(ctx, `
		SELECT `+settlementColumns+` FROM settlements
		WHERE order_id = $1
		ORDER BY dispatch_round_id, settlement_type, user_id`, orderID)
	if err != nil {
		return nil, fmt.Errorf("list settlements by order: %w", err)
	}
	return collect(rows, func(r pgx.Rows) (models.Settlement, error) { return scanSettlement(r) })
}

func (q *Queries) ListSettlementsByRound(ctx context.Context, roundID uuid.UUID) ([]models.Settlement, error) {
	rows, err := q.db.Query(ctx, `
		SELECT `+settlementColumns+` FROM settlements
		WHERE dispatch_round_id = $1
		ORDER BY settlement_type, user_id`, roundID)
	if err != nil {
		return nil, fmt.Errorf("list settlements by round: %w", err)
	}
	return collect(rows, func(r pgx.Rows) (models.Settlement, error) { return scanSettlement(r) })
}
