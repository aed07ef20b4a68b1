package repository

import (
	"context"
	"fmt"

	"github.com/ayo6706/dispatch-ledger/internal/domain"
	"github.com/ayo6706/dispatch-ledger/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const orderColumns = `id, serial_no, project_id, billing_mode, base_amount_wan, paid_amount_cents,
	receivable_amount_cents, hourly_price_cents, status, is_paid, is_gifted, cs_rate, invite_rate,
	custom_club_rate, project_club_rate, cs_user_id, inviter_user_id, created_at, updated_at`

func scanOrder(row pgx.Row) (models.Order, error) {
	var o models.Order
	err := row.Scan(
		&o.ID, &o.SerialNo, &o.ProjectID, &o.BillingMode, &o.BaseAmountWan, &o.PaidAmountCents,
		&o.ReceivableAmountCents, &o.HourlyPriceCents, &o.Status, &o.IsPaid, &o.IsGifted, &o.CSRate, &o.InviteRate,
		&o.CustomClubRate, &o.ProjectClubRate, &o.CSUserID, &o.InviterUserID, &o.CreatedAt, &o.UpdatedAt,
	)
	return o, err
}

func (q *Queries) CreateOrder(ctx context.Context, o models.Order) error {
	_, err := q.db.Exec(ctx, `INSERT INTO orders (`+orderColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, NOW(), NOW())`,
		o.ID, o.SerialNo, o.ProjectID, string(o.BillingMode), o.BaseAmountWan, o.PaidAmountCents,
		o.ReceivableAmountCents, o.HourlyPriceCents, string(o.Status), o.IsPaid, o.IsGifted, o.CSRate, o.InviteRate,
		o.CustomClubRate, o.ProjectClubRate, o.CSUserID, o.InviterUserID,
	)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

func (q *Queries) GetOrder(ctx context.Context, id uuid.UUID) (models.Order, error) {
	o, err := scanOrder(q.db.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	return o, notFound(err)
}

func (q *Queries) LockOrder(ctx context.Context, id uuid.UUID) (models.Order, error) {
	o, err := scanOrder(q.db.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, id))
	return o, notFound(err)
}

func (q *Queries) UpdateOrder(ctx context.Context, o models.Order) (int64, error) {
	return execRows(ctx, q.db, "update order", `
		UPDATE orders
		SET status = $2, paid_amount_cents = $3, receivable_amount_cents = $4, is_paid = $5, updated_at = NOW()
		WHERE id = $1`,
		o.ID, string(o.Status), o.PaidAmountCents, o.ReceivableAmountCents, o.IsPaid,
	)
}

func (q *Queries) ListOrdersByStatus(ctx context.Context, statuses []domain.OrderStatus, limit int32) ([]models.Order, error) {
	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = string(s)
	}
	rows, err := q.db.Query(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE status = ANY($1)
		ORDER BY updated_at DESC
		LIMIT $2`, names, limit)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	return collect(rows, func(r pgx.Rows) (models.Order, error) { return scanOrder(r) })
}
