package repository

import (
	"context"
	"fmt"

	"github.com/ayo6706/dispatch-ledger/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const roundColumns = `id, order_id, round_no, status, assigned_at, accepted_all_at, archived_at,
	completed_at, deduct_minutes, billable_hours, remark, created_at`

func scanRound(row pgx.Row) (models.DispatchRound, error) {
	var r models.DispatchRound
	err := row.Scan(
		&r.ID, &r.OrderID, &r.RoundNo, &r.Status, &r.AssignedAt, &r.AcceptedAllAt, &r.ArchivedAt,
		&r.CompletedAt, &r.DeductMinutes, &r.BillableHours, &r.Remark, &r.CreatedAt,
	)
	return r, err
}

func (q *Queries) InsertRound(ctx context.Context, r models.DispatchRound) error {
	_, err := q.db.Exec(ctx, `INSERT INTO dispatch_rounds (`+roundColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW())`,
		r.ID, r.OrderID, r.RoundNo, string(r.Status), r.AssignedAt, r.AcceptedAllAt, r.ArchivedAt,
		r.CompletedAt, r.DeductMinutes, r.BillableHours, r.Remark,
	)
	if err != nil {
		return fmt.Errorf("insert dispatch round: %w", err)
	}
	return nil
}

func (q *Queries) GetRound(ctx context.Context, id uuid.UUID) (models.DispatchRound, error) {
	r, err := scanRound(q.db.QueryRow(ctx, `SELECT `+roundColumns+` FROM dispatch_rounds WHERE id = $1`, id))
	return r, notFound(err)
}

func (q *Queries) UpdateRound(ctx context.Context, r models.DispatchRound) (int64, error) {
	return execRows(ctx, q.db, "update dispatch round", `
		UPDATE dispatch_rounds
		SET status = $2, assigned_at = $3, accepted_all_at = $4, archived_at = $5, completed_at = $6,
			deduct_minutes = $7, billable_hours = $8, remark = $9
		WHERE id = $1`,
		r.ID, string(r.Status), r.AssignedAt, r.AcceptedAllAt, r.ArchivedAt, r.CompletedAt,
		r.DeductMinutes, r.BillableHours, r.Remark,
	)
}

func (q *Queries) ListRoundsByOrder(ctx context.Context, orderID uuid.UUID) ([]models.DispatchRound, error) {
	rows, err := q.db.Query(ctx, `SELECT `+roundColumns+` FROM dispatch_rounds WHERE order_id = $1 ORDER BY round_no`, orderID)
	if err != nil {
		return nil, fmt.Errorf("list dispatch rounds: %w", err)
	}
	return collect(rows, func(r pgx.Rows) (models.DispatchRound, error) { return scanRound(r) })
}

func (q *Queries) GetOpenRound(ctx context.Context, orderID uuid.UUID) (models.DispatchRound, error) {
	r, err := scanRound(q.db.QueryRow(ctx, `
		SELECT `+roundColumns+` FROM dispatch_rounds
		WHERE order_id = $1 AND status IN ('WAIT_ASSIGN', 'WAIT_ACCEPT', 'ACCEPTED')
		ORDER BY round_no DESC
		LIMIT 1`, orderID))
	return r, notFound(err)
}

const participantColumns = `id, dispatch_round_id, user_id, seat, is_active, accepted_at, rejected_at,
	reject_reason, progress_base_wan, contribution_cents`

func scanParticipant(row pgx.Row) (models.Participant, error) {
	var p models.Participant
	err := row.Scan(
		&p.ID, &p.DispatchRoundID, &p.UserID, &p.Seat, &p.IsActive, &p.AcceptedAt, &p.RejectedAt,
		&p.RejectReason, &p.ProgressBaseWan, &p.ContributionCents,
	)
	return p, err
}

func (q *Queries) InsertParticipant(ctx context.Context, p models.Participant) error {
	_, err := q.db.Exec(ctx, `INSERT INTO dispatch_participants (`+participantColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		p.ID, p.DispatchRoundID, p.UserID, p.Seat, p.IsActive, p.AcceptedAt, p.RejectedAt,
		p.RejectReason, p.ProgressBaseWan, p.ContributionCents,
	)
	if err != nil {
		return fmt.Errorf("insert participant: %w", err)
	}
	return nil
}

func (q *Queries) UpdateParticipant(ctx context.Context, p models.Participant) (int64, error) {
	return execRows(ctx, q.db, "update participant", `
		UPDATE dispatch_participants
		SET is_active = $2, accepted_at = $3, rejected_at = $4, reject_reason = $5,
			progress_base_wan = $6, contribution_cents = $7
		WHERE id = $1`,
		p.ID, p.IsActive, p.AcceptedAt, p.RejectedAt, p.RejectReason, p.ProgressBaseWan, p.ContributionCents,
	)
}

func (q *Queries) ListParticipantsByRound(ctx context.Context, roundID uuid.UUID) ([]models.Participant, error) {
	rows, err := q.db.Query(ctx, `SELECT `+participantColumns+` FROM dispatch_participants WHERE dispatch_round_id = $1 ORDER BY seat, id`, roundID)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	return collect(rows, func(r pgx.Rows) (models.Participant, error) { return scanParticipant(r) })
}

func (q *Queries) CountOpenParticipations(ctx context.Context, userID uuid.UUID) (int64, error) {
	var n int64
	err := q.db.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM dispatch_participants p
		JOIN dispatch_rounds r ON r.id = p.dispatch_round_id
		WHERE p.user_id = $1 AND p.is_active AND r.status IN ('WAIT_ASSIGN', 'WAIT_ACCEPT', 'ACCEPTED')`, userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count open participations: %w", err)
	}
	return n, nil
}
