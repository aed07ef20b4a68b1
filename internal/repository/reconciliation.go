package repository

import (
	"context"
	"fmt"

	"github.com/ayo6706/dispatch-ledger/internal/models"
	"github.com/google/uuid"
)

func (q *Queries) UpsertReconciliationPhase(ctx context.Context, p models.ReconciliationPhase) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO reconciliation_phases (order_id, recompute_token, scope, round_id, previewed, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (order_id) DO UPDATE
		SET recompute_token = EXCLUDED.recompute_token,
			scope = EXCLUDED.scope,
			round_id = EXCLUDED.round_id,
			previewed = EXCLUDED.previewed,
			updated_at = NOW()`,
		p.OrderID, p.RecomputeToken, string(p.Scope), p.RoundID, p.Previewed,
	)
	if err != nil {
		return fmt.Errorf("upsert reconciliation phase: %w", err)
	}
	return nil
}

func (q *Queries) GetReconciliationPhase(ctx context.Context, orderID uuid.UUID) (models.ReconciliationPhase, error) {
	var p models.ReconciliationPhase
	err := q.db.QueryRow(ctx, `
		SELECT order_id, recompute_token, scope, round_id, previewed, updated_at
		FROM reconciliation_phases WHERE order_id = $1`, orderID).
		Scan(&p.OrderID, &p.RecomputeToken, &p.Scope, &p.RoundID, &p.Previewed, &p.UpdatedAt)
	return p, notFound(err)
}
