package repository

import (
	"context"
	"fmt"

	"github.com/ayo6706/dispatch-ledger/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

func (q *Queries) InsertAuditLog(ctx context.Context, e models.AuditEntry) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO audit_logs (id, entity_type, entity_id, actor_id, action, prev_state, next_state, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())`,
		e.ID, e.EntityType, e.EntityID, e.ActorID, e.Action, e.PrevState, e.NextState, []byte(e.Metadata),
	)
	if err != nil {
		return fmt.Errorf("insert audit log: %w", err)
	}
	return nil
}

func (q *Queries) ListAuditLogs(ctx context.Context, entityID uuid.UUID) ([]models.AuditEntry, error) {
	rows, err := q.db.Query(ctx, `
		SELECT id, entity_type, entity_id, actor_id, action, prev_state, next_state, metadata, created_at
		FROM audit_logs
		WHERE entity_id = $1
		ORDER BY created_at, id`, entityID)
	if err != nil {
		return nil, fmt.Errorf("list audit logs: %w", err)
	}
	return collect(rows, func(r pgx.Rows) (models.AuditEntry, error) {
		var e models.AuditEntry
		var metadata []byte
		err := r.Scan(&e.ID, &e.EntityType, &e.EntityID, &e.ActorID, &e.Action, &e.PrevState, &e.NextState, &metadata, &e.CreatedAt)
		e.Metadata = metadata
		return e, err
	})
}
