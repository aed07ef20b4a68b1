package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/ayo6706/dispatch-ledger/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

func (q *Queries) InsertDomainEvent(ctx context.Context, e models.DomainEvent) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO domain_events (id, name, aggregate_id, payload, attempts, created_at)
		VALUES ($1, $2, $3, $4, 0, clock_timestamp())`,
		e.ID, e.Name, e.AggregateID, []byte(e.Payload),
	)
	if err != nil {
		return fmt.Errorf("insert domain event: %w", err)
	}
	return nil
}

// ListPendingEvents locks unpublished events in creation order.
func (q *Queries) ListPendingEvents(ctx context.Context, limit int32) ([]models.DomainEvent, error) {
	rows, err := q.db.Query(ctx, `
		SELECT id, name, aggregate_id, payload, published_at, attempts, created_at
		FROM domain_events
		WHERE published_at IS NULL
		ORDER BY created_at, id
		LIMIT $1
		FOR UPDATE SKIP LOCKED`, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending events: %w", err)
	}
	return collect(rows, func(r pgx.Rows) (models.DomainEvent, error) {
		var e models.DomainEvent
		var payload []byte
		err := r.Scan(&e.ID, &e.Name, &e.AggregateID, &payload, &e.PublishedAt, &e.Attempts, &e.CreatedAt)
		e.Payload = payload
		return e, err
	})
}

func (q *Queries) MarkEventPublished(ctx context.Context, id uuid.UUID, at time.Time) (int64, error) {
	return execRows(ctx, q.db, "mark event published", `UPDATE domain_events SET published_at = $2 WHERE id = $1`, id, at)
}

func (q *Queries) IncrementEventAttempts(ctx context.Context, id uuid.UUID) (int64, error) {
	return execRows(ctx, q.db, "increment event attempts", `UPDATE domain_events SET attempts = attempts + 1 WHERE id = $1`, id)
}
