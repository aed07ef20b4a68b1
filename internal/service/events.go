package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ayo6706/dispatch-ledger/internal/availability"
	"github.com/ayo6706/dispatch-ledger/internal/domain"
	"github.com/ayo6706/dispatch-ledger/internal/models"
	"github.com/ayo6706/dispatch-ledger/internal/observability"
	"github.com/ayo6706/dispatch-ledger/internal/repository"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DispatchEvent is the outbox payload shared by all dispatch events.
type DispatchEvent struct {
	OrderID  uuid.UUID   `json:"order_id"`
	RoundID  uuid.UUID   `json:"round_id"`
	UserIDs  []uuid.UUID `json:"user_ids,omitempty"`
	Removed  []uuid.UUID `json:"removed,omitempty"`
	Status   string      `json:"status,omitempty"`
	Reason   string      `json:"reason,omitempty"`
	ActorID  *uuid.UUID  `json:"actor_id,omitempty"`
	Occurred time.Time   `json:"occurred_at"`
}

// emitEvent writes an outbox row inside the caller's transaction.
func emitEvent(ctx context.Context, qtx repository.Querier, name string, ev DispatchEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", name, err)
	}
	if err := qtx.InsertDomainEvent(ctx, models.DomainEvent{
		ID:          uuid.New(),
		Name:        name,
		AggregateID: ev.RoundID,
		Payload:     payload,
	}); err != nil {
		return fmt.Errorf("insert %s event: %w", name, err)
	}
	return nil
}

// EventRelay delivers outbox events to the availability pool. Delivery is at
// least once; every handler is a plain status write so replays are harmless.
type EventRelay struct {
	store QueryStore
	pool  availability.Pool
	now   func() time.Time
}

func NewEventRelay(store QueryStore, pool availability.Pool) *EventRelay {
	return &EventRelay{store: store, pool: pool, now: time.Now}
}

// RelayPending delivers up to limit pending events in creation order and
// stops at the first failure so later events never overtake it.
func (r *EventRelay) RelayPending(ctx context.Context, limit int32) (int, error) {
	events, err := r.store.Queries().ListPendingEvents(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("list pending events: %w", err)
	}

	delivered := 0
	for _, ev := range events {
		if err := ctx.Err(); err != nil {
			return delivered, err
		}
		if err := r.deliver(ctx, ev); err != nil {
			observability.IncrementEventRelayed(ev.Name, "error")
			zap.L().Warn("event delivery failed", zap.Error(err), zap.String("event_id", ev.ID.String()), zap.String("event", ev.Name))
			if txErr := r.store.RunInTx(ctx, func(qtx repository.Querier) error {
				_, err := qtx.IncrementEventAttempts(ctx, ev.ID)
				return err
			}); txErr != nil {
				return delivered, fmt.Errorf("record event attempt: %w", txErr)
			}
			return delivered, err
		}

		if err := r.store.RunInTx(ctx, func(qtx repository.Querier) error {
			rows, err := qtx.MarkEventPublished(ctx, ev.ID, r.now().UTC())
			if err != nil {
				return err
			}
			return requireExactlyOne(rows, "mark event published")
		}); err != nil {
			return delivered, fmt.Errorf("mark event published: %w", err)
		}
		observability.IncrementEventRelayed(ev.Name, "ok")
		delivered++
	}
	return delivered, nil
}

func (r *EventRelay) deliver(ctx context.Context, ev models.DomainEvent) error {
	var payload DispatchEvent
	if err := json.Unmarshal(ev.Payload, &payload); err != nil {
		zap.L().Error("discarding undecodable event", zap.Error(err), zap.String("event_id", ev.ID.String()))
		return nil
	}

	set := func(users []uuid.UUID, status string) error {
		for _, u := range users {
			if err := r.pool.SetStatus(ctx, u, status); err != nil {
				return err
			}
		}
		return nil
	}

	switch ev.Name {
	case domain.EventDispatchAssigned:
		return set(payload.UserIDs, domain.AvailabilityWorking)
	case domain.EventParticipantRejected:
		return set(payload.UserIDs, domain.AvailabilityResting)
	case domain.EventParticipantsUpdated:
		if err := set(payload.Removed, domain.AvailabilityIdle); err != nil {
			return err
		}
		return set(payload.UserIDs, domain.AvailabilityWorking)
	case domain.EventRoundClosed:
		return set(payload.UserIDs, domain.AvailabilityIdle)
	default:
		zap.L().Warn("no handler for event", zap.String("event", ev.Name))
		return nil
	}
}
