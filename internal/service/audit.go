package service

import (
	"context"
	"fmt"

	"github.com/ayo6706/dispatch-ledger/internal/models"
	"github.com/ayo6706/dispatch-ledger/internal/repository"
	"github.com/google/uuid"
)

// Audited entity types.
const (
	entityOrder      = "order"
	entityRound      = "dispatch_round"
	entitySettlement = "settlement"
	entityWithdrawal = "withdrawal"
)

// AuditService writes immutable audit trail entries.
type AuditService struct {
	store QueryStore
}

func NewAuditService(store QueryStore) *AuditService {
	return &AuditService{store: store}
}

// Write stores a single immutable audit record.
func (s *AuditService) Write(ctx context.Context, qtx repository.Querier, entityType string, entityID uuid.UUID, actorID *uuid.UUID, action, prevState, nextState string, metadata []byte) error {
	if err := qtx.InsertAuditLog(ctx, models.AuditEntry{
		ID:         uuid.New(),
		EntityType: entityType,
		EntityID:   entityID,
		ActorID:    actorID,
		Action:     action,
		PrevState:  prevState,
		NextState:  nextState,
		Metadata:   metadata,
	}); err != nil {
		return fmt.Errorf("insert audit log: %w", err)
	}
	return nil
}

// History lists the audit trail of one entity, oldest first.
func (s *AuditService) History(ctx context.Context, entityID uuid.UUID) ([]models.AuditEntry, error) {
	entries, err := s.store.Queries().ListAuditLogs(ctx, entityID)
	if err != nil {
		return nil, fmt.Errorf("list audit logs: %w", err)
	}
	return entries, nil
}
