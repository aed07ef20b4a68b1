package repository

import (
	"context"
	"errors"
	"time"

	"github.com/ayo6706/dispatch-ledger/internal/domain"
	"github.com/ayo6706/dispatch-ledger/internal/models"
	"github.com/google/uuid"
)

// ErrNotFound is returned by single-row reads that match nothing.
var ErrNotFound = errors.New("record not found")

// Querier is the data access contract shared by the postgres and memory stores.
type Querier interface {
	CreateOrder(ctx context.Context, o models.Order) error
	GetOrder(ctx context.Context, id uuid.UUID) (models.Order, error)
	// LockOrder reads the order and holds its row lock until the transaction ends.
	LockOrder(ctx context.Context, id uuid.UUID) (models.Order, error)
	UpdateOrder(ctx context.Context, o models.Order) (int64, error)
	ListOrdersByStatus(ctx context.Context, statuses []domain.OrderStatus, limit int32) ([]models.Order, error)

	InsertRound(ctx context.Context, r models.DispatchRound) error
	GetRound(ctx context.Context, id uuid.UUID) (models.DispatchRound, error)
	UpdateRound(ctx context.Context, r models.DispatchRound) (int64, error)
	ListRoundsByOrder(ctx context.Context, orderID uuid.UUID) ([]models.DispatchRound, error)
	GetOpenRound(ctx context.Context, orderID uuid.UUID) (models.DispatchRound, error)

	InsertParticipant(ctx context.Context, p models.Participant) error
	UpdateParticipant(ctx context.Context, p models.Participant) (int64, error)
	ListParticipantsByRound(ctx context.Context, roundID uuid.UUID) ([]models.Participant, error)
	CountOpenParticipations(ctx context.Context, userID uuid.UUID) (int64, error)

	UpsertSettlement(ctx context.Context, s models.Settlement) error
	GetSettlement(ctx context.Context, id uuid.UUID) (models.Settlement, error)
	DeleteSettlement(ctx context.Context, id uuid.UUID) (int64, error)
	ListSettlementsByOrder(ctx context.Context, orderID uuid.UUID) ([]models.Settlement, error)
	ListSettlementsByRound(ctx context.Context, roundID uuid.UUID) ([]models.Settlement, error)

	// LockWalletAccount serialises ledger writes for one user.
	LockWalletAccount(ctx context.Context, userID uuid.UUID) error
	InsertWalletTransaction(ctx context.Context, t models.WalletTransaction) error
	GetWalletBalance(ctx context.Context, userID uuid.UUID) (models.WalletBalance, error)
	ListWalletTransactionsByUser(ctx context.Context, userID uuid.UUID, limit, offset int32) ([]models.WalletTransaction, error)
	ListWalletTransactionsByOrder(ctx context.Context, orderID uuid.UUID) ([]models.WalletTransaction, error)
	ListWalletTransactionsByWithdrawal(ctx context.Context, withdrawalID uuid.UUID) ([]models.WalletTransaction, error)

	InsertWithdrawal(ctx context.Context, w models.WithdrawalRequest) error
	GetWithdrawal(ctx context.Context, id uuid.UUID) (models.WithdrawalRequest, error)
	LockWithdrawal(ctx context.Context, id uuid.UUID) (models.WithdrawalRequest, error)
	GetWithdrawalByRequestNo(ctx context.Context, userID uuid.UUID, requestNo string) (models.WithdrawalRequest, error)
	GetWithdrawalByRailRef(ctx context.Context, railRef string) (models.WithdrawalRequest, error)
	CountOpenWithdrawals(ctx context.Context, userID uuid.UUID) (int64, error)
	UpdateWithdrawal(ctx context.Context, w models.WithdrawalRequest) (int64, error)
	// ClaimDuePayouts locks PAYING requests not yet accepted by the rail whose
	// retry time has passed.
	ClaimDuePayouts(ctx context.Context, now time.Time, limit int32) ([]models.WithdrawalRequest, error)

	InsertAuditLog(ctx context.Context, e models.AuditEntry) error
	ListAuditLogs(ctx context.Context, entityID uuid.UUID) ([]models.AuditEntry, error)

	InsertDomainEvent(ctx context.Context, e models.DomainEvent) error
	ListPendingEvents(ctx context.Context, limit int32) ([]models.DomainEvent, error)
	MarkEventPublished(ctx context.Context, id uuid.UUID, at time.Time) (int64, error)
	IncrementEventAttempts(ctx context.Context, id uuid.UUID) (int64, error)

	UpsertReconciliationPhase(ctx context.Context, p models.ReconciliationPhase) error
	GetReconciliationPhase(ctx context.Context, orderID uuid.UUID) (models.ReconciliationPhase, error)
}
