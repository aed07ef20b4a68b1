package service

import (
	"context"

	"github.com/ayo6706/dispatch-ledger/internal/repository"
)

// QueryStore defines the minimal data access contract required by services.
// Writes inside RunInTx must go through the callback's Querier.
type QueryStore interface {
	Queries() repository.Querier
	RunInTx(ctx context.Context, fn func(q repository.Querier) error) error
}
