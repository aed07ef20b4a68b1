// Package availability keeps the worker scheduling pool: whether each worker
// is idle, working or resting. The database stays authoritative for open
// rounds; the pool carries what the database does not know, such as a worker
// resting after a rejection.
package availability

import (
	"context"
	"fmt"
	"sync"

	"github.com/ayo6706/dispatch-ledger/internal/domain"
	"github.com/google/uuid"
)

// Pool reads and writes worker availability.
type Pool interface {
	Status(ctx context.Context, userID uuid.UUID) (string, error)
	SetStatus(ctx context.Context, userID uuid.UUID, status string) error
}

// ValidStatus reports whether s is a known availability state.
func ValidStatus(s string) bool {
	switch s {
	case domain.AvailabilityIdle, domain.AvailabilityWorking, domain.AvailabilityResting:
		return true
	}
	return false
}

// MemoryPool is an in-process Pool. Unknown workers are idle.
type MemoryPool struct {
	mu       sync.RWMutex
	statuses map[uuid.UUID]string
}

func NewMemoryPool() *MemoryPool {
	return &MemoryPool{statuses: make(map[uuid.UUID]string)}
}

func (p *MemoryPool) Status(_ context.Context, userID uuid.UUID) (string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if s, ok := p.statuses[userID]; ok {
		return s, nil
	}
	return domain.AvailabilityIdle, nil
}

func (p *MemoryPool) SetStatus(_ context.Context, userID uuid.UUID, status string) error {
	if !ValidStatus(status) {
		return fmt.Errorf("unknown availability status %q", status)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.statuses[userID] = status
	return nil
}
