// Package memory is an in-process implementation of the repository contract.
// Transactions run one at a time against a copy of the state which replaces
// the live state only when the callback succeeds.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ayo6706/dispatch-ledger/internal/domain"
	"github.com/ayo6706/dispatch-ledger/internal/models"
	"github.com/ayo6706/dispatch-ledger/internal/repository"
	"github.com/google/uuid"
)

var _ repository.Querier = (*queries)(nil)

type state struct {
	orders       map[uuid.UUID]models.Order
	rounds       map[uuid.UUID]models.DispatchRound
	participants map[uuid.UUID]models.Participant
	settlements  map[uuid.UUID]models.Settlement
	accounts     map[uuid.UUID]struct{}
	txs          []models.WalletTransaction
	withdrawals  map[uuid.UUID]models.WithdrawalRequest
	audit        []models.AuditEntry
	events       []models.DomainEvent
	phases       map[uuid.UUID]models.ReconciliationPhase
	last         time.Time
}

func newState() *state {
	return &state{
		orders:       make(map[uuid.UUID]models.Order),
		rounds:       make(map[uuid.UUID]models.DispatchRound),
		participants: make(map[uuid.UUID]models.Participant),
		settlements:  make(map[uuid.UUID]models.Settlement),
		accounts:     make(map[uuid.UUID]struct{}),
		withdrawals:  make(map[uuid.UUID]models.WithdrawalRequest),
		phases:       make(map[uuid.UUID]models.ReconciliationPhase),
	}
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (s *state) clone() *state {
	return &state{
		orders:       cloneMap(s.orders),
		rounds:       cloneMap(s.rounds),
		participants: cloneMap(s.participants),
		settlements:  cloneMap(s.settlements),
		accounts:     cloneMap(s.accounts),
		txs:          append([]models.WalletTransaction(nil), s.txs...),
		withdrawals:  cloneMap(s.withdrawals),
		audit:        append([]models.AuditEntry(nil), s.audit...),
		events:       append([]models.DomainEvent(nil), s.events...),
		phases:       cloneMap(s.phases),
		last:         s.last,
	}
}

// tick returns a strictly increasing timestamp so orderings by time are stable.
func (s *state) tick() time.Time {
	now := time.Now().UTC()
	if !now.After(s.last) {
		now = s.last.Add(time.Microsecond)
	}
	s.last = now
	return now
}

// Store is safe for concurrent use. Intended for unit tests and local runs.
type Store struct {
	txMu sync.Mutex
	mu   sync.RWMutex
	st   *state
}

func New() *Store {
	return &Store{st: newState()}
}

// Queries returns a query set that reads and writes the live state directly.
// It must not be used for writes from inside RunInTx.
func (s *Store) Queries() repository.Querier {
	return &queries{store: s}
}

// RunInTx serialises fn against a private copy of the state.
func (s *Store) RunInTx(ctx context.Context, fn func(q repository.Querier) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.RLock()
	work := s.st.clone()
	s.mu.RUnlock()

	if err := fn(&queries{tx: work}); err != nil {
		return err
	}

	s.mu.Lock()
	s.st = work
	s.mu.Unlock()
	return nil
}

type queries struct {
	store *Store
	tx    *state
}

func (q *queries) read(fn func(st *state)) {
	if q.tx != nil {
		fn(q.tx)
		return
	}
	q.store.mu.RLock()
	defer q.store.mu.RUnlock()
	fn(q.store.st)
}

func (q *queries) write(fn func(st *state)) {
	if q.tx != nil {
		fn(q.tx)
		return
	}
	q.store.txMu.Lock()
	defer q.store.txMu.Unlock()
	q.store.mu.Lock()
	defer q.store.mu.Unlock()
	fn(q.store.st)
}

// orders

func (q *queries) CreateOrder(_ context.Context, o models.Order) error {
	var err error
	q.write(func(st *state) {
		if _, ok := st.orders[o.ID]; ok {
			err = errDuplicate("order")
			return
		}
		now := st.tick()
		o.CreatedAt, o.UpdatedAt = now, now
		st.orders[o.ID] = o
	})
	return err
}

func (q *queries) GetOrder(_ context.Context, id uuid.UUID) (models.Order, error) {
	var (
		o  models.Order
		ok bool
	)
	q.read(func(st *state) { o, ok = st.orders[id] })
	if !ok {
		return models.Order{}, repository.ErrNotFound
	}
	return o, nil
}

func (q *queries) LockOrder(ctx context.Context, id uuid.UUID) (models.Order, error) {
	return q.GetOrder(ctx, id)
}

func (q *queries) UpdateOrder(_ context.Context, o models.Order) (int64, error) {
	var n int64
	q.write(func(st *state) {
		cur, ok := st.orders[o.ID]
		if !ok {
			return
		}
		cur.Status = o.Status
		cur.PaidAmountCents = o.PaidAmountCents
		cur.ReceivableAmountCents = o.ReceivableAmountCents
		cur.IsPaid = o.IsPaid
		cur.UpdatedAt = st.tick()
		st.orders[o.ID] = cur
		n = 1
	})
	return n, nil
}

func (q *queries) ListOrdersByStatus(_ context.Context, statuses []domain.OrderStatus, limit int32) ([]models.Order, error) {
	want := make(map[domain.OrderStatus]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}
	var out []models.Order
	q.read(func(st *state) {
		for _, o := range st.orders {
			if want[o.Status] {
				out = append(out, o)
			}
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return limitSlice(out, limit), nil
}

// rounds and participants

func (q *queries) InsertRound(_ context.Context, r models.DispatchRound) error {
	var err error
	q.write(func(st *state) {
		for _, other := range st.rounds {
			if other.OrderID != r.OrderID {
				continue
			}
			if other.RoundNo == r.RoundNo || (other.Status.Open() && r.Status.Open()) {
				err = errDuplicate("dispatch round")
				return
			}
		}
		r.CreatedAt = st.tick()
		st.rounds[r.ID] = r
	})
	return err
}

func (q *queries) GetRound(_ context.Context, id uuid.UUID) (models.DispatchRound, error) {
	var (
		r  models.DispatchRound
		ok bool
	)
	q.read(func(st *state) { r, ok = st.rounds[id] })
	if !ok {
		return models.DispatchRound{}, repository.ErrNotFound
	}
	return r, nil
}

func (q *queries) UpdateRound(_ context.Context, r models.DispatchRound) (int64, error) {
	var n int64
	q.write(func(st *state) {
		cur, ok := st.rounds[r.ID]
		if !ok {
			return
		}
		r.OrderID, r.RoundNo, r.CreatedAt = cur.OrderID, cur.RoundNo, cur.CreatedAt
		st.rounds[r.ID] = r
		n = 1
	})
	return n, nil
}

func (q *queries) ListRoundsByOrder(_ context.Context, orderID uuid.UUID) ([]models.DispatchRound, error) {
	var out []models.DispatchRound
	q.read(func(st *state) {
		for _, r := range st.rounds {
			if r.OrderID == orderID {
				out = append(out, r)
			}
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].RoundNo < out[j].RoundNo })
	return out, nil
}

func (q *queries) GetOpenRound(ctx context.Context, orderID uuid.UUID) (models.DispatchRound, error) {
	rounds, _ := q.ListRoundsByOrder(ctx, orderID)
	for i := len(rounds) - 1; i >= 0; i-- {
		if rounds[i].Status.Open() {
			return rounds[i], nil
		}
	}
	return models.DispatchRound{}, repository.ErrNotFound
}

func (q *queries) InsertParticipant(_ context.Context, p models.Participant) error {
	q.write(func(st *state) { st.participants[p.ID] = p })
	return nil
}

func (q *queries) UpdateParticipant(_ context.Context, p models.Participant) (int64, error) {
	var n int64
	q.write(func(st *state) {
		cur, ok := st.participants[p.ID]
		if !ok {
			return
		}
		p.DispatchRoundID, p.UserID, p.Seat = cur.DispatchRoundID, cur.UserID, cur.Seat
		st.participants[p.ID] = p
		n = 1
	})
	return n, nil
}

func (q *queries) ListParticipantsByRound(_ context.Context, roundID uuid.UUID) ([]models.Participant, error) {
	var out []models.Participant
	q.read(func(st *state) {
		for _, p := range st.participants {
			if p.DispatchRoundID == roundID {
				out = append(out, p)
			}
		}
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].Seat != out[j].Seat {
			return out[i].Seat < out[j].Seat
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}

func (q *queries) CountOpenParticipations(_ context.Context, userID uuid.UUID) (int64, error) {
	var n int64
	q.read(func(st *state) {
		for _, p := range st.participants {
			if p.UserID != userID || !p.IsActive {
				continue
			}
			if r, ok := st.rounds[p.DispatchRoundID]; ok && r.Status.Open() {
				n++
			}
		}
	})
	return n, nil
}

// settlements

func (q *queries) UpsertSettlement(_ context.Context, s models.Settlement) error {
	q.write(func(st *state) {
		for id, cur := range st.settlements {
			if cur.DispatchRoundID == s.DispatchRoundID && cur.UserID == s.UserID && cur.SettlementType == s.SettlementType {
				s.ID = id
				break
			}
		}
		s.UpdatedAt = st.tick()
		st.settlements[s.ID] = s
	})
	return nil
}

func (q *queries) GetSettlement(_ context.Context, id uuid.UUID) (models.Settlement, error) {
	var (
		s  models.Settlement
		ok bool
	)
	q.read(func(st *state) { s, ok = st.settlements[id] })
	if !ok {
		return models.Settlement{}, repository.ErrNotFound
	}
	return s, nil
}

func (q *queries) DeleteSettlement(_ context.Context, id uuid.UUID) (int64, error) {
	var n int64
	q.write(func(st *state) {
		if _, ok := st.settlements[id]; ok {
			delete(st.settlements, id)
			n = 1
		}
	})
	return n, nil
}

func (q *queries) listSettlements(match func(models.Settlement) bool) []models.Settlement {
	var out []models.Settlement
	q.read(func(st *state) {
		for _, s := range st.settlements {
			if match(s) {
				out = append(out, s)
			}
		}
	})
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.DispatchRoundID != b.DispatchRoundID {
			return a.DispatchRoundID.String() < b.DispatchRoundID.String()
		}
		if a.SettlementType != b.SettlementType {
			return a.SettlementType < b.SettlementType
		}
		return a.UserID.String() < b.UserID.String()
	})
	return out
}

func (q *queries) ListSettlementsByOrder(_ context.Context, orderID uuid.UUID) ([]models.Settlement, error) {
	return q.listSettlements(func(s models.Settlement) bool { return s.OrderID == orderID }), nil
}

func (q *queries) ListSettlementsByRound(_ context.Context, roundID uuid.UUID) ([]models.Settlement, error) {
	return q.listSettlements(func(s models.Settlement) bool { return s.DispatchRoundID == roundID }), nil
}

// wallet

func (q *queries) LockWalletAccount(_ context.Context, userID uuid.UUID) error {
	q.write(func(st *state) { st.accounts[userID] = struct{}{} })
	return nil
}

func (q *queries) InsertWalletTransaction(_ context.Context, t models.WalletTransaction) error {
	var err error
	q.write(func(st *state) {
		if _, ok := st.accounts[t.UserID]; !ok {
			err = errMissing("wallet account")
			return
		}
		if t.AmountCents <= 0 {
			err = errConstraint("wallet transaction amount must be positive")
			return
		}
		for _, other := range st.txs {
			if other.ID == t.ID {
				err = errDuplicate("wallet transaction")
				return
			}
			if t.ReversalOfTxID != nil && other.ReversalOfTxID != nil && *other.ReversalOfTxID == *t.ReversalOfTxID {
				err = errDuplicate("reversal")
				return
			}
		}
		t.CreatedAt = st.tick()
		st.txs = append(st.txs, t)
	})
	return err
}

func liveTransactions(txs []models.WalletTransaction) []models.WalletTransaction {
	reversed := make(map[uuid.UUID]bool)
	for _, t := range txs {
		if t.ReversalOfTxID != nil {
			reversed[*t.ReversalOfTxID] = true
		}
	}
	var out []models.WalletTransaction
	for _, t := range txs {
		if t.Status == domain.TxReversed || reversed[t.ID] {
			continue
		}
		out = append(out, t)
	}
	return out
}

func (q *queries) GetWalletBalance(_ context.Context, userID uuid.UUID) (models.WalletBalance, error) {
	b := models.WalletBalance{UserID: userID}
	q.read(func(st *state) {
		for _, t := range liveTransactions(st.txs) {
			if t.UserID != userID {
				continue
			}
			switch t.Status {
			case domain.TxAvailable:
				b.AvailableCents += t.Signed()
			case domain.TxFrozen:
				b.FrozenCents += t.Signed()
			}
		}
	})
	return b, nil
}

func (q *queries) filterTxs(match func(models.WalletTransaction) bool) []models.WalletTransaction {
	var out []models.WalletTransaction
	q.read(func(st *state) {
		for _, t := range st.txs {
			if match(t) {
				out = append(out, t)
			}
		}
	})
	return out
}

func (q *queries) ListWalletTransactionsByUser(_ context.Context, userID uuid.UUID, limit, offset int32) ([]models.WalletTransaction, error) {
	txs := q.filterTxs(func(t models.WalletTransaction) bool { return t.UserID == userID })
	for i, j := 0, len(txs)-1; i < j; i, j = i+1, j-1 {
		txs[i], txs[j] = txs[j], txs[i]
	}
	if int(offset) >= len(txs) {
		return nil, nil
	}
	return limitSlice(txs[offset:], limit), nil
}

func (q *queries) ListWalletTransactionsByOrder(_ context.Context, orderID uuid.UUID) ([]models.WalletTransaction, error) {
	return q.filterTxs(func(t models.WalletTransaction) bool {
		return t.OrderID != nil && *t.OrderID == orderID
	}), nil
}

func (q *queries) ListWalletTransactionsByWithdrawal(_ context.Context, withdrawalID uuid.UUID) ([]models.WalletTransaction, error) {
	return q.filterTxs(func(t models.WalletTransaction) bool {
		return t.WithdrawalID != nil && *t.WithdrawalID == withdrawalID
	}), nil
}

// withdrawals

func openWithdrawal(s domain.WithdrawalStatus) bool {
	return s == domain.WithdrawalPendingReview || s == domain.WithdrawalApproved || s == domain.WithdrawalPaying
}

func (q *queries) InsertWithdrawal(_ context.Context, w models.WithdrawalRequest) error {
	var err error
	q.write(func(st *state) {
		for _, other := range st.withdrawals {
			if other.UserID != w.UserID {
				continue
			}
			if other.RequestNo == w.RequestNo || (openWithdrawal(other.Status) && openWithdrawal(w.Status)) {
				err = errDuplicate("withdrawal request")
				return
			}
		}
		now := st.tick()
		w.CreatedAt, w.UpdatedAt = now, now
		st.withdrawals[w.ID] = w
	})
	return err
}

func (q *queries) GetWithdrawal(_ context.Context, id uuid.UUID) (models.WithdrawalRequest, error) {
	var (
		w  models.WithdrawalRequest
		ok bool
	)
	q.read(func(st *state) { w, ok = st.withdrawals[id] })
	if !ok {
		return models.WithdrawalRequest{}, repository.ErrNotFound
	}
	return w, nil
}

func (q *queries) LockWithdrawal(ctx context.Context, id uuid.UUID) (models.WithdrawalRequest, error) {
	return q.GetWithdrawal(ctx, id)
}

func (q *queries) findWithdrawal(match func(models.WithdrawalRequest) bool) (models.WithdrawalRequest, error) {
	var (
		w     models.WithdrawalRequest
		found bool
	)
	q.read(func(st *state) {
		for _, cur := range st.withdrawals {
			if match(cur) {
				w, found = cur, true
				return
			}
		}
	})
	if !found {
		return models.WithdrawalRequest{}, repository.ErrNotFound
	}
	return w, nil
}

func (q *queries) GetWithdrawalByRequestNo(_ context.Context, userID uuid.UUID, requestNo string) (models.WithdrawalRequest, error) {
	return q.findWithdrawal(func(w models.WithdrawalRequest) bool {
		return w.UserID == userID && w.RequestNo == requestNo
	})
}

func (q *queries) GetWithdrawalByRailRef(_ context.Context, railRef string) (models.WithdrawalRequest, error) {
	if railRef == "" {
		return models.WithdrawalRequest{}, repository.ErrNotFound
	}
	return q.findWithdrawal(func(w models.WithdrawalRequest) bool { return w.RailRef == railRef })
}

func (q *queries) CountOpenWithdrawals(_ context.Context, userID uuid.UUID) (int64, error) {
	var n int64
	q.read(func(st *state) {
		for _, w := range st.withdrawals {
			if w.UserID == userID && openWithdrawal(w.Status) {
				n++
			}
		}
	})
	return n, nil
}

func (q *queries) UpdateWithdrawal(_ context.Context, w models.WithdrawalRequest) (int64, error) {
	var n int64
	q.write(func(st *state) {
		cur, ok := st.withdrawals[w.ID]
		if !ok {
			return
		}
		cur.Status = w.Status
		cur.ReviewerID = w.ReviewerID
		cur.ReviewRemark = w.ReviewRemark
		cur.FailReason = w.FailReason
		cur.RailRef = w.RailRef
		cur.Attempts = w.Attempts
		cur.NextAttemptAt = w.NextAttemptAt
		cur.UpdatedAt = st.tick()
		st.withdrawals[w.ID] = cur
		n = 1
	})
	return n, nil
}

func (q *queries) ClaimDuePayouts(_ context.Context, now time.Time, limit int32) ([]models.WithdrawalRequest, error) {
	var out []models.WithdrawalRequest
	q.read(func(st *state) {
		for _, w := range st.withdrawals {
			if w.Status != domain.WithdrawalPaying || w.RailRef != "" {
				continue
			}
			if w.NextAttemptAt != nil && w.NextAttemptAt.After(now) {
				continue
			}
			out = append(out, w)
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return limitSlice(out, limit), nil
}

// audit, outbox, reconciliation phases

func (q *queries) InsertAuditLog(_ context.Context, e models.AuditEntry) error {
	q.write(func(st *state) {
		e.CreatedAt = st.tick()
		st.audit = append(st.audit, e)
	})
	return nil
}

func (q *queries) ListAuditLogs(_ context.Context, entityID uuid.UUID) ([]models.AuditEntry, error) {
	var out []models.AuditEntry
	q.read(func(st *state) {
		for _, e := range st.audit {
			if e.EntityID == entityID {
				out = append(out, e)
			}
		}
	})
	return out, nil
}

func (q *queries) InsertDomainEvent(_ context.Context, e models.DomainEvent) error {
	q.write(func(st *state) {
		e.CreatedAt = st.tick()
		st.events = append(st.events, e)
	})
	return nil
}

func (q *queries) ListPendingEvents(_ context.Context, limit int32) ([]models.DomainEvent, error) {
	var out []models.DomainEvent
	q.read(func(st *state) {
		for _, e := range st.events {
			if e.PublishedAt == nil {
				out = append(out, e)
			}
		}
	})
	return limitSlice(out, limit), nil
}

func (q *queries) updateEvent(id uuid.UUID, fn func(e *models.DomainEvent)) int64 {
	var n int64
	q.write(func(st *state) {
		for i := range st.events {
			if st.events[i].ID == id {
				fn(&st.events[i])
				n = 1
				return
			}
		}
	})
	return n
}

func (q *queries) MarkEventPublished(_ context.Context, id uuid.UUID, at time.Time) (int64, error) {
	return q.updateEvent(id, func(e *models.DomainEvent) { e.PublishedAt = &at }), nil
}

func (q *queries) IncrementEventAttempts(_ context.Context, id uuid.UUID) (int64, error) {
	return q.updateEvent(id, func(e *models.DomainEvent) { e.Attempts++ }), nil
}

func (q *queries) UpsertReconciliationPhase(_ context.Context, p models.ReconciliationPhase) error {
	q.write(func(st *state) {
		p.UpdatedAt = st.tick()
		st.phases[p.OrderID] = p
	})
	return nil
}

func (q *queries) GetReconciliationPhase(_ context.Context, orderID uuid.UUID) (models.ReconciliationPhase, error) {
	var (
		p  models.ReconciliationPhase
		ok bool
	)
	q.read(func(st *state) { p, ok = st.phases[orderID] })
	if !ok {
		return models.ReconciliationPhase{}, repository.ErrNotFound
	}
	return p, nil
}

func limitSlice[T any](in []T, limit int32) []T {
	if limit > 0 && int(limit) < len(in) {
		return in[:limit]
	}
	return in
}
