package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/ayo6706/dispatch-ledger/internal/domain"
	"github.com/ayo6706/dispatch-ledger/internal/models"
	"github.com/ayo6706/dispatch-ledger/internal/observability"
	"github.com/ayo6706/dispatch-ledger/internal/repository"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// WalletChange is the classification of one settlement row against the ledger.
type WalletChange struct {
	SettlementID  uuid.UUID             `json:"settlement_id"`
	RoundID       uuid.UUID             `json:"round_id"`
	UserID        uuid.UUID             `json:"user_id"`
	Type          domain.SettlementType `json:"settlement_type"`
	Kind          domain.ChangeKind     `json:"kind"`
	ExpectedCents int64                 `json:"expected_cents"`
	CurrentCents  int64                 `json:"current_cents"`
	DeltaCents    int64                 `json:"delta_cents"`
	// Orphaned rows were removed by a recompute but still carry wallet money.
	Orphaned bool `json:"orphaned,omitempty"`
}

type ChangeSummary struct {
	New           int   `json:"new"`
	Adjust        int   `json:"adjust"`
	NoChange      int   `json:"no_change"`
	NetDeltaCents int64 `json:"net_delta_cents"`
}

// ReconciliationReport lists what a preview would do or what an apply did.
type ReconciliationReport struct {
	OrderID        uuid.UUID             `json:"order_id"`
	RecomputeToken uuid.UUID             `json:"recompute_token,omitempty"`
	Scope          domain.RecomputeScope `json:"scope"`
	RoundID        *uuid.UUID            `json:"round_id,omitempty"`
	DryRun         bool                  `json:"dry_run"`
	Changes        []WalletChange        `json:"changes"`
	Summary        ChangeSummary         `json:"summary"`
}

// ReconcileRequest drives the preview and apply phases.
type ReconcileRequest struct {
	OrderID uuid.UUID
	Token   uuid.UUID
	Reason  string
	ActorID *uuid.UUID
}

// ReconciliationService mirrors settlement rows into the wallet ledger. A
// cycle is recompute, preview, apply; each phase checks the recompute token
// issued by the previous one.
type ReconciliationService struct {
	store  QueryStore
	wallet *WalletService
	audit  *AuditService
}

func NewReconciliationService(store QueryStore, wallet *WalletService) *ReconciliationService {
	return &ReconciliationService{
		store:  store,
		wallet: wallet,
		audit:  NewAuditService(store),
	}
}

// Repair runs Preview when dryRun is set and Apply otherwise.
func (s *ReconciliationService) Repair(ctx context.Context, req ReconcileRequest, dryRun bool) (ReconciliationReport, error) {
	if dryRun {
		return s.Preview(ctx, req)
	}
	return s.Apply(ctx, req)
}

// Preview classifies every in-scope row without touching the ledger.
func (s *ReconciliationService) Preview(ctx context.Context, req ReconcileRequest) (ReconciliationReport, error) {
	var report ReconciliationReport
	err := s.store.RunInTx(ctx, func(qtx repository.Querier) error {
		order, phase, err := s.checkPhase(ctx, qtx, req, false)
		if err != nil {
			return err
		}
		changes, err := s.diff(ctx, qtx, order, phase.Scope, phase.RoundID)
		if err != nil {
			return err
		}
		phase.Previewed = true
		if err := qtx.UpsertReconciliationPhase(ctx, phase); err != nil {
			return fmt.Errorf("mark previewed: %w", err)
		}
		report = newReport(order.ID, phase, changes, true)
		return nil
	})
	if err != nil {
		return ReconciliationReport{}, err
	}
	recordChanges("preview", report.Summary)
	return report, nil
}

// Apply writes the ledger transactions a preview reported. Applying twice
// with the same token is harmless: the second run finds nothing to do.
func (s *ReconciliationService) Apply(ctx context.Context, req ReconcileRequest) (ReconciliationReport, error) {
	var report ReconciliationReport
	err := s.store.RunInTx(ctx, func(qtx repository.Querier) error {
		order, phase, err := s.checkPhase(ctx, qtx, req, true)
		if err != nil {
			return err
		}
		changes, err := s.diff(ctx, qtx, order, phase.Scope, phase.RoundID)
		if err != nil {
			return err
		}
		if err := s.applyChanges(ctx, qtx, order, changes, req.Reason); err != nil {
			return err
		}
		report = newReport(order.ID, phase, changes, false)
		return s.audit.Write(ctx, qtx, entityOrder, order.ID, req.ActorID, "wallet_reconciled", "", string(order.Status), mustJSON(map[string]any{
			"token":   phase.RecomputeToken,
			"summary": report.Summary,
			"reason":  req.Reason,
		}))
	})
	if err != nil {
		return ReconciliationReport{}, err
	}
	recordChanges("apply", report.Summary)
	return report, nil
}

func (s *ReconciliationService) checkPhase(ctx context.Context, qtx repository.Querier, req ReconcileRequest, needPreview bool) (models.Order, models.ReconciliationPhase, error) {
	if req.Token == uuid.Nil {
		return models.Order{}, models.ReconciliationPhase{}, domain.ErrTokenRequired
	}
	if strings.TrimSpace(req.Reason) == "" {
		return models.Order{}, models.ReconciliationPhase{}, domain.ErrReasonRequired
	}
	order, err := qtx.LockOrder(ctx, req.OrderID)
	if err != nil {
		return models.Order{}, models.ReconciliationPhase{}, notFoundAs(err, domain.ErrOrderNotFound)
	}
	if order.Status == domain.OrderRefunded {
		return models.Order{}, models.ReconciliationPhase{}, domain.ErrOrderRefunded
	}

	phase, err := qtx.GetReconciliationPhase(ctx, order.ID)
	if errors.Is(err, repository.ErrNotFound) {
		return models.Order{}, models.ReconciliationPhase{}, domain.ErrOutOfOrderReconciliation.Wrapf("no recompute recorded")
	}
	if err != nil {
		return models.Order{}, models.ReconciliationPhase{}, fmt.Errorf("get reconciliation phase: %w", err)
	}
	if phase.RecomputeToken != req.Token {
		return models.Order{}, models.ReconciliationPhase{}, domain.ErrOutOfOrderReconciliation.Wrapf("token is stale")
	}
	if needPreview && !phase.Previewed {
		return models.Order{}, models.ReconciliationPhase{}, domain.ErrOutOfOrderReconciliation.Wrapf("preview has not run for this token")
	}
	return order, phase, nil
}

// sync diffs and applies without the token handshake. Used by completion
// confirmation and by recomputes that ask for a wallet sync.
func (s *ReconciliationService) sync(ctx context.Context, qtx repository.Querier, order models.Order, scope domain.RecomputeScope, roundID *uuid.UUID, actorID *uuid.UUID, reason string) (ReconciliationReport, error) {
	changes, err := s.diff(ctx, qtx, order, scope, roundID)
	if err != nil {
		return ReconciliationReport{}, err
	}
	if err := s.applyChanges(ctx, qtx, order, changes, reason); err != nil {
		return ReconciliationReport{}, err
	}
	report := newReport(order.ID, models.ReconciliationPhase{Scope: scope, RoundID: roundID}, changes, false)
	recordChanges("sync", report.Summary)
	if err := s.audit.Write(ctx, qtx, entityOrder, order.ID, actorID, "wallet_synced", "", string(order.Status), mustJSON(map[string]any{
		"summary": report.Summary,
		"reason":  reason,
	})); err != nil {
		return ReconciliationReport{}, err
	}
	return report, nil
}

// diff compares each payable in-scope row with the live wallet money that
// references it.
func (s *ReconciliationService) diff(ctx context.Context, qtx repository.Querier, order models.Order, scope domain.RecomputeScope, roundID *uuid.UUID) ([]WalletChange, error) {
	inScope := func(id uuid.UUID) bool {
		return scope != domain.ScopeRound || (roundID != nil && *roundID == id)
	}

	rows, err := qtx.ListSettlementsByOrder(ctx, order.ID)
	if err != nil {
		return nil, fmt.Errorf("list settlements: %w", err)
	}
	txs, err := qtx.ListWalletTransactionsByOrder(ctx, order.ID)
	if err != nil {
		return nil, fmt.Errorf("list order transactions: %w", err)
	}

	current := make(map[uuid.UUID]int64)
	mirrored := make(map[uuid.UUID]models.WalletTransaction)
	for _, t := range liveTransactions(txs) {
		if t.SettlementID == nil {
			continue
		}
		current[*t.SettlementID] += t.Signed()
		if _, ok := mirrored[*t.SettlementID]; !ok {
			mirrored[*t.SettlementID] = t
		}
	}

	var changes []WalletChange
	known := make(map[uuid.UUID]bool, len(rows))
	for _, r := range rows {
		known[r.ID] = true
		if !r.SettlementType.Payable() || !inScope(r.DispatchRoundID) {
			continue
		}
		c := WalletChange{
			SettlementID:  r.ID,
			RoundID:       r.DispatchRoundID,
			UserID:        r.UserID,
			Type:          r.SettlementType,
			ExpectedCents: r.AmountCents(),
			CurrentCents:  current[r.ID],
		}
		c.DeltaCents = c.ExpectedCents - c.CurrentCents
		_, hasTx := mirrored[r.ID]
		switch {
		case !hasTx && c.ExpectedCents != 0:
			c.Kind = domain.ChangeNew
		case c.DeltaCents != 0:
			c.Kind = domain.ChangeAdjust
		default:
			c.Kind = domain.ChangeNoChange
		}
		changes = append(changes, c)
	}

	for id, t := range mirrored {
		if known[id] || t.DispatchRoundID == nil || !inScope(*t.DispatchRoundID) {
			continue
		}
		c := WalletChange{
			SettlementID: id,
			RoundID:      *t.DispatchRoundID,
			UserID:       t.UserID,
			CurrentCents: current[id],
			DeltaCents:   -current[id],
			Orphaned:     true,
			Kind:         domain.ChangeNoChange,
		}
		if c.DeltaCents != 0 {
			c.Kind = domain.ChangeAdjust
		}
		changes = append(changes, c)
	}

	sort.SliceStable(changes, func(i, j int) bool {
		a, b := changes[i], changes[j]
		if a.RoundID != b.RoundID {
			return a.RoundID.String() < b.RoundID.String()
		}
		if a.Type != b.Type {
			return a.Type < b.Type
		}
		if a.UserID != b.UserID {
			return a.UserID.String() < b.UserID.String()
		}
		return a.SettlementID.String() < b.SettlementID.String()
	})
	return changes, nil
}

// applyChanges posts NEW and ADJUST transactions. On completed orders the
// new freezes are released straight away.
func (s *ReconciliationService) applyChanges(ctx context.Context, qtx repository.Querier, order models.Order, changes []WalletChange, reason string) error {
	var users []uuid.UUID
	for _, c := range changes {
		if c.Kind != domain.ChangeNoChange {
			users = append(users, c.UserID)
		}
	}
	if len(users) == 0 {
		return nil
	}
	if err := s.wallet.lockUsers(ctx, qtx, users); err != nil {
		return err
	}

	released := order.Status == domain.OrderCompleted
	for _, c := range changes {
		if c.Kind == domain.ChangeNoChange {
			continue
		}

		row := models.Settlement{
			ID:              c.SettlementID,
			DispatchRoundID: c.RoundID,
			OrderID:         order.ID,
			UserID:          c.UserID,
			SettlementType:  c.Type,
		}
		if !c.Orphaned {
			var err error
			row, err = qtx.GetSettlement(ctx, c.SettlementID)
			if err != nil {
				return fmt.Errorf("get settlement: %w", err)
			}
		}

		amount, biz := c.DeltaCents, domain.BizSettlementAdjust
		if c.Kind == domain.ChangeNew {
			amount, biz = c.ExpectedCents, domain.SettlementBizType(c.Type, c.ExpectedCents)
		}
		tx, err := s.wallet.postSettlement(ctx, qtx, row, amount, biz, reason)
		if err != nil {
			return err
		}

		status := domain.PaymentStatusFrozen
		if released {
			if err := s.wallet.release(ctx, qtx, tx, reason); err != nil {
				return err
			}
			status = domain.PaymentStatusReleased
		}
		if c.Orphaned || row.PaymentStatus == status {
			continue
		}
		row.PaymentStatus = status
		if err := qtx.UpsertSettlement(ctx, row); err != nil {
			return err
		}
	}

	zap.L().Info("wallet reconciled",
		zap.String("order_id", order.ID.String()),
		zap.Int("changes", len(users)))
	return nil
}

func newReport(orderID uuid.UUID, phase models.ReconciliationPhase, changes []WalletChange, dryRun bool) ReconciliationReport {
	r := ReconciliationReport{
		OrderID:        orderID,
		RecomputeToken: phase.RecomputeToken,
		Scope:          phase.Scope,
		RoundID:        phase.RoundID,
		DryRun:         dryRun,
		Changes:        changes,
	}
	if r.Changes == nil {
		r.Changes = []WalletChange{}
	}
	for _, c := range changes {
		switch c.Kind {
		case domain.ChangeNew:
			r.Summary.New++
		case domain.ChangeAdjust:
			r.Summary.Adjust++
		case domain.ChangeNoChange:
			r.Summary.NoChange++
		}
		if c.Kind != domain.ChangeNoChange {
			r.Summary.NetDeltaCents += c.DeltaCents
		}
	}
	return r
}

func recordChanges(phase string, sum ChangeSummary) {
	observability.AddReconciliationChanges(phase, string(domain.ChangeNew), sum.New)
	observability.AddReconciliationChanges(phase, string(domain.ChangeAdjust), sum.Adjust)
	observability.AddReconciliationChanges(phase, string(domain.ChangeNoChange), sum.NoChange)
}
