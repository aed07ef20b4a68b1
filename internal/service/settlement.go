package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ayo6706/dispatch-ledger/internal/domain"
	"github.com/ayo6706/dispatch-ledger/internal/models"
	"github.com/ayo6706/dispatch-ledger/internal/observability"
	"github.com/ayo6706/dispatch-ledger/internal/repository"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// settlementNamespace seeds the name-based ids of settlement rows and batches.
var settlementNamespace = uuid.MustParse("6f1d3c1e-8a53-4e0f-9d8e-2a4a7b1c5e90")

func settlementID(roundID, userID uuid.UUID, t domain.SettlementType) uuid.UUID {
	return uuid.NewSHA1(settlementNamespace, []byte(roundID.String()+"/"+userID.String()+"/"+string(t)))
}

// batchID changes whenever any line of the round changes.
func batchID(roundID uuid.UUID, lines []domain.EarningsLine) uuid.UUID {
	var b strings.Builder
	b.WriteString(roundID.String())
	for _, l := range lines {
		b.WriteString("|")
		b.WriteString(l.UserID.String())
		b.WriteString(":")
		b.WriteString(string(l.Type))
		b.WriteString(":")
		b.WriteString(strconv.FormatInt(l.FinalEarningsCents, 10))
		b.WriteString(":")
		b.WriteString(strconv.FormatInt(l.CSEarningsCents, 10))
	}
	return uuid.NewSHA1(settlementNamespace, []byte(b.String()))
}

// SettlementDiff records one row that a recompute created, changed or removed.
// A nil Before means the row is new; a nil After means it was removed.
type SettlementDiff struct {
	SettlementID uuid.UUID             `json:"settlement_id"`
	RoundID      uuid.UUID             `json:"round_id"`
	UserID       uuid.UUID             `json:"user_id"`
	Type         domain.SettlementType `json:"settlement_type"`
	BeforeCents  *int64                `json:"before_cents,omitempty"`
	AfterCents   *int64                `json:"after_cents,omitempty"`
	WasOverride  bool                  `json:"was_manual_override,omitempty"`
}

// RecomputeResult is returned by a settlement recompute.
type RecomputeResult struct {
	OrderID        uuid.UUID             `json:"order_id"`
	RecomputeToken uuid.UUID             `json:"recompute_token"`
	Scope          domain.RecomputeScope `json:"scope"`
	RoundID        *uuid.UUID            `json:"round_id,omitempty"`
	Diffs          []SettlementDiff      `json:"diffs"`
	Settlements    []models.Settlement   `json:"settlements"`
	Wallet         *ReconciliationReport `json:"wallet,omitempty"`
}

// RecalculateRequest asks for a settlement recompute of an order.
type RecalculateRequest struct {
	OrderID         uuid.UUID
	Scope           domain.RecomputeScope
	RoundID         *uuid.UUID
	AllowWalletSync bool
	Reason          string
	ActorID         *uuid.UUID
}

// AdjustRequest overrides the final earnings of one settlement row.
type AdjustRequest struct {
	SettlementID       uuid.UUID
	FinalEarningsCents int64
	Remark             string
	ActorID            *uuid.UUID
}

// SettlementService derives settlement rows from dispatch state.
type SettlementService struct {
	store QueryStore
	audit *AuditService
	recon *ReconciliationService
}

func NewSettlementService(store QueryStore, recon *ReconciliationService) *SettlementService {
	return &SettlementService{
		store: store,
		audit: NewAuditService(store),
		recon: recon,
	}
}

// ListByOrder returns all settlement rows of an order.
func (s *SettlementService) ListByOrder(ctx context.Context, orderID uuid.UUID) ([]models.Settlement, error) {
	if _, err := s.store.Queries().GetOrder(ctx, orderID); err != nil {
		return nil, notFoundAs(err, domain.ErrOrderNotFound)
	}
	rows, err := s.store.Queries().ListSettlementsByOrder(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("list settlements: %w", err)
	}
	return rows, nil
}

// Recalculate rebuilds settlement rows for the requested scope and issues a
// new recompute token. Wallet sync is optional and runs in the same
// transaction.
func (s *SettlementService) Recalculate(ctx context.Context, req RecalculateRequest) (RecomputeResult, error) {
	if strings.TrimSpace(req.Reason) == "" {
		return RecomputeResult{}, domain.ErrReasonRequired
	}
	if err := validateScope(req.Scope, req.RoundID); err != nil {
		return RecomputeResult{}, err
	}

	var res RecomputeResult
	err := s.store.RunInTx(ctx, func(qtx repository.Querier) error {
		order, err := qtx.LockOrder(ctx, req.OrderID)
		if err != nil {
			return notFoundAs(err, domain.ErrOrderNotFound)
		}
		if order.Status == domain.OrderRefunded {
			return domain.ErrOrderRefunded
		}

		res, err = s.recompute(ctx, qtx, order, req.Scope, req.RoundID, req.ActorID, req.Reason)
		if err != nil {
			return err
		}

		if req.AllowWalletSync {
			report, err := s.recon.sync(ctx, qtx, order, req.Scope, req.RoundID, req.ActorID, req.Reason)
			if err != nil {
				return err
			}
			res.Wallet = &report
		}
		return nil
	})
	if err != nil {
		observability.IncrementSettlementRecompute(string(req.Scope), "error")
		return RecomputeResult{}, err
	}
	observability.IncrementSettlementRecompute(string(req.Scope), "ok")
	return res, nil
}

func validateScope(scope domain.RecomputeScope, roundID *uuid.UUID) error {
	switch scope {
	case domain.ScopeRound:
		if roundID == nil || *roundID == uuid.Nil {
			return domain.ErrInvalidScope.Wrapf("round scope requires a round id")
		}
	case domain.ScopeCompletedAndArchived:
	default:
		return domain.ErrInvalidScope.Wrapf("%q", scope)
	}
	return nil
}

type roundComputation struct {
	round   models.DispatchRound
	players []models.Participant
	amount  int64
	result  domain.EarningsResult
}

// computeOrder settles every closed round of the order in round order.
func computeOrder(ctx context.Context, qtx repository.Querier, order models.Order) ([]roundComputation, error) {
	rounds, err := qtx.ListRoundsByOrder(ctx, order.ID)
	if err != nil {
		return nil, fmt.Errorf("list rounds: %w", err)
	}
	sort.Slice(rounds, func(i, j int) bool { return rounds[i].RoundNo < rounds[j].RoundNo })

	var comps []roundComputation
	var progress []domain.RoundProgress
	for _, r := range rounds {
		if !r.Status.Closed() {
			continue
		}
		ps, err := qtx.ListParticipantsByRound(ctx, r.ID)
		if err != nil {
			return nil, fmt.Errorf("list participants: %w", err)
		}
		active := activeParticipants(ps)
		rp := domain.RoundProgress{RoundID: r.ID, RoundNo: r.RoundNo}
		for _, p := range active {
			rp.Players = append(rp.Players, p.UserID)
			rp.TotalBaseWan += p.ProgressBaseWan
		}
		progress = append(progress, rp)
		comps = append(comps, roundComputation{round: r, players: active})
	}

	ledger := domain.ProgressLedger{BaseAmountWan: order.BaseAmountWan}
	allocations := ledger.Allocate(progress)

	for i := range comps {
		c := &comps[i]
		in := domain.EarningsInput{
			PaidAmountCents: order.PaidAmountCents,
			BaseAmountWan:   order.BaseAmountWan,
			ClubRate:        order.ClubRate(),
			CSRate:          order.CSRate,
			InviteRate:      order.InviteRate,
			CSUserID:        order.CSUserID,
			InviterID:       order.InviterUserID,
		}
		for _, p := range c.players {
			in.MainPlayers = append(in.MainPlayers, p.UserID)
		}

		switch order.BillingMode {
		case domain.BillingGuaranteed:
			alloc := allocations[c.round.ID]
			c.amount = domain.GuaranteedRoundAmount(order.PaidAmountCents, order.BaseAmountWan, alloc)
			for _, rec := range alloc.Recoveries {
				in.Supplements = append(in.Supplements, domain.Supplement{Players: rec.Players, Units: rec.Units})
			}
		case domain.BillingHourly:
			if c.round.BillableHours != nil {
				c.amount = domain.HourlyRoundAmount(*c.round.BillableHours, order.HourlyPriceCents)
			}
		case domain.BillingModePlay:
			if c.round.Status == domain.RoundCompleted {
				c.amount = order.PaidAmountCents
			}
		}
		in.OrderAmountCents = c.amount
		c.result = domain.Calculate(in)
	}
	return comps, nil
}

func activeParticipants(ps []models.Participant) []models.Participant {
	out := make([]models.Participant, 0, len(ps))
	for _, p := range ps {
		if p.IsActive {
			out = append(out, p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Seat < out[j].Seat })
	return out
}

// recompute rewrites settlement rows for the scope inside qtx. The order must
// already be locked.
func (s *SettlementService) recompute(ctx context.Context, qtx repository.Querier, order models.Order, scope domain.RecomputeScope, roundID *uuid.UUID, actorID *uuid.UUID, reason string) (RecomputeResult, error) {
	comps, err := computeOrder(ctx, qtx, order)
	if err != nil {
		return RecomputeResult{}, err
	}

	if order.BillingMode == domain.BillingHourly {
		var receivable int64
		for _, c := range comps {
			receivable += c.amount
		}
		if receivable != order.ReceivableAmountCents {
			order.ReceivableAmountCents = receivable
			rows, err := qtx.UpdateOrder(ctx, order)
			if err != nil {
				return RecomputeResult{}, fmt.Errorf("update receivable: %w", err)
			}
			if err := requireExactlyOne(rows, "update receivable"); err != nil {
				return RecomputeResult{}, err
			}
		}
	}

	targets := comps
	if scope == domain.ScopeRound {
		targets = nil
		for _, c := range comps {
			if c.round.ID == *roundID {
				targets = append(targets, c)
			}
		}
		if len(targets) == 0 {
			r, err := qtx.GetRound(ctx, *roundID)
			if err != nil || r.OrderID != order.ID {
				return RecomputeResult{}, domain.ErrRoundNotFound
			}
			return RecomputeResult{}, domain.ErrRoundNotArchived
		}
	}

	res := RecomputeResult{OrderID: order.ID, Scope: scope, RoundID: roundID}
	for _, c := range targets {
		if got := c.result.TotalCents(); got != c.amount {
			return RecomputeResult{}, conservationFailure(order, c.amount, got, "round "+c.round.ID.String())
		}
		diffs, rows, err := s.persistRound(ctx, qtx, order, c)
		if err != nil {
			return RecomputeResult{}, err
		}
		res.Diffs = append(res.Diffs, diffs...)
		res.Settlements = append(res.Settlements, rows...)
	}

	if err := checkOrderConservation(ctx, qtx, order); err != nil {
		return RecomputeResult{}, err
	}

	token, err := issueRecomputeToken(ctx, qtx, order.ID, scope, roundID)
	if err != nil {
		return RecomputeResult{}, err
	}
	res.RecomputeToken = token

	if err := s.audit.Write(ctx, qtx, entityOrder, order.ID, actorID, "settlement_recomputed", "", string(order.Status), mustJSON(map[string]any{
		"scope":    scope,
		"round_id": roundID,
		"diffs":    res.Diffs,
		"reason":   reason,
		"token":    token,
	})); err != nil {
		return RecomputeResult{}, err
	}
	return res, nil
}

// persistRound upserts changed rows of one round and deletes rows the
// calculator no longer produces. Unchanged rows are left untouched.
func (s *SettlementService) persistRound(ctx context.Context, qtx repository.Querier, order models.Order, c roundComputation) ([]SettlementDiff, []models.Settlement, error) {
	existing, err := qtx.ListSettlementsByRound(ctx, c.round.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("list round settlements: %w", err)
	}
	byID := make(map[uuid.UUID]models.Settlement, len(existing))
	for _, e := range existing {
		byID[e.ID] = e
	}

	batch := batchID(c.round.ID, c.result.Lines)
	var diffs []SettlementDiff
	var rows []models.Settlement
	for _, l := range c.result.Lines {
		row := models.Settlement{
			ID:                 settlementID(c.round.ID, l.UserID, l.Type),
			DispatchRoundID:    c.round.ID,
			OrderID:            order.ID,
			UserID:             l.UserID,
			SettlementType:     l.Type,
			FinalEarningsCents: l.FinalEarningsCents,
			CSEarningsCents:    l.CSEarningsCents,
			SettlementBatchID:  batch,
			PaymentStatus:      domain.PaymentStatusUnpaid,
		}

		prev, had := byID[row.ID]
		delete(byID, row.ID)
		if had {
			row.PaymentStatus = prev.PaymentStatus
			if prev.FinalEarningsCents == row.FinalEarningsCents &&
				prev.CSEarningsCents == row.CSEarningsCents &&
				prev.SettlementBatchID == row.SettlementBatchID &&
				!prev.ManualOverride {
				rows = append(rows, prev)
				continue
			}
		}

		if err := qtx.UpsertSettlement(ctx, row); err != nil {
			return nil, nil, err
		}
		saved, err := qtx.GetSettlement(ctx, row.ID)
		if err != nil {
			return nil, nil, fmt.Errorf("reload settlement: %w", err)
		}
		rows = append(rows, saved)

		if !had || prev.AmountCents() != row.AmountCents() || prev.ManualOverride {
			d := SettlementDiff{
				SettlementID: row.ID,
				RoundID:      row.DispatchRoundID,
				UserID:       row.UserID,
				Type:         row.SettlementType,
				AfterCents:   ptr(row.AmountCents()),
			}
			if had {
				d.BeforeCents = ptr(prev.AmountCents())
				d.WasOverride = prev.ManualOverride
			}
			diffs = append(diffs, d)
		}
	}

	stale := make([]models.Settlement, 0, len(byID))
	for _, e := range byID {
		stale = append(stale, e)
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].ID.String() < stale[j].ID.String() })
	for _, e := range stale {
		if _, err := qtx.DeleteSettlement(ctx, e.ID); err != nil {
			return nil, nil, err
		}
		diffs = append(diffs, SettlementDiff{
			SettlementID: e.ID,
			RoundID:      e.DispatchRoundID,
			UserID:       e.UserID,
			Type:         e.SettlementType,
			BeforeCents:  ptr(e.AmountCents()),
			WasOverride:  e.ManualOverride,
		})
	}

	if err := updateContributions(ctx, qtx, c); err != nil {
		return nil, nil, err
	}
	return diffs, rows, nil
}

// updateContributions stores each active participant's net round earnings.
func updateContributions(ctx context.Context, qtx repository.Querier, c roundComputation) error {
	earned := make(map[uuid.UUID]int64)
	for _, l := range c.result.Lines {
		if l.Type.Participant() {
			earned[l.UserID] += l.AmountCents()
		}
	}
	for _, p := range c.players {
		if p.ContributionCents == earned[p.UserID] {
			continue
		}
		p.ContributionCents = earned[p.UserID]
		rows, err := qtx.UpdateParticipant(ctx, p)
		if err != nil {
			return fmt.Errorf("update contribution: %w", err)
		}
		if err := requireExactlyOne(rows, "update contribution"); err != nil {
			return err
		}
	}
	return nil
}

// conservationTarget is what the rows of a completed order must sum to.
func conservationTarget(order models.Order) int64 {
	if order.BillingMode == domain.BillingHourly {
		return order.ReceivableAmountCents
	}
	return order.PaidAmountCents
}

func orderSettled(status domain.OrderStatus) bool {
	return status == domain.OrderCompletedPendingConfirm || status == domain.OrderCompleted
}

// checkOrderConservation verifies the rows of a completed order sum to its
// amount. Orders still in progress are only checked per round.
func checkOrderConservation(ctx context.Context, qtx repository.Querier, order models.Order) error {
	if !orderSettled(order.Status) {
		return nil
	}
	rows, err := qtx.ListSettlementsByOrder(ctx, order.ID)
	if err != nil {
		return fmt.Errorf("list settlements: %w", err)
	}
	var total int64
	for _, r := range rows {
		total += r.AmountCents()
	}
	if want := conservationTarget(order); total != want {
		return conservationFailure(order, want, total, "order")
	}
	return nil
}

func conservationFailure(order models.Order, want, got int64, where string) error {
	observability.IncrementInvariantViolation("money_conservation")
	zap.L().Error("CRITICAL: settlement rows do not conserve money",
		zap.String("order_id", order.ID.String()),
		zap.String("scope", where),
		zap.Int64("expected_cents", want),
		zap.Int64("actual_cents", got))
	return domain.ErrMoneyNotConserved.Wrapf("%s: expected %d, got %d", where, want, got)
}

// issueRecomputeToken starts a new reconciliation cycle for the order.
func issueRecomputeToken(ctx context.Context, qtx repository.Querier, orderID uuid.UUID, scope domain.RecomputeScope, roundID *uuid.UUID) (uuid.UUID, error) {
	token := uuid.New()
	if err := qtx.UpsertReconciliationPhase(ctx, models.ReconciliationPhase{
		OrderID:        orderID,
		RecomputeToken: token,
		Scope:          scope,
		RoundID:        roundID,
	}); err != nil {
		return uuid.Nil, fmt.Errorf("store recompute token: %w", err)
	}
	return token, nil
}

// AdjustFinalEarnings overrides one row. The round's CLUB row absorbs the
// difference so the round still sums to its amount. The override lasts until
// the next recompute of the round.
func (s *SettlementService) AdjustFinalEarnings(ctx context.Context, req AdjustRequest) (models.Settlement, error) {
	if strings.TrimSpace(req.Remark) == "" {
		return models.Settlement{}, domain.ErrReasonRequired
	}

	row, err := s.store.Queries().GetSettlement(ctx, req.SettlementID)
	if err != nil {
		return models.Settlement{}, notFoundAs(err, domain.ErrSettlementNotFound)
	}

	var out models.Settlement
	err = s.store.RunInTx(ctx, func(qtx repository.Querier) error {
		order, err := qtx.LockOrder(ctx, row.OrderID)
		if err != nil {
			return notFoundAs(err, domain.ErrOrderNotFound)
		}
		if order.Status == domain.OrderRefunded {
			return domain.ErrOrderRefunded
		}
		row, err := qtx.GetSettlement(ctx, req.SettlementID)
		if err != nil {
			return notFoundAs(err, domain.ErrSettlementNotFound)
		}
		if row.SettlementType == domain.SettlementClub {
			return domain.ErrClubRowDerived
		}

		delta := req.FinalEarningsCents - row.FinalEarningsCents
		if delta == 0 {
			out = row
			return nil
		}

		clubID := settlementID(row.DispatchRoundID, uuid.MustParse(domain.PlatformUserID), domain.SettlementClub)
		club, err := qtx.GetSettlement(ctx, clubID)
		if err != nil {
			if !errors.Is(err, repository.ErrNotFound) {
				return fmt.Errorf("get club row: %w", err)
			}
			club = models.Settlement{
				ID:                clubID,
				DispatchRoundID:   row.DispatchRoundID,
				OrderID:           row.OrderID,
				UserID:            uuid.MustParse(domain.PlatformUserID),
				SettlementType:    domain.SettlementClub,
				SettlementBatchID: row.SettlementBatchID,
				PaymentStatus:     domain.PaymentStatusUnpaid,
			}
		}
		club.FinalEarningsCents -= delta
		club.ManualOverride = true
		club.Remark = req.Remark
		if err := qtx.UpsertSettlement(ctx, club); err != nil {
			return err
		}

		before := row.AmountCents()
		row.FinalEarningsCents = req.FinalEarningsCents
		row.ManualOverride = true
		row.Remark = req.Remark
		if err := qtx.UpsertSettlement(ctx, row); err != nil {
			return err
		}

		if _, err := issueRecomputeToken(ctx, qtx, order.ID, domain.ScopeCompletedAndArchived, nil); err != nil {
			return err
		}

		if err := s.audit.Write(ctx, qtx, entitySettlement, row.ID, req.ActorID, "final_earnings_adjusted",
			strconv.FormatInt(before, 10), strconv.FormatInt(row.AmountCents(), 10),
			mustJSON(map[string]any{"remark": req.Remark, "club_delta_cents": -delta, "adjusted_at": time.Now().UTC()})); err != nil {
			return err
		}

		out, err = qtx.GetSettlement(ctx, row.ID)
		return err
	})
	if err != nil {
		return models.Settlement{}, err
	}
	return out, nil
}
