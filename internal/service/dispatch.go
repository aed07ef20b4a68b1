package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ayo6706/dispatch-ledger/internal/availability"
	"github.com/ayo6706/dispatch-ledger/internal/domain"
	"github.com/ayo6706/dispatch-ledger/internal/models"
	"github.com/ayo6706/dispatch-ledger/internal/observability"
	"github.com/ayo6706/dispatch-ledger/internal/repository"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// CreateOrderRequest carries the commercial terms of a new order.
type CreateOrderRequest struct {
	SerialNo         string
	ProjectID        uuid.UUID
	BillingMode      domain.BillingMode
	BaseAmountWan    int64
	PaidAmountCents  int64
	HourlyPriceCents int64
	IsGifted         bool
	CSRate           decimal.Decimal
	InviteRate       decimal.Decimal
	CustomClubRate   *decimal.Decimal
	ProjectClubRate  *decimal.Decimal
	CSUserID         *uuid.UUID
	InviterUserID    *uuid.UUID
	ActorID          *uuid.UUID
}

type AssignRequest struct {
	OrderID uuid.UUID
	UserIDs []uuid.UUID
	Remark  string
	ActorID *uuid.UUID
}

type RejectRequest struct {
	RoundID uuid.UUID
	UserID  uuid.UUID
	Reason  string
}

type UpdateParticipantsRequest struct {
	RoundID uuid.UUID
	UserIDs []uuid.UUID
	Remark  string
	ActorID *uuid.UUID
}

// CloseRoundRequest archives or completes a round. TotalProgressBaseWan is
// required to archive a guaranteed round; DeductMinutes and BillableHours
// only apply to hourly orders.
type CloseRoundRequest struct {
	RoundID              uuid.UUID
	Remark               string
	TotalProgressBaseWan *int64
	DeductMinutes        string
	BillableHours        *decimal.Decimal
	ActorID              *uuid.UUID
}

type UpdateProgressRequest struct {
	RoundID              uuid.UUID
	TotalProgressBaseWan int64
	Remark               string
	ActorID              *uuid.UUID
}

type PaidAmountRequest struct {
	OrderID         uuid.UUID
	PaidAmountCents int64
	Remark          string
	ActorID         *uuid.UUID
}

type RoundView struct {
	models.DispatchRound
	Participants []models.Participant `json:"participants"`
}

type OrderView struct {
	models.Order
	Rounds []RoundView `json:"rounds"`
}

// DispatchService drives orders and their dispatch rounds.
type DispatchService struct {
	store      QueryStore
	audit      *AuditService
	settlement *SettlementService
	recon      *ReconciliationService
	wallet     *WalletService
	pool       availability.Pool
	keeper     domain.HourlyTimeKeeper
}

func NewDispatchService(store QueryStore, settlement *SettlementService, recon *ReconciliationService, wallet *WalletService, pool availability.Pool) *DispatchService {
	return &DispatchService{
		store:      store,
		audit:      NewAuditService(store),
		settlement: settlement,
		recon:      recon,
		wallet:     wallet,
		pool:       pool,
		keeper:     domain.NewHourlyTimeKeeper(),
	}
}

// WithClock replaces the clock used for timestamps and hourly billing.
func (s *DispatchService) WithClock(now func() time.Time) *DispatchService {
	s.keeper.Now = now
	return s
}

func (s *DispatchService) now() time.Time {
	return nowUTC(s.keeper.Now)
}

// CreateOrder validates and stores a new order in WAIT_ASSIGN.
func (s *DispatchService) CreateOrder(ctx context.Context, req CreateOrderRequest) (models.Order, error) {
	if !req.BillingMode.Valid() {
		return models.Order{}, domain.ErrInvalidBillingMode.Wrapf("%q", req.BillingMode)
	}
	if req.PaidAmountCents < 0 || req.HourlyPriceCents < 0 || req.BaseAmountWan < 0 {
		return models.Order{}, domain.ErrInvalidAmount.Wrapf("amounts must not be negative")
	}
	switch req.BillingMode {
	case domain.BillingGuaranteed:
		if req.BaseAmountWan <= 0 {
			return models.Order{}, domain.ErrInvalidAmount.Wrapf("guaranteed orders need a positive base amount")
		}
	case domain.BillingHourly:
		if req.HourlyPriceCents <= 0 {
			return models.Order{}, domain.ErrInvalidAmount.Wrapf("hourly orders need a positive hourly price")
		}
	}

	order := models.Order{
		ID:               uuid.New(),
		SerialNo:         strings.TrimSpace(req.SerialNo),
		ProjectID:        req.ProjectID,
		BillingMode:      req.BillingMode,
		BaseAmountWan:    req.BaseAmountWan,
		PaidAmountCents:  req.PaidAmountCents,
		HourlyPriceCents: req.HourlyPriceCents,
		Status:           domain.OrderWaitAssign,
		IsGifted:         req.IsGifted,
		CSRate:           req.CSRate,
		InviteRate:       req.InviteRate,
		CustomClubRate:   req.CustomClubRate,
		ProjectClubRate:  req.ProjectClubRate,
		CSUserID:         req.CSUserID,
		InviterUserID:    req.InviterUserID,
	}
	for _, r := range []decimal.Decimal{order.CSRate, order.InviteRate, order.ClubRate()} {
		if !domain.ValidRate(r) {
			return models.Order{}, domain.ErrInvalidRate.Wrapf("got %s", r)
		}
	}
	if order.CSRate.Add(order.InviteRate).GreaterThan(order.ClubRate()) {
		return models.Order{}, domain.ErrInvalidRate.Wrapf("cs %s + invite %s exceeds club rate %s", order.CSRate, order.InviteRate, order.ClubRate())
	}
	if order.SerialNo == "" {
		order.SerialNo = fmt.Sprintf("DL-%s-%s", s.now().Format("20060102150405"), order.ID.String()[:8])
	}

	err := s.store.RunInTx(ctx, func(qtx repository.Querier) error {
		if err := qtx.CreateOrder(ctx, order); err != nil {
			return fmt.Errorf("create order: %w", err)
		}
		return s.audit.Write(ctx, qtx, entityOrder, order.ID, req.ActorID, "created", "", string(order.Status), nil)
	})
	if err != nil {
		return models.Order{}, err
	}
	return s.store.Queries().GetOrder(ctx, order.ID)
}

// GetOrder returns the order with its rounds and participants.
func (s *DispatchService) GetOrder(ctx context.Context, orderID uuid.UUID) (OrderView, error) {
	q := s.store.Queries()
	order, err := q.GetOrder(ctx, orderID)
	if err != nil {
		return OrderView{}, notFoundAs(err, domain.ErrOrderNotFound)
	}
	rounds, err := q.ListRoundsByOrder(ctx, orderID)
	if err != nil {
		return OrderView{}, fmt.Errorf("list rounds: %w", err)
	}
	view := OrderView{Order: order, Rounds: make([]RoundView, 0, len(rounds))}
	for _, r := range rounds {
		ps, err := q.ListParticipantsByRound(ctx, r.ID)
		if err != nil {
			return OrderView{}, fmt.Errorf("list participants: %w", err)
		}
		view.Rounds = append(view.Rounds, RoundView{DispatchRound: r, Participants: ps})
	}
	return view, nil
}

// GetRound returns one round with its participants.
func (s *DispatchService) GetRound(ctx context.Context, roundID uuid.UUID) (RoundView, error) {
	q := s.store.Queries()
	r, err := q.GetRound(ctx, roundID)
	if err != nil {
		return RoundView{}, notFoundAs(err, domain.ErrRoundNotFound)
	}
	ps, err := q.ListParticipantsByRound(ctx, roundID)
	if err != nil {
		return RoundView{}, fmt.Errorf("list participants: %w", err)
	}
	return RoundView{DispatchRound: r, Participants: ps}, nil
}

// Assign opens a new round for the order with 1..2 idle workers.
func (s *DispatchService) Assign(ctx context.Context, req AssignRequest) (RoundView, error) {
	if err := validatePlayers(req.UserIDs); err != nil {
		return RoundView{}, err
	}

	var roundID uuid.UUID
	err := s.store.RunInTx(ctx, func(qtx repository.Querier) error {
		order, err := qtx.LockOrder(ctx, req.OrderID)
		if err != nil {
			return notFoundAs(err, domain.ErrOrderNotFound)
		}
		if order.Status.Terminal() {
			return domain.ErrOrderTerminal.Wrapf("order is %s", order.Status)
		}
		if _, err := qtx.GetOpenRound(ctx, order.ID); err == nil {
			return domain.ErrOpenRoundExists
		} else if !errors.Is(err, repository.ErrNotFound) {
			return fmt.Errorf("get open round: %w", err)
		}
		if order.Status != domain.OrderWaitAssign && order.Status != domain.OrderArchived {
			return domain.ErrOrderNotAssignable.Wrapf("order is %s", order.Status)
		}
		for _, u := range req.UserIDs {
			if err := s.ensureIdle(ctx, qtx, u); err != nil {
				return err
			}
		}

		rounds, err := qtx.ListRoundsByOrder(ctx, order.ID)
		if err != nil {
			return fmt.Errorf("list rounds: %w", err)
		}
		now := s.now()
		round := models.DispatchRound{
			ID:         uuid.New(),
			OrderID:    order.ID,
			RoundNo:    len(rounds) + 1,
			Status:     domain.RoundWaitAccept,
			AssignedAt: ptr(now),
			Remark:     req.Remark,
		}
		if err := qtx.InsertRound(ctx, round); err != nil {
			return fmt.Errorf("insert round: %w", err)
		}
		for i, u := range req.UserIDs {
			if err := qtx.InsertParticipant(ctx, models.Participant{
				ID:              uuid.New(),
				DispatchRoundID: round.ID,
				UserID:          u,
				Seat:            i,
				IsActive:        true,
			}); err != nil {
				return fmt.Errorf("insert participant: %w", err)
			}
		}
		if err := s.audit.Write(ctx, qtx, entityRound, round.ID, req.ActorID, "assigned", "", string(round.Status), mustJSON(map[string]any{"user_ids": req.UserIDs})); err != nil {
			return err
		}
		if err := s.setOrderStatus(ctx, qtx, &order, domain.OrderWaitAccept, req.ActorID, "assigned"); err != nil {
			return err
		}
		roundID = round.ID
		return emitEvent(ctx, qtx, domain.EventDispatchAssigned, DispatchEvent{
			OrderID: order.ID, RoundID: round.ID, UserIDs: req.UserIDs, ActorID: req.ActorID, Occurred: now,
		})
	})
	if err != nil {
		observability.IncrementDispatchTransition("assign", "error")
		return RoundView{}, err
	}
	observability.IncrementDispatchTransition("assign", "ok")
	return s.GetRound(ctx, roundID)
}

// Accept records one worker's acceptance. Once every active participant has
// accepted, the round and order become ACCEPTED. Accepting twice is a no-op.
func (s *DispatchService) Accept(ctx context.Context, roundID, userID uuid.UUID) (RoundView, error) {
	err := s.store.RunInTx(ctx, func(qtx repository.Querier) error {
		round, order, err := s.lockRound(ctx, qtx, roundID)
		if err != nil {
			return err
		}
		ps, err := qtx.ListParticipantsByRound(ctx, round.ID)
		if err != nil {
			return fmt.Errorf("list participants: %w", err)
		}
		p, ok := findActive(ps, userID)
		if !ok {
			return domain.ErrNotParticipant
		}
		if p.AcceptedAt != nil {
			return nil
		}
		if round.Status != domain.RoundWaitAccept {
			return domain.ErrRoundNotAcceptable.Wrapf("round is %s", round.Status)
		}

		now := s.now()
		p.AcceptedAt = ptr(now)
		if err := updateParticipant(ctx, qtx, p); err != nil {
			return err
		}
		if err := s.audit.Write(ctx, qtx, entityRound, round.ID, &userID, "participant_accepted", "", "", nil); err != nil {
			return err
		}
		return s.settleAcceptance(ctx, qtx, &round, &order, &userID, now)
	})
	if err != nil {
		observability.IncrementDispatchTransition("accept", "error")
		return RoundView{}, err
	}
	observability.IncrementDispatchTransition("accept", "ok")
	return s.GetRound(ctx, roundID)
}

// Reject takes the worker out of the round. The worker rests until they
// report available again.
func (s *DispatchService) Reject(ctx context.Context, req RejectRequest) (RoundView, error) {
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		return RoundView{}, domain.ErrReasonRequired
	}

	err := s.store.RunInTx(ctx, func(qtx repository.Querier) error {
		round, order, err := s.lockRound(ctx, qtx, req.RoundID)
		if err != nil {
			return err
		}
		if round.Status != domain.RoundWaitAssign && round.Status != domain.RoundWaitAccept {
			return domain.ErrRoundNotAcceptable.Wrapf("round is %s", round.Status)
		}
		ps, err := qtx.ListParticipantsByRound(ctx, round.ID)
		if err != nil {
			return fmt.Errorf("list participants: %w", err)
		}
		p, ok := findActive(ps, req.UserID)
		if !ok {
			return domain.ErrNotParticipant
		}

		now := s.now()
		p.IsActive = false
		p.RejectedAt = ptr(now)
		p.RejectReason = reason
		if err := updateParticipant(ctx, qtx, p); err != nil {
			return err
		}
		if err := s.audit.Write(ctx, qtx, entityRound, round.ID, &req.UserID, "participant_rejected", "", "", mustJSON(map[string]string{"reason": reason})); err != nil {
			return err
		}
		if err := emitEvent(ctx, qtx, domain.EventParticipantRejected, DispatchEvent{
			OrderID: order.ID, RoundID: round.ID, UserIDs: []uuid.UUID{req.UserID}, Reason: reason, ActorID: &req.UserID, Occurred: now,
		}); err != nil {
			return err
		}
		return s.settleAcceptance(ctx, qtx, &round, &order, &req.UserID, now)
	})
	if err != nil {
		observability.IncrementDispatchTransition("reject", "error")
		return RoundView{}, err
	}
	observability.IncrementDispatchTransition("reject", "ok")
	return s.GetRound(ctx, req.RoundID)
}

// settleAcceptance moves the round after the participant set or an
// acceptance changed: no active players sends it back to WAIT_ASSIGN, all
// accepted moves it to ACCEPTED.
func (s *DispatchService) settleAcceptance(ctx context.Context, qtx repository.Querier, round *models.DispatchRound, order *models.Order, actorID *uuid.UUID, now time.Time) error {
	ps, err := qtx.ListParticipantsByRound(ctx, round.ID)
	if err != nil {
		return fmt.Errorf("list participants: %w", err)
	}
	active := activeParticipants(ps)
	if len(active) == 0 {
		if err := s.setRoundStatus(ctx, qtx, round, domain.RoundWaitAssign, actorID, "awaiting_participants"); err != nil {
			return err
		}
		return s.setOrderStatus(ctx, qtx, order, domain.OrderWaitAssign, actorID, "awaiting_participants")
	}
	for _, p := range active {
		if p.AcceptedAt == nil {
			return nil
		}
	}
	round.AcceptedAllAt = ptr(now)
	if err := s.setRoundStatus(ctx, qtx, round, domain.RoundAccepted, actorID, "accepted"); err != nil {
		return err
	}
	return s.setOrderStatus(ctx, qtx, order, domain.OrderAccepted, actorID, "accepted")
}

// UpdateParticipants replaces the active participant set before anyone has
// accepted.
func (s *DispatchService) UpdateParticipants(ctx context.Context, req UpdateParticipantsRequest) (RoundView, error) {
	if err := validatePlayers(req.UserIDs); err != nil {
		return RoundView{}, err
	}

	err := s.store.RunInTx(ctx, func(qtx repository.Querier) error {
		round, order, err := s.lockRound(ctx, qtx, req.RoundID)
		if err != nil {
			return err
		}
		if round.Status != domain.RoundWaitAssign && round.Status != domain.RoundWaitAccept {
			return domain.ErrRoundNotAcceptable.Wrapf("round is %s", round.Status)
		}
		ps, err := qtx.ListParticipantsByRound(ctx, round.ID)
		if err != nil {
			return fmt.Errorf("list participants: %w", err)
		}
		active := activeParticipants(ps)
		for _, p := range active {
			if p.AcceptedAt != nil {
				return domain.ErrParticipantsLocked
			}
		}

		wanted := make(map[uuid.UUID]bool, len(req.UserIDs))
		for _, u := range req.UserIDs {
			wanted[u] = true
		}
		current := make(map[uuid.UUID]bool, len(active))
		var removed []uuid.UUID
		for _, p := range active {
			current[p.UserID] = true
			if wanted[p.UserID] {
				continue
			}
			p.IsActive = false
			if err := updateParticipant(ctx, qtx, p); err != nil {
				return err
			}
			removed = append(removed, p.UserID)
		}

		seat := 0
		for _, p := range ps {
			seat = max(seat, p.Seat+1)
		}
		var added []uuid.UUID
		for _, u := range req.UserIDs {
			if current[u] {
				continue
			}
			if err := s.ensureIdle(ctx, qtx, u); err != nil {
				return err
			}
			if err := qtx.InsertParticipant(ctx, models.Participant{
				ID:              uuid.New(),
				DispatchRoundID: round.ID,
				UserID:          u,
				Seat:            seat,
				IsActive:        true,
			}); err != nil {
				return fmt.Errorf("insert participant: %w", err)
			}
			seat++
			added = append(added, u)
		}

		if err := s.audit.Write(ctx, qtx, entityRound, round.ID, req.ActorID, "participants_updated", "", "", mustJSON(map[string]any{
			"added": added, "removed": removed, "remark": req.Remark,
		})); err != nil {
			return err
		}
		if err := s.setRoundStatus(ctx, qtx, &round, domain.RoundWaitAccept, req.ActorID, "participants_updated"); err != nil {
			return err
		}
		if err := s.setOrderStatus(ctx, qtx, &order, domain.OrderWaitAccept, req.ActorID, "participants_updated"); err != nil {
			return err
		}
		return emitEvent(ctx, qtx, domain.EventParticipantsUpdated, DispatchEvent{
			OrderID: order.ID, RoundID: round.ID, UserIDs: added, Removed: removed, ActorID: req.ActorID, Occurred: s.now(),
		})
	})
	if err != nil {
		observability.IncrementDispatchTransition("update_participants", "error")
		return RoundView{}, err
	}
	observability.IncrementDispatchTransition("update_participants", "ok")
	return s.GetRound(ctx, req.RoundID)
}

// Archive closes an accepted round without finishing the order. Guaranteed
// orders record the round's progress; the round is then settled on its own.
// An archive that uses up the whole quota sends the order to confirmation.
func (s *DispatchService) Archive(ctx context.Context, req CloseRoundRequest) (RecomputeResult, error) {
	var res RecomputeResult
	err := s.store.RunInTx(ctx, func(qtx repository.Querier) error {
		round, order, active, err := s.lockClosableRound(ctx, qtx, req)
		if err != nil {
			return err
		}

		var exhausted bool
		switch order.BillingMode {
		case domain.BillingGuaranteed:
			if req.TotalProgressBaseWan == nil {
				return domain.ErrProgressRequired
			}
			consumed, _, err := closedProgress(ctx, qtx, order.ID, uuid.Nil)
			if err != nil {
				return err
			}
			ledger := domain.ProgressLedger{BaseAmountWan: order.BaseAmountWan}
			if err := ledger.CheckArchive(consumed, *req.TotalProgressBaseWan); err != nil {
				return err
			}
			if err := recordProgress(ctx, qtx, active, *req.TotalProgressBaseWan); err != nil {
				return err
			}
			exhausted = ledger.Exhausted(consumed + *req.TotalProgressBaseWan)
		case domain.BillingHourly:
			if err := s.billHours(&round, order, req); err != nil {
				return err
			}
		}

		now := s.now()
		round.ArchivedAt = ptr(now)
		if req.Remark != "" {
			round.Remark = req.Remark
		}
		if err := s.setRoundStatus(ctx, qtx, &round, domain.RoundArchived, req.ActorID, "archived"); err != nil {
			return err
		}
		if exhausted {
			// Nothing is left to deliver, so the order moves straight to confirmation.
			if err := s.setOrderStatus(ctx, qtx, &order, domain.OrderCompletedPendingConfirm, req.ActorID, "quota_exhausted"); err != nil {
				return err
			}
			res, err = s.settlement.recompute(ctx, qtx, order, domain.ScopeCompletedAndArchived, nil, req.ActorID, "quota exhausted on archive")
		} else {
			if err := s.setOrderStatus(ctx, qtx, &order, domain.OrderArchived, req.ActorID, "archived"); err != nil {
				return err
			}
			res, err = s.settlement.recompute(ctx, qtx, order, domain.ScopeRound, ptr(round.ID), req.ActorID, "round archived")
		}
		if err != nil {
			return err
		}
		return emitEvent(ctx, qtx, domain.EventRoundClosed, DispatchEvent{
			OrderID: order.ID, RoundID: round.ID, UserIDs: userIDs(active), Status: string(round.Status), ActorID: req.ActorID, Occurred: now,
		})
	})
	if err != nil {
		observability.IncrementDispatchTransition("archive", "error")
		return RecomputeResult{}, err
	}
	observability.IncrementDispatchTransition("archive", "ok")
	return res, nil
}

// Complete finishes the order on an accepted round. Guaranteed orders fill
// the remaining quota; every closed round is then settled.
func (s *DispatchService) Complete(ctx context.Context, req CloseRoundRequest) (RecomputeResult, error) {
	var res RecomputeResult
	err := s.store.RunInTx(ctx, func(qtx repository.Querier) error {
		round, order, active, err := s.lockClosableRound(ctx, qtx, req)
		if err != nil {
			return err
		}

		switch order.BillingMode {
		case domain.BillingGuaranteed:
			consumed, _, err := closedProgress(ctx, qtx, order.ID, uuid.Nil)
			if err != nil {
				return err
			}
			ledger := domain.ProgressLedger{BaseAmountWan: order.BaseAmountWan}
			if err := recordProgress(ctx, qtx, active, ledger.CompletionFill(consumed)); err != nil {
				return err
			}
		case domain.BillingHourly:
			if err := s.billHours(&round, order, req); err != nil {
				return err
			}
		}

		now := s.now()
		round.CompletedAt = ptr(now)
		if req.Remark != "" {
			round.Remark = req.Remark
		}
		if err := s.setRoundStatus(ctx, qtx, &round, domain.RoundCompleted, req.ActorID, "completed"); err != nil {
			return err
		}
		if err := s.setOrderStatus(ctx, qtx, &order, domain.OrderCompletedPendingConfirm, req.ActorID, "completed"); err != nil {
			return err
		}
		res, err = s.settlement.recompute(ctx, qtx, order, domain.ScopeCompletedAndArchived, nil, req.ActorID, "order completed")
		if err != nil {
			return err
		}
		return emitEvent(ctx, qtx, domain.EventRoundClosed, DispatchEvent{
			OrderID: order.ID, RoundID: round.ID, UserIDs: userIDs(active), Status: string(round.Status), ActorID: req.ActorID, Occurred: now,
		})
	})
	if err != nil {
		observability.IncrementDispatchTransition("complete", "error")
		return RecomputeResult{}, err
	}
	observability.IncrementDispatchTransition("complete", "ok")
	return res, nil
}

// ConfirmComplete syncs the wallet with the settlement rows and releases the
// order's frozen money to the workers.
func (s *DispatchService) ConfirmComplete(ctx context.Context, orderID uuid.UUID, remark string, actorID *uuid.UUID) (ReconciliationReport, error) {
	var report ReconciliationReport
	err := s.store.RunInTx(ctx, func(qtx repository.Querier) error {
		order, err := qtx.LockOrder(ctx, orderID)
		if err != nil {
			return notFoundAs(err, domain.ErrOrderNotFound)
		}
		if order.Status != domain.OrderCompletedPendingConfirm {
			return domain.ErrNotPendingConfirm.Wrapf("order is %s", order.Status)
		}

		reason := "completion confirmed"
		if remark != "" {
			reason = remark
		}
		report, err = s.recon.sync(ctx, qtx, order, domain.ScopeCompletedAndArchived, nil, actorID, reason)
		if err != nil {
			return err
		}
		released, err := s.wallet.releaseOrder(ctx, qtx, order.ID, reason)
		if err != nil {
			return err
		}
		if err := markPaymentStatus(ctx, qtx, order.ID, domain.PaymentStatusReleased); err != nil {
			return err
		}
		zap.L().Info("order funds released", zap.String("order_id", order.ID.String()), zap.Int("freezes", released))
		return s.setOrderStatus(ctx, qtx, &order, domain.OrderCompleted, actorID, "completion_confirmed")
	})
	if err != nil {
		observability.IncrementDispatchTransition("confirm_complete", "error")
		return ReconciliationReport{}, err
	}
	observability.IncrementDispatchTransition("confirm_complete", "ok")
	return report, nil
}

// Refund cancels the order: any open round is closed and every wallet
// transaction the order produced is reversed.
func (s *DispatchService) Refund(ctx context.Context, orderID uuid.UUID, reason string, actorID *uuid.UUID) (OrderView, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return OrderView{}, domain.ErrReasonRequired
	}

	err := s.store.RunInTx(ctx, func(qtx repository.Querier) error {
		order, err := qtx.LockOrder(ctx, orderID)
		if err != nil {
			return notFoundAs(err, domain.ErrOrderNotFound)
		}
		switch order.Status {
		case domain.OrderRefunded:
			return domain.ErrOrderRefunded
		case domain.OrderCompleted:
			return domain.ErrOrderTerminal.Wrapf("order is %s", order.Status)
		}

		now := s.now()
		round, err := qtx.GetOpenRound(ctx, order.ID)
		switch {
		case err == nil:
			ps, err := qtx.ListParticipantsByRound(ctx, round.ID)
			if err != nil {
				return fmt.Errorf("list participants: %w", err)
			}
			round.ArchivedAt = ptr(now)
			if err := s.setRoundStatus(ctx, qtx, &round, domain.RoundArchived, actorID, "closed_by_refund"); err != nil {
				return err
			}
			if err := emitEvent(ctx, qtx, domain.EventRoundClosed, DispatchEvent{
				OrderID: order.ID, RoundID: round.ID, UserIDs: userIDs(activeParticipants(ps)), Status: string(round.Status), Reason: reason, ActorID: actorID, Occurred: now,
			}); err != nil {
				return err
			}
		case !errors.Is(err, repository.ErrNotFound):
			return fmt.Errorf("get open round: %w", err)
		}

		reversed, err := s.wallet.reverseOrder(ctx, qtx, order.ID, reason)
		if err != nil {
			return err
		}
		if err := markPaymentStatus(ctx, qtx, order.ID, domain.PaymentStatusRefunded); err != nil {
			return err
		}
		zap.L().Info("order refunded", zap.String("order_id", order.ID.String()), zap.Int("reversed", reversed))
		return s.setOrderStatus(ctx, qtx, &order, domain.OrderRefunded, actorID, "refunded")
	})
	if err != nil {
		observability.IncrementDispatchTransition("refund", "error")
		return OrderView{}, err
	}
	observability.IncrementDispatchTransition("refund", "ok")
	return s.GetOrder(ctx, orderID)
}

// UpdateArchivedProgressTotal repairs the progress of an archived guaranteed
// round and re-settles that round.
func (s *DispatchService) UpdateArchivedProgressTotal(ctx context.Context, req UpdateProgressRequest) (RecomputeResult, error) {
	if strings.TrimSpace(req.Remark) == "" {
		return RecomputeResult{}, domain.ErrReasonRequired
	}

	var res RecomputeResult
	err := s.store.RunInTx(ctx, func(qtx repository.Querier) error {
		round, order, err := s.lockRound(ctx, qtx, req.RoundID)
		if err != nil {
			return err
		}
		if order.Status == domain.OrderRefunded {
			return domain.ErrOrderRefunded
		}
		if order.BillingMode != domain.BillingGuaranteed {
			return domain.ErrGuaranteedOnly
		}
		if round.Status != domain.RoundArchived {
			return domain.ErrRoundNotArchived.Wrapf("round is %s", round.Status)
		}
		consumed, completed, err := closedProgress(ctx, qtx, order.ID, round.ID)
		if err != nil {
			return err
		}
		if completed || orderSettled(order.Status) {
			return domain.ErrProgressFrozen
		}
		ledger := domain.ProgressLedger{BaseAmountWan: order.BaseAmountWan}
		if err := ledger.CheckArchive(consumed, req.TotalProgressBaseWan); err != nil {
			return err
		}

		ps, err := qtx.ListParticipantsByRound(ctx, round.ID)
		if err != nil {
			return fmt.Errorf("list participants: %w", err)
		}
		active := activeParticipants(ps)
		var before int64
		for _, p := range active {
			before += p.ProgressBaseWan
		}
		if err := recordProgress(ctx, qtx, active, req.TotalProgressBaseWan); err != nil {
			return err
		}
		if err := s.audit.Write(ctx, qtx, entityRound, round.ID, req.ActorID, "progress_updated",
			fmt.Sprint(before), fmt.Sprint(req.TotalProgressBaseWan), mustJSON(map[string]string{"remark": req.Remark})); err != nil {
			return err
		}
		res, err = s.settlement.recompute(ctx, qtx, order, domain.ScopeRound, ptr(round.ID), req.ActorID, req.Remark)
		return err
	})
	if err != nil {
		return RecomputeResult{}, err
	}
	return res, nil
}

// MarkOrderPaid records the paid amount and flags the order as paid.
func (s *DispatchService) MarkOrderPaid(ctx context.Context, req PaidAmountRequest) (models.Order, error) {
	return s.updatePaid(ctx, req, true)
}

// UpdateOrderPaidAmount changes the paid amount without touching the paid flag.
func (s *DispatchService) UpdateOrderPaidAmount(ctx context.Context, req PaidAmountRequest) (models.Order, error) {
	return s.updatePaid(ctx, req, false)
}

func (s *DispatchService) updatePaid(ctx context.Context, req PaidAmountRequest, markPaid bool) (models.Order, error) {
	if req.PaidAmountCents < 0 {
		return models.Order{}, domain.ErrInvalidAmount.Wrapf("paid amount %d", req.PaidAmountCents)
	}

	err := s.store.RunInTx(ctx, func(qtx repository.Querier) error {
		order, err := qtx.LockOrder(ctx, req.OrderID)
		if err != nil {
			return notFoundAs(err, domain.ErrOrderNotFound)
		}
		if order.Status == domain.OrderRefunded {
			return domain.ErrOrderRefunded
		}
		if order.BillingMode == domain.BillingHourly && req.PaidAmountCents < order.PaidAmountCents {
			return domain.ErrPaidAmountDecrease.Wrapf("from %d to %d", order.PaidAmountCents, req.PaidAmountCents)
		}

		prev := order.PaidAmountCents
		order.PaidAmountCents = req.PaidAmountCents
		if markPaid {
			order.IsPaid = true
		}
		rows, err := qtx.UpdateOrder(ctx, order)
		if err != nil {
			return fmt.Errorf("update order: %w", err)
		}
		if err := requireExactlyOne(rows, "update paid amount"); err != nil {
			return err
		}
		action := "paid_amount_updated"
		if markPaid {
			action = "marked_paid"
		}
		if err := s.audit.Write(ctx, qtx, entityOrder, order.ID, req.ActorID, action, fmt.Sprint(prev), fmt.Sprint(order.PaidAmountCents), mustJSON(map[string]string{"remark": req.Remark})); err != nil {
			return err
		}

		if prev == order.PaidAmountCents || order.BillingMode == domain.BillingHourly {
			return nil
		}
		closed, err := hasClosedRound(ctx, qtx, order.ID)
		if err != nil || !closed {
			return err
		}
		_, err = s.settlement.recompute(ctx, qtx, order, domain.ScopeCompletedAndArchived, nil, req.ActorID, "paid amount changed")
		return err
	})
	if err != nil {
		return models.Order{}, err
	}
	return s.store.Queries().GetOrder(ctx, req.OrderID)
}

// lockRound locks the round's order, then re-reads the round.
func (s *DispatchService) lockRound(ctx context.Context, qtx repository.Querier, roundID uuid.UUID) (models.DispatchRound, models.Order, error) {
	round, err := qtx.GetRound(ctx, roundID)
	if err != nil {
		return models.DispatchRound{}, models.Order{}, notFoundAs(err, domain.ErrRoundNotFound)
	}
	order, err := qtx.LockOrder(ctx, round.OrderID)
	if err != nil {
		return models.DispatchRound{}, models.Order{}, notFoundAs(err, domain.ErrOrderNotFound)
	}
	round, err = qtx.GetRound(ctx, roundID)
	if err != nil {
		return models.DispatchRound{}, models.Order{}, notFoundAs(err, domain.ErrRoundNotFound)
	}
	if order.Status == domain.OrderRefunded {
		return models.DispatchRound{}, models.Order{}, domain.ErrOrderRefunded
	}
	return round, order, nil
}

func (s *DispatchService) lockClosableRound(ctx context.Context, qtx repository.Querier, req CloseRoundRequest) (models.DispatchRound, models.Order, []models.Participant, error) {
	round, order, err := s.lockRound(ctx, qtx, req.RoundID)
	if err != nil {
		return models.DispatchRound{}, models.Order{}, nil, err
	}
	if order.Status.Terminal() {
		return models.DispatchRound{}, models.Order{}, nil, domain.ErrOrderTerminal.Wrapf("order is %s", order.Status)
	}
	if round.Status.Closed() {
		return models.DispatchRound{}, models.Order{}, nil, domain.ErrRoundClosed
	}
	if round.Status != domain.RoundAccepted {
		return models.DispatchRound{}, models.Order{}, nil, domain.ErrRoundNotAccepted.Wrapf("round is %s", round.Status)
	}
	if order.BillingMode != domain.BillingHourly && (req.BillableHours != nil || strings.TrimSpace(req.DeductMinutes) != "") {
		return models.DispatchRound{}, models.Order{}, nil, domain.ErrHourlyOnly
	}
	ps, err := qtx.ListParticipantsByRound(ctx, round.ID)
	if err != nil {
		return models.DispatchRound{}, models.Order{}, nil, fmt.Errorf("list participants: %w", err)
	}
	return round, order, activeParticipants(ps), nil
}

// billHours stores the round's billable hours.
func (s *DispatchService) billHours(round *models.DispatchRound, order models.Order, req CloseRoundRequest) error {
	d, err := domain.ParseDeduction(req.DeductMinutes)
	if err != nil {
		return err
	}
	start := domain.StartTime(round.AcceptedAllAt, round.AssignedAt, order.CreatedAt)
	res, err := s.keeper.Bill(start, d, req.BillableHours)
	if err != nil {
		return err
	}
	round.DeductMinutes = ""
	if strings.TrimSpace(req.DeductMinutes) != "" {
		round.DeductMinutes = d.String()
	}
	round.BillableHours = ptr(res.BillableHours)
	zap.L().Debug("billed hourly round",
		zap.String("round_id", round.ID.String()),
		zap.Int64("elapsed_minutes", res.ElapsedMinutes),
		zap.String("deduction", d.Kind()),
		zap.Int64("deducted_minutes", res.DeductedMinutes),
		zap.String("billable_hours", res.BillableHours.String()),
		zap.Bool("overridden", res.Overridden))
	return nil
}

// ensureIdle checks the worker has no open round and is not resting.
func (s *DispatchService) ensureIdle(ctx context.Context, qtx repository.Querier, userID uuid.UUID) error {
	n, err := qtx.CountOpenParticipations(ctx, userID)
	if err != nil {
		return fmt.Errorf("count open participations: %w", err)
	}
	if n > 0 {
		return domain.ErrUserNotIdle.Wrapf("%s is in an open round", userID)
	}
	if s.pool == nil {
		return nil
	}
	status, err := s.pool.Status(ctx, userID)
	if err != nil {
		zap.L().Warn("availability lookup failed", zap.Error(err), zap.String("user_id", userID.String()))
		return nil
	}
	if status == domain.AvailabilityResting {
		return domain.ErrUserNotIdle.Wrapf("%s is resting", userID)
	}
	return nil
}

func (s *DispatchService) setOrderStatus(ctx context.Context, qtx repository.Querier, order *models.Order, next domain.OrderStatus, actorID *uuid.UUID, action string) error {
	prev := order.Status
	if prev == next {
		return nil
	}
	if err := checkOrderTransition(prev, next); err != nil {
		return err
	}
	order.Status = next
	rows, err := qtx.UpdateOrder(ctx, *order)
	if err != nil {
		return fmt.Errorf("update order status: %w", err)
	}
	if err := requireExactlyOne(rows, "update order status"); err != nil {
		return err
	}
	return s.audit.Write(ctx, qtx, entityOrder, order.ID, actorID, action, string(prev), string(next), nil)
}

func (s *DispatchService) setRoundStatus(ctx context.Context, qtx repository.Querier, round *models.DispatchRound, next domain.RoundStatus, actorID *uuid.UUID, action string) error {
	prev := round.Status
	if err := checkRoundTransition(prev, next); err != nil {
		return err
	}
	round.Status = next
	rows, err := qtx.UpdateRound(ctx, *round)
	if err != nil {
		return fmt.Errorf("update round: %w", err)
	}
	if err := requireExactlyOne(rows, "update round"); err != nil {
		return err
	}
	if prev == next {
		return nil
	}
	return s.audit.Write(ctx, qtx, entityRound, round.ID, actorID, action, string(prev), string(next), nil)
}

// closedProgress sums recorded progress over the order's closed rounds,
// skipping exclude. It also reports whether a completed round exists.
func closedProgress(ctx context.Context, qtx repository.Querier, orderID, exclude uuid.UUID) (int64, bool, error) {
	rounds, err := qtx.ListRoundsByOrder(ctx, orderID)
	if err != nil {
		return 0, false, fmt.Errorf("list rounds: %w", err)
	}
	var consumed int64
	completed := false
	for _, r := range rounds {
		if !r.Status.Closed() || r.ID == exclude {
			continue
		}
		if r.Status == domain.RoundCompleted {
			completed = true
		}
		ps, err := qtx.ListParticipantsByRound(ctx, r.ID)
		if err != nil {
			return 0, false, fmt.Errorf("list participants: %w", err)
		}
		for _, p := range activeParticipants(ps) {
			consumed += p.ProgressBaseWan
		}
	}
	return consumed, completed, nil
}

func hasClosedRound(ctx context.Context, qtx repository.Querier, orderID uuid.UUID) (bool, error) {
	rounds, err := qtx.ListRoundsByOrder(ctx, orderID)
	if err != nil {
		return false, fmt.Errorf("list rounds: %w", err)
	}
	for _, r := range rounds {
		if r.Status.Closed() {
			return true, nil
		}
	}
	return false, nil
}

// recordProgress splits total across the active participants in seat order.
func recordProgress(ctx context.Context, qtx repository.Querier, active []models.Participant, total int64) error {
	if len(active) == 0 {
		if total != 0 {
			return domain.ErrInvalidParticipantCount.Wrapf("no active participants to carry progress")
		}
		return nil
	}
	for i, part := range domain.SplitProgress(total, len(active)) {
		p := active[i]
		p.ProgressBaseWan = part
		if err := updateParticipant(ctx, qtx, p); err != nil {
			return err
		}
	}
	return nil
}

// markPaymentStatus sets the payment status of every payable row of the order.
func markPaymentStatus(ctx context.Context, qtx repository.Querier, orderID uuid.UUID, status string) error {
	rows, err := qtx.ListSettlementsByOrder(ctx, orderID)
	if err != nil {
		return fmt.Errorf("list settlements: %w", err)
	}
	for _, r := range rows {
		if !r.SettlementType.Payable() || r.PaymentStatus == status {
			continue
		}
		r.PaymentStatus = status
		if err := qtx.UpsertSettlement(ctx, r); err != nil {
			return err
		}
	}
	return nil
}

func updateParticipant(ctx context.Context, qtx repository.Querier, p models.Participant) error {
	rows, err := qtx.UpdateParticipant(ctx, p)
	if err != nil {
		return fmt.Errorf("update participant: %w", err)
	}
	return requireExactlyOne(rows, "update participant")
}

func findActive(ps []models.Participant, userID uuid.UUID) (models.Participant, bool) {
	for _, p := range ps {
		if p.UserID == userID && p.IsActive {
			return p, true
		}
	}
	return models.Participant{}, false
}

func userIDs(ps []models.Participant) []uuid.UUID {
	out := make([]uuid.UUID, 0, len(ps))
	for _, p := range ps {
		out = append(out, p.UserID)
	}
	return out
}
