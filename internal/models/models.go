package models

import (
	"encoding/json"
	"time"

	"github.com/ayo6706/dispatch-ledger/internal/domain"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Order struct {
	ID                    uuid.UUID          `json:"id"`
	SerialNo              string             `json:"serial_no"`
	ProjectID             uuid.UUID          `json:"project_id"`
	BillingMode           domain.BillingMode `json:"billing_mode"`
	BaseAmountWan         int64              `json:"base_amount_wan"`
	PaidAmountCents       int64              `json:"paid_amount_cents"`
	ReceivableAmountCents int64              `json:"receivable_amount_cents"`
	HourlyPriceCents      int64              `json:"hourly_price_cents"`
	Status                domain.OrderStatus `json:"status"`
	IsPaid                bool               `json:"is_paid"`
	IsGifted              bool               `json:"is_gifted"`
	CSRate                decimal.Decimal    `json:"cs_rate"`
	InviteRate            decimal.Decimal    `json:"invite_rate"`
	CustomClubRate        *decimal.Decimal   `json:"custom_club_rate,omitempty"`
	ProjectClubRate       *decimal.Decimal   `json:"project_club_rate,omitempty"`
	CSUserID              *uuid.UUID         `json:"cs_user_id,omitempty"`
	InviterUserID         *uuid.UUID         `json:"inviter_user_id,omitempty"`
	CreatedAt             time.Time          `json:"created_at"`
	UpdatedAt             time.Time          `json:"updated_at"`
}

// ClubRate resolves the effective club commission for the order.
func (o Order) ClubRate() decimal.Decimal {
	return domain.ResolveClubRate(o.CustomClubRate, o.ProjectClubRate)
}

type DispatchRound struct {
	ID            uuid.UUID          `json:"id"`
	OrderID       uuid.UUID          `json:"order_id"`
	RoundNo       int                `json:"round_no"`
	Status        domain.RoundStatus `json:"status"`
	AssignedAt    *time.Time         `json:"assigned_at,omitempty"`
	AcceptedAllAt *time.Time         `json:"accepted_all_at,omitempty"`
	ArchivedAt    *time.Time         `json:"archived_at,omitempty"`
	CompletedAt   *time.Time         `json:"completed_at,omitempty"`
	DeductMinutes string             `json:"deduct_minutes,omitempty"`
	BillableHours *decimal.Decimal   `json:"billable_hours,omitempty"`
	Remark        string             `json:"remark,omitempty"`
	CreatedAt     time.Time          `json:"created_at"`
}

type Participant struct {
	ID                uuid.UUID  `json:"id"`
	DispatchRoundID   uuid.UUID  `json:"dispatch_round_id"`
	UserID            uuid.UUID  `json:"user_id"`
	Seat              int        `json:"seat"`
	IsActive          bool       `json:"is_active"`
	AcceptedAt        *time.Time `json:"accepted_at,omitempty"`
	RejectedAt        *time.Time `json:"rejected_at,omitempty"`
	RejectReason      string     `json:"reject_reason,omitempty"`
	ProgressBaseWan   int64      `json:"progress_base_wan"`
	ContributionCents int64      `json:"contribution_cents"`
}

type Settlement struct {
	ID                 uuid.UUID             `json:"id"`
	DispatchRoundID    uuid.UUID             `json:"dispatch_round_id"`
	OrderID            uuid.UUID             `json:"order_id"`
	UserID             uuid.UUID             `json:"user_id"`
	SettlementType     domain.SettlementType `json:"settlement_type"`
	FinalEarningsCents int64                 `json:"final_earnings_cents"`
	CSEarningsCents    int64                 `json:"cs_earnings_cents"`
	SettlementBatchID  uuid.UUID             `json:"settlement_batch_id"`
	PaymentStatus      string                `json:"payment_status"`
	ManualOverride     bool                  `json:"manual_override"`
	Remark             string                `json:"remark,omitempty"`
	UpdatedAt          time.Time             `json:"updated_at"`
}

// AmountCents is the signed money the wallet should mirror for this row.
func (s Settlement) AmountCents() int64 {
	return s.FinalEarningsCents + s.CSEarningsCents
}

type WalletTransaction struct {
	ID              uuid.UUID        `json:"id"`
	UserID          uuid.UUID        `json:"user_id"`
	Direction       domain.Direction `json:"direction"`
	BizType         domain.BizType   `json:"biz_type"`
	AmountCents     int64            `json:"amount_cents"`
	Status          domain.TxStatus  `json:"status"`
	ReversalOfTxID  *uuid.UUID       `json:"reversal_of_tx_id,omitempty"`
	RelatedTxID     *uuid.UUID       `json:"related_tx_id,omitempty"`
	SettlementID    *uuid.UUID       `json:"settlement_id,omitempty"`
	DispatchRoundID *uuid.UUID       `json:"dispatch_round_id,omitempty"`
	OrderID         *uuid.UUID       `json:"order_id,omitempty"`
	WithdrawalID    *uuid.UUID       `json:"withdrawal_id,omitempty"`
	Remark          string           `json:"remark,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
}

// Signed returns the amount with the direction applied.
func (t WalletTransaction) Signed() int64 {
	return t.Direction.Sign() * t.AmountCents
}

// WalletBalance is derived from the transaction log, never stored.
type WalletBalance struct {
	UserID         uuid.UUID `json:"user_id"`
	AvailableCents int64     `json:"available_cents"`
	FrozenCents    int64     `json:"frozen_cents"`
}

type WithdrawalRequest struct {
	ID            uuid.UUID               `json:"id"`
	UserID        uuid.UUID               `json:"user_id"`
	AmountCents   int64                   `json:"amount_cents"`
	Channel       string                  `json:"channel"`
	Status        domain.WithdrawalStatus `json:"status"`
	RequestNo     string                  `json:"request_no"`
	ReviewerID    *uuid.UUID              `json:"reviewer_id,omitempty"`
	ReviewRemark  string                  `json:"review_remark,omitempty"`
	FailReason    string                  `json:"fail_reason,omitempty"`
	RailRef       string                  `json:"rail_ref,omitempty"`
	Attempts      int                     `json:"attempts"`
	NextAttemptAt *time.Time              `json:"next_attempt_at,omitempty"`
	Remark        string                  `json:"remark,omitempty"`
	CreatedAt     time.Time               `json:"created_at"`
	UpdatedAt     time.Time               `json:"updated_at"`
}

type AuditEntry struct {
	ID         uuid.UUID       `json:"id"`
	EntityType string          `json:"entity_type"`
	EntityID   uuid.UUID       `json:"entity_id"`
	ActorID    *uuid.UUID      `json:"actor_id,omitempty"`
	Action     string          `json:"action"`
	PrevState  string          `json:"prev_state,omitempty"`
	NextState  string          `json:"next_state,omitempty"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// DomainEvent is an outbox row delivered at least once by the relay.
type DomainEvent struct {
	ID          uuid.UUID       `json:"id"`
	Name        string          `json:"name"`
	AggregateID uuid.UUID       `json:"aggregate_id"`
	Payload     json.RawMessage `json:"payload"`
	PublishedAt *time.Time      `json:"published_at,omitempty"`
	Attempts    int             `json:"attempts"`
	CreatedAt   time.Time       `json:"created_at"`
}

// ReconciliationPhase tracks recompute/preview ordering for one order.
type ReconciliationPhase struct {
	OrderID        uuid.UUID             `json:"order_id"`
	RecomputeToken uuid.UUID             `json:"recompute_token"`
	Scope          domain.RecomputeScope `json:"scope"`
	RoundID        *uuid.UUID            `json:"round_id,omitempty"`
	Previewed      bool                  `json:"previewed"`
	UpdatedAt      time.Time             `json:"updated_at"`
}
