package domain

// PlatformUserID owns CLUB settlement rows (Must match migration 0001).
const PlatformUserID = "11111111-1111-1111-1111-111111111111"

// MaxPlayers is the upper bound of active participants in one dispatch round.
const MaxPlayers = 2

type BillingMode string

const (
	BillingGuaranteed BillingMode = "GUARANTEED"
	BillingHourly     BillingMode = "HOURLY"
	BillingModePlay   BillingMode = "MODE_PLAY"
)

func (m BillingMode) Valid() bool {
	switch m {
	case BillingGuaranteed, BillingHourly, BillingModePlay:
		return true
	}
	return false
}

type OrderStatus string

const (
	OrderWaitAssign              OrderStatus = "WAIT_ASSIGN"
	OrderWaitAccept              OrderStatus = "WAIT_ACCEPT"
	OrderAccepted                OrderStatus = "ACCEPTED"
	OrderArchived                OrderStatus = "ARCHIVED"
	OrderCompletedPendingConfirm OrderStatus = "COMPLETED_PENDING_CONFIRM"
	OrderCompleted               OrderStatus = "COMPLETED"
	OrderWaitReview              OrderStatus = "WAIT_REVIEW"
	OrderReviewed                OrderStatus = "REVIEWED"
	OrderWaitAftersale           OrderStatus = "WAIT_AFTERSALE"
	OrderAftersaleDone           OrderStatus = "AFTERSALE_DONE"
	OrderRefunded                OrderStatus = "REFUNDED"
)

// Terminal reports whether no further dispatch operation may touch the order.
func (s OrderStatus) Terminal() bool {
	return s == OrderCompleted || s == OrderRefunded
}

type RoundStatus string

const (
	RoundWaitAssign RoundStatus = "WAIT_ASSIGN"
	RoundWaitAccept RoundStatus = "WAIT_ACCEPT"
	RoundAccepted   RoundStatus = "ACCEPTED"
	RoundArchived   RoundStatus = "ARCHIVED"
	RoundCompleted  RoundStatus = "COMPLETED"
)

// Open reports whether the round is still in flight.
func (s RoundStatus) Open() bool {
	return s == RoundWaitAssign || s == RoundWaitAccept || s == RoundAccepted
}

// Closed reports whether the round carries settleable progress.
func (s RoundStatus) Closed() bool {
	return s == RoundArchived || s == RoundCompleted
}

type SettlementType string

const (
	SettlementBase        SettlementType = "BASE"
	SettlementCarry       SettlementType = "CARRY"
	SettlementBombLoss    SettlementType = "BOMB_LOSS"
	SettlementCSShare     SettlementType = "CS_SHARE"
	SettlementInviteShare SettlementType = "INVITE_SHARE"
	SettlementClub        SettlementType = "CLUB"
)

// Payable reports whether rows of this type are mirrored into a user wallet.
func (t SettlementType) Payable() bool {
	switch t {
	case SettlementBase, SettlementCarry, SettlementBombLoss, SettlementCSShare, SettlementInviteShare:
		return true
	case SettlementClub:
		return false
	}
	return false
}

// Participant reports whether the row belongs to a dispatched worker.
func (t SettlementType) Participant() bool {
	switch t {
	case SettlementBase, SettlementCarry, SettlementBombLoss:
		return true
	}
	return false
}

const (
	PaymentStatusUnpaid   = "UNPAID"
	PaymentStatusFrozen   = "FROZEN"
	PaymentStatusReleased = "RELEASED"
	PaymentStatusRefunded = "REFUNDED"
)

type Direction string

const (
	DirectionIn  Direction = "IN"
	DirectionOut Direction = "OUT"
)

// Sign returns +1 for IN and -1 for OUT.
func (d Direction) Sign() int64 {
	if d == DirectionOut {
		return -1
	}
	return 1
}

type TxStatus string

const (
	TxFrozen    TxStatus = "FROZEN"
	TxAvailable TxStatus = "AVAILABLE"
	TxReversed  TxStatus = "REVERSED"
)

type BizType string

const (
	BizSettlementCredit BizType = "SETTLEMENT_CREDIT"
	BizSettlementDebit  BizType = "SETTLEMENT_DEBIT"
	BizSettlementAdjust BizType = "SETTLEMENT_ADJUST"
	BizReleaseFrozen    BizType = "RELEASE_FROZEN"
	BizRefundReversal   BizType = "REFUND_REVERSAL"
	BizWithdrawReserve  BizType = "WITHDRAW_RESERVE"
	BizWithdrawPayout   BizType = "WITHDRAW_PAYOUT"
	BizWithdrawRelease  BizType = "WITHDRAW_RELEASE"
)

// SettlementBizType maps a settlement row and its signed amount to the wallet
// biz type used when the row is first mirrored into the ledger.
func SettlementBizType(t SettlementType, signedCents int64) BizType {
	switch t {
	case SettlementBombLoss:
		return BizSettlementDebit
	case SettlementBase, SettlementCarry, SettlementCSShare, SettlementInviteShare:
		if signedCents < 0 {
			return BizSettlementDebit
		}
		return BizSettlementCredit
	case SettlementClub:
		return ""
	}
	return ""
}

type WithdrawalStatus string

const (
	WithdrawalPendingReview WithdrawalStatus = "PENDING_REVIEW"
	WithdrawalApproved      WithdrawalStatus = "APPROVED"
	WithdrawalRejected      WithdrawalStatus = "REJECTED"
	WithdrawalPaying        WithdrawalStatus = "PAYING"
	WithdrawalPaid          WithdrawalStatus = "PAID"
	WithdrawalFailed        WithdrawalStatus = "FAILED"
	WithdrawalCanceled      WithdrawalStatus = "CANCELED"
)

type RecomputeScope string

const (
	ScopeRound                RecomputeScope = "ROUND"
	ScopeCompletedAndArchived RecomputeScope = "COMPLETED_AND_ARCHIVED"
)

type ChangeKind string

const (
	ChangeNew      ChangeKind = "NEW"
	ChangeAdjust   ChangeKind = "ADJUST"
	ChangeNoChange ChangeKind = "NO_CHANGE"
)

// Domain event names written to the outbox.
const (
	EventDispatchAssigned    = "dispatch.assigned"
	EventParticipantRejected = "dispatch.participant_rejected"
	EventRoundClosed         = "dispatch.round_closed"
	EventParticipantsUpdated = "dispatch.participants_updated"
)

// Worker availability states kept by the scheduling pool.
const (
	AvailabilityIdle    = "IDLE"
	AvailabilityWorking = "WORKING"
	AvailabilityResting = "RESTING"
)
