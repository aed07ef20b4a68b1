package domain

import (
	"errors"
	"fmt"
)

// Kind classifies a failure for callers; the HTTP layer maps it to a status.
type Kind string

const (
	KindValidation         Kind = "validation"
	KindStateConflict      Kind = "state_conflict"
	KindInvariantViolation Kind = "invariant_violation"
	KindExternalDependency Kind = "external_dependency"
	KindNotFound           Kind = "not_found"
)

// Error is a structured engine failure: kind + stable code + message.
type Error struct {
	Kind    Kind
	Code    string
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

// Is matches errors by code so wrapped sentinels compare equal.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// Wrapf returns a copy of e with extra context in its message, still matching e.
func (e *Error) Wrapf(format string, args ...any) error {
	return &Error{Kind: e.Kind, Code: e.Code, Message: e.Message + ": " + fmt.Sprintf(format, args...)}
}

func newError(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

var (
	ErrInvalidParticipantCount = newError(KindValidation, "invalid_participant_count", "participant count must be between 1 and 2")
	ErrDuplicateParticipant    = newError(KindValidation, "duplicate_participant", "participant listed more than once")
	ErrReasonRequired          = newError(KindValidation, "reason_required", "a non-empty reason is required")
	ErrInvalidAmount           = newError(KindValidation, "invalid_amount", "amount is invalid")
	ErrInvalidBillingMode      = newError(KindValidation, "invalid_billing_mode", "billing mode is invalid")
	ErrInvalidRate             = newError(KindValidation, "invalid_rate", "rate must be within [0, 1]")
	ErrProgressRequired        = newError(KindValidation, "progress_required", "total progress is required for guaranteed orders")
	ErrInvalidDeduction        = newError(KindValidation, "invalid_deduction", "deduction minutes are invalid")
	ErrInvalidBillableHours    = newError(KindValidation, "invalid_billable_hours", "billable hours must be a non-negative multiple of 0.5")
	ErrInvalidScope            = newError(KindValidation, "invalid_scope", "recompute scope is invalid")
	ErrWithdrawalNotMultiple   = newError(KindValidation, "withdrawal_not_multiple", "withdrawal amount must be a positive multiple of 10")
	ErrInsufficientFunds       = newError(KindValidation, "insufficient_funds", "withdrawal exceeds available balance")
	ErrRequestNoRequired       = newError(KindValidation, "request_no_required", "idempotency key is required")
	ErrPaidAmountDecrease      = newError(KindValidation, "paid_amount_decrease", "hourly orders only allow a non-decreasing paid amount")
	ErrTokenRequired           = newError(KindValidation, "recompute_token_required", "recompute token is required")
	ErrInvalidPayoutResult     = newError(KindValidation, "invalid_payout_result", "payout result must be PAID or FAILED and name a withdrawal")

	ErrUserNotIdle                = newError(KindStateConflict, "user_not_idle", "user is not idle")
	ErrOrderTerminal              = newError(KindStateConflict, "order_terminal", "order is in a terminal state")
	ErrOpenRoundExists            = newError(KindStateConflict, "open_round_exists", "order already has an open round")
	ErrOrderNotAssignable         = newError(KindStateConflict, "order_not_assignable", "order cannot receive a new round")
	ErrRoundNotAcceptable         = newError(KindStateConflict, "round_not_acceptable", "round no longer accepts responses")
	ErrNotParticipant             = newError(KindStateConflict, "not_participant", "user is not an active participant of the round")
	ErrParticipantsLocked         = newError(KindStateConflict, "participants_locked", "participants cannot change once anyone accepted")
	ErrRoundNotAccepted           = newError(KindStateConflict, "round_not_accepted", "round must be accepted by all participants")
	ErrRoundNotArchived           = newError(KindStateConflict, "round_not_archived", "round is not archived")
	ErrRoundClosed                = newError(KindStateConflict, "round_closed", "round is already archived or completed")
	ErrNotPendingConfirm          = newError(KindStateConflict, "order_not_pending_confirm", "order is not awaiting completion confirmation")
	ErrOutOfOrderReconciliation   = newError(KindStateConflict, "out_of_order_reconciliation", "reconciliation phases must run recompute, preview, apply in order")
	ErrOrderRefunded              = newError(KindStateConflict, "order_refunded", "order has been refunded")
	ErrHourlyOnly                 = newError(KindStateConflict, "hourly_only", "operation only applies to hourly orders")
	ErrGuaranteedOnly             = newError(KindStateConflict, "guaranteed_only", "operation only applies to guaranteed orders")
	ErrProgressFrozen             = newError(KindStateConflict, "progress_frozen", "progress is fixed once the order is completed")
	ErrClubRowDerived             = newError(KindStateConflict, "club_row_derived", "club settlement rows absorb adjustments and cannot be edited")
	ErrOpenWithdrawalExists       = newError(KindStateConflict, "open_withdrawal_exists", "user already has an open withdrawal request")
	ErrWithdrawalNotReviewable    = newError(KindStateConflict, "withdrawal_not_reviewable", "withdrawal is not awaiting review")
	ErrWithdrawalNotPaying        = newError(KindStateConflict, "withdrawal_not_paying", "withdrawal is not paying")
	ErrWithdrawalNotCancelable    = newError(KindStateConflict, "withdrawal_not_cancelable", "withdrawal can only be canceled while pending review")
	ErrRequestNoConflict          = newError(KindStateConflict, "request_no_conflict", "idempotency key already used by a different request")
	ErrQuotaExceeded              = newError(KindInvariantViolation, "quota_exceeded", "progress would exceed the guaranteed quota")
	ErrMoneyNotConserved          = newError(KindInvariantViolation, "money_not_conserved", "settlement rows do not sum to the order amount")
	ErrNegativeBalance            = newError(KindInvariantViolation, "negative_balance", "ledger operation would drive a balance negative")
	ErrPayoutRailUnavailable      = newError(KindExternalDependency, "payout_rail_unavailable", "payout rail unreachable")
	ErrOrderNotFound              = newError(KindNotFound, "order_not_found", "order not found")
	ErrRoundNotFound              = newError(KindNotFound, "round_not_found", "dispatch round not found")
	ErrSettlementNotFound         = newError(KindNotFound, "settlement_not_found", "settlement not found")
	ErrWithdrawalNotFound         = newError(KindNotFound, "withdrawal_not_found", "withdrawal request not found")
)

// KindOf extracts the kind of err, defaulting to "" for untyped errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// CodeOf extracts the stable code of err.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
