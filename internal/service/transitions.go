package service

import (
	"fmt"

	"github.com/ayo6706/dispatch-ledger/internal/domain"
)

type transitionTable[S comparable] map[S]map[S]struct{}

func (t transitionTable[S]) allows(current, next S) bool {
	nextStates, ok := t[current]
	if !ok {
		return false
	}
	_, ok = nextStates[next]
	return ok
}

func states[S comparable](ss ...S) map[S]struct{} {
	out := make(map[S]struct{}, len(ss))
	for _, s := range ss {
		out[s] = struct{}{}
	}
	return out
}

var orderTransitions = transitionTable[domain.OrderStatus]{
	domain.OrderWaitAssign:              states(domain.OrderWaitAccept, domain.OrderRefunded),
	domain.OrderWaitAccept:              states(domain.OrderWaitAccept, domain.OrderAccepted, domain.OrderWaitAssign, domain.OrderRefunded),
	domain.OrderAccepted:                states(domain.OrderArchived, domain.OrderCompletedPendingConfirm, domain.OrderRefunded),
	domain.OrderArchived:                states(domain.OrderWaitAccept, domain.OrderArchived, domain.OrderRefunded),
	domain.OrderCompletedPendingConfirm: states(domain.OrderCompleted, domain.OrderRefunded),
	domain.OrderWaitReview:              states(domain.OrderReviewed, domain.OrderRefunded),
	domain.OrderReviewed:                states(domain.OrderRefunded),
	domain.OrderWaitAftersale:           states(domain.OrderAftersaleDone, domain.OrderRefunded),
	domain.OrderAftersaleDone:           states(domain.OrderRefunded),
	domain.OrderCompleted:               {},
	domain.OrderRefunded:                {},
}

var roundTransitions = transitionTable[domain.RoundStatus]{
	domain.RoundWaitAssign: states(domain.RoundWaitAccept, domain.RoundArchived),
	domain.RoundWaitAccept: states(domain.RoundWaitAccept, domain.RoundAccepted, domain.RoundWaitAssign, domain.RoundArchived),
	domain.RoundAccepted:   states(domain.RoundArchived, domain.RoundCompleted),
	domain.RoundArchived:   {},
	domain.RoundCompleted:  {},
}

var withdrawalTransitions = transitionTable[domain.WithdrawalStatus]{
	domain.WithdrawalPendingReview: states(domain.WithdrawalApproved, domain.WithdrawalRejected, domain.WithdrawalCanceled),
	domain.WithdrawalApproved:      states(domain.WithdrawalPaying),
	domain.WithdrawalPaying:        states(domain.WithdrawalPaid, domain.WithdrawalFailed),
	domain.WithdrawalFailed:        states(domain.WithdrawalApproved, domain.WithdrawalRejected),
	domain.WithdrawalRejected:      {},
	domain.WithdrawalPaid:          {},
	domain.WithdrawalCanceled:      {},
}

func checkOrderTransition(current, next domain.OrderStatus) error {
	if current == next {
		return nil
	}
	if !orderTransitions.allows(current, next) {
		return fmt.Errorf("invalid order state transition: %s -> %s", current, next)
	}
	return nil
}

func checkRoundTransition(current, next domain.RoundStatus) error {
	if current == next {
		return nil
	}
	if !roundTransitions.allows(current, next) {
		return fmt.Errorf("invalid round state transition: %s -> %s", current, next)
	}
	return nil
}

func checkWithdrawalTransition(current, next domain.WithdrawalStatus) error {
	if current == next {
		return nil
	}
	if !withdrawalTransitions.allows(current, next) {
		return fmt.Errorf("invalid withdrawal state transition: %s -> %s", current, next)
	}
	return nil
}
