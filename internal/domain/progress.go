package domain

import "github.com/google/uuid"

// RoundProgress is the quota contribution recorded for one closed round.
type RoundProgress struct {
	RoundID      uuid.UUID
	RoundNo      int
	Players      []uuid.UUID // active participants in seat order
	TotalBaseWan int64
}

// Recovery is a slice of lost (bombed) quota re-delivered by a later round.
type Recovery struct {
	FromRoundID uuid.UUID
	Players     []uuid.UUID
	Units       int64
}

// RoundAllocation describes how a round's progress counts towards the quota.
// NewUnits are first-time units; recovered units re-deliver earlier losses.
type RoundAllocation struct {
	RoundID          uuid.UUID
	NewUnits         int64
	CumulativeBefore int64
	CumulativeAfter  int64
	Recoveries       []Recovery
}

// RecoveredUnits sums the units re-delivered in this round.
func (a RoundAllocation) RecoveredUnits() int64 {
	var total int64
	for _, r := range a.Recoveries {
		total += r.Units
	}
	return total
}

// ProgressLedger tracks guaranteed-quota consumption across rounds.
type ProgressLedger struct {
	BaseAmountWan int64
}

// Consumed sums recorded progress, bombs included.
func (l ProgressLedger) Consumed(rounds []RoundProgress) int64 {
	var consumed int64
	for _, r := range rounds {
		consumed += r.TotalBaseWan
	}
	return consumed
}

// Remaining is the quota still to be delivered.
func (l ProgressLedger) Remaining(consumed int64) int64 {
	return l.BaseAmountWan - consumed
}

// CheckArchive validates the total supplied when archiving a round.
// Reaching the quota exactly is allowed.
func (l ProgressLedger) CheckArchive(consumed, total int64) error {
	if after := consumed + total; after > l.BaseAmountWan {
		return ErrQuotaExceeded.Wrapf("consumed %d + round %d > quota %d", consumed, total, l.BaseAmountWan)
	}
	return nil
}

// Exhausted reports whether consumed progress has used up the quota.
func (l ProgressLedger) Exhausted(consumed int64) bool {
	return consumed >= l.BaseAmountWan
}

// CompletionFill is the progress auto-recorded when the order completes.
func (l ProgressLedger) CompletionFill(consumed int64) int64 {
	fill := l.BaseAmountWan - consumed
	if fill < 0 {
		return 0
	}
	return fill
}

// SplitProgress splits a round total across its participants.
func SplitProgress(total int64, players int) []int64 {
	return EvenSplit(total, players)
}

// Allocate walks closed rounds in order. Negative rounds open a debt owed by
// their players; later positive rounds recover debts first (oldest first)
// and only the rest counts as new units.
func (l ProgressLedger) Allocate(rounds []RoundProgress) map[uuid.UUID]RoundAllocation {
	out := make(map[uuid.UUID]RoundAllocation, len(rounds))
	var cumulative int64
	var debts []Recovery

	for _, r := range rounds {
		alloc := RoundAllocation{RoundID: r.RoundID, CumulativeBefore: cumulative}
		if r.TotalBaseWan < 0 {
			debts = append(debts, Recovery{
				FromRoundID: r.RoundID,
				Players:     append([]uuid.UUID(nil), r.Players...),
				Units:       -r.TotalBaseWan,
			})
			alloc.CumulativeAfter = cumulative
			out[r.RoundID] = alloc
			continue
		}

		left := r.TotalBaseWan
		for left > 0 && len(debts) > 0 {
			take := min(left, debts[0].Units)
			alloc.Recoveries = append(alloc.Recoveries, Recovery{
				FromRoundID: debts[0].FromRoundID,
				Players:     debts[0].Players,
				Units:       take,
			})
			debts[0].Units -= take
			left -= take
			if debts[0].Units == 0 {
				debts = debts[1:]
			}
		}
		alloc.NewUnits = left
		cumulative += left
		alloc.CumulativeAfter = cumulative
		out[r.RoundID] = alloc
	}
	return out
}
