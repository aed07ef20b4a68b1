package domain

import (
	"sort"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Supplement is recovered quota charged back to the workers who lost it.
type Supplement struct {
	Players []uuid.UUID
	Units   int64
}

// EarningsInput holds everything needed to settle one round.
type EarningsInput struct {
	// OrderAmountCents is the money this round settles.
	OrderAmountCents int64
	// PaidAmountCents and BaseAmountWan price one quota unit for supplements.
	PaidAmountCents int64
	BaseAmountWan   int64

	ClubRate   decimal.Decimal
	CSRate     decimal.Decimal
	InviteRate decimal.Decimal
	CSUserID   *uuid.UUID
	InviterID  *uuid.UUID

	MainPlayers []uuid.UUID
	Supplements []Supplement
}

// EarningsLine is one settlement row produced by the calculator.
type EarningsLine struct {
	UserID             uuid.UUID
	Type               SettlementType
	FinalEarningsCents int64
	CSEarningsCents    int64
}

// AmountCents is the signed money the line moves.
func (l EarningsLine) AmountCents() int64 {
	return l.FinalEarningsCents + l.CSEarningsCents
}

type EarningsResult struct {
	ClubGrossCents  int64
	ClubCents       int64
	RemainingCents  int64
	SupplementCents int64
	Lines           []EarningsLine
}

// TotalCents sums every line including the club row.
func (r EarningsResult) TotalCents() int64 {
	var total int64
	for _, l := range r.Lines {
		total += l.AmountCents()
	}
	return total
}

// ResolveClubRate picks the order override, then the project rate, then the default.
func ResolveClubRate(custom, project *decimal.Decimal) decimal.Decimal {
	if custom != nil {
		return *custom
	}
	if project != nil {
		return *project
	}
	return DefaultClubRate
}

// SupplementMoney converts quota units into money at the order's unit price.
// It returns 0 when no price is known.
func SupplementMoney(units, paidCents, baseWan int64) int64 {
	if units <= 0 || baseWan <= 0 {
		return 0
	}
	return decimal.NewFromInt(units).
		Mul(decimal.NewFromInt(paidCents)).
		Div(decimal.NewFromInt(baseWan)).
		Round(0).
		IntPart()
}

// Calculate splits one round's money between club, workers and staff.
// The lines always sum to OrderAmountCents.
func Calculate(in EarningsInput) EarningsResult {
	res := EarningsResult{}
	res.ClubGrossCents = MulRate(in.OrderAmountCents, in.ClubRate)
	res.RemainingCents = in.OrderAmountCents - res.ClubGrossCents

	lines := newLineSet()

	for _, s := range in.Supplements {
		if len(s.Players) == 0 {
			continue
		}
		money := SupplementMoney(s.Units, in.PaidAmountCents, in.BaseAmountWan)
		if money == 0 {
			continue
		}
		res.SupplementCents += money
		for i, part := range EvenSplit(-money, len(s.Players)) {
			lines.add(s.Players[i], SettlementBombLoss, part, 0)
		}
	}

	pool := res.RemainingCents + res.SupplementCents
	mainType := SettlementBase
	if res.SupplementCents > 0 {
		mainType = SettlementCarry
	}
	club := res.ClubGrossCents
	if len(in.MainPlayers) == 0 {
		club += pool
	} else {
		for i, part := range EvenSplit(pool, len(in.MainPlayers)) {
			lines.add(in.MainPlayers[i], mainType, part, 0)
		}
	}

	// Staff shares are paid out of the club cut and never overdraw it.
	shareBudget := max(res.ClubGrossCents, 0)
	if in.CSUserID != nil {
		if cs := clampShare(MulRate(in.OrderAmountCents, in.CSRate), shareBudget); cs != 0 {
			lines.add(*in.CSUserID, SettlementCSShare, 0, cs)
			club -= cs
			shareBudget -= cs
		}
	}
	if in.InviterID != nil {
		if inv := clampShare(MulRate(in.OrderAmountCents, in.InviteRate), shareBudget); inv != 0 {
			lines.add(*in.InviterID, SettlementInviteShare, 0, inv)
			club -= inv
		}
	}

	res.ClubCents = club
	lines.add(uuid.MustParse(PlatformUserID), SettlementClub, club, 0)
	res.Lines = lines.sorted()
	return res
}

func clampShare(share, budget int64) int64 {
	if share > budget {
		return budget
	}
	return share
}

type lineKey struct {
	user uuid.UUID
	typ  SettlementType
}

type lineSet struct {
	order []lineKey
	byKey map[lineKey]*EarningsLine
}

func newLineSet() *lineSet {
	return &lineSet{byKey: make(map[lineKey]*EarningsLine)}
}

// add merges amounts that land on the same (user, type).
func (s *lineSet) add(user uuid.UUID, t SettlementType, final, cs int64) {
	k := lineKey{user, t}
	if l, ok := s.byKey[k]; ok {
		l.FinalEarningsCents += final
		l.CSEarningsCents += cs
		return
	}
	s.order = append(s.order, k)
	s.byKey[k] = &EarningsLine{UserID: user, Type: t, FinalEarningsCents: final, CSEarningsCents: cs}
}

func (s *lineSet) sorted() []EarningsLine {
	out := make([]EarningsLine, 0, len(s.order))
	for _, k := range s.order {
		out = append(out, *s.byKey[k])
	}
	SortLines(out)
	return out
}

var typeRank = map[SettlementType]int{
	SettlementBase:        0,
	SettlementCarry:       1,
	SettlementBombLoss:    2,
	SettlementCSShare:     3,
	SettlementInviteShare: 4,
	SettlementClub:        5,
}

// SortLines orders lines by type then user id.
func SortLines(lines []EarningsLine) {
	sort.SliceStable(lines, func(i, j int) bool {
		ri, rj := typeRank[lines[i].Type], typeRank[lines[j].Type]
		if ri != rj {
			return ri < rj
		}
		return lines[i].UserID.String() < lines[j].UserID.String()
	})
}

// GuaranteedAllocation is the money owed for cumulative new quota units.
func GuaranteedAllocation(paidCents, baseWan, cumulative int64) int64 {
	if baseWan <= 0 || cumulative <= 0 {
		return 0
	}
	if cumulative >= baseWan {
		return paidCents
	}
	return decimal.NewFromInt(paidCents).
		Mul(decimal.NewFromInt(cumulative)).
		Div(decimal.NewFromInt(baseWan)).
		Floor().
		IntPart()
}

// GuaranteedRoundAmount is the money settled by a round's new units.
func GuaranteedRoundAmount(paidCents, baseWan int64, a RoundAllocation) int64 {
	return GuaranteedAllocation(paidCents, baseWan, a.CumulativeAfter) -
		GuaranteedAllocation(paidCents, baseWan, a.CumulativeBefore)
}

// HourlyRoundAmount prices billable hours.
func HourlyRoundAmount(hours decimal.Decimal, hourlyPriceCents int64) int64 {
	return MulRate(hourlyPriceCents, hours)
}
