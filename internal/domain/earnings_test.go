package domain

import (
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	playerA = uuid.MustParse("aaaaaaaa-0000-0000-0000-000000000001")
	playerB = uuid.MustParse("bbbbbbbb-0000-0000-0000-000000000002")
	bomber  = uuid.MustParse("cccccccc-0000-0000-0000-000000000003")
	csUser  = uuid.MustParse("dddddddd-0000-0000-0000-000000000004")
	inviter = uuid.MustParse("eeeeeeee-0000-0000-0000-000000000005")
)

func lineFor(t *testing.T, res EarningsResult, user uuid.UUID, typ SettlementType) EarningsLine {
	t.Helper()
	for _, l := range res.Lines {
		if l.UserID == user && l.Type == typ {
			return l
		}
	}
	t.Fatalf("no %s line for %s", typ, user)
	return EarningsLine{}
}

func TestCalculate_SupplementChargesShortfall(t *testing.T) {
	// 2 wan of supplement on a 100 wan quota paid 200 units costs 4 units.
	res := Calculate(EarningsInput{
		OrderAmountCents: 200 * CentsPerUnit,
		PaidAmountCents:  200 * CentsPerUnit,
		BaseAmountWan:    1_000_000,
		ClubRate:         DefaultClubRate,
		MainPlayers:      []uuid.UUID{playerA, playerB},
		Supplements:      []Supplement{{Players: []uuid.UUID{bomber}, Units: 20_000}},
	})

	assert.Equal(t, int64(400), res.SupplementCents)
	assert.Equal(t, int64(-400), lineFor(t, res, bomber, SettlementBombLoss).FinalEarningsCents)
	assert.Equal(t, int64(9200), lineFor(t, res, playerA, SettlementCarry).FinalEarningsCents)
	assert.Equal(t, int64(9200), lineFor(t, res, playerB, SettlementCarry).FinalEarningsCents)
	assert.Equal(t, int64(2000), res.ClubCents)
	assert.Equal(t, int64(20000), res.TotalCents())
}

func TestCalculate_NoBaseMeansNoConversion(t *testing.T) {
	res := Calculate(EarningsInput{
		OrderAmountCents: 10000,
		PaidAmountCents:  10000,
		ClubRate:         DefaultClubRate,
		MainPlayers:      []uuid.UUID{playerA},
		Supplements:      []Supplement{{Players: []uuid.UUID{bomber}, Units: 50}},
	})

	assert.Zero(t, res.SupplementCents)
	assert.Equal(t, int64(9000), lineFor(t, res, playerA, SettlementBase).FinalEarningsCents)
	for _, l := range res.Lines {
		assert.NotEqual(t, SettlementBombLoss, l.Type)
	}
}

func TestCalculate_SharesCarvedFromClub(t *testing.T) {
	res := Calculate(EarningsInput{
		OrderAmountCents: 10001,
		ClubRate:         decimal.RequireFromString("0.2"),
		CSRate:           decimal.RequireFromString("0.05"),
		InviteRate:       decimal.RequireFromString("0.03"),
		CSUserID:         &csUser,
		InviterID:        &inviter,
		MainPlayers:      []uuid.UUID{playerA, playerB},
	})

	assert.Equal(t, int64(2000), res.ClubGrossCents)
	cs := lineFor(t, res, csUser, SettlementCSShare)
	inv := lineFor(t, res, inviter, SettlementInviteShare)
	assert.Equal(t, int64(500), cs.CSEarningsCents)
	assert.Equal(t, int64(300), inv.CSEarningsCents)
	assert.Equal(t, int64(1200), res.ClubCents)
	assert.Equal(t, int64(4001), lineFor(t, res, playerA, SettlementBase).FinalEarningsCents)
	assert.Equal(t, int64(4000), lineFor(t, res, playerB, SettlementBase).FinalEarningsCents)
	assert.Equal(t, int64(10001), res.TotalCents())
}

func TestCalculate_MissingShareUserKeepsClubShare(t *testing.T) {
	res := Calculate(EarningsInput{
		OrderAmountCents: 10000,
		ClubRate:         DefaultClubRate,
		CSRate:           decimal.RequireFromString("0.05"),
		MainPlayers:      []uuid.UUID{playerA},
	})
	assert.Equal(t, int64(1000), res.ClubCents)
	assert.Len(t, res.Lines, 2)
}

func TestCalculate_ConservesMoney(t *testing.T) {
	rates := []string{"0", "0.1", "0.15", "0.333"}
	for _, amount := range []int64{0, 1, 99, 12345, 1_000_001} {
		for _, rate := range rates {
			res := Calculate(EarningsInput{
				OrderAmountCents: amount,
				PaidAmountCents:  amount * 3,
				BaseAmountWan:    77,
				ClubRate:         decimal.RequireFromString(rate),
				CSRate:           decimal.RequireFromString("0.02"),
				CSUserID:         &csUser,
				MainPlayers:      []uuid.UUID{playerA, playerB},
				Supplements: []Supplement{
					{Players: []uuid.UUID{bomber, playerB}, Units: 13},
				},
			})
			require.Equal(t, amount, res.TotalCents(), "amount=%d rate=%s", amount, rate)
		}
	}
}

func TestCalculate_Deterministic(t *testing.T) {
	in := EarningsInput{
		OrderAmountCents: 5555,
		PaidAmountCents:  5555,
		BaseAmountWan:    10,
		ClubRate:         DefaultClubRate,
		MainPlayers:      []uuid.UUID{playerB, playerA},
		Supplements:      []Supplement{{Players: []uuid.UUID{bomber}, Units: 1}},
	}
	assert.Equal(t, Calculate(in), Calculate(in))
}

func TestGuaranteedRoundAmount_Telescopes(t *testing.T) {
	l := ProgressLedger{BaseAmountWan: 100}
	r1, r2, r3 := uuid.New(), uuid.New(), uuid.New()
	alloc := l.Allocate([]RoundProgress{
		{RoundID: r1, TotalBaseWan: 33},
		{RoundID: r2, TotalBaseWan: -10},
		{RoundID: r3, TotalBaseWan: 77},
	})

	paid := int64(10001)
	a1 := GuaranteedRoundAmount(paid, 100, alloc[r1])
	a2 := GuaranteedRoundAmount(paid, 100, alloc[r2])
	a3 := GuaranteedRoundAmount(paid, 100, alloc[r3])

	assert.Equal(t, int64(3300), a1)
	assert.Zero(t, a2)
	assert.Equal(t, paid, a1+a2+a3)
	assert.Equal(t, int64(1000), SupplementMoney(alloc[r3].RecoveredUnits(), paid, 100))
}

func TestHourlyRoundAmount(t *testing.T) {
	assert.Equal(t, int64(4500), HourlyRoundAmount(decimal.RequireFromString("1.5"), 3000))
	assert.Zero(t, HourlyRoundAmount(decimal.Zero, 3000))
}

func TestCalculate_StaffSharesNeverOverdrawClub(t *testing.T) {
	// 0.5 cent shares both round up while the club cut is a single cent.
	res := Calculate(EarningsInput{
		OrderAmountCents: 10,
		ClubRate:         decimal.RequireFromString("0.1"),
		CSRate:           decimal.RequireFromString("0.05"),
		InviteRate:       decimal.RequireFromString("0.05"),
		CSUserID:         &csUser,
		InviterID:        &inviter,
		MainPlayers:      []uuid.UUID{playerA},
	})

	assert.Equal(t, int64(1), res.ClubGrossCents)
	assert.Equal(t, int64(0), res.ClubCents)
	assert.Equal(t, int64(1), lineFor(t, res, csUser, SettlementCSShare).CSEarningsCents)
	for _, l := range res.Lines {
		assert.NotEqual(t, SettlementInviteShare, l.Type)
	}
	assert.Equal(t, int64(9), lineFor(t, res, playerA, SettlementBase).FinalEarningsCents)
	assert.Equal(t, int64(10), res.TotalCents())
}
