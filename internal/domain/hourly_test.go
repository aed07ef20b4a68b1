package domain

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedKeeper(now time.Time) HourlyTimeKeeper {
	return HourlyTimeKeeper{Now: func() time.Time { return now }}
}

func TestHourlyTimeKeeper_Rounding(t *testing.T) {
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		elapsed time.Duration
		deduct  Deduction
		want    string
	}{
		{"ten minutes bills nothing", 10 * time.Minute, Deduction{}, "0"},
		{"small remainder dropped", 65 * time.Minute, Deduction{}, "1"},
		{"twenty minute remainder is half", 80 * time.Minute, Deduction{}, "1.5"},
		{"two hours ten", 130 * time.Minute, Deduction{}, "2"},
		{"remainder above 45 rounds up", 106 * time.Minute, Deduction{}, "2"},
		{"remainder of 45 is half", 105 * time.Minute, Deduction{}, "1.5"},
		{"deduct all", 300 * time.Minute, Deduction{All: true}, "0"},
		{"fixed deduction", 90 * time.Minute, Deduction{Minutes: 30}, "1"},
		{"deduction clamped to elapsed", 20 * time.Minute, Deduction{Minutes: 60}, "0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			k := fixedKeeper(start.Add(tt.elapsed))
			res, err := k.Bill(start, tt.deduct, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.BillableHours.String())
		})
	}
}

func TestHourlyTimeKeeper_ClockBeforeStart(t *testing.T) {
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	k := fixedKeeper(start.Add(-time.Hour))
	assert.Equal(t, int64(0), k.ElapsedMinutes(start))
}

func TestHourlyTimeKeeper_Override(t *testing.T) {
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	k := fixedKeeper(start.Add(5 * time.Hour))

	override := decimal.NewFromFloat(0.2)
	res, err := k.Bill(start, Deduction{}, &override)
	require.NoError(t, err)
	assert.True(t, res.Overridden)
	assert.Equal(t, "0.5", res.BillableHours.String())

	negative := decimal.NewFromInt(-1)
	_, err = k.Bill(start, Deduction{}, &negative)
	assert.ErrorIs(t, err, ErrInvalidBillableHours)
}

func TestStartTime_Fallbacks(t *testing.T) {
	created := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	assigned := created.Add(time.Hour)
	accepted := created.Add(2 * time.Hour)

	assert.Equal(t, accepted, StartTime(&accepted, &assigned, created))
	assert.Equal(t, assigned, StartTime(nil, &assigned, created))
	assert.Equal(t, created, StartTime(nil, nil, created))
}

func TestParseDeduction(t *testing.T) {
	d, err := ParseDeduction("ALL")
	require.NoError(t, err)
	assert.True(t, d.All)

	d, err = ParseDeduction("30")
	require.NoError(t, err)
	assert.Equal(t, int64(30), d.Minutes)

	assert.Equal(t, "preset", d.Kind())

	d, err = ParseDeduction("45")
	require.NoError(t, err)
	assert.Equal(t, "custom", d.Kind())
	assert.Equal(t, "all", Deduction{All: true}.Kind())
	assert.Equal(t, "none", Deduction{}.Kind())

	_, err = ParseDeduction("-5")
	assert.ErrorIs(t, err, ErrInvalidDeduction)
	_, err = ParseDeduction("soon")
	assert.ErrorIs(t, err, ErrInvalidDeduction)
}
