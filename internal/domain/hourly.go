package domain

import (
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// FixedDeductions are the preset waiver options offered to supervisors.
var FixedDeductions = []int64{10, 20, 30, 40, 50, 60}

// Deduction waives part of the elapsed time. All waives everything.
type Deduction struct {
	All     bool
	Minutes int64
}

// ParseDeduction accepts "", "ALL" or a non-negative minute count.
func ParseDeduction(raw string) (Deduction, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Deduction{}, nil
	}
	if strings.EqualFold(raw, "ALL") {
		return Deduction{All: true}, nil
	}
	m, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || m < 0 {
		return Deduction{}, ErrInvalidDeduction.Wrapf("%q", raw)
	}
	return Deduction{Minutes: m}, nil
}

// Kind labels the deduction as none, all, preset or custom.
func (d Deduction) Kind() string {
	switch {
	case d.All:
		return "all"
	case d.Minutes == 0:
		return "none"
	case slices.Contains(FixedDeductions, d.Minutes):
		return "preset"
	}
	return "custom"
}

func (d Deduction) String() string {
	if d.All {
		return "ALL"
	}
	return strconv.FormatInt(d.Minutes, 10)
}

// Clamp bounds the deduction to [0, elapsed].
func (d Deduction) Clamp(elapsed int64) int64 {
	if d.All {
		return elapsed
	}
	return max(0, min(d.Minutes, elapsed))
}

var (
	halfHour = decimal.NewFromFloat(0.5)
	oneHour  = decimal.NewFromInt(1)
)

// RoundBillableHours applies the bump rule: remainders under 18 minutes are
// dropped, 18 to 45 count as half an hour, above 45 as a full hour.
func RoundBillableHours(minutes int64) decimal.Decimal {
	if minutes <= 0 {
		return decimal.Zero
	}
	hours := decimal.NewFromInt(minutes / 60)
	switch r := minutes % 60; {
	case r > 45:
		hours = hours.Add(oneHour)
	case r >= 18:
		hours = hours.Add(halfHour)
	}
	return hours
}

// NormalizeBillableHours validates a caller-supplied override. Positive
// values round up to the next half hour.
func NormalizeBillableHours(h decimal.Decimal) (decimal.Decimal, error) {
	if h.IsNegative() {
		return decimal.Zero, ErrInvalidBillableHours.Wrapf("got %s", h)
	}
	if h.IsZero() {
		return decimal.Zero, nil
	}
	return h.Div(halfHour).Ceil().Mul(halfHour), nil
}

// HourlyTimeKeeper turns elapsed round time into billable hours.
type HourlyTimeKeeper struct {
	Now func() time.Time
}

func NewHourlyTimeKeeper() HourlyTimeKeeper {
	return HourlyTimeKeeper{Now: time.Now}
}

func (k HourlyTimeKeeper) now() time.Time {
	if k.Now == nil {
		return time.Now()
	}
	return k.Now()
}

// StartTime picks acceptedAllAt, then assignedAt, then the order creation time.
func StartTime(acceptedAllAt, assignedAt *time.Time, orderCreatedAt time.Time) time.Time {
	if acceptedAllAt != nil && !acceptedAllAt.IsZero() {
		return *acceptedAllAt
	}
	if assignedAt != nil && !assignedAt.IsZero() {
		return *assignedAt
	}
	return orderCreatedAt
}

// ElapsedMinutes returns whole minutes since start, never negative.
func (k HourlyTimeKeeper) ElapsedMinutes(start time.Time) int64 {
	d := k.now().Sub(start)
	if d <= 0 {
		return 0
	}
	return int64(d / time.Minute)
}

// HourlyResult captures how billable hours were derived.
type HourlyResult struct {
	ElapsedMinutes  int64
	DeductedMinutes int64
	BillableMinutes int64
	BillableHours   decimal.Decimal
	Overridden      bool
}

// Bill computes billable hours for a round. A non-nil override wins.
func (k HourlyTimeKeeper) Bill(start time.Time, d Deduction, override *decimal.Decimal) (HourlyResult, error) {
	res := HourlyResult{ElapsedMinutes: k.ElapsedMinutes(start)}
	res.DeductedMinutes = d.Clamp(res.ElapsedMinutes)
	res.BillableMinutes = res.ElapsedMinutes - res.DeductedMinutes

	if override != nil {
		h, err := NormalizeBillableHours(*override)
		if err != nil {
			return HourlyResult{}, err
		}
		res.BillableHours = h
		res.Overridden = true
		return res, nil
	}
	res.BillableHours = RoundBillableHours(res.BillableMinutes)
	return res, nil
}
