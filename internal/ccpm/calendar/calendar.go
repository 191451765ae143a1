package calendar

import (
	"time"

	"github.com/shopspring/decimal"
)

var (
	full = decimal.NewFromInt(1)
	zero = decimal.Zero
)

// Calendar maps a day to its availability in [0,1]: the fraction of a
// full day a resource following this calendar can work. A default
// weekly pattern (Mon-Fri = 1.0, Sat/Sun = 0.0) applies unless
// overridden per-weekday or per-date. Overrides take precedence over
// the weekly default, and per-date overrides take precedence over
// per-weekday overrides.
type Calendar struct {
	weekly    map[time.Weekday]decimal.Decimal
	overrides map[Date]decimal.Decimal
}

// New returns a calendar with the standard Mon-Fri working week.
func New() *Calendar {
	return &Calendar{
		weekly: map[time.Weekday]decimal.Decimal{
			time.Monday:    full,
			time.Tuesday:   full,
			time.Wednesday: full,
			time.Thursday:  full,
			time.Friday:    full,
			time.Saturday:  zero,
			time.Sunday:    zero,
		},
		overrides: make(map[Date]decimal.Decimal),
	}
}

// NewSevenDay returns a calendar where every day of the week is a full
// working day — used by resources/scenarios that run continuously.
func NewSevenDay() *Calendar {
	c := New()
	for _, wd := range []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday, time.Saturday, time.Sunday} {
		c.weekly[wd] = full
	}
	return c
}

// SetWeeklyAvailability overrides the default availability for every
// occurrence of the given weekday (e.g. a resource that works half
// days on Fridays).
func (c *Calendar) SetWeeklyAvailability(wd time.Weekday, availability decimal.Decimal) {
	c.weekly[wd] = clamp(availability)
}

// Availability returns the effective availability for d: an explicit
// per-date override if present, else the weekly default.
func (c *Calendar) Availability(d Date) decimal.Decimal {
	if v, ok := c.overrides[d]; ok {
		return v
	}
	if v, ok := c.weekly[d.Weekday()]; ok {
		return v
	}
	return zero
}

// IsWorkingDay reports whether d has any positive availability.
func (c *Calendar) IsWorkingDay(d Date) bool {
	return c.Availability(d).GreaterThan(zero)
}

// AddUnavailablePeriod sets availability to zero for every date in
// [from, to], inclusive on both ends.
func (c *Calendar) AddUnavailablePeriod(from, to Date) {
	for d := from; d <= to; d++ {
		c.overrides[d] = zero
	}
}

// SetAvailability overrides a single date's availability (e.g. a
// resource working 0.5 units on a specific day).
func (c *Calendar) SetAvailability(d Date, availability decimal.Decimal) {
	c.overrides[d] = clamp(availability)
}

// WorkdaysBetween returns the total working-day capacity consumed by
// the half-open range [s, e): the sum of Availability(d) for each
// calendar date in the range. Matches spec §4.2's proportional
// accounting for fractional-availability days.
func (c *Calendar) WorkdaysBetween(s, e Date) decimal.Decimal {
	total := zero
	for d := s; d < e; d++ {
		total = total.Add(c.Availability(d))
	}
	return total
}

// AddWorkdays advances start forward, consuming n working days of
// calendar capacity (n may be fractional), and returns the date on
// which the nth working day lands — i.e. the smallest e such that
// WorkdaysBetween(start, e) >= n. Matches spec §4.2.
func (c *Calendar) AddWorkdays(start Date, n decimal.Decimal) Date {
	if n.LessThanOrEqual(zero) {
		return start
	}
	remaining := n
	d := start
	for remaining.GreaterThan(zero) {
		avail := c.Availability(d)
		d = d.AddDays(1)
		if avail.GreaterThan(zero) {
			remaining = remaining.Sub(avail)
		}
	}
	return d
}

// SubtractWorkdays walks start backward from end, consuming n working
// days of calendar capacity, and returns the date that begins the
// nth-from-last working day — the backward-pass counterpart of
// AddWorkdays, used to derive late_start from late_finish.
func (c *Calendar) SubtractWorkdays(end Date, n decimal.Decimal) Date {
	if n.LessThanOrEqual(zero) {
		return end
	}
	remaining := n
	d := end
	for remaining.GreaterThan(zero) {
		d = d.AddDays(-1)
		avail := c.Availability(d)
		if avail.GreaterThan(zero) {
			remaining = remaining.Sub(avail)
		}
	}
	return d
}

func clamp(v decimal.Decimal) decimal.Decimal {
	if v.LessThan(zero) {
		return zero
	}
	if v.GreaterThan(full) {
		return full
	}
	return v
}
