// Package calendar provides day-precision date arithmetic and
// per-resource working-day calendars for the CCPM scheduling engine.
package calendar

import "time"

// Date is a day-precision calendar date, stored as the number of days
// since the Unix epoch (1970-01-01, UTC). Times of day are never
// represented, matching spec §6: "All dates are day-precision; times
// of day are ignored." Date is comparable and usable as a map key,
// unlike time.Time.
type Date int32

const secondsPerDay = 24 * 60 * 60

// NewDate constructs a Date from a calendar year/month/day, UTC.
func NewDate(year int, month time.Month, day int) Date {
	t := time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
	return FromTime(t)
}

// FromTime truncates t to day precision (UTC) and returns the
// corresponding Date.
func FromTime(t time.Time) Date {
	u := t.UTC()
	days := u.Unix() / secondsPerDay
	return Date(days)
}

// Time returns the midnight-UTC time.Time for d.
func (d Date) Time() time.Time {
	return time.Unix(int64(d)*secondsPerDay, 0).UTC()
}

// Weekday returns the day of week for d.
func (d Date) Weekday() time.Weekday {
	return d.Time().Weekday()
}

// AddDays returns the date n calendar days after d (n may be negative).
func (d Date) AddDays(n int) Date {
	return d + Date(n)
}

// Sub returns the number of calendar days between d and o (d - o).
func (d Date) Sub(o Date) int {
	return int(d - o)
}

// Before reports whether d is strictly earlier than o.
func (d Date) Before(o Date) bool { return d < o }

// After reports whether d is strictly later than o.
func (d Date) After(o Date) bool { return d > o }

// String renders d as YYYY-MM-DD.
func (d Date) String() string {
	return d.Time().Format("2006-01-02")
}
