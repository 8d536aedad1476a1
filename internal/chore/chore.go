// Package chore computes how far a recurring chore is from being due.
//
// All date arithmetic uses a logical day that starts at the boundary hour
// (06:00 by default) instead of midnight: 05:59 on the 17th still belongs to
// the 16th. Differences are counted in calendar days, so DST transitions
// never shift a result by one.
package chore

import (
	"regexp"
	"strconv"
	"time"
)

const (
	// DefaultBoundaryHour is the hour at which a new logical day starts.
	DefaultBoundaryHour = 6

	// NeverChecked is returned by RemainingDays for an empty or unparsable
	// last-checked date. It sorts below every real value and is filtered
	// out of upcoming views.
	NeverChecked = -9999

	// UpcomingThreshold is the lowest remaining value still shown in
	// upcoming views (three days before due).
	UpcomingThreshold = -3

	// DateLayout is the stored form of a day key.
	DateLayout = "2006-01-02"
)

var dateOnly = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

// Calculator evaluates chore dates in one location with one day boundary.
// The zero value uses time.Local and a midnight boundary; Default and New
// are the usual constructors.
type Calculator struct {
	Location     *time.Location
	BoundaryHour int
	Threshold    int
}

// New returns a Calculator for loc. A nil loc means time.Local.
func New(loc *time.Location, boundaryHour int) Calculator {
	return Calculator{Location: loc, BoundaryHour: boundaryHour, Threshold: UpcomingThreshold}
}

// Default is the calculator for the local zone and a 06:00 boundary.
func Default() Calculator {
	return New(time.Local, DefaultBoundaryHour)
}

func (c Calculator) loc() *time.Location {
	if c.Location == nil {
		return time.Local
	}
	return c.Location
}

func (c Calculator) boundary() int {
	if c.BoundaryHour < 0 || c.BoundaryHour > 23 {
		return DefaultBoundaryHour
	}
	return c.BoundaryHour
}

func (c Calculator) threshold() int {
	if c.Threshold == 0 {
		return UpcomingThreshold
	}
	return c.Threshold
}

// LogicalDay returns the logical date of t as midnight UTC of that date.
// The UTC encoding makes differences between days exact multiples of 24h.
func (c Calculator) LogicalDay(t time.Time) time.Time {
	lt := t.In(c.loc())
	y, m, d := lt.Date()
	if lt.Hour() < c.boundary() {
		d--
	}
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Today returns the logical date of now as YYYY-MM-DD.
func (c Calculator) Today(now time.Time) string {
	return c.LogicalDay(now).Format(DateLayout)
}

// AddDays returns the YYYY-MM-DD key n logical days after now's.
func (c Calculator) AddDays(now time.Time, n int) string {
	return c.LogicalDay(now).AddDate(0, 0, n).Format(DateLayout)
}

// ParseDate parses a stored date. A bare YYYY-MM-DD is taken as the boundary
// hour of that date in the calculator's location; RFC3339 timestamps and
// local "YYYY-MM-DDTHH:MM[:SS]" values are accepted too.
func (c Calculator) ParseDate(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	if dateOnly.MatchString(s) {
		y, _ := strconv.Atoi(s[0:4])
		m, _ := strconv.Atoi(s[5:7])
		d, _ := strconv.Atoi(s[8:10])
		t := time.Date(y, time.Month(m), d, c.boundary(), 0, 0, 0, c.loc())
		// Reject normalized dates such as 2024-02-31.
		if t.Year() != y || int(t.Month()) != m || t.Day() != d {
			return time.Time{}, false
		}
		return t, true
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, true
	}
	for _, layout := range []string{"2006-01-02T15:04:05", "2006-01-02T15:04"} {
		if t, err := time.ParseInLocation(layout, s, c.loc()); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// DaysSince returns the number of logical days from the date in s to now.
func (c Calculator) DaysSince(s string, now time.Time) (int, bool) {
	last, ok := c.ParseDate(s)
	if !ok {
		return 0, false
	}
	return daysBetween(c.LogicalDay(last), c.LogicalDay(now)), true
}

// RemainingDays returns elapsed logical days since lastChecked minus cycle:
// 0 is due today, positive is overdue by that many days, negative is days
// left. An empty or unparsable lastChecked yields NeverChecked.
func (c Calculator) RemainingDays(lastChecked string, cycle int, now time.Time) int {
	elapsed, ok := c.DaysSince(lastChecked, now)
	if !ok {
		return NeverChecked
	}
	return elapsed - cycle
}

// IsUpcoming reports whether remaining passes the upcoming-view filter.
func (c Calculator) IsUpcoming(remaining int) bool {
	return remaining >= c.threshold()
}

// SameLogicalDay reports whether the stored date s falls on now's logical day.
func (c Calculator) SameLogicalDay(s string, now time.Time) bool {
	t, ok := c.ParseDate(s)
	return ok && c.LogicalDay(t).Equal(c.LogicalDay(now))
}

// NextBoundary returns the first boundary instant strictly after now.
func (c Calculator) NextBoundary(now time.Time) time.Time {
	lt := now.In(c.loc())
	next := time.Date(lt.Year(), lt.Month(), lt.Day(), c.boundary(), 0, 0, 0, c.loc())
	if !next.After(lt) {
		next = time.Date(lt.Year(), lt.Month(), lt.Day()+1, c.boundary(), 0, 0, 0, c.loc())
	}
	return next
}

// RemainingDays evaluates with the Default calculator.
func RemainingDays(lastChecked string, cycle int, now time.Time) int {
	return Default().RemainingDays(lastChecked, cycle, now)
}

// LogicalDay evaluates with the Default calculator.
func LogicalDay(t time.Time) time.Time {
	return Default().LogicalDay(t)
}

func daysBetween(from, to time.Time) int {
	return int(to.Sub(from).Hours() / 24)
}
