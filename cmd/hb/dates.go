package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"

	"github.com/homeboard/homeboard/internal/chore"
)

var dateParser = newDateParser()

func newDateParser() *when.Parser {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return w
}

// parseTime accepts "now", RFC3339 timestamps and natural language such as
// "yesterday 9am" or "3 days ago", relative to now.
func parseTime(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "now") {
		return now, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	r, err := dateParser.Parse(s, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse date %q: %w", s, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("could not understand date %q", s)
	}
	return r.Time, nil
}

// dateValue turns user input into a stored date string. A plain
// YYYY-MM-DD is kept as a day key so it names that logical day whatever
// the boundary hour; anything else becomes an RFC3339 timestamp.
func dateValue(s string, now time.Time) (string, error) {
	s = strings.TrimSpace(s)
	if _, err := time.Parse(chore.DateLayout, s); err == nil {
		return s, nil
	}
	t, err := parseTime(s, now)
	if err != nil {
		return "", err
	}
	return t.Format(time.RFC3339), nil
}

// dayKey resolves "today", "tomorrow", a day key or a natural-language
// date to a logical day key.
func dayKey(calc chore.Calculator, s string, now time.Time) (string, error) {
	s = strings.TrimSpace(s)
	switch strings.ToLower(s) {
	case "", "today":
		return calc.Today(now), nil
	case "tomorrow":
		return calc.AddDays(now, 1), nil
	case "yesterday":
		return calc.AddDays(now, -1), nil
	}
	if _, err := time.Parse(chore.DateLayout, s); err == nil {
		return s, nil
	}
	t, err := parseTime(s, now)
	if err != nil {
		return "", err
	}
	return calc.Today(t), nil
}
