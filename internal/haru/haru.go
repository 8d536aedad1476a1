// Package haru keeps the daily meal and memo log.
//
// The log always shows seven days in a fixed order: tomorrow, today and the
// five days before today, where "today" is the logical day (it starts at the
// chore boundary hour, not midnight).
package haru

import (
	"fmt"
	"time"

	"github.com/homeboard/homeboard/internal/chore"
	"github.com/homeboard/homeboard/internal/model"
)

// PastDays is how many days before today the log shows.
const PastDays = 5

// Records is the synchronized day list. *syncengine.Engine[model.HaruDay]
// implements it.
type Records interface {
	Items() []model.HaruDay
	Update(days []model.HaruDay) error
}

// TargetKeys returns the day keys shown on now's logical day: tomorrow,
// today, then yesterday back to five days ago.
func TargetKeys(calc chore.Calculator, now time.Time) []string {
	keys := make([]string, 0, PastDays+2)
	keys = append(keys, calc.AddDays(now, 1), calc.AddDays(now, 0))
	for i := 1; i <= PastDays; i++ {
		keys = append(keys, calc.AddDays(now, -i))
	}
	return keys
}

// EmptyDay returns a day with every field blank.
func EmptyDay(key string) model.HaruDay {
	return model.HaruDay{Key: key}
}

// EnsureSkeleton appends a blank day for every key missing from days.
// Existing entries keep their position. changed is false when nothing was
// missing.
func EnsureSkeleton(days []model.HaruDay, keys []string) (out []model.HaruDay, changed bool) {
	have := make(map[string]bool, len(days))
	for _, d := range days {
		have[d.Key] = true
	}
	out = append([]model.HaruDay(nil), days...)
	for _, k := range keys {
		if !have[k] {
			out = append(out, EmptyDay(k))
			have[k] = true
			changed = true
		}
	}
	return out, changed
}

// RenderList returns one day per key, in key order, with blank days for
// keys that have no entry.
func RenderList(days []model.HaruDay, keys []string) []model.HaruDay {
	byKey := make(map[string]model.HaruDay, len(days))
	for _, d := range days {
		if _, dup := byKey[d.Key]; !dup {
			byKey[d.Key] = d
		}
	}
	out := make([]model.HaruDay, len(keys))
	for i, k := range keys {
		if d, ok := byKey[k]; ok {
			out[i] = d
		} else {
			out[i] = EmptyDay(k)
		}
	}
	return out
}

// ApplySave replaces the entry for next.Key. It reports false, and leaves
// days untouched, when the stored entry already has the same content. A
// day with no entry yet is appended.
func ApplySave(days []model.HaruDay, next model.HaruDay) ([]model.HaruDay, bool) {
	out := make([]model.HaruDay, 0, len(days)+1)
	found := false
	for _, d := range days {
		if d.Key == next.Key && !found {
			if d.SameContent(next) {
				return days, false
			}
			found = true
			out = append(out, next)
			continue
		}
		out = append(out, d)
	}
	if !found {
		if next.SameContent(EmptyDay(next.Key)) {
			return days, false
		}
		out = append(out, next)
	}
	return out, true
}

// Log is the haru view over a synchronized day list.
type Log struct {
	records Records
	calc    chore.Calculator
	now     func() time.Time
}

// New returns a Log. A nil now means time.Now.
func New(records Records, calc chore.Calculator, now func() time.Time) *Log {
	if now == nil {
		now = time.Now
	}
	return &Log{records: records, calc: calc, now: now}
}

// Keys returns the day keys shown right now.
func (l *Log) Keys() []string {
	return TargetKeys(l.calc, l.now())
}

// Ensure adds blank days for any shown day missing from the list and saves
// the result. It reports whether anything was added.
func (l *Log) Ensure() (bool, error) {
	days, changed := EnsureSkeleton(l.records.Items(), l.Keys())
	if !changed {
		return false, nil
	}
	if err := l.records.Update(days); err != nil {
		return false, fmt.Errorf("failed to add missing days: %w", err)
	}
	return true, nil
}

// List returns the shown days in display order.
func (l *Log) List() []model.HaruDay {
	return RenderList(l.records.Items(), l.Keys())
}

// Day returns the entry for key, blank when there is none.
func (l *Log) Day(key string) model.HaruDay {
	return RenderList(l.records.Items(), []string{key})[0]
}

// Save stores next unless it matches what is already stored.
func (l *Log) Save(next model.HaruDay) (bool, error) {
	if next.Key == "" {
		return false, fmt.Errorf("day key is required")
	}
	days, changed := ApplySave(l.records.Items(), next)
	if !changed {
		return false, nil
	}
	if err := l.records.Update(days); err != nil {
		return false, fmt.Errorf("failed to save %s: %w", next.Key, err)
	}
	return true, nil
}

// Set changes one field of the day key.
func (l *Log) Set(key, field, value string) (bool, error) {
	next, err := l.Day(key).With(field, value)
	if err != nil {
		return false, err
	}
	return l.Save(next)
}

// Highlight names the role of key on now's logical day: "tomorrow",
// "today" or "".
func (l *Log) Highlight(key string) string {
	now := l.now()
	switch key {
	case l.calc.AddDays(now, 1):
		return "tomorrow"
	case l.calc.AddDays(now, 0):
		return "today"
	default:
		return ""
	}
}

// Label formats a day key as "1/2 (Tue)".
func Label(key string) string {
	t, err := time.Parse(chore.DateLayout, key)
	if err != nil {
		return key
	}
	return fmt.Sprintf("%d/%d (%s)", int(t.Month()), t.Day(), t.Weekday().String()[:3])
}
