// Package routine manages recurring chores: the item list, check-offs,
// the daily baseline snapshot and the upcoming view.
package routine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/homeboard/homeboard/internal/chore"
	"github.com/homeboard/homeboard/internal/docstore"
	"github.com/homeboard/homeboard/internal/model"
)

var (
	// ErrItemNotFound is returned for an unknown routine id.
	ErrItemNotFound = errors.New("routine item not found")

	// ErrInvalidItem is returned for items that fail validation.
	ErrInvalidItem = errors.New("invalid routine item")
)

// Service reads and writes the routine document. Writes are transactions
// on the whole list, like the board.
type Service struct {
	store docstore.Store
	ref   docstore.Ref
	field string
	calc  chore.Calculator
	now   func() time.Time
}

// New returns a Service for the default routine document. A nil now means
// time.Now.
func New(store docstore.Store, calc chore.Calculator, now func() time.Time) *Service {
	if now == nil {
		now = time.Now
	}
	return &Service{store: store, ref: model.RoutineRef, field: model.RoutineField, calc: calc, now: now}
}

// Calculator returns the calculator used for due dates.
func (s *Service) Calculator() chore.Calculator {
	return s.calc
}

// List returns the stored items in stored order.
func (s *Service) List(ctx context.Context) ([]model.RoutineItem, error) {
	snap, err := docstore.GetOrMissing(ctx, s.store, s.ref)
	if err != nil {
		return nil, fmt.Errorf("failed to read routine items: %w", err)
	}
	items, _, err := docstore.DecodeField[[]model.RoutineItem](snap, s.field)
	if err != nil {
		return nil, err
	}
	return items, nil
}

// Get returns one item.
func (s *Service) Get(ctx context.Context, id string) (model.RoutineItem, error) {
	items, err := s.List(ctx)
	if err != nil {
		return model.RoutineItem{}, err
	}
	if i := indexOf(items, id); i >= 0 {
		return items[i], nil
	}
	return model.RoutineItem{}, fmt.Errorf("%w: %s", ErrItemNotFound, id)
}

func (s *Service) update(ctx context.Context, op string, fn func(items []model.RoutineItem) ([]model.RoutineItem, bool, error)) error {
	_, err := s.store.RunTransaction(ctx, s.ref, func(current *docstore.Snapshot) (docstore.Data, error) {
		items, _, err := docstore.DecodeField[[]model.RoutineItem](current, s.field)
		if err != nil {
			return nil, err
		}
		next, changed, err := fn(items)
		if err != nil || !changed {
			return nil, err
		}
		if next == nil {
			next = []model.RoutineItem{}
		}
		return docstore.FieldData(s.field, next)
	}, docstore.Merge())
	if err != nil {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	return nil
}

// Upsert adds item, or replaces the stored item with the same id. A new
// item gets a fresh id. The name is required and the cycle must not be
// negative.
func (s *Service) Upsert(ctx context.Context, item model.RoutineItem) (model.RoutineItem, error) {
	item.Name = strings.TrimSpace(item.Name)
	item.Category = strings.TrimSpace(item.Category)
	if item.Name == "" {
		return model.RoutineItem{}, fmt.Errorf("%w: name is required", ErrInvalidItem)
	}
	if item.Cycle < 0 {
		return model.RoutineItem{}, fmt.Errorf("%w: cycle must not be negative", ErrInvalidItem)
	}
	if item.ID == "" {
		item.ID = model.NewID()
	}

	err := s.update(ctx, "save routine item", func(items []model.RoutineItem) ([]model.RoutineItem, bool, error) {
		if i := indexOf(items, item.ID); i >= 0 {
			items[i] = item
			return items, true, nil
		}
		return append(items, item), true, nil
	})
	if err != nil {
		return model.RoutineItem{}, err
	}
	return item, nil
}

// Delete removes an item. Deleting a missing item is a no-op.
func (s *Service) Delete(ctx context.Context, id string) error {
	return s.update(ctx, "delete routine item", func(items []model.RoutineItem) ([]model.RoutineItem, bool, error) {
		i := indexOf(items, id)
		if i < 0 {
			return nil, false, nil
		}
		return append(items[:i:i], items[i+1:]...), true, nil
	})
}

// Toggle checks an item off now, or takes back a check-off made earlier on
// the same logical day by restoring the baseline recorded at the start of
// the day.
func (s *Service) Toggle(ctx context.Context, id string) (model.RoutineItem, error) {
	now := s.now()
	var out model.RoutineItem
	err := s.update(ctx, "toggle routine item", func(items []model.RoutineItem) ([]model.RoutineItem, bool, error) {
		i := indexOf(items, id)
		if i < 0 {
			return nil, false, fmt.Errorf("%w: %s", ErrItemNotFound, id)
		}
		items[i] = ToggleItem(s.calc, items[i], now)
		out = items[i]
		return items, true, nil
	})
	return out, err
}

// ToggleItem applies the toggle rule to a single item.
func ToggleItem(calc chore.Calculator, it model.RoutineItem, now time.Time) model.RoutineItem {
	if calc.SameLogicalDay(it.LastChecked, now) && it.OrigLastChecked != "" {
		it.LastChecked = it.OrigLastChecked
		return it
	}
	it.LastChecked = now.UTC().Format(time.RFC3339)
	return it
}

// Check sets lastChecked to at.
func (s *Service) Check(ctx context.Context, id string, at time.Time) (model.RoutineItem, error) {
	return s.SetDate(ctx, id, "lastChecked", at.Format(time.RFC3339))
}

// SetDate edits lastChecked or lastReplaced in place.
func (s *Service) SetDate(ctx context.Context, id, field, value string) (model.RoutineItem, error) {
	if field != "lastChecked" && field != "lastReplaced" {
		return model.RoutineItem{}, fmt.Errorf("%w: %q is not a date field", ErrInvalidItem, field)
	}
	if value != "" {
		if _, ok := s.calc.ParseDate(value); !ok {
			return model.RoutineItem{}, fmt.Errorf("%w: invalid date %q", ErrInvalidItem, value)
		}
	}

	var out model.RoutineItem
	err := s.update(ctx, "set "+field, func(items []model.RoutineItem) ([]model.RoutineItem, bool, error) {
		i := indexOf(items, id)
		if i < 0 {
			return nil, false, fmt.Errorf("%w: %s", ErrItemNotFound, id)
		}
		if field == "lastChecked" {
			items[i].LastChecked = value
		} else {
			items[i].LastReplaced = value
		}
		out = items[i]
		return items, true, nil
	})
	return out, err
}

// RefreshBaselines records lastChecked as the day's baseline on every item
// not yet recorded on today's logical day. It returns how many items it
// updated and does not write when there are none.
func (s *Service) RefreshBaselines(ctx context.Context, now time.Time) (int, error) {
	var n int
	err := s.update(ctx, "refresh baselines", func(items []model.RoutineItem) ([]model.RoutineItem, bool, error) {
		var changed int
		items, changed = RefreshItems(s.calc, items, now)
		n = changed
		return items, changed > 0, nil
	})
	return n, err
}

// RefreshItems applies the baseline rule to items and returns how many changed.
func RefreshItems(calc chore.Calculator, items []model.RoutineItem, now time.Time) ([]model.RoutineItem, int) {
	today := calc.Today(now)
	out := make([]model.RoutineItem, len(items))
	changed := 0
	for i, it := range items {
		if it.OrigRecordedAt != today {
			it.OrigLastChecked = it.LastChecked
			it.OrigRecordedAt = today
			changed++
		}
		out[i] = it
	}
	return out, changed
}

// BaselineJob adapts RefreshBaselines to the chore scheduler.
func (s *Service) BaselineJob() chore.Job {
	return func(ctx context.Context, at time.Time) error {
		_, err := s.RefreshBaselines(ctx, at)
		return err
	}
}

// Entry is an item with its computed remaining days.
type Entry struct {
	model.RoutineItem
	Remaining int `json:"remaining"`
}

// Due reports whether the chore is due today or overdue.
func (e Entry) Due() bool {
	return e.Remaining >= 0
}

// View is the upcoming list split into daily and periodic chores.
type View struct {
	Daily    []Entry `json:"daily"`
	Periodic []Entry `json:"periodic"`
}

// Upcoming computes the upcoming view: items at or above the calculator's
// threshold, daily chores (cycle 1) apart from the rest, each sorted by
// remaining days, most overdue first.
func Upcoming(calc chore.Calculator, items []model.RoutineItem, now time.Time) View {
	v := View{Daily: []Entry{}, Periodic: []Entry{}}
	for _, it := range items {
		e := Entry{RoutineItem: it, Remaining: calc.RemainingDays(it.LastChecked, it.Cycle, now)}
		if !calc.IsUpcoming(e.Remaining) {
			continue
		}
		if it.IsDaily() {
			v.Daily = append(v.Daily, e)
		} else {
			v.Periodic = append(v.Periodic, e)
		}
	}
	byRemaining := func(s []Entry) {
		sort.SliceStable(s, func(i, j int) bool { return s[i].Remaining > s[j].Remaining })
	}
	byRemaining(v.Daily)
	byRemaining(v.Periodic)
	return v
}

// Upcoming reads the items and computes the upcoming view for now.
func (s *Service) Upcoming(ctx context.Context) (View, error) {
	items, err := s.List(ctx)
	if err != nil {
		return View{}, err
	}
	return Upcoming(s.calc, items, s.now()), nil
}

// SortKey names a column the item list can be sorted by.
type SortKey string

const (
	SortNone         SortKey = ""
	SortCategory     SortKey = "category"
	SortName         SortKey = "name"
	SortLastChecked  SortKey = "lastChecked"
	SortLastReplaced SortKey = "lastReplaced"
	SortCycle        SortKey = "cycle"
	SortMemo         SortKey = "memo"
)

// ParseSortKey accepts the column names above.
func ParseSortKey(s string) (SortKey, error) {
	switch k := SortKey(s); k {
	case SortNone, SortCategory, SortName, SortLastChecked, SortLastReplaced, SortCycle, SortMemo:
		return k, nil
	}
	return "", fmt.Errorf("unknown sort key %q", s)
}

// Sort returns a copy of items ordered by key. Cycle sorts numerically,
// everything else as text. SortNone keeps stored order.
func Sort(items []model.RoutineItem, key SortKey, asc bool) []model.RoutineItem {
	out := append([]model.RoutineItem(nil), items...)
	if key == SortNone {
		return out
	}
	less := func(a, b model.RoutineItem) bool {
		if key == SortCycle {
			return a.Cycle < b.Cycle
		}
		return field(a, key) < field(b, key)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if asc {
			return less(out[i], out[j])
		}
		return less(out[j], out[i])
	})
	return out
}

func field(it model.RoutineItem, key SortKey) string {
	switch key {
	case SortCategory:
		return it.Category
	case SortName:
		return it.Name
	case SortLastChecked:
		return it.LastChecked
	case SortLastReplaced:
		return it.LastReplaced
	case SortMemo:
		return it.Memo
	}
	return ""
}

func indexOf(items []model.RoutineItem, id string) int {
	for i, it := range items {
		if it.ID == id {
			return i
		}
	}
	return -1
}
