// Package model defines the household records and where each feature keeps
// its document.
package model

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/homeboard/homeboard/internal/docstore"
)

// Feature documents: one collection/document/field triple per feature.
var (
	BoardRef   = docstore.NewRef("sharedData", "main")
	RoutineRef = docstore.NewRef("routineItems", "config")
	HaruRef    = docstore.NewRef("haruRecords", "config")
)

// Field names holding each feature's record list.
const (
	BoardField   = "items"
	RoutineField = "items"
	HaruField    = "days"
	MemoField    = "content"
)

// MemoCollection holds one document per memo pad.
const MemoCollection = "memos"

// MemoRef returns the document of the memo pad named pad.
func MemoRef(pad string) docstore.Ref {
	return docstore.NewRef(MemoCollection, pad)
}

// NewID returns a fresh record id.
func NewID() string {
	return uuid.NewString()
}

// TodoStatus marks an item: none, or one of two flags.
type TodoStatus string

const (
	StatusNone TodoStatus = "none"
	StatusBlue TodoStatus = "blue"
	StatusRed  TodoStatus = "red"
)

// ParseStatus accepts the three status names. Empty means none.
func ParseStatus(s string) (TodoStatus, error) {
	switch TodoStatus(strings.ToLower(strings.TrimSpace(s))) {
	case "", StatusNone:
		return StatusNone, nil
	case StatusBlue:
		return StatusBlue, nil
	case StatusRed:
		return StatusRed, nil
	default:
		return "", fmt.Errorf("invalid status %q (want none, blue or red)", s)
	}
}

// BoxMode selects how a box's items are entered.
type BoxMode string

const (
	ModeDefault  BoxMode = "default"
	ModeShopping BoxMode = "shopping"
)

// ParseMode accepts the two mode names. Empty means default.
func ParseMode(s string) (BoxMode, error) {
	switch BoxMode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeDefault:
		return ModeDefault, nil
	case ModeShopping:
		return ModeShopping, nil
	default:
		return "", fmt.Errorf("invalid box mode %q (want default or shopping)", s)
	}
}

// DefaultTitle is the title given to a new box of mode m.
func (m BoxMode) DefaultTitle() string {
	if m == ModeShopping {
		return "Shopping"
	}
	return "Untitled"
}

// LowCountThreshold flags shopping items with this count or fewer.
const LowCountThreshold = 3

// TodoItem is one line of a box. Count and Unit are free text and only
// required for shopping boxes.
type TodoItem struct {
	ID     string     `json:"id" yaml:"id"`
	Text   string     `json:"text" yaml:"text"`
	Count  string     `json:"count,omitempty" yaml:"count,omitempty"`
	Unit   string     `json:"unit,omitempty" yaml:"unit,omitempty"`
	Status TodoStatus `json:"status,omitempty" yaml:"status,omitempty"`
}

// CountValue returns Count as a number; unparsable counts are 0.
func (i TodoItem) CountValue() float64 {
	n, err := strconv.ParseFloat(strings.TrimSpace(i.Count), 64)
	if err != nil {
		return 0
	}
	return n
}

// TodoBox is a titled list of items.
type TodoBox struct {
	ID    string     `json:"id" yaml:"id"`
	Title string     `json:"title" yaml:"title"`
	Items []TodoItem `json:"items" yaml:"items"`
	Mode  BoxMode    `json:"mode" yaml:"mode"`
}

// LowCount reports whether item is running low in this box.
func (b TodoBox) LowCount(item TodoItem) bool {
	return b.Mode == ModeShopping && item.CountValue() <= LowCountThreshold
}

// RoutineItem is a recurring chore. Dates are YYYY-MM-DD or RFC3339.
// OrigLastChecked/OrigRecordedAt freeze LastChecked as of the start of the
// logical day OrigRecordedAt, so a check-off made today can be undone.
type RoutineItem struct {
	ID              string `json:"id" yaml:"id"`
	Category        string `json:"category" yaml:"category"`
	Name            string `json:"name" yaml:"name"`
	LastChecked     string `json:"lastChecked" yaml:"lastChecked"`
	LastReplaced    string `json:"lastReplaced" yaml:"lastReplaced"`
	Memo            string `json:"memo" yaml:"memo"`
	Cycle           int    `json:"cycle" yaml:"cycle"`
	OrigLastChecked string `json:"origLastChecked,omitempty" yaml:"origLastChecked,omitempty"`
	OrigRecordedAt  string `json:"origRecordedAt,omitempty" yaml:"origRecordedAt,omitempty"`
}

// IsDaily reports whether the chore recurs every day.
func (r RoutineItem) IsDaily() bool {
	return r.Cycle == 1
}

// HaruDay is one day of the meal/memo log, keyed by YYYY-MM-DD.
type HaruDay struct {
	Key       string `json:"key" yaml:"key"`
	Breakfast string `json:"breakfast,omitempty" yaml:"breakfast,omitempty"`
	Lunch     string `json:"lunch,omitempty" yaml:"lunch,omitempty"`
	Dinner    string `json:"dinner,omitempty" yaml:"dinner,omitempty"`
	Snack     string `json:"snack,omitempty" yaml:"snack,omitempty"`
	Memo      string `json:"memo,omitempty" yaml:"memo,omitempty"`
}

// HaruFields lists the editable fields of a HaruDay.
var HaruFields = []string{"breakfast", "lunch", "dinner", "snack", "memo"}

// SameContent reports whether d and o hold the same entries.
func (d HaruDay) SameContent(o HaruDay) bool {
	return d.Breakfast == o.Breakfast &&
		d.Lunch == o.Lunch &&
		d.Dinner == o.Dinner &&
		d.Snack == o.Snack &&
		d.Memo == o.Memo
}

// Get returns the value of the named field.
func (d HaruDay) Get(field string) (string, error) {
	switch field {
	case "breakfast":
		return d.Breakfast, nil
	case "lunch":
		return d.Lunch, nil
	case "dinner":
		return d.Dinner, nil
	case "snack":
		return d.Snack, nil
	case "memo":
		return d.Memo, nil
	default:
		return "", fmt.Errorf("unknown haru field %q", field)
	}
}

// With returns a copy of d with field set to value.
func (d HaruDay) With(field, value string) (HaruDay, error) {
	switch field {
	case "breakfast":
		d.Breakfast = value
	case "lunch":
		d.Lunch = value
	case "dinner":
		d.Dinner = value
	case "snack":
		d.Snack = value
	case "memo":
		d.Memo = value
	default:
		return d, fmt.Errorf("unknown haru field %q", field)
	}
	return d, nil
}
