// Package board implements the to-do boxes. Every operation is a
// read-modify-write inside Store.RunTransaction, so concurrent edits from
// different clients are applied to the latest stored list and never lost.
package board

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/homeboard/homeboard/internal/docstore"
	"github.com/homeboard/homeboard/internal/model"
)

var (
	// ErrBoxNotFound is returned when an operation names a box that is not on the board.
	ErrBoxNotFound = errors.New("box not found")

	// ErrItemNotFound is returned when an operation names an item that is not in the box.
	ErrItemNotFound = errors.New("item not found")

	// ErrInvalidItem is returned for items that fail validation.
	ErrInvalidItem = errors.New("invalid item")
)

// Item fields accepted by ChangeItemField.
const (
	FieldText   = "text"
	FieldCount  = "count"
	FieldUnit   = "unit"
	FieldStatus = "status"
)

// Board operates on the box list of one document.
type Board struct {
	store docstore.Store
	ref   docstore.Ref
	field string
}

// New returns the board stored at the default board document.
func New(store docstore.Store) *Board {
	return &Board{store: store, ref: model.BoardRef, field: model.BoardField}
}

// Ref returns the document holding the boxes.
func (b *Board) Ref() docstore.Ref {
	return b.ref
}

// Boxes returns the current box list. A missing document is an empty board.
func (b *Board) Boxes(ctx context.Context) ([]model.TodoBox, error) {
	snap, err := docstore.GetOrMissing(ctx, b.store, b.ref)
	if err != nil {
		return nil, fmt.Errorf("failed to read board: %w", err)
	}
	return decodeBoxes(snap, b.field)
}

// Box returns one box by id.
func (b *Board) Box(ctx context.Context, boxID string) (model.TodoBox, error) {
	boxes, err := b.Boxes(ctx)
	if err != nil {
		return model.TodoBox{}, err
	}
	if i := indexOfBox(boxes, boxID); i >= 0 {
		return boxes[i], nil
	}
	return model.TodoBox{}, fmt.Errorf("%w: %s", ErrBoxNotFound, boxID)
}

// mutateFunc transforms the box list. Returning changed=false skips the write.
type mutateFunc func(boxes []model.TodoBox) (next []model.TodoBox, changed bool, err error)

func (b *Board) update(ctx context.Context, op string, fn mutateFunc) error {
	_, err := b.store.RunTransaction(ctx, b.ref, func(current *docstore.Snapshot) (docstore.Data, error) {
		boxes, err := decodeBoxes(current, b.field)
		if err != nil {
			return nil, err
		}
		next, changed, err := fn(boxes)
		if err != nil || !changed {
			return nil, err
		}
		if next == nil {
			next = []model.TodoBox{}
		}
		return docstore.FieldData(b.field, next)
	}, docstore.Merge())
	if err != nil {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	return nil
}

// AddBox appends an empty box of the given mode and returns it.
func (b *Board) AddBox(ctx context.Context, mode model.BoxMode) (model.TodoBox, error) {
	if mode == "" {
		mode = model.ModeDefault
	}
	box := model.TodoBox{
		ID:    model.NewID(),
		Title: mode.DefaultTitle(),
		Items: []model.TodoItem{},
		Mode:  mode,
	}
	err := b.update(ctx, "add box", func(boxes []model.TodoBox) ([]model.TodoBox, bool, error) {
		return append(boxes, box), true, nil
	})
	if err != nil {
		return model.TodoBox{}, err
	}
	return box, nil
}

// RemoveBox deletes a box and its items. Removing a missing box is a no-op.
func (b *Board) RemoveBox(ctx context.Context, boxID string) error {
	return b.update(ctx, "remove box", func(boxes []model.TodoBox) ([]model.TodoBox, bool, error) {
		i := indexOfBox(boxes, boxID)
		if i < 0 {
			return nil, false, nil
		}
		return append(boxes[:i:i], boxes[i+1:]...), true, nil
	})
}

// ChangeTitle renames a box.
func (b *Board) ChangeTitle(ctx context.Context, boxID, title string) error {
	return b.update(ctx, "change title", func(boxes []model.TodoBox) ([]model.TodoBox, bool, error) {
		i := indexOfBox(boxes, boxID)
		if i < 0 {
			return nil, false, fmt.Errorf("%w: %s", ErrBoxNotFound, boxID)
		}
		boxes[i].Title = title
		return boxes, true, nil
	})
}

// ReorderBoxes moves the box activeID to the position currently held by
// overID. Nothing happens when either box is missing.
func (b *Board) ReorderBoxes(ctx context.Context, activeID, overID string) error {
	return b.update(ctx, "reorder boxes", func(boxes []model.TodoBox) ([]model.TodoBox, bool, error) {
		from, to := indexOfBox(boxes, activeID), indexOfBox(boxes, overID)
		if from < 0 || to < 0 || from == to {
			return nil, false, nil
		}
		return moveElement(boxes, from, to), true, nil
	})
}

// MoveBoxDown swaps a box with the one after it. The last box stays put.
func (b *Board) MoveBoxDown(ctx context.Context, boxID string) error {
	return b.update(ctx, "move box down", func(boxes []model.TodoBox) ([]model.TodoBox, bool, error) {
		i := indexOfBox(boxes, boxID)
		if i < 0 || i == len(boxes)-1 {
			return nil, false, nil
		}
		return moveElement(boxes, i, i+1), true, nil
	})
}

// ItemInput is the user-entered part of a new item.
type ItemInput struct {
	Text  string
	Count string
	Unit  string
}

// Validate checks in against the box mode: text is always required, count
// and unit only in shopping boxes.
func (in ItemInput) Validate(mode model.BoxMode) error {
	if strings.TrimSpace(in.Text) == "" {
		return fmt.Errorf("%w: text is required", ErrInvalidItem)
	}
	if mode == model.ModeShopping {
		if strings.TrimSpace(in.Count) == "" || strings.TrimSpace(in.Unit) == "" {
			return fmt.Errorf("%w: shopping items need a count and a unit", ErrInvalidItem)
		}
	}
	return nil
}

// AddItem appends a new item with status none to a box and returns it.
func (b *Board) AddItem(ctx context.Context, boxID string, in ItemInput) (model.TodoItem, error) {
	item := model.TodoItem{
		ID:     model.NewID(),
		Text:   strings.TrimSpace(in.Text),
		Count:  strings.TrimSpace(in.Count),
		Unit:   strings.TrimSpace(in.Unit),
		Status: model.StatusNone,
	}
	err := b.update(ctx, "add item", func(boxes []model.TodoBox) ([]model.TodoBox, bool, error) {
		i := indexOfBox(boxes, boxID)
		if i < 0 {
			return nil, false, fmt.Errorf("%w: %s", ErrBoxNotFound, boxID)
		}
		if err := in.Validate(boxes[i].Mode); err != nil {
			return nil, false, err
		}
		boxes[i].Items = append(boxes[i].Items, item)
		return boxes, true, nil
	})
	if err != nil {
		return model.TodoItem{}, err
	}
	return item, nil
}

// RemoveItem deletes an item. Removing a missing item is a no-op.
func (b *Board) RemoveItem(ctx context.Context, boxID, itemID string) error {
	return b.update(ctx, "remove item", func(boxes []model.TodoBox) ([]model.TodoBox, bool, error) {
		i := indexOfBox(boxes, boxID)
		if i < 0 {
			return nil, false, nil
		}
		j := indexOfItem(boxes[i].Items, itemID)
		if j < 0 {
			return nil, false, nil
		}
		items := boxes[i].Items
		boxes[i].Items = append(items[:j:j], items[j+1:]...)
		return boxes, true, nil
	})
}

// ChangeItemField sets one of text, count, unit or status on an item.
func (b *Board) ChangeItemField(ctx context.Context, boxID, itemID, field, value string) error {
	if field == FieldStatus {
		status, err := model.ParseStatus(value)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidItem, err)
		}
		value = string(status)
	}
	switch field {
	case FieldText, FieldCount, FieldUnit, FieldStatus:
	default:
		return fmt.Errorf("%w: unknown field %q", ErrInvalidItem, field)
	}

	return b.update(ctx, "change item", func(boxes []model.TodoBox) ([]model.TodoBox, bool, error) {
		i := indexOfBox(boxes, boxID)
		if i < 0 {
			return nil, false, fmt.Errorf("%w: %s", ErrBoxNotFound, boxID)
		}
		j := indexOfItem(boxes[i].Items, itemID)
		if j < 0 {
			return nil, false, fmt.Errorf("%w: %s", ErrItemNotFound, itemID)
		}
		item := &boxes[i].Items[j]
		switch field {
		case FieldText:
			item.Text = value
		case FieldCount:
			item.Count = value
		case FieldUnit:
			item.Unit = value
		case FieldStatus:
			item.Status = model.TodoStatus(value)
		}
		return boxes, true, nil
	})
}

// ReorderItems applies the order of ids to a box. Ids that are no longer in
// the box are ignored; items missing from ids (added concurrently) keep
// their relative order at the end.
func (b *Board) ReorderItems(ctx context.Context, boxID string, ids []string) error {
	return b.update(ctx, "reorder items", func(boxes []model.TodoBox) ([]model.TodoBox, bool, error) {
		i := indexOfBox(boxes, boxID)
		if i < 0 {
			return nil, false, nil
		}
		boxes[i].Items = applyOrder(boxes[i].Items, ids)
		return boxes, true, nil
	})
}

// LowItems returns the shopping items running low across the board.
func LowItems(boxes []model.TodoBox) []model.TodoItem {
	var low []model.TodoItem
	for _, box := range boxes {
		for _, item := range box.Items {
			if box.LowCount(item) {
				low = append(low, item)
			}
		}
	}
	return low
}

func applyOrder(items []model.TodoItem, ids []string) []model.TodoItem {
	byID := make(map[string]model.TodoItem, len(items))
	for _, it := range items {
		byID[it.ID] = it
	}

	ordered := make([]model.TodoItem, 0, len(items))
	placed := make(map[string]bool, len(ids))
	for _, id := range ids {
		it, ok := byID[id]
		if !ok || placed[id] {
			continue
		}
		placed[id] = true
		ordered = append(ordered, it)
	}
	for _, it := range items {
		if !placed[it.ID] {
			ordered = append(ordered, it)
		}
	}
	return ordered
}

// moveElement removes the element at from and reinserts it at to.
func moveElement[T any](s []T, from, to int) []T {
	out := make([]T, 0, len(s))
	out = append(out, s[:from]...)
	out = append(out, s[from+1:]...)
	v := s[from]
	out = append(out[:to], append([]T{v}, out[to:]...)...)
	return out
}

func decodeBoxes(snap *docstore.Snapshot, field string) ([]model.TodoBox, error) {
	boxes, _, err := docstore.DecodeField[[]model.TodoBox](snap, field)
	if err != nil {
		return nil, err
	}
	for i := range boxes {
		if boxes[i].Items == nil {
			boxes[i].Items = []model.TodoItem{}
		}
		if boxes[i].Mode == "" {
			boxes[i].Mode = model.ModeDefault
		}
	}
	return boxes, nil
}

func indexOfBox(boxes []model.TodoBox, id string) int {
	for i, b := range boxes {
		if b.ID == id {
			return i
		}
	}
	return -1
}

func indexOfItem(items []model.TodoItem, id string) int {
	for i, it := range items {
		if it.ID == id {
			return i
		}
	}
	return -1
}
