// Package hotkey routes keyboard shortcuts to the active list.
//
// Several engines can be live at once (board, routine, haru) but an undo
// keystroke must reach exactly one of them. A single Dispatcher owns the
// shortcut; engines register with it and the most recently activated
// registration handles undo, falling back to the most recently registered.
package hotkey

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// ErrNoTarget is returned when an undo key arrives with nothing registered.
var ErrNoTarget = errors.New("no undo target registered")

// Undoer is implemented by syncengine.Engine.
type Undoer interface {
	Undo(ctx context.Context) (bool, error)
}

// Key is one keystroke.
type Key struct {
	Ctrl bool
	Meta bool
	Rune rune
}

// ParseKey parses names such as "ctrl+z", "cmd+z", "meta+Z" or "^Z".
func ParseKey(s string) (Key, error) {
	s = strings.TrimSpace(s)
	if len(s) == 2 && s[0] == '^' {
		return Key{Ctrl: true, Rune: lowerRune(rune(s[1]))}, nil
	}

	var k Key
	parts := strings.Split(strings.ToLower(s), "+")
	for _, p := range parts[:len(parts)-1] {
		switch p {
		case "ctrl", "control":
			k.Ctrl = true
		case "cmd", "meta", "super":
			k.Meta = true
		default:
			return Key{}, fmt.Errorf("unknown modifier %q in %q", p, s)
		}
	}
	last := []rune(parts[len(parts)-1])
	if len(last) != 1 {
		return Key{}, fmt.Errorf("invalid key %q", s)
	}
	k.Rune = last[0]
	return k, nil
}

// KeyFromByte decodes a raw terminal byte. Control bytes map to Ctrl+letter.
func KeyFromByte(b byte) Key {
	if b >= 1 && b <= 26 {
		return Key{Ctrl: true, Rune: rune('a' + b - 1)}
	}
	return Key{Rune: lowerRune(rune(b))}
}

// IsUndo reports whether k is Ctrl+Z or Cmd+Z.
func (k Key) IsUndo() bool {
	return (k.Ctrl || k.Meta) && lowerRune(k.Rune) == 'z'
}

func (k Key) String() string {
	var b strings.Builder
	if k.Ctrl {
		b.WriteString("ctrl+")
	}
	if k.Meta {
		b.WriteString("cmd+")
	}
	b.WriteRune(k.Rune)
	return b.String()
}

func lowerRune(r rune) rune {
	if r >= 'A' && r <= 'Z' {
		return r + ('a' - 'A')
	}
	return r
}

// Registration ties one Undoer to a Dispatcher.
type Registration struct {
	d      *Dispatcher
	name   string
	target Undoer
	order  uint64 // registration sequence
	active uint64 // activation sequence, 0 when never activated
}

// Name returns the name given at registration.
func (r *Registration) Name() string {
	return r.name
}

// Activate makes r the undo target, as focusing a list would.
func (r *Registration) Activate() {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	r.d.seq++
	r.active = r.d.seq
}

// Unregister removes r. It is safe to call more than once.
func (r *Registration) Unregister() {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	delete(r.d.regs, r)
}

// Dispatcher is the single owner of the undo shortcut.
type Dispatcher struct {
	mu   sync.Mutex
	regs map[*Registration]struct{}
	seq  uint64
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{regs: make(map[*Registration]struct{})}
}

// Register adds target under name.
func (d *Dispatcher) Register(name string, target Undoer) *Registration {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seq++
	r := &Registration{d: d, name: name, target: target, order: d.seq}
	d.regs[r] = struct{}{}
	return r
}

// Lookup returns the registration named name.
func (d *Dispatcher) Lookup(name string) (*Registration, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for r := range d.regs {
		if r.name == name {
			return r, true
		}
	}
	return nil, false
}

// Target returns the registration that would handle undo now.
func (d *Dispatcher) Target() (*Registration, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.targetLocked()
}

func (d *Dispatcher) targetLocked() (*Registration, bool) {
	var best *Registration
	for r := range d.regs {
		if best == nil || outranks(r, best) {
			best = r
		}
	}
	return best, best != nil
}

// outranks orders activated registrations above never-activated ones,
// then by recency.
func outranks(a, b *Registration) bool {
	if (a.active > 0) != (b.active > 0) {
		return a.active > 0
	}
	if a.active > 0 {
		return a.active > b.active
	}
	return a.order > b.order
}

// Dispatch handles k. handled is false for keys the dispatcher does not own.
func (d *Dispatcher) Dispatch(ctx context.Context, k Key) (handled bool, err error) {
	if !k.IsUndo() {
		return false, nil
	}
	_, _, err = d.Undo(ctx)
	return true, err
}

// Undo runs undo on the current target and reports which one handled it
// and whether anything was undone.
func (d *Dispatcher) Undo(ctx context.Context) (target string, undone bool, err error) {
	d.mu.Lock()
	r, ok := d.targetLocked()
	d.mu.Unlock()
	if !ok {
		return "", false, ErrNoTarget
	}
	undone, err = r.target.Undo(ctx)
	return r.name, undone, err
}
