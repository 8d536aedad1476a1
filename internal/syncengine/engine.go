// Package syncengine binds one list-valued field of a document to local
// state.
//
// An Engine keeps the list in memory, persists local edits after a debounce
// window, recognizes change notifications caused by its own writes, adopts
// writes made by other clients, guards saves with the stored version and
// keeps a linear undo history of persisted states.
//
// Lifecycle:
//
//	Uninitialized -> Loading -> Synced <-> Saving
//	                            Synced  -> Undoing -> Synced
//	any -> Unsubscribed (Close)
package syncengine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/homeboard/homeboard/internal/docstore"
)

// DefaultDebounce is how long local edits settle before they are saved.
const DefaultDebounce = 600 * time.Millisecond

// State is the engine lifecycle state.
type State int

const (
	Uninitialized State = iota
	Loading
	Synced
	Saving
	Undoing
	Unsubscribed
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Loading:
		return "loading"
	case Synced:
		return "synced"
	case Saving:
		return "saving"
	case Undoing:
		return "undoing"
	case Unsubscribed:
		return "unsubscribed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Config holds engine configuration.
type Config struct {
	// Debounce is the quiet period after the last Update before saving
	Debounce time.Duration

	// ClientID prefixes every write id (default: random uuid)
	ClientID string

	// Logger for engine activity
	Logger *log.Logger

	// OnConflict is called when a save is rejected because another client
	// changed the document first. The local edit has been discarded and
	// the remote state adopted by the time it runs.
	OnConflict func(err error)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Debounce: DefaultDebounce,
		Logger:   log.New(os.Stderr, "[engine] ", log.LstdFlags),
	}
}

// Engine synchronizes a []T stored under one field of one document.
type Engine[T any] struct {
	store  docstore.Store
	ref    docstore.Ref
	field  string
	def    []T
	config Config
	logger *log.Logger

	// saveMu serializes outbound writes; mu guards everything below.
	saveMu sync.Mutex
	mu     sync.Mutex

	state   State
	items   []T
	history [][]T
	index   int

	version  int64 // last stored version this engine has accounted for
	dirty    bool  // local edit not yet persisted
	saving   bool
	deferred *docstore.Snapshot // foreign snapshot held back while editing

	seq    uint64
	issued map[string]struct{}

	timer    *time.Timer
	timerGen uint64

	observers map[int]func([]T)
	nextObs   int

	loaded    chan struct{}
	cancelSub func()
}

// Open pre-creates the document with def when it is missing, subscribes to
// it and returns once the first snapshot has initialized the engine.
func Open[T any](ctx context.Context, store docstore.Store, ref docstore.Ref, field string, def []T, config *Config) (*Engine[T], error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if err := ref.Validate(); err != nil {
		return nil, err
	}
	if field == "" {
		return nil, fmt.Errorf("field cannot be empty")
	}

	e := newEngine(store, ref, field, def, config)

	if _, err := store.RunTransaction(ctx, ref, func(current *docstore.Snapshot) (docstore.Data, error) {
		if current.Exists {
			return nil, nil
		}
		return docstore.FieldData(field, e.def)
	}); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", ref, err)
	}

	e.mu.Lock()
	e.state = Loading
	e.mu.Unlock()

	cancel, err := store.Subscribe(context.Background(), ref, e.handleSnapshot)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", ref, err)
	}
	e.mu.Lock()
	e.cancelSub = cancel
	e.mu.Unlock()

	select {
	case <-e.loaded:
		return e, nil
	case <-ctx.Done():
		e.Close()
		return nil, ctx.Err()
	}
}

func newEngine[T any](store docstore.Store, ref docstore.Ref, field string, def []T, config *Config) *Engine[T] {
	cfg := *DefaultConfig()
	if config != nil {
		if config.Debounce > 0 {
			cfg.Debounce = config.Debounce
		}
		if config.ClientID != "" {
			cfg.ClientID = config.ClientID
		}
		if config.Logger != nil {
			cfg.Logger = config.Logger
		}
		cfg.OnConflict = config.OnConflict
	}
	if cfg.ClientID == "" {
		cfg.ClientID = uuid.NewString()
	}
	if def == nil {
		def = []T{}
	}

	return &Engine[T]{
		store:     store,
		ref:       ref,
		field:     field,
		def:       def,
		config:    cfg,
		logger:    cfg.Logger,
		state:     Uninitialized,
		issued:    make(map[string]struct{}),
		observers: make(map[int]func([]T)),
		loaded:    make(chan struct{}),
	}
}

// Ref returns the bound document.
func (e *Engine[T]) Ref() docstore.Ref {
	return e.ref
}

// Items returns a copy of the local list.
func (e *Engine[T]) Items() []T {
	e.mu.Lock()
	defer e.mu.Unlock()
	return cloneList(e.items)
}

// State returns the lifecycle state.
func (e *Engine[T]) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// HistoryLen returns the number of history entries.
func (e *Engine[T]) HistoryLen() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.history)
}

// HistoryIndex returns the position of the current entry in the history.
func (e *Engine[T]) HistoryIndex() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.index
}

// Version returns the last stored version the engine has accounted for.
func (e *Engine[T]) Version() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.version
}

// Dirty reports whether a local edit is waiting to be saved.
func (e *Engine[T]) Dirty() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dirty
}

// OnChange registers fn to be called with the new list after every local
// edit, undo or adopted remote change. The returned func unregisters it.
func (e *Engine[T]) OnChange(fn func([]T)) (remove func()) {
	e.mu.Lock()
	id := e.nextObs
	e.nextObs++
	e.observers[id] = fn
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		delete(e.observers, id)
		e.mu.Unlock()
	}
}

// Update replaces the local list and schedules a debounced save.
func (e *Engine[T]) Update(items []T) error {
	e.mu.Lock()
	if e.state == Unsubscribed {
		e.mu.Unlock()
		return docstore.ErrClosed
	}
	e.items = cloneList(items)
	e.dirty = true
	e.scheduleSaveLocked()
	notify := e.changeLocked()
	e.mu.Unlock()

	notify()
	return nil
}

// Flush saves a pending edit now and waits for the write. It is a no-op
// when nothing is pending.
func (e *Engine[T]) Flush(ctx context.Context) error {
	e.mu.Lock()
	e.stopTimerLocked()
	e.mu.Unlock()
	return e.persist(ctx)
}

// Undo steps back one history entry and writes it to the store as an
// authoritative overwrite. It reports false at the first entry.
func (e *Engine[T]) Undo(ctx context.Context) (bool, error) {
	e.saveMu.Lock()
	defer e.saveMu.Unlock()

	e.mu.Lock()
	if e.state == Unsubscribed {
		e.mu.Unlock()
		return false, docstore.ErrClosed
	}
	if e.index <= 0 {
		e.mu.Unlock()
		return false, nil
	}
	e.stopTimerLocked()
	e.dirty = false
	e.deferred = nil
	e.index--
	e.items = cloneList(e.history[e.index])
	e.state = Undoing
	items := cloneList(e.items)
	id := e.issueLocked()
	notify := e.changeLocked()
	e.mu.Unlock()

	notify()

	snap, err := e.write(ctx, items, docstore.WithWriteID(id))

	e.mu.Lock()
	delete(e.issued, id)
	if e.state == Undoing {
		e.state = Synced
	}
	if err == nil && snap.Version > e.version {
		e.version = snap.Version
	}
	notify = func() {}
	if e.deferred != nil && !e.dirty && e.deferred.Version > e.version {
		notify = e.adoptLocked(e.deferred)
	}
	e.mu.Unlock()
	notify()

	if err != nil {
		e.logger.Printf("undo write to %s failed: %v", e.ref, err)
		return true, fmt.Errorf("failed to write undo: %w", err)
	}
	return true, nil
}

// Close cancels the pending save and the subscription. An in-flight write
// is left to finish. Close is idempotent.
func (e *Engine[T]) Close() error {
	e.mu.Lock()
	if e.state == Unsubscribed {
		e.mu.Unlock()
		return nil
	}
	e.state = Unsubscribed
	e.stopTimerLocked()
	cancel := e.cancelSub
	e.cancelSub = nil
	e.observers = make(map[int]func([]T))
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return nil
}

// handleSnapshot is the subscription callback.
func (e *Engine[T]) handleSnapshot(snap *docstore.Snapshot) {
	e.mu.Lock()
	if e.state == Unsubscribed {
		e.mu.Unlock()
		return
	}

	select {
	case <-e.loaded:
	default:
		e.items = e.decode(snap)
		e.history = [][]T{cloneList(e.items)}
		e.index = 0
		e.version = snap.Version
		e.state = Synced
		close(e.loaded)
		notify := e.changeLocked()
		e.mu.Unlock()
		notify()
		return
	}

	if snap.Version <= e.version {
		e.mu.Unlock()
		return
	}
	if _, ok := e.issued[snap.WriteID]; ok && snap.WriteID != "" {
		delete(e.issued, snap.WriteID)
		e.version = snap.Version
		e.mu.Unlock()
		return
	}
	if e.dirty || e.saving || e.state == Undoing {
		e.deferred = snap
		e.mu.Unlock()
		return
	}

	notify := e.adoptLocked(snap)
	e.mu.Unlock()
	notify()
}

// adoptLocked makes snap the local state. It never writes.
func (e *Engine[T]) adoptLocked(snap *docstore.Snapshot) func() {
	e.items = e.decode(snap)
	if snap.Version > e.version {
		e.version = snap.Version
	}
	e.deferred = nil
	if !equalLists(e.items, e.history[e.index]) {
		e.history = append(e.history[:e.index+1], cloneList(e.items))
		e.index = len(e.history) - 1
	}
	return e.changeLocked()
}

func (e *Engine[T]) decode(snap *docstore.Snapshot) []T {
	items, ok, err := docstore.DecodeField[[]T](snap, e.field)
	if err != nil {
		e.logger.Printf("ignoring malformed %s.%s: %v", e.ref, e.field, err)
		return cloneList(e.def)
	}
	if !ok {
		return cloneList(e.def)
	}
	if items == nil {
		items = []T{}
	}
	return items
}

// persist writes the local list if it has unsaved edits. Concurrent calls
// run one after another.
func (e *Engine[T]) persist(ctx context.Context) error {
	e.saveMu.Lock()
	defer e.saveMu.Unlock()

	e.mu.Lock()
	if !e.dirty || e.state == Unsubscribed {
		e.mu.Unlock()
		return nil
	}
	e.dirty = false
	e.saving = true
	e.state = Saving
	items := cloneList(e.items)
	version := e.version
	id := e.issueLocked()
	e.mu.Unlock()

	snap, err := e.write(ctx, items, docstore.WithWriteID(id), docstore.IfVersion(version))

	e.mu.Lock()
	e.saving = false
	delete(e.issued, id)
	if e.state == Saving {
		e.state = Synced
	}

	switch {
	case err == nil:
		if snap.Version > e.version {
			e.version = snap.Version
		}
		if !equalLists(items, e.history[e.index]) {
			e.history = append(e.history[:e.index+1], items)
			e.index = len(e.history) - 1
		}
		notify := func() {}
		if e.deferred != nil && !e.dirty && e.deferred.Version > e.version {
			notify = e.adoptLocked(e.deferred)
		}
		e.mu.Unlock()
		notify()
		return nil

	case errors.Is(err, docstore.ErrConflict):
		e.stopTimerLocked()
		e.dirty = false
		e.mu.Unlock()
		e.logger.Printf("save to %s rejected, adopting remote state: %v", e.ref, err)
		e.adoptLatest(ctx)
		if e.config.OnConflict != nil {
			e.config.OnConflict(err)
		}
		return err

	default:
		// Keep the optimistic state; the next Update or Flush retries.
		e.dirty = true
		e.mu.Unlock()
		e.logger.Printf("save to %s failed: %v", e.ref, err)
		return err
	}
}

func (e *Engine[T]) adoptLatest(ctx context.Context) {
	latest, err := docstore.GetOrMissing(ctx, e.store, e.ref)
	if err != nil {
		e.logger.Printf("failed to reload %s: %v", e.ref, err)
		return
	}

	e.mu.Lock()
	if e.state == Unsubscribed {
		e.mu.Unlock()
		return
	}
	if e.deferred != nil && e.deferred.Version > latest.Version {
		latest = e.deferred
	}
	notify := e.adoptLocked(latest)
	e.mu.Unlock()
	notify()
}

func (e *Engine[T]) write(ctx context.Context, items []T, opts ...docstore.WriteOption) (*docstore.Snapshot, error) {
	data, err := docstore.FieldData(e.field, items)
	if err != nil {
		return nil, err
	}
	opts = append(opts, docstore.Merge())
	return e.store.Set(ctx, e.ref, data, opts...)
}

func (e *Engine[T]) issueLocked() string {
	e.seq++
	id := fmt.Sprintf("%s-%d", e.config.ClientID, e.seq)
	e.issued[id] = struct{}{}
	return id
}

func (e *Engine[T]) scheduleSaveLocked() {
	e.stopTimerLocked()
	gen := e.timerGen
	e.timer = time.AfterFunc(e.config.Debounce, func() {
		e.mu.Lock()
		stale := gen != e.timerGen
		e.mu.Unlock()
		if stale {
			return
		}
		_ = e.persist(context.Background())
	})
}

func (e *Engine[T]) stopTimerLocked() {
	e.timerGen++
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

// changeLocked captures the observers and the list to hand them. The
// returned func must be called without holding mu.
func (e *Engine[T]) changeLocked() func() {
	if len(e.observers) == 0 {
		return func() {}
	}
	fns := make([]func([]T), 0, len(e.observers))
	for _, fn := range e.observers {
		fns = append(fns, fn)
	}
	items := cloneList(e.items)
	return func() {
		for _, fn := range fns {
			fn(cloneList(items))
		}
	}
}

// cloneList deep-copies a list through its JSON form so history entries
// never share nested slices.
func cloneList[T any](items []T) []T {
	if items == nil {
		return nil
	}
	b, err := json.Marshal(items)
	if err != nil {
		return append([]T(nil), items...)
	}
	out := make([]T, 0, len(items))
	if err := json.Unmarshal(b, &out); err != nil {
		return append([]T(nil), items...)
	}
	return out
}

func equalLists[T any](a, b []T) bool {
	ab, err1 := json.Marshal(a)
	bb, err2 := json.Marshal(b)
	if err1 != nil || err2 != nil {
		return false
	}
	return bytes.Equal(ab, bb)
}
