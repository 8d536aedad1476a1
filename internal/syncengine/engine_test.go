package syncengine

import (
	"context"
	"errors"
	"io"
	"log"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/homeboard/homeboard/internal/docstore"
	"github.com/homeboard/homeboard/internal/docstore/storetest"
)

type note struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

var testRef = docstore.NewRef("notes", "main")

// recordingStore records every Set made through it and can be told to fail.
// Writes made directly on the embedded MemoryStore play the other client.
type recordingStore struct {
	*docstore.MemoryStore

	mu       sync.Mutex
	writes   []docstore.WriteOptions
	failWith error
}

func newRecordingStore(t *testing.T) *recordingStore {
	t.Helper()
	s := &recordingStore{MemoryStore: docstore.NewMemoryStore()}
	t.Cleanup(func() { s.MemoryStore.Close() })
	return s
}

func (s *recordingStore) Set(ctx context.Context, ref docstore.Ref, data docstore.Data, opts ...docstore.WriteOption) (*docstore.Snapshot, error) {
	s.mu.Lock()
	s.writes = append(s.writes, docstore.BuildWriteOptions(opts...))
	fail := s.failWith
	s.mu.Unlock()
	if fail != nil {
		return nil, fail
	}
	return s.MemoryStore.Set(ctx, ref, data, opts...)
}

func (s *recordingStore) Writes() []docstore.WriteOptions {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]docstore.WriteOptions(nil), s.writes...)
}

func (s *recordingStore) setFail(err error) {
	s.mu.Lock()
	s.failWith = err
	s.mu.Unlock()
}

func testConfig(debounce time.Duration) *Config {
	return &Config{
		Debounce: debounce,
		ClientID: "tester",
		Logger:   log.New(io.Discard, "", 0),
	}
}

func openTestEngine(t *testing.T, s docstore.Store, def []note, cfg *Config) *Engine[note] {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	e, err := Open(ctx, s, testRef, "items", def, cfg)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func storedNotes(t *testing.T, s docstore.Store) []note {
	t.Helper()
	snap, err := s.Get(context.Background(), testRef)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	items, _, err := docstore.DecodeField[[]note](snap, "items")
	if err != nil {
		t.Fatalf("DecodeField failed: %v", err)
	}
	return items
}

func texts(items []note) string {
	parts := make([]string, len(items))
	for i, n := range items {
		parts[i] = n.Text
	}
	return strings.Join(parts, ",")
}

func notes(textList ...string) []note {
	out := make([]note, len(textList))
	for i, s := range textList {
		out[i] = note{ID: s, Text: s}
	}
	return out
}

// foreignWrite writes as another client would.
func foreignWrite(t *testing.T, s *recordingStore, items []note) *docstore.Snapshot {
	t.Helper()
	data, err := docstore.FieldData("items", items)
	if err != nil {
		t.Fatalf("FieldData failed: %v", err)
	}
	snap, err := s.MemoryStore.Set(context.Background(), testRef, data, docstore.WithWriteID("other-1"))
	if err != nil {
		t.Fatalf("foreign Set failed: %v", err)
	}
	return snap
}

func TestOpen_PrecreatesMissingDocument(t *testing.T) {
	s := newRecordingStore(t)
	e := openTestEngine(t, s, notes("seed"), testConfig(time.Hour))

	if got := texts(e.Items()); got != "seed" {
		t.Errorf("Items() = %q, want seed", got)
	}
	if got := texts(storedNotes(t, s)); got != "seed" {
		t.Errorf("stored = %q, want seed", got)
	}
	if e.State() != Synced {
		t.Errorf("State() = %s, want synced", e.State())
	}
	if e.HistoryLen() != 1 || e.HistoryIndex() != 0 {
		t.Errorf("history = %d/%d, want 1 entry at 0", e.HistoryLen(), e.HistoryIndex())
	}
	if len(s.Writes()) != 0 {
		t.Errorf("pre-create should go through a transaction, saw %d Set calls", len(s.Writes()))
	}
}

func TestOpen_ExistingDocument(t *testing.T) {
	s := newRecordingStore(t)
	existing := foreignWrite(t, s, notes("a", "b"))

	e := openTestEngine(t, s, notes("default"), testConfig(time.Hour))
	if got := texts(e.Items()); got != "a,b" {
		t.Errorf("Items() = %q, want a,b", got)
	}
	if e.Version() != existing.Version {
		t.Errorf("Version() = %d, want %d", e.Version(), existing.Version)
	}
}

func TestOpen_MissingFieldUsesDefault(t *testing.T) {
	s := newRecordingStore(t)
	if _, err := s.MemoryStore.Set(context.Background(), testRef, docstore.Data{"other": true}); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	e := openTestEngine(t, s, notes("default"), testConfig(time.Hour))
	if got := texts(e.Items()); got != "default" {
		t.Errorf("Items() = %q, want default", got)
	}
}

func TestRemoteAdopt_Idempotent(t *testing.T) {
	s := newRecordingStore(t)
	e := openTestEngine(t, s, notes("a"), testConfig(time.Hour))

	snap := foreignWrite(t, s, notes("a", "remote"))
	storetest.Eventually(t, "remote change adopted", func() bool {
		return texts(e.Items()) == "a,remote"
	})
	if e.HistoryLen() != 2 {
		t.Fatalf("HistoryLen() = %d after adopt, want 2", e.HistoryLen())
	}

	// Redeliver the same snapshot twice.
	e.handleSnapshot(snap.Clone())
	e.handleSnapshot(snap.Clone())

	if e.HistoryLen() != 2 {
		t.Errorf("HistoryLen() = %d after redelivery, want 2", e.HistoryLen())
	}
	if n := len(s.Writes()); n != 0 {
		t.Errorf("adopt must never write, saw %d writes", n)
	}
	if e.Dirty() {
		t.Error("adopt must not mark the engine dirty")
	}
}

func TestRemoteAdopt_EqualStateNoHistoryEntry(t *testing.T) {
	s := newRecordingStore(t)
	e := openTestEngine(t, s, notes("a"), testConfig(time.Hour))

	snap := foreignWrite(t, s, notes("a"))
	storetest.Eventually(t, "version advanced", func() bool {
		return e.Version() == snap.Version
	})
	if e.HistoryLen() != 1 {
		t.Errorf("HistoryLen() = %d, want 1 for an unchanged list", e.HistoryLen())
	}
}

func TestUpdate_DebounceCoalescing(t *testing.T) {
	s := newRecordingStore(t)
	e := openTestEngine(t, s, notes(), testConfig(50*time.Millisecond))

	for _, list := range [][]note{notes("1"), notes("1", "2"), notes("1", "2", "3"), notes("3")} {
		if err := e.Update(list); err != nil {
			t.Fatalf("Update failed: %v", err)
		}
	}

	storetest.Eventually(t, "debounced write", func() bool {
		return len(s.Writes()) == 1
	})
	time.Sleep(150 * time.Millisecond)

	if n := len(s.Writes()); n != 1 {
		t.Fatalf("expected exactly 1 write, got %d", n)
	}
	if got := texts(storedNotes(t, s)); got != "3" {
		t.Errorf("stored = %q, want 3", got)
	}
	if e.HistoryLen() != 2 {
		t.Errorf("HistoryLen() = %d, want 2", e.HistoryLen())
	}
}

func TestUpdate_WriteIDsAndVersionGuard(t *testing.T) {
	s := newRecordingStore(t)
	e := openTestEngine(t, s, notes(), testConfig(time.Hour))
	ctx := context.Background()

	for _, list := range [][]note{notes("a"), notes("a", "b")} {
		if err := e.Update(list); err != nil {
			t.Fatalf("Update failed: %v", err)
		}
		if err := e.Flush(ctx); err != nil {
			t.Fatalf("Flush failed: %v", err)
		}
	}

	writes := s.Writes()
	if len(writes) != 2 {
		t.Fatalf("expected 2 writes, got %d", len(writes))
	}
	if writes[0].WriteID != "tester-1" || writes[1].WriteID != "tester-2" {
		t.Errorf("write ids = %q, %q", writes[0].WriteID, writes[1].WriteID)
	}
	for i, w := range writes {
		if !w.CheckVersion {
			t.Errorf("write %d has no version precondition", i)
		}
		if !w.Merge {
			t.Errorf("write %d should only touch its field", i)
		}
	}
	if writes[0].IfVersion >= writes[1].IfVersion {
		t.Errorf("second write expected version %d, first %d", writes[1].IfVersion, writes[0].IfVersion)
	}
}

func TestFlush_NothingPending(t *testing.T) {
	s := newRecordingStore(t)
	e := openTestEngine(t, s, notes("a"), testConfig(time.Hour))
	if err := e.Flush(context.Background()); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if n := len(s.Writes()); n != 0 {
		t.Errorf("Flush without edits wrote %d times", n)
	}
}

func TestFlush_UnchangedListNoHistoryEntry(t *testing.T) {
	s := newRecordingStore(t)
	e := openTestEngine(t, s, notes("a"), testConfig(time.Hour))
	ctx := context.Background()

	if err := e.Update(e.Items()); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if err := e.Flush(ctx); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if n := e.HistoryLen(); n != 1 {
		t.Errorf("HistoryLen = %d, want 1", n)
	}

	undone, err := e.Undo(ctx)
	if err != nil {
		t.Fatalf("Undo failed: %v", err)
	}
	if undone {
		t.Error("Undo stepped back over a save that changed nothing")
	}
}

func TestEcho_NoSecondHistoryEntry(t *testing.T) {
	s := newRecordingStore(t)
	e := openTestEngine(t, s, notes(), testConfig(time.Hour))

	var changes int
	var mu sync.Mutex
	e.OnChange(func([]note) {
		mu.Lock()
		changes++
		mu.Unlock()
	})

	if err := e.Update(notes("x")); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if err := e.Flush(context.Background()); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	if e.HistoryLen() != 2 {
		t.Errorf("HistoryLen() = %d, want 2", e.HistoryLen())
	}
	if n := len(s.Writes()); n != 1 {
		t.Errorf("echo triggered a re-save: %d writes", n)
	}
	mu.Lock()
	defer mu.Unlock()
	if changes != 1 {
		t.Errorf("observer called %d times, want 1 (the local edit)", changes)
	}
}

func TestUndo_AtStartIsNoop(t *testing.T) {
	s := newRecordingStore(t)
	e := openTestEngine(t, s, notes("a"), testConfig(time.Hour))

	undone, err := e.Undo(context.Background())
	if err != nil {
		t.Fatalf("Undo failed: %v", err)
	}
	if undone {
		t.Error("Undo at index 0 should report false")
	}
	if e.HistoryIndex() != 0 || texts(e.Items()) != "a" {
		t.Errorf("state changed: index %d, items %q", e.HistoryIndex(), texts(e.Items()))
	}
	if n := len(s.Writes()); n != 0 {
		t.Errorf("no-op undo wrote %d times", n)
	}
}

func TestUndo_RoundTrip(t *testing.T) {
	s := newRecordingStore(t)
	e := openTestEngine(t, s, notes(), testConfig(time.Hour))
	ctx := context.Background()

	for _, list := range [][]note{notes("a"), notes("a", "b")} {
		if err := e.Update(list); err != nil {
			t.Fatalf("Update failed: %v", err)
		}
		if err := e.Flush(ctx); err != nil {
			t.Fatalf("Flush failed: %v", err)
		}
	}
	if e.HistoryLen() != 3 || e.HistoryIndex() != 2 {
		t.Fatalf("history = %d/%d, want 3 entries at 2", e.HistoryLen(), e.HistoryIndex())
	}

	undone, err := e.Undo(ctx)
	if err != nil || !undone {
		t.Fatalf("Undo = %v, %v", undone, err)
	}
	if got := texts(e.Items()); got != "a" {
		t.Errorf("Items() after undo = %q, want a", got)
	}
	if got := texts(storedNotes(t, s)); got != "a" {
		t.Errorf("stored after undo = %q, want a", got)
	}
	if e.HistoryLen() != 3 || e.HistoryIndex() != 1 {
		t.Errorf("undo must not append: history = %d/%d", e.HistoryLen(), e.HistoryIndex())
	}

	last := s.Writes()[len(s.Writes())-1]
	if last.CheckVersion {
		t.Error("undo write should be an unconditional overwrite")
	}
	if last.WriteID == "" {
		t.Error("undo write should carry a write id")
	}

	if _, err := e.Undo(ctx); err != nil {
		t.Fatalf("second Undo failed: %v", err)
	}
	if got := texts(e.Items()); got != "" {
		t.Errorf("Items() after second undo = %q, want empty", got)
	}
	if undone, _ := e.Undo(ctx); undone {
		t.Error("third Undo should be a no-op")
	}

	// A new edit after undo truncates the forward history.
	if err := e.Update(notes("c")); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if err := e.Flush(ctx); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if e.HistoryLen() != 2 || e.HistoryIndex() != 1 {
		t.Errorf("history after new edit = %d/%d, want 2 entries at 1", e.HistoryLen(), e.HistoryIndex())
	}
}

func TestUndo_CancelsPendingSave(t *testing.T) {
	s := newRecordingStore(t)
	e := openTestEngine(t, s, notes(), testConfig(80*time.Millisecond))
	ctx := context.Background()

	if err := e.Update(notes("a")); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if err := e.Flush(ctx); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if err := e.Update(notes("a", "pending")); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if _, err := e.Undo(ctx); err != nil {
		t.Fatalf("Undo failed: %v", err)
	}

	time.Sleep(200 * time.Millisecond)
	if got := texts(storedNotes(t, s)); got != "" {
		t.Errorf("stored = %q, pending save should have been cancelled", got)
	}
	if n := len(s.Writes()); n != 2 {
		t.Errorf("expected flush + undo writes, got %d", n)
	}
}

func TestConflict_AdoptsRemote(t *testing.T) {
	s := newRecordingStore(t)
	var conflicts []error
	var mu sync.Mutex
	cfg := testConfig(time.Hour)
	cfg.OnConflict = func(err error) {
		mu.Lock()
		conflicts = append(conflicts, err)
		mu.Unlock()
	}
	e := openTestEngine(t, s, notes("a"), cfg)

	if err := e.Update(notes("a", "local")); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	remote := foreignWrite(t, s, notes("a", "remote"))

	// The pending edit holds the remote change back.
	time.Sleep(50 * time.Millisecond)
	if got := texts(e.Items()); got != "a,local" {
		t.Fatalf("remote change adopted over a pending edit: %q", got)
	}

	err := e.Flush(context.Background())
	if !errors.Is(err, docstore.ErrConflict) {
		t.Fatalf("Flush error = %v, want ErrConflict", err)
	}
	if got := texts(e.Items()); got != "a,remote" {
		t.Errorf("Items() after conflict = %q, want a,remote", got)
	}
	if got := texts(storedNotes(t, s)); got != "a,remote" {
		t.Errorf("stored = %q, remote write was overwritten", got)
	}
	if e.Dirty() {
		t.Error("conflicting edit should be abandoned")
	}
	if e.Version() != remote.Version {
		t.Errorf("Version() = %d, want %d", e.Version(), remote.Version)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(conflicts) != 1 {
		t.Errorf("OnConflict called %d times, want 1", len(conflicts))
	}
}

func TestSave_FailureKeepsLocalState(t *testing.T) {
	s := newRecordingStore(t)
	e := openTestEngine(t, s, notes(), testConfig(time.Hour))
	ctx := context.Background()

	s.setFail(errors.New("network down"))
	if err := e.Update(notes("offline")); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if err := e.Flush(ctx); err == nil {
		t.Fatal("expected Flush to fail")
	}
	if got := texts(e.Items()); got != "offline" {
		t.Errorf("optimistic state lost: %q", got)
	}
	if !e.Dirty() {
		t.Error("failed edit should stay dirty")
	}
	if e.HistoryLen() != 1 {
		t.Errorf("failed save appended history: %d", e.HistoryLen())
	}

	s.setFail(nil)
	if err := e.Flush(ctx); err != nil {
		t.Fatalf("retry Flush failed: %v", err)
	}
	if got := texts(storedNotes(t, s)); got != "offline" {
		t.Errorf("stored = %q after retry", got)
	}
	if e.Dirty() {
		t.Error("engine still dirty after successful retry")
	}
}

func TestObserver_SeesRemoteChanges(t *testing.T) {
	s := newRecordingStore(t)
	e := openTestEngine(t, s, notes(), testConfig(time.Hour))

	got := make(chan string, 4)
	remove := e.OnChange(func(items []note) { got <- texts(items) })

	foreignWrite(t, s, notes("r"))
	select {
	case v := <-got:
		if v != "r" {
			t.Errorf("observer saw %q, want r", v)
		}
	case <-time.After(storetest.DeliveryTimeout):
		t.Fatal("observer not called")
	}

	remove()
	if err := e.Update(notes("after")); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	select {
	case v := <-got:
		t.Errorf("removed observer called with %q", v)
	default:
	}
}

func TestClose(t *testing.T) {
	s := newRecordingStore(t)
	e := openTestEngine(t, s, notes(), testConfig(50*time.Millisecond))

	if err := e.Update(notes("never saved")); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
	if e.State() != Unsubscribed {
		t.Errorf("State() = %s, want unsubscribed", e.State())
	}
	if err := e.Update(notes("x")); !errors.Is(err, docstore.ErrClosed) {
		t.Errorf("Update after Close = %v, want ErrClosed", err)
	}
	if _, err := e.Undo(context.Background()); !errors.Is(err, docstore.ErrClosed) {
		t.Errorf("Undo after Close = %v, want ErrClosed", err)
	}

	time.Sleep(150 * time.Millisecond)
	if n := len(s.Writes()); n != 0 {
		t.Errorf("pending save ran after Close: %d writes", n)
	}
	storetest.Eventually(t, "subscription released", func() bool {
		return s.Subscribers(testRef) == 0
	})
}

func TestOpen_Validation(t *testing.T) {
	s := newRecordingStore(t)
	ctx := context.Background()
	if _, err := Open[note](ctx, nil, testRef, "items", nil, nil); err == nil {
		t.Error("expected error for nil store")
	}
	if _, err := Open[note](ctx, s, docstore.NewRef("", "x"), "items", nil, nil); !errors.Is(err, docstore.ErrInvalidRef) {
		t.Errorf("expected ErrInvalidRef, got %v", err)
	}
	if _, err := Open[note](ctx, s, testRef, "", nil, nil); err == nil {
		t.Error("expected error for empty field")
	}
}

func TestState_String(t *testing.T) {
	for s, want := range map[State]string{
		Uninitialized: "uninitialized",
		Loading:       "loading",
		Synced:        "synced",
		Saving:        "saving",
		Undoing:       "undoing",
		Unsubscribed:  "unsubscribed",
	} {
		if s.String() != want {
			t.Errorf("%d.String() = %q, want %q", int(s), s.String(), want)
		}
	}
}
