// Package storetest holds the behavioural contract shared by every
// docstore.Store implementation.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/homeboard/homeboard/internal/docstore"
)

// Factory returns a fresh, empty store. The suite closes it.
type Factory func(t *testing.T) docstore.Store

// DeliveryTimeout bounds how long the suite waits for a subscription callback.
var DeliveryTimeout = 5 * time.Second

// Run executes the contract suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s docstore.Store)
	}{
		{"GetMissing", testGetMissing},
		{"SetAndGet", testSetAndGet},
		{"Replace", testReplace},
		{"Merge", testMerge},
		{"MergeKeepsStrippedFields", testMergeKeepsStrippedFields},
		{"MergeCreates", testMergeCreates},
		{"IfVersion", testIfVersion},
		{"IfVersionCreate", testIfVersionCreate},
		{"Sanitize", testSanitize},
		{"InvalidRef", testInvalidRef},
		{"SubscribeMissingThenWrite", testSubscribeMissingThenWrite},
		{"SubscribeOrder", testSubscribeOrder},
		{"SubscribeCancel", testSubscribeCancel},
		{"TransactionSkip", testTransactionSkip},
		{"TransactionError", testTransactionError},
		{"TransactionConcurrent", testTransactionConcurrent},
		{"Isolation", testIsolation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			defer s.Close()
			tt.fn(t, s)
		})
	}

	t.Run("Closed", func(t *testing.T) {
		s := newStore(t)
		if err := s.Close(); err != nil {
			t.Fatalf("Close failed: %v", err)
		}
		ref := docstore.NewRef("things", "closed")
		if _, err := s.Get(context.Background(), ref); !errors.Is(err, docstore.ErrClosed) {
			t.Errorf("Get after Close: got %v, want ErrClosed", err)
		}
		if _, err := s.Set(context.Background(), ref, docstore.Data{"a": 1}); !errors.Is(err, docstore.ErrClosed) {
			t.Errorf("Set after Close: got %v, want ErrClosed", err)
		}
	})
}

// Recorder collects snapshots delivered to a subscription.
type Recorder struct {
	mu    sync.Mutex
	snaps []*docstore.Snapshot
	ch    chan struct{}
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{ch: make(chan struct{}, 1)}
}

// Func is the subscription callback.
func (r *Recorder) Func(snap *docstore.Snapshot) {
	r.mu.Lock()
	r.snaps = append(r.snaps, snap)
	r.mu.Unlock()
	select {
	case r.ch <- struct{}{}:
	default:
	}
}

// Snapshots returns everything delivered so far.
func (r *Recorder) Snapshots() []*docstore.Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*docstore.Snapshot(nil), r.snaps...)
}

// WaitFor blocks until pred holds for the delivered snapshots.
func (r *Recorder) WaitFor(t *testing.T, what string, pred func([]*docstore.Snapshot) bool) []*docstore.Snapshot {
	t.Helper()
	deadline := time.After(DeliveryTimeout)
	for {
		snaps := r.Snapshots()
		if pred(snaps) {
			return snaps
		}
		select {
		case <-r.ch:
		case <-time.After(20 * time.Millisecond):
		case <-deadline:
			t.Fatalf("timed out waiting for %s; got %d snapshots", what, len(snaps))
		}
	}
}

// WaitVersion waits until a snapshot with version >= v was delivered.
func (r *Recorder) WaitVersion(t *testing.T, v int64) *docstore.Snapshot {
	t.Helper()
	snaps := r.WaitFor(t, fmt.Sprintf("version %d", v), func(s []*docstore.Snapshot) bool {
		return len(s) > 0 && s[len(s)-1].Version >= v
	})
	return snaps[len(snaps)-1]
}

// Eventually polls cond until it holds or DeliveryTimeout passes.
func Eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(DeliveryTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func testGetMissing(t *testing.T, s docstore.Store) {
	_, err := s.Get(context.Background(), docstore.NewRef("things", "nope"))
	if !errors.Is(err, docstore.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func testSetAndGet(t *testing.T, s docstore.Store) {
	ctx := context.Background()
	ref := docstore.NewRef("things", "one")

	snap, err := s.Set(ctx, ref, docstore.Data{"items": []any{"a", "b"}, "n": 2}, docstore.WithWriteID("c1-1"))
	if err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if !snap.Exists || snap.Version != 1 {
		t.Errorf("expected exists at version 1, got exists=%v version=%d", snap.Exists, snap.Version)
	}
	if snap.WriteID != "c1-1" {
		t.Errorf("expected write id c1-1, got %q", snap.WriteID)
	}
	if snap.UpdatedAt.IsZero() {
		t.Error("expected UpdatedAt to be set")
	}

	got, err := s.Get(ctx, ref)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	want := docstore.Data{"items": []any{"a", "b"}, "n": float64(2)}
	if !reflect.DeepEqual(got.Data, want) {
		t.Errorf("Get data = %#v, want %#v", got.Data, want)
	}
	if got.Version != 1 || got.WriteID != "c1-1" {
		t.Errorf("Get version/write id = %d/%q", got.Version, got.WriteID)
	}

	snap, err = s.Set(ctx, ref, docstore.Data{"n": 3})
	if err != nil {
		t.Fatalf("second Set failed: %v", err)
	}
	if snap.Version != 2 {
		t.Errorf("expected version 2, got %d", snap.Version)
	}
	if snap.WriteID != "" {
		t.Errorf("expected empty write id, got %q", snap.WriteID)
	}
}

func testReplace(t *testing.T, s docstore.Store) {
	ctx := context.Background()
	ref := docstore.NewRef("things", "replace")
	mustSet(t, s, ref, docstore.Data{"a": "1", "b": "2"})
	snap := mustSet(t, s, ref, docstore.Data{"a": "3"})
	if _, ok := snap.Data["b"]; ok {
		t.Errorf("full replace kept field b: %#v", snap.Data)
	}
	got, err := s.Get(ctx, ref)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !reflect.DeepEqual(got.Data, docstore.Data{"a": "3"}) {
		t.Errorf("Get data = %#v", got.Data)
	}
}

func testMerge(t *testing.T, s docstore.Store) {
	ctx := context.Background()
	ref := docstore.NewRef("things", "merge")
	mustSet(t, s, ref, docstore.Data{"a": "1", "b": "2"})
	snap, err := s.Set(ctx, ref, docstore.Data{"b": "3", "c": "4"}, docstore.Merge())
	if err != nil {
		t.Fatalf("merge Set failed: %v", err)
	}
	want := docstore.Data{"a": "1", "b": "3", "c": "4"}
	if !reflect.DeepEqual(snap.Data, want) {
		t.Errorf("merged data = %#v, want %#v", snap.Data, want)
	}
}

func testMergeKeepsStrippedFields(t *testing.T, s docstore.Store) {
	ctx := context.Background()
	ref := docstore.NewRef("things", "merge-nil")
	mustSet(t, s, ref, docstore.Data{"items": []any{"x"}, "note": "keep"})
	if _, err := s.Set(ctx, ref, docstore.Data{"note": nil, "other": "y"}, docstore.Merge()); err != nil {
		t.Fatalf("merge Set failed: %v", err)
	}
	got, err := s.Get(ctx, ref)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	want := docstore.Data{"items": []any{"x"}, "note": "keep", "other": "y"}
	if !reflect.DeepEqual(got.Data, want) {
		t.Errorf("stored data = %#v, want %#v", got.Data, want)
	}
}

func testMergeCreates(t *testing.T, s docstore.Store) {
	ref := docstore.NewRef("things", "merge-new")
	snap, err := s.Set(context.Background(), ref, docstore.Data{"content": "hi"}, docstore.Merge())
	if err != nil {
		t.Fatalf("merge Set failed: %v", err)
	}
	if !snap.Exists || snap.Version != 1 || snap.Data["content"] != "hi" {
		t.Errorf("unexpected snapshot %#v", snap)
	}
}

func testIfVersion(t *testing.T, s docstore.Store) {
	ctx := context.Background()
	ref := docstore.NewRef("things", "cas")
	mustSet(t, s, ref, docstore.Data{"n": 1})
	mustSet(t, s, ref, docstore.Data{"n": 2})

	if _, err := s.Set(ctx, ref, docstore.Data{"n": 99}, docstore.IfVersion(1)); !errors.Is(err, docstore.ErrConflict) {
		t.Fatalf("stale IfVersion: got %v, want ErrConflict", err)
	}
	got, _ := s.Get(ctx, ref)
	if got.Data["n"] != float64(2) || got.Version != 2 {
		t.Errorf("rejected write changed the document: %#v", got)
	}

	snap, err := s.Set(ctx, ref, docstore.Data{"n": 3}, docstore.IfVersion(2))
	if err != nil {
		t.Fatalf("current IfVersion failed: %v", err)
	}
	if snap.Version != 3 {
		t.Errorf("expected version 3, got %d", snap.Version)
	}
}

func testIfVersionCreate(t *testing.T, s docstore.Store) {
	ctx := context.Background()
	ref := docstore.NewRef("things", "create-only")
	if _, err := s.Set(ctx, ref, docstore.Data{"n": 1}, docstore.IfVersion(0)); err != nil {
		t.Fatalf("create with IfVersion(0) failed: %v", err)
	}
	if _, err := s.Set(ctx, ref, docstore.Data{"n": 2}, docstore.IfVersion(0)); !errors.Is(err, docstore.ErrConflict) {
		t.Fatalf("second create: got %v, want ErrConflict", err)
	}
}

func testSanitize(t *testing.T, s docstore.Store) {
	ref := docstore.NewRef("things", "sanitize")
	snap := mustSet(t, s, ref, docstore.Data{
		"keep": "x",
		"drop": nil,
		"list": []any{map[string]any{"id": "1", "unit": nil}, nil, "y"},
	})
	want := docstore.Data{
		"keep": "x",
		"list": []any{map[string]any{"id": "1"}, "y"},
	}
	if !reflect.DeepEqual(snap.Data, want) {
		t.Errorf("sanitized data = %#v, want %#v", snap.Data, want)
	}
	got, err := s.Get(context.Background(), ref)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !reflect.DeepEqual(got.Data, want) {
		t.Errorf("stored data = %#v, want %#v", got.Data, want)
	}
}

func testInvalidRef(t *testing.T, s docstore.Store) {
	ctx := context.Background()
	for _, ref := range []docstore.Ref{
		{Collection: "", ID: "a"},
		{Collection: "a", ID: ""},
		{Collection: "a", ID: "../b"},
		{Collection: "..", ID: "b"},
	} {
		if _, err := s.Set(ctx, ref, docstore.Data{"a": 1}); !errors.Is(err, docstore.ErrInvalidRef) {
			t.Errorf("Set(%q): got %v, want ErrInvalidRef", ref.String(), err)
		}
	}
}

func testSubscribeMissingThenWrite(t *testing.T, s docstore.Store) {
	ctx := context.Background()
	ref := docstore.NewRef("things", "sub")
	rec := NewRecorder()
	cancel, err := s.Subscribe(ctx, ref, rec.Func)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer cancel()

	first := rec.WaitFor(t, "initial snapshot", func(s []*docstore.Snapshot) bool { return len(s) >= 1 })[0]
	if first.Exists {
		t.Errorf("initial snapshot of missing doc should not exist: %#v", first)
	}

	mustSet(t, s, ref, docstore.Data{"v": "a"}, docstore.WithWriteID("w-1"))
	snap := rec.WaitVersion(t, 1)
	if !snap.Exists || snap.Data["v"] != "a" || snap.WriteID != "w-1" {
		t.Errorf("unexpected change snapshot %#v", snap)
	}
}

func testSubscribeOrder(t *testing.T, s docstore.Store) {
	ctx := context.Background()
	ref := docstore.NewRef("things", "order")
	mustSet(t, s, ref, docstore.Data{"n": 0})

	rec := NewRecorder()
	cancel, err := s.Subscribe(ctx, ref, rec.Func)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer cancel()
	rec.WaitVersion(t, 1)

	for i := 1; i <= 5; i++ {
		mustSet(t, s, ref, docstore.Data{"n": i})
	}
	rec.WaitVersion(t, 6)

	var last int64
	for _, snap := range rec.Snapshots() {
		if snap.Version < last {
			t.Fatalf("out of order delivery: version %d after %d", snap.Version, last)
		}
		last = snap.Version
	}
	if first := rec.Snapshots()[0]; first.Version != 1 || first.Data["n"] != float64(0) {
		t.Errorf("initial snapshot should be the existing document, got %#v", first)
	}
}

func testSubscribeCancel(t *testing.T, s docstore.Store) {
	ctx := context.Background()
	ref := docstore.NewRef("things", "cancel")
	rec := NewRecorder()
	cancel, err := s.Subscribe(ctx, ref, rec.Func)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	rec.WaitFor(t, "initial snapshot", func(s []*docstore.Snapshot) bool { return len(s) >= 1 })
	cancel()
	cancel()

	before := len(rec.Snapshots())
	mustSet(t, s, ref, docstore.Data{"v": 1})
	time.Sleep(100 * time.Millisecond)
	for _, snap := range rec.Snapshots()[before:] {
		if snap.Version >= 1 {
			t.Fatalf("received snapshot after cancel: %#v", snap)
		}
	}
}

func testTransactionSkip(t *testing.T, s docstore.Store) {
	ctx := context.Background()
	ref := docstore.NewRef("things", "skip")
	mustSet(t, s, ref, docstore.Data{"n": 1})

	snap, err := s.RunTransaction(ctx, ref, func(cur *docstore.Snapshot) (docstore.Data, error) {
		return nil, nil
	})
	if err != nil {
		t.Fatalf("RunTransaction failed: %v", err)
	}
	if snap.Version != 1 {
		t.Errorf("skipped transaction changed version to %d", snap.Version)
	}

	missing, err := s.RunTransaction(ctx, docstore.NewRef("things", "skip-missing"), func(cur *docstore.Snapshot) (docstore.Data, error) {
		if cur.Exists {
			t.Error("missing document reported as existing")
		}
		return nil, nil
	})
	if err != nil {
		t.Fatalf("RunTransaction on missing failed: %v", err)
	}
	if missing.Exists {
		t.Error("skipped transaction created the document")
	}
	if _, err := s.Get(ctx, docstore.NewRef("things", "skip-missing")); !errors.Is(err, docstore.ErrNotFound) {
		t.Errorf("expected ErrNotFound after skipped create, got %v", err)
	}
}

func testTransactionError(t *testing.T, s docstore.Store) {
	ctx := context.Background()
	ref := docstore.NewRef("things", "txerr")
	mustSet(t, s, ref, docstore.Data{"n": 1})
	boom := errors.New("boom")
	_, err := s.RunTransaction(ctx, ref, func(*docstore.Snapshot) (docstore.Data, error) {
		return nil, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	got, _ := s.Get(ctx, ref)
	if got.Version != 1 {
		t.Errorf("failed transaction wrote version %d", got.Version)
	}
}

func testTransactionConcurrent(t *testing.T, s docstore.Store) {
	ctx := context.Background()
	ref := docstore.NewRef("things", "counter")

	const workers, perWorker = 4, 5
	var wg sync.WaitGroup
	errs := make(chan error, workers*perWorker)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				_, err := s.RunTransaction(ctx, ref, func(cur *docstore.Snapshot) (docstore.Data, error) {
					n, _, err := docstore.DecodeField[int](cur, "n")
					if err != nil {
						return nil, err
					}
					return docstore.Data{"n": n + 1}, nil
				})
				if err != nil {
					errs <- err
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("RunTransaction failed: %v", err)
	}

	got, err := s.Get(ctx, ref)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Data["n"] != float64(workers*perWorker) {
		t.Errorf("counter = %v, want %d", got.Data["n"], workers*perWorker)
	}
	if got.Version != workers*perWorker {
		t.Errorf("version = %d, want %d", got.Version, workers*perWorker)
	}
}

func testIsolation(t *testing.T, s docstore.Store) {
	ctx := context.Background()
	ref := docstore.NewRef("things", "iso")
	items := []any{"a"}
	mustSet(t, s, ref, docstore.Data{"items": items})
	items[0] = "mutated"

	got, err := s.Get(ctx, ref)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	got.Data["items"].([]any)[0] = "changed"

	again, _ := s.Get(ctx, ref)
	if again.Data["items"].([]any)[0] != "a" {
		t.Errorf("store shares memory with callers: %#v", again.Data)
	}
}

func mustSet(t *testing.T, s docstore.Store, ref docstore.Ref, data docstore.Data, opts ...docstore.WriteOption) *docstore.Snapshot {
	t.Helper()
	snap, err := s.Set(context.Background(), ref, data, opts...)
	if err != nil {
		t.Fatalf("Set %s failed: %v", ref, err)
	}
	return snap
}
