// Package filestore implements docstore.Store as a directory of JSON files.
//
// Layout:
//
//	<root>/<collection>/<id>.json
//
// Each file holds an envelope with the store metadata next to the document
// body, so the tree can be inspected, versioned or hand-edited:
//
//	{"version": 3, "write_id": "kitchen-7", "updated_at": "...", "data": {...}}
//
// Writes go to a temp file that is renamed over the target. Changes made by
// other processes or editors are picked up with fsnotify and delivered to
// subscribers. An external edit that does not bump the version is treated as
// a new version and the file is rewritten with the next number.
package filestore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/homeboard/homeboard/internal/docstore"
)

// envelope is the on-disk document format.
type envelope struct {
	Version   int64         `json:"version"`
	WriteID   string        `json:"write_id,omitempty"`
	UpdatedAt time.Time     `json:"updated_at"`
	Data      docstore.Data `json:"data"`
}

// Store is a filesystem-backed document store.
type Store struct {
	root    string
	logger  *log.Logger
	notify  *docstore.Notifier
	watcher *dirWatcher

	mu     sync.Mutex
	closed bool
	// seen holds the last published version and file bytes per document.
	seen map[docstore.Ref]seenState

	wg  sync.WaitGroup
	now func() time.Time
}

type seenState struct {
	version int64
	raw     []byte
}

var _ docstore.Store = (*Store)(nil)
var _ docstore.Lister = (*Store)(nil)

// Open uses dir as the store root, creating it when needed, and starts
// watching it. A nil logger discards log output.
func Open(dir string, logger *log.Logger) (*Store, error) {
	root, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve store directory: %w", err)
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	w, err := newDirWatcher(root)
	if err != nil {
		return nil, err
	}

	s := &Store{
		root:    root,
		logger:  logger,
		notify:  docstore.NewNotifier(),
		watcher: w,
		seen:    make(map[docstore.Ref]seenState),
		now:     time.Now,
	}

	if err := w.start(); err != nil {
		_ = w.stop()
		return nil, err
	}

	s.wg.Add(1)
	go s.watchLoop()
	return s, nil
}

// Root returns the absolute store directory.
func (s *Store) Root() string {
	return s.root
}

// Close stops the watcher and ends all subscriptions.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.notify.Close()
	err := s.watcher.stop()
	s.wg.Wait()
	return err
}

// Get returns the current snapshot of ref.
func (s *Store) Get(ctx context.Context, ref docstore.Ref) (*docstore.Snapshot, error) {
	if err := ref.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, docstore.ErrClosed
	}

	snap, _, err := s.read(ref)
	if err != nil {
		return nil, err
	}
	if !snap.Exists {
		return nil, docstore.ErrNotFound
	}
	return snap, nil
}

// Set writes data to ref.
func (s *Store) Set(ctx context.Context, ref docstore.Ref, data docstore.Data, opts ...docstore.WriteOption) (*docstore.Snapshot, error) {
	return s.RunTransaction(ctx, ref, func(*docstore.Snapshot) (docstore.Data, error) {
		if data == nil {
			return docstore.Data{}, nil
		}
		return data, nil
	}, opts...)
}

// RunTransaction holds the store's write lock while fn runs. Writers in
// other processes are not excluded.
func (s *Store) RunTransaction(ctx context.Context, ref docstore.Ref, fn docstore.TxFunc, opts ...docstore.WriteOption) (*docstore.Snapshot, error) {
	if err := ref.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	o := docstore.BuildWriteOptions(opts...)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, docstore.ErrClosed
	}

	current, _, err := s.read(ref)
	if err != nil {
		return nil, err
	}
	if seen := s.seen[ref]; seen.version > current.Version {
		// The file was deleted or rolled back behind our back.
		current.Version = seen.version
	}

	next, err := fn(current.Clone())
	if err != nil {
		return nil, err
	}
	if next == nil {
		return current, nil
	}

	body, err := docstore.PrepareWrite(current, next, o)
	if err != nil {
		return nil, err
	}

	snap := &docstore.Snapshot{
		Ref:       ref,
		Exists:    true,
		Data:      body,
		Version:   current.Version + 1,
		UpdatedAt: s.now().UTC(),
		WriteID:   o.WriteID,
	}
	if err := s.write(snap); err != nil {
		return nil, err
	}
	s.notify.Publish(snap)
	return snap.Clone(), nil
}

// Subscribe delivers the current snapshot of ref and every later change,
// including changes made to the file by other processes.
func (s *Store) Subscribe(ctx context.Context, ref docstore.Ref, fn func(*docstore.Snapshot)) (func(), error) {
	if err := ref.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, docstore.ErrClosed
	}

	current, raw, err := s.read(ref)
	if err != nil {
		return nil, err
	}
	if current.Exists {
		if seen := s.seen[ref]; current.Version > seen.version {
			s.seen[ref] = seenState{version: current.Version, raw: raw}
		}
	}

	sub, err := s.notify.Add(ctx, ref, fn)
	if err != nil {
		return nil, err
	}
	sub.Send(current)
	return sub.Cancel, nil
}

// List returns the documents of collection, or of every collection when empty.
func (s *Store) List(ctx context.Context, collection string) ([]docstore.Ref, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, docstore.ErrClosed
	}

	var dirs []string
	if collection != "" {
		dirs = []string{filepath.Join(s.root, collection)}
	} else {
		entries, err := os.ReadDir(s.root)
		if err != nil {
			return nil, fmt.Errorf("failed to read store directory: %w", err)
		}
		for _, e := range entries {
			if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
				dirs = append(dirs, filepath.Join(s.root, e.Name()))
			}
		}
	}

	var refs []docstore.Ref
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read collection directory: %w", err)
		}
		for _, e := range entries {
			if ref, ok := refForPath(dir, filepath.Join(dir, e.Name())); ok {
				refs = append(refs, ref)
			}
		}
	}
	docstore.SortRefs(refs)
	return refs, nil
}

func (s *Store) path(ref docstore.Ref) string {
	return filepath.Join(s.root, ref.Collection, ref.ID+".json")
}

// read loads ref from disk. A missing file yields a Missing snapshot.
func (s *Store) read(ref docstore.Ref) (*docstore.Snapshot, []byte, error) {
	raw, err := os.ReadFile(s.path(ref))
	if errors.Is(err, os.ErrNotExist) {
		return docstore.Missing(ref), nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read document %s: %w", ref, err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, nil, fmt.Errorf("failed to parse document %s: %w", ref, err)
	}
	if env.Data == nil {
		env.Data = docstore.Data{}
	}
	return &docstore.Snapshot{
		Ref:       ref,
		Exists:    true,
		Data:      docstore.SanitizeData(env.Data),
		Version:   env.Version,
		UpdatedAt: env.UpdatedAt,
		WriteID:   env.WriteID,
	}, raw, nil
}

// write stores snap atomically and records it as seen. Callers hold s.mu.
func (s *Store) write(snap *docstore.Snapshot) error {
	dir := filepath.Join(s.root, snap.Ref.Collection)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create collection directory: %w", err)
	}

	raw, err := json.MarshalIndent(envelope{
		Version:   snap.Version,
		WriteID:   snap.WriteID,
		UpdatedAt: snap.UpdatedAt,
		Data:      snap.Data,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal document: %w", err)
	}
	raw = append(raw, '\n')

	tmp, err := os.CreateTemp(dir, "."+snap.Ref.ID+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.path(snap.Ref)); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to replace document %s: %w", snap.Ref, err)
	}

	s.seen[snap.Ref] = seenState{version: snap.Version, raw: raw}
	return nil
}

func (s *Store) watchLoop() {
	defer s.wg.Done()

	for {
		select {
		case ev, ok := <-s.watcher.events:
			if !ok {
				return
			}
			s.handleEvent(ev)
		case err, ok := <-s.watcher.errors:
			if !ok {
				return
			}
			s.logger.Printf("watch error: %v", err)
		}
	}
}

// handleEvent publishes changes that did not come from this Store.
func (s *Store) handleEvent(ev docEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	if ev.Op == opDelete {
		if _, err := os.Stat(s.path(ev.Ref)); errors.Is(err, os.ErrNotExist) {
			s.logger.Printf("document %s removed on disk", ev.Ref)
		}
		return
	}

	snap, raw, err := s.read(ev.Ref)
	if err != nil {
		// Editors often write in several steps; the next event will retry.
		s.logger.Printf("ignoring unreadable %s: %v", ev.Ref, err)
		return
	}
	if !snap.Exists {
		return
	}

	seen, known := s.seen[ev.Ref]
	if known && bytes.Equal(seen.raw, raw) {
		return
	}

	if known && snap.Version <= seen.version {
		snap.Version = seen.version + 1
		snap.UpdatedAt = s.now().UTC()
		snap.WriteID = ""
		if err := s.write(snap); err != nil {
			s.logger.Printf("failed to renumber external edit of %s: %v", ev.Ref, err)
			return
		}
	} else {
		s.seen[ev.Ref] = seenState{version: snap.Version, raw: raw}
	}

	s.logger.Printf("external change to %s (version %d)", ev.Ref, snap.Version)
	s.notify.Publish(snap)
}
