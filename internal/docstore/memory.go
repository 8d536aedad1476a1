package docstore

import (
	"context"
	"errors"
	"sync"
	"time"
)

// MemoryStore is an in-process Store. It backs tests and `--store memory`.
type MemoryStore struct {
	mu     sync.Mutex
	docs   map[Ref]*Snapshot
	notify *Notifier
	closed bool

	// Now is the store clock. Tests may replace it before first use.
	Now func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs:   make(map[Ref]*Snapshot),
		notify: NewNotifier(),
		Now:    time.Now,
	}
}

// Get returns the current snapshot of ref or ErrNotFound.
func (s *MemoryStore) Get(ctx context.Context, ref Ref) (*Snapshot, error) {
	if err := ref.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	snap, ok := s.docs[ref]
	if !ok {
		return nil, ErrNotFound
	}
	return snap.Clone(), nil
}

// Set writes data to ref.
func (s *MemoryStore) Set(ctx context.Context, ref Ref, data Data, opts ...WriteOption) (*Snapshot, error) {
	return s.RunTransaction(ctx, ref, func(*Snapshot) (Data, error) {
		if data == nil {
			return Data{}, nil
		}
		return data, nil
	}, opts...)
}

// RunTransaction holds the store lock while fn runs, so no other write can
// interleave.
func (s *MemoryStore) RunTransaction(ctx context.Context, ref Ref, fn TxFunc, opts ...WriteOption) (*Snapshot, error) {
	if err := ref.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	o := BuildWriteOptions(opts...)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	current := s.current(ref)
	next, err := fn(current.Clone())
	if err != nil {
		return nil, err
	}
	if next == nil {
		return current, nil
	}

	body, err := PrepareWrite(current, next, o)
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{
		Ref:       ref,
		Exists:    true,
		Data:      body,
		Version:   current.Version + 1,
		UpdatedAt: s.Now().UTC(),
		WriteID:   o.WriteID,
	}
	s.docs[ref] = snap
	s.notify.Publish(snap)
	return snap.Clone(), nil
}

// Subscribe delivers the current snapshot and then every change of ref.
func (s *MemoryStore) Subscribe(ctx context.Context, ref Ref, fn func(*Snapshot)) (func(), error) {
	if err := ref.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	sub, err := s.notify.Add(ctx, ref, fn)
	if err != nil {
		return nil, err
	}
	// Queued under the store lock so no write can slip in ahead of it.
	sub.Send(s.current(ref))
	return sub.Cancel, nil
}

// List returns the refs stored in collection, or every ref when collection
// is empty.
func (s *MemoryStore) List(ctx context.Context, collection string) ([]Ref, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	refs := make([]Ref, 0, len(s.docs))
	for ref := range s.docs {
		if collection == "" || ref.Collection == collection {
			refs = append(refs, ref)
		}
	}
	SortRefs(refs)
	return refs, nil
}

// Subscribers reports the live subscriptions on ref.
func (s *MemoryStore) Subscribers(ref Ref) int {
	return s.notify.Subscribers(ref)
}

// Close drops all subscriptions. Documents are discarded.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.docs = nil
	s.mu.Unlock()

	s.notify.Close()
	return nil
}

func (s *MemoryStore) current(ref Ref) *Snapshot {
	if snap, ok := s.docs[ref]; ok {
		return snap.Clone()
	}
	return Missing(ref)
}

// GetOrMissing is Get with ErrNotFound mapped to a Missing snapshot.
func GetOrMissing(ctx context.Context, s Store, ref Ref) (*Snapshot, error) {
	snap, err := s.Get(ctx, ref)
	if errors.Is(err, ErrNotFound) {
		return Missing(ref), nil
	}
	return snap, err
}
