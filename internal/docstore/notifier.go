package docstore

import (
	"context"
	"sync"
)

// Notifier fans snapshots out to the subscribers of a document.
//
// Every subscriber owns a goroutine and an unbounded queue, so Publish never
// blocks the writer and each callback sees snapshots in publish order.
// Callbacks receive their own deep copy.
type Notifier struct {
	mu     sync.Mutex
	subs   map[Ref]map[*Subscription]struct{}
	closed bool
}

// Subscription is one registered callback.
type Subscription struct {
	n   *Notifier
	ref Ref
	fn  func(*Snapshot)

	mu      sync.Mutex
	pending []*Snapshot
	wake    chan struct{}
	done    chan struct{}
	once    sync.Once
}

// NewNotifier creates an empty notifier.
func NewNotifier() *Notifier {
	return &Notifier{subs: make(map[Ref]map[*Subscription]struct{})}
}

// Add registers fn for ref. The subscription is cancelled when ctx is done,
// when Cancel is called or when the notifier is closed.
func (n *Notifier) Add(ctx context.Context, ref Ref, fn func(*Snapshot)) (*Subscription, error) {
	sub := &Subscription{
		n:    n,
		ref:  ref,
		fn:   fn,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil, ErrClosed
	}
	set, ok := n.subs[ref]
	if !ok {
		set = make(map[*Subscription]struct{})
		n.subs[ref] = set
	}
	set[sub] = struct{}{}
	n.mu.Unlock()

	go sub.deliverLoop()
	go func() {
		select {
		case <-ctx.Done():
			sub.Cancel()
		case <-sub.done:
		}
	}()

	return sub, nil
}

// Publish queues snap for every subscriber of snap.Ref.
func (n *Notifier) Publish(snap *Snapshot) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for sub := range n.subs[snap.Ref] {
		sub.Send(snap)
	}
}

// Subscribers returns the number of live subscriptions for ref.
func (n *Notifier) Subscribers(ref Ref) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.subs[ref])
}

// Close cancels every subscription. Later Add calls fail with ErrClosed.
func (n *Notifier) Close() {
	n.mu.Lock()
	n.closed = true
	var all []*Subscription
	for _, set := range n.subs {
		for sub := range set {
			all = append(all, sub)
		}
	}
	n.mu.Unlock()

	for _, sub := range all {
		sub.Cancel()
	}
}

// Send queues snap for this subscriber only.
func (s *Subscription) Send(snap *Snapshot) {
	select {
	case <-s.done:
		return
	default:
	}

	s.mu.Lock()
	s.pending = append(s.pending, snap.Clone())
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Cancel stops delivery. Safe to call more than once.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		close(s.done)

		s.n.mu.Lock()
		if set, ok := s.n.subs[s.ref]; ok {
			delete(set, s)
			if len(set) == 0 {
				delete(s.n.subs, s.ref)
			}
		}
		s.n.mu.Unlock()
	})
}

// Done is closed once the subscription is cancelled.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

func (s *Subscription) deliverLoop() {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}

		s.mu.Lock()
		batch := s.pending
		s.pending = nil
		s.mu.Unlock()

		for _, snap := range batch {
			select {
			case <-s.done:
				return
			default:
			}
			s.fn(snap)
		}
	}
}
