package docstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned by Get when the document does not exist.
	ErrNotFound = errors.New("document not found")

	// ErrConflict is returned when a write carries a version precondition
	// and the stored document has moved on since that version.
	ErrConflict = errors.New("document was modified concurrently")

	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("store is closed")

	// ErrInvalidRef is returned for empty or unsafe collection/document ids.
	ErrInvalidRef = errors.New("invalid document reference")
)

// Ref addresses one document inside a collection.
type Ref struct {
	Collection string `json:"collection" yaml:"collection"`
	ID         string `json:"id" yaml:"id"`
}

// NewRef is shorthand for Ref{Collection: collection, ID: id}.
func NewRef(collection, id string) Ref {
	return Ref{Collection: collection, ID: id}
}

// String returns "collection/id".
func (r Ref) String() string {
	return r.Collection + "/" + r.ID
}

// Validate rejects refs that cannot be used as a storage key or file name.
func (r Ref) Validate() error {
	for _, part := range []string{r.Collection, r.ID} {
		if part == "" || part == "." || part == ".." {
			return fmt.Errorf("%w: %q", ErrInvalidRef, r.String())
		}
		if strings.ContainsAny(part, "/\\\x00") {
			return fmt.Errorf("%w: %q", ErrInvalidRef, r.String())
		}
	}
	return nil
}

// Data is the schemaless body of a document. Values follow the JSON value
// model: map[string]any, []any, string, float64, bool.
type Data map[string]any

// Clone returns a deep copy of d.
func (d Data) Clone() Data {
	if d == nil {
		return nil
	}
	return cloneValue(map[string]any(d)).(map[string]any)
}

// Snapshot is one observed state of a document.
//
// Version is assigned by the store and increases by one on every write.
// UpdatedAt is the store's clock at write time. WriteID echoes the client
// write identifier of the write that produced this state, if any.
type Snapshot struct {
	Ref       Ref       `json:"ref"`
	Exists    bool      `json:"exists"`
	Data      Data      `json:"data,omitempty"`
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
	WriteID   string    `json:"write_id,omitempty"`
}

// Missing returns the snapshot of a document that has never been written.
func Missing(ref Ref) *Snapshot {
	return &Snapshot{Ref: ref}
}

// Clone returns a deep copy of s.
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	cp := *s
	cp.Data = s.Data.Clone()
	return &cp
}

// Field returns the raw value stored under name.
func (s *Snapshot) Field(name string) (any, bool) {
	if s == nil || !s.Exists || s.Data == nil {
		return nil, false
	}
	v, ok := s.Data[name]
	return v, ok
}

// WriteOptions controls how Set applies data to a document.
type WriteOptions struct {
	// Merge overlays the given top-level fields onto the stored document
	// instead of replacing it.
	Merge bool

	// WriteID is recorded on the resulting snapshot so the writer can
	// recognize the change notification for its own write.
	WriteID string

	// IfVersion, when CheckVersion is set, makes the write fail with
	// ErrConflict unless the stored version equals it. Version 0 means
	// "document must not exist yet".
	IfVersion    int64
	CheckVersion bool
}

// WriteOption configures a single write.
type WriteOption func(*WriteOptions)

// Merge requests a field merge instead of a full replacement.
func Merge() WriteOption {
	return func(o *WriteOptions) { o.Merge = true }
}

// WithWriteID tags the write with a client write identifier.
func WithWriteID(id string) WriteOption {
	return func(o *WriteOptions) { o.WriteID = id }
}

// IfVersion adds an optimistic-concurrency precondition to the write.
func IfVersion(v int64) WriteOption {
	return func(o *WriteOptions) {
		o.IfVersion = v
		o.CheckVersion = true
	}
}

// BuildWriteOptions folds opts into a WriteOptions value.
func BuildWriteOptions(opts ...WriteOption) WriteOptions {
	var o WriteOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

// PrepareWrite checks the version precondition against current and returns
// the sanitized document body that should be stored. Every Store
// implementation funnels writes through here.
func PrepareWrite(current *Snapshot, data Data, o WriteOptions) (Data, error) {
	if current == nil {
		return nil, fmt.Errorf("prepare write: nil current snapshot")
	}
	if o.CheckVersion && current.Version != o.IfVersion {
		return nil, fmt.Errorf("%w: %s is at version %d, write expected %d",
			ErrConflict, current.Ref, current.Version, o.IfVersion)
	}

	normalized, err := ToData(data)
	if err != nil {
		return nil, err
	}
	// Stripped fields must not reach the merge, or they would erase the
	// stored value.
	normalized = SanitizeData(normalized)

	if o.Merge && current.Exists {
		merged := current.Data.Clone()
		if merged == nil {
			merged = Data{}
		}
		for k, v := range normalized {
			merged[k] = v
		}
		normalized = merged
	}

	return normalized, nil
}

// TxFunc computes the next document body from the current snapshot.
// current is never nil; current.Exists is false for a missing document.
// Returning nil Data with a nil error skips the write.
type TxFunc func(current *Snapshot) (Data, error)

// Store is a schemaless document database with change subscriptions.
type Store interface {
	// Get returns the current snapshot or ErrNotFound.
	Get(ctx context.Context, ref Ref) (*Snapshot, error)

	// Set writes data to the document, creating it when absent.
	Set(ctx context.Context, ref Ref, data Data, opts ...WriteOption) (*Snapshot, error)

	// Subscribe calls fn with the current snapshot (Exists=false when the
	// document is missing) and then once per subsequent change, in version
	// order, on a goroutine owned by the store. The subscription ends when
	// the returned cancel func is called or ctx is done.
	Subscribe(ctx context.Context, ref Ref, fn func(*Snapshot)) (cancel func(), err error)

	// RunTransaction reads the document, calls fn and writes its result
	// atomically with respect to every other write to the same document.
	// When fn returns nil Data the current snapshot is returned unchanged.
	RunTransaction(ctx context.Context, ref Ref, fn TxFunc, opts ...WriteOption) (*Snapshot, error)

	// Close releases the store. Subscriptions are cancelled.
	Close() error
}

// Lister is implemented by stores that can enumerate their documents.
type Lister interface {
	// List returns the refs in collection, sorted; an empty collection
	// lists everything.
	List(ctx context.Context, collection string) ([]Ref, error)
}

// SortRefs orders refs by collection, then id.
func SortRefs(refs []Ref) {
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].Collection != refs[j].Collection {
			return refs[i].Collection < refs[j].Collection
		}
		return refs[i].ID < refs[j].ID
	})
}
