// Package sqlitestore implements docstore.Store on an embedded SQLite
// database.
//
// The database runs in WAL mode so readers never wait on the single writer.
// Every document is one row keyed by (collection, id) holding its JSON body,
// the store-assigned version, the write id of the last write and the write
// timestamp.
//
// Architecture:
//   - Database file: configured path, parent directories created on Open
//   - Writes: IMMEDIATE transactions, serialized in-process
//   - Subscriptions: in-process only; other processes sharing the file
//     see the data but are not notified
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/homeboard/homeboard/internal/docstore"
)

// Store is a SQLite-backed document store.
type Store struct {
	conn   *sql.DB
	path   string
	notify *docstore.Notifier

	// mu serializes writers so change notifications leave in version order.
	mu     sync.Mutex
	closed atomic.Bool

	now func() time.Time
}

var _ docstore.Store = (*Store)(nil)
var _ docstore.Lister = (*Store)(nil)

// Open creates or opens the database at path and initializes the schema.
//
// The caller MUST call Close() when done so the WAL is checkpointed.
func Open(path string) (*Store, error) {
	return OpenContext(context.Background(), path)
}

// OpenContext is Open with context support.
func OpenContext(ctx context.Context, path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// _txlock=immediate makes BeginTx take the write lock up front, so a
	// read-modify-write never fails half way with SQLITE_BUSY on upgrade.
	connStr := fmt.Sprintf("file:%s?_txlock=immediate", path)
	conn, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(8)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{
		conn:   conn,
		path:   path,
		notify: docstore.NewNotifier(),
		now:    time.Now,
	}

	pragmas := []struct{ stmt, what string }{
		{"PRAGMA journal_mode=WAL", "enable WAL mode"},
		{"PRAGMA busy_timeout=5000", "set busy timeout"},
		{"PRAGMA synchronous=NORMAL", "set synchronous mode"},
	}
	for _, p := range pragmas {
		if _, err := conn.ExecContext(ctx, p.stmt); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("failed to %s: %w", p.what, err)
		}
	}

	if err := s.InitSchemaContext(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}

	return s, nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// InitSchemaContext creates the documents table. Idempotent.
func (s *Store) InitSchemaContext(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		collection TEXT NOT NULL,
		id TEXT NOT NULL,
		data TEXT NOT NULL,  -- JSON object
		version INTEGER NOT NULL,
		write_id TEXT NOT NULL DEFAULT '',
		updated_at TEXT NOT NULL,
		PRIMARY KEY (collection, id)
	);
	`
	if _, err := s.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// Close checkpoints the WAL and closes the database. Subscriptions end.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Swap(true) {
		return nil
	}

	s.notify.Close()

	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}
	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// Get returns the current snapshot of ref.
func (s *Store) Get(ctx context.Context, ref docstore.Ref) (*docstore.Snapshot, error) {
	if err := ref.Validate(); err != nil {
		return nil, err
	}
	if s.closed.Load() {
		return nil, docstore.ErrClosed
	}
	snap, err := readSnapshot(ctx, s.conn, ref)
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

// RunTransaction runs fn inside an IMMEDIATE transaction.
func (s *Store) RunTransaction(ctx context.Context, ref docstore.Ref, fn docstore.TxFunc, opts ...docstore.WriteOption) (*docstore.Snapshot, error) {
	if err := ref.Validate(); err != nil {
		return nil, err
	}
	o := docstore.BuildWriteOptions(opts...)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return nil, docstore.ErrClosed
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	current, err := readSnapshot(ctx, tx, ref)
	if err != nil {
		return nil, err
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
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal document: %w", err)
	}

	snap := &docstore.Snapshot{
		Ref:       ref,
		Exists:    true,
		Data:      body,
		Version:   current.Version + 1,
		UpdatedAt: s.now().UTC(),
		WriteID:   o.WriteID,
	}

	query := `
	INSERT INTO documents (collection, id, data, version, write_id, updated_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(collection, id) DO UPDATE SET
		data = excluded.data,
		version = excluded.version,
		write_id = excluded.write_id,
		updated_at = excluded.updated_at
	`
	if _, err := tx.ExecContext(ctx, query,
		ref.Collection,
		ref.ID,
		string(raw),
		snap.Version,
		snap.WriteID,
		snap.UpdatedAt.Format(time.RFC3339Nano),
	); err != nil {
		return nil, fmt.Errorf("failed to write document %s: %w", ref, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	s.notify.Publish(snap)
	return snap.Clone(), nil
}

// Subscribe delivers the current snapshot of ref and every later change made
// through this Store.
func (s *Store) Subscribe(ctx context.Context, ref docstore.Ref, fn func(*docstore.Snapshot)) (func(), error) {
	if err := ref.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return nil, docstore.ErrClosed
	}

	current, err := readSnapshot(ctx, s.conn, ref)
	if err != nil {
		return nil, err
	}
	sub, err := s.notify.Add(ctx, ref, fn)
	if err != nil {
		return nil, err
	}
	sub.Send(current)
	return sub.Cancel, nil
}

// List returns the refs stored in collection, or all refs when empty.
func (s *Store) List(ctx context.Context, collection string) ([]docstore.Ref, error) {
	if s.closed.Load() {
		return nil, docstore.ErrClosed
	}

	query := `SELECT collection, id FROM documents ORDER BY collection, id`
	args := []any{}
	if collection != "" {
		query = `SELECT collection, id FROM documents WHERE collection = ? ORDER BY id`
		args = append(args, collection)
	}

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	defer rows.Close()

	var refs []docstore.Ref
	for rows.Next() {
		var ref docstore.Ref
		if err := rows.Scan(&ref.Collection, &ref.ID); err != nil {
			return nil, fmt.Errorf("failed to scan document ref: %w", err)
		}
		refs = append(refs, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate documents: %w", err)
	}
	return refs, nil
}

type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func readSnapshot(ctx context.Context, q rowQuerier, ref docstore.Ref) (*docstore.Snapshot, error) {
	query := `
	SELECT data, version, write_id, updated_at
	FROM documents
	WHERE collection = ? AND id = ?
	`
	var (
		raw       string
		version   int64
		writeID   string
		updatedAt string
	)
	err := q.QueryRowContext(ctx, query, ref.Collection, ref.ID).Scan(&raw, &version, &writeID, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return docstore.Missing(ref), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read document %s: %w", ref, err)
	}

	var data docstore.Data
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return nil, fmt.Errorf("failed to unmarshal document %s: %w", ref, err)
	}
	ts, err := time.Parse(time.RFC3339Nano, updatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to parse updated_at of %s: %w", ref, err)
	}

	return &docstore.Snapshot{
		Ref:       ref,
		Exists:    true,
		Data:      data,
		Version:   version,
		UpdatedAt: ts,
		WriteID:   writeID,
	}, nil
}
