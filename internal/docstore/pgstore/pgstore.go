// Package pgstore implements docstore.Store on PostgreSQL.
//
// Documents live in a single jsonb table managed through gorm. Writes run in
// a transaction that takes a per-document advisory lock and a row lock, then
// emit pg_notify on commit. Every Store process LISTENs on the channel, so
// subscribers see writes made by any process sharing the database.
package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/lib/pq"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/homeboard/homeboard/internal/docstore"
)

// Channel is the LISTEN/NOTIFY channel used for change notifications.
const Channel = "homeboard_documents"

// Document is the table row for one document.
type Document struct {
	Collection string          `gorm:"primaryKey;type:text"`
	ID         string          `gorm:"primaryKey;type:text"`
	Data       json.RawMessage `gorm:"type:jsonb;not null;default:'{}'::jsonb"`
	Version    int64           `gorm:"not null;default:0"`
	WriteID    string          `gorm:"type:text;not null;default:''"`
	UpdatedAt  time.Time       `gorm:"type:timestamptz;not null;default:now();autoUpdateTime:false"`
}

// TableName pins the table name regardless of gorm naming strategy.
func (Document) TableName() string { return "documents" }

type changeNotice struct {
	Collection string `json:"collection"`
	ID         string `json:"id"`
	Version    int64  `json:"version"`
}

// Store is a PostgreSQL-backed document store.
type Store struct {
	db       *gorm.DB
	listener *pq.Listener
	notify   *docstore.Notifier
	logger   *log.Logger

	// pubMu orders publication; published holds the newest version handed
	// to subscribers per document so local and NOTIFY deliveries dedupe.
	pubMu     sync.Mutex
	published map[docstore.Ref]int64

	mu     sync.Mutex
	closed bool

	done chan struct{}
	wg   sync.WaitGroup
}

var _ docstore.Store = (*Store)(nil)
var _ docstore.Lister = (*Store)(nil)

// Open connects to dsn, migrates the documents table and starts listening
// for change notifications. A nil logger discards log output.
func Open(ctx context.Context, dsn string, lg *log.Logger) (*Store, error) {
	if lg == nil {
		lg = log.New(io.Discard, "", 0)
	}

	gdb, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	if err := gdb.WithContext(ctx).AutoMigrate(&Document{}); err != nil {
		closeGorm(gdb)
		return nil, fmt.Errorf("failed to migrate documents table: %w", err)
	}
	if err := gdb.WithContext(ctx).Exec(`create index if not exists idx_documents_updated on documents(updated_at desc);`).Error; err != nil {
		closeGorm(gdb)
		return nil, fmt.Errorf("failed to create index: %w", err)
	}

	s := &Store{
		db:        gdb,
		notify:    docstore.NewNotifier(),
		logger:    lg,
		published: make(map[docstore.Ref]int64),
		done:      make(chan struct{}),
	}

	s.listener = pq.NewListener(dsn, 2*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			lg.Printf("listener event %d: %v", ev, err)
		}
	})
	if err := s.listener.Listen(Channel); err != nil {
		_ = s.listener.Close()
		closeGorm(gdb)
		return nil, fmt.Errorf("failed to listen on %s: %w", Channel, err)
	}

	s.wg.Add(1)
	go s.listenLoop()
	return s, nil
}

func closeGorm(gdb *gorm.DB) {
	if sqlDB, err := gdb.DB(); err == nil {
		_ = sqlDB.Close()
	}
}

// Close stops listening and closes the connection pool.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.done)
	s.notify.Close()
	lerr := s.listener.Close()
	s.wg.Wait()

	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get connection pool: %w", err)
	}
	if err := sqlDB.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	if lerr != nil {
		return fmt.Errorf("failed to close listener: %w", lerr)
	}
	return nil
}

func (s *Store) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Get returns the current snapshot of ref.
func (s *Store) Get(ctx context.Context, ref docstore.Ref) (*docstore.Snapshot, error) {
	if err := ref.Validate(); err != nil {
		return nil, err
	}
	if s.isClosed() {
		return nil, docstore.ErrClosed
	}
	snap, err := readSnapshot(s.db.WithContext(ctx), ref, false)
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

// RunTransaction locks the document row (and an advisory lock covering the
// not-yet-created case) for the duration of fn.
func (s *Store) RunTransaction(ctx context.Context, ref docstore.Ref, fn docstore.TxFunc, opts ...docstore.WriteOption) (*docstore.Snapshot, error) {
	if err := ref.Validate(); err != nil {
		return nil, err
	}
	if s.isClosed() {
		return nil, docstore.ErrClosed
	}
	o := docstore.BuildWriteOptions(opts...)

	var result *docstore.Snapshot
	var wrote bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec(`select pg_advisory_xact_lock(hashtext(?))`, ref.String()).Error; err != nil {
			return fmt.Errorf("failed to lock document %s: %w", ref, err)
		}

		current, err := readSnapshot(tx, ref, true)
		if err != nil {
			return err
		}

		next, err := fn(current.Clone())
		if err != nil {
			return err
		}
		if next == nil {
			result = current
			return nil
		}

		body, err := docstore.PrepareWrite(current, next, o)
		if err != nil {
			return err
		}
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal document: %w", err)
		}

		snap := &docstore.Snapshot{
			Ref:       ref,
			Exists:    true,
			Data:      body,
			Version:   current.Version + 1,
			UpdatedAt: time.Now().UTC().Truncate(time.Microsecond),
			WriteID:   o.WriteID,
		}

		row := Document{
			Collection: ref.Collection,
			ID:         ref.ID,
			Data:       raw,
			Version:    snap.Version,
			WriteID:    snap.WriteID,
			UpdatedAt:  snap.UpdatedAt,
		}
		if current.Exists {
			err = tx.Model(&Document{}).
				Where("collection = ? AND id = ?", ref.Collection, ref.ID).
				Updates(map[string]any{
					"data":       row.Data,
					"version":    row.Version,
					"write_id":   row.WriteID,
					"updated_at": row.UpdatedAt,
				}).Error
		} else {
			err = tx.Create(&row).Error
		}
		if err != nil {
			return fmt.Errorf("failed to write document %s: %w", ref, err)
		}

		notice, _ := json.Marshal(changeNotice{Collection: ref.Collection, ID: ref.ID, Version: snap.Version})
		if err := tx.Exec(`select pg_notify(?, ?)`, Channel, string(notice)).Error; err != nil {
			return fmt.Errorf("failed to notify: %w", err)
		}

		result = snap
		wrote = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	if wrote {
		s.publishIfNewer(result)
	}
	return result.Clone(), nil
}

// Subscribe delivers the current snapshot and every later change, including
// writes by other processes.
func (s *Store) Subscribe(ctx context.Context, ref docstore.Ref, fn func(*docstore.Snapshot)) (func(), error) {
	if err := ref.Validate(); err != nil {
		return nil, err
	}
	if s.isClosed() {
		return nil, docstore.ErrClosed
	}

	s.pubMu.Lock()
	defer s.pubMu.Unlock()

	current, err := readSnapshot(s.db.WithContext(ctx), ref, false)
	if err != nil {
		return nil, err
	}
	sub, err := s.notify.Add(ctx, ref, fn)
	if err != nil {
		return nil, err
	}
	sub.Send(current)
	if current.Version > s.published[ref] {
		s.published[ref] = current.Version
	}
	return sub.Cancel, nil
}

// List returns the refs in collection, or every ref when empty.
func (s *Store) List(ctx context.Context, collection string) ([]docstore.Ref, error) {
	if s.isClosed() {
		return nil, docstore.ErrClosed
	}
	var rows []Document
	q := s.db.WithContext(ctx).Model(&Document{}).Select("collection", "id")
	if collection != "" {
		q = q.Where("collection = ?", collection)
	}
	if err := q.Order("collection, id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	refs := make([]docstore.Ref, 0, len(rows))
	for _, r := range rows {
		refs = append(refs, docstore.NewRef(r.Collection, r.ID))
	}
	return refs, nil
}

func (s *Store) publishIfNewer(snap *docstore.Snapshot) {
	s.pubMu.Lock()
	defer s.pubMu.Unlock()
	if snap.Version <= s.published[snap.Ref] {
		return
	}
	s.published[snap.Ref] = snap.Version
	s.notify.Publish(snap)
}

func (s *Store) listenLoop() {
	defer s.wg.Done()

	ping := time.NewTicker(90 * time.Second)
	defer ping.Stop()

	for {
		select {
		case <-s.done:
			return

		case n, ok := <-s.listener.Notify:
			if !ok {
				return
			}
			if n == nil {
				// Reconnected; notifications may have been lost.
				s.refreshSubscribed()
				continue
			}
			var notice changeNotice
			if err := json.Unmarshal([]byte(n.Extra), &notice); err != nil {
				s.logger.Printf("ignoring malformed notification %q: %v", n.Extra, err)
				continue
			}
			s.refresh(docstore.NewRef(notice.Collection, notice.ID), notice.Version)

		case <-ping.C:
			if err := s.listener.Ping(); err != nil {
				s.logger.Printf("listener ping failed: %v", err)
			}
		}
	}
}

func (s *Store) refresh(ref docstore.Ref, version int64) {
	if s.notify.Subscribers(ref) == 0 {
		return
	}
	s.pubMu.Lock()
	seen := s.published[ref]
	s.pubMu.Unlock()
	if version != 0 && version <= seen {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	snap, err := readSnapshot(s.db.WithContext(ctx), ref, false)
	if err != nil {
		s.logger.Printf("failed to refresh %s: %v", ref, err)
		return
	}
	if snap.Exists {
		s.publishIfNewer(snap)
	}
}

func (s *Store) refreshSubscribed() {
	s.pubMu.Lock()
	refs := make([]docstore.Ref, 0, len(s.published))
	for ref := range s.published {
		refs = append(refs, ref)
	}
	s.pubMu.Unlock()
	for _, ref := range refs {
		s.refresh(ref, 0)
	}
}

func readSnapshot(db *gorm.DB, ref docstore.Ref, forUpdate bool) (*docstore.Snapshot, error) {
	q := db.Where("collection = ? AND id = ?", ref.Collection, ref.ID)
	if forUpdate {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}

	var row Document
	err := q.Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return docstore.Missing(ref), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read document %s: %w", ref, err)
	}

	var data docstore.Data
	if err := json.Unmarshal(row.Data, &data); err != nil {
		return nil, fmt.Errorf("failed to unmarshal document %s: %w", ref, err)
	}
	if data == nil {
		data = docstore.Data{}
	}
	return &docstore.Snapshot{
		Ref:       ref,
		Exists:    true,
		Data:      data,
		Version:   row.Version,
		UpdatedAt: row.UpdatedAt.UTC(),
		WriteID:   row.WriteID,
	}, nil
}
