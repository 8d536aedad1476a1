package sqlitestore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/homeboard/homeboard/internal/docstore"
	"github.com/homeboard/homeboard/internal/docstore/storetest"
)

// testDBPath returns a temporary path for test databases
func testDBPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "nested", "homeboard.db")
}

func TestStore_Contract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) docstore.Store {
		s, err := Open(testDBPath(t))
		if err != nil {
			t.Fatalf("Open() failed: %v", err)
		}
		return s
	})
}

func TestOpen_Success(t *testing.T) {
	path := testDBPath(t)
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer s.Close()

	if s.Path() != path {
		t.Errorf("Path() = %q, want %q", s.Path(), path)
	}

	var count int
	query := `SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='documents'`
	if err := s.conn.QueryRow(query).Scan(&count); err != nil {
		t.Fatalf("Failed to query sqlite_master: %v", err)
	}
	if count != 1 {
		t.Error("documents table does not exist")
	}

	var mode string
	if err := s.conn.QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		t.Fatalf("Failed to read journal mode: %v", err)
	}
	if mode != "wal" {
		t.Errorf("journal_mode = %q, want wal", mode)
	}
}

func TestInitSchema_Idempotent(t *testing.T) {
	s, err := Open(testDBPath(t))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer s.Close()

	if err := s.InitSchemaContext(context.Background()); err != nil {
		t.Errorf("Second InitSchema() failed: %v", err)
	}
}

func TestReopen_PersistsDocuments(t *testing.T) {
	path := testDBPath(t)
	ctx := context.Background()
	ref := docstore.NewRef("routineItems", "config")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if _, err := s.Set(ctx, ref, docstore.Data{"items": []any{"a"}}, docstore.WithWriteID("cli-1")); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if _, err := s.Set(ctx, ref, docstore.Data{"items": []any{"a", "b"}}); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	s, err = Open(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s.Close()

	snap, err := s.Get(ctx, ref)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if snap.Version != 2 {
		t.Errorf("version = %d, want 2", snap.Version)
	}
	if items := snap.Data["items"].([]any); len(items) != 2 {
		t.Errorf("items = %v", items)
	}

	refs, err := s.List(ctx, "")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(refs) != 1 || refs[0] != ref {
		t.Errorf("List() = %v", refs)
	}
}

func TestClose_Idempotent(t *testing.T) {
	s, err := Open(testDBPath(t))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("first Close failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}
}
