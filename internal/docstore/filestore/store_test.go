package filestore

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/homeboard/homeboard/internal/docstore"
	"github.com/homeboard/homeboard/internal/docstore/storetest"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "docs"), nil)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	return s
}

func TestStore_Contract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) docstore.Store {
		return setupTestStore(t)
	})
}

func TestStore_FileLayout(t *testing.T) {
	s := setupTestStore(t)
	defer s.Close()

	ref := docstore.NewRef("memos", "kitchen")
	if _, err := s.Set(context.Background(), ref, docstore.Data{"content": "milk"}, docstore.WithWriteID("w-1")); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	raw, err := os.ReadFile(filepath.Join(s.Root(), "memos", "kitchen.json"))
	if err != nil {
		t.Fatalf("document file missing: %v", err)
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("bad envelope: %v", err)
	}
	if env.Version != 1 || env.WriteID != "w-1" || env.Data["content"] != "milk" {
		t.Errorf("unexpected envelope %+v", env)
	}

	entries, _ := os.ReadDir(filepath.Join(s.Root(), "memos"))
	if len(entries) != 1 {
		t.Errorf("expected only the document file, found %d entries", len(entries))
	}
}

func TestStore_ExternalEditNotifies(t *testing.T) {
	s := setupTestStore(t)
	defer s.Close()
	ctx := context.Background()
	ref := docstore.NewRef("memos", "hall")

	if _, err := s.Set(ctx, ref, docstore.Data{"content": "a"}); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	rec := storetest.NewRecorder()
	cancel, err := s.Subscribe(ctx, ref, rec.Func)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer cancel()
	rec.WaitVersion(t, 1)

	writeEnvelope(t, s, ref, envelope{Version: 2, Data: docstore.Data{"content": "from editor"}})

	snap := rec.WaitVersion(t, 2)
	if snap.Data["content"] != "from editor" {
		t.Errorf("content = %v", snap.Data["content"])
	}
}

func TestStore_ExternalEditWithoutVersionBump(t *testing.T) {
	s := setupTestStore(t)
	defer s.Close()
	ctx := context.Background()
	ref := docstore.NewRef("memos", "desk")

	if _, err := s.Set(ctx, ref, docstore.Data{"content": "a"}); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	rec := storetest.NewRecorder()
	cancel, err := s.Subscribe(ctx, ref, rec.Func)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer cancel()
	rec.WaitVersion(t, 1)

	// Same version number, different body.
	writeEnvelope(t, s, ref, envelope{Version: 1, Data: docstore.Data{"content": "hand edit"}})

	snap := rec.WaitVersion(t, 2)
	if snap.Data["content"] != "hand edit" {
		t.Errorf("content = %v", snap.Data["content"])
	}

	storetest.Eventually(t, "renumbered file", func() bool {
		got, err := s.Get(ctx, ref)
		return err == nil && got.Version == 2
	})
}

func TestStore_NewCollectionWatched(t *testing.T) {
	s := setupTestStore(t)
	defer s.Close()
	ctx := context.Background()
	ref := docstore.NewRef("haruRecords", "config")

	rec := storetest.NewRecorder()
	cancel, err := s.Subscribe(ctx, ref, rec.Func)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer cancel()
	rec.WaitFor(t, "initial", func(s []*docstore.Snapshot) bool { return len(s) == 1 })

	if err := os.MkdirAll(filepath.Join(s.Root(), ref.Collection), 0755); err != nil {
		t.Fatalf("mkdir failed: %v", err)
	}
	writeEnvelope(t, s, ref, envelope{Version: 1, Data: docstore.Data{"days": []any{}}})

	rec.WaitVersion(t, 1)
}

func TestRefForPath(t *testing.T) {
	tests := []struct {
		path string
		ok   bool
		id   string
	}{
		{"/r/memos/a.json", true, "a"},
		{"/r/memos/.a.123.tmp", false, ""},
		{"/r/memos/a.txt", false, ""},
		{"/r/memos/.hidden.json", false, ""},
	}
	for _, tt := range tests {
		ref, ok := refForPath("/r/memos", tt.path)
		if ok != tt.ok || ref.ID != tt.id {
			t.Errorf("refForPath(%q) = %v, %v", tt.path, ref, ok)
		}
		if ok && ref.Collection != "memos" {
			t.Errorf("collection = %q", ref.Collection)
		}
	}
}

func writeEnvelope(t *testing.T, s *Store, ref docstore.Ref, env envelope) {
	t.Helper()
	raw, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	// Write and rename, as editors with atomic save do.
	dir := filepath.Join(s.Root(), ref.Collection)
	tmp := filepath.Join(dir, ".editor.tmp")
	if err := os.WriteFile(tmp, raw, 0644); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, ref.ID+".json")); err != nil {
		t.Fatalf("rename failed: %v", err)
	}
}
