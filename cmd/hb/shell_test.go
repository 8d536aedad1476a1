package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/homeboard/homeboard/internal/chore"
	"github.com/homeboard/homeboard/internal/config"
	"github.com/homeboard/homeboard/internal/docstore"
	"github.com/homeboard/homeboard/internal/model"
)

func setupShell(t *testing.T) (*shell, docstore.Store, *bytes.Buffer) {
	t.Helper()
	return setupShellWith(t, nil)
}

// setupShellWith seeds the store through seed before the shell opens.
func setupShellWith(t *testing.T, seed func(store docstore.Store)) (*shell, docstore.Store, *bytes.Buffer) {
	t.Helper()

	cfg = config.DefaultConfig()
	cfg.Sync.DebounceMS = 60_000 // only explicit flushes save

	store := docstore.NewMemoryStore()
	t.Cleanup(func() { store.Close() })
	if seed != nil {
		seed(store)
	}

	var out bytes.Buffer
	sh, err := openShell(context.Background(), store, chore.Default(), &out)
	if err != nil {
		t.Fatalf("openShell failed: %v", err)
	}
	t.Cleanup(sh.close)
	return sh, store, &out
}

func storedDinner(t *testing.T, store docstore.Store, key string) string {
	t.Helper()
	snap, err := store.Get(context.Background(), model.HaruRef)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	days, _, err := docstore.DecodeField[[]model.HaruDay](snap, model.HaruField)
	if err != nil {
		t.Fatalf("DecodeField failed: %v", err)
	}
	for _, d := range days {
		if d.Key == key {
			return d.Dinner
		}
	}
	return ""
}

func mustExec(t *testing.T, sh *shell, line string) {
	t.Helper()
	if _, err := sh.exec(context.Background(), line); err != nil {
		t.Fatalf("%q failed: %v", line, err)
	}
}

func TestShell_UndoGoesToLastUsedList(t *testing.T) {
	sh, store, _ := setupShell(t)
	today := chore.Default().Today(time.Now())

	mustExec(t, sh, "set today dinner stew")
	mustExec(t, sh, "flush")
	if got := storedDinner(t, store, today); got != "stew" {
		t.Fatalf("stored dinner = %q, want stew", got)
	}

	// The board has nothing to undo, and must not touch the meal log.
	mustExec(t, sh, "use board")
	mustExec(t, sh, "undo")
	if got := storedDinner(t, store, today); got != "stew" {
		t.Fatalf("board undo changed the meal log: dinner = %q", got)
	}

	mustExec(t, sh, "use haru")
	mustExec(t, sh, "^Z")
	if got := storedDinner(t, store, today); got != "" {
		t.Errorf("dinner after undo = %q, want empty", got)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestShell_CheckThenUndoLeavesBoardAlone(t *testing.T) {
	ctx := context.Background()
	sh, store, _ := setupShellWith(t, func(store docstore.Store) {
		if _, err := store.Set(ctx, model.BoardRef, docstore.Data{
			model.BoardField: []model.TodoBox{{ID: "b1", Title: "Todo", Mode: model.ModeDefault, Items: []model.TodoItem{}}},
		}); err != nil {
			t.Fatalf("seed board failed: %v", err)
		}
		if _, err := store.Set(ctx, model.RoutineRef, docstore.Data{
			model.RoutineField: []model.RoutineItem{{ID: "r1", Name: "Water plants", Cycle: 7}},
		}); err != nil {
			t.Fatalf("seed routine failed: %v", err)
		}
	})

	mustExec(t, sh, "add b1 milk")
	waitFor(t, "board to adopt the added item", func() bool { return sh.boxes.HistoryLen() == 2 })

	mustExec(t, sh, "check r1")
	mustExec(t, sh, "flush")
	if got := sh.routines.Items()[0].LastChecked; got == "" {
		t.Fatal("check did not set lastChecked")
	}

	mustExec(t, sh, "^Z")

	if got := sh.routines.HistoryIndex(); got != 0 {
		t.Errorf("routine history index = %d, want 0", got)
	}
	if got := sh.routines.Items()[0].LastChecked; got != "" {
		t.Errorf("routine lastChecked after undo = %q, want empty", got)
	}
	snap, err := store.Get(ctx, model.RoutineRef)
	if err != nil {
		t.Fatalf("Get routine failed: %v", err)
	}
	items, _, err := docstore.DecodeField[[]model.RoutineItem](snap, model.RoutineField)
	if err != nil || len(items) != 1 || items[0].LastChecked != "" {
		t.Errorf("stored routine after undo = %+v (err %v)", items, err)
	}

	if got := sh.boxes.HistoryIndex(); got != 1 {
		t.Errorf("board history index = %d, want 1", got)
	}
	boxes := sh.boxes.Items()
	if len(boxes) != 1 || len(boxes[0].Items) != 1 || boxes[0].Items[0].Text != "milk" {
		t.Errorf("board after routine undo = %+v", boxes)
	}
}

func TestShell_UndoKeyNames(t *testing.T) {
	for _, key := range []string{"ctrl+z", "cmd+z", "Ctrl+Z", "^Z", "undo"} {
		t.Run(key, func(t *testing.T) {
			sh, store, _ := setupShell(t)
			today := chore.Default().Today(time.Now())

			mustExec(t, sh, "set today dinner rice")
			mustExec(t, sh, "flush")
			mustExec(t, sh, key)

			if got := storedDinner(t, store, today); got != "" {
				t.Errorf("dinner after %s = %q, want empty", key, got)
			}
		})
	}
}

func TestShell_RawCtrlZ(t *testing.T) {
	sh, store, _ := setupShell(t)
	today := chore.Default().Today(time.Now())

	mustExec(t, sh, "set today dinner noodles")
	mustExec(t, sh, "flush")
	mustExec(t, sh, "\x1a")

	if got := storedDinner(t, store, today); got != "" {
		t.Errorf("dinner after ctrl+z = %q, want empty", got)
	}
}

func TestShell_Commands(t *testing.T) {
	sh, _, out := setupShell(t)
	ctx := context.Background()

	tests := []struct {
		line    string
		quit    bool
		wantErr bool
	}{
		{line: "", quit: false},
		{line: "show", quit: false},
		{line: "use nowhere", wantErr: true},
		{line: "add", wantErr: true},
		{line: "check missing-id", wantErr: true},
		{line: "set today", wantErr: true},
		{line: "frobnicate", wantErr: true},
		{line: "quit", quit: true},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			quit, err := sh.exec(ctx, tt.line)
			if (err != nil) != tt.wantErr {
				t.Fatalf("exec(%q) error = %v, wantErr %v", tt.line, err, tt.wantErr)
			}
			if quit != tt.quit {
				t.Errorf("exec(%q) quit = %v, want %v", tt.line, quit, tt.quit)
			}
		})
	}

	if err := sh.run(ctx, strings.NewReader("use routine\nexit\n")); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if !strings.Contains(out.String(), "routine") {
		t.Errorf("output does not show the routine prompt:\n%s", out.String())
	}
}
