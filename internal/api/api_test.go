package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/homeboard/homeboard/internal/chore"
	"github.com/homeboard/homeboard/internal/docstore"
	"github.com/homeboard/homeboard/internal/hub"
	"github.com/homeboard/homeboard/internal/model"
	"github.com/homeboard/homeboard/internal/routine"
)

func setupTestServer(t *testing.T, cfg *Config) (*httptest.Server, *docstore.MemoryStore) {
	t.Helper()
	store := docstore.NewMemoryStore()
	h := hub.New(store, &hub.Config{Logger: log.New(io.Discard, "", 0)})
	srv := httptest.NewServer(NewRouter(store, h, cfg))
	t.Cleanup(func() {
		h.Close()
		srv.Close()
		store.Close()
	})
	return srv, store
}

func doJSON(t *testing.T, method, url string, body any) (*http.Response, []byte) {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, r)
	if err != nil {
		t.Fatalf("NewRequest failed: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, url, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp, data
}

func decodeError(t *testing.T, data []byte) ErrorResponse {
	t.Helper()
	var e ErrorResponse
	if err := json.Unmarshal(data, &e); err != nil {
		t.Fatalf("invalid error body %q: %v", data, err)
	}
	return e
}

func TestHealth(t *testing.T) {
	srv, _ := setupTestServer(t, nil)
	resp, body := doJSON(t, http.MethodGet, srv.URL+"/health", nil)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "ok") {
		t.Errorf("health = %d %s", resp.StatusCode, body)
	}
}

func TestPutAndGet(t *testing.T) {
	srv, store := setupTestServer(t, nil)
	url := srv.URL + "/docs/sharedData/main"

	resp, body := doJSON(t, http.MethodPut, url, WriteRequest{Data: docstore.Data{"items": []any{"a"}}, WriteID: "c-1"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("PUT = %d %s", resp.StatusCode, body)
	}
	var snap docstore.Snapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snap.Version != 1 || snap.WriteID != "c-1" {
		t.Errorf("snapshot = %+v", snap)
	}

	stored, err := store.Get(context.Background(), model.BoardRef)
	if err != nil || stored.Version != 1 {
		t.Fatalf("store not written: %+v %v", stored, err)
	}

	resp, body = doJSON(t, http.MethodGet, url, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET = %d %s", resp.StatusCode, body)
	}
	snap = docstore.Snapshot{}
	json.Unmarshal(body, &snap)
	if !snap.Exists || len(snap.Data["items"].([]any)) != 1 {
		t.Errorf("GET snapshot = %+v", snap)
	}
}

func TestGetMissing(t *testing.T) {
	srv, _ := setupTestServer(t, nil)
	resp, body := doJSON(t, http.MethodGet, srv.URL+"/docs/memos/nope", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if e := decodeError(t, body); e.Code != CodeNotFound {
		t.Errorf("code = %q", e.Code)
	}
}

func TestPutConflict(t *testing.T) {
	srv, _ := setupTestServer(t, nil)
	url := srv.URL + "/docs/memos/home"
	doJSON(t, http.MethodPut, url, WriteRequest{Data: docstore.Data{"content": "a"}})

	stale := int64(0)
	resp, body := doJSON(t, http.MethodPut, url, WriteRequest{Data: docstore.Data{"content": "b"}, IfVersion: &stale})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d %s", resp.StatusCode, body)
	}
	if e := decodeError(t, body); e.Code != CodeConflict {
		t.Errorf("code = %q", e.Code)
	}
}

func TestPutMerge(t *testing.T) {
	srv, store := setupTestServer(t, nil)
	url := srv.URL + "/docs/memos/home"
	doJSON(t, http.MethodPut, url, WriteRequest{Data: docstore.Data{"content": "a", "extra": "x"}})
	doJSON(t, http.MethodPut, url, WriteRequest{Data: docstore.Data{"content": "b"}, Merge: true})

	snap, _ := store.Get(context.Background(), model.MemoRef("home"))
	if snap.Data["content"] != "b" || snap.Data["extra"] != "x" {
		t.Errorf("merged data = %#v", snap.Data)
	}
}

func TestPutBadRequest(t *testing.T) {
	srv, _ := setupTestServer(t, nil)

	req, _ := http.NewRequest(http.MethodPut, srv.URL+"/docs/memos/home", strings.NewReader("{not json"))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("PUT failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad json status = %d", resp.StatusCode)
	}

	resp, _ = doJSON(t, http.MethodPut, srv.URL+"/docs/memos/home", map[string]any{})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing data status = %d", resp.StatusCode)
	}

	resp, body := doJSON(t, http.MethodPut, srv.URL+"/docs/memos/..", WriteRequest{Data: docstore.Data{}})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("invalid ref status = %d %s", resp.StatusCode, body)
	}
}

func TestListDocs(t *testing.T) {
	srv, store := setupTestServer(t, nil)
	ctx := context.Background()
	store.Set(ctx, model.MemoRef("b"), docstore.Data{"content": "1"})
	store.Set(ctx, model.MemoRef("a"), docstore.Data{"content": "2"})
	store.Set(ctx, model.BoardRef, docstore.Data{"items": []any{}})

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/docs/memos", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d %s", resp.StatusCode, body)
	}
	var list ListResponse
	if err := json.Unmarshal(body, &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list.Refs) != 2 || list.Refs[0].ID != "a" || list.Refs[1].ID != "b" {
		t.Errorf("refs = %+v", list.Refs)
	}
}

func TestWatchDoc(t *testing.T) {
	srv, store := setupTestServer(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/memos/home"
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	read := func() docstore.Snapshot {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("Read failed: %v", err)
		}
		var msg hub.Message
		json.Unmarshal(data, &msg)
		var snap docstore.Snapshot
		json.Unmarshal(msg.Data, &snap)
		return snap
	}

	if first := read(); first.Exists {
		t.Errorf("initial snapshot = %+v", first)
	}
	store.Set(ctx, model.MemoRef("home"), docstore.Data{"content": "hi"})
	if next := read(); next.Version != 1 || next.Data["content"] != "hi" {
		t.Errorf("change snapshot = %+v", next)
	}
}

func TestRoutineUpcoming(t *testing.T) {
	kst := time.FixedZone("KST", 9*60*60)
	now := time.Date(2024, 5, 10, 9, 0, 0, 0, kst)

	store := docstore.NewMemoryStore()
	defer store.Close()
	svc := routine.New(store, chore.New(kst, chore.DefaultBoundaryHour), func() time.Time { return now })
	svc.Upsert(context.Background(), model.RoutineItem{Name: "trash", Cycle: 1, LastChecked: "2024-05-08"})

	srv := httptest.NewServer(NewRouter(store, nil, &Config{Routine: svc}))
	defer srv.Close()

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/routine/upcoming", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d %s", resp.StatusCode, body)
	}
	var view routine.View
	if err := json.Unmarshal(body, &view); err != nil {
		t.Fatalf("decode view: %v", err)
	}
	if len(view.Daily) != 1 || view.Daily[0].Remaining != 1 {
		t.Errorf("view = %+v", view)
	}
}

func TestCORS(t *testing.T) {
	srv, _ := setupTestServer(t, &Config{CORSOrigins: []string{"http://app.local"}})

	req, _ := http.NewRequest(http.MethodOptions, srv.URL+"/docs/memos/home", nil)
	req.Header.Set("Origin", "http://app.local")
	req.Header.Set("Access-Control-Request-Method", "PUT")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("preflight failed: %v", err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "http://app.local" {
		t.Errorf("Access-Control-Allow-Origin = %q", got)
	}
}

func TestErrorResponseErr(t *testing.T) {
	for _, code := range []string{CodeNotFound, CodeConflict, CodeInvalidRef, CodeClosed, CodeInternal} {
		err := ErrorResponse{Error: "x", Code: code}.Err()
		status, got := Classify(err)
		if got != code {
			t.Errorf("round trip of %q gave %q (status %d)", code, got, status)
		}
	}
}
