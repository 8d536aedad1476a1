// Package remote implements docstore.Store as a client of the HTTP API.
//
// Reads and writes are JSON requests against /docs. Subscriptions hold one
// WebSocket per document on /ws and redial after a dropped connection,
// skipping snapshots that are not newer than the last one delivered.
// Transactions are emulated with compare-and-swap on the document version.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/homeboard/homeboard/internal/api"
	"github.com/homeboard/homeboard/internal/docstore"
	"github.com/homeboard/homeboard/internal/hub"
)

// MaxMessageBytes bounds one snapshot frame.
const MaxMessageBytes = api.MaxBodyBytes

// Config holds client configuration.
type Config struct {
	// HTTPClient issues document requests (default: 10s timeout)
	HTTPClient *http.Client

	// MaxAttempts bounds transaction retries on version conflicts (default: docstore.DefaultCASAttempts)
	MaxAttempts int

	// RedialDelay is the pause before reconnecting a dropped subscription (default: 1s)
	RedialDelay time.Duration

	// Logger for connection activity (default: discard)
	Logger *log.Logger
}

// Store talks to a homeboard server.
type Store struct {
	base   *url.URL
	client *http.Client
	config Config
	notify *docstore.Notifier
	logger *log.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

var _ docstore.Store = (*Store)(nil)
var _ docstore.Lister = (*Store)(nil)

// New returns a client for the server at baseURL (http or https).
func New(baseURL string, config *Config) (*Store, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid server url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid server url %q: scheme must be http or https", baseURL)
	}

	var cfg Config
	if config != nil {
		cfg = *config
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = docstore.DefaultCASAttempts
	}
	if cfg.RedialDelay <= 0 {
		cfg.RedialDelay = time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(io.Discard, "", 0)
	}

	return &Store{
		base:   u,
		client: cfg.HTTPClient,
		config: cfg,
		notify: docstore.NewNotifier(),
		logger: cfg.Logger,
	}, nil
}

func (s *Store) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Store) check(ref docstore.Ref) error {
	if s.isClosed() {
		return docstore.ErrClosed
	}
	return ref.Validate()
}

func (s *Store) docURL(scheme string, parts ...string) string {
	u := *s.base
	if scheme != "" {
		u.Scheme = scheme
	}
	escaped := make([]string, len(parts))
	for i, p := range parts {
		escaped[i] = url.PathEscape(p)
	}
	return u.String() + "/" + strings.Join(escaped, "/")
}

// do sends a JSON request and decodes a 200 response into out.
func (s *Store) do(ctx context.Context, method, target string, body, out any) error {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, r)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, target, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxMessageBytes))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		var e api.ErrorResponse
		if err := json.Unmarshal(data, &e); err != nil || e.Code == "" {
			return fmt.Errorf("%s %s: unexpected status %d", method, target, resp.StatusCode)
		}
		return e.Err()
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// Get implements docstore.Store.
func (s *Store) Get(ctx context.Context, ref docstore.Ref) (*docstore.Snapshot, error) {
	if err := s.check(ref); err != nil {
		return nil, err
	}
	var snap docstore.Snapshot
	if err := s.do(ctx, http.MethodGet, s.docURL("", "docs", ref.Collection, ref.ID), nil, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// Set implements docstore.Store.
func (s *Store) Set(ctx context.Context, ref docstore.Ref, data docstore.Data, opts ...docstore.WriteOption) (*docstore.Snapshot, error) {
	if err := s.check(ref); err != nil {
		return nil, err
	}
	if data == nil {
		data = docstore.Data{}
	}
	body := api.NewWriteRequest(data, docstore.BuildWriteOptions(opts...))
	var snap docstore.Snapshot
	if err := s.do(ctx, http.MethodPut, s.docURL("", "docs", ref.Collection, ref.ID), body, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// RunTransaction implements docstore.Store with optimistic retries.
// Concurrent writers that keep winning can exhaust MaxAttempts, in which
// case the error wraps docstore.ErrConflict.
func (s *Store) RunTransaction(ctx context.Context, ref docstore.Ref, fn docstore.TxFunc, opts ...docstore.WriteOption) (*docstore.Snapshot, error) {
	if err := s.check(ref); err != nil {
		return nil, err
	}
	return docstore.CompareAndSwap(ctx, s, ref, fn, s.config.MaxAttempts, opts...)
}

// List implements docstore.Lister.
func (s *Store) List(ctx context.Context, collection string) ([]docstore.Ref, error) {
	if s.isClosed() {
		return nil, docstore.ErrClosed
	}
	target := s.docURL("", "docs")
	if collection != "" {
		target = s.docURL("", "docs", collection)
	}
	var resp api.ListResponse
	if err := s.do(ctx, http.MethodGet, target, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Refs, nil
}

// Subscribe implements docstore.Store. The first connection is made before
// Subscribe returns so an unreachable server is reported as an error.
func (s *Store) Subscribe(ctx context.Context, ref docstore.Ref, fn func(*docstore.Snapshot)) (func(), error) {
	if err := s.check(ref); err != nil {
		return nil, err
	}

	conn, err := s.dial(ctx, ref)
	if err != nil {
		return nil, err
	}

	sub, err := s.notify.Add(ctx, ref, fn)
	if err != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "")
		return nil, err
	}

	s.wg.Add(1)
	go s.follow(sub, ref, conn)
	return sub.Cancel, nil
}

func (s *Store) dial(ctx context.Context, ref docstore.Ref) (*websocket.Conn, error) {
	scheme := "ws"
	if s.base.Scheme == "https" {
		scheme = "wss"
	}
	target := s.docURL(scheme, "ws", ref.Collection, ref.ID)
	conn, _, err := websocket.Dial(ctx, target, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", target, err)
	}
	conn.SetReadLimit(MaxMessageBytes)
	return conn, nil
}

// follow relays hub messages into sub until it is cancelled, redialing
// whenever the connection drops.
func (s *Store) follow(sub *docstore.Subscription, ref docstore.Ref, conn *websocket.Conn) {
	defer s.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-sub.Done()
		cancel()
	}()

	delivered := false
	var last int64
	for {
		err := s.relay(ctx, conn, func(snap *docstore.Snapshot) {
			if delivered && snap.Version <= last {
				return
			}
			delivered = true
			last = snap.Version
			sub.Send(snap)
		})
		_ = conn.Close(websocket.StatusNormalClosure, "")
		if ctx.Err() != nil {
			return
		}
		s.logger.Printf("Subscription to %s dropped: %v", ref, err)

		for conn = nil; conn == nil; {
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.config.RedialDelay):
			}
			if conn, err = s.dial(ctx, ref); err != nil {
				if ctx.Err() != nil {
					return
				}
				s.logger.Printf("Redial %s failed: %v", ref, err)
			}
		}
		s.logger.Printf("Subscription to %s restored", ref)
	}
}

// relay reads frames until the connection fails.
func (s *Store) relay(ctx context.Context, conn *websocket.Conn, deliver func(*docstore.Snapshot)) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		var msg hub.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			return fmt.Errorf("invalid message: %w", err)
		}
		switch msg.Type {
		case hub.MessageTypeSnapshot:
			var snap docstore.Snapshot
			if err := json.Unmarshal(msg.Data, &snap); err != nil {
				return fmt.Errorf("invalid snapshot: %w", err)
			}
			deliver(&snap)
		case hub.MessageTypeError:
			var e hub.ErrorData
			_ = json.Unmarshal(msg.Data, &e)
			return errors.New(e.Error)
		}
	}
}

// Close cancels subscriptions. Later calls fail with docstore.ErrClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.notify.Close()
	s.wg.Wait()
	return nil
}
