// Package hub streams document snapshots to WebSocket clients.
//
// Each connection follows exactly one document. On connect the client gets
// the current snapshot, then one message per change, in version order. A
// client that cannot keep up is disconnected rather than silently skipped,
// so a connected client never misses a version.
package hub

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/homeboard/homeboard/internal/docstore"
)

// MessageType defines the type of hub message
type MessageType string

const (
	// MessageTypeSnapshot carries a docstore.Snapshot
	MessageTypeSnapshot MessageType = "snapshot"

	// MessageTypeError reports a server-side failure before closing
	MessageTypeError MessageType = "error"
)

// Message is the envelope of every frame sent to clients
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ErrorData is the payload of MessageTypeError
type ErrorData struct {
	Error string `json:"error"`
}

// Config holds hub configuration
type Config struct {
	// OriginPatterns restricts cross-origin WebSocket handshakes (default: same origin only)
	OriginPatterns []string

	// SendBuffer is the per-client queue length before the client is dropped (default: 64)
	SendBuffer int

	// WriteTimeout bounds each frame write (default: 5s)
	WriteTimeout time.Duration

	// Logger for hub activity (default: log.Default())
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		SendBuffer:   64,
		WriteTimeout: 5 * time.Second,
		Logger:       log.Default(),
	}
}

type client struct {
	conn *websocket.Conn
	ref  docstore.Ref
	send chan Message
}

// Hub manages WebSocket clients subscribed to documents
type Hub struct {
	store  docstore.Store
	config Config

	clients   map[*client]bool
	clientsMu sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger
}

// New creates a hub serving documents from store
func New(store docstore.Store, config *Config) *Hub {
	cfg := *DefaultConfig()
	if config != nil {
		if config.OriginPatterns != nil {
			cfg.OriginPatterns = config.OriginPatterns
		}
		if config.SendBuffer > 0 {
			cfg.SendBuffer = config.SendBuffer
		}
		if config.WriteTimeout > 0 {
			cfg.WriteTimeout = config.WriteTimeout
		}
		if config.Logger != nil {
			cfg.Logger = config.Logger
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		store:   store,
		config:  cfg,
		clients: make(map[*client]bool),
		ctx:     ctx,
		cancel:  cancel,
		logger:  cfg.Logger,
	}
}

// ServeRef upgrades the request and streams ref until the client goes away
// or the hub is closed. It blocks for the lifetime of the connection.
func (h *Hub) ServeRef(w http.ResponseWriter, r *http.Request, ref docstore.Ref) {
	h.wg.Add(1)
	defer h.wg.Done()

	if h.ctx.Err() != nil {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.config.OriginPatterns,
	})
	if err != nil {
		h.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	c := &client{
		conn: conn,
		ref:  ref,
		send: make(chan Message, h.config.SendBuffer),
	}

	ctx, cancel := context.WithCancel(h.ctx)
	defer cancel()

	h.addClient(c)
	defer h.removeClient(c)

	unsubscribe, err := h.store.Subscribe(ctx, ref, func(snap *docstore.Snapshot) {
		data, err := json.Marshal(snap)
		if err != nil {
			h.logger.Printf("Failed to marshal snapshot of %s: %v", ref, err)
			return
		}
		h.enqueue(c, Message{Type: MessageTypeSnapshot, Timestamp: time.Now(), Data: data}, cancel)
	})
	if err != nil {
		h.logger.Printf("Subscribe %s failed: %v", ref, err)
		data, _ := json.Marshal(ErrorData{Error: err.Error()})
		_ = h.write(c, Message{Type: MessageTypeError, Timestamp: time.Now(), Data: data})
		_ = conn.Close(websocket.StatusInternalError, "subscribe failed")
		return
	}
	defer unsubscribe()

	go h.readLoop(cancel, c)
	h.writeLoop(ctx, c)
}

// enqueue queues msg for c; a full queue disconnects the client.
func (h *Hub) enqueue(c *client, msg Message, drop context.CancelFunc) {
	select {
	case c.send <- msg:
	default:
		h.logger.Printf("Client on %s too slow, disconnecting", c.ref)
		_ = c.conn.Close(websocket.StatusPolicyViolation, "client too slow")
		drop()
	}
}

func (h *Hub) writeLoop(ctx context.Context, c *client) {
	for {
		select {
		case <-ctx.Done():
			if h.ctx.Err() != nil {
				// The close handshake needs the read lock held by readLoop
				// until the peer answers, so it must not hold up shutdown.
				h.goingAway(c)
			} else {
				_ = c.conn.Close(websocket.StatusNormalClosure, "")
			}
			return
		case msg := <-c.send:
			if err := h.write(c, msg); err != nil {
				h.logger.Printf("Failed to send to client: %v", err)
				return
			}
		}
	}
}

func (h *Hub) write(c *client, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), h.config.WriteTimeout)
	defer cancel()
	return c.conn.Write(ctx, websocket.MessageText, data)
}

// readLoop notices client disconnects; inbound frames are ignored. It ends
// when the connection is closed from either side.
func (h *Hub) readLoop(cancel context.CancelFunc, c *client) {
	defer cancel()
	for {
		if _, _, err := c.conn.Read(context.Background()); err != nil {
			return
		}
	}
}

func (h *Hub) addClient(c *client) {
	h.clientsMu.Lock()
	h.clients[c] = true
	count := len(h.clients)
	h.clientsMu.Unlock()
	h.logger.Printf("Client connected to %s (total: %d)", c.ref, count)
}

func (h *Hub) removeClient(c *client) {
	h.clientsMu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.clientsMu.Unlock()
		return
	}
	delete(h.clients, c)
	count := len(h.clients)
	h.clientsMu.Unlock()
	h.logger.Printf("Client disconnected from %s (total: %d)", c.ref, count)
}

// ClientCount returns the current number of connected clients
func (h *Hub) ClientCount() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients)
}

// goingAway sends the shutdown close frame to c without waiting for the
// peer's reply.
func (h *Hub) goingAway(c *client) {
	go func() {
		_ = c.conn.Close(websocket.StatusGoingAway, "Server shutting down")
	}()
}

// Close disconnects every client and waits for their handlers to return.
// It does not wait for clients to acknowledge the close frame.
func (h *Hub) Close() {
	h.cancel()

	h.clientsMu.Lock()
	for c := range h.clients {
		h.goingAway(c)
		delete(h.clients, c)
	}
	h.clientsMu.Unlock()

	h.wg.Wait()
}
