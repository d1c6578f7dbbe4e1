// Package channel owns the websocket lifecycle: opening a connection, keeping
// exactly one alive at a time, detecting close/error and decoding inbound
// frames into typed messages. Reconnection policy lives with the caller, a
// dropped handle just makes the next EnsureOpen dial a fresh one.
package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/gorilla/websocket"
)

// ErrNotReady indicates the channel has no fully-open connection to send on
var ErrNotReady = errors.New("channel not ready")

// Supervisor manages a single websocket connection to the backend.
// Handler must be set before the first EnsureOpen call, it receives every
// decoded inbound message from the read loop goroutine.
type Supervisor struct {
	URL     string
	Handler func(Inbound)

	dialer *websocket.Dialer

	mu      sync.Mutex
	conn    *websocket.Conn
	opening bool
}

// NewSupervisor makes a supervisor for the given websocket URL
func NewSupervisor(url string) *Supervisor {
	return &Supervisor{
		URL:    url,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
}

// EnsureOpen dials a new connection unless one is already open or opening.
// Idempotent, a second call while the first dial is in flight is a no-op.
// A dial failure is returned but leaves the supervisor ready to try again.
func (s *Supervisor) EnsureOpen(ctx context.Context) error {
	s.mu.Lock()
	if s.conn != nil || s.opening {
		s.mu.Unlock()
		return nil
	}
	s.opening = true
	s.mu.Unlock()

	conn, _, err := s.dialer.DialContext(ctx, s.URL, nil) //nolint:bodyclose // gorilla keeps the hijacked conn
	s.mu.Lock()
	s.opening = false
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to dial %s: %w", s.URL, err)
	}
	s.conn = conn
	s.mu.Unlock()

	log.Printf("[INFO] channel connected to %s", s.URL)
	go s.readLoop(conn)
	return nil
}

// IsReady reports if a fully-open connection exists right now
func (s *Supervisor) IsReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// Send writes a request as a JSON frame. Returns ErrNotReady without a
// connection, on a write failure the handle is discarded too.
func (s *Supervisor) Send(req Request) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	if conn == nil {
		return ErrNotReady
	}
	if err := conn.WriteJSON(req); err != nil {
		s.discard(conn)
		return fmt.Errorf("failed to send %q message: %w", req.Message, err)
	}
	return nil
}

// Close drops the current connection if any. The supervisor stays usable,
// a later EnsureOpen opens a fresh one.
func (s *Supervisor) Close() {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	if conn != nil {
		if err := conn.Close(); err != nil {
			log.Printf("[DEBUG] failed to close connection: %v", err)
		}
	}
}

// readLoop pumps inbound frames to the handler until the connection dies,
// then discards the handle so the next EnsureOpen reconnects.
func (s *Supervisor) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			log.Printf("[INFO] channel closed: %v", err)
			s.discard(conn)
			return
		}

		msg, err := DecodeInbound(data)
		if err != nil {
			log.Printf("[WARN] dropping malformed frame: %v", err)
			continue
		}
		if h := s.Handler; h != nil {
			h(msg)
		}
	}
}

// discard forgets the handle if it is still the current one and closes it.
// The conn argument prevents a stale read loop from killing a newer conn.
func (s *Supervisor) discard(conn *websocket.Conn) {
	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
	}
	s.mu.Unlock()
	_ = conn.Close()
}
