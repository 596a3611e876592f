package relay

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"time"

	"go.uber.org/zap"
)

// Conn is the framed transport a session speaks over. The WebSocket endpoint
// provides the production implementation; tests use in-memory pipes.
type Conn interface {
	// ReadMessage blocks until one complete inbound frame is available.
	ReadMessage() ([]byte, error)
	// WriteMessage writes one complete outbound frame.
	WriteMessage(data []byte) error
	Close() error
}

// Session is one live connection. It starts anonymous; Router.Attach binds it
// to an identity on the first well-formed register request and the binding is
// permanent for the connection's lifetime.
type Session struct {
	id     string
	conn   Conn
	sendCh chan []byte
	ctx    context.Context
	cancel context.CancelFunc

	// identity and name are written only by the session's own handler
	// goroutine, before the session is visible to any other connection.
	identity    string
	name        string
	connectedAt time.Time
}

// NewSession wraps a transport connection. sendBuffer bounds the outbound
// queue; a full queue disconnects the session rather than blocking the
// router.
func NewSession(parent context.Context, conn Conn, sendBuffer int) (*Session, error) {
	id, err := generateSessionID()
	if err != nil {
		return nil, err
	}
	if sendBuffer <= 0 {
		sendBuffer = 32
	}
	ctx, cancel := context.WithCancel(parent)
	return &Session{
		id:          id,
		conn:        conn,
		sendCh:      make(chan []byte, sendBuffer),
		ctx:         ctx,
		cancel:      cancel,
		connectedAt: time.Now(),
	}, nil
}

// ID returns the opaque per-connection identifier used in logs.
func (s *Session) ID() string {
	return s.id
}

// Identity returns the bound identity, empty while unregistered.
func (s *Session) Identity() string {
	return s.identity
}

func (s *Session) bind(identity, name string) {
	s.identity = identity
	s.name = name
}

func (s *Session) registered() bool {
	return s.identity != ""
}

// writeLoop drains the send queue onto the transport until the session is
// cancelled or a write fails.
func (s *Session) writeLoop(log *zap.Logger) {
	for {
		select {
		case <-s.ctx.Done():
			return
		case frame, ok := <-s.sendCh:
			if !ok {
				return
			}
			if err := s.conn.WriteMessage(frame); err != nil {
				log.Warn("session write failed", zap.Error(err), zap.String("session_id", s.id))
				s.cancel()
				return
			}
		}
	}
}

func generateSessionID() (string, error) {
	var raw [12]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(raw[:]), nil
}
