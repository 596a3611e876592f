package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rookdaemon/agora-relay/internal/store"
	"go.uber.org/zap/zaptest"
)

// pipeConn is an in-memory Conn for driving the handler without a network.
type pipeConn struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}
	once   sync.Once
}

func newPipeConn() *pipeConn {
	return &pipeConn{
		in:     make(chan []byte, 16),
		out:    make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (c *pipeConn) ReadMessage() ([]byte, error) {
	select {
	case data := <-c.in:
		return data, nil
	case <-c.closed:
		return nil, io.EOF
	}
}

func (c *pipeConn) WriteMessage(data []byte) error {
	select {
	case c.out <- data:
		return nil
	case <-c.closed:
		return io.EOF
	}
}

func (c *pipeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

type testRelay struct {
	t       *testing.T
	handler *Handler
	reg     *Registry
}

func newTestRelay(t *testing.T, allowList []string, st store.Store) *testRelay {
	t.Helper()

	reg := NewRegistry(allowList)
	router, err := NewRouter(RouterConfig{
		Log:      zaptest.NewLogger(t),
		Registry: reg,
		Store:    st,
	})
	if err != nil {
		t.Fatalf("build router: %v", err)
	}
	return &testRelay{
		t:       t,
		handler: NewHandler(zaptest.NewLogger(t), router, nil),
		reg:     reg,
	}
}

func (tr *testRelay) connect() *testClient {
	tr.t.Helper()

	conn := newPipeConn()
	sess, err := NewSession(context.Background(), conn, 32)
	if err != nil {
		tr.t.Fatalf("create session: %v", err)
	}
	go tr.handler.Serve(sess)
	tr.t.Cleanup(func() { conn.Close() })
	return &testClient{t: tr.t, conn: conn}
}

type testClient struct {
	t    *testing.T
	conn *pipeConn
}

// wireFrame is the superset of all relay->client frame shapes.
type wireFrame struct {
	Type      string          `json:"type"`
	PublicKey string          `json:"publicKey"`
	Name      string          `json:"name"`
	From      string          `json:"from"`
	Code      string          `json:"code"`
	Message   string          `json:"message"`
	Peers     []PeerInfo      `json:"peers"`
	Envelope  json.RawMessage `json:"envelope"`
}

func (c *testClient) send(raw string) {
	c.t.Helper()
	select {
	case c.conn.in <- []byte(raw):
	case <-time.After(time.Second):
		c.t.Fatalf("send timed out: %s", raw)
	}
}

func (c *testClient) recv() wireFrame {
	c.t.Helper()
	select {
	case data := <-c.conn.out:
		var f wireFrame
		if err := json.Unmarshal(data, &f); err != nil {
			c.t.Fatalf("decode frame %s: %v", data, err)
		}
		return f
	case <-time.After(2 * time.Second):
		c.t.Fatalf("timed out waiting for frame")
	}
	return wireFrame{}
}

func (c *testClient) expect(frameType string) wireFrame {
	c.t.Helper()
	f := c.recv()
	if f.Type != frameType {
		c.t.Fatalf("expected %s frame, got %s (%+v)", frameType, f.Type, f)
	}
	return f
}

func (c *testClient) expectError(code string) {
	c.t.Helper()
	f := c.expect(TypeError)
	if f.Code != code {
		c.t.Fatalf("expected error code %s, got %s (%s)", code, f.Code, f.Message)
	}
}

func (c *testClient) expectSilence() {
	c.t.Helper()
	select {
	case data := <-c.conn.out:
		c.t.Fatalf("unexpected frame: %s", data)
	case <-time.After(150 * time.Millisecond):
	}
}

func (c *testClient) register(key, name string) wireFrame {
	c.t.Helper()
	if name != "" {
		c.send(fmt.Sprintf(`{"type":"register","publicKey":%q,"name":%q}`, key, name))
	} else {
		c.send(fmt.Sprintf(`{"type":"register","publicKey":%q}`, key))
	}
	f := c.expect(TypeRegistered)
	if f.PublicKey != key {
		c.t.Fatalf("registered ack for wrong key: %s", f.PublicKey)
	}
	return f
}

func (c *testClient) close() {
	c.conn.Close()
}
