package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rookdaemon/agora-relay/internal/config"
	"github.com/rookdaemon/agora-relay/internal/relay"
	"github.com/rookdaemon/agora-relay/internal/store"
	"go.uber.org/zap/zaptest"
)

func startTestRelay(t *testing.T, allowList []string, st store.Store) string {
	t.Helper()

	cfg := config.Config{
		LogLevel: "debug",
		Server: config.ServerConfig{
			ReadLimit:  1 << 20,
			SendBuffer: 32,
		},
	}
	reg := relay.NewRegistry(allowList)
	srv := NewRelayServer(cfg, zaptest.NewLogger(t), reg, st)

	mux, err := srv.buildMux(context.Background(), prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("build mux: %v", err)
	}
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

type wsClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func dialRelay(t *testing.T, url string) *wsClient {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return &wsClient{t: t, conn: conn}
}

func (c *wsClient) send(raw string) {
	c.t.Helper()
	if err := c.conn.WriteMessage(websocket.TextMessage, []byte(raw)); err != nil {
		c.t.Fatalf("write: %v", err)
	}
}

func (c *wsClient) recv() map[string]json.RawMessage {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		c.t.Fatalf("read: %v", err)
	}
	var f map[string]json.RawMessage
	if err := json.Unmarshal(data, &f); err != nil {
		c.t.Fatalf("decode %s: %v", data, err)
	}
	return f
}

func (c *wsClient) expect(frameType string) map[string]json.RawMessage {
	c.t.Helper()
	f := c.recv()
	var got string
	if err := json.Unmarshal(f["type"], &got); err != nil || got != frameType {
		c.t.Fatalf("expected %s frame, got %v", frameType, f)
	}
	return f
}

func (c *wsClient) register(key string) {
	c.t.Helper()
	c.send(fmt.Sprintf(`{"type":"register","publicKey":%q}`, key))
	c.expect("registered")
}

func TestEndToEndDirectMessage(t *testing.T) {
	url := startTestRelay(t, nil, nil)

	alice := dialRelay(t, url)
	alice.register("alice")

	bob := dialRelay(t, url)
	bob.register("bob")
	alice.expect("peer_online")

	bob.send(`{"type":"message","to":"alice","envelope":{"text":"hi"}}`)
	f := alice.expect("message")
	if string(f["from"]) != `"bob"` {
		t.Fatalf("expected from bob, got %s", f["from"])
	}
	if string(f["envelope"]) != `{"text":"hi"}` {
		t.Fatalf("envelope modified in transit: %s", f["envelope"])
	}

	bob.send(`{"type":"ping"}`)
	bob.expect("pong")
}

func TestEndToEndOfflineReplay(t *testing.T) {
	st, err := store.NewFileStore(t.TempDir(), "")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	url := startTestRelay(t, []string{"alice"}, st)

	bob := dialRelay(t, url)
	bob.register("bob")

	bob.send(`{"type":"message","to":"alice","envelope":{"text":"hi"}}`)
	// A pong after the send proves no error frame was queued for it.
	bob.send(`{"type":"ping"}`)
	bob.expect("pong")

	alice := dialRelay(t, url)
	alice.register("alice")
	f := alice.expect("message")
	if string(f["from"]) != `"bob"` || string(f["envelope"]) != `{"text":"hi"}` {
		t.Fatalf("unexpected replayed message: %v", f)
	}

	msgs, err := st.Load("alice")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("expected drained queue, found %d", len(msgs))
	}
}

func TestEndToEndErrorTaxonomy(t *testing.T) {
	url := startTestRelay(t, nil, nil)

	c := dialRelay(t, url)
	c.send(`{"type":"message","to":"alice","envelope":"x"}`)
	f := c.expect("error")
	if string(f["code"]) != `"not_registered"` {
		t.Fatalf("expected not_registered, got %s", f["code"])
	}

	c.register("carol")
	c.send(`{"type":"message","to":"nobody","envelope":"x"}`)
	f = c.expect("error")
	if string(f["code"]) != `"unknown_recipient"` {
		t.Fatalf("expected unknown_recipient, got %s", f["code"])
	}

	c.send(`this is not json`)
	f = c.expect("error")
	if string(f["code"]) != `"invalid_message"` {
		t.Fatalf("expected invalid_message, got %s", f["code"])
	}

	// All errors were local to this connection; it still works.
	c.send(`{"type":"ping"}`)
	c.expect("pong")
}
