package relay

import "testing"

func TestPingAnsweredInBothStates(t *testing.T) {
	tr := newTestRelay(t, nil, nil)

	c := tr.connect()
	c.send(`{"type":"ping"}`)
	c.expect(TypePong)

	c.register("alice", "")
	c.send(`{"type":"ping"}`)
	c.expect(TypePong)
}

func TestRequestsBeforeRegistrationAreRejected(t *testing.T) {
	tr := newTestRelay(t, nil, nil)

	c := tr.connect()
	c.send(`{"type":"message","to":"alice","envelope":"x"}`)
	c.expectError(CodeNotRegistered)

	c.send(`{"type":"broadcast","envelope":"x"}`)
	c.expectError(CodeNotRegistered)

	// The connection is still usable for registering.
	c.register("bob", "")
}

func TestMalformedInputKeepsConnectionOpen(t *testing.T) {
	tr := newTestRelay(t, nil, nil)

	c := tr.connect()
	c.register("bob", "")

	cases := []struct {
		name string
		raw  string
	}{
		{"unparseable frame", `{not json`},
		{"unsupported type", `{"type":"subscribe"}`},
		{"message without to", `{"type":"message","envelope":"x"}`},
		{"message without envelope", `{"type":"message","to":"alice"}`},
		{"message with null envelope", `{"type":"message","to":"alice","envelope":null}`},
		{"broadcast without envelope", `{"type":"broadcast"}`},
		{"register without key", `{"type":"register"}`},
	}
	for _, tc := range cases {
		c.send(tc.raw)
		f := c.expect(TypeError)
		if f.Code != CodeInvalidMessage {
			t.Fatalf("%s: expected invalid_message, got %s", tc.name, f.Code)
		}
	}

	// State unchanged: still registered, still connected.
	c.send(`{"type":"ping"}`)
	c.expect(TypePong)
}

func TestRegistrationIsTerminal(t *testing.T) {
	tr := newTestRelay(t, nil, nil)

	c := tr.connect()
	c.register("alice", "")

	c.send(`{"type":"register","publicKey":"mallory"}`)
	c.expectError(CodeInvalidMessage)

	other := tr.connect()
	other.register("bob", "")
	c.expect(TypePeerOnline)

	// Traffic still routes under the original identity.
	other.send(`{"type":"message","to":"alice","envelope":"still-alice"}`)
	f := c.expect(TypeMessage)
	if f.From != "bob" || string(f.Envelope) != `"still-alice"` {
		t.Fatalf("unexpected frame after rejected re-register: %+v", f)
	}
}

func TestDisconnectRemovesSessionExactlyOnce(t *testing.T) {
	tr := newTestRelay(t, nil, nil)

	watcher := tr.connect()
	watcher.register("watcher", "")

	c := tr.connect()
	c.register("alice", "")
	watcher.expect(TypePeerOnline)

	c.close()
	watcher.expect(TypePeerOffline)
	// A single disconnect produces a single offline event.
	watcher.expectSilence()

	if got := tr.reg.OnlineCount(); got != 1 {
		t.Fatalf("expected only watcher online, got %d identities", got)
	}
}
