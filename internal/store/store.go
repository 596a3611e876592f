// Package store persists undeliverable messages per recipient identity until
// the recipient registers and drains them.
package store

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
)

// Message is one buffered delivery: the sender, an optional display-name
// hint, and the envelope exactly as received. The envelope is never parsed.
type Message struct {
	From     string          `json:"from"`
	Name     string          `json:"name,omitempty"`
	Envelope json.RawMessage `json:"envelope"`
}

// Store is the offline queue contract used by the router. Each recipient's
// queue is independent; operations on different recipients never interfere.
type Store interface {
	// Save appends a message durably to the recipient's queue.
	Save(recipient string, msg Message) error
	// Load returns all buffered messages in FIFO order without mutating state.
	Load(recipient string) ([]Message, error)
	// Clear durably removes every buffered message for the recipient.
	Clear(recipient string) error
}

// identityToken maps an opaque identity to a filesystem-safe directory name.
// A truncated prefix keeps the layout inspectable; the hash suffix makes the
// token collision-free for identities that only differ in unsafe characters.
func identityToken(identity string) string {
	sum := sha256.Sum256([]byte(identity))
	prefix := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, identity)
	if len(prefix) > 32 {
		prefix = prefix[:32]
	}
	return prefix + "-" + hex.EncodeToString(sum[:8])
}
