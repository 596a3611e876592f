package relay

import "encoding/json"

// Request types accepted from clients.
const (
	TypeRegister  = "register"
	TypeMessage   = "message"
	TypeBroadcast = "broadcast"
	TypePing      = "ping"
)

// Frame types emitted to clients.
const (
	TypeRegistered  = "registered"
	TypePeerOnline  = "peer_online"
	TypePeerOffline = "peer_offline"
	TypePong        = "pong"
	TypeError       = "error"
)

// Error codes carried by error frames.
const (
	CodeNotRegistered    = "not_registered"
	CodeInvalidMessage   = "invalid_message"
	CodeUnknownRecipient = "unknown_recipient"
	CodeInternalError    = "internal_error"
)

// clientFrame is the superset of all client request shapes; the handler
// validates per-type required fields after decoding.
type clientFrame struct {
	Type      string          `json:"type"`
	PublicKey string          `json:"publicKey"`
	Name      string          `json:"name"`
	To        string          `json:"to"`
	Envelope  json.RawMessage `json:"envelope"`
}

// PeerInfo describes one reachable identity in peer listings and presence
// frames.
type PeerInfo struct {
	PublicKey string `json:"publicKey"`
	Name      string `json:"name,omitempty"`
}

type registeredFrame struct {
	Type      string     `json:"type"`
	PublicKey string     `json:"publicKey"`
	Peers     []PeerInfo `json:"peers"`
}

type messageFrame struct {
	Type     string          `json:"type"`
	From     string          `json:"from"`
	Name     string          `json:"name,omitempty"`
	Envelope json.RawMessage `json:"envelope"`
}

type presenceFrame struct {
	Type      string `json:"type"`
	PublicKey string `json:"publicKey"`
	Name      string `json:"name,omitempty"`
}

type pongFrame struct {
	Type string `json:"type"`
}

type errorFrame struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// encodeFrame marshals an outbound frame. The frame structs above contain
// nothing json.Marshal can reject.
func encodeFrame(v any) []byte {
	data, _ := json.Marshal(v)
	return data
}
