// mockpeer is a minimal relay client used for integration exercises: it
// registers an identity and either sends one message or waits for one.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/gorilla/websocket"
)

type peerConfig struct {
	relayURL string
	key      string
	name     string
	role     string
	target   string
	text     string
	timeout  time.Duration
}

func main() {
	cfg := parseConfig()
	if err := run(cfg); err != nil {
		log.Fatalf("mock peer failed: %v", err)
	}
	log.Printf("mock peer role %s completed as %s", cfg.role, cfg.key)
}

func parseConfig() peerConfig {
	var cfg peerConfig
	flag.StringVar(&cfg.relayURL, "relay", "ws://127.0.0.1:8080/ws", "WebSocket URL of the relay")
	flag.StringVar(&cfg.key, "key", "", "Public key identity to register")
	flag.StringVar(&cfg.name, "name", "mockpeer", "Display name hint")
	flag.StringVar(&cfg.role, "role", "sender", "Role for this peer (sender|receiver)")
	flag.StringVar(&cfg.target, "target", "", "Recipient identity (sender role)")
	flag.StringVar(&cfg.text, "text", "hello from mockpeer", "Message text to send")
	flag.DurationVar(&cfg.timeout, "timeout", 30*time.Second, "Overall timeout for the flow")
	flag.Parse()

	switch cfg.role {
	case "sender", "receiver":
	default:
		log.Fatalf("unsupported role %s (expected sender or receiver)", cfg.role)
	}
	if cfg.key == "" {
		log.Fatalf("-key is required")
	}
	if cfg.role == "sender" && cfg.target == "" {
		log.Fatalf("-target is required for the sender role")
	}
	return cfg
}

func run(cfg peerConfig) error {
	conn, _, err := websocket.DefaultDialer.Dial(cfg.relayURL, nil)
	if err != nil {
		return fmt.Errorf("dial relay: %w", err)
	}
	defer conn.Close()
	deadline := time.Now().Add(cfg.timeout)
	_ = conn.SetReadDeadline(deadline)
	_ = conn.SetWriteDeadline(deadline)

	if err := writeFrame(conn, map[string]any{
		"type":      "register",
		"publicKey": cfg.key,
		"name":      cfg.name,
	}); err != nil {
		return fmt.Errorf("register: %w", err)
	}
	ack, err := awaitFrame(conn, "registered")
	if err != nil {
		return err
	}
	log.Printf("registered; %d peers reachable", len(ack.Peers))

	switch cfg.role {
	case "sender":
		err = runSender(conn, cfg)
	case "receiver":
		err = runReceiver(conn)
	}
	return err
}

func runSender(conn *websocket.Conn, cfg peerConfig) error {
	envelope, err := json.Marshal(map[string]string{"text": cfg.text})
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	if err := writeFrame(conn, map[string]any{
		"type":     "message",
		"to":       cfg.target,
		"envelope": json.RawMessage(envelope),
	}); err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	// A pong confirms the relay processed the send without an error frame.
	if err := writeFrame(conn, map[string]any{"type": "ping"}); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	if _, err := awaitFrame(conn, "pong"); err != nil {
		return err
	}
	log.Printf("message accepted for %s", cfg.target)
	return nil
}

func runReceiver(conn *websocket.Conn) error {
	frame, err := awaitFrame(conn, "message")
	if err != nil {
		return err
	}
	log.Printf("message from %s (%s): %s", frame.From, frame.Name, frame.Envelope)
	return nil
}

type relayFrame struct {
	Type     string          `json:"type"`
	From     string          `json:"from"`
	Name     string          `json:"name"`
	Code     string          `json:"code"`
	Message  string          `json:"message"`
	Envelope json.RawMessage `json:"envelope"`
	Peers    []struct {
		PublicKey string `json:"publicKey"`
		Name      string `json:"name"`
	} `json:"peers"`
}

func writeFrame(conn *websocket.Conn, frame map[string]any) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

// awaitFrame reads until the wanted frame type arrives, surfacing error
// frames and logging everything else (presence events, stray pongs).
func awaitFrame(conn *websocket.Conn, want string) (relayFrame, error) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return relayFrame{}, fmt.Errorf("read frame: %w", err)
		}
		var frame relayFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			return relayFrame{}, fmt.Errorf("decode frame %s: %w", data, err)
		}
		switch frame.Type {
		case want:
			return frame, nil
		case "error":
			return relayFrame{}, fmt.Errorf("relay error %s: %s", frame.Code, frame.Message)
		default:
			log.Printf("skipping %s frame", frame.Type)
		}
	}
}
