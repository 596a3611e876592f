package relay

import (
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"
)

// Handler runs the per-connection protocol state machine. A connection is
// anonymous until its first well-formed register request; the transition to
// registered is terminal for the connection's lifetime. Malformed input is
// answered with an error frame and never closes the connection or changes
// state.
type Handler struct {
	log     *zap.Logger
	router  *Router
	metrics *Metrics
}

// NewHandler wires the handler's dependencies.
func NewHandler(log *zap.Logger, router *Router, metrics *Metrics) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{log: log, router: router, metrics: metrics}
}

// Serve processes a session's requests until the transport closes. It owns
// the session's read loop and starts its writer; on return the session is
// detached from the registry exactly once.
func (h *Handler) Serve(sess *Session) {
	h.metrics.incSession()
	h.log.Info("session opened", zap.String("session_id", sess.ID()))

	defer func() {
		sess.cancel()
		h.router.Detach(sess)
		_ = sess.conn.Close()
		h.metrics.decSession()
		h.log.Info("session closed",
			zap.String("session_id", sess.ID()),
			zap.String("identity", sess.Identity()))
	}()

	go sess.writeLoop(h.log)

	for {
		data, err := sess.conn.ReadMessage()
		if err != nil {
			return
		}
		select {
		case <-sess.ctx.Done():
			return
		default:
		}

		start := time.Now()
		op, err := h.dispatch(sess, data)
		h.observe(op, start, err)
		if err == nil {
			continue
		}

		var rerr *routeError
		if errors.As(err, &rerr) {
			_ = h.router.push(sess, encodeFrame(errorFrame{
				Type:    TypeError,
				Code:    rerr.code,
				Message: rerr.msg,
			}))
			if rerr.fatal {
				return
			}
			continue
		}
		return
	}
}

func (h *Handler) dispatch(sess *Session, data []byte) (string, error) {
	var req clientFrame
	if err := json.Unmarshal(data, &req); err != nil {
		return "unknown", &routeError{code: CodeInvalidMessage, msg: "malformed frame"}
	}

	switch req.Type {
	case TypePing:
		// Answered in both states.
		return "ping", h.router.push(sess, encodeFrame(pongFrame{Type: TypePong}))

	case TypeRegister:
		if req.PublicKey == "" {
			return "register", &routeError{code: CodeInvalidMessage, msg: "publicKey is required"}
		}
		if sess.registered() {
			return "register", &routeError{code: CodeInvalidMessage, msg: "already registered"}
		}
		return "register", h.router.Attach(sess, req.PublicKey, req.Name)

	case TypeMessage:
		if !sess.registered() {
			return "message", &routeError{code: CodeNotRegistered, msg: "register before sending"}
		}
		if req.To == "" {
			return "message", &routeError{code: CodeInvalidMessage, msg: "to is required"}
		}
		if !hasEnvelope(req.Envelope) {
			return "message", &routeError{code: CodeInvalidMessage, msg: "envelope is required"}
		}
		return "message", h.router.Deliver(sess.identity, sess.name, req.To, req.Envelope)

	case TypeBroadcast:
		if !sess.registered() {
			return "broadcast", &routeError{code: CodeNotRegistered, msg: "register before sending"}
		}
		if !hasEnvelope(req.Envelope) {
			return "broadcast", &routeError{code: CodeInvalidMessage, msg: "envelope is required"}
		}
		return "broadcast", h.router.Broadcast(sess.identity, sess.name, req.Envelope)

	default:
		return "unknown", &routeError{code: CodeInvalidMessage, msg: "unsupported request type"}
	}
}

// hasEnvelope is an existence check only; envelope contents stay opaque.
func hasEnvelope(raw json.RawMessage) bool {
	return len(raw) > 0 && string(raw) != "null"
}

func (h *Handler) observe(op string, start time.Time, err error) {
	if h.metrics == nil {
		return
	}
	h.metrics.observeLatency(op, time.Since(start))
	if err != nil {
		code := "internal"
		var rerr *routeError
		if errors.As(err, &rerr) && rerr.code != "" {
			code = rerr.code
		}
		h.metrics.recordError(code)
	}
}
