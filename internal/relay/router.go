package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/rookdaemon/agora-relay/internal/store"
	"go.uber.org/zap"
)

// routeError maps request validation and routing failures to error frames.
// Non-fatal errors leave the connection open.
type routeError struct {
	code  string
	msg   string
	fatal bool
}

func (e *routeError) Error() string {
	return e.msg
}

// Router resolves requests against the session registry and, on a miss,
// against the offline store. It also drives presence frames and the
// buffered-message replay that happens on registration.
type Router struct {
	log     *zap.Logger
	reg     *Registry
	store   store.Store
	metrics *Metrics
	locks   identityLocks
}

// identityLocks serializes registration replay and message routing for the
// same identity. Without it a Save could land between a replay's Load and
// Clear and be wiped without ever reaching the recipient. Striped by identity
// hash so the lock set stays bounded.
type identityLocks struct {
	stripes [64]sync.Mutex
}

func (l *identityLocks) forIdentity(identity string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(identity))
	return &l.stripes[h.Sum32()%uint32(len(l.stripes))]
}

// RouterConfig wires the router's dependencies. Store may be nil, in which
// case every undeliverable message fails with unknown_recipient.
type RouterConfig struct {
	Log      *zap.Logger
	Registry *Registry
	Store    store.Store
	Metrics  *Metrics
}

// NewRouter constructs a router.
func NewRouter(cfg RouterConfig) (*Router, error) {
	if cfg.Registry == nil {
		return nil, errors.New("session registry is required")
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	return &Router{
		log:     cfg.Log,
		reg:     cfg.Registry,
		store:   cfg.Store,
		metrics: cfg.Metrics,
	}, nil
}

// Attach binds a session to its identity, acks the registration with the
// current peer list, replays any buffered messages into the new session, and
// announces presence if this is the identity's first session. Replay happens
// before the handler reads the session's next request, so buffered traffic
// is delivered ahead of anything the client sends after registering.
func (r *Router) Attach(sess *Session, identity, name string) error {
	sess.bind(identity, name)

	// The identity lock keeps registration and replay atomic against a
	// concurrent Deliver to the same identity: no frame can enter the new
	// session's queue ahead of the buffered backlog, and no Save can slip
	// into the replay's Load-Clear window.
	mu := r.locks.forIdentity(identity)
	mu.Lock()
	first := r.reg.Register(identity, name, sess)

	if err := r.push(sess, encodeFrame(registeredFrame{
		Type:      TypeRegistered,
		PublicKey: identity,
		Peers:     r.reg.Peers(identity),
	})); err != nil {
		mu.Unlock()
		return err
	}

	r.replay(sess, identity)
	mu.Unlock()

	if first {
		r.fanOutPresence(TypePeerOnline, identity, name)
	}
	r.metrics.setIdentitiesOnline(r.reg.OnlineCount())
	r.log.Info("peer registered",
		zap.String("session_id", sess.ID()),
		zap.String("identity", identity),
		zap.Bool("first_session", first))
	return nil
}

// Detach removes a session from the registry and announces the identity
// going offline when its last session closed.
func (r *Router) Detach(sess *Session) {
	if !sess.registered() {
		return
	}
	if r.reg.Remove(sess.identity, sess) {
		r.fanOutPresence(TypePeerOffline, sess.identity, sess.name)
	}
	r.metrics.setIdentitiesOnline(r.reg.OnlineCount())
	r.log.Info("peer detached",
		zap.String("session_id", sess.ID()),
		zap.String("identity", sess.identity))
}

// Deliver routes a direct message: fan-out to every live session of the
// recipient, or a durable append when the recipient is offline but
// allow-listed, or unknown_recipient.
func (r *Router) Deliver(from, fromName, to string, envelope json.RawMessage) error {
	// Held across the registry check and the durable append so the decision
	// cannot race the recipient's registration replay.
	mu := r.locks.forIdentity(to)
	mu.Lock()
	defer mu.Unlock()

	targets := r.reg.SessionsFor(to)
	if len(targets) > 0 {
		frame := encodeFrame(messageFrame{
			Type:     TypeMessage,
			From:     from,
			Name:     fromName,
			Envelope: envelope,
		})
		for _, target := range targets {
			// A session that cannot accept the frame is cancelled by push;
			// delivery to the recipient's remaining sessions continues.
			if r.push(target, frame) == nil {
				r.metrics.recordForwarded()
			}
		}
		return nil
	}

	if r.store != nil && r.reg.Allowed(to) {
		err := r.store.Save(to, store.Message{From: from, Name: fromName, Envelope: envelope})
		if err != nil {
			r.log.Error("buffer message", zap.Error(err), zap.String("recipient", to))
			return &routeError{code: CodeInternalError, msg: "failed to buffer message"}
		}
		r.metrics.recordBuffered()
		return nil
	}

	return &routeError{code: CodeUnknownRecipient, msg: fmt.Sprintf("no route to %s", to)}
}

// Broadcast fans an envelope out to every live session of every other
// identity. Broadcasts are never buffered and never echo back to the sender.
func (r *Router) Broadcast(from, fromName string, envelope json.RawMessage) error {
	frame := encodeFrame(messageFrame{
		Type:     TypeMessage,
		From:     from,
		Name:     fromName,
		Envelope: envelope,
	})
	for _, target := range r.reg.SessionsExcept(from) {
		if r.push(target, frame) == nil {
			r.metrics.recordForwarded()
		}
	}
	return nil
}

// replay drains the identity's offline queue into the freshly registered
// session in FIFO order, then clears it. Store read failures keep the
// registration alive; the queue stays intact for the next attempt.
func (r *Router) replay(sess *Session, identity string) {
	if r.store == nil || !r.reg.Allowed(identity) {
		return
	}
	msgs, err := r.store.Load(identity)
	if err != nil {
		r.log.Error("load buffered messages", zap.Error(err), zap.String("identity", identity))
		return
	}
	if len(msgs) == 0 {
		return
	}
	for _, msg := range msgs {
		if err := r.push(sess, encodeFrame(messageFrame{
			Type:     TypeMessage,
			From:     msg.From,
			Name:     msg.Name,
			Envelope: msg.Envelope,
		})); err != nil {
			r.log.Warn("replay interrupted", zap.Error(err), zap.String("identity", identity))
			return
		}
	}
	if err := r.store.Clear(identity); err != nil {
		r.log.Error("clear buffered messages", zap.Error(err), zap.String("identity", identity))
		return
	}
	r.metrics.recordReplayed(len(msgs))
	r.log.Info("replayed buffered messages",
		zap.String("identity", identity),
		zap.Int("count", len(msgs)))
}

func (r *Router) fanOutPresence(frameType, identity, name string) {
	frame := encodeFrame(presenceFrame{Type: frameType, PublicKey: identity, Name: name})
	for _, target := range r.reg.SessionsExcept(identity) {
		_ = r.push(target, frame)
	}
}

// push queues a frame on the session's send buffer. A full buffer cancels
// the session instead of blocking whichever connection triggered the send.
func (r *Router) push(sess *Session, frame []byte) error {
	select {
	case <-sess.ctx.Done():
		return sess.ctx.Err()
	case sess.sendCh <- frame:
		return nil
	default:
		sess.cancel()
		return &routeError{code: CodeInternalError, msg: "session send buffer full", fatal: true}
	}
}
