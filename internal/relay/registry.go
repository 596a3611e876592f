package relay

import (
	"sort"
	"sync"
)

// Registry maps identities to their live sessions. An identity may own any
// number of concurrent sessions (multi-device presence); a session belongs
// to exactly one identity. The registry also carries the offline-storage
// allow-list, since allow-listed identities count as reachable even without
// a live session.
type Registry struct {
	mu        sync.RWMutex
	sessions  map[string]map[*Session]struct{}
	names     map[string]string
	allowList map[string]struct{}
}

// NewRegistry builds a registry. allowList names the identities whose
// undeliverable messages are buffered and which are always reported online.
func NewRegistry(allowList []string) *Registry {
	allowed := make(map[string]struct{}, len(allowList))
	for _, id := range allowList {
		if id == "" {
			continue
		}
		allowed[id] = struct{}{}
	}
	return &Registry{
		sessions:  make(map[string]map[*Session]struct{}),
		names:     make(map[string]string),
		allowList: allowed,
	}
}

// Register adds a session under an identity and reports whether it is the
// identity's first live session. The latest registration's name hint wins
// for presence reporting.
func (r *Registry) Register(identity, name string, sess *Session) (first bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.sessions[identity]
	if !ok {
		set = make(map[*Session]struct{})
		r.sessions[identity] = set
	}
	set[sess] = struct{}{}
	if name != "" {
		r.names[identity] = name
	}
	return !ok
}

// Remove drops one session. Removal is idempotent. It reports whether the
// identity just went offline, which is always false for allow-listed
// identities since those stay reachable through the store.
func (r *Registry) Remove(identity string, sess *Session) (wentOffline bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.sessions[identity]
	if !ok {
		return false
	}
	if _, ok := set[sess]; !ok {
		return false
	}
	delete(set, sess)
	if len(set) > 0 {
		return false
	}
	delete(r.sessions, identity)
	if _, allowed := r.allowList[identity]; allowed {
		return false
	}
	delete(r.names, identity)
	return true
}

// SessionsFor returns the identity's live sessions, possibly none.
func (r *Registry) SessionsFor(identity string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.sessions[identity]
	out := make([]*Session, 0, len(set))
	for sess := range set {
		out = append(out, sess)
	}
	return out
}

// SessionsExcept returns every live session not owned by the given identity.
func (r *Registry) SessionsExcept(identity string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Session
	for id, set := range r.sessions {
		if id == identity {
			continue
		}
		for sess := range set {
			out = append(out, sess)
		}
	}
	return out
}

// Allowed reports whether the identity is on the offline-storage allow-list.
func (r *Registry) Allowed(identity string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.allowList[identity]
	return ok
}

// Peers lists every reachable identity except the excluded one: identities
// with live sessions unioned with the allow-listed identities, which are
// reachable through buffering even while disconnected.
func (r *Registry) Peers(excluding string) []PeerInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{}, len(r.sessions)+len(r.allowList))
	out := make([]PeerInfo, 0, len(r.sessions)+len(r.allowList))
	add := func(identity string) {
		if identity == excluding {
			return
		}
		if _, dup := seen[identity]; dup {
			return
		}
		seen[identity] = struct{}{}
		out = append(out, PeerInfo{PublicKey: identity, Name: r.names[identity]})
	}
	for identity := range r.sessions {
		add(identity)
	}
	for identity := range r.allowList {
		add(identity)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PublicKey < out[j].PublicKey })
	return out
}

// OnlineCount returns the number of identities with at least one session.
func (r *Registry) OnlineCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Name returns the last name hint recorded for an identity.
func (r *Registry) Name(identity string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.names[identity]
}
