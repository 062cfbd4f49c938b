package broker

import (
	"errors"
	"sync"
)

// ErrSessionReconcileFailed is returned by CreateOrReopenSession when the
// Session it would bind to is already mid-handshake or live-bound on another
// Connection despite the caller's own takeover wait — two CONNECTs raced for
// the same clientId and neither's PriorConnection check serialized against
// the other in time. The caller must refuse the CONNECT (CONNACK
// SERVER_UNAVAILABLE) rather than hand out a Session two Connections could
// both believe they own.
var ErrSessionReconcileFailed = errors.New("session registry: cannot reconcile takeover, a live binding already exists")

// BindMode reports how SessionRegistry resolved a CONNECT's clientId against
// existing state, per spec.md §4.2 step 4 / §6 SessionRegistry contract.
type BindMode int

const (
	// CreateNew: no prior Session existed for this clientId.
	CreateNew BindMode = iota
	// ReopenExisting: a non-clean Session was found and is being reused,
	// preserving its in-flight/queued state.
	ReopenExisting
	// DropExistingReopen: a disconnected Session was found and is being
	// replaced because the new CONNECT requested a clean session. A
	// Session still SessionConnecting or SessionConnected is not replaced:
	// CreateOrReopenSession returns ErrSessionReconcileFailed instead.
	DropExistingReopen
)

// SessionRegistry is the authoritative clientId -> Session map. It enforces:
//  1. at most one Session per clientId,
//  2. at most one Session in SessionConnected per clientId,
//  3. a SessionConnected Session always has a non-nil, bidirectional
//     Connection binding,
//  4. clean=true Sessions are removed on disconnect; clean=false are
//     retained DISCONNECTED.
type SessionRegistry struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]*Session)}
}

// CreateOrReopenSession resolves clientId to a Session per §4.2 step 4. If an
// existing Session is currently SessionConnected (a live takeover), the
// caller (Connection, via TakeOver) must already have forced the prior
// Connection closed and waited for its handleConnectionLost to finish before
// calling this — CreateOrReopenSession itself does not perform I/O.
//
// If the existing Session is still SessionConnecting or SessionConnected
// despite that wait, a second handshake for the same clientId is racing this
// one and reconciliation fails: err is ErrSessionReconcileFailed and session
// is nil. The caller must answer with CONNACK SERVER_UNAVAILABLE.
func (r *SessionRegistry) CreateOrReopenSession(clientID string, clean bool) (session *Session, alreadyStored bool, mode BindMode, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.sessions[clientID]
	if !ok {
		s := newSession(clientID, clean)
		r.sessions[clientID] = s
		return s, false, CreateNew, nil
	}

	if st := existing.State(); st == SessionConnecting || st == SessionConnected {
		return nil, false, 0, ErrSessionReconcileFailed
	}

	if clean {
		// Replace the stored, disconnected Session with a fresh one.
		existing.clean = true
		s := newSession(clientID, clean)
		r.sessions[clientID] = s
		return s, true, DropExistingReopen, nil
	}

	// Non-clean CONNECT: reuse the persisted Session, carrying its
	// in-flight/queued state forward.
	existing.mu.Lock()
	existing.clean = false
	existing.mu.Unlock()
	return existing, true, ReopenExisting, nil
}

// PriorConnection returns the live Connection bound to clientId's Session,
// if one exists and is currently connected. Used by Connection's CONNECT
// handler to detect and force out a takeover target before calling
// CreateOrReopenSession.
func (r *SessionRegistry) PriorConnection(clientID string) *Connection {
	r.mu.Lock()
	existing, ok := r.sessions[clientID]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	if existing.State() != SessionConnected {
		return nil
	}
	return existing.Connection()
}

// Remove deletes a Session from the registry entirely (clean-session
// disconnect, or explicit takeover replacement).
func (r *SessionRegistry) Remove(session *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.sessions[session.clientID]; ok && current == session {
		delete(r.sessions, session.clientID)
	}
	session.markDestroyed()
}

// Lookup returns the Session currently stored for clientId, if any.
func (r *SessionRegistry) Lookup(clientID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[clientID]
	return s, ok
}

// Count reports the number of Sessions currently tracked (connected or
// disconnected-but-retained), for admin/metrics reporting.
func (r *SessionRegistry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// DisconnectSession performs the bookkeeping side of §4.7's clean-disconnect
// and abrupt-loss paths once the Connection has already handled the
// transport and will-firing concerns: it unbinds the Session, and if the
// Session is clean, removes it from the registry (invariant 4).
func (r *SessionRegistry) DisconnectSession(session *Session) {
	clean := session.Clean()
	session.Disconnect()
	if clean {
		r.Remove(session)
	}
}
