package broker

import (
	"context"
	"sync"

	"github.com/meridianmq/broker/packet"
	"golang.org/x/sync/errgroup"
)

// SessionState tracks where a Session sits in the CONNECT/DISCONNECT
// lifecycle. Only one Session per clientId may be SessionConnected at a
// time; SessionRegistry enforces that invariant.
type SessionState int

const (
	SessionDisconnected SessionState = iota
	SessionConnecting
	SessionConnected
	SessionDisconnecting
	SessionDestroyed
)

func (s SessionState) String() string {
	switch s {
	case SessionDisconnected:
		return "disconnected"
	case SessionConnecting:
		return "connecting"
	case SessionConnected:
		return "connected"
	case SessionDisconnecting:
		return "disconnecting"
	case SessionDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// Will is the message the broker publishes on the client's behalf when it
// detects an abrupt disconnect.
type Will struct {
	Topic   string
	Payload []byte
	QoS     uint8
	Retain  bool
}

// qos2Phase marks where an outbound QoS-2 publish sits in its handshake.
type qos2Phase int

const (
	qos2Published  qos2Phase = iota // PUBLISH sent, awaiting PUBREC
	qos2PubrelSent                  // PUBREC received, PUBREL sent, awaiting PUBCOMP
)

// qos2OutboundEntry is one outbound QoS-2 publish's progress. Once the
// handshake reaches qos2PubrelSent the original payload is no longer needed
// (only the packetId is retransmitted via PUBREL), so Publish is cleared at
// that point per the buffer-once-released discipline in DESIGN.md.
type qos2OutboundEntry struct {
	publish *packet.PUBLISH
	phase   qos2Phase
}

// Session is the per-clientId state that survives across reconnects when
// clean=false: in-flight QoS1/QoS2 bookkeeping, the queued-while-offline
// outbound sequence, and the will. Exactly one live Connection may be bound
// to a Session at a time (SessionConnected); SessionRegistry arbitrates
// takeover of that binding.
//
// All mutation goes through Session's own mutex: a Session outlives any one
// Connection (that's the whole point of clean=false), so its state cannot be
// serialized purely by the owning connection's event loop the way spec.md §5
// describes for Connection-local state.
type Session struct {
	mu sync.Mutex

	clientID string
	clean    bool
	will     *Will
	state    SessionState

	// conn is the live binding while state==SessionConnected (or mid-handoff
	// during SessionConnecting). Nil otherwise.
	conn *Connection

	queuedWhileOffline   []*packet.PUBLISH
	inflightQos1         map[uint16]*packet.PUBLISH
	inflightQos2Outbound map[uint16]*qos2OutboundEntry
	inboundQos2Pending   map[uint16]struct{}
}

func newSession(clientID string, clean bool) *Session {
	return &Session{
		clientID:             clientID,
		clean:                clean,
		state:                SessionDisconnected,
		inflightQos1:         make(map[uint16]*packet.PUBLISH),
		inflightQos2Outbound: make(map[uint16]*qos2OutboundEntry),
		inboundQos2Pending:   make(map[uint16]struct{}),
	}
}

func (s *Session) ClientID() string {
	return s.clientID
}

func (s *Session) Clean() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clean
}

func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Connection() *Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// SetWill installs the will carried by a CONNECT. A nil will clears it.
func (s *Session) SetWill(w *Will) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.will = w
}

// Will returns the current will, or nil if none is set.
func (s *Session) Will() *Will {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.will
}

// Bind associates a new Connection with this Session and moves it into
// SessionConnecting, the first half of the two-phase handoff §4.2 step 6
// requires (bind, then CompleteConnection after the CONNACK write
// completes).
func (s *Session) Bind(c *Connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn = c
	s.state = SessionConnecting
}

// CompleteConnection finishes the handoff started by Bind, transitioning
// SessionConnecting -> SessionConnected. It reports false if a competing
// binder moved the Session away from SessionConnecting first (e.g. a second
// CONNECT took the Session over while this one's CONNACK write was still in
// flight); the caller must then write a DISCONNECT and close per §4.2 step 6.
func (s *Session) CompleteConnection() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != SessionConnecting {
		return false
	}
	s.state = SessionConnected
	return true
}

// Disconnect unbinds the Session from its Connection. If clean, the caller
// (SessionRegistry) is responsible for removing the Session entirely per
// invariant 4; otherwise the Session is left DISCONNECTED with its in-flight
// and queued state intact for a future reconnect.
func (s *Session) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn = nil
	if s.state != SessionDestroyed {
		s.state = SessionDisconnected
	}
}

func (s *Session) markDestroyed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn = nil
	s.state = SessionDestroyed
}

// --- Inbound QoS-2 dedup (§4.4) ---

// InboundQoS2Seen reports whether packetId is already pending (i.e. this
// PUBLISH is a duplicate awaiting its PUBREL).
func (s *Session) InboundQoS2Seen(packetID uint16) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.inboundQos2Pending[packetID]
	return ok
}

// InboundQoS2Mark records packetId as received and forwarded, for dedup
// until the matching PUBREL arrives.
func (s *Session) InboundQoS2Mark(packetID uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inboundQos2Pending[packetID] = struct{}{}
}

// InboundQoS2Clear removes packetId from the pending set on PUBREL. It is
// idempotent: clearing an unknown id is a no-op, matching §4.4's "PUBREL for
// an unknown packetId still responds with PUBCOMP".
func (s *Session) InboundQoS2Clear(packetID uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inboundQos2Pending, packetID)
}

// --- Outbound QoS-1 (§4.5) ---

// TrackQoS1 records a newly-written QoS-1 publish as in-flight.
func (s *Session) TrackQoS1(pub *packet.PUBLISH) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inflightQos1[pub.PacketID] = pub
}

// AckQoS1 removes the in-flight entry for packetId on PUBACK, reporting
// whether one existed.
func (s *Session) AckQoS1(packetID uint16) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.inflightQos1[packetID]; !ok {
		return false
	}
	delete(s.inflightQos1, packetID)
	return true
}

// --- Outbound QoS-2 (§4.5) ---

// TrackQoS2 records a newly-written QoS-2 publish as in-flight, phase
// PUBLISHED.
func (s *Session) TrackQoS2(pub *packet.PUBLISH) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inflightQos2Outbound[pub.PacketID] = &qos2OutboundEntry{publish: pub, phase: qos2Published}
}

// MarkPubrelSent transitions a QoS-2 entry to PUBREL_SENT on PUBREC,
// discarding the retained payload (only the packetId survives past this
// point). Reports false if packetId has no in-flight entry.
func (s *Session) MarkPubrelSent(packetID uint16) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.inflightQos2Outbound[packetID]
	if !ok {
		return false
	}
	entry.publish = nil
	entry.phase = qos2PubrelSent
	return true
}

// CompleteQoS2 removes the in-flight entry for packetId on PUBCOMP.
func (s *Session) CompleteQoS2(packetID uint16) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.inflightQos2Outbound[packetID]; !ok {
		return false
	}
	delete(s.inflightQos2Outbound, packetID)
	return true
}

// --- Queued-while-offline (§4.2 step 6, §4.5 write policy) ---

// Enqueue appends an outbound publish to the offline queue, used when the
// Session currently has no live Connection.
func (s *Session) Enqueue(pub *packet.PUBLISH) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queuedWhileOffline = append(s.queuedWhileOffline, pub)
}

// DrainQueued empties and returns the offline queue in order, for replay on
// reconnect.
func (s *Session) DrainQueued() []*packet.PUBLISH {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queuedWhileOffline) == 0 {
		return nil
	}
	drained := s.queuedWhileOffline
	s.queuedWhileOffline = nil
	return drained
}

// snapshotInflight returns copies of the in-flight maps for the resender to
// iterate without holding Session's lock across writes.
func (s *Session) snapshotInflight() (qos1 []*packet.PUBLISH, qos2 map[uint16]*qos2OutboundEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, pub := range s.inflightQos1 {
		qos1 = append(qos1, pub)
	}
	qos2 = make(map[uint16]*qos2OutboundEntry, len(s.inflightQos2Outbound))
	for id, entry := range s.inflightQos2Outbound {
		qos2[id] = &qos2OutboundEntry{publish: entry.publish, phase: entry.phase}
	}
	return qos1, qos2
}

// ResendInflightNotAcked re-writes every unacknowledged outbound entry: QoS-1
// publishes and PUBLISHED-phase QoS-2 publishes go out again with DUP=1;
// PUBREL_SENT-phase QoS-2 entries re-send their PUBREL. It is a no-op when
// the Session currently has no bound Connection (disconnected, waiting to be
// reopened).
func (s *Session) ResendInflightNotAcked() {
	conn := s.Connection()
	if conn == nil {
		return
	}
	qos1, qos2 := s.snapshotInflight()
	group, _ := errgroup.WithContext(context.Background())
	for _, pub := range qos1 {
		pub := pub
		group.Go(func() error { return conn.resendPublish(pub) })
	}
	for id, entry := range qos2 {
		id, entry := id, entry
		group.Go(func() error {
			switch entry.phase {
			case qos2Published:
				return conn.resendPublish(entry.publish)
			case qos2PubrelSent:
				return conn.resendPubrel(id)
			}
			return nil
		})
	}
	_ = group.Wait()
}
