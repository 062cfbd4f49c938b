package broker

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/meridianmq/broker/packet"
	"github.com/meridianmq/broker/topic"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/websocket"
)

// Connection is the per-socket MQTT protocol engine: one read loop, one
// handshake, and the QoS state machines that ride on top of it. It replaces
// the teacher's conn, generalizing its net/http-shaped connection lifecycle
// (setState/serve/readRequest/ConnState hooks) from a single hardcoded
// in-memory topic table to the Session/SessionRegistry/PostOffice
// collaborators spec.md §3-§7 describe.
//
// Everything that is not guarded by its own lock belongs to the connection's
// own goroutine (the one running serve/readRequest) and must not be touched
// from elsewhere; the fields that the resender and cross-connection publish
// fan-out reach into from other goroutines (packetID issuance, the write
// path) are guarded by mu.
type Connection struct {
	server        *Server
	registry      *SessionRegistry
	postOffice    PostOffice
	authenticator Authenticator

	cancelCtx context.CancelFunc

	rwc        net.Conn
	remoteAddr string
	tlsState   *tls.ConnectionState
	curState   atomic.Uint64

	// ID is the clientId negotiated by CONNECT. Empty until the handshake
	// completes.
	ID              string
	version         byte
	subscribeTopics *topic.MemoryTrie

	session      *Session
	cleanSession bool

	keepAlive *KeepAliveTimer
	resender  *InflightResender

	packetIDCounter uint16

	// done closes once teardown has finished running, letting a takeover
	// wait for the prior Connection to fully unwind before it binds the
	// Session to itself. takenOver marks that this Connection is being
	// replaced by a newer one for the same clientId, so teardown must not
	// fire its will (spec.md §4.3: a graceful takeover is not a network
	// loss).
	done      chan struct{}
	takenOver atomic.Bool

	mu  sync.Mutex
	log *logrus.Entry
}

func (c *Connection) setState(nc net.Conn, state ConnState, runHook bool) {
	srv := c.server
	switch state {
	case StateNew:
		srv.trackConn(c, true)
	case StateHijacked, StateClosed:
		srv.trackConn(c, false)
	default:
	}
	if state > 0xFF || state < 0 {
		panic("invalid conn state")
	}
	packedState := uint64(time.Now().Unix()<<8) | uint64(state)
	c.curState.Store(packedState)
	if !runHook {
		return
	}
	if hook := srv.ConnState; hook != nil {
		hook(nc, state)
	}
}

// Write lets packet.Pack encode straight onto the socket; callers that need
// write exclusivity (the response path, resends, fan-in deliveries) take mu
// first.
func (c *Connection) Write(w []byte) (int, error) {
	if c.rwc == nil {
		return 0, fmt.Errorf("connection is nil or closed")
	}
	return c.rwc.Write(w)
}

func (c *Connection) getState() (state ConnState, unixSec int64) {
	packedState := c.curState.Load()
	return ConnState(packedState & 0xFF), int64(packedState >> 8)
}

func (c *Connection) close() {
	_ = c.rwc.Close()
}

// writePacket serializes pkt onto the wire under mu, the single choke point
// every outbound path (response.OnSend, resends, cross-connection delivery)
// goes through.
func (c *Connection) writePacket(pkt packet.Packet) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	stat.PacketSent.Inc()
	return pkt.Pack(c.rwc)
}

func (c *Connection) nextPacketID() uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.packetIDCounter++
	if c.packetIDCounter == 0 {
		c.packetIDCounter = 1
	}
	return c.packetIDCounter
}

// serve drives the connection's read loop for its entire lifetime. Grounded
// on the teacher's (*conn).serve, generalized with keep-alive deadline
// arming before every read and session/will teardown on exit instead of the
// teacher's flat memorySubscribed.Unsubscribe + unconditional will fire.
func (c *Connection) serve(ctx context.Context) {
	if ws, ok := c.rwc.(*websocket.Conn); ok {
		if req := ws.Request(); req != nil {
			c.remoteAddr = req.RemoteAddr
		}
	} else if ra := c.rwc.RemoteAddr(); ra != nil {
		c.remoteAddr = ra.String()
	}

	c.log = brokerLog.WithField("remote", c.remoteAddr)
	c.log.Info("connection accepted")

	abnormal := true
	defer func() {
		if err := recover(); err != nil && err != ErrAbortHandler {
			buf := make([]byte, size)
			buf = buf[:runtime.Stack(buf, false)]
			c.log.Errorf("panic serving: %v\n%s", err, buf)
		}
		c.teardown(abnormal)
	}()

	if tlsConn, ok := c.rwc.(*tls.Conn); ok {
		tlsTO := 10 * time.Second
		dl := time.Now().Add(tlsTO)
		_ = c.rwc.SetReadDeadline(dl)
		_ = c.rwc.SetWriteDeadline(dl)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			c.log.Errorf("TLS handshake: %v", err)
			return
		}
		_ = c.rwc.SetReadDeadline(time.Time{})
		_ = c.rwc.SetWriteDeadline(time.Time{})
		c.tlsState = new(tls.ConnectionState)
		*c.tlsState = tlsConn.ConnectionState()
	}

	ctx, cancel := context.WithCancel(ctx)
	c.cancelCtx = cancel
	defer cancel()

	for {
		if err := c.keepAlive.arm(c.rwc); err != nil {
			return
		}
		rw, err := c.readRequest(ctx)
		if err != nil {
			if isTimeout(err) {
				c.log.Warnf("keep-alive timeout: clientId=%s", c.ID)
			} else if !errors.Is(err, io.EOF) {
				c.log.Warnf("readRequest: %v", err)
			}
			return
		}
		serverHandler{c.server}.ServeMQTT(rw, rw.packet)
		if rw.abort {
			abnormal = false
			return
		}
		c.setState(c.rwc, StateIdle, true)
	}
}

// teardown runs exactly once per connection, on loop exit for any reason
// (DISCONNECT, read error, keep-alive timeout, panic). abnormal distinguishes
// a clean DISCONNECT (will discarded, clean sessions removed per invariant 4)
// from every other exit (will fired if set, session left for reconnect
// unless clean).
func (c *Connection) teardown(abnormal bool) {
	defer close(c.done)

	c.resender.Stop()
	c.postOffice.DispatchDisconnection(c)
	c.close()
	c.setState(c.rwc, StateClosed, true)

	sess := c.session
	if sess == nil {
		return
	}
	if sess.Connection() != c {
		// Lost a takeover race: the Session has already moved on to a
		// newer Connection. Nothing here belongs to the live state anymore.
		return
	}

	if abnormal {
		c.postOffice.DispatchConnectionLost(c)
		if w := sess.Will(); w != nil && !c.takenOver.Load() {
			c.postOffice.FireWill(w)
		}
	}
	c.registry.DisconnectSession(sess)
	c.log.Infof("connection closed: clientId=%s abnormal=%v", c.ID, abnormal)
}

// readRequest reads exactly one packet using the version negotiated by
// CONNECT (0 before the handshake, which is fine: packet.Unpack only needs
// it to pick a property-decoding branch past the fixed header).
func (c *Connection) readRequest(_ context.Context) (*response, error) {
	w := &response{conn: c}
	var err error
	w.packet, err = packet.Unpack(c.version, c.rwc)
	stat.PacketReceived.Inc()
	if err != nil && !errors.Is(err, io.EOF) {
		kind := byte(0)
		if w.packet != nil {
			kind = w.packet.Kind()
		}
		return nil, fmt.Errorf("readRequest: version=%d kind=%d: %w", c.version, kind, err)
	}
	return w, err
}

// defaultHandler dispatches by packet type, grounded on the teacher's
// defaultHandler.ServeMQTT switch. Each case's body now lives on Connection
// so the dispatch table itself stays a thin, readable map from packet kind
// to handshake/QoS-machine behavior.
type defaultHandler struct{}

func (defaultHandler) ServeMQTT(w ResponseWriter, req packet.Packet) {
	rw := w.(*response)
	c := rw.conn

	if c.ID == "" {
		if _, ok := req.(*packet.CONNECT); !ok {
			if _, ok := req.(*packet.RESERVED); !ok {
				c.log.Warn(newProtocolError(packet.ErrProtocolError, fmt.Errorf("packet before CONNECT: %T", req)))
			}
			panic(ErrAbortHandler)
		}
	}

	var spkt packet.Packet
	switch rpkt := req.(type) {
	case *packet.RESERVED:
		return
	case *packet.CONNECT:
		if c.ID != "" {
			// Second CONNECT on an already-connected channel (spec.md §4.1):
			// close without a reply, never re-run the handshake.
			c.log.Warn(newProtocolError(packet.ErrProtocolError, fmt.Errorf("second CONNECT on connected channel: clientId=%s", c.ID)))
			panic(ErrAbortHandler)
		}
		spkt = c.handleConnect(rpkt)
	case *packet.PUBLISH:
		spkt = c.handlePublish(rpkt)
	case *packet.PUBACK:
		c.handlePuback(rpkt)
		return
	case *packet.PUBREC:
		spkt = c.handlePubrec(rpkt)
	case *packet.PUBREL:
		spkt = c.handlePubrel(rpkt)
	case *packet.PUBCOMP:
		c.handlePubcomp(rpkt)
		return
	case *packet.SUBSCRIBE:
		spkt = c.handleSubscribe(rpkt)
	case *packet.UNSUBSCRIBE:
		spkt = c.handleUnsubscribe(rpkt)
	case *packet.PINGREQ:
		spkt = &packet.PINGRESP{FixedHeader: &packet.FixedHeader{Version: c.version, Kind: PINGRESP}}
	case *packet.DISCONNECT:
		c.handleDisconnect(rpkt)
		rw.abort = true
		return
	case *packet.AUTH:
		return
	default:
		panic(fmt.Sprintf("unknown packet type: %T", rpkt))
	}
	if spkt == nil {
		return
	}
	if err := w.OnSend(spkt); err != nil {
		c.log.Warnf("onSend: %v", err)
	}
}

// connectReasonCode maps a handshake failure to the v3.1.1 or v5.0 CONNACK
// reason code, matching packet/errors.go's documented split: Err3* are 3.1.1
// codes (0x01-0x05), the unprefixed Err* are v5.0 (>=0x80).
func connectReasonCode(version byte, badAuth, badVersion, badIdentifier, notAuthorized, corrupted bool) packet.ReasonCode {
	if version == packet.VERSION500 {
		switch {
		case badVersion:
			return packet.ErrUnsupportedProtocolVersion
		case badIdentifier:
			return packet.ErrClientIdentifierNotValid
		case badAuth:
			return packet.ErrBadUsernameOrPassword
		case notAuthorized:
			return packet.ErrNotAuthorized
		case corrupted:
			return packet.ErrServerUnavailable
		}
		return packet.CodeSuccess
	}
	switch {
	case badVersion:
		return packet.Err3UnsupportedProtocolVersion
	case badIdentifier:
		return packet.Err3ClientIdentifierNotValid
	case badAuth:
		return packet.ErrMalformedUsernameOrPassword
	case notAuthorized:
		return packet.Err3NotAuthorized
	case corrupted:
		return packet.Err3ServerUnavailable
	}
	return packet.CodeSuccess
}

// handleConnect implements spec.md §4.2: CONNACK-first ordering (every path
// writes its CONNACK itself before aborting or returning, so the function
// returns nil), client-id policy, auth, session takeover, and the
// queued-publish replay on a reopened session.
func (c *Connection) handleConnect(rpkt *packet.CONNECT) packet.Packet {
	c.version = rpkt.Version
	connack := &packet.CONNACK{FixedHeader: &packet.FixedHeader{Version: c.version, Kind: CONNACK}}

	// Step 1 (§4.2): only protocol levels 3 (v3.1), 4 (v3.1.1), and 5 (v5.0)
	// are accepted; anything else gets UNACCEPTABLE_PROTOCOL_VERSION.
	if rpkt.Version != packet.VERSION310 && rpkt.Version != packet.VERSION311 && rpkt.Version != packet.VERSION500 {
		connack.ConnectReturnCode = connectReasonCode(c.version, false, true, false, false, false)
		c.log.Warn(newProtocolError(connack.ConnectReturnCode, fmt.Errorf("unsupported protocol version: %d", rpkt.Version)))
		_ = c.writePacket(connack)
		panic(ErrAbortHandler)
	}

	clientID := rpkt.ClientID
	if clientID == "" {
		if !CONFIG.AllowZeroByteClientID || !rpkt.ConnectFlags.CleanStart() {
			connack.ConnectReturnCode = connectReasonCode(c.version, false, false, true, false, false)
			c.log.Warn(newIdentifierPolicyError(connack.ConnectReturnCode))
			_ = c.writePacket(connack)
			panic(ErrAbortHandler)
		}
		clientID = newClientID()
	}

	if !CONFIG.AllowAnonymous && rpkt.Username == "" {
		connack.ConnectReturnCode = connectReasonCode(c.version, false, false, false, true, false)
		c.log.Warn(newAuthError(connack.ConnectReturnCode))
		_ = c.writePacket(connack)
		panic(ErrAbortHandler)
	}
	var password []byte
	if rpkt.ConnectFlags.PasswordFlag() {
		password = []byte(rpkt.Password)
	}
	if rpkt.Username != "" && !c.authenticator.CheckValid(clientID, rpkt.Username, password) {
		connack.ConnectReturnCode = connectReasonCode(c.version, true, false, false, false, false)
		c.log.Warn(newAuthError(connack.ConnectReturnCode))
		_ = c.writePacket(connack)
		panic(ErrAbortHandler)
	}

	// Takeover: a prior live Connection for this clientId must be closed,
	// and its teardown must fully complete, before we bind — the registry
	// must never see two live bindings for one Session, and the prior's
	// will must not fire for what is a graceful handoff, not a network
	// loss (spec.md §4.3).
	if prior := c.registry.PriorConnection(clientID); prior != nil && prior != c {
		prior.takenOver.Store(true)
		prior.close()
		<-prior.done
	}

	session, alreadyStored, _, err := c.registry.CreateOrReopenSession(clientID, rpkt.ConnectFlags.CleanStart())
	if err != nil {
		connack.ConnectReturnCode = connectReasonCode(c.version, false, false, false, false, true)
		c.log.Warn(newSessionCorruptedError(connack.ConnectReturnCode))
		_ = c.writePacket(connack)
		panic(ErrAbortHandler)
	}
	session.Bind(c)

	c.ID = clientID
	c.cleanSession = rpkt.ConnectFlags.CleanStart()
	c.session = session

	if rpkt.ConnectFlags.WillFlag() {
		session.SetWill(&Will{
			Topic:   rpkt.WillTopic,
			Payload: rpkt.WillPayload,
			QoS:     rpkt.ConnectFlags.WillQoS(),
			Retain:  rpkt.ConnectFlags.WillRetain(),
		})
	} else {
		session.SetWill(nil)
	}

	connack.ConnectReturnCode = packet.CodeSuccess
	if !c.cleanSession && alreadyStored {
		connack.SessionPresent = 1
	}

	c.keepAlive = newKeepAliveTimer(rpkt.KeepAlive, CONFIG.KeepAliveGraceMultiplier)
	c.resender = startInflightResender(session, CONFIG.ResendPeriod)

	if err := c.writePacket(connack); err != nil {
		c.log.Warnf("connack write: %v", err)
		panic(ErrAbortHandler)
	}
	if !session.CompleteConnection() {
		// Lost the race: a second CONNECT for the same clientId finished
		// its own handoff first. Disconnect quietly, the newer Connection
		// owns the Session now.
		panic(ErrAbortHandler)
	}

	c.log.Infof("client connected: clientId=%s version=%d sessionPresent=%d", c.ID, c.version, connack.SessionPresent)
	c.postOffice.DispatchConnection(c)
	for _, pub := range session.DrainQueued() {
		if err := c.deliverPublish(pub.Message, pub.Props, pub.QoS, false); err != nil {
			c.log.Warnf("queued replay: %v", err)
		}
	}
	return nil
}

// handlePublish implements the inbound side of §4.4: QoS 0 forwards and
// forgets, QoS 1 forwards then PUBACKs, QoS 2 dedups on packetId, forwards
// exactly once, and PUBRECs (re-PUBRECing a duplicate without re-forwarding).
func (c *Connection) handlePublish(rpkt *packet.PUBLISH) packet.Packet {
	if err := topic.ValidatePublishTopic(rpkt.Message.TopicName); err != nil {
		c.log.Warnf("publish rejected: %v", err)
		panic(ErrAbortHandler)
	}
	retain := rpkt.Retain == 1

	switch rpkt.QoS {
	case 0:
		c.postOffice.ReceivedPublishQoS0(rpkt.Message, rpkt.Props, retain)
		return nil
	case 1:
		if err := c.postOffice.ReceivedPublishQoS1(rpkt.Message, rpkt.Props, retain); err != nil {
			c.log.Warnf("publish qos1 route: %v", err)
		}
		return &packet.PUBACK{FixedHeader: &packet.FixedHeader{Version: c.version, Kind: PUBACK}, PacketID: rpkt.PacketID}
	case 2:
		if c.session.InboundQoS2Seen(rpkt.PacketID) {
			return &packet.PUBREC{FixedHeader: &packet.FixedHeader{Version: c.version, Kind: PUBREC}, PacketID: rpkt.PacketID}
		}
		c.session.InboundQoS2Mark(rpkt.PacketID)
		if err := c.postOffice.ReceivedPublishQoS2(rpkt.Message, rpkt.Props, retain); err != nil {
			c.log.Warnf("publish qos2 route: %v", err)
		}
		return &packet.PUBREC{FixedHeader: &packet.FixedHeader{Version: c.version, Kind: PUBREC}, PacketID: rpkt.PacketID}
	}
	return nil
}

// handlePuback completes an outbound QoS-1 publish (§4.5).
func (c *Connection) handlePuback(rpkt *packet.PUBACK) {
	c.session.AckQoS1(rpkt.PacketID)
}

// handlePubrec advances an outbound QoS-2 publish from PUBLISHED to
// PUBREL_SENT and replies with PUBREL (§4.5).
func (c *Connection) handlePubrec(rpkt *packet.PUBREC) packet.Packet {
	c.session.MarkPubrelSent(rpkt.PacketID)
	return &packet.PUBREL{FixedHeader: &packet.FixedHeader{Version: c.version, Kind: PUBREL, QoS: 1}, PacketID: rpkt.PacketID}
}

// handlePubrel completes the inbound QoS-2 handshake: clear the pending
// dedup entry and PUBCOMP, even for an unknown packetId (§4.4's idempotent
// PUBREL requirement).
func (c *Connection) handlePubrel(rpkt *packet.PUBREL) packet.Packet {
	c.session.InboundQoS2Clear(rpkt.PacketID)
	return &packet.PUBCOMP{FixedHeader: &packet.FixedHeader{Version: c.version, Kind: PUBCOMP}, PacketID: rpkt.PacketID, ReasonCode: packet.CodeSuccess}
}

// handlePubcomp completes an outbound QoS-2 publish (§4.5).
func (c *Connection) handlePubcomp(rpkt *packet.PUBCOMP) {
	c.session.CompleteQoS2(rpkt.PacketID)
}

// handleSubscribe delegates to PostOffice for routing, then SUBACKs with the
// per-filter reason codes it returns (§4.6).
func (c *Connection) handleSubscribe(rpkt *packet.SUBSCRIBE) packet.Packet {
	reasons := c.postOffice.SubscribeClientToTopics(rpkt.Subscriptions, c)
	c.log.Infof("client subscribed: clientId=%s count=%d", c.ID, len(rpkt.Subscriptions))
	return &packet.SUBACK{FixedHeader: &packet.FixedHeader{Version: c.version, Kind: SUBACK}, PacketID: rpkt.PacketID, ReasonCode: reasons}
}

func (c *Connection) handleUnsubscribe(rpkt *packet.UNSUBSCRIBE) packet.Packet {
	filters := make([]string, 0, len(rpkt.Subscriptions))
	for _, sub := range rpkt.Subscriptions {
		filters = append(filters, sub.TopicFilter)
	}
	c.postOffice.Unsubscribe(filters, c)
	c.log.Infof("client unsubscribed: clientId=%s count=%d", c.ID, len(filters))
	return &packet.UNSUBACK{FixedHeader: &packet.FixedHeader{Version: c.version, Kind: UNSUBACK}, PacketID: rpkt.PacketID}
}

// handleDisconnect implements §4.7's clean-disconnect path: discard the
// will, then abort the read loop without a response. teardown(false) runs
// from serve's defer.
func (c *Connection) handleDisconnect(_ *packet.DISCONNECT) {
	if c.session != nil {
		c.session.SetWill(nil)
	}
	c.log.Infof("client disconnected: clientId=%s", c.ID)
}

// deliverPublish writes a PUBLISH to this connection's subscriber, allocating
// a fresh packetId and tracking it as in-flight for qos>0 (§4.5's outbound
// write policy). If the connection currently has no live Session binding
// (reconnecting, or this is a stale reference a takeover has already
// superseded) the publish is queued instead of dropped, for replay on
// reconnect — unless the Session is clean, which carries no queue at all.
// retain sets the wire RETAIN bit; callers set it only when this delivery is
// a retained message replayed because of a new subscription match, per
// MQTT-3.3.1-8 — never for a normal fan-out or an offline-queue replay.
func (c *Connection) deliverPublish(message *packet.Message, props *packet.PublishProperties, qos uint8, retain bool) error {
	pub := &packet.PUBLISH{
		FixedHeader: &packet.FixedHeader{Version: c.version, Kind: PUBLISH, QoS: qos, Retain: boolToBit(retain)},
		Message:     message,
		Props:       props,
	}
	if qos > 0 {
		pub.PacketID = c.nextPacketID()
	}

	if c.session == nil || c.session.State() != SessionConnected {
		if c.session != nil && !c.session.Clean() {
			c.session.Enqueue(pub)
		}
		return nil
	}

	if err := c.writePacket(pub); err != nil {
		return err
	}
	switch qos {
	case 1:
		c.session.TrackQoS1(pub)
	case 2:
		c.session.TrackQoS2(pub)
	}
	return nil
}

func boolToBit(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}

// resendPublish re-writes pub with DUP set, for InflightResender (§4.10).
func (c *Connection) resendPublish(pub *packet.PUBLISH) error {
	dup := *pub
	dup.FixedHeader = &packet.FixedHeader{Version: pub.Version, Kind: PUBLISH, QoS: pub.QoS, Dup: 1}
	return c.writePacket(&dup)
}

// resendPubrel re-sends a bare PUBREL for a QoS-2 publish already past the
// PUBREC stage.
func (c *Connection) resendPubrel(packetID uint16) error {
	return c.writePacket(&packet.PUBREL{
		FixedHeader: &packet.FixedHeader{Version: c.version, Kind: PUBREL, QoS: 1},
		PacketID:    packetID,
	})
}
