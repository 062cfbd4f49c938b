package broker

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/meridianmq/broker/internal/testclient"
	"github.com/meridianmq/broker/packet"
)

// startTestServer brings up a Server on an ephemeral loopback port and
// returns its address, tearing the listener down when the test ends.
func startTestServer(t *testing.T) string {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	s := NewServer(ctx)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go s.Serve(ln)
	t.Cleanup(func() {
		cancel()
		ln.Close()
	})
	return ln.Addr().String()
}

func dialClient(t *testing.T, addr string) *testclient.Client {
	t.Helper()
	cl, err := testclient.Dial(addr, packet.VERSION311)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { cl.Close() })
	return cl
}

func TestConnectAccepted(t *testing.T) {
	addr := startTestServer(t)
	cl := dialClient(t, addr)

	connack, err := cl.Connect(testclient.ConnectOptions{ClientID: "client-1", Clean: true})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if connack.ConnectReturnCode != packet.CodeSuccess {
		t.Fatalf("connect return code = %+v, want success", connack.ConnectReturnCode)
	}
	if connack.SessionPresent != 0 {
		t.Fatalf("sessionPresent = %d on a clean first connect, want 0", connack.SessionPresent)
	}
}

func TestConnectRejectsEmptyClientIDWithoutClean(t *testing.T) {
	addr := startTestServer(t)
	cl := dialClient(t, addr)

	connack, err := cl.Connect(testclient.ConnectOptions{ClientID: "", Clean: false})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if connack.ConnectReturnCode == packet.CodeSuccess {
		t.Fatalf("expected rejection for empty clientId with CleanStart=false, got success")
	}
}

func TestPublishSubscribeQoS0(t *testing.T) {
	addr := startTestServer(t)
	sub := dialClient(t, addr)
	pub := dialClient(t, addr)

	if _, err := sub.Connect(testclient.ConnectOptions{ClientID: "sub-1", Clean: true}); err != nil {
		t.Fatalf("sub connect: %v", err)
	}
	if _, err := sub.Subscribe(0, "room/1"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if _, err := pub.Connect(testclient.ConnectOptions{ClientID: "pub-1", Clean: true}); err != nil {
		t.Fatalf("pub connect: %v", err)
	}
	if err := pub.Publish("room/1", []byte("hello"), 0, false, false); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if err := sub.SetReadTimeout(5 * time.Second); err != nil {
		t.Fatalf("set read timeout: %v", err)
	}
	got, err := sub.ReadPublish()
	if err != nil {
		t.Fatalf("read publish: %v", err)
	}
	if got.Message.TopicName != "room/1" || string(got.Message.Content) != "hello" {
		t.Fatalf("got publish %+v, want topic=room/1 payload=hello", got.Message)
	}
}

func TestPublishSubscribeQoS1RoundTrip(t *testing.T) {
	addr := startTestServer(t)
	sub := dialClient(t, addr)
	pub := dialClient(t, addr)

	if _, err := sub.Connect(testclient.ConnectOptions{ClientID: "sub-2", Clean: true}); err != nil {
		t.Fatalf("sub connect: %v", err)
	}
	if _, err := sub.Subscribe(1, "room/2"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if _, err := pub.Connect(testclient.ConnectOptions{ClientID: "pub-2", Clean: true}); err != nil {
		t.Fatalf("pub connect: %v", err)
	}
	if err := pub.Publish("room/2", []byte("at-least-once"), 1, false, false); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if err := sub.SetReadTimeout(5 * time.Second); err != nil {
		t.Fatalf("set read timeout: %v", err)
	}
	got, err := sub.ReadPublish()
	if err != nil {
		t.Fatalf("read publish: %v", err)
	}
	if got.QoS != 1 {
		t.Fatalf("delivered QoS = %d, want 1", got.QoS)
	}
}

func TestPublishSubscribeQoS2RoundTrip(t *testing.T) {
	addr := startTestServer(t)
	sub := dialClient(t, addr)
	pub := dialClient(t, addr)

	if _, err := sub.Connect(testclient.ConnectOptions{ClientID: "sub-3", Clean: true}); err != nil {
		t.Fatalf("sub connect: %v", err)
	}
	if _, err := sub.Subscribe(2, "room/3"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if _, err := pub.Connect(testclient.ConnectOptions{ClientID: "pub-3", Clean: true}); err != nil {
		t.Fatalf("pub connect: %v", err)
	}
	if err := pub.Publish("room/3", []byte("exactly-once"), 2, false, false); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if err := sub.SetReadTimeout(5 * time.Second); err != nil {
		t.Fatalf("set read timeout: %v", err)
	}
	got, err := sub.ReadPublish()
	if err != nil {
		t.Fatalf("read publish: %v", err)
	}
	if got.QoS != 2 {
		t.Fatalf("delivered QoS = %d, want 2", got.QoS)
	}
}

func TestRetainedMessageDeliveredOnSubscribe(t *testing.T) {
	addr := startTestServer(t)
	pub := dialClient(t, addr)

	if _, err := pub.Connect(testclient.ConnectOptions{ClientID: "pub-4", Clean: true}); err != nil {
		t.Fatalf("pub connect: %v", err)
	}
	if err := pub.Publish("room/4", []byte("sticky"), 0, true, false); err != nil {
		t.Fatalf("retained publish: %v", err)
	}

	sub := dialClient(t, addr)
	if _, err := sub.Connect(testclient.ConnectOptions{ClientID: "sub-4", Clean: true}); err != nil {
		t.Fatalf("sub connect: %v", err)
	}
	if _, err := sub.Subscribe(0, "room/4"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := sub.SetReadTimeout(2 * time.Second); err != nil {
		t.Fatalf("set read timeout: %v", err)
	}
	got, err := sub.ReadPublish()
	if err != nil {
		t.Fatalf("expected retained message replay on subscribe, got: %v", err)
	}
	if got.Message.TopicName != "room/4" || string(got.Message.Content) != "sticky" {
		t.Fatalf("got retained publish %+v, want topic=room/4 payload=sticky", got.Message)
	}
	if got.Retain != 1 {
		t.Fatalf("retained replay Retain flag = %d, want 1", got.Retain)
	}
}

func TestSessionTakeoverClosesPriorConnection(t *testing.T) {
	addr := startTestServer(t)
	first := dialClient(t, addr)
	second := dialClient(t, addr)

	if _, err := first.Connect(testclient.ConnectOptions{ClientID: "dup-client", Clean: false}); err != nil {
		t.Fatalf("first connect: %v", err)
	}
	if _, err := second.Connect(testclient.ConnectOptions{ClientID: "dup-client", Clean: false}); err != nil {
		t.Fatalf("second connect: %v", err)
	}

	if err := first.SetReadTimeout(2 * time.Second); err != nil {
		t.Fatalf("set read timeout: %v", err)
	}
	if _, err := first.ReadPacket(); err == nil {
		t.Fatalf("expected the first connection to be closed by takeover")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	addr := startTestServer(t)
	sub := dialClient(t, addr)
	pub := dialClient(t, addr)

	if _, err := sub.Connect(testclient.ConnectOptions{ClientID: "sub-5", Clean: true}); err != nil {
		t.Fatalf("sub connect: %v", err)
	}
	if _, err := sub.Subscribe(0, "room/5"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if _, err := sub.Unsubscribe("room/5"); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}

	if _, err := pub.Connect(testclient.ConnectOptions{ClientID: "pub-5", Clean: true}); err != nil {
		t.Fatalf("pub connect: %v", err)
	}
	if err := pub.Publish("room/5", []byte("should-not-arrive"), 0, false, false); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if err := sub.SetReadTimeout(300 * time.Millisecond); err != nil {
		t.Fatalf("set read timeout: %v", err)
	}
	if _, err := sub.ReadPacket(); err == nil {
		t.Fatalf("expected no delivery after unsubscribe, got a packet")
	}
}

// TestPersistentReconnectResendsUnackedQoS1WithDup exercises spec.md's
// persistent-session reconnect path: a QoS-1 publish delivered but never
// acked before the connection drops must be resent with DUP=1 and the same
// packetId once the client reconnects with the same (non-clean) clientId.
func TestPersistentReconnectResendsUnackedQoS1WithDup(t *testing.T) {
	prevPeriod := CONFIG.ResendPeriod
	CONFIG.ResendPeriod = 100 * time.Millisecond
	t.Cleanup(func() { CONFIG.ResendPeriod = prevPeriod })

	addr := startTestServer(t)
	pub := dialClient(t, addr)
	if _, err := pub.Connect(testclient.ConnectOptions{ClientID: "pub-persist", Clean: true}); err != nil {
		t.Fatalf("pub connect: %v", err)
	}

	sub := dialClient(t, addr)
	if _, err := sub.Connect(testclient.ConnectOptions{ClientID: "persist-1", Clean: false}); err != nil {
		t.Fatalf("sub connect: %v", err)
	}
	if _, err := sub.Subscribe(1, "room/persist"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := pub.Publish("room/persist", []byte("unacked"), 1, false, false); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if err := sub.SetReadTimeout(2 * time.Second); err != nil {
		t.Fatalf("set read timeout: %v", err)
	}
	first, err := sub.ReadPacket()
	if err != nil {
		t.Fatalf("read first publish: %v", err)
	}
	firstPub, ok := first.(*packet.PUBLISH)
	if !ok {
		t.Fatalf("got %T, want *packet.PUBLISH", first)
	}
	if firstPub.Dup != 0 {
		t.Fatalf("first delivery Dup = %d, want 0", firstPub.Dup)
	}
	// Never PUBACK it: drop the connection as if the network died.
	sub.Close()

	reconnect := dialClient(t, addr)
	connack, err := reconnect.Connect(testclient.ConnectOptions{ClientID: "persist-1", Clean: false})
	if err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if connack.SessionPresent != 1 {
		t.Fatalf("sessionPresent on reconnect = %d, want 1", connack.SessionPresent)
	}

	if err := reconnect.SetReadTimeout(2 * time.Second); err != nil {
		t.Fatalf("set read timeout: %v", err)
	}
	resent, err := reconnect.ReadPacket()
	if err != nil {
		t.Fatalf("read resent publish: %v", err)
	}
	resentPub, ok := resent.(*packet.PUBLISH)
	if !ok {
		t.Fatalf("got %T, want *packet.PUBLISH", resent)
	}
	if resentPub.Dup != 1 {
		t.Fatalf("resent Dup = %d, want 1", resentPub.Dup)
	}
	if resentPub.PacketID != firstPub.PacketID {
		t.Fatalf("resent packetId = %d, want %d (same as first delivery)", resentPub.PacketID, firstPub.PacketID)
	}
}

// TestQoS2DuplicatePublishDedups verifies spec.md §4.4's inbound QoS-2
// handshake: resending the same PUBLISH (same packetId) before PUBREL
// produces a PUBREC each time but routes the payload to subscribers exactly
// once.
func TestQoS2DuplicatePublishDedups(t *testing.T) {
	addr := startTestServer(t)
	sub := dialClient(t, addr)
	pub := dialClient(t, addr)

	if _, err := sub.Connect(testclient.ConnectOptions{ClientID: "sub-dedup", Clean: true}); err != nil {
		t.Fatalf("sub connect: %v", err)
	}
	if _, err := sub.Subscribe(2, "room/dedup"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if _, err := pub.Connect(testclient.ConnectOptions{ClientID: "pub-dedup", Clean: true}); err != nil {
		t.Fatalf("pub connect: %v", err)
	}

	const packetID = uint16(7)
	publish := &packet.PUBLISH{
		FixedHeader: &packet.FixedHeader{Version: packet.VERSION311, Kind: PUBLISH, QoS: 2},
		PacketID:    packetID,
		Message:     &packet.Message{TopicName: "room/dedup", Content: []byte("exactly-once")},
	}

	for i := 0; i < 2; i++ {
		if err := pub.WritePacket(publish); err != nil {
			t.Fatalf("write publish #%d: %v", i, err)
		}
		ack, err := pub.ReadPacket()
		if err != nil {
			t.Fatalf("read pubrec #%d: %v", i, err)
		}
		pubrec, ok := ack.(*packet.PUBREC)
		if !ok {
			t.Fatalf("got %T, want *packet.PUBREC on attempt #%d", ack, i)
		}
		if pubrec.PacketID != packetID {
			t.Fatalf("pubrec packetId #%d = %d, want %d", i, pubrec.PacketID, packetID)
		}
	}

	if err := sub.SetReadTimeout(2 * time.Second); err != nil {
		t.Fatalf("set read timeout: %v", err)
	}
	delivered, err := sub.ReadPublish()
	if err != nil {
		t.Fatalf("expected exactly one delivered publish: %v", err)
	}
	if string(delivered.Message.Content) != "exactly-once" {
		t.Fatalf("delivered payload = %q, want exactly-once", delivered.Message.Content)
	}

	if err := sub.SetReadTimeout(300 * time.Millisecond); err != nil {
		t.Fatalf("set read timeout: %v", err)
	}
	if _, err := sub.ReadPacket(); err == nil {
		t.Fatalf("expected no second delivery from the duplicate PUBLISH")
	}

	pubrel := &packet.PUBREL{FixedHeader: &packet.FixedHeader{Version: packet.VERSION311, Kind: PUBREL, QoS: 1}, PacketID: packetID}
	if err := pub.WritePacket(pubrel); err != nil {
		t.Fatalf("write pubrel: %v", err)
	}
	if err := pub.SetReadTimeout(2 * time.Second); err != nil {
		t.Fatalf("set read timeout: %v", err)
	}
	comp, err := pub.ReadPacket()
	if err != nil {
		t.Fatalf("read pubcomp: %v", err)
	}
	pubcomp, ok := comp.(*packet.PUBCOMP)
	if !ok {
		t.Fatalf("got %T, want *packet.PUBCOMP", comp)
	}
	if pubcomp.PacketID != packetID {
		t.Fatalf("pubcomp packetId = %d, want %d", pubcomp.PacketID, packetID)
	}
}

// TestKeepAliveTimeoutClosesConnection verifies spec.md §4.9: a connection
// idle for ceil(keepAlive * grace) seconds with no inbound traffic is closed,
// and its will (if set) fires since this is not a clean DISCONNECT.
func TestKeepAliveTimeoutClosesConnection(t *testing.T) {
	addr := startTestServer(t)
	watcher := dialClient(t, addr)
	if _, err := watcher.Connect(testclient.ConnectOptions{ClientID: "keepalive-watcher", Clean: true}); err != nil {
		t.Fatalf("watcher connect: %v", err)
	}
	if _, err := watcher.Subscribe(0, "wills/+"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	idle := dialClient(t, addr)
	if _, err := idle.Connect(testclient.ConnectOptions{
		ClientID:    "keepalive-client",
		Clean:       true,
		KeepAlive:   1,
		WillTopic:   "wills/keepalive-client",
		WillPayload: []byte("timed-out"),
		WillQoS:     0,
	}); err != nil {
		t.Fatalf("idle connect: %v", err)
	}

	// Send nothing further; the broker's keep-alive deadline (ceil(1*1.5)=2s)
	// should close the socket with no DISCONNECT exchanged.
	if err := idle.SetReadTimeout(4 * time.Second); err != nil {
		t.Fatalf("set read timeout: %v", err)
	}
	if _, err := idle.ReadPacket(); err == nil {
		t.Fatalf("expected the idle connection to be closed by the keep-alive timeout")
	}

	if err := watcher.SetReadTimeout(2 * time.Second); err != nil {
		t.Fatalf("set read timeout: %v", err)
	}
	got, err := watcher.ReadPublish()
	if err != nil {
		t.Fatalf("expected the will to fire after a keep-alive timeout: %v", err)
	}
	if got.Message.TopicName != "wills/keepalive-client" || string(got.Message.Content) != "timed-out" {
		t.Fatalf("got will publish %+v, want topic=wills/keepalive-client payload=timed-out", got.Message)
	}
}

// TestSecondConnectClosesWithoutSecondConnack verifies spec.md §4.1: a second
// CONNECT on a channel that already completed the handshake closes the
// channel immediately, with no second CONNACK.
func TestSecondConnectClosesWithoutSecondConnack(t *testing.T) {
	addr := startTestServer(t)
	cl := dialClient(t, addr)

	if _, err := cl.Connect(testclient.ConnectOptions{ClientID: "double-connect", Clean: true}); err != nil {
		t.Fatalf("connect: %v", err)
	}

	second := &packet.CONNECT{
		FixedHeader:  &packet.FixedHeader{Version: packet.VERSION311, Kind: CONNECT},
		ConnectFlags: packet.ConnectFlags(0x02),
		ClientID:     "double-connect",
	}
	if err := cl.WritePacket(second); err != nil {
		t.Fatalf("write second connect: %v", err)
	}

	if err := cl.SetReadTimeout(2 * time.Second); err != nil {
		t.Fatalf("set read timeout: %v", err)
	}
	if _, err := cl.ReadPacket(); err == nil {
		t.Fatalf("expected the channel to be closed with no second CONNACK")
	}
}

func TestCleanDisconnectDoesNotFireWill(t *testing.T) {
	addr := startTestServer(t)
	willClient := dialClient(t, addr)
	watcher := dialClient(t, addr)

	if _, err := watcher.Connect(testclient.ConnectOptions{ClientID: "watcher", Clean: true}); err != nil {
		t.Fatalf("watcher connect: %v", err)
	}
	if _, err := watcher.Subscribe(0, "wills/+"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if _, err := willClient.Connect(testclient.ConnectOptions{
		ClientID:    "will-holder",
		Clean:       true,
		WillTopic:   "wills/will-holder",
		WillPayload: []byte("goodbye"),
		WillQoS:     0,
	}); err != nil {
		t.Fatalf("will-holder connect: %v", err)
	}

	if err := willClient.Disconnect(); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	willClient.Close()

	if err := watcher.SetReadTimeout(300 * time.Millisecond); err != nil {
		t.Fatalf("set read timeout: %v", err)
	}
	if _, err := watcher.ReadPacket(); err == nil {
		t.Fatalf("expected no will delivery after a clean DISCONNECT")
	}
}
