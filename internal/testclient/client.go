// Package testclient is a minimal MQTT client used only by this repo's own
// integration tests to dial the broker end-to-end. Grounded on the
// teacher's client.go, trimmed to the operations the tests exercise: Dial,
// Connect, Publish, Subscribe, Disconnect. The teacher's federation/
// redirect-follow code paths and its generic RoundTripper shape are dropped
// — this client only needs to drive a single connection through a known
// packet sequence and hand back what it reads.
package testclient

import (
	"fmt"
	"net"
	"time"

	"github.com/meridianmq/broker/packet"
)

// Client is a bare-bones synchronous MQTT client: one TCP connection, one
// packet id counter, blocking reads for the ack it expects next. It does not
// run a background read loop, so it is only safe for the strict
// request/response sequencing an integration test drives.
type Client struct {
	conn     net.Conn
	version  byte
	packetID uint16
}

// Dial opens a TCP connection to addr. version defaults to MQTT 3.1.1
// (packet.VERSION311) when 0.
func Dial(addr string, version byte) (*Client, error) {
	if version == 0 {
		version = packet.VERSION311
	}
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn, version: version}, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

// SetReadTimeout bounds the next read, for tests asserting that no packet
// arrives within a window (e.g. after an unsubscribe).
func (c *Client) SetReadTimeout(d time.Duration) error {
	return c.conn.SetReadDeadline(time.Now().Add(d))
}

func (c *Client) nextPacketID() uint16 {
	c.packetID++
	if c.packetID == 0 {
		c.packetID = 1
	}
	return c.packetID
}

// ConnectOptions carries the CONNECT fields a test typically wants to vary.
type ConnectOptions struct {
	ClientID     string
	Clean        bool
	Username     string
	Password     string
	KeepAlive    uint16
	WillTopic    string
	WillPayload  []byte
	WillQoS      uint8
	WillRetain   bool
}

// connectFlags packs ConnectOptions into the wire ConnectFlags byte, per
// packet/0x1.connect.go's documented bit layout.
func connectFlags(opts ConnectOptions) packet.ConnectFlags {
	var flags uint8
	if opts.Clean {
		flags |= 0x02
	}
	if opts.WillTopic != "" {
		flags |= 0x04
		flags |= (opts.WillQoS & 0x03) << 3
		if opts.WillRetain {
			flags |= 0x20
		}
	}
	if opts.Password != "" {
		flags |= 0x40
	}
	if opts.Username != "" {
		flags |= 0x80
	}
	return packet.ConnectFlags(flags)
}

// Connect sends CONNECT and returns the CONNACK the broker replies with.
func (c *Client) Connect(opts ConnectOptions) (*packet.CONNACK, error) {
	connect := &packet.CONNECT{
		FixedHeader:  &packet.FixedHeader{Version: c.version, Kind: 0x1},
		ConnectFlags: connectFlags(opts),
		KeepAlive:    opts.KeepAlive,
		ClientID:     opts.ClientID,
		WillTopic:    opts.WillTopic,
		WillPayload:  opts.WillPayload,
		Username:     opts.Username,
		Password:     opts.Password,
	}
	if err := connect.Pack(c.conn); err != nil {
		return nil, err
	}
	pkt, err := packet.Unpack(c.version, c.conn)
	if err != nil {
		return nil, err
	}
	connack, ok := pkt.(*packet.CONNACK)
	if !ok {
		return nil, fmt.Errorf("testclient: expected CONNACK, got %T", pkt)
	}
	return connack, nil
}

// Subscribe sends SUBSCRIBE for the given filters (all at the given max
// QoS) and returns the SUBACK.
func (c *Client) Subscribe(maxQoS uint8, filters ...string) (*packet.SUBACK, error) {
	subs := make([]packet.Subscription, 0, len(filters))
	for _, f := range filters {
		subs = append(subs, packet.Subscription{TopicFilter: f, MaximumQoS: maxQoS})
	}
	sub := &packet.SUBSCRIBE{
		FixedHeader:   &packet.FixedHeader{Version: c.version, Kind: 0x8, QoS: 1},
		PacketID:      c.nextPacketID(),
		Subscriptions: subs,
	}
	if err := sub.Pack(c.conn); err != nil {
		return nil, err
	}
	pkt, err := packet.Unpack(c.version, c.conn)
	if err != nil {
		return nil, err
	}
	suback, ok := pkt.(*packet.SUBACK)
	if !ok {
		return nil, fmt.Errorf("testclient: expected SUBACK, got %T", pkt)
	}
	return suback, nil
}

// Unsubscribe sends UNSUBSCRIBE for the given filters and returns the
// UNSUBACK.
func (c *Client) Unsubscribe(filters ...string) (*packet.UNSUBACK, error) {
	subs := make([]packet.Subscription, 0, len(filters))
	for _, f := range filters {
		subs = append(subs, packet.Subscription{TopicFilter: f})
	}
	unsub := &packet.UNSUBSCRIBE{
		FixedHeader:   &packet.FixedHeader{Version: c.version, Kind: 0xA, QoS: 1},
		PacketID:      c.nextPacketID(),
		Subscriptions: subs,
	}
	if err := unsub.Pack(c.conn); err != nil {
		return nil, err
	}
	pkt, err := packet.Unpack(c.version, c.conn)
	if err != nil {
		return nil, err
	}
	unsuback, ok := pkt.(*packet.UNSUBACK)
	if !ok {
		return nil, fmt.Errorf("testclient: expected UNSUBACK, got %T", pkt)
	}
	return unsuback, nil
}

// Publish sends PUBLISH at the given QoS/retain. For QoS 0 it returns
// immediately after the write. For QoS 1 it reads back the PUBACK. For QoS
// 2 it drives PUBREC -> PUBREL -> PUBCOMP and returns once PUBCOMP arrives.
// dup marks the wire DUP flag, for resend tests.
func (c *Client) Publish(topic string, payload []byte, qos uint8, retain, dup bool) error {
	pub := &packet.PUBLISH{
		FixedHeader: &packet.FixedHeader{Version: c.version, Kind: 0x3, QoS: qos, Retain: boolBit(retain), Dup: boolBit(dup)},
		Message:     &packet.Message{TopicName: topic, Content: payload},
	}
	if qos > 0 {
		pub.PacketID = c.nextPacketID()
	}
	if err := pub.Pack(c.conn); err != nil {
		return err
	}
	switch qos {
	case 0:
		return nil
	case 1:
		pkt, err := packet.Unpack(c.version, c.conn)
		if err != nil {
			return err
		}
		if _, ok := pkt.(*packet.PUBACK); !ok {
			return fmt.Errorf("testclient: expected PUBACK, got %T", pkt)
		}
		return nil
	case 2:
		pkt, err := packet.Unpack(c.version, c.conn)
		if err != nil {
			return err
		}
		pubrec, ok := pkt.(*packet.PUBREC)
		if !ok {
			return fmt.Errorf("testclient: expected PUBREC, got %T", pkt)
		}
		pubrel := &packet.PUBREL{
			FixedHeader: &packet.FixedHeader{Version: c.version, Kind: 0x6, QoS: 1},
			PacketID:    pubrec.PacketID,
		}
		if err := pubrel.Pack(c.conn); err != nil {
			return err
		}
		pkt, err = packet.Unpack(c.version, c.conn)
		if err != nil {
			return err
		}
		if _, ok := pkt.(*packet.PUBCOMP); !ok {
			return fmt.Errorf("testclient: expected PUBCOMP, got %T", pkt)
		}
		return nil
	default:
		return fmt.Errorf("testclient: invalid qos %d", qos)
	}
}

// ReadPublish blocks for the next inbound PUBLISH and drives its ack
// handshake (PUBACK for QoS 1, PUBREC/PUBCOMP for QoS 2), returning the
// PUBLISH itself once fully acked.
func (c *Client) ReadPublish() (*packet.PUBLISH, error) {
	pkt, err := packet.Unpack(c.version, c.conn)
	if err != nil {
		return nil, err
	}
	pub, ok := pkt.(*packet.PUBLISH)
	if !ok {
		return nil, fmt.Errorf("testclient: expected PUBLISH, got %T", pkt)
	}
	switch pub.QoS {
	case 1:
		puback := &packet.PUBACK{FixedHeader: &packet.FixedHeader{Version: c.version, Kind: 0x4}, PacketID: pub.PacketID}
		if err := puback.Pack(c.conn); err != nil {
			return nil, err
		}
	case 2:
		pubrec := &packet.PUBREC{FixedHeader: &packet.FixedHeader{Version: c.version, Kind: 0x5}, PacketID: pub.PacketID}
		if err := pubrec.Pack(c.conn); err != nil {
			return nil, err
		}
		rel, err := packet.Unpack(c.version, c.conn)
		if err != nil {
			return nil, err
		}
		pubrel, ok := rel.(*packet.PUBREL)
		if !ok {
			return nil, fmt.Errorf("testclient: expected PUBREL, got %T", rel)
		}
		pubcomp := &packet.PUBCOMP{FixedHeader: &packet.FixedHeader{Version: c.version, Kind: 0x7}, PacketID: pubrel.PacketID}
		if err := pubcomp.Pack(c.conn); err != nil {
			return nil, err
		}
	}
	return pub, nil
}

// ReadPacket reads exactly one raw packet without driving any ack handshake,
// for tests asserting on a specific wire sequence (e.g. DUP resends).
func (c *Client) ReadPacket() (packet.Packet, error) {
	return packet.Unpack(c.version, c.conn)
}

// WritePacket writes a pre-built packet, for tests that need to drive a
// sequence ReadPublish/Publish don't cover directly (e.g. a bare PUBREL for
// dedup/idempotency tests).
func (c *Client) WritePacket(pkt packet.Packet) error {
	return pkt.Pack(c.conn)
}

// Disconnect sends a clean DISCONNECT. The broker does not reply.
func (c *Client) Disconnect() error {
	d := &packet.DISCONNECT{FixedHeader: &packet.FixedHeader{Version: c.version, Kind: 0xE}}
	return d.Pack(c.conn)
}

func boolBit(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}
