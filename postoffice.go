package broker

import (
	"context"
	"strings"
	"sync"

	"github.com/meridianmq/broker/packet"
	"github.com/meridianmq/broker/topic"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// PostOffice is the publish/subscribe fabric Connection delegates routing,
// subscription bookkeeping, and will-firing to (spec.md §6). It is shared
// across every connection on the Server and must be safe for concurrent use.
type PostOffice interface {
	// SubscribeClientToTopics registers conn's interest in each requested
	// topic filter and returns one ReasonCode per subscription, in order,
	// for the SUBACK Connection writes back.
	SubscribeClientToTopics(subscriptions []packet.Subscription, conn *Connection) []packet.ReasonCode

	// Unsubscribe removes conn's interest in each topic filter.
	Unsubscribe(topics []string, conn *Connection)

	// ReceivedPublishQoS0 routes a fire-and-forget publish. Errors are
	// logged, not surfaced: QoS 0 has no ack to withhold.
	ReceivedPublishQoS0(message *packet.Message, props *packet.PublishProperties, retain bool)

	// ReceivedPublishQoS1/2 route a publish that Connection must ack once
	// routing succeeds (PUBACK / PUBREC respectively).
	ReceivedPublishQoS1(message *packet.Message, props *packet.PublishProperties, retain bool) error
	ReceivedPublishQoS2(message *packet.Message, props *packet.PublishProperties, retain bool) error

	DispatchConnection(conn *Connection)
	DispatchDisconnection(conn *Connection)
	DispatchConnectionLost(conn *Connection)

	// FireWill publishes w on behalf of a connection that disappeared
	// without a clean DISCONNECT.
	FireWill(w *Will)
}

// retainedEntry is one topic's stored retained message.
type retainedEntry struct {
	message *packet.Message
	props   *packet.PublishProperties
	qos     uint8
}

// RetainedStore holds at most one retained message per topic, replayed to a
// connection immediately after a matching SUBSCRIBE (SPEC_FULL.md §12).
type RetainedStore struct {
	mu      sync.RWMutex
	byTopic map[string]*retainedEntry
}

func newRetainedStore() *RetainedStore {
	return &RetainedStore{byTopic: make(map[string]*retainedEntry)}
}

func (r *RetainedStore) store(message *packet.Message, props *packet.PublishProperties, qos uint8) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(message.Content) == 0 {
		delete(r.byTopic, message.TopicName)
		return
	}
	r.byTopic[message.TopicName] = &retainedEntry{message: message, props: props, qos: qos}
}

// matching returns every retained entry whose topic matches filter.
func (r *RetainedStore) matching(filter string) []*retainedEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*retainedEntry
	for name, entry := range r.byTopic {
		if topicMatches(filter, name) {
			out = append(out, entry)
		}
	}
	return out
}

// topicSubscribers tracks which connections currently have a live
// subscription reaching a given topic name, grounded on the teacher's
// TopicSubscribed.
type topicSubscribers struct {
	topicName  string
	activeConn map[*Connection]struct{}
	mu         sync.RWMutex
}

func newTopicSubscribers(name string) *topicSubscribers {
	return &topicSubscribers{topicName: name, activeConn: make(map[*Connection]struct{})}
}

func (t *topicSubscribers) add(c *Connection) {
	if _, ok := c.subscribeTopics.Find(t.topicName); !ok {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.activeConn[c] = struct{}{}
}

func (t *topicSubscribers) remove(c *Connection) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.activeConn, c)
}

func (t *topicSubscribers) len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.activeConn)
}

// exchange fans a publish out to every subscriber concurrently, mirroring
// the teacher's errgroup-based TopicSubscribed.Exchange. Every subscriber
// receives the publish at its original QoS; this repo does not (yet) cap
// delivery to a per-subscription maximum QoS, matching the teacher's own
// Exchange (which hardcoded QoS 1 for every subscriber regardless of what
// was requested).
func (t *topicSubscribers) exchange(message *packet.Message, props *packet.PublishProperties, qos uint8) error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	group, _ := errgroup.WithContext(context.Background())
	for c := range t.activeConn {
		c := c
		group.Go(func() error {
			return c.deliverPublish(message, props, qos, false)
		})
	}
	return group.Wait()
}

// MemoryPostOffice is the default in-memory PostOffice: per-topic subscriber
// sets plus a RetainedStore, grounded on the teacher's MemorySubscribed.
type MemoryPostOffice struct {
	mu       sync.RWMutex
	topics   map[string]*topicSubscribers
	retained *RetainedStore
	server   *Server
	log      *logrus.Entry
}

func NewMemoryPostOffice(s *Server) *MemoryPostOffice {
	return &MemoryPostOffice{
		topics:   make(map[string]*topicSubscribers),
		retained: newRetainedStore(),
		server:   s,
		log:      brokerLog.WithField("component", "postoffice"),
	}
}

func (m *MemoryPostOffice) SubscribeClientToTopics(subscriptions []packet.Subscription, conn *Connection) []packet.ReasonCode {
	reasons := make([]packet.ReasonCode, 0, len(subscriptions))
	for _, sub := range subscriptions {
		if err := topic.ValidateSubscribeTopic(sub.TopicFilter); err != nil {
			m.log.WithField("client_id", conn.ID).Warnf("subscribe rejected: %v", err)
			reasons = append(reasons, packet.ErrTopicFilterInvalid)
			continue
		}
		if err := conn.subscribeTopics.Subscribe(sub.TopicFilter); err != nil {
			reasons = append(reasons, packet.ErrTopicFilterInvalid)
			continue
		}
		reasons = append(reasons, packet.ReasonCode{Code: sub.MaximumQoS})

		m.mu.RLock()
		for _, ts := range m.topics {
			ts.add(conn)
		}
		m.mu.RUnlock()

		for _, entry := range m.retained.matching(sub.TopicFilter) {
			if err := conn.deliverPublish(entry.message, entry.props, entry.qos, true); err != nil {
				m.log.WithField("client_id", conn.ID).Warnf("retained replay failed: %v", err)
			}
		}
	}
	return reasons
}

func (m *MemoryPostOffice) Unsubscribe(topics []string, conn *Connection) {
	for _, name := range topics {
		conn.subscribeTopics.Unsubscribe(name)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, ts := range m.topics {
		ts.remove(conn)
	}
}

func (m *MemoryPostOffice) topicFor(name string) *topicSubscribers {
	m.mu.RLock()
	ts, ok := m.topics[name]
	m.mu.RUnlock()
	if ok {
		return ts
	}

	ts = newTopicSubscribers(name)
	m.server.mu.RLock()
	for c := range m.server.activeConn {
		ts.add(c)
	}
	m.server.mu.RUnlock()

	m.mu.Lock()
	m.topics[name] = ts
	m.mu.Unlock()
	return ts
}

func (m *MemoryPostOffice) route(message *packet.Message, props *packet.PublishProperties, qos uint8, retain bool) error {
	if retain {
		m.retained.store(message, props, qos)
	}
	return m.topicFor(message.TopicName).exchange(message, props, qos)
}

func (m *MemoryPostOffice) ReceivedPublishQoS0(message *packet.Message, props *packet.PublishProperties, retain bool) {
	if err := m.route(message, props, 0, retain); err != nil {
		m.log.Warnf("qos0 route: %v", err)
	}
}

func (m *MemoryPostOffice) ReceivedPublishQoS1(message *packet.Message, props *packet.PublishProperties, retain bool) error {
	return m.route(message, props, 1, retain)
}

func (m *MemoryPostOffice) ReceivedPublishQoS2(message *packet.Message, props *packet.PublishProperties, retain bool) error {
	return m.route(message, props, 2, retain)
}

func (m *MemoryPostOffice) DispatchConnection(conn *Connection) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, ts := range m.topics {
		ts.add(conn)
	}
}

func (m *MemoryPostOffice) DispatchDisconnection(conn *Connection) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, ts := range m.topics {
		ts.remove(conn)
	}
}

func (m *MemoryPostOffice) DispatchConnectionLost(conn *Connection) {
	m.DispatchDisconnection(conn)
}

func (m *MemoryPostOffice) FireWill(w *Will) {
	if w == nil {
		return
	}
	if err := m.route(&packet.Message{TopicName: w.Topic, Content: w.Payload}, nil, w.QoS, w.Retain); err != nil {
		m.log.Warnf("will fire: %v", err)
	}
}

// topicMatches reports whether topic name matches filter, supporting the
// '+'/'#' wildcards, grounded on the teacher's topic.MemoryTrie matching
// semantics (single-subscriber-tree lookup generalized to a direct
// filter-vs-name comparison for retained replay).
func topicMatches(filter, name string) bool {
	if len(name) > 0 && name[0] == '$' {
		if len(filter) > 0 && (filter[0] == '+' || filter[0] == '#') {
			return false
		}
	}
	fLevels := strings.Split(filter, "/")
	nLevels := strings.Split(name, "/")
	for i, fl := range fLevels {
		if fl == "#" {
			return true
		}
		if i >= len(nLevels) {
			return false
		}
		if fl != "+" && fl != nLevels[i] {
			return false
		}
	}
	return len(fLevels) == len(nLevels)
}
