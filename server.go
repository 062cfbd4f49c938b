package broker

import (
	"context"
	"crypto/tls"
	"errors"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/meridianmq/broker/packet"
	"github.com/meridianmq/broker/topic"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/websocket"
)

// shutdownPollIntervalMax is the max polling interval when checking
// quiescence during Server.Shutdown. Polling starts with a small interval
// and backs off to the max. Grounded on the teacher's (*Server).Shutdown.
const shutdownPollIntervalMax = 500 * time.Millisecond
const size = 64 << 10

// A Handler responds to an MQTT request. Connection's own dispatch
// (defaultHandler) is used unless Server.Handler overrides it, matching the
// teacher's net/http-shaped extension point.
type Handler interface {
	ServeMQTT(ResponseWriter, packet.Packet)
}

type HandlerFunc func(ResponseWriter, packet.Packet)

func (f HandlerFunc) ServeMQTT(rw ResponseWriter, r packet.Packet) {
	f(rw, r)
}

type serverHandler struct {
	s *Server
}

func (s serverHandler) ServeMQTT(rw ResponseWriter, p packet.Packet) {
	handler := s.s.Handler
	if handler == nil {
		handler = defaultHandler{}
	}
	handler.ServeMQTT(rw, p)
}

// ResponseWriter is the per-packet write callback Connection's dispatch
// table returns through; OnSend is where the spec's "write the packet this
// handler produced" step actually happens.
type ResponseWriter interface {
	OnSend(response packet.Packet) error
}

// response carries the inbound packet and its owning Connection through one
// dispatch call.
type response struct {
	conn   *Connection
	packet packet.Packet
	abort  bool
}

func (w *response) OnSend(pkt packet.Packet) error {
	return w.conn.writePacket(pkt)
}

const (
	// StateNew represents a new connection that is expected to send a
	// packet immediately.
	StateNew ConnState = iota

	// StateActive represents a connection that has read one or more
	// packets and is inside a handler.
	StateActive

	// StateIdle represents a connection that has finished handling a
	// packet and is waiting on the next read.
	StateIdle

	// StateHijacked is a terminal state for a connection taken over by a
	// protocol upgrade. Unused by the MQTT engine today but kept for
	// parity with the ConnState model it was generalized from.
	StateHijacked

	// StateClosed is a terminal state: the connection's socket is gone.
	StateClosed
)

// ErrAbortHandler is a sentinel panic value used to unwind a dispatch call
// without further logging of the panic itself — the handler has already
// done (or explicitly skipped) whatever response was appropriate.
var ErrAbortHandler = errors.New("mqtt: abort Handler")

// A ConnState represents the state of a client connection to a server. It's
// used by the optional Server.ConnState hook.
type ConnState int

// Server owns the listeners and the shared collaborators (SessionRegistry,
// PostOffice, Authenticator) every accepted Connection binds against.
// Grounded on the teacher's net/http-shaped Server, generalized from a flat
// conn/MemorySubscribed pair to the protocol-engine collaborators spec.md §3
// names.
type Server struct {
	Handler          Handler
	WebsocketHandler websocket.Handler

	// TLSConfig optionally provides a TLS configuration for ServeTLS and
	// ListenAndServeTLS.
	TLSConfig *tls.Config

	// ConnState, if set, is called whenever a connection changes state.
	ConnState func(net.Conn, ConnState)

	// ConnContext optionally derives the per-connection context from the
	// base context and the freshly-accepted net.Conn.
	ConnContext func(ctx context.Context, c net.Conn) context.Context

	inShutdown atomic.Bool

	mu            sync.RWMutex
	listeners     map[*net.Listener]struct{}
	activeConn    map[*Connection]struct{}
	onShutdown    []func()
	listenerGroup sync.WaitGroup

	Registry      *SessionRegistry
	PostOffice    PostOffice
	Authenticator Authenticator

	log *logrus.Entry
}

// NewServer builds a Server wired with the default in-memory
// SessionRegistry, MemoryPostOffice, and a MapAuthenticator sourced from
// CONFIG.Auth (§6's Authenticator contract). ctx, when canceled, triggers an
// orderly Shutdown — matching the teacher's context-bound lifecycle.
func NewServer(ctx context.Context) *Server {
	s := &Server{
		activeConn: make(map[*Connection]struct{}),
		listeners:  make(map[*net.Listener]struct{}),
		Registry:   NewSessionRegistry(),
		log:        brokerLog.WithField("component", "server"),
	}
	s.PostOffice = NewMemoryPostOffice(s)
	s.Authenticator = NewMapAuthenticator(CONFIG.Auth, CONFIG.AllowAnonymous)

	go func() {
		<-ctx.Done()
		if err := s.Shutdown(ctx); err != nil {
			s.log.Errorf("shutdown: %v", err)
		}
	}()
	return s
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.inShutdown.Store(true)
	s.mu.Lock()
	lnerr := s.closeListenersLocked()
	for _, f := range s.onShutdown {
		go f()
	}
	s.mu.Unlock()
	s.listenerGroup.Wait()

	pollIntervalBase := time.Millisecond
	nextPollInterval := func() time.Duration {
		interval := pollIntervalBase + time.Duration(rand.Intn(int(pollIntervalBase/10+1)))
		pollIntervalBase *= 2
		if pollIntervalBase > shutdownPollIntervalMax {
			pollIntervalBase = shutdownPollIntervalMax
		}
		return interval
	}

	timer := time.NewTimer(nextPollInterval())
	defer timer.Stop()
	for {
		if s.closeIdleConns() {
			return lnerr
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			timer.Reset(nextPollInterval())
		}
	}
}

// closeIdleConns closes all idle connections and reports whether the
// server is quiescent.
func (s *Server) closeIdleConns() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	quiescent := true
	for c := range s.activeConn {
		st, unixSec := c.getState()
		if st == StateNew && unixSec < time.Now().Unix()-5 {
			st = StateIdle
		}
		if st != StateIdle || unixSec == 0 {
			quiescent = false
			continue
		}
		c.close()
		delete(s.activeConn, c)
	}
	return quiescent
}

func (s *Server) closeListenersLocked() error {
	var err error
	for ln := range s.listeners {
		if cerr := (*ln).Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// newConn builds a Connection bound to this Server's shared collaborators
// for a freshly-accepted transport. No Session is attached yet — that
// happens in handleConnect, per spec.md §3's "Connection has exactly one
// Session after a successful CONNECT; before that the binding is absent."
func (s *Server) newConn(rwc net.Conn) *Connection {
	return &Connection{
		server:          s,
		registry:        s.Registry,
		postOffice:      s.PostOffice,
		authenticator:   s.Authenticator,
		rwc:             rwc,
		subscribeTopics: topic.NewMemoryTrie(),
		done:            make(chan struct{}),
	}
}

// Serve accepts incoming connections on l, running one goroutine per
// connection for its entire lifetime.
func (s *Server) Serve(l net.Listener) error {
	defer l.Close()

	if !s.trackListener(&l, true) {
		return ErrServerClosed
	}
	defer s.trackListener(&l, false)

	ctx := context.Background()

	for {
		rw, err := l.Accept()
		if err != nil {
			if s.shuttingDown() {
				return ErrServerClosed
			}
			return err
		}
		connCtx := ctx
		if cc := s.ConnContext; cc != nil {
			connCtx = cc(connCtx, rw)
			if connCtx == nil {
				panic("ConnContext returned nil")
			}
		}
		c := s.newConn(rw)
		c.setState(c.rwc, StateNew, true)
		go c.serve(connCtx)
	}
}

func (s *Server) trackConn(c *Connection, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		stat.ActiveConnections.Inc()
		s.activeConn[c] = struct{}{}
	} else {
		stat.ActiveConnections.Dec()
		delete(s.activeConn, c)
	}
}

// trackListener adds or removes a net.Listener to the set of tracked
// listeners, reporting whether the server is still up (not shut down).
func (s *Server) trackListener(ln *net.Listener, add bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listeners == nil {
		s.listeners = make(map[*net.Listener]struct{})
	}
	if add {
		if s.shuttingDown() {
			return false
		}
		s.listeners[ln] = struct{}{}
		s.listenerGroup.Add(1)
	} else {
		delete(s.listeners, ln)
		s.listenerGroup.Done()
	}
	return true
}

func (s *Server) shuttingDown() bool {
	return s.inShutdown.Load()
}

// SessionCount reports the number of Sessions the Server's registry
// currently tracks (connected or retained disconnected), for admin/metrics
// reporting.
func (s *Server) SessionCount() int {
	return s.Registry.Count()
}

// ConnectionCount reports the number of currently-tracked live connections.
func (s *Server) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.activeConn)
}

// ErrServerClosed is returned by Serve, ServeTLS, ListenAndServe, and
// ListenAndServeTLS after a call to Server.Shutdown.
var ErrServerClosed = errors.New("mqtt: Server closed")

func (s *Server) ListenAndServe(opts ...Option) error {
	if s.shuttingDown() {
		return ErrServerClosed
	}
	options := newOptions(opts...)
	u, err := url.Parse(options.URL)
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", u.Host)
	if err != nil {
		return err
	}
	s.log.Infof("mqtt serve: %s", u.Host)
	return s.Serve(ln)
}

func (s *Server) ServeTLS(l net.Listener, certFile, keyFile string) error {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return err
	}
	cfg := &tls.Config{Certificates: []tls.Certificate{cert}}
	return s.Serve(tls.NewListener(l, cfg))
}

func (s *Server) ListenAndServeTLS(certFile, keyFile string, opts ...Option) error {
	if s.shuttingDown() {
		return ErrServerClosed
	}
	options := newOptions(opts...)
	u, err := url.Parse(options.URL)
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", u.Host)
	if err != nil {
		return err
	}
	s.log.Infof("mqtt(s) serve: %s", u.Host)
	return s.ServeTLS(ln, certFile, keyFile)
}

// ListenAndServeWebsocket serves MQTT-over-WebSocket, the teacher's primary
// alternate transport (grounded on golang.org/x/net/websocket, conn.go's
// original WebsocketHandler wiring).
func (s *Server) ListenAndServeWebsocket(opts ...Option) error {
	if s.shuttingDown() {
		return ErrServerClosed
	}
	options := newOptions(opts...)
	u, err := url.Parse(options.URL)
	if err != nil {
		return err
	}
	s.WebsocketHandler = func(ws *websocket.Conn) {
		ws.PayloadType = websocket.BinaryFrame
		c := s.newConn(ws)
		c.setState(c.rwc, StateNew, true)
		c.serve(context.Background())
	}

	ln, err := net.Listen("tcp", u.Host)
	if err != nil {
		return err
	}
	s.log.Infof("websocket serve: %s", u.Host)
	return http.Serve(ln, s.WebsocketHandler)
}
