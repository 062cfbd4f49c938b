package broker

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/meridianmq/broker/internal/testclient"
	"github.com/meridianmq/broker/packet"
)

func TestNewServerWiresDefaultCollaborators(t *testing.T) {
	s := NewServer(context.Background())
	if s.Registry == nil {
		t.Fatal("NewServer: Registry is nil")
	}
	if s.PostOffice == nil {
		t.Fatal("NewServer: PostOffice is nil")
	}
	if s.Authenticator == nil {
		t.Fatal("NewServer: Authenticator is nil")
	}
	if s.SessionCount() != 0 {
		t.Fatalf("SessionCount on a fresh server = %d, want 0", s.SessionCount())
	}
	if s.ConnectionCount() != 0 {
		t.Fatalf("ConnectionCount on a fresh server = %d, want 0", s.ConnectionCount())
	}
}

func TestServerTracksConnectionCount(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	s := NewServer(ctx)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go s.Serve(ln)

	if got := s.ConnectionCount(); got != 0 {
		t.Fatalf("ConnectionCount before any client = %d, want 0", got)
	}

	cl := dialClient(t, ln.Addr().String())
	if _, err := cl.Connect(testclient.ConnectOptions{ClientID: "counted", Clean: true}); err != nil {
		t.Fatalf("connect: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.ConnectionCount() >= 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("ConnectionCount never reached 1 after connect")
}

func TestServerRejectsBadCredentials(t *testing.T) {
	prevAuth := CONFIG.Auth
	prevAnon := CONFIG.AllowAnonymous
	CONFIG.Auth = map[string]string{"alice": "s3cret"}
	CONFIG.AllowAnonymous = false
	t.Cleanup(func() {
		CONFIG.Auth = prevAuth
		CONFIG.AllowAnonymous = prevAnon
	})

	addr := startTestServer(t)
	cl := dialClient(t, addr)

	connack, err := cl.Connect(testclient.ConnectOptions{ClientID: "bad-creds", Clean: true, Username: "alice", Password: "wrong"})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if connack.ConnectReturnCode == packet.CodeSuccess {
		t.Fatalf("expected rejection for wrong password, got success")
	}
}

func TestServerAcceptsGoodCredentials(t *testing.T) {
	prevAuth := CONFIG.Auth
	prevAnon := CONFIG.AllowAnonymous
	CONFIG.Auth = map[string]string{"alice": "s3cret"}
	CONFIG.AllowAnonymous = false
	t.Cleanup(func() {
		CONFIG.Auth = prevAuth
		CONFIG.AllowAnonymous = prevAnon
	})

	addr := startTestServer(t)
	cl := dialClient(t, addr)

	connack, err := cl.Connect(testclient.ConnectOptions{ClientID: "good-creds", Clean: true, Username: "alice", Password: "s3cret"})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if connack.ConnectReturnCode != packet.CodeSuccess {
		t.Fatalf("connect return code = %+v, want success", connack.ConnectReturnCode)
	}
}

func TestServerShutdownClosesListener(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := NewServer(ctx)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	go s.Serve(ln)

	cl, err := testclient.Dial(addr, packet.VERSION311)
	if err != nil {
		t.Fatalf("dial before shutdown: %v", err)
	}
	if _, err := cl.Connect(testclient.ConnectOptions{ClientID: "shutdown-probe", Clean: true}); err != nil {
		t.Fatalf("connect: %v", err)
	}
	cl.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer shutdownCancel()
	if err := s.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	cancel()

	if _, err := net.DialTimeout("tcp", addr, 500*time.Millisecond); err == nil {
		t.Fatalf("expected listener to be closed after Shutdown")
	}
}
