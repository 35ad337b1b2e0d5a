package auth

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goliatone/go-skyspark/core"
)

// scramServerTransport plays the server side of the handshake using the
// RFC 7677 vectors, which works because the test pins the client nonce.
type scramServerTransport struct {
	mu         sync.Mutex
	hellos     int
	finals     int
	failFinals bool
	forgeSig   bool
}

func (s *scramServerTransport) Kind() string { return "test" }

func (s *scramServerTransport) Do(_ context.Context, req core.TransportRequest) (core.TransportResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	authz := req.Headers["Authorization"]
	switch {
	case strings.HasPrefix(authz, "HELLO "):
		s.hellos++
		return core.TransportResponse{
			StatusCode: http.StatusUnauthorized,
			Headers: map[string]string{
				"WWW-Authenticate": "scram handshakeToken=tok-first, hash=SHA-256",
			},
		}, nil

	case strings.Contains(authz, "handshakeToken=tok-first"):
		return core.TransportResponse{
			StatusCode: http.StatusUnauthorized,
			Headers: map[string]string{
				"www-authenticate": "scram handshakeToken=tok-final, hash=SHA-256, data=" +
					encodeB64URL(vectorServerFirst),
			},
		}, nil

	case strings.Contains(authz, "handshakeToken=tok-final"):
		s.finals++
		if s.failFinals {
			return core.TransportResponse{StatusCode: http.StatusForbidden}, nil
		}
		serverFinal := vectorServerFinal
		if s.forgeSig {
			serverFinal = "v=AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA="
		}
		return core.TransportResponse{
			StatusCode: http.StatusOK,
			Headers: map[string]string{
				"Authentication-Info": "authToken=tok-session, data=" + encodeB64URL(serverFinal),
			},
		}, nil
	}
	return core.TransportResponse{StatusCode: http.StatusBadRequest}, nil
}

func newTestSession(t *testing.T, adapter core.TransportAdapter, opts ...Option) *Session {
	t.Helper()
	all := append([]Option{
		WithNonceSource(func() string { return vectorClientNonce }),
	}, opts...)
	session, err := NewSession(Config{
		BaseURL:  "https://skyspark.example.com/api",
		Project:  "demo",
		Username: vectorUser,
		Password: vectorPassword,
	}, adapter, all...)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	return session
}

func TestSessionHandshake(t *testing.T) {
	server := &scramServerTransport{}
	session := newTestSession(t, server)

	cred, err := session.EnsureAuthenticated(context.Background())
	if err != nil {
		t.Fatalf("EnsureAuthenticated: %v", err)
	}
	if cred.Token != "tok-session" {
		t.Fatalf("token = %q", cred.Token)
	}
	if session.State() != StateAuthenticated {
		t.Fatalf("state = %v", session.State())
	}
	if session.CachedToken() != "tok-session" {
		t.Fatalf("cached token = %q", session.CachedToken())
	}
	if server.hellos != 1 {
		t.Fatalf("handshakes = %d, want 1", server.hellos)
	}
}

func TestSessionReusesCachedToken(t *testing.T) {
	server := &scramServerTransport{}
	session := newTestSession(t, server)

	for i := 0; i < 5; i++ {
		if _, err := session.EnsureAuthenticated(context.Background()); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	if server.hellos != 1 {
		t.Fatalf("handshakes = %d, want 1", server.hellos)
	}
}

func TestSessionSingleFlight(t *testing.T) {
	server := &scramServerTransport{}
	session := newTestSession(t, server)

	const callers = 32
	var wg sync.WaitGroup
	var failures atomic.Int64
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			cred, err := session.EnsureAuthenticated(context.Background())
			if err != nil || cred.Token != "tok-session" {
				failures.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	if n := failures.Load(); n != 0 {
		t.Fatalf("%d callers failed", n)
	}
	if server.hellos != 1 {
		t.Fatalf("handshakes = %d, want exactly 1 for concurrent cold callers", server.hellos)
	}
}

func TestSessionInvalidateForcesRehandshake(t *testing.T) {
	server := &scramServerTransport{}
	session := newTestSession(t, server)

	if _, err := session.EnsureAuthenticated(context.Background()); err != nil {
		t.Fatalf("first: %v", err)
	}
	session.Invalidate()
	if session.CachedToken() != "" {
		t.Fatal("invalidate should clear the cached token")
	}
	if _, err := session.EnsureAuthenticated(context.Background()); err != nil {
		t.Fatalf("second: %v", err)
	}
	if server.hellos != 2 {
		t.Fatalf("handshakes = %d, want 2", server.hellos)
	}
}

func TestSessionTTLExpiryRehandshakes(t *testing.T) {
	now := time.Now().UTC()
	clock := func() time.Time { return now }
	server := &scramServerTransport{}
	session := newTestSession(t, server, WithClock(func() time.Time { return clock() }))

	if _, err := session.EnsureAuthenticated(context.Background()); err != nil {
		t.Fatalf("first: %v", err)
	}
	now = now.Add(DefaultTokenTTL + time.Minute)
	if _, err := session.EnsureAuthenticated(context.Background()); err != nil {
		t.Fatalf("second: %v", err)
	}
	if server.hellos != 2 {
		t.Fatalf("handshakes = %d, want 2 after TTL expiry", server.hellos)
	}
}

func TestSessionFailureIsTerminalUntilReset(t *testing.T) {
	server := &scramServerTransport{failFinals: true}
	session := newTestSession(t, server)

	if _, err := session.EnsureAuthenticated(context.Background()); err == nil {
		t.Fatal("expected the handshake to fail")
	}
	if session.State() != StateFailed {
		t.Fatalf("state = %v", session.State())
	}

	// A failed session returns the stored failure without touching the
	// server again.
	before := server.finals
	if _, err := session.EnsureAuthenticated(context.Background()); err == nil {
		t.Fatal("expected the stored failure")
	}
	if server.finals != before {
		t.Fatal("failed session should not re-attempt the handshake")
	}

	server.failFinals = false
	session.Reset()
	if _, err := session.EnsureAuthenticated(context.Background()); err != nil {
		t.Fatalf("after reset: %v", err)
	}
}

func TestSessionRejectsForgedServer(t *testing.T) {
	server := &scramServerTransport{forgeSig: true}
	session := newTestSession(t, server)

	_, err := session.EnsureAuthenticated(context.Background())
	if err == nil {
		t.Fatal("expected a signature failure")
	}
	if !core.IsAuthenticationError(err) {
		t.Fatalf("error %v should classify as an authentication failure", err)
	}
	if session.State() != StateFailed {
		t.Fatalf("state = %v, forged signatures must be terminal", session.State())
	}
}

func TestNewSessionValidation(t *testing.T) {
	adapter := &scramServerTransport{}
	if _, err := NewSession(Config{Project: "p", Username: "u"}, adapter); err == nil {
		t.Fatal("expected an error for a missing base url")
	}
	if _, err := NewSession(Config{BaseURL: "https://x", Username: "u"}, adapter); err == nil {
		t.Fatal("expected an error for a missing project")
	}
	if _, err := NewSession(Config{BaseURL: "https://x", Project: "p"}, adapter); err == nil {
		t.Fatal("expected an error for a missing username")
	}
	if _, err := NewSession(Config{BaseURL: "https://x", Project: "p", Username: "u"}, nil); err == nil {
		t.Fatal("expected an error for a nil transport")
	}
}
