package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/google/uuid"

	"github.com/goliatone/go-skyspark/core"
)

type State int

const (
	StateUnauthenticated State = iota
	StateAuthenticating
	StateAuthenticated
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	case StateFailed:
		return "failed"
	default:
		return "unauthenticated"
	}
}

const (
	// FailureTransport is recorded when the handshake could not reach the
	// server at all.
	FailureTransport = "transport"
	// FailureProtocolViolation is recorded when a server message is
	// malformed at any handshake step.
	FailureProtocolViolation = "protocol_violation"
	// FailureServerSignatureMismatch is recorded when the server's final
	// signature does not verify. This failure is never retried: neither
	// the credentials nor the server identity can be trusted.
	FailureServerSignatureMismatch = "server_signature_mismatch"
	// FailureRejected is recorded when the server denies the handshake.
	FailureRejected = "rejected"
)

const DefaultTokenTTL = time.Hour

type Config struct {
	BaseURL  string
	Project  string
	Username string
	Password string
	TokenTTL time.Duration
}

// Session owns the credential state machine for one client instance. The
// handshake runs on a dedicated transport, kept separate from the data
// transport: reusing one connection for both has been observed to corrupt
// server-side session state.
type Session struct {
	baseURL   string
	project   string
	username  string
	password  string
	ttl       time.Duration
	transport core.TransportAdapter
	logger    core.Logger
	now       func() time.Time
	newNonce  func() string

	mu        sync.Mutex
	state     State
	cred      core.Credential
	expiresAt time.Time
	failure   error
	inflight  chan struct{}
}

type Option func(*Session)

func WithLogger(logger core.Logger) Option {
	return func(s *Session) {
		s.logger = logger
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Session) {
		s.now = now
	}
}

func WithNonceSource(source func() string) Option {
	return func(s *Session) {
		s.newNonce = source
	}
}

func NewSession(cfg Config, transport core.TransportAdapter, opts ...Option) (*Session, error) {
	if transport == nil {
		return nil, fmt.Errorf("auth: session requires a transport")
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("auth: base url is required")
	}
	if strings.TrimSpace(cfg.Project) == "" {
		return nil, fmt.Errorf("auth: project is required")
	}
	if strings.TrimSpace(cfg.Username) == "" {
		return nil, fmt.Errorf("auth: username is required")
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	session := &Session{
		baseURL:   baseURL,
		project:   strings.TrimSpace(cfg.Project),
		username:  strings.TrimSpace(cfg.Username),
		password:  cfg.Password,
		ttl:       ttl,
		transport: transport,
		now:       func() time.Time { return time.Now().UTC() },
		newNonce:  func() string { return strings.ReplaceAll(uuid.NewString(), "-", "") },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(session)
		}
	}
	return session, nil
}

// EnsureAuthenticated returns the cached credential while it is inside the
// soft TTL, and otherwise performs the handshake. Concurrent callers that
// observe a non-authenticated state share a single in-flight handshake;
// late arrivals await its outcome instead of starting their own.
func (s *Session) EnsureAuthenticated(ctx context.Context) (core.Credential, error) {
	if s == nil {
		return core.Credential{}, fmt.Errorf("auth: session is nil")
	}
	for {
		s.mu.Lock()
		switch s.state {
		case StateAuthenticated:
			if s.now().Before(s.expiresAt) {
				cred := s.cred
				s.mu.Unlock()
				return cred, nil
			}
		case StateFailed:
			failure := s.failure
			s.mu.Unlock()
			return core.Credential{}, failure
		}

		if s.inflight != nil {
			wait := s.inflight
			s.mu.Unlock()
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return core.Credential{}, authError(FailureTransport, "auth: handshake wait cancelled", ctx.Err())
			}
		}

		done := make(chan struct{})
		s.inflight = done
		s.state = StateAuthenticating
		s.mu.Unlock()

		cred, err := s.handshake(ctx)

		s.mu.Lock()
		s.inflight = nil
		if err != nil {
			s.state = StateFailed
			s.failure = err
			s.cred = core.Credential{}
			s.expiresAt = time.Time{}
		} else {
			s.state = StateAuthenticated
			s.cred = cred
			s.expiresAt = cred.IssuedAt.Add(s.ttl)
			s.failure = nil
		}
		close(done)
		s.mu.Unlock()

		if err != nil {
			return core.Credential{}, err
		}
		return cred, nil
	}
}

// Invalidate discards the cached credential so the next request triggers a
// fresh handshake. Called by the request executor when the server rejects
// the current credential.
func (s *Session) Invalidate() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateAuthenticated {
		s.state = StateUnauthenticated
		s.cred = core.Credential{}
		s.expiresAt = time.Time{}
	}
	s.logDebug("auth token invalidated", "state", s.state.String())
}

// Reset clears a terminal Failed state. Failed sessions do not re-attempt
// handshakes on their own.
func (s *Session) Reset() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateUnauthenticated
	s.cred = core.Credential{}
	s.expiresAt = time.Time{}
	s.failure = nil
}

// CachedToken returns the current token without triggering a handshake.
func (s *Session) CachedToken() string {
	if s == nil {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateAuthenticated {
		return ""
	}
	return s.cred.Token
}

// State reports the session's current lifecycle state.
func (s *Session) State() State {
	if s == nil {
		return StateUnauthenticated
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) aboutURL() string {
	return s.baseURL + "/" + s.project + "/about"
}

// handshake drives the salted challenge-response exchange: HELLO, then
// client-first, then client-final, each as one round-trip over the
// dedicated auth transport.
func (s *Session) handshake(ctx context.Context) (core.Credential, error) {
	s.logDebug("starting auth handshake", "username", s.username)

	handshakeToken, err := s.hello(ctx)
	if err != nil {
		return core.Credential{}, err
	}

	conv := newConversation(s.username, s.password, s.newNonce())

	handshakeToken, serverFirst, err := s.clientFirst(ctx, handshakeToken, conv)
	if err != nil {
		return core.Credential{}, err
	}
	if err := conv.setServerFirst(serverFirst); err != nil {
		return core.Credential{}, authError(FailureProtocolViolation, "auth: invalid server-first message", err)
	}

	token, serverFinal, err := s.clientFinal(ctx, handshakeToken, conv)
	if err != nil {
		return core.Credential{}, err
	}
	if err := conv.verifyServerFinal(serverFinal); err != nil {
		reason := FailureProtocolViolation
		if errors.Is(err, errServerSignatureMismatch) {
			reason = FailureServerSignatureMismatch
		}
		return core.Credential{}, authError(reason, "auth: server verification failed", err)
	}

	s.logInfo("auth handshake complete", "username", s.username, "token_prefix", tokenPrefix(token))
	return core.Credential{Token: token, IssuedAt: s.now()}, nil
}

func (s *Session) hello(ctx context.Context) (string, error) {
	resp, err := s.authGet(ctx, "HELLO username="+encodeB64URL(s.username))
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusUnauthorized {
		return "", authError(FailureProtocolViolation,
			fmt.Sprintf("auth: HELLO failed with status %d", resp.StatusCode), nil)
	}
	challenge := headerValue(resp.Headers, "WWW-Authenticate")
	if challenge == "" {
		return "", authError(FailureProtocolViolation, "auth: HELLO response has no WWW-Authenticate header", nil)
	}
	params := parseAuthParams(challenge)
	token := params["handshakeToken"]
	if token == "" {
		return "", authError(FailureProtocolViolation, "auth: HELLO response has no handshakeToken", nil)
	}
	return token, nil
}

func (s *Session) clientFirst(ctx context.Context, handshakeToken string, conv *conversation) (string, string, error) {
	header := scramHeader(handshakeToken, encodeB64URL(conv.clientFirst()))
	resp, err := s.authGet(ctx, header)
	if err != nil {
		return "", "", err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return "", "", authError(FailureRejected,
			fmt.Sprintf("auth: client-first failed with status %d", resp.StatusCode), nil)
	}
	challenge := headerValue(resp.Headers, "WWW-Authenticate")
	if challenge == "" {
		return "", "", authError(FailureProtocolViolation, "auth: client-first response has no WWW-Authenticate header", nil)
	}
	params := parseAuthParams(challenge)
	token := params["handshakeToken"]
	if token == "" {
		return "", "", authError(FailureProtocolViolation, "auth: client-first response has no handshakeToken", nil)
	}
	serverFirst, err := decodeB64URL(params["data"])
	if err != nil {
		return "", "", authError(FailureProtocolViolation, "auth: client-first response data is not valid base64", err)
	}
	return token, serverFirst, nil
}

func (s *Session) clientFinal(ctx context.Context, handshakeToken string, conv *conversation) (string, string, error) {
	message, err := conv.clientFinal()
	if err != nil {
		return "", "", authError(FailureProtocolViolation, "auth: could not build client-final message", err)
	}
	resp, err := s.authGet(ctx, scramHeader(handshakeToken, encodeB64URL(message)))
	if err != nil {
		return "", "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", "", authError(FailureRejected,
			fmt.Sprintf("auth: client-final failed with status %d", resp.StatusCode), nil)
	}
	authInfo := headerValue(resp.Headers, "Authentication-Info")
	if authInfo == "" {
		return "", "", authError(FailureProtocolViolation, "auth: client-final response has no Authentication-Info header", nil)
	}
	params := parseAuthParams(authInfo)
	token := params["authToken"]
	if token == "" {
		return "", "", authError(FailureProtocolViolation, "auth: client-final response has no authToken", nil)
	}
	serverFinal, err := decodeB64URL(params["data"])
	if err != nil {
		return "", "", authError(FailureProtocolViolation, "auth: client-final response data is not valid base64", err)
	}
	return token, serverFinal, nil
}

func (s *Session) authGet(ctx context.Context, authorization string) (core.TransportResponse, error) {
	resp, err := s.transport.Do(ctx, core.TransportRequest{
		Method: http.MethodGet,
		URL:    s.aboutURL(),
		Headers: map[string]string{
			"Authorization": authorization,
		},
	})
	if err != nil {
		return core.TransportResponse{}, authError(FailureTransport, "auth: handshake request failed", err)
	}
	return resp, nil
}

func (s *Session) logDebug(message string, args ...any) {
	if s.logger != nil {
		s.logger.Debug(message, args...)
	}
}

func (s *Session) logInfo(message string, args ...any) {
	if s.logger != nil {
		s.logger.Info(message, args...)
	}
}

func scramHeader(handshakeToken string, data string) string {
	return "SCRAM handshakeToken=" + handshakeToken + ", hash=SHA-256, data=" + data
}

// parseAuthParams reads `key=value` pairs from a challenge header,
// tolerating an optional leading scheme word.
func parseAuthParams(header string) map[string]string {
	header = strings.TrimSpace(header)
	if idx := strings.IndexByte(header, ' '); idx > 0 && !strings.Contains(header[:idx], "=") {
		header = header[idx+1:]
	}
	params := map[string]string{}
	for _, part := range strings.Split(header, ",") {
		key, value, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			continue
		}
		params[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	return params
}

func headerValue(headers map[string]string, key string) string {
	for existing, value := range headers {
		if strings.EqualFold(strings.TrimSpace(existing), key) {
			return strings.TrimSpace(value)
		}
	}
	return ""
}

func tokenPrefix(token string) string {
	if len(token) <= 8 {
		return token
	}
	return token[:8]
}

func authError(reason string, message string, cause error) error {
	var err *goerrors.Error
	if cause != nil {
		err = goerrors.Wrap(cause, goerrors.CategoryAuth, message)
	} else {
		err = goerrors.New(message, goerrors.CategoryAuth)
	}
	return err.
		WithCode(http.StatusUnauthorized).
		WithTextCode(core.ClientErrorAuth).
		WithMetadata(map[string]any{"reason": reason})
}

var _ core.TokenProvider = (*Session)(nil)
