package core

import (
	"context"
	"time"

	glog "github.com/goliatone/go-logger/glog"
)

// TransportRequest is the only shape the client assumes about an outgoing
// HTTP call. TLS, pooling, and DNS are the adapter's responsibility.
type TransportRequest struct {
	Method   string
	URL      string
	Headers  map[string]string
	Body     []byte
	Metadata map[string]any
	Timeout  time.Duration
}

type TransportResponse struct {
	StatusCode int
	Headers    map[string]string
	Body       []byte
	Metadata   map[string]any
}

type TransportAdapter interface {
	Kind() string
	Do(ctx context.Context, req TransportRequest) (TransportResponse, error)
}

// Credential is the opaque bearer token issued at the end of a successful
// handshake. It is owned by exactly one auth session and never persisted
// outside the process.
type Credential struct {
	Token    string
	IssuedAt time.Time
}

// TokenProvider is the contract the request executor consumes to attach
// and refresh credentials.
type TokenProvider interface {
	EnsureAuthenticated(ctx context.Context) (Credential, error)
	Invalidate()
	CachedToken() string
}

type MetricsRecorder interface {
	IncCounter(ctx context.Context, name string, value int64, tags map[string]string)
	ObserveHistogram(ctx context.Context, name string, value float64, tags map[string]string)
}

type Logger = glog.Logger

type LoggerProvider = glog.LoggerProvider

type FieldsLogger = glog.FieldsLogger
