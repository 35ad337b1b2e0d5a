// Package skyspark is a client for SkySpark building-automation servers.
// It speaks the Zinc grid format on the wire, authenticates with a salted
// challenge-response handshake, and retries transient failures with
// exponential backoff.
package skyspark

import (
	"context"
	"strings"
	"time"

	glog "github.com/goliatone/go-logger/glog"

	"github.com/goliatone/go-skyspark/auth"
	"github.com/goliatone/go-skyspark/core"
	"github.com/goliatone/go-skyspark/transport"
)

type Client struct {
	config          core.Config
	logger          core.Logger
	loggerProvider  core.LoggerProvider
	metricsRecorder core.MetricsRecorder
	errorMapper     core.ErrorMapper
	tokens          core.TokenProvider
	transport       core.TransportAdapter
	retry           core.RetryPolicy
	sleep           func(ctx context.Context, d time.Duration) error
}

type clientBuilder struct {
	runtimeConfig   core.Config
	logger          core.Logger
	loggerProvider  core.LoggerProvider
	metricsRecorder core.MetricsRecorder
	errorMapper     core.ErrorMapper
	configProvider  core.ConfigProvider
	optionsResolver core.OptionsResolver
	tokens          core.TokenProvider
	transport       core.TransportAdapter
	authTransport   core.TransportAdapter
	retry           *core.RetryPolicy
}

type Option func(*clientBuilder)

func WithLogger(logger core.Logger) Option {
	return func(b *clientBuilder) {
		b.logger = logger
	}
}

func WithLoggerProvider(provider core.LoggerProvider) Option {
	return func(b *clientBuilder) {
		b.loggerProvider = provider
	}
}

func WithMetricsRecorder(recorder core.MetricsRecorder) Option {
	return func(b *clientBuilder) {
		b.metricsRecorder = recorder
	}
}

func WithErrorMapper(mapper core.ErrorMapper) Option {
	return func(b *clientBuilder) {
		b.errorMapper = mapper
	}
}

func WithConfigProvider(provider core.ConfigProvider) Option {
	return func(b *clientBuilder) {
		b.configProvider = provider
	}
}

func WithOptionsResolver(resolver core.OptionsResolver) Option {
	return func(b *clientBuilder) {
		b.optionsResolver = resolver
	}
}

// WithTransport sets the adapter for data requests.
func WithTransport(adapter core.TransportAdapter) Option {
	return func(b *clientBuilder) {
		b.transport = adapter
	}
}

// WithAuthTransport sets the adapter the handshake runs on. It must not
// share connections with the data transport.
func WithAuthTransport(adapter core.TransportAdapter) Option {
	return func(b *clientBuilder) {
		b.authTransport = adapter
	}
}

// WithTokenProvider replaces the built-in auth session.
func WithTokenProvider(provider core.TokenProvider) Option {
	return func(b *clientBuilder) {
		b.tokens = provider
	}
}

func WithRetryPolicy(policy core.RetryPolicy) Option {
	return func(b *clientBuilder) {
		b.retry = &policy
	}
}

func New(cfg core.Config, opts ...Option) (*Client, error) {
	builder := clientBuilder{runtimeConfig: cfg}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(&builder)
	}

	provider, logger := glog.Resolve("skyspark", builder.loggerProvider, builder.logger)
	logger = glog.Ensure(logger)
	if provider != nil {
		if named := provider.GetLogger("skyspark"); named != nil {
			logger = glog.Ensure(named)
		}
	}

	if builder.metricsRecorder == nil {
		builder.metricsRecorder = core.NopMetricsRecorder{}
	}
	if builder.errorMapper == nil {
		builder.errorMapper = core.ClientErrorMapper
	}
	if builder.configProvider == nil {
		builder.configProvider = core.NewCfgxConfigProvider(nil)
	}
	if builder.optionsResolver == nil {
		builder.optionsResolver = core.GoOptionsResolver{}
	}

	defaults := core.DefaultConfig()
	loaded, err := builder.configProvider.Load(context.Background(), defaults)
	if err != nil {
		return nil, builder.errorMapper(err)
	}
	finalConfig, err := builder.optionsResolver.Resolve(defaults, loaded, builder.runtimeConfig)
	if err != nil {
		return nil, builder.errorMapper(err)
	}
	finalConfig.BaseURL = strings.TrimRight(strings.TrimSpace(finalConfig.BaseURL), "/")

	if builder.transport == nil {
		builder.transport = transport.NewRESTAdapter(nil)
	}
	if builder.tokens == nil {
		authTransport := builder.authTransport
		if authTransport == nil {
			authTransport = transport.NewAuthAdapter()
		}
		session, err := auth.NewSession(auth.Config{
			BaseURL:  finalConfig.BaseURL,
			Project:  finalConfig.Project,
			Username: finalConfig.Username,
			Password: finalConfig.Password,
			TokenTTL: time.Duration(finalConfig.Auth.TokenTTLSeconds) * time.Second,
		}, authTransport, auth.WithLogger(logger))
		if err != nil {
			return nil, builder.errorMapper(err)
		}
		builder.tokens = session
	}

	retry := core.RetryPolicyFromConfig(finalConfig.Retry)
	if builder.retry != nil {
		retry = *builder.retry
	}

	return &Client{
		config:          finalConfig,
		logger:          logger,
		loggerProvider:  provider,
		metricsRecorder: builder.metricsRecorder,
		errorMapper:     builder.errorMapper,
		tokens:          builder.tokens,
		transport:       builder.transport,
		retry:           retry,
		sleep:           sleepContext,
	}, nil
}

// Config returns the resolved configuration with the password redacted.
func (c *Client) Config() core.Config {
	if c == nil {
		return core.Config{}
	}
	cfg := c.config
	cfg.Password = ""
	return cfg
}

func (c *Client) apiURL(op string) string {
	return c.config.BaseURL + "/" + c.config.Project + "/" + op
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
