package core

import (
	"fmt"
	"net/url"
	"strings"
)

type RetryConfig struct {
	MaxAttempts   int     `koanf:"max_attempts" mapstructure:"max_attempts"`
	BaseDelayMS   int     `koanf:"base_delay_ms" mapstructure:"base_delay_ms"`
	MaxDelayMS    int     `koanf:"max_delay_ms" mapstructure:"max_delay_ms"`
	Multiplier    float64 `koanf:"multiplier" mapstructure:"multiplier"`
	JitterMS      int     `koanf:"jitter_ms" mapstructure:"jitter_ms"`
	TimeoutSecond int     `koanf:"timeout_seconds" mapstructure:"timeout_seconds"`
}

type AuthConfig struct {
	TokenTTLSeconds int `koanf:"token_ttl_seconds" mapstructure:"token_ttl_seconds"`
}

type BatchConfig struct {
	ChunkSize     int `koanf:"chunk_size" mapstructure:"chunk_size"`
	MaxConcurrent int `koanf:"max_concurrent" mapstructure:"max_concurrent"`
}

type Config struct {
	BaseURL  string      `koanf:"base_url" mapstructure:"base_url"`
	Project  string      `koanf:"project" mapstructure:"project"`
	Username string      `koanf:"username" mapstructure:"username"`
	Password string      `koanf:"password" mapstructure:"password"`
	Retry    RetryConfig `koanf:"retry" mapstructure:"retry"`
	Auth     AuthConfig  `koanf:"auth" mapstructure:"auth"`
	Batch    BatchConfig `koanf:"batch" mapstructure:"batch"`
}

func DefaultConfig() Config {
	return Config{
		Retry: RetryConfig{
			MaxAttempts:   3,
			BaseDelayMS:   1000,
			MaxDelayMS:    30000,
			Multiplier:    2,
			JitterMS:      250,
			TimeoutSecond: 30,
		},
		Auth: AuthConfig{
			TokenTTLSeconds: 3600,
		},
		Batch: BatchConfig{
			ChunkSize:     1000,
			MaxConcurrent: 3,
		},
	}
}

func (c Config) Validate() error {
	base := strings.TrimSpace(c.BaseURL)
	if base == "" {
		return fmt.Errorf("core: base_url is required")
	}
	if parsed, err := url.Parse(base); err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("core: base_url %q is not an absolute URL", base)
	}
	if strings.TrimSpace(c.Project) == "" {
		return fmt.Errorf("core: project is required")
	}
	if strings.TrimSpace(c.Username) == "" {
		return fmt.Errorf("core: username is required")
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("core: retry.max_attempts must be at least 1")
	}
	if c.Retry.Multiplier < 1 {
		return fmt.Errorf("core: retry.multiplier must be at least 1")
	}
	if c.Batch.ChunkSize < 1 {
		return fmt.Errorf("core: batch.chunk_size must be positive")
	}
	if c.Batch.MaxConcurrent < 1 {
		return fmt.Errorf("core: batch.max_concurrent must be positive")
	}
	return nil
}
