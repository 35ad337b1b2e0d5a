package core

import (
	"math/rand"
	"time"
)

const (
	defaultRetryMaxAttempts = 3
	defaultRetryBaseDelay   = time.Second
	defaultRetryMaxDelay    = 30 * time.Second
	defaultRetryMultiplier  = 2.0
)

// RetryPolicy is pure configuration for transient-failure retries. The
// delay before retry attempt n is base * multiplier^(n-1), capped at
// MaxDelay, with a uniform jitter drawn from [-Jitter, +Jitter].
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	Jitter      time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: defaultRetryMaxAttempts,
		BaseDelay:   defaultRetryBaseDelay,
		MaxDelay:    defaultRetryMaxDelay,
		Multiplier:  defaultRetryMultiplier,
		Jitter:      250 * time.Millisecond,
	}
}

// RetryPolicyFromConfig translates the duration fields of a RetryConfig
// into a policy value.
func RetryPolicyFromConfig(cfg RetryConfig) RetryPolicy {
	policy := DefaultRetryPolicy()
	if cfg.MaxAttempts > 0 {
		policy.MaxAttempts = cfg.MaxAttempts
	}
	if cfg.BaseDelayMS > 0 {
		policy.BaseDelay = time.Duration(cfg.BaseDelayMS) * time.Millisecond
	}
	if cfg.MaxDelayMS > 0 {
		policy.MaxDelay = time.Duration(cfg.MaxDelayMS) * time.Millisecond
	}
	if cfg.Multiplier >= 1 {
		policy.Multiplier = cfg.Multiplier
	}
	if cfg.JitterMS >= 0 {
		policy.Jitter = time.Duration(cfg.JitterMS) * time.Millisecond
	}
	return policy
}

func (p RetryPolicy) Attempts() int {
	if p.MaxAttempts < 1 {
		return defaultRetryMaxAttempts
	}
	return p.MaxAttempts
}

// Delay returns the backoff delay preceding retry attempt number attempt,
// where the first retry is attempt 1.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := p.BaseDelay
	if base <= 0 {
		base = defaultRetryBaseDelay
	}
	maximum := p.MaxDelay
	if maximum <= 0 {
		maximum = defaultRetryMaxDelay
	}
	multiplier := p.Multiplier
	if multiplier < 1 {
		multiplier = defaultRetryMultiplier
	}

	delay := base
	for i := 1; i < attempt; i++ {
		delay = time.Duration(float64(delay) * multiplier)
		if delay >= maximum || delay <= 0 {
			delay = maximum
			break
		}
	}
	if delay > maximum {
		delay = maximum
	}
	if p.Jitter > 0 {
		offset := time.Duration(rand.Int63n(int64(2*p.Jitter))) - p.Jitter
		delay += offset
	}
	if delay < 0 {
		return 0
	}
	return delay
}
