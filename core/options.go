package core

import (
	"context"
	"fmt"
	"strings"

	"github.com/goliatone/go-config/cfgx"
	opts "github.com/goliatone/go-options"
)

type ConfigProvider interface {
	Load(ctx context.Context, defaults Config) (Config, error)
}

type RawConfigLoader interface {
	LoadRaw(ctx context.Context) (map[string]any, error)
}

type OptionsResolver interface {
	Resolve(defaults Config, loaded Config, runtime Config) (Config, error)
}

type staticRawConfigLoader struct {
	Values map[string]any
}

func (l staticRawConfigLoader) LoadRaw(context.Context) (map[string]any, error) {
	if len(l.Values) == 0 {
		return map[string]any{}, nil
	}
	out := make(map[string]any, len(l.Values))
	for key, value := range l.Values {
		out[key] = value
	}
	return out, nil
}

// StaticRawConfigLoader wraps a literal map as a RawConfigLoader.
func StaticRawConfigLoader(values map[string]any) RawConfigLoader {
	return staticRawConfigLoader{Values: values}
}

type CfgxConfigProvider struct {
	Loader RawConfigLoader
}

func NewCfgxConfigProvider(loader RawConfigLoader) *CfgxConfigProvider {
	return &CfgxConfigProvider{Loader: loader}
}

func (p *CfgxConfigProvider) Load(ctx context.Context, defaults Config) (Config, error) {
	if p == nil {
		return defaults, nil
	}
	loader := p.Loader
	if loader == nil {
		loader = staticRawConfigLoader{}
	}
	raw, err := loader.LoadRaw(ctx)
	if err != nil {
		return Config{}, err
	}
	// Required fields may still be missing at this layer. Validation runs
	// once on the fully merged config in Resolve.
	cfg, err := cfgx.Build[Config](raw,
		cfgx.WithDefaults(defaults),
	)
	if err != nil {
		return Config{}, err
	}
	return cfg, nil
}

type GoOptionsResolver struct{}

func (GoOptionsResolver) Resolve(defaults Config, loaded Config, runtime Config) (Config, error) {
	defaultLayer := configToLayerMap(defaults, true)
	loadedLayer := configToLayerMap(loaded, false)
	runtimeLayer := configToLayerMap(runtime, false)

	stack, err := opts.NewStack(
		opts.NewLayer(
			opts.NewScope("defaults", 0),
			defaultLayer,
			opts.WithSnapshotID[map[string]any]("defaults"),
		),
		opts.NewLayer(
			opts.NewScope("config", 10),
			loadedLayer,
			opts.WithSnapshotID[map[string]any]("config"),
		),
		opts.NewLayer(
			opts.NewScope("runtime", 20),
			runtimeLayer,
			opts.WithSnapshotID[map[string]any]("runtime"),
		),
	)
	if err != nil {
		return Config{}, fmt.Errorf("core: options stack build failed: %w", err)
	}
	merged, err := stack.Merge()
	if err != nil {
		return Config{}, fmt.Errorf("core: options merge failed: %w", err)
	}
	resolved, err := cfgx.Build[Config](merged.Value,
		cfgx.WithDefaults(defaults),
		cfgx.WithValidator[Config]((*Config).Validate),
	)
	if err != nil {
		return Config{}, err
	}
	if err := resolved.Validate(); err != nil {
		return Config{}, err
	}
	return resolved, nil
}

func configToLayerMap(cfg Config, includeZero bool) map[string]any {
	layer := map[string]any{}
	if includeZero || strings.TrimSpace(cfg.BaseURL) != "" {
		layer["base_url"] = cfg.BaseURL
	}
	if includeZero || strings.TrimSpace(cfg.Project) != "" {
		layer["project"] = cfg.Project
	}
	if includeZero || strings.TrimSpace(cfg.Username) != "" {
		layer["username"] = cfg.Username
	}
	if includeZero || cfg.Password != "" {
		layer["password"] = cfg.Password
	}

	retry := map[string]any{}
	if includeZero || cfg.Retry.MaxAttempts != 0 {
		retry["max_attempts"] = cfg.Retry.MaxAttempts
	}
	if includeZero || cfg.Retry.BaseDelayMS != 0 {
		retry["base_delay_ms"] = cfg.Retry.BaseDelayMS
	}
	if includeZero || cfg.Retry.MaxDelayMS != 0 {
		retry["max_delay_ms"] = cfg.Retry.MaxDelayMS
	}
	if includeZero || cfg.Retry.Multiplier != 0 {
		retry["multiplier"] = cfg.Retry.Multiplier
	}
	if includeZero || cfg.Retry.JitterMS != 0 {
		retry["jitter_ms"] = cfg.Retry.JitterMS
	}
	if includeZero || cfg.Retry.TimeoutSecond != 0 {
		retry["timeout_seconds"] = cfg.Retry.TimeoutSecond
	}
	if len(retry) > 0 {
		layer["retry"] = retry
	}

	if includeZero || cfg.Auth.TokenTTLSeconds != 0 {
		layer["auth"] = map[string]any{
			"token_ttl_seconds": cfg.Auth.TokenTTLSeconds,
		}
	}

	batch := map[string]any{}
	if includeZero || cfg.Batch.ChunkSize != 0 {
		batch["chunk_size"] = cfg.Batch.ChunkSize
	}
	if includeZero || cfg.Batch.MaxConcurrent != 0 {
		batch["max_concurrent"] = cfg.Batch.MaxConcurrent
	}
	if len(batch) > 0 {
		layer["batch"] = batch
	}

	return layer
}
