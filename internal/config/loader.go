package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Loader hydrates the runtime configuration while respecting env > file > default precedence.
type Loader struct {
	envPrefix string
	files     []string
}

// NewLoader prepares a config hydrator that honors the env-first contract before touching files or defaults.
func NewLoader(envPrefix string, files ...string) *Loader {
	return &Loader{
		envPrefix: envPrefix,
		files:     files,
	}
}

// Load assembles the effective snapshot using the documented precedence rules,
// then resolves the warmup manifest when one is configured.
func (l *Loader) Load(ctx context.Context) (Config, error) {
	defaultCfg := DefaultConfig()
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(structToMap(defaultCfg), "."), nil); err != nil {
		return Config{}, fmt.Errorf("config: load defaults: %w", err)
	}

	for _, path := range l.files {
		if path == "" {
			continue
		}
		select {
		case <-ctx.Done():
			return Config{}, ctx.Err()
		default:
		}
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("config: file %s not found", path)
			}
			return Config{}, fmt.Errorf("config: stat %s: %w", path, err)
		}
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	if l.envPrefix != "" {
		canonical := map[string]string{
			"cache.refreshthreshold":         "cache.refreshThreshold",
			"cache.minrefreshwindow":         "cache.minRefreshWindow",
			"cache.minscheduledelay":         "cache.minScheduleDelay",
			"cache.debouncewindow":           "cache.debounceWindow",
			"cache.maxbatchsize":             "cache.maxBatchSize",
			"cache.maxretries":               "cache.maxRetries",
			"cache.defaultttl":               "cache.defaultTTL",
			"cache.mirror.valkey.tls.cafile": "cache.mirror.valkey.tls.caFile",
			"signer.retrymax":                "signer.retryMax",
			"signer.retrywaitmin":            "signer.retryWaitMin",
			"signer.retrywaitmax":            "signer.retryWaitMax",
		}
		transform := func(s string) string {
			// Double underscores signal a nested path (SERVER__LISTEN__PORT -> server.listen.port).
			key := strings.TrimPrefix(s, l.envPrefix+"_")
			key = strings.ReplaceAll(key, "__", ".")
			lower := strings.ToLower(key)
			if mapped, ok := canonical[lower]; ok {
				return mapped
			}
			// Single underscores are removed so LISTEN_PORT collapses into listenport when callers
			// choose not to use double underscores for object nesting.
			key = strings.ReplaceAll(key, "_", "")
			return strings.ToLower(key)
		}
		if err := k.Load(env.Provider(l.envPrefix, ".", transform), nil); err != nil {
			return Config{}, fmt.Errorf("config: load env: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	resources, skipped, err := LoadWarmupManifest(ctx, cfg.Warmup.Manifest)
	if err != nil {
		return Config{}, err
	}
	cfg.WarmupResources = resources
	cfg.SkippedResources = skipped
	return cfg, nil
}

// structToMap converts DefaultConfig into a map for the koanf confmap provider.
func structToMap(cfg Config) map[string]any {
	return map[string]any{
		"server": map[string]any{
			"listen": map[string]any{
				"address": cfg.Server.Listen.Address,
				"port":    cfg.Server.Listen.Port,
			},
			"logging": map[string]any{
				"level":  cfg.Server.Logging.Level,
				"format": cfg.Server.Logging.Format,
			},
		},
		"cache": map[string]any{
			"refreshThreshold": cfg.Cache.RefreshThreshold,
			"minRefreshWindow": cfg.Cache.MinRefreshWindow,
			"minScheduleDelay": cfg.Cache.MinScheduleDelay,
			"debounceWindow":   cfg.Cache.DebounceWindow,
			"maxBatchSize":     cfg.Cache.MaxBatchSize,
			"maxRetries":       cfg.Cache.MaxRetries,
			"defaultTTL":       cfg.Cache.DefaultTTL,
			"mirror": map[string]any{
				"backend": cfg.Cache.Mirror.Backend,
				"valkey": map[string]any{
					"address":  cfg.Cache.Mirror.Valkey.Address,
					"username": cfg.Cache.Mirror.Valkey.Username,
					"password": cfg.Cache.Mirror.Valkey.Password,
					"db":       cfg.Cache.Mirror.Valkey.DB,
					"tls": map[string]any{
						"enabled": cfg.Cache.Mirror.Valkey.TLS.Enabled,
						"caFile":  cfg.Cache.Mirror.Valkey.TLS.CAFile,
					},
				},
				"bolt": map[string]any{
					"path": cfg.Cache.Mirror.Bolt.Path,
				},
			},
		},
		"signer": map[string]any{
			"url":          cfg.Signer.URL,
			"timeout":      cfg.Signer.Timeout,
			"retryMax":     cfg.Signer.RetryMax,
			"retryWaitMin": cfg.Signer.RetryWaitMin,
			"retryWaitMax": cfg.Signer.RetryWaitMax,
			"qps":          cfg.Signer.QPS,
		},
		"warmup": map[string]any{
			"manifest": cfg.Warmup.Manifest,
			"watch":    cfg.Warmup.Watch,
		},
	}
}
