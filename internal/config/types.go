package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Config holds every server-level option plus the warmup manifest once loaded.
type Config struct {
	Server ServerConfig `koanf:"server"`
	Cache  CacheConfig  `koanf:"cache"`
	Signer SignerConfig `koanf:"signer"`
	Warmup WarmupConfig `koanf:"warmup"`

	// WarmupResources records the manifest rows the loader accepted. It is
	// excluded from koanf so the value only reflects runtime discovery rather
	// than static input documents.
	WarmupResources []WarmupResource `koanf:"-"`
	// SkippedResources captures manifest rows the loader intentionally
	// disabled. The health endpoint can surface these so operators know which
	// rows were quarantined.
	SkippedResources []ResourceSkip `koanf:"-"`
}

// ServerConfig collects the bootstrap knobs for the HTTP surface.
type ServerConfig struct {
	Listen  ListenConfig  `koanf:"listen"`
	Logging LoggingConfig `koanf:"logging"`
}

// ListenConfig instructs the HTTP listener about bind address and port.
type ListenConfig struct {
	Address string `koanf:"address"`
	Port    int    `koanf:"port"`
}

// LoggingConfig expresses log level and format.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// CacheConfig tunes the refresh engine. Durations are Go duration strings
// ("500ms", "10s") so operators can express sub-second windows.
type CacheConfig struct {
	RefreshThreshold float64      `koanf:"refreshThreshold"`
	MinRefreshWindow string       `koanf:"minRefreshWindow"`
	MinScheduleDelay string       `koanf:"minScheduleDelay"`
	DebounceWindow   string       `koanf:"debounceWindow"`
	MaxBatchSize     int          `koanf:"maxBatchSize"`
	MaxRetries       int          `koanf:"maxRetries"`
	DefaultTTL       string       `koanf:"defaultTTL"`
	Mirror           MirrorConfig `koanf:"mirror"`
}

// GetMinRefreshWindow parses the minimum remaining lifetime below which
// proactive scheduling is pointless. Empty or invalid values fall back to 10s.
func (c CacheConfig) GetMinRefreshWindow() time.Duration {
	return parseDurationOr(c.MinRefreshWindow, 10*time.Second)
}

// GetMinScheduleDelay parses the shortest proactive timer delay worth arming.
// Empty or invalid values fall back to 5s.
func (c CacheConfig) GetMinScheduleDelay() time.Duration {
	return parseDurationOr(c.MinScheduleDelay, 5*time.Second)
}

// GetDebounceWindow parses the quiet period the refresh queue waits for before
// flushing a batch. Empty or invalid values fall back to 500ms.
func (c CacheConfig) GetDebounceWindow() time.Duration {
	return parseDurationOr(c.DebounceWindow, 500*time.Millisecond)
}

// GetDefaultTTL parses the assumed lifetime for URLs whose expiry cannot be
// extracted. Empty or invalid values fall back to 15m.
func (c CacheConfig) GetDefaultTTL() time.Duration {
	return parseDurationOr(c.DefaultTTL, 15*time.Minute)
}

// MirrorConfig selects the optional warm-start mirror backend.
type MirrorConfig struct {
	Backend string             `koanf:"backend"`
	Valkey  ValkeyMirrorConfig `koanf:"valkey"`
	Bolt    BoltMirrorConfig   `koanf:"bolt"`
}

// ValkeyMirrorConfig carries connection details for the valkey mirror backend.
type ValkeyMirrorConfig struct {
	Address  string          `koanf:"address"`
	Username string          `koanf:"username"`
	Password string          `koanf:"password"`
	DB       int             `koanf:"db"`
	TLS      MirrorTLSConfig `koanf:"tls"`
}

// MirrorTLSConfig enables TLS towards the valkey mirror.
type MirrorTLSConfig struct {
	Enabled bool   `koanf:"enabled"`
	CAFile  string `koanf:"caFile"`
}

// BoltMirrorConfig carries the file path for the bolt mirror backend.
type BoltMirrorConfig struct {
	Path string `koanf:"path"`
}

// SignerConfig describes the external batch-refresh backend.
type SignerConfig struct {
	URL          string `koanf:"url"`
	Timeout      string `koanf:"timeout"`
	RetryMax     int    `koanf:"retryMax"`
	RetryWaitMin string `koanf:"retryWaitMin"`
	RetryWaitMax string `koanf:"retryWaitMax"`
	QPS          int    `koanf:"qps"`
}

// GetTimeout parses the per-batch call budget. Empty or invalid values fall
// back to 10s.
func (c SignerConfig) GetTimeout() time.Duration {
	return parseDurationOr(c.Timeout, 10*time.Second)
}

// GetRetryWaitMin parses the lower transport retry backoff bound. Empty or
// invalid values fall back to 500ms.
func (c SignerConfig) GetRetryWaitMin() time.Duration {
	return parseDurationOr(c.RetryWaitMin, 500*time.Millisecond)
}

// GetRetryWaitMax parses the upper transport retry backoff bound. Empty or
// invalid values fall back to 5s.
func (c SignerConfig) GetRetryWaitMax() time.Duration {
	return parseDurationOr(c.RetryWaitMax, 5*time.Second)
}

// WarmupConfig points at the optional resource manifest.
type WarmupConfig struct {
	Manifest string `koanf:"manifest"`
	Watch    bool   `koanf:"watch"`
}

// WarmupResource is one manifest row: a resource key plus a URL believed to be
// currently valid, used to seed the cache without waiting for a consumer.
type WarmupResource struct {
	Owner string `koanf:"owner" json:"owner"`
	Index int    `koanf:"index" json:"index"`
	URL   string `koanf:"url" json:"url"`
}

// ResourceSkip describes a manifest row the loader intentionally ignored
// because it violated invariants (missing owner, empty URL, duplicate key).
type ResourceSkip struct {
	Row    int    `json:"row"`
	Reason string `json:"reason"`
}

// Validate enforces invariants that keep the runtime predictable before serving traffic.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config: nil")
	}
	if c.Server.Listen.Port <= 0 || c.Server.Listen.Port > 65535 {
		return fmt.Errorf("config: listen.port invalid: %d", c.Server.Listen.Port)
	}
	if c.Cache.RefreshThreshold <= 0 || c.Cache.RefreshThreshold > 1 {
		return fmt.Errorf("config: cache.refreshThreshold must be in (0,1], got %v", c.Cache.RefreshThreshold)
	}
	if c.Cache.MaxBatchSize < 1 {
		return fmt.Errorf("config: cache.maxBatchSize invalid: %d", c.Cache.MaxBatchSize)
	}
	if c.Cache.MaxRetries < 0 {
		return fmt.Errorf("config: cache.maxRetries invalid: %d", c.Cache.MaxRetries)
	}
	for field, value := range map[string]string{
		"cache.minRefreshWindow": c.Cache.MinRefreshWindow,
		"cache.minScheduleDelay": c.Cache.MinScheduleDelay,
		"cache.debounceWindow":   c.Cache.DebounceWindow,
		"cache.defaultTTL":       c.Cache.DefaultTTL,
		"signer.timeout":         c.Signer.Timeout,
		"signer.retryWaitMin":    c.Signer.RetryWaitMin,
		"signer.retryWaitMax":    c.Signer.RetryWaitMax,
	} {
		if err := validateDuration(field, value); err != nil {
			return err
		}
	}
	backend := strings.TrimSpace(strings.ToLower(c.Cache.Mirror.Backend))
	switch backend {
	case "", "none":
	case "valkey":
		if strings.TrimSpace(c.Cache.Mirror.Valkey.Address) == "" {
			return errors.New("config: cache.mirror.valkey.address required for valkey backend")
		}
	case "bolt":
		if strings.TrimSpace(c.Cache.Mirror.Bolt.Path) == "" {
			return errors.New("config: cache.mirror.bolt.path required for bolt backend")
		}
	default:
		return fmt.Errorf("config: cache.mirror.backend unsupported: %s", c.Cache.Mirror.Backend)
	}
	if strings.TrimSpace(c.Signer.URL) == "" {
		return errors.New("config: signer.url is required")
	}
	if parsed, err := url.Parse(c.Signer.URL); err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return fmt.Errorf("config: signer.url must be an http(s) URL: %s", c.Signer.URL)
	}
	if c.Signer.RetryMax < 0 {
		return fmt.Errorf("config: signer.retryMax invalid: %d", c.Signer.RetryMax)
	}
	if c.Signer.QPS < 0 {
		return fmt.Errorf("config: signer.qps invalid: %d", c.Signer.QPS)
	}
	return nil
}

// DefaultConfig returns the baseline values that align with the design defaults.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Listen: ListenConfig{
				Address: "0.0.0.0",
				Port:    8819,
			},
			Logging: LoggingConfig{
				Level:  "info",
				Format: "json",
			},
		},
		Cache: CacheConfig{
			RefreshThreshold: 0.8,
			MinRefreshWindow: "10s",
			MinScheduleDelay: "5s",
			DebounceWindow:   "500ms",
			MaxBatchSize:     20,
			MaxRetries:       2,
			DefaultTTL:       "15m",
			Mirror: MirrorConfig{
				Backend: "none",
			},
		},
		Signer: SignerConfig{
			Timeout:      "10s",
			RetryMax:     3,
			RetryWaitMin: "500ms",
			RetryWaitMax: "5s",
		},
	}
}

func validateDuration(field, value string) error {
	if value == "" {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("config: %s invalid duration %q", field, value)
	}
	if d < 0 {
		return fmt.Errorf("config: %s must not be negative: %s", field, value)
	}
	return nil
}

func parseDurationOr(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil || d < 0 {
		return fallback
	}
	return d
}
