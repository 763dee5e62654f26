package mirror

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	valkey "github.com/valkey-io/valkey-go"

	"github.com/d3vra/presignctrl/internal/config"
	"github.com/d3vra/presignctrl/internal/urlcache"
)

// keyPrefix namespaces mirror rows so a shared valkey instance can host other
// tenants alongside this cache.
const keyPrefix = "presignctrl:url:"

type valkeyMirror struct {
	client valkey.Client
}

// NewValkey connects to the configured valkey instance and verifies the
// connection with a ping before returning.
func NewValkey(cfg config.ValkeyMirrorConfig) (Mirror, error) {
	if cfg.Address == "" {
		return nil, errors.New("mirror: valkey address required")
	}

	option := valkey.ClientOption{
		InitAddress:       []string{cfg.Address},
		Username:          cfg.Username,
		Password:          cfg.Password,
		SelectDB:          cfg.DB,
		AlwaysRESP2:       true,
		ForceSingleClient: true,
		DisableCache:      true,
	}

	if cfg.TLS.Enabled {
		tlsConfig := &tls.Config{}
		if cfg.TLS.CAFile != "" {
			caData, err := os.ReadFile(cfg.TLS.CAFile)
			if err != nil {
				return nil, fmt.Errorf("mirror: read valkey ca file: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(caData) {
				return nil, errors.New("mirror: valkey ca file contains no certificates")
			}
			tlsConfig.RootCAs = pool
		}
		option.TLSConfig = tlsConfig
	}

	client, err := valkey.NewClient(option)
	if err != nil {
		return nil, fmt.Errorf("mirror: valkey client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("mirror: valkey ping: %w", err)
	}

	return &valkeyMirror{client: client}, nil
}

// Save writes the entry with a TTL matching its remaining lifetime, so dead
// rows age out of valkey on their own. Entries that have already expired are
// not worth mirroring and are skipped.
func (m *valkeyMirror) Save(ctx context.Context, key urlcache.Key, entry urlcache.Entry) error {
	ttl := time.Until(entry.ExpiresAt)
	if ttl <= 0 {
		return nil
	}
	payload, err := json.Marshal(record{Owner: key.Owner, Index: key.Index, Entry: entry})
	if err != nil {
		return fmt.Errorf("mirror: valkey marshal: %w", err)
	}
	cmd := m.client.B().Set().Key(keyPrefix + key.String()).Value(string(payload)).Px(ttl).Build()
	if err := m.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("mirror: valkey set: %w", err)
	}
	return nil
}

func (m *valkeyMirror) Load(ctx context.Context) (map[urlcache.Key]urlcache.Entry, error) {
	entries := make(map[urlcache.Key]urlcache.Entry)
	var cursor uint64
	for {
		resp := m.client.Do(ctx, m.client.B().Scan().Cursor(cursor).Match(keyPrefix+"*").Count(100).Build())
		scan, err := resp.AsScanEntry()
		if err != nil {
			return nil, fmt.Errorf("mirror: valkey scan: %w", err)
		}
		for _, storageKey := range scan.Elements {
			get := m.client.Do(ctx, m.client.B().Get().Key(storageKey).Build())
			if err := get.Error(); err != nil {
				// Rows can expire between the scan and the get.
				if errors.Is(err, valkey.Nil) {
					continue
				}
				return nil, fmt.Errorf("mirror: valkey get: %w", err)
			}
			payload, err := get.AsBytes()
			if err != nil {
				return nil, fmt.Errorf("mirror: valkey get bytes: %w", err)
			}
			var rec record
			if err := json.Unmarshal(payload, &rec); err != nil {
				return nil, fmt.Errorf("mirror: valkey unmarshal: %w", err)
			}
			entries[urlcache.Key{Owner: rec.Owner, Index: rec.Index}] = rec.Entry
		}
		cursor = scan.Cursor
		if cursor == 0 {
			break
		}
	}
	return entries, nil
}

func (m *valkeyMirror) Close(context.Context) error {
	m.client.Close()
	return nil
}
