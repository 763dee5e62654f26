// Package mirror persists cache entries outside the process so a restart can
// warm-start from recently signed URLs instead of an empty map.
package mirror

import (
	"context"

	"github.com/d3vra/presignctrl/internal/urlcache"
)

// Mirror is a write-behind copy of the URL cache. Save runs on every entry
// replacement; Load runs once at startup to seed the cache.
type Mirror interface {
	Save(ctx context.Context, key urlcache.Key, entry urlcache.Entry) error
	Load(ctx context.Context) (map[urlcache.Key]urlcache.Entry, error)
	Close(ctx context.Context) error
}

// record is the serialized form of one mirrored entry. The key fields ride
// inside the value so Load never has to parse storage keys back apart.
type record struct {
	Owner string         `json:"owner"`
	Index int            `json:"index"`
	Entry urlcache.Entry `json:"entry"`
}
