package urlcache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/d3vra/presignctrl/internal/signing"
)

// Key identifies one signed resource: the owning object plus the position of
// the resource within it.
type Key struct {
	Owner string `json:"owner"`
	Index int    `json:"index"`
}

// String renders the key in the canonical "owner/index" form used in logs and
// mirror records.
func (k Key) String() string {
	return fmt.Sprintf("%s/%d", k.Owner, k.Index)
}

// Entry is one cached URL together with its validity window.
type Entry struct {
	URL       string    `json:"url"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Expired reports whether the entry's validity window has closed at now. An
// entry expiring exactly at now counts as expired.
func (e Entry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// Remaining returns the time left in the validity window, negative once the
// entry is expired.
func (e Entry) Remaining(now time.Time) time.Duration {
	return e.ExpiresAt.Sub(now)
}

// NewEntry builds a cache entry for rawURL. The expiry is extracted from the
// URL's signature parameters when possible; otherwise the entry is assumed
// valid for defaultTTL from now. The second return reports whether the expiry
// came from the URL itself.
func NewEntry(rawURL string, now time.Time, defaultTTL time.Duration) (Entry, bool) {
	expiresAt, ok := signing.Expiry(rawURL)
	if !ok {
		expiresAt = now.Add(defaultTTL)
	}
	return Entry{URL: rawURL, CreatedAt: now, ExpiresAt: expiresAt}, ok
}

// Update is one change event delivered to notifier subscribers after an entry
// is stored or replaced.
type Update struct {
	Key   Key   `json:"key"`
	Entry Entry `json:"entry"`
}

// Resolution is the answer to a resolve call: the URL to hand out plus enough
// context for callers that care about freshness.
type Resolution struct {
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expiresAt"`
	Stale     bool      `json:"stale"`
}

// KeyResult is the per-key outcome of one backend batch call.
type KeyResult struct {
	Key Key
	// OK reports whether the backend produced a fresh URL for the key.
	OK  bool
	URL string
	// Err carries the backend's failure description when OK is false.
	Err string
}

// Refresher produces fresh signed URLs for a batch of keys. Implementations
// may return results in any order and may omit keys entirely; omitted keys are
// treated as failed. A non-nil error means the batch call itself did not
// complete and every key in it failed.
type Refresher interface {
	RefreshBatch(ctx context.Context, keys []Key) ([]KeyResult, error)
}

// ErrRefreshFailed marks a key that exhausted its refresh retries.
var ErrRefreshFailed = errors.New("urlcache: refresh failed")

// ErrClosed is returned for operations on a closed cache.
var ErrClosed = errors.New("urlcache: closed")
