// Package signing extracts expiry information from signed resource URLs.
//
// Presigned URLs embed their validity window in query parameters. The cache
// only needs the absolute expiration instant; it never verifies signatures.
// A URL produced by an unknown or evolving signer simply yields ok=false and
// the caller applies its default TTL.
package signing

import (
	"net/url"
	"strconv"
	"strings"
	"time"
)

// timeLayout is the ISO 8601 basic format used by SigV4-style signers
// (e.g. "20260823T101500Z"). Timestamps are always UTC.
const timeLayout = "20060102T150405Z"

// maxValidFor caps the accepted validity window in seconds. Signers issue
// windows of minutes to days; anything beyond this is treated as malformed.
// The cap also keeps the duration multiply below overflow.
const maxValidFor = int64(1) << 31

// signerFields maps a signer dialect to its signed-at / valid-for query
// parameter pair.
var signerFields = []struct {
	signedAt string
	validFor string
}{
	{"X-Amz-Date", "X-Amz-Expires"},   // AWS Signature V4
	{"X-Goog-Date", "X-Goog-Expires"}, // GCS V4 signed URLs
}

// Expiry extracts the absolute expiration instant embedded in a signed URL.
//
// Recognized forms, tried in order:
//   - signed-at timestamp plus valid-for seconds (SigV4 and GCS V4 dialects)
//   - legacy query auth with an absolute unix "Expires" timestamp
//
// Parameter names are matched case-insensitively and extraneous parameters
// are ignored. Returns ok=false when the required fields are absent or
// unparseable; that is a normal outcome, not an error, and the caller is
// expected to fall back to a configured default TTL.
func Expiry(rawURL string) (time.Time, bool) {
	if rawURL == "" {
		return time.Time{}, false
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return time.Time{}, false
	}
	query := u.Query()

	for _, fields := range signerFields {
		signedAt, okAt := lookup(query, fields.signedAt)
		validFor, okFor := lookup(query, fields.validFor)
		if !okAt || !okFor {
			continue
		}
		at, err := time.Parse(timeLayout, signedAt)
		if err != nil {
			continue
		}
		seconds, err := strconv.ParseInt(validFor, 10, 64)
		if err != nil || seconds <= 0 || seconds > maxValidFor {
			continue
		}
		return at.Add(time.Duration(seconds) * time.Second), true
	}

	// Legacy signers encode the expiry directly as unix seconds.
	if raw, ok := lookup(query, "Expires"); ok {
		seconds, err := strconv.ParseInt(raw, 10, 64)
		if err == nil && seconds > 0 {
			return time.Unix(seconds, 0).UTC(), true
		}
	}

	return time.Time{}, false
}

// lookup returns the first non-empty value for name, matched
// case-insensitively against the query parameter names.
func lookup(query url.Values, name string) (string, bool) {
	if vs, ok := query[name]; ok && len(vs) > 0 && vs[0] != "" {
		return vs[0], true
	}
	for key, vs := range query {
		if strings.EqualFold(key, name) && len(vs) > 0 && vs[0] != "" {
			return vs[0], true
		}
	}
	return "", false
}
