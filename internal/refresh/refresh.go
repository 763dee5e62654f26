// Package refresh talks to the external signing backend. It turns a batch of
// cache keys into one POST round trip and maps the backend's per-key verdicts
// back onto urlcache results.
package refresh

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/time/rate"

	"github.com/d3vra/presignctrl/internal/config"
	"github.com/d3vra/presignctrl/internal/urlcache"
)

// Client submits batched refresh requests to the signing backend over HTTP.
// It implements urlcache.Refresher. Transport-level retries (connection
// failures, 5xx) are handled inside the HTTP client; the refresh queue owns
// the higher-level retry budget per key.
type Client struct {
	endpoint string
	client   *http.Client
	limiter  *rate.Limiter
	logger   *slog.Logger
}

// New builds a Client from the signer configuration. RetryMax > 0 wraps the
// transport in retryablehttp with the configured backoff bounds; QPS > 0 adds
// a token-bucket limiter ahead of every batch call.
func New(cfg config.SignerConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	client := &http.Client{Timeout: cfg.GetTimeout()}
	if cfg.RetryMax > 0 {
		rclient := &retryablehttp.Client{
			HTTPClient:   client,
			RetryWaitMin: cfg.GetRetryWaitMin(),
			RetryWaitMax: cfg.GetRetryWaitMax(),
			RetryMax:     cfg.RetryMax,
			CheckRetry:   retryablehttp.DefaultRetryPolicy,
			Backoff:      retryablehttp.DefaultBackoff,
		}
		client = rclient.StandardClient()
	}

	var limiter *rate.Limiter
	if cfg.QPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.QPS), cfg.QPS)
	}

	return &Client{
		endpoint: cfg.URL,
		client:   client,
		limiter:  limiter,
		logger:   logger.With(slog.String("agent", "refresh")),
	}
}

// signRequest is one row of the batch request body.
type signRequest struct {
	OwnerID  string `json:"ownerId"`
	SubIndex int    `json:"subIndex"`
}

type signRequestBody struct {
	Requests []signRequest `json:"requests"`
}

// signResult is one row of the batch response. The backend may answer in any
// order, omit rows, or repeat them; the queue resolves all of that.
type signResult struct {
	OwnerID  string `json:"ownerId"`
	SubIndex int    `json:"subIndex"`
	Success  bool   `json:"success"`
	URL      string `json:"url"`
	Error    string `json:"error"`
}

type signResponseBody struct {
	Results []signResult `json:"results"`
}

// RefreshBatch posts the keys to the signing backend and returns its per-key
// results. A non-nil error means the call itself failed and no per-key
// verdicts exist.
func (c *Client) RefreshBatch(ctx context.Context, keys []urlcache.Key) ([]urlcache.KeyResult, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("signer rate limit: %w", err)
		}
	}

	payload := signRequestBody{Requests: make([]signRequest, 0, len(keys))}
	for _, key := range keys {
		payload.Requests = append(payload.Requests, signRequest{OwnerID: key.Owner, SubIndex: key.Index})
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("signer request encode: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("signer request build: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("signer request: %w", err)
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	closeErr := resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("signer read: %w", err)
	}
	if closeErr != nil {
		return nil, fmt.Errorf("signer close: %w", closeErr)
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, fmt.Errorf("signer status %d: %s", resp.StatusCode, bodySnippet(raw))
	}

	var decoded signResponseBody
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("signer response decode: %w", err)
	}

	results := make([]urlcache.KeyResult, 0, len(decoded.Results))
	for _, row := range decoded.Results {
		results = append(results, urlcache.KeyResult{
			Key: urlcache.Key{Owner: row.OwnerID, Index: row.SubIndex},
			OK:  row.Success,
			URL: row.URL,
			Err: row.Error,
		})
	}

	c.logger.Debug("signer batch completed",
		slog.Int("requested", len(keys)),
		slog.Int("answered", len(results)),
		slog.Int("status", resp.StatusCode))
	return results, nil
}

// bodySnippet keeps error messages readable when the backend returns an HTML
// error page or a large payload.
func bodySnippet(raw []byte) string {
	text := strings.TrimSpace(string(raw))
	if text == "" {
		return "empty body"
	}
	if len(text) > 256 {
		text = text[:256] + "..."
	}
	return text
}
