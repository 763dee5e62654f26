package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/d3vra/presignctrl/internal/config"
	"github.com/d3vra/presignctrl/internal/urlcache"
)

// API adapts the URL cache to the HTTP surface. It implements CacheHTTP.
type API struct {
	cache   *urlcache.Cache
	logger  *slog.Logger
	mirror  string
	skipped []config.ResourceSkip
}

// NewAPI wraps the cache for HTTP serving. mirrorBackend names the configured
// warm-start backend for health reporting ("" when disabled); skipped lists
// warmup manifest rows the loader rejected.
func NewAPI(cache *urlcache.Cache, logger *slog.Logger, mirrorBackend string, skipped []config.ResourceSkip) *API {
	if logger == nil {
		logger = slog.Default()
	}
	return &API{
		cache:   cache,
		logger:  logger.With(slog.String("agent", "api")),
		mirror:  mirrorBackend,
		skipped: skipped,
	}
}

// resolveResponse flattens the key and its resolution into one payload.
type resolveResponse struct {
	urlcache.Key
	urlcache.Resolution
}

// ServeResolve answers a non-blocking lookup. A stale entry is returned as-is
// with stale set; the refresh it triggers happens after this response is gone.
func (a *API) ServeResolve(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	owner := strings.TrimSpace(query.Get("owner"))
	if owner == "" {
		a.WriteError(w, http.StatusBadRequest, "owner parameter required")
		return
	}
	index, err := strconv.Atoi(query.Get("index"))
	if err != nil || index < 0 {
		a.WriteError(w, http.StatusBadRequest, fmt.Sprintf("invalid index %q", query.Get("index")))
		return
	}
	fallback := strings.TrimSpace(query.Get("fallback"))
	if fallback == "" {
		a.WriteError(w, http.StatusBadRequest, "fallback parameter required")
		return
	}

	key := urlcache.Key{Owner: owner, Index: index}
	res := a.cache.Resolve(key, fallback)
	a.writeJSON(w, http.StatusOK, resolveResponse{Key: key, Resolution: res})
}

// refreshRequest mirrors the signing protocol's key naming.
type refreshRequest struct {
	OwnerID  string `json:"ownerId"`
	SubIndex int    `json:"subIndex"`
}

type refreshResponse struct {
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// ServeRefresh forces a refresh and blocks until the batch carrying the key
// settles or the request context gives up.
func (a *API) ServeRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		a.WriteError(w, http.StatusBadRequest, fmt.Sprintf("decode request: %v", err))
		return
	}
	if strings.TrimSpace(req.OwnerID) == "" {
		a.WriteError(w, http.StatusBadRequest, "ownerId required")
		return
	}
	if req.SubIndex < 0 {
		a.WriteError(w, http.StatusBadRequest, "subIndex must not be negative")
		return
	}

	key := urlcache.Key{Owner: req.OwnerID, Index: req.SubIndex}
	res, err := a.cache.Refresh(r.Context(), key)
	if err != nil {
		switch {
		case errors.Is(err, urlcache.ErrRefreshFailed):
			a.WriteError(w, http.StatusBadGateway, err.Error())
		case errors.Is(err, urlcache.ErrClosed):
			a.WriteError(w, http.StatusServiceUnavailable, err.Error())
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			// The caller is gone; there is nobody left to answer.
			a.logger.Debug("refresh wait abandoned", slog.String("key", key.String()))
		default:
			a.WriteError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	a.writeJSON(w, http.StatusOK, refreshResponse{URL: res.URL, ExpiresAt: res.ExpiresAt})
}

// changeEvent is the SSE payload for one entry replacement.
type changeEvent struct {
	OwnerID  string `json:"ownerId"`
	SubIndex int    `json:"subIndex"`
	URL      string `json:"url"`
}

// ServeEvents streams entry replacements as server-sent events until the
// client disconnects or the cache shuts down. An owner query parameter limits
// the stream to that owner's resources.
func (a *API) ServeEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		a.WriteError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	ownerFilter := strings.TrimSpace(r.URL.Query().Get("owner"))

	updates, cancel := a.cache.Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case update, open := <-updates:
			if !open {
				return
			}
			if ownerFilter != "" && update.Key.Owner != ownerFilter {
				continue
			}
			payload, err := json.Marshal(changeEvent{
				OwnerID:  update.Key.Owner,
				SubIndex: update.Key.Index,
				URL:      update.Entry.URL,
			})
			if err != nil {
				a.logger.Error("event encode failed", slog.Any("error", err))
				continue
			}
			if _, err := fmt.Fprintf(w, "event: update\ndata: %s\n\n", payload); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// ServeHealth reports engine statistics plus the warm-start configuration.
func (a *API) ServeHealth(w http.ResponseWriter, _ *http.Request) {
	stats := a.cache.Stats()
	status := map[string]any{
		"status":      "ok",
		"entries":     stats.Entries,
		"pending":     stats.Pending,
		"scheduled":   stats.Scheduled,
		"subscribers": stats.Subscribers,
		"observedAt":  time.Now().UTC(),
	}
	if a.mirror != "" {
		status["mirror"] = a.mirror
	}
	if len(a.skipped) > 0 {
		status["skippedResources"] = a.skipped
	}
	a.writeJSON(w, http.StatusOK, status)
}

// WriteError emits a JSON error payload matching the API's response shape.
func (a *API) WriteError(w http.ResponseWriter, status int, message string) {
	if status <= 0 {
		status = http.StatusInternalServerError
	}
	a.writeJSON(w, status, map[string]any{"error": message})
}

func (a *API) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		a.logger.Error("response encode failed", slog.Any("error", err))
	}
}
