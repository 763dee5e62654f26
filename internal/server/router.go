package server

import (
	"net/http"
	"strings"
)

// CacheHTTP defines the minimal surface the router needs from the cache API,
// keeping URL dispatch separate from handler logic.
type CacheHTTP interface {
	ServeResolve(http.ResponseWriter, *http.Request)
	ServeRefresh(http.ResponseWriter, *http.Request)
	ServeEvents(http.ResponseWriter, *http.Request)
	ServeHealth(http.ResponseWriter, *http.Request)
	WriteError(http.ResponseWriter, int, string)
}

// NewCacheHandler wires the HTTP routes to the cache API so the lifecycle
// server owns dispatch without embedding routing into the cache itself.
func NewCacheHandler(api CacheHTTP) http.Handler {
	if api == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "cache unavailable", http.StatusServiceUnavailable)
		})
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route, ok := parseRoute(r.URL.Path)
		if !ok {
			http.NotFound(w, r)
			return
		}

		switch route {
		case "resolve":
			if r.Method != http.MethodGet {
				api.WriteError(w, http.StatusMethodNotAllowed, "resolve requires GET")
				return
			}
			api.ServeResolve(w, r)
		case "refresh":
			if r.Method != http.MethodPost {
				api.WriteError(w, http.StatusMethodNotAllowed, "refresh requires POST")
				return
			}
			api.ServeRefresh(w, r)
		case "events":
			if r.Method != http.MethodGet {
				api.WriteError(w, http.StatusMethodNotAllowed, "events requires GET")
				return
			}
			api.ServeEvents(w, r)
		case "healthz":
			api.ServeHealth(w, r)
		default:
			http.NotFound(w, r)
		}
	})
}

// parseRoute maps a request path to a known route name. health and healthz
// are aliases.
func parseRoute(path string) (string, bool) {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" || strings.Contains(trimmed, "/") {
		return "", false
	}
	switch route := strings.ToLower(trimmed); route {
	case "resolve", "refresh", "events":
		return route, true
	case "health", "healthz":
		return "healthz", true
	}
	return "", false
}
