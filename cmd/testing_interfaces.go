package main

import "net/http"

// httpDoer is the minimal client contract the integration helpers probe
// endpoints with.
type httpDoer interface {
	Do(*http.Request) (*http.Response, error)
}
