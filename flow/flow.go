// Package flow holds the per-exchange state shared between the request and
// response phases of the proxy pipeline.
package flow

import (
	"net/http"

	"github.com/google/uuid"
)

// Flow is one request/response exchange passing through the proxy.
// The engine owns it; addons only mutate it from within their hooks.
type Flow struct {
	// Engine-assigned identifier, used for logging only.
	ID string
	// The client request. Header changes made during the request phase
	// are what the origin receives.
	Request *http.Request
	// Nil until the origin replies or an addon installs a response
	// during the request phase.
	Response *http.Response
	// Scratch space carried from the request phase to the response phase.
	Context Context
}

// Context is the typed scratch space of a flow.
type Context struct {
	// Key is the cache key associated with the flow, empty when none.
	Key string
	// ExpectStore is set when the eventual response must be written to storage.
	ExpectStore bool
}

// Reset clears the context at the end of the response phase.
func (c *Context) Reset() {
	c.Key = ""
	c.ExpectStore = false
}

// New creates a flow for the given request.
func New(r *http.Request) *Flow {
	return &Flow{
		ID:      uuid.NewString(),
		Request: r,
	}
}
