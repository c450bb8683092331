package cachekey

import (
	"net/http"

	"github.com/always-cache/mitm-cache/flow"

	"github.com/google/uuid"
)

// DefaultHeader is the header used for supplying and propagating cache keys.
const DefaultHeader = "Mitm-Cache-Key"

type Resolver struct {
	// Name of the header carrying an explicit cache key.
	Header string
}

func NewResolver(header string) Resolver {
	if header == "" {
		header = DefaultHeader
	}
	return Resolver{
		Header: http.CanonicalHeaderKey(header),
	}
}

// Resolve returns the cache key of the flow.
// A key already associated with the flow wins over the request header,
// which in turn wins over the response header.
// The boolean is false when none of these carry a key.
func (r Resolver) Resolve(f *flow.Flow) (string, bool) {
	if f.Context.Key != "" {
		return f.Context.Key, true
	}
	if f.Request != nil {
		if key := r.fromHeader(f.Request.Header); key != "" {
			return key, true
		}
	}
	if f.Response == nil {
		return "", false
	}
	if key := r.fromHeader(f.Response.Header); key != "" {
		return key, true
	}
	return "", false
}

// Strip removes the key header from the given header set,
// e.g. before the request is forwarded to the origin.
func (r Resolver) Strip(h http.Header) {
	h.Del(r.Header)
}

// Stamp sets the key header on the given header set.
func (r Resolver) Stamp(h http.Header, key string) {
	h.Set(r.Header, key)
}

// fromHeader returns the first value of the key header.
// Header.Get canonicalizes the name, so matching is case-insensitive.
func (r Resolver) fromHeader(h http.Header) string {
	if h == nil {
		return ""
	}
	return h.Get(r.Header)
}

// Generate returns a fresh random key (a version 4 UUID).
func Generate() string {
	return uuid.NewString()
}
