// Package rfc9211 builds values for the Cache-Status response header
// defined in RFC 9211.
package rfc9211

import (
	"fmt"
	"strings"
)

// HeaderName is the name of the Cache-Status header field.
const HeaderName = "Cache-Status"

type Status string

const (
	StatusHit Status = "hit"
	StatusFwd Status = "fwd"
)

type FwdReason string

const (
	// The cache did not contain any responses that matched the
	// request URI.
	FwdReasonUriMiss FwdReason = "uri-miss"

	// The cache did not contain any responses that could be used to
	// satisfy this request.
	FwdReasonMiss FwdReason = "miss"
)

// CacheStatus describes how a single cache handled a request.
type CacheStatus struct {
	// Identifies the cache in the header value.
	Name      string
	Status    Status
	FwdReason FwdReason
	// Set when the forwarded response was stored.
	Stored bool
	// Extra information, reported with the detail parameter when not empty.
	Detail string
}

func (cs *CacheStatus) Hit() {
	cs.Status = StatusHit
	cs.FwdReason = ""
}

func (cs *CacheStatus) Forward(reason FwdReason) {
	cs.Status = StatusFwd
	cs.FwdReason = reason
}

// String returns the header field member, e.g. `mitm-cache; fwd=uri-miss; stored`.
func (cs CacheStatus) String() string {
	var b strings.Builder
	b.WriteString(cs.Name)
	switch cs.Status {
	case StatusHit:
		b.WriteString("; hit")
	case StatusFwd:
		reason := cs.FwdReason
		if reason == "" {
			reason = FwdReasonMiss
		}
		fmt.Fprintf(&b, "; fwd=%s", reason)
	}
	if cs.Stored {
		b.WriteString("; stored")
	}
	if cs.Detail != "" {
		fmt.Fprintf(&b, "; detail=%q", cs.Detail)
	}
	return b.String()
}
