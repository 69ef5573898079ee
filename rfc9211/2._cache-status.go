// Package rfc9211 builds Cache-Status header field values (RFC 9211).
package rfc9211

import (
	"strconv"
	"strings"
)

// §  2.  The Cache-Status HTTP Response Header Field
// §
// §     The Cache-Status HTTP response header field indicates how caches have
// §     handled that response and its corresponding request.

// CacheName identifies this cache in Cache-Status members.
const CacheName = "Offline-Cache"

type FwdReason string

// §  2.2.  The fwd Parameter
// §
// §     "fwd" indicates that the request went forward towards the origin and
// §     why.
const (
	// The cache was configured to not handle this request.
	FwdReasonBypass FwdReason = "bypass"

	// The request method's semantics require the request to be
	// forwarded.
	FwdReasonMethod FwdReason = "method"

	// The cache did not contain any responses that matched the
	// request URI.
	FwdReasonUriMiss FwdReason = "uri-miss"

	// The cache did not contain any responses that could be used to
	// satisfy this request (to be used when an implementation cannot
	// distinguish between uri-miss and vary-miss).
	FwdReasonMiss FwdReason = "miss"

	// The cache was able to select a fresh response for the
	// request, but the request's semantics (e.g., Cache-Control request
	// directives) did not allow its use.
	FwdReasonRequest FwdReason = "request"

	// The cache was able to select a response for the request, but
	// it was stale.
	FwdReasonStale FwdReason = "stale"
)

// Details used by the offline cache.
const (
	// The response was served from cache because the network failed.
	DetailOffline = "offline"
	// The response is the application shell served in place of the requested page.
	DetailShell = "shell"
	// The response was generated by the cache.
	DetailSynthetic = "synthetic"
	// A stored response was served and a background update was started.
	DetailRevalidating = "revalidating"
)

type CacheStatus struct {
	hit       bool
	FwdReason FwdReason
	// §  2.3.  The fwd-status Parameter
	FwdStatus int
	// §  2.5.  The stored Parameter
	Stored bool
	// §  2.8.  The detail Parameter
	Detail string
}

// §  2.1.  The hit Parameter
// §
// §     "hit", when true, indicates that the request was satisfied by the
// §     cache; that is, it was not forwarded, and the response was obtained
// §     from the cache.
func (cs *CacheStatus) Hit() {
	cs.hit = true
	cs.FwdReason = ""
}

func (cs *CacheStatus) Forward(reason FwdReason) {
	cs.hit = false
	cs.FwdReason = reason
}

// IsHit reports whether the response was served from the cache.
func (cs CacheStatus) IsHit() bool {
	return cs.hit
}

func (cs CacheStatus) String() string {
	params := []string{CacheName}
	if cs.hit {
		params = append(params, "hit")
	} else if cs.FwdReason != "" {
		params = append(params, "fwd="+string(cs.FwdReason))
		if cs.FwdStatus != 0 {
			params = append(params, "fwd-status="+strconv.Itoa(cs.FwdStatus))
		}
	}
	if cs.Stored {
		params = append(params, "stored")
	}
	if cs.Detail != "" {
		params = append(params, "detail="+cs.Detail)
	}
	return strings.Join(params, "; ")
}
