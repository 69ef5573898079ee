package offlinecache

import (
	"mime"
	"net/http"
	"strings"

	cachekey "github.com/always-cache/offline-cache/pkg/cache-key"
)

// RequestClass decides which policy handles a request.
type RequestClass int

const (
	// Not intercepted, passed through to the network (non-GET requests).
	Ignored RequestClass = iota
	// Page loads, handled network-first.
	Navigation
	// Everything else on the application origin.
	SameOriginAsset
	// Requests for other origins, never stored.
	CrossOrigin
)

func (c RequestClass) String() string {
	switch c {
	case Navigation:
		return "navigation"
	case SameOriginAsset:
		return "asset"
	case CrossOrigin:
		return "cross-origin"
	}
	return "ignored"
}

// Classify returns the class of the request.
// Navigations are recognized by the fetch metadata the browser sends,
// by a path ending in `.html`, or by an Accept header preferring HTML.
// Only same-origin requests are ever navigations.
func Classify(r *http.Request, keyer cachekey.Keyer) RequestClass {
	if r.Method != http.MethodGet {
		return Ignored
	}
	u := keyer.RequestURL(r)
	if !keyer.SameOrigin(u) {
		return CrossOrigin
	}
	if strings.EqualFold(r.Header.Get("Sec-Fetch-Mode"), "navigate") ||
		strings.EqualFold(r.Header.Get("Sec-Fetch-Dest"), "document") ||
		strings.HasSuffix(u.Path, ".html") ||
		prefersHTML(r.Header.Get("Accept")) {
		return Navigation
	}
	return SameOriginAsset
}

// prefersHTML reports whether text/html is the first media type listed.
func prefersHTML(accept string) bool {
	first, _, _ := strings.Cut(accept, ",")
	mediaType, _, err := mime.ParseMediaType(first)
	if err != nil {
		return false
	}
	return mediaType == "text/html" || mediaType == "application/xhtml+xml"
}
