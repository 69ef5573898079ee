package rfc9111

import "net/http"

// §  5.2.1.4.  no-cache
// §
// §     The no-cache request directive indicates that the client prefers a
// §     stored response not be used to satisfy the request without successful
// §     validation on the origin server.

// BypassCaches marks the request so that intermediate HTTP caches forward it to the origin.
// Pragma is added for HTTP/1.0 caches (Section 5.4).
func BypassCaches(req *http.Request) {
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Pragma", "no-cache")
	// conditional headers would let an intermediary answer with 304, which cannot be stored
	req.Header.Del("If-None-Match")
	req.Header.Del("If-Modified-Since")
}
