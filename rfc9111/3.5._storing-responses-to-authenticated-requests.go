package rfc9111

import "net/http"

// MustNotStoreShared returns a boolean indicating if a response MUST NOT be stored
// by a shared cache, which replays it to every client.
// The request is the one the response was received for.
func MustNotStoreShared(req *http.Request, res *http.Response) bool {
	cc := ParseCacheControl(res.Header.Values("Cache-Control"))
	// §  *  if the cache is shared: the private response directive is either not
	// §     present or allows a shared cache to store a modified response; see
	// §     Section 5.2.2.7);
	if cc.HasDirective("private") {
		return true
	}
	// §  *  if the cache is shared: the Authorization header field is not present
	// §     in the request (see Section 11.6.2 of [HTTP]) or a response directive
	// §     is present that explicitly allows shared caching (see Section 3.5);
	if req != nil && req.Header.Get("Authorization") != "" && !mayStoreForAuthenticatedRequest(cc) {
		return true
	}
	// Cookies are per user: a response setting one is only shared if marked public.
	if res.Header.Get("Set-Cookie") != "" && !cc.HasDirective("public") {
		return true
	}
	return false
}

// §  3.5.  Storing Responses to Authenticated Requests
// §
// §     A shared cache MUST NOT use a cached response to a request with an
// §     Authorization header field (Section 11.6.2 of [HTTP]) to satisfy any
// §     subsequent request unless the response contains a Cache-Control field
// §     with a response directive (Section 5.2.2) that allows it to be stored
// §     by a shared cache, and the cache conforms to the requirements of that
// §     directive for that response.
// §
// §     In this specification, the following response directives have such an
// §     effect: must-revalidate (Section 5.2.2.2), public (Section 5.2.2.9),
// §     and s-maxage (Section 5.2.2.10).
func mayStoreForAuthenticatedRequest(cc CacheControl) bool {
	return cc.HasDirective("public") || cc.HasDirective("s-maxage") || cc.HasDirective("must-revalidate")
}
