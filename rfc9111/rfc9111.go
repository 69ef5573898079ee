// Package rfc9111 implements the parts of HTTP Caching (RFC 9111) that an
// offline-first cache needs: deciding whether a response may be stored,
// and making sure a fetch is not answered by an intermediate HTTP cache.
//
// Quotes from the RFC are prefixed with `§`.
package rfc9111
