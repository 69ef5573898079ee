package cachekey

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

const methodSeparator = " "

// Keyer derives cache keys for requests to an application origin.
// A key is the request method and the absolute request URL without fragment,
// e.g. `GET https://app.example/style.css?v=2`.
type Keyer struct {
	// Scheme and host of the application origin.
	// Origins with paths are not supported.
	Origin url.URL
}

func NewKeyer(origin url.URL) Keyer {
	return Keyer{
		Origin: url.URL{
			Scheme: strings.ToLower(origin.Scheme),
			Host:   strings.ToLower(origin.Host),
			Path:   "/",
		},
	}
}

// Resolve resolves a possibly relative reference (e.g. `./index.html`) against the origin.
func (k Keyer) Resolve(ref string) (*url.URL, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return nil, err
	}
	return normalize(k.Origin.ResolveReference(u)), nil
}

// RequestURL returns the absolute URL the request is for.
// Requests in origin form (`GET /path`) are for the application origin,
// requests in absolute form (proxy requests) keep their own scheme and host.
func (k Keyer) RequestURL(r *http.Request) *url.URL {
	if r.URL.IsAbs() {
		return normalize(r.URL)
	}
	return normalize(k.Origin.ResolveReference(&url.URL{
		Path:     r.URL.Path,
		RawPath:  r.URL.RawPath,
		RawQuery: r.URL.RawQuery,
	}))
}

// SameOrigin reports whether the URL has the scheme and host of the application origin.
func (k Keyer) SameOrigin(u *url.URL) bool {
	return strings.EqualFold(u.Scheme, k.Origin.Scheme) && strings.EqualFold(u.Host, k.Origin.Host)
}

// Key returns the cache key for the method and URL.
func (k Keyer) Key(method string, u *url.URL) string {
	return strings.ToUpper(method) + methodSeparator + normalize(u).String()
}

// RequestKey returns the cache key for an incoming request.
func (k Keyer) RequestKey(r *http.Request) string {
	return k.Key(r.Method, k.RequestURL(r))
}

// ParseKey splits a key back into method and URL.
func ParseKey(key string) (string, *url.URL, error) {
	method, rawURL, found := strings.Cut(key, methodSeparator)
	if !found {
		return "", nil, fmt.Errorf("Malformed key: %s", key)
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", nil, fmt.Errorf("Malformed key %s: %w", key, err)
	}
	return method, u, nil
}

func normalize(u *url.URL) *url.URL {
	n := *u
	n.Scheme = strings.ToLower(n.Scheme)
	n.Host = strings.ToLower(n.Host)
	n.Fragment = ""
	n.RawFragment = ""
	n.User = nil
	if n.Path == "" {
		n.Path = "/"
	}
	return &n
}
