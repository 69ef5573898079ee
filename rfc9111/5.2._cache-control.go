package rfc9111

import (
	"strings"
)

// §  5.2.  Cache-Control
// §
// §     The "Cache-Control" header field is used to list directives for
// §     caches along the request/response chain.  Cache directives are
// §     unidirectional, in that the presence of a directive in a request does
// §     not imply that the same directive is present or copied in the
// §     response.
// §
// §       Cache-Control   = #cache-directive
// §
// §       cache-directive = token [ "=" ( token / quoted-string ) ]

// CacheControl implements parsing of the "Cache-Control" header (/field).
type CacheControl struct {
	directives map[string]string
}

// Get returns the value (/argument) of the specified directive,
// along with a boolean indicating whether this directive is present
func (c CacheControl) Get(directive string) (string, bool) {
	val, ok := c.directives[directive]
	return val, ok
}

// HasDirective returns whether the specified directive is present
func (c CacheControl) HasDirective(directive string) bool {
	_, ok := c.Get(directive)
	return ok
}

// ParseCacheControl takes Cache-Control headers as a slice of strings
// and returns an instance of `CacheControl`.
func ParseCacheControl(headers []string) CacheControl {
	m := make(map[string]string)
	// note setting map values like this means last defined directive wins
	for _, header := range headers {
		for _, directive := range strings.Split(header, ",") {
			directive = strings.TrimSpace(directive)
			if directive == "" {
				continue
			}
			name, arg, _ := strings.Cut(directive, "=")
			m[getCacheControlDirectiveName(name)] = getCacheControlDirectiveArgument(arg)
		}
	}
	return CacheControl{m}
}

func getCacheControlDirectiveName(token string) string {
	// §  [...] to be compared case-insensitively [...]
	return strings.ToLower(strings.TrimSpace(token))
}

func getCacheControlDirectiveArgument(arg string) string {
	// §  [...] argument that can use both token and quoted-string syntax. [...]
	return strings.Trim(strings.TrimSpace(arg), "\"")
}
