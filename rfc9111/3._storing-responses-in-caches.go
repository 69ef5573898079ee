package rfc9111

import (
	"net/http"
	"strings"
)

// MustNotStore returns a boolean indicating if a response MUST NOT be stored.
//
// Only the explicit prohibitions are honored, freshness is not a condition for storing.
// Shared caches also check MustNotStoreShared.
func MustNotStore(res *http.Response) bool {
	cc := ParseCacheControl(res.Header.Values("Cache-Control"))
	// §  *  the no-store cache directive is not present in the response (see
	// §     Section 5.2.2.5);
	if cc.HasDirective("no-store") {
		return true
	}
	// §  A stored response with a Vary header field value containing a member
	// §  "*" always fails to match.
	for _, field := range GetListHeader(res.Header, "Vary") {
		if field == "*" {
			return true
		}
	}
	return false
}

// GetListHeader returns the members of a comma-separated list field.
func GetListHeader(header http.Header, field string) []string {
	members := make([]string, 0)
	for _, value := range header.Values(field) {
		for _, member := range strings.Split(value, ",") {
			if member = strings.TrimSpace(member); member != "" {
				members = append(members, member)
			}
		}
	}
	return members
}
