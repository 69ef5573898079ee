package rfc9111

import (
	"net/http"
	"time"
)

// ToHttpDate formats the time as an IMF-fixdate, the preferred HTTP-date format.
// This is from the HTTP specification (RFC9110), not the cache specification.
func ToHttpDate(t time.Time) string {
	return t.UTC().Format(http.TimeFormat)
}
