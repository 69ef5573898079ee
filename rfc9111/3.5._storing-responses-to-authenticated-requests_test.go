package rfc9111

import (
	"net/http"
	"testing"
)

func TestMustNotStoreShared(t *testing.T) {
	for _, c := range []struct {
		authorization string
		cacheControl  string
		setCookie     string
		expected      bool
	}{
		{"", "", "", false},
		{"", "max-age=60", "", false},
		{"", "private", "", true},
		{"", "Private, max-age=60", "", true},
		{"Bearer alice", "", "", true},
		{"Bearer alice", "max-age=60", "", true},
		{"Bearer alice", "public", "", false},
		{"Bearer alice", "s-maxage=60", "", false},
		{"Bearer alice", "must-revalidate", "", false},
		{"Bearer alice", "public, private", "", true},
		{"", "", "session=alice", true},
		{"", "public", "session=alice", false},
	} {
		req, _ := http.NewRequest("GET", "https://app.example/me", nil)
		if c.authorization != "" {
			req.Header.Set("Authorization", c.authorization)
		}
		res := &http.Response{Header: http.Header{}}
		if c.cacheControl != "" {
			res.Header.Set("Cache-Control", c.cacheControl)
		}
		if c.setCookie != "" {
			res.Header.Set("Set-Cookie", c.setCookie)
		}
		if MustNotStoreShared(req, res) != c.expected {
			t.Fatalf("MustNotStoreShared for %+v should be %v", c, c.expected)
		}
	}
}
