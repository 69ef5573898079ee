package serializer

import (
	"bufio"
	"bytes"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

const (
	typeHeaderName      = "Offline-Cache-Type"
	urlHeaderName       = "Offline-Cache-Url"
	fetchedAtHeaderName = "Offline-Cache-Fetched-At"
)

// ResponseType mirrors the response types of the Fetch standard that matter for caching.
type ResponseType string

const (
	// Response from the application origin.
	Basic ResponseType = "basic"
	// Cross-origin response that allowed CORS access.
	CORS ResponseType = "cors"
	// Cross-origin response without CORS access.
	Opaque ResponseType = "opaque"
)

// Response is a fully read HTTP response.
// Since the body is held in memory, the same captured response can be stored and
// sent to the client any number of times.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Type       ResponseType
	// URL the response was fetched for.
	URL string
	// The value of the clock when the response was received.
	FetchedAt time.Time
}

// OK reports whether the status is in the 2xx range.
func (r Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Clone returns a deep copy of the response.
func (r Response) Clone() Response {
	c := r
	c.Header = r.Header.Clone()
	if c.Header == nil {
		c.Header = http.Header{}
	}
	c.Body = append([]byte{}, r.Body...)
	return c
}

// HTTPResponse returns a new *http.Response with its own body reader.
func (r Response) HTTPResponse(req *http.Request) *http.Response {
	header := r.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	return &http.Response{
		Status:        strconv.Itoa(r.StatusCode) + " " + http.StatusText(r.StatusCode),
		StatusCode:    r.StatusCode,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(r.Body)),
		ContentLength: int64(len(r.Body)),
		Request:       req,
	}
}

// Capture reads the response fully and closes its body.
func Capture(res *http.Response, typ ResponseType) (Response, error) {
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return Response{}, errors.Wrap(err, "reading response body")
	}
	captured := Response{
		StatusCode: res.StatusCode,
		Header:     res.Header.Clone(),
		Body:       body,
		Type:       typ,
		FetchedAt:  time.Now(),
	}
	if captured.Header == nil {
		captured.Header = http.Header{}
	}
	if res.Request != nil && res.Request.URL != nil {
		captured.URL = res.Request.URL.String()
	}
	captured.Header.Del("Content-Length")
	return captured, nil
}

// Marshal returns the HTTP/1.1 representation of the response.
// Type, URL and fetch time are carried as extra headers.
func Marshal(r Response) ([]byte, error) {
	res := r.HTTPResponse(nil)
	res.Header.Del("Content-Length")
	res.Header.Set(typeHeaderName, string(r.Type))
	res.Header.Set(urlHeaderName, r.URL)
	res.Header.Set(fetchedAtHeaderName, strconv.FormatInt(r.FetchedAt.UnixNano(), 10))
	buf := &bytes.Buffer{}
	if err := res.Write(buf); err != nil {
		return nil, errors.Wrap(err, "serializing response")
	}
	return buf.Bytes(), nil
}

// Unmarshal reads a response written by Marshal.
func Unmarshal(b []byte) (Response, error) {
	res, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(b)), nil)
	if err != nil {
		return Response{}, errors.Wrap(err, "reading stored response")
	}
	r, err := Capture(res, ResponseType(res.Header.Get(typeHeaderName)))
	if err != nil {
		return Response{}, err
	}
	r.URL = r.Header.Get(urlHeaderName)
	if fetchedAt, err := strconv.ParseInt(r.Header.Get(fetchedAtHeaderName), 10, 64); err == nil {
		r.FetchedAt = time.Unix(0, fetchedAt)
	}
	r.Header.Del(typeHeaderName)
	r.Header.Del(urlHeaderName)
	r.Header.Del(fetchedAtHeaderName)
	return r, nil
}
