package tee

import (
	"bytes"
	"net/http"
	"time"
)

// ResponseSaver is a wrapper around http.ResponseWriter that records the response.
// It optionally writes the response through to the underlying http.ResponseWriter.
// The body is only buffered when no underlying writer is given,
// since a pass-through response is never stored.
type ResponseSaver struct {
	rw           http.ResponseWriter
	b            *bytes.Buffer
	header       http.Header
	status       int
	written      int64
	wroteHeaders bool
	CreatedAt    time.Time
	// BeforeWriteHeader is called with the final header map just before it is written.
	BeforeWriteHeader func(header http.Header)
}

// NewResponseSaver returns a new ResponseSaver.
// If w is not nil, the response will be written (tee'd) to it instead of being buffered.
func NewResponseSaver(w http.ResponseWriter) *ResponseSaver {
	rs := &ResponseSaver{
		CreatedAt: time.Now(),
		rw:        w,
		header:    http.Header{},
	}
	if w == nil {
		rs.b = &bytes.Buffer{}
	} else {
		rs.header = w.Header()
	}
	return rs
}

// Implementation of http.ResponseWriter
func (t *ResponseSaver) Header() http.Header {
	return t.header
}

// Implementation of http.ResponseWriter
func (t *ResponseSaver) WriteHeader(statusCode int) {
	// informational responses are not the final response
	if statusCode < 200 {
		if t.rw != nil {
			t.rw.WriteHeader(statusCode)
		}
		return
	}
	if t.wroteHeaders {
		return
	}
	t.wroteHeaders = true
	t.status = statusCode
	if t.BeforeWriteHeader != nil {
		t.BeforeWriteHeader(t.header)
	}
	if t.rw != nil {
		t.rw.WriteHeader(statusCode)
	}
}

// Implementation of http.ResponseWriter
func (t *ResponseSaver) Write(b []byte) (int, error) {
	if !t.wroteHeaders {
		t.WriteHeader(http.StatusOK)
	}
	var n int
	var err error
	if t.rw != nil {
		n, err = t.rw.Write(b)
	} else {
		n, err = t.b.Write(b)
	}
	t.written += int64(n)
	return n, err
}

// Flush implements http.Flusher so streamed pass-through responses are not held back.
func (t *ResponseSaver) Flush() {
	if f, ok := t.rw.(http.Flusher); ok {
		f.Flush()
	}
}

// StatusCode returns the status code of the response, or 0 if nothing was written.
func (t *ResponseSaver) StatusCode() int {
	return t.status
}

// WroteHeaders reports whether a final response was started.
func (t *ResponseSaver) WroteHeaders() bool {
	return t.wroteHeaders
}

// Body returns the buffered response body.
// It is nil for pass-through savers.
func (t *ResponseSaver) Body() []byte {
	if t.b == nil {
		return nil
	}
	return t.b.Bytes()
}

// Written returns the number of body bytes written.
func (t *ResponseSaver) Written() int64 {
	return t.written
}
