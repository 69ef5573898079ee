package offlinecache

import (
	"context"
	"crypto/tls"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	serializer "github.com/always-cache/offline-cache/pkg/response-serializer"
	tee "github.com/always-cache/offline-cache/pkg/response-writer-tee"
	"github.com/always-cache/offline-cache/rfc9111"
	"github.com/always-cache/offline-cache/rfc9211"

	"github.com/pkg/errors"
)

// ErrNetwork is returned when no response could be received from the network.
var ErrNetwork = errors.New("network error")

type proxyErrorKey struct{}

// proxyError receives the error of a failed round trip.
type proxyError struct {
	err error
}

func createReverseProxy(origin url.URL, originHost string) *httputil.ReverseProxy {
	transport := http.DefaultTransport
	if originHost != "" {
		transport = &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			TLSClientConfig: &tls.Config{
				ServerName: originHost,
			},
		}
	}
	return &httputil.ReverseProxy{
		Director:     createDirector(origin.Scheme, origin.Host, originHost),
		Transport:    transport,
		ErrorHandler: handleProxyError,
	}
}

// createDirector sends origin-form requests to the origin.
// Requests with absolute URLs for other hosts are sent as is.
func createDirector(scheme, host, hostHeader string) func(req *http.Request) {
	return func(req *http.Request) {
		if req.URL.Host != "" && !strings.EqualFold(req.URL.Host, host) {
			req.Host = ""
			return
		}
		req.URL.Scheme = scheme
		req.URL.Host = host
		req.Host = hostHeader
	}
}

// handleProxyError records the error for fetch if it is waiting for the response,
// otherwise it answers with a bad gateway as the default handler does.
func handleProxyError(w http.ResponseWriter, r *http.Request, err error) {
	if pe, ok := r.Context().Value(proxyErrorKey{}).(*proxyError); ok {
		pe.err = err
		return
	}
	w.WriteHeader(http.StatusBadGateway)
}

// fetch gets the response for the target URL from the network.
// The method and headers of the incoming request are used.
// An error is returned only if no response was received, HTTP error statuses are not errors.
func (w *Worker) fetch(ctx context.Context, r *http.Request, target *url.URL, bypassCaches bool) (res serializer.Response, err error) {
	// the proxy aborts with a panic if the body cannot be copied
	defer func() {
		if p := recover(); p != nil {
			res = serializer.Response{}
			err = errors.Wrapf(ErrNetwork, "fetching %s: %v", target, p)
		}
	}()

	pe := &proxyError{}
	req := r.Clone(context.WithValue(ctx, proxyErrorKey{}, pe))
	req.URL = target
	req.Host = ""
	req.RequestURI = ""
	if bypassCaches {
		rfc9111.BypassCaches(req)
	}

	w.log.Trace().Str("url", target.String()).Msg("Fetching from network")
	rs := tee.NewResponseSaver(nil)
	w.proxy.ServeHTTP(rs, req)

	if pe.err != nil {
		return serializer.Response{}, errors.Wrapf(ErrNetwork, "fetching %s: %v", target, pe.err)
	}
	if !rs.WroteHeaders() {
		return serializer.Response{}, errors.Wrapf(ErrNetwork, "fetching %s: no response", target)
	}

	res = serializer.Response{
		StatusCode: rs.StatusCode(),
		Header:     rs.Header().Clone(),
		Body:       append([]byte{}, rs.Body()...),
		Type:       w.responseType(target, rs.Header()),
		URL:        target.String(),
		FetchedAt:  time.Now(),
	}
	res.Header.Del("Content-Length")
	if res.Header.Get("Date") == "" {
		res.Header.Set("Date", rfc9111.ToHttpDate(rs.CreatedAt))
	}
	return res, nil
}

func (w *Worker) responseType(target *url.URL, header http.Header) serializer.ResponseType {
	if w.keyer.SameOrigin(target) {
		return serializer.Basic
	}
	if header.Get("Access-Control-Allow-Origin") != "" {
		return serializer.CORS
	}
	return serializer.Opaque
}

// passThrough streams the request to the network without touching the cache.
func (w *Worker) passThrough(rw http.ResponseWriter, r *http.Request, class RequestClass, reason rfc9211.FwdReason) {
	rs := tee.NewResponseSaver(rw)
	// listed after any Cache-Status of the origin
	rs.BeforeWriteHeader = func(header http.Header) {
		header.Add("Cache-Status", forwardStatus(reason).String())
	}
	w.proxy.ServeHTTP(rs, r)
	w.metrics.response(class, "passthrough")
	w.log.Debug().
		Str("method", r.Method).
		Str("url", r.URL.String()).
		Int("status", rs.StatusCode()).
		Int64("bytes", rs.Written()).
		Msg("Passed through")
}
