package offlinecache

import (
	"context"
	"net/http"

	serializer "github.com/always-cache/offline-cache/pkg/response-serializer"
	"github.com/always-cache/offline-cache/rfc9111"
	"github.com/always-cache/offline-cache/rfc9211"
)

const (
	sourceCache     = "cache"
	sourceNetwork   = "network"
	sourceOffline   = "offline"
	sourceSynthetic = "synthetic"
	sourceRefused   = "refused"
)

const (
	offlineBody           = "Offline"
	offlineNoShellBody    = "Offline and no cached shell"
	revalidationSkipped   = "skipped"
	revalidationSucceeded = "ok"
	revalidationFailed    = "failed"
)

// networkFirst serves navigations.
// The network response is returned and stored as the application shell,
// the stored shell is only used when the network fails.
func (w *Worker) networkFirst(rw http.ResponseWriter, r *http.Request) {
	cs := rfc9211.CacheStatus{}
	res, err := w.fetch(r.Context(), r, w.keyer.RequestURL(r), true)
	if err == nil {
		cs.Forward(rfc9211.FwdReasonRequest)
		cs.FwdStatus = res.StatusCode
		if res.OK() && res.Type == serializer.Basic && w.shareable(r, res) {
			if err := w.put(w.shellKey, res.Clone()); err != nil {
				w.log.Warn().Err(err).Msg("Could not store application shell")
			} else {
				cs.Stored = true
			}
		}
		w.send(rw, r, Navigation, sourceNetwork, res, cs)
		return
	}

	w.log.Info().Err(err).Str("url", r.URL.String()).Msg("Navigation failed, serving stored shell")
	if shell, found := w.match(w.shellKey); found {
		cs.Hit()
		cs.Detail = rfc9211.DetailOffline
		w.send(rw, r, Navigation, sourceOffline, shell, cs)
		return
	}
	w.sendOffline(rw, r, Navigation, offlineNoShellBody)
}

// staleWhileRevalidate serves a stored response right away and updates it in the background.
// Without a stored response the network response is awaited and stored.
func (w *Worker) staleWhileRevalidate(rw http.ResponseWriter, r *http.Request) {
	key := w.keyer.RequestKey(r)
	if res, found := w.match(key); found {
		cs := rfc9211.CacheStatus{}
		cs.Hit()
		cs.Detail = rfc9211.DetailRevalidating
		// the stored response is read before the update starts
		w.revalidateAsync(r, key)
		w.send(rw, r, SameOriginAsset, sourceCache, res, cs)
		return
	}
	w.fetchAndStore(rw, r, key)
}

// cacheFirst serves a stored response if there is one, otherwise the network response is stored.
func (w *Worker) cacheFirst(rw http.ResponseWriter, r *http.Request) {
	key := w.keyer.RequestKey(r)
	if res, found := w.match(key); found {
		cs := rfc9211.CacheStatus{}
		cs.Hit()
		w.send(rw, r, SameOriginAsset, sourceCache, res, cs)
		return
	}
	w.fetchAndStore(rw, r, key)
}

func (w *Worker) fetchAndStore(rw http.ResponseWriter, r *http.Request, key string) {
	cs := rfc9211.CacheStatus{}
	cs.Forward(rfc9211.FwdReasonUriMiss)
	res, err := w.fetch(r.Context(), r, w.keyer.RequestURL(r), false)
	if err != nil {
		w.log.Info().Err(err).Str("url", r.URL.String()).Msg("Asset fetch failed")
		w.assetFallback(rw, r)
		return
	}
	cs.FwdStatus = res.StatusCode
	if w.cacheable(r, res) {
		if err := w.put(key, res.Clone()); err != nil {
			w.log.Warn().Err(err).Msg("Could not store response")
		} else {
			cs.Stored = true
		}
	}
	w.send(rw, r, SameOriginAsset, sourceNetwork, res, cs)
}

func (w *Worker) assetFallback(rw http.ResponseWriter, r *http.Request) {
	if w.config.FallbackToShell {
		if shell, found := w.match(w.shellKey); found {
			cs := rfc9211.CacheStatus{}
			cs.Hit()
			cs.Detail = rfc9211.DetailShell
			w.send(rw, r, SameOriginAsset, sourceOffline, shell, cs)
			return
		}
	}
	w.sendOffline(rw, r, SameOriginAsset, offlineBody)
}

// revalidateAsync updates the stored response in a detached goroutine.
// The update is skipped if too many are already running.
func (w *Worker) revalidateAsync(r *http.Request, key string) {
	select {
	case w.bgSem <- struct{}{}:
		// ok
	default:
		w.metrics.revalidation(revalidationSkipped)
		w.log.Trace().Str("key", key).Msg("Too many background updates, skipping")
		return
	}
	// not canceled when the client goes away
	ctx := context.WithoutCancel(r.Context())
	req := r.Clone(ctx)
	target := w.keyer.RequestURL(r)

	started := w.detach(func() {
		defer func() { <-w.bgSem }()

		res, err := w.fetch(ctx, req, target, false)
		if err != nil {
			w.metrics.revalidation(revalidationFailed)
			w.log.Debug().Err(err).Str("key", key).Msg("Background update failed")
			return
		}
		if !w.cacheable(req, res) {
			w.metrics.revalidation(revalidationSkipped)
			w.log.Trace().Str("key", key).Int("status", res.StatusCode).Msg("Background update not stored")
			return
		}
		if err := w.put(key, res); err != nil {
			w.metrics.revalidation(revalidationFailed)
			w.log.Warn().Err(err).Str("key", key).Msg("Could not store background update")
			return
		}
		w.metrics.revalidation(revalidationSucceeded)
	})
	if !started {
		<-w.bgSem
		w.metrics.revalidation(revalidationSkipped)
		w.log.Trace().Str("key", key).Msg("Worker closed, not updating")
	}
}

// crossOrigin serves requests for other origins from the network.
// The region is only consulted when the network fails, nothing is stored.
func (w *Worker) crossOrigin(rw http.ResponseWriter, r *http.Request) {
	cs := rfc9211.CacheStatus{}
	res, err := w.fetch(r.Context(), r, w.keyer.RequestURL(r), false)
	if err == nil {
		cs.Forward(rfc9211.FwdReasonBypass)
		cs.FwdStatus = res.StatusCode
		w.send(rw, r, CrossOrigin, sourceNetwork, res, cs)
		return
	}
	w.log.Info().Err(err).Str("url", r.URL.String()).Msg("Cross-origin fetch failed")
	if stored, found := w.match(w.keyer.RequestKey(r)); found {
		cs.Hit()
		cs.Detail = rfc9211.DetailOffline
		w.send(rw, r, CrossOrigin, sourceOffline, stored, cs)
		return
	}
	w.sendOffline(rw, r, CrossOrigin, offlineBody)
}

// cacheable reports whether a network response may be written to the region.
func (w *Worker) cacheable(r *http.Request, res serializer.Response) bool {
	if !res.OK() || res.Type != serializer.Basic || !w.shareable(r, res) {
		return false
	}
	return !rfc9111.MustNotStore(res.HTTPResponse(nil))
}

// shareable reports whether the response may be replayed to any client.
// Partial content never is: it would be served for the full resource.
func (w *Worker) shareable(r *http.Request, res serializer.Response) bool {
	if res.StatusCode == http.StatusPartialContent {
		return false
	}
	return !rfc9111.MustNotStoreShared(r, res.HTTPResponse(nil))
}

func (w *Worker) sendOffline(rw http.ResponseWriter, r *http.Request, class RequestClass, body string) {
	cs := rfc9211.CacheStatus{Detail: rfc9211.DetailSynthetic}
	cs.Forward(rfc9211.FwdReasonMiss)
	w.send(rw, r, class, sourceSynthetic, offlineResponse(body), cs)
}

// offlineResponse is the synthetic response used when neither network nor cache can answer.
func offlineResponse(body string) serializer.Response {
	return serializer.Response{
		StatusCode: http.StatusServiceUnavailable,
		Header: http.Header{
			"Content-Type":  {"text/plain; charset=utf-8"},
			"Cache-Control": {"no-store"},
		},
		Body: []byte(body),
	}
}

func forwardStatus(reason rfc9211.FwdReason) rfc9211.CacheStatus {
	cs := rfc9211.CacheStatus{}
	cs.Forward(reason)
	return cs
}
