// Package offlinecache is an offline-first caching proxy for web applications.
// It precaches the application shell, serves navigations network-first and
// other assets from the cache, and keeps one cache region per deployed version.
package offlinecache

import (
	"net/http"
	"net/http/httputil"
	"net/url"
	"sync"
	"time"

	"github.com/always-cache/offline-cache/cache"
	cachekey "github.com/always-cache/offline-cache/pkg/cache-key"
	serializer "github.com/always-cache/offline-cache/pkg/response-serializer"
	"github.com/always-cache/offline-cache/rfc9211"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
)

// Worker is one version of the offline cache.
// It precaches the manifest on install, removes the regions of older versions on activate,
// and serves requests from its region and the network once active.
type Worker struct {
	config   Config
	storage  cache.Storage
	keyer    cachekey.Keyer
	log      zerolog.Logger
	proxy    *httputil.ReverseProxy
	metrics  *Metrics
	shellKey string

	mu         sync.RWMutex
	state      State
	region     cache.Region
	maintainer *maintainer
	// no detached work is started once closed
	closed bool

	// tracks detached work: revalidations and trims
	wg    sync.WaitGroup
	bgSem chan struct{}

	crossOrigins map[string]bool
}

// New creates a worker for the configured version.
// The worker does nothing before it is installed.
func New(config Config) (*Worker, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	config = config.withDefaults()

	// use console logger if not specified in config
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}

	// create a child logger and add defaults
	logger = logger.With().
		Str("region", config.RegionName()).
		Logger()

	w := &Worker{
		config:  config,
		storage: config.Storage,
		keyer:   cachekey.NewKeyer(config.OriginURL),
		log:     logger,
		proxy:   createReverseProxy(config.OriginURL, config.OriginHost),
		metrics: config.Metrics,
		state:   StateParsed,
		bgSem:   make(chan struct{}, config.MaxBackgroundFetches),

		crossOrigins: make(map[string]bool, len(config.CrossOrigins)),
	}
	for _, origin := range config.CrossOrigins {
		// validated above
		o, _ := parseOrigin(origin)
		w.crossOrigins[o] = true
	}

	shellURL, err := w.keyer.Resolve(config.ShellPath)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid shell path %s", config.ShellPath)
	}
	if !w.keyer.SameOrigin(shellURL) {
		return nil, errors.Errorf("shell %s is not on the application origin", shellURL)
	}
	w.shellKey = w.keyer.Key(http.MethodGet, shellURL)

	return w, nil
}

// Version returns the version tag of the worker.
func (w *Worker) Version() string {
	return w.config.Version
}

// RegionName returns the name of the worker's cache region.
func (w *Worker) RegionName() string {
	return w.config.RegionName()
}

func (w *Worker) State() State {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

func (w *Worker) currentRegion() cache.Region {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.region
}

// ServeHTTP implements the http.Handler interface.
// Requests are passed through to the network until the worker is installed.
func (w *Worker) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	defer w.recover(rw, r)
	if u := w.keyer.RequestURL(r); !w.keyer.SameOrigin(u) && !w.crossOrigins[originOf(u)] {
		w.refuse(rw, r, u)
		return
	}
	class := Classify(r, w.keyer)
	if class == Ignored {
		w.passThrough(rw, r, class, rfc9211.FwdReasonMethod)
		return
	}
	if w.currentRegion() == nil {
		w.passThrough(rw, r, class, rfc9211.FwdReasonBypass)
		return
	}
	switch class {
	case Navigation:
		w.networkFirst(rw, r)
	case CrossOrigin:
		w.crossOrigin(rw, r)
	default:
		if w.config.AssetStrategy == CacheFirst {
			w.cacheFirst(rw, r)
		} else {
			w.staleWhileRevalidate(rw, r)
		}
	}
}

// recover recovers from panics and sends the request to the escape hatch if needed.
func (w *Worker) recover(rw http.ResponseWriter, r *http.Request) {
	if err := recover(); err != nil {
		if err == http.ErrAbortHandler {
			panic(err)
		}
		w.log.WithLevel(zerolog.PanicLevel).Interface("error", err).Msg("Panic in fetch handler")
		w.escapeHatch(rw, r)
	}
}

// escapeHatch is a fallback handler that just proxies the request to the network.
func (w *Worker) escapeHatch(rw http.ResponseWriter, r *http.Request) {
	w.passThrough(rw, r, Classify(r, w.keyer), rfc9211.FwdReasonBypass)
}

// refuse answers requests for origins that are neither the application origin nor allowed.
// They are never forwarded.
func (w *Worker) refuse(rw http.ResponseWriter, r *http.Request, u *url.URL) {
	w.log.Warn().Str("method", r.Method).Str("url", u.String()).Msg("Refusing request for unknown origin")
	w.metrics.response(CrossOrigin, sourceRefused)
	http.Error(rw, "Forbidden origin", http.StatusForbidden)
}

// send writes the response to the client.
func (w *Worker) send(rw http.ResponseWriter, r *http.Request, class RequestClass, source string, res serializer.Response, cs rfc9211.CacheStatus) {
	copyHeader(rw.Header(), res.Header)
	rw.Header().Add("Cache-Status", cs.String())
	rw.WriteHeader(res.StatusCode)
	if _, err := rw.Write(res.Body); err != nil {
		w.log.Error().Err(err).Msg("Could not write response body to client")
	}
	w.metrics.response(class, source)
	w.logRequest(r, class, source, res.StatusCode, cs)
}

func (w *Worker) logRequest(r *http.Request, class RequestClass, source string, status int, cs rfc9211.CacheStatus) {
	e := w.log.Debug().
		Str("method", r.Method).
		Str("url", r.URL.String()).
		Str("class", class.String()).
		Str("source", source).
		Int("status", status).
		Str("cacheStatus", cs.String())
	if id, ok := hlog.IDFromRequest(r); ok {
		e = e.Str("req_id", id.String())
	}
	e.Msg("Sending response to client")
}

// match returns the stored response for the key.
// Storage errors are logged and reported as a miss.
func (w *Worker) match(key string) (serializer.Response, bool) {
	region := w.currentRegion()
	if region == nil {
		return serializer.Response{}, false
	}
	entry, found, err := region.Match(key)
	if err != nil {
		w.log.Error().Err(err).Str("key", key).Msg("Could not read from cache")
		return serializer.Response{}, false
	}
	if !found {
		w.log.Trace().Str("key", key).Msg("Not in cache")
		return serializer.Response{}, false
	}
	res, err := serializer.Unmarshal(entry.Bytes)
	if err != nil {
		w.log.Error().Err(err).Str("key", key).Msg("Could not read stored response")
		return serializer.Response{}, false
	}
	return res, true
}

// put stores the response under the key and schedules trimming.
func (w *Worker) put(key string, res serializer.Response) error {
	w.mu.RLock()
	region, maintainer := w.region, w.maintainer
	w.mu.RUnlock()
	if region == nil {
		return errors.New("worker is not installed")
	}
	b, err := serializer.Marshal(res)
	if err != nil {
		return err
	}
	w.log.Trace().Str("key", key).Msg("Writing to cache")
	err = region.Put(cache.Entry{Key: key, StoredAt: time.Now(), Bytes: b})
	w.metrics.cacheWrite(err)
	if err != nil {
		return errors.Wrapf(err, "writing %s", key)
	}
	maintainer.trigger()
	return nil
}

// detach runs f in a goroutine tracked by Wait.
// It returns false without running f if the worker is closed.
func (w *Worker) detach(f func()) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return false
	}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		f()
	}()
	return true
}

// Wait blocks until all detached work of the worker is done.
// Requests served meanwhile may start more work, Close stops that.
func (w *Worker) Wait() {
	w.wg.Wait()
}

// Close stops starting detached work, waits for the running work and marks the worker redundant.
// Requests still in flight are served, without background updates.
// The storage is not closed, it is shared between versions.
func (w *Worker) Close() error {
	w.mu.Lock()
	w.closed = true
	w.state = StateRedundant
	w.mu.Unlock()
	w.Wait()
	return nil
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}
