package offlinecache

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
)

// DefaultControlPrefix is the path prefix of the control endpoints.
const DefaultControlPrefix = "/__offline"

type HostConfig struct {
	// Path prefix of the control endpoints. Defaults to `/__offline`.
	ControlPrefix string
	// Handler for requests while no worker is active. Requests get a 503 if nil.
	Fallback http.Handler
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger
	// Metrics to record to. Optional.
	Metrics *Metrics
	// Gatherer for the metrics endpoint. The endpoint is not served if nil.
	Gatherer prometheus.Gatherer
}

// Host runs workers: it installs and activates them,
// dispatches requests to the active one and talks to the connected pages.
type Host struct {
	mu      sync.RWMutex
	active  *Worker
	waiting *Worker
	// serializes activations
	promoteMu sync.Mutex

	clients  *clients
	handler  http.Handler
	fallback http.Handler
	log      zerolog.Logger
	metrics  *Metrics

	// tracks replaced workers being closed
	wg sync.WaitGroup
}

func NewHost(config HostConfig) *Host {
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}
	prefix := strings.TrimSuffix(config.ControlPrefix, "/")
	if prefix == "" {
		prefix = DefaultControlPrefix
	}

	h := &Host{
		clients:  newClients(),
		fallback: config.Fallback,
		log:      logger,
		metrics:  config.Metrics,
	}

	r := chi.NewRouter()
	r.Use(hlog.NewHandler(logger))
	r.Use(hlog.RequestIDHandler("req_id", "X-Request-Id"))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Trace().
			Str("method", r.Method).
			Stringer("url", r.URL).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("Request")
	}))
	r.NotFound(h.serveFetch)
	r.MethodNotAllowed(h.serveFetch)
	r.Route(prefix, func(r chi.Router) {
		r.Post("/message", h.handleMessage)
		r.Get("/events", h.serveEvents)
		r.Get("/status", h.serveStatus)
		if config.Gatherer != nil {
			r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(config.Gatherer, promhttp.HandlerOpts{}))
		}
	})
	h.handler = r

	return h
}

// ServeHTTP implements the http.Handler interface.
func (h *Host) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.handler.ServeHTTP(w, r)
}

func (h *Host) serveFetch(w http.ResponseWriter, r *http.Request) {
	if active := h.Active(); active != nil {
		active.ServeHTTP(w, r)
		return
	}
	if h.fallback != nil {
		h.fallback.ServeHTTP(w, r)
		return
	}
	http.Error(w, "No active worker", http.StatusServiceUnavailable)
}

// Active returns the worker serving requests, or nil.
func (h *Host) Active() *Worker {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.active
}

// Waiting returns the installed worker waiting to be activated, or nil.
func (h *Host) Waiting() *Worker {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.waiting
}

// Register installs the worker.
// If the install fails the worker is discarded and the active worker keeps serving.
// Otherwise the worker is activated right away if it skips waiting, if no worker is active
// or if no clients are connected. It waits for a SKIP_WAITING message or for all clients to go away otherwise.
func (h *Host) Register(ctx context.Context, w *Worker) error {
	if err := w.Install(ctx); err != nil {
		return err
	}

	h.mu.Lock()
	if h.waiting != nil {
		h.retire(h.waiting)
	}
	h.waiting = w
	activate := h.active == nil || !w.config.DisableSkipWaiting || h.clients.count() == 0
	h.mu.Unlock()

	if activate {
		h.promote()
	} else {
		h.log.Info().Str("version", w.Version()).Msg("Worker installed, waiting for clients to close")
	}
	return nil
}

// SkipWaiting activates the waiting worker, if any.
func (h *Host) SkipWaiting() bool {
	return h.promote()
}

// promote activates the waiting worker, claims all clients for it
// and notifies them of the new version.
// The old regions are swept before the worker is swapped in, without blocking requests.
func (h *Host) promote() bool {
	h.promoteMu.Lock()
	defer h.promoteMu.Unlock()

	h.mu.Lock()
	w := h.waiting
	h.waiting = nil
	h.mu.Unlock()
	if w == nil {
		return false
	}

	if err := w.Activate(); err != nil {
		h.log.Error().Err(err).Str("version", w.Version()).Msg("Could not activate worker")
		h.retire(w)
		return false
	}

	h.mu.Lock()
	old := h.active
	h.active = w
	if old != nil {
		h.retire(old)
	}
	h.mu.Unlock()

	sent, err := h.clients.broadcast(Message{Type: MessageActive, Version: w.Version()})
	if err != nil {
		h.log.Error().Err(err).Msg("Could not notify clients")
	}
	h.log.Info().Str("version", w.Version()).Int("notified", sent).Msg("Worker activated")
	return true
}

// retire closes a replaced worker once its detached work is done.
func (h *Host) retire(w *Worker) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		w.Close()
	}()
}

func (h *Host) allClientsClosed() {
	if h.Waiting() != nil {
		h.log.Info().Msg("All clients closed, activating waiting worker")
		h.promote()
	}
}

// Close closes all workers and waits for their detached work.
func (h *Host) Close() error {
	h.mu.Lock()
	for _, w := range []*Worker{h.active, h.waiting} {
		if w != nil {
			h.retire(w)
		}
	}
	h.active, h.waiting = nil, nil
	h.mu.Unlock()
	h.wg.Wait()
	return nil
}

// WorkerStatus describes a worker.
type WorkerStatus struct {
	Version string `json:"version"`
	Region  string `json:"region"`
	State   string `json:"state"`
	Entries int    `json:"entries"`
}

// HostStatus is served by the status endpoint.
type HostStatus struct {
	Active  *WorkerStatus `json:"active,omitempty"`
	Waiting *WorkerStatus `json:"waiting,omitempty"`
	Clients int           `json:"clients"`
	Regions []string      `json:"regions"`
}

// Status returns the current state of the host.
func (h *Host) Status() HostStatus {
	h.mu.RLock()
	active, waiting := h.active, h.waiting
	h.mu.RUnlock()

	status := HostStatus{
		Active:  h.workerStatus(active),
		Waiting: h.workerStatus(waiting),
		Clients: h.clients.count(),
		Regions: []string{},
	}
	for _, w := range []*Worker{active, waiting} {
		if w == nil {
			continue
		}
		if names, err := w.storage.Names(); err != nil {
			h.log.Warn().Err(err).Msg("Could not list regions")
		} else {
			status.Regions = names
		}
		break
	}
	return status
}

func (h *Host) workerStatus(w *Worker) *WorkerStatus {
	if w == nil {
		return nil
	}
	ws := &WorkerStatus{
		Version: w.Version(),
		Region:  w.RegionName(),
		State:   w.State().String(),
	}
	if region := w.currentRegion(); region != nil {
		if n, err := region.Count(); err == nil {
			ws.Entries = n
		}
	}
	return ws
}

func (h *Host) serveStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Status())
}
