package offlinecache

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/always-cache/offline-cache/cache"
	serializer "github.com/always-cache/offline-cache/pkg/response-serializer"

	"github.com/pkg/errors"
)

// State is the lifecycle state of a worker.
type State int

const (
	StateParsed State = iota
	StateInstalling
	StateInstalled
	StateActivating
	StateActivated
	// The worker failed to install or was replaced.
	StateRedundant
)

func (s State) String() string {
	switch s {
	case StateParsed:
		return "parsed"
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActivated:
		return "activated"
	}
	return "redundant"
}

// InstallError is returned when the manifest could not be precached.
type InstallError struct {
	// URL of the first manifest entry that failed.
	URL string
	// Status of the response, if one was received.
	StatusCode int
	Err        error
}

func (e *InstallError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("install failed for %s: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("install failed for %s: status %d", e.URL, e.StatusCode)
}

func (e *InstallError) Unwrap() error {
	return e.Err
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state = s
}

// Install precaches every manifest entry into the worker's region.
// All entries are fetched from the origin, bypassing HTTP caches, and must be 200 responses.
// Entries are written in one batch: if any entry fails nothing is written and the worker becomes redundant.
// Installing another worker for the same version rewrites the same entries.
func (w *Worker) Install(ctx context.Context) error {
	w.mu.Lock()
	if w.state != StateParsed {
		w.mu.Unlock()
		return errors.Errorf("cannot install worker in state %s", w.state)
	}
	w.state = StateInstalling
	w.mu.Unlock()

	start := time.Now()
	w.log.Info().Str("version", w.config.Version).Msg("Installing")

	region, pinned, err := w.install(ctx)
	w.metrics.lifecycle("install", err)
	if err != nil {
		w.setState(StateRedundant)
		w.log.Error().Err(err).Msg("Install failed")
		return err
	}

	w.mu.Lock()
	w.region = region
	w.maintainer = newMaintainer(w, region, pinned)
	w.state = StateInstalled
	w.mu.Unlock()
	w.log.Info().Dur("took", time.Since(start)).Int("entries", len(w.config.Manifest)).Msg("Installed")
	return nil
}

func (w *Worker) install(ctx context.Context) (cache.Region, []string, error) {
	name := w.config.RegionName()
	existed, err := w.storage.Has(name)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "checking region %s", name)
	}

	entries := make([]cache.Entry, 0, len(w.config.Manifest))
	pinned := make([]string, 0, len(w.config.Manifest))
	for _, ref := range w.config.Manifest {
		entry, err := w.precache(ctx, ref)
		if err != nil {
			return nil, nil, err
		}
		entries = append(entries, entry)
		pinned = append(pinned, entry.Key)
	}

	region, err := w.storage.Open(name)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "opening region %s", name)
	}
	if err := region.Put(entries...); err != nil {
		if !existed {
			if _, delErr := w.storage.Delete(name); delErr != nil {
				w.log.Warn().Err(delErr).Msg("Could not remove region of failed install")
			}
		}
		return nil, nil, &InstallError{URL: name, Err: errors.Wrap(err, "writing manifest entries")}
	}
	return region, pinned, nil
}

// precache fetches one manifest entry.
func (w *Worker) precache(ctx context.Context, ref string) (cache.Entry, error) {
	u, err := w.keyer.Resolve(ref)
	if err != nil {
		return cache.Entry{}, &InstallError{URL: ref, Err: err}
	}
	if !w.keyer.SameOrigin(u) {
		return cache.Entry{}, &InstallError{URL: u.String(), Err: errors.New("not on the application origin")}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return cache.Entry{}, &InstallError{URL: u.String(), Err: err}
	}
	res, err := w.fetch(ctx, req, u, true)
	if err != nil {
		return cache.Entry{}, &InstallError{URL: u.String(), Err: err}
	}
	if res.StatusCode != http.StatusOK || res.Type != serializer.Basic {
		return cache.Entry{}, &InstallError{URL: u.String(), StatusCode: res.StatusCode}
	}
	b, err := serializer.Marshal(res)
	if err != nil {
		return cache.Entry{}, &InstallError{URL: u.String(), Err: err}
	}
	w.log.Trace().Str("url", u.String()).Msg("Precached")
	return cache.Entry{
		Key:      w.keyer.Key(http.MethodGet, u),
		StoredAt: time.Now(),
		Bytes:    b,
	}, nil
}

// Activate deletes the regions of other versions of the application.
// Regions of other applications are left alone.
// Failed deletions are logged, they do not fail the activation.
func (w *Worker) Activate() error {
	w.mu.Lock()
	if w.state != StateInstalled {
		w.mu.Unlock()
		return errors.Errorf("cannot activate worker in state %s", w.state)
	}
	w.state = StateActivating
	w.mu.Unlock()

	w.log.Info().Str("version", w.config.Version).Msg("Activating")
	current := w.config.RegionName()
	names, err := w.storage.Names()
	if err != nil {
		w.log.Error().Err(err).Msg("Could not list regions, not deleting old versions")
	}
	for _, name := range names {
		if name == current || !w.config.ownsRegion(name) {
			continue
		}
		w.log.Info().Str("stale", name).Msg("Deleting old cache region")
		_, err := w.storage.Delete(name)
		w.metrics.regionDeleted(err)
		if err != nil {
			w.log.Error().Err(err).Str("stale", name).Msg("Could not delete old cache region")
		}
	}

	w.setState(StateActivated)
	w.metrics.lifecycle("activate", nil)
	return nil
}
