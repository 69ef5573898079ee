package offlinecache

import (
	"sync"

	"github.com/always-cache/offline-cache/cache"

	"github.com/rs/zerolog"
)

// maintainer keeps the region under the entry ceiling.
// Entries are evicted oldest first by insertion order, manifest entries are never evicted.
type maintainer struct {
	region     cache.Region
	maxEntries int
	pinned     map[string]bool
	log        zerolog.Logger
	metrics    *Metrics
	// runs the trim loop as detached work, false if that is no longer allowed
	detach func(func()) bool

	mu      sync.Mutex
	running bool
	pending bool
}

func newMaintainer(w *Worker, region cache.Region, pinned []string) *maintainer {
	m := &maintainer{
		region:     region,
		maxEntries: w.config.MaxEntries,
		pinned:     make(map[string]bool, len(pinned)),
		log:        w.log,
		metrics:    w.metrics,
		detach:     w.detach,
	}
	for _, key := range pinned {
		m.pinned[key] = true
	}
	return m
}

// trigger starts a trim in the background.
// A trigger while a trim is running results in exactly one more pass.
func (m *maintainer) trigger() {
	if m == nil || m.maxEntries < 0 {
		return
	}
	m.mu.Lock()
	if m.running {
		m.pending = true
		m.mu.Unlock()
		return
	}
	m.running = true
	m.mu.Unlock()

	started := m.detach(func() {
		for {
			if _, err := m.trim(); err != nil {
				m.log.Warn().Err(err).Msg("Could not trim cache region")
			}
			m.mu.Lock()
			if !m.pending {
				m.running = false
				m.mu.Unlock()
				return
			}
			m.pending = false
			m.mu.Unlock()
		}
	})
	if !started {
		m.mu.Lock()
		m.running, m.pending = false, false
		m.mu.Unlock()
	}
}

// trim evicts entries until the region is at most at the ceiling.
// It returns the number of evicted entries.
func (m *maintainer) trim() (int, error) {
	keys, err := m.region.Keys()
	if err != nil {
		return 0, err
	}
	excess := len(keys) - m.maxEntries
	if excess <= 0 {
		return 0, nil
	}
	evicted := 0
	for _, key := range keys {
		if evicted == excess {
			break
		}
		if m.pinned[key] {
			continue
		}
		deleted, err := m.region.Delete(key)
		if err != nil {
			m.metrics.evicted(evicted)
			return evicted, err
		}
		if deleted {
			evicted++
		}
	}
	m.metrics.evicted(evicted)
	m.log.Debug().Int("evicted", evicted).Int("entries", len(keys)-evicted).Msg("Trimmed cache region")
	return evicted, nil
}
