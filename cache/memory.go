package cache

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
)

type memEntry struct {
	entry Entry
	seq   uint64
}

type memRegion struct {
	storage *MemoryStorage
	name    string
}

// MemoryStorage keeps all regions in process memory.
// Nothing survives a restart, so it is mostly useful for tests and development.
type MemoryStorage struct {
	mutex   *sync.RWMutex
	regions map[string]map[string]memEntry
	order   []string
	seq     uint64
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		mutex:   &sync.RWMutex{},
		regions: make(map[string]map[string]memEntry),
	}
}

func (m *MemoryStorage) Open(name string) (Region, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if _, ok := m.regions[name]; !ok {
		m.regions[name] = make(map[string]memEntry)
		m.order = append(m.order, name)
	}
	return &memRegion{storage: m, name: name}, nil
}

func (m *MemoryStorage) Has(name string) (bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	_, ok := m.regions[name]
	return ok, nil
}

func (m *MemoryStorage) Delete(name string) (bool, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if _, ok := m.regions[name]; !ok {
		return false, nil
	}
	delete(m.regions, name)
	for i, n := range m.order {
		if n == name {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return true, nil
}

func (m *MemoryStorage) Names() ([]string, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return append([]string{}, m.order...), nil
}

func (m *MemoryStorage) Close() error {
	return nil
}

func (r *memRegion) Name() string {
	return r.name
}

func (r *memRegion) Match(key string) (Entry, bool, error) {
	r.storage.mutex.RLock()
	defer r.storage.mutex.RUnlock()
	e, ok := r.storage.regions[r.name][key]
	if !ok {
		return Entry{}, false, nil
	}
	return e.entry, true, nil
}

func (r *memRegion) Put(entries ...Entry) error {
	r.storage.mutex.Lock()
	defer r.storage.mutex.Unlock()
	db, ok := r.storage.regions[r.name]
	if !ok {
		return errors.WithMessage(ErrRegionNotFound, r.name)
	}
	for _, e := range entries {
		r.storage.seq++
		e.Bytes = append([]byte{}, e.Bytes...)
		db[e.Key] = memEntry{entry: e, seq: r.storage.seq}
	}
	return nil
}

func (r *memRegion) Delete(key string) (bool, error) {
	r.storage.mutex.Lock()
	defer r.storage.mutex.Unlock()
	db := r.storage.regions[r.name]
	if _, ok := db[key]; !ok {
		return false, nil
	}
	delete(db, key)
	return true, nil
}

func (r *memRegion) Keys() ([]string, error) {
	r.storage.mutex.RLock()
	entries := make([]memEntry, 0, len(r.storage.regions[r.name]))
	for _, e := range r.storage.regions[r.name] {
		entries = append(entries, e)
	}
	r.storage.mutex.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].seq < entries[j].seq
	})
	keys := make([]string, len(entries))
	for i, e := range entries {
		keys[i] = e.entry.Key
	}
	return keys, nil
}

func (r *memRegion) Count() (int, error) {
	r.storage.mutex.RLock()
	defer r.storage.mutex.RUnlock()
	return len(r.storage.regions[r.name]), nil
}
