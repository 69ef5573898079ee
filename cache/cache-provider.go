package cache

import (
	"time"

	"github.com/pkg/errors"
)

// ErrRegionNotFound is returned when operating on a region that was never opened
// or has since been deleted.
var ErrRegionNotFound = errors.New("cache region not found")

// Storage is a set of named cache regions.
// It is the equivalent of the browser's CacheStorage: regions are created on first
// open and only go away when explicitly deleted.
//
// Implementations must be thread-safe!
type Storage interface {
	// Open returns the region with the given name, creating it if needed.
	Open(name string) (Region, error)
	// Has reports whether a region with the given name exists.
	Has(name string) (bool, error)
	// Delete removes the region and all of its entries.
	// It returns false if there was no such region.
	Delete(name string) (bool, error)
	// Names lists all region names, in creation order.
	Names() ([]string, error)
	// Close releases the underlying resources.
	Close() error
}

// Region is a named key-value store of serialized HTTP responses.
// Keys are kept in insertion order. Putting an existing key replaces the value
// and moves the key to the end of the order.
type Region interface {
	Name() string
	// Match returns the entry stored under key.
	// The boolean is false if there is no such entry.
	Match(key string) (Entry, bool, error)
	// Put stores all entries in one atomic write: either all of them are stored or none.
	Put(entries ...Entry) error
	// Delete removes the entry stored under key, returning false if it did not exist.
	Delete(key string) (bool, error)
	// Keys returns all keys, oldest insertion first.
	Keys() ([]string, error)
	// Count returns the number of entries.
	Count() (int, error)
}

type Entry struct {
	Key      string
	StoredAt time.Time
	Bytes    []byte
}
