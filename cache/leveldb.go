package cache

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Key layout:
//
//	r:<region>             -> regionMeta
//	e:<region>\x00<key>    -> levelEntry
//	o:<region>\x00<seq>    -> key (seq is big endian, so iteration is insertion order)
const (
	regionPrefix = "r:"
	entryPrefix  = "e:"
	orderPrefix  = "o:"
	nameSep      = "\x00"
)

type regionMeta struct {
	CreatedAt int64
	Seq       uint64
}

type levelEntry struct {
	Seq      uint64
	StoredAt int64
	Bytes    []byte
}

// LevelDBStorage stores regions in a leveldb database directory.
type LevelDBStorage struct {
	db         *leveldb.DB
	writeMutex *sync.Mutex
}

func NewLevelDBStorage(path string) (*LevelDBStorage, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "opening leveldb %s", path)
	}
	return &LevelDBStorage{
		db:         db,
		writeMutex: &sync.Mutex{},
	}, nil
}

func (l *LevelDBStorage) Open(name string) (Region, error) {
	l.writeMutex.Lock()
	defer l.writeMutex.Unlock()
	if _, ok, err := l.meta(name); err != nil {
		return nil, err
	} else if !ok {
		b, err := encodeGob(regionMeta{CreatedAt: time.Now().UnixNano()})
		if err != nil {
			return nil, err
		}
		if err := l.db.Put([]byte(regionPrefix+name), b, nil); err != nil {
			return nil, errors.Wrapf(err, "opening region %s", name)
		}
	}
	return &levelRegion{l: l, name: name}, nil
}

func (l *LevelDBStorage) Has(name string) (bool, error) {
	_, ok, err := l.meta(name)
	return ok, err
}

func (l *LevelDBStorage) Delete(name string) (bool, error) {
	l.writeMutex.Lock()
	defer l.writeMutex.Unlock()
	if _, ok, err := l.meta(name); err != nil || !ok {
		return false, err
	}
	batch := new(leveldb.Batch)
	batch.Delete([]byte(regionPrefix + name))
	for _, prefix := range []string{entryPrefix, orderPrefix} {
		it := l.db.NewIterator(util.BytesPrefix([]byte(prefix+name+nameSep)), nil)
		for it.Next() {
			batch.Delete(append([]byte{}, it.Key()...))
		}
		it.Release()
		if err := it.Error(); err != nil {
			return false, errors.Wrapf(err, "deleting region %s", name)
		}
	}
	if err := l.db.Write(batch, nil); err != nil {
		return false, errors.Wrapf(err, "deleting region %s", name)
	}
	return true, nil
}

func (l *LevelDBStorage) Names() ([]string, error) {
	type named struct {
		name string
		meta regionMeta
	}
	regions := make([]named, 0)
	it := l.db.NewIterator(util.BytesPrefix([]byte(regionPrefix)), nil)
	defer it.Release()
	for it.Next() {
		var meta regionMeta
		if err := decodeGob(it.Value(), &meta); err != nil {
			continue
		}
		regions = append(regions, named{string(bytes.TrimPrefix(it.Key(), []byte(regionPrefix))), meta})
	}
	if err := it.Error(); err != nil {
		return nil, errors.Wrap(err, "listing regions")
	}
	sort.SliceStable(regions, func(i, j int) bool {
		return regions[i].meta.CreatedAt < regions[j].meta.CreatedAt
	})
	names := make([]string, len(regions))
	for i, r := range regions {
		names[i] = r.name
	}
	return names, nil
}

func (l *LevelDBStorage) Close() error {
	return l.db.Close()
}

func (l *LevelDBStorage) meta(name string) (regionMeta, bool, error) {
	var meta regionMeta
	b, err := l.db.Get([]byte(regionPrefix+name), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return meta, false, nil
	} else if err != nil {
		return meta, false, errors.Wrapf(err, "reading region %s", name)
	}
	if err := decodeGob(b, &meta); err != nil {
		return meta, false, errors.Wrapf(err, "decoding region %s", name)
	}
	return meta, true, nil
}

type levelRegion struct {
	l    *LevelDBStorage
	name string
}

func (r *levelRegion) Name() string {
	return r.name
}

func (r *levelRegion) entryKey(key string) []byte {
	return []byte(entryPrefix + r.name + nameSep + key)
}

func (r *levelRegion) orderKey(seq uint64) []byte {
	k := []byte(orderPrefix + r.name + nameSep)
	return binary.BigEndian.AppendUint64(k, seq)
}

func (r *levelRegion) get(key string) (levelEntry, bool, error) {
	var e levelEntry
	b, err := r.l.db.Get(r.entryKey(key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return e, false, nil
	} else if err != nil {
		return e, false, errors.Wrapf(err, "matching %s in region %s", key, r.name)
	}
	if err := decodeGob(b, &e); err != nil {
		return e, false, errors.Wrapf(err, "decoding %s in region %s", key, r.name)
	}
	return e, true, nil
}

func (r *levelRegion) Match(key string) (Entry, bool, error) {
	e, ok, err := r.get(key)
	if !ok || err != nil {
		return Entry{}, false, err
	}
	return Entry{Key: key, StoredAt: time.Unix(0, e.StoredAt), Bytes: e.Bytes}, true, nil
}

func (r *levelRegion) Put(entries ...Entry) error {
	if len(entries) == 0 {
		return nil
	}
	r.l.writeMutex.Lock()
	defer r.l.writeMutex.Unlock()
	meta, ok, err := r.l.meta(r.name)
	if err != nil {
		return err
	} else if !ok {
		return errors.WithMessage(ErrRegionNotFound, r.name)
	}

	batch := new(leveldb.Batch)
	// keys replaced earlier in the same batch must not leave a stale order record
	replaced := make(map[string]uint64)
	for _, e := range entries {
		if seq, ok := replaced[e.Key]; ok {
			batch.Delete(r.orderKey(seq))
		} else if old, ok, err := r.get(e.Key); err != nil {
			return err
		} else if ok {
			batch.Delete(r.orderKey(old.Seq))
		}
		meta.Seq++
		b, err := encodeGob(levelEntry{Seq: meta.Seq, StoredAt: e.StoredAt.UnixNano(), Bytes: e.Bytes})
		if err != nil {
			return err
		}
		batch.Put(r.entryKey(e.Key), b)
		batch.Put(r.orderKey(meta.Seq), []byte(e.Key))
		replaced[e.Key] = meta.Seq
	}
	mb, err := encodeGob(meta)
	if err != nil {
		return err
	}
	batch.Put([]byte(regionPrefix+r.name), mb)
	return errors.Wrapf(r.l.db.Write(batch, nil), "writing to region %s", r.name)
}

func (r *levelRegion) Delete(key string) (bool, error) {
	r.l.writeMutex.Lock()
	defer r.l.writeMutex.Unlock()
	e, ok, err := r.get(key)
	if !ok || err != nil {
		return false, err
	}
	batch := new(leveldb.Batch)
	batch.Delete(r.entryKey(key))
	batch.Delete(r.orderKey(e.Seq))
	if err := r.l.db.Write(batch, nil); err != nil {
		return false, errors.Wrapf(err, "deleting %s from region %s", key, r.name)
	}
	return true, nil
}

func (r *levelRegion) Keys() ([]string, error) {
	keys := make([]string, 0)
	it := r.l.db.NewIterator(util.BytesPrefix([]byte(orderPrefix+r.name+nameSep)), nil)
	defer it.Release()
	for it.Next() {
		keys = append(keys, string(it.Value()))
	}
	return keys, errors.Wrapf(it.Error(), "listing keys of region %s", r.name)
}

func (r *levelRegion) Count() (int, error) {
	keys, err := r.Keys()
	return len(keys), err
}

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, errors.Wrap(err, "gob encoding")
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}
