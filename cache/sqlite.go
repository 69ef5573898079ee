package cache

import (
	"database/sql"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"github.com/pkg/errors"
)

type SQLiteStorage struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

// NewSQLiteStorage opens (or creates) the sqlite database with the given file name.
func NewSQLiteStorage(filename string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return nil, errors.Wrapf(err, "opening sqlite db %s", filename)
	}
	for _, stmt := range []string{
		`CREATE TABLE IF NOT EXISTS regions (
			name TEXT PRIMARY KEY,
			created_at INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS entries (
			region TEXT,
			key TEXT,
			seq INTEGER,
			stored_at INTEGER,
			bytes BLOB,
			PRIMARY KEY (region, key)
		)`,
		"CREATE INDEX IF NOT EXISTS entries_seq_idx ON entries (region, seq)",
		"PRAGMA journal_mode=WAL",
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, errors.Wrap(err, "preparing sqlite schema")
		}
	}
	return &SQLiteStorage{
		db:         db,
		writeMutex: &sync.Mutex{},
	}, nil
}

func (s *SQLiteStorage) Open(name string) (Region, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.Exec("INSERT OR IGNORE INTO regions (name, created_at) VALUES (?, ?)", name, time.Now().UnixNano())
	if err != nil {
		return nil, errors.Wrapf(err, "opening region %s", name)
	}
	return &sqliteRegion{s: s, name: name}, nil
}

func (s *SQLiteStorage) Has(name string) (bool, error) {
	var n int
	err := s.db.QueryRow("SELECT COUNT(*) FROM regions WHERE name = ?", name).Scan(&n)
	if err != nil {
		return false, errors.Wrapf(err, "looking up region %s", name)
	}
	return n > 0, nil
}

func (s *SQLiteStorage) Delete(name string) (bool, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	tx, err := s.db.Begin()
	if err != nil {
		return false, errors.Wrap(err, "starting transaction")
	}
	defer tx.Rollback()
	res, err := tx.Exec("DELETE FROM regions WHERE name = ?", name)
	if err != nil {
		return false, errors.Wrapf(err, "deleting region %s", name)
	}
	if _, err := tx.Exec("DELETE FROM entries WHERE region = ?", name); err != nil {
		return false, errors.Wrapf(err, "deleting entries of region %s", name)
	}
	if err := tx.Commit(); err != nil {
		return false, errors.Wrapf(err, "deleting region %s", name)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

func (s *SQLiteStorage) Names() ([]string, error) {
	rows, err := s.db.Query("SELECT name FROM regions ORDER BY created_at ASC, rowid ASC")
	if err != nil {
		return nil, errors.Wrap(err, "listing regions")
	}
	return scanStrings(rows)
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

type sqliteRegion struct {
	s    *SQLiteStorage
	name string
}

func (r *sqliteRegion) Name() string {
	return r.name
}

func (r *sqliteRegion) Match(key string) (Entry, bool, error) {
	entry := Entry{Key: key}
	var storedAt int64
	err := r.s.db.QueryRow(
		"SELECT stored_at, bytes FROM entries WHERE region = ? AND key = ?",
		r.name, key,
	).Scan(&storedAt, &entry.Bytes)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	} else if err != nil {
		return Entry{}, false, errors.Wrapf(err, "matching %s in region %s", key, r.name)
	}
	entry.StoredAt = time.Unix(0, storedAt)
	return entry, true, nil
}

func (r *sqliteRegion) Put(entries ...Entry) error {
	if len(entries) == 0 {
		return nil
	}
	r.s.writeMutex.Lock()
	defer r.s.writeMutex.Unlock()
	tx, err := r.s.db.Begin()
	if err != nil {
		return errors.Wrap(err, "starting transaction")
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRow("SELECT COUNT(*) FROM regions WHERE name = ?", r.name).Scan(&exists); err != nil {
		return errors.Wrapf(err, "looking up region %s", r.name)
	} else if exists == 0 {
		return errors.WithMessage(ErrRegionNotFound, r.name)
	}

	var seq int64
	if err := tx.QueryRow("SELECT COALESCE(MAX(seq), 0) FROM entries WHERE region = ?", r.name).Scan(&seq); err != nil {
		return errors.Wrapf(err, "reading sequence of region %s", r.name)
	}
	for _, e := range entries {
		seq++
		_, err := tx.Exec(`INSERT OR REPLACE INTO entries
			(region, key, seq, stored_at, bytes) VALUES (?, ?, ?, ?, ?)`,
			r.name, e.Key, seq, e.StoredAt.UnixNano(), e.Bytes)
		if err != nil {
			return errors.Wrapf(err, "writing %s to region %s", e.Key, r.name)
		}
	}
	return errors.Wrap(tx.Commit(), "committing cache write")
}

func (r *sqliteRegion) Delete(key string) (bool, error) {
	r.s.writeMutex.Lock()
	defer r.s.writeMutex.Unlock()
	res, err := r.s.db.Exec("DELETE FROM entries WHERE region = ? AND key = ?", r.name, key)
	if err != nil {
		return false, errors.Wrapf(err, "deleting %s from region %s", key, r.name)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

func (r *sqliteRegion) Keys() ([]string, error) {
	rows, err := r.s.db.Query("SELECT key FROM entries WHERE region = ? ORDER BY seq ASC", r.name)
	if err != nil {
		return nil, errors.Wrapf(err, "listing keys of region %s", r.name)
	}
	return scanStrings(rows)
}

func (r *sqliteRegion) Count() (int, error) {
	var n int
	err := r.s.db.QueryRow("SELECT COUNT(*) FROM entries WHERE region = ?", r.name).Scan(&n)
	return n, errors.Wrapf(err, "counting entries of region %s", r.name)
}

func scanStrings(rows *sql.Rows) ([]string, error) {
	defer rows.Close()
	out := make([]string, 0)
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return out, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
