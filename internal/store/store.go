// Package store implements the persistent typed-key CBOR-valued map used by
// the core (§6: "Typed key-value map; values are CBOR-encoded"). The real
// Hive deployment treats this as an external collaborator (an embedded
// key-value store); this package provides a concrete implementation over
// SQLite so the rest of the core has something real to read and write
// during development and in tests.
//
// Grounded on internal/services/dns/querylog/store.go's
// database/sql-over-modernc.org/sqlite pattern.
package store

import (
	"database/sql"
	"fmt"
	"sync"

	"github.com/fxamacker/cbor/v2"
	_ "modernc.org/sqlite"
)

// Keys used by the core (§6).
const (
	KeyProbeAssignments  = "probes/assignments"
	KeyTargetAssignments = "targets/assignments"
	KeyActiveTestprogram = "testprograms/active"
)

// TestprogramKey returns the store key for a named testprogram record.
func TestprogramKey(name string) string {
	return "testprograms/" + name
}

// Store is a typed-key CBOR-valued persistent map, backed by SQLite.
//
// Each key is read-modify-write under a per-key advisory exclusion (§5:
// "each key is read-modify-write under a per-key advisory exclusion
// provided by the store"), implemented here as one mutex per key, created
// on first use.
type Store struct {
	db *sql.DB

	keyLocksMu sync.Mutex
	keyLocks   map[string]*sync.Mutex
}

// Open opens or creates the store database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open store db: %w", err)
	}

	s := &Store{db: db, keyLocks: make(map[string]*sync.Mutex)}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS kv (
		key TEXT PRIMARY KEY,
		value BLOB NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *Store) lockFor(key string) *sync.Mutex {
	s.keyLocksMu.Lock()
	defer s.keyLocksMu.Unlock()
	l, ok := s.keyLocks[key]
	if !ok {
		l = &sync.Mutex{}
		s.keyLocks[key] = l
	}
	return l
}

// Get decodes the CBOR value stored at key into out. It returns
// (false, nil) if the key does not exist.
func (s *Store) Get(key string, out any) (bool, error) {
	l := s.lockFor(key)
	l.Lock()
	defer l.Unlock()

	var raw []byte
	err := s.db.QueryRow(`SELECT value FROM kv WHERE key = ?`, key).Scan(&raw)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: get %s: %w", key, err)
	}

	if err := cbor.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("store: decode %s: %w", key, err)
	}
	return true, nil
}

// Put CBOR-encodes value and writes it at key, replacing any existing value.
func (s *Store) Put(key string, value any) error {
	l := s.lockFor(key)
	l.Lock()
	defer l.Unlock()

	raw, err := cbor.Marshal(value)
	if err != nil {
		return fmt.Errorf("store: encode %s: %w", key, err)
	}

	_, err = s.db.Exec(
		`INSERT INTO kv (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, raw,
	)
	if err != nil {
		return fmt.Errorf("store: put %s: %w", key, err)
	}
	return nil
}

// Delete removes a key. It is not an error if the key does not exist.
func (s *Store) Delete(key string) error {
	l := s.lockFor(key)
	l.Lock()
	defer l.Unlock()

	_, err := s.db.Exec(`DELETE FROM kv WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("store: delete %s: %w", key, err)
	}
	return nil
}

// ListPrefix returns all keys beginning with prefix.
func (s *Store) ListPrefix(prefix string) ([]string, error) {
	rows, err := s.db.Query(`SELECT key FROM kv WHERE key LIKE ? ESCAPE '\'`, escapeLike(prefix)+"%")
	if err != nil {
		return nil, fmt.Errorf("store: list %s: %w", prefix, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func escapeLike(s string) string {
	r := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '%' || c == '_' || c == '\\' {
			r = append(r, '\\')
		}
		r = append(r, c)
	}
	return string(r)
}
