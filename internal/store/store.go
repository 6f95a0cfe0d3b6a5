// Package store implements the mapping table (C1): a persistent, indexed
// domain+path routing table with atomic whole-file hot swap and
// write-ahead-log journaling so readers never block a writer.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// Sentinel error kinds from the error taxonomy (C1 origin).
var (
	ErrStorageInit        = errors.New("store: initialization failed")
	ErrStorageUnavailable = errors.New("store: unavailable")
	ErrHotReplaceFailed   = errors.New("store: hot replace failed")
)

const schema = `
CREATE TABLE IF NOT EXISTS mappings (
  id TEXT PRIMARY KEY,
  domain TEXT NOT NULL,
  front_uri TEXT NOT NULL,
  back_port INTEGER NOT NULL,
  back_uri TEXT NOT NULL,
  backend TEXT DEFAULT NULL,
  created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
  updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_mappings_domain ON mappings(domain);
CREATE INDEX IF NOT EXISTS idx_mappings_front_uri ON mappings(front_uri);
CREATE INDEX IF NOT EXISTS idx_mappings_domain_front_uri ON mappings(domain, front_uri);
`

// Mapping is one routing rule (§3 of the data model).
type Mapping struct {
	ID        string
	Domain    string
	FrontURI  string
	BackPort  int
	BackURI   string
	Backend   *string // reserved extension column, never read by the core; see DESIGN.md
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Store is the mapping table. It is safe for concurrent use; HotReplace
// briefly closes and reopens the underlying *sql.DB under a write lock
// while readers using Get/GetAll block for the duration of the swap only.
type Store struct {
	mu   sync.RWMutex
	db   *sql.DB
	path string
	log  *zap.Logger
}

// Initialize creates the parent directory if missing, opens/creates the
// database file, enables WAL journal mode, and ensures the schema exists.
func Initialize(path string, log *zap.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("%w: mkdir: %v", ErrStorageInit, err)
	}

	db, err := openWAL(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageInit, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: schema: %v", ErrStorageInit, err)
	}

	return &Store{db: db, path: path, log: log}, nil
}

func openWAL(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers per connection; avoid lock contention noise
	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	return db, nil
}

// Get returns the mapping with the longest front_uri such that either
// front_uri is empty or requestPath begins with "/"+front_uri. Ties on
// length are broken deterministically by (domain, front_uri) ordering.
func (s *Store) Get(domain, requestPath string) (*Mapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT id, domain, front_uri, back_port, back_uri, backend, created_at, updated_at
		 FROM mappings WHERE domain = ? ORDER BY length(front_uri) DESC, front_uri ASC`,
		domain,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: get: %v", ErrStorageUnavailable, err)
	}
	defer rows.Close()

	for rows.Next() {
		m, err := scanMapping(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan: %v", ErrStorageUnavailable, err)
		}
		if m.FrontURI == "" || strings.HasPrefix(requestPath, "/"+m.FrontURI) {
			return m, nil
		}
	}
	return nil, rows.Err()
}

// GetAll returns every mapping, sorted by (domain, front_uri).
func (s *Store) GetAll() ([]*Mapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT id, domain, front_uri, back_port, back_uri, backend, created_at, updated_at
		 FROM mappings ORDER BY domain ASC, front_uri ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: get_all: %v", ErrStorageUnavailable, err)
	}
	defer rows.Close()

	var out []*Mapping
	for rows.Next() {
		m, err := scanMapping(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan: %v", ErrStorageUnavailable, err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Domain != out[j].Domain {
			return out[i].Domain < out[j].Domain
		}
		return out[i].FrontURI < out[j].FrontURI
	})
	return out, nil
}

// Add inserts a new mapping with a freshly generated ID. Duplicate logical
// keys (domain, front_uri) are permitted; selection among duplicates is
// undefined per §3.
func (s *Store) Add(domain, frontURI string, backPort int, backURI string) (*Mapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := &Mapping{
		ID:       uuid.NewString(),
		Domain:   domain,
		FrontURI: frontURI,
		BackPort: backPort,
		BackURI:  backURI,
	}
	_, err := s.db.Exec(
		`INSERT INTO mappings (id, domain, front_uri, back_port, back_uri) VALUES (?, ?, ?, ?, ?)`,
		m.ID, m.Domain, m.FrontURI, m.BackPort, m.BackURI,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: add: %v", ErrStorageUnavailable, err)
	}
	return m, nil
}

// HotReplace atomically swaps the backing database file for newPath.
// It verifies newPath opens and contains a mappings table before touching
// the live connection, then closes, copies newPath over the live path, and
// reopens. On failure after close, it attempts to reopen the original
// path; if that also fails the store becomes unavailable (fatal to the
// worker per §4.1).
func (s *Store) HotReplace(newPath string) error {
	if err := verifyCandidate(newPath); err != nil {
		return fmt.Errorf("%w: candidate invalid: %v", ErrHotReplaceFailed, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.db.Close(); err != nil {
		return fmt.Errorf("%w: close current: %v", ErrHotReplaceFailed, err)
	}

	if err := copyFile(newPath, s.path); err != nil {
		// attempt to reopen the original path's prior content is gone if the
		// copy partially succeeded; try reopening what remains on disk.
		db, reopenErr := openWAL(s.path)
		if reopenErr != nil {
			return fmt.Errorf("%w: copy failed (%v) and reopen failed (%v)", ErrStorageUnavailable, err, reopenErr)
		}
		s.db = db
		return fmt.Errorf("%w: copy: %v", ErrHotReplaceFailed, err)
	}

	db, err := openWAL(s.path)
	if err != nil {
		return fmt.Errorf("%w: reopen after swap: %v", ErrStorageUnavailable, err)
	}
	s.db = db
	s.log.Info("mapping store hot-swapped", zap.String("path", s.path))
	return nil
}

// Close flushes and releases the underlying database handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

func verifyCandidate(path string) error {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return err
	}
	defer db.Close()
	var name string
	err = db.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name='mappings'`).Scan(&name)
	if err != nil {
		return fmt.Errorf("no mappings table: %w", err)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp := dst + ".swap"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}

type rowScanner interface {
	Scan(dest ...any) error
}

// timestampLayouts covers the formats SQLite's CURRENT_TIMESTAMP default
// produces as well as RFC3339, so both driver-populated and
// manually-inserted rows parse correctly.
var timestampLayouts = []string{
	"2006-01-02 15:04:05",
	time.RFC3339,
}

func scanMapping(r rowScanner) (*Mapping, error) {
	var (
		m         Mapping
		backend   sql.NullString
		createdAt sql.NullString
		updatedAt sql.NullString
	)
	if err := r.Scan(&m.ID, &m.Domain, &m.FrontURI, &m.BackPort, &m.BackURI, &backend, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if backend.Valid {
		m.Backend = &backend.String
	}
	if t, ok := parseTimestamp(createdAt.String); ok {
		m.CreatedAt = t
	}
	if t, ok := parseTimestamp(updatedAt.String); ok {
		m.UpdatedAt = t
	}
	return &m, nil
}

func parseTimestamp(raw string) (time.Time, bool) {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
