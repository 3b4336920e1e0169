// Package store persists the dataset builder's state in a single
// SQLite database: charities, per-source raw payloads, synthesized
// documents, evaluations, citations and the phase cache, plus a
// commit/tag journal for checkpointing.
package store

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/amalgiving/amaldata/internal/logger"
)

// ErrNoCommits is returned by Tag when the journal is empty and no ref
// was given.
var ErrNoCommits = errors.New("store: no commits to tag")

const schemaSQL = `
CREATE TABLE IF NOT EXISTS charities (
	ein        TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	website    TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS raw_scraped_data (
	charity_id     TEXT NOT NULL,
	source         TEXT NOT NULL,
	raw_payload    TEXT NOT NULL DEFAULT '',
	content_type   TEXT NOT NULL DEFAULT '',
	parsed_payload TEXT,
	success        INTEGER NOT NULL DEFAULT 0,
	error_message  TEXT NOT NULL DEFAULT '',
	retry_count    INTEGER NOT NULL DEFAULT 0,
	scraped_at     TEXT NOT NULL,
	attempt_id     TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (charity_id, source)
);
CREATE INDEX IF NOT EXISTS idx_raw_charity ON raw_scraped_data(charity_id);

CREATE TABLE IF NOT EXISTS charity_data (
	charity_id TEXT PRIMARY KEY,
	document   TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS evaluations (
	charity_id  TEXT PRIMARY KEY,
	document    TEXT NOT NULL,
	judge_score REAL,
	cost_usd    REAL NOT NULL DEFAULT 0,
	updated_at  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS citations (
	charity_id  TEXT NOT NULL,
	citation_id TEXT NOT NULL,
	source_url  TEXT NOT NULL,
	title       TEXT NOT NULL DEFAULT '',
	quote       TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (charity_id, citation_id)
);

CREATE TABLE IF NOT EXISTS phase_cache (
	charity_id  TEXT NOT NULL,
	phase       TEXT NOT NULL,
	fingerprint TEXT NOT NULL,
	ran_at      TEXT NOT NULL,
	cost_usd    REAL NOT NULL DEFAULT 0,
	PRIMARY KEY (charity_id, phase)
);

CREATE TABLE IF NOT EXISTS commits (
	hash       TEXT PRIMARY KEY,
	parent     TEXT NOT NULL DEFAULT '',
	message    TEXT NOT NULL,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS tags (
	name       TEXT PRIMARY KEY,
	ref        TEXT NOT NULL,
	message    TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);
`

// Store is a document store over one SQLite file. A single connection
// serializes writers; WAL keeps readers from blocking on them.
type Store struct {
	db   *sql.DB
	path string

	mu sync.Mutex // serializes Commit and Tag
}

// Open creates the database file if needed, applies pragmas and the
// schema, and returns a ready store.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}

	dsn := "file:" + path +
		"?_pragma=busy_timeout(5000)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("open store %s: %w", path, err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply store schema: %w", err)
	}

	logger.Debug("store opened", "path", path)
	return &Store{db: db, path: path}, nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Commit records a checkpoint in the journal and returns its hash. The
// hash covers the parent, the message and a digest of current contents,
// so identical state commits to identical history.
func (s *Store) Commit(message string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	parent, _, err := s.head()
	if err != nil {
		return "", err
	}
	now := time.Now().UTC()

	h := sha256.New()
	fmt.Fprintf(h, "parent %s\n", parent)
	fmt.Fprintf(h, "message %s\n", message)
	if err := s.digestState(h); err != nil {
		return "", err
	}
	hash := hex.EncodeToString(h.Sum(nil))

	_, err = s.db.Exec(`
		INSERT INTO commits (hash, parent, message, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(hash) DO NOTHING
	`, hash, parent, message, encodeTime(now))
	if err != nil {
		return "", fmt.Errorf("record commit: %w", err)
	}
	logger.Debug("store commit", "hash", hash[:12], "message", message)
	return hash, nil
}

// digestState feeds the materialized outputs into h. Raw payloads can
// run to megabytes, so only their row metadata contributes.
func (s *Store) digestState(h io.Writer) error {
	for _, table := range []string{"charity_data", "evaluations"} {
		rows, err := s.db.Query(
			"SELECT charity_id, document FROM " + table + " ORDER BY charity_id")
		if err != nil {
			return fmt.Errorf("digest %s: %w", table, err)
		}
		for rows.Next() {
			var id, doc string
			if err := rows.Scan(&id, &doc); err != nil {
				rows.Close()
				return fmt.Errorf("digest %s: %w", table, err)
			}
			fmt.Fprintf(h, "%s %s %s\n", table, id, doc)
		}
		if err := rows.Close(); err != nil {
			return err
		}
	}

	rows, err := s.db.Query(`
		SELECT charity_id, source, success, retry_count, scraped_at
		FROM raw_scraped_data ORDER BY charity_id, source`)
	if err != nil {
		return fmt.Errorf("digest raw_scraped_data: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id, source, at string
		var success, retries int
		if err := rows.Scan(&id, &source, &success, &retries, &at); err != nil {
			return fmt.Errorf("digest raw_scraped_data: %w", err)
		}
		fmt.Fprintf(h, "raw %s %s %d %d %s\n", id, source, success, retries, at)
	}
	return rows.Err()
}

// Head returns the most recent commit hash.
func (s *Store) Head() (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.head()
}

func (s *Store) head() (string, bool, error) {
	var hash string
	err := s.db.QueryRow(
		"SELECT hash FROM commits ORDER BY created_at DESC, rowid DESC LIMIT 1").Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read head: %w", err)
	}
	return hash, true, nil
}

// Tag names a commit. An empty ref tags the current head.
func (s *Store) Tag(name, message, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ref == "" {
		head, ok, err := s.head()
		if err != nil {
			return err
		}
		if !ok {
			return ErrNoCommits
		}
		ref = head
	}
	_, err := s.db.Exec(`
		INSERT INTO tags (name, ref, message, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			ref = excluded.ref,
			message = excluded.message,
			created_at = excluded.created_at
	`, name, ref, message, encodeTime(time.Now().UTC()))
	if err != nil {
		return fmt.Errorf("record tag %s: %w", name, err)
	}
	return nil
}

func encodeTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// decodeTime tolerates malformed stamps: a zero time reads as expired
// rather than poisoning the row.
func decodeTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
