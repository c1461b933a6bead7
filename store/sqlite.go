package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

// SQLite is a Store backed by a single SQLite database file. Reads go
// straight to the connection pool; a write mutex serializes mutations so
// capacity checks and inserts cannot interleave.
type SQLite struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

var _ Store = (*SQLite)(nil)

// NewSQLite opens the database at filename, creating it and the schema if
// needed. If filename is empty, a new in-memory db is opened.
func NewSQLite(filename string) (*SQLite, error) {
	if filename == "" {
		filename = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return nil, err
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS partitions (
			name TEXT PRIMARY KEY
		)`,
		`CREATE TABLE IF NOT EXISTS entries (
			partition TEXT NOT NULL,
			key TEXT NOT NULL,
			status INTEGER NOT NULL,
			header BLOB,
			body BLOB,
			captured_at INTEGER NOT NULL,
			seq INTEGER NOT NULL,
			PRIMARY KEY (partition, key)
		)`,
		`CREATE INDEX IF NOT EXISTS entries_seq_idx ON entries (partition, seq)`,
		`CREATE INDEX IF NOT EXISTS entries_captured_at_idx ON entries (partition, captured_at)`,
		`PRAGMA journal_mode=WAL`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("initialize schema: %w", err)
		}
	}
	return &SQLite{
		db:         db,
		writeMutex: &sync.Mutex{},
	}, nil
}

func (s *SQLite) Get(ctx context.Context, p Partition, key string) (Entry, error) {
	var entry Entry
	var header []byte
	var captured int64
	err := s.db.QueryRowContext(ctx, `SELECT
		key, status, header, body, captured_at, seq
		FROM entries WHERE partition = ? AND key = ?`, p.Name(), key).
		Scan(&entry.Key, &entry.Status, &header, &entry.Body, &captured, &entry.Seq)
	if err == sql.ErrNoRows {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, err
	}
	entry.Header, err = decodeHeader(header)
	if err != nil {
		return Entry{}, fmt.Errorf("decode header for %s: %w", key, err)
	}
	entry.CapturedAt = time.Unix(captured, 0)
	return entry, nil
}

func (s *SQLite) Put(ctx context.Context, p Partition, e Entry) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	return put(ctx, s.db, p, e)
}

func (s *SQLite) PutAll(ctx context.Context, p Partition, entries []Entry) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, e := range entries {
		if err := put(ctx, tx, p, e); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// querier is the subset of sql.DB and sql.Tx the write path uses.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// put inserts or replaces one entry, assigning the next sequence number.
// Callers hold the write mutex.
func put(ctx context.Context, db querier, p Partition, e Entry) error {
	var exists bool
	err := db.QueryRowContext(ctx,
		"SELECT EXISTS (SELECT 1 FROM partitions WHERE name = ?)", p.Name()).Scan(&exists)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: %s", ErrNoPartition, p.Name())
	}
	_, err = db.ExecContext(ctx, `INSERT OR REPLACE INTO entries
		(partition, key, status, header, body, captured_at, seq)
		VALUES (?, ?, ?, ?, ?, ?, (SELECT IFNULL(MAX(seq), 0) + 1 FROM entries))`,
		p.Name(), e.Key, e.Status, encodeHeader(e.Header), e.Body, e.CapturedAt.Unix())
	return err
}

func (s *SQLite) Delete(ctx context.Context, p Partition, key string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM entries WHERE partition = ? AND key = ?", p.Name(), key)
	return err
}

func (s *SQLite) Count(ctx context.Context, p Partition) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM entries WHERE partition = ?", p.Name()).Scan(&count)
	return count, err
}

func (s *SQLite) Keys(ctx context.Context, p Partition) ([]string, error) {
	return s.keys(ctx,
		"SELECT key FROM entries WHERE partition = ? ORDER BY seq ASC", p.Name())
}

func (s *SQLite) OldestKeys(ctx context.Context, p Partition, n int) ([]string, error) {
	return s.keys(ctx,
		"SELECT key FROM entries WHERE partition = ? ORDER BY seq ASC LIMIT ?", p.Name(), n)
}

func (s *SQLite) StaleKeys(ctx context.Context, p Partition, before time.Time) ([]string, error) {
	return s.keys(ctx, `SELECT key FROM entries
		WHERE partition = ? AND captured_at < ? ORDER BY seq ASC`, p.Name(), before.Unix())
}

func (s *SQLite) keys(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	keys := make([]string, 0)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return keys, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// Partitions enumerates the partitions present in the store. Names that do
// not parse are skipped.
func (s *SQLite) Partitions(ctx context.Context) ([]Partition, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name FROM partitions ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	partitions := make([]Partition, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return partitions, err
		}
		p, err := ParseName(name)
		if err != nil {
			continue
		}
		partitions = append(partitions, p)
	}
	return partitions, rows.Err()
}

func (s *SQLite) CreatePartition(ctx context.Context, p Partition) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO partitions (name) VALUES (?)", p.Name())
	return err
}

func (s *SQLite) DropPartition(ctx context.Context, p Partition) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM entries WHERE partition = ?", p.Name()); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM partitions WHERE name = ?", p.Name()); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLite) Clear(ctx context.Context, p Partition) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM entries WHERE partition = ?", p.Name())
	return err
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
