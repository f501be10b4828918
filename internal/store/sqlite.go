package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/healthcare-dapp/hdsync/internal/crypto"
	"github.com/healthcare-dapp/hdsync/internal/records"
)

// DefaultDBFileName is the SQLite filename under the data directory.
const DefaultDBFileName = "records.db"

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS records (
  kind       TEXT NOT NULL,
  hash       TEXT NOT NULL,
  data       BLOB NOT NULL,
  created_at INTEGER NOT NULL DEFAULT (unixepoch()),
  PRIMARY KEY (kind, hash)
);
`,
	`
CREATE TABLE IF NOT EXISTS blobs (
  hash       TEXT PRIMARY KEY,
  size       INTEGER NOT NULL,
  data       BLOB NOT NULL,
  created_at INTEGER NOT NULL DEFAULT (unixepoch())
);
`,
}

// SQLite is a Store backed by a SQLite file. Record bodies and blobs are
// sealed with AES-256-GCM under the store key; hashes stay in the clear
// so inventories can be listed without decrypting.
type SQLite struct {
	db        *sql.DB
	key       []byte
	writes    notifier
	closeOnce sync.Once
}

// OpenSQLite opens (or creates) the store under dataDir.
func OpenSQLite(dataDir string, key []byte) (*SQLite, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create storage directory: %w", err)
	}
	return OpenSQLitePath(filepath.Join(dataDir, DefaultDBFileName), key)
}

// OpenSQLitePath opens SQLite at an explicit path and runs schema migrations.
func OpenSQLitePath(dbPath string, key []byte) (*SQLite, error) {
	if len(key) != 32 {
		return nil, errors.New("store key must be 32 bytes")
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000", filepath.ToSlash(dbPath))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}

	s := &SQLite{
		db:     db,
		key:    append([]byte(nil), key...),
		writes: newNotifier(),
	}
	if err := s.enableWALMode(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.applyMigrations(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) applyMigrations() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version >= len(migrations) {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for i := version; i < len(migrations); i++ {
		if _, err := tx.Exec(migrations[i]); err != nil {
			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d;", i+1)); err != nil {
			return fmt.Errorf("set schema version %d: %w", i+1, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration transaction: %w", err)
	}
	return nil
}

func (s *SQLite) enableWALMode() error {
	var journalMode string
	if err := s.db.QueryRow("PRAGMA journal_mode=WAL;").Scan(&journalMode); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	if !strings.EqualFold(journalMode, "wal") {
		return fmt.Errorf("enable WAL mode: unexpected journal mode %q", journalMode)
	}
	return nil
}

func (s *SQLite) Hashes(ctx context.Context, kind records.Kind) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT hash FROM records WHERE kind = ? ORDER BY hash`, string(kind))
	if err != nil {
		return nil, fmt.Errorf("query hashes: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, fmt.Errorf("scan hash: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func (s *SQLite) Get(ctx context.Context, kind records.Kind, hash string) (records.Record, error) {
	var sealed []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM records WHERE kind = ? AND hash = ?`, string(kind), hash).Scan(&sealed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query record: %w", err)
	}

	data, err := crypto.Open(s.key, sealed)
	if err != nil {
		return nil, fmt.Errorf("open record %s: %w", hash, err)
	}
	return records.Decode(records.Wire{Kind: kind, Hash: hash, Data: data})
}

func (s *SQLite) Put(ctx context.Context, rec records.Record) (string, error) {
	w, err := records.Encode(rec)
	if err != nil {
		return "", err
	}
	sealed, err := crypto.Seal(s.key, w.Data)
	if err != nil {
		return "", fmt.Errorf("seal record: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO records (kind, hash, data) VALUES (?, ?, ?) ON CONFLICT(kind, hash) DO NOTHING`,
		string(w.Kind), w.Hash, sealed)
	if err != nil {
		return "", fmt.Errorf("insert record: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.writes.notify()
	}
	return w.Hash, nil
}

func (s *SQLite) HasBlob(ctx context.Context, hash string) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM blobs WHERE hash = ?`, hash).Scan(&n); err != nil {
		return false, fmt.Errorf("query blob: %w", err)
	}
	return n > 0, nil
}

func (s *SQLite) Blob(ctx context.Context, hash string) ([]byte, error) {
	var sealed []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM blobs WHERE hash = ?`, hash).Scan(&sealed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query blob: %w", err)
	}
	data, err := crypto.Open(s.key, sealed)
	if err != nil {
		return nil, fmt.Errorf("open blob %s: %w", hash, err)
	}
	return data, nil
}

func (s *SQLite) PutBlob(ctx context.Context, hash string, data []byte) error {
	if err := checkBlob(hash, data); err != nil {
		return err
	}
	sealed, err := crypto.Seal(s.key, data)
	if err != nil {
		return fmt.Errorf("seal blob: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO blobs (hash, size, data) VALUES (?, ?, ?) ON CONFLICT(hash) DO NOTHING`,
		hash, len(data), sealed)
	if err != nil {
		return fmt.Errorf("insert blob: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.writes.notify()
	}
	return nil
}

func (s *SQLite) Writes() <-chan struct{} {
	return s.writes
}

// Close closes the SQLite connection.
func (s *SQLite) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		closeErr = s.db.Close()
		crypto.ZeroBytes(s.key)
	})
	return closeErr
}
