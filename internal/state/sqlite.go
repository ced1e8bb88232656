package state

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"orgcal/internal/cache"
)

const schema = `
CREATE TABLE IF NOT EXISTS cache_records (
	namespace   TEXT NOT NULL,
	id          TEXT NOT NULL,
	fingerprint TEXT NOT NULL,
	remote      INTEGER NOT NULL,
	synced_at   TEXT NOT NULL,
	PRIMARY KEY (namespace, id)
);
CREATE TABLE IF NOT EXISTS ledger (
	namespace TEXT NOT NULL,
	id        TEXT NOT NULL,
	added_at  TEXT NOT NULL,
	PRIMARY KEY (namespace, id)
);
CREATE TABLE IF NOT EXISTS snapshots (
	namespace TEXT PRIMARY KEY,
	saved_at  TEXT NOT NULL
);
`

// SQLiteStore keeps all namespaces in one SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens (creating if needed) the database at path. Use
// ":memory:" for a throwaway store.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create state directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if path != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create state schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Peek is Load: reading the database never changes it.
func (s *SQLiteStore) Peek(ctx context.Context, ns string) (*Snapshot, error) {
	return s.Load(ctx, ns)
}

func (s *SQLiteStore) Load(ctx context.Context, ns string) (*Snapshot, error) {
	if err := checkNamespace(ns); err != nil {
		return nil, err
	}
	snap := Empty()

	var savedAt string
	err := s.db.QueryRowContext(ctx, `SELECT saved_at FROM snapshots WHERE namespace = ?`, ns).Scan(&savedAt)
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	default:
		if snap.SavedAt, err = time.Parse(time.RFC3339Nano, savedAt); err != nil {
			return Empty(), fmt.Errorf("%w: snapshot %s: %v", ErrCorrupt, ns, err)
		}
	}

	rows, err := s.db.QueryContext(ctx, `SELECT id, fingerprint, remote, synced_at FROM cache_records WHERE namespace = ?`, ns)
	if err != nil {
		return nil, fmt.Errorf("failed to query cache records: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			id, synced string
			rec        cache.Record
		)
		if err := rows.Scan(&id, &rec.Fingerprint, &rec.Remote, &synced); err != nil {
			return nil, fmt.Errorf("failed to scan cache record: %w", err)
		}
		if rec.SyncedAt, err = time.Parse(time.RFC3339Nano, synced); err != nil {
			return Empty(), fmt.Errorf("%w: record %s/%s: %v", ErrCorrupt, ns, id, err)
		}
		snap.Records[id] = rec
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read cache records: %w", err)
	}

	ids, err := s.db.QueryContext(ctx, `SELECT id FROM ledger WHERE namespace = ? ORDER BY id`, ns)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger: %w", err)
	}
	defer ids.Close()
	for ids.Next() {
		var id string
		if err := ids.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan ledger: %w", err)
		}
		snap.Ledger = append(snap.Ledger, id)
	}
	if err := ids.Err(); err != nil {
		return nil, fmt.Errorf("failed to read ledger: %w", err)
	}
	return snap, nil
}

// Save replaces the cache records of ns and adds new ledger identifiers. Ledger
// rows are never deleted.
func (s *SQLiteStore) Save(ctx context.Context, ns string, snap *Snapshot) error {
	if err := checkNamespace(ns); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM cache_records WHERE namespace = ?`, ns); err != nil {
		return fmt.Errorf("failed to clear cache records: %w", err)
	}
	for id, rec := range snap.Records {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO cache_records (namespace, id, fingerprint, remote, synced_at) VALUES (?, ?, ?, ?, ?)`,
			ns, id, rec.Fingerprint, rec.Remote, rec.SyncedAt.UTC().Format(time.RFC3339Nano))
		if err != nil {
			return fmt.Errorf("failed to insert cache record %s: %w", id, err)
		}
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for _, id := range snap.Ledger {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO ledger (namespace, id, added_at) VALUES (?, ?, ?)`, ns, id, now); err != nil {
			return fmt.Errorf("failed to insert ledger id %s: %w", id, err)
		}
	}
	if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO snapshots (namespace, saved_at) VALUES (?, ?)`, ns, now); err != nil {
		return fmt.Errorf("failed to record snapshot: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit state: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
