// Package snapshot persists the feed cache to SQLite so a restarted gateway
// can serve the last known values before the first network round trip.
package snapshot

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"tradeboard/internal/cache"
	"tradeboard/internal/domain"
	"tradeboard/internal/util"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

const schema = `
CREATE TABLE IF NOT EXISTS feed_snapshot (
	feed_type   TEXT    NOT NULL,
	data_source TEXT    NOT NULL,
	data        BLOB    NOT NULL,
	fetched_at  INTEGER NOT NULL,
	expires_at  INTEGER NOT NULL,
	PRIMARY KEY (feed_type, data_source)
)`

// Record is one persisted cache entry. Times are stored with millisecond
// precision.
type Record struct {
	Key       domain.Key
	Data      json.RawMessage
	FetchedAt time.Time
	ExpiresAt time.Time
}

// Store is a SQLite-backed snapshot of the feed cache.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path, creating its directory, and
// ensures the schema exists.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating snapshot directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating snapshot schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save replaces the stored snapshot with records. Records without data are
// skipped. A busy database is retried a few times before giving up.
func (s *Store) Save(ctx context.Context, records []Record) error {
	return util.Retry(ctx, 3, 100*time.Millisecond, time.Second, func() error {
		return s.save(ctx, records)
	})
}

func (s *Store) save(ctx context.Context, records []Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM feed_snapshot`); err != nil {
		return err
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO feed_snapshot (feed_type, data_source, data, fetched_at, expires_at)
		VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range records {
		if len(r.Data) == 0 {
			continue
		}
		if _, err := stmt.ExecContext(ctx,
			r.Key.FeedType, r.Key.DataSource, []byte(r.Data),
			r.FetchedAt.UnixMilli(), r.ExpiresAt.UnixMilli(),
		); err != nil {
			return fmt.Errorf("saving %s: %w", r.Key, err)
		}
	}
	return tx.Commit()
}

// Load returns every stored record ordered by key.
func (s *Store) Load(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT feed_type, data_source, data, fetched_at, expires_at
		FROM feed_snapshot
		ORDER BY feed_type, data_source`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			r                  Record
			data               []byte
			fetched, expiresAt int64
		)
		if err := rows.Scan(&r.Key.FeedType, &r.Key.DataSource, &data, &fetched, &expiresAt); err != nil {
			return nil, err
		}
		r.Data = json.RawMessage(data)
		r.FetchedAt = time.UnixMilli(fetched)
		r.ExpiresAt = time.UnixMilli(expiresAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Capture converts the cache's current entries into records.
func Capture(store *cache.Store) []Record {
	entries := store.Entries()
	out := make([]Record, 0, len(entries))
	for _, k := range entries {
		if k.Entry.Data == nil {
			continue
		}
		out = append(out, Record{
			Key:       k.Key,
			Data:      k.Entry.Data,
			FetchedAt: k.Entry.FetchedAt,
			ExpiresAt: k.Entry.ExpiresAt,
		})
	}
	return out
}

// Restore seeds store with records and returns how many were installed.
// Expired records are seeded too so they can be served as stale.
func Restore(store *cache.Store, records []Record) int {
	for _, r := range records {
		store.Seed(r.Key, r.Data, r.FetchedAt, r.ExpiresAt)
	}
	return len(records)
}
