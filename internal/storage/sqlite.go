package storage

import (
	"context"
	"crypto/md5"
	"database/sql"
	"fmt"
	"net/url"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// SQLiteBackend implements the PageStore interface using SQLite as the
// underlying data store. Pages are stored as BLOBs directly in the database,
// making this suitable for single-node or embedded deployments.
type SQLiteBackend struct {
	db *sql.DB
}

// NewSQLiteBackend creates a new SQLiteBackend backed by the given database
// file path. It opens the database, applies performance PRAGMAs, and creates
// the required tables.
func NewSQLiteBackend(dbPath string) (*SQLiteBackend, error) {
	q := url.Values{}
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "busy_timeout(5000)")

	db, err := sql.Open("sqlite", "file:"+dbPath+"?"+q.Encode())
	if err != nil {
		return nil, fmt.Errorf("opening SQLite storage database: %w", err)
	}

	b := &SQLiteBackend{db: db}
	if err := b.initDB(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing SQLite storage database: %w", err)
	}
	return b, nil
}

// initDB creates the required tables.
func (b *SQLiteBackend) initDB() error {
	schema := `
		CREATE TABLE IF NOT EXISTS page_data (
			id       INTEGER PRIMARY KEY,
			data     BLOB NOT NULL,
			checksum TEXT NOT NULL
		);
	`
	if _, err := b.db.Exec(schema); err != nil {
		return fmt.Errorf("creating storage schema: %w", err)
	}
	return nil
}

// Close closes the underlying SQLite database connection.
func (b *SQLiteBackend) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

// PutPage stores the page as a BLOB alongside its MD5 checksum.
func (b *SQLiteBackend) PutPage(ctx context.Context, id int64, data []byte) error {
	if data == nil {
		data = []byte{}
	}
	_, err := b.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO page_data (id, data, checksum) VALUES (?, ?, ?)`,
		id, data, checksum(data),
	)
	if err != nil {
		return fmt.Errorf("putting page %d: %w", id, err)
	}
	return nil
}

// GetPage reads a page and verifies its checksum.
func (b *SQLiteBackend) GetPage(ctx context.Context, id int64) ([]byte, error) {
	var data []byte
	var sum string
	err := b.db.QueryRowContext(ctx,
		`SELECT data, checksum FROM page_data WHERE id = ?`, id,
	).Scan(&data, &sum)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("page %d: %w", id, ErrPageNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting page %d: %w", id, err)
	}
	if got := checksum(data); got != sum {
		return nil, fmt.Errorf("page %d: checksum mismatch: stored %s, computed %s", id, sum, got)
	}
	return data, nil
}

// DeletePage removes a page row. Idempotent.
func (b *SQLiteBackend) DeletePage(ctx context.Context, id int64) error {
	if _, err := b.db.ExecContext(ctx, `DELETE FROM page_data WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deleting page %d: %w", id, err)
	}
	return nil
}

// HealthCheck verifies the database connection is alive.
func (b *SQLiteBackend) HealthCheck(ctx context.Context) error {
	return b.db.PingContext(ctx)
}

// checksum returns the MD5 hex digest of data.
func checksum(data []byte) string {
	h := md5.Sum(data)
	return fmt.Sprintf("%x", h[:])
}

// Ensure SQLiteBackend implements PageStore at compile time.
var _ PageStore = (*SQLiteBackend)(nil)
