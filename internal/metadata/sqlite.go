package metadata

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

const (
	// timeFormat is the ISO 8601 format used for all timestamps in SQLite.
	timeFormat = "2006-01-02T15:04:05.000Z"

	// defaultMaxKeys bounds a single ListFiles page.
	defaultMaxKeys = 1000
)

// SQLiteStore implements the MetadataStore interface using SQLite as the
// backing database. It provides durable, ACID-compliant metadata storage
// suitable for single-node deployments.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLiteStore for the database file at path and
// initializes the schema.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", DSN(path))
	if err != nil {
		return nil, fmt.Errorf("opening SQLite database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initDB(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing SQLite database: %w", err)
	}
	return s, nil
}

// DSN builds a connection string that applies the required PRAGMAs to every
// pooled connection, not just the first one.
func DSN(path string) string {
	q := url.Values{}
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	q.Add("_pragma", "foreign_keys(ON)")
	q.Add("_pragma", "busy_timeout(5000)")
	return "file:" + path + "?" + q.Encode()
}

// initDB creates the required tables and indexes.
// This is safe to call multiple times (idempotent via IF NOT EXISTS).
func (s *SQLiteStore) initDB() error {
	schema := `
		CREATE TABLE IF NOT EXISTS schema_version (
			version    INTEGER PRIMARY KEY,
			applied_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS files (
			name            TEXT PRIMARY KEY,
			size            INTEGER NOT NULL DEFAULT 0,
			metadata        TEXT NOT NULL DEFAULT '{}',
			upload_complete INTEGER NOT NULL DEFAULT 0,
			last_modified   TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS pages (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			size       INTEGER NOT NULL,
			created_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS file_pages (
			file_name TEXT NOT NULL,
			position  INTEGER NOT NULL,
			page_id   INTEGER NOT NULL,
			size      INTEGER NOT NULL,

			PRIMARY KEY (file_name, position),
			FOREIGN KEY (file_name) REFERENCES files(name) ON DELETE CASCADE,
			FOREIGN KEY (page_id) REFERENCES pages(id)
		);

		CREATE INDEX IF NOT EXISTS idx_file_pages_page ON file_pages(page_id);

		CREATE TABLE IF NOT EXISTS config (
			key        TEXT PRIMARY KEY,
			value      TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}

	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO schema_version (version, applied_at) VALUES (1, ?)`,
		time.Now().UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("inserting schema version: %w", err)
	}

	return nil
}

// Ping checks that the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying SQLite database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// ---- File operations ----

// PutFile creates or replaces a file record inside a single transaction,
// dropping the previous page associations of the file.
func (s *SQLiteStore) PutFile(ctx context.Context, file *FileRecord) ([]int64, error) {
	md := file.Metadata
	if md == nil {
		md = Metadata{}
	}
	mdJSON, err := json.Marshal(md)
	if err != nil {
		return nil, fmt.Errorf("encoding metadata for %q: %w", file.Name, err)
	}
	lastModified := file.LastModified
	if lastModified.IsZero() {
		lastModified = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	oldPages, err := detachPages(ctx, tx, file.Name)
	if err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO files (name, size, metadata, upload_complete, last_modified)
		 VALUES (?, ?, ?, ?, ?)`,
		file.Name,
		file.Size,
		string(mdJSON),
		boolToInt(file.UploadComplete),
		lastModified.UTC().Format(timeFormat),
	)
	if err != nil {
		return nil, fmt.Errorf("putting file %q: %w", file.Name, err)
	}

	released, err := releaseUnreferenced(ctx, tx, oldPages)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing file %q: %w", file.Name, err)
	}
	return released, nil
}

// RestoreFile replaces the named file with file and the given associations in
// one transaction. Page rows released earlier are recreated under their
// original IDs.
func (s *SQLiteStore) RestoreFile(ctx context.Context, file *FileRecord, pages []PageRef) ([]int64, error) {
	mdJSON, err := json.Marshal(file.Metadata.Clone())
	if err != nil {
		return nil, fmt.Errorf("encoding metadata for %q: %w", file.Name, err)
	}
	now := time.Now().UTC().Format(timeFormat)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	oldPages, err := detachPages(ctx, tx, file.Name)
	if err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO files (name, size, metadata, upload_complete, last_modified)
		 VALUES (?, ?, ?, ?, ?)`,
		file.Name,
		file.Size,
		string(mdJSON),
		boolToInt(file.UploadComplete),
		file.LastModified.UTC().Format(timeFormat),
	)
	if err != nil {
		return nil, fmt.Errorf("restoring file %q: %w", file.Name, err)
	}

	for _, p := range pages {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO pages (id, size, created_at) VALUES (?, ?, ?)`,
			p.ID, p.Size, now,
		); err != nil {
			return nil, fmt.Errorf("restoring page %d: %w", p.ID, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO file_pages (file_name, position, page_id, size) VALUES (?, ?, ?, ?)`,
			file.Name, p.Offset, p.ID, p.Size,
		); err != nil {
			return nil, fmt.Errorf("restoring page %d of %q: %w", p.ID, file.Name, err)
		}
	}

	released, err := releaseUnreferenced(ctx, tx, oldPages)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing restore of %q: %w", file.Name, err)
	}
	return released, nil
}

// GetFile retrieves a file record by name.
func (s *SQLiteStore) GetFile(ctx context.Context, name string) (*FileRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT name, size, metadata, upload_complete, last_modified
		 FROM files WHERE name = ?`,
		name,
	)
	f, err := scanFile(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting file %q: %w", name, err)
	}
	return f, nil
}

// DeleteFile removes the file record and its page associations.
func (s *SQLiteStore) DeleteFile(ctx context.Context, name string) ([]int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	oldPages, err := detachPages(ctx, tx, name)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM files WHERE name = ?`, name); err != nil {
		return nil, fmt.Errorf("deleting file %q: %w", name, err)
	}

	released, err := releaseUnreferenced(ctx, tx, oldPages)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing delete of %q: %w", name, err)
	}
	return released, nil
}

// ListFiles lists files in name order, filtered by prefix and paginated by
// StartAfter. Prefix matching is case-sensitive.
func (s *SQLiteStore) ListFiles(ctx context.Context, opts ListFilesOptions) (*ListFilesResult, error) {
	maxKeys := opts.MaxKeys
	if maxKeys <= 0 {
		maxKeys = defaultMaxKeys
	}

	var args []interface{}
	query := `SELECT name, size, metadata, upload_complete, last_modified FROM files WHERE 1 = 1`

	if opts.Prefix != "" {
		// The range predicate lets SQLite use the primary key index; substr
		// keeps the comparison exact.
		query += ` AND name >= ? AND substr(name, 1, length(?)) = ?`
		args = append(args, opts.Prefix, opts.Prefix, opts.Prefix)
	}

	if opts.StartAfter != "" {
		query += ` AND name > ?`
		args = append(args, opts.StartAfter)
	}

	query += ` ORDER BY name`
	// Fetch one extra to determine truncation.
	query += fmt.Sprintf(` LIMIT %d`, maxKeys+1)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing files with prefix %q: %w", opts.Prefix, err)
	}
	defer rows.Close()

	var files []FileRecord
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning file row: %w", err)
		}
		files = append(files, *f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating file rows: %w", err)
	}

	result := &ListFilesResult{Files: files}
	if len(files) > maxKeys {
		result.Files = files[:maxKeys]
		result.IsTruncated = true
		result.NextMarker = result.Files[maxKeys-1].Name
	}
	return result, nil
}

// ---- Page operations ----

// InsertPage allocates a page ID from the pages table.
func (s *SQLiteStore) InsertPage(ctx context.Context, size int) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO pages (size, created_at) VALUES (?, ?)`,
		size, time.Now().UTC().Format(timeFormat),
	)
	if err != nil {
		return 0, fmt.Errorf("inserting page: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading page id: %w", err)
	}
	return id, nil
}

// AssociatePage links a page to a position in the named file. Each position
// holds at most one page.
func (s *SQLiteStore) AssociatePage(ctx context.Context, name string, page PageRef) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var count int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM files WHERE name = ?`, name).Scan(&count); err != nil {
		return fmt.Errorf("checking file %q: %w", name, err)
	}
	if count == 0 {
		return fmt.Errorf("file not found: %s", name)
	}

	var taken int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM file_pages WHERE file_name = ? AND position = ?`,
		name, page.Offset,
	).Scan(&taken); err != nil {
		return fmt.Errorf("checking offset %d of %q: %w", page.Offset, name, err)
	}
	if taken > 0 {
		return fmt.Errorf("offset %d of %q: %w", page.Offset, name, ErrOffsetTaken)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO file_pages (file_name, position, page_id, size) VALUES (?, ?, ?, ?)`,
		name, page.Offset, page.ID, page.Size,
	)
	if err != nil {
		return fmt.Errorf("associating page %d with %q: %w", page.ID, name, err)
	}
	return tx.Commit()
}

// ListPages returns the page associations of a file ordered by offset.
func (s *SQLiteStore) ListPages(ctx context.Context, name string) ([]PageRef, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT page_id, position, size FROM file_pages WHERE file_name = ? ORDER BY position`,
		name,
	)
	if err != nil {
		return nil, fmt.Errorf("listing pages of %q: %w", name, err)
	}
	defer rows.Close()

	var pages []PageRef
	for rows.Next() {
		var p PageRef
		if err := rows.Scan(&p.ID, &p.Offset, &p.Size); err != nil {
			return nil, fmt.Errorf("scanning page row: %w", err)
		}
		pages = append(pages, p)
	}
	return pages, rows.Err()
}

// CompleteUpload marks the file complete and recomputes its size.
func (s *SQLiteStore) CompleteUpload(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE files
		 SET upload_complete = 1,
		     size = (SELECT COALESCE(SUM(size), 0) FROM file_pages WHERE file_name = ?)
		 WHERE name = ?`,
		name, name,
	)
	if err != nil {
		return fmt.Errorf("completing upload of %q: %w", name, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("file not found: %s", name)
	}
	return nil
}

// ---- Configuration operations ----

// GetConfig returns the configuration document stored under key.
func (s *SQLiteStore) GetConfig(ctx context.Context, key string) (json.RawMessage, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM config WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting config %q: %w", key, err)
	}
	return json.RawMessage(value), nil
}

// PutConfig creates or replaces the configuration document under key.
func (s *SQLiteStore) PutConfig(ctx context.Context, key string, value json.RawMessage) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO config (key, value, updated_at) VALUES (?, ?, ?)`,
		key, string(value), time.Now().UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("putting config %q: %w", key, err)
	}
	return nil
}

// ---- Helpers ----

// detachPages removes every page association of the named file and returns
// the page IDs that were referenced.
func detachPages(ctx context.Context, tx *sql.Tx, name string) ([]int64, error) {
	rows, err := tx.QueryContext(ctx, `SELECT DISTINCT page_id FROM file_pages WHERE file_name = ?`, name)
	if err != nil {
		return nil, fmt.Errorf("reading pages of %q: %w", name, err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning page id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating pages of %q: %w", name, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM file_pages WHERE file_name = ?`, name); err != nil {
		return nil, fmt.Errorf("detaching pages of %q: %w", name, err)
	}
	return ids, nil
}

// releaseUnreferenced deletes page rows no longer associated with any file
// and returns their IDs.
func releaseUnreferenced(ctx context.Context, tx *sql.Tx, ids []int64) ([]int64, error) {
	var released []int64
	for _, id := range ids {
		var refs int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM file_pages WHERE page_id = ?`, id).Scan(&refs); err != nil {
			return nil, fmt.Errorf("counting references to page %d: %w", id, err)
		}
		if refs > 0 {
			continue
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM pages WHERE id = ?`, id); err != nil {
			return nil, fmt.Errorf("releasing page %d: %w", id, err)
		}
		released = append(released, id)
	}
	return released, nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanFile(row rowScanner) (*FileRecord, error) {
	var f FileRecord
	var mdStr, lastModifiedStr string
	var complete int
	if err := row.Scan(&f.Name, &f.Size, &mdStr, &complete, &lastModifiedStr); err != nil {
		return nil, err
	}
	f.Metadata = Metadata{}
	if mdStr != "" {
		if err := json.Unmarshal([]byte(mdStr), &f.Metadata); err != nil {
			return nil, fmt.Errorf("decoding metadata of %q: %w", f.Name, err)
		}
	}
	f.UploadComplete = complete != 0
	f.LastModified, _ = time.Parse(timeFormat, lastModifiedStr)
	return &f, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
