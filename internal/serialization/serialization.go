// Package serialization handles metadata export/import between SQLite and
// JSON. Only metadata is exported; page bytes live in the page store.
package serialization

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bleepstore/bleepfs/internal/metadata"
)

const (
	Version       = "0.1.0"
	ExportVersion = 1

	// envelopeKey names the export header object.
	envelopeKey = "bleepfs_export"
)

// kind says how a column is represented in an export document.
type kind int

const (
	kindText kind = iota
	kindInt
	// kindJSON columns hold JSON text and are exported as nested objects.
	kindJSON
	// kindBool columns hold 0/1 and are exported as booleans.
	kindBool
)

type column struct {
	name string
	kind kind
}

// table describes one exported table. check, when set, vets a decoded row
// before it is inserted and returns a reason to skip it.
type table struct {
	name    string
	columns []column
	orderBy string
	check   func(tx *sql.Tx, row []any) (string, error)
}

// tables is in dependency order: rows may only reference rows of earlier
// tables.
var tables = []table{
	{
		name: "files",
		columns: []column{
			{"name", kindText}, {"size", kindInt}, {"metadata", kindJSON},
			{"upload_complete", kindBool}, {"last_modified", kindText},
		},
		orderBy: "name",
	},
	{
		name:    "pages",
		columns: []column{{"id", kindInt}, {"size", kindInt}, {"created_at", kindText}},
		orderBy: "id",
	},
	{
		name: "file_pages",
		columns: []column{
			{"file_name", kindText}, {"position", kindInt}, {"page_id", kindInt}, {"size", kindInt},
		},
		orderBy: "file_name, position",
		check:   checkFilePage,
	},
	{
		name:    "config",
		columns: []column{{"key", kindText}, {"value", kindJSON}, {"updated_at", kindText}},
		orderBy: "key",
	},
}

// AllTables lists all valid table names in dependency order.
var AllTables = func() []string {
	names := make([]string, len(tables))
	for i, t := range tables {
		names[i] = t.name
	}
	return names
}()

func lookupTable(name string) (table, bool) {
	for _, t := range tables {
		if t.name == name {
			return t, true
		}
	}
	return table{}, false
}

// header is the envelope object of an export document.
type header struct {
	ExportedAt    string `json:"exported_at"`
	SchemaVersion int    `json:"schema_version"`
	Source        string `json:"source"`
	Version       int    `json:"version"`
}

// ExportOptions configures what to export.
type ExportOptions struct {
	Tables []string
}

// ImportOptions configures how to import.
type ImportOptions struct {
	// Replace clears every imported table before inserting.
	Replace bool
}

// ImportResult holds the result of an import operation.
type ImportResult struct {
	Counts   map[string]int
	Skipped  map[string]int
	Warnings []string
}

// ExportMetadata exports metadata from SQLite to a JSON document with sorted
// keys. Unknown table names are ignored.
func ExportMetadata(dbPath string, opts *ExportOptions) (string, error) {
	if opts == nil {
		opts = &ExportOptions{Tables: AllTables}
	}

	db, err := sql.Open("sqlite", "file:"+dbPath+"?mode=ro")
	if err != nil {
		return "", fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	doc := map[string]any{
		envelopeKey: header{
			ExportedAt:    time.Now().UTC().Format("2006-01-02T15:04:05.000Z"),
			SchemaVersion: schemaVersion(db),
			Source:        "go/" + Version,
			Version:       ExportVersion,
		},
	}
	for _, name := range opts.Tables {
		t, ok := lookupTable(name)
		if !ok {
			continue
		}
		rows, err := exportTable(db, t)
		if err != nil {
			return "", err
		}
		doc[t.name] = rows
	}

	// encoding/json writes map keys in sorted order.
	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding export: %w", err)
	}
	return string(out), nil
}

func exportTable(db *sql.DB, t table) ([]map[string]any, error) {
	names := make([]string, len(t.columns))
	for i, c := range t.columns {
		names[i] = c.name
	}
	rows, err := db.Query(fmt.Sprintf("SELECT %s FROM %s ORDER BY %s", strings.Join(names, ", "), t.name, t.orderBy))
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", t.name, err)
	}
	defer rows.Close()

	out := make([]map[string]any, 0)
	values := make([]any, len(t.columns))
	ptrs := make([]any, len(t.columns))
	for i := range values {
		ptrs[i] = &values[i]
	}
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scanning %s row: %w", t.name, err)
		}
		row := make(map[string]any, len(t.columns))
		for i, c := range t.columns {
			row[c.name] = exportValue(c.kind, values[i])
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating %s: %w", t.name, err)
	}
	return out, nil
}

// exportValue converts a scanned SQLite value to its document form.
func exportValue(k kind, v any) any {
	if b, ok := v.([]byte); ok {
		v = string(b)
	}
	if v == nil {
		return nil
	}
	switch k {
	case kindJSON:
		s, _ := v.(string)
		var obj any
		if err := json.Unmarshal([]byte(s), &obj); err != nil {
			return map[string]any{}
		}
		return obj
	case kindBool:
		n, _ := v.(int64)
		return n != 0
	}
	return v
}

// ImportMetadata imports a JSON export document into SQLite inside one
// transaction. Rows that already exist are skipped unless Replace is set.
// file_pages rows that reference a missing file or page are skipped with a
// warning, and the imported state is audited for pages nobody references
// and for file sizes that disagree with their pages.
func ImportMetadata(dbPath string, jsonStr string, opts *ImportOptions) (*ImportResult, error) {
	if opts == nil {
		opts = &ImportOptions{}
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal([]byte(jsonStr), &doc); err != nil {
		return nil, fmt.Errorf("parsing JSON: %w", err)
	}
	var h header
	if raw, ok := doc[envelopeKey]; ok {
		if err := json.Unmarshal(raw, &h); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", envelopeKey, err)
		}
	}
	if h.Version < 1 || h.Version > ExportVersion {
		return nil, fmt.Errorf("unsupported export version: %v", h.Version)
	}

	db, err := sql.Open("sqlite", metadata.DSN(dbPath))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	tx, err := db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if opts.Replace {
		// Children first so foreign keys never dangle.
		for i := len(tables) - 1; i >= 0; i-- {
			if _, ok := doc[tables[i].name]; !ok {
				continue
			}
			if _, err := tx.Exec("DELETE FROM " + tables[i].name); err != nil {
				return nil, fmt.Errorf("deleting %s: %w", tables[i].name, err)
			}
		}
	}

	result := &ImportResult{
		Counts:  make(map[string]int),
		Skipped: make(map[string]int),
	}
	for _, t := range tables {
		raw, ok := doc[t.name]
		if !ok {
			continue
		}
		if err := importTable(tx, t, raw, opts.Replace, result); err != nil {
			return nil, err
		}
	}

	warnings, err := audit(tx)
	if err != nil {
		return nil, err
	}
	result.Warnings = append(result.Warnings, warnings...)

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing transaction: %w", err)
	}
	return result, nil
}

func importTable(tx *sql.Tx, t table, raw json.RawMessage, replace bool, result *ImportResult) error {
	// Numbers stay exact: page IDs may exceed float64 precision.
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var rows []json.RawMessage
	if err := dec.Decode(&rows); err != nil {
		result.Warnings = append(result.Warnings, fmt.Sprintf("Skipped table %s: %v", t.name, err))
		return nil
	}

	names := make([]string, len(t.columns))
	for i, c := range t.columns {
		names[i] = c.name
	}
	verb := "INSERT OR IGNORE"
	if replace {
		verb = "INSERT"
	}
	query := fmt.Sprintf("%s INTO %s (%s) VALUES (%s)",
		verb, t.name, strings.Join(names, ", "), strings.TrimSuffix(strings.Repeat("?, ", len(names)), ", "))

	inserted, skipped := 0, 0
	skip := func(format string, args ...any) {
		skipped++
		result.Warnings = append(result.Warnings, fmt.Sprintf("Skipped %s row: ", t.name)+fmt.Sprintf(format, args...))
	}
	for _, rawRow := range rows {
		values, err := decodeRow(t, rawRow)
		if err != nil {
			skip("%v", err)
			continue
		}
		if t.check != nil {
			reason, err := t.check(tx, values)
			if err != nil {
				return fmt.Errorf("checking %s row: %w", t.name, err)
			}
			if reason != "" {
				skip("%s", reason)
				continue
			}
		}

		res, err := tx.Exec(query, values...)
		if err != nil {
			skip("%v", err)
			continue
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		} else {
			skipped++
		}
	}
	result.Counts[t.name] = inserted
	result.Skipped[t.name] = skipped
	return nil
}

// decodeRow converts one document row into column values in table order.
func decodeRow(t table, raw json.RawMessage) ([]any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var row map[string]any
	if err := dec.Decode(&row); err != nil {
		return nil, err
	}
	if row == nil {
		return nil, errors.New("not an object")
	}

	values := make([]any, len(t.columns))
	for i, c := range t.columns {
		v, ok := row[c.name]
		if !ok || v == nil {
			continue
		}
		switch c.kind {
		case kindJSON:
			b, err := json.Marshal(v)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", c.name, err)
			}
			values[i] = string(b)
		case kindBool:
			switch b := v.(type) {
			case bool:
				values[i] = boolInt(b)
			case json.Number:
				n, err := b.Int64()
				if err != nil {
					return nil, fmt.Errorf("%s: %w", c.name, err)
				}
				values[i] = boolInt(n != 0)
			default:
				return nil, fmt.Errorf("%s: want boolean, got %T", c.name, v)
			}
		case kindInt:
			num, ok := v.(json.Number)
			if !ok {
				return nil, fmt.Errorf("%s: want integer, got %T", c.name, v)
			}
			n, err := num.Int64()
			if err != nil {
				return nil, fmt.Errorf("%s: %w", c.name, err)
			}
			values[i] = n
		default:
			s, ok := v.(string)
			if !ok {
				return nil, fmt.Errorf("%s: want string, got %T", c.name, v)
			}
			values[i] = s
		}
	}
	return values, nil
}

// checkFilePage rejects associations whose file or page is missing, so an
// imported file never points at page bytes nobody tracks.
func checkFilePage(tx *sql.Tx, row []any) (string, error) {
	fileName, _ := row[0].(string)
	pageID, _ := row[2].(int64)

	var n int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM files WHERE name = ?`, fileName).Scan(&n); err != nil {
		return "", err
	}
	if n == 0 {
		return fmt.Sprintf("%s@%v references missing file", fileName, row[1]), nil
	}
	if err := tx.QueryRow(`SELECT COUNT(*) FROM pages WHERE id = ?`, pageID).Scan(&n); err != nil {
		return "", err
	}
	if n == 0 {
		return fmt.Sprintf("%s@%v references missing page %d", fileName, row[1], pageID), nil
	}
	return "", nil
}

// audit reports inconsistencies left after an import: pages no file
// references, and complete files whose size disagrees with their pages.
func audit(tx *sql.Tx) ([]string, error) {
	var warnings []string

	rows, err := tx.Query(`
		SELECT p.id FROM pages p
		WHERE NOT EXISTS (SELECT 1 FROM file_pages fp WHERE fp.page_id = p.id)
		ORDER BY p.id`)
	if err != nil {
		return nil, fmt.Errorf("auditing pages: %w", err)
	}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("auditing pages: %w", err)
		}
		warnings = append(warnings, fmt.Sprintf("page %d is not referenced by any file", id))
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("auditing pages: %w", err)
	}

	rows, err = tx.Query(`
		SELECT f.name, f.size, COALESCE(SUM(fp.size), 0) FROM files f
		LEFT JOIN file_pages fp ON fp.file_name = f.name
		WHERE f.upload_complete = 1
		GROUP BY f.name, f.size
		HAVING f.size != COALESCE(SUM(fp.size), 0)
		ORDER BY f.name`)
	if err != nil {
		return nil, fmt.Errorf("auditing file sizes: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		var size, pages int64
		if err := rows.Scan(&name, &size, &pages); err != nil {
			return nil, fmt.Errorf("auditing file sizes: %w", err)
		}
		warnings = append(warnings, fmt.Sprintf("file %s has size %d but its pages hold %d bytes", name, size, pages))
	}
	return warnings, rows.Err()
}

func schemaVersion(db *sql.DB) int {
	var version int
	if err := db.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version); err != nil {
		return 1
	}
	return version
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
