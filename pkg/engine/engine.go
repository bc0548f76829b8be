// Package engine wraps the embedded DuckDB analytical engine. Each import
// pipeline run opens and owns one session for its lifetime; query-side
// callers open short-lived in-memory sessions over published Parquet files.
package engine

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/marcboeker/go-duckdb"
)

// Session is one connection to the embedded engine.
type Session struct {
	db *sql.DB
}

// Open opens a file-backed session. The file is the version's working
// database during active processing.
func Open(path string) (*Session, error) {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("opening duckdb at %s: %w", path, err)
	}
	return &Session{db: db}, nil
}

// OpenMemory opens an in-memory session, used for read-only query
// execution over Parquet files.
func OpenMemory() (*Session, error) {
	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, fmt.Errorf("opening in-memory duckdb: %w", err)
	}
	return &Session{db: db}, nil
}

// Close releases the session. Deterministic release on every pipeline exit
// path is the caller's responsibility (defer immediately after Open).
func (s *Session) Close() error {
	return s.db.Close()
}

// Exec executes a statement.
func (s *Session) Exec(ctx context.Context, query string, args ...any) error {
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("exec: %w", err)
	}
	return nil
}

// Query executes a query returning rows.
func (s *Session) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	return rows, nil
}

// QueryRow executes a query expected to return one row.
func (s *Session) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, query, args...)
}

// RegisterParquet exposes a Parquet file as a named view.
func (s *Session) RegisterParquet(ctx context.Context, name, path string) error {
	stmt := fmt.Sprintf("CREATE OR REPLACE VIEW %s AS SELECT * FROM read_parquet('%s')",
		QuoteIdent(name), escapeLiteral(path))
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("registering parquet %s: %w", path, err)
	}
	return nil
}

// ExportParquet writes a table or view out as a Parquet file.
func (s *Session) ExportParquet(ctx context.Context, table, path string) error {
	stmt := fmt.Sprintf("COPY (SELECT * FROM %s) TO '%s' (FORMAT PARQUET, COMPRESSION ZSTD)",
		QuoteIdent(table), escapeLiteral(path))
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("exporting %s to %s: %w", table, path, err)
	}
	return nil
}

// ReadCSV loads a CSV file into a new table, adding a row_num column that
// preserves source order so later extraction is deterministic.
func (s *Session) ReadCSV(ctx context.Context, table, path string) error {
	stmt := fmt.Sprintf(
		"CREATE OR REPLACE TABLE %s AS SELECT row_number() OVER () AS row_num, * FROM read_csv('%s', header = true, all_varchar = true)",
		QuoteIdent(table), escapeLiteral(path))
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("reading csv %s: %w", path, err)
	}
	return nil
}

// QuoteIdent quotes an identifier for safe inclusion in SQL text.
func QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// QuoteString quotes a string literal for safe inclusion in SQL text.
// Values flowing from query documents are always parameterized instead;
// this is only for trusted schema-derived names and paths.
func QuoteString(s string) string {
	return "'" + escapeLiteral(s) + "'"
}

func escapeLiteral(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}
