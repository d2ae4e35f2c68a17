package db

import (
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

const schemaFTS = `
CREATE VIRTUAL TABLE IF NOT EXISTS messages_fts USING fts5(
    content,
    content='messages',
    content_rowid='id',
    tokenize='porter unicode61'
);

CREATE TRIGGER IF NOT EXISTS messages_ai AFTER INSERT ON messages BEGIN
    INSERT INTO messages_fts(rowid, content) VALUES (new.id, new.content);
END;

CREATE TRIGGER IF NOT EXISTS messages_ad AFTER DELETE ON messages BEGIN
    INSERT INTO messages_fts(messages_fts, rowid, content)
        VALUES('delete', old.id, old.content);
END;

CREATE TRIGGER IF NOT EXISTS messages_au AFTER UPDATE ON messages BEGIN
    INSERT INTO messages_fts(messages_fts, rowid, content)
        VALUES('delete', old.id, old.content);
    INSERT INTO messages_fts(rowid, content) VALUES (new.id, new.content);
END;
`

// DB manages a write connection and a read-only pool over the
// session index database.
type DB struct {
	writer *sql.DB
	reader *sql.DB
	path   string
	mu     sync.Mutex // serializes writes
}

// makeDSN builds a SQLite connection string with shared pragmas.
func makeDSN(path string, readOnly bool) string {
	params := url.Values{}
	params.Set("_journal_mode", "WAL")
	params.Set("_busy_timeout", "5000")
	params.Set("_foreign_keys", "ON")
	params.Set("_cache_size", "-64000")
	if readOnly {
		params.Set("mode", "ro")
	} else {
		params.Set("_synchronous", "NORMAL")
	}
	return path + "?" + params.Encode()
}

// Open creates or opens the SQLite database at the given path.
// It configures WAL mode and returns a DB with separate writer
// and reader connections.
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating db directory: %w", err)
	}

	writer, err := sql.Open("sqlite3", makeDSN(path, false))
	if err != nil {
		return nil, fmt.Errorf("opening writer: %w", err)
	}
	writer.SetMaxOpenConns(1)

	reader, err := sql.Open("sqlite3", makeDSN(path, true))
	if err != nil {
		writer.Close()
		return nil, fmt.Errorf("opening reader: %w", err)
	}
	reader.SetMaxOpenConns(4)

	db := &DB{writer: writer, reader: reader, path: path}
	if err := db.init(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}
	return db, nil
}

func (db *DB) init() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if _, err := db.writer.Exec(schemaSQL); err != nil {
		return err
	}

	var ftsCount int
	if err := db.writer.QueryRow(
		"SELECT count(*) FROM sqlite_master WHERE type='table' AND name='messages_fts'",
	).Scan(&ftsCount); err != nil {
		return fmt.Errorf("checking fts table: %w", err)
	}
	hadFTS := ftsCount > 0

	if _, err := db.writer.Exec(schemaFTS); err != nil {
		// A runtime without the fts5 module still gets a working
		// store; search degrades instead.
		if isMissingFTSModule(err) {
			log.Warn("fts5 module unavailable, search disabled", "err", err)
		} else {
			return fmt.Errorf("initializing FTS: %w", err)
		}
	} else if !hadFTS {
		// Populate the index for any pre-existing messages.
		if _, err := db.writer.Exec(
			"INSERT INTO messages_fts(messages_fts) VALUES('rebuild')",
		); err != nil {
			return fmt.Errorf("backfilling FTS: %w", err)
		}
	}

	// Migrations for databases created by earlier builds. Columns
	// already present are detected and skipped.
	migrations := []struct {
		column, definition string
	}{
		{"last_activity_at", "INTEGER"},
		{"title", "TEXT"},
		{"is_automatic", "INTEGER NOT NULL DEFAULT 0"},
		{"is_unread", "INTEGER NOT NULL DEFAULT 0"},
		{"is_hidden", "INTEGER NOT NULL DEFAULT 0"},
	}
	for _, m := range migrations {
		if err := db.ensureColumn(
			"sessions", m.column, m.definition,
		); err != nil {
			return fmt.Errorf("adding %s column: %w", m.column, err)
		}
	}
	return nil
}

// ensureColumn adds a column if it doesn't already exist.
func (db *DB) ensureColumn(table, column, definition string) error {
	var count int
	err := db.writer.QueryRow(
		fmt.Sprintf(
			"SELECT count(*) FROM pragma_table_info('%s')"+
				" WHERE name='%s'",
			table, column,
		),
	).Scan(&count)
	if err != nil {
		return fmt.Errorf(
			"checking column %s.%s: %w", table, column, err,
		)
	}
	if count > 0 {
		return nil
	}
	_, err = db.writer.Exec(fmt.Sprintf(
		"ALTER TABLE %s ADD COLUMN %s %s",
		table, column, definition,
	))
	if err == nil {
		return nil
	}
	// If ALTER TABLE failed, check whether another process added
	// the column concurrently before reporting the error.
	var check int
	if checkErr := db.writer.QueryRow(
		fmt.Sprintf(
			"SELECT count(*) FROM pragma_table_info('%s')"+
				" WHERE name='%s'",
			table, column,
		),
	).Scan(&check); checkErr == nil && check > 0 {
		return nil
	}
	return err
}

// HasFTS checks whether full-text search is available. The table
// may exist in sqlite_master but fail to load if the fts5 module
// is missing in the current runtime.
func (db *DB) HasFTS() bool {
	_, err := db.reader.Exec("SELECT 1 FROM messages_fts LIMIT 1")
	return err == nil
}

// isMissingFTSModule reports whether err means the sqlite build
// lacks the fts5 extension.
func isMissingFTSModule(err error) bool {
	return strings.Contains(err.Error(), "no such module: fts5")
}

// Close closes both writer and reader connections.
func (db *DB) Close() error {
	return errors.Join(db.writer.Close(), db.reader.Close())
}

// Update executes fn within the write lock and a transaction.
// The transaction is committed if fn returns nil, rolled back
// otherwise.
func (db *DB) Update(fn func(tx *sql.Tx) error) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	tx, err := db.writer.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}
