package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteBackend stores one row per (task, key) in an SQLite database.
type SQLiteBackend struct {
	db *sql.DB
}

// NewSQLiteBackend opens the database at path, creating parent directories
// and the schema as needed. Enables WAL mode and a busy timeout.
func NewSQLiteBackend(ctx context.Context, dbPath string) (*SQLiteBackend, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create parent directories: %w", err)
	}

	connStr := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", dbPath)
	return openSQLite(ctx, connStr)
}

// NewMemoryBackend creates a private in-memory database, for tests.
// Each call gets its own database even though the cache is shared between
// the pool's connections.
func NewMemoryBackend(ctx context.Context) (*SQLiteBackend, error) {
	connStr := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	return openSQLite(ctx, connStr)
}

func openSQLite(ctx context.Context, connStr string) (*SQLiteBackend, error) {
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Allow 2 connections: one for the record transaction, one for reads
	db.SetMaxOpenConns(2)

	b := &SQLiteBackend{db: db}
	if err := b.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return b, nil
}

// initSchema creates the dependency table if it doesn't exist.
func (b *SQLiteBackend) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS dependencies (
		task_id TEXT NOT NULL,
		dep_key TEXT NOT NULL,
		value BLOB NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (task_id, dep_key)
	);
	`
	_, err := b.db.ExecContext(ctx, schema)
	return err
}

func (b *SQLiteBackend) Get(ctx context.Context, taskID, key string) ([]byte, error) {
	var value []byte
	err := b.db.QueryRowContext(ctx, `
		SELECT value FROM dependencies WHERE task_id = ? AND dep_key = ?
	`, taskID, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query %q of %q: %w", key, taskID, err)
	}
	return value, nil
}

func (b *SQLiteBackend) Set(ctx context.Context, taskID, key string, value []byte) error {
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO dependencies (task_id, dep_key, value, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(task_id, dep_key) DO UPDATE SET
			value = excluded.value,
			updated_at = CURRENT_TIMESTAMP
	`, taskID, key, value)
	if err != nil {
		return fmt.Errorf("failed to upsert %q of %q: %w", key, taskID, err)
	}
	return nil
}

// Replace rewrites the record of taskID in a single transaction.
func (b *SQLiteBackend) Replace(ctx context.Context, taskID string, record map[string][]byte) error {
	tx, err := b.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM dependencies WHERE task_id = ?`, taskID); err != nil {
		return fmt.Errorf("failed to delete old record: %w", err)
	}
	for key, value := range record {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO dependencies (task_id, dep_key, value)
			VALUES (?, ?, ?)
		`, taskID, key, value)
		if err != nil {
			return fmt.Errorf("failed to insert %q of %q: %w", key, taskID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (b *SQLiteBackend) Remove(ctx context.Context, taskID string) error {
	if _, err := b.db.ExecContext(ctx, `DELETE FROM dependencies WHERE task_id = ?`, taskID); err != nil {
		return fmt.Errorf("failed to delete record of %q: %w", taskID, err)
	}
	return nil
}

func (b *SQLiteBackend) TaskIDs(ctx context.Context) ([]string, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT DISTINCT task_id FROM dependencies ORDER BY task_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query task ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan task id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating task ids: %w", err)
	}
	return ids, nil
}

// Close closes the database connection.
func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}
