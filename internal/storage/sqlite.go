package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rewired-gh/oddswatch/internal/logger"
	"github.com/rewired-gh/oddswatch/internal/models"
	_ "modernc.org/sqlite"
)

// SQLiteBackend stores condition snapshots in a SQLite database.
type SQLiteBackend struct {
	db *sql.DB
}

// NewSQLiteBackend opens or creates the SQLite database at dbPath.
// An empty dbPath defaults to $TMPDIR/oddswatch/data.db. A database file that
// cannot be opened as SQLite is moved aside and replaced by an empty one.
func NewSQLiteBackend(dbPath string) (*SQLiteBackend, error) {
	if dbPath == "" {
		dbPath = filepath.Join(os.TempDir(), "oddswatch", "data.db")
	}
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	b, err := openSQLite(dbPath)
	if err == nil || dbPath == ":memory:" {
		return b, err
	}

	aside := fmt.Sprintf("%s.corrupt-%d", dbPath, time.Now().Unix())
	logger.Warn("Database %s is unusable (%v), moving it to %s", dbPath, err, aside)
	if renameErr := os.Rename(dbPath, aside); renameErr != nil {
		return nil, fmt.Errorf("failed to move unusable database aside: %w (open error: %v)", renameErr, err)
	}
	_ = os.Remove(dbPath + "-wal")
	_ = os.Remove(dbPath + "-shm")
	return openSQLite(dbPath)
}

func openSQLite(dbPath string) (*SQLiteBackend, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1) // single writer; WAL allows concurrent readers
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA synchronous=FULL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set synchronous mode: %w", err)
	}
	b := &SQLiteBackend{db: db}
	if err := b.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return b, nil
}

// Close closes the underlying database connection.
func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}

func (b *SQLiteBackend) createTables() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS conditions (
			id          TEXT PRIMARY KEY,
			subscriber  INTEGER NOT NULL,
			position    INTEGER NOT NULL,
			surname     TEXT NOT NULL,
			threshold   REAL NOT NULL,
			created_at  INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_conditions_subscriber ON conditions(subscriber, position)`,
	}
	for _, stmt := range stmts {
		if _, err := b.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Save replaces the stored mapping with conditions in one transaction.
func (b *SQLiteBackend) Save(conditions map[int64][]models.WatchCondition) error {
	tx, err := b.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.Exec(`DELETE FROM conditions`); err != nil {
		return fmt.Errorf("failed to clear conditions: %w", err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO conditions (id, subscriber, position, surname, threshold, created_at)
		VALUES (?,?,?,?,?,?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for sub, list := range conditions {
		for pos, c := range list {
			if _, err := stmt.Exec(c.ID, sub, pos, c.Surname, c.Threshold, c.CreatedAt.UnixNano()); err != nil {
				return fmt.Errorf("failed to insert condition: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit conditions: %w", err)
	}
	return nil
}

// Load reads the stored mapping, preserving per-subscriber order.
func (b *SQLiteBackend) Load() (map[int64][]models.WatchCondition, error) {
	rows, err := b.db.Query(`
		SELECT id, subscriber, surname, threshold, created_at
		FROM conditions ORDER BY subscriber, position`)
	if err != nil {
		return nil, fmt.Errorf("failed to query conditions: %w", err)
	}
	defer rows.Close()

	out := make(map[int64][]models.WatchCondition)
	for rows.Next() {
		var c models.WatchCondition
		var createdAtNano int64
		if err := rows.Scan(&c.ID, &c.Subscriber, &c.Surname, &c.Threshold, &createdAtNano); err != nil {
			return nil, fmt.Errorf("failed to scan condition: %w", err)
		}
		c.CreatedAt = time.Unix(0, createdAtNano).UTC()
		out[c.Subscriber] = append(out[c.Subscriber], c)
	}
	return out, rows.Err()
}
