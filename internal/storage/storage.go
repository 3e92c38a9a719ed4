package storage

import (
	"database/sql"
	"fmt"

	"github.com/calan/calansync/internal/models"
	_ "modernc.org/sqlite"
)

// TaskStore is the durable source of truth for the task set. The replication
// core never bypasses it; physical pruning of tombstones is its business, not
// the caller's.
type TaskStore interface {
	// LoadAll returns every non-deleted task grouped by date.
	LoadAll() (models.TaskMap, error)
	// LoadAllWithTombstones returns every task including tombstones, for
	// reconciliation.
	LoadAllWithTombstones() (models.TaskMap, error)
	// SaveAll replaces the stored task set with the given map.
	SaveAll(models.TaskMap) error
}

// DB is a SQLite-backed TaskStore.
type DB struct {
	conn *sql.DB
}

// New opens the database at path and initializes the schema.
func New(dbPath string) (*DB, error) {
	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db := &DB{conn: conn}
	if err := db.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return db, nil
}

// initSchema creates the database schema
func (db *DB) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		date TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		time TEXT NOT NULL DEFAULT '',
		color TEXT NOT NULL DEFAULT '',
		profile_name TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'ACTIVE',
		created_at TEXT NOT NULL DEFAULT '',
		updated_at TEXT NOT NULL DEFAULT '',
		alarm BOOLEAN NOT NULL DEFAULT 0,
		alarm_time TEXT NOT NULL DEFAULT '',
		acknowledged BOOLEAN NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_date ON tasks(date);
	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
	`

	_, err := db.conn.Exec(schema)
	return err
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// LoadAll returns all non-deleted tasks grouped by date.
func (db *DB) LoadAll() (models.TaskMap, error) {
	return db.load("SELECT id, date, description, time, color, profile_name, status, created_at, updated_at, alarm, alarm_time, acknowledged FROM tasks WHERE status != ? ORDER BY date, created_at", models.StatusDeleted)
}

// LoadAllWithTombstones returns all tasks including tombstones.
func (db *DB) LoadAllWithTombstones() (models.TaskMap, error) {
	return db.load("SELECT id, date, description, time, color, profile_name, status, created_at, updated_at, alarm, alarm_time, acknowledged FROM tasks ORDER BY date, created_at")
}

func (db *DB) load(query string, args ...any) (models.TaskMap, error) {
	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	tasks := make(models.TaskMap)
	for rows.Next() {
		var t models.Task
		var date string
		if err := rows.Scan(&t.ID, &date, &t.Description, &t.Time, &t.Color, &t.ProfileName, &t.Status, &t.CreatedAt, &t.UpdatedAt, &t.Alarm, &t.AlarmTime, &t.Acknowledged); err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks[date] = append(tasks[date], t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}

	return tasks, nil
}

// SaveAll replaces the stored task set with the given map in one transaction.
func (db *DB) SaveAll(tasks models.TaskMap) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM tasks"); err != nil {
		return fmt.Errorf("failed to clear tasks: %w", err)
	}

	stmt, err := tx.Prepare("INSERT INTO tasks (id, date, description, time, color, profile_name, status, created_at, updated_at, alarm, alarm_time, acknowledged) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for date, list := range tasks {
		for _, t := range list {
			status := t.Status
			if status == "" {
				status = models.StatusActive
			}
			if _, err := stmt.Exec(t.ID, date, t.Description, t.Time, t.Color, t.ProfileName, status, t.CreatedAt, t.UpdatedAt, t.Alarm, t.AlarmTime, t.Acknowledged); err != nil {
				return fmt.Errorf("failed to insert task %s: %w", t.ID, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit tasks: %w", err)
	}

	return nil
}
