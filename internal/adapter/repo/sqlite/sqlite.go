// Package sqlite persists jobs in a single-file SQLite store.
//
// The jobs table is both the store of record and the dispatch queue: the
// claim operation runs the requeue and the guarded claim update inside one
// write transaction, so the store's single-writer lock is the only
// serialization the scheduler needs.
package sqlite

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Open opens (creating if needed) the store at dbPath and runs migrations.
func Open(dbPath string) (*sql.DB, error) {
	if dir := filepath.Dir(dbPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("op=sqlite.Open: %w", err)
		}
	}
	// busy_timeout absorbs contention while workers poll rapidly during a
	// write transaction.
	dsn := dbPath + "?_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("op=sqlite.Open: %w", err)
	}
	// Single connection: all writes funnel through one writer, which is what
	// the atomic claim depends on.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("op=sqlite.Open: ping: %w", err)
	}
	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// migrate creates the jobs table and adds newer columns when missing.
// Safe to run repeatedly.
func migrate(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		created_at INTEGER NOT NULL,
		status TEXT NOT NULL,
		command TEXT NOT NULL,
		payload TEXT NOT NULL,
		result TEXT,
		finished_at INTEGER
	)`)
	if err != nil {
		return fmt.Errorf("op=sqlite.migrate: %w", err)
	}

	cols, err := tableColumns(db, "jobs")
	if err != nil {
		return err
	}
	additive := map[string]string{
		"error":       "ALTER TABLE jobs ADD COLUMN error TEXT",
		"started_at":  "ALTER TABLE jobs ADD COLUMN started_at INTEGER",
		"lease_until": "ALTER TABLE jobs ADD COLUMN lease_until INTEGER",
		"worker_id":   "ALTER TABLE jobs ADD COLUMN worker_id TEXT",
		"requires":    "ALTER TABLE jobs ADD COLUMN requires TEXT",
	}
	for col, stmt := range additive {
		if _, ok := cols[col]; ok {
			continue
		}
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("op=sqlite.migrate: add %s: %w", col, err)
		}
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_jobs_status_created ON jobs(status, created_at)",
		"CREATE INDEX IF NOT EXISTS idx_jobs_status_lease ON jobs(status, lease_until)",
		"CREATE INDEX IF NOT EXISTS idx_jobs_worker_id ON jobs(worker_id)",
	}
	for _, stmt := range indexes {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("op=sqlite.migrate: index: %w", err)
		}
	}
	return nil
}

func tableColumns(db *sql.DB, table string) (map[string]struct{}, error) {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, fmt.Errorf("op=sqlite.tableColumns: %w", err)
	}
	defer func() { _ = rows.Close() }()
	cols := make(map[string]struct{})
	for rows.Next() {
		var (
			cid     int
			name    string
			ctype   string
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &dflt, &pk); err != nil {
			return nil, fmt.Errorf("op=sqlite.tableColumns: scan: %w", err)
		}
		cols[name] = struct{}{}
	}
	return cols, rows.Err()
}
