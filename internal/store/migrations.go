package store

import (
	"context"
	"database/sql"
	"strings"
)

func (s *Store) migrate(ctx context.Context) error {
	return s.WithTx(ctx, false, func(tx *sql.Tx) error {
		stmts := []string{
			`CREATE TABLE IF NOT EXISTS queues (
                id INTEGER PRIMARY KEY AUTOINCREMENT,
                url_path TEXT NOT NULL UNIQUE,
                reserved TEXT NOT NULL DEFAULT 'none',
                disabled INTEGER NOT NULL DEFAULT 0,
                deleted INTEGER NOT NULL DEFAULT 0,
                trusted INTEGER NOT NULL DEFAULT 0,
                ip_allowed TEXT NOT NULL DEFAULT '',
                created_at DATETIME NOT NULL,
                updated_at DATETIME NOT NULL
            )`,
			`CREATE TABLE IF NOT EXISTS users (
                id INTEGER PRIMARY KEY AUTOINCREMENT,
                username TEXT NOT NULL UNIQUE,
                user_number TEXT NOT NULL UNIQUE,
                uuid TEXT NOT NULL,
                password_hash TEXT NOT NULL,
                disabled INTEGER NOT NULL DEFAULT 0,
                is_admin INTEGER NOT NULL DEFAULT 0,
                created_at DATETIME NOT NULL,
                updated_at DATETIME NOT NULL
            )`,
			`CREATE TABLE IF NOT EXISTS jobs (
                id INTEGER PRIMARY KEY AUTOINCREMENT,
                queue_id INTEGER NOT NULL,
                title TEXT NOT NULL DEFAULT '',
                user_name TEXT NOT NULL DEFAULT '',
                origin_host TEXT NOT NULL DEFAULT '',
                protocol TEXT NOT NULL DEFAULT 'raw',
                size_bytes INTEGER NOT NULL DEFAULT 0,
                submitted_at DATETIME NOT NULL,
                FOREIGN KEY (queue_id) REFERENCES queues(id) ON DELETE CASCADE
            )`,
			`CREATE TABLE IF NOT EXISTS documents (
                id INTEGER PRIMARY KEY AUTOINCREMENT,
                job_id INTEGER NOT NULL,
                size_bytes INTEGER NOT NULL DEFAULT 0,
                path TEXT NOT NULL,
                created_at DATETIME NOT NULL,
                FOREIGN KEY (job_id) REFERENCES jobs(id) ON DELETE CASCADE
            )`,
			`CREATE INDEX IF NOT EXISTS idx_jobs_queue_id ON jobs(queue_id)`,
			`CREATE INDEX IF NOT EXISTS idx_documents_job_id ON documents(job_id)`,
			`CREATE INDEX IF NOT EXISTS idx_users_number_uuid ON users(user_number, uuid)`,
		}
		for _, stmt := range stmts {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return err
			}
		}
		if err := ensureColumn(ctx, tx, "queues", "info", "TEXT NOT NULL DEFAULT ''"); err != nil {
			return err
		}
		return nil
	})
}

func ensureColumn(ctx context.Context, tx *sql.Tx, table, column, definition string) error {
	rows, err := tx.QueryContext(ctx, "PRAGMA table_info("+table+")")
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name string
		var ctype string
		var notnull int
		var dflt sql.NullString
		var pk int
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return err
		}
		if strings.EqualFold(name, column) {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, "ALTER TABLE "+table+" ADD COLUMN "+column+" "+definition)
	return err
}
