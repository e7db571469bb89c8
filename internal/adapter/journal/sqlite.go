// Package journal persists plugin execution records.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"warden/internal/domain"
)

// DefaultRecentLimit caps Recent when the caller passes a non-positive limit.
const DefaultRecentLimit = 50

// SQLiteJournal implements domain.ExecutionJournal using SQLite.
type SQLiteJournal struct {
	db *sql.DB
}

var _ domain.ExecutionJournal = (*SQLiteJournal)(nil)

// NewSQLiteJournal opens (or creates) a SQLite database at dbPath
// and runs the schema migration.
func NewSQLiteJournal(dbPath string) (*SQLiteJournal, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open journal db: %w", err)
	}
	// A single writer avoids SQLITE_BUSY between concurrent executions.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate journal db: %w", err)
	}
	return &SQLiteJournal{db: db}, nil
}

func migrate(db *sql.DB) error {
	for _, stmt := range []string{
		`CREATE TABLE IF NOT EXISTS executions (
			id           TEXT PRIMARY KEY,
			plugin_id    TEXT NOT NULL,
			plugin_name  TEXT NOT NULL,
			outcome      TEXT NOT NULL,
			duration_ns  INTEGER NOT NULL,
			input_bytes  INTEGER NOT NULL,
			output_bytes INTEGER NOT NULL,
			started_at   INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS executions_plugin_started ON executions (plugin_id, started_at)`,
		`CREATE INDEX IF NOT EXISTS executions_started ON executions (started_at)`,
	} {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying database connection.
func (j *SQLiteJournal) Close() error {
	return j.db.Close()
}

// Record stores one execution record.
func (j *SQLiteJournal) Record(ctx context.Context, rec domain.ExecutionRecord) error {
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO executions
			(id, plugin_id, plugin_name, outcome, duration_ns, input_bytes, output_bytes, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.PluginID, rec.PluginName, string(rec.Outcome),
		int64(rec.Duration), rec.InputBytes, rec.OutputBytes, rec.StartedAt.UnixNano(),
	)
	if err != nil {
		return domain.NewDomainError("SQLiteJournal.Record", domain.ErrJournalWrite, err.Error())
	}
	return nil
}

// Recent returns up to limit records, newest first. An empty pluginID
// matches every plugin.
func (j *SQLiteJournal) Recent(ctx context.Context, pluginID string, limit int) ([]domain.ExecutionRecord, error) {
	if limit <= 0 {
		limit = DefaultRecentLimit
	}
	const cols = "id, plugin_id, plugin_name, outcome, duration_ns, input_bytes, output_bytes, started_at"

	var rows *sql.Rows
	var err error
	if pluginID == "" {
		rows, err = j.db.QueryContext(ctx,
			"SELECT "+cols+" FROM executions ORDER BY started_at DESC, id DESC LIMIT ?", limit)
	} else {
		rows, err = j.db.QueryContext(ctx,
			"SELECT "+cols+" FROM executions WHERE plugin_id = ? ORDER BY started_at DESC, id DESC LIMIT ?",
			pluginID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("query journal: %w", err)
	}
	defer rows.Close()

	var out []domain.ExecutionRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Prune deletes records that started before the given time and reports
// how many were removed.
func (j *SQLiteJournal) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := j.db.ExecContext(ctx, "DELETE FROM executions WHERE started_at < ?", before.UnixNano())
	if err != nil {
		return 0, domain.NewDomainError("SQLiteJournal.Prune", domain.ErrJournalWrite, err.Error())
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func scanRecord(rows *sql.Rows) (domain.ExecutionRecord, error) {
	var (
		rec      domain.ExecutionRecord
		outcome  string
		duration int64
		started  int64
	)
	if err := rows.Scan(&rec.ID, &rec.PluginID, &rec.PluginName, &outcome,
		&duration, &rec.InputBytes, &rec.OutputBytes, &started); err != nil {
		return rec, fmt.Errorf("scan journal row: %w", err)
	}
	rec.Outcome = domain.ErrorCode(outcome)
	rec.Duration = time.Duration(duration)
	rec.StartedAt = time.Unix(0, started).UTC()
	return rec, nil
}
