// Package sqlite is a history.Store backed by a SQLite database file.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/geoweaver/gwrelay/history"
	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db %q: %w", dbPath, err)
	}
	// a single writer avoids SQLITE_BUSY between concurrent savers
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS history (
		id TEXT PRIMARY KEY,
		process TEXT NOT NULL DEFAULT '',
		indicator TEXT NOT NULL DEFAULT '',
		input TEXT NOT NULL DEFAULT '',
		output TEXT NOT NULL DEFAULT '',
		begin_time TIMESTAMP,
		end_time TIMESTAMP,
		host TEXT NOT NULL DEFAULT '',
		notes TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_history_host ON history(host, begin_time);
	CREATE INDEX IF NOT EXISTS idx_history_process ON history(process, begin_time);
	`
	_, err := s.db.Exec(schema)
	return err
}

const selectColumns = `SELECT id, process, indicator, input, output, begin_time, end_time, host, notes FROM history`

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*history.Record, error) {
	var r history.Record
	var status string
	var beginTime, endTime sql.NullTime
	err := row.Scan(&r.ID, &r.ProcessRef, &status, &r.Input, &r.Output, &beginTime, &endTime, &r.HostRef, &r.Notes)
	if err != nil {
		return nil, err
	}
	r.Status = history.Status(status)
	if beginTime.Valid {
		r.BeginTime = beginTime.Time
	}
	if endTime.Valid {
		t := endTime.Time
		r.EndTime = &t
	}
	return &r, nil
}

func (s *Store) FindByID(ctx context.Context, id string) (*history.Record, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` WHERE id = ?`, id)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, history.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning record: %w", err)
	}
	return r, nil
}

func (s *Store) Save(ctx context.Context, r *history.Record) error {
	var endTime sql.NullTime
	if r.EndTime != nil {
		endTime = sql.NullTime{Time: r.EndTime.UTC(), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO history (id, process, indicator, input, output, begin_time, end_time, host, notes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
		  process=excluded.process,
		  indicator=excluded.indicator,
		  input=excluded.input,
		  output=excluded.output,
		  begin_time=excluded.begin_time,
		  end_time=excluded.end_time,
		  host=excluded.host,
		  notes=excluded.notes
	`, r.ID, r.ProcessRef, string(r.Status), r.Input, r.Output, r.BeginTime.UTC(), endTime, r.HostRef, r.Notes)
	return err
}

func (s *Store) DeleteByID(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM history WHERE id = ?`, id)
	return err
}

func (s *Store) FindRecentByHost(ctx context.Context, hostRef string, limit int) ([]*history.Record, error) {
	return s.query(ctx, selectColumns+` WHERE host = ? ORDER BY begin_time DESC LIMIT ?`, hostRef, limit)
}

func (s *Store) FindByProcess(ctx context.Context, processRef string, ignoreSkipped bool) ([]*history.Record, error) {
	q := selectColumns + ` WHERE process = ?`
	args := []any{processRef}
	if ignoreSkipped {
		q += ` AND indicator NOT IN (?, ?)`
		args = append(args, string(history.StatusSkipped), string(history.StatusUnknown))
	}
	return s.query(ctx, q+` ORDER BY begin_time DESC`, args...)
}

func (s *Store) DeleteByProcessAndStatus(ctx context.Context, processRef string, status history.Status) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `DELETE FROM history WHERE process = ? AND indicator = ? RETURNING id`, processRef, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) query(ctx context.Context, q string, args ...any) ([]*history.Record, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*history.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning record: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
