// Package postgres is a history.Store backed by PostgreSQL.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/geoweaver/gwrelay/history"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema creates the history table. It is idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS gw_history (
	id         TEXT PRIMARY KEY,
	process    TEXT NOT NULL DEFAULT '',
	indicator  TEXT NOT NULL DEFAULT '',
	input      TEXT NOT NULL DEFAULT '',
	output     TEXT NOT NULL DEFAULT '',
	begin_time TIMESTAMPTZ,
	end_time   TIMESTAMPTZ,
	host       TEXT,
	notes      TEXT
);
CREATE INDEX IF NOT EXISTS gw_history_host_idx ON gw_history (host, begin_time DESC);
CREATE INDEX IF NOT EXISTS gw_history_process_idx ON gw_history (process, begin_time DESC);
`

type Store struct {
	pool *pgxpool.Pool
}

func Open(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	ctxPing, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(ctxPing); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() { s.pool.Close() }

// EnsureSchema applies Schema.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, Schema)
	return err
}

const selectColumns = `
	SELECT id, process, indicator, input, output, begin_time, end_time, COALESCE(host,''), COALESCE(notes,'')
	FROM gw_history`

func scanRecord(row pgx.Row) (*history.Record, error) {
	var r history.Record
	var status string
	var beginTime *time.Time
	err := row.Scan(&r.ID, &r.ProcessRef, &status, &r.Input, &r.Output, &beginTime, &r.EndTime, &r.HostRef, &r.Notes)
	if err != nil {
		return nil, err
	}
	r.Status = history.Status(status)
	if beginTime != nil {
		r.BeginTime = *beginTime
	}
	return &r, nil
}

func (s *Store) FindByID(ctx context.Context, id string) (*history.Record, error) {
	r, err := scanRecord(s.pool.QueryRow(ctx, selectColumns+` WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, history.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning record: %w", err)
	}
	return r, nil
}

func (s *Store) Save(ctx context.Context, r *history.Record) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO gw_history (id, process, indicator, input, output, begin_time, end_time, host, notes)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (id) DO UPDATE SET
		  process=EXCLUDED.process,
		  indicator=EXCLUDED.indicator,
		  input=EXCLUDED.input,
		  output=EXCLUDED.output,
		  begin_time=EXCLUDED.begin_time,
		  end_time=EXCLUDED.end_time,
		  host=EXCLUDED.host,
		  notes=EXCLUDED.notes
	`, r.ID, r.ProcessRef, string(r.Status), r.Input, r.Output, nullIfZero(r.BeginTime), r.EndTime,
		nullIfEmpty(r.HostRef), nullIfEmpty(r.Notes),
	)
	return err
}

func (s *Store) DeleteByID(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM gw_history WHERE id=$1`, id)
	return err
}

func (s *Store) FindRecentByHost(ctx context.Context, hostRef string, limit int) ([]*history.Record, error) {
	return s.query(ctx, selectColumns+` WHERE host=$1 ORDER BY begin_time DESC NULLS LAST LIMIT $2`, hostRef, limit)
}

func (s *Store) FindByProcess(ctx context.Context, processRef string, ignoreSkipped bool) ([]*history.Record, error) {
	if ignoreSkipped {
		return s.query(ctx, selectColumns+` WHERE process=$1 AND indicator <> ALL($2) ORDER BY begin_time DESC NULLS LAST`,
			processRef, []string{string(history.StatusSkipped), string(history.StatusUnknown)})
	}
	return s.query(ctx, selectColumns+` WHERE process=$1 ORDER BY begin_time DESC NULLS LAST`, processRef)
}

func (s *Store) DeleteByProcessAndStatus(ctx context.Context, processRef string, status history.Status) ([]string, error) {
	rows, err := s.pool.Query(ctx, `DELETE FROM gw_history WHERE process=$1 AND indicator=$2 RETURNING id`, processRef, string(status))
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (s *Store) query(ctx context.Context, q string, args ...any) ([]*history.Record, error) {
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*history.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullIfZero(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
