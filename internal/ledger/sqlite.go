//go:build sqlite
// +build sqlite

package ledger

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "interflow/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteLedger struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection; SQLite serializes writes anyway and a single conn
	// keeps WAL checkpointing predictable.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	}
	if cfg.BusyTimeout > 0 {
		pragmas = append(pragmas, fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	for _, p := range pragmas {
		_, _ = db.Exec(p)
	}

	led := &sqliteLedger{db: db, log: log}
	if err := led.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return led, nil
}

// migrate applies the embedded schema. Every statement is IF NOT EXISTS,
// so reapplying on each open is harmless.
func (s *sqliteLedger) migrate(ctx context.Context) error {
	schema, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(schema))
	return err
}

func (s *sqliteLedger) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteLedger) Append(ctx context.Context, r Record) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if r.Status == "" {
		return errors.New("record status required")
	}
	if r.At.IsZero() {
		r.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO outcomes(at, job, pool, source, target, platform, status, attempts, reason, err)
		 VALUES(?,?,?,?,?,?,?,?,?,?)`,
		r.At.UTC().Format(time.RFC3339Nano), nullable(r.JobID), nullable(r.Pool), nullable(r.Source),
		nullable(r.Target), nullable(r.Platform), r.Status, r.Attempts, nullable(r.Reason), nullable(r.Error),
	)
	return err
}

func (s *sqliteLedger) Recent(ctx context.Context, limit int) ([]Record, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT at, job, pool, source, target, platform, status, attempts, reason, err
		 FROM outcomes ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			r                                        Record
			at                                       string
			job, pool, src, tgt, platform, rsn, errS sql.NullString
		)
		if err := rows.Scan(&at, &job, &pool, &src, &tgt, &platform, &r.Status, &r.Attempts, &rsn, &errS); err != nil {
			return nil, err
		}
		if t, perr := time.Parse(time.RFC3339Nano, at); perr == nil {
			r.At = t
		}
		r.JobID = job.String
		r.Pool = pool.String
		r.Source = src.String
		r.Target = tgt.String
		r.Platform = platform.String
		r.Reason = rsn.String
		r.Error = errS.String
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteLedger) Stats(ctx context.Context) (Stats, error) {
	if s == nil || s.db == nil {
		return Stats{}, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM outcomes GROUP BY status`)
	if err != nil {
		return Stats{}, err
	}
	defer rows.Close()

	st := Stats{ByStatus: map[string]uint64{}}
	for rows.Next() {
		var (
			status string
			n      uint64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return Stats{}, err
		}
		st.ByStatus[status] = n
		st.Total += n
	}
	return st, rows.Err()
}

func (s *sqliteLedger) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM outcomes WHERE at < ?`, cutoff.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// nullable maps empty strings to NULL so optional columns never collect
// empty-string rows.
func nullable(s string) any {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return s
}
