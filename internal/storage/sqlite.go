package storage

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

	logx "novad/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// timeLayout is RFC3339 UTC with a fixed-width fraction, so stored
// timestamps compare correctly as strings and windowed queries can use a
// plain `at >= ?`.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store is the persistence API used by the daemon.
//
// Append* returns the assigned row id. Ids are strictly increasing per
// table; the single-connection pool serializes writers.
type Store interface {
	AppendInteraction(ctx context.Context, e Interaction) (int64, error)
	AppendEvent(ctx context.Context, e SystemEvent) (int64, error)

	InteractionCount(ctx context.Context) (int64, error)
	CountsByKind(ctx context.Context) (map[string]int64, error)
	EventCountsByType(ctx context.Context) (map[string]int64, error)
	Snapshot(ctx context.Context, window time.Duration) (WindowCounts, error)
	RecentInteractions(ctx context.Context, limit int) ([]Interaction, error)
	RecentEvents(ctx context.Context, typ string, limit int) ([]SystemEvent, error)

	Close() error
}

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

// Open initializes the SQLite store at cfg.Path, creating the parent
// directory and applying migrations as needed.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) AppendInteraction(ctx context.Context, e Interaction) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrClosed
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	success := 0
	if e.Success {
		success = 1
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO interactions(at, kind, source, input, output, duration_ms, success)
		 VALUES(?,?,?,?,?,?,?)`,
		e.At.UTC().Format(timeLayout), e.Kind, e.Source,
		nullStr(e.Input), nullStr(e.Output), e.DurationMS, success,
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *sqliteStore) AppendEvent(ctx context.Context, e SystemEvent) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrClosed
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	if strings.TrimSpace(e.Severity) == "" {
		e.Severity = "info"
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO events(at, type, severity, detail) VALUES(?,?,?,?)`,
		e.At.UTC().Format(timeLayout), e.Type, e.Severity, nullStr(e.Detail),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *sqliteStore) InteractionCount(ctx context.Context) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrClosed
	}
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM interactions`).Scan(&n)
	return n, err
}

func (s *sqliteStore) CountsByKind(ctx context.Context) (map[string]int64, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}
	return s.groupCount(ctx, `SELECT kind, COUNT(*) FROM interactions GROUP BY kind`)
}

func (s *sqliteStore) EventCountsByType(ctx context.Context) (map[string]int64, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}
	return s.groupCount(ctx, `SELECT type, COUNT(*) FROM events GROUP BY type`)
}

// Snapshot counts interactions and events recorded within the trailing
// window. window <= 0 means all recorded history.
func (s *sqliteStore) Snapshot(ctx context.Context, window time.Duration) (WindowCounts, error) {
	if s == nil || s.db == nil {
		return WindowCounts{}, ErrClosed
	}

	var (
		out WindowCounts
		err error
	)
	if window <= 0 {
		out.ByKind, err = s.groupCount(ctx, `SELECT kind, COUNT(*) FROM interactions GROUP BY kind`)
		if err != nil {
			return WindowCounts{}, err
		}
		out.Events, err = s.groupCount(ctx, `SELECT type, COUNT(*) FROM events GROUP BY type`)
	} else {
		since := time.Now().Add(-window).UTC().Format(timeLayout)
		out.ByKind, err = s.groupCount(ctx,
			`SELECT kind, COUNT(*) FROM interactions WHERE at >= ? GROUP BY kind`, since)
		if err != nil {
			return WindowCounts{}, err
		}
		out.Events, err = s.groupCount(ctx,
			`SELECT type, COUNT(*) FROM events WHERE at >= ? GROUP BY type`, since)
	}
	if err != nil {
		return WindowCounts{}, err
	}
	for _, n := range out.ByKind {
		out.Interactions += n
	}
	return out, nil
}

func (s *sqliteStore) groupCount(ctx context.Context, query string, args ...any) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]int64{}
	for rows.Next() {
		var key string
		var n int64
		if err := rows.Scan(&key, &n); err != nil {
			return nil, err
		}
		out[key] = n
	}
	return out, rows.Err()
}

func (s *sqliteStore) RecentInteractions(ctx context.Context, limit int) ([]Interaction, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, at, kind, source, COALESCE(input, ''), COALESCE(output, ''), duration_ms, success
		 FROM interactions ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Interaction
	for rows.Next() {
		var e Interaction
		var at string
		var success int
		if err := rows.Scan(&e.ID, &at, &e.Kind, &e.Source, &e.Input, &e.Output, &e.DurationMS, &success); err != nil {
			return nil, err
		}
		e.At = parseTime(at)
		e.Success = success != 0
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqliteStore) RecentEvents(ctx context.Context, typ string, limit int) ([]SystemEvent, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}
	if limit <= 0 {
		limit = 20
	}

	var (
		rows *sql.Rows
		err  error
	)
	if strings.TrimSpace(typ) == "" {
		rows, err = s.db.QueryContext(ctx,
			`SELECT id, at, type, severity, COALESCE(detail, '') FROM events ORDER BY id DESC LIMIT ?`, limit)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT id, at, type, severity, COALESCE(detail, '') FROM events WHERE type = ? ORDER BY id DESC LIMIT ?`, typ, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SystemEvent
	for rows.Next() {
		var e SystemEvent
		var at string
		if err := rows.Scan(&e.ID, &at, &e.Type, &e.Severity, &e.Detail); err != nil {
			return nil, err
		}
		e.At = parseTime(at)
		out = append(out, e)
	}
	return out, rows.Err()
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
