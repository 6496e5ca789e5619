package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Dialect captures the SQL differences between backends.
type Dialect interface {
	Name() string
	// Rebind rewrites '?' placeholders into the backend's form.
	Rebind(query string) string
	// TableExistsQuery takes one argument, the table name, and returns a count.
	TableExistsQuery() string
	// ColumnsQuery takes one argument, the table name, and returns column names.
	ColumnsQuery() string
	MaintainStatements() []string
}

// SQL implements Store on top of database/sql for any Dialect.
type SQL struct {
	db *sql.DB
	d  Dialect
}

// NewSQL wraps an open database handle.
func NewSQL(db *sql.DB, d Dialect) *SQL { return &SQL{db: db, d: d} }

var _ Store = (*SQL)(nil)

// Schema is shared by every backend; both accept the same column types.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS fleet_services(
		name TEXT PRIMARY KEY,
		kind TEXT NOT NULL DEFAULT '',
		desired_status TEXT NOT NULL,
		runtime_status TEXT NOT NULL,
		pid INTEGER NULL,
		port INTEGER NULL,
		started_at BIGINT NULL,
		binary_mtime BIGINT NULL,
		last_error TEXT NULL,
		updated_at BIGINT NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_fleet_services_runtime ON fleet_services(runtime_status);`,
	`CREATE TABLE IF NOT EXISTS fleet_jobs(
		name TEXT PRIMARY KEY,
		schedule TEXT NOT NULL,
		enabled BOOLEAN NOT NULL,
		last_status TEXT NOT NULL,
		last_run_at BIGINT NULL,
		last_duration_ms BIGINT NULL,
		last_error TEXT NULL,
		run_count BIGINT NOT NULL DEFAULT 0
	);`,
}

func (s *SQL) DB() *sql.DB           { return s.db }
func (s *SQL) Dialect() string       { return s.d.Name() }
func (s *SQL) Close() error          { return s.db.Close() }
func (s *SQL) q(query string) string { return s.d.Rebind(query) }

func (s *SQL) Ping(ctx context.Context) error {
	return wrap("ping", s.db.PingContext(ctx))
}

// EnsureSchema creates the fleet_services and fleet_jobs tables if missing.
func (s *SQL) EnsureSchema(ctx context.Context) error {
	for _, q := range Schema {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return wrap("ensure schema", err)
		}
	}
	return nil
}

func (s *SQL) Maintain(ctx context.Context) error {
	for _, q := range s.d.MaintainStatements() {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return wrap("maintain", err)
		}
	}
	return nil
}

// --- services ---

const serviceColumns = `name, kind, desired_status, runtime_status, pid, port, started_at, binary_mtime, last_error, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanService(r rowScanner) (ServiceRecord, error) {
	var (
		rec                     ServiceRecord
		desired, runtime        string
		pid, port               sql.NullInt64
		started, mtime, updated sql.NullInt64
		lastErr                 sql.NullString
	)
	if err := r.Scan(&rec.Name, &rec.Kind, &desired, &runtime, &pid, &port, &started, &mtime, &lastErr, &updated); err != nil {
		return ServiceRecord{}, err
	}
	rec.Desired = DesiredStatus(desired)
	rec.Runtime = RuntimeStatus(runtime)
	rec.PID = int(pid.Int64)
	rec.Port = int(port.Int64)
	rec.StartedAt = fromMillis(started)
	rec.BinaryMtime = fromMillis(mtime)
	rec.LastError = lastErr.String
	rec.UpdatedAt = fromMillis(updated)
	return rec, nil
}

func (s *SQL) Get(ctx context.Context, name string) (ServiceRecord, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+serviceColumns+` FROM fleet_services WHERE name=?`), name)
	rec, err := scanService(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ServiceRecord{}, ErrNotFound
	}
	return rec, wrap("get service", err)
}

func (s *SQL) listWhere(ctx context.Context, op, where string, args ...any) ([]ServiceRecord, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+serviceColumns+` FROM fleet_services `+where+` ORDER BY name`), args...)
	if err != nil {
		return nil, wrap(op, err)
	}
	defer func() { _ = rows.Close() }()
	var out []ServiceRecord
	for rows.Next() {
		rec, err := scanService(rows)
		if err != nil {
			return nil, wrap(op, err)
		}
		out = append(out, rec)
	}
	return out, wrap(op, rows.Err())
}

func (s *SQL) List(ctx context.Context) ([]ServiceRecord, error) {
	return s.listWhere(ctx, "list services", "")
}

func (s *SQL) ListRunning(ctx context.Context) ([]ServiceRecord, error) {
	return s.listWhere(ctx, "list running", "WHERE runtime_status=?", string(Running))
}

// checkRecord applies the record invariants, clearing fields a status forbids.
func checkRecord(rec *ServiceRecord) error {
	if rec.Name == "" {
		return errors.New("record name is required")
	}
	if rec.Desired == "" {
		rec.Desired = Enabled
	}
	switch rec.Runtime {
	case Stopped:
		rec.PID = 0
		rec.StartedAt = time.Time{}
	case Running:
		if rec.PID <= 0 || rec.Port <= 0 || rec.StartedAt.IsZero() {
			return fmt.Errorf("running record %q requires pid, port and started_at", rec.Name)
		}
	case Starting, Crashed, Orphaned:
	default:
		return fmt.Errorf("unknown runtime status %q", rec.Runtime)
	}
	return nil
}

// Upsert writes rec after applying the record invariants.
func (s *SQL) Upsert(ctx context.Context, rec ServiceRecord) error {
	if err := checkRecord(&rec); err != nil {
		return wrap("upsert service", err)
	}
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO fleet_services(`+serviceColumns+`)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			kind=excluded.kind,
			desired_status=excluded.desired_status,
			runtime_status=excluded.runtime_status,
			pid=excluded.pid,
			port=excluded.port,
			started_at=excluded.started_at,
			binary_mtime=excluded.binary_mtime,
			last_error=excluded.last_error,
			updated_at=excluded.updated_at;`),
		rec.Name, rec.Kind, string(rec.Desired), string(rec.Runtime),
		nullInt(rec.PID), nullInt(rec.Port), toMillis(rec.StartedAt), toMillis(rec.BinaryMtime),
		nullString(rec.LastError), time.Now().UTC().UnixMilli())
	return wrap("upsert service", err)
}

func (s *SQL) Delete(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx, s.q(`DELETE FROM fleet_services WHERE name=?`), name)
	return wrap("delete service", err)
}

func (s *SQL) DeleteDisabled(ctx context.Context, enabled []string) (int, error) {
	query := `DELETE FROM fleet_services`
	args := make([]any, 0, len(enabled))
	if len(enabled) > 0 {
		query += ` WHERE name NOT IN (` + placeholders(len(enabled)) + `)`
		for _, n := range enabled {
			args = append(args, n)
		}
	}
	res, err := s.db.ExecContext(ctx, s.q(query), args...)
	if err != nil {
		return 0, wrap("delete disabled", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// CleanupStale marks Starting and Running rows with a dead pid Crashed.
func (s *SQL) CleanupStale(ctx context.Context, alive func(pid int) bool) (int, error) {
	active, err := s.listWhere(ctx, "cleanup stale", "WHERE runtime_status IN (?, ?)", string(Starting), string(Running))
	if err != nil {
		return 0, err
	}
	n := 0
	for _, rec := range active {
		if rec.PID > 0 && alive(rec.PID) {
			continue
		}
		_, err := s.db.ExecContext(ctx, s.q(`
			UPDATE fleet_services
			SET runtime_status=?, pid=NULL, last_error=?, updated_at=?
			WHERE name=? AND runtime_status=?`),
			string(Crashed), fmt.Sprintf("process %d is no longer alive", rec.PID), time.Now().UTC().UnixMilli(),
			rec.Name, string(rec.Runtime))
		if err != nil {
			return n, wrap("cleanup stale", err)
		}
		n++
	}
	return n, nil
}

func (s *SQL) DeleteCrashed(ctx context.Context, cutoff time.Time, keep []string) (int, error) {
	query := `DELETE FROM fleet_services WHERE runtime_status=? AND updated_at<? AND pid IS NULL`
	args := []any{string(Crashed), cutoff.UTC().UnixMilli()}
	if len(keep) > 0 {
		query += ` AND name NOT IN (` + placeholders(len(keep)) + `)`
		for _, k := range keep {
			args = append(args, k)
		}
	}
	res, err := s.db.ExecContext(ctx, s.q(query), args...)
	if err != nil {
		return 0, wrap("delete crashed", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// --- jobs ---

const jobColumns = `name, schedule, enabled, last_status, last_run_at, last_duration_ms, last_error, run_count`

func scanJob(r rowScanner) (JobRecord, error) {
	var (
		rec            JobRecord
		status         string
		lastRun, durMs sql.NullInt64
		lastErr        sql.NullString
	)
	if err := r.Scan(&rec.Name, &rec.Schedule, &rec.Enabled, &status, &lastRun, &durMs, &lastErr, &rec.RunCount); err != nil {
		return JobRecord{}, err
	}
	rec.LastStatus = JobStatus(status)
	rec.LastRunAt = fromMillis(lastRun)
	rec.LastDurationMs = durMs.Int64
	rec.LastError = lastErr.String
	return rec, nil
}

func (s *SQL) EnsureJob(ctx context.Context, name, schedule string, enabled bool) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO fleet_jobs(name, schedule, enabled, last_status, run_count)
		VALUES(?, ?, ?, ?, 0)
		ON CONFLICT(name) DO UPDATE SET
			schedule=excluded.schedule,
			enabled=excluded.enabled;`),
		name, schedule, enabled, string(JobPending))
	return wrap("ensure job", err)
}

func (s *SQL) GetJob(ctx context.Context, name string) (JobRecord, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+jobColumns+` FROM fleet_jobs WHERE name=?`), name)
	rec, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return JobRecord{}, ErrNotFound
	}
	return rec, wrap("get job", err)
}

func (s *SQL) ListJobs(ctx context.Context) ([]JobRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM fleet_jobs ORDER BY name`)
	if err != nil {
		return nil, wrap("list jobs", err)
	}
	defer func() { _ = rows.Close() }()
	var out []JobRecord
	for rows.Next() {
		rec, err := scanJob(rows)
		if err != nil {
			return nil, wrap("list jobs", err)
		}
		out = append(out, rec)
	}
	return out, wrap("list jobs", rows.Err())
}

func (s *SQL) MarkJobRunning(ctx context.Context, name string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE fleet_jobs
		SET last_status=?, last_run_at=?, last_error=NULL, run_count=run_count+1
		WHERE name=?`),
		string(JobRunning), at.UTC().UnixMilli(), name)
	if err != nil {
		return wrap("mark job running", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQL) FinishJob(ctx context.Context, name string, status JobStatus, duration time.Duration, errMsg string) error {
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE fleet_jobs
		SET last_status=?, last_duration_ms=?, last_error=?
		WHERE name=?`),
		string(status), duration.Milliseconds(), nullString(errMsg), name)
	if err != nil {
		return wrap("finish job", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQL) PurgeJobs(ctx context.Context, keep []string) (int, error) {
	query := `DELETE FROM fleet_jobs`
	args := make([]any, 0, len(keep))
	if len(keep) > 0 {
		query += ` WHERE name NOT IN (` + placeholders(len(keep)) + `)`
		for _, k := range keep {
			args = append(args, k)
		}
	}
	res, err := s.db.ExecContext(ctx, s.q(query), args...)
	if err != nil {
		return 0, wrap("purge jobs", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// --- introspection ---

func (s *SQL) TableExists(ctx context.Context, table string) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, s.d.TableExistsQuery(), table).Scan(&n); err != nil {
		return false, wrap("table exists", err)
	}
	return n > 0, nil
}

func (s *SQL) Columns(ctx context.Context, table string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.d.ColumnsQuery(), table)
	if err != nil {
		return nil, wrap("columns", err)
	}
	defer func() { _ = rows.Close() }()
	var cols []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, wrap("columns", err)
		}
		cols = append(cols, strings.ToLower(c))
	}
	return cols, wrap("columns", rows.Err())
}

func (s *SQL) ApplyDDL(ctx context.Context, ddl string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrap("apply ddl", err)
	}
	for _, stmt := range SplitStatements(ddl) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			_ = tx.Rollback()
			return wrap("apply ddl", err)
		}
	}
	return wrap("apply ddl", tx.Commit())
}

// SplitStatements splits a DDL script on ';' outside of quotes.
func SplitStatements(script string) []string {
	var (
		out   []string
		cur   strings.Builder
		quote rune
	)
	flush := func() {
		if st := strings.TrimSpace(cur.String()); st != "" {
			out = append(out, st)
		}
		cur.Reset()
	}
	for _, r := range script {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			}
		case r == '\'' || r == '"':
			quote = r
		case r == ';':
			flush()
			continue
		}
		cur.WriteRune(r)
	}
	flush()
	return out
}

// RebindDollar rewrites '?' placeholders to $1, $2, ... for PostgreSQL.
func RebindDollar(query string) string {
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func nullInt(v int) sql.NullInt64 {
	if v == 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(v), Valid: true}
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func toMillis(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UTC().UnixMilli(), Valid: true}
}

func fromMillis(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return time.UnixMilli(v.Int64).UTC()
}
