package history

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
)

// SQLDialect describes how a database/sql backend stores fleet_history.
type SQLDialect struct {
	Driver string
	// Schema runs once when the sink opens; every statement must be idempotent.
	Schema []string
	// Dollar selects $n placeholders instead of '?'.
	Dollar bool
}

const insertEvent = `INSERT INTO fleet_history(occurred_at, event, service, kind, pid, port, status, detail)
	VALUES(?, ?, ?, ?, ?, ?, ?, ?)`

// SQLSink writes events into a fleet_history table.
type SQLSink struct {
	db *sql.DB
	d  SQLDialect
}

// OpenSQL opens dsn with the dialect's driver and creates the table.
func OpenSQL(ctx context.Context, d SQLDialect, dsn string) (*SQLSink, error) {
	db, err := sql.Open(d.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s history: %w", d.Driver, err)
	}
	return NewSQLSink(ctx, db, d)
}

// NewSQLSink wraps an open handle; the handle is closed if the schema cannot be created.
func NewSQLSink(ctx context.Context, db *sql.DB, d SQLDialect) (*SQLSink, error) {
	for _, q := range d.Schema {
		if _, err := db.ExecContext(ctx, q); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("create %s history schema: %w", d.Driver, err)
		}
	}
	return &SQLSink{db: db, d: d}, nil
}

func (s *SQLSink) q(query string) string {
	if !s.d.Dollar {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r != '?' {
			b.WriteRune(r)
			continue
		}
		n++
		b.WriteString("$" + strconv.Itoa(n))
	}
	return b.String()
}

// Send inserts one event row.
func (s *SQLSink) Send(ctx context.Context, e Event) error {
	_, err := s.db.ExecContext(ctx, s.q(insertEvent),
		e.OccurredAt.UTC(), string(e.Type), e.Service, e.Kind, nullable(e.PID), nullable(e.Port), e.Status, e.Detail)
	return err
}

// Count returns the number of stored events for service ("" counts all).
func (s *SQLSink) Count(ctx context.Context, service string) (int, error) {
	query, args := `SELECT COUNT(*) FROM fleet_history`, []any{}
	if service != "" {
		query += ` WHERE service=?`
		args = append(args, service)
	}
	var n int
	err := s.db.QueryRowContext(ctx, s.q(query), args...).Scan(&n)
	return n, err
}

func (s *SQLSink) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func nullable(v int) sql.NullInt64 {
	return sql.NullInt64{Int64: int64(v), Valid: v != 0}
}
