package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/agentfleet/fleetd/internal/history"
)

var dialect = history.SQLDialect{
	Driver: "sqlite",
	Schema: []string{
		`PRAGMA busy_timeout=3000;`,
		`CREATE TABLE IF NOT EXISTS fleet_history(
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			occurred_at TIMESTAMP NOT NULL,
			event TEXT NOT NULL,
			service TEXT NOT NULL,
			kind TEXT NOT NULL DEFAULT '',
			pid INTEGER NULL,
			port INTEGER NULL,
			status TEXT NOT NULL,
			detail TEXT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_fleet_history_service ON fleet_history(service, occurred_at);`,
	},
}

// New opens a SQLite history sink. The DSN is a file path or ":memory:",
// optionally prefixed with "sqlite://".
func New(dsn string) (*history.SQLSink, error) {
	dsn = strings.TrimSpace(dsn)
	if len(dsn) >= len("sqlite://") && strings.EqualFold(dsn[:len("sqlite://")], "sqlite://") {
		dsn = dsn[len("sqlite://"):]
	}
	if dsn == "" {
		return nil, errors.New("empty SQLite DSN")
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// one writer; also keeps a ":memory:" database alive across calls
	db.SetMaxOpenConns(1)
	return history.NewSQLSink(context.Background(), db, dialect)
}
