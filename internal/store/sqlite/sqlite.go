package sqlite

import (
	"database/sql"
	"errors"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/agentfleet/fleetd/internal/store"
)

// New opens a SQLite database at path (modernc.org/sqlite driver, CGO-free).
// Use ":memory:" for an in-memory database.
func New(path string) (*store.SQL, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("empty sqlite path")
	}
	d, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	// one connection: writers serialize anyway, and :memory: is per-connection
	d.SetMaxOpenConns(1)
	// busy timeout helps with short concurrent locks from the CLI
	_, _ = d.Exec("PRAGMA busy_timeout=3000;")
	_, _ = d.Exec("PRAGMA foreign_keys=ON;")
	return store.NewSQL(d, dialect{}), nil
}

type dialect struct{}

func (dialect) Name() string               { return "sqlite" }
func (dialect) Rebind(query string) string { return query }

func (dialect) TableExistsQuery() string {
	return `SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`
}

func (dialect) ColumnsQuery() string {
	return `SELECT name FROM pragma_table_info(?) ORDER BY cid`
}

func (dialect) MaintainStatements() []string {
	return []string{"PRAGMA optimize;", "VACUUM;"}
}
