package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/loykin/lunarpod/internal/history"
	"github.com/loykin/lunarpod/internal/history/sqlsink"
)

var dialect = sqlsink.Dialect{
	Driver: "sqlite",
	Bind:   func(int) string { return "?" },
	Schema: []string{
		`PRAGMA busy_timeout=3000`,
		`CREATE TABLE IF NOT EXISTS ` + history.TableName + `(
			occurred_at TIMESTAMP NOT NULL DEFAULT (CURRENT_TIMESTAMP),
			book TEXT NOT NULL,
			seq INTEGER NOT NULL,
			ordinal INTEGER NOT NULL,
			level TEXT NOT NULL,
			code INTEGER NOT NULL,
			stage TEXT,
			message TEXT NOT NULL,
			pod_id TEXT,
			process_id TEXT,
			error TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_lunarpod_log_history_book ON ` + history.TableName + `(book, seq)`,
	},
}

// Sink stores events in a SQLite file through the CGO-free modernc driver.
type Sink struct {
	*sqlsink.Sink
}

// New opens "sqlite:///path.db", "sqlite://:memory:", a bare path or
// ":memory:".
func New(dsn string) (*Sink, error) {
	dsn = strings.TrimSpace(dsn)
	if len(dsn) >= len("sqlite://") && strings.EqualFold(dsn[:len("sqlite://")], "sqlite://") {
		dsn = dsn[len("sqlite://"):]
	}
	if dsn == "" {
		return nil, errors.New("empty SQLite DSN")
	}
	// a second pooled connection would see a different :memory: database
	s, err := sqlsink.Open(context.Background(), dialect, dsn, func(db *sql.DB) { db.SetMaxOpenConns(1) })
	if err != nil {
		return nil, err
	}
	return &Sink{Sink: s}, nil
}
