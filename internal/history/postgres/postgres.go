package postgres

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/loykin/lunarpod/internal/history"
	"github.com/loykin/lunarpod/internal/history/sqlsink"
)

var dialect = sqlsink.Dialect{
	Driver: "pgx",
	Bind:   func(n int) string { return "$" + strconv.Itoa(n) },
	Schema: []string{
		`CREATE TABLE IF NOT EXISTS ` + history.TableName + `(
			id BIGSERIAL PRIMARY KEY,
			occurred_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			book TEXT NOT NULL,
			seq BIGINT NOT NULL,
			ordinal BIGINT NOT NULL,
			level TEXT NOT NULL,
			code INTEGER NOT NULL,
			stage TEXT,
			message TEXT NOT NULL,
			pod_id TEXT,
			process_id TEXT,
			error TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_lunarpod_log_history_book ON ` + history.TableName + `(book, seq)`,
		`CREATE INDEX IF NOT EXISTS idx_lunarpod_log_history_pod ON ` + history.TableName + `(pod_id) WHERE pod_id IS NOT NULL`,
	},
}

// Sink stores events in PostgreSQL through pgx's database/sql driver.
type Sink struct {
	*sqlsink.Sink
}

// New opens a postgres:// or postgresql:// DSN and creates the table.
func New(dsn string) (*Sink, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("empty PostgreSQL DSN")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s, err := sqlsink.Open(ctx, dialect, dsn, func(db *sql.DB) {
		db.SetMaxOpenConns(4)
		db.SetConnMaxIdleTime(5 * time.Minute)
	})
	if err != nil {
		return nil, err
	}
	return &Sink{Sink: s}, nil
}
