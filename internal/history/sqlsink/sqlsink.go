// Package sqlsink holds the database/sql plumbing shared by the SQL
// history sinks. Dialects only differ in driver, placeholders and DDL.
package sqlsink

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/loykin/lunarpod/internal/history"
)

// Dialect describes one SQL backend.
type Dialect struct {
	Driver string
	// Bind returns the placeholder for the 1-based argument n.
	Bind func(n int) string
	// Schema runs in order on open. Statements must be idempotent.
	Schema []string
}

const columns = "occurred_at, book, seq, ordinal, level, code, stage, message, pod_id, process_id, error"

type Sink struct {
	db     *sql.DB
	insert string
	count  string
	all    string
}

// Open connects with the dialect driver and applies its schema.
func Open(ctx context.Context, d Dialect, dsn string, tune func(*sql.DB)) (*Sink, error) {
	db, err := sql.Open(d.Driver, dsn)
	if err != nil {
		return nil, err
	}
	if tune != nil {
		tune(db)
	}
	for _, q := range d.Schema {
		if _, err := db.ExecContext(ctx, q); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s schema: %w", d.Driver, err)
		}
	}
	binds := make([]string, 11)
	for i := range binds {
		binds[i] = d.Bind(i + 1)
	}
	return &Sink{
		db:     db,
		insert: "INSERT INTO " + history.TableName + "(" + columns + ") VALUES(" + strings.Join(binds, ", ") + ")",
		count:  "SELECT COUNT(*) FROM " + history.TableName + " WHERE book = " + d.Bind(1),
		all:    "SELECT COUNT(*) FROM " + history.TableName,
	}, nil
}

func args(e history.Event) []any {
	return []any{
		e.OccurredAt.UTC(), e.Book, int64(e.Sequence), int64(e.Ordinal), e.Level, e.Code,
		nullable(e.Stage), e.Message, nullable(e.PodID), nullable(e.ProcessID), nullable(e.Error),
	}
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	_, err := s.db.ExecContext(ctx, s.insert, args(e)...)
	return err
}

// SendBatch writes events in one transaction.
func (s *Sink) SendBatch(ctx context.Context, events []history.Event) (err error) {
	if len(events) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	stmt, err := tx.PrepareContext(ctx, s.insert)
	if err != nil {
		return err
	}
	defer func() { _ = stmt.Close() }()
	for _, e := range events {
		if _, err = stmt.ExecContext(ctx, args(e)...); err != nil {
			return fmt.Errorf("insert %s: %w", e.Key(), err)
		}
	}
	return tx.Commit()
}

// Count returns the rows stored for book; an empty book counts every row.
func (s *Sink) Count(ctx context.Context, book string) (int, error) {
	var n int
	if book == "" {
		return n, s.db.QueryRowContext(ctx, s.all).Scan(&n)
	}
	return n, s.db.QueryRowContext(ctx, s.count, book).Scan(&n)
}

func (s *Sink) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
