package clickhouse

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/loykin/lunarpod/internal/history"
)

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// Options select the server and table. Zero values fall back to the
// ClickHouse "default" user and database.
type Options struct {
	Addr        string
	Database    string
	Username    string
	Password    string
	Table       string
	DialTimeout time.Duration
}

// Sink writes events over the native protocol. Rows are keyed by book and
// sequence; ReplacingMergeTree folds resends of the same entry.
type Sink struct {
	conn  driver.Conn
	table string
}

func New(opts Options) (*Sink, error) {
	if opts.Table == "" {
		opts.Table = history.TableName
	}
	if !tableName.MatchString(opts.Table) {
		return nil, fmt.Errorf("invalid clickhouse table name %q", opts.Table)
	}
	if opts.Addr == "" {
		return nil, errors.New("clickhouse address required")
	}
	if opts.Database == "" {
		opts.Database = "default"
	}
	if opts.Username == "" {
		opts.Username = "default"
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 5 * time.Second
	}
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{opts.Addr},
		Auth: clickhouse.Auth{
			Database: opts.Database,
			Username: opts.Username,
			Password: opts.Password,
		},
		DialTimeout: opts.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("open clickhouse %s: %w", opts.Addr, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), opts.DialTimeout)
	defer cancel()
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping clickhouse %s: %w", opts.Addr, err)
	}
	s := &Sink{conn: conn, table: opts.Table}
	if err := s.EnsureTable(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("create clickhouse table: %w", err)
	}
	return s, nil
}

func (s *Sink) EnsureTable(ctx context.Context) error {
	return s.conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS `+s.table+` (
			occurred_at DateTime64(6, 'UTC'),
			book LowCardinality(String),
			seq UInt64,
			ordinal UInt64,
			level LowCardinality(String),
			code Int32,
			stage LowCardinality(String),
			message String,
			pod_id String,
			process_id String,
			error String
		) ENGINE = ReplacingMergeTree
		ORDER BY (book, seq)
	`)
}

func (s *Sink) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	return s.SendBatch(ctx, []history.Event{e})
}

// SendBatch inserts events as a single block.
func (s *Sink) SendBatch(ctx context.Context, events []history.Event) error {
	if len(events) == 0 {
		return nil
	}
	batch, err := s.conn.PrepareBatch(ctx, "INSERT INTO "+s.table)
	if err != nil {
		return fmt.Errorf("prepare clickhouse batch: %w", err)
	}
	for _, e := range events {
		if err := batch.Append(
			e.OccurredAt.UTC(), e.Book, e.Sequence, e.Ordinal, e.Level, int32(e.Code),
			e.Stage, e.Message, e.PodID, e.ProcessID, e.Error,
		); err != nil {
			_ = batch.Abort()
			return fmt.Errorf("append clickhouse row %s: %w", e.Key(), err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("send clickhouse batch: %w", err)
	}
	return nil
}
