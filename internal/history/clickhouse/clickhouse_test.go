package clickhouse

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcclickhouse "github.com/testcontainers/testcontainers-go/modules/clickhouse"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/loykin/lunarpod/internal/history"
)

func startServer(ctx context.Context, t *testing.T) string {
	t.Helper()
	ctr, err := tcclickhouse.Run(ctx,
		"clickhouse/clickhouse-server:24.3.2.23",
		tcclickhouse.WithUsername("lunar"),
		tcclickhouse.WithPassword("pod"),
		tcclickhouse.WithDatabase("logs"),
		testcontainers.WithWaitStrategy(
			wait.ForHTTP("/ping").WithPort("8123/tcp").WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ctr.Terminate(context.Background()) })

	host, err := ctr.Host(ctx)
	require.NoError(t, err)
	port, err := ctr.MappedPort(ctx, "9000/tcp")
	require.NoError(t, err)
	return host + ":" + port.Port()
}

func TestSinkWritesBatches(t *testing.T) {
	if testing.Short() {
		t.Skip("starts a ClickHouse container")
	}
	ctx := context.Background()
	addr := startServer(ctx, t)

	sink, err := New(Options{Addr: addr, Database: "logs", Username: "lunar", Password: "pod"})
	require.NoError(t, err)
	defer func() { _ = sink.Close() }()
	require.NoError(t, sink.EnsureTable(ctx))

	now := time.Now().UTC()
	var batch []history.Event
	for i := 1; i <= 3; i++ {
		batch = append(batch, history.Event{Book: "ipfs", Sequence: uint64(i), Ordinal: uint64(i), OccurredAt: now, Level: "INFO", Code: 200, Message: "ipfs started"})
	}
	require.NoError(t, sink.SendBatch(ctx, batch))
	require.NoError(t, sink.Send(ctx, history.Event{Book: "orbitdb", Sequence: 1, OccurredAt: now, Level: "ERROR", Code: 500, Error: "boom"}))
	require.NoError(t, sink.SendBatch(ctx, nil))

	var n uint64
	require.NoError(t, sink.conn.QueryRow(ctx, "SELECT count() FROM "+history.TableName+" FINAL WHERE book = ?", "ipfs").Scan(&n))
	assert.Equal(t, uint64(3), n)
}

func TestNewRejectsBadInput(t *testing.T) {
	_, err := New(Options{Addr: "localhost:9000", Table: "x; DROP TABLE y"})
	assert.ErrorContains(t, err, "invalid clickhouse table")
	_, err = New(Options{})
	assert.ErrorContains(t, err, "address required")
	_, err = New(Options{Addr: "127.0.0.1:1", DialTimeout: 200 * time.Millisecond})
	assert.Error(t, err)
}

func TestTableNamePattern(t *testing.T) {
	for _, ok := range []string{"lunarpod_log_history", "logs.events", "_t1"} {
		assert.True(t, tableName.MatchString(ok), ok)
	}
	for _, bad := range []string{"", "1abc", "a-b", "a.b.c", "a b"} {
		assert.False(t, tableName.MatchString(bad), bad)
	}
}
