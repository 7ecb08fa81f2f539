package factory

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/lunarpod/internal/history"
)

func closeSink(s history.Sink) {
	if c, ok := s.(io.Closer); ok {
		_ = c.Close()
	}
}

func TestNewSinkFromDSNErrors(t *testing.T) {
	for _, dsn := range []string{"", "   ", "invalid://test", "ftp://host/x", "opensearch:///index", "opensearch://h:9200/i?timeout=soon"} {
		_, err := NewSinkFromDSN(dsn)
		assert.Error(t, err, dsn)
	}
}

func TestSQLiteDSNs(t *testing.T) {
	for _, dsn := range []string{
		"sqlite://:memory:",
		"SQLITE://:memory:",
		"sqlite://" + filepath.Join(t.TempDir(), "a.db"),
		filepath.Join(t.TempDir(), "b.db"),
	} {
		sink, err := NewSinkFromDSN(dsn)
		require.NoError(t, err, dsn)
		require.NoError(t, sink.Send(context.Background(), history.Event{Book: "podbay", Sequence: 1, Level: "INFO", Code: 200, Message: "ok"}), dsn)
		closeSink(sink)
	}
}

func TestOpenSearchDSN(t *testing.T) {
	var path, user string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		user, _, _ = r.BasicAuth()
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()
	host := strings.TrimPrefix(srv.URL, "http://")

	sink, err := NewSinkFromDSN("opensearch://ops:secret@" + host + "?timeout=2")
	require.NoError(t, err)
	require.NoError(t, sink.Send(context.Background(), history.Event{Book: "ipfs", Sequence: 3}))
	assert.Equal(t, "/"+DefaultIndex+"/_doc/ipfs:3", path)
	assert.Equal(t, "ops", user)

	sink, err = NewSinkFromDSN("elasticsearch://" + host + "/events?timeout=1500ms")
	require.NoError(t, err)
	require.NoError(t, sink.Send(context.Background(), history.Event{Book: "db", Sequence: 1}))
	assert.Equal(t, "/events/_doc/db:1", path)
}

func TestParseTimeout(t *testing.T) {
	d, err := parseTimeout("3")
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, d)
	d, err = parseTimeout("250ms")
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, d)
	_, err = parseTimeout("-1s")
	assert.Error(t, err)
}

func TestSchemes(t *testing.T) {
	s := Schemes()
	for _, want := range []string{"clickhouse", "opensearch", "opensearchs", "postgres", "postgresql", "sqlite"} {
		assert.Contains(t, s, want)
	}
}
