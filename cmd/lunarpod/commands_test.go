package main

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/lunarpod/internal/logbook"
	"github.com/loykin/lunarpod/internal/pod"
	"github.com/loykin/lunarpod/internal/podbay"
	"github.com/loykin/lunarpod/internal/process/processtest"
	"github.com/loykin/lunarpod/internal/server"
)

func testAPI(t *testing.T) string {
	t.Helper()
	gin.SetMode(gin.TestMode)
	f := &processtest.Factories{}
	books := logbook.NewManager(logbook.Options{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	bay := podbay.New(books, podbay.Options{
		Pod: pod.Options{Engines: pod.Engines{Libp2p: f.Libp2p(), Ipfs: f.Ipfs(), OrbitDb: f.OrbitDb()}},
	})
	srv := httptest.NewServer(server.NewRouter(bay, server.Options{BasePath: "/api"}).Handler())
	t.Cleanup(srv.Close)
	return srv.URL + "/api"
}

func run(t *testing.T, api string, args ...string) (string, error) {
	t.Helper()
	root := buildRoot()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(append([]string{"--api-url", api}, args...))
	err := root.ExecuteContext(t.Context())
	return out.String(), err
}

func TestHelp(t *testing.T) {
	root := buildRoot()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"--help"})
	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "lunarpod")
	for _, sub := range []string{"serve", "pods", "pod", "open", "close", "db", "logbooks", "logs", "ping"} {
		assert.Contains(t, out.String(), sub)
	}
}

func TestPingCommand(t *testing.T) {
	api := testAPI(t)
	out, err := run(t, api, "ping")
	require.NoError(t, err)
	assert.Equal(t, "pong\n", out)

	_, err = run(t, "http://127.0.0.1:1/api", "ping")
	require.Error(t, err)
}

func TestPodCommands(t *testing.T) {
	api := testAPI(t)

	out, err := run(t, api, "pods", "new", "p1", "--component", "libp2p")
	require.NoError(t, err)
	assert.Contains(t, out, `"id": "pod-p1"`)

	out, err = run(t, api, "pod", "start", "p1", "--component", "libp2p")
	require.NoError(t, err)
	assert.Contains(t, out, `"libp2p": "started"`)

	out, err = run(t, api, "pods")
	require.NoError(t, err)
	assert.Contains(t, out, `"libp2p": "started"`)

	out, err = run(t, api, "pod", "status", "p1")
	require.NoError(t, err)
	assert.Contains(t, out, "libp2p-p1")

	out, err = run(t, api, "pod", "exec", "p1", "peerId")
	require.NoError(t, err)
	assert.Contains(t, out, "12D3KooWFake")

	out, err = run(t, api, "pod", "exec", "p1", "getJSON", `{"cid":"x"}`)
	require.Error(t, err)
	assert.Contains(t, out, "no ipfs process")

	_, err = run(t, api, "pod", "exec", "p1", "dial", "{not json")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JSON")

	out, err = run(t, api, "pod", "stop", "p1", "--component", "libp2p")
	require.NoError(t, err)
	assert.Contains(t, out, `"libp2p": "stopped"`)

	out, err = run(t, api, "pods", "rm", "p1")
	require.NoError(t, err)
	assert.Contains(t, out, "pod p1 removed")

	_, err = run(t, api, "pod", "status", "p1")
	require.Error(t, err)
}

func TestDatabaseCommands(t *testing.T) {
	api := testAPI(t)

	out, err := run(t, api, "open", "kv", "--type", "keyvalue")
	require.NoError(t, err)
	var info map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &info))
	assert.Equal(t, "kv", info["dbName"])

	out, err = run(t, api, "open")
	require.NoError(t, err)
	assert.Contains(t, out, `"kv"`)

	_, err = run(t, api, "db", "exec", "kv", "put", `{"key":"a","value":"b"}`)
	require.NoError(t, err)
	out, err = run(t, api, "db", "exec", "kv", "get", `{"key":"a"}`)
	require.NoError(t, err)
	assert.Contains(t, out, `"data": "b"`)

	out, err = run(t, api, "db", "info", "kv")
	require.NoError(t, err)
	assert.Contains(t, out, `"dbType": "keyvalue"`)

	out, err = run(t, api, "close", "kv")
	require.NoError(t, err)
	assert.Contains(t, out, "database kv closed")
	_, err = run(t, api, "db", "info", "kv")
	require.Error(t, err)
}

func TestLogCommands(t *testing.T) {
	api := testAPI(t)
	_, err := run(t, api, "pods", "new", "p2", "--component", "libp2p")
	require.NoError(t, err)

	out, err := run(t, api, "logbooks")
	require.NoError(t, err)
	assert.Contains(t, out, `"name": "libp2p"`)

	out, err = run(t, api, "logs", "--book", "libp2p", "--pod", "p2", "--last", "1")
	require.NoError(t, err)
	var entries []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &entries))
	assert.Len(t, entries, 1)

	_, err = run(t, api, "logs", "--level", "loud")
	require.Error(t, err)
}

func TestAPIURLFromConfig(t *testing.T) {
	p := filepath.Join(t.TempDir(), "lunarpod.toml")
	require.NoError(t, os.WriteFile(p, []byte("[server]\nlisten = \"0.0.0.0:9090\"\nbase_path = \"/v1\"\n"), 0o644))
	c, err := apiClient(&GlobalFlags{ConfigPath: p})
	require.NoError(t, err)
	require.NotNil(t, c)

	assert.Equal(t, "http://127.0.0.1:9090/v1", baseURL("0.0.0.0:9090", "/v1", false))
	assert.Equal(t, "http://127.0.0.1:8080/api", baseURL(":8080", "/api", false))
	assert.Equal(t, "http://pods.local:80", baseURL("pods.local:80", "", false))
	assert.Equal(t, "https://[::1]:8443/api", baseURL("[::1]:8443", "/api", true))

	_, err = apiClient(&GlobalFlags{ConfigPath: filepath.Join(t.TempDir(), "missing.toml")})
	require.Error(t, err)
}

func TestParseArgs(t *testing.T) {
	raw, err := parseArgs(nil)
	require.NoError(t, err)
	assert.Nil(t, raw)

	raw, err = parseArgs([]string{`{"key":`, `"a"}`})
	require.NoError(t, err)
	assert.JSONEq(t, `{"key":"a"}`, string(raw))

	_, err = parseArgs([]string{"key=a"})
	require.Error(t, err)
}

func TestPrintResultFailure(t *testing.T) {
	var buf bytes.Buffer
	err := printResult(&buf, clientResult("get", "boom"))
	require.Error(t, err)
	assert.True(t, strings.HasPrefix(err.Error(), "get: boom"))
	assert.Contains(t, buf.String(), `"error": "boom"`)
}
