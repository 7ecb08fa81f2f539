package config

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/loykin/lunarpod/internal/idref"
	"github.com/loykin/lunarpod/internal/logbook"
	"github.com/loykin/lunarpod/internal/logger"
	"github.com/loykin/lunarpod/internal/process"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func write(t *testing.T, name, data string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(data), 0o644))
	return p
}

func TestDefault(t *testing.T) {
	c := Default()
	assert.Equal(t, "127.0.0.1:8080", c.Server.Listen)
	assert.Equal(t, "/api", c.Server.BasePath)
	assert.Equal(t, 30*time.Second, c.Server.RequestTimeout)
	assert.Equal(t, 2*time.Minute, c.OrbitDb.OpenTimeout)
	assert.Equal(t, idref.NameUUID, c.NameType())
	assert.Equal(t, logbook.DefaultMaxEntries, c.LogBook.MaxEntries)
	assert.Equal(t, []string{"/ip4/127.0.0.1/tcp/0"}, c.Libp2p.ListenAddrs)
	assert.True(t, c.Libp2p.AutoStart)
	assert.True(t, c.Metrics.Enabled)
	assert.Equal(t, logger.LevelInfo, c.Log.Slog.Level)
	assert.Equal(t, logger.DefaultMaxSizeMB, c.Log.File.MaxSizeMB)
	assert.Equal(t, process.IdentityPublicKey, c.OrbitDb.Identity.Provider)
	assert.Empty(t, c.History)
	require.NoError(t, c.Validate())
}

func TestLoadEmptyPathUsesDefaults(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default().Server, c.Server)
}

func TestLoadTOML(t *testing.T) {
	p := write(t, "lunarpod.toml", `
history = ["sqlite://:memory:"]

[log.slog]
level = "debug"
format = "json"

[server]
listen = ":9000"
request_timeout = "5s"

[server.tls]
enabled = true
dir = "/etc/lunarpod/tls"
auto_generate = true
hosts = ["localhost"]

[id]
name_type = "names"

[libp2p]
listen_addrs = ["/ip4/0.0.0.0/tcp/4001"]
auto_start = false

[ipfs]
dir = "/var/lib/lunarpod/blocks"

[orbitdb]
dir = "/var/lib/lunarpod/orbitdb"

[orbitdb.identity]
provider = "did"
`)
	c, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, logger.LevelDebug, c.Log.Slog.Level)
	assert.Equal(t, logger.FormatJSON, c.Log.Slog.Format)
	assert.Equal(t, ":9000", c.Server.Listen)
	assert.Equal(t, "/api", c.Server.BasePath)
	assert.Equal(t, 5*time.Second, c.Server.RequestTimeout)
	assert.True(t, c.Server.TLS.Enabled)
	assert.Equal(t, "/etc/lunarpod/tls", c.Server.TLS.Dir)
	assert.Equal(t, []string{"localhost"}, c.Server.TLS.Hosts)
	assert.Equal(t, idref.NameWords, c.NameType())
	assert.Equal(t, []string{"/ip4/0.0.0.0/tcp/4001"}, c.Libp2p.ListenAddrs)
	assert.False(t, c.Libp2p.AutoStart)
	assert.Equal(t, "/var/lib/lunarpod/blocks", c.Ipfs.Dir)
	assert.Equal(t, 10*time.Second, c.Ipfs.FetchTimeout)
	assert.Equal(t, "/var/lib/lunarpod/orbitdb", c.OrbitDb.Dir)
	assert.Equal(t, []string{"sqlite://:memory:"}, c.History)

	id, err := c.Identity()
	require.NoError(t, err)
	assert.Equal(t, process.IdentityDID, id.Provider)
	assert.Empty(t, id.Seed)
}

func TestLoadYAMLAndJSON(t *testing.T) {
	y := write(t, "lunarpod.yaml", `
server:
  listen: ":9100"
  cors_origin: "*"
logbook:
  max_entries: 50
metrics:
  enabled: false
  resources:
    enabled: true
    interval: 1s
`)
	c, err := Load(y)
	require.NoError(t, err)
	assert.Equal(t, ":9100", c.Server.Listen)
	assert.Equal(t, "*", c.Server.CORSOrigin)
	assert.Equal(t, 50, c.LogBook.MaxEntries)
	assert.False(t, c.Metrics.Enabled)
	assert.True(t, c.Metrics.Resources.Enabled)
	assert.Equal(t, time.Second, c.Metrics.Resources.Interval)
	assert.Equal(t, 100, c.Metrics.Resources.MaxHistory)

	j := write(t, "lunarpod.json", `{"server":{"base_path":"/v1"},"id":{"name_type":"random"}}`)
	c, err = Load(j)
	require.NoError(t, err)
	assert.Equal(t, "/v1", c.Server.BasePath)
	assert.Equal(t, idref.NameRandom, c.NameType())
}

func TestLoadWithoutExtensionReadsTOML(t *testing.T) {
	p := write(t, "lunarpod", "[server]\nlisten = \":9200\"\n")
	c, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, ":9200", c.Server.Listen)
}

func TestEnvOverridesFile(t *testing.T) {
	p := write(t, "lunarpod.toml", "[server]\nlisten = \":9000\"\n")
	t.Setenv("LUNARPOD_SERVER_LISTEN", ":9300")
	t.Setenv("LUNARPOD_LOG_SLOG_LEVEL", "warn")
	t.Setenv("LUNARPOD_ID_NAME_TYPE", "names")
	t.Setenv("LUNARPOD_LIBP2P_LISTEN_ADDRS", "/ip4/127.0.0.1/tcp/4001,/ip4/127.0.0.1/tcp/4002")
	t.Setenv("LUNARPOD_LIBP2P_AUTO_START", "false")

	c, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, ":9300", c.Server.Listen)
	assert.Equal(t, logger.LevelWarn, c.Log.Slog.Level)
	assert.Equal(t, idref.NameWords, c.NameType())
	assert.Equal(t, []string{"/ip4/127.0.0.1/tcp/4001", "/ip4/127.0.0.1/tcp/4002"}, c.Libp2p.ListenAddrs)
	assert.False(t, c.Libp2p.AutoStart)
}

func TestEnvFiles(t *testing.T) {
	dotenv := write(t, ".env", strings.Join([]string{
		"# overrides",
		"LUNARPOD_SERVER_LISTEN=:9400",
		"export LUNARPOD_ID_NAME_TYPE='names'",
		`LUNARPOD_SERVER_BASE_PATH="/file"`,
		"UNRELATED=1",
		"",
	}, "\n"))
	p := write(t, "lunarpod.toml", "env_files = [\""+filepath.ToSlash(dotenv)+"\"]\n")
	t.Setenv("LUNARPOD_SERVER_BASE_PATH", "/os")

	c, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, ":9400", c.Server.Listen)
	assert.Equal(t, idref.NameWords, c.NameType())
	assert.Equal(t, "/os", c.Server.BasePath)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)

	bad := write(t, "bad.toml", "[server\nlisten = ")
	_, err = Load(bad)
	require.Error(t, err)

	missingEnv := write(t, "env.toml", "env_files = [\"/nonexistent/.env\"]\n")
	_, err = Load(missingEnv)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "env file")
}

func TestValidate(t *testing.T) {
	c := Default()
	c.ID.NameType = "sequential"
	c.Server.Listen = " "
	c.OrbitDb.Identity.Provider = "ethereum"
	c.History = []string{""}
	c.Server.TLS.Enabled = true
	c.OrbitDb.OpenTimeout = -time.Second
	err := c.Validate()
	require.Error(t, err)
	for _, want := range []string{"id.name_type", "server.listen", "orbitdb.identity.provider", "history[0]", "server.tls", "orbitdb.open_timeout"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestIdentitySeed(t *testing.T) {
	c := Default()
	c.OrbitDb.Identity = IdentityConfig{Provider: "DID", Seed: strings.Repeat("ab", 32)}
	id, err := c.Identity()
	require.NoError(t, err)
	assert.Equal(t, process.IdentityDID, id.Provider)
	require.Len(t, id.Seed, 32)
	assert.Equal(t, byte(0xab), id.Seed[0])

	c.OrbitDb.Identity.Seed = "abcd"
	_, err = c.Identity()
	require.Error(t, err)
	c.OrbitDb.Identity.Seed = strings.Repeat("zz", 32)
	_, err = c.Identity()
	require.Error(t, err)
}

func TestPodBayOptions(t *testing.T) {
	c := Default()
	c.ID.NameType = "names"
	c.Libp2p.AutoStart = false
	opts, err := c.PodBayOptions(nil)
	require.NoError(t, err)
	assert.Equal(t, idref.NameWords, opts.NameType)
	assert.Equal(t, idref.NameWords, opts.Pod.NameType)
	assert.False(t, opts.Pod.AutoStart)
	assert.Equal(t, process.IdentityPublicKey, opts.Pod.Identity.Provider)
	assert.NotNil(t, opts.Pod.Engines.Libp2p)
	assert.NotNil(t, opts.Pod.Engines.Ipfs)
	assert.NotNil(t, opts.Pod.Engines.OrbitDb)
}

func TestSinks(t *testing.T) {
	c := Default()
	sinks, err := c.Sinks()
	require.NoError(t, err)
	assert.Empty(t, sinks)

	c.History = []string{"sqlite://:memory:"}
	sinks, err = c.Sinks()
	require.NoError(t, err)
	require.Len(t, sinks, 1)
	if cl, ok := sinks[0].(io.Closer); ok {
		require.NoError(t, cl.Close())
	}

	c.History = []string{"sqlite://:memory:", "ftp://nowhere"}
	_, err = c.Sinks()
	require.Error(t, err)
}

func TestEnvName(t *testing.T) {
	assert.Equal(t, "LUNARPOD_SERVER_REQUEST_TIMEOUT", EnvName("server.request_timeout"))
	assert.Equal(t, "LUNARPOD_ORBITDB_IDENTITY_SEED", EnvName("orbitdb.identity.seed"))
}
