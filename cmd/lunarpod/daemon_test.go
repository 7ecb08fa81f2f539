package main

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/lunarpod/pkg/client"
)

func clientResult(command, errMsg string) client.Result {
	return client.Result{Message: command + " failed", Command: command, Error: errMsg}
}

func TestPidFile(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "lunarpod.pid")
	require.NoError(t, writePidFile(pidFile, os.Getpid()))

	b, err := os.ReadFile(pidFile)
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(os.Getpid())+"\n", string(b))
	pid, alive := runningPid(pidFile)
	assert.True(t, alive)
	assert.Equal(t, os.Getpid(), pid)
	assert.NoError(t, checkPidFile(pidFile), "own pid is not a conflict")

	require.NoError(t, removePidFile(pidFile))
	_, err = os.Stat(pidFile)
	assert.True(t, os.IsNotExist(err))
	assert.NoError(t, removePidFile(""))
	assert.NoError(t, removePidFile(pidFile), "missing file is fine")
}

func TestCheckPidFile(t *testing.T) {
	dir := t.TempDir()
	stale := filepath.Join(dir, "stale.pid")
	require.NoError(t, os.WriteFile(stale, []byte("not-a-pid"), 0o644))
	assert.NoError(t, checkPidFile(stale))
	assert.NoError(t, checkPidFile(filepath.Join(dir, "missing.pid")))
	assert.NoError(t, checkPidFile(""))

	live := filepath.Join(dir, "live.pid")
	require.NoError(t, writePidFile(live, os.Getppid()))
	err := checkPidFile(live)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already running")
}

func TestChildArgs(t *testing.T) {
	args := []string{"serve", "--daemonize", "--pidfile", "/run/a.pid", "--logfile=/tmp/x.log", "--config", "c.toml"}
	assert.Equal(t, []string{"serve", "--config", "c.toml", "--pidfile", "/run/a.pid"}, childArgs(args, "/run/a.pid"))
	assert.Equal(t, []string{"serve"}, childArgs([]string{"serve", "--daemonize=true"}, ""))
	assert.Equal(t, []string{"serve", "--api-url", "x"}, childArgs([]string{"serve", "--logfile", "out.log", "--api-url", "x"}, ""))
}

func TestServeBadConfig(t *testing.T) {
	err := runServe(context.Background(), io.Discard, filepath.Join(t.TempDir(), "missing.toml"), &ServeFlags{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "error loading config")
}

func TestServeStopsOnCancel(t *testing.T) {
	if testing.Short() {
		t.Skip("binds a port")
	}
	p := filepath.Join(t.TempDir(), "lunarpod.toml")
	require.NoError(t, os.WriteFile(p, []byte("[server]\nlisten = \"127.0.0.1:0\"\n[metrics]\nenabled = false\n"), 0o644))
	pidFile := filepath.Join(t.TempDir(), "serve.pid")
	require.NoError(t, writePidFile(pidFile, os.Getpid()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, runServe(ctx, io.Discard, p, &ServeFlags{PidFile: pidFile}))
	_, err := os.Stat(pidFile)
	assert.True(t, os.IsNotExist(err))
}
