package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v4/process"
)

// daemonize re-executes the binary detached from the terminal and returns
// once the child is running. The child inherits the pid file and removes it
// on exit.
func daemonize(w io.Writer, pidFile, logFile string) error {
	if err := checkPidFile(pidFile); err != nil {
		return err
	}
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable: %w", err)
	}

	cmd := exec.Command(exe, childArgs(os.Args[1:], pidFile)...) // #nosec G204
	configureDaemonAttrs(cmd)
	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644) // #nosec G304
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		defer func() { _ = f.Close() }()
		cmd.Stdout, cmd.Stderr = f, f
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}
	pid := cmd.Process.Pid
	if pidFile != "" {
		if err := writePidFile(pidFile, pid); err != nil {
			return fmt.Errorf("write pid file: %w", err)
		}
	}
	_, _ = fmt.Fprintf(w, "lunarpod started with pid %d\n", pid)
	return cmd.Process.Release()
}

// childArgs drops the daemonize flags and passes the pid file on.
func childArgs(args []string, pidFile string) []string {
	var out []string
	for i := 0; i < len(args); i++ {
		arg := args[i]
		name, _, _ := strings.Cut(arg, "=")
		switch name {
		case "--daemonize":
			continue
		case "--pidfile", "--logfile":
			if !strings.Contains(arg, "=") {
				i++
			}
			continue
		}
		out = append(out, arg)
	}
	if pidFile != "" {
		out = append(out, "--pidfile", pidFile)
	}
	return out
}

// runningPid reports the pid recorded in path when that process is alive.
func runningPid(path string) (int, bool) {
	b, err := os.ReadFile(path) // #nosec G304
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	alive, err := process.PidExists(int32(pid))
	return pid, err == nil && alive
}

// checkPidFile refuses to start over a live instance. A stale file is left
// for the new owner to overwrite.
func checkPidFile(path string) error {
	if path == "" {
		return nil
	}
	if pid, alive := runningPid(path); alive && pid != os.Getpid() {
		return fmt.Errorf("lunarpod already running with pid %d (%s)", pid, path)
	}
	return nil
}

// writePidFile replaces path atomically so readers never see a partial pid.
func writePidFile(path string, pid int) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".lunarpod-pid-*")
	if err != nil {
		return err
	}
	if _, err := tmp.WriteString(strconv.Itoa(pid) + "\n"); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func removePidFile(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
