// ABOUTME: PID file handling so the CLI can find and stop a running daemon.
// ABOUTME: Written on startup, removed on clean shutdown, validated on read.

package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// ReadPIDFile returns the pid recorded at path, verifying the process is
// still alive. A stale file is removed and reported as not running.
func ReadPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parsing pid file %s: %w", path, err)
	}

	// Signal 0 probes for existence without touching the process.
	proc, err := os.FindProcess(pid)
	if err != nil {
		return 0, err
	}
	if err := proc.Signal(syscall.Signal(0)); err != nil {
		_ = os.Remove(path)
		return 0, fmt.Errorf("stale pid file for pid %d: %w", pid, err)
	}
	return pid, nil
}

// StopByPIDFile sends SIGTERM to the process recorded at path.
func StopByPIDFile(path string) (int, error) {
	pid, err := ReadPIDFile(path)
	if err != nil {
		return 0, err
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return 0, err
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return 0, fmt.Errorf("signaling pid %d: %w", pid, err)
	}
	return pid, nil
}

func (d *Daemon) writePIDFile() error {
	path := d.config.Server.PIDFile
	if path == "" {
		return nil
	}
	if pid, err := ReadPIDFile(path); err == nil {
		return fmt.Errorf("router already running with pid %d", pid)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating pid file directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0644); err != nil {
		return fmt.Errorf("writing pid file: %w", err)
	}
	return nil
}

func (d *Daemon) removePIDFile() {
	if path := d.config.Server.PIDFile; path != "" {
		_ = os.Remove(path)
	}
}
