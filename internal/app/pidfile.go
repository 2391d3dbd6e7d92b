package app

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// writePIDFile records the current process id, refusing to start when a
// previous instance is still alive. A stale file (dead pid) is replaced.
func writePIDFile(path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}

	if b, err := os.ReadFile(path); err == nil {
		if pid, perr := strconv.Atoi(strings.TrimSpace(string(b))); perr == nil && pidAlive(pid) {
			return fmt.Errorf("daemon already running (pid %d, pidfile %s)", pid, path)
		}
		// Stale pidfile; fall through and overwrite.
	}

	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func removePIDFile(path string) {
	if strings.TrimSpace(path) == "" {
		return
	}
	_ = os.Remove(path)
}

// pidAlive reports whether a process with the given pid exists.
// Signal 0 performs the existence check without delivering anything.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
