// Package pidfile guards against a double-started publisher or consumer
// process: one file per role, written atomically, refusing to overwrite a
// pidfile whose pid is still alive.
package pidfile

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/greenplum-dr/drsync/internal"
)

// Path returns the pidfile path for role under stateDir.
func Path(stateDir, role string) string {
	return filepath.Join(stateDir, role+".pid")
}

// Write records pid as the running instance of role. It refuses to overwrite
// a pidfile that names a pid still alive, preventing an accidental second
// run against the same state directory.
func Write(stateDir, role string, pid int) error {
	path := Path(stateDir, role)
	if old, ok, err := Read(stateDir, role); err != nil {
		return err
	} else if ok && IsRunning(old) {
		return fmt.Errorf("%s already running (pid=%d) pidfile=%s", role, old, path)
	}
	return internal.AtomicWriteFile(path, []byte(strconv.Itoa(pid)+"\n"), 0644)
}

// Read returns the pid recorded for role, or ok=false if no pidfile exists
// or its contents can't be parsed.
func Read(stateDir, role string) (pid int, ok bool, err error) {
	path := Path(stateDir, role)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return 0, false, nil
	} else if err != nil {
		return 0, false, fmt.Errorf("read %s: %w", path, err)
	}
	s := strings.TrimSpace(string(data))
	if s == "" {
		return 0, false, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, false, nil
	}
	return n, true, nil
}

// Remove deletes role's pidfile. If pid is non-zero, the file is only
// removed when it still names that exact pid — a stopped process cleaning
// up after itself never clobbers a newer process's pidfile.
func Remove(stateDir, role string, pid int) error {
	path := Path(stateDir, role)
	if pid != 0 {
		cur, ok, err := Read(stateDir, role)
		if err != nil {
			return err
		}
		if !ok || cur != pid {
			return nil
		}
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove %s: %w", path, err)
	}
	return nil
}

// IsRunning reports whether pid names a live process. A permission error
// from the probe signal still counts as running — it means the process
// exists, just not one this user may signal.
func IsRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	if err == syscall.ESRCH {
		return false
	}
	if err == syscall.EPERM {
		return true
	}
	return false
}

// Stop sends SIGTERM to role's recorded pid. Returns ok=false if there was
// no pidfile or its pid was already dead (in which case the stale pidfile
// is cleaned up).
func Stop(stateDir, role string) (pid int, ok bool, err error) {
	pid, found, err := Read(stateDir, role)
	if err != nil {
		return 0, false, err
	}
	if !found {
		return 0, false, nil
	}
	if !IsRunning(pid) {
		_ = Remove(stateDir, role, pid)
		return pid, false, nil
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return pid, false, fmt.Errorf("find process %d: %w", pid, err)
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return pid, false, fmt.Errorf("signal pid %d: %w", pid, err)
	}
	return pid, true, nil
}
