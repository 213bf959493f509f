package pidfile

import (
	"os"
	"os/exec"
	"testing"
)

func TestWriteReadRemove(t *testing.T) {
	dir := t.TempDir()

	if err := Write(dir, "consumer", os.Getpid()); err != nil {
		t.Fatal(err)
	}

	pid, ok, err := Read(dir, "consumer")
	if err != nil {
		t.Fatal(err)
	}
	if !ok || pid != os.Getpid() {
		t.Fatalf("got pid=%d ok=%v, want %d true", pid, ok, os.Getpid())
	}

	if err := Remove(dir, "consumer", pid); err != nil {
		t.Fatal(err)
	}
	if _, ok, err := Read(dir, "consumer"); err != nil {
		t.Fatal(err)
	} else if ok {
		t.Fatal("expected pidfile to be gone after Remove")
	}
}

func TestWrite_RefusesWhileRunning(t *testing.T) {
	dir := t.TempDir()

	if err := Write(dir, "consumer", os.Getpid()); err != nil {
		t.Fatal(err)
	}
	if err := Write(dir, "consumer", os.Getpid()+1); err == nil {
		t.Fatal("expected second write to refuse while first pid is alive")
	}
}

func TestRemove_OnlyRemovesMatchingPid(t *testing.T) {
	dir := t.TempDir()

	if err := Write(dir, "consumer", os.Getpid()); err != nil {
		t.Fatal(err)
	}
	if err := Remove(dir, "consumer", os.Getpid()+999); err != nil {
		t.Fatal(err)
	}
	if _, ok, err := Read(dir, "consumer"); err != nil {
		t.Fatal(err)
	} else if !ok {
		t.Fatal("expected pidfile to survive a Remove with a mismatched pid")
	}
}

func TestIsRunning(t *testing.T) {
	if !IsRunning(os.Getpid()) {
		t.Fatal("expected own process to be reported running")
	}

	cmd := exec.Command("true")
	if err := cmd.Run(); err != nil {
		t.Skipf("no `true` binary available: %v", err)
	}
	if IsRunning(cmd.Process.Pid) {
		t.Fatal("expected exited process to be reported not running")
	}
}

func TestStop_CleansStalePidfile(t *testing.T) {
	dir := t.TempDir()

	cmd := exec.Command("true")
	if err := cmd.Run(); err != nil {
		t.Skipf("no `true` binary available: %v", err)
	}
	if err := Write(dir, "consumer", cmd.Process.Pid); err != nil {
		t.Fatal(err)
	}

	pid, ok, err := Stop(dir, "consumer")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected Stop to report not-ok for an already-dead pid")
	}
	if pid != cmd.Process.Pid {
		t.Fatalf("got pid %d, want %d", pid, cmd.Process.Pid)
	}
	if _, ok, err := Read(dir, "consumer"); err != nil {
		t.Fatal(err)
	} else if ok {
		t.Fatal("expected stale pidfile to be cleaned up")
	}
}
