package procctl

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/greenplum-dr/drsync"
)

// writeFakePgControlData installs a fake "pg_controldata" executable at
// <gphome>/bin/pg_controldata that prints a canned report, so the test
// exercises the real subprocess + regex path without a real data directory.
func writeFakePgControlData(t *testing.T, gpHome, report string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("subprocess controller targets posix shells")
	}
	bin := filepath.Join(gpHome, "bin")
	if err := os.MkdirAll(bin, 0777); err != nil {
		t.Fatal(err)
	}
	script := "#!/bin/sh\ncat <<'EOF'\n" + report + "\nEOF\n"
	if err := os.WriteFile(filepath.Join(bin, "pg_controldata"), []byte(script), 0777); err != nil {
		t.Fatal(err)
	}
}

func TestSubprocessController_MinRecoveryEndLSNOffline(t *testing.T) {
	gpHome := t.TempDir()
	writeFakePgControlData(t, gpHome, "Database cluster state:             in archive recovery\n"+
		"Minimum recovery ending location:    9/EC0000C8\n"+
		"Backup end location:                 0/0")

	c := &SubprocessController{GPHome: gpHome}
	lsn, err := c.MinRecoveryEndLSNOffline(context.Background(), t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	want, _ := drsync.ParseLSN("9/EC0000C8")
	if lsn != want {
		t.Fatalf("got %s, want %s", lsn, want)
	}
}

func TestSubprocessController_MinRecoveryEndLSNOffline_FieldMissing(t *testing.T) {
	gpHome := t.TempDir()
	writeFakePgControlData(t, gpHome, "Database cluster state:             shut down")

	c := &SubprocessController{GPHome: gpHome}
	_, err := c.MinRecoveryEndLSNOffline(context.Background(), t.TempDir())
	if !errors.Is(err, drsync.ErrFloorUnknown) {
		t.Fatalf("got %v, want ErrFloorUnknown", err)
	}
}

func TestSubprocessController_MinRecoveryEndLSNOffline_BinaryMissing(t *testing.T) {
	c := &SubprocessController{GPHome: t.TempDir()} // no bin/pg_controldata installed
	_, err := c.MinRecoveryEndLSNOffline(context.Background(), t.TempDir())
	if !errors.Is(err, drsync.ErrFloorUnknown) {
		t.Fatalf("got %v, want ErrFloorUnknown", err)
	}
}
