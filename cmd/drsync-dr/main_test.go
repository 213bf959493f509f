package main

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/greenplum-dr/drsync"
)

func TestExitCodeForError(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{drsync.ErrFloorAboveTarget, exitTargetMissing},
		{drsync.ErrNoReadyManifest, exitTargetMissing},
		{drsync.ErrManifestNotFound, exitTargetMissing},
		{drsync.ErrTopologyMismatch, exitConfig},
		{errors.New("boom"), exitGeneric},
	}
	for _, tc := range cases {
		if got := exitCodeForError(tc.err); got != tc.want {
			t.Errorf("exitCodeForError(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}

func TestCurrentRestorePoint_RoundTrip(t *testing.T) {
	m := NewMain()
	m.Config.DR.StateDir = t.TempDir()

	if got := m.readCurrentRestorePoint(); got != "" {
		t.Fatalf("expected empty restore point before any write, got %q", got)
	}

	want := drsync.RestorePointName("sync_point_20260201_180000")
	if err := m.writeCurrentRestorePoint(want); err != nil {
		t.Fatalf("writeCurrentRestorePoint: %v", err)
	}
	if got := m.readCurrentRestorePoint(); got != want {
		t.Fatalf("readCurrentRestorePoint() = %q, want %q", got, want)
	}

	wantPath := filepath.Join(m.Config.DR.StateDir, "current_restore_point.txt")
	if got := m.currentRestorePointPath(); got != wantPath {
		t.Fatalf("currentRestorePointPath() = %q, want %q", got, wantPath)
	}
}

func TestParseFlags_RunTargetFlag(t *testing.T) {
	m := NewMain()
	dir := t.TempDir()
	m.configPath = filepath.Join(dir, "missing.yml")
	err := m.ParseFlags([]string{"run", "--target", "sync_point_20260201_180000", "--config", m.configPath})
	// The config file doesn't exist, so ParseFlags is expected to fail past
	// flag parsing; what matters here is that --target was accepted and
	// assigned before that failure.
	if err == nil {
		t.Fatal("expected read config error for a missing config file")
	}
	if m.target != "sync_point_20260201_180000" {
		t.Fatalf("target = %q, want sync_point_20260201_180000", m.target)
	}
}
