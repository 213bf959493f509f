package manifeststore

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/greenplum-dr/drsync"
)

func newTestManifest(name drsync.RestorePointName, ready bool) *drsync.Manifest {
	return &drsync.Manifest{
		RestorePoint: name,
		CreatedAtUTC: time.Date(2026, 2, 1, 18, 14, 6, 0, time.UTC),
		TimelineID:   1,
		Ready:        ready,
		Instances: []drsync.ManifestInstance{
			{SegmentID: -1, RestoreLSN: mustLSN("9/E40000C8"), Present: ready},
			{SegmentID: 0, RestoreLSN: mustLSN("9/EC0000C8"), Present: ready},
		},
	}
}

func mustLSN(s string) drsync.LSN {
	l, err := drsync.ParseLSN(s)
	if err != nil {
		panic(err)
	}
	return l
}

func TestLocalStore_PutGetList(t *testing.T) {
	dir := t.TempDir()
	store := NewLocalStore(dir, filepath.Join(dir, "LATEST.json"))
	ctx := context.Background()

	m1 := newTestManifest("sync_point_20260201_180000", true)
	m2 := newTestManifest("sync_point_20260201_181406", true)

	if err := store.Put(ctx, m1); err != nil {
		t.Fatal(err)
	}
	if err := store.Put(ctx, m2); err != nil {
		t.Fatal(err)
	}

	names, err := store.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 2 || names[0] != m2.RestorePoint || names[1] != m1.RestorePoint {
		t.Fatalf("List() = %v, want newest-first [%s %s]", names, m2.RestorePoint, m1.RestorePoint)
	}

	got, err := store.Get(ctx, m1.RestorePoint)
	if err != nil {
		t.Fatal(err)
	}
	if got.RestorePoint != m1.RestorePoint || !got.Ready {
		t.Fatalf("Get() = %+v, want match of %+v", got, m1)
	}
}

func TestLocalStore_GetMissing(t *testing.T) {
	dir := t.TempDir()
	store := NewLocalStore(dir, filepath.Join(dir, "LATEST.json"))

	if _, err := store.Get(context.Background(), "sync_point_20260101_000000"); err == nil {
		t.Fatal("expected error for missing manifest")
	}
}

func TestLocalStore_LatestRoundTrip(t *testing.T) {
	dir := t.TempDir()
	latestPath := filepath.Join(dir, "LATEST.json")
	store := NewLocalStore(dir, latestPath)
	ctx := context.Background()

	// No LATEST written yet: zero value, no error.
	p, err := store.Latest(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if p.RestorePoint != "" {
		t.Fatalf("expected empty latest pointer, got %+v", p)
	}

	want := &drsync.LatestPointer{
		RestorePoint: "sync_point_20260201_181406",
		Path:         filepath.Join(dir, "sync_point_20260201_181406.json"),
		UpdatedAtUTC: time.Date(2026, 2, 1, 18, 15, 0, 0, time.UTC),
	}
	if err := store.PutLatest(ctx, want); err != nil {
		t.Fatal(err)
	}

	got, err := store.Latest(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got.RestorePoint != want.RestorePoint || got.Path != want.Path {
		t.Fatalf("Latest() = %+v, want %+v", got, want)
	}
}

func TestLocalStore_WriteIsAtomic(t *testing.T) {
	dir := t.TempDir()
	store := NewLocalStore(dir, filepath.Join(dir, "LATEST.json"))
	ctx := context.Background()

	m := newTestManifest("sync_point_20260201_181406", false)
	if err := store.Put(ctx, m); err != nil {
		t.Fatal(err)
	}

	// No .tmp file should survive a successful write.
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".tmp" {
			t.Fatalf("leftover temp file: %s", e.Name())
		}
	}
}
