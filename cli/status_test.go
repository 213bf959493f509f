package cli

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/greenplum-dr/drsync"
	"github.com/greenplum-dr/drsync/config"
	"github.com/greenplum-dr/drsync/manifeststore"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.NewConfig()
	cfg.Storage.ManifestDir = filepath.Join(dir, "manifests")
	cfg.DR.StateDir = filepath.Join(dir, "state")
	cfg.DR.ReceiptsDir = filepath.Join(dir, "receipts")
	for _, d := range []string{cfg.Storage.ManifestDir, cfg.DR.StateDir, cfg.DR.ReceiptsDir} {
		if err := os.MkdirAll(d, 0755); err != nil {
			t.Fatal(err)
		}
	}
	return cfg
}

func publishReady(t *testing.T, cfg config.Config, name drsync.RestorePointName) {
	t.Helper()
	store := manifeststore.NewLocalStore(cfg.Storage.ManifestDir, cfg.Storage.ResolvedLatestPath())
	m := &drsync.Manifest{
		RestorePoint: name,
		CreatedAtUTC: time.Now().UTC(),
		TimelineID:   1,
		Instances: []drsync.ManifestInstance{
			{SegmentID: -1, RestoreLSN: 100, Present: true},
			{SegmentID: 0, RestoreLSN: 100, Present: true},
		},
	}
	m.ComputeReady()
	if err := store.Put(context.Background(), m); err != nil {
		t.Fatal(err)
	}
	if err := store.PutLatest(context.Background(), &drsync.LatestPointer{
		RestorePoint: name,
		UpdatedAtUTC: time.Now().UTC(),
	}); err != nil {
		t.Fatal(err)
	}
}

func writeReceipt(t *testing.T, cfg config.Config, target drsync.RestorePointName, status drsync.ReceiptStatus) {
	t.Helper()
	r := &drsync.Receipt{
		AttemptID:           "attempt-1",
		CurrentRestorePoint: target,
		TargetRestorePoint:  target,
		CheckedAtUTC:        time.Now().UTC(),
		Mode:                "dr",
		Status:              status,
		WaitedSecs:          5,
	}
	data, err := json.Marshal(r)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(cfg.DR.ReceiptsDir, string(target)+".receipt.json")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}
}

func TestCollectDR_NoState(t *testing.T) {
	cfg := testConfig(t)

	s, hist, err := CollectDR(context.Background(), cfg, 5)
	if err != nil {
		t.Fatal(err)
	}
	if s.Mode != "dr" {
		t.Fatalf("got mode %q", s.Mode)
	}
	if s.LatestRestorePoint != "" {
		t.Fatalf("expected no latest restore point, got %q", s.LatestRestorePoint)
	}
	if len(hist) != 0 {
		t.Fatalf("expected no history, got %d entries", len(hist))
	}
	if len(s.Notes) == 0 {
		t.Fatal("expected notes explaining the missing state")
	}
}

func TestCollectDR_WithLatestAndReceipt(t *testing.T) {
	cfg := testConfig(t)
	rp := drsync.RestorePointName("20260101T000000Z")

	publishReady(t, cfg, rp)
	writeReceipt(t, cfg, rp, drsync.ReceiptStatusSuccess)

	if err := os.WriteFile(filepath.Join(cfg.DR.StateDir, "current_restore_point.txt"), []byte(rp+"\n"), 0644); err != nil {
		t.Fatal(err)
	}

	s, hist, err := CollectDR(context.Background(), cfg, 5)
	if err != nil {
		t.Fatal(err)
	}
	if s.LatestRestorePoint != rp {
		t.Fatalf("got latest %q, want %q", s.LatestRestorePoint, rp)
	}
	if s.LatestReady == nil || !*s.LatestReady {
		t.Fatal("expected latest manifest to be ready")
	}
	if s.CurrentRestorePoint != rp {
		t.Fatalf("got current %q, want %q", s.CurrentRestorePoint, rp)
	}
	if s.LastReceiptStatus != drsync.ReceiptStatusSuccess {
		t.Fatalf("got last receipt status %q", s.LastReceiptStatus)
	}
	if len(hist) != 1 {
		t.Fatalf("got %d history entries, want 1", len(hist))
	}
}

func TestRenderTable_IncludesNotesAndHistory(t *testing.T) {
	cfg := testConfig(t)
	rp := drsync.RestorePointName("20260101T000000Z")
	publishReady(t, cfg, rp)
	writeReceipt(t, cfg, rp, drsync.ReceiptStatusTimeout)

	s, hist, err := CollectDR(context.Background(), cfg, 5)
	if err != nil {
		t.Fatal(err)
	}
	out := RenderTable(s, hist, true)
	if !strings.Contains(out, "timeout") {
		t.Fatalf("expected table to mention timeout status, got:\n%s", out)
	}
	if !strings.Contains(out, "RECENT RECEIPTS") {
		t.Fatalf("expected history section, got:\n%s", out)
	}
}

func TestRenderJSON_RoundTrips(t *testing.T) {
	cfg := testConfig(t)
	rp := drsync.RestorePointName("20260101T000000Z")
	publishReady(t, cfg, rp)
	writeReceipt(t, cfg, rp, drsync.ReceiptStatusSuccess)

	s, hist, err := CollectDR(context.Background(), cfg, 5)
	if err != nil {
		t.Fatal(err)
	}
	out, err := RenderJSON(s, hist, true)
	if err != nil {
		t.Fatal(err)
	}

	var decoded map[string]any
	if err := json.Unmarshal([]byte(out), &decoded); err != nil {
		t.Fatalf("expected valid JSON, got error %v, body:\n%s", err, out)
	}
	if decoded["mode"] != "dr" {
		t.Fatalf("got mode %v", decoded["mode"])
	}
}

func TestRenderPrometheus_StatusCodes(t *testing.T) {
	cfg := testConfig(t)
	rp := drsync.RestorePointName("20260101T000000Z")
	publishReady(t, cfg, rp)
	writeReceipt(t, cfg, rp, drsync.ReceiptStatusSuccess)

	s, hist, err := CollectDR(context.Background(), cfg, 5)
	if err != nil {
		t.Fatal(err)
	}
	out := RenderPrometheus(s, hist, "drsync")
	if !strings.Contains(out, `drsync_status_code{mode="dr",status="success"} 1`) {
		t.Fatalf("expected ok status code line, got:\n%s", out)
	}
	if !strings.Contains(out, "drsync_drift") {
		t.Fatalf("expected drift gauge, got:\n%s", out)
	}
}

func TestRenderPrometheus_DriftWhenCurrentBehindTarget(t *testing.T) {
	s := Snapshot{
		Mode:                "dr",
		CurrentRestorePoint: "20260101T000000Z",
		TargetRestorePoint:  "20260102T000000Z",
		LastReceiptStatus:   drsync.ReceiptStatusSuccess,
	}
	out := RenderPrometheus(s, nil, "drsync")
	if !strings.Contains(out, `drsync_drift{mode="dr"} 1`) {
		t.Fatalf("expected drift=1, got:\n%s", out)
	}
}

func TestTailReceiptLog_NoReceipts(t *testing.T) {
	cfg := testConfig(t)
	out, err := TailReceiptLog(cfg.DR.ReceiptsDir, 10)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "no receipts") {
		t.Fatalf("got %q", out)
	}
}

func TestTailReceiptLog_TailsMostRecent(t *testing.T) {
	cfg := testConfig(t)
	rp := drsync.RestorePointName("20260101T000000Z")
	writeReceipt(t, cfg, rp, drsync.ReceiptStatusSuccess)

	out, err := TailReceiptLog(cfg.DR.ReceiptsDir, 3)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, string(rp)+".receipt.json") {
		t.Fatalf("expected tail to name the receipt file, got:\n%s", out)
	}
}

func TestRenderStatus_PrimaryMode(t *testing.T) {
	cfg := testConfig(t)
	rp := drsync.RestorePointName("20260101T000000Z")
	publishReady(t, cfg, rp)

	out, err := RenderStatus(context.Background(), cfg, "table", false, 5, "drsync", "primary")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "primary") {
		t.Fatalf("expected mode=primary in output, got:\n%s", out)
	}
}
