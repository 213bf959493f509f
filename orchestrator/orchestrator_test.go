package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/greenplum-dr/drsync"
	"github.com/greenplum-dr/drsync/sqlcluster"
)

type fakeController struct {
	mu       sync.Mutex
	running  map[int]bool
	stopErr  map[int]error
	startErr map[int]error
}

func newFakeController() *fakeController {
	return &fakeController{running: make(map[int]bool)}
}

func (f *fakeController) MinRecoveryEndLSNOffline(ctx context.Context, dataDir string) (drsync.LSN, error) {
	return 0, nil
}

func (f *fakeController) Stop(ctx context.Context, inst drsync.Instance) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.stopErr[inst.SegmentID]; err != nil {
		return err
	}
	f.running[inst.SegmentID] = false
	return nil
}

func (f *fakeController) Start(ctx context.Context, inst drsync.Instance) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.startErr[inst.SegmentID]; err != nil {
		return err
	}
	f.running[inst.SegmentID] = true
	return nil
}

func (f *fakeController) IsRunning(ctx context.Context, inst drsync.Instance) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running[inst.SegmentID], nil
}

func (f *fakeController) setDown(segmentID int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running[segmentID] = false
}

type fakeInstanceConn struct {
	lsn drsync.LSN
	err error
}

func (c *fakeInstanceConn) ReplayLSN(ctx context.Context) (drsync.LSN, error) {
	return c.lsn, c.err
}
func (c *fakeInstanceConn) MinRecoveryEndLSN(ctx context.Context) (drsync.LSN, error) { return 0, nil }
func (c *fakeInstanceConn) IsInRecovery(ctx context.Context) (bool, error)            { return true, nil }

func mustLSN(t *testing.T, s string) drsync.LSN {
	t.Helper()
	l, err := drsync.ParseLSN(s)
	if err != nil {
		t.Fatal(err)
	}
	return l
}

func writeLog(t *testing.T, dataDir, body string) {
	t.Helper()
	dir := filepath.Join(dataDir, "log")
	if err := os.MkdirAll(dir, 0777); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "postgresql.csv"), []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
}

func baseInstances(t *testing.T) []drsync.Instance {
	t.Helper()
	return []drsync.Instance{
		{SegmentID: -1, Host: "coord", DataDir: t.TempDir(), IsLocal: true},
		{SegmentID: 0, Host: "seg0", DataDir: t.TempDir(), IsLocal: true},
	}
}

// autoShutdownController wraps fakeController so that an instance reports
// itself down once markReached has been called for it (the tests' Dial does
// this when it hands back a connection at the target LSN), simulating recovery_target_action=shutdown taking effect once the
// replay LSN is observed to have reached the target.
type autoShutdownController struct {
	*fakeController
	targetLSNs map[int]drsync.LSN
	reached    map[int]bool
	mu         sync.Mutex
}

func (a *autoShutdownController) IsRunning(ctx context.Context, inst drsync.Instance) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.reached[inst.SegmentID] {
		return false, nil
	}
	return a.fakeController.IsRunning(ctx, inst)
}

func (a *autoShutdownController) markReached(segmentID int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reached[segmentID] = true
}

func TestRun_FullSuccessByName(t *testing.T) {
	instances := baseInstances(t)
	targetName := drsync.RestorePointName("sync_point_20260201_181406")
	targetLSNs := map[int]drsync.LSN{-1: mustLSN(t, "9/EC0000C8"), 0: mustLSN(t, "9/EC0000C8")}

	ctl := &fakeController{running: make(map[int]bool)}
	auto := &autoShutdownController{fakeController: ctl, targetLSNs: targetLSNs, reached: make(map[int]bool)}

	for _, inst := range instances {
		inst := inst
		writeLog(t, inst.DataDir, fmt.Sprintf(
			`recovery stopping after restore point "%s"`, targetName))
	}

	dial := func(ctx context.Context, inst drsync.Instance) (sqlcluster.InstanceConn, error) {
		conn := &fakeInstanceConn{lsn: targetLSNs[inst.SegmentID]}
		auto.markReached(inst.SegmentID)
		return conn, nil
	}

	cfg := Config{
		Instances:         instances,
		TargetName:        targetName,
		TargetLSNs:        targetLSNs,
		Controller:        auto,
		Dial:              dial,
		ReachPollInterval: time.Millisecond,
		WaitReachCap:      time.Second,
	}

	out, err := Run(context.Background(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != drsync.ReceiptStatusSuccess {
		t.Fatalf("got status %s, error %s", out.Status, out.Error)
	}
}

// countdownDownController goes down on its own after a fixed number of
// IsRunning polls, independent of any SQL observation — simulating an
// instance that shuts itself down before ever accepting a connection, so
// P3 never observes a replay LSN for it.
type countdownDownController struct {
	*fakeController
	mu     sync.Mutex
	polls  map[int]int
	downAt int
}

func (c *countdownDownController) IsRunning(ctx context.Context, inst drsync.Instance) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.polls[inst.SegmentID]++
	if c.polls[inst.SegmentID] >= c.downAt {
		return false, nil
	}
	return c.fakeController.IsRunning(ctx, inst)
}

func TestRun_BestEffortNoNameMatch(t *testing.T) {
	instances := baseInstances(t)
	targetName := drsync.RestorePointName("sync_point_20260201_181406")
	targetLSNs := map[int]drsync.LSN{-1: mustLSN(t, "9/EC0000C8"), 0: mustLSN(t, "9/EC0000C8")}

	ctl := newFakeController()
	countdown := &countdownDownController{fakeController: ctl, polls: make(map[int]int), downAt: 2}

	// No log at all — simulates a crash-stop with no recovery-stopped line,
	// and the instance goes down before Dial ever succeeds, so no replay
	// LSN is ever observed either.
	dial := func(ctx context.Context, inst drsync.Instance) (sqlcluster.InstanceConn, error) {
		return nil, fmt.Errorf("connection refused")
	}

	cfg := Config{
		Instances:             instances,
		TargetName:            targetName,
		TargetLSNs:            targetLSNs,
		Controller:            countdown,
		Dial:                  dial,
		ReachPollInterval:     time.Millisecond,
		WaitReachCap:          time.Second,
		BestEffortNoNameMatch: true,
	}

	out, err := Run(context.Background(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != drsync.ReceiptStatusReachedThenShutdownBestEffort {
		t.Fatalf("got status %s, error %s", out.Status, out.Error)
	}
}

func TestRun_StrictModeRejectsNoEvidenceWithoutLSN(t *testing.T) {
	instances := baseInstances(t)
	targetName := drsync.RestorePointName("sync_point_20260201_181406")
	targetLSNs := map[int]drsync.LSN{-1: mustLSN(t, "9/EC0000C8"), 0: mustLSN(t, "9/EC0000C8")}

	ctl := newFakeController()
	countdown := &countdownDownController{fakeController: ctl, polls: make(map[int]int), downAt: 2}

	dial := func(ctx context.Context, inst drsync.Instance) (sqlcluster.InstanceConn, error) {
		return nil, fmt.Errorf("connection refused")
	}

	cfg := Config{
		Instances:         instances,
		TargetName:        targetName,
		TargetLSNs:        targetLSNs,
		Controller:        countdown,
		Dial:              dial,
		ReachPollInterval: time.Millisecond,
		WaitReachCap:      time.Second,
		// BestEffortNoNameMatch left false (strict default).
	}

	out, err := Run(context.Background(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != drsync.ReceiptStatusWALMissing {
		t.Fatalf("got status %s, want wal_missing", out.Status)
	}
}

func TestRun_WrongRestorePointFails(t *testing.T) {
	instances := baseInstances(t)
	targetName := drsync.RestorePointName("sync_point_20260201_181406")
	targetLSNs := map[int]drsync.LSN{-1: mustLSN(t, "9/EC0000C8"), 0: mustLSN(t, "9/EC0000C8")}

	ctl := &fakeController{running: make(map[int]bool)}
	auto := &autoShutdownController{fakeController: ctl, targetLSNs: targetLSNs, reached: make(map[int]bool)}

	writeLog(t, instances[0].DataDir, `recovery stopping after restore point "sync_point_20260201_170000"`)
	writeLog(t, instances[1].DataDir, fmt.Sprintf(`recovery stopping after restore point "%s"`, targetName))

	dial := func(ctx context.Context, inst drsync.Instance) (sqlcluster.InstanceConn, error) {
		conn := &fakeInstanceConn{lsn: targetLSNs[inst.SegmentID]}
		auto.markReached(inst.SegmentID)
		return conn, nil
	}

	cfg := Config{
		Instances:         instances,
		TargetName:        targetName,
		TargetLSNs:        targetLSNs,
		Controller:        auto,
		Dial:              dial,
		ReachPollInterval: time.Millisecond,
		WaitReachCap:      time.Second,
	}

	out, err := Run(context.Background(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != drsync.ReceiptStatusStoppedWrongPoint {
		t.Fatalf("got status %s, want stopped_wrong_point", out.Status)
	}
}

func TestRun_TimesOutWhenInstanceNeverReaches(t *testing.T) {
	instances := baseInstances(t)
	targetName := drsync.RestorePointName("sync_point_20260201_181406")
	targetLSNs := map[int]drsync.LSN{-1: mustLSN(t, "9/EC0000C8"), 0: mustLSN(t, "9/EC0000C8")}

	ctl := newFakeController()
	for _, inst := range instances {
		ctl.running[inst.SegmentID] = true
	}

	dial := func(ctx context.Context, inst drsync.Instance) (sqlcluster.InstanceConn, error) {
		return &fakeInstanceConn{lsn: mustLSN(t, "0/0")}, nil // never reaches target
	}

	cfg := Config{
		Instances:         instances,
		TargetName:        targetName,
		TargetLSNs:        targetLSNs,
		Controller:        ctl,
		Dial:              dial,
		ReachPollInterval: time.Millisecond,
		WaitReachCap:      20 * time.Millisecond,
	}

	out, err := Run(context.Background(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != drsync.ReceiptStatusTimeout {
		t.Fatalf("got status %s, want timeout", out.Status)
	}
}

func TestRun_ConfigureFailureAbortsRun(t *testing.T) {
	instances := baseInstances(t)
	ctl := newFakeController()
	ctl.stopErr = map[int]error{0: fmt.Errorf("ssh unreachable")}

	cfg := Config{
		Instances:         instances,
		TargetName:        "sync_point_20260201_181406",
		TargetLSNs:        map[int]drsync.LSN{-1: 0, 0: 0},
		Controller:        ctl,
		Dial:              func(ctx context.Context, inst drsync.Instance) (sqlcluster.InstanceConn, error) { return nil, fmt.Errorf("no conn") },
		ReachPollInterval: time.Millisecond,
		WaitReachCap:      time.Second,
	}

	_, err := Run(context.Background(), cfg)
	if err == nil {
		t.Fatal("expected error from configure phase")
	}
}

func TestRun_ContextCanceledBeforeRunIsAborted(t *testing.T) {
	instances := baseInstances(t)
	ctl := newFakeController()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	cfg := Config{
		Instances:         instances,
		TargetName:        "sync_point_20260201_181406",
		TargetLSNs:        map[int]drsync.LSN{-1: 0, 0: 0},
		Controller:        ctl,
		Dial:              func(ctx context.Context, inst drsync.Instance) (sqlcluster.InstanceConn, error) { return nil, fmt.Errorf("no conn") },
		ReachPollInterval: time.Millisecond,
		WaitReachCap:      time.Second,
	}

	out, err := Run(ctx, cfg)
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != drsync.ReceiptStatusAborted {
		t.Fatalf("got status %s, want aborted", out.Status)
	}
}
