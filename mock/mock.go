// Package mock provides struct-of-funcs fakes for the external-facing
// interfaces the rest of the tree depends on: the publisher lock, the SQL
// coordinator/instance surfaces, the offline process controller, and the
// archive verifier. Each type satisfies its interface via a compile-time
// assertion and forwards every method to a settable *Func field, following
// the teacher's mock package.
package mock

import (
	"context"
	"time"

	"github.com/greenplum-dr/drsync"
	"github.com/greenplum-dr/drsync/archiveprobe"
	"github.com/greenplum-dr/drsync/leaser"
	"github.com/greenplum-dr/drsync/procctl"
	"github.com/greenplum-dr/drsync/sqlcluster"
)

var _ leaser.Leaser = (*Leaser)(nil)

// Leaser is a mock leaser.Leaser.
type Leaser struct {
	TypeFunc    func() string
	AcquireFunc func(ctx context.Context) (leaser.Lease, error)
}

func (l *Leaser) Type() string { return l.TypeFunc() }

func (l *Leaser) Acquire(ctx context.Context) (leaser.Lease, error) {
	return l.AcquireFunc(ctx)
}

var _ leaser.Lease = (*Lease)(nil)

// Lease is a mock leaser.Lease.
type Lease struct {
	IDFunc        func() string
	TTLFunc       func() time.Duration
	RenewedAtFunc func() time.Time
	RenewFunc     func(ctx context.Context) error
	CloseFunc     func() error
}

func (l *Lease) ID() string { return l.IDFunc() }

func (l *Lease) TTL() time.Duration { return l.TTLFunc() }

func (l *Lease) RenewedAt() time.Time { return l.RenewedAtFunc() }

func (l *Lease) Renew(ctx context.Context) error { return l.RenewFunc(ctx) }

func (l *Lease) Close() error { return l.CloseFunc() }

var _ sqlcluster.Coordinator = (*Coordinator)(nil)

// Coordinator is a mock sqlcluster.Coordinator.
type Coordinator struct {
	CreateRestorePointFunc func(ctx context.Context, name drsync.RestorePointName) (int, map[int]drsync.LSN, error)
	SwitchWALFunc          func(ctx context.Context) (map[int]drsync.LSN, error)
	TopologyFunc           func(ctx context.Context) ([]drsync.Instance, error)
}

func (c *Coordinator) CreateRestorePoint(ctx context.Context, name drsync.RestorePointName) (int, map[int]drsync.LSN, error) {
	return c.CreateRestorePointFunc(ctx, name)
}

func (c *Coordinator) SwitchWAL(ctx context.Context) (map[int]drsync.LSN, error) {
	return c.SwitchWALFunc(ctx)
}

func (c *Coordinator) Topology(ctx context.Context) ([]drsync.Instance, error) {
	return c.TopologyFunc(ctx)
}

var _ sqlcluster.InstanceConn = (*InstanceConn)(nil)

// InstanceConn is a mock sqlcluster.InstanceConn.
type InstanceConn struct {
	ReplayLSNFunc         func(ctx context.Context) (drsync.LSN, error)
	MinRecoveryEndLSNFunc func(ctx context.Context) (drsync.LSN, error)
	IsInRecoveryFunc      func(ctx context.Context) (bool, error)
}

func (c *InstanceConn) ReplayLSN(ctx context.Context) (drsync.LSN, error) {
	return c.ReplayLSNFunc(ctx)
}

func (c *InstanceConn) MinRecoveryEndLSN(ctx context.Context) (drsync.LSN, error) {
	return c.MinRecoveryEndLSNFunc(ctx)
}

func (c *InstanceConn) IsInRecovery(ctx context.Context) (bool, error) {
	return c.IsInRecoveryFunc(ctx)
}

var _ procctl.Controller = (*Controller)(nil)

// Controller is a mock procctl.Controller.
type Controller struct {
	MinRecoveryEndLSNOfflineFunc func(ctx context.Context, dataDir string) (drsync.LSN, error)
	StopFunc                     func(ctx context.Context, inst drsync.Instance) error
	StartFunc                    func(ctx context.Context, inst drsync.Instance) error
	IsRunningFunc                func(ctx context.Context, inst drsync.Instance) (bool, error)
}

func (c *Controller) MinRecoveryEndLSNOffline(ctx context.Context, dataDir string) (drsync.LSN, error) {
	return c.MinRecoveryEndLSNOfflineFunc(ctx, dataDir)
}

func (c *Controller) Stop(ctx context.Context, inst drsync.Instance) error {
	return c.StopFunc(ctx, inst)
}

func (c *Controller) Start(ctx context.Context, inst drsync.Instance) error {
	return c.StartFunc(ctx, inst)
}

func (c *Controller) IsRunning(ctx context.Context, inst drsync.Instance) (bool, error) {
	return c.IsRunningFunc(ctx, inst)
}

var _ archiveprobe.Verifier = (*Verifier)(nil)

// Verifier is a mock archiveprobe.Verifier.
type Verifier struct {
	ProbeFunc func(ctx context.Context, vars archiveprobe.Vars) (bool, error)
}

func (v *Verifier) Probe(ctx context.Context, vars archiveprobe.Vars) (bool, error) {
	return v.ProbeFunc(ctx, vars)
}
