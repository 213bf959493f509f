// Package orchestrator drives every DR instance through the five barriered
// phases that converge it on a chosen target: configure, start, poll for
// reach, await shutdown, validate. Each phase runs in parallel across
// instances with a worker cap of 32 and is itself the barrier — the next
// phase never starts until every instance finishes (or fails) the current
// one, because workerpool.Run doesn't return until all its workers do.
package orchestrator

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/greenplum-dr/drsync"
	"github.com/greenplum-dr/drsync/evidence"
	"github.com/greenplum-dr/drsync/metrics"
	"github.com/greenplum-dr/drsync/procctl"
	"github.com/greenplum-dr/drsync/recoveryconf"
	"github.com/greenplum-dr/drsync/sqlcluster"
	"github.com/greenplum-dr/drsync/workerpool"
)

// Dialer opens a live SQL connection to one instance, used during P3 polling.
// Returning an error is normal while the instance is still starting up or is
// down; callers must treat a dial failure as "not yet reachable", not fatal.
type Dialer func(ctx context.Context, inst drsync.Instance) (sqlcluster.InstanceConn, error)

// Config parameterizes one orchestrator run.
type Config struct {
	Instances  []drsync.Instance
	TargetName drsync.RestorePointName
	TargetLSNs map[int]drsync.LSN // keyed by segment_id, from the selected manifest

	Controller procctl.Controller
	Dial       Dialer

	ReachPollInterval time.Duration
	WaitReachCap      time.Duration
	LogWindowBytes    int64

	// BestEffortNoNameMatch relaxes P5: a DOWN instance with no log
	// signature at all is accepted as success as long as it is down, even
	// if its last observed replay LSN never reached the target. Default
	// false (strict): such an instance always fails the run.
	BestEffortNoNameMatch bool

	Clock drsync.Clock
}

func (c Config) clock() drsync.Clock {
	if c.Clock != nil {
		return c.Clock
	}
	return drsync.SystemClock{}
}

// instanceState accumulates one instance's run so far across phases.
type instanceState struct {
	inst      drsync.Instance
	targetLSN drsync.LSN

	replayLSN LSNObservation
	down      bool

	verdict      evidence.Verdict
	observedLSN  drsync.LSN
	observedName drsync.RestorePointName
}

// LSNObservation is the last replay LSN seen for an instance while it was up.
type LSNObservation struct {
	LSN   drsync.LSN
	Valid bool
}

// Outcome is the full result of one orchestrator run, ready to be converted
// into a drsync.Receipt by the caller.
type Outcome struct {
	Status     drsync.ReceiptStatus
	WaitedSecs int
	Error      string

	PerInstance map[int]drsync.PerInstanceReceipt
}

// Run executes all five phases against cfg.Instances. It never returns a
// transport error for an ordinary run failure (timeout, wrong restore
// point, etc.) — those are encoded in Outcome.Status. A non-nil error means
// the run could not even be attempted to completion (e.g. the configuration
// step failed for any one instance) or the context was canceled.
func Run(ctx context.Context, cfg Config) (outcome *Outcome, err error) {
	states := make([]*instanceState, len(cfg.Instances))
	for i, inst := range cfg.Instances {
		states[i] = &instanceState{inst: inst, targetLSN: cfg.TargetLSNs[inst.SegmentID]}
	}

	defer func() {
		for _, s := range states {
			if s.replayLSN.Valid {
				metrics.ReplayLSNGaugeVec.WithLabelValues(metrics.SegmentLabel(s.inst.SegmentID)).Set(float64(s.replayLSN.LSN))
			}
		}
		if outcome != nil {
			metrics.OrchestratorRunCountVec.WithLabelValues(string(outcome.Status)).Inc()
			metrics.ReceiptWaitedSecondsGauge.Set(float64(outcome.WaitedSecs))
		}
	}()

	t0 := time.Now()
	if err := phaseConfigure(ctx, cfg, states); err != nil {
		if ctx.Err() != nil {
			return &Outcome{Status: drsync.ReceiptStatusAborted, Error: err.Error()}, nil
		}
		return nil, fmt.Errorf("configure phase: %w", err)
	}
	metrics.OrchestratorPhaseDurationSecondsVec.WithLabelValues("configure").Set(time.Since(t0).Seconds())

	t0 = time.Now()
	if err := phaseStart(ctx, cfg, states); err != nil {
		if ctx.Err() != nil {
			return &Outcome{Status: drsync.ReceiptStatusAborted, Error: err.Error()}, nil
		}
		return nil, fmt.Errorf("start phase: %w", err)
	}
	metrics.OrchestratorPhaseDurationSecondsVec.WithLabelValues("start").Set(time.Since(t0).Seconds())

	t0 = time.Now()
	waitedSecs, timedOut, err := phasePollReach(ctx, cfg, states)
	metrics.OrchestratorPhaseDurationSecondsVec.WithLabelValues("poll_reach").Set(time.Since(t0).Seconds())
	if err != nil {
		if ctx.Err() != nil {
			return &Outcome{Status: drsync.ReceiptStatusAborted, WaitedSecs: waitedSecs, Error: err.Error()}, nil
		}
		return nil, fmt.Errorf("poll-reach phase: %w", err)
	}
	if timedOut {
		return &Outcome{Status: drsync.ReceiptStatusTimeout, WaitedSecs: waitedSecs, PerInstance: snapshot(states)}, nil
	}

	t0 = time.Now()
	awaitedSecs, timedOut, err := phaseAwaitDown(ctx, cfg, states, waitedSecs)
	metrics.OrchestratorPhaseDurationSecondsVec.WithLabelValues("await_down").Set(time.Since(t0).Seconds())
	if err != nil {
		if ctx.Err() != nil {
			return &Outcome{Status: drsync.ReceiptStatusAborted, WaitedSecs: awaitedSecs, Error: err.Error()}, nil
		}
		return nil, fmt.Errorf("await-down phase: %w", err)
	}
	if timedOut {
		return &Outcome{Status: drsync.ReceiptStatusTimeout, WaitedSecs: awaitedSecs, PerInstance: snapshot(states)}, nil
	}

	t0 = time.Now()
	if err := phaseValidate(ctx, cfg, states); err != nil {
		return nil, fmt.Errorf("validate phase: %w", err)
	}
	metrics.OrchestratorPhaseDurationSecondsVec.WithLabelValues("validate").Set(time.Since(t0).Seconds())

	status := aggregate(states, cfg.BestEffortNoNameMatch)
	return &Outcome{Status: status, WaitedSecs: awaitedSecs, PerInstance: snapshot(states)}, nil
}

// phaseConfigure is P1: stop if up, apply recovery config. All instances
// configured, none running, before P2 begins.
func phaseConfigure(ctx context.Context, cfg Config, states []*instanceState) error {
	return workerpool.Run(ctx, states, func(ctx context.Context, s *instanceState) error {
		if err := cfg.Controller.Stop(ctx, s.inst); err != nil {
			return fmt.Errorf("stop instance %d: %w", s.inst.SegmentID, err)
		}
		if err := recoveryconf.EnsureStandbySignal(s.inst.DataDir); err != nil {
			return fmt.Errorf("ensure standby.signal for instance %d: %w", s.inst.SegmentID, err)
		}
		target := recoveryconf.Target{LSN: s.targetLSN, Inclusive: true}
		if err := recoveryconf.ApplyRecoveryTarget(s.inst.DataDir, target); err != nil {
			return fmt.Errorf("apply recovery config for instance %d: %w", s.inst.SegmentID, err)
		}
		return nil
	})
}

// phaseStart is P2: launch every instance in standby recovery.
func phaseStart(ctx context.Context, cfg Config, states []*instanceState) error {
	return workerpool.Run(ctx, states, func(ctx context.Context, s *instanceState) error {
		return cfg.Controller.Start(ctx, s.inst)
	})
}

// phasePollReach is P3: poll every instance until it has either reached its
// target LSN or gone down, capped by cfg.WaitReachCap.
func phasePollReach(ctx context.Context, cfg Config, states []*instanceState) (waitedSecs int, timedOut bool, err error) {
	interval := cfg.ReachPollInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	waitCap := cfg.WaitReachCap
	if waitCap <= 0 {
		waitCap = 300 * time.Second
	}

	start := cfg.clock().Now()
	for {
		results, errs := workerpool.Map(ctx, states, func(ctx context.Context, s *instanceState) (bool, error) {
			return pollOne(ctx, cfg, s)
		})
		for _, e := range errs {
			if e != nil {
				return int(cfg.clock().Now().Sub(start).Seconds()), false, e
			}
		}

		allDone := true
		for _, reached := range results {
			if !reached {
				allDone = false
			}
		}
		if allDone {
			return int(cfg.clock().Now().Sub(start).Seconds()), false, nil
		}

		if cfg.clock().Now().Sub(start) >= waitCap {
			return int(cfg.clock().Now().Sub(start).Seconds()), true, nil
		}

		select {
		case <-ctx.Done():
			return int(cfg.clock().Now().Sub(start).Seconds()), false, ctx.Err()
		case <-time.After(interval):
		}
	}
}

// pollOne observes one instance's liveness and replay LSN, returning true
// once it is considered "done" for P3 purposes: down, or caught up.
func pollOne(ctx context.Context, cfg Config, s *instanceState) (bool, error) {
	running, err := cfg.Controller.IsRunning(ctx, s.inst)
	if err != nil {
		return false, fmt.Errorf("check running state for instance %d: %w", s.inst.SegmentID, err)
	}
	if !running {
		s.down = true
		return true, nil
	}
	s.down = false

	conn, err := cfg.Dial(ctx, s.inst)
	if err != nil {
		return false, nil // not yet reachable; keep polling
	}
	lsn, err := conn.ReplayLSN(ctx)
	if err != nil {
		return false, nil
	}
	s.replayLSN = LSNObservation{LSN: lsn, Valid: true}
	return lsn.Compare(s.targetLSN) >= 0, nil
}

// phaseAwaitDown is P4: any instance that reached its target while still up
// is expected to shut itself down (recovery_target_action=shutdown); wait
// for that within whatever remains of the overall wait cap.
func phaseAwaitDown(ctx context.Context, cfg Config, states []*instanceState, alreadyWaitedSecs int) (waitedSecs int, timedOut bool, err error) {
	interval := cfg.ReachPollInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	waitCap := cfg.WaitReachCap
	if waitCap <= 0 {
		waitCap = 300 * time.Second
	}
	remaining := waitCap - time.Duration(alreadyWaitedSecs)*time.Second

	start := cfg.clock().Now()
	for {
		allDown := true
		results, errs := workerpool.Map(ctx, states, func(ctx context.Context, s *instanceState) (bool, error) {
			if s.down {
				return true, nil
			}
			running, err := cfg.Controller.IsRunning(ctx, s.inst)
			if err != nil {
				return false, fmt.Errorf("check running state for instance %d: %w", s.inst.SegmentID, err)
			}
			if !running {
				s.down = true
				return true, nil
			}
			return false, nil
		})
		for _, e := range errs {
			if e != nil {
				return alreadyWaitedSecs + int(cfg.clock().Now().Sub(start).Seconds()), false, e
			}
		}
		for _, down := range results {
			if !down {
				allDown = false
			}
		}
		if allDown {
			return alreadyWaitedSecs + int(cfg.clock().Now().Sub(start).Seconds()), false, nil
		}

		if cfg.clock().Now().Sub(start) >= remaining {
			return alreadyWaitedSecs + int(cfg.clock().Now().Sub(start).Seconds()), true, nil
		}

		select {
		case <-ctx.Done():
			return alreadyWaitedSecs + int(cfg.clock().Now().Sub(start).Seconds()), false, ctx.Err()
		case <-time.After(interval):
		}
	}
}

// phaseValidate is P5: inspect each instance's recent log for the
// recovery-stopped signature and record a verdict.
func phaseValidate(ctx context.Context, cfg Config, states []*instanceState) error {
	return workerpool.Run(ctx, states, func(ctx context.Context, s *instanceState) error {
		logPath := filepath.Join(s.inst.DataDir, "log", "postgresql.csv")
		body, err := evidence.ReadTailWindow(logPath, cfg.LogWindowBytes)
		if err != nil {
			return fmt.Errorf("read log for instance %d: %w", s.inst.SegmentID, err)
		}
		res := evidence.Validate(body, s.targetLSN, cfg.TargetName)
		s.verdict = res.Verdict
		s.observedLSN = res.ObservedLSN
		s.observedName = res.ObservedName
		return nil
	})
}

// aggregate folds per-instance verdicts into one overall receipt status.
func aggregate(states []*instanceState, bestEffort bool) drsync.ReceiptStatus {
	usedBestEffort := false
	for _, s := range states {
		switch s.verdict {
		case evidence.VerdictWrongPoint:
			return drsync.ReceiptStatusStoppedWrongPoint
		case evidence.VerdictOKByName, evidence.VerdictOKByLSN:
			continue
		case evidence.VerdictNoEvidence:
			reachedByLSN := s.down && s.replayLSN.Valid && s.replayLSN.LSN.Compare(s.targetLSN) >= 0
			if reachedByLSN {
				usedBestEffort = true
				continue
			}
			if bestEffort && s.down {
				usedBestEffort = true
				continue
			}
			return drsync.ReceiptStatusWALMissing
		}
	}
	if usedBestEffort {
		return drsync.ReceiptStatusReachedThenShutdownBestEffort
	}
	return drsync.ReceiptStatusSuccess
}

// snapshot converts internal per-instance state into the receipt's public shape.
func snapshot(states []*instanceState) map[int]drsync.PerInstanceReceipt {
	out := make(map[int]drsync.PerInstanceReceipt, len(states))
	for _, s := range states {
		logEvidence := string(s.verdict)
		if s.observedName != "" {
			logEvidence = fmt.Sprintf("%s name=%s", logEvidence, s.observedName)
		}
		out[s.inst.SegmentID] = drsync.PerInstanceReceipt{
			ReplayLSN:   s.replayLSN.LSN,
			Down:        s.down,
			LogEvidence: logEvidence,
		}
	}
	return out
}
