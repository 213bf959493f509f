// Package archiveprobe implements the archive prover described by the
// restore-point manifest design: it checks, for each manifest instance,
// whether the WAL file needed to reach that restore point has landed in the
// archive, and decides when a manifest is safe to mark ready.
package archiveprobe

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/greenplum-dr/drsync"
	"github.com/greenplum-dr/drsync/metrics"
	"github.com/greenplum-dr/drsync/walname"
	"github.com/greenplum-dr/drsync/workerpool"
)

// InstanceArchiveConfig names where and how to probe one instance's archive.
type InstanceArchiveConfig struct {
	SegmentID  int
	ArchiveDir string
	Host       string
}

// Prober runs archive probes across a manifest's instances.
type Prober struct {
	// GlobalTemplate is the subprocess template used when no per-segment
	// template is configured. Empty means fall through to the built-in
	// local-filesystem check.
	GlobalTemplate string

	// PerSegmentTemplates overrides GlobalTemplate for specific segment IDs.
	PerSegmentTemplates map[int]string

	// SegmentSize is the WAL segment size used to compute archive filenames
	// from LSNs.
	SegmentSize uint64
}

// ProbeResult is the per-instance outcome of one probing pass.
type ProbeResult struct {
	SegmentID   int
	WALFilename string
	Present     bool
}

// Probe checks, for every instance in m, whether its target WAL file is
// present in that instance's archive, taking the archive location and host
// from each instance's ArchiveSourcePath/ArchiveSourceHost and the verifier
// template from p's per-segment and global templates. It mutates m.Instances in place (setting
// Present and WALFilename) and calls m.ComputeReady() before returning.
//
// Individual absent files are a normal result. A verifier process failure
// with unknown output is treated as absent for that instance, logged, and
// does not abort probing of the other instances — per-instance tolerance is
// implemented via workerpool.Map rather than workerpool.Run.
func (p *Prober) Probe(ctx context.Context, m *drsync.Manifest) error {
	timelineID := uint32(m.TimelineID)

	type job struct {
		idx int
		cfg InstanceArchiveConfig
		lsn drsync.LSN
	}

	jobs := make([]job, 0, len(m.Instances))
	for i, inst := range m.Instances {
		jobs = append(jobs, job{
			idx: i,
			cfg: InstanceArchiveConfig{
				SegmentID:  inst.SegmentID,
				ArchiveDir: inst.ArchiveSourcePath,
				Host:       inst.ArchiveSourceHost,
			},
			lsn: inst.RestoreLSN,
		})
	}

	results, errs := workerpool.Map(ctx, jobs, func(ctx context.Context, j job) (ProbeResult, error) {
		filename, err := walname.Filename(timelineID, j.lsn, p.SegmentSize)
		if err != nil {
			return ProbeResult{SegmentID: j.cfg.SegmentID}, fmt.Errorf("compute wal filename for segment %d: %w", j.cfg.SegmentID, err)
		}

		verifier := Select(j.cfg.SegmentID, p.GlobalTemplate, p.PerSegmentTemplates)
		start := time.Now()
		present, err := verifier.Probe(ctx, Vars{
			ArchiveDir:  j.cfg.ArchiveDir,
			WALFilename: filename,
			Host:        j.cfg.Host,
		})
		metrics.ArchiveProbeLatencySecondsVec.WithLabelValues(metrics.SegmentLabel(j.cfg.SegmentID)).Set(time.Since(start).Seconds())
		if err != nil {
			log.Printf("archive probe failed for segment_id=%d wal_filename=%s, treating as absent: %s",
				j.cfg.SegmentID, filename, err)
			present = false
		}
		presentValue := 0.0
		if present {
			presentValue = 1.0
		}
		metrics.ArchiveProbePresentGaugeVec.WithLabelValues(metrics.SegmentLabel(j.cfg.SegmentID)).Set(presentValue)
		return ProbeResult{SegmentID: j.cfg.SegmentID, WALFilename: filename, Present: present}, nil
	})

	for i, err := range errs {
		if err != nil {
			return fmt.Errorf("probe segment %d: %w", jobs[i].cfg.SegmentID, err)
		}
	}

	for i, r := range results {
		m.Instances[jobs[i].idx].WALFilename = r.WALFilename
		m.Instances[jobs[i].idx].Present = r.Present
	}

	m.ComputeReady()
	return nil
}
