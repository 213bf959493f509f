// Package evidence inspects a DR instance's server log for the canonical
// recovery-stopped signature and decides whether it proves the instance
// reached the intended target. LSN is a sanity check; the restore-point
// name, when present, is the source of truth.
package evidence

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"regexp"

	"github.com/greenplum-dr/drsync"
)

// DefaultScanWindow is the default bounded tail window read from a log file.
const DefaultScanWindow = 1 << 20 // 1 MiB

// Verdict classifies what a log scan proved about one instance's stop point.
type Verdict string

const (
	VerdictOKByName   Verdict = "ok_by_name"
	VerdictOKByLSN    Verdict = "ok_by_lsn"
	VerdictWrongPoint Verdict = "wrong_point"
	VerdictNoEvidence Verdict = "no_evidence"
)

// Pass reports whether verdict counts toward the orchestrator's overall
// success aggregation.
func (v Verdict) Pass() bool { return v == VerdictOKByName || v == VerdictOKByLSN }

// stopLSNPattern matches Postgres's recovery-stopped-at-LSN log line.
var stopLSNPattern = regexp.MustCompile(`recovery stopping after WAL location \(LSN\)\s+"?([0-9A-Fa-f]+/[0-9A-Fa-f]+)"?`)

// stopNamePattern matches Postgres's recovery-stopped-at-named-restore-point log line.
var stopNamePattern = regexp.MustCompile(`recovery stopping (?:before|after) restore point "([^"]+)"`)

// Result is the outcome of scanning one instance's log.
type Result struct {
	Verdict      Verdict
	ObservedLSN  drsync.LSN
	ObservedName drsync.RestorePointName
}

// Validate scans body (already loaded, bounded-window log text) for the stop
// signature and compares it against target.
func Validate(body string, targetLSN drsync.LSN, targetName drsync.RestorePointName) Result {
	var observedLSN drsync.LSN
	var haveLSN bool
	if m := stopLSNPattern.FindAllStringSubmatch(body, -1); len(m) > 0 {
		last := m[len(m)-1][1]
		if lsn, err := drsync.ParseLSN(last); err == nil {
			observedLSN = lsn
			haveLSN = true
		}
	}

	var observedName drsync.RestorePointName
	var haveName bool
	if m := stopNamePattern.FindAllStringSubmatch(body, -1); len(m) > 0 {
		observedName = drsync.RestorePointName(m[len(m)-1][1])
		haveName = true
	}

	switch {
	case haveName && observedName == targetName:
		return Result{Verdict: VerdictOKByName, ObservedLSN: observedLSN, ObservedName: observedName}
	case haveName:
		return Result{Verdict: VerdictWrongPoint, ObservedLSN: observedLSN, ObservedName: observedName}
	case haveLSN && observedLSN == targetLSN:
		return Result{Verdict: VerdictOKByLSN, ObservedLSN: observedLSN}
	case haveLSN:
		return Result{Verdict: VerdictWrongPoint, ObservedLSN: observedLSN}
	default:
		return Result{Verdict: VerdictNoEvidence}
	}
}

// ReadTailWindow reads up to windowBytes from the end of the file at path.
// A missing file is treated as an empty window, not an error (an instance
// that never produced a log yields no_evidence, not a crash).
func ReadTailWindow(path string, windowBytes int64) (string, error) {
	if windowBytes <= 0 {
		windowBytes = DefaultScanWindow
	}

	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return "", nil
	} else if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("stat %s: %w", path, err)
	}

	start := fi.Size() - windowBytes
	if start < 0 {
		start = 0
	}
	if _, err := f.Seek(start, io.SeekStart); err != nil {
		return "", fmt.Errorf("seek %s: %w", path, err)
	}

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, f); err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return buf.String(), nil
}
