// Package cli renders the status/logs views shared by both binaries' CLI
// surfaces: a snapshot of LATEST, the DR side's current/target restore
// points, and the most recent receipt, in table, JSON, or Prometheus
// exposition format. It is a direct port of the original tool's status.py,
// generalized from ad hoc dict rendering to the typed drsync.Receipt model.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/greenplum-dr/drsync"
	"github.com/greenplum-dr/drsync/config"
	"github.com/greenplum-dr/drsync/manifeststore"
)

// Snapshot is the rendered-agnostic state collected for one status call.
type Snapshot struct {
	Mode                 string
	LatestRestorePoint   drsync.RestorePointName
	LatestReady          *bool
	CurrentRestorePoint  drsync.RestorePointName
	TargetRestorePoint   drsync.RestorePointName
	LastReceiptFile       string
	LastReceiptStatus     drsync.ReceiptStatus
	LastReceiptCheckedAt  string
	LastReceiptWaitedSecs *int
	Notes                 []string
}

// ReceiptEntry pairs a parsed receipt with the file it came from, for
// history rendering.
type ReceiptEntry struct {
	File    string
	Receipt *drsync.Receipt
}

func loadLatest(ctx context.Context, cfg config.Config) (drsync.RestorePointName, *bool, []string) {
	store := manifeststore.NewLocalStore(cfg.Storage.ManifestDir, cfg.Storage.ResolvedLatestPath())
	pointer, err := store.Latest(ctx)
	if err != nil || pointer.RestorePoint == "" {
		return "", nil, []string{"LATEST manifest not readable/missing"}
	}

	m, err := store.Get(ctx, pointer.RestorePoint)
	if err != nil {
		return pointer.RestorePoint, nil, []string{fmt.Sprintf("LATEST points to unreadable manifest %s", pointer.RestorePoint)}
	}
	ready := m.Ready
	return pointer.RestorePoint, &ready, nil
}

func loadCurrentDR(cfg config.Config) (drsync.RestorePointName, []string) {
	path := filepath.Join(cfg.DR.StateDir, "current_restore_point.txt")
	data, err := os.ReadFile(path)
	if err != nil {
		return "", []string{"current_restore_point.txt missing/empty"}
	}
	cur := strings.TrimSpace(string(data))
	if cur == "" {
		return "", []string{"current_restore_point.txt missing/empty"}
	}
	return drsync.RestorePointName(cur), nil
}

// listReceiptsByMTime returns every "*.receipt.json" file in dir, newest
// modification time first.
func listReceiptsByMTime(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}

	type withMTime struct {
		path string
		mod  time.Time
	}
	var files []withMTime
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".receipt.json") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, withMTime{filepath.Join(dir, e.Name()), info.ModTime()})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].mod.After(files[j].mod) })

	out := make([]string, len(files))
	for i, f := range files {
		out[i] = f.path
	}
	return out, nil
}

func loadReceiptFile(path string) *drsync.Receipt {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var r drsync.Receipt
	if err := json.Unmarshal(data, &r); err != nil {
		return nil
	}
	return &r
}

func loadLastReceipt(cfg config.Config, targetRP drsync.RestorePointName, historyN int) (last *ReceiptEntry, history []ReceiptEntry, notes []string) {
	receiptsDir := cfg.DR.ReceiptsDir

	if targetRP != "" {
		path := filepath.Join(receiptsDir, string(targetRP)+".receipt.json")
		if r := loadReceiptFile(path); r != nil {
			last = &ReceiptEntry{File: filepath.Base(path), Receipt: r}
		}
	}

	paths, err := listReceiptsByMTime(receiptsDir)
	if err != nil {
		paths = nil
	}

	if last == nil && len(paths) > 0 {
		if r := loadReceiptFile(paths[0]); r != nil {
			last = &ReceiptEntry{File: filepath.Base(paths[0]), Receipt: r}
		}
	}

	if historyN < 1 {
		historyN = 1
	}
	for i, p := range paths {
		if i >= historyN {
			break
		}
		if r := loadReceiptFile(p); r != nil {
			history = append(history, ReceiptEntry{File: filepath.Base(p), Receipt: r})
		}
	}

	if len(history) == 0 {
		notes = append(notes, "no receipts found")
	}
	return last, history, notes
}

func snapshotFromLast(mode string, latestRP drsync.RestorePointName, latestReady *bool, currentRP, targetRP drsync.RestorePointName, last *ReceiptEntry, notes []string) Snapshot {
	s := Snapshot{
		Mode:                mode,
		LatestRestorePoint:  latestRP,
		LatestReady:         latestReady,
		CurrentRestorePoint: currentRP,
		TargetRestorePoint:  targetRP,
		LastReceiptFile:     "-",
		LastReceiptStatus:   "-",
		LastReceiptCheckedAt: "-",
		Notes:               notes,
	}
	if last != nil {
		s.LastReceiptFile = last.File
		s.LastReceiptStatus = last.Receipt.Status
		if !last.Receipt.CheckedAtUTC.IsZero() {
			s.LastReceiptCheckedAt = last.Receipt.CheckedAtUTC.UTC().Format(time.RFC3339)
		}
		waited := last.Receipt.WaitedSecs
		s.LastReceiptWaitedSecs = &waited
	}
	return s
}

// CollectDR gathers the DR-side snapshot: LATEST, current_restore_point.txt,
// and the most recent receipt against that target.
func CollectDR(ctx context.Context, cfg config.Config, historyN int) (Snapshot, []ReceiptEntry, error) {
	latestRP, latestReady, n1 := loadLatest(ctx, cfg)
	currentRP, n2 := loadCurrentDR(cfg)
	targetRP := latestRP

	last, hist, n3 := loadLastReceipt(cfg, targetRP, historyN)
	notes := append(append(n1, n2...), n3...)

	return snapshotFromLast("dr", latestRP, latestReady, currentRP, targetRP, last, notes), hist, nil
}

// CollectPrimary gathers the primary-side snapshot: LATEST only, no
// current-restore-point concept.
func CollectPrimary(ctx context.Context, cfg config.Config, historyN int) (Snapshot, []ReceiptEntry, error) {
	latestRP, latestReady, n1 := loadLatest(ctx, cfg)
	targetRP := latestRP

	last, hist, n3 := loadLastReceipt(cfg, targetRP, historyN)
	notes := append(n1, n3...)

	return snapshotFromLast("primary", latestRP, latestReady, "-", targetRP, last, notes), hist, nil
}

// table renders rows as a simple left-justified, two-space-separated table
// with a dashed rule under the header, matching status.py's _table().
func table(rows [][]string) string {
	if len(rows) == 0 {
		return ""
	}
	widths := make([]int, len(rows[0]))
	for _, r := range rows {
		for i, cell := range r {
			if len(cell) > widths[i] {
				widths[i] = len(cell)
			}
		}
	}

	var out []string
	for idx, r := range rows {
		cells := make([]string, len(r))
		for i, cell := range r {
			cells[i] = padRight(cell, widths[i])
		}
		out = append(out, strings.Join(cells, "  "))
		if idx == 0 {
			rule := make([]string, len(r))
			for i := range rule {
				rule[i] = strings.Repeat("-", widths[i])
			}
			out = append(out, strings.Join(rule, "  "))
		}
	}
	return strings.Join(out, "\n")
}

func padRight(s string, width int) string {
	if len(s) >= width {
		return s
	}
	return s + strings.Repeat(" ", width-len(s))
}

func boolOrDash(b *bool) string {
	if b == nil {
		return "-"
	}
	if *b {
		return "true"
	}
	return "false"
}

func nameOrDash(n drsync.RestorePointName) string {
	if n == "" {
		return "-"
	}
	return string(n)
}

// RenderTable renders s (and, if requested, history) as a human-readable
// table.
func RenderTable(s Snapshot, history []ReceiptEntry, includeHistory bool) string {
	rows := [][]string{
		{"field", "value"},
		{"mode", s.Mode},
		{"latest.restore_point", nameOrDash(s.LatestRestorePoint)},
		{"latest.ready", boolOrDash(s.LatestReady)},
		{"current.restore_point", nameOrDash(s.CurrentRestorePoint)},
		{"target.restore_point", nameOrDash(s.TargetRestorePoint)},
		{"last.Receipt.file", s.LastReceiptFile},
		{"last.Receipt.status", string(s.LastReceiptStatus)},
		{"last.Receipt.checked_at_utc", s.LastReceiptCheckedAt},
		{"last.Receipt.waited_secs", waitedOrDash(s.LastReceiptWaitedSecs)},
	}
	out := table(rows)

	if len(s.Notes) > 0 {
		out += "\n\nNOTES:\n"
		for _, n := range s.Notes {
			out += "- " + n + "\n"
		}
		out = strings.TrimRight(out, "\n")
	}

	if includeHistory {
		out += "\n\nRECENT RECEIPTS:\n"
		if len(history) == 0 {
			out += "(none)"
		} else {
			hrows := [][]string{{"checked_at_utc", "status", "current", "target", "file"}}
			for _, h := range history {
				checked := "-"
				if !h.Receipt.CheckedAtUTC.IsZero() {
					checked = h.Receipt.CheckedAtUTC.UTC().Format(time.RFC3339)
				}
				hrows = append(hrows, []string{
					checked,
					string(h.Receipt.Status),
					nameOrDash(h.Receipt.CurrentRestorePoint),
					nameOrDash(h.Receipt.TargetRestorePoint),
					h.File,
				})
			}
			out += table(hrows)
		}
	}
	return out + "\n"
}

func waitedOrDash(w *int) string {
	if w == nil {
		return "-"
	}
	return fmt.Sprintf("%d", *w)
}

// jsonSnapshot is the wire shape for RenderJSON.
type jsonSnapshot struct {
	Mode   string `json:"mode"`
	Latest struct {
		RestorePoint string `json:"restore_point"`
		Ready        *bool  `json:"ready"`
	} `json:"latest"`
	State struct {
		CurrentRestorePoint string `json:"current_restore_point"`
		TargetRestorePoint  string `json:"target_restore_point"`
	} `json:"state"`
	LastReceipt struct {
		File         string `json:"file"`
		Status       string `json:"status"`
		CheckedAtUTC string `json:"checked_at_utc"`
		WaitedSecs   *int   `json:"waited_secs"`
	} `json:"last_receipt"`
	Notes          []string          `json:"notes"`
	RecentReceipts []*drsync.Receipt `json:"recent_receipts,omitempty"`
}

// RenderJSON renders s (and, if requested, history) as indented JSON.
func RenderJSON(s Snapshot, history []ReceiptEntry, includeHistory bool) (string, error) {
	var out jsonSnapshot
	out.Mode = s.Mode
	out.Latest.RestorePoint = nameOrDash(s.LatestRestorePoint)
	out.Latest.Ready = s.LatestReady
	out.State.CurrentRestorePoint = nameOrDash(s.CurrentRestorePoint)
	out.State.TargetRestorePoint = nameOrDash(s.TargetRestorePoint)
	out.LastReceipt.File = s.LastReceiptFile
	out.LastReceipt.Status = string(s.LastReceiptStatus)
	out.LastReceipt.CheckedAtUTC = s.LastReceiptCheckedAt
	out.LastReceipt.WaitedSecs = s.LastReceiptWaitedSecs
	out.Notes = s.Notes
	if includeHistory {
		for _, h := range history {
			out.RecentReceipts = append(out.RecentReceipts, h.Receipt)
		}
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal status: %w", err)
	}
	return string(data) + "\n", nil
}

var (
	okReceiptStatuses = map[drsync.ReceiptStatus]bool{
		drsync.ReceiptStatusSuccess:                      true,
		drsync.ReceiptStatusReachedThenShutdownBestEffort: true,
	}
	badReceiptStatuses = map[drsync.ReceiptStatus]bool{
		drsync.ReceiptStatusTimeout:            true,
		drsync.ReceiptStatusWALMissing:          true,
		drsync.ReceiptStatusFloorAboveTarget:    true,
		drsync.ReceiptStatusStoppedWrongPoint:   true,
		drsync.ReceiptStatusAborted:             true,
	}
)

// RenderPrometheus renders s (and history, for the recent-count series) as
// Prometheus text exposition format, under the metricName prefix.
func RenderPrometheus(s Snapshot, history []ReceiptEntry, metricName string) string {
	name := strings.TrimSpace(metricName)
	if name == "" {
		name = "drsync"
	}

	code := 0
	switch {
	case okReceiptStatuses[s.LastReceiptStatus]:
		code = 1
	case badReceiptStatuses[s.LastReceiptStatus]:
		code = -1
	}

	readyVal := -1
	if s.LatestReady != nil {
		if *s.LatestReady {
			readyVal = 1
		} else {
			readyVal = 0
		}
	}

	drift := 0
	if s.Mode == "dr" && s.CurrentRestorePoint != "" && s.CurrentRestorePoint != "-" &&
		s.TargetRestorePoint != "" && s.TargetRestorePoint != "-" && s.CurrentRestorePoint != s.TargetRestorePoint {
		drift = 1
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# HELP %s_status_code 1=ok,0=unknown,-1=bad\n", name)
	fmt.Fprintf(&b, "# TYPE %s_status_code gauge\n", name)
	fmt.Fprintf(&b, "%s_status_code{mode=%q,status=%q} %d\n", name, s.Mode, s.LastReceiptStatus, code)

	fmt.Fprintf(&b, "# HELP %s_latest_ready Whether LATEST manifest is ready (1=true,0=false,-1=unknown)\n", name)
	fmt.Fprintf(&b, "# TYPE %s_latest_ready gauge\n", name)
	fmt.Fprintf(&b, "%s_latest_ready{mode=%q} %d\n", name, s.Mode, readyVal)

	fmt.Fprintf(&b, "# HELP %s_drift Whether current restore point differs from target (1=yes,0=no) (dr only)\n", name)
	fmt.Fprintf(&b, "# TYPE %s_drift gauge\n", name)
	fmt.Fprintf(&b, "%s_drift{mode=%q} %d\n", name, s.Mode, drift)

	if s.LastReceiptWaitedSecs != nil {
		fmt.Fprintf(&b, "# HELP %s_last_waited_seconds waited_secs from last receipt (if present)\n", name)
		fmt.Fprintf(&b, "# TYPE %s_last_waited_seconds gauge\n", name)
		fmt.Fprintf(&b, "%s_last_waited_seconds{mode=%q} %d\n", name, s.Mode, *s.LastReceiptWaitedSecs)
	}

	if len(history) > 0 {
		var ok, timeout, other int
		for _, h := range history {
			switch {
			case okReceiptStatuses[h.Receipt.Status]:
				ok++
			case h.Receipt.Status == drsync.ReceiptStatusTimeout:
				timeout++
			default:
				other++
			}
		}
		fmt.Fprintf(&b, "# HELP %s_receipts_recent_count Counts of recent receipt statuses\n", name)
		fmt.Fprintf(&b, "# TYPE %s_receipts_recent_count gauge\n", name)
		fmt.Fprintf(&b, "%s_receipts_recent_count{mode=%q,kind=\"ok\"} %d\n", name, s.Mode, ok)
		fmt.Fprintf(&b, "%s_receipts_recent_count{mode=%q,kind=\"timeout\"} %d\n", name, s.Mode, timeout)
		fmt.Fprintf(&b, "%s_receipts_recent_count{mode=%q,kind=\"other\"} %d\n", name, s.Mode, other)
	}

	return b.String()
}

// RenderStatus collects and renders one status report for mode ("dr" or
// "primary") in the requested format ("table", "json", "prometheus").
func RenderStatus(ctx context.Context, cfg config.Config, format string, includeHistory bool, historyN int, metricName, mode string) (string, error) {
	var s Snapshot
	var hist []ReceiptEntry
	var err error

	if strings.ToLower(mode) == "primary" {
		s, hist, err = CollectPrimary(ctx, cfg, historyN)
	} else {
		s, hist, err = CollectDR(ctx, cfg, historyN)
	}
	if err != nil {
		return "", err
	}

	switch format {
	case "prometheus":
		return RenderPrometheus(s, hist, metricName), nil
	case "json":
		return RenderJSON(s, hist, includeHistory)
	default:
		return RenderTable(s, hist, includeHistory), nil
	}
}

// TailReceiptLog prints the last n lines of the most recently written
// receipt file, matching the original tool's `logs` subcommand.
func TailReceiptLog(receiptsDir string, n int) (string, error) {
	paths, err := listReceiptsByMTime(receiptsDir)
	if err != nil {
		return "", fmt.Errorf("list receipts in %s: %w", receiptsDir, err)
	}
	if len(paths) == 0 {
		return "(no receipts yet)\n", nil
	}

	data, err := os.ReadFile(paths[0])
	if err != nil {
		return "", fmt.Errorf("read %s: %w", paths[0], err)
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if n > 0 && len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return fmt.Sprintf("[%s]\n%s\n", filepath.Base(paths[0]), strings.Join(lines, "\n")), nil
}
