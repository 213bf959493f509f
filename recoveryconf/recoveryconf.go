// Package recoveryconf applies DR recovery configuration to one instance's
// data directory: the standby.signal marker and the recovery-relevant keys
// in postgresql.conf. Every write is atomic (temp file + rename); the
// postgresql.conf rewrite is a real parse-modify-serialize pass, never a
// text substitution, so comments, quoting, and unrelated keys survive
// untouched.
package recoveryconf

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/greenplum-dr/drsync"
	"github.com/greenplum-dr/drsync/internal"
)

// settingPattern matches a postgresql.conf assignment line: optional leading
// whitespace, a bare identifier, '=', then the rest of the line (value plus
// any trailing comment).
var settingPattern = regexp.MustCompile(`^(\s*)([A-Za-z_][A-Za-z0-9_]*)(\s*=\s*)(.*)$`)

// confLine is one line of postgresql.conf, classified during parsing.
type confLine struct {
	raw string // used verbatim for non-setting lines
	key string // non-empty if this line sets `key`
}

// Target names the recovery point one instance must apply. recovery_target_action
// is always 'shutdown': the orchestrator, not Postgres, decides what happens next.
type Target struct {
	LSN       drsync.LSN
	Inclusive bool
}

// EnsureStandbySignal creates dataDir/standby.signal if it doesn't already
// exist. Idempotent.
func EnsureStandbySignal(dataDir string) error {
	path := filepath.Join(dataDir, "standby.signal")
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0666)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	return f.Close()
}

// ApplyRecoveryTarget rewrites the recovery-relevant keys in
// dataDir/postgresql.conf to converge on target: recovery_target_lsn,
// recovery_target_action, recovery_target_inclusive are set; any existing
// recovery_target_name, recovery_target_time, recovery_target_xid lines are
// removed so Postgres falls back to their empty defaults (LSN-only target).
func ApplyRecoveryTarget(dataDir string, target Target) error {
	confPath := filepath.Join(dataDir, "postgresql.conf")

	lines, err := parseConfFile(confPath)
	if err != nil {
		return fmt.Errorf("parse %s: %w", confPath, err)
	}

	set := map[string]string{
		"recovery_target_lsn":       quote(target.LSN.String()),
		"recovery_target_action":    quote("shutdown"),
		"recovery_target_inclusive": boolLiteral(target.Inclusive),
	}
	clear := map[string]bool{
		"recovery_target_name": true,
		"recovery_target_time": true,
		"recovery_target_xid":  true,
	}

	out := rewriteConfLines(lines, set, clear)

	data := []byte(strings.Join(out, "\n"))
	if len(data) > 0 {
		data = append(data, '\n')
	}
	if err := internal.AtomicWriteFile(confPath, data, 0644); err != nil {
		return fmt.Errorf("write %s: %w", confPath, err)
	}
	return nil
}

// parseConfFile reads confPath into classified lines. A missing file is
// treated as empty (Postgres ships a default postgresql.conf; this package
// only ever runs against an existing data directory, but an empty base is a
// safe degenerate case for tests and for freshly-initialized directories).
func parseConfFile(path string) ([]confLine, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []confLine
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		raw := scanner.Text()
		trimmed := strings.TrimSpace(raw)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			lines = append(lines, confLine{raw: raw})
			continue
		}
		if m := settingPattern.FindStringSubmatch(raw); m != nil {
			lines = append(lines, confLine{raw: raw, key: m[2]})
			continue
		}
		lines = append(lines, confLine{raw: raw})
	}
	return lines, scanner.Err()
}

// rewriteConfLines produces the final line list: lines for keys in `set` are
// rewritten in place (first occurrence; any duplicate occurrence of the same
// key is dropped, since Postgres itself only honors the last one and a
// parse-rewrite pass should not preserve dead duplicates); keys in `clear`
// are dropped entirely; keys in `set` with no existing line are appended.
// Every other line is passed through byte-for-byte.
func rewriteConfLines(lines []confLine, set map[string]string, clear map[string]bool) []string {
	written := make(map[string]bool, len(set))
	out := make([]string, 0, len(lines)+len(set))

	for _, l := range lines {
		switch {
		case l.key == "":
			out = append(out, l.raw)
		case clear[l.key]:
			continue
		case written[l.key]:
			continue // drop duplicate occurrence of an already-rewritten key
		default:
			if val, ok := set[l.key]; ok {
				out = append(out, fmt.Sprintf("%s = %s", l.key, val))
				written[l.key] = true
			} else {
				out = append(out, l.raw)
			}
		}
	}

	var missing []string
	for key := range set {
		if !written[key] {
			missing = append(missing, key)
		}
	}
	sort.Strings(missing)
	for _, key := range missing {
		out = append(out, fmt.Sprintf("%s = %s", key, set[key]))
	}
	return out
}

func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func boolLiteral(b bool) string {
	if b {
		return "'true'"
	}
	return "'false'"
}
