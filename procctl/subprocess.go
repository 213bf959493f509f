package procctl

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"

	"github.com/greenplum-dr/drsync"
	"github.com/greenplum-dr/drsync/shelltemplate"
)

// minRecoveryEndLSNPattern matches pg_controldata's "Minimum recovery ending
// location" field, the same regex the original implementation used against
// pg_controldata's stdout.
var minRecoveryEndLSNPattern = regexp.MustCompile(`Minimum recovery ending location:\s+([0-9A-Fa-f]+/[0-9A-Fa-f]+)`)

// SubprocessController implements Controller by shelling out: bash for local
// instances, gpssh (or plain ssh) for remote ones, exactly as the original
// dr.py's ssh_bash/gpssh_bash helpers do.
type SubprocessController struct {
	// GPHome is GPHOME, used to locate pg_controldata and greenplum_path.sh.
	GPHome string

	// UseGPSSH selects gpssh over plain ssh for remote command execution.
	// Greenplum deployments generally have gpssh available; single-instance
	// Postgres DR targets do not, so this can be turned off.
	UseGPSSH bool
}

// runLocal runs script under "bash --noprofile --norc -lc".
func runLocal(ctx context.Context, script string) (string, error) {
	cmd := exec.CommandContext(ctx, "bash", "--noprofile", "--norc", "-lc", script)
	var out, stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return out.String(), fmt.Errorf("local command failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return out.String(), nil
}

// runRemote runs script on host via ssh or gpssh, matching the original
// ssh_bash/gpssh_bash helpers' quoting convention.
func (c *SubprocessController) runRemote(ctx context.Context, host, script string) (string, error) {
	inner := fmt.Sprintf("bash --noprofile --norc -lc %s", shelltemplate.Quote(script))

	var cmd *exec.Cmd
	if c.UseGPSSH {
		cmd = exec.CommandContext(ctx, "gpssh", "-h", host, "-e", inner)
	} else {
		cmd = exec.CommandContext(ctx, "ssh", host, inner)
	}

	var out, stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return out.String(), fmt.Errorf("remote command on %s failed: %w: %s", host, err, strings.TrimSpace(stderr.String()))
	}
	return out.String(), nil
}

// run dispatches to runLocal or runRemote depending on inst.IsLocal, with
// check=false semantics (a non-zero exit yields an empty result, not an
// error) matching the original's check=False call sites for best-effort
// probes.
func (c *SubprocessController) run(ctx context.Context, inst drsync.Instance, script string) string {
	var out string
	var err error
	if inst.IsLocal {
		out, err = runLocal(ctx, script)
	} else {
		out, err = c.runRemote(ctx, inst.Host, script)
	}
	if err != nil {
		return ""
	}
	return out
}

// MinRecoveryEndLSNOffline implements Controller.
func (c *SubprocessController) MinRecoveryEndLSNOffline(ctx context.Context, dataDir string) (drsync.LSN, error) {
	pgControlData := fmt.Sprintf("%s/bin/pg_controldata", c.GPHome)
	script := fmt.Sprintf("%s %s", pgControlData, shelltemplate.Quote(dataDir))

	out, err := runLocal(ctx, script)
	if err != nil || out == "" {
		return 0, fmt.Errorf("%w: pg_controldata unreadable for %s", drsync.ErrFloorUnknown, dataDir)
	}

	m := minRecoveryEndLSNPattern.FindStringSubmatch(out)
	if m == nil {
		return 0, fmt.Errorf("%w: no minimum recovery ending location in pg_controldata output for %s", drsync.ErrFloorUnknown, dataDir)
	}

	lsn, err := drsync.ParseLSN(m[1])
	if err != nil {
		return 0, fmt.Errorf("%w: %s", drsync.ErrFloorUnknown, err)
	}
	return lsn, nil
}

// Stop implements Controller: a fast pg_ctl shutdown, best-effort (no error
// if the instance is already down).
func (c *SubprocessController) Stop(ctx context.Context, inst drsync.Instance) error {
	script := c.pgCtlScript(inst, "stop -m fast")
	if inst.IsLocal {
		_, _ = runLocal(ctx, script)
	} else {
		_, _ = c.runRemote(ctx, inst.Host, script)
	}
	return nil
}

// Start implements Controller: launches inst under pg_ctl in utility mode so
// it begins standby recovery against the applied recovery configuration.
func (c *SubprocessController) Start(ctx context.Context, inst drsync.Instance) error {
	var opts string
	if inst.IsCoordinator() {
		opts = `-o "-c gp_role=utility"`
	} else {
		opts = fmt.Sprintf(`-o "-c gp_role=utility -c port=%d" -l start.log`, inst.Port)
	}
	script := c.pgCtlScript(inst, fmt.Sprintf("%s start", opts))

	var err error
	if inst.IsLocal {
		_, err = runLocal(ctx, script)
	} else {
		_, err = c.runRemote(ctx, inst.Host, script)
	}
	if err != nil {
		return fmt.Errorf("start instance %d: %w", inst.SegmentID, err)
	}
	return nil
}

// pgCtlScript builds the "source greenplum_path.sh && pg_ctl -D <datadir> <action>"
// shell line, exporting COORDINATOR_DATA_DIRECTORY for the coordinator.
func (c *SubprocessController) pgCtlScript(inst drsync.Instance, action string) string {
	if inst.IsCoordinator() {
		return fmt.Sprintf(
			"source %s/greenplum_path.sh && export COORDINATOR_DATA_DIRECTORY=%s && pg_ctl -D %s %s",
			c.GPHome, inst.DataDir, inst.DataDir, action,
		)
	}
	return fmt.Sprintf("source %s/greenplum_path.sh && pg_ctl -D %s %s", c.GPHome, inst.DataDir, action)
}

// IsRunning implements Controller via "pg_ctl status".
func (c *SubprocessController) IsRunning(ctx context.Context, inst drsync.Instance) (bool, error) {
	script := c.pgCtlScript(inst, "status")

	var out string
	var err error
	if inst.IsLocal {
		out, err = runLocal(ctx, script)
	} else {
		out, err = c.runRemote(ctx, inst.Host, script)
	}
	if err != nil {
		// pg_ctl status exits non-zero when the server is not running.
		return false, nil
	}
	return strings.Contains(out, "server is running"), nil
}
