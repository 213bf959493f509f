package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-shellwords"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/greenplum-dr/drsync"
	"github.com/greenplum-dr/drsync/cli"
	"github.com/greenplum-dr/drsync/config"
	drsynchttp "github.com/greenplum-dr/drsync/http"
	"github.com/greenplum-dr/drsync/internal"
	"github.com/greenplum-dr/drsync/manifeststore"
	"github.com/greenplum-dr/drsync/orchestrator"
	"github.com/greenplum-dr/drsync/pidfile"
	"github.com/greenplum-dr/drsync/procctl"
	"github.com/greenplum-dr/drsync/receipt"
	"github.com/greenplum-dr/drsync/recoveryfloor"
	"github.com/greenplum-dr/drsync/sqlcluster"
	"github.com/greenplum-dr/drsync/targetselect"
)

const (
	exitOK            = 0
	exitGeneric       = 1
	exitConfig        = 2
	exitTargetMissing = 3
	exitValidation    = 4
)

func main() {
	log.SetFlags(0)

	signalCh := make(chan os.Signal, 2)
	signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-signalCh
		log.Printf("dr: signal received, shutting down")
		cancel()
	}()

	m := NewMain()
	if err := m.ParseFlags(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitConfig)
	}

	code := m.Run(ctx)
	os.Exit(code)
}

// Main holds everything wired up for one invocation of drsync-dr.
type Main struct {
	cmd  string
	once bool

	target string

	statusFormat string
	includeHist  bool
	historyN     int
	logTailN     int

	configPath  string
	noExpandEnv bool

	Config config.Config

	Store      manifeststore.Store
	Controller procctl.Controller
	HTTPServer *drsynchttp.Server

	proc   *exec.Cmd
	execCh chan error
}

func NewMain() *Main {
	return &Main{execCh: make(chan error)}
}

func (m *Main) ParseFlags(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: drsync-dr <run|stop|pid-status|status|logs> [flags]")
	}
	m.cmd, args = args[0], args[1:]

	fs := flag.NewFlagSet("drsync-dr "+m.cmd, flag.ContinueOnError)
	fs.StringVar(&m.configPath, "config", "", "path to drsync.yml")
	fs.BoolVar(&m.noExpandEnv, "no-expand-env", false, "do not expand ${VAR} in the config file")

	switch m.cmd {
	case "run":
		fs.BoolVar(&m.once, "once", false, "run a single consume cycle and exit")
		fs.StringVar(&m.target, "target", "", "restore point name to advance to (default: best available)")
	case "stop", "pid-status":
		// no extra flags
	case "status":
		fs.StringVar(&m.statusFormat, "format", "table", "table|json|prometheus")
		fs.BoolVar(&m.includeHist, "include-history", false, "include recent receipt history")
		fs.IntVar(&m.historyN, "n", 10, "number of history entries")
	case "logs":
		fs.IntVar(&m.logTailN, "n", 20, "number of lines of the most recent receipt to show")
	default:
		return fmt.Errorf("unknown command %q", m.cmd)
	}

	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, _, err := config.ReadConfigFile(m.configPath, !m.noExpandEnv)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := config.Validate(&cfg); err != nil {
		return err
	}
	m.Config = cfg
	return nil
}

func (m *Main) Run(ctx context.Context) int {
	switch m.cmd {
	case "stop":
		return m.runStop()
	case "pid-status":
		return m.runPidStatus()
	case "status":
		return m.runStatus(ctx)
	case "logs":
		return m.runLogs()
	case "run":
		return m.runDaemon(ctx)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", m.cmd)
		return exitConfig
	}
}

func (m *Main) setupLogging() {
	if m.Config.Logging.Path == "" {
		return
	}
	log.SetOutput(&lumberjack.Logger{
		Filename:   m.Config.Logging.Path,
		MaxSize:    m.Config.Logging.MaxSize,
		MaxBackups: m.Config.Logging.MaxCount,
		Compress:   m.Config.Logging.Compress,
	})
}

func (m *Main) openStore() manifeststore.Store {
	s := m.Config.Storage
	if s.ManifestFetchCommand != "" || s.ManifestListCommand != "" {
		return manifeststore.NewTemplatedStore(s.ManifestDir, s.ResolvedLatestPath(), s.ManifestFetchCommand, s.ManifestListCommand)
	}
	return manifeststore.NewLocalStore(s.ManifestDir, s.ResolvedLatestPath())
}

// dial connects to one DR instance using the Primary cluster's credentials,
// matching the shared connection pool used for floor computation and the
// orchestrator's reach polling.
func dial(cfg config.Config) orchestrator.Dialer {
	return func(ctx context.Context, inst drsync.Instance) (sqlcluster.InstanceConn, error) {
		connStr := fmt.Sprintf("host=%s port=%d user=%s dbname=%s sslmode=disable",
			inst.Host, inst.Port, cfg.Primary.User, cfg.Primary.DB)
		return sqlcluster.NewPGXInstanceConn(ctx, connStr)
	}
}

// execCmd starts the optional sidecar process named by cfg.Exec, mirroring
// the teacher's own exec subcommand: started once, left running alongside
// the consume loop, with its exit (or ours) torn down together.
func (m *Main) execCmd() error {
	if m.Config.Exec == "" {
		return nil
	}
	args, err := shellwords.Parse(m.Config.Exec)
	if err != nil {
		return fmt.Errorf("parse exec command: %w", err)
	}
	log.Printf("dr: starting subprocess: %s %v", args[0], args[1:])

	m.proc = exec.Command(args[0], args[1:]...)
	m.proc.Env = os.Environ()
	m.proc.Stdout = os.Stdout
	m.proc.Stderr = os.Stderr
	if err := m.proc.Start(); err != nil {
		return fmt.Errorf("start exec command: %w", err)
	}
	go func() { m.execCh <- m.proc.Wait() }()
	return nil
}

// shutdownExecCmd signals a still-running sidecar process and waits for it to
// exit before the consumer itself shuts down.
func (m *Main) shutdownExecCmd() {
	if m.proc == nil || m.proc.Process == nil {
		return
	}
	if err := m.proc.Process.Signal(syscall.SIGTERM); err != nil {
		log.Printf("dr: cannot signal exec process: %s", err)
		return
	}
	<-m.execCh
}

func (m *Main) currentRestorePointPath() string {
	return filepath.Join(m.Config.DR.StateDir, "current_restore_point.txt")
}

func (m *Main) readCurrentRestorePoint() drsync.RestorePointName {
	data, err := os.ReadFile(m.currentRestorePointPath())
	if err != nil {
		return ""
	}
	return drsync.RestorePointName(strings.TrimSpace(string(data)))
}

func (m *Main) writeCurrentRestorePoint(name drsync.RestorePointName) error {
	return internal.AtomicWriteFile(m.currentRestorePointPath(), []byte(string(name)+"\n"), 0644)
}

func (m *Main) runDaemon(ctx context.Context) int {
	m.setupLogging()

	pid := os.Getpid()
	if err := pidfile.Write(m.Config.DR.StateDir, "dr", pid); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitGeneric
	}
	defer func() { _ = pidfile.Remove(m.Config.DR.StateDir, "dr", pid) }()

	m.Store = m.openStore()
	m.Controller = &procctl.SubprocessController{GPHome: m.Config.DR.GPHome}

	m.HTTPServer = drsynchttp.NewServer(m.Config, "dr", m.Config.HTTP.Addr)
	if err := m.HTTPServer.Listen(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitGeneric
	}
	m.HTTPServer.Serve()
	defer m.HTTPServer.Close()

	if err := m.execCmd(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitGeneric
	}

	for {
		status, err := m.cycle(ctx)
		if err != nil {
			if m.once {
				fmt.Fprintln(os.Stderr, err)
				m.shutdownExecCmd()
				return exitCodeForError(err)
			}
			log.Printf("dr: cycle error: %s", err)
		}

		if m.once {
			m.shutdownExecCmd()
			if status != "" && !status.IsSuccessClass() {
				return exitValidation
			}
			return exitOK
		}

		select {
		case <-ctx.Done():
			m.shutdownExecCmd()
			return exitOK
		case err := <-m.execCh:
			log.Printf("dr: exec subprocess exited: %v, shutting down", err)
			return exitGeneric
		case <-time.After(time.Duration(m.Config.Behavior.ConsumerSleepSecs) * time.Second):
		}
	}
}

func exitCodeForError(err error) int {
	switch {
	case errors.Is(err, drsync.ErrFloorAboveTarget), errors.Is(err, drsync.ErrNoReadyManifest), errors.Is(err, drsync.ErrManifestNotFound):
		return exitTargetMissing
	case errors.Is(err, drsync.ErrTopologyMismatch):
		return exitConfig
	default:
		return exitGeneric
	}
}

// cycle is one consumer pass: compute recovery floors, pick the target
// manifest, skip if already there, and otherwise drive the orchestrator and
// record the outcome in a receipt.
func (m *Main) cycle(ctx context.Context) (drsync.ReceiptStatus, error) {
	instances := m.Config.DR.ToInstances()

	floorInstances := make([]recoveryfloor.Instance, 0, len(instances))
	var conns []*sqlcluster.PGXInstanceConn
	for _, inst := range instances {
		conn, err := sqlcluster.NewPGXInstanceConn(ctx, fmt.Sprintf("host=%s port=%d user=%s dbname=%s sslmode=disable",
			inst.Host, inst.Port, m.Config.Primary.User, m.Config.Primary.DB))
		fi := recoveryfloor.Instance{Instance: inst}
		if err == nil {
			fi.Conn = conn
			conns = append(conns, conn)
		}
		floorInstances = append(floorInstances, fi)
	}
	floors := recoveryfloor.Compute(ctx, floorInstances, m.Controller)
	for _, c := range conns {
		c.Close()
	}

	segIDs := make([]int, len(instances))
	for i, inst := range instances {
		segIDs[i] = inst.SegmentID
	}

	target, err := targetselect.Select(ctx, m.Store, floors, segIDs, drsync.RestorePointName(m.target))
	if err != nil {
		return "", err
	}

	current := m.readCurrentRestorePoint()
	if current == target.RestorePoint {
		log.Printf("dr: already at %s, nothing to do", target.RestorePoint)
		return drsync.ReceiptStatusSuccess, nil
	}

	outcome, err := orchestrator.Run(ctx, orchestrator.Config{
		Instances:             instances,
		TargetName:            target.RestorePoint,
		TargetLSNs:            target.LSNBySegment(),
		Controller:            m.Controller,
		Dial:                  dial(m.Config),
		ReachPollInterval:     time.Duration(m.Config.Behavior.ConsumerReachPollSecs) * time.Second,
		WaitReachCap:          time.Duration(m.Config.Behavior.ConsumerWaitReachSecs) * time.Second,
		BestEffortNoNameMatch: m.Config.Behavior.BestEffortNoNameMatch,
	})
	if err != nil {
		return "", err
	}

	w := receipt.NewWriter(m.Config.DR.ReceiptsDir)
	r := &drsync.Receipt{
		AttemptID:           receipt.NewAttemptID(),
		CurrentRestorePoint: current,
		TargetRestorePoint:  target.RestorePoint,
		CheckedAtUTC:        time.Now().UTC(),
		Mode:                "dr",
		Status:              outcome.Status,
		WaitedSecs:          outcome.WaitedSecs,
		TargetLSNs:          target.LSNBySegment(),
		PerInstance:         outcome.PerInstance,
		Error:               outcome.Error,
	}
	if _, err := w.Write(ctx, r); err != nil {
		return outcome.Status, fmt.Errorf("write receipt: %w", err)
	}

	if outcome.Status.IsSuccessClass() {
		if err := m.writeCurrentRestorePoint(target.RestorePoint); err != nil {
			return outcome.Status, fmt.Errorf("advance current restore point: %w", err)
		}
		log.Printf("dr: advanced to %s status=%s", target.RestorePoint, outcome.Status)
	} else {
		log.Printf("dr: cycle did not advance state, status=%s", outcome.Status)
	}

	return outcome.Status, nil
}

func (m *Main) runStop() int {
	pid, ok, err := pidfile.Stop(m.Config.DR.StateDir, "dr")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitGeneric
	}
	if !ok {
		fmt.Println("dr: not running")
		return exitOK
	}
	fmt.Printf("dr: stopped pid=%d\n", pid)
	return exitOK
}

func (m *Main) runPidStatus() int {
	pid, ok, err := pidfile.Read(m.Config.DR.StateDir, "dr")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitGeneric
	}
	if !ok || !pidfile.IsRunning(pid) {
		fmt.Println("dr: STOPPED")
		return exitOK
	}
	fmt.Printf("dr: RUNNING pid=%d\n", pid)
	return exitOK
}

func (m *Main) runStatus(ctx context.Context) int {
	out, err := cli.RenderStatus(ctx, m.Config, m.statusFormat, m.includeHist, m.historyN, "drsync", "dr")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitGeneric
	}
	fmt.Println(out)
	return exitOK
}

func (m *Main) runLogs() int {
	out, err := cli.TailReceiptLog(m.Config.DR.ReceiptsDir, m.logTailN)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitGeneric
	}
	fmt.Println(out)
	return exitOK
}
