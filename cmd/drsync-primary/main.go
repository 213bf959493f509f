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
	"syscall"
	"time"

	"github.com/mattn/go-shellwords"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/greenplum-dr/drsync"
	"github.com/greenplum-dr/drsync/archiveprobe"
	"github.com/greenplum-dr/drsync/cli"
	"github.com/greenplum-dr/drsync/config"
	drsynchttp "github.com/greenplum-dr/drsync/http"
	"github.com/greenplum-dr/drsync/leaser"
	"github.com/greenplum-dr/drsync/manifeststore"
	"github.com/greenplum-dr/drsync/pidfile"
	"github.com/greenplum-dr/drsync/restorepoint"
	"github.com/greenplum-dr/drsync/sqlcluster"
	"github.com/greenplum-dr/drsync/topology"
	"github.com/greenplum-dr/drsync/walname"
)

// Exit codes, per the CLI surface shared by both binaries.
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
		log.Printf("primary: signal received, shutting down")
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

// Main holds everything wired up for one invocation of drsync-primary.
type Main struct {
	cmd  string
	once bool

	noGPSwitchWAL bool

	statusFormat  string
	includeHist   bool
	historyN      int
	logTailN      int

	configPath  string
	noExpandEnv bool

	Config config.Config

	Coord      sqlcluster.Coordinator
	pgxCoord   *sqlcluster.PGXCoordinator
	Store      manifeststore.Store
	Lease      leaser.Leaser
	HTTPServer *drsynchttp.Server

	proc   *exec.Cmd
	execCh chan error
}

func NewMain() *Main {
	return &Main{execCh: make(chan error)}
}

func (m *Main) ParseFlags(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: drsync-primary <run|stop|pid-status|status|logs> [flags]")
	}
	m.cmd, args = args[0], args[1:]

	fs := flag.NewFlagSet("drsync-primary "+m.cmd, flag.ContinueOnError)
	fs.StringVar(&m.configPath, "config", "", "path to drsync.yml")
	fs.BoolVar(&m.noExpandEnv, "no-expand-env", false, "do not expand ${VAR} in the config file")

	switch m.cmd {
	case "run":
		fs.BoolVar(&m.once, "once", false, "run a single publish cycle and exit")
		fs.BoolVar(&m.noGPSwitchWAL, "no-gp-switch-wal", false, "skip gp_switch_wal after creating the restore point")
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

func (m *Main) openLeaser() (leaser.Leaser, error) {
	switch m.Config.Lease.Type {
	case "static":
		return leaser.NewStaticLeaser(m.Config.Lease.Static.IsPrimary), nil
	case "consul", "":
		l := leaser.NewConsulLeaser(m.Config.Lease.Consul.URL, m.Config.Lease.Consul.Key)
		if m.Config.Lease.Consul.TTL > 0 {
			l.TTL = m.Config.Lease.Consul.TTL
		}
		if m.Config.Lease.Consul.LockDelay > 0 {
			l.LockDelay = m.Config.Lease.Consul.LockDelay
		}
		if err := l.Open(); err != nil {
			return nil, fmt.Errorf("open consul leaser: %w", err)
		}
		return l, nil
	default:
		return nil, fmt.Errorf("unknown lease type %q", m.Config.Lease.Type)
	}
}

// execCmd starts the optional sidecar process named by cfg.Exec, mirroring
// the teacher's own exec subcommand: started once, left running alongside
// the publish loop, with its exit (or ours) torn down together.
func (m *Main) execCmd() error {
	if m.Config.Exec == "" {
		return nil
	}
	args, err := shellwords.Parse(m.Config.Exec)
	if err != nil {
		return fmt.Errorf("parse exec command: %w", err)
	}
	log.Printf("primary: starting subprocess: %s %v", args[0], args[1:])

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
// exit before the publisher itself shuts down.
func (m *Main) shutdownExecCmd() {
	if m.proc == nil || m.proc.Process == nil {
		return
	}
	if err := m.proc.Process.Signal(syscall.SIGTERM); err != nil {
		log.Printf("primary: cannot signal exec process: %s", err)
		return
	}
	<-m.execCh
}

func connString(cfg config.Config) string {
	return fmt.Sprintf("host=%s port=%d user=%s dbname=%s sslmode=disable",
		cfg.Primary.Host, cfg.Primary.Port, cfg.Primary.User, cfg.Primary.DB)
}

func (m *Main) runDaemon(ctx context.Context) int {
	m.setupLogging()

	pid := os.Getpid()
	if err := pidfile.Write(m.Config.DR.StateDir, "primary", pid); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitGeneric
	}
	defer func() { _ = pidfile.Remove(m.Config.DR.StateDir, "primary", pid) }()

	coord, err := sqlcluster.NewPGXCoordinator(ctx, connString(m.Config))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitGeneric
	}
	m.pgxCoord = coord
	m.Coord = coord
	defer coord.Close()

	m.Store = m.openStore()

	lease, err := m.openLeaser()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitConfig
	}
	m.Lease = lease

	m.HTTPServer = drsynchttp.NewServer(m.Config, "primary", m.Config.HTTP.Addr)
	if err := m.HTTPServer.Listen(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitGeneric
	}
	m.HTTPServer.Serve()
	defer m.HTTPServer.Close()

	held, err := lease.Acquire(ctx)
	if err != nil {
		if errors.Is(err, leaser.ErrLeaseHeld) {
			log.Printf("primary: lease held by another process, exiting")
			return exitGeneric
		}
		fmt.Fprintln(os.Stderr, err)
		return exitGeneric
	}
	defer held.Close()

	if err := m.execCmd(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitGeneric
	}

	for {
		if err := m.publishOne(ctx); err != nil {
			log.Printf("primary: cycle error: %s", err)
		}

		if m.once {
			m.shutdownExecCmd()
			return exitOK
		}

		select {
		case <-ctx.Done():
			m.shutdownExecCmd()
			return exitOK
		case err := <-m.execCh:
			log.Printf("primary: exec subprocess exited: %v, shutting down", err)
			return exitGeneric
		case <-time.After(time.Duration(m.Config.Behavior.PublisherSleepSecs) * time.Second):
		}
	}
}

// publishOne runs one full publish cycle: create a restore point, write a
// not-ready manifest immediately, then poll the archive until every
// instance's WAL has landed or the wait cap expires.
func (m *Main) publishOne(ctx context.Context) error {
	name := drsync.NewRestorePointName(time.Now())

	res, err := restorepoint.Create(ctx, m.Coord, name, !m.noGPSwitchWAL)
	if err != nil {
		if errors.Is(err, drsync.ErrDuplicateRestorePoint) {
			log.Printf("primary: %s already exists, will regenerate on next cycle", name)
			return nil
		}
		return err
	}

	topo, err := topology.Resolve(ctx, m.Coord)
	if err != nil {
		return err
	}

	manifest := &drsync.Manifest{
		RestorePoint: res.Name,
		CreatedAtUTC: time.Now().UTC(),
		TimelineID:   res.TimelineID,
	}
	for _, inst := range topo {
		manifest.Instances = append(manifest.Instances, drsync.ManifestInstance{
			SegmentID:         inst.SegmentID,
			Host:              inst.Host,
			Port:              inst.Port,
			DataDir:           inst.DataDir,
			RestoreLSN:        res.LSNBySegment[inst.SegmentID],
			ArchiveSourceHost: inst.Host,
			ArchiveSourcePath: m.Config.Archive.ArchiveDir,
		})
	}
	manifest.ComputeReady()

	if err := m.Store.Put(ctx, manifest); err != nil {
		return fmt.Errorf("write not-ready manifest: %w", err)
	}

	prober := &archiveprobe.Prober{
		GlobalTemplate:      m.Config.Behavior.WALCheckCommand,
		PerSegmentTemplates: m.Config.Behavior.WALCheckCommands,
		SegmentSize:         walname.SegmentSizeMB(m.Config.Behavior.WALSegmentSizeMB),
	}

	waitCap := time.Duration(m.Config.Behavior.ConsumerWaitReachSecs) * time.Second
	if waitCap <= 0 {
		waitCap = 300 * time.Second
	}
	deadline := time.Now().Add(waitCap)

	for {
		if err := prober.Probe(ctx, manifest); err != nil {
			return fmt.Errorf("probe archive: %w", err)
		}
		if manifest.Ready || time.Now().After(deadline) {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Second):
		}
	}

	if err := m.Store.Put(ctx, manifest); err != nil {
		return fmt.Errorf("write final manifest: %w", err)
	}
	if manifest.Ready {
		if err := m.Store.PutLatest(ctx, &drsync.LatestPointer{
			RestorePoint: manifest.RestorePoint,
			UpdatedAtUTC: time.Now().UTC(),
		}); err != nil {
			return fmt.Errorf("write latest pointer: %w", err)
		}
		log.Printf("primary: published %s ready=true", manifest.RestorePoint)
	} else {
		log.Printf("primary: published %s ready=false, archive gap: %s", manifest.RestorePoint, drsync.ErrArchiveGap)
	}
	return nil
}

func (m *Main) runStop() int {
	pid, ok, err := pidfile.Stop(m.Config.DR.StateDir, "primary")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitGeneric
	}
	if !ok {
		fmt.Println("primary: not running")
		return exitOK
	}
	fmt.Printf("primary: stopped pid=%d\n", pid)
	return exitOK
}

func (m *Main) runPidStatus() int {
	pid, ok, err := pidfile.Read(m.Config.DR.StateDir, "primary")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitGeneric
	}
	if !ok || !pidfile.IsRunning(pid) {
		fmt.Println("primary: STOPPED")
		return exitOK
	}
	fmt.Printf("primary: RUNNING pid=%d\n", pid)
	return exitOK
}

func (m *Main) runStatus(ctx context.Context) int {
	out, err := cli.RenderStatus(ctx, m.Config, m.statusFormat, m.includeHist, m.historyN, "drsync", "primary")
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
