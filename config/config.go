// Package config loads the YAML configuration shared by both the publisher
// and consumer binaries, following the teacher's cmd/litefs config pattern:
// a typed struct with defaults from NewConfig, strict YAML decoding via
// yaml.v3, ${VAR} / ${VAR==val} environment expansion, and a fixed list of
// search paths when no explicit path is given.
package config

import (
	"bytes"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/greenplum-dr/drsync"
)

// Config is the root configuration for drsync-primary and drsync-dr.
type Config struct {
	// Exec names an optional sibling process, started once the daemon's HTTP
	// server and main loop are up and torn down together with it, following
	// the teacher's own "exec" subcommand.
	Exec string `yaml:"exec"`

	Primary  PrimaryConfig  `yaml:"primary"`
	Storage  StorageConfig  `yaml:"storage"`
	Archive  ArchiveConfig  `yaml:"archive"`
	DR       DRConfig       `yaml:"dr"`
	Behavior BehaviorConfig `yaml:"behavior"`
	Lease    LeaseConfig    `yaml:"lease"`
	HTTP     HTTPConfig     `yaml:"http"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// PrimaryConfig is the primary cluster's coordinator connection.
type PrimaryConfig struct {
	Host string `yaml:"host" validate:"required"`
	Port int    `yaml:"port" validate:"required"`
	DB   string `yaml:"db" validate:"required"`
	User string `yaml:"user" validate:"required"`
}

// StorageConfig locates the manifest store.
type StorageConfig struct {
	ManifestDir          string `yaml:"manifest_dir" validate:"required"`
	LatestPath           string `yaml:"latest_path"`
	ManifestFetchCommand string `yaml:"manifest_fetch_command"`
	ManifestListCommand  string `yaml:"manifest_list_command"`
}

// ArchiveConfig locates the WAL archive, on the publisher side.
type ArchiveConfig struct {
	ArchiveDir string `yaml:"archive_dir"`
}

// DRConfig describes the DR cluster's own instances and state locations.
type DRConfig struct {
	StateDir    string           `yaml:"state_dir" validate:"required"`
	ReceiptsDir string           `yaml:"receipts_dir" validate:"required"`
	GPHome      string           `yaml:"gp_home"`
	Instances   []InstanceConfig `yaml:"instances"`
}

// InstanceConfig describes one DR instance (coordinator or segment).
type InstanceConfig struct {
	SegmentID int    `yaml:"segment_id"`
	Host      string `yaml:"host" validate:"required"`
	Port      int    `yaml:"port"`
	DataDir   string `yaml:"data_dir" validate:"required"`
	IsLocal   bool   `yaml:"is_local"`
}

// ResolvedLatestPath returns LatestPath if configured, otherwise
// manifest_dir/LATEST.json.
func (s StorageConfig) ResolvedLatestPath() string {
	if s.LatestPath != "" {
		return s.LatestPath
	}
	return filepath.Join(s.ManifestDir, "LATEST.json")
}

// ToInstances converts the configured instance list into drsync.Instance.
func (d DRConfig) ToInstances() []drsync.Instance {
	out := make([]drsync.Instance, len(d.Instances))
	for i, inst := range d.Instances {
		out[i] = drsync.Instance{
			SegmentID: inst.SegmentID,
			Host:      inst.Host,
			Port:      inst.Port,
			DataDir:   inst.DataDir,
			IsLocal:   inst.IsLocal,
		}
	}
	return out
}

// BehaviorConfig holds every timing/tolerance knob that governs how the
// publisher and consumer loops behave.
type BehaviorConfig struct {
	PublisherSleepSecs    int            `yaml:"publisher_sleep_secs"`
	ConsumerSleepSecs     int            `yaml:"consumer_sleep_secs"`
	ConsumerReachPollSecs int            `yaml:"consumer_reach_poll_secs"`
	ConsumerWaitReachSecs int            `yaml:"consumer_wait_reach_secs"`
	WALSegmentSizeMB      int            `yaml:"wal_segment_size_mb"`
	WALCheckCommand       string         `yaml:"wal_check_command"`
	WALCheckCommands      map[int]string `yaml:"wal_check_commands"`
	BestEffortNoNameMatch bool           `yaml:"best_effort_no_name_match"`
}

// LeaseConfig selects and configures the single-publisher lock.
type LeaseConfig struct {
	// Type is "consul" or "static".
	Type   string            `yaml:"type" validate:"omitempty,oneof=consul static"`
	Consul ConsulLeaseConfig `yaml:"consul"`
	Static StaticLeaseConfig `yaml:"static"`
}

// ConsulLeaseConfig configures ConsulLeaser.
type ConsulLeaseConfig struct {
	URL       string        `yaml:"url"`
	Key       string        `yaml:"key"`
	TTL       time.Duration `yaml:"ttl"`
	LockDelay time.Duration `yaml:"lock-delay"`
}

// StaticLeaseConfig configures StaticLeaser.
type StaticLeaseConfig struct {
	IsPrimary bool `yaml:"is-primary"`
}

// HTTPConfig configures the status/metrics HTTP server.
type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// LoggingConfig configures the lumberjack-rotated log file. A blank Path
// means log only to stderr.
type LoggingConfig struct {
	Path     string `yaml:"path"`
	MaxSize  int    `yaml:"max-size-mb"`
	MaxCount int    `yaml:"max-count"`
	Compress bool   `yaml:"compress"`
}

// NewConfig returns a Config with every documented default applied.
func NewConfig() Config {
	var c Config

	c.Primary.Port = 5432

	c.Behavior.PublisherSleepSecs = 10
	c.Behavior.ConsumerSleepSecs = 30
	c.Behavior.ConsumerReachPollSecs = 5
	c.Behavior.ConsumerWaitReachSecs = 300
	c.Behavior.WALSegmentSizeMB = 64
	c.Behavior.BestEffortNoNameMatch = false

	c.Lease.Type = "consul"
	c.Lease.Consul.Key = "drsync/primary"
	c.Lease.Consul.TTL = 10 * time.Second
	c.Lease.Consul.LockDelay = 1 * time.Second
	c.Lease.Static.IsPrimary = true

	c.HTTP.Addr = ":20212"

	c.Logging.MaxSize = 64
	c.Logging.MaxCount = 8
	c.Logging.Compress = true

	return c
}

// Validate runs struct-tag validation over c, returning every failing field
// in one error.
func Validate(c *Config) error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// UnmarshalConfig decodes data into config, optionally expanding
// environment variables first. Unknown keys are rejected.
func UnmarshalConfig(config *Config, data []byte, expandEnv bool) error {
	if expandEnv {
		data = []byte(ExpandEnv(string(data)))
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(config); err != nil {
		return err
	}
	return nil
}

// ExpandEnv replaces environment variables like os.Expand, but also
// understands equality/inequality expressions inside ${}, e.g.
// ${MODE==dr} expands to "true" or "false".
func ExpandEnv(s string) string {
	return os.Expand(s, func(v string) string {
		v = strings.TrimSpace(v)

		if a := expandExprSingleQuote.FindStringSubmatch(v); a != nil {
			if a[2] == "==" {
				return strconv.FormatBool(os.Getenv(a[1]) == a[3])
			}
			return strconv.FormatBool(os.Getenv(a[1]) != a[3])
		}
		if a := expandExprDoubleQuote.FindStringSubmatch(v); a != nil {
			if a[2] == "==" {
				return strconv.FormatBool(os.Getenv(a[1]) == a[3])
			}
			return strconv.FormatBool(os.Getenv(a[1]) != a[3])
		}
		if a := expandExprVar.FindStringSubmatch(v); a != nil {
			if a[2] == "==" {
				return strconv.FormatBool(os.Getenv(a[1]) == a[3])
			}
			return strconv.FormatBool(os.Getenv(a[1]) != a[3])
		}
		return os.Getenv(v)
	})
}

var (
	expandExprSingleQuote = regexp.MustCompile(`^(\w+)\s*(==|!=)\s*'(.*)'$`)
	expandExprDoubleQuote = regexp.MustCompile(`^(\w+)\s*(==|!=)\s*"(.*)"$`)
	expandExprVar         = regexp.MustCompile(`^(\w+)\s*(==|!=)\s*(\w+)$`)
)

// ReadConfigFile loads configuration from configPath if given, otherwise
// searches SearchPaths() in order. Returns the resolved path alongside the
// decoded config.
func ReadConfigFile(configPath string, expandEnv bool) (Config, string, error) {
	config := NewConfig()

	if configPath != "" {
		buf, err := os.ReadFile(configPath)
		if err != nil {
			return config, "", err
		}
		if err := UnmarshalConfig(&config, buf, expandEnv); err != nil {
			return config, "", fmt.Errorf("cannot unmarshal config file at %s: %w", configPath, err)
		}
		return config, configPath, nil
	}

	for _, path := range SearchPaths() {
		abs, err := filepath.Abs(path)
		if err != nil {
			return config, "", err
		}
		buf, err := os.ReadFile(abs)
		if os.IsNotExist(err) {
			continue
		} else if err != nil {
			return config, "", fmt.Errorf("cannot read config file at %s: %w", abs, err)
		}
		if err := UnmarshalConfig(&config, buf, expandEnv); err != nil {
			return config, "", fmt.Errorf("cannot unmarshal config file at %s: %w", abs, err)
		}
		return config, abs, nil
	}

	return config, "", fmt.Errorf("config file not found")
}

// SearchPaths returns, in priority order, the paths checked for a config
// file when none is given explicitly: the working directory, the user's
// home directory, then /etc.
func SearchPaths() []string {
	a := []string{"drsync.yml"}
	if u, _ := user.Current(); u != nil && u.HomeDir != "" {
		a = append(a, filepath.Join(u.HomeDir, "drsync.yml"))
	}
	a = append(a, "/etc/drsync.yml")
	return a
}
