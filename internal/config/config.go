// Package config loads steward settings and the governance documents it
// runs against.
package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/rendis/steward/pkg/schema"
)

// EnvPrefix is the prefix of every environment override, e.g.
// STEWARD_STORE_DRIVER.
const EnvPrefix = "STEWARD"

// Store drivers.
const (
	DriverFile   = "file"
	DriverLibSQL = "libsql"
	DriverRedis  = "redis"
)

// Config holds all steward settings.
// Priority: env vars > settings.yaml > defaults.
type Config struct {
	Dir       string `mapstructure:"dir"`
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
	PoolSize  int    `mapstructure:"pool_size"`

	Store     StoreConfig     `mapstructure:"store"`
	Documents DocumentsConfig `mapstructure:"documents"`
	Hitl      HitlConfig      `mapstructure:"hitl"`
	Isolation IsolationConfig `mapstructure:"isolation"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
	// Lanes lists the subprocesses that serve process and python tools.
	Lanes []LaneConfig `mapstructure:"lanes"`
}

type StoreConfig struct {
	Driver      string `mapstructure:"driver"`
	RunsDir     string `mapstructure:"runs_dir"`
	PolicyDir   string `mapstructure:"policy_dir"`
	LibSQLPath  string `mapstructure:"libsql_path"`
	RedisAddr   string `mapstructure:"redis_addr"`
	RedisPrefix string `mapstructure:"redis_prefix"`
}

// DocumentsConfig points at the governance documents. Each may be YAML or
// JSON.
type DocumentsConfig struct {
	Policy           string `mapstructure:"policy"`
	Manifest         string `mapstructure:"manifest"`
	Sandboxes        string `mapstructure:"sandboxes"`
	WorkflowsDir     string `mapstructure:"workflows_dir"`
	DefaultSandboxID string `mapstructure:"default_sandbox_id"`
}

type HitlConfig struct {
	SweepSchedule string        `mapstructure:"sweep_schedule"`
	ApprovalTTL   time.Duration `mapstructure:"approval_ttl"`
	// Filter is an optional CEL expression applied by `hitl list`.
	Filter string `mapstructure:"filter"`
}

type IsolationConfig struct {
	CgroupSlice string `mapstructure:"cgroup_slice"`
}

type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// LaneConfig is the command line of the subprocess serving one tool.
type LaneConfig struct {
	ToolID  string   `mapstructure:"tool_id"`
	Command string   `mapstructure:"command"`
	Args    []string `mapstructure:"args"`
	Env     []string `mapstructure:"env"`
	Dir     string   `mapstructure:"dir"`
}

// DefaultDir is ~/.steward, or .steward when the home directory is unknown.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".steward"
	}
	return filepath.Join(home, ".steward")
}

// SettingsPath is the settings file inside dir.
func SettingsPath(dir string) string {
	return filepath.Join(dir, "settings.yaml")
}

func setDefaults(v *viper.Viper, dir string) {
	v.SetDefault("dir", dir)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("pool_size", 4)

	v.SetDefault("store.driver", DriverFile)
	v.SetDefault("store.runs_dir", filepath.Join(dir, "runs"))
	v.SetDefault("store.policy_dir", filepath.Join(dir, "policy-audit"))
	v.SetDefault("store.libsql_path", filepath.Join(dir, "steward.db"))
	v.SetDefault("store.redis_addr", "localhost:6379")
	v.SetDefault("store.redis_prefix", "steward")

	v.SetDefault("documents.policy", filepath.Join(dir, "policy.yaml"))
	v.SetDefault("documents.manifest", filepath.Join(dir, "manifest.yaml"))
	v.SetDefault("documents.sandboxes", filepath.Join(dir, "sandboxes.yaml"))
	v.SetDefault("documents.workflows_dir", filepath.Join(dir, "workflows"))
	v.SetDefault("documents.default_sandbox_id", "")

	v.SetDefault("hitl.sweep_schedule", "@every 1m")
	v.SetDefault("hitl.approval_ttl", time.Duration(0))
	v.SetDefault("hitl.filter", "")

	v.SetDefault("isolation.cgroup_slice", "")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.sample_ratio", 1.0)
}

// New returns a viper instance wired with defaults, the settings file in dir
// and STEWARD_* environment overrides. An empty dir uses DefaultDir.
func New(dir string) *viper.Viper {
	if dir == "" {
		dir = DefaultDir()
	}
	v := viper.New()
	setDefaults(v, dir)
	v.SetConfigFile(SettingsPath(dir))
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads settings for dir. A missing settings file is not an error.
func Load(dir string) (*Config, error) {
	return FromViper(New(dir))
}

// FromViper reads the settings file configured on v, if any, and decodes
// the merged result.
func FromViper(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "read settings: %v", err).WithCause(err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "decode settings: %v", err).WithCause(err)
	}
	cfg.resolvePaths()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// resolvePaths anchors relative file settings at Dir.
func (c *Config) resolvePaths() {
	for _, p := range []*string{
		&c.Store.RunsDir, &c.Store.PolicyDir, &c.Store.LibSQLPath,
		&c.Documents.Policy, &c.Documents.Manifest, &c.Documents.Sandboxes, &c.Documents.WorkflowsDir,
	} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(c.Dir, *p)
		}
	}
}

// Validate checks the settings that would otherwise fail late.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case DriverFile, DriverLibSQL, DriverRedis:
	default:
		return schema.NewErrorf(schema.ErrCodeValidation,
			"store.driver must be one of file, libsql, redis; got %q", c.Store.Driver)
	}
	if c.PoolSize < 1 {
		return schema.NewErrorf(schema.ErrCodeValidation, "pool_size must be at least 1; got %d", c.PoolSize)
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return schema.NewErrorf(schema.ErrCodeValidation, "tracing.sample_ratio must be within [0, 1]")
	}
	seen := make(map[string]bool, len(c.Lanes))
	for i, lane := range c.Lanes {
		if lane.ToolID == "" || lane.Command == "" {
			return schema.NewErrorf(schema.ErrCodeValidation, "lanes[%d] needs tool_id and command", i)
		}
		if seen[lane.ToolID] {
			return schema.NewErrorf(schema.ErrCodeValidation, "lanes: tool %s configured twice", lane.ToolID)
		}
		seen[lane.ToolID] = true
	}
	return nil
}

// Diff lists the settings that changed between old and next and cannot be
// applied without a restart. Only log_level is applied live.
func Diff(old, next *Config) (logLevelChanged bool, restartNeeded []string) {
	logLevelChanged = old.LogLevel != next.LogLevel
	if old.Store != next.Store {
		restartNeeded = append(restartNeeded, "store")
	}
	if old.PoolSize != next.PoolSize {
		restartNeeded = append(restartNeeded, "pool_size")
	}
	if old.Documents != next.Documents {
		restartNeeded = append(restartNeeded, "documents")
	}
	if old.Hitl != next.Hitl {
		restartNeeded = append(restartNeeded, "hitl")
	}
	if old.Isolation != next.Isolation {
		restartNeeded = append(restartNeeded, "isolation")
	}
	if old.Tracing != next.Tracing {
		restartNeeded = append(restartNeeded, "tracing")
	}
	return logLevelChanged, restartNeeded
}
