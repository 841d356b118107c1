package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
	"github.com/redis/go-redis/v9"
)

// instanceNamePattern constrains instance names so they embed cleanly in
// Redis keys and filesystem paths.
var instanceNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// Config represents the top-level warren.yml configuration
type Config struct {
	Instance      string              `koanf:"instance"`
	Redis         RedisConfig         `koanf:"redis"`
	Archive       ArchiveConfig       `koanf:"archive"`
	Workspaces    WorkspacesConfig    `koanf:"workspaces"`
	Snapshots     SnapshotsConfig     `koanf:"snapshots"`
	Risk          RiskConfig          `koanf:"risk"`
	CriticalGate  CriticalGateConfig  `koanf:"critical_gate"`
	Retry         RetryConfig         `koanf:"retry"`
	Collaborators CollaboratorsConfig `koanf:"collaborators"`
	Notifications NotificationsConfig `koanf:"notifications"`
	Mirror        MirrorConfig        `koanf:"mirror"`
	Health        HealthConfig        `koanf:"health"`
	Log           LogConfig           `koanf:"log"`
}

// RedisConfig locates the coordination plane
type RedisConfig struct {
	URL string `koanf:"url"`
}

// ArchiveConfig controls the durable BadgerDB mirror
type ArchiveConfig struct {
	Enabled    *bool  `koanf:"enabled"`     // Default: true
	Path       string `koanf:"path"`        // Default: .warren/archive
	SyncWrites *bool  `koanf:"sync_writes"` // Default: true
}

// WorkspacesConfig controls isolated graph workspaces
type WorkspacesConfig struct {
	Root          string `koanf:"root"`           // Default: .warren/workspaces
	MaxConcurrent int    `koanf:"max_concurrent"` // Default: 4
}

// SnapshotsConfig controls published snapshot retention
type SnapshotsConfig struct {
	Keep *int `koanf:"keep"` // Retained snapshot count, 0 = unlimited. Default: 10
}

// RiskConfig parameterises the risk formula:
// score = touched*weights.touched + dependents*weights.dependents + maxCriticality*weights.criticality
type RiskConfig struct {
	Weights    RiskWeights    `koanf:"weights"`
	Thresholds RiskThresholds `koanf:"thresholds"`
}

// RiskWeights are the per-term multipliers of the risk formula
type RiskWeights struct {
	Touched     float64 `koanf:"touched"`
	Dependents  float64 `koanf:"dependents"`
	Criticality float64 `koanf:"criticality"`
}

// RiskThresholds map a score to a level. Scores below Medium are LOW.
type RiskThresholds struct {
	Medium   float64 `koanf:"medium"`
	High     float64 `koanf:"high"`
	Critical float64 `koanf:"critical"`
}

// CriticalGateConfig decides what happens to CRITICAL-risk requests.
// Mode "static" consults Allow; mode "deny" rejects them outright.
type CriticalGateConfig struct {
	Mode  string `koanf:"mode"` // "static" or "deny". Default: static
	Allow bool   `koanf:"allow"`
}

// RetryConfig bounds pipeline retries
type RetryConfig struct {
	GenerationAttempts      int           `koanf:"generation_attempts"`      // Default: 3
	GenerationBackoff       time.Duration `koanf:"generation_backoff"`       // Initial backoff, exponential. Default: 2s
	VersionConflictAttempts int           `koanf:"version_conflict_attempts"` // Default: 1
}

// CollaboratorsConfig wires external processes into the pipeline
type CollaboratorsConfig struct {
	Generator CollaboratorConfig `koanf:"generator"`
	Tester    CollaboratorConfig `koanf:"tester"`
}

// CollaboratorConfig describes a single external collaborator.
// Kind "exec" runs Command on the host; kind "docker" runs Image with the
// workspace bind-mounted.
type CollaboratorConfig struct {
	Kind    string        `koanf:"kind"` // "exec" or "docker"
	Command []string      `koanf:"command"`
	Image   string        `koanf:"image"`
	Timeout time.Duration `koanf:"timeout"`
}

// NotificationsConfig controls issue-comment spooling
type NotificationsConfig struct {
	SpoolDir string `koanf:"spool_dir"` // Default: .warren/outbox
}

// MirrorConfig controls the git snapshot mirror
type MirrorConfig struct {
	Enabled bool   `koanf:"enabled"`
	Path    string `koanf:"path"` // Default: .warren/mirror
}

// HealthConfig controls the HTTP health endpoint
type HealthConfig struct {
	Port int `koanf:"port"` // Default: 8080
}

// LogConfig controls structured logging
type LogConfig struct {
	Level string `koanf:"level"` // debug, info, warn, error. Default: info
}

// Load reads warren.yml from the specified path, overlays WARREN_*
// environment variables, applies defaults and validates.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (WARREN_REDIS_URL, WARREN_LOG_LEVEL, ...)
//  2. warren.yml
//  3. Defaults
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return LoadBytes(data)
}

// LoadBytes parses configuration from raw YAML, overlays environment
// variables, applies defaults and validates.
func LoadBytes(data []byte) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(rawbytes.Provider(data), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	// Overlay environment variables. WARREN_REDIS_URL -> redis.url,
	// WARREN_CRITICAL_GATE_MODE -> critical_gate.mode, and so on.
	if err := k.Load(env.Provider("WARREN_", ".", envKeyTransform), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var config Config
	if err := k.Unmarshal("", &config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// envKeyTransform maps an environment variable name to a koanf key.
// The first underscore separates section from field; underscores inside the
// field are preserved (WARREN_WORKSPACES_MAX_CONCURRENT ->
// workspaces.max_concurrent). Two-word sections are special-cased.
func envKeyTransform(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, "WARREN_"))

	if rest, ok := strings.CutPrefix(lower, "critical_gate_"); ok {
		return "critical_gate." + rest
	}

	parts := strings.SplitN(lower, "_", 2)
	if len(parts) == 1 {
		// Top-level field such as WARREN_INSTANCE.
		return lower
	}
	return parts[0] + "." + parts[1]
}

func boolPtr(b bool) *bool { return &b }

// applyDefaults fills in zero values before validation
func (c *Config) applyDefaults() {
	if c.Instance == "" {
		c.Instance = "default"
	}
	if c.Redis.URL == "" {
		c.Redis.URL = "redis://localhost:6379/0"
	}

	if c.Archive.Enabled == nil {
		c.Archive.Enabled = boolPtr(true)
	}
	if c.Archive.Path == "" {
		c.Archive.Path = ".warren/archive"
	}
	if c.Archive.SyncWrites == nil {
		c.Archive.SyncWrites = boolPtr(true)
	}

	if c.Workspaces.Root == "" {
		c.Workspaces.Root = ".warren/workspaces"
	}
	if c.Workspaces.MaxConcurrent == 0 {
		c.Workspaces.MaxConcurrent = 4
	}

	if c.Snapshots.Keep == nil {
		defaultKeep := 10
		c.Snapshots.Keep = &defaultKeep
	}

	if c.Risk.Weights == (RiskWeights{}) {
		c.Risk.Weights = RiskWeights{Touched: 1.0, Dependents: 2.0, Criticality: 3.0}
	}
	if c.Risk.Thresholds == (RiskThresholds{}) {
		c.Risk.Thresholds = RiskThresholds{Medium: 5.0, High: 12.0, Critical: 25.0}
	}

	if c.CriticalGate.Mode == "" {
		c.CriticalGate.Mode = "static"
	}

	if c.Retry.GenerationAttempts == 0 {
		c.Retry.GenerationAttempts = 3
	}
	if c.Retry.GenerationBackoff == 0 {
		c.Retry.GenerationBackoff = 2 * time.Second
	}
	if c.Retry.VersionConflictAttempts == 0 {
		c.Retry.VersionConflictAttempts = 1
	}

	if c.Collaborators.Generator.Timeout == 0 {
		c.Collaborators.Generator.Timeout = 2 * time.Minute
	}
	if c.Collaborators.Tester.Timeout == 0 {
		c.Collaborators.Tester.Timeout = 5 * time.Minute
	}

	if c.Notifications.SpoolDir == "" {
		c.Notifications.SpoolDir = ".warren/outbox"
	}

	if c.Mirror.Path == "" {
		c.Mirror.Path = ".warren/mirror"
	}

	if c.Health.Port == 0 {
		c.Health.Port = 8080
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// Validate performs strict validation on the configuration
func (c *Config) Validate() error {
	if !instanceNamePattern.MatchString(c.Instance) {
		return fmt.Errorf("invalid instance name '%s' (must be lowercase alphanumeric with - or _)", c.Instance)
	}

	if _, err := redis.ParseURL(c.Redis.URL); err != nil {
		return fmt.Errorf("invalid redis.url: %w", err)
	}

	if *c.Archive.Enabled && c.Archive.Path == "" {
		return fmt.Errorf("archive.path is required when archive is enabled")
	}

	if c.Workspaces.MaxConcurrent < 1 {
		return fmt.Errorf("workspaces.max_concurrent must be >= 1, got %d", c.Workspaces.MaxConcurrent)
	}

	if *c.Snapshots.Keep < 0 {
		return fmt.Errorf("snapshots.keep must be >= 0 (0 = unlimited), got %d", *c.Snapshots.Keep)
	}

	if err := c.Risk.validate(); err != nil {
		return err
	}

	if c.CriticalGate.Mode != "static" && c.CriticalGate.Mode != "deny" {
		return fmt.Errorf("invalid critical_gate.mode: %s (must be 'static' or 'deny')", c.CriticalGate.Mode)
	}

	if c.Retry.GenerationAttempts < 1 {
		return fmt.Errorf("retry.generation_attempts must be >= 1, got %d", c.Retry.GenerationAttempts)
	}
	if c.Retry.GenerationBackoff <= 0 {
		return fmt.Errorf("retry.generation_backoff must be positive, got %s", c.Retry.GenerationBackoff)
	}
	if c.Retry.VersionConflictAttempts < 0 {
		return fmt.Errorf("retry.version_conflict_attempts must be >= 0, got %d", c.Retry.VersionConflictAttempts)
	}

	if err := c.Collaborators.Generator.Validate("generator"); err != nil {
		return err
	}
	if err := c.Collaborators.Tester.Validate("tester"); err != nil {
		return err
	}

	if c.Mirror.Enabled && c.Mirror.Path == "" {
		return fmt.Errorf("mirror.path is required when mirror is enabled")
	}

	if c.Health.Port < 1 || c.Health.Port > 65535 {
		return fmt.Errorf("health.port must be between 1 and 65535, got %d", c.Health.Port)
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log.level: %s (must be 'debug', 'info', 'warn', or 'error')", c.Log.Level)
	}

	return nil
}

func (r *RiskConfig) validate() error {
	if r.Weights.Touched < 0 || r.Weights.Dependents < 0 || r.Weights.Criticality < 0 {
		return fmt.Errorf("risk.weights must be non-negative")
	}
	if r.Thresholds.Medium <= 0 {
		return fmt.Errorf("risk.thresholds.medium must be positive, got %g", r.Thresholds.Medium)
	}
	if r.Thresholds.High <= r.Thresholds.Medium {
		return fmt.Errorf("risk.thresholds.high (%g) must exceed medium (%g)", r.Thresholds.High, r.Thresholds.Medium)
	}
	if r.Thresholds.Critical <= r.Thresholds.High {
		return fmt.Errorf("risk.thresholds.critical (%g) must exceed high (%g)", r.Thresholds.Critical, r.Thresholds.High)
	}
	return nil
}

// Validate performs validation on a single collaborator configuration
func (cc *CollaboratorConfig) Validate(name string) error {
	switch cc.Kind {
	case "exec":
		if len(cc.Command) == 0 {
			return fmt.Errorf("collaborator '%s': command is required for kind 'exec'", name)
		}
	case "docker":
		if cc.Image == "" {
			return fmt.Errorf("collaborator '%s': image is required for kind 'docker'", name)
		}
	case "":
		return fmt.Errorf("collaborator '%s': kind is required ('exec' or 'docker')", name)
	default:
		return fmt.Errorf("collaborator '%s': invalid kind: %s (must be 'exec' or 'docker')", name, cc.Kind)
	}

	if cc.Timeout <= 0 {
		return fmt.Errorf("collaborator '%s': timeout must be positive, got %s", name, cc.Timeout)
	}

	return nil
}

// RedisOptions parses redis.url into client options.
func (c *Config) RedisOptions() (*redis.Options, error) {
	opts, err := redis.ParseURL(c.Redis.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis.url: %w", err)
	}
	return opts, nil
}

// ArchiveEnabled reports whether the durable mirror should run.
func (c *Config) ArchiveEnabled() bool {
	return c.Archive.Enabled != nil && *c.Archive.Enabled
}

// ArchiveSyncWrites reports whether archive writes fsync.
func (c *Config) ArchiveSyncWrites() bool {
	return c.Archive.SyncWrites != nil && *c.Archive.SyncWrites
}

// SnapshotsKeep returns the snapshot retention count, 0 meaning unlimited.
func (c *Config) SnapshotsKeep() int {
	if c.Snapshots.Keep == nil {
		return 10
	}
	return *c.Snapshots.Keep
}
