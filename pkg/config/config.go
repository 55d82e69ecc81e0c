// Package config provides configuration file support for the custody engine.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/diamondops/custody/pkg/errclass"
	"github.com/diamondops/custody/pkg/fsutil"
	"github.com/diamondops/custody/pkg/model"
)

// Dir is the per-root directory holding config and file-backend data.
const Dir = ".custody"

// Store backends.
const (
	BackendMemory   = "memory"
	BackendFile     = "file"
	BackendPostgres = "postgres"
)

// Rate limit strategies.
const (
	StrategySlidingWindow = "sliding_window"
	StrategyTokenBucket   = "token_bucket"
	StrategyRedis         = "redis"
)

// Config represents the engine configuration.
type Config struct {
	Store   StoreConfig   `yaml:"store"`
	Custody CustodyConfig `yaml:"custody"`
	Guard   GuardConfig   `yaml:"guard"`
	Scoring ScoringConfig `yaml:"scoring"`
	Packet  PacketConfig  `yaml:"packet"`
	Notify  NotifyConfig  `yaml:"notify"`
	Server  ServerConfig  `yaml:"server"`
	Logging LoggingConfig `yaml:"logging"`
}

// Duration is a time.Duration written as "72h" in YAML.
type Duration struct {
	time.Duration
}

// D wraps a time.Duration.
func D(d time.Duration) Duration { return Duration{d} }

func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	var s string
	if err := n.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", n.Line, err)
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

// StoreConfig selects and tunes the event store backend.
type StoreConfig struct {
	Backend string      `yaml:"backend"`
	Path    string      `yaml:"path"`
	DSN     string      `yaml:"dsn,omitempty"`
	Retry   RetryConfig `yaml:"retry"`
}

// RetryConfig bounds retries of an unavailable store.
type RetryConfig struct {
	Attempts     int      `yaml:"attempts"`
	InitialDelay Duration `yaml:"initial_delay"`
	Factor       float64  `yaml:"factor"`
	MaxDelay     Duration `yaml:"max_delay"`
}

// CustodyConfig configures the transition state machine.
type CustodyConfig struct {
	TransitionTTL      Duration    `yaml:"transition_ttl"`
	SweepInterval      Duration    `yaml:"sweep_interval"`
	MaxConflictRetries int         `yaml:"max_conflict_retries"`
	Rules              RulesConfig `yaml:"rules"`
}

// RuleSet configures the confirmation rules for an item.
type RuleSet struct {
	Enabled           []model.RuleName `yaml:"enabled,omitempty"`
	EscrowAttester    string           `yaml:"escrow_attester,omitempty"`
	EvidenceThreshold float64          `yaml:"evidence_threshold,omitempty"`
}

// Has reports whether rule is enabled in the set.
func (r RuleSet) Has(rule model.RuleName) bool {
	for _, e := range r.Enabled {
		if e == rule {
			return true
		}
	}
	return false
}

// RulesConfig holds the default rule set and per-item overrides.
type RulesConfig struct {
	Default RuleSet            `yaml:"default"`
	Items   map[string]RuleSet `yaml:"items,omitempty"`
}

// For returns the effective rule set of an item. Empty override fields
// inherit the default.
func (r RulesConfig) For(itemID string) RuleSet {
	eff := r.Default
	o, ok := r.Items[itemID]
	if !ok {
		return eff
	}
	if len(o.Enabled) > 0 {
		eff.Enabled = o.Enabled
	}
	if o.EscrowAttester != "" {
		eff.EscrowAttester = o.EscrowAttester
	}
	if o.EvidenceThreshold > 0 {
		eff.EvidenceThreshold = o.EvidenceThreshold
	}
	return eff
}

// GuardConfig configures the abuse guard.
type GuardConfig struct {
	RateLimit   RateLimitConfig   `yaml:"rate_limit"`
	FailureFlag FailureFlagConfig `yaml:"failure_flag"`
}

// RateLimitConfig limits proposals per initiator.
type RateLimitConfig struct {
	Strategy  string   `yaml:"strategy"`
	Limit     int      `yaml:"limit"`
	Window    Duration `yaml:"window"`
	RedisAddr string   `yaml:"redis_addr,omitempty"`
}

// FailureFlagConfig sets when repeated rejections flag an initiator.
type FailureFlagConfig struct {
	Threshold int      `yaml:"threshold"`
	Window    Duration `yaml:"window"`
}

// ScoringConfig configures the evidence scoring policy.
type ScoringConfig struct {
	AlgorithmVersion string        `yaml:"algorithm_version"`
	Weights          WeightsConfig `yaml:"weights"`
}

// WeightsConfig holds per-factor weights.
type WeightsConfig struct {
	MetadataIntegrity       float64 `yaml:"metadata_integrity"`
	IngestionProximity      float64 `yaml:"ingestion_proximity"`
	TransformationDistance  float64 `yaml:"transformation_distance"`
	Corroboration           float64 `yaml:"corroboration"`
	CounterpartyAcknowledge float64 `yaml:"counterparty"`
}

// PacketConfig configures the escalation packet builder.
type PacketConfig struct {
	IncludeNonAsserted bool `yaml:"include_non_asserted"`
}

// NotifyConfig configures the notification dispatcher.
type NotifyConfig struct {
	Workers    int             `yaml:"workers"`
	MaxRetries int             `yaml:"max_retries"`
	BaseDelay  Duration        `yaml:"base_delay"`
	MaxDelay   Duration        `yaml:"max_delay"`
	LogSink    bool            `yaml:"log_sink"`
	Webhooks   []WebhookConfig `yaml:"webhooks,omitempty"`
}

// WebhookConfig is one HTTP delivery target.
type WebhookConfig struct {
	URL     string   `yaml:"url"`
	Secret  string   `yaml:"secret,omitempty"`
	Timeout Duration `yaml:"timeout"`
	Enabled bool     `yaml:"enabled"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// LoggingConfig configures logging behavior.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json, text
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Store: StoreConfig{
			Backend: BackendFile,
			Path:    "data",
			Retry: RetryConfig{
				Attempts:     5,
				InitialDelay: D(50 * time.Millisecond),
				Factor:       2,
				MaxDelay:     D(2 * time.Second),
			},
		},
		Custody: CustodyConfig{
			TransitionTTL:      D(72 * time.Hour),
			SweepInterval:      D(5 * time.Minute),
			MaxConflictRetries: 5,
			Rules: RulesConfig{
				Default: RuleSet{
					Enabled:           []model.RuleName{model.RuleExplicit, model.RuleDual},
					EvidenceThreshold: 0.85,
				},
			},
		},
		Guard: GuardConfig{
			RateLimit: RateLimitConfig{
				Strategy: StrategySlidingWindow,
				Limit:    3,
				Window:   D(time.Hour),
			},
			FailureFlag: FailureFlagConfig{
				Threshold: 3,
				Window:    D(time.Hour),
			},
		},
		Scoring: ScoringConfig{
			AlgorithmVersion: "v1",
			Weights: WeightsConfig{
				MetadataIntegrity:       0.25,
				IngestionProximity:      0.15,
				TransformationDistance:  0.25,
				Corroboration:           0.20,
				CounterpartyAcknowledge: 0.15,
			},
		},
		Notify: NotifyConfig{
			Workers:    2,
			MaxRetries: 5,
			BaseDelay:  D(time.Second),
			MaxDelay:   D(time.Minute),
			LogSink:    true,
		},
		Server: ServerConfig{Addr: ":8080"},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Path returns the config file location under root.
func Path(root string) string {
	return filepath.Join(root, Dir, "config.yaml")
}

// Load loads configuration from <root>/.custody/config.yaml.
// Returns default config if file doesn't exist.
func Load(root string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(Path(root))
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return cfg, nil
}

// Save writes configuration to <root>/.custody/config.yaml.
func Save(root string, cfg *Config) error {
	cfgPath := Path(root)
	if err := os.MkdirAll(filepath.Dir(cfgPath), 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := fsutil.AtomicWrite(cfgPath, data, 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// ApplyEnv overrides connection settings from the environment.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if dsn := getenv("DATABASE_URL"); dsn != "" {
		c.Store.DSN = dsn
	}
	if addr := getenv("CUSTODY_REDIS_ADDR"); addr != "" {
		c.Guard.RateLimit.RedisAddr = addr
	}
}

// StorePath resolves the file backend directory against root.
func (c *Config) StorePath(root string) string {
	if filepath.IsAbs(c.Store.Path) {
		return c.Store.Path
	}
	return filepath.Join(root, Dir, c.Store.Path)
}

// Validate checks the configuration for values the engine cannot run with.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case BackendMemory, BackendFile:
	case BackendPostgres:
		if c.Store.DSN == "" {
			return fmt.Errorf("store: postgres backend requires dsn or DATABASE_URL")
		}
	default:
		return fmt.Errorf("store: unknown backend %q", c.Store.Backend)
	}
	if c.Store.Retry.Attempts < 1 {
		return fmt.Errorf("store.retry.attempts must be at least 1")
	}
	if c.Custody.TransitionTTL.Duration <= 0 {
		return fmt.Errorf("custody.transition_ttl must be positive")
	}
	if c.Custody.SweepInterval.Duration <= 0 {
		return fmt.Errorf("custody.sweep_interval must be positive")
	}
	if c.Custody.MaxConflictRetries < 1 {
		return fmt.Errorf("custody.max_conflict_retries must be at least 1")
	}
	if err := c.Custody.Rules.Validate(); err != nil {
		return err
	}

	switch c.Guard.RateLimit.Strategy {
	case StrategySlidingWindow, StrategyTokenBucket:
	case StrategyRedis:
		if c.Guard.RateLimit.RedisAddr == "" {
			return fmt.Errorf("guard.rate_limit: redis strategy requires redis_addr or CUSTODY_REDIS_ADDR")
		}
	default:
		return fmt.Errorf("guard.rate_limit: unknown strategy %q", c.Guard.RateLimit.Strategy)
	}
	if c.Guard.RateLimit.Limit < 1 || c.Guard.RateLimit.Window.Duration <= 0 {
		return fmt.Errorf("guard.rate_limit: limit and window must be positive")
	}
	if c.Guard.FailureFlag.Threshold < 1 || c.Guard.FailureFlag.Window.Duration <= 0 {
		return fmt.Errorf("guard.failure_flag: threshold and window must be positive")
	}

	w := c.Scoring.Weights
	for _, v := range []float64{w.MetadataIntegrity, w.IngestionProximity, w.TransformationDistance, w.Corroboration, w.CounterpartyAcknowledge} {
		if v < 0 {
			return fmt.Errorf("scoring.weights must be non-negative")
		}
	}
	if w.MetadataIntegrity+w.IngestionProximity+w.TransformationDistance+w.Corroboration+w.CounterpartyAcknowledge == 0 {
		return fmt.Errorf("scoring.weights must not all be zero")
	}
	if c.Scoring.AlgorithmVersion == "" {
		return fmt.Errorf("scoring.algorithm_version must be set")
	}

	if c.Notify.Workers < 1 || c.Notify.MaxRetries < 0 {
		return fmt.Errorf("notify: workers must be at least 1 and max_retries non-negative")
	}
	return nil
}

// Validate rejects unknown rules, missing rule parameters and the
// escrow plus evidence_backed combination on any item.
func (r RulesConfig) Validate() error {
	if err := r.Default.validate("default"); err != nil {
		return err
	}
	for item := range r.Items {
		if err := r.For(item).validate("items." + item); err != nil {
			return err
		}
	}
	return nil
}

func (s RuleSet) validate(scope string) error {
	if len(s.Enabled) == 0 {
		return fmt.Errorf("custody.rules.%s: no confirmation rule enabled", scope)
	}
	for _, rule := range s.Enabled {
		if !rule.Valid() {
			return fmt.Errorf("custody.rules.%s: unknown rule %q", scope, rule)
		}
	}
	if s.Has(model.RuleEscrow) && s.Has(model.RuleEvidenceBacked) {
		return errclass.ErrRuleConflict.WithMessagef("custody.rules.%s: escrow and evidence_backed cannot both be enabled", scope)
	}
	if s.Has(model.RuleEscrow) && s.EscrowAttester == "" {
		return fmt.Errorf("custody.rules.%s: escrow rule requires escrow_attester", scope)
	}
	if s.Has(model.RuleEvidenceBacked) && (s.EvidenceThreshold <= 0 || s.EvidenceThreshold > 1) {
		return fmt.Errorf("custody.rules.%s: evidence_threshold must be in (0,1]", scope)
	}
	return nil
}
