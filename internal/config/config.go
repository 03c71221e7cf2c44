// Package config handles configuration loading and validation.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Operation modes.
const (
	ModeDryRun  = "dry_run"
	ModeEnforce = "enforce"
)

// BGP speaker modes.
const (
	BGPModeMock  = "mock"
	BGPModeGoBGP = "gobgp"
)

// Storage drivers.
const (
	StorageMemory   = "memory"
	StorageSQLite   = "sqlite"
	StoragePostgres = "postgres"
)

// Auth modes for the HTTP surface.
const (
	AuthModeNone   = "none"
	AuthModeBearer = "bearer"
)

// Config is the top-level control plane configuration.
type Config struct {
	Pop  string `yaml:"pop"`
	Mode string `yaml:"mode"` // "dry_run", "enforce"

	InventoryPath string `yaml:"inventory_path"`
	PlaybooksPath string `yaml:"playbooks_path"`

	HTTP          HTTPConfig          `yaml:"http"`
	BGP           BGPConfig           `yaml:"bgp"`
	Guardrails    GuardrailsConfig    `yaml:"guardrails"`
	Quotas        QuotasConfig        `yaml:"quotas"`
	Timers        TimersConfig        `yaml:"timers"`
	Escalation    EscalationConfig    `yaml:"escalation"`
	Storage       StorageConfig       `yaml:"storage"`
	Observability ObservabilityConfig `yaml:"observability"`
	Safelist      SafelistConfig      `yaml:"safelist"`
	Shutdown      ShutdownConfig      `yaml:"shutdown"`
}

// HTTPConfig controls the REST control surface.
type HTTPConfig struct {
	Listen string     `yaml:"listen"`
	Auth   AuthConfig `yaml:"auth"`
}

// AuthConfig selects how API callers authenticate. In bearer mode the
// token is read from the named environment variable at startup.
type AuthConfig struct {
	Mode           string `yaml:"mode"` // "none", "bearer"
	BearerTokenEnv string `yaml:"bearer_token_env"`
}

// BGPNeighbor is one upstream peer of the local speaker.
type BGPNeighbor struct {
	Address string `yaml:"address"`
	ASN     uint32 `yaml:"asn"`
}

// BGPConfig controls the FlowSpec speaker.
type BGPConfig struct {
	Mode      string        `yaml:"mode"` // "mock", "gobgp"
	GoBGPGRPC string        `yaml:"gobgp_grpc"`
	LocalASN  uint32        `yaml:"local_asn"`
	RouterID  string        `yaml:"router_id"`
	Neighbors []BGPNeighbor `yaml:"neighbors"`
}

// GuardrailsConfig bounds the shape of rules the plane may announce.
type GuardrailsConfig struct {
	RequireTTL             bool `yaml:"require_ttl"`
	RequireKnownVictim     bool `yaml:"require_known_victim"`
	DstPrefixMinLen        int  `yaml:"dst_prefix_minlen"`
	DstPrefixMaxLen        int  `yaml:"dst_prefix_maxlen"`
	DstPrefixMinLenV6      int  `yaml:"dst_prefix_minlen_v6"`
	DstPrefixMaxLenV6      int  `yaml:"dst_prefix_maxlen_v6"`
	MaxPorts               int  `yaml:"max_ports"`
	AllowSrcPrefixMatch    bool `yaml:"allow_src_prefix_match"`
	AllowTCPFlagsMatch     bool `yaml:"allow_tcp_flags_match"`
	AllowFragmentMatch     bool `yaml:"allow_fragment_match"`
	AllowPacketLengthMatch bool `yaml:"allow_packet_length_match"`
}

// QuotasConfig caps concurrent and per-minute mitigation load.
type QuotasConfig struct {
	MaxActivePerCustomer    int `yaml:"max_active_per_customer"`
	MaxActivePerPop         int `yaml:"max_active_per_pop"`
	MaxActiveGlobal         int `yaml:"max_active_global"`
	MaxNewPerMinute         int `yaml:"max_new_per_minute"`
	MaxAnnouncementsPerPeer int `yaml:"max_announcements_per_peer"`
}

// TimersConfig holds the control plane's clocks.
type TimersConfig struct {
	DefaultTTLSeconds               int `yaml:"default_ttl_seconds"`
	MinTTLSeconds                   int `yaml:"min_ttl_seconds"`
	MaxTTLSeconds                   int `yaml:"max_ttl_seconds"`
	CorrelationWindowSeconds        int `yaml:"correlation_window_seconds"`
	ReconciliationIntervalSeconds   int `yaml:"reconciliation_interval_seconds"`
	QuietPeriodAfterWithdrawSeconds int `yaml:"quiet_period_after_withdraw_seconds"`
}

// EscalationConfig tunes automatic step-up of persistent attacks.
type EscalationConfig struct {
	Enabled                     bool    `yaml:"enabled"`
	MinPersistenceSeconds       int     `yaml:"min_persistence_seconds"`
	MinConfidence               float64 `yaml:"min_confidence"`
	MaxEscalatedDurationSeconds int     `yaml:"max_escalated_duration_seconds"`
	PermissiveTTLFactor         float64 `yaml:"permissive_ttl_factor"`
}

// StorageConfig selects the repository driver.
type StorageConfig struct {
	Driver string `yaml:"driver"` // "memory", "sqlite", "postgres"
	Path   string `yaml:"path"`   // sqlite file path or ":memory:"
	DSN    string `yaml:"dsn"`    // postgres connection string
}

// ObservabilityConfig controls logging.
type ObservabilityConfig struct {
	LogLevel  string `yaml:"log_level"`  // "debug", "info", "warn", "error"
	LogFormat string `yaml:"log_format"` // "json", "console"
}

// SafelistConfig seeds protected prefixes from configuration; operator
// entries from the repository are merged on top.
type SafelistConfig struct {
	Prefixes []string `yaml:"prefixes"`
}

// ShutdownConfig bounds graceful shutdown.
type ShutdownConfig struct {
	GraceSeconds int `yaml:"grace_seconds"`
}

// AnnounceMaxRetries bounds the failed announce rounds a pending
// mitigation may accumulate. Each failed round leaves it pending for
// the reconciler; the round that reaches this count rejects it.
const AnnounceMaxRetries = 3

// DefaultConfig returns a configuration with reasonable defaults.
func DefaultConfig() *Config {
	return &Config{
		Pop:           "pop1",
		Mode:          ModeDryRun,
		InventoryPath: "inventory.yaml",
		PlaybooksPath: "playbooks.yaml",
		HTTP: HTTPConfig{
			Listen: "127.0.0.1:8080",
			Auth: AuthConfig{
				Mode:           AuthModeNone,
				BearerTokenEnv: "PREFIXD_BEARER_TOKEN",
			},
		},
		BGP: BGPConfig{
			Mode:      BGPModeMock,
			GoBGPGRPC: "127.0.0.1:50051",
			LocalASN:  65000,
			RouterID:  "10.0.0.1",
		},
		Guardrails: GuardrailsConfig{
			RequireTTL:        true,
			DstPrefixMinLen:   32,
			DstPrefixMaxLen:   32,
			DstPrefixMinLenV6: 128,
			DstPrefixMaxLenV6: 128,
			MaxPorts:          8,
		},
		Quotas: QuotasConfig{
			MaxActivePerCustomer:    100,
			MaxActivePerPop:         1000,
			MaxActiveGlobal:         5000,
			MaxNewPerMinute:         1000,
			MaxAnnouncementsPerPeer: 1000,
		},
		Timers: TimersConfig{
			DefaultTTLSeconds:               120,
			MinTTLSeconds:                   30,
			MaxTTLSeconds:                   1800,
			CorrelationWindowSeconds:        300,
			ReconciliationIntervalSeconds:   30,
			QuietPeriodAfterWithdrawSeconds: 120,
		},
		Escalation: EscalationConfig{
			Enabled:                     true,
			MinPersistenceSeconds:       120,
			MinConfidence:               0.7,
			MaxEscalatedDurationSeconds: 1800,
			PermissiveTTLFactor:         1.5,
		},
		Storage: StorageConfig{
			Driver: StorageMemory,
			Path:   "prefixd.db",
		},
		Observability: ObservabilityConfig{
			LogLevel:  "info",
			LogFormat: "json",
		},
		Shutdown: ShutdownConfig{
			GraceSeconds: 10,
		},
	}
}

// LoadFromFile loads configuration from a YAML file on top of the
// defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.Pop == "" {
		return fmt.Errorf("pop is required")
	}

	switch c.Mode {
	case ModeDryRun, ModeEnforce:
	default:
		return fmt.Errorf("invalid mode: %s (must be dry_run or enforce)", c.Mode)
	}

	switch c.BGP.Mode {
	case BGPModeMock, BGPModeGoBGP:
	default:
		return fmt.Errorf("invalid bgp.mode: %s (must be mock or gobgp)", c.BGP.Mode)
	}
	if c.BGP.Mode == BGPModeGoBGP && c.BGP.GoBGPGRPC == "" {
		return fmt.Errorf("bgp.gobgp_grpc is required in gobgp mode")
	}

	switch c.Storage.Driver {
	case StorageMemory:
	case StorageSQLite:
		if c.Storage.Path == "" {
			return fmt.Errorf("storage.path is required for the sqlite driver")
		}
	case StoragePostgres:
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("invalid storage.driver: %s", c.Storage.Driver)
	}

	switch c.HTTP.Auth.Mode {
	case AuthModeNone, AuthModeBearer:
	default:
		return fmt.Errorf("invalid http.auth.mode: %s", c.HTTP.Auth.Mode)
	}
	if c.HTTP.Listen == "" {
		return fmt.Errorf("http.listen is required")
	}

	t := c.Timers
	if t.MinTTLSeconds <= 0 || t.MaxTTLSeconds < t.MinTTLSeconds {
		return fmt.Errorf("timers: need 0 < min_ttl_seconds <= max_ttl_seconds")
	}
	if t.DefaultTTLSeconds < t.MinTTLSeconds || t.DefaultTTLSeconds > t.MaxTTLSeconds {
		return fmt.Errorf("timers: default_ttl_seconds must be within [min_ttl, max_ttl]")
	}
	if t.ReconciliationIntervalSeconds <= 0 {
		return fmt.Errorf("timers: reconciliation_interval_seconds must be positive")
	}

	if c.Guardrails.MaxPorts <= 0 {
		return fmt.Errorf("guardrails: max_ports must be positive")
	}

	if c.Escalation.MinConfidence < 0 || c.Escalation.MinConfidence > 1 {
		return fmt.Errorf("escalation: min_confidence must be in [0,1]")
	}

	return nil
}

// DefaultTTL returns the default mitigation TTL as a duration.
func (t TimersConfig) DefaultTTL() time.Duration {
	return time.Duration(t.DefaultTTLSeconds) * time.Second
}

// MinTTL returns the minimum mitigation TTL.
func (t TimersConfig) MinTTL() time.Duration {
	return time.Duration(t.MinTTLSeconds) * time.Second
}

// MaxTTL returns the maximum mitigation TTL.
func (t TimersConfig) MaxTTL() time.Duration {
	return time.Duration(t.MaxTTLSeconds) * time.Second
}

// ReconciliationInterval returns the reconciler tick period.
func (t TimersConfig) ReconciliationInterval() time.Duration {
	return time.Duration(t.ReconciliationIntervalSeconds) * time.Second
}

// QuietPeriod returns the post-withdraw cool-down.
func (t TimersConfig) QuietPeriod() time.Duration {
	return time.Duration(t.QuietPeriodAfterWithdrawSeconds) * time.Second
}

// ClampTTL bounds a requested TTL into [min_ttl, max_ttl].
func (t TimersConfig) ClampTTL(ttl time.Duration) time.Duration {
	if ttl < t.MinTTL() {
		return t.MinTTL()
	}
	if ttl > t.MaxTTL() {
		return t.MaxTTL()
	}
	return ttl
}

// BearerToken resolves the configured bearer token from the
// environment. Empty when auth mode is none.
func (a AuthConfig) BearerToken() string {
	if a.Mode != AuthModeBearer {
		return ""
	}
	return os.Getenv(a.BearerTokenEnv)
}
