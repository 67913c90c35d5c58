package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const DefaultConfigPath = "/etc/swarm-coordinator/config.yaml"

// Config represents the runtime configuration for the swarm coordinator daemon.
type Config struct {
	NodeName      string         `yaml:"node_name"`
	Swarm         SwarmConfig    `yaml:"swarm"`
	Quorum        QuorumConfig   `yaml:"quorum"`
	Barrier       BarrierConfig  `yaml:"barrier"`
	Swap          SwapConfig     `yaml:"swap"`
	ReportsDir    string         `yaml:"reports_dir"`
	ScramCommand  []string       `yaml:"scram_command"`
	HaltFile      string         `yaml:"halt_file"`
	EtcdEndpoints []string       `yaml:"etcd_endpoints"`
	EtcdNamespace string         `yaml:"etcd_namespace"`
	EtcdTLS       *EtcdTLSConfig `yaml:"etcd_tls"`
	Status        StatusConfig   `yaml:"status"`
	Metrics       MetricsConfig  `yaml:"metrics"`
	DryRun        bool           `yaml:"dry_run"`
}

// SwarmConfig shapes the consensus tracker: fleet layout, cadence, and quorum floors.
type SwarmConfig struct {
	Size                  int              `yaml:"size"`
	Pools                 []PoolConfig     `yaml:"pools"`
	TickIntervalMs        int              `yaml:"tick_interval_ms"`
	MaxCycles             int              `yaml:"max_cycles"`
	MinActivePct          *float64         `yaml:"min_active_pct"`
	MaxHeartbeatLatencyMs *float64         `yaml:"max_heartbeat_latency_ms"`
	FaultModel            FaultModelConfig `yaml:"fault_model"`
}

// PoolConfig declares a named slice of the fleet sharing an id prefix.
type PoolConfig struct {
	Category string `yaml:"category"`
	Prefix   string `yaml:"prefix"`
	Count    int    `yaml:"count"`
}

// FaultModelConfig selects and parameterises the availability model driving ticks.
type FaultModelConfig struct {
	Type         string                `yaml:"type"`
	Seed         int64                 `yaml:"seed"`
	OfflineRate  float64               `yaml:"offline_rate"`
	RecoveryRate float64               `yaml:"recovery_rate"`
	Script       []ScriptedFaultConfig `yaml:"script"`
	Targets      []string              `yaml:"targets"`
	FromCycle    int                   `yaml:"from_cycle"`
	ToCycle      int                   `yaml:"to_cycle"`
}

// ScriptedFaultConfig pins node availability changes to an exact cycle.
type ScriptedFaultConfig struct {
	Cycle   int      `yaml:"cycle"`
	Offline []string `yaml:"offline"`
	Recover []string `yaml:"recover"`
}

// QuorumConfig configures per-category health validation.
type QuorumConfig struct {
	ThresholdPct *float64         `yaml:"threshold_pct"`
	Categories   []CategoryConfig `yaml:"categories"`
}

// CategoryConfig binds a category name to its id prefix rule.
type CategoryConfig struct {
	Category string `yaml:"category"`
	Prefix   string `yaml:"prefix"`
}

// BarrierConfig configures the lockstep parity checks between engine pairs.
type BarrierConfig struct {
	Engines   []string `yaml:"engines"`
	MaxSkewMs *float64 `yaml:"max_skew_ms"`
}

// SwapConfig shapes shadow warm-boot and traffic swap behaviour.
type SwapConfig struct {
	ReadyTimeoutMs int            `yaml:"ready_timeout_ms"`
	PollIntervalMs int            `yaml:"poll_interval_ms"`
	DrainDelayMs   int            `yaml:"drain_delay_ms"`
	ShadowSuffix   string         `yaml:"shadow_suffix"`
	CooldownSec    int            `yaml:"cooldown_sec"`
	Windows        WindowsConfig  `yaml:"windows"`
	ReadinessProbe ProbeConfig    `yaml:"readiness_probe"`
	Lock           SwapLockConfig `yaml:"lock"`
}

// ProbeConfig describes an external readiness script consulted during warm boot.
type ProbeConfig struct {
	Script     string `yaml:"script"`
	TimeoutSec int    `yaml:"timeout_sec"`
}

// SwapLockConfig selects how concurrent swaps are serialised.
type SwapLockConfig struct {
	Backend string `yaml:"backend"`
	Key     string `yaml:"key"`
	TTLSec  int    `yaml:"ttl_sec"`
}

// WindowsConfig enumerates optional allow/deny swap windows.
type WindowsConfig struct {
	Deny  []string `yaml:"deny"`
	Allow []string `yaml:"allow"`
}

// StatusConfig controls publication of the coordinator's latest verdict.
type StatusConfig struct {
	Backend            string `yaml:"backend"`
	Key                string `yaml:"key"`
	PublishIntervalSec int    `yaml:"publish_interval_sec"`
}

// EtcdTLSConfig configures optional TLS settings for connecting to etcd.
type EtcdTLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CAFile   string `yaml:"ca_file"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	Insecure bool   `yaml:"insecure_skip_verify"`
}

// MetricsConfig defines observability exposure options.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// ValidationError aggregates multiple configuration validation failures.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s", strings.Join(e.Problems, "; "))
}

func (e *ValidationError) Is(target error) bool {
	var other *ValidationError
	return errors.As(target, &other)
}

// Load reads, parses, and validates a configuration from disk.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()
	return decode(f)
}

func decode(r io.Reader) (*Config, error) {
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)

	var cfg Config
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks for semantic correctness in the configuration.
func (c *Config) Validate() error {
	problems := make([]string, 0)

	if strings.TrimSpace(c.NodeName) == "" {
		problems = append(problems, "node_name is required")
	}

	problems = append(problems, c.Swarm.validate()...)
	problems = append(problems, c.Quorum.validate()...)
	problems = append(problems, c.Barrier.validate()...)
	problems = append(problems, c.Swap.validate()...)

	if strings.TrimSpace(c.ReportsDir) == "" {
		problems = append(problems, "reports_dir is required")
	}
	switch c.Status.Backend {
	case "", "none":
	case "etcd":
		if len(c.EtcdEndpoints) == 0 {
			problems = append(problems, "etcd_endpoints must contain at least one endpoint when status.backend is etcd")
		}
		if c.Status.PublishIntervalSec <= 0 {
			problems = append(problems, "status.publish_interval_sec must be greater than zero when status.backend is etcd")
		}
	default:
		problems = append(problems, fmt.Sprintf("status.backend %q is not supported", c.Status.Backend))
	}
	if c.Swap.Lock.Backend == "etcd" && len(c.EtcdEndpoints) == 0 {
		problems = append(problems, "etcd_endpoints must contain at least one endpoint when swap.lock.backend is etcd")
	}
	if c.EtcdTLS != nil && c.EtcdTLS.Enabled {
		if strings.TrimSpace(c.EtcdTLS.CAFile) == "" {
			problems = append(problems, "etcd_tls.ca_file is required when TLS is enabled")
		}
		if strings.TrimSpace(c.EtcdTLS.CertFile) == "" {
			problems = append(problems, "etcd_tls.cert_file is required when TLS is enabled")
		}
		if strings.TrimSpace(c.EtcdTLS.KeyFile) == "" {
			problems = append(problems, "etcd_tls.key_file is required when TLS is enabled")
		}
	}
	if c.Metrics.Enabled && strings.TrimSpace(c.Metrics.Listen) == "" {
		problems = append(problems, "metrics.listen must be set when metrics.enabled is true")
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

func (s *SwarmConfig) validate() []string {
	problems := make([]string, 0)
	if s.Size <= 0 && len(s.Pools) == 0 {
		problems = append(problems, "swarm.size must be greater than zero unless swarm.pools is set")
	}
	if s.Size < 0 {
		problems = append(problems, "swarm.size must be non-negative")
	}
	seen := make(map[string]struct{}, len(s.Pools))
	for i, pool := range s.Pools {
		if strings.TrimSpace(pool.Category) == "" {
			problems = append(problems, fmt.Sprintf("swarm.pools[%d]: category is required", i))
		}
		if strings.TrimSpace(pool.Prefix) == "" {
			problems = append(problems, fmt.Sprintf("swarm.pools[%d]: prefix is required", i))
		}
		if pool.Count <= 0 {
			problems = append(problems, fmt.Sprintf("swarm.pools[%d]: count must be greater than zero", i))
		}
		if _, dup := seen[pool.Category]; dup {
			problems = append(problems, fmt.Sprintf("swarm.pools[%d]: category %q declared more than once", i, pool.Category))
		}
		seen[pool.Category] = struct{}{}
	}
	if s.TickIntervalMs <= 0 {
		problems = append(problems, "swarm.tick_interval_ms must be greater than zero")
	}
	if s.MaxCycles < 0 {
		problems = append(problems, "swarm.max_cycles must be non-negative")
	}
	if s.MinActivePct != nil && (*s.MinActivePct <= 0 || *s.MinActivePct > 100) {
		problems = append(problems, "swarm.min_active_pct must be within (0,100]")
	}
	if s.MaxHeartbeatLatencyMs != nil && *s.MaxHeartbeatLatencyMs <= 0 {
		problems = append(problems, "swarm.max_heartbeat_latency_ms must be greater than zero")
	}
	problems = append(problems, s.FaultModel.validate()...)
	return problems
}

func (f *FaultModelConfig) validate() []string {
	problems := make([]string, 0)
	switch f.Type {
	case "", "always-healthy":
	case "bernoulli":
		if f.OfflineRate < 0 || f.OfflineRate > 1 {
			problems = append(problems, "swarm.fault_model.offline_rate must be within [0,1]")
		}
		if f.RecoveryRate < 0 || f.RecoveryRate > 1 {
			problems = append(problems, "swarm.fault_model.recovery_rate must be within [0,1]")
		}
	case "scripted":
		if len(f.Script) == 0 {
			problems = append(problems, "swarm.fault_model.script must contain at least one step for scripted models")
		}
		for i, step := range f.Script {
			if step.Cycle < 0 {
				problems = append(problems, fmt.Sprintf("swarm.fault_model.script[%d]: cycle must be non-negative", i))
			}
			if len(step.Offline) == 0 && len(step.Recover) == 0 {
				problems = append(problems, fmt.Sprintf("swarm.fault_model.script[%d]: offline or recover must be set", i))
			}
		}
	case "outage":
		if len(f.Targets) == 0 {
			problems = append(problems, "swarm.fault_model.targets must contain at least one node id for outage models")
		}
		if f.FromCycle < 0 {
			problems = append(problems, "swarm.fault_model.from_cycle must be non-negative")
		}
		if f.ToCycle != 0 && f.ToCycle < f.FromCycle {
			problems = append(problems, "swarm.fault_model.to_cycle must be greater than or equal to from_cycle")
		}
	default:
		problems = append(problems, fmt.Sprintf("swarm.fault_model.type %q is not supported", f.Type))
	}
	return problems
}

func (q *QuorumConfig) validate() []string {
	problems := make([]string, 0)
	if q.ThresholdPct != nil && (*q.ThresholdPct <= 0 || *q.ThresholdPct > 100) {
		problems = append(problems, "quorum.threshold_pct must be within (0,100]")
	}
	seen := make(map[string]struct{}, len(q.Categories))
	for i, cat := range q.Categories {
		if strings.TrimSpace(cat.Category) == "" {
			problems = append(problems, fmt.Sprintf("quorum.categories[%d]: category is required", i))
		}
		if strings.TrimSpace(cat.Prefix) == "" {
			problems = append(problems, fmt.Sprintf("quorum.categories[%d]: prefix is required", i))
		}
		if _, dup := seen[cat.Category]; dup {
			problems = append(problems, fmt.Sprintf("quorum.categories[%d]: category %q declared more than once", i, cat.Category))
		}
		seen[cat.Category] = struct{}{}
	}
	return problems
}

func (b *BarrierConfig) validate() []string {
	problems := make([]string, 0)
	if len(b.Engines) != 2 {
		problems = append(problems, "barrier.engines must name exactly two engines")
	} else {
		if strings.TrimSpace(b.Engines[0]) == "" || strings.TrimSpace(b.Engines[1]) == "" {
			problems = append(problems, "barrier.engines entries must not be empty")
		}
		if b.Engines[0] == b.Engines[1] {
			problems = append(problems, "barrier.engines must be distinct")
		}
	}
	if b.MaxSkewMs != nil && *b.MaxSkewMs <= 0 {
		problems = append(problems, "barrier.max_skew_ms must be greater than zero")
	}
	return problems
}

func (s *SwapConfig) validate() []string {
	problems := make([]string, 0)
	if s.ReadyTimeoutMs <= 0 {
		problems = append(problems, "swap.ready_timeout_ms must be greater than zero")
	}
	if s.PollIntervalMs <= 0 {
		problems = append(problems, "swap.poll_interval_ms must be greater than zero")
	}
	if s.PollIntervalMs > s.ReadyTimeoutMs {
		problems = append(problems, "swap.poll_interval_ms must not exceed swap.ready_timeout_ms")
	}
	if s.DrainDelayMs < 0 {
		problems = append(problems, "swap.drain_delay_ms must be non-negative")
	}
	if strings.TrimSpace(s.ShadowSuffix) == "" {
		problems = append(problems, "swap.shadow_suffix is required")
	}
	if s.CooldownSec < 0 {
		problems = append(problems, "swap.cooldown_sec must be non-negative")
	}
	if s.ReadinessProbe.Script != "" && s.ReadinessProbe.TimeoutSec <= 0 {
		problems = append(problems, "swap.readiness_probe.timeout_sec must be greater than zero when a script is set")
	}
	switch s.Lock.Backend {
	case "", "none", "local":
	case "etcd":
		if strings.TrimSpace(s.Lock.Key) == "" {
			problems = append(problems, "swap.lock.key is required when swap.lock.backend is etcd")
		}
		if s.Lock.TTLSec <= 0 {
			problems = append(problems, "swap.lock.ttl_sec must be greater than zero when swap.lock.backend is etcd")
		}
	default:
		problems = append(problems, fmt.Sprintf("swap.lock.backend %q is not supported", s.Lock.Backend))
	}
	return problems
}

func (c *Config) applyDefaults() {
	if c.Swarm.TickIntervalMs == 0 {
		c.Swarm.TickIntervalMs = 100
	}
	if c.Swarm.MinActivePct == nil {
		v := 95.0
		c.Swarm.MinActivePct = &v
	}
	if c.Swarm.MaxHeartbeatLatencyMs == nil {
		v := 50.0
		c.Swarm.MaxHeartbeatLatencyMs = &v
	}
	if c.Quorum.ThresholdPct == nil {
		v := 95.0
		c.Quorum.ThresholdPct = &v
	}
	if c.Barrier.MaxSkewMs == nil {
		v := 2.0
		c.Barrier.MaxSkewMs = &v
	}
	if len(c.Barrier.Engines) == 0 {
		c.Barrier.Engines = []string{"engine-a", "engine-b"}
	}
	if c.Swap.ReadyTimeoutMs == 0 {
		c.Swap.ReadyTimeoutMs = 5000
	}
	if c.Swap.PollIntervalMs == 0 {
		c.Swap.PollIntervalMs = 100
	}
	if strings.TrimSpace(c.Swap.ShadowSuffix) == "" {
		c.Swap.ShadowSuffix = "-shadow"
	}
	if strings.TrimSpace(c.Swap.Lock.Key) == "" {
		c.Swap.Lock.Key = "/swarm/swarm-coordinator/swap-lock"
	}
	if c.Swap.Lock.TTLSec == 0 {
		c.Swap.Lock.TTLSec = 90
	}
	if strings.TrimSpace(c.ReportsDir) == "" {
		c.ReportsDir = "."
	}
	if strings.TrimSpace(c.Status.Key) == "" {
		c.Status.Key = "/swarm/swarm-coordinator/status"
	}
	if c.Status.PublishIntervalSec == 0 {
		c.Status.PublishIntervalSec = 15
	}
	if c.Metrics.Listen == "" {
		c.Metrics.Listen = "127.0.0.1:9631"
	}
	if c.HaltFile == "" {
		c.HaltFile = "/etc/swarm-coordinator/halt"
	}
}

// BaseEnvironment returns the static environment variables derived from the configuration.
// The resulting map can be extended with runtime annotations before injecting it into
// readiness probes or scram command expansion.
func (c *Config) BaseEnvironment() map[string]string {
	env := map[string]string{
		"SC_NODE_NAME": c.NodeName,
		"SC_DRY_RUN":   strconv.FormatBool(c.DryRun),
	}
	if strings.TrimSpace(c.ReportsDir) != "" {
		env["SC_REPORTS_DIR"] = c.ReportsDir
	}
	if strings.TrimSpace(c.HaltFile) != "" {
		env["SC_HALT_FILE"] = c.HaltFile
	}
	if len(c.EtcdEndpoints) > 0 {
		env["SC_ETCD_ENDPOINTS"] = strings.Join(c.EtcdEndpoints, ",")
	}
	if strings.TrimSpace(c.Swap.Lock.Key) != "" {
		env["SC_SWAP_LOCK_KEY"] = c.Swap.Lock.Key
	}
	if len(c.Swap.Windows.Allow) > 0 {
		env["SC_SWAP_WINDOWS_ALLOW"] = strings.Join(c.Swap.Windows.Allow, ",")
	}
	if len(c.Swap.Windows.Deny) > 0 {
		env["SC_SWAP_WINDOWS_DENY"] = strings.Join(c.Swap.Windows.Deny, ",")
	}
	env["SC_MIN_ACTIVE_PCT"] = strconv.FormatFloat(c.MinActivePct(), 'f', -1, 64)
	env["SC_QUORUM_THRESHOLD_PCT"] = strconv.FormatFloat(c.QuorumThresholdPct(), 'f', -1, 64)
	return env
}

// TickInterval returns the pause between heartbeat cycles.
func (c *Config) TickInterval() time.Duration {
	return time.Duration(c.Swarm.TickIntervalMs) * time.Millisecond
}

// MinActivePct returns the aggregate quorum floor in percent.
func (c *Config) MinActivePct() float64 {
	if c.Swarm.MinActivePct == nil {
		return 95.0
	}
	return *c.Swarm.MinActivePct
}

// MaxHeartbeatLatency returns the tolerated heartbeat scan latency in milliseconds.
func (c *Config) MaxHeartbeatLatency() float64 {
	if c.Swarm.MaxHeartbeatLatencyMs == nil {
		return 50.0
	}
	return *c.Swarm.MaxHeartbeatLatencyMs
}

// QuorumThresholdPct returns the per-category health floor in percent.
func (c *Config) QuorumThresholdPct() float64 {
	if c.Quorum.ThresholdPct == nil {
		return 95.0
	}
	return *c.Quorum.ThresholdPct
}

// MaxSkewMs returns the tolerated engine timestamp divergence in milliseconds.
func (c *Config) MaxSkewMs() float64 {
	if c.Barrier.MaxSkewMs == nil {
		return 2.0
	}
	return *c.Barrier.MaxSkewMs
}

// ReadyTimeout returns how long a shadow may take to report READY.
func (c *Config) ReadyTimeout() time.Duration {
	return time.Duration(c.Swap.ReadyTimeoutMs) * time.Millisecond
}

// PollInterval returns the pause between shadow readiness polls.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Swap.PollIntervalMs) * time.Millisecond
}

// DrainDelay returns the dwell time in DRAINING before termination.
func (c *Config) DrainDelay() time.Duration {
	return time.Duration(c.Swap.DrainDelayMs) * time.Millisecond
}

// SwapCooldown returns the configured minimum spacing between successful swaps.
func (c *Config) SwapCooldown() time.Duration {
	if c == nil {
		return 0
	}
	return time.Duration(c.Swap.CooldownSec) * time.Second
}

// ProbeTimeout returns how long a readiness probe run may take.
func (c *Config) ProbeTimeout() time.Duration {
	return time.Duration(c.Swap.ReadinessProbe.TimeoutSec) * time.Second
}

// SwapLockTTL returns the etcd swap lock TTL as a duration.
func (c *Config) SwapLockTTL() time.Duration {
	return time.Duration(c.Swap.Lock.TTLSec) * time.Second
}

// StatusPublishInterval returns how often the coordinator republishes its verdict.
func (c *Config) StatusPublishInterval() time.Duration {
	return time.Duration(c.Status.PublishIntervalSec) * time.Second
}
