package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"triangulum/internal/core"
	"triangulum/internal/repair"
)

// Config holds all Triangulum configuration.
type Config struct {
	// Root for the event log, snapshots and outcome history
	StateDir string `yaml:"state_dir"`

	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Capacity   CapacityConfig   `yaml:"capacity"`
	Executor   ExecutorConfig   `yaml:"executor"`
	Admission  AdmissionConfig  `yaml:"admission"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	Storage    StorageConfig    `yaml:"storage"`
	Logging    LoggingConfig    `yaml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Repair     RepairConfig     `yaml:"repair"`
	Simulate   SimulateConfig   `yaml:"simulate"`
}

// SchedulerConfig configures ticket prioritisation.
type SchedulerConfig struct {
	Alpha       float64 `yaml:"alpha"` // severity weight
	Beta        float64 `yaml:"beta"`  // age weight
	MaxSeverity int     `yaml:"max_severity"`
	AgeMax      string  `yaml:"age_max"`
	MaxPending  int     `yaml:"max_pending"` // 0 = unbounded
}

// CapacityConfig configures the agent pool.
type CapacityConfig struct {
	PoolSize      int `yaml:"pool_size"`
	CostPerTicket int `yaml:"cost_per_ticket"`
}

// ExecutorConfig configures repair sessions.
type ExecutorConfig struct {
	MaxSessions    int    `yaml:"max_sessions"`
	SessionTimeout string `yaml:"session_timeout"` // empty or "0" disables the deadline
	DrainTimeout   string `yaml:"drain_timeout"`
}

// AdmissionConfig configures the admission PID loop.
type AdmissionConfig struct {
	Kp        float64 `yaml:"kp"`
	Ki        float64 `yaml:"ki"`
	Kd        float64 `yaml:"kd"`
	Setpoint  float64 `yaml:"setpoint"`
	OutputMin float64 `yaml:"output_min"`
	OutputMax float64 `yaml:"output_max"`
	Threshold float64 `yaml:"threshold"`
}

// SupervisorConfig configures the tick loop.
type SupervisorConfig struct {
	TickInterval  string `yaml:"tick_interval"`
	SnapshotEvery int    `yaml:"snapshot_every"`
	SnapshotKeep  int    `yaml:"snapshot_keep"`
}

// StorageConfig names the durable files. Relative paths resolve against
// StateDir.
type StorageConfig struct {
	LogFile     string `yaml:"log_file"`
	SnapshotDir string `yaml:"snapshot_dir"`
	OutcomesDB  string `yaml:"outcomes_db"`
	SyncWrites  bool   `yaml:"sync_writes"`
}

// MetricsConfig configures the control and metrics endpoint.
type MetricsConfig struct {
	ListenAddr string `yaml:"listen_addr"` // empty disables the server
}

// RepairConfig names the external repair program run per session.
type RepairConfig struct {
	Command []string `yaml:"command,omitempty"` // argv; empty requires --simulate
	Dir     string   `yaml:"dir,omitempty"`
}

// SimulateConfig shapes the simulated repairer used by `run --simulate`.
type SimulateConfig struct {
	LatencyMin     string  `yaml:"latency_min"`
	LatencyMax     string  `yaml:"latency_max"`
	FailureRate    float64 `yaml:"failure_rate"`
	EscalationRate float64 `yaml:"escalation_rate"`
	Seed           uint64  `yaml:"seed"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	w := core.DefaultWeights()
	g := core.DefaultGains()
	sim := repair.DefaultSimConfig()

	return &Config{
		StateDir: ".triangulum",

		Scheduler: SchedulerConfig{
			Alpha:       w.Alpha,
			Beta:        w.Beta,
			MaxSeverity: w.MaxSeverity,
			AgeMax:      w.AgeMax.String(),
		},

		Capacity: CapacityConfig{
			PoolSize:      core.DefaultPoolSize,
			CostPerTicket: core.DefaultCostPerTicket,
		},

		Executor: ExecutorConfig{
			MaxSessions:  3,
			DrainTimeout: "30s",
		},

		Admission: AdmissionConfig{
			Kp:        g.Kp,
			Ki:        g.Ki,
			Kd:        g.Kd,
			Setpoint:  g.Setpoint,
			OutputMin: g.OutputMin,
			OutputMax: g.OutputMax,
		},

		Supervisor: SupervisorConfig{
			TickInterval:  "1s",
			SnapshotEvery: 10,
			SnapshotKeep:  5,
		},

		Storage: StorageConfig{
			LogFile:     "triangulum.wal",
			SnapshotDir: "snapshots",
			OutcomesDB:  "outcomes.db",
			SyncWrites:  true,
		},

		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},

		Metrics: MetricsConfig{
			ListenAddr: "127.0.0.1:9477",
		},

		Simulate: SimulateConfig{
			LatencyMin:     sim.LatencyMin.String(),
			LatencyMax:     sim.LatencyMax.String(),
			FailureRate:    sim.FailureRate,
			EscalationRate: sim.EscalationRate,
			Seed:           sim.Seed,
		},
	}
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Defaults still honour the environment
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if dir := os.Getenv("TRIANGULUM_STATE_DIR"); dir != "" {
		c.StateDir = dir
	}
	if level := os.Getenv("TRIANGULUM_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if addr := os.Getenv("TRIANGULUM_METRICS_ADDR"); addr != "" {
		c.Metrics.ListenAddr = addr
	}
	if v := os.Getenv("TRIANGULUM_MAX_SESSIONS"); v != "" {
		// Ignore junk rather than fail startup; Validate catches zero
		if n, err := strconv.Atoi(v); err == nil {
			c.Executor.MaxSessions = n
		}
	}
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// GetAgeMax returns the age saturation horizon as a duration.
func (c *Config) GetAgeMax() time.Duration {
	return parseDuration(c.Scheduler.AgeMax, 24*time.Hour)
}

// GetSessionTimeout returns the per-session deadline. Zero means none.
func (c *Config) GetSessionTimeout() time.Duration {
	return parseDuration(c.Executor.SessionTimeout, 0)
}

// GetDrainTimeout returns how long shutdown waits for running sessions.
func (c *Config) GetDrainTimeout() time.Duration {
	return parseDuration(c.Executor.DrainTimeout, 30*time.Second)
}

// GetTickInterval returns the supervisor tick period.
func (c *Config) GetTickInterval() time.Duration {
	return parseDuration(c.Supervisor.TickInterval, time.Second)
}

// ResolvePath joins a relative storage path onto StateDir.
func (c *Config) ResolvePath(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.StateDir, p)
}

// LogPath returns the resolved event log path.
func (c *Config) LogPath() string { return c.ResolvePath(c.Storage.LogFile) }

// SnapshotDir returns the resolved snapshot directory.
func (c *Config) SnapshotDir() string { return c.ResolvePath(c.Storage.SnapshotDir) }

// OutcomesPath returns the resolved outcome database path.
func (c *Config) OutcomesPath() string { return c.ResolvePath(c.Storage.OutcomesDB) }

// Weights returns the scheduler weights.
func (c *Config) Weights() core.Weights {
	return core.Weights{
		Alpha:       c.Scheduler.Alpha,
		Beta:        c.Scheduler.Beta,
		MaxSeverity: c.Scheduler.MaxSeverity,
		AgeMax:      c.GetAgeMax(),
	}
}

// Gains returns the admission PID gains.
func (c *Config) Gains() core.Gains {
	return core.Gains{
		Kp:        c.Admission.Kp,
		Ki:        c.Admission.Ki,
		Kd:        c.Admission.Kd,
		Setpoint:  c.Admission.Setpoint,
		OutputMin: c.Admission.OutputMin,
		OutputMax: c.Admission.OutputMax,
	}
}

// ToSupervisorConfig maps the file layout onto the supervisor's settings.
func (c *Config) ToSupervisorConfig() core.SupervisorConfig {
	return core.SupervisorConfig{
		LogPath:       c.LogPath(),
		SnapshotDir:   c.SnapshotDir(),
		SyncWrites:    c.Storage.SyncWrites,
		PoolSize:      c.Capacity.PoolSize,
		CostPerTicket: c.Capacity.CostPerTicket,
		Executor: core.ExecutorConfig{
			MaxSessions:    c.Executor.MaxSessions,
			SessionTimeout: c.GetSessionTimeout(),
		},
		DrainTimeout:  c.GetDrainTimeout(),
		Weights:       c.Weights(),
		MaxPending:    c.Scheduler.MaxPending,
		Gains:         c.Gains(),
		Threshold:     c.Admission.Threshold,
		TickInterval:  c.GetTickInterval(),
		SnapshotEvery: c.Supervisor.SnapshotEvery,
		SnapshotKeep:  c.Supervisor.SnapshotKeep,
	}
}

// SimConfig returns the simulated repairer settings.
func (c *Config) SimConfig() repair.SimConfig {
	def := repair.DefaultSimConfig()
	return repair.SimConfig{
		LatencyMin:     parseDuration(c.Simulate.LatencyMin, def.LatencyMin),
		LatencyMax:     parseDuration(c.Simulate.LatencyMax, def.LatencyMax),
		FailureRate:    c.Simulate.FailureRate,
		EscalationRate: c.Simulate.EscalationRate,
		Seed:           c.Simulate.Seed,
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.StateDir == "" {
		return fmt.Errorf("state_dir must be set")
	}
	if err := c.Weights().Validate(); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	if c.Scheduler.MaxPending < 0 {
		return fmt.Errorf("scheduler.max_pending must be >= 0")
	}
	if c.Capacity.PoolSize < 1 {
		return fmt.Errorf("capacity.pool_size must be >= 1")
	}
	if c.Capacity.CostPerTicket < 1 || c.Capacity.CostPerTicket > c.Capacity.PoolSize {
		return fmt.Errorf("capacity.cost_per_ticket must be in [1, %d]", c.Capacity.PoolSize)
	}
	if c.Executor.MaxSessions < 1 {
		return fmt.Errorf("executor.max_sessions must be >= 1")
	}
	if err := c.Gains().Validate(); err != nil {
		return fmt.Errorf("admission: %w", err)
	}
	if c.Supervisor.SnapshotEvery < 0 || c.Supervisor.SnapshotKeep < 0 {
		return fmt.Errorf("supervisor.snapshot_every and snapshot_keep must be >= 0")
	}

	for name, s := range map[string]string{
		"scheduler.age_max":        c.Scheduler.AgeMax,
		"executor.session_timeout": c.Executor.SessionTimeout,
		"executor.drain_timeout":   c.Executor.DrainTimeout,
		"supervisor.tick_interval": c.Supervisor.TickInterval,
		"simulate.latency_min":     c.Simulate.LatencyMin,
		"simulate.latency_max":     c.Simulate.LatencyMax,
	} {
		if s == "" {
			continue
		}
		d, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", name, s, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}
	if c.GetTickInterval() <= 0 {
		return fmt.Errorf("supervisor.tick_interval must be positive")
	}

	if err := c.Logging.Validate(); err != nil {
		return err
	}
	return nil
}
