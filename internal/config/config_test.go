package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"triangulum/internal/core"
)

// =============================================================================
// CONFIG TESTS
// =============================================================================

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"TRIANGULUM_STATE_DIR", "TRIANGULUM_LOG_LEVEL", "TRIANGULUM_METRICS_ADDR", "TRIANGULUM_MAX_SESSIONS"} {
		t.Setenv(k, "")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, ".triangulum", cfg.StateDir)
	assert.Equal(t, 9, cfg.Capacity.PoolSize)
	assert.Equal(t, 3, cfg.Capacity.CostPerTicket)
	assert.Equal(t, 24*time.Hour, cfg.GetAgeMax())
	assert.Equal(t, time.Second, cfg.GetTickInterval())
	assert.Zero(t, cfg.GetSessionTimeout())
	assert.Equal(t, core.DefaultWeights(), cfg.Weights())
	assert.Equal(t, core.DefaultGains(), cfg.Gains())
	assert.Zero(t, cfg.Admission.Threshold)
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestConfig_SaveLoad(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "nested", "triangulum.yaml")

	cfg := DefaultConfig()
	cfg.StateDir = "/var/lib/triangulum"
	cfg.Scheduler.MaxPending = 50
	cfg.Admission.Kp = 0.4
	cfg.Executor.SessionTimeout = "10m"

	require.NoError(t, cfg.Save(path))
	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
	assert.Equal(t, 10*time.Minute, loaded.GetSessionTimeout())
}

func TestLoadPartialFileKeepsDefaults(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "triangulum.yaml")
	require.NoError(t, os.WriteFile(path, []byte("admission:\n  setpoint: 12\nexecutor:\n  max_sessions: 8\n"), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 12.0, cfg.Admission.Setpoint)
	assert.Equal(t, core.DefaultGains().Kp, cfg.Admission.Kp)
	assert.Equal(t, 8, cfg.Executor.MaxSessions)
	assert.Equal(t, 9, cfg.Capacity.PoolSize)
}

func TestLoadRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "triangulum.yaml")
	require.NoError(t, os.WriteFile(path, []byte("scheduler: [unclosed"), 0644))

	_, err := Load(path)
	assert.ErrorContains(t, err, "failed to parse config")
}

func TestResolvedPaths(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StateDir = "/data"
	cfg.Storage.OutcomesDB = "/elsewhere/outcomes.db"

	assert.Equal(t, filepath.Join("/data", "triangulum.wal"), cfg.LogPath())
	assert.Equal(t, filepath.Join("/data", "snapshots"), cfg.SnapshotDir())
	assert.Equal(t, "/elsewhere/outcomes.db", cfg.OutcomesPath())
}

func TestToSupervisorConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StateDir = "/data"
	cfg.Scheduler.MaxPending = 7
	cfg.Admission.Threshold = 0.2
	cfg.Supervisor.SnapshotKeep = 2

	sc := cfg.ToSupervisorConfig()
	want := core.DefaultSupervisorConfig("/data")
	want.MaxPending = 7
	want.Threshold = 0.2
	want.SnapshotKeep = 2
	assert.Equal(t, want, sc)
}

func TestSimConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Simulate.LatencyMin = "10ms"
	cfg.Simulate.LatencyMax = "not-a-duration"

	sc := cfg.SimConfig()
	assert.Equal(t, 10*time.Millisecond, sc.LatencyMin)
	assert.Equal(t, 3*time.Second, sc.LatencyMax, "bad durations fall back to the simulator default")
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"empty state dir", func(c *Config) { c.StateDir = "" }, "state_dir"},
		{"negative weight", func(c *Config) { c.Scheduler.Alpha = -1 }, "scheduler"},
		{"negative max pending", func(c *Config) { c.Scheduler.MaxPending = -1 }, "max_pending"},
		{"no pool", func(c *Config) { c.Capacity.PoolSize = 0 }, "pool_size"},
		{"cost above pool", func(c *Config) { c.Capacity.CostPerTicket = 10 }, "cost_per_ticket"},
		{"no sessions", func(c *Config) { c.Executor.MaxSessions = 0 }, "max_sessions"},
		{"inverted output range", func(c *Config) { c.Admission.OutputMin = 2 }, "admission"},
		{"bad duration", func(c *Config) { c.Executor.DrainTimeout = "soon" }, "executor.drain_timeout"},
		{"negative duration", func(c *Config) { c.Executor.SessionTimeout = "-1s" }, "must not be negative"},
		{"zero tick", func(c *Config) { c.Supervisor.TickInterval = "0s" }, "tick_interval"},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, "logging"},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, "logging"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}
}

func TestLoggingOptions(t *testing.T) {
	lc := LoggingConfig{Level: "debug", Format: "console", File: "/tmp/t.log", Categories: map[string]bool{"storage": false}}
	o := lc.Options()
	assert.Equal(t, "debug", o.Level)
	assert.Equal(t, "/tmp/t.log", o.OutputPath)
	assert.False(t, lc.IsCategoryEnabled("storage"))
	assert.True(t, lc.IsCategoryEnabled("supervisor"))
}
