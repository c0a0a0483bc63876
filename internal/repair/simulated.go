// Package repair provides the repair collaborators the executor runs: a
// simulator for `triangulum run --simulate` and tests, and Command, which
// hands each ticket to an external reproduce/patch/verify program.
package repair

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strconv"
	"sync"
	"time"

	"triangulum/internal/logging"
	"triangulum/internal/types"
)

// SimConfig shapes the simulated outcomes.
type SimConfig struct {
	LatencyMin     time.Duration
	LatencyMax     time.Duration
	FailureRate    float64 // probability a session fails
	EscalationRate float64 // probability a non-failed session needs review
	Seed           uint64
}

// DefaultSimConfig returns a quick, mostly successful simulation.
func DefaultSimConfig() SimConfig {
	return SimConfig{
		LatencyMin:     500 * time.Millisecond,
		LatencyMax:     3 * time.Second,
		FailureRate:    0.2,
		EscalationRate: 0.1,
		Seed:           1,
	}
}

// Validate checks the rates are probabilities and the latency range is sane.
func (c SimConfig) Validate() error {
	if c.FailureRate < 0 || c.FailureRate > 1 {
		return fmt.Errorf("failure rate %v outside [0, 1]", c.FailureRate)
	}
	if c.EscalationRate < 0 || c.EscalationRate > 1 {
		return fmt.Errorf("escalation rate %v outside [0, 1]", c.EscalationRate)
	}
	if c.LatencyMin < 0 || c.LatencyMax < c.LatencyMin {
		return fmt.Errorf("latency range [%s, %s] is invalid", c.LatencyMin, c.LatencyMax)
	}
	return nil
}

// Simulated sleeps for a random latency and returns a random result. It
// honours ctx cancellation.
type Simulated struct {
	cfg SimConfig

	mu  sync.Mutex
	rng *rand.Rand
}

// NewSimulated builds a simulator from cfg.
func NewSimulated(cfg SimConfig) (*Simulated, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Simulated{
		cfg: cfg,
		rng: rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
	}, nil
}

func (s *Simulated) draw() (time.Duration, float64, float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	latency := s.cfg.LatencyMin
	if span := s.cfg.LatencyMax - s.cfg.LatencyMin; span > 0 {
		latency += time.Duration(s.rng.Int64N(int64(span)))
	}
	return latency, s.rng.Float64(), s.rng.Float64()
}

// Repair implements core.Repairer.
func (s *Simulated) Repair(ctx context.Context, t types.Ticket) (types.Result, error) {
	latency, failRoll, escRoll := s.draw()

	timer := time.NewTimer(latency)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return types.Result{}, ctx.Err()
	case <-timer.C:
	}

	details := map[string]string{"latency_ms": strconv.FormatInt(latency.Milliseconds(), 10)}
	var res types.Result
	switch {
	case failRoll < s.cfg.FailureRate:
		res = types.Result{Status: types.StatusFailed, Reason: "patch did not verify", Details: details}
	case escRoll < s.cfg.EscalationRate:
		res = types.Result{Status: types.StatusEscalated, Reason: "patch needs human approval", Details: details}
	default:
		res = types.Result{Status: types.StatusSuccess, Details: details}
	}
	logging.ExecutorDebug("simulated repair of %s: %s after %s", t.ID, res.Status, latency)
	return res, nil
}
