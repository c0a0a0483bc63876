package core

import (
	"fmt"
	"time"

	"triangulum/internal/clock"
	"triangulum/internal/logging"
)

// Gains configures the admission PID loop.
type Gains struct {
	Kp        float64
	Ki        float64
	Kd        float64
	Setpoint  float64 // target backlog
	OutputMin float64
	OutputMax float64
}

// DefaultGains returns the production tuning.
func DefaultGains() Gains {
	return Gains{Kp: 0.1, Ki: 0.01, Kd: 0.05, Setpoint: 5, OutputMin: -1, OutputMax: 1}
}

// Validate rejects an empty or inverted output range.
func (g Gains) Validate() error {
	if g.OutputMin >= g.OutputMax {
		return fmt.Errorf("admission output range [%v, %v] is empty", g.OutputMin, g.OutputMax)
	}
	return nil
}

// AdmissionController turns backlog length into an admission signal.
// error = setpoint - backlog, so a backlog above the set-point drives the
// signal negative and holds admission.
type AdmissionController struct {
	gains Gains
	clock clock.Clock

	integral  float64
	prevError float64
	prevTime  time.Time
	output    float64
}

// NewAdmissionController returns a controller with zeroed history.
func NewAdmissionController(g Gains, c clock.Clock) *AdmissionController {
	if c == nil {
		c = clock.Real()
	}
	return &AdmissionController{gains: g, clock: c, prevTime: c.Now()}
}

// Update feeds the current backlog and returns the clamped signal. The first
// call measures Δt from construction or the last Reset.
func (a *AdmissionController) Update(backlog float64) float64 {
	now := a.clock.Now()
	dt := now.Sub(a.prevTime).Seconds()
	if dt <= 0 {
		return a.output
	}

	e := a.gains.Setpoint - backlog
	p := a.gains.Kp * e
	a.integral = clamp(a.integral+a.gains.Ki*e*dt, a.gains.OutputMin, a.gains.OutputMax)
	d := a.gains.Kd * (e - a.prevError) / dt

	a.output = clamp(p+a.integral+d, a.gains.OutputMin, a.gains.OutputMax)
	a.prevError = e
	a.prevTime = now

	logging.AdmissionDebug("backlog=%.0f error=%.2f p=%.3f i=%.3f d=%.3f out=%.3f", backlog, e, p, a.integral, d, a.output)
	return a.output
}

// Output returns the most recent signal.
func (a *AdmissionController) Output() float64 { return a.output }

// Reset zeroes the integral, derivative history and output, and restarts
// the Δt baseline at now.
func (a *AdmissionController) Reset() {
	a.integral = 0
	a.prevError = 0
	a.prevTime = a.clock.Now()
	a.output = 0
}

// SetGains swaps the tuning. Accumulated history is kept; the integral is
// re-clamped to the new range.
func (a *AdmissionController) SetGains(g Gains) {
	a.gains = g
	a.integral = clamp(a.integral, g.OutputMin, g.OutputMax)
}

// Gains returns the active tuning.
func (a *AdmissionController) Gains() Gains { return a.gains }

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
