// Package schedule produces the per-epoch alpha weighting consumed by the
// mixing engine. The whole schedule is computed once at training start and
// never changes afterwards.
package schedule

import (
	"math"

	"github.com/motionlab/bgmix/bgmix-golib/errors"
)

// Policy names a ramp shape.
type Policy string

// The supported schedule policies.
const (
	PolicyExp    Policy = "exp"
	PolicyLinear Policy = "linear"
)

// Config describes a schedule. AlphaMin/AlphaMax only apply to the linear
// policy; the exponential policy always spans 1e-10 to 1.
type Config struct {
	Policy   Policy
	Epochs   int
	AlphaMin float64
	AlphaMax float64
}

// Schedule is an immutable per-epoch alpha sequence.
type Schedule struct {
	values []float32
}

// New precomputes the schedule.
func New(cfg Config) (*Schedule, error) {
	if cfg.Epochs <= 0 {
		return nil, errors.Errorf("schedule needs a positive epoch count, got %d", cfg.Epochs)
	}
	values := make([]float32, cfg.Epochs)
	switch cfg.Policy {
	case PolicyExp:
		// log-spaced from 1e-10 to 1 with exact endpoints
		if cfg.Epochs == 1 {
			values[0] = 1e-10
			break
		}
		for i := range values {
			exp := -10 + 10*float64(i)/float64(cfg.Epochs-1)
			values[i] = float32(math.Pow(10, exp))
		}
		values[0] = 1e-10
		values[cfg.Epochs-1] = 1
	case PolicyLinear:
		if cfg.AlphaMax < cfg.AlphaMin {
			return nil, errors.Errorf("linear schedule has max %g below min %g", cfg.AlphaMax, cfg.AlphaMin)
		}
		if cfg.Epochs == 1 {
			values[0] = float32(cfg.AlphaMin)
			break
		}
		step := (cfg.AlphaMax - cfg.AlphaMin) / float64(cfg.Epochs-1)
		for i := range values {
			values[i] = float32(cfg.AlphaMin + step*float64(i))
		}
		values[cfg.Epochs-1] = float32(cfg.AlphaMax)
	default:
		return nil, errors.Errorf("unknown schedule policy %q", cfg.Policy)
	}
	return &Schedule{values: values}, nil
}

// Len returns the epoch count the schedule was built for.
func (s *Schedule) Len() int {
	return len(s.values)
}

// Alpha returns the weighting for the given epoch.
func (s *Schedule) Alpha(epoch int) float32 {
	return s.values[epoch]
}

// Beta is always derived from alpha, never independently scheduled.
func (s *Schedule) Beta(epoch int) float32 {
	return 1 - s.values[epoch]
}

// Values returns a copy of the full sequence.
func (s *Schedule) Values() []float32 {
	return append([]float32(nil), s.values...)
}
