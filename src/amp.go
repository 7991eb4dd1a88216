package ember

import (
	"math"
)

// Autocast truncates forward-region values to a reduced precision so
// mixed-precision numerics are reproducible on the float64 compute
// path. Only the cast is emulated; accumulation stays in float64, as
// on real hardware.
type Autocast struct {
	enabled bool
	bf16    bool
}

// NewAutocast validates the config and builds the cast.
func NewAutocast(cfg AutocastConfig) (*Autocast, error) {
	a := &Autocast{enabled: cfg.Enabled}
	if !cfg.Enabled {
		return a, nil
	}
	switch cfg.DType {
	case "float32":
	case "bfloat16":
		a.bf16 = true
	default:
		return nil, configErrorf("trainer", "autocast_config.dtype",
			"must be \"float32\" or \"bfloat16\", got %q", cfg.DType)
	}
	return a, nil
}

// Enabled reports whether the cast does anything.
func (a *Autocast) Enabled() bool { return a != nil && a.enabled }

// Cast truncates t's values in place.
func (a *Autocast) Cast(t *Tensor) {
	if !a.Enabled() {
		return
	}
	if a.bf16 {
		for i, v := range t.Data {
			t.Data[i] = truncateBF16(v)
		}
		return
	}
	for i, v := range t.Data {
		t.Data[i] = float64(float32(v))
	}
}

// truncateBF16 keeps the top 16 bits of the float32 representation.
func truncateBF16(v float64) float64 {
	bits := math.Float32bits(float32(v))
	return float64(math.Float32frombits(bits &^ 0xFFFF))
}

// GradScaler implements loss scaling for mixed precision: the loss
// gradient is multiplied by the current scale before backward, grads
// are unscaled before clipping, and the scale grows after a run of
// finite steps and backs off when a non-finite gradient appears. A
// disabled scaler is a fixed scale of 1 that never skips.
type GradScaler struct {
	enabled        bool
	scale          float64
	growthFactor   float64
	backoffFactor  float64
	growthInterval int
	finiteStreak   int
}

// NewGradScaler builds a scaler from config. Caller validates ranges
// via TrainerConfig.Validate.
func NewGradScaler(cfg ScalerConfig) *GradScaler {
	if !cfg.Enabled {
		return &GradScaler{scale: 1}
	}
	return &GradScaler{
		enabled:        true,
		scale:          cfg.InitScale,
		growthFactor:   cfg.GrowthFactor,
		backoffFactor:  cfg.BackoffFactor,
		growthInterval: cfg.GrowthInterval,
	}
}

// Enabled reports whether scaling is active.
func (s *GradScaler) Enabled() bool { return s != nil && s.enabled }

// Scale returns the current loss scale.
func (s *GradScaler) Scale() float64 {
	if s == nil {
		return 1
	}
	return s.scale
}

// Unscale divides all gradients by the current scale, restoring true
// gradient magnitude before clipping and stepping.
func (s *GradScaler) Unscale(groups []*ParamGroup) {
	if !s.Enabled() || s.scale == 1 {
		return
	}
	inv := 1 / s.scale
	for _, g := range groups {
		for _, p := range g.Params {
			for i := range p.Grad {
				p.Grad[i] *= inv
			}
		}
	}
}

// Update advances the scale state machine after an optimizer-step
// attempt. foundNonFinite means the step was skipped.
func (s *GradScaler) Update(foundNonFinite bool) {
	if !s.Enabled() {
		return
	}
	if foundNonFinite {
		s.scale *= s.backoffFactor
		s.finiteStreak = 0
		return
	}
	s.finiteStreak++
	if s.finiteStreak >= s.growthInterval {
		s.scale *= s.growthFactor
		s.finiteStreak = 0
	}
}
