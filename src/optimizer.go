package ember

import (
	"fmt"
	"math"
)

// Optimizer updates parameters from accumulated gradients. Learning
// rate and weight decay live on the parameter groups so schedulers and
// the decay partition stay independent of the update rule.
type Optimizer interface {
	Step()
	ZeroGrad()
	Groups() []*ParamGroup
	Name() string
	Snapshot() *OptimizerSnapshot
	Restore(snap *OptimizerSnapshot) error
}

// OptimizerSnapshot is the persistable optimizer state: step count plus
// moment buffers keyed "<buffer>/<group>/<param>".
type OptimizerSnapshot struct {
	Name      string               `json:"name"`
	StepCount int                  `json:"step_count"`
	Buffers   map[string][]float64 `json:"buffers"`
}

// OptimizerConfig is a validated, immutable optimizer schema. Build is
// pure with respect to the schema and binds the update rule to an
// explicit parameter-group partition.
type OptimizerConfig interface {
	Name() string
	Validate() error
	BaseLR() float64
	BaseWeightDecay() float64
	Build(groups []*ParamGroup) (Optimizer, error)
}

func init() {
	mustRegister(Optimizers, "optim.sgd", func() OptimizerConfig { return &SGDConfig{} })
	mustRegister(Optimizers, "optim.adam", func() OptimizerConfig { return &AdamConfig{} })
	mustRegister(Optimizers, "optim.adamw", func() OptimizerConfig { return &AdamWConfig{} })
	mustRegister(Optimizers, "optim.rmsprop", func() OptimizerConfig { return &RMSpropConfig{} })
}

func validateGroups(name string, groups []*ParamGroup) error {
	if len(groups) == 0 {
		return configErrorf("optimizer", "", "%s: no parameter groups", name)
	}
	total := 0
	for _, g := range groups {
		total += len(g.Params)
	}
	if total == 0 {
		return configErrorf("optimizer", "", "%s: parameter groups are empty", name)
	}
	return nil
}

// bufferKey names a moment buffer for snapshots.
func bufferKey(buffer string, group, param int) string {
	return fmt.Sprintf("%s/%d/%d", buffer, group, param)
}

type baseOptimizer struct {
	groups    []*ParamGroup
	stepCount int
}

func (b *baseOptimizer) Groups() []*ParamGroup { return b.groups }

func (b *baseOptimizer) ZeroGrad() {
	for _, g := range b.groups {
		for _, p := range g.Params {
			p.ZeroGrad()
		}
	}
}

// snapshotBuffers collects named per-parameter buffers. Each entry in
// buffers maps a buffer name to the slice-of-slices parallel to groups.
func (b *baseOptimizer) snapshot(name string, buffers map[string][][][]float64) *OptimizerSnapshot {
	snap := &OptimizerSnapshot{
		Name:      name,
		StepCount: b.stepCount,
		Buffers:   make(map[string][]float64),
	}
	for bufName, perGroup := range buffers {
		for gi, perParam := range perGroup {
			for pi, data := range perParam {
				out := make([]float64, len(data))
				copy(out, data)
				snap.Buffers[bufferKey(bufName, gi, pi)] = out
			}
		}
	}
	return snap
}

func (b *baseOptimizer) restoreInto(name string, snap *OptimizerSnapshot, buffers map[string][][][]float64) error {
	if snap.Name != name {
		return errorf("optimizer snapshot is for %q, not %q", snap.Name, name)
	}
	b.stepCount = snap.StepCount
	for bufName, perGroup := range buffers {
		for gi, perParam := range perGroup {
			for pi, data := range perParam {
				saved, ok := snap.Buffers[bufferKey(bufName, gi, pi)]
				if !ok {
					return errorf("optimizer snapshot missing buffer %s", bufferKey(bufName, gi, pi))
				}
				if len(saved) != len(data) {
					return errorf("optimizer snapshot buffer %s has %d values, want %d",
						bufferKey(bufName, gi, pi), len(saved), len(data))
				}
				copy(data, saved)
			}
		}
	}
	return nil
}

// allocLike allocates one zero buffer per parameter per group.
func allocLike(groups []*ParamGroup) [][][]float64 {
	out := make([][][]float64, len(groups))
	for gi, g := range groups {
		out[gi] = make([][]float64, len(g.Params))
		for pi, p := range g.Params {
			out[gi][pi] = make([]float64, p.Size())
		}
	}
	return out
}

// SGDConfig configures stochastic gradient descent with momentum.
type SGDConfig struct {
	LR          float64 `yaml:"lr"`
	Momentum    float64 `yaml:"momentum"`
	Dampening   float64 `yaml:"dampening"`
	WeightDecay float64 `yaml:"weight_decay"`
	Nesterov    bool    `yaml:"nesterov"`
}

func (c *SGDConfig) Name() string             { return "optim.sgd" }
func (c *SGDConfig) BaseLR() float64          { return c.LR }
func (c *SGDConfig) BaseWeightDecay() float64 { return c.WeightDecay }

func (c *SGDConfig) Validate() error {
	if c.LR <= 0 {
		return configErrorf("optimizer", "lr", "must be > 0, got %v", c.LR)
	}
	if c.Momentum < 0 || c.Momentum >= 1 {
		return configErrorf("optimizer", "momentum", "must be in [0, 1), got %v", c.Momentum)
	}
	if c.Nesterov && c.Momentum == 0 {
		return configErrorf("optimizer", "nesterov", "requires momentum > 0")
	}
	if c.WeightDecay < 0 {
		return configErrorf("optimizer", "weight_decay", "must be >= 0, got %v", c.WeightDecay)
	}
	return nil
}

func (c *SGDConfig) Build(groups []*ParamGroup) (Optimizer, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if err := validateGroups(c.Name(), groups); err != nil {
		return nil, err
	}
	return &sgdOptimizer{
		baseOptimizer: baseOptimizer{groups: groups},
		momentum:      c.Momentum,
		dampening:     c.Dampening,
		nesterov:      c.Nesterov,
	}, nil
}

type sgdOptimizer struct {
	baseOptimizer
	momentum  float64
	dampening float64
	nesterov  bool
	velocity  [][][]float64
}

func (s *sgdOptimizer) Name() string { return "optim.sgd" }

func (s *sgdOptimizer) Step() {
	if s.velocity == nil {
		s.velocity = allocLike(s.groups)
	}
	s.stepCount++
	for gi, g := range s.groups {
		for pi, p := range g.Params {
			v := s.velocity[gi][pi]
			for j := range p.Data {
				grad := p.Grad[j]
				if g.WeightDecay != 0 {
					grad += g.WeightDecay * p.Data[j]
				}
				if s.momentum != 0 {
					v[j] = s.momentum*v[j] + (1-s.dampening)*grad
					if s.nesterov {
						grad += s.momentum * v[j]
					} else {
						grad = v[j]
					}
				}
				p.Data[j] -= g.LR * grad
			}
		}
	}
}

func (s *sgdOptimizer) Snapshot() *OptimizerSnapshot {
	if s.velocity == nil {
		s.velocity = allocLike(s.groups)
	}
	return s.snapshot(s.Name(), map[string][][][]float64{"velocity": s.velocity})
}

func (s *sgdOptimizer) Restore(snap *OptimizerSnapshot) error {
	if s.velocity == nil {
		s.velocity = allocLike(s.groups)
	}
	return s.restoreInto(s.Name(), snap, map[string][][][]float64{"velocity": s.velocity})
}

// AdamConfig configures Adam.
type AdamConfig struct {
	LR          float64 `yaml:"lr"`
	Beta1       float64 `yaml:"beta_1"`
	Beta2       float64 `yaml:"beta_2"`
	Eps         float64 `yaml:"eps"`
	WeightDecay float64 `yaml:"weight_decay"`
	AMSGrad     bool    `yaml:"amsgrad"`
}

func (c *AdamConfig) Name() string             { return "optim.adam" }
func (c *AdamConfig) BaseLR() float64          { return c.LR }
func (c *AdamConfig) BaseWeightDecay() float64 { return c.WeightDecay }

func validateAdamFields(lr, beta1, beta2, eps, weightDecay float64) error {
	if lr <= 0 {
		return configErrorf("optimizer", "lr", "must be > 0, got %v", lr)
	}
	if beta1 < 0 || beta1 >= 1 {
		return configErrorf("optimizer", "beta_1", "must be in [0, 1), got %v", beta1)
	}
	if beta2 < 0 || beta2 >= 1 {
		return configErrorf("optimizer", "beta_2", "must be in [0, 1), got %v", beta2)
	}
	if eps <= 0 {
		return configErrorf("optimizer", "eps", "must be > 0, got %v", eps)
	}
	if weightDecay < 0 {
		return configErrorf("optimizer", "weight_decay", "must be >= 0, got %v", weightDecay)
	}
	return nil
}

func (c *AdamConfig) Validate() error {
	return validateAdamFields(c.LR, c.Beta1, c.Beta2, c.Eps, c.WeightDecay)
}

func (c *AdamConfig) Build(groups []*ParamGroup) (Optimizer, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if err := validateGroups(c.Name(), groups); err != nil {
		return nil, err
	}
	return &adamOptimizer{
		baseOptimizer: baseOptimizer{groups: groups},
		name:          c.Name(),
		beta1:         c.Beta1,
		beta2:         c.Beta2,
		eps:           c.Eps,
		amsgrad:       c.AMSGrad,
	}, nil
}

type adamOptimizer struct {
	baseOptimizer
	name      string
	beta1     float64
	beta2     float64
	eps       float64
	amsgrad   bool
	decoupled bool // AdamW: weight decay applied directly to weights
	m         [][][]float64
	v         [][][]float64
	vMax      [][][]float64
}

func (a *adamOptimizer) Name() string { return a.name }

func (a *adamOptimizer) ensureBuffers() {
	if a.m != nil {
		return
	}
	a.m = allocLike(a.groups)
	a.v = allocLike(a.groups)
	if a.amsgrad {
		a.vMax = allocLike(a.groups)
	}
}

func (a *adamOptimizer) Step() {
	a.ensureBuffers()
	a.stepCount++
	bc1 := 1 - math.Pow(a.beta1, float64(a.stepCount))
	bc2 := 1 - math.Pow(a.beta2, float64(a.stepCount))

	for gi, g := range a.groups {
		for pi, p := range g.Params {
			m := a.m[gi][pi]
			v := a.v[gi][pi]
			for j := range p.Data {
				grad := p.Grad[j]
				if g.WeightDecay != 0 {
					if a.decoupled {
						p.Data[j] -= g.LR * g.WeightDecay * p.Data[j]
					} else {
						grad += g.WeightDecay * p.Data[j]
					}
				}
				m[j] = a.beta1*m[j] + (1-a.beta1)*grad
				v[j] = a.beta2*v[j] + (1-a.beta2)*grad*grad

				mHat := m[j] / bc1
				vHat := v[j] / bc2
				if a.amsgrad {
					if vHat > a.vMax[gi][pi][j] {
						a.vMax[gi][pi][j] = vHat
					}
					vHat = a.vMax[gi][pi][j]
				}
				p.Data[j] -= g.LR * mHat / (math.Sqrt(vHat) + a.eps)
			}
		}
	}
}

func (a *adamOptimizer) buffers() map[string][][][]float64 {
	a.ensureBuffers()
	out := map[string][][][]float64{"m": a.m, "v": a.v}
	if a.amsgrad {
		out["v_max"] = a.vMax
	}
	return out
}

func (a *adamOptimizer) Snapshot() *OptimizerSnapshot {
	return a.snapshot(a.name, a.buffers())
}

func (a *adamOptimizer) Restore(snap *OptimizerSnapshot) error {
	return a.restoreInto(a.name, snap, a.buffers())
}

// AdamWConfig configures Adam with decoupled weight decay.
type AdamWConfig struct {
	LR          float64 `yaml:"lr"`
	Beta1       float64 `yaml:"beta_1"`
	Beta2       float64 `yaml:"beta_2"`
	Eps         float64 `yaml:"eps"`
	WeightDecay float64 `yaml:"weight_decay"`
}

func (c *AdamWConfig) Name() string             { return "optim.adamw" }
func (c *AdamWConfig) BaseLR() float64          { return c.LR }
func (c *AdamWConfig) BaseWeightDecay() float64 { return c.WeightDecay }

func (c *AdamWConfig) Validate() error {
	return validateAdamFields(c.LR, c.Beta1, c.Beta2, c.Eps, c.WeightDecay)
}

func (c *AdamWConfig) Build(groups []*ParamGroup) (Optimizer, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if err := validateGroups(c.Name(), groups); err != nil {
		return nil, err
	}
	return &adamOptimizer{
		baseOptimizer: baseOptimizer{groups: groups},
		name:          c.Name(),
		beta1:         c.Beta1,
		beta2:         c.Beta2,
		eps:           c.Eps,
		decoupled:     true,
	}, nil
}

// RMSpropConfig configures RMSprop.
type RMSpropConfig struct {
	LR          float64 `yaml:"lr"`
	Alpha       float64 `yaml:"alpha"`
	Eps         float64 `yaml:"eps"`
	WeightDecay float64 `yaml:"weight_decay"`
	Momentum    float64 `yaml:"momentum"`
	Centered    bool    `yaml:"centered"`
}

func (c *RMSpropConfig) Name() string             { return "optim.rmsprop" }
func (c *RMSpropConfig) BaseLR() float64          { return c.LR }
func (c *RMSpropConfig) BaseWeightDecay() float64 { return c.WeightDecay }

func (c *RMSpropConfig) Validate() error {
	if c.LR <= 0 {
		return configErrorf("optimizer", "lr", "must be > 0, got %v", c.LR)
	}
	if c.Alpha <= 0 || c.Alpha >= 1 {
		return configErrorf("optimizer", "alpha", "must be in (0, 1), got %v", c.Alpha)
	}
	if c.Eps <= 0 {
		return configErrorf("optimizer", "eps", "must be > 0, got %v", c.Eps)
	}
	if c.Momentum < 0 {
		return configErrorf("optimizer", "momentum", "must be >= 0, got %v", c.Momentum)
	}
	if c.WeightDecay < 0 {
		return configErrorf("optimizer", "weight_decay", "must be >= 0, got %v", c.WeightDecay)
	}
	return nil
}

func (c *RMSpropConfig) Build(groups []*ParamGroup) (Optimizer, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if err := validateGroups(c.Name(), groups); err != nil {
		return nil, err
	}
	return &rmspropOptimizer{
		baseOptimizer: baseOptimizer{groups: groups},
		alpha:         c.Alpha,
		eps:           c.Eps,
		momentum:      c.Momentum,
		centered:      c.Centered,
	}, nil
}

type rmspropOptimizer struct {
	baseOptimizer
	alpha    float64
	eps      float64
	momentum float64
	centered bool
	sq       [][][]float64
	avg      [][][]float64
	buf      [][][]float64
}

func (r *rmspropOptimizer) Name() string { return "optim.rmsprop" }

func (r *rmspropOptimizer) ensureBuffers() {
	if r.sq != nil {
		return
	}
	r.sq = allocLike(r.groups)
	r.buf = allocLike(r.groups)
	if r.centered {
		r.avg = allocLike(r.groups)
	}
}

func (r *rmspropOptimizer) Step() {
	r.ensureBuffers()
	r.stepCount++
	for gi, g := range r.groups {
		for pi, p := range g.Params {
			sq := r.sq[gi][pi]
			buf := r.buf[gi][pi]
			for j := range p.Data {
				grad := p.Grad[j]
				if g.WeightDecay != 0 {
					grad += g.WeightDecay * p.Data[j]
				}
				sq[j] = r.alpha*sq[j] + (1-r.alpha)*grad*grad

				denom := sq[j]
				if r.centered {
					avg := r.avg[gi][pi]
					avg[j] = r.alpha*avg[j] + (1-r.alpha)*grad
					denom -= avg[j] * avg[j]
				}
				if r.momentum > 0 {
					buf[j] = r.momentum*buf[j] + grad/(math.Sqrt(denom)+r.eps)
					p.Data[j] -= g.LR * buf[j]
				} else {
					p.Data[j] -= g.LR * grad / (math.Sqrt(denom) + r.eps)
				}
			}
		}
	}
}

func (r *rmspropOptimizer) buffers() map[string][][][]float64 {
	r.ensureBuffers()
	out := map[string][][][]float64{"square_avg": r.sq, "momentum_buf": r.buf}
	if r.centered {
		out["grad_avg"] = r.avg
	}
	return out
}

func (r *rmspropOptimizer) Snapshot() *OptimizerSnapshot {
	return r.snapshot(r.Name(), r.buffers())
}

func (r *rmspropOptimizer) Restore(snap *OptimizerSnapshot) error {
	return r.restoreInto(r.Name(), snap, r.buffers())
}
