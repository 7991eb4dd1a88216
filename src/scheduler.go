package ember

import "math"

// Scheduler rewrites the learning rate of its optimizer's parameter
// groups. Step granularity (batch vs epoch) is the trainer's policy;
// the scheduler only knows its own step count.
type Scheduler interface {
	Step()
	LastLR() float64
	StepCount() int
	SetStepCount(n int) // checkpoint resume: fast-forward and reapply
	Name() string
}

// SchedulerConfig is a validated scheduler schema. Build binds the
// schedule to an already-built optimizer.
type SchedulerConfig interface {
	Name() string
	Validate() error
	Build(opt Optimizer) (Scheduler, error)
}

func init() {
	mustRegister(Schedulers, "scheduler.constant", func() SchedulerConfig { return &ConstantLRConfig{} })
	mustRegister(Schedulers, "scheduler.cosine", func() SchedulerConfig { return &CosineAnnealingConfig{} })
	mustRegister(Schedulers, "scheduler.noam", func() SchedulerConfig { return &NoamConfig{} })
	mustRegister(Schedulers, "scheduler.step_decay", func() SchedulerConfig { return &StepDecayConfig{} })
}

// lrSchedule computes the learning rate for one group at a step count.
type lrSchedule func(baseLR float64, step int) float64

type scheduler struct {
	name      string
	opt       Optimizer
	baseLRs   []float64
	schedule  lrSchedule
	stepCount int
	last      float64
}

func newScheduler(name string, opt Optimizer, schedule lrSchedule) (*scheduler, error) {
	if opt == nil {
		return nil, configErrorf("scheduler", "", "%s: optimizer is required", name)
	}
	groups := opt.Groups()
	baseLRs := make([]float64, len(groups))
	last := 0.0
	for i, g := range groups {
		baseLRs[i] = g.LR
		if i == 0 {
			last = g.LR
		}
	}
	return &scheduler{
		name:     name,
		opt:      opt,
		baseLRs:  baseLRs,
		schedule: schedule,
		last:     last,
	}, nil
}

func (s *scheduler) Name() string   { return s.name }
func (s *scheduler) LastLR() float64 { return s.last }
func (s *scheduler) StepCount() int { return s.stepCount }

func (s *scheduler) Step() {
	s.stepCount++
	s.apply()
}

func (s *scheduler) SetStepCount(n int) {
	s.stepCount = n
	if n > 0 {
		s.apply()
	}
}

func (s *scheduler) apply() {
	for i, g := range s.opt.Groups() {
		lr := s.schedule(s.baseLRs[i], s.stepCount)
		g.LR = lr
		if i == 0 {
			s.last = lr
		}
	}
}

// ConstantLRConfig keeps the base learning rate.
type ConstantLRConfig struct{}

func (c *ConstantLRConfig) Name() string    { return "scheduler.constant" }
func (c *ConstantLRConfig) Validate() error { return nil }

func (c *ConstantLRConfig) Build(opt Optimizer) (Scheduler, error) {
	return newScheduler(c.Name(), opt, func(base float64, _ int) float64 { return base })
}

// CosineAnnealingConfig anneals from the base rate to EtaMin over TMax
// steps. TMax == 0 derives from trainer.max_epochs at compose time.
type CosineAnnealingConfig struct {
	TMax   int     `yaml:"t_max"`
	EtaMin float64 `yaml:"eta_min"`
}

func (c *CosineAnnealingConfig) Name() string { return "scheduler.cosine" }

func (c *CosineAnnealingConfig) Validate() error {
	if c.TMax <= 0 {
		return configErrorf("scheduler", "t_max", "must be > 0, got %d", c.TMax)
	}
	if c.EtaMin < 0 {
		return configErrorf("scheduler", "eta_min", "must be >= 0, got %v", c.EtaMin)
	}
	return nil
}

func (c *CosineAnnealingConfig) Build(opt Optimizer) (Scheduler, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	tMax, etaMin := float64(c.TMax), c.EtaMin
	return newScheduler(c.Name(), opt, func(base float64, step int) float64 {
		if float64(step) >= tMax {
			return etaMin
		}
		return etaMin + 0.5*(base-etaMin)*(1+math.Cos(math.Pi*float64(step)/tMax))
	})
}

// NoamConfig is the inverse-square-root warmup schedule from the
// original transformer. The base LR acts as the multiplicative factor.
// DModel == 0 derives from model.d_model at compose time.
type NoamConfig struct {
	DModel      int `yaml:"d_model"`
	WarmupSteps int `yaml:"warmup_steps"`
}

func (c *NoamConfig) Name() string { return "scheduler.noam" }

func (c *NoamConfig) Validate() error {
	if c.DModel <= 0 {
		return configErrorf("scheduler", "d_model", "must be > 0, got %d", c.DModel)
	}
	if c.WarmupSteps <= 0 {
		return configErrorf("scheduler", "warmup_steps", "must be > 0, got %d", c.WarmupSteps)
	}
	return nil
}

func (c *NoamConfig) Build(opt Optimizer) (Scheduler, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	dModel := math.Sqrt(float64(c.DModel))
	warmup := math.Pow(float64(c.WarmupSteps), -1.5)
	return newScheduler(c.Name(), opt, func(base float64, step int) float64 {
		if step == 0 {
			return base / dModel * warmup
		}
		s := float64(step)
		return base / dModel * math.Min(1/math.Sqrt(s), s*warmup)
	})
}

// StepDecayConfig drops the rate by Gamma every StepSize steps.
type StepDecayConfig struct {
	StepSize int     `yaml:"step_size"`
	Gamma    float64 `yaml:"gamma"`
}

func (c *StepDecayConfig) Name() string { return "scheduler.step_decay" }

func (c *StepDecayConfig) Validate() error {
	if c.StepSize <= 0 {
		return configErrorf("scheduler", "step_size", "must be > 0, got %d", c.StepSize)
	}
	if c.Gamma <= 0 || c.Gamma > 1 {
		return configErrorf("scheduler", "gamma", "must be in (0, 1], got %v", c.Gamma)
	}
	return nil
}

func (c *StepDecayConfig) Build(opt Optimizer) (Scheduler, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	stepSize, gamma := c.StepSize, c.Gamma
	return newScheduler(c.Name(), opt, func(base float64, step int) float64 {
		return base * math.Pow(gamma, float64(step/stepSize))
	})
}
