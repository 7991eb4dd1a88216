package ember

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryRegisterAndResolve(t *testing.T) {
	reg := NewRegistry[int]("widget")
	require.NoError(t, reg.Register("widget.a", 1))
	require.NoError(t, reg.Register("widget.b", 2))

	v, err := reg.Resolve("widget.b")
	require.NoError(t, err)
	assert.Equal(t, 2, v)

	assert.Equal(t, []string{"widget.a", "widget.b"}, reg.Names())
}

func TestRegistryRejectsDuplicate(t *testing.T) {
	reg := NewRegistry[int]("widget")
	require.NoError(t, reg.Register("widget.a", 1))
	err := reg.Register("widget.a", 2)
	require.Error(t, err)

	// the original binding survives
	v, err := reg.Resolve("widget.a")
	require.NoError(t, err)
	assert.Equal(t, 1, v)
}

func TestRegistryUnknownKey(t *testing.T) {
	_, err := Optimizers.Resolve("nonexistent.optimizer")
	var unknown *UnknownKeyError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "optimizer", unknown.Category)
	assert.Equal(t, "nonexistent.optimizer", unknown.Name)
	assert.Contains(t, unknown.Known, "optim.adamw")
}

func TestStockOptimizersBuild(t *testing.T) {
	groups := SingleGroup([]*Parameter{NewParameter("w", 2, 2)}, 0.1, 0)
	for _, name := range Optimizers.Names() {
		factory, err := Optimizers.Resolve(name)
		require.NoError(t, err)
		cfg := factory()
		assert.Equal(t, name, cfg.Name())

		switch c := cfg.(type) {
		case *SGDConfig:
			c.LR = 0.1
		case *AdamConfig:
			c.LR, c.Beta1, c.Beta2, c.Eps = 0.1, 0.9, 0.999, 1e-8
		case *AdamWConfig:
			c.LR, c.Beta1, c.Beta2, c.Eps = 0.1, 0.9, 0.999, 1e-8
		case *RMSpropConfig:
			c.LR, c.Alpha, c.Eps = 0.1, 0.99, 1e-8
		}
		opt, err := cfg.Build(groups)
		require.NoError(t, err, name)
		assert.Equal(t, name, opt.Name())
	}
}

func TestStockSchedulersBuild(t *testing.T) {
	groups := SingleGroup([]*Parameter{NewParameter("w", 2, 2)}, 0.1, 0)
	opt, err := (&SGDConfig{LR: 0.1}).Build(groups)
	require.NoError(t, err)

	for _, name := range Schedulers.Names() {
		factory, err := Schedulers.Resolve(name)
		require.NoError(t, err)
		cfg := factory()
		assert.Equal(t, name, cfg.Name())

		switch c := cfg.(type) {
		case *CosineAnnealingConfig:
			c.TMax = 10
		case *NoamConfig:
			c.DModel, c.WarmupSteps = 64, 100
		case *StepDecayConfig:
			c.StepSize, c.Gamma = 5, 0.5
		}
		sched, err := cfg.Build(opt)
		require.NoError(t, err, name)
		assert.Equal(t, name, sched.Name())
	}
}

func TestStockCriteriaBuild(t *testing.T) {
	for _, name := range Criteria.Names() {
		factory, err := Criteria.Resolve(name)
		require.NoError(t, err)
		cfg := factory()
		if c, ok := cfg.(*CrossEntropyConfig); ok {
			c.Reduction = "mean"
			c.IgnoreIndex = -1
		}
		crit, err := cfg.Build()
		require.NoError(t, err, name)
		assert.Equal(t, name, crit.Name())
	}
}
