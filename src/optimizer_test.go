package ember

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGroups(t *testing.T, lr, weightDecay float64) []*ParamGroup {
	t.Helper()
	p := NewParameter("w", 2)
	copy(p.Data, []float64{1, -2})
	copy(p.Grad, []float64{0.5, 0.25})
	return SingleGroup([]*Parameter{p}, lr, weightDecay)
}

func TestSGDPlainStep(t *testing.T) {
	groups := newTestGroups(t, 0.1, 0)
	opt, err := (&SGDConfig{LR: 0.1}).Build(groups)
	require.NoError(t, err)

	opt.Step()
	p := groups[0].Params[0]
	assert.InDelta(t, 1-0.1*0.5, p.Data[0], 1e-12)
	assert.InDelta(t, -2-0.1*0.25, p.Data[1], 1e-12)
}

func TestSGDMomentumAccumulates(t *testing.T) {
	groups := newTestGroups(t, 0.1, 0)
	opt, err := (&SGDConfig{LR: 0.1, Momentum: 0.9}).Build(groups)
	require.NoError(t, err)
	p := groups[0].Params[0]

	opt.Step()
	first := 1 - 0.1*0.5
	assert.InDelta(t, first, p.Data[0], 1e-12)

	// same gradient again: velocity is 0.9*0.5 + 0.5
	copy(p.Grad, []float64{0.5, 0.25})
	opt.Step()
	assert.InDelta(t, first-0.1*(0.9*0.5+0.5), p.Data[0], 1e-12)
}

func TestSGDCoupledWeightDecay(t *testing.T) {
	groups := newTestGroups(t, 0.1, 0.5)
	opt, err := (&SGDConfig{LR: 0.1, WeightDecay: 0.5}).Build(groups)
	require.NoError(t, err)

	opt.Step()
	p := groups[0].Params[0]
	assert.InDelta(t, 1-0.1*(0.5+0.5*1), p.Data[0], 1e-12)
}

func TestAdamFirstStep(t *testing.T) {
	groups := newTestGroups(t, 0.1, 0)
	opt, err := (&AdamConfig{LR: 0.1, Beta1: 0.9, Beta2: 0.999, Eps: 1e-8}).Build(groups)
	require.NoError(t, err)

	opt.Step()
	// with bias correction the first update is ~lr * sign(grad)
	p := groups[0].Params[0]
	assert.InDelta(t, 1-0.1, p.Data[0], 1e-6)
	assert.InDelta(t, -2-0.1, p.Data[1], 1e-6)
}

func TestAdamWDecoupledDecay(t *testing.T) {
	groups := newTestGroups(t, 0.1, 0.5)
	p := groups[0].Params[0]
	copy(p.Grad, []float64{0, 0})

	opt, err := (&AdamWConfig{LR: 0.1, Beta1: 0.9, Beta2: 0.999, Eps: 1e-8, WeightDecay: 0.5}).Build(groups)
	require.NoError(t, err)

	// zero gradient: only the decoupled decay moves the weights
	opt.Step()
	assert.InDelta(t, 1*(1-0.1*0.5), p.Data[0], 1e-12)
	assert.InDelta(t, -2*(1-0.1*0.5), p.Data[1], 1e-12)
}

func TestRMSpropFirstStep(t *testing.T) {
	groups := newTestGroups(t, 0.1, 0)
	opt, err := (&RMSpropConfig{LR: 0.1, Alpha: 0.99, Eps: 1e-8}).Build(groups)
	require.NoError(t, err)

	opt.Step()
	p := groups[0].Params[0]
	want := 1 - 0.1*0.5/(math.Sqrt(0.01*0.5*0.5)+1e-8)
	assert.InDelta(t, want, p.Data[0], 1e-9)
}

func TestOptimizerSnapshotRestore(t *testing.T) {
	groups := newTestGroups(t, 0.1, 0)
	opt, err := (&AdamConfig{LR: 0.1, Beta1: 0.9, Beta2: 0.999, Eps: 1e-8}).Build(groups)
	require.NoError(t, err)
	opt.Step()
	snap := opt.Snapshot()
	assert.Equal(t, "optim.adam", snap.Name)
	assert.Equal(t, 1, snap.StepCount)

	fresh := newTestGroups(t, 0.1, 0)
	opt2, err := (&AdamConfig{LR: 0.1, Beta1: 0.9, Beta2: 0.999, Eps: 1e-8}).Build(fresh)
	require.NoError(t, err)
	require.NoError(t, opt2.Restore(snap))
	copy(fresh[0].Params[0].Data, groups[0].Params[0].Data)

	// both take the same second step from the same moments
	opt.Step()
	opt2.Step()
	assert.InDelta(t, groups[0].Params[0].Data[0], fresh[0].Params[0].Data[0], 1e-12)
}

func TestOptimizerRestoreRejectsMismatch(t *testing.T) {
	groups := newTestGroups(t, 0.1, 0)
	sgd, err := (&SGDConfig{LR: 0.1}).Build(groups)
	require.NoError(t, err)

	adam, err := (&AdamConfig{LR: 0.1, Beta1: 0.9, Beta2: 0.999, Eps: 1e-8}).Build(newTestGroups(t, 0.1, 0))
	require.NoError(t, err)

	assert.Error(t, sgd.Restore(adam.Snapshot()))
}

func TestBuildRejectsEmptyGroups(t *testing.T) {
	_, err := (&SGDConfig{LR: 0.1}).Build(nil)
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
}
