package ember

import (
	"math"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// stubModel is a minimal Model with a controllable gradient, so loop
// mechanics can be tested without real backpropagation.
type stubModel struct {
	param     *Parameter
	gradValue float64
	forwards  int
	backwards int
}

func newStubModel(gradValue float64) *stubModel {
	return &stubModel{
		param:     NewParameter("stub.weight", 2, 2),
		gradValue: gradValue,
	}
}

func (m *stubModel) Forward(b *Batch) (*Tensor, error) {
	m.forwards++
	return NewTensor(b.Size(), len(b.Inputs[0]), 6), nil
}

func (m *stubModel) Backward(gradLogits *Tensor) error {
	m.backwards++
	for i := range m.param.Grad {
		m.param.Grad[i] += m.gradValue
	}
	return nil
}

func (m *stubModel) Parameters() []*Parameter { return []*Parameter{m.param} }
func (m *stubModel) ZeroGrad()                { m.param.ZeroGrad() }
func (m *stubModel) To(Device)                {}

func testLoader(t *testing.T, samples, batchSize int) DataLoader {
	t.Helper()
	data := make([]Sample, samples)
	for i := range data {
		data[i] = Sample{Input: []int{1, 2, 3}, Target: []int{2, 3, 4}}
	}
	l, err := NewSliceLoader(SliceLoaderConfig{Samples: data, BatchSize: batchSize})
	require.NoError(t, err)
	return l
}

func newTestTrainer(t *testing.T, cfg *Composer, model Model, trainBatches, validBatches int) *Trainer {
	t.Helper()
	state, err := BuildState(cfg, model)
	require.NoError(t, err)

	var valid DataLoader
	if validBatches > 0 {
		valid = testLoader(t, validBatches, 1)
	}
	trainer, err := NewTrainer(cfg, state, testLoader(t, trainBatches, 1), valid,
		WithLogger(zap.NewNop()))
	require.NoError(t, err)
	return trainer
}

func TestFitRunsAllEpochs(t *testing.T) {
	cfg := testComposer(t)
	cfg.Trainer.MaxEpochs = 3
	trainer := newTestTrainer(t, cfg, newStubModel(0.01), 4, 2)

	require.NoError(t, trainer.Fit())
	assert.Equal(t, PhaseDone, trainer.Phase())
	assert.Equal(t, 3, trainer.State().Epoch)
	assert.Equal(t, 12, trainer.State().Step)
	assert.Contains(t, trainer.Metrics(), MetricTrainAvgLoss)
	assert.Contains(t, trainer.Metrics(), MetricValidAvgLoss)
}

func TestFitFiresEventsInOrder(t *testing.T) {
	cfg := testComposer(t)
	trainer := newTestTrainer(t, cfg, newStubModel(0.01), 2, 1)

	var events []Event
	for _, e := range []Event{
		EventFitStart, EventFitEnd,
		EventTrainEpochStart, EventTrainEpochEnd,
		EventValidEpochStart, EventValidEpochEnd,
		EventTrainBatchStart, EventTrainBatchEnd,
		EventValidBatchStart, EventValidBatchEnd,
	} {
		ev := e
		require.NoError(t, trainer.AddCallback(ev, func(*Trainer) error {
			events = append(events, ev)
			return nil
		}))
	}

	require.NoError(t, trainer.Fit())
	assert.Equal(t, []Event{
		EventFitStart,
		EventTrainEpochStart,
		EventTrainBatchStart, EventTrainBatchEnd,
		EventTrainBatchStart, EventTrainBatchEnd,
		EventTrainEpochEnd,
		EventValidEpochStart,
		EventValidBatchStart, EventValidBatchEnd,
		EventValidEpochEnd,
		EventFitEnd,
	}, events)
}

func TestAddCallbackUnknownEvent(t *testing.T) {
	cfg := testComposer(t)
	trainer := newTestTrainer(t, cfg, newStubModel(0.01), 2, 0)

	err := trainer.AddCallback(Event("on_coffee_break"), func(*Trainer) error { return nil })
	var unknown *UnknownEventError
	require.ErrorAs(t, err, &unknown)
	assert.Contains(t, unknown.Known, EventFitStart)
}

func TestCallbacksRunInRegistrationOrder(t *testing.T) {
	cfg := testComposer(t)
	trainer := newTestTrainer(t, cfg, newStubModel(0.01), 1, 0)

	var order []int
	for i := 0; i < 3; i++ {
		n := i
		require.NoError(t, trainer.AddCallback(EventFitStart, func(*Trainer) error {
			order = append(order, n)
			return nil
		}))
	}
	require.NoError(t, trainer.Fit())
	assert.Equal(t, []int{0, 1, 2}, order)
}

func TestSchedulerStepsPerBatch(t *testing.T) {
	cfg := testComposer(t)
	cfg.Scheduler = &ConstantLRConfig{}
	cfg.Trainer.MaxEpochs = 2
	trainer := newTestTrainer(t, cfg, newStubModel(0.01), 5, 0)

	require.NoError(t, trainer.Fit())
	assert.Equal(t, 10, trainer.State().Scheduler.StepCount())
}

func TestSchedulerStepsPerEpoch(t *testing.T) {
	cfg := testComposer(t)
	cfg.Scheduler = &ConstantLRConfig{}
	cfg.Trainer.MaxEpochs = 2
	cfg.Trainer.StepSchedulerOnBatchOrEpoch = StepOnEpoch
	trainer := newTestTrainer(t, cfg, newStubModel(0.01), 5, 0)

	require.NoError(t, trainer.Fit())
	assert.Equal(t, 2, trainer.State().Scheduler.StepCount())
}

func TestGradientAccumulationFloor(t *testing.T) {
	cfg := testComposer(t)
	cfg.Trainer.GradientAccumulationSteps = 2
	model := newStubModel(0.01)
	trainer := newTestTrainer(t, cfg, model, 5, 0)

	require.NoError(t, trainer.Fit())
	// 5 batches at accumulation 2 apply exactly 2 optimizer steps
	assert.Equal(t, 2, trainer.State().Optimizer.Snapshot().StepCount)

	// the leftover batch's gradients were discarded at epoch end
	for _, g := range model.param.Grad {
		assert.Equal(t, 0.0, g)
	}
}

func TestNonFiniteGradientAborts(t *testing.T) {
	cfg := testComposer(t)
	cfg.Trainer.ClipGradNorm = &ClipGradConfig{MaxNorm: 1, ErrorIfNonFinite: true}
	trainer := newTestTrainer(t, cfg, newStubModel(math.Inf(1)), 3, 0)

	err := trainer.Fit()
	var nf *NonFiniteError
	require.ErrorAs(t, err, &nf)
	assert.True(t, math.IsInf(nf.Norm, 1))
	assert.Equal(t, PhaseFailed, trainer.Phase())

	// the run failed before any update was applied
	assert.Equal(t, 0, trainer.State().Optimizer.Snapshot().StepCount)
}

func TestNonFiniteGradientSkipsStepUnderScaler(t *testing.T) {
	cfg := testComposer(t)
	cfg.Trainer.UseAMP = true
	cfg.Trainer.Scaler = ScalerConfig{
		Enabled:        true,
		InitScale:      16,
		GrowthFactor:   2,
		BackoffFactor:  0.5,
		GrowthInterval: 1000,
	}
	trainer := newTestTrainer(t, cfg, newStubModel(math.Inf(1)), 3, 0)

	require.NoError(t, trainer.Fit())
	assert.Equal(t, PhaseDone, trainer.Phase())
	assert.Equal(t, 0, trainer.State().Optimizer.Snapshot().StepCount)
}

func TestCallbackStopsTraining(t *testing.T) {
	cfg := testComposer(t)
	cfg.Trainer.MaxEpochs = 10
	trainer := newTestTrainer(t, cfg, newStubModel(0.01), 2, 1)

	epochs := 0
	require.NoError(t, trainer.AddCallback(EventValidEpochEnd, func(*Trainer) error {
		epochs++
		if epochs == 2 {
			return ErrStopTraining
		}
		return nil
	}))

	require.NoError(t, trainer.Fit())
	assert.Equal(t, PhaseDone, trainer.Phase())
	assert.Equal(t, 2, trainer.State().Epoch)
}

func TestFitEndFiresOnEarlyStop(t *testing.T) {
	cfg := testComposer(t)
	cfg.Trainer.MaxEpochs = 10
	trainer := newTestTrainer(t, cfg, newStubModel(0.01), 2, 1)

	fitEnds := 0
	require.NoError(t, trainer.AddCallback(EventFitEnd, func(*Trainer) error {
		fitEnds++
		return nil
	}))
	require.NoError(t, trainer.AddCallback(EventValidEpochEnd, func(*Trainer) error {
		return ErrStopTraining
	}))

	require.NoError(t, trainer.Fit())
	assert.Equal(t, PhaseDone, trainer.Phase())
	assert.Equal(t, 1, trainer.State().Epoch)
	assert.Equal(t, 1, fitEnds, "teardown callbacks must run on a clean early stop")
}

func TestValidEpochEndSeesFinalMetrics(t *testing.T) {
	cfg := testComposer(t)
	trainer := newTestTrainer(t, cfg, newStubModel(0.01), 2, 2)

	calls := 0
	require.NoError(t, trainer.AddCallback(EventValidEpochEnd, func(tr *Trainer) error {
		calls++
		_, ok := tr.Metrics()[MetricValidAvgLoss]
		assert.True(t, ok, "valid_avg_loss must be published before the event fires")
		return nil
	}))

	require.NoError(t, trainer.Fit())
	assert.Equal(t, 1, calls)
	// zero logits over a 6-token vocabulary score ln(6) per position
	assert.InDelta(t, math.Log(6), trainer.Metrics()[MetricValidAvgLoss], 1e-9)
}

func TestEarlyStoppingCallback(t *testing.T) {
	cfg := testComposer(t)
	cfg.Trainer.MaxEpochs = 10
	trainer := newTestTrainer(t, cfg, newStubModel(0.01), 2, 1)

	// the stub model never improves, so patience runs out
	stopper := &EarlyStopping{Monitor: MetricValidAvgLoss, Mode: ModeMin, Patience: 2}
	require.NoError(t, trainer.AddCallback(EventValidEpochEnd, stopper.Hook()))

	require.NoError(t, trainer.Fit())
	assert.Equal(t, 3, trainer.State().Epoch)
}

func TestTrainerSavesBestCheckpoint(t *testing.T) {
	dir := t.TempDir()
	cfg := testComposer(t)
	cfg.Trainer.MaxEpochs = 2
	cfg.Trainer.SaveDir = dir
	cfg.Trainer.SaveBestOnly = true
	cfg.Trainer.Monitor = MetricValidAvgLoss
	cfg.Trainer.Mode = ModeMin
	trainer := newTestTrainer(t, cfg, newStubModel(0.01), 2, 1)

	saved := 0
	require.NoError(t, trainer.AddCallback(EventCheckpointSaved, func(*Trainer) error {
		saved++
		return nil
	}))

	require.NoError(t, trainer.Fit())
	assert.GreaterOrEqual(t, saved, 1)

	payload, err := LoadCheckpoint(filepath.Join(dir, "best.json"))
	require.NoError(t, err)
	assert.Equal(t, MetricValidAvgLoss, payload.Monitor)
}

func TestFitRejectsSecondRun(t *testing.T) {
	cfg := testComposer(t)
	trainer := newTestTrainer(t, cfg, newStubModel(0.01), 1, 0)
	require.NoError(t, trainer.Fit())
	assert.Error(t, trainer.Fit())
}

func TestMidEpochEvaluationCadence(t *testing.T) {
	cfg := testComposer(t)
	cfg.Trainer.EvalEveryNSteps = 2
	trainer := newTestTrainer(t, cfg, newStubModel(0.01), 5, 1)

	validEpochs := 0
	require.NoError(t, trainer.AddCallback(EventValidEpochEnd, func(*Trainer) error {
		validEpochs++
		return nil
	}))

	require.NoError(t, trainer.Fit())
	// steps 2 and 4 trigger mid-epoch evaluation, plus the epoch-end one
	assert.Equal(t, 3, validEpochs)
}

func TestTrainerIntegrationLossDecreases(t *testing.T) {
	cfg := testComposer(t)
	cfg.Trainer.MaxEpochs = 5
	cfg.Optimizer = &SGDConfig{LR: 0.5}
	model, err := NewEmbedProjectModel(*cfg.Model, 3)
	require.NoError(t, err)
	state, err := BuildState(cfg, model)
	require.NoError(t, err)

	trainer, err := NewTrainer(cfg, state, testLoader(t, 4, 2), testLoader(t, 2, 2),
		WithLogger(zap.NewNop()))
	require.NoError(t, err)

	history := &History{}
	require.NoError(t, trainer.AddCallback(EventValidEpochEnd, history.Hook()))
	require.NoError(t, trainer.Fit())

	require.Len(t, history.Records, 5)
	first := history.Records[0][MetricValidAvgLoss]
	last := history.Records[4][MetricValidAvgLoss]
	assert.Less(t, last, first)
}
