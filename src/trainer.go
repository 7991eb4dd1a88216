package ember

import (
	"math"

	"go.uber.org/zap"
)

// Phase is the lifecycle stage of a Trainer. Fit moves INIT through the
// running phases to DONE, or to FAILED on the first hard error.
type Phase string

const (
	PhaseInit       Phase = "INIT"
	PhaseTraining   Phase = "TRAINING"
	PhaseEvaluating Phase = "EVALUATING"
	PhaseDone       Phase = "DONE"
	PhaseFailed     Phase = "FAILED"
)

// TrainerOption configures optional collaborators.
type TrainerOption func(*Trainer)

// WithLogger replaces the default console logger.
func WithLogger(l *zap.Logger) TrainerOption {
	return func(t *Trainer) { t.logger = l }
}

// WithInstrumentation attaches prometheus instrumentation.
func WithInstrumentation(in *Instrumentation) TrainerOption {
	return func(t *Trainer) { t.instr = in }
}

// Trainer drives the epoch and batch loops over a State. One Trainer
// runs one Fit; batch flow, gradient accumulation, mixed precision,
// clipping, evaluation cadence, and checkpointing all follow the
// TrainerConfig policy.
type Trainer struct {
	cfg   *TrainerConfig
	state *State

	trainLoader DataLoader
	validLoader DataLoader

	bus         *callbackBus
	logger      *zap.Logger
	instr       *Instrumentation
	autocast    *Autocast
	scaler      *GradScaler
	checkpoints *CheckpointManager

	metrics MetricRecord
	phase   Phase

	// accumulated counts: batches since the last optimizer step, and
	// global steps since the last mid-epoch evaluation.
	accumCount     int
	stepsSinceEval int

	epochLossSum   float64
	epochLossCount int

	// batch currently in flight, visible to batch-scoped callbacks.
	currentBatch *Batch
	lastLoss     float64
}

// NewTrainer wires a trainer around a built State. The valid loader may
// be nil; evaluation then only reports training loss.
func NewTrainer(c *Composer, state *State, train, valid DataLoader, opts ...TrainerOption) (*Trainer, error) {
	if state == nil {
		return nil, errorf("trainer: state is required")
	}
	if train == nil {
		return nil, errorf("trainer: train loader is required")
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}

	t := &Trainer{
		cfg:         c.Trainer,
		state:       state,
		trainLoader: train,
		validLoader: valid,
		bus:         newCallbackBus(),
		metrics:     MetricRecord{},
		phase:       PhaseInit,
	}

	if c.Trainer.UseAMP {
		ac, err := NewAutocast(c.Trainer.Autocast)
		if err != nil {
			return nil, err
		}
		t.autocast = ac
		t.scaler = NewGradScaler(c.Trainer.Scaler)
	} else {
		t.scaler = NewGradScaler(ScalerConfig{})
	}

	cm, err := NewCheckpointManager(c.Trainer)
	if err != nil {
		return nil, err
	}
	t.checkpoints = cm

	for _, opt := range opts {
		opt(t)
	}
	if t.logger == nil {
		t.logger = defaultLogger()
	}
	return t, nil
}

// AddCallback registers a callback on a known event.
func (t *Trainer) AddCallback(e Event, cb Callback) error {
	return t.bus.add(e, cb)
}

// State returns the training state being driven.
func (t *Trainer) State() *State { return t.state }

// Phase returns the current lifecycle stage.
func (t *Trainer) Phase() Phase { return t.phase }

// Metrics returns the live metric record. Values are the latest
// completed measurements; callbacks read, never write.
func (t *Trainer) Metrics() MetricRecord { return t.metrics }

// Batch returns the batch currently in flight, for batch-scoped
// callbacks. Nil outside a batch.
func (t *Trainer) Batch() *Batch { return t.currentBatch }

// LastLoss returns the loss of the most recent train batch.
func (t *Trainer) LastLoss() float64 { return t.lastLoss }

// Fit runs the training loop until MaxEpochs complete, a callback
// requests a stop, or a hard error occurs. A stop request is a normal
// completion.
func (t *Trainer) Fit() error {
	if t.phase != PhaseInit {
		return errorf("trainer: Fit called in phase %s", t.phase)
	}
	t.state.Model.To(t.cfg.Device)

	err := t.fit()
	if err != nil && err != ErrStopTraining {
		t.phase = PhaseFailed
		t.logger.Error("training failed",
			zap.Int("epoch", t.state.Epoch),
			zap.Int("step", t.state.Step),
			zap.Error(err))
		return err
	}
	t.phase = PhaseDone
	t.logger.Info("training complete",
		zap.Int("epochs", t.state.Epoch),
		zap.Int("steps", t.state.Step),
		zap.Bool("stopped_early", err == ErrStopTraining))
	return nil
}

func (t *Trainer) fit() error {
	if err := t.bus.fire(EventFitStart, t); err != nil {
		return err
	}
	stopped := false
	for t.state.Epoch < t.cfg.MaxEpochs {
		err := t.runEpoch()
		if err == ErrStopTraining {
			stopped = true
			break
		}
		if err != nil {
			return err
		}
	}
	// on_fit_end fires on normal completion and on a requested stop,
	// so teardown callbacks always run.
	if err := t.bus.fire(EventFitEnd, t); err != nil && err != ErrStopTraining {
		return err
	}
	if stopped {
		return ErrStopTraining
	}
	return nil
}

func (t *Trainer) runEpoch() error {
	if err := t.trainEpoch(); err != nil {
		return err
	}
	t.state.advanceEpoch()

	if t.validLoader != nil {
		if err := t.validEpoch(); err != nil {
			return err
		}
	}
	t.instr.observeEpoch(t.metrics)

	return t.saveCheckpoints()
}

func (t *Trainer) trainEpoch() error {
	t.phase = PhaseTraining
	t.epochLossSum = 0
	t.epochLossCount = 0
	t.accumCount = 0

	if err := t.bus.fire(EventTrainEpochStart, t); err != nil {
		return err
	}
	t.trainLoader.Reset()

	for {
		batch, ok := t.trainLoader.Next()
		if !ok {
			break
		}
		t.currentBatch = batch
		if err := t.bus.fire(EventTrainBatchStart, t); err != nil {
			t.currentBatch = nil
			return err
		}

		loss, err := t.trainBatch(batch)
		if err != nil {
			t.currentBatch = nil
			return err
		}
		t.lastLoss = loss
		t.epochLossSum += loss
		t.epochLossCount++
		t.state.advanceStep()

		t.accumCount++
		if t.accumCount >= t.cfg.GradientAccumulationSteps {
			t.accumCount = 0
			if err := t.optimizerStep(); err != nil {
				t.currentBatch = nil
				return err
			}
		}

		if t.cfg.LogEveryNSteps > 0 && t.state.Step%t.cfg.LogEveryNSteps == 0 {
			t.logger.Info("train step",
				zap.Int("epoch", t.state.Epoch),
				zap.Int("step", t.state.Step),
				zap.Float64("loss", loss),
				zap.Float64("lr", t.currentLR()),
				zap.Float64("scale", t.scaler.Scale()))
		}

		if err := t.bus.fire(EventTrainBatchEnd, t); err != nil {
			t.currentBatch = nil
			return err
		}
		t.currentBatch = nil

		if t.cfg.EvalEveryNSteps > 0 {
			t.stepsSinceEval++
			if t.stepsSinceEval >= t.cfg.EvalEveryNSteps && t.validLoader != nil {
				t.stepsSinceEval = 0
				if err := t.validEpoch(); err != nil {
					return err
				}
				t.phase = PhaseTraining
			}
		}
	}

	// Leftover accumulated gradients never step the optimizer: an
	// epoch applies exactly floor(batches/accumulation_steps) updates.
	if t.accumCount > 0 {
		t.state.Optimizer.ZeroGrad()
		t.accumCount = 0
	}

	if t.cfg.StepSchedulerOnBatchOrEpoch == StepOnEpoch && t.state.Scheduler != nil {
		t.state.Scheduler.Step()
	}

	if t.epochLossCount > 0 {
		t.metrics[MetricTrainAvgLoss] = t.epochLossSum / float64(t.epochLossCount)
	}
	return t.bus.fire(EventTrainEpochEnd, t)
}

// trainBatch runs forward, loss, and backward for one batch. The logit
// gradient carries the loss scale and the accumulation divisor so the
// model's backward stays a plain accumulate.
func (t *Trainer) trainBatch(batch *Batch) (float64, error) {
	logits, err := t.state.Model.Forward(batch)
	if err != nil {
		return 0, err
	}
	t.autocast.Cast(logits)

	loss, err := t.state.Criterion.Compute(logits, batch.Targets)
	if err != nil {
		return 0, err
	}

	grad := NewTensor(logits.Shape...)
	if err := t.state.Criterion.Gradient(logits, batch.Targets, grad); err != nil {
		return 0, err
	}
	grad.Scale(t.scaler.Scale() / float64(t.cfg.GradientAccumulationSteps))

	if err := t.state.Model.Backward(grad); err != nil {
		return 0, err
	}
	return loss, nil
}

// optimizerStep unscales, clips, and applies one update. A non-finite
// gradient norm either aborts the run or skips the step and backs the
// loss scale off, depending on policy.
func (t *Trainer) optimizerStep() error {
	groups := t.state.Optimizer.Groups()
	t.scaler.Unscale(groups)

	if clip := t.cfg.ClipGradNorm; clip != nil {
		norm := ClipGradNorm(groups, clip.MaxNorm, clip.normTypeOrDefault())
		if math.IsNaN(norm) || math.IsInf(norm, 0) {
			if clip.ErrorIfNonFinite {
				return &NonFiniteError{Epoch: t.state.Epoch, Step: t.state.Step, Norm: norm}
			}
			t.logger.Warn("non-finite gradient norm, skipping step",
				zap.Int("epoch", t.state.Epoch),
				zap.Int("step", t.state.Step),
				zap.Float64("norm", norm),
				zap.Float64("scale", t.scaler.Scale()))
			t.scaler.Update(true)
			t.state.Optimizer.ZeroGrad()
			return nil
		}
	} else if t.scaler.Enabled() {
		if norm := GradNorm(groups, 2); math.IsNaN(norm) || math.IsInf(norm, 0) {
			t.logger.Warn("non-finite gradient norm, skipping step",
				zap.Int("epoch", t.state.Epoch),
				zap.Int("step", t.state.Step),
				zap.Float64("norm", norm),
				zap.Float64("scale", t.scaler.Scale()))
			t.scaler.Update(true)
			t.state.Optimizer.ZeroGrad()
			return nil
		}
	}

	t.state.Optimizer.Step()
	t.instr.observeOptimizerStep()
	t.scaler.Update(false)
	t.state.Optimizer.ZeroGrad()

	if t.cfg.StepSchedulerOnBatchOrEpoch == StepOnBatch && t.state.Scheduler != nil {
		t.state.Scheduler.Step()
	}
	return nil
}

// validEpoch runs one full pass over the valid loader without touching
// gradients, then publishes the average loss before firing the
// epoch-end event so callbacks observe final metrics.
func (t *Trainer) validEpoch() error {
	t.phase = PhaseEvaluating
	if err := t.bus.fire(EventValidEpochStart, t); err != nil {
		return err
	}
	t.validLoader.Reset()

	sum := 0.0
	count := 0
	for {
		batch, ok := t.validLoader.Next()
		if !ok {
			break
		}
		t.currentBatch = batch
		if err := t.bus.fire(EventValidBatchStart, t); err != nil {
			t.currentBatch = nil
			return err
		}

		logits, err := t.state.Model.Forward(batch)
		if err != nil {
			t.currentBatch = nil
			return err
		}
		t.autocast.Cast(logits)
		loss, err := t.state.Criterion.Compute(logits, batch.Targets)
		if err != nil {
			t.currentBatch = nil
			return err
		}
		sum += loss
		count++

		if err := t.bus.fire(EventValidBatchEnd, t); err != nil {
			t.currentBatch = nil
			return err
		}
		t.currentBatch = nil
	}
	if count > 0 {
		t.metrics[MetricValidAvgLoss] = sum / float64(count)
	}
	t.logger.Info("validation",
		zap.Int("epoch", t.state.Epoch),
		zap.Int("step", t.state.Step),
		zap.Float64("valid_avg_loss", t.metrics[MetricValidAvgLoss]))
	return t.bus.fire(EventValidEpochEnd, t)
}

// saveCheckpoints consults the manager with final epoch metrics and
// fires the saved event once per written file.
func (t *Trainer) saveCheckpoints() error {
	written, err := t.checkpoints.Consider(t.metrics, t.state)
	if err != nil {
		return err
	}
	for _, path := range written {
		t.instr.observeCheckpoint()
		t.logger.Info("checkpoint saved",
			zap.Int("epoch", t.state.Epoch),
			zap.String("path", path))
		if err := t.bus.fire(EventCheckpointSaved, t); err != nil {
			return err
		}
	}
	return nil
}

func (t *Trainer) currentLR() float64 {
	if t.state.Scheduler != nil {
		return t.state.Scheduler.LastLR()
	}
	if groups := t.state.Optimizer.Groups(); len(groups) > 0 {
		return groups[0].LR
	}
	return 0
}
