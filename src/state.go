package ember

// State bundles everything one training run mutates: the model, the
// loss, the optimization stack, progress counters, and the vocabulary
// that makes saved token ids interpretable. Resume replaces a State
// wholesale rather than patching fields, so a run can never mix
// restored weights with fresh optimizer moments.
type State struct {
	Model      Model
	Criterion  Criterion
	Optimizer  Optimizer
	Scheduler  Scheduler
	Vocabulary *Vocabulary
	Tokenizer  Tokenizer

	// Epoch is the number of completed epochs, Step the number of
	// processed train batches across all epochs.
	Epoch int
	Step  int
}

// advanceEpoch and advanceStep are the only writers of the progress
// counters. Trainer owns the cadence.
func (s *State) advanceEpoch() { s.Epoch++ }
func (s *State) advanceStep()  { s.Step++ }

// ParameterSnapshot is one saved parameter.
type ParameterSnapshot struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float64 `json:"data"`
}

// StateSnapshot is the persistable projection of a State. Everything a
// resumed run needs is value data; collaborator objects are rebuilt
// from config and then restored from here.
type StateSnapshot struct {
	Epoch          int                 `json:"epoch"`
	Step           int                 `json:"step"`
	Parameters     []ParameterSnapshot `json:"parameters"`
	Optimizer      *OptimizerSnapshot  `json:"optimizer"`
	SchedulerSteps int                 `json:"scheduler_steps,omitempty"`
	Tokens         []string            `json:"tokens,omitempty"`
}

// Snapshot captures the current run state. Parameter data is copied, so
// further training does not mutate the snapshot.
func (s *State) Snapshot() *StateSnapshot {
	snap := &StateSnapshot{
		Epoch:     s.Epoch,
		Step:      s.Step,
		Optimizer: s.Optimizer.Snapshot(),
	}
	for _, p := range s.Model.Parameters() {
		data := make([]float64, len(p.Data))
		copy(data, p.Data)
		snap.Parameters = append(snap.Parameters, ParameterSnapshot{
			Name:  p.Name,
			Shape: append([]int(nil), p.Shape...),
			Data:  data,
		})
	}
	if s.Scheduler != nil {
		snap.SchedulerSteps = s.Scheduler.StepCount()
	}
	if s.Vocabulary != nil {
		snap.Tokens = append([]string(nil), s.Vocabulary.IDToToken...)
	}
	return snap
}

// RestoreState builds a fresh State from config around the given model
// and loads the snapshot into it. The model must have the same
// parameter set, in the same order, as the one that produced the
// snapshot.
func RestoreState(c *Composer, model Model, snap *StateSnapshot) (*State, error) {
	state, err := BuildState(c, model)
	if err != nil {
		return nil, err
	}
	params := model.Parameters()
	if len(params) != len(snap.Parameters) {
		return nil, errorf("snapshot has %d parameters, model has %d", len(snap.Parameters), len(params))
	}
	for i, saved := range snap.Parameters {
		p := params[i]
		if p.Name != saved.Name {
			return nil, errorf("snapshot parameter %d is %q, model has %q", i, saved.Name, p.Name)
		}
		if len(saved.Data) != len(p.Data) {
			return nil, errorf("snapshot parameter %q has %d values, model has %d",
				saved.Name, len(saved.Data), len(p.Data))
		}
		copy(p.Data, saved.Data)
	}
	if snap.Optimizer != nil {
		if err := state.Optimizer.Restore(snap.Optimizer); err != nil {
			return nil, err
		}
	}
	if state.Scheduler != nil {
		state.Scheduler.SetStepCount(snap.SchedulerSteps)
	}
	if len(snap.Tokens) > 0 {
		state.Vocabulary = NewVocabulary(snap.Tokens)
	}
	state.Epoch = snap.Epoch
	state.Step = snap.Step
	return state, nil
}

// BuildState assembles the optimization stack around a model. The
// parameter partition is decided here, before the optimizer binds to
// its groups, so the decay rule is a grouping policy rather than an
// optimizer concern.
func BuildState(c *Composer, model Model) (*State, error) {
	if model == nil {
		return nil, errorf("BuildState: model is required")
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}

	params := model.Parameters()
	var groups []*ParamGroup
	if c.Trainer.ApplyWeightDecayToDifferentParamGroups {
		groups = PartitionParameters(params, c.Optimizer.BaseLR(), c.Optimizer.BaseWeightDecay())
	} else {
		groups = SingleGroup(params, c.Optimizer.BaseLR(), c.Optimizer.BaseWeightDecay())
	}

	opt, err := c.Optimizer.Build(groups)
	if err != nil {
		return nil, err
	}
	crit, err := c.Criterion.Build()
	if err != nil {
		return nil, err
	}

	state := &State{
		Model:     model,
		Criterion: crit,
		Optimizer: opt,
	}
	if c.Scheduler != nil {
		sched, err := c.Scheduler.Build(opt)
		if err != nil {
			return nil, err
		}
		state.Scheduler = sched
	}
	return state, nil
}
