package ember

// Event identifies one hook point in the training loop. The loop fires
// every event in a fixed position; a silent run is just a run with no
// callbacks attached.
type Event string

const (
	EventFitStart        Event = "on_fit_start"
	EventFitEnd          Event = "on_fit_end"
	EventTrainEpochStart Event = "on_train_epoch_start"
	EventTrainEpochEnd   Event = "on_train_epoch_end"
	EventValidEpochStart Event = "on_valid_epoch_start"
	EventValidEpochEnd   Event = "on_valid_epoch_end"
	EventTrainBatchStart Event = "on_train_batch_start"
	EventTrainBatchEnd   Event = "on_train_batch_end"
	EventValidBatchStart Event = "on_valid_batch_start"
	EventValidBatchEnd   Event = "on_valid_batch_end"
	EventCheckpointSaved Event = "on_checkpoint_saved"
)

// knownEvents is the closed set of hook points, in loop order.
var knownEvents = []Event{
	EventFitStart,
	EventFitEnd,
	EventTrainEpochStart,
	EventTrainEpochEnd,
	EventValidEpochStart,
	EventValidEpochEnd,
	EventTrainBatchStart,
	EventTrainBatchEnd,
	EventValidBatchStart,
	EventValidBatchEnd,
	EventCheckpointSaved,
}

func validEvent(e Event) bool {
	for _, k := range knownEvents {
		if k == e {
			return true
		}
	}
	return false
}

// Callback observes the trainer at a hook point. Returning
// ErrStopTraining requests a graceful stop after the current scope;
// any other error aborts the run.
type Callback func(t *Trainer) error

// callbackBus dispatches callbacks in registration order per event.
type callbackBus struct {
	handlers map[Event][]Callback
}

func newCallbackBus() *callbackBus {
	return &callbackBus{handlers: make(map[Event][]Callback)}
}

func (b *callbackBus) add(e Event, cb Callback) error {
	if !validEvent(e) {
		return &UnknownEventError{Event: e, Known: knownEvents}
	}
	b.handlers[e] = append(b.handlers[e], cb)
	return nil
}

func (b *callbackBus) fire(e Event, t *Trainer) error {
	for _, cb := range b.handlers[e] {
		if err := cb(t); err != nil {
			return err
		}
	}
	return nil
}

// EarlyStopping stops the run when the monitored metric has not
// improved for Patience validation epochs. Attach it to
// EventValidEpochEnd.
type EarlyStopping struct {
	Monitor  string
	Mode     string // ModeMin or ModeMax
	Patience int
	MinDelta float64

	best     float64
	bad      int
	observed bool
}

// Hook returns the callback to register on EventValidEpochEnd.
func (es *EarlyStopping) Hook() Callback {
	return func(t *Trainer) error {
		value, ok := t.Metrics()[es.Monitor]
		if !ok {
			return &MonitorError{Monitor: es.Monitor, Available: t.Metrics().Keys()}
		}
		if !es.observed {
			es.observed = true
			es.best = value
			return nil
		}
		improved := false
		switch es.Mode {
		case ModeMax:
			improved = value > es.best+es.MinDelta
		default:
			improved = value < es.best-es.MinDelta
		}
		if improved {
			es.best = value
			es.bad = 0
			return nil
		}
		es.bad++
		if es.bad >= es.Patience {
			return ErrStopTraining
		}
		return nil
	}
}

// History records the metrics of every validation epoch. Attach it to
// EventValidEpochEnd.
type History struct {
	Records []MetricRecord
}

// Hook returns the callback to register on EventValidEpochEnd.
func (h *History) Hook() Callback {
	return func(t *Trainer) error {
		h.Records = append(h.Records, t.Metrics().Clone())
		return nil
	}
}
