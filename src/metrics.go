package ember

import (
	"sort"

	"github.com/prometheus/client_golang/prometheus"
)

// Metric names produced by the trainer each evaluation.
const (
	MetricTrainAvgLoss = "train_avg_loss"
	MetricValidAvgLoss = "valid_avg_loss"
)

// MetricRecord maps a metric name to its latest value. One record per
// trainer; the checkpoint manager reads the monitored key out of it.
type MetricRecord map[string]float64

// Clone returns an independent copy.
func (r MetricRecord) Clone() MetricRecord {
	out := make(MetricRecord, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Keys returns the metric names in sorted order.
func (r MetricRecord) Keys() []string {
	keys := make([]string, 0, len(r))
	for k := range r {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Instrumentation exposes training progress as prometheus metrics. All
// methods are nil-safe so the trainer can run uninstrumented.
type Instrumentation struct {
	optimizerSteps    prometheus.Counter
	checkpointsSaved  prometheus.Counter
	lastTrainAvgLoss  prometheus.Gauge
	lastValidAvgLoss  prometheus.Gauge
}

// NewInstrumentation registers the trainer's collectors on reg.
func NewInstrumentation(reg prometheus.Registerer) (*Instrumentation, error) {
	in := &Instrumentation{
		optimizerSteps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ember_optimizer_steps_total",
			Help: "Optimizer steps applied.",
		}),
		checkpointsSaved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ember_checkpoints_saved_total",
			Help: "Checkpoints published.",
		}),
		lastTrainAvgLoss: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ember_train_avg_loss",
			Help: "Average training loss of the last completed epoch.",
		}),
		lastValidAvgLoss: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ember_valid_avg_loss",
			Help: "Average validation loss of the last completed evaluation.",
		}),
	}
	for _, c := range []prometheus.Collector{
		in.optimizerSteps, in.checkpointsSaved, in.lastTrainAvgLoss, in.lastValidAvgLoss,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return in, nil
}

func (in *Instrumentation) observeOptimizerStep() {
	if in == nil {
		return
	}
	in.optimizerSteps.Inc()
}

func (in *Instrumentation) observeCheckpoint() {
	if in == nil {
		return
	}
	in.checkpointsSaved.Inc()
}

func (in *Instrumentation) observeEpoch(record MetricRecord) {
	if in == nil {
		return
	}
	if v, ok := record[MetricTrainAvgLoss]; ok {
		in.lastTrainAvgLoss.Set(v)
	}
	if v, ok := record[MetricValidAvgLoss]; ok {
		in.lastValidAvgLoss.Set(v)
	}
}
