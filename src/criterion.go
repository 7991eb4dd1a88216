package ember

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// Criterion scores model logits against integer targets and produces
// the logit gradient. Logits are [B, S, V]; targets are [B][S] token
// ids. Targets equal to the configured ignore index contribute neither
// loss nor gradient.
type Criterion interface {
	Compute(logits *Tensor, targets [][]int) (float64, error)
	Gradient(logits *Tensor, targets [][]int, gradOut *Tensor) error
	Name() string
}

// CriterionConfig is a validated criterion schema.
type CriterionConfig interface {
	Name() string
	Validate() error
	Build() (Criterion, error)
}

func init() {
	mustRegister(Criteria, "criterion.cross_entropy", func() CriterionConfig { return &CrossEntropyConfig{} })
}

// CrossEntropyConfig configures token-level cross entropy.
type CrossEntropyConfig struct {
	LabelSmoothing float64 `yaml:"label_smoothing"`
	IgnoreIndex    int     `yaml:"ignore_index"` // target id excluded from the loss, -1 disables
	Reduction      string  `yaml:"reduction"`    // "mean" or "sum"
}

func (c *CrossEntropyConfig) Name() string { return "criterion.cross_entropy" }

func (c *CrossEntropyConfig) Validate() error {
	if c.LabelSmoothing < 0 || c.LabelSmoothing >= 1 {
		return configErrorf("criterion", "label_smoothing", "must be in [0, 1), got %v", c.LabelSmoothing)
	}
	switch c.Reduction {
	case "mean", "sum":
	default:
		return configErrorf("criterion", "reduction", "must be \"mean\" or \"sum\", got %q", c.Reduction)
	}
	return nil
}

func (c *CrossEntropyConfig) Build() (Criterion, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &crossEntropy{
		smoothing:   c.LabelSmoothing,
		ignoreIndex: c.IgnoreIndex,
		mean:        c.Reduction == "mean",
	}, nil
}

type crossEntropy struct {
	smoothing   float64
	ignoreIndex int
	mean        bool
}

func (ce *crossEntropy) Name() string { return "criterion.cross_entropy" }

func checkLogitShape(logits *Tensor, targets [][]int) error {
	if len(logits.Shape) != 3 {
		return errorf("criterion: logits must be [B, S, V], got shape %v", logits.Shape)
	}
	if logits.Shape[0] != len(targets) {
		return errorf("criterion: logits batch %d does not match targets batch %d",
			logits.Shape[0], len(targets))
	}
	for b, row := range targets {
		if len(row) != logits.Shape[1] {
			return errorf("criterion: targets[%d] has %d positions, logits have %d",
				b, len(row), logits.Shape[1])
		}
	}
	return nil
}

// Compute returns the (smoothed) negative log likelihood. Per-row
// log-softmax goes through log-sum-exp for stability.
func (ce *crossEntropy) Compute(logits *Tensor, targets [][]int) (float64, error) {
	if err := checkLogitShape(logits, targets); err != nil {
		return 0, err
	}
	seq, vocab := logits.Shape[1], logits.Shape[2]

	sum := 0.0
	counted := 0
	for b, row := range targets {
		for s, target := range row {
			if target == ce.ignoreIndex {
				continue
			}
			offset := (b*seq + s) * vocab
			logit := logits.Data[offset : offset+vocab]
			lse := floats.LogSumExp(logit)
			if ce.smoothing > 0 {
				// uniform mass smoothing/V on every class, the rest on the target
				uniform := ce.smoothing / float64(vocab)
				for v := 0; v < vocab; v++ {
					t := uniform
					if v == target {
						t += 1 - ce.smoothing
					}
					sum -= t * (logit[v] - lse)
				}
			} else {
				sum -= logit[target] - lse
			}
			counted++
		}
	}
	if counted == 0 {
		return 0, errorf("criterion: every target equals the ignore index %d", ce.ignoreIndex)
	}
	if ce.mean {
		return sum / float64(counted), nil
	}
	return sum, nil
}

// Gradient writes d(loss)/d(logits) into gradOut: softmax minus the
// (smoothed) target distribution, zero at ignored positions.
func (ce *crossEntropy) Gradient(logits *Tensor, targets [][]int, gradOut *Tensor) error {
	if err := checkLogitShape(logits, targets); err != nil {
		return err
	}
	if gradOut.Size() != logits.Size() {
		return errorf("criterion: gradOut size %d does not match logits size %d",
			gradOut.Size(), logits.Size())
	}
	seq, vocab := logits.Shape[1], logits.Shape[2]

	counted := 0
	for _, row := range targets {
		for _, target := range row {
			if target != ce.ignoreIndex {
				counted++
			}
		}
	}
	if counted == 0 {
		return errorf("criterion: every target equals the ignore index %d", ce.ignoreIndex)
	}
	scale := 1.0
	if ce.mean {
		scale = 1.0 / float64(counted)
	}

	for b, row := range targets {
		for s, target := range row {
			offset := (b*seq + s) * vocab
			out := gradOut.Data[offset : offset+vocab]
			if target == ce.ignoreIndex {
				for v := range out {
					out[v] = 0
				}
				continue
			}
			logit := logits.Data[offset : offset+vocab]
			lse := floats.LogSumExp(logit)
			uniform := ce.smoothing / float64(vocab)
			for v := 0; v < vocab; v++ {
				p := math.Exp(logit[v] - lse)
				t := uniform
				if v == target {
					t += 1 - ce.smoothing
				}
				out[v] = scale * (p - t)
			}
		}
	}
	return nil
}
