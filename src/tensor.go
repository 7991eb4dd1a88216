package ember

import (
	"math"
	"math/rand"
	"strings"

	"gonum.org/v1/gonum/floats"
)

// Tensor is a dense value with a shape and flat row-major data. It is
// the unit of exchange on the model contract (logits in, logit
// gradients out); the orchestrator never interprets its contents beyond
// shape checks and precision casts.
type Tensor struct {
	Shape []int
	Data  []float64
}

// NewTensor allocates a zero tensor of the given shape.
func NewTensor(shape ...int) *Tensor {
	size := 1
	for _, s := range shape {
		size *= s
	}
	return &Tensor{
		Shape: append([]int(nil), shape...),
		Data:  make([]float64, size),
	}
}

// Size returns the number of elements.
func (t *Tensor) Size() int { return len(t.Data) }

// At reads the element at the given indices.
func (t *Tensor) At(indices ...int) float64 {
	return t.Data[t.offset(indices)]
}

// Set writes the element at the given indices.
func (t *Tensor) Set(v float64, indices ...int) {
	t.Data[t.offset(indices)] = v
}

func (t *Tensor) offset(indices []int) int {
	idx := 0
	stride := 1
	for i := len(t.Shape) - 1; i >= 0; i-- {
		idx += indices[i] * stride
		stride *= t.Shape[i]
	}
	return idx
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	nt := NewTensor(t.Shape...)
	copy(nt.Data, t.Data)
	return nt
}

// Scale multiplies every element by s.
func (t *Tensor) Scale(s float64) {
	floats.Scale(s, t.Data)
}

// Parameter is a named trainable tensor with a gradient buffer. Names
// follow the dotted module path convention ("decoder.blocks.0.attn.weight")
// so the weight-decay partition can be decided structurally.
type Parameter struct {
	Name  string
	Shape []int
	Data  []float64
	Grad  []float64
}

// NewParameter allocates a zero parameter of the given shape.
func NewParameter(name string, shape ...int) *Parameter {
	size := 1
	for _, s := range shape {
		size *= s
	}
	return &Parameter{
		Name:  name,
		Shape: append([]int(nil), shape...),
		Data:  make([]float64, size),
		Grad:  make([]float64, size),
	}
}

// Size returns the number of elements.
func (p *Parameter) Size() int { return len(p.Data) }

// ZeroGrad clears the gradient buffer.
func (p *Parameter) ZeroGrad() {
	for i := range p.Grad {
		p.Grad[i] = 0
	}
}

// FillNormal initializes the values from N(mean, std).
func (p *Parameter) FillNormal(mean, std float64, rng *rand.Rand) {
	for i := range p.Data {
		p.Data[i] = rng.NormFloat64()*std + mean
	}
}

// ParamGroup is a set of parameters sharing a learning rate and weight
// decay. Optimizers step groups; schedulers rewrite LR per group.
type ParamGroup struct {
	Params      []*Parameter
	LR          float64
	WeightDecay float64
}

// SingleGroup wraps all parameters into one group.
func SingleGroup(params []*Parameter, lr, weightDecay float64) []*ParamGroup {
	return []*ParamGroup{{Params: params, LR: lr, WeightDecay: weightDecay}}
}

// decayEligible applies the structural decay rule: weight matrices
// (ndim >= 2) decay; biases and normalization scale/shift parameters do
// not. The decision uses name and shape only, never the runtime type of
// the owning module.
func decayEligible(p *Parameter) bool {
	if len(p.Shape) < 2 {
		return false
	}
	lower := strings.ToLower(p.Name)
	if strings.HasSuffix(lower, ".bias") || strings.Contains(lower, "norm") || strings.Contains(lower, "ln_") {
		return false
	}
	return true
}

// PartitionParameters splits params into a decay group and a no-decay
// group. The no-decay group always carries WeightDecay == 0.
func PartitionParameters(params []*Parameter, lr, weightDecay float64) []*ParamGroup {
	decay := &ParamGroup{LR: lr, WeightDecay: weightDecay}
	noDecay := &ParamGroup{LR: lr, WeightDecay: 0}
	for _, p := range params {
		if decayEligible(p) {
			decay.Params = append(decay.Params, p)
		} else {
			noDecay.Params = append(noDecay.Params, p)
		}
	}
	return []*ParamGroup{decay, noDecay}
}

// GradNorm computes the global gradient norm across all groups.
// normType is a p-norm order; math.Inf(1) selects the max norm.
func GradNorm(groups []*ParamGroup, normType float64) float64 {
	if math.IsInf(normType, 1) {
		total := 0.0
		for _, g := range groups {
			for _, p := range g.Params {
				n := floats.Norm(p.Grad, normType)
				if n > total {
					total = n
				}
			}
		}
		return total
	}
	total := 0.0
	for _, g := range groups {
		for _, p := range g.Params {
			n := floats.Norm(p.Grad, normType)
			total += math.Pow(n, normType)
		}
	}
	return math.Pow(total, 1/normType)
}

// ClipGradNorm scales gradients in place so the global norm does not
// exceed maxNorm, and returns the pre-clip norm. A non-finite norm is
// returned unclipped; the caller decides whether that is fatal.
func ClipGradNorm(groups []*ParamGroup, maxNorm, normType float64) float64 {
	norm := GradNorm(groups, normType)
	if math.IsNaN(norm) || math.IsInf(norm, 0) {
		return norm
	}
	if norm > maxNorm {
		scale := maxNorm / (norm + 1e-6)
		for _, g := range groups {
			for _, p := range g.Params {
				floats.Scale(scale, p.Grad)
			}
		}
	}
	return norm
}
