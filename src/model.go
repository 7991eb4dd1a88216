package ember

import (
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// Model is the forward-computation contract the trainer consumes. The
// architecture itself is an external collaborator; the orchestrator
// only needs logits out, logit gradients in, and parameter enumeration
// for grouping and checkpointing.
type Model interface {
	Forward(b *Batch) (*Tensor, error)
	Backward(gradLogits *Tensor) error
	Parameters() []*Parameter
	ZeroGrad()
	To(d Device)
}

// EmbedProjectModel is a compact reference model: an embedding table
// followed by a linear projection to vocabulary logits. It stands in
// for the external decoder in examples and tests, and exercises the
// full Model contract including manual backward.
type EmbedProjectModel struct {
	dModel    int
	vocabSize int
	device    Device

	embed *Parameter // [vocab, d_model]
	proj  *Parameter // [d_model, vocab]
	bias  *Parameter // [vocab]

	// forward cache for backward
	lastInputs [][]int
	lastHidden *mat.Dense
}

// NewEmbedProjectModel initializes weights from N(0, 0.02) with the
// given seed.
func NewEmbedProjectModel(cfg ModelConfig, seed int64) (*EmbedProjectModel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(seed))
	m := &EmbedProjectModel{
		dModel:    cfg.DModel,
		vocabSize: cfg.VocabSize,
		device:    DeviceCPU,
		embed:     NewParameter("embed.weight", cfg.VocabSize, cfg.DModel),
		proj:      NewParameter("proj.weight", cfg.DModel, cfg.VocabSize),
		bias:      NewParameter("proj.bias", cfg.VocabSize),
	}
	m.embed.FillNormal(0, 0.02, rng)
	m.proj.FillNormal(0, 0.02, rng)
	return m, nil
}

// Parameters enumerates the trainable parameters in a fixed order.
func (m *EmbedProjectModel) Parameters() []*Parameter {
	return []*Parameter{m.embed, m.proj, m.bias}
}

// ZeroGrad clears all gradient buffers.
func (m *EmbedProjectModel) ZeroGrad() {
	for _, p := range m.Parameters() {
		p.ZeroGrad()
	}
}

// To records the compute device. The reference model is CPU-only.
func (m *EmbedProjectModel) To(d Device) {
	m.device = d.Resolve()
}

// Forward embeds the input tokens and projects to logits [B, S, V].
// The attention masks on the batch are accepted per the contract but a
// positionwise model has no use for them.
func (m *EmbedProjectModel) Forward(b *Batch) (*Tensor, error) {
	batch := b.Size()
	if batch == 0 {
		return nil, errorf("model: empty batch")
	}
	seq := len(b.Inputs[0])

	hidden := mat.NewDense(batch*seq, m.dModel, nil)
	for i, row := range b.Inputs {
		if len(row) != seq {
			return nil, errorf("model: ragged batch, row %d has %d tokens, want %d", i, len(row), seq)
		}
		for j, token := range row {
			if token < 0 || token >= m.vocabSize {
				return nil, errorf("model: token id %d out of vocabulary [0, %d)", token, m.vocabSize)
			}
			hidden.SetRow(i*seq+j, m.embed.Data[token*m.dModel:(token+1)*m.dModel])
		}
	}

	weights := mat.NewDense(m.dModel, m.vocabSize, m.proj.Data)
	var out mat.Dense
	out.Mul(hidden, weights)

	logits := NewTensor(batch, seq, m.vocabSize)
	for r := 0; r < batch*seq; r++ {
		row := out.RawRowView(r)
		dst := logits.Data[r*m.vocabSize : (r+1)*m.vocabSize]
		for v := range dst {
			dst[v] = row[v] + m.bias.Data[v]
		}
	}

	m.lastInputs = b.Inputs
	m.lastHidden = hidden
	return logits, nil
}

// Backward accumulates parameter gradients from the logit gradient of
// the most recent Forward.
func (m *EmbedProjectModel) Backward(gradLogits *Tensor) error {
	if m.lastHidden == nil {
		return errorf("model: Backward called before Forward")
	}
	rows, _ := m.lastHidden.Dims()
	if gradLogits.Size() != rows*m.vocabSize {
		return errorf("model: gradient size %d does not match logits size %d",
			gradLogits.Size(), rows*m.vocabSize)
	}
	gradOut := mat.NewDense(rows, m.vocabSize, gradLogits.Data)

	// dW += Hᵀ · dL
	var dW mat.Dense
	dW.Mul(m.lastHidden.T(), gradOut)
	gw := mat.NewDense(m.dModel, m.vocabSize, m.proj.Grad)
	gw.Add(gw, &dW)

	// dbias += column sums of dL
	for r := 0; r < rows; r++ {
		row := gradOut.RawRowView(r)
		for v := range m.bias.Grad {
			m.bias.Grad[v] += row[v]
		}
	}

	// dH = dL · Wᵀ, scattered back onto the embedding rows
	weights := mat.NewDense(m.dModel, m.vocabSize, m.proj.Data)
	var dH mat.Dense
	dH.Mul(gradOut, weights.T())
	seq := rows / len(m.lastInputs)
	for i, inputRow := range m.lastInputs {
		for j, token := range inputRow {
			src := dH.RawRowView(i*seq + j)
			dst := m.embed.Grad[token*m.dModel : (token+1)*m.dModel]
			for k := range dst {
				dst[k] += src[k]
			}
		}
	}
	return nil
}
