package ember

import (
	"math/rand"
)

// Batch is one unit of work from the data-loading collaborator: inputs
// and right-shifted targets as token ids, plus the attention masks the
// model contract consumes. Masks follow the convention true == visible
// (future mask) and true == real token (padding mask).
type Batch struct {
	Inputs             [][]int
	Targets            [][]int
	FutureMasks        [][]bool
	TargetPaddingMasks [][]bool
}

// Size returns the number of sequences in the batch.
func (b *Batch) Size() int { return len(b.Inputs) }

// DataLoader yields batches. It must support one full iteration per
// epoch and a restart between epochs. Any prefetching implementation
// must hand batches over a thread-safe boundary it owns; the trainer
// consumes strictly sequentially.
type DataLoader interface {
	Reset()
	Next() (*Batch, bool)
	Len() int // number of batches per epoch
}

// Sample is one tokenized sequence pair.
type Sample struct {
	Input  []int
	Target []int
}

// SliceLoaderConfig configures the in-memory loader.
type SliceLoaderConfig struct {
	Samples   []Sample
	BatchSize int
	Shuffle   bool
	Seed      int64
	PadID     int
}

// SliceLoader batches an in-memory sample set, padding each batch to
// its longest sequence and deriving the masks.
type SliceLoader struct {
	samples   []Sample
	batchSize int
	shuffle   bool
	padID     int
	rng       *rand.Rand
	order     []int
	pos       int
}

// NewSliceLoader validates the config and builds a loader.
func NewSliceLoader(cfg SliceLoaderConfig) (*SliceLoader, error) {
	if len(cfg.Samples) == 0 {
		return nil, configErrorf("data", "samples", "at least one sample is required")
	}
	if cfg.BatchSize <= 0 {
		return nil, configErrorf("data", "batch_size", "must be > 0, got %d", cfg.BatchSize)
	}
	for i, s := range cfg.Samples {
		if len(s.Input) == 0 || len(s.Input) != len(s.Target) {
			return nil, configErrorf("data", "samples",
				"sample %d: input length %d and target length %d must match and be > 0",
				i, len(s.Input), len(s.Target))
		}
	}
	l := &SliceLoader{
		samples:   cfg.Samples,
		batchSize: cfg.BatchSize,
		shuffle:   cfg.Shuffle,
		padID:     cfg.PadID,
		rng:       rand.New(rand.NewSource(cfg.Seed)),
		order:     make([]int, len(cfg.Samples)),
	}
	for i := range l.order {
		l.order[i] = i
	}
	return l, nil
}

// Len returns the number of batches per epoch.
func (l *SliceLoader) Len() int {
	return (len(l.samples) + l.batchSize - 1) / l.batchSize
}

// Reset rewinds to the first batch, reshuffling if configured.
func (l *SliceLoader) Reset() {
	l.pos = 0
	if l.shuffle {
		l.rng.Shuffle(len(l.order), func(i, j int) {
			l.order[i], l.order[j] = l.order[j], l.order[i]
		})
	}
}

// Next returns the next batch, or false at epoch end.
func (l *SliceLoader) Next() (*Batch, bool) {
	if l.pos >= len(l.samples) {
		return nil, false
	}
	end := l.pos + l.batchSize
	if end > len(l.samples) {
		end = len(l.samples)
	}
	indices := l.order[l.pos:end]
	l.pos = end

	maxLen := 0
	for _, idx := range indices {
		if n := len(l.samples[idx].Input); n > maxLen {
			maxLen = n
		}
	}

	b := &Batch{
		Inputs:             make([][]int, len(indices)),
		Targets:            make([][]int, len(indices)),
		FutureMasks:        make([][]bool, len(indices)),
		TargetPaddingMasks: make([][]bool, len(indices)),
	}
	for i, idx := range indices {
		s := l.samples[idx]
		input := make([]int, maxLen)
		target := make([]int, maxLen)
		padding := make([]bool, maxLen)
		future := make([]bool, maxLen)
		for j := 0; j < maxLen; j++ {
			if j < len(s.Input) {
				input[j] = s.Input[j]
				target[j] = s.Target[j]
				padding[j] = true
			} else {
				input[j] = l.padID
				target[j] = l.padID
			}
			future[j] = true
		}
		b.Inputs[i] = input
		b.Targets[i] = target
		b.TargetPaddingMasks[i] = padding
		b.FutureMasks[i] = future
	}
	return b, true
}
