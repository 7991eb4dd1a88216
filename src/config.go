package ember

import "math"

// Scheduler stepping granularity.
const (
	StepOnBatch = "batch"
	StepOnEpoch = "epoch"
)

// Comparison modes for the monitored metric.
const (
	ModeMin = "min"
	ModeMax = "max"
)

// AutocastConfig controls the reduced-precision forward region.
type AutocastConfig struct {
	Enabled      bool   `yaml:"enabled"`
	DType        string `yaml:"dtype"` // "float32" or "bfloat16"
	CacheEnabled bool   `yaml:"cache_enabled"`
}

// ScalerConfig controls gradient scaling under mixed precision.
type ScalerConfig struct {
	Enabled        bool    `yaml:"enabled"`
	InitScale      float64 `yaml:"init_scale"`
	GrowthFactor   float64 `yaml:"growth_factor"`
	BackoffFactor  float64 `yaml:"backoff_factor"`
	GrowthInterval int     `yaml:"growth_interval"`
}

// ClipGradConfig configures global gradient-norm clipping. A nil
// ClipGradConfig on the trainer disables clipping entirely.
type ClipGradConfig struct {
	MaxNorm          float64 `yaml:"max_norm"`
	NormType         float64 `yaml:"norm_type"` // p-norm order; 0 means 2
	ErrorIfNonFinite bool    `yaml:"error_if_nonfinite"`
	Foreach          bool    `yaml:"foreach"` // accepted for config parity, single-device build ignores it
}

// TrainerConfig holds the training-loop policy. All cadence fields are
// counted in global steps; zero disables the behavior.
type TrainerConfig struct {
	Device          Device `yaml:"device"`
	MaxEpochs       int    `yaml:"max_epochs"`
	EvalEveryNSteps int    `yaml:"eval_every_n_steps"`
	LogEveryNSteps  int    `yaml:"log_every_n_steps"`

	UseAMP   bool           `yaml:"use_amp"`
	Autocast AutocastConfig `yaml:"autocast_config"`
	Scaler   ScalerConfig   `yaml:"scaler_config"`

	GradientAccumulationSteps int             `yaml:"gradient_accumulation_steps"`
	ClipGradNorm              *ClipGradConfig `yaml:"clip_grad_norm"`

	ApplyWeightDecayToDifferentParamGroups bool `yaml:"apply_weight_decay_to_different_param_groups"`

	StepSchedulerOnBatchOrEpoch string `yaml:"step_scheduler_on_batch_or_epoch"`

	SaveDir        string `yaml:"save_dir"`
	SaveEveryEpoch bool   `yaml:"save_every_epoch"`
	SaveBestOnly   bool   `yaml:"save_best_only"`
	Monitor        string `yaml:"monitor"`
	Mode           string `yaml:"mode"`
}

// Validate checks field ranges and enum values.
func (c *TrainerConfig) Validate() error {
	if err := c.Device.Validate(); err != nil {
		return err
	}
	if c.MaxEpochs <= 0 {
		return configErrorf("trainer", "max_epochs", "must be > 0, got %d", c.MaxEpochs)
	}
	if c.EvalEveryNSteps < 0 {
		return configErrorf("trainer", "eval_every_n_steps", "must be >= 0, got %d", c.EvalEveryNSteps)
	}
	if c.LogEveryNSteps < 0 {
		return configErrorf("trainer", "log_every_n_steps", "must be >= 0, got %d", c.LogEveryNSteps)
	}
	if c.GradientAccumulationSteps < 1 {
		return configErrorf("trainer", "gradient_accumulation_steps", "must be >= 1, got %d", c.GradientAccumulationSteps)
	}
	if c.ClipGradNorm != nil {
		if c.ClipGradNorm.MaxNorm <= 0 {
			return configErrorf("trainer", "clip_grad_norm.max_norm", "must be > 0, got %v", c.ClipGradNorm.MaxNorm)
		}
		nt := c.ClipGradNorm.NormType
		if nt < 0 || (nt > 0 && nt < 1) {
			return configErrorf("trainer", "clip_grad_norm.norm_type", "must be >= 1 or +inf, got %v", nt)
		}
	}
	switch c.StepSchedulerOnBatchOrEpoch {
	case StepOnBatch, StepOnEpoch:
	default:
		return configErrorf("trainer", "step_scheduler_on_batch_or_epoch",
			"must be %q or %q, got %q", StepOnBatch, StepOnEpoch, c.StepSchedulerOnBatchOrEpoch)
	}
	if c.SaveBestOnly {
		if c.Monitor == "" {
			return configErrorf("trainer", "monitor", "required when save_best_only is set")
		}
		if c.Mode != ModeMin && c.Mode != ModeMax {
			return configErrorf("trainer", "mode", "must be %q or %q, got %q", ModeMin, ModeMax, c.Mode)
		}
	}
	if (c.SaveBestOnly || c.SaveEveryEpoch) && c.SaveDir == "" {
		return configErrorf("trainer", "save_dir", "required when checkpointing is enabled")
	}
	if c.UseAMP {
		if c.Scaler.Enabled {
			if c.Scaler.InitScale <= 0 {
				return configErrorf("trainer", "scaler_config.init_scale", "must be > 0, got %v", c.Scaler.InitScale)
			}
			if c.Scaler.GrowthFactor <= 1 {
				return configErrorf("trainer", "scaler_config.growth_factor", "must be > 1, got %v", c.Scaler.GrowthFactor)
			}
			if c.Scaler.BackoffFactor <= 0 || c.Scaler.BackoffFactor >= 1 {
				return configErrorf("trainer", "scaler_config.backoff_factor", "must be in (0, 1), got %v", c.Scaler.BackoffFactor)
			}
			if c.Scaler.GrowthInterval <= 0 {
				return configErrorf("trainer", "scaler_config.growth_interval", "must be > 0, got %d", c.Scaler.GrowthInterval)
			}
		}
		if c.Autocast.Enabled {
			switch c.Autocast.DType {
			case "float32", "bfloat16":
			default:
				return configErrorf("trainer", "autocast_config.dtype",
					"must be \"float32\" or \"bfloat16\", got %q", c.Autocast.DType)
			}
		}
	}
	return nil
}

// normTypeOrDefault resolves the zero value to the 2-norm.
func (c *ClipGradConfig) normTypeOrDefault() float64 {
	if c.NormType == 0 {
		return 2
	}
	if math.IsInf(c.NormType, 1) {
		return math.Inf(1)
	}
	return c.NormType
}

// ModelConfig carries the shape contract of the external model: the
// orchestrator needs these to cross-check scheduler/vocabulary fields,
// not to build architecture.
type ModelConfig struct {
	DModel        int `yaml:"d_model"`
	VocabSize     int `yaml:"vocab_size"`
	ContextLength int `yaml:"context_length"`
}

// Validate checks the shape fields are physically valid.
func (c *ModelConfig) Validate() error {
	if c.DModel <= 0 {
		return configErrorf("model", "d_model", "must be > 0, got %d", c.DModel)
	}
	if c.VocabSize <= 0 {
		return configErrorf("model", "vocab_size", "must be > 0, got %d", c.VocabSize)
	}
	if c.ContextLength <= 0 {
		return configErrorf("model", "context_length", "must be > 0, got %d", c.ContextLength)
	}
	return nil
}

// DataConfig carries the loader-facing knobs the orchestrator reads.
type DataConfig struct {
	TrainBatchSize int   `yaml:"train_batch_size"`
	ValidBatchSize int   `yaml:"valid_batch_size"`
	Shuffle        bool  `yaml:"shuffle"`
	Seed           int64 `yaml:"seed"`
	TokenizerPath  string `yaml:"tokenizer_path"`
}

// Validate checks batch sizes.
func (c *DataConfig) Validate() error {
	if c.TrainBatchSize <= 0 {
		return configErrorf("data", "train_batch_size", "must be > 0, got %d", c.TrainBatchSize)
	}
	if c.ValidBatchSize < 0 {
		return configErrorf("data", "valid_batch_size", "must be >= 0, got %d", c.ValidBatchSize)
	}
	return nil
}

// GeneratorConfig is the sampling configuration shape. Generation
// itself lives outside this core; the composer only validates and
// transports these fields.
type GeneratorConfig struct {
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
	Greedy      bool    `yaml:"greedy"`
	TopK        int     `yaml:"top_k"`
	TopP        float64 `yaml:"top_p"`
}

// Validate checks sampling ranges.
func (c *GeneratorConfig) Validate() error {
	if c.MaxTokens <= 0 {
		return configErrorf("generator", "max_tokens", "must be > 0, got %d", c.MaxTokens)
	}
	if !c.Greedy && c.Temperature <= 0 {
		return configErrorf("generator", "temperature", "must be > 0 when sampling, got %v", c.Temperature)
	}
	if c.TopK < 0 {
		return configErrorf("generator", "top_k", "must be >= 0, got %d", c.TopK)
	}
	if c.TopP < 0 || c.TopP > 1 {
		return configErrorf("generator", "top_p", "must be in [0, 1], got %v", c.TopP)
	}
	return nil
}
