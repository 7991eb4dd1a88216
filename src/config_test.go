package ember

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validTrainerConfig() *TrainerConfig {
	return &TrainerConfig{
		Device:                      DeviceCPU,
		MaxEpochs:                   2,
		GradientAccumulationSteps:   1,
		StepSchedulerOnBatchOrEpoch: StepOnBatch,
	}
}

func TestTrainerConfigValidate(t *testing.T) {
	require.NoError(t, validTrainerConfig().Validate())

	cases := []struct {
		name   string
		mutate func(*TrainerConfig)
	}{
		{"zero epochs", func(c *TrainerConfig) { c.MaxEpochs = 0 }},
		{"bad device", func(c *TrainerConfig) { c.Device = "tpu" }},
		{"zero accumulation", func(c *TrainerConfig) { c.GradientAccumulationSteps = 0 }},
		{"bad scheduler granularity", func(c *TrainerConfig) { c.StepSchedulerOnBatchOrEpoch = "minute" }},
		{"negative eval cadence", func(c *TrainerConfig) { c.EvalEveryNSteps = -1 }},
		{"clip without max norm", func(c *TrainerConfig) { c.ClipGradNorm = &ClipGradConfig{} }},
		{"fractional norm order", func(c *TrainerConfig) {
			c.ClipGradNorm = &ClipGradConfig{MaxNorm: 1, NormType: 0.5}
		}},
		{"best only without monitor", func(c *TrainerConfig) {
			c.SaveDir, c.SaveBestOnly, c.Mode = "x", true, ModeMin
		}},
		{"best only without mode", func(c *TrainerConfig) {
			c.SaveDir, c.SaveBestOnly, c.Monitor = "x", true, MetricValidAvgLoss
		}},
		{"checkpointing without save dir", func(c *TrainerConfig) { c.SaveEveryEpoch = true }},
		{"scaler growth factor", func(c *TrainerConfig) {
			c.UseAMP = true
			c.Scaler = ScalerConfig{Enabled: true, InitScale: 1, GrowthFactor: 1, BackoffFactor: 0.5, GrowthInterval: 10}
		}},
		{"autocast dtype", func(c *TrainerConfig) {
			c.UseAMP = true
			c.Autocast = AutocastConfig{Enabled: true, DType: "float16"}
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validTrainerConfig()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestClipNormTypeDefault(t *testing.T) {
	c := &ClipGradConfig{MaxNorm: 1}
	assert.Equal(t, 2.0, c.normTypeOrDefault())

	c.NormType = 3
	assert.Equal(t, 3.0, c.normTypeOrDefault())
}

func TestModelDataGeneratorValidate(t *testing.T) {
	assert.Error(t, (&ModelConfig{DModel: 0, VocabSize: 1, ContextLength: 1}).Validate())
	assert.Error(t, (&DataConfig{TrainBatchSize: 0}).Validate())
	assert.Error(t, (&GeneratorConfig{MaxTokens: 4, Temperature: 0}).Validate())
	assert.NoError(t, (&GeneratorConfig{MaxTokens: 4, Greedy: true}).Validate())
}
