package ember

import (
	"gopkg.in/yaml.v3"
)

// LoggerConfig is the logging section of the experiment document.
type LoggerConfig struct {
	Level string `yaml:"level"`
}

// Composer is the aggregate root of one experiment: exactly one
// validated sub-config per required concern, optional ones absent
// rather than defaulted. It is the only component allowed to read
// across sub-configs; every derived field is concrete before any
// Build call.
type Composer struct {
	Constants map[string]interface{}
	Logger    *LoggerConfig
	Model     *ModelConfig
	Data      *DataConfig
	Optimizer OptimizerConfig
	Criterion CriterionConfig
	Scheduler SchedulerConfig
	Trainer   *TrainerConfig
	Generator *GeneratorConfig
}

// decodeSection re-marshals a raw document subtree into a typed config.
func decodeSection(section string, raw interface{}, out interface{}) error {
	data, err := yaml.Marshal(raw)
	if err != nil {
		return configErrorf(section, "", "cannot encode section: %v", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return configErrorf(section, "", "cannot decode section: %v", err)
	}
	return nil
}

// sectionName extracts the registry lookup key of a named section.
func sectionName(section string, raw interface{}) (string, error) {
	var header struct {
		Name string `yaml:"name"`
	}
	if err := decodeSection(section, raw, &header); err != nil {
		return "", err
	}
	if header.Name == "" {
		return "", configErrorf(section, "name", "required")
	}
	return header.Name, nil
}

// Compose validates and assembles a Composer from a raw document.
// Interpolations are resolved and required markers rejected before any
// schema is decoded, so validation errors carry concrete values.
func Compose(doc Document) (*Composer, error) {
	if err := doc.Resolve(); err != nil {
		return nil, err
	}
	if err := doc.CheckRequired(); err != nil {
		return nil, err
	}

	c := &Composer{}

	if raw, ok := doc["constants"]; ok {
		if m, ok := raw.(map[string]interface{}); ok {
			c.Constants = m
		}
	}
	if raw, ok := doc["logger"]; ok {
		c.Logger = &LoggerConfig{}
		if err := decodeSection("logger", raw, c.Logger); err != nil {
			return nil, err
		}
	}

	raw, ok := doc["model"]
	if !ok {
		return nil, configErrorf("model", "", "section is required")
	}
	c.Model = &ModelConfig{}
	if err := decodeSection("model", raw, c.Model); err != nil {
		return nil, err
	}

	raw, ok = doc["data"]
	if !ok {
		return nil, configErrorf("data", "", "section is required")
	}
	c.Data = &DataConfig{}
	if err := decodeSection("data", raw, c.Data); err != nil {
		return nil, err
	}

	raw, ok = doc["trainer"]
	if !ok {
		return nil, configErrorf("trainer", "", "section is required")
	}
	c.Trainer = &TrainerConfig{}
	if err := decodeSection("trainer", raw, c.Trainer); err != nil {
		return nil, err
	}

	raw, ok = doc["optimizer"]
	if !ok {
		return nil, configErrorf("optimizer", "", "section is required")
	}
	name, err := sectionName("optimizer", raw)
	if err != nil {
		return nil, err
	}
	optFactory, err := Optimizers.Resolve(name)
	if err != nil {
		return nil, err
	}
	c.Optimizer = optFactory()
	if err := decodeSection("optimizer", raw, c.Optimizer); err != nil {
		return nil, err
	}

	raw, ok = doc["criterion"]
	if !ok {
		return nil, configErrorf("criterion", "", "section is required")
	}
	name, err = sectionName("criterion", raw)
	if err != nil {
		return nil, err
	}
	critFactory, err := Criteria.Resolve(name)
	if err != nil {
		return nil, err
	}
	c.Criterion = critFactory()
	if err := decodeSection("criterion", raw, c.Criterion); err != nil {
		return nil, err
	}

	if raw, ok := doc["scheduler"]; ok && raw != nil {
		name, err := sectionName("scheduler", raw)
		if err != nil {
			return nil, err
		}
		schedFactory, err := Schedulers.Resolve(name)
		if err != nil {
			return nil, err
		}
		c.Scheduler = schedFactory()
		if err := decodeSection("scheduler", raw, c.Scheduler); err != nil {
			return nil, err
		}
	}

	if raw, ok := doc["generator"]; ok && raw != nil {
		c.Generator = &GeneratorConfig{}
		if err := decodeSection("generator", raw, c.Generator); err != nil {
			return nil, err
		}
	}

	c.resolveDerived()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// LoadComposer parses yaml bytes and composes them.
func LoadComposer(data []byte) (*Composer, error) {
	doc, err := ParseDocument(data)
	if err != nil {
		return nil, err
	}
	return Compose(doc)
}

// resolveDerived fills scheduler fields declared as "derive from
// another config". Runs at assembly and again whenever a sub-config is
// replaced.
func (c *Composer) resolveDerived() {
	switch sched := c.Scheduler.(type) {
	case *NoamConfig:
		if sched.DModel == 0 && c.Model != nil {
			sched.DModel = c.Model.DModel
		}
	case *CosineAnnealingConfig:
		if sched.TMax == 0 && c.Trainer != nil {
			sched.TMax = c.Trainer.MaxEpochs
		}
	}
}

// Validate re-checks every present sub-config plus inter-config
// consistency. A Composer is never partially valid: mutation helpers
// call this before returning.
func (c *Composer) Validate() error {
	if c.Model == nil {
		return configErrorf("model", "", "section is required")
	}
	if err := c.Model.Validate(); err != nil {
		return err
	}
	if c.Data == nil {
		return configErrorf("data", "", "section is required")
	}
	if err := c.Data.Validate(); err != nil {
		return err
	}
	if c.Trainer == nil {
		return configErrorf("trainer", "", "section is required")
	}
	if err := c.Trainer.Validate(); err != nil {
		return err
	}
	if c.Optimizer == nil {
		return configErrorf("optimizer", "", "section is required")
	}
	if err := c.Optimizer.Validate(); err != nil {
		return err
	}
	if c.Criterion == nil {
		return configErrorf("criterion", "", "section is required")
	}
	if err := c.Criterion.Validate(); err != nil {
		return err
	}
	if c.Scheduler != nil {
		if err := c.Scheduler.Validate(); err != nil {
			return err
		}
		if noam, ok := c.Scheduler.(*NoamConfig); ok && noam.DModel != c.Model.DModel {
			return configErrorf("scheduler", "d_model",
				"scheduler d_model %d does not match model d_model %d", noam.DModel, c.Model.DModel)
		}
	}
	if c.Generator != nil {
		if err := c.Generator.Validate(); err != nil {
			return err
		}
		if c.Generator.MaxTokens > c.Model.ContextLength {
			return configErrorf("generator", "max_tokens",
				"%d exceeds model context_length %d", c.Generator.MaxTokens, c.Model.ContextLength)
		}
	}
	return nil
}

// SetScheduler replaces the scheduler sub-config, re-running derived
// field resolution and full validation so the Composer cannot end up
// partially valid.
func (c *Composer) SetScheduler(cfg SchedulerConfig) error {
	prev := c.Scheduler
	c.Scheduler = cfg
	c.resolveDerived()
	if err := c.Validate(); err != nil {
		c.Scheduler = prev
		return err
	}
	return nil
}

// Document projects the Composer back to raw form. Named sections get
// their registry name reinjected so the projection composes again.
func (c *Composer) Document() (Document, error) {
	doc := Document{}
	if c.Constants != nil {
		doc["constants"] = c.Constants
	}
	put := func(section string, cfg interface{}, name string) error {
		data, err := yaml.Marshal(cfg)
		if err != nil {
			return configErrorf(section, "", "cannot encode: %v", err)
		}
		var raw map[string]interface{}
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return configErrorf(section, "", "cannot re-decode: %v", err)
		}
		if raw == nil {
			raw = map[string]interface{}{}
		}
		if name != "" {
			raw["name"] = name
		}
		doc[section] = raw
		return nil
	}
	if c.Logger != nil {
		if err := put("logger", c.Logger, ""); err != nil {
			return nil, err
		}
	}
	if err := put("model", c.Model, ""); err != nil {
		return nil, err
	}
	if err := put("data", c.Data, ""); err != nil {
		return nil, err
	}
	if err := put("trainer", c.Trainer, ""); err != nil {
		return nil, err
	}
	if err := put("optimizer", c.Optimizer, c.Optimizer.Name()); err != nil {
		return nil, err
	}
	if err := put("criterion", c.Criterion, c.Criterion.Name()); err != nil {
		return nil, err
	}
	if c.Scheduler != nil {
		if err := put("scheduler", c.Scheduler, c.Scheduler.Name()); err != nil {
			return nil, err
		}
	}
	if c.Generator != nil {
		if err := put("generator", c.Generator, ""); err != nil {
			return nil, err
		}
	}
	return doc, nil
}

// Marshal serializes the Composer to yaml. Marshal then LoadComposer
// reproduces an equal Composer.
func (c *Composer) Marshal() ([]byte, error) {
	doc, err := c.Document()
	if err != nil {
		return nil, err
	}
	return yaml.Marshal(doc)
}

// PrettyPrint returns the yaml projection for logging. Side-effect
// free; errors collapse to the error text.
func (c *Composer) PrettyPrint() string {
	data, err := c.Marshal()
	if err != nil {
		return err.Error()
	}
	return string(data)
}
