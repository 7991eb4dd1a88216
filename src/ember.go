// Package ember is a configuration-driven training orchestrator for
// gradient-based sequence models.
//
// Experiments are described as a single yaml document with
// interpolation. Compose resolves the document, routes named sections
// through per-category registries, and returns a fully validated
// Composer. BuildState assembles the optimization stack around a
// model, and Trainer drives the epoch and batch loops with gradient
// accumulation, mixed precision, clipping, evaluation cadence,
// callbacks, and checkpointing.
//
// Basic usage:
//
//	doc, err := ember.LoadDocumentFile("experiment.yaml")
//	cfg, err := ember.Compose(doc)
//	model, err := ember.NewEmbedProjectModel(*cfg.Model, cfg.Data.Seed)
//	state, err := ember.BuildState(cfg, model)
//	trainer, err := ember.NewTrainer(cfg, state, trainLoader, validLoader)
//	err = trainer.Fit()
package ember

// Version is the library version.
const Version = "0.3.0"
