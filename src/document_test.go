package ember

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDocumentResolveInterpolation(t *testing.T) {
	doc, err := ParseDocument([]byte(`
constants:
  d_model: 64
  run_name: base
model:
  d_model: ${constants.d_model}
  tag: run-${constants.run_name}
`))
	require.NoError(t, err)
	require.NoError(t, doc.Resolve())

	// whole-string reference adopts the referenced type
	v, ok := doc.Lookup("model.d_model")
	require.True(t, ok)
	assert.Equal(t, 64, v)

	// embedded reference stringifies
	v, ok = doc.Lookup("model.tag")
	require.True(t, ok)
	assert.Equal(t, "run-base", v)
}

func TestDocumentResolveChainedReference(t *testing.T) {
	doc, err := ParseDocument([]byte(`
a: ${b}
b: ${c}
c: 7
`))
	require.NoError(t, err)
	require.NoError(t, doc.Resolve())

	v, _ := doc.Lookup("a")
	assert.Equal(t, 7, v)
}

func TestDocumentResolveCycle(t *testing.T) {
	doc, err := ParseDocument([]byte(`
a: ${b}
b: ${a}
`))
	require.NoError(t, err)
	assert.Error(t, doc.Resolve())
}

func TestDocumentResolveUnknownReference(t *testing.T) {
	doc, err := ParseDocument([]byte(`a: ${missing.path}`))
	require.NoError(t, err)
	assert.Error(t, doc.Resolve())
}

func TestDocumentCheckRequired(t *testing.T) {
	doc, err := ParseDocument([]byte(`
model:
  d_model: "???"
`))
	require.NoError(t, err)
	require.NoError(t, doc.Resolve())

	err = doc.CheckRequired()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model.d_model")
}

func TestDocumentApplyOverrides(t *testing.T) {
	doc, err := ParseDocument([]byte(`
trainer:
  max_epochs: 3
`))
	require.NoError(t, err)
	require.NoError(t, doc.ApplyOverrides([]string{
		"trainer.max_epochs=10",
		"trainer.device=cpu",
		"optimizer.lr=0.001",
	}))

	v, _ := doc.Lookup("trainer.max_epochs")
	assert.Equal(t, 10, v)
	v, _ = doc.Lookup("trainer.device")
	assert.Equal(t, "cpu", v)
	v, _ = doc.Lookup("optimizer.lr")
	assert.Equal(t, 0.001, v)
}

func TestDocumentApplyOverridesRejectsMalformed(t *testing.T) {
	doc := Document{}
	assert.Error(t, doc.ApplyOverrides([]string{"no-equals-sign"}))
}

func TestParsedSectionsAreAddressable(t *testing.T) {
	doc, err := ParseDocument([]byte(`
trainer:
  max_epochs: 3
  device: cpu
  clip_grad_norm:
    max_norm: 1.0
`))
	require.NoError(t, err)

	// nested mappings decode as plain maps, so dotted paths reach
	// into parsed sections at any depth
	raw, ok := doc["trainer"]
	require.True(t, ok)
	_, ok = raw.(map[string]interface{})
	assert.True(t, ok, "parsed section must be map[string]interface{}, got %T", raw)

	v, ok := doc.Lookup("trainer.max_epochs")
	require.True(t, ok)
	assert.Equal(t, 3, v)
	v, ok = doc.Lookup("trainer.clip_grad_norm.max_norm")
	require.True(t, ok)
	assert.Equal(t, 1.0, v)
}

func TestDocumentSetPreservesSiblings(t *testing.T) {
	doc, err := ParseDocument([]byte(`
trainer:
  max_epochs: 3
  device: cpu
`))
	require.NoError(t, err)
	require.NoError(t, doc.Set("trainer.max_epochs", "5"))

	v, _ := doc.Lookup("trainer.max_epochs")
	assert.Equal(t, 5, v)
	v, ok := doc.Lookup("trainer.device")
	require.True(t, ok, "overriding one key must not drop its siblings")
	assert.Equal(t, "cpu", v)
}

func TestDocumentResolveInsideParsedSection(t *testing.T) {
	doc, err := ParseDocument([]byte(`
constants:
  width: 64
model:
  d_model: ${constants.width}
  missing: "???"
`))
	require.NoError(t, err)
	require.NoError(t, doc.Resolve())

	v, ok := doc.Lookup("model.d_model")
	require.True(t, ok)
	assert.Equal(t, 64, v)

	err = doc.CheckRequired()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model.missing")
}

func TestParseDocumentRejectsNonMapping(t *testing.T) {
	_, err := ParseDocument([]byte(`[1, 2, 3]`))
	assert.Error(t, err)
}
