package ember

import (
	"sort"
	"strings"

	tk "github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/pretrained"
)

// Vocabulary maps tokens to contiguous ids. The orchestrator carries it
// on State for checkpointing; it never interprets token text.
type Vocabulary struct {
	TokenToID map[string]int
	IDToToken []string
}

// NewVocabulary builds a vocabulary from tokens in the given order.
func NewVocabulary(tokens []string) *Vocabulary {
	v := &Vocabulary{
		TokenToID: make(map[string]int, len(tokens)),
		IDToToken: append([]string(nil), tokens...),
	}
	for i, tok := range tokens {
		v.TokenToID[tok] = i
	}
	return v
}

// Size returns the number of tokens.
func (v *Vocabulary) Size() int { return len(v.IDToToken) }

// ID looks a token up.
func (v *Vocabulary) ID(token string) (int, bool) {
	id, ok := v.TokenToID[token]
	return id, ok
}

// Token returns the text for an id, or "" if out of range.
func (v *Vocabulary) Token(id int) string {
	if id < 0 || id >= len(v.IDToToken) {
		return ""
	}
	return v.IDToToken[id]
}

// Decode joins the tokens for a sequence of ids.
func (v *Vocabulary) Decode(ids []int) string {
	var b strings.Builder
	for _, id := range ids {
		b.WriteString(v.Token(id))
	}
	return b.String()
}

// Tokenizer is the text-to-ids contract. Tokenizer construction and
// training are external; State only needs encode and the vocabulary.
type Tokenizer interface {
	Encode(text string) ([]int, error)
	Vocab() *Vocabulary
}

// BPETokenizer adapts a pretrained sugarme BPE tokenizer to the
// Tokenizer contract.
type BPETokenizer struct {
	inner *tk.Tokenizer
	vocab *Vocabulary
}

// LoadBPETokenizer loads a tokenizer.json produced by a BPE trainer and
// extracts its vocabulary in id order.
func LoadBPETokenizer(path string) (*BPETokenizer, error) {
	inner, err := pretrained.FromFile(path)
	if err != nil {
		return nil, errorf("load tokenizer %s: %v", path, err)
	}
	raw := inner.GetVocab(true)
	type entry struct {
		token string
		id    int
	}
	entries := make([]entry, 0, len(raw))
	for token, id := range raw {
		entries = append(entries, entry{token, id})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].id < entries[j].id })
	tokens := make([]string, len(entries))
	for i, e := range entries {
		tokens[i] = e.token
	}
	return &BPETokenizer{inner: inner, vocab: NewVocabulary(tokens)}, nil
}

// Encode tokenizes text into ids.
func (t *BPETokenizer) Encode(text string) ([]int, error) {
	enc, err := t.inner.EncodeSingle(text)
	if err != nil {
		return nil, errorf("encode: %v", err)
	}
	out := make([]int, len(enc.Ids))
	for i, id := range enc.Ids {
		out[i] = int(id)
	}
	return out, nil
}

// Vocab returns the extracted vocabulary.
func (t *BPETokenizer) Vocab() *Vocabulary { return t.vocab }
