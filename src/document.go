package ember

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Document is a raw experiment configuration: the nested key-value form
// of the yaml file before schema decoding. Interpolation expressions
// `${a.b.c}` and the required-later marker `???` live at this level;
// both must be gone before the document can be composed.
type Document map[string]interface{}

// RequiredMarker flags a field intentionally left unset until runtime.
const RequiredMarker = "???"

var interpPattern = regexp.MustCompile(`\$\{([A-Za-z0-9_][A-Za-z0-9_.\-]*)\}`)

// ParseDocument decodes yaml bytes into a Document. Decoding goes
// through a plain interface{} root so every nested mapping comes out
// as map[string]interface{}; unmarshalling straight into the named map
// type would give nested sections that type instead, and the dotted
// path walkers would not see into them.
func ParseDocument(data []byte) (Document, error) {
	var root interface{}
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, errorf("parse config: %v", err)
	}
	if root == nil {
		return Document{}, nil
	}
	m, ok := root.(map[string]interface{})
	if !ok {
		return nil, errorf("parse config: top level must be a mapping, got %T", root)
	}
	return Document(m), nil
}

// LoadDocumentFile reads and decodes a yaml config file.
func LoadDocumentFile(path string) (Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errorf("read config %s: %v", path, err)
	}
	return ParseDocument(data)
}

// Lookup walks a dotted path through nested maps.
func (d Document) Lookup(path string) (interface{}, bool) {
	var cur interface{} = map[string]interface{}(d)
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Set parses raw as a yaml scalar and writes it at the dotted path,
// creating intermediate maps as needed.
func (d Document) Set(path, raw string) error {
	var value interface{}
	if err := yaml.Unmarshal([]byte(raw), &value); err != nil {
		return errorf("override %s: bad value %q: %v", path, raw, err)
	}
	parts := strings.Split(path, ".")
	cur := map[string]interface{}(d)
	for _, part := range parts[:len(parts)-1] {
		next, ok := cur[part].(map[string]interface{})
		if !ok {
			next = map[string]interface{}{}
			cur[part] = next
		}
		cur = next
	}
	cur[parts[len(parts)-1]] = value
	return nil
}

// ApplyOverrides applies "a.b.c=value" pairs, the CLI merge layer on
// top of the file.
func (d Document) ApplyOverrides(args []string) error {
	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		if !ok {
			return errorf("override %q is not key=value", arg)
		}
		if err := d.Set(key, value); err != nil {
			return err
		}
	}
	return nil
}

// Resolve rewrites every interpolation expression to its concrete
// value, in dependency order. A reference chain that revisits a path is
// a cycle and is rejected.
func (d Document) Resolve() error {
	r := &docResolver{doc: d, visiting: make(map[string]bool)}
	_, err := r.resolveValue(map[string]interface{}(d))
	return err
}

type docResolver struct {
	doc      Document
	visiting map[string]bool
}

func (r *docResolver) resolveValue(v interface{}) (interface{}, error) {
	switch val := v.(type) {
	case map[string]interface{}:
		for k, item := range val {
			resolved, err := r.resolveValue(item)
			if err != nil {
				return nil, err
			}
			val[k] = resolved
		}
		return val, nil
	case []interface{}:
		for i, item := range val {
			resolved, err := r.resolveValue(item)
			if err != nil {
				return nil, err
			}
			val[i] = resolved
		}
		return val, nil
	case string:
		return r.resolveString(val)
	default:
		return v, nil
	}
}

func (r *docResolver) resolveString(s string) (interface{}, error) {
	matches := interpPattern.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s, nil
	}
	// A string that is exactly one reference adopts the referenced
	// value with its type; embedded references stringify.
	if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(s) {
		return r.resolveRef(s[matches[0][2]:matches[0][3]])
	}
	var b strings.Builder
	prev := 0
	for _, m := range matches {
		b.WriteString(s[prev:m[0]])
		resolved, err := r.resolveRef(s[m[2]:m[3]])
		if err != nil {
			return nil, err
		}
		fmt.Fprintf(&b, "%v", resolved)
		prev = m[1]
	}
	b.WriteString(s[prev:])
	return b.String(), nil
}

func (r *docResolver) resolveRef(path string) (interface{}, error) {
	if r.visiting[path] {
		return nil, configErrorf("config", path, "interpolation cycle detected")
	}
	raw, ok := r.doc.Lookup(path)
	if !ok {
		return nil, configErrorf("config", path, "interpolation target does not exist")
	}
	r.visiting[path] = true
	resolved, err := r.resolveValue(raw)
	delete(r.visiting, path)
	if err != nil {
		return nil, err
	}
	// memoize so later references see the concrete value
	if err := r.writeBack(path, resolved); err != nil {
		return nil, err
	}
	return resolved, nil
}

func (r *docResolver) writeBack(path string, v interface{}) error {
	parts := strings.Split(path, ".")
	cur := map[string]interface{}(r.doc)
	for _, part := range parts[:len(parts)-1] {
		next, ok := cur[part].(map[string]interface{})
		if !ok {
			return configErrorf("config", path, "interpolation target is not a mapping")
		}
		cur = next
	}
	cur[parts[len(parts)-1]] = v
	return nil
}

// CheckRequired fails if any required-later marker survived overrides.
func (d Document) CheckRequired() error {
	return checkRequired("", map[string]interface{}(d))
}

func checkRequired(prefix string, v interface{}) error {
	switch val := v.(type) {
	case map[string]interface{}:
		for k, item := range val {
			p := k
			if prefix != "" {
				p = prefix + "." + k
			}
			if err := checkRequired(p, item); err != nil {
				return err
			}
		}
	case []interface{}:
		for i, item := range val {
			if err := checkRequired(fmt.Sprintf("%s[%d]", prefix, i), item); err != nil {
				return err
			}
		}
	case string:
		if val == RequiredMarker {
			return configErrorf("config", prefix, "field is marked required (%s) and was never filled", RequiredMarker)
		}
	}
	return nil
}
