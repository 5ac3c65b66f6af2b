// Package params turns loosely typed user input into tool arguments using the
// tool's input schema.
package params

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// ErrInvalidPair is wrapped by ParsePairs for malformed KEY=VALUE input.
var ErrInvalidPair = errors.New("invalid parameter")

// MissingParamError is returned by Build when a required property has no
// value.
type MissingParamError struct {
	Name string
}

func (e *MissingParamError) Error() string {
	return fmt.Sprintf("missing required parameter: %s", e.Name)
}

// Param describes one property of an input schema.
type Param struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Required    bool   `json:"required"`
	Description string `json:"description,omitempty"`
}

type schemaDoc struct {
	Properties map[string]property `json:"properties"`
	Required   []string            `json:"required"`
}

type property struct {
	Type        json.RawMessage `json:"type"`
	Description string          `json:"description"`
}

// typeName returns the declared type, picking the first non-null entry of a
// type union. Untyped properties are strings.
func (p property) typeName() string {
	var single string
	if err := json.Unmarshal(p.Type, &single); err == nil && single != "" {
		return single
	}
	var union []string
	if err := json.Unmarshal(p.Type, &union); err == nil {
		for _, t := range union {
			if t != "null" {
				return t
			}
		}
	}
	return "string"
}

func parseSchema(schema json.RawMessage) schemaDoc {
	var doc schemaDoc
	if len(schema) > 0 {
		// Anything that is not an object schema simply has no properties.
		_ = json.Unmarshal(schema, &doc)
	}
	return doc
}

// Describe lists the schema's properties sorted by name.
func Describe(schema json.RawMessage) []Param {
	doc := parseSchema(schema)
	required := make(map[string]bool, len(doc.Required))
	for _, r := range doc.Required {
		required[r] = true
	}

	out := make([]Param, 0, len(doc.Properties))
	for name, prop := range doc.Properties {
		out = append(out, Param{
			Name:        name,
			Type:        prop.typeName(),
			Required:    required[name],
			Description: prop.Description,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ParsePairs parses KEY=VALUE strings. Keys and values are trimmed; later
// pairs override earlier ones.
func ParsePairs(pairs []string) (map[string]string, error) {
	out := make(map[string]string, len(pairs))
	for _, kv := range pairs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			return nil, fmt.Errorf("%w (expected KEY=VALUE): %s", ErrInvalidPair, kv)
		}
		key := strings.TrimSpace(k)
		if key == "" {
			return nil, fmt.Errorf("%w (empty key): %s", ErrInvalidPair, kv)
		}
		out[key] = strings.TrimSpace(v)
	}
	return out, nil
}

// LoadFile reads a JSON or YAML (.yaml, .yml) object of parameters. String
// values are kept as is; everything else is rendered as JSON text so Build can
// coerce it back.
func LoadFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read param file: %w", err)
	}

	var root any
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &root); err != nil {
			return nil, fmt.Errorf("failed to parse YAML param file: %w", err)
		}
	default:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		if err := dec.Decode(&root); err != nil {
			return nil, fmt.Errorf("failed to parse JSON param file: %w", err)
		}
	}

	obj, ok := root.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("param file %s: root must be an object", path)
	}

	out := make(map[string]string, len(obj))
	for k, v := range obj {
		if s, ok := v.(string); ok {
			out[k] = s
			continue
		}
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("param file %s: value of %q: %w", path, k, err)
		}
		out[k] = string(b)
	}
	return out, nil
}

// Merge combines parameter sets. Later sets win.
func Merge(sets ...map[string]string) map[string]string {
	out := map[string]string{}
	for _, set := range sets {
		for k, v := range set {
			out[k] = v
		}
	}
	return out
}

// Substitute returns a copy of provided with every occurrence of placeholder
// in keys and values replaced by word.
func Substitute(provided map[string]string, placeholder, word string) map[string]string {
	out := make(map[string]string, len(provided))
	for k, v := range provided {
		if placeholder != "" {
			k = strings.ReplaceAll(k, placeholder, word)
			v = strings.ReplaceAll(v, placeholder, word)
		}
		out[k] = v
	}
	return out
}

// MissingRequired lists required properties that have no provided value.
func MissingRequired(schema json.RawMessage, provided map[string]string) []Param {
	var missing []Param
	for _, p := range Describe(schema) {
		if !p.Required {
			continue
		}
		if _, ok := provided[p.Name]; !ok {
			missing = append(missing, p)
		}
	}
	return missing
}

// Build coerces provided values according to the property types declared in
// schema. Keys the schema does not mention are passed through as strings.
func Build(schema json.RawMessage, provided map[string]string) (map[string]any, error) {
	doc := parseSchema(schema)
	out := make(map[string]any, len(provided))

	names := make([]string, 0, len(doc.Properties))
	for name := range doc.Properties {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if raw, ok := provided[name]; ok {
			out[name] = Coerce(raw, doc.Properties[name].typeName())
		}
	}
	for _, r := range doc.Required {
		if _, ok := provided[r]; !ok {
			return nil, &MissingParamError{Name: r}
		}
	}
	for k, v := range provided {
		if _, ok := out[k]; !ok {
			out[k] = v
		}
	}
	return out, nil
}

// Coerce converts raw into a value of the given JSON Schema type. When the
// conversion fails the raw string is returned unchanged.
func Coerce(raw, typ string) any {
	switch typ {
	case "integer":
		if n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64); err == nil {
			return n
		}
	case "number":
		if f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64); err == nil && !math.IsNaN(f) && !math.IsInf(f, 0) {
			return f
		}
	case "boolean":
		switch strings.ToLower(strings.TrimSpace(raw)) {
		case "true", "1", "yes", "y":
			return true
		case "false", "0", "no", "n":
			return false
		}
	case "array":
		if strings.HasPrefix(strings.TrimSpace(raw), "[") {
			var arr []any
			if err := json.Unmarshal([]byte(raw), &arr); err == nil {
				return arr
			}
		}
		parts := strings.Split(raw, ",")
		arr := make([]any, 0, len(parts))
		for _, p := range parts {
			arr = append(arr, strings.TrimSpace(p))
		}
		return arr
	case "object":
		var obj map[string]any
		if err := json.Unmarshal([]byte(raw), &obj); err == nil && obj != nil {
			return obj
		}
	}
	return raw
}

// Validate checks args against a JSON Schema document. An empty schema accepts
// everything.
func Validate(schema json.RawMessage, args map[string]any) error {
	if len(schema) == 0 {
		return nil
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", bytes.NewReader(schema)); err != nil {
		return fmt.Errorf("schema resource: %w", err)
	}
	s, err := c.Compile("schema.json")
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}

	raw, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("encode arguments: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("parse arguments: %w", err)
	}
	if err := s.Validate(doc); err != nil {
		return fmt.Errorf("arguments do not match input schema: %w", err)
	}
	return nil
}
