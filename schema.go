package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"regexp"
	"slices"
	"sort"
	"strings"
	"sync"
	"unicode/utf8"
)

// Schema is the subset of JSON Schema used for structural validation of tool
// arguments and results.
type Schema struct {
	Type                 schemaTypes        `json:"type,omitempty"`
	Properties           map[string]*Schema `json:"properties,omitempty"`
	Required             requiredList       `json:"required,omitempty"`
	AdditionalProperties json.RawMessage    `json:"additionalProperties,omitempty"`
	Items                *Schema            `json:"items,omitempty"`
	MinItems             *int               `json:"minItems,omitempty"`
	MaxItems             *int               `json:"maxItems,omitempty"`
	MinLength            *int               `json:"minLength,omitempty"`
	MaxLength            *int               `json:"maxLength,omitempty"`
	Pattern              string             `json:"pattern,omitempty"`
	Minimum              *float64           `json:"minimum,omitempty"`
	Maximum              *float64           `json:"maximum,omitempty"`
	Enum                 []any              `json:"enum,omitempty"`

	pattern      *regexp.Regexp
	closedObject bool
}

// schemaTypes accepts "type": "string" as well as "type": ["string", "null"].
type schemaTypes []string

func (t *schemaTypes) UnmarshalJSON(b []byte) error {
	var one string
	if err := json.Unmarshal(b, &one); err == nil {
		*t = schemaTypes{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return fmt.Errorf("type must be a string or an array of strings")
	}
	*t = many
	return nil
}

// requiredList is the object-level "required" array. Property descriptors
// built by ParamSchema also carry a boolean "required", which is ignored.
type requiredList []string

func (r *requiredList) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("true")) || bytes.Equal(b, []byte("false")) {
		*r = nil
		return nil
	}
	var names []string
	if err := json.Unmarshal(b, &names); err != nil {
		return fmt.Errorf("required must be an array of strings")
	}
	*r = names
	return nil
}

// CompileSchema parses a JSON schema and precompiles its patterns.
func CompileSchema(raw json.RawMessage) (*Schema, error) {
	var s Schema
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("parse schema: %w", err)
	}
	if err := s.compile("$"); err != nil {
		return nil, err
	}
	return &s, nil
}

func (s *Schema) compile(path string) error {
	if s.Pattern != "" {
		re, err := regexp.Compile(s.Pattern)
		if err != nil {
			return fmt.Errorf("schema %s: pattern: %w", path, err)
		}
		s.pattern = re
	}
	if len(s.AdditionalProperties) > 0 {
		s.closedObject = bytes.Equal(bytes.TrimSpace(s.AdditionalProperties), []byte("false"))
	}
	for name, p := range s.Properties {
		if p == nil {
			continue
		}
		if err := p.compile(path + "." + name); err != nil {
			return err
		}
	}
	if s.Items != nil {
		return s.Items.compile(path + "[]")
	}
	return nil
}

// Validate checks data against the schema. Data is normalized through JSON
// first so Go structs and typed maps validate like their wire form.
// Violations are returned as *ValidationError carrying the JSON path.
func (s *Schema) Validate(data any) error {
	v, err := normalizeJSON(data)
	if err != nil {
		return &ValidationError{Validator: "schema", Path: "$", Message: err.Error()}
	}
	return s.validate("$", v)
}

func (s *Schema) validate(path string, v any) error {
	if len(s.Type) > 0 && !slices.ContainsFunc(s.Type, func(t string) bool { return matchesType(t, v) }) {
		return schemaErr(path, "expected %s, got %s", strings.Join(s.Type, " or "), jsonTypeName(v))
	}
	if len(s.Enum) > 0 && !slices.ContainsFunc(s.Enum, func(e any) bool { return reflect.DeepEqual(e, v) }) {
		return schemaErr(path, "value not in enum")
	}

	switch val := v.(type) {
	case map[string]any:
		return s.validateObject(path, val)
	case []any:
		return s.validateArray(path, val)
	case string:
		n := utf8.RuneCountInString(val)
		if s.MinLength != nil && n < *s.MinLength {
			return schemaErr(path, "length %d is below minLength %d", n, *s.MinLength)
		}
		if s.MaxLength != nil && n > *s.MaxLength {
			return schemaErr(path, "length %d exceeds maxLength %d", n, *s.MaxLength)
		}
		if s.pattern != nil && !s.pattern.MatchString(val) {
			return schemaErr(path, "does not match pattern %q", s.Pattern)
		}
	case float64:
		if s.Minimum != nil && val < *s.Minimum {
			return schemaErr(path, "%v is below minimum %v", val, *s.Minimum)
		}
		if s.Maximum != nil && val > *s.Maximum {
			return schemaErr(path, "%v exceeds maximum %v", val, *s.Maximum)
		}
	}
	return nil
}

func (s *Schema) validateObject(path string, obj map[string]any) error {
	for _, name := range s.Required {
		if _, ok := obj[name]; !ok {
			return schemaErr(path+"."+name, "required property missing")
		}
	}
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		prop, ok := s.Properties[k]
		if !ok {
			if s.closedObject {
				return schemaErr(path+"."+k, "additional property not allowed")
			}
			continue
		}
		if prop == nil {
			continue
		}
		if err := prop.validate(path+"."+k, obj[k]); err != nil {
			return err
		}
	}
	return nil
}

func (s *Schema) validateArray(path string, arr []any) error {
	if s.MinItems != nil && len(arr) < *s.MinItems {
		return schemaErr(path, "%d items is below minItems %d", len(arr), *s.MinItems)
	}
	if s.MaxItems != nil && len(arr) > *s.MaxItems {
		return schemaErr(path, "%d items exceeds maxItems %d", len(arr), *s.MaxItems)
	}
	if s.Items == nil {
		return nil
	}
	for i, item := range arr {
		if err := s.Items.validate(fmt.Sprintf("%s[%d]", path, i), item); err != nil {
			return err
		}
	}
	return nil
}

func schemaErr(path, format string, args ...any) error {
	return &ValidationError{Validator: "schema", Path: path, Message: fmt.Sprintf(format, args...)}
}

func matchesType(t string, v any) bool {
	switch t {
	case "object":
		_, ok := v.(map[string]any)
		return ok
	case "array":
		_, ok := v.([]any)
		return ok
	case "string":
		_, ok := v.(string)
		return ok
	case "number":
		_, ok := v.(float64)
		return ok
	case "integer":
		f, ok := v.(float64)
		return ok && f == math.Trunc(f) && !math.IsInf(f, 0)
	case "boolean":
		_, ok := v.(bool)
		return ok
	case "null":
		return v == nil
	}
	return true
}

func jsonTypeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	case string:
		return "string"
	case float64:
		return "number"
	case bool:
		return "boolean"
	}
	return fmt.Sprintf("%T", v)
}

// normalizeJSON converts data to the generic shapes produced by
// encoding/json (map[string]any, []any, float64, string, bool, nil).
func normalizeJSON(data any) (any, error) {
	switch v := data.(type) {
	case nil, string, bool, float64:
		return v, nil
	case json.RawMessage:
		var out any
		err := json.Unmarshal(v, &out)
		return out, err
	}
	b, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	var out any
	err = json.Unmarshal(b, &out)
	return out, err
}

// --- SchemaGuard ---

// SchemaGuard validates tool input and output against fixed schemas.
// A nil schema skips that phase.
type SchemaGuard struct {
	input  *Schema
	output *Schema
}

// NewSchemaGuard compiles the input and output schemas. Either may be nil.
func NewSchemaGuard(input, output json.RawMessage) (*SchemaGuard, error) {
	g := &SchemaGuard{}
	var err error
	if len(input) > 0 {
		if g.input, err = CompileSchema(input); err != nil {
			return nil, fmt.Errorf("input schema: %w", err)
		}
	}
	if len(output) > 0 {
		if g.output, err = CompileSchema(output); err != nil {
			return nil, fmt.Errorf("output schema: %w", err)
		}
	}
	return g, nil
}

func (g *SchemaGuard) ValidateInput(_ context.Context, data any) error {
	if g.input == nil {
		return nil
	}
	return g.input.Validate(data)
}

func (g *SchemaGuard) ValidateOutput(_ context.Context, data any) error {
	if g.output == nil {
		return nil
	}
	return g.output.Validate(data)
}

// --- ToolSchemaGuard ---

// ToolSchemaGuard validates each tool call's arguments against the declared
// Parameters schema of the called tool. Compiled schemas are cached per tool.
type ToolSchemaGuard struct {
	tools *ToolRegistry

	mu    sync.Mutex
	cache map[string]cachedSchema
}

type cachedSchema struct {
	raw    string
	schema *Schema
	err    error
}

func NewToolSchemaGuard(tools *ToolRegistry) *ToolSchemaGuard {
	return &ToolSchemaGuard{tools: tools, cache: make(map[string]cachedSchema)}
}

func (g *ToolSchemaGuard) ValidateInput(ctx context.Context, data any) error {
	call, ok := ToolCallFromContext(ctx)
	if !ok {
		return nil
	}
	t, ok := g.tools.Get(call.Name)
	if !ok {
		return nil
	}
	s, err := g.schemaFor(t.Definition())
	if err != nil {
		return &ValidationError{Validator: "tool_schema", Path: "$", Message: err.Error()}
	}
	if s == nil {
		return nil
	}
	return s.Validate(data)
}

func (g *ToolSchemaGuard) ValidateOutput(context.Context, any) error { return nil }

func (g *ToolSchemaGuard) schemaFor(def ToolDefinition) (*Schema, error) {
	if len(def.Parameters) == 0 {
		return nil, nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if c, ok := g.cache[def.Name]; ok && c.raw == string(def.Parameters) {
		return c.schema, c.err
	}
	s, err := CompileSchema(def.Parameters)
	g.cache[def.Name] = cachedSchema{raw: string(def.Parameters), schema: s, err: err}
	return s, err
}
