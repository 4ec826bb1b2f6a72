package model

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/invopop/jsonschema"
)

// Schema names a JSON schema used for structured output.
type Schema struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// SchemaFor reflects a JSON schema from T's json and jsonschema struct tags.
func SchemaFor[T any](name, description string) (*Schema, error) {
	reflector := &jsonschema.Reflector{
		DoNotReference:            true,
		ExpandedStruct:            true,
		AllowAdditionalProperties: false,
	}
	var zero T
	reflected := reflector.Reflect(&zero)
	raw, err := json.Marshal(reflected)
	if err != nil {
		return nil, fmt.Errorf("marshal schema %s: %w", name, err)
	}
	var params map[string]any
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, fmt.Errorf("decode schema %s: %w", name, err)
	}
	delete(params, "$schema")
	delete(params, "$id")
	return &Schema{Name: name, Description: description, Parameters: params}, nil
}

// MustSchema is SchemaFor that panics on error. Intended for package-level vars.
func MustSchema[T any](name, description string) *Schema {
	s, err := SchemaFor[T](name, description)
	if err != nil {
		panic(err)
	}
	return s
}

// Decode unmarshals a structured response into v. Markdown code fences and
// leading prose around the JSON object are tolerated.
func Decode(resp *Response, v any) error {
	if resp == nil {
		return ErrEmptyResponse
	}
	text := extractJSON(resp.Message.Content)
	if text == "" {
		return ErrEmptyResponse
	}
	if err := json.Unmarshal([]byte(text), v); err != nil {
		return fmt.Errorf("decode structured output: %w", err)
	}
	return nil
}

func extractJSON(content string) string {
	text := strings.TrimSpace(content)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		text = strings.TrimSuffix(strings.TrimSpace(text), "```")
		text = strings.TrimSpace(text)
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end < start {
		return ""
	}
	return text[start : end+1]
}

// schemaInstruction renders a schema as a prompt suffix for backends that
// only support free-form JSON mode.
func schemaInstruction(s *Schema) string {
	raw, err := json.Marshal(s.Parameters)
	if err != nil {
		return ""
	}
	return fmt.Sprintf("Respond only with a JSON object that matches this JSON schema:\n%s", raw)
}
