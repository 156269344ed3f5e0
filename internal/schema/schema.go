// Package schema validates execute params against a capability's
// input_schema (JSON Schema Draft 7).
package schema

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Validate checks params against the Draft-7 schema. A nil or empty schema
// accepts everything (the manifest registry enforces schema presence for
// published capabilities; the core stays permissive for drafts and tests).
func Validate(inputSchema map[string]any, params map[string]any) error {
	if len(inputSchema) == 0 {
		return nil
	}

	raw, err := json.Marshal(inputSchema)
	if err != nil {
		return fmt.Errorf("marshal input schema: %w", err)
	}

	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft7
	if err := compiler.AddResource("input_schema.json", bytes.NewReader(raw)); err != nil {
		return fmt.Errorf("load input schema: %w", err)
	}
	compiled, err := compiler.Compile("input_schema.json")
	if err != nil {
		return fmt.Errorf("compile input schema: %w", err)
	}

	// Round-trip through JSON so params validate as the wire types the
	// schema speaks, not Go-native ones.
	var doc any
	encoded, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}
	if err := json.Unmarshal(encoded, &doc); err != nil {
		return fmt.Errorf("decode params: %w", err)
	}

	return compiled.Validate(doc)
}
