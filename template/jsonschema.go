//
// Copyright (C) 2025 RazumRu.  All rights reserved.
//
// graphflow is licensed under the Apache License Version 2.0.
//
//

package template

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// MustCompileSchema compiles a JSON schema document for config validation.
// Panics on an invalid document; template config schemas are compile-time
// constants.
func MustCompileSchema(name, doc string) *jsonschema.Schema {
	return jsonschema.MustCompileString(name+".schema.json", doc)
}

// ValidateJSON checks raw config bytes against the compiled schema. Empty
// raw validates as an empty object.
func ValidateJSON(s *jsonschema.Schema, raw json.RawMessage) error {
	if len(raw) == 0 {
		raw = json.RawMessage(`{}`)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return fmt.Errorf("config is not valid JSON: %w", err)
	}
	if err := s.Validate(v); err != nil {
		return fmt.Errorf("config schema validation failed: %w", err)
	}
	return nil
}
