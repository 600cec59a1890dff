//
// Copyright (C) 2025 RazumRu.  All rights reserved.
//
// graphflow is licensed under the Apache License Version 2.0.
//
//

package merge

import (
	"encoding/json"
	"fmt"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/wI2L/jsondiff"

	"github.com/RazumRu/graphflow/schema"
)

// Diff computes the RFC-6902 patch transforming from into to. Both schemas
// are compared in canonical form, so semantically equal schemas diff to an
// empty patch.
func Diff(from, to *schema.Schema) (json.RawMessage, error) {
	fraw, err := from.Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshal source schema: %w", err)
	}
	traw, err := to.Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshal target schema: %w", err)
	}
	patch, err := jsondiff.CompareJSON(fraw, traw)
	if err != nil {
		return nil, fmt.Errorf("compute schema diff: %w", err)
	}
	if len(patch) == 0 {
		return json.RawMessage(`[]`), nil
	}
	raw, err := json.Marshal(patch)
	if err != nil {
		return nil, fmt.Errorf("encode schema diff: %w", err)
	}
	return raw, nil
}

// Apply applies an RFC-6902 patch to a schema and decodes the result.
func Apply(base *schema.Schema, patch json.RawMessage) (*schema.Schema, error) {
	p, err := jsonpatch.DecodePatch(patch)
	if err != nil {
		return nil, fmt.Errorf("decode patch: %w", err)
	}
	braw, err := base.Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	out, err := p.Apply(braw)
	if err != nil {
		return nil, fmt.Errorf("apply patch: %w", err)
	}
	return schema.Parse(out)
}

// IsEmptyPatch reports whether the patch contains no operations.
func IsEmptyPatch(patch json.RawMessage) bool {
	if len(patch) == 0 {
		return true
	}
	var ops []json.RawMessage
	if err := json.Unmarshal(patch, &ops); err != nil {
		return false
	}
	return len(ops) == 0
}
