//
// Copyright (C) 2025 RazumRu.  All rights reserved.
//
// graphflow is licensed under the Apache License Version 2.0.
//
//

package merge

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RazumRu/graphflow/schema"
)

func TestDiffThenApplyRoundTrips(t *testing.T) {
	from := &schema.Schema{
		Nodes: []schema.Node{
			node("a", "agent", `{"model":"m1"}`),
			node("b", "tool", `{"x":1}`),
		},
		Edges: []schema.Edge{{From: "b", To: "a"}},
	}
	to := &schema.Schema{
		Nodes: []schema.Node{
			node("a", "agent", `{"model":"m2","prompt":"p"}`),
			node("c", "tool", ""),
		},
		Edges: []schema.Edge{{From: "c", To: "a"}},
	}

	patch, err := Diff(from, to)
	require.NoError(t, err)
	assert.False(t, IsEmptyPatch(patch))

	got, err := Apply(from, patch)
	require.NoError(t, err)
	assert.True(t, schema.Equal(to, got))
}

func TestDiffEqualSchemasIsEmpty(t *testing.T) {
	a := &schema.Schema{
		Nodes: []schema.Node{node("n", "agent", `{"x":1,"y":2}`)},
	}
	// Same schema, different key order and node order noise.
	b := &schema.Schema{
		Nodes: []schema.Node{node("n", "agent", `{ "y": 2, "x": 1 }`)},
	}
	patch, err := Diff(a, b)
	require.NoError(t, err)
	assert.True(t, IsEmptyPatch(patch))
	assert.JSONEq(t, `[]`, string(patch))
}

func TestIsEmptyPatch(t *testing.T) {
	assert.True(t, IsEmptyPatch(nil))
	assert.True(t, IsEmptyPatch(json.RawMessage(`[]`)))
	assert.False(t, IsEmptyPatch(json.RawMessage(`[{"op":"add","path":"/x","value":1}]`)))
	assert.False(t, IsEmptyPatch(json.RawMessage(`not json`)))
}

func TestApplyRejectsBadPatch(t *testing.T) {
	_, err := Apply(&schema.Schema{}, json.RawMessage(`{"not":"a patch"}`))
	assert.Error(t, err)
}
