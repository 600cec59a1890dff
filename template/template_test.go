//
// Copyright (C) 2025 RazumRu.  All rights reserved.
//
// graphflow is licensed under the Apache License Version 2.0.
//
//

package template

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResourceName(t *testing.T) {
	tests := []struct {
		name string
		id   Identity
		want string
	}{
		{
			name: "long graph id is truncated",
			id:   Identity{GraphID: "0a1b2c3d4e5f6789", NodeID: "worker"},
			want: "gf-0a1b2c3d-worker",
		},
		{
			name: "short graph id is kept",
			id:   Identity{GraphID: "g1", NodeID: "worker"},
			want: "gf-g1-worker",
		},
		{
			name: "thread id is appended",
			id:   Identity{GraphID: "0a1b2c3d4e5f6789", NodeID: "worker", ThreadID: "t7"},
			want: "gf-0a1b2c3d-worker-t7",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.id.ResourceName())
		})
	}
}

func TestResourceNameIsStable(t *testing.T) {
	id := Identity{GraphID: "0a1b2c3d4e5f6789", NodeID: "worker"}
	assert.Equal(t, id.ResourceName(), id.ResourceName())
}

func TestDecodeConfig(t *testing.T) {
	type cfg struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}

	got, err := DecodeConfig[cfg](json.RawMessage(`{"name":"x","count":3}`))
	require.NoError(t, err)
	assert.Equal(t, cfg{Name: "x", Count: 3}, got)

	// Empty raw decodes to the zero value.
	got, err = DecodeConfig[cfg](nil)
	require.NoError(t, err)
	assert.Equal(t, cfg{}, got)

	_, err = DecodeConfig[cfg](json.RawMessage(`{"count":"not a number"}`))
	assert.Error(t, err)
}

type namedTemplate struct{ name string }

func (t *namedTemplate) Name() string               { return t.name }
func (t *namedTemplate) Kind() Kind                 { return KindTool }
func (t *namedTemplate) Connectivity() Connectivity { return Connectivity{} }
func (t *namedTemplate) Handle() Handle             { return nil }
func (t *namedTemplate) ValidateConfig(raw json.RawMessage) (any, error) {
	return nil, nil
}

func TestMapRegistry(t *testing.T) {
	a := &namedTemplate{name: "a"}
	b := &namedTemplate{name: "b"}
	r := NewRegistry(a, b)

	got, ok := r.Lookup("a")
	require.True(t, ok)
	assert.Same(t, a, got.(*namedTemplate))

	_, ok = r.Lookup("ghost")
	assert.False(t, ok)

	// Register replaces by name.
	a2 := &namedTemplate{name: "a"}
	r.Register(a2)
	got, _ = r.Lookup("a")
	assert.Same(t, a2, got.(*namedTemplate))

	assert.ElementsMatch(t, []string{"a", "b"}, r.Names())
}

func TestValidateJSON(t *testing.T) {
	s := MustCompileSchema("test", `{
	  "type": "object",
	  "properties": {"name": {"type": "string"}},
	  "required": ["name"],
	  "additionalProperties": false
	}`)

	assert.NoError(t, ValidateJSON(s, json.RawMessage(`{"name":"x"}`)))
	assert.Error(t, ValidateJSON(s, json.RawMessage(`{}`)))
	assert.Error(t, ValidateJSON(s, json.RawMessage(`{"name":"x","extra":1}`)))
	assert.Error(t, ValidateJSON(s, json.RawMessage(`not json`)))
	// Empty raw validates as an empty object.
	assert.Error(t, ValidateJSON(s, nil))
}
