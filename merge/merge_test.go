//
// Copyright (C) 2025 RazumRu.  All rights reserved.
//
// graphflow is licensed under the Apache License Version 2.0.
//
//

package merge

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RazumRu/graphflow/schema"
	"github.com/RazumRu/graphflow/template"
)

type anyTemplate struct {
	name string
	kind template.Kind
	conn template.Connectivity
}

func (t *anyTemplate) Name() string                        { return t.name }
func (t *anyTemplate) Kind() template.Kind                 { return t.kind }
func (t *anyTemplate) Connectivity() template.Connectivity { return t.conn }
func (t *anyTemplate) Handle() template.Handle             { return noopHandle{} }
func (t *anyTemplate) ValidateConfig(raw json.RawMessage) (any, error) {
	return template.DecodeConfig[map[string]any](raw)
}

type noopHandle struct{}

func (noopHandle) Create(ctx context.Context, init template.Init) (any, error) { return struct{}{}, nil }
func (noopHandle) Configure(ctx context.Context, next template.Init, instance any) error {
	return nil
}
func (noopHandle) Destroy(ctx context.Context, instance any) error { return nil }

func newTestMerger() *Merger {
	reg := template.NewRegistry(
		&anyTemplate{name: "agent", kind: template.KindAgent},
		&anyTemplate{name: "tool", kind: template.KindTool},
		&anyTemplate{
			name: "trigger",
			kind: template.KindTrigger,
			conn: template.Connectivity{RequiredOutbound: []template.Kind{template.KindAgent}},
		},
	)
	return NewMerger(schema.NewValidator(reg))
}

func node(id, tpl, cfg string) schema.Node {
	n := schema.Node{ID: id, Template: tpl}
	if cfg != "" {
		n.Config = json.RawMessage(cfg)
	}
	return n
}

func TestMergeClientEqualsHeadIsIdentity(t *testing.T) {
	m := newTestMerger()
	base := &schema.Schema{Nodes: []schema.Node{node("a", "agent", `{"model":"m1"}`)}}
	head := &schema.Schema{Nodes: []schema.Node{node("a", "agent", `{"model":"m2","extra":{"k":1}}`)}}

	res := m.Merge(base, head, head.Clone())
	require.True(t, res.Success)
	assert.True(t, schema.Equal(head, res.Merged))
}

func TestMergeDisjointConfigFields(t *testing.T) {
	m := newTestMerger()
	base := &schema.Schema{Nodes: []schema.Node{node("a", "agent", `{"model":"m","prompt":"p"}`)}}
	head := &schema.Schema{Nodes: []schema.Node{node("a", "agent", `{"model":"m2","prompt":"p"}`)}}
	client := &schema.Schema{Nodes: []schema.Node{node("a", "agent", `{"model":"m","prompt":"p2"}`)}}

	res := m.Merge(base, head, client)
	require.True(t, res.Success, "conflicts: %+v", res.Conflicts)
	want := &schema.Schema{Nodes: []schema.Node{node("a", "agent", `{"model":"m2","prompt":"p2"}`)}}
	assert.True(t, schema.Equal(want, res.Merged))
}

func TestMergeNestedConfigPaths(t *testing.T) {
	m := newTestMerger()
	base := &schema.Schema{Nodes: []schema.Node{node("a", "agent", `{"opts":{"x":1,"y":1}}`)}}
	head := &schema.Schema{Nodes: []schema.Node{node("a", "agent", `{"opts":{"x":2,"y":1}}`)}}
	client := &schema.Schema{Nodes: []schema.Node{node("a", "agent", `{"opts":{"x":1,"y":2},"added":"c"}`)}}

	res := m.Merge(base, head, client)
	require.True(t, res.Success, "conflicts: %+v", res.Conflicts)
	want := &schema.Schema{Nodes: []schema.Node{node("a", "agent", `{"opts":{"x":2,"y":2},"added":"c"}`)}}
	assert.True(t, schema.Equal(want, res.Merged))
}

func TestMergeConcurrentModificationConflict(t *testing.T) {
	m := newTestMerger()
	base := &schema.Schema{Nodes: []schema.Node{node("a", "agent", `{"model":"m"}`)}}
	head := &schema.Schema{Nodes: []schema.Node{node("a", "agent", `{"model":"h"}`)}}
	client := &schema.Schema{Nodes: []schema.Node{node("a", "agent", `{"model":"c"}`)}}

	res := m.Merge(base, head, client)
	require.False(t, res.Success)
	require.Len(t, res.Conflicts, 1)
	c := res.Conflicts[0]
	assert.Equal(t, ConflictConcurrentModification, c.Type)
	assert.Equal(t, "/nodes/a/config/model", c.Path)
	assert.Equal(t, "m", c.Base)
	assert.Equal(t, "h", c.Head)
	assert.Equal(t, "c", c.Client)
}

func TestMergeBothSidesSameChangeCollapses(t *testing.T) {
	m := newTestMerger()
	base := &schema.Schema{Nodes: []schema.Node{node("a", "agent", `{"model":"m"}`)}}
	side := &schema.Schema{Nodes: []schema.Node{node("a", "agent", `{"model":"new"}`)}}

	res := m.Merge(base, side.Clone(), side.Clone())
	require.True(t, res.Success)
	assert.True(t, schema.Equal(side, res.Merged))
}

func TestMergeRemoveVsModify(t *testing.T) {
	m := newTestMerger()
	base := &schema.Schema{Nodes: []schema.Node{node("a", "agent", `{"model":"m"}`), node("b", "tool", "")}}

	// Head removed b, client modified it.
	head := &schema.Schema{Nodes: []schema.Node{node("a", "agent", `{"model":"m"}`)}}
	client := &schema.Schema{Nodes: []schema.Node{node("a", "agent", `{"model":"m"}`), node("b", "tool", `{"x":1}`)}}
	res := m.Merge(base, head, client)
	require.False(t, res.Success)
	require.Len(t, res.Conflicts, 1)
	assert.Equal(t, ConflictRemoveVsModify, res.Conflicts[0].Type)
	assert.Equal(t, "/nodes/b", res.Conflicts[0].Path)

	// Clean removal: the other side left the node untouched.
	untouched := &schema.Schema{Nodes: []schema.Node{node("a", "agent", `{"model":"m"}`), node("b", "tool", "")}}
	res = m.Merge(base, head, untouched)
	require.True(t, res.Success)
	_, found := res.Merged.NodeByID("b")
	assert.False(t, found)
}

func TestMergeAddAdd(t *testing.T) {
	m := newTestMerger()
	base := &schema.Schema{Nodes: []schema.Node{node("a", "agent", "")}}
	head := &schema.Schema{Nodes: []schema.Node{node("a", "agent", ""), node("n", "tool", `{"x":1}`)}}

	// Identical adds collapse.
	res := m.Merge(base, head, head.Clone())
	require.True(t, res.Success)
	assert.Len(t, res.Merged.Nodes, 2)

	// Different bodies conflict.
	client := &schema.Schema{Nodes: []schema.Node{node("a", "agent", ""), node("n", "tool", `{"x":2}`)}}
	res = m.Merge(base, head, client)
	require.False(t, res.Success)
	assert.Equal(t, ConflictConcurrentModification, res.Conflicts[0].Type)
}

func TestMergeEdges(t *testing.T) {
	m := newTestMerger()
	nodes := []schema.Node{node("a", "agent", ""), node("b", "tool", ""), node("c", "tool", "")}
	base := &schema.Schema{Nodes: nodes, Edges: []schema.Edge{{From: "b", To: "a"}, {From: "c", To: "a"}}}
	// Head removes b->a, client adds a->c.
	head := &schema.Schema{Nodes: nodes, Edges: []schema.Edge{{From: "c", To: "a"}}}
	client := &schema.Schema{Nodes: nodes, Edges: []schema.Edge{{From: "b", To: "a"}, {From: "c", To: "a"}, {From: "a", To: "c"}}}

	res := m.Merge(base, head, client)
	require.True(t, res.Success, "conflicts: %+v", res.Conflicts)
	assert.Equal(t, []schema.Edge{{From: "a", To: "c"}, {From: "c", To: "a"}}, res.Merged.Edges)
}

func TestMergeValidationDowngradesToConflict(t *testing.T) {
	m := newTestMerger()
	nodes := func(edges ...schema.Edge) *schema.Schema {
		return &schema.Schema{
			Nodes: []schema.Node{node("t1", "trigger", ""), node("a", "agent", "")},
			Edges: edges,
		}
	}
	base := nodes(schema.Edge{From: "t1", To: "a"})
	// Head drops the trigger's only edge to the agent; client leaves the
	// edges alone but touches the agent so the merge itself is clean.
	head := nodes()
	client := &schema.Schema{
		Nodes: []schema.Node{node("t1", "trigger", ""), node("a", "agent", `{"model":"m"}`)},
		Edges: []schema.Edge{{From: "t1", To: "a"}},
	}

	res := m.Merge(base, head, client)
	require.False(t, res.Success)
	require.Len(t, res.Conflicts, 1)
	assert.Equal(t, ConflictValidation, res.Conflicts[0].Type)
	assert.NotEmpty(t, res.Conflicts[0].Code)
}

func TestMergeIsDeterministic(t *testing.T) {
	m := newTestMerger()
	base := &schema.Schema{Nodes: []schema.Node{
		node("a", "agent", `{"z":1,"y":{"n":1},"x":1}`),
		node("b", "tool", `{"k":1}`),
	}}
	head := &schema.Schema{Nodes: []schema.Node{
		node("a", "agent", `{"z":2,"y":{"n":1},"x":1}`),
		node("b", "tool", `{"k":1,"added":true}`),
		node("c", "tool", ""),
	}}
	client := &schema.Schema{Nodes: []schema.Node{
		node("a", "agent", `{"z":1,"y":{"n":2},"x":9}`),
		node("b", "tool", `{"k":1}`),
	}}

	first := m.Merge(base, head, client)
	require.True(t, first.Success)
	fraw, err := first.Merged.Marshal()
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		res := m.Merge(base.Clone(), head.Clone(), client.Clone())
		require.True(t, res.Success)
		raw, err := res.Merged.Marshal()
		require.NoError(t, err)
		assert.Equal(t, string(fraw), string(raw))
	}
}

func TestMergeDeletedLeafDoesNotLeaveEmptyObjects(t *testing.T) {
	m := newTestMerger()
	base := &schema.Schema{Nodes: []schema.Node{node("a", "agent", `{"opts":{"x":1}}`)}}
	head := &schema.Schema{Nodes: []schema.Node{node("a", "agent", `{}`)}}

	res := m.Merge(base, head, base.Clone())
	require.True(t, res.Success)
	assert.True(t, schema.Equal(head, res.Merged))

	diff, err := Diff(head, res.Merged)
	require.NoError(t, err)
	assert.True(t, IsEmptyPatch(diff))
}
