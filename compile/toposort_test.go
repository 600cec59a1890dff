//
// Copyright (C) 2025 RazumRu.  All rights reserved.
//
// graphflow is licensed under the Apache License Version 2.0.
//
//

package compile

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RazumRu/graphflow/schema"
)

func nodesOf(ids ...string) []schema.Node {
	out := make([]schema.Node, 0, len(ids))
	for _, id := range ids {
		out = append(out, schema.Node{ID: id, Template: "t"})
	}
	return out
}

func TestBuildOrderDiamond(t *testing.T) {
	s := &schema.Schema{
		Nodes: nodesOf("d", "b", "c", "a"),
		Edges: []schema.Edge{
			{From: "a", To: "b"},
			{From: "a", To: "c"},
			{From: "b", To: "d"},
			{From: "c", To: "d"},
		},
	}
	order, err := BuildOrder(s)
	require.NoError(t, err)
	ids := make([]string, len(order))
	for i, n := range order {
		ids[i] = n.ID
	}
	assert.Equal(t, []string{"a", "b", "c", "d"}, ids)
}

func TestBuildOrderTiesBreakByID(t *testing.T) {
	s := &schema.Schema{Nodes: nodesOf("z", "m", "a")}
	order, err := BuildOrder(s)
	require.NoError(t, err)
	ids := make([]string, len(order))
	for i, n := range order {
		ids[i] = n.ID
	}
	assert.Equal(t, []string{"a", "m", "z"}, ids)
}

func TestBuildOrderDetectsCycle(t *testing.T) {
	s := &schema.Schema{
		Nodes: nodesOf("a", "b"),
		Edges: []schema.Edge{{From: "a", To: "b"}, {From: "b", To: "a"}},
	}
	_, err := BuildOrder(s)
	assert.Error(t, err)
}

func TestReverseBuildOrderIDs(t *testing.T) {
	edges := []schema.Edge{{From: "a", To: "b"}, {From: "b", To: "c"}}
	got := ReverseBuildOrderIDs([]string{"a", "b", "c"}, edges)
	assert.Equal(t, []string{"c", "b", "a"}, got)

	// Edges outside the id set are ignored: teardown of a subset.
	got = ReverseBuildOrderIDs([]string{"a", "c"}, edges)
	assert.Equal(t, []string{"c", "a"}, got)

	// Cycles fall back to reversed sorted order.
	got = ReverseBuildOrderIDs([]string{"a", "b"},
		[]schema.Edge{{From: "a", To: "b"}, {From: "b", To: "a"}})
	assert.Equal(t, []string{"b", "a"}, got)
}
