//
// Copyright (C) 2025 RazumRu.  All rights reserved.
//
// graphflow is licensed under the Apache License Version 2.0.
//
//

// Package live computes and executes minimal mutations of a running
// CompiledGraph when its schema changes: remove vanished nodes, rebuild
// changed ones, preserve healthy ones.
package live

import (
	"github.com/RazumRu/graphflow/compile"
	"github.com/RazumRu/graphflow/schema"
)

// Plan is an ordered live-update plan. Removals run first in reverse
// topological order of the current graph; rebuilds run in topological order
// of the next schema.
type Plan struct {
	Removals []string
	Rebuilds []string
}

// Empty reports whether the plan changes nothing.
func (p Plan) Empty() bool {
	return len(p.Removals) == 0 && len(p.Rebuilds) == 0
}

// ComputePlan diffs the current compiled graph against the next schema.
//
// Rebuild candidates are nodes whose config or template changed, whose
// incoming/outgoing edge set changed, or which are new. The candidate set
// is then closed over dependencies: every upstream of a rebuilt node is
// rebuilt too, since a replaced downstream may invalidate the upstream's
// cached reference (fixed point over next's edges).
func ComputePlan(cg *compile.CompiledGraph, next *schema.Schema) (Plan, error) {
	nextIdx := next.NodeIndex()
	currentIDs := cg.NodeIDs()
	currentEdges := cg.Edges()

	var removals []string
	for _, id := range currentIDs {
		if _, kept := nextIdx[id]; !kept {
			removals = append(removals, id)
		}
	}
	removals = orderedSubset(compile.ReverseBuildOrderIDs(currentIDs, currentEdges), removals)

	rebuild := make(map[string]struct{})
	for _, node := range next.Nodes {
		cn := cg.Node(node.ID)
		switch {
		case cn == nil:
			rebuild[node.ID] = struct{}{}
		case cn.Template != node.Template:
			rebuild[node.ID] = struct{}{}
		case !schema.ConfigEqual(cn.RawConfig, node.Config):
			rebuild[node.ID] = struct{}{}
		case !edgeNeighborhoodEqual(node.ID, currentEdges, next.Edges):
			rebuild[node.ID] = struct{}{}
		}
	}

	// Dependency closure: upstream of a rebuilt node rebuilds as well.
	for changedSet := true; changedSet; {
		changedSet = false
		for _, e := range next.Edges {
			if _, downRebuilt := rebuild[e.To]; !downRebuilt {
				continue
			}
			if _, ok := nextIdx[e.From]; !ok {
				continue
			}
			if _, already := rebuild[e.From]; !already {
				rebuild[e.From] = struct{}{}
				changedSet = true
			}
		}
	}

	order, err := compile.BuildOrder(next)
	if err != nil {
		return Plan{}, err
	}
	var rebuilds []string
	for _, node := range order {
		if _, ok := rebuild[node.ID]; ok {
			rebuilds = append(rebuilds, node.ID)
		}
	}
	return Plan{Removals: removals, Rebuilds: rebuilds}, nil
}

// edgeNeighborhoodEqual compares a node's incoming and outgoing edge sets
// between two edge lists.
func edgeNeighborhoodEqual(id string, a, b []schema.Edge) bool {
	ain, aout := neighborhood(id, a)
	bin, bout := neighborhood(id, b)
	if len(ain) != len(bin) || len(aout) != len(bout) {
		return false
	}
	for k := range ain {
		if _, ok := bin[k]; !ok {
			return false
		}
	}
	for k := range aout {
		if _, ok := bout[k]; !ok {
			return false
		}
	}
	return true
}

func neighborhood(id string, edges []schema.Edge) (in, out map[string]struct{}) {
	in = make(map[string]struct{})
	out = make(map[string]struct{})
	for _, e := range edges {
		if e.To == id {
			in[e.From] = struct{}{}
		}
		if e.From == id {
			out[e.To] = struct{}{}
		}
	}
	return in, out
}

// orderedSubset filters ordered to the members of subset, preserving order.
func orderedSubset(ordered, subset []string) []string {
	want := make(map[string]struct{}, len(subset))
	for _, id := range subset {
		want[id] = struct{}{}
	}
	var out []string
	for _, id := range ordered {
		if _, ok := want[id]; ok {
			out = append(out, id)
		}
	}
	return out
}
