//
// Copyright (C) 2025 RazumRu.  All rights reserved.
//
// graphflow is licensed under the Apache License Version 2.0.
//
//

package compile

import (
	"fmt"
	"sort"

	"github.com/RazumRu/graphflow/schema"
)

// BuildOrder returns the schema's nodes in topological order, breaking ties
// deterministically by node id. Returns an error when the edge set contains
// a cycle.
func BuildOrder(s *schema.Schema) ([]schema.Node, error) {
	ids := make([]string, 0, len(s.Nodes))
	for _, n := range s.Nodes {
		ids = append(ids, n.ID)
	}
	ordered, err := topoIDs(ids, s.Edges)
	if err != nil {
		return nil, err
	}
	idx := s.NodeIndex()
	out := make([]schema.Node, 0, len(ordered))
	for _, id := range ordered {
		out = append(out, idx[id])
	}
	return out, nil
}

// topoIDs is Kahn's algorithm with a sorted ready set. Edges not touching
// the given id set are ignored, so it works on graph subsets too.
func topoIDs(ids []string, edges []schema.Edge) ([]string, error) {
	present := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		present[id] = struct{}{}
	}
	indegree := make(map[string]int, len(ids))
	out := make(map[string][]string, len(ids))
	for _, id := range ids {
		indegree[id] = 0
	}
	for _, e := range edges {
		if _, ok := present[e.From]; !ok {
			continue
		}
		if _, ok := present[e.To]; !ok {
			continue
		}
		indegree[e.To]++
		out[e.From] = append(out[e.From], e.To)
	}

	ready := make([]string, 0, len(ids))
	for id, d := range indegree {
		if d == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	ordered := make([]string, 0, len(ids))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		ordered = append(ordered, id)
		released := make([]string, 0, len(out[id]))
		for _, to := range out[id] {
			indegree[to]--
			if indegree[to] == 0 {
				released = append(released, to)
			}
		}
		sort.Strings(released)
		ready = mergeSorted(ready, released)
	}
	if len(ordered) != len(ids) {
		return nil, fmt.Errorf("schema contains a cycle among %d nodes", len(ids)-len(ordered))
	}
	return ordered, nil
}

func mergeSorted(a, b []string) []string {
	out := make([]string, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		if a[i] <= b[j] {
			out = append(out, a[i])
			i++
		} else {
			out = append(out, b[j])
			j++
		}
	}
	out = append(out, a[i:]...)
	out = append(out, b[j:]...)
	return out
}

// ReverseBuildOrderIDs returns the given node ids in reverse topological
// order of edges (teardown order).
func ReverseBuildOrderIDs(ids []string, edges []schema.Edge) []string {
	ordered, err := topoIDs(ids, edges)
	if err != nil {
		// A cycle cannot occur for a graph that compiled; fall back to
		// sorted order so teardown still proceeds.
		ordered = append([]string(nil), ids...)
		sort.Strings(ordered)
	}
	for i, j := 0, len(ordered)-1; i < j; i, j = i+1, j-1 {
		ordered[i], ordered[j] = ordered[j], ordered[i]
	}
	return ordered
}
