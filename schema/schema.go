//
// Copyright (C) 2025 RazumRu.  All rights reserved.
//
// graphflow is licensed under the Apache License Version 2.0.
//
//

// Package schema defines the declarative graph structure (nodes + edges) and
// its structural/semantic validation.
package schema

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
)

// Node is a single node declaration: a template reference plus an opaque
// config validated by the template.
type Node struct {
	ID       string          `json:"id"`
	Template string          `json:"template"`
	Config   json.RawMessage `json:"config,omitempty"`
}

// Edge is a directed connection between two nodes.
type Edge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Schema is the declarative structure of a graph.
type Schema struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// Clone returns a deep copy of the schema.
func (s *Schema) Clone() *Schema {
	if s == nil {
		return nil
	}
	out := &Schema{
		Nodes: make([]Node, len(s.Nodes)),
		Edges: make([]Edge, len(s.Edges)),
	}
	copy(out.Edges, s.Edges)
	for i, n := range s.Nodes {
		out.Nodes[i] = Node{ID: n.ID, Template: n.Template}
		if n.Config != nil {
			out.Nodes[i].Config = append(json.RawMessage(nil), n.Config...)
		}
	}
	return out
}

// NodeByID returns the node with the given id, if present.
func (s *Schema) NodeByID(id string) (Node, bool) {
	for _, n := range s.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}

// NodeIndex returns a map from node id to node.
func (s *Schema) NodeIndex() map[string]Node {
	idx := make(map[string]Node, len(s.Nodes))
	for _, n := range s.Nodes {
		idx[n.ID] = n
	}
	return idx
}

// EdgeSet returns the edges as a set keyed by (from,to).
func (s *Schema) EdgeSet() map[Edge]struct{} {
	set := make(map[Edge]struct{}, len(s.Edges))
	for _, e := range s.Edges {
		set[e] = struct{}{}
	}
	return set
}

// Normalize sorts nodes by id and edges by (from,to) in place, so that
// marshaling is deterministic for equal schemas.
func (s *Schema) Normalize() *Schema {
	sort.Slice(s.Nodes, func(i, j int) bool { return s.Nodes[i].ID < s.Nodes[j].ID })
	sort.Slice(s.Edges, func(i, j int) bool {
		if s.Edges[i].From != s.Edges[j].From {
			return s.Edges[i].From < s.Edges[j].From
		}
		return s.Edges[i].To < s.Edges[j].To
	})
	return s
}

// Marshal produces the canonical JSON encoding: normalized node/edge order
// and configs re-encoded with sorted keys. Semantically equal schemas
// marshal to byte-equal output.
func (s *Schema) Marshal() ([]byte, error) {
	c := s.Clone().Normalize()
	for i := range c.Nodes {
		c.Nodes[i].Config = canonicalRaw(c.Nodes[i].Config)
	}
	return json.Marshal(c)
}

// canonicalRaw re-encodes raw JSON so key order is deterministic. Missing
// and unparseable configs pass through untouched.
func canonicalRaw(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return raw
	}
	out, err := json.Marshal(v)
	if err != nil {
		return raw
	}
	return out
}

// Equal reports semantic equality: same node set (ids, templates and
// structurally equal configs) and same edge set, order-insensitive.
func Equal(a, b *Schema) bool {
	if a == nil || b == nil {
		return a == b
	}
	if len(a.Nodes) != len(b.Nodes) || len(a.Edges) != len(b.Edges) {
		return false
	}
	bi := b.NodeIndex()
	for _, n := range a.Nodes {
		m, ok := bi[n.ID]
		if !ok || n.Template != m.Template || !ConfigEqual(n.Config, m.Config) {
			return false
		}
	}
	bset := b.EdgeSet()
	for _, e := range a.Edges {
		if _, ok := bset[e]; !ok {
			return false
		}
	}
	return true
}

// ConfigEqual compares two raw configs structurally (JSON value equality,
// key order and whitespace insensitive). Missing and empty-object configs
// are considered equal.
func ConfigEqual(a, b json.RawMessage) bool {
	av, aerr := decodeConfig(a)
	bv, berr := decodeConfig(b)
	if aerr != nil || berr != nil {
		// Unparseable configs compare by bytes; validation rejects them
		// elsewhere.
		return string(a) == string(b)
	}
	return reflect.DeepEqual(av, bv)
}

func decodeConfig(raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if v == nil {
		return map[string]any{}, nil
	}
	return v, nil
}

// Parse decodes a schema from JSON bytes.
func Parse(data []byte) (*Schema, error) {
	var s Schema
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse schema: %w", err)
	}
	return &s, nil
}
