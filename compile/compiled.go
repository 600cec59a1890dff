//
// Copyright (C) 2025 RazumRu.  All rights reserved.
//
// graphflow is licensed under the Apache License Version 2.0.
//
//

// Package compile turns schemas into live CompiledGraphs: topological build
// order, template lookup, config validation, node wiring and the in-memory
// registry of running graphs.
package compile

import (
	"sort"
	"sync"

	"encoding/json"

	"github.com/RazumRu/graphflow/schema"
	"github.com/RazumRu/graphflow/template"
)

// Status is the lifecycle state of a compiled graph.
type Status string

// Compiled graph states.
const (
	StatusCompiling Status = "compiling"
	StatusRunning   Status = "running"
	StatusStopped   Status = "stopped"
	StatusError     Status = "error"
)

// CompiledNode is a live node: its validated config, the template handle
// and the instance the handle produced. The CompiledGraph exclusively owns
// it; the node exclusively owns its instance.
type CompiledNode struct {
	ID        string
	Template  string
	Kind      template.Kind
	Config    any
	RawConfig json.RawMessage
	Handle    template.Handle
	Instance  any
}

// CompiledGraph is the in-memory realisation of a schema. It is mutated
// only by the apply worker for its graph; readers obtain node pointers
// atomically through the accessor methods.
type CompiledGraph struct {
	ID string

	mu     sync.RWMutex
	status Status
	nodes  map[string]*CompiledNode
	edges  []schema.Edge

	State *ExecutionState
}

// NewCompiledGraph builds an empty compiled graph in the compiling state.
func NewCompiledGraph(id string, edges []schema.Edge) *CompiledGraph {
	return &CompiledGraph{
		ID:     id,
		status: StatusCompiling,
		nodes:  make(map[string]*CompiledNode),
		edges:  append([]schema.Edge(nil), edges...),
		State:  NewExecutionState(),
	}
}

// Status returns the graph's lifecycle state.
func (g *CompiledGraph) Status() Status {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.status
}

// SetStatus transitions the graph's lifecycle state.
func (g *CompiledGraph) SetStatus(s Status) {
	g.mu.Lock()
	g.status = s
	g.mu.Unlock()
}

// Node returns the live node with the given id, or nil.
func (g *CompiledGraph) Node(id string) *CompiledNode {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.nodes[id]
}

// NodeIDs returns the ids of all live nodes, sorted.
func (g *CompiledGraph) NodeIDs() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Edges returns a copy of the graph's edge list.
func (g *CompiledGraph) Edges() []schema.Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]schema.Edge(nil), g.edges...)
}

// SetEdges replaces the edge list (live update).
func (g *CompiledGraph) SetEdges(edges []schema.Edge) {
	g.mu.Lock()
	g.edges = append([]schema.Edge(nil), edges...)
	g.mu.Unlock()
}

// Put registers or replaces a live node.
func (g *CompiledGraph) Put(n *CompiledNode) {
	g.mu.Lock()
	g.nodes[n.ID] = n
	g.mu.Unlock()
}

// Remove erases a node from the graph.
func (g *CompiledGraph) Remove(id string) {
	g.mu.Lock()
	delete(g.nodes, id)
	g.mu.Unlock()
}

// ExecutionState owns the event plumbing of a compiled graph: per-node
// callback lists with explicit unsubscribers. Handles emit through it and
// observers subscribe through it; no node holds another node's callbacks
// directly.
type ExecutionState struct {
	mu     sync.Mutex
	nextID int
	subs   map[string]map[int]func(event any)
}

// NewExecutionState returns an empty execution state.
func NewExecutionState() *ExecutionState {
	return &ExecutionState{subs: make(map[string]map[int]func(event any))}
}

// Subscribe registers fn for events of the given node and returns an
// unsubscriber.
func (s *ExecutionState) Subscribe(nodeID string, fn func(event any)) (unsubscribe func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := s.nextID
	if s.subs[nodeID] == nil {
		s.subs[nodeID] = make(map[int]func(event any))
	}
	s.subs[nodeID][id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if m := s.subs[nodeID]; m != nil {
			delete(m, id)
		}
	}
}

// Emit delivers an event to the node's subscribers.
func (s *ExecutionState) Emit(nodeID string, event any) {
	s.mu.Lock()
	fns := make([]func(event any), 0, len(s.subs[nodeID]))
	for _, fn := range s.subs[nodeID] {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(event)
	}
}

// UnregisterNode drops all subscriptions of a node being removed.
func (s *ExecutionState) UnregisterNode(nodeID string) {
	s.mu.Lock()
	delete(s.subs, nodeID)
	s.mu.Unlock()
}

// SubscriberCount reports the live subscription count for a node.
func (s *ExecutionState) SubscriberCount(nodeID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs[nodeID])
}
