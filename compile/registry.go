//
// Copyright (C) 2025 RazumRu.  All rights reserved.
//
// graphflow is licensed under the Apache License Version 2.0.
//
//

package compile

import (
	"context"
	"sync"

	"github.com/RazumRu/graphflow/log"
)

// Registry is the process-local map of graph id to CompiledGraph. A single
// engine instance is authoritative per graph; the registry exclusively owns
// each CompiledGraph.
type Registry struct {
	mu     sync.RWMutex
	graphs map[string]*CompiledGraph
	log    log.Logger
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		graphs: make(map[string]*CompiledGraph),
		log:    log.Default,
	}
}

// Register installs a compiled graph, replacing any previous entry.
func (r *Registry) Register(graphID string, cg *CompiledGraph) {
	r.mu.Lock()
	r.graphs[graphID] = cg
	r.mu.Unlock()
}

// Get returns the compiled graph for graphID, or nil.
func (r *Registry) Get(graphID string) *CompiledGraph {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.graphs[graphID]
}

// Resolve returns the live instance of a node, or nil when either the graph
// or the node is not live. Trigger templates use it as their downstream
// resolver.
func (r *Registry) Resolve(graphID, nodeID string) any {
	cg := r.Get(graphID)
	if cg == nil {
		return nil
	}
	cn := cg.Node(nodeID)
	if cn == nil {
		return nil
	}
	return cn.Instance
}

// Status returns the lifecycle state of the graph, if registered.
func (r *Registry) Status(graphID string) (Status, bool) {
	r.mu.RLock()
	cg := r.graphs[graphID]
	r.mu.RUnlock()
	if cg == nil {
		return "", false
	}
	return cg.Status(), true
}

// GraphIDs returns the ids of all registered graphs.
func (r *Registry) GraphIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.graphs))
	for id := range r.graphs {
		out = append(out, id)
	}
	return out
}

// Destroy tears down all nodes of the graph in reverse build order and
// removes the entry. Node destruction is best-effort: a failing node is
// logged and teardown continues.
func (r *Registry) Destroy(ctx context.Context, graphID string) {
	r.mu.Lock()
	cg := r.graphs[graphID]
	delete(r.graphs, graphID)
	r.mu.Unlock()
	if cg == nil {
		return
	}
	cg.SetStatus(StatusStopped)
	for _, id := range ReverseBuildOrderIDs(cg.NodeIDs(), cg.Edges()) {
		cn := cg.Node(id)
		if cn == nil {
			continue
		}
		cg.State.UnregisterNode(id)
		if cn.Handle != nil {
			if err := cn.Handle.Destroy(ctx, cn.Instance); err != nil {
				r.log.Errorf("registry: destroy node %q of graph %q: %v", id, graphID, err)
			}
		}
		cg.Remove(id)
	}
}
