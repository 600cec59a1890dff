//
// Copyright (C) 2025 RazumRu.  All rights reserved.
//
// graphflow is licensed under the Apache License Version 2.0.
//
//

package live

import (
	"context"
	"errors"
	"fmt"

	"github.com/RazumRu/graphflow/compile"
	"github.com/RazumRu/graphflow/log"
	"github.com/RazumRu/graphflow/schema"
	"github.com/RazumRu/graphflow/template"
)

// ExecutorOption configures the executor.
type ExecutorOption func(*Executor)

// WithLogger overrides the executor logger.
func WithLogger(l log.Logger) ExecutorOption {
	return func(e *Executor) { e.log = l }
}

// Executor applies a live-update plan to a CompiledGraph in dependency
// order, preferring in-place reconfiguration and falling back to recreate.
type Executor struct {
	compiler *compile.Compiler
	log      log.Logger
}

// NewExecutor builds an executor over the compiler.
func NewExecutor(compiler *compile.Compiler, opts ...ExecutorOption) *Executor {
	e := &Executor{compiler: compiler, log: log.Default}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute mutates cg to match next according to plan. On a mid-plan
// failure cg may be left partially updated; the returned error names the
// failing node and the caller is expected to fail the revision and reset
// the target version.
func (e *Executor) Execute(ctx context.Context, cg *compile.CompiledGraph, next *schema.Schema, plan Plan, meta compile.Meta) error {
	for _, id := range plan.Removals {
		cn := cg.Node(id)
		if cn == nil {
			continue
		}
		cg.State.UnregisterNode(id)
		if err := e.compiler.DestroyNode(ctx, cn); err != nil {
			return fmt.Errorf("live update: remove node %q: %w", id, err)
		}
		cg.Remove(id)
		e.log.Debugf("live update: removed node %q from graph %q", id, cg.ID)
	}

	// Rebuilds resolve their neighbours against the updated edge set, so
	// upstream rebuilds are visible to downstream ones.
	cg.SetEdges(next.Edges)

	nextIdx := next.NodeIndex()
	for _, id := range plan.Rebuilds {
		node, ok := nextIdx[id]
		if !ok {
			return fmt.Errorf("live update: plan rebuilds unknown node %q", id)
		}
		p, err := e.compiler.PrepareNode(node, cg, meta, next.Edges)
		if err != nil {
			return fmt.Errorf("live update: prepare node %q: %w", id, err)
		}

		existing := cg.Node(id)
		if existing != nil && existing.Template == node.Template {
			err := existing.Handle.Configure(ctx, p.Init, existing.Instance)
			if err == nil {
				existing.Config = p.Config
				existing.RawConfig = node.Config
				e.log.Debugf("live update: reconfigured node %q in place", id)
				continue
			}
			if !errors.Is(err, template.ErrRecreateRequired) {
				e.log.Warnf("live update: reconfigure node %q failed, recreating: %v", id, err)
			}
		}

		if existing != nil {
			cg.State.UnregisterNode(id)
			if err := e.compiler.DestroyNode(ctx, existing); err != nil {
				return fmt.Errorf("live update: replace node %q: %w", id, err)
			}
			cg.Remove(id)
		}
		cn, err := e.compiler.CreateNode(ctx, node, p)
		if err != nil {
			return fmt.Errorf("live update: rebuild node %q: %w", id, err)
		}
		cg.Put(cn)
		e.log.Debugf("live update: rebuilt node %q in graph %q", id, cg.ID)
	}
	return nil
}
