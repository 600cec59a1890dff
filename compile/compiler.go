//
// Copyright (C) 2025 RazumRu.  All rights reserved.
//
// graphflow is licensed under the Apache License Version 2.0.
//
//

package compile

import (
	"context"
	"fmt"

	"github.com/RazumRu/graphflow/errs"
	"github.com/RazumRu/graphflow/log"
	"github.com/RazumRu/graphflow/schema"
	"github.com/RazumRu/graphflow/template"
)

// Meta carries graph-level context into node preparation. ThreadID scopes
// external resource names when a graph runs multiple threads.
type Meta struct {
	GraphID  string
	ThreadID string
}

// Prepared is the output of PrepareNode: the resolved template, the typed
// config and the init the handle consumes.
type Prepared struct {
	Template template.Template
	Config   any
	Init     template.Init
}

// CompilerOption configures the compiler.
type CompilerOption func(*Compiler)

// WithLogger overrides the compiler logger.
func WithLogger(l log.Logger) CompilerOption {
	return func(c *Compiler) { c.log = l }
}

// Compiler builds CompiledGraphs from schemas.
type Compiler struct {
	templates template.Registry
	validator *schema.Validator
	log       log.Logger
}

// NewCompiler builds a compiler over the template registry.
func NewCompiler(templates template.Registry, validator *schema.Validator, opts ...CompilerOption) *Compiler {
	c := &Compiler{
		templates: templates,
		validator: validator,
		log:       log.Default,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ValidateSchema validates s against the template registry.
func (c *Compiler) ValidateSchema(s *schema.Schema) error {
	return c.validator.Validate(s)
}

// PrepareNode resolves a node's template, validates its config and builds
// the handle init against the already-built neighbours in cg.
func (c *Compiler) PrepareNode(node schema.Node, cg *CompiledGraph, meta Meta, edges []schema.Edge) (*Prepared, error) {
	tpl, ok := c.templates.Lookup(node.Template)
	if !ok {
		return nil, errs.New(errs.CodeInvalidTemplate, "node %q references unknown template %q", node.ID, node.Template)
	}
	cfg, err := tpl.ValidateConfig(node.Config)
	if err != nil {
		return nil, errs.New(errs.CodeInvalidConfig, "node %q config invalid", node.ID).WithCause(err)
	}

	init := template.Init{
		Identity: template.Identity{
			GraphID:  meta.GraphID,
			NodeID:   node.ID,
			ThreadID: meta.ThreadID,
		},
		Config: cfg,
	}
	for _, e := range edges {
		switch node.ID {
		case e.To:
			init.Upstream = append(init.Upstream, c.peer(cg, e.From))
		case e.From:
			init.Downstream = append(init.Downstream, c.peer(cg, e.To))
		}
	}
	return &Prepared{Template: tpl, Config: cfg, Init: init}, nil
}

// peer resolves a neighbour by id, carrying its instance when it is
// already built. Peers hold ids, not instances, for anything long-lived.
func (c *Compiler) peer(cg *CompiledGraph, id string) template.Peer {
	p := template.Peer{NodeID: id}
	if cn := cg.Node(id); cn != nil {
		p.Template = cn.Template
		p.Kind = cn.Kind
		p.Instance = cn.Instance
	}
	return p
}

// CreateNode creates and configures the handle for a prepared node.
func (c *Compiler) CreateNode(ctx context.Context, node schema.Node, p *Prepared) (*CompiledNode, error) {
	handle := p.Template.Handle()
	instance, err := handle.Create(ctx, p.Init)
	if err != nil {
		return nil, fmt.Errorf("create node %q: %w", node.ID, err)
	}
	return &CompiledNode{
		ID:        node.ID,
		Template:  node.Template,
		Kind:      p.Template.Kind(),
		Config:    p.Config,
		RawConfig: node.Config,
		Handle:    handle,
		Instance:  instance,
	}, nil
}

// DestroyNode releases a node's resources. Destruction is best-effort and
// never panics on partially-initialized nodes.
func (c *Compiler) DestroyNode(ctx context.Context, cn *CompiledNode) error {
	if cn == nil || cn.Handle == nil {
		return nil
	}
	if err := cn.Handle.Destroy(ctx, cn.Instance); err != nil {
		return fmt.Errorf("destroy node %q: %w", cn.ID, err)
	}
	return nil
}

// Compile builds a CompiledGraph from a schema: topological build order,
// per-node preparation against already-built predecessors, handle creation.
// Any failure destroys already-built nodes in reverse order and returns the
// originating error.
func (c *Compiler) Compile(ctx context.Context, s *schema.Schema, meta Meta) (*CompiledGraph, error) {
	if err := c.validator.Validate(s); err != nil {
		return nil, err
	}
	order, err := BuildOrder(s)
	if err != nil {
		return nil, err
	}

	cg := NewCompiledGraph(meta.GraphID, s.Edges)
	built := make([]*CompiledNode, 0, len(order))
	for _, node := range order {
		p, err := c.PrepareNode(node, cg, meta, s.Edges)
		if err != nil {
			c.teardown(ctx, built)
			return nil, err
		}
		cn, err := c.CreateNode(ctx, node, p)
		if err != nil {
			c.teardown(ctx, built)
			return nil, err
		}
		cg.Put(cn)
		built = append(built, cn)
	}
	cg.SetStatus(StatusRunning)
	return cg, nil
}

// teardown destroys nodes in reverse build order, logging failures.
func (c *Compiler) teardown(ctx context.Context, built []*CompiledNode) {
	for i := len(built) - 1; i >= 0; i-- {
		if err := c.DestroyNode(ctx, built[i]); err != nil {
			c.log.Errorf("compile: teardown: %v", err)
		}
	}
}
