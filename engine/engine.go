//
// Copyright (C) 2025 RazumRu.  All rights reserved.
//
// graphflow is licensed under the Apache License Version 2.0.
//
//

// Package engine is the revision orchestrator: it arbitrates concurrent
// schema submissions, persists revisions, drives the per-graph apply queue
// and mutates running graphs through the live-update planner/executor.
package engine

import (
	"context"
	"time"

	"github.com/RazumRu/graphflow/compile"
	"github.com/RazumRu/graphflow/live"
	"github.com/RazumRu/graphflow/log"
	"github.com/RazumRu/graphflow/merge"
	"github.com/RazumRu/graphflow/queue"
	"github.com/RazumRu/graphflow/schema"
	"github.com/RazumRu/graphflow/store"
	"github.com/RazumRu/graphflow/template"
	"github.com/RazumRu/graphflow/version"
)

// Option configures the engine.
type Option func(*Engine)

// WithLogger overrides the engine logger.
func WithLogger(l log.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithCompileWait bounds how long an apply waits for a graph stuck in the
// compiling state before proceeding anyway.
func WithCompileWait(wait, poll time.Duration) Option {
	return func(e *Engine) {
		e.compileWait = wait
		e.compilePoll = poll
	}
}

// WithMaxAttempts sets queue delivery attempts per revision job.
func WithMaxAttempts(n int) Option {
	return func(e *Engine) { e.maxAttempts = n }
}

// WithQueueOptions passes extra options to the revision queue.
func WithQueueOptions(opts ...queue.Option) Option {
	return func(e *Engine) { e.queueOpts = append(e.queueOpts, opts...) }
}

// Engine owns the full revision lifecycle for all graphs of one process.
// A single engine instance is authoritative per graph: persisted state
// transitions serialize on the store's row lock, in-memory CompiledGraph
// mutations serialize on the queue's per-graph concurrency of one.
type Engine struct {
	store     *store.Store
	templates template.Registry
	validator *schema.Validator
	merger    *merge.Merger
	arbiter   *version.Arbiter
	compiler  *compile.Compiler
	executor  *live.Executor
	registry  *compile.Registry
	queue     *queue.Queue
	log       log.Logger

	compileWait time.Duration
	compilePoll time.Duration
	maxAttempts int
	queueOpts   []queue.Option
}

// New builds an engine over the store and template registry. The revision
// queue's processor is bound here, once; the queue is never handed a
// processor after construction.
func New(st *store.Store, templates template.Registry, opts ...Option) (*Engine, error) {
	e := &Engine{
		store:       st,
		templates:   templates,
		log:         log.Default,
		compileWait: 3 * time.Minute,
		compilePoll: 5 * time.Second,
		maxAttempts: 3,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.validator = schema.NewValidator(templates)
	e.merger = merge.NewMerger(e.validator)
	e.arbiter = version.NewArbiter()
	e.compiler = compile.NewCompiler(templates, e.validator, compile.WithLogger(e.log))
	e.executor = live.NewExecutor(e.compiler, live.WithLogger(e.log))
	e.registry = compile.NewRegistry()

	qopts := append([]queue.Option{
		queue.WithMaxAttempts(e.maxAttempts),
		queue.WithLogger(e.log),
	}, e.queueOpts...)
	q, err := queue.New(st.DB(), e.processJob, qopts...)
	if err != nil {
		return nil, err
	}
	e.queue = q
	return e, nil
}

// Start launches the revision apply worker.
func (e *Engine) Start() {
	e.queue.Start()
}

// Stop drains the queue and tears down all live graphs.
func (e *Engine) Stop(ctx context.Context) {
	e.queue.Stop()
	for _, id := range e.registry.GraphIDs() {
		e.registry.Destroy(ctx, id)
	}
}

// Registry exposes the live graph registry (read-side observers).
func (e *Engine) Registry() *compile.Registry { return e.registry }
