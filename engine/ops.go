//
// Copyright (C) 2025 RazumRu.  All rights reserved.
//
// graphflow is licensed under the Apache License Version 2.0.
//
//

package engine

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"

	"github.com/RazumRu/graphflow/compile"
	"github.com/RazumRu/graphflow/errs"
	"github.com/RazumRu/graphflow/merge"
	"github.com/RazumRu/graphflow/schema"
	"github.com/RazumRu/graphflow/store"
	"github.com/RazumRu/graphflow/template"
	"github.com/RazumRu/graphflow/version"
)

// CreateGraphRequest describes a new graph.
type CreateGraphRequest struct {
	Name        string
	Description string
	Temporary   bool
	Schema      *schema.Schema
}

// Create validates and persists a new graph at the initial version.
func (e *Engine) Create(ctx context.Context, req CreateGraphRequest, principal string) (*store.Graph, error) {
	if req.Schema == nil {
		req.Schema = &schema.Schema{}
	}
	if err := e.validator.Validate(req.Schema); err != nil {
		return nil, err
	}
	g := &store.Graph{
		ID:            uuid.NewString(),
		Name:          req.Name,
		Description:   req.Description,
		Temporary:     req.Temporary,
		Schema:        req.Schema,
		Version:       version.Initial,
		TargetVersion: version.Initial,
		Status:        store.GraphCreated,
		CreatedBy:     principal,
	}
	err := e.store.WithTx(ctx, func(tx *sql.Tx) error {
		return e.store.CreateGraph(ctx, tx, g)
	})
	if err != nil {
		return nil, err
	}
	e.log.Infof("engine: graph %s created", g.ID)
	return g, nil
}

// FindByID loads a graph visible to the principal.
func (e *Engine) FindByID(ctx context.Context, id, principal string) (*store.Graph, error) {
	g, err := e.store.GetGraph(ctx, e.store.DB(), id)
	if err != nil {
		return nil, asGraphNotFound(err, id)
	}
	if err := checkOwnership(g, principal); err != nil {
		return nil, err
	}
	return g, nil
}

// GetAll lists the principal's graphs (all graphs for an empty principal).
func (e *Engine) GetAll(ctx context.Context, principal string) ([]*store.Graph, error) {
	graphs, err := e.store.ListGraphs(ctx)
	if err != nil {
		return nil, err
	}
	if principal == "" {
		return graphs, nil
	}
	out := graphs[:0]
	for _, g := range graphs {
		if g.CreatedBy == "" || g.CreatedBy == principal {
			out = append(out, g)
		}
	}
	return out, nil
}

// Run compiles the graph's persisted schema into a live CompiledGraph.
func (e *Engine) Run(ctx context.Context, id, principal string) (*store.Graph, error) {
	g, err := e.FindByID(ctx, id, principal)
	if err != nil {
		return nil, err
	}
	if g.Status == store.GraphRunning || g.Status == store.GraphCompiling {
		return nil, errs.New(errs.CodeGraphAlreadyRunning, "graph %q is already %s", id, g.Status)
	}

	compiling := store.GraphCompiling
	empty := ""
	if err := e.store.UpdateGraph(ctx, e.store.DB(), id, store.GraphPatch{Status: &compiling, Error: &empty}); err != nil {
		return nil, asGraphNotFound(err, id)
	}

	cg, err := e.compiler.Compile(ctx, g.Schema, compile.Meta{GraphID: id})
	if err != nil {
		failed := store.GraphError
		msg := err.Error()
		if uerr := e.store.UpdateGraph(ctx, e.store.DB(), id, store.GraphPatch{Status: &failed, Error: &msg}); uerr != nil {
			e.log.Errorf("engine: record compile failure of graph %s: %v", id, uerr)
		}
		return nil, err
	}
	e.registry.Register(id, cg)

	running := store.GraphRunning
	if err := e.store.UpdateGraph(ctx, e.store.DB(), id, store.GraphPatch{Status: &running}); err != nil {
		e.registry.Destroy(ctx, id)
		return nil, asGraphNotFound(err, id)
	}
	e.log.Infof("engine: graph %s running with %d nodes", id, len(cg.NodeIDs()))
	return e.FindByID(ctx, id, principal)
}

// Destroy stops a running graph, tearing down its live nodes in reverse
// build order. The persisted schema is untouched.
func (e *Engine) Destroy(ctx context.Context, id, principal string) (*store.Graph, error) {
	g, err := e.FindByID(ctx, id, principal)
	if err != nil {
		return nil, err
	}
	if g.Status != store.GraphRunning && g.Status != store.GraphCompiling && g.Status != store.GraphError {
		return nil, errs.New(errs.CodeGraphNotRunning, "graph %q is not running", id)
	}
	e.registry.Destroy(ctx, id)
	stopped := store.GraphStopped
	empty := ""
	if err := e.store.UpdateGraph(ctx, e.store.DB(), id, store.GraphPatch{Status: &stopped, Error: &empty}); err != nil {
		return nil, asGraphNotFound(err, id)
	}
	return e.FindByID(ctx, id, principal)
}

// Delete removes a graph and its revisions. Running graphs must be
// destroyed first.
func (e *Engine) Delete(ctx context.Context, id, principal string) error {
	g, err := e.FindByID(ctx, id, principal)
	if err != nil {
		return err
	}
	if g.Status == store.GraphRunning || g.Status == store.GraphCompiling {
		return errs.New(errs.CodeGraphAlreadyRunning, "graph %q must be destroyed before deletion", id)
	}
	return e.store.WithTx(ctx, func(tx *sql.Tx) error {
		if err := e.store.DeleteGraph(ctx, tx, id); err != nil {
			return asGraphNotFound(err, id)
		}
		return nil
	})
}

// DeleteTemporary sweeps stopped temporary graphs.
func (e *Engine) DeleteTemporary(ctx context.Context) (int, error) {
	graphs, err := e.store.ListGraphs(ctx)
	if err != nil {
		return 0, err
	}
	deleted := 0
	for _, g := range graphs {
		if !g.Temporary || g.Status == store.GraphRunning || g.Status == store.GraphCompiling {
			continue
		}
		if err := e.Delete(ctx, g.ID, ""); err != nil {
			e.log.Warnf("engine: sweep temporary graph %s: %v", g.ID, err)
			continue
		}
		deleted++
	}
	return deleted, nil
}

// UpdateGraphRequest is a metadata and/or schema update. CurrentVersion is
// the version the client saw (optimistic concurrency for schema changes).
type UpdateGraphRequest struct {
	CurrentVersion string
	Name           *string
	Description    *string
	Schema         *schema.Schema
}

// UpdateResponse carries the updated graph and, when a schema change was
// queued for a live graph, the pending revision.
type UpdateResponse struct {
	Graph    *store.Graph
	Revision *store.Revision
}

// Update applies metadata changes directly. Schema changes go through the
// revision pipeline when the graph is live (the response carries the
// pending revision); for non-live graphs the schema commits immediately.
func (e *Engine) Update(ctx context.Context, id string, req UpdateGraphRequest, principal string) (*UpdateResponse, error) {
	g, err := e.FindByID(ctx, id, principal)
	if err != nil {
		return nil, err
	}

	if req.Name != nil || req.Description != nil {
		err := e.store.WithTx(ctx, func(tx *sql.Tx) error {
			return e.store.UpdateGraph(ctx, tx, id, store.GraphPatch{
				Name:        req.Name,
				Description: req.Description,
			})
		})
		if err != nil {
			return nil, asGraphNotFound(err, id)
		}
	}
	if req.Schema == nil {
		g, err = e.FindByID(ctx, id, principal)
		return &UpdateResponse{Graph: g}, err
	}

	if g.Status == store.GraphRunning || g.Status == store.GraphCompiling {
		rev, err := e.SubmitRevision(ctx, id, req.CurrentVersion, req.Schema, principal)
		if err != nil {
			return nil, err
		}
		g, err = e.FindByID(ctx, id, principal)
		if err != nil {
			return nil, err
		}
		return &UpdateResponse{Graph: g, Revision: rev}, nil
	}

	// Not live: the schema commits directly, still under the row lock and
	// the optimistic version check.
	err = e.store.WithTx(ctx, func(tx *sql.Tx) error {
		g, err := e.store.GetGraphForUpdate(ctx, tx, id)
		if err != nil {
			return asGraphNotFound(err, id)
		}
		if g.Version != req.CurrentVersion {
			return errs.New(errs.CodeVersionConflict,
				"graph %q is at version %s, update based on %s", id, g.Version, req.CurrentVersion).
				WithDetails(VersionConflictDetails{CurrentVersion: g.Version})
		}
		if err := e.validator.Validate(req.Schema); err != nil {
			return err
		}
		diff, err := merge.Diff(g.Schema, req.Schema)
		if err != nil {
			return err
		}
		if merge.IsEmptyPatch(diff) {
			return errs.New(errs.CodeRevisionWithoutChanges,
				"submitted schema is identical to the current schema of graph %q", id)
		}
		next := e.arbiter.Next(g.Version)
		return e.store.UpdateGraph(ctx, tx, id, store.GraphPatch{
			Schema:        req.Schema,
			Version:       &next,
			TargetVersion: &next,
		})
	})
	if err != nil {
		return nil, err
	}
	g, err = e.FindByID(ctx, id, principal)
	return &UpdateResponse{Graph: g}, err
}

// ExecuteTrigger fires a trigger node of a running graph.
func (e *Engine) ExecuteTrigger(ctx context.Context, graphID, triggerID string, req template.TriggerRequest, principal string) (any, error) {
	g, err := e.FindByID(ctx, graphID, principal)
	if err != nil {
		return nil, err
	}
	if g.Status != store.GraphRunning {
		return nil, errs.New(errs.CodeGraphNotRunning, "graph %q is not running", graphID)
	}
	cg := e.registry.Get(graphID)
	if cg == nil {
		return nil, errs.New(errs.CodeGraphNotRunning, "graph %q has no live instance", graphID)
	}
	cn := cg.Node(triggerID)
	if cn == nil {
		return nil, errs.New(errs.CodeTriggerNotFound, "trigger %q not found in graph %q", triggerID, graphID)
	}
	if cn.Kind != template.KindTrigger {
		return nil, errs.New(errs.CodeInvalidNodeType, "node %q is a %s node, not a trigger", triggerID, cn.Kind)
	}
	inst, ok := cn.Instance.(template.TriggerInstance)
	if !ok || !inst.Started() {
		return nil, errs.New(errs.CodeTriggerNotStarted, "trigger %q is not started", triggerID)
	}
	return inst.Fire(ctx, req)
}

// GetRevisions lists a graph's revisions, newest first.
func (e *Engine) GetRevisions(ctx context.Context, graphID string, f store.RevisionFilter, principal string) ([]*store.Revision, error) {
	if _, err := e.FindByID(ctx, graphID, principal); err != nil {
		return nil, err
	}
	return e.store.ListRevisions(ctx, e.store.DB(), graphID, f)
}

// GetRevisionByID loads one revision of a graph.
func (e *Engine) GetRevisionByID(ctx context.Context, graphID, revisionID, principal string) (*store.Revision, error) {
	if _, err := e.FindByID(ctx, graphID, principal); err != nil {
		return nil, err
	}
	rev, err := e.store.GetRevision(ctx, e.store.DB(), revisionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, errs.New(errs.CodeGraphRevisionNotFound, "revision %q not found", revisionID)
	}
	if err != nil {
		return nil, err
	}
	if rev.GraphID != graphID {
		return nil, errs.New(errs.CodeGraphRevisionNotFound, "revision %q not found in graph %q", revisionID, graphID)
	}
	return rev, nil
}
