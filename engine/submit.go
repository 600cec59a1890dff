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
	"fmt"

	"github.com/google/uuid"

	"github.com/RazumRu/graphflow/errs"
	"github.com/RazumRu/graphflow/merge"
	"github.com/RazumRu/graphflow/schema"
	"github.com/RazumRu/graphflow/store"
)

// VersionConflictDetails is attached to VERSION_CONFLICT errors so the
// submitter can retry against the current version.
type VersionConflictDetails struct {
	CurrentVersion string `json:"currentVersion"`
}

// SubmitRevision validates, three-way-merges and persists a schema change
// proposal, advances the graph's target version and enqueues the apply job.
// The row lock taken by GetGraphForUpdate is the linearization point across
// submitters for the same graph.
func (e *Engine) SubmitRevision(ctx context.Context, graphID, baseVersion string, client *schema.Schema, principal string) (*store.Revision, error) {
	var rev *store.Revision
	err := e.store.WithTx(ctx, func(tx *sql.Tx) error {
		g, err := e.store.GetGraphForUpdate(ctx, tx, graphID)
		if err != nil {
			return asGraphNotFound(err, graphID)
		}
		if err := checkOwnership(g, principal); err != nil {
			return err
		}
		if g.Version != baseVersion {
			return errs.New(errs.CodeVersionConflict,
				"graph %q is at version %s, submission based on %s", graphID, g.Version, baseVersion).
				WithDetails(VersionConflictDetails{CurrentVersion: g.Version})
		}
		if err := e.validator.Validate(client); err != nil {
			return err
		}

		head, err := e.resolveHead(ctx, tx, g)
		if err != nil {
			return err
		}
		base, err := e.resolveSchemaAt(ctx, tx, g, baseVersion)
		if err != nil {
			return err
		}

		res := e.merger.Merge(base, head, client)
		if !res.Success {
			return errs.New(errs.CodeMergeConflict,
				"schema conflicts with concurrent changes to graph %q", graphID).
				WithDetails(res.Conflicts)
		}

		diff, err := merge.Diff(head, res.Merged)
		if err != nil {
			return fmt.Errorf("compute configuration diff: %w", err)
		}
		if merge.IsEmptyPatch(diff) {
			return errs.New(errs.CodeRevisionWithoutChanges,
				"submitted schema is identical to the current head of graph %q", graphID)
		}

		toVersion := e.arbiter.Next(e.arbiter.Max(g.Version, g.TargetVersion))
		rev = &store.Revision{
			ID:                uuid.NewString(),
			GraphID:           graphID,
			BaseVersion:       baseVersion,
			BaseSchema:        base,
			ToVersion:         toVersion,
			ClientSchema:      client,
			NewSchema:         res.Merged,
			ConfigurationDiff: diff,
			Status:            store.RevisionPending,
			CreatedBy:         principal,
		}
		if err := e.store.CreateRevision(ctx, tx, rev); err != nil {
			return err
		}
		return e.store.UpdateGraph(ctx, tx, graphID, store.GraphPatch{TargetVersion: &toVersion})
	})
	if err != nil {
		return nil, err
	}

	if err := e.queue.Enqueue(ctx, graphID, rev.ID); err != nil {
		// The revision is persisted; the queue's stale-job recovery will
		// not see it, so surface the failure.
		return nil, fmt.Errorf("enqueue revision %s: %w", rev.ID, err)
	}
	e.log.Infof("engine: graph %s revision %s submitted (%s -> %s)", graphID, rev.ID, baseVersion, rev.ToVersion)
	return rev, nil
}

// resolveHead returns the schema all pending revisions converge to: the
// graph's committed schema when nothing is in flight, otherwise the
// newSchema of the revision at targetVersion.
func (e *Engine) resolveHead(ctx context.Context, q store.Querier, g *store.Graph) (*schema.Schema, error) {
	if g.TargetVersion == g.Version {
		return g.Schema, nil
	}
	rev, err := e.store.GetRevisionAt(ctx, q, g.ID, g.TargetVersion)
	if errors.Is(err, store.ErrNotFound) {
		e.log.Warnf("engine: graph %s target version %s has no revision, falling back to committed schema",
			g.ID, g.TargetVersion)
		return g.Schema, nil
	}
	if err != nil {
		return nil, err
	}
	return rev.NewSchema, nil
}

// resolveSchemaAt returns the schema the graph had (or will have) at the
// given version: the committed schema for the current version, otherwise
// the newSchema of the revision that produced that version.
func (e *Engine) resolveSchemaAt(ctx context.Context, q store.Querier, g *store.Graph, v string) (*schema.Schema, error) {
	if v == g.Version {
		return g.Schema, nil
	}
	rev, err := e.store.GetRevisionAt(ctx, q, g.ID, v)
	if errors.Is(err, store.ErrNotFound) {
		return nil, errs.New(errs.CodeVersionNotFound, "graph %q has no revision at version %s", g.ID, v)
	}
	if err != nil {
		return nil, err
	}
	return rev.NewSchema, nil
}

func checkOwnership(g *store.Graph, principal string) error {
	if principal == "" || g.CreatedBy == "" || g.CreatedBy == principal {
		return nil
	}
	// Do not leak existence of other principals' graphs.
	return errs.New(errs.CodeGraphNotFound, "graph %q not found", g.ID)
}

func asGraphNotFound(err error, graphID string) error {
	if errors.Is(err, store.ErrNotFound) {
		return errs.New(errs.CodeGraphNotFound, "graph %q not found", graphID)
	}
	return err
}
