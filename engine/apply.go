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
	"time"

	"github.com/RazumRu/graphflow/compile"
	"github.com/RazumRu/graphflow/errs"
	"github.com/RazumRu/graphflow/live"
	"github.com/RazumRu/graphflow/merge"
	"github.com/RazumRu/graphflow/queue"
	"github.com/RazumRu/graphflow/schema"
	"github.com/RazumRu/graphflow/store"
)

// liveUpdateError marks a fatal mid-plan live-update failure: the compiled
// graph may be degraded and the graph record transitions to the error state.
type liveUpdateError struct{ err error }

func (e *liveUpdateError) Error() string { return e.err.Error() }
func (e *liveUpdateError) Unwrap() error { return e.err }

// processJob is the queue processor bound at construction. It classifies
// applyRevision failures for the queue: precondition/terminal/fatal errors
// are unrecoverable, everything else retries with backoff.
func (e *Engine) processJob(ctx context.Context, job queue.Job) error {
	err := e.applyRevision(ctx, job)
	if err == nil {
		return nil
	}
	var coded *errs.Error
	var fatal *liveUpdateError
	if errors.As(err, &coded) || errors.As(err, &fatal) {
		return queue.Unrecoverable(err)
	}
	// Transient failure. The failure record must still commit once the
	// queue gives up; the limit comes from the queue so a caller-supplied
	// queue.WithMaxAttempts cannot desync the two.
	if job.Attempts >= e.queue.MaxAttempts() {
		e.failRevision(ctx, job.RevisionID, job.GraphID, err)
	}
	return err
}

// applyRevision is the per-graph apply worker: re-merge against any newer
// head, live-update the running graph, then commit schema and version. It
// is re-entrant: a redelivered job re-reads all state and terminal
// revisions are no-ops.
func (e *Engine) applyRevision(ctx context.Context, job queue.Job) error {
	rev, err := e.store.GetRevision(ctx, e.store.DB(), job.RevisionID)
	if errors.Is(err, store.ErrNotFound) {
		e.log.Warnf("engine: revision %s vanished before apply", job.RevisionID)
		return nil
	}
	if err != nil {
		return err
	}
	if rev.Status.Terminal() {
		return nil
	}

	applying := store.RevisionApplying
	if err := e.store.UpdateRevision(ctx, e.store.DB(), rev.ID, store.RevisionPatch{Status: &applying}); err != nil {
		if errors.Is(err, store.ErrTerminalRevision) {
			return nil
		}
		return err
	}

	// A compile in progress owns the CompiledGraph; wait for it to settle
	// before mutating. Proceed regardless after the deadline.
	if err := e.awaitCompiled(ctx, rev.GraphID); err != nil {
		return err
	}

	applyErr := e.store.WithTx(ctx, func(tx *sql.Tx) error {
		g, err := e.store.GetGraphForUpdate(ctx, tx, rev.GraphID)
		if errors.Is(err, store.ErrNotFound) {
			return errs.New(errs.CodeGraphNotFound, "graph %q not found", rev.GraphID)
		}
		if err != nil {
			return err
		}

		// Re-merge against the committed head unconditionally. The head this
		// revision merged against at submit may itself have been rewritten
		// by an earlier failure's re-merge, and no version check can detect
		// a content rewrite. The merge is deterministic, so on an
		// undisturbed chain this reproduces the submit-time schema exactly.
		res := e.merger.Merge(rev.BaseSchema, g.Schema, rev.ClientSchema)
		if !res.Success {
			return errs.New(errs.CodeMergeConflict,
				"revision %s no longer merges cleanly against version %s", rev.ID, g.Version).
				WithDetails(res.Conflicts)
		}
		newSchema := res.Merged
		if !schema.Equal(newSchema, rev.NewSchema) {
			diff, err := merge.Diff(g.Schema, newSchema)
			if err != nil {
				return fmt.Errorf("recompute configuration diff: %w", err)
			}
			if err := e.store.UpdateRevision(ctx, tx, rev.ID, store.RevisionPatch{
				NewSchema:         newSchema,
				ConfigurationDiff: diff,
			}); err != nil {
				return err
			}
		}

		if g.Status == store.GraphRunning {
			if err := e.liveUpdate(ctx, g.ID, newSchema); err != nil {
				return err
			}
		}

		applied := store.RevisionApplied
		if err := e.store.UpdateGraph(ctx, tx, g.ID, store.GraphPatch{
			Schema:  newSchema,
			Version: &rev.ToVersion,
		}); err != nil {
			return err
		}
		return e.store.UpdateRevision(ctx, tx, rev.ID, store.RevisionPatch{Status: &applied})
	})
	if applyErr == nil {
		e.log.Infof("engine: graph %s revision %s applied at version %s", rev.GraphID, rev.ID, rev.ToVersion)
		return nil
	}

	var coded *errs.Error
	var fatal *liveUpdateError
	if errors.As(applyErr, &coded) || errors.As(applyErr, &fatal) {
		// Precondition/terminal/fatal: record the failure now. Transient
		// errors leave the revision in Applying for the retry.
		e.failRevision(ctx, rev.ID, rev.GraphID, applyErr)
	}
	return applyErr
}

// awaitCompiled polls the graph out of the compiling state, bounded by the
// engine's compile wait.
func (e *Engine) awaitCompiled(ctx context.Context, graphID string) error {
	deadline := time.Now().Add(e.compileWait)
	for {
		g, err := e.store.GetGraph(ctx, e.store.DB(), graphID)
		if errors.Is(err, store.ErrNotFound) {
			// The apply transaction surfaces the deletion.
			return nil
		}
		if err != nil {
			return err
		}
		if g.Status != store.GraphCompiling || time.Now().After(deadline) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(e.compilePoll):
		}
	}
}

// liveUpdate mutates the running CompiledGraph to the new schema. A
// mid-plan failure is fatal: the graph record moves to the error state and
// the next run recompiles from the persisted schema.
func (e *Engine) liveUpdate(ctx context.Context, graphID string, next *schema.Schema) error {
	cg := e.registry.Get(graphID)
	if cg == nil {
		e.log.Warnf("engine: graph %s marked running but not registered, skipping live update", graphID)
		return nil
	}
	plan, err := live.ComputePlan(cg, next)
	if err != nil {
		return &liveUpdateError{err: err}
	}
	if plan.Empty() {
		return nil
	}
	meta := compile.Meta{GraphID: graphID}
	if err := e.executor.Execute(ctx, cg, next, plan, meta); err != nil {
		return &liveUpdateError{err: err}
	}
	return nil
}

// failRevision records a terminal failure in a transaction independent from
// the apply transaction, so the failure commits even though the apply
// rolled back. It also resets the graph's target version to the max
// toVersion of the remaining pending revisions (or to the committed version
// when none remain).
func (e *Engine) failRevision(ctx context.Context, revisionID, graphID string, cause error) {
	msg := cause.Error()
	failed := store.RevisionFailed
	err := e.store.WithTx(ctx, func(tx *sql.Tx) error {
		if err := e.store.UpdateRevision(ctx, tx, revisionID, store.RevisionPatch{
			Status: &failed,
			Error:  &msg,
		}); err != nil && !errors.Is(err, store.ErrTerminalRevision) && !errors.Is(err, store.ErrNotFound) {
			return err
		}

		g, err := e.store.GetGraphForUpdate(ctx, tx, graphID)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		target := g.Version
		for _, status := range []store.RevisionStatus{store.RevisionPending, store.RevisionApplying} {
			revs, err := e.store.ListRevisions(ctx, tx, graphID, store.RevisionFilter{Status: status})
			if err != nil {
				return err
			}
			for _, r := range revs {
				if r.ID == revisionID {
					continue
				}
				target = e.arbiter.Max(target, r.ToVersion)
			}
		}
		patch := store.GraphPatch{}
		if target != g.TargetVersion {
			patch.TargetVersion = &target
		}

		var fatal *liveUpdateError
		if errors.As(cause, &fatal) {
			status := store.GraphError
			patch.Status = &status
			patch.Error = &msg
			if cg := e.registry.Get(graphID); cg != nil {
				cg.SetStatus(compile.StatusError)
			}
		}
		if patch.TargetVersion == nil && patch.Status == nil {
			return nil
		}
		return e.store.UpdateGraph(ctx, tx, graphID, patch)
	})
	if err != nil {
		e.log.Errorf("engine: record failure of revision %s: %v", revisionID, err)
	}
	e.log.Warnf("engine: graph %s revision %s failed: %s", graphID, revisionID, msg)
}
