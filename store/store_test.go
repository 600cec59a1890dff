//
// Copyright (C) 2025 RazumRu.  All rights reserved.
//
// graphflow is licensed under the Apache License Version 2.0.
//
//

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RazumRu/graphflow/schema"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "graphflow.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func testSchema() *schema.Schema {
	return &schema.Schema{
		Nodes: []schema.Node{{ID: "a", Template: "agent", Config: json.RawMessage(`{"model":"m"}`)}},
	}
}

func testGraph(id string) *Graph {
	return &Graph{
		ID:            id,
		Name:          "test graph",
		Schema:        testSchema(),
		Version:       "1.0.0",
		TargetVersion: "1.0.0",
		Status:        GraphCreated,
		CreatedBy:     "alice",
	}
}

func TestGraphCRUD(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	g := testGraph("g1")
	require.NoError(t, st.WithTx(ctx, func(tx *sql.Tx) error {
		return st.CreateGraph(ctx, tx, g)
	}))

	got, err := st.GetGraph(ctx, st.DB(), "g1")
	require.NoError(t, err)
	assert.Equal(t, "test graph", got.Name)
	assert.Equal(t, GraphCreated, got.Status)
	assert.Equal(t, "alice", got.CreatedBy)
	assert.True(t, schema.Equal(testSchema(), got.Schema))
	assert.False(t, got.CreatedAt.IsZero())

	running := GraphRunning
	next := "1.0.1"
	require.NoError(t, st.UpdateGraph(ctx, st.DB(), "g1", GraphPatch{Status: &running, Version: &next}))
	got, err = st.GetGraph(ctx, st.DB(), "g1")
	require.NoError(t, err)
	assert.Equal(t, GraphRunning, got.Status)
	assert.Equal(t, "1.0.1", got.Version)
	// Untouched fields survive partial updates.
	assert.Equal(t, "test graph", got.Name)

	graphs, err := st.ListGraphs(ctx)
	require.NoError(t, err)
	require.Len(t, graphs, 1)

	require.NoError(t, st.WithTx(ctx, func(tx *sql.Tx) error {
		return st.DeleteGraph(ctx, tx, "g1")
	}))
	_, err = st.GetGraph(ctx, st.DB(), "g1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGraphNotFound(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	_, err := st.GetGraph(ctx, st.DB(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, st.UpdateGraph(ctx, st.DB(), "missing", GraphPatch{}), ErrNotFound)
	err = st.WithTx(ctx, func(tx *sql.Tx) error { return st.DeleteGraph(ctx, tx, "missing") })
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRevisionLifecycle(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	g := testGraph("g1")
	require.NoError(t, st.WithTx(ctx, func(tx *sql.Tx) error {
		return st.CreateGraph(ctx, tx, g)
	}))

	r := &Revision{
		ID:           "r1",
		GraphID:      "g1",
		BaseVersion:  "1.0.0",
		BaseSchema:   testSchema(),
		ToVersion:    "1.0.1",
		ClientSchema: testSchema(),
		NewSchema:    testSchema(),
		Status:       RevisionPending,
		CreatedBy:    "alice",
	}
	require.NoError(t, st.WithTx(ctx, func(tx *sql.Tx) error {
		return st.CreateRevision(ctx, tx, r)
	}))

	got, err := st.GetRevision(ctx, st.DB(), "r1")
	require.NoError(t, err)
	assert.Equal(t, RevisionPending, got.Status)
	assert.True(t, schema.Equal(testSchema(), got.BaseSchema))
	assert.JSONEq(t, `[]`, string(got.ConfigurationDiff))

	applying := RevisionApplying
	require.NoError(t, st.UpdateRevision(ctx, st.DB(), "r1", RevisionPatch{Status: &applying}))

	applied := RevisionApplied
	require.NoError(t, st.UpdateRevision(ctx, st.DB(), "r1", RevisionPatch{Status: &applied}))

	// Terminal revisions are immutable.
	failed := RevisionFailed
	err = st.UpdateRevision(ctx, st.DB(), "r1", RevisionPatch{Status: &failed})
	assert.ErrorIs(t, err, ErrTerminalRevision)

	got, err = st.GetRevision(ctx, st.DB(), "r1")
	require.NoError(t, err)
	assert.Equal(t, RevisionApplied, got.Status)
	assert.True(t, got.Status.Terminal())
}

func TestUpdateRevisionNotFound(t *testing.T) {
	st := newTestStore(t)
	applied := RevisionApplied
	err := st.UpdateRevision(context.Background(), st.DB(), "missing", RevisionPatch{Status: &applied})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateRevisionTerminalInsideTx(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	// A terminal row written by the transaction itself is only visible
	// through that transaction; the status check must not go through the
	// pool or the row looks missing instead of immutable.
	err := st.WithTx(ctx, func(tx *sql.Tx) error {
		if err := st.CreateGraph(ctx, tx, testGraph("g1")); err != nil {
			return err
		}
		r := &Revision{
			ID:           "r1",
			GraphID:      "g1",
			BaseVersion:  "1.0.0",
			ToVersion:    "1.0.1",
			ClientSchema: testSchema(),
			NewSchema:    testSchema(),
			Status:       RevisionApplied,
		}
		if err := st.CreateRevision(ctx, tx, r); err != nil {
			return err
		}
		failed := RevisionFailed
		return st.UpdateRevision(ctx, tx, "r1", RevisionPatch{Status: &failed})
	})
	assert.ErrorIs(t, err, ErrTerminalRevision)
}

func TestGetRevisionAt(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.WithTx(ctx, func(tx *sql.Tx) error {
		return st.CreateGraph(ctx, tx, testGraph("g1"))
	}))
	for i, id := range []string{"r1", "r2"} {
		r := &Revision{
			ID:           id,
			GraphID:      "g1",
			BaseVersion:  "1.0.0",
			ToVersion:    fmt.Sprintf("1.0.%d", i+1),
			ClientSchema: testSchema(),
			NewSchema:    testSchema(),
			Status:       RevisionPending,
		}
		require.NoError(t, st.WithTx(ctx, func(tx *sql.Tx) error {
			return st.CreateRevision(ctx, tx, r)
		}))
	}

	got, err := st.GetRevisionAt(ctx, st.DB(), "g1", "1.0.2")
	require.NoError(t, err)
	assert.Equal(t, "r2", got.ID)

	_, err = st.GetRevisionAt(ctx, st.DB(), "g1", "9.9.9")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListRevisionsFilterAndOrder(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.WithTx(ctx, func(tx *sql.Tx) error {
		return st.CreateGraph(ctx, tx, testGraph("g1"))
	}))
	statuses := []RevisionStatus{RevisionApplied, RevisionPending, RevisionPending}
	for i, status := range statuses {
		r := &Revision{
			ID:           []string{"r1", "r2", "r3"}[i],
			GraphID:      "g1",
			BaseVersion:  "1.0.0",
			ToVersion:    "1.0.1",
			ClientSchema: testSchema(),
			NewSchema:    testSchema(),
			Status:       status,
		}
		require.NoError(t, st.WithTx(ctx, func(tx *sql.Tx) error {
			return st.CreateRevision(ctx, tx, r)
		}))
	}

	all, err := st.ListRevisions(ctx, st.DB(), "g1", RevisionFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	// Newest first.
	assert.Equal(t, "r3", all[0].ID)

	pending, err := st.ListRevisions(ctx, st.DB(), "g1", RevisionFilter{Status: RevisionPending})
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	limited, err := st.ListRevisions(ctx, st.DB(), "g1", RevisionFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestWithTxRollsBackOnError(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	err := st.WithTx(ctx, func(tx *sql.Tx) error {
		if err := st.CreateGraph(ctx, tx, testGraph("g1")); err != nil {
			return err
		}
		return assert.AnError
	})
	require.ErrorIs(t, err, assert.AnError)
	_, err = st.GetGraph(ctx, st.DB(), "g1")
	assert.ErrorIs(t, err, ErrNotFound)
}
