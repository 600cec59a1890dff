//
// Copyright (C) 2025 RazumRu.  All rights reserved.
//
// graphflow is licensed under the Apache License Version 2.0.
//
//

// Package store persists graphs and revisions in a relational database.
// It expects an initialized *sql.DB with a SQLite driver and creates the
// required schema. All mutations run inside a transaction supplied by the
// caller; GetGraphForUpdate inside a write transaction is the serialization
// point for concurrent submitters on the same graph.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/RazumRu/graphflow/schema"
)

// GraphStatus is the lifecycle state of a graph.
type GraphStatus string

// Graph lifecycle states.
const (
	GraphCreated   GraphStatus = "created"
	GraphCompiling GraphStatus = "compiling"
	GraphRunning   GraphStatus = "running"
	GraphStopped   GraphStatus = "stopped"
	GraphError     GraphStatus = "error"
)

// RevisionStatus is the lifecycle state of a revision.
type RevisionStatus string

// Revision lifecycle states. Applied and Failed are terminal and immutable.
const (
	RevisionPending  RevisionStatus = "pending"
	RevisionApplying RevisionStatus = "applying"
	RevisionApplied  RevisionStatus = "applied"
	RevisionFailed   RevisionStatus = "failed"
)

// Terminal reports whether the status is a terminal one.
func (s RevisionStatus) Terminal() bool {
	return s == RevisionApplied || s == RevisionFailed
}

// Graph is the persisted graph record.
type Graph struct {
	ID            string
	Name          string
	Description   string
	Temporary     bool
	Schema        *schema.Schema
	Version       string
	TargetVersion string
	Status        GraphStatus
	Error         string
	CreatedBy     string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Revision is the persisted revision record. BaseSchema is the resolved
// schema at BaseVersion captured at submit time; the apply worker uses it as
// the merge base so it never depends on other revision rows still being
// intact.
type Revision struct {
	ID                string
	GraphID           string
	BaseVersion       string
	BaseSchema        *schema.Schema
	ToVersion         string
	ClientSchema      *schema.Schema
	NewSchema         *schema.Schema
	ConfigurationDiff json.RawMessage
	Status            RevisionStatus
	Error             string
	CreatedBy         string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// ErrNotFound is returned when a graph or revision row does not exist.
var ErrNotFound = errors.New("record not found")

// ErrTerminalRevision is returned when mutating an Applied/Failed revision.
var ErrTerminalRevision = errors.New("revision is in a terminal state")

const (
	createGraphsTable = "CREATE TABLE IF NOT EXISTS graphs (" +
		"id TEXT PRIMARY KEY, " +
		"name TEXT NOT NULL, " +
		"description TEXT NOT NULL DEFAULT '', " +
		"schema_json BLOB NOT NULL, " +
		"version TEXT NOT NULL, " +
		"target_version TEXT NOT NULL, " +
		"status TEXT NOT NULL, " +
		"error TEXT NOT NULL DEFAULT '', " +
		"temporary INTEGER NOT NULL DEFAULT 0, " +
		"created_by TEXT NOT NULL DEFAULT '', " +
		"created_at INTEGER NOT NULL, " +
		"updated_at INTEGER NOT NULL" +
		")"

	createRevisionsTable = "CREATE TABLE IF NOT EXISTS graph_revisions (" +
		"id TEXT PRIMARY KEY, " +
		"graph_id TEXT NOT NULL, " +
		"base_version TEXT NOT NULL, " +
		"base_schema BLOB NOT NULL, " +
		"to_version TEXT NOT NULL, " +
		"client_schema BLOB NOT NULL, " +
		"new_schema BLOB NOT NULL, " +
		"configuration_diff BLOB NOT NULL, " +
		"status TEXT NOT NULL, " +
		"error TEXT NOT NULL DEFAULT '', " +
		"created_by TEXT NOT NULL DEFAULT '', " +
		"created_at INTEGER NOT NULL, " +
		"updated_at INTEGER NOT NULL" +
		")"

	createRevisionsIndex = "CREATE INDEX IF NOT EXISTS idx_graph_revisions_graph " +
		"ON graph_revisions (graph_id, created_at)"

	graphColumns = "id, name, description, schema_json, version, target_version, " +
		"status, error, temporary, created_by, created_at, updated_at"

	revisionColumns = "id, graph_id, base_version, base_schema, to_version, client_schema, " +
		"new_schema, configuration_diff, status, error, created_by, created_at, updated_at"
)

// Querier abstracts *sql.DB and *sql.Tx so operations run either standalone
// or inside a caller-supplied transaction.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store is the durable revision store.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite-backed store at path. Write transactions
// take the database lock immediately, which gives GetGraphForUpdate its
// row-lock semantics.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=10000&_journal_mode=WAL&_txlock=immediate&_fk=1", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return New(db)
}

// New wraps an existing DB and creates tables if needed.
func New(db *sql.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("db is nil")
	}
	for _, stmt := range []string{createGraphsTable, createRevisionsTable, createRevisionsIndex} {
		if _, err := db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("create schema: %w", err)
		}
	}
	return &Store{db: db}, nil
}

// DB exposes the underlying database (shared with the queue).
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// WithTx runs fn inside a write transaction, committing on nil and rolling
// back on error.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// CreateGraph inserts a new graph row.
func (s *Store) CreateGraph(ctx context.Context, q Querier, g *Graph) error {
	raw, err := g.Schema.Marshal()
	if err != nil {
		return fmt.Errorf("marshal schema: %w", err)
	}
	now := time.Now().UTC()
	g.CreatedAt, g.UpdatedAt = now, now
	_, err = q.ExecContext(ctx,
		"INSERT INTO graphs ("+graphColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		g.ID, g.Name, g.Description, raw, g.Version, g.TargetVersion,
		string(g.Status), g.Error, boolInt(g.Temporary), g.CreatedBy,
		now.UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert graph: %w", err)
	}
	return nil
}

// GetGraph loads a graph by id.
func (s *Store) GetGraph(ctx context.Context, q Querier, id string) (*Graph, error) {
	row := q.QueryRowContext(ctx, "SELECT "+graphColumns+" FROM graphs WHERE id = ?", id)
	return scanGraph(row)
}

// GetGraphForUpdate loads a graph with the row locked for the duration of
// the supplied write transaction. Concurrent submitters on the same graph
// serialize here.
func (s *Store) GetGraphForUpdate(ctx context.Context, tx *sql.Tx, id string) (*Graph, error) {
	// SQLite write transactions already hold the database write lock
	// (a superset of a row lock). A server database would append
	// FOR UPDATE here.
	row := tx.QueryRowContext(ctx, "SELECT "+graphColumns+" FROM graphs WHERE id = ?", id)
	return scanGraph(row)
}

// ListGraphs returns all graphs ordered by creation time.
func (s *Store) ListGraphs(ctx context.Context) ([]*Graph, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+graphColumns+" FROM graphs ORDER BY created_at, id")
	if err != nil {
		return nil, fmt.Errorf("list graphs: %w", err)
	}
	defer rows.Close()
	var out []*Graph
	for rows.Next() {
		g, err := scanGraphRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// GraphPatch is a partial graph update; nil fields are left unchanged.
type GraphPatch struct {
	Name          *string
	Description   *string
	Schema        *schema.Schema
	Version       *string
	TargetVersion *string
	Status        *GraphStatus
	Error         *string
}

// UpdateGraph applies the patch to the graph row.
func (s *Store) UpdateGraph(ctx context.Context, q Querier, id string, p GraphPatch) error {
	sets := []string{"updated_at = ?"}
	args := []any{time.Now().UTC().UnixMilli()}
	if p.Name != nil {
		sets = append(sets, "name = ?")
		args = append(args, *p.Name)
	}
	if p.Description != nil {
		sets = append(sets, "description = ?")
		args = append(args, *p.Description)
	}
	if p.Schema != nil {
		raw, err := p.Schema.Marshal()
		if err != nil {
			return fmt.Errorf("marshal schema: %w", err)
		}
		sets = append(sets, "schema_json = ?")
		args = append(args, raw)
	}
	if p.Version != nil {
		sets = append(sets, "version = ?")
		args = append(args, *p.Version)
	}
	if p.TargetVersion != nil {
		sets = append(sets, "target_version = ?")
		args = append(args, *p.TargetVersion)
	}
	if p.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*p.Status))
	}
	if p.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, *p.Error)
	}
	args = append(args, id)
	res, err := q.ExecContext(ctx, "UPDATE graphs SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return fmt.Errorf("update graph: %w", err)
	}
	return requireAffected(res)
}

// DeleteGraph removes the graph row and its revisions.
func (s *Store) DeleteGraph(ctx context.Context, q Querier, id string) error {
	if _, err := q.ExecContext(ctx, "DELETE FROM graph_revisions WHERE graph_id = ?", id); err != nil {
		return fmt.Errorf("delete revisions: %w", err)
	}
	res, err := q.ExecContext(ctx, "DELETE FROM graphs WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete graph: %w", err)
	}
	return requireAffected(res)
}

// CreateRevision inserts a new revision row.
func (s *Store) CreateRevision(ctx context.Context, q Querier, r *Revision) error {
	baseSchema := r.BaseSchema
	if baseSchema == nil {
		baseSchema = &schema.Schema{}
	}
	base, err := baseSchema.Marshal()
	if err != nil {
		return fmt.Errorf("marshal base schema: %w", err)
	}
	client, err := r.ClientSchema.Marshal()
	if err != nil {
		return fmt.Errorf("marshal client schema: %w", err)
	}
	next, err := r.NewSchema.Marshal()
	if err != nil {
		return fmt.Errorf("marshal new schema: %w", err)
	}
	diff := r.ConfigurationDiff
	if len(diff) == 0 {
		diff = json.RawMessage(`[]`)
	}
	now := time.Now().UTC()
	r.CreatedAt, r.UpdatedAt = now, now
	_, err = q.ExecContext(ctx,
		"INSERT INTO graph_revisions ("+revisionColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		r.ID, r.GraphID, r.BaseVersion, base, r.ToVersion, client, next, []byte(diff),
		string(r.Status), r.Error, r.CreatedBy, now.UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert revision: %w", err)
	}
	return nil
}

// RevisionPatch is a partial revision update; nil fields are unchanged.
type RevisionPatch struct {
	Status            *RevisionStatus
	Error             *string
	NewSchema         *schema.Schema
	ConfigurationDiff json.RawMessage
}

// UpdateRevision applies the patch. Terminal revisions are immutable:
// updating one returns ErrTerminalRevision.
func (s *Store) UpdateRevision(ctx context.Context, q Querier, id string, p RevisionPatch) error {
	sets := []string{"updated_at = ?"}
	args := []any{time.Now().UTC().UnixMilli()}
	if p.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*p.Status))
	}
	if p.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, *p.Error)
	}
	if p.NewSchema != nil {
		raw, err := p.NewSchema.Marshal()
		if err != nil {
			return fmt.Errorf("marshal new schema: %w", err)
		}
		sets = append(sets, "new_schema = ?")
		args = append(args, raw)
	}
	if p.ConfigurationDiff != nil {
		sets = append(sets, "configuration_diff = ?")
		args = append(args, []byte(p.ConfigurationDiff))
	}
	args = append(args, id, string(RevisionApplied), string(RevisionFailed))
	res, err := q.ExecContext(ctx,
		"UPDATE graph_revisions SET "+strings.Join(sets, ", ")+
			" WHERE id = ? AND status NOT IN (?, ?)", args...)
	if err != nil {
		return fmt.Errorf("update revision: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		// Distinguish a missing row from an immutable one. The check must go
		// through q: inside an uncommitted transaction the row may only be
		// visible to the transaction itself.
		var status string
		err := q.QueryRowContext(ctx, "SELECT status FROM graph_revisions WHERE id = ?", id).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("check revision: %w", err)
		}
		return ErrTerminalRevision
	}
	return nil
}

// GetRevision loads a revision by id.
func (s *Store) GetRevision(ctx context.Context, q Querier, id string) (*Revision, error) {
	row := q.QueryRowContext(ctx, "SELECT "+revisionColumns+" FROM graph_revisions WHERE id = ?", id)
	return scanRevision(row)
}

// GetRevisionAt loads the revision of a graph whose toVersion matches.
func (s *Store) GetRevisionAt(ctx context.Context, q Querier, graphID, toVersion string) (*Revision, error) {
	row := q.QueryRowContext(ctx,
		"SELECT "+revisionColumns+" FROM graph_revisions WHERE graph_id = ? AND to_version = ? "+
			"ORDER BY created_at DESC LIMIT 1", graphID, toVersion)
	return scanRevision(row)
}

// RevisionFilter narrows ListRevisions.
type RevisionFilter struct {
	Status RevisionStatus
	Limit  int
}

// ListRevisions returns a graph's revisions, newest first.
func (s *Store) ListRevisions(ctx context.Context, q Querier, graphID string, f RevisionFilter) ([]*Revision, error) {
	query := "SELECT " + revisionColumns + " FROM graph_revisions WHERE graph_id = ?"
	args := []any{graphID}
	if f.Status != "" {
		query += " AND status = ?"
		args = append(args, string(f.Status))
	}
	query += " ORDER BY created_at DESC, id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list revisions: %w", err)
	}
	defer rows.Close()
	var out []*Revision
	for rows.Next() {
		r, err := scanRevisionRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanGraph(row *sql.Row) (*Graph, error) {
	g, err := scanGraphRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return g, err
}

func scanGraphRow(row rowScanner) (*Graph, error) {
	var g Graph
	var raw []byte
	var status string
	var temporary int
	var createdAt, updatedAt int64
	if err := row.Scan(&g.ID, &g.Name, &g.Description, &raw, &g.Version, &g.TargetVersion,
		&status, &g.Error, &temporary, &g.CreatedBy, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	s, err := schema.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("graph %s: %w", g.ID, err)
	}
	g.Schema = s
	g.Status = GraphStatus(status)
	g.Temporary = temporary != 0
	g.CreatedAt = time.UnixMilli(createdAt).UTC()
	g.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return &g, nil
}

func scanRevision(row *sql.Row) (*Revision, error) {
	r, err := scanRevisionRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

func scanRevisionRow(row rowScanner) (*Revision, error) {
	var r Revision
	var base, client, next, diff []byte
	var status string
	var createdAt, updatedAt int64
	if err := row.Scan(&r.ID, &r.GraphID, &r.BaseVersion, &base, &r.ToVersion, &client, &next,
		&diff, &status, &r.Error, &r.CreatedBy, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	bs, err := schema.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("revision %s base schema: %w", r.ID, err)
	}
	cs, err := schema.Parse(client)
	if err != nil {
		return nil, fmt.Errorf("revision %s client schema: %w", r.ID, err)
	}
	ns, err := schema.Parse(next)
	if err != nil {
		return nil, fmt.Errorf("revision %s new schema: %w", r.ID, err)
	}
	r.BaseSchema = bs
	r.ClientSchema = cs
	r.NewSchema = ns
	r.ConfigurationDiff = json.RawMessage(diff)
	r.Status = RevisionStatus(status)
	r.CreatedAt = time.UnixMilli(createdAt).UTC()
	r.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return &r, nil
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
