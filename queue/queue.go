//
// Copyright (C) 2025 RazumRu.  All rights reserved.
//
// graphflow is licensed under the Apache License Version 2.0.
//
//

// Package queue implements the durable revision job queue: FIFO per graph,
// concurrency = 1 per graph, cross-graph parallelism on a worker pool,
// at-least-once delivery with exponential backoff and an explicit
// unrecoverable marker.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/panjf2000/ants/v2"

	"github.com/RazumRu/graphflow/log"
)

// Job is a queued revision application.
type Job struct {
	ID         int64
	GraphID    string
	RevisionID string
	Attempts   int
}

// Processor applies a job. Returning nil completes it; an error wrapped by
// Unrecoverable (or attempt exhaustion) fails it permanently; any other
// error schedules a retry with backoff.
type Processor func(ctx context.Context, job Job) error

type unrecoverableError struct{ err error }

func (e *unrecoverableError) Error() string { return e.err.Error() }
func (e *unrecoverableError) Unwrap() error { return e.err }

// Unrecoverable marks err so the queue fails the job without retrying.
func Unrecoverable(err error) error {
	if err == nil {
		return nil
	}
	return &unrecoverableError{err: err}
}

// IsUnrecoverable reports whether err carries the unrecoverable marker.
func IsUnrecoverable(err error) bool {
	var u *unrecoverableError
	return errors.As(err, &u)
}

const (
	statusQueued  = "queued"
	statusRunning = "running"
	statusDone    = "done"
	statusFailed  = "failed"

	createJobsTable = "CREATE TABLE IF NOT EXISTS revision_jobs (" +
		"id INTEGER PRIMARY KEY AUTOINCREMENT, " +
		"graph_id TEXT NOT NULL, " +
		"revision_id TEXT NOT NULL, " +
		"status TEXT NOT NULL, " +
		"attempts INTEGER NOT NULL DEFAULT 0, " +
		"next_run_at INTEGER NOT NULL, " +
		"last_error TEXT NOT NULL DEFAULT '', " +
		"created_at INTEGER NOT NULL" +
		")"

	createJobsIndex = "CREATE INDEX IF NOT EXISTS idx_revision_jobs_group " +
		"ON revision_jobs (graph_id, status, id)"
)

// Option configures the queue.
type Option func(*Queue)

// WithPollInterval sets the dispatcher poll interval.
func WithPollInterval(d time.Duration) Option {
	return func(q *Queue) { q.pollInterval = d }
}

// WithMaxAttempts sets the number of delivery attempts before a job fails.
func WithMaxAttempts(n int) Option {
	return func(q *Queue) { q.maxAttempts = n }
}

// WithInitialBackoff sets the first retry delay.
func WithInitialBackoff(d time.Duration) Option {
	return func(q *Queue) { q.initialBackoff = d }
}

// WithWorkers sets the worker pool size (cross-graph parallelism).
func WithWorkers(n int) Option {
	return func(q *Queue) { q.workers = n }
}

// WithLogger overrides the queue logger.
func WithLogger(l log.Logger) Option {
	return func(q *Queue) { q.log = l }
}

// Queue is the durable per-graph revision queue. The processor is bound at
// construction and never replaced.
type Queue struct {
	db   *sql.DB
	proc Processor
	pool *ants.Pool
	log  log.Logger

	pollInterval   time.Duration
	maxAttempts    int
	initialBackoff time.Duration
	workers        int

	mu       sync.Mutex
	inflight map[string]struct{}

	wake   chan struct{}
	stop   chan struct{}
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New builds a queue over db with the given processor. Jobs left in the
// running state by a previous process are re-queued (at-least-once).
func New(db *sql.DB, proc Processor, opts ...Option) (*Queue, error) {
	if db == nil {
		return nil, errors.New("db is nil")
	}
	if proc == nil {
		return nil, errors.New("processor is nil")
	}
	q := &Queue{
		db:             db,
		proc:           proc,
		log:            log.Default,
		pollInterval:   500 * time.Millisecond,
		maxAttempts:    3,
		initialBackoff: 2 * time.Second,
		workers:        8,
		inflight:       make(map[string]struct{}),
		wake:           make(chan struct{}, 1),
		stop:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	for _, stmt := range []string{createJobsTable, createJobsIndex} {
		if _, err := db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("create jobs table: %w", err)
		}
	}
	if _, err := db.Exec(
		"UPDATE revision_jobs SET status = ? WHERE status = ?", statusQueued, statusRunning); err != nil {
		return nil, fmt.Errorf("requeue stale jobs: %w", err)
	}
	pool, err := ants.NewPool(q.workers)
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}
	q.pool = pool
	return q, nil
}

// MaxAttempts returns the delivery attempt limit after options were applied.
// Processors that record terminal failures on exhaustion must read the limit
// from here rather than carry their own copy.
func (q *Queue) MaxAttempts() int { return q.maxAttempts }

// Enqueue records a job for (graphID, revisionID) and wakes the dispatcher.
func (q *Queue) Enqueue(ctx context.Context, graphID, revisionID string) error {
	now := time.Now().UTC().UnixMilli()
	_, err := q.db.ExecContext(ctx,
		"INSERT INTO revision_jobs (graph_id, revision_id, status, attempts, next_run_at, created_at) "+
			"VALUES (?, ?, ?, 0, ?, ?)",
		graphID, revisionID, statusQueued, now, now)
	if err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

// Start launches the dispatcher loop.
func (q *Queue) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	q.cancel = cancel
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		ticker := time.NewTicker(q.pollInterval)
		defer ticker.Stop()
		for {
			q.dispatch(ctx)
			select {
			case <-q.stop:
				return
			case <-q.wake:
			case <-ticker.C:
			}
		}
	}()
}

// Stop halts dispatching, waits for in-flight jobs to finish their current
// step and releases the pool. In-flight jobs interrupted mid-run are
// redelivered on the next Start (re-entrant processors required).
func (q *Queue) Stop() {
	close(q.stop)
	if q.cancel != nil {
		q.cancel()
	}
	q.wg.Wait()
	q.pool.Release()
}

// dispatch claims the due head job of every idle graph group and hands it
// to the pool.
func (q *Queue) dispatch(ctx context.Context) {
	now := time.Now().UTC().UnixMilli()
	rows, err := q.db.QueryContext(ctx,
		"SELECT id, graph_id, revision_id, attempts, next_run_at FROM revision_jobs "+
			"WHERE status = ? ORDER BY id ASC", statusQueued)
	if err != nil {
		if ctx.Err() == nil {
			q.log.Errorf("queue: poll jobs: %v", err)
		}
		return
	}
	type head struct {
		job Job
		due bool
	}
	heads := make(map[string]head)
	order := make([]string, 0, 4)
	for rows.Next() {
		var j Job
		var nextRunAt int64
		if err := rows.Scan(&j.ID, &j.GraphID, &j.RevisionID, &j.Attempts, &nextRunAt); err != nil {
			q.log.Errorf("queue: scan job: %v", err)
			break
		}
		// FIFO within a group: only the oldest queued job per graph is a
		// candidate; a not-yet-due head blocks the whole group.
		if _, seen := heads[j.GraphID]; seen {
			continue
		}
		heads[j.GraphID] = head{job: j, due: nextRunAt <= now}
		order = append(order, j.GraphID)
	}
	rows.Close()

	for _, graphID := range order {
		h := heads[graphID]
		if !h.due {
			continue
		}
		q.mu.Lock()
		if _, busy := q.inflight[graphID]; busy {
			q.mu.Unlock()
			continue
		}
		q.inflight[graphID] = struct{}{}
		q.mu.Unlock()

		job := h.job
		q.wg.Add(1)
		if err := q.pool.Submit(func() {
			defer q.wg.Done()
			defer func() {
				q.mu.Lock()
				delete(q.inflight, job.GraphID)
				q.mu.Unlock()
				select {
				case q.wake <- struct{}{}:
				default:
				}
			}()
			q.run(ctx, job)
		}); err != nil {
			q.wg.Done()
			q.mu.Lock()
			delete(q.inflight, graphID)
			q.mu.Unlock()
			q.log.Errorf("queue: submit job %d: %v", job.ID, err)
		}
	}
}

func (q *Queue) run(ctx context.Context, job Job) {
	if _, err := q.db.ExecContext(ctx,
		"UPDATE revision_jobs SET status = ?, attempts = attempts + 1 WHERE id = ?",
		statusRunning, job.ID); err != nil {
		q.log.Errorf("queue: mark running %d: %v", job.ID, err)
		return
	}
	job.Attempts++

	err := q.proc(ctx, job)
	switch {
	case err == nil:
		q.finish(job, statusDone, "")
	case ctx.Err() != nil:
		// Shutdown: leave redelivery to the next Start.
		q.requeue(job, 0, "interrupted by shutdown")
	case IsUnrecoverable(err):
		q.finish(job, statusFailed, err.Error())
	case job.Attempts >= q.maxAttempts:
		q.log.Errorf("queue: job %d exhausted %d attempts: %v", job.ID, job.Attempts, err)
		q.finish(job, statusFailed, err.Error())
	default:
		delay := q.retryDelay(job.Attempts)
		q.log.Warnf("queue: job %d attempt %d failed, retrying in %s: %v", job.ID, job.Attempts, delay, err)
		q.requeue(job, delay, err.Error())
	}
}

// retryDelay computes the delay before the given attempt's retry using the
// standard exponential schedule (initial 2s, factor 2 by default).
func (q *Queue) retryDelay(attempts int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = q.initialBackoff
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = 5 * time.Minute
	delay := b.NextBackOff()
	for i := 1; i < attempts; i++ {
		delay = b.NextBackOff()
	}
	return delay
}

func (q *Queue) finish(job Job, status, lastErr string) {
	if _, err := q.db.Exec(
		"UPDATE revision_jobs SET status = ?, last_error = ? WHERE id = ?",
		status, lastErr, job.ID); err != nil {
		q.log.Errorf("queue: finish job %d: %v", job.ID, err)
	}
}

func (q *Queue) requeue(job Job, delay time.Duration, lastErr string) {
	next := time.Now().UTC().Add(delay).UnixMilli()
	if _, err := q.db.Exec(
		"UPDATE revision_jobs SET status = ?, next_run_at = ?, last_error = ? WHERE id = ?",
		statusQueued, next, lastErr, job.ID); err != nil {
		q.log.Errorf("queue: requeue job %d: %v", job.ID, err)
	}
}
