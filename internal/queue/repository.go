package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// Queue is the Postgres-backed work queue.
type Queue struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// New constructs a Queue bound to a Postgres connection.
func New(db *sqlx.DB, logger *slog.Logger) *Queue {
	return &Queue{db: db, logger: logger}
}

// Enqueue inserts a new job unless one for the same (execution_id, node_id)
// is already queued or leased. When skipped, the already in-flight job is
// returned with created=false.
func (q *Queue) Enqueue(ctx context.Context, in EnqueueInput) (Job, bool, error) {
	if in.MaxAttempts <= 0 {
		in.MaxAttempts = 3
	}
	if in.AvailableAt.IsZero() {
		in.AvailableAt = time.Now().UTC()
	}

	tx, err := q.db.BeginTxx(ctx, nil)
	if err != nil {
		return Job{}, false, fmt.Errorf("queue: begin tx: %w", err)
	}
	defer tx.Rollback()

	existing, ok, err := inFlightJob(ctx, tx, in.ExecutionID, in.NodeID)
	if err != nil {
		return Job{}, false, fmt.Errorf("queue: check in-flight: %w", err)
	}
	if ok {
		return existing, false, tx.Commit()
	}

	var job Job
	err = tx.QueryRowxContext(ctx, `
		INSERT INTO queue (
			execution_id, node_id, action, context, priority, status,
			attempts, max_attempts, available_at, created_at
		) VALUES ($1, $2, $3, $4, $5, 'queued', 0, $6, $7, now())
		RETURNING *
	`, in.ExecutionID, in.NodeID, JSON{Raw: in.Action}, JSON{Raw: in.Context},
		in.Priority, in.MaxAttempts, in.AvailableAt).StructScan(&job)
	if isUniqueViolation(err) {
		// A concurrent enqueue won the race past the in-flight probe; the
		// partial unique index is the authoritative guard. Surface the
		// winner's job.
		tx.Rollback()
		existing, ok, probeErr := q.inFlight(ctx, in.ExecutionID, in.NodeID)
		if probeErr != nil {
			return Job{}, false, fmt.Errorf("queue: probe after conflict: %w", probeErr)
		}
		if ok {
			return existing, false, nil
		}
		return Job{}, false, fmt.Errorf("queue: insert job: %w", err)
	}
	if err != nil {
		return Job{}, false, fmt.Errorf("queue: insert job: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Job{}, false, fmt.Errorf("queue: commit: %w", err)
	}
	return job, true, nil
}

func (q *Queue) inFlight(ctx context.Context, executionID int64, nodeID string) (Job, bool, error) {
	var job Job
	err := q.db.QueryRowxContext(ctx, `
		SELECT * FROM queue
		WHERE execution_id = $1 AND node_id = $2 AND status IN ('queued', 'leased')
		LIMIT 1
	`, executionID, nodeID).StructScan(&job)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, false, nil
	}
	if err != nil {
		return Job{}, false, err
	}
	return job, true, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func inFlightJob(ctx context.Context, tx *sqlx.Tx, executionID int64, nodeID string) (Job, bool, error) {
	var job Job
	err := tx.QueryRowxContext(ctx, `
		SELECT * FROM queue
		WHERE execution_id = $1 AND node_id = $2 AND status IN ('queued', 'leased')
		LIMIT 1
	`, executionID, nodeID).StructScan(&job)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, false, nil
	}
	if err != nil {
		return Job{}, false, err
	}
	return job, true, nil
}

// InFlight reports whether a job for (execution_id, node_id) is currently
// queued or leased, for callers that want to check before building an
// EnqueueInput (e.g. the Loop Coordinator probing before iterating).
func (q *Queue) InFlight(ctx context.Context, executionID int64, nodeID string) (bool, error) {
	var count int
	err := q.db.GetContext(ctx, &count, `
		SELECT count(*) FROM queue
		WHERE execution_id = $1 AND node_id = $2 AND status IN ('queued', 'leased')
	`, executionID, nodeID)
	if err != nil {
		return false, fmt.Errorf("queue: in flight: %w", err)
	}
	return count > 0, nil
}

// Lease atomically claims the single highest-priority eligible job for a
// worker: status='queued', available_at <= now, ties broken by ascending
// id (FIFO). Returns (Job{}, false, nil) when nothing is available.
func (q *Queue) Lease(ctx context.Context, workerID string, leaseSeconds int) (Job, bool, error) {
	now := time.Now().UTC()
	leaseUntil := now.Add(time.Duration(leaseSeconds) * time.Second)

	var job Job
	err := q.db.QueryRowxContext(ctx, `
		UPDATE queue
		SET status = 'leased',
		    worker_id = $1,
		    lease_until = $2,
		    last_heartbeat = $3,
		    attempts = attempts + 1
		WHERE id = (
			SELECT id FROM queue
			WHERE status = 'queued' AND available_at <= $3
			ORDER BY priority DESC, id ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING *
	`, workerID, leaseUntil, now).StructScan(&job)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, false, nil
	}
	if err != nil {
		return Job{}, false, fmt.Errorf("queue: lease: %w", err)
	}
	return job, true, nil
}

// LeaseForType is Lease narrowed to jobs whose action descriptor carries a
// given `type`, used by the in-process aggregation poller so it only ever
// claims `result_aggregation` jobs and never competes with external
// workers leasing every other task type.
func (q *Queue) LeaseForType(ctx context.Context, workerID string, leaseSeconds int, actionType string) (Job, bool, error) {
	now := time.Now().UTC()
	leaseUntil := now.Add(time.Duration(leaseSeconds) * time.Second)

	var job Job
	err := q.db.QueryRowxContext(ctx, `
		UPDATE queue
		SET status = 'leased',
		    worker_id = $1,
		    lease_until = $2,
		    last_heartbeat = $3,
		    attempts = attempts + 1
		WHERE id = (
			SELECT id FROM queue
			WHERE status = 'queued' AND available_at <= $3 AND action->>'type' = $4
			ORDER BY priority DESC, id ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING *
	`, workerID, leaseUntil, now, actionType).StructScan(&job)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, false, nil
	}
	if err != nil {
		return Job{}, false, fmt.Errorf("queue: lease for type %q: %w", actionType, err)
	}
	return job, true, nil
}

// Heartbeat records liveness for a leased job and optionally extends its
// lease. The caller's worker_id must match the current lease holder.
func (q *Queue) Heartbeat(ctx context.Context, jobID int64, workerID string, extendSeconds int) error {
	now := time.Now().UTC()

	var result sql.Result
	var err error
	if extendSeconds > 0 {
		result, err = q.db.ExecContext(ctx, `
			UPDATE queue
			SET last_heartbeat = $1, lease_until = $2
			WHERE id = $3 AND worker_id = $4 AND status = 'leased'
		`, now, now.Add(time.Duration(extendSeconds)*time.Second), jobID, workerID)
	} else {
		result, err = q.db.ExecContext(ctx, `
			UPDATE queue SET last_heartbeat = $1
			WHERE id = $2 AND worker_id = $3 AND status = 'leased'
		`, now, jobID, workerID)
	}
	if err != nil {
		return fmt.Errorf("queue: heartbeat: %w", err)
	}
	return checkMatched(result, jobID)
}

// Ack marks a leased job done. The worker_id must match the lease holder.
func (q *Queue) Ack(ctx context.Context, jobID int64, workerID string) error {
	result, err := q.db.ExecContext(ctx, `
		UPDATE queue SET status = 'done'
		WHERE id = $1 AND worker_id = $2 AND status = 'leased'
	`, jobID, workerID)
	if err != nil {
		return fmt.Errorf("queue: ack: %w", err)
	}
	return checkMatched(result, jobID)
}

// Nack reports a job failure. If attempts have reached max_attempts the job
// is marked dead; otherwise it's requeued with available_at pushed out by
// retryDelay. The caller supplies the delay; the retry controller computes
// it.
func (q *Queue) Nack(ctx context.Context, jobID int64, workerID string, retryDelay time.Duration) (Job, error) {
	tx, err := q.db.BeginTxx(ctx, nil)
	if err != nil {
		return Job{}, fmt.Errorf("queue: begin tx: %w", err)
	}
	defer tx.Rollback()

	var job Job
	err = tx.QueryRowxContext(ctx, `
		SELECT * FROM queue WHERE id = $1 FOR UPDATE
	`, jobID).StructScan(&job)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, ErrNotFound
	}
	if err != nil {
		return Job{}, fmt.Errorf("queue: select for nack: %w", err)
	}
	if job.WorkerID == nil || *job.WorkerID != workerID {
		return Job{}, ErrWorkerMismatch
	}

	if job.Attempts >= job.MaxAttempts {
		err = tx.QueryRowxContext(ctx, `
			UPDATE queue SET status = 'dead', worker_id = NULL, lease_until = NULL
			WHERE id = $1 RETURNING *
		`, jobID).StructScan(&job)
	} else {
		err = tx.QueryRowxContext(ctx, `
			UPDATE queue
			SET status = 'queued', worker_id = NULL, lease_until = NULL,
			    available_at = $2
			WHERE id = $1 RETURNING *
		`, jobID, time.Now().UTC().Add(retryDelay)).StructScan(&job)
	}
	if err != nil {
		return Job{}, fmt.Errorf("queue: update for nack: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Job{}, fmt.Errorf("queue: commit: %w", err)
	}
	return job, nil
}

// MarkDead marks a leased job dead without consulting attempts/max_attempts,
// for a retry decision that chose not to retry (e.g. stop_when matched)
// even though attempts remain. The worker_id must match the lease holder.
func (q *Queue) MarkDead(ctx context.Context, jobID int64, workerID string) (Job, error) {
	var job Job
	err := q.db.QueryRowxContext(ctx, `
		UPDATE queue SET status = 'dead', worker_id = NULL, lease_until = NULL
		WHERE id = $1 AND worker_id = $2 AND status = 'leased'
		RETURNING *
	`, jobID, workerID).StructScan(&job)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, ErrWorkerMismatch
	}
	if err != nil {
		return Job{}, fmt.Errorf("queue: mark dead: %w", err)
	}
	return job, nil
}

// ReapExpired resets every leased job whose lease has expired back to
// queued, clearing worker_id and lease_until. Safe to call concurrently and
// periodically from a cron ticker.
func (q *Queue) ReapExpired(ctx context.Context) (int, error) {
	result, err := q.db.ExecContext(ctx, `
		UPDATE queue
		SET status = 'queued', worker_id = NULL, lease_until = NULL
		WHERE status = 'leased' AND lease_until < now()
	`)
	if err != nil {
		return 0, fmt.Errorf("queue: reap expired: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("queue: reap expired rows affected: %w", err)
	}
	return int(n), nil
}

// SizeByStatus returns a count of jobs per status for backpressure
// telemetry (GET /queue/size).
func (q *Queue) SizeByStatus(ctx context.Context) (SizeByStatus, error) {
	rows, err := q.db.QueryxContext(ctx, `SELECT status, count(*) AS n FROM queue GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("queue: size by status: %w", err)
	}
	defer rows.Close()

	sizes := SizeByStatus{}
	for rows.Next() {
		var status Status
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("queue: scan size row: %w", err)
		}
		sizes[status] = n
	}
	return sizes, rows.Err()
}

// ExistsForNode reports whether a job row for (execution_id, node_id) has
// ever existed, in any status. The loop coordinator uses it to decide
// whether a sequential iteration still needs its first enqueue: a done or
// dead row means the iteration already ran (or terminally failed) and must
// not be enqueued again.
func (q *Queue) ExistsForNode(ctx context.Context, executionID int64, nodeID string) (bool, error) {
	var count int
	err := q.db.GetContext(ctx, &count, `
		SELECT count(*) FROM queue WHERE execution_id = $1 AND node_id = $2
	`, executionID, nodeID)
	if err != nil {
		return false, fmt.Errorf("queue: exists for node: %w", err)
	}
	return count > 0, nil
}

// ExistsInFlightForExecution reports whether any job for the execution is
// still queued or leased, part of the Broker's in_progress classification.
func (q *Queue) ExistsInFlightForExecution(ctx context.Context, executionID int64) (bool, error) {
	var count int
	err := q.db.GetContext(ctx, &count, `
		SELECT count(*) FROM queue WHERE execution_id = $1 AND status IN ('queued', 'leased')
	`, executionID)
	if err != nil {
		return false, fmt.Errorf("queue: exists in flight for execution: %w", err)
	}
	return count > 0, nil
}

// Get fetches a job by surrogate id.
func (q *Queue) Get(ctx context.Context, jobID int64) (Job, error) {
	var job Job
	err := q.db.QueryRowxContext(ctx, `SELECT * FROM queue WHERE id = $1`, jobID).StructScan(&job)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, ErrNotFound
	}
	if err != nil {
		return Job{}, fmt.Errorf("queue: get: %w", err)
	}
	return job, nil
}

func checkMatched(result sql.Result, jobID int64) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("queue: rows affected: %w", err)
	}
	if n == 0 {
		return ErrWorkerMismatch
	}
	return nil
}
