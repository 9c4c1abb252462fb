package queue

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	sqlxDB := sqlx.NewDb(db, "sqlmock")
	t.Cleanup(func() { sqlxDB.Close() })
	return sqlxDB, mock
}

func jobColumns() []string {
	return []string{
		"id", "execution_id", "node_id", "action", "context", "priority",
		"status", "attempts", "max_attempts", "available_at", "worker_id",
		"lease_until", "last_heartbeat", "created_at",
	}
}

func jobRow(id int64, status Status, attempts, maxAttempts int) *sqlmock.Rows {
	return sqlmock.NewRows(jobColumns()).AddRow(
		id, int64(100), "100:a", []byte(`{}`), []byte(`{}`), 0,
		status, attempts, maxAttempts, time.Now(), nil, nil, nil, time.Now(),
	)
}

func TestEnqueueSkipsWhenInFlight(t *testing.T) {
	db, mock := setupTestDB(t)
	q := New(db, nil)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT \* FROM queue`).
		WithArgs(int64(100), "100:a").
		WillReturnRows(jobRow(1, StatusQueued, 0, 3))
	mock.ExpectCommit()

	job, created, err := q.Enqueue(context.Background(), EnqueueInput{
		ExecutionID: 100, NodeID: "100:a",
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, int64(1), job.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnqueueInsertsWhenNotInFlight(t *testing.T) {
	db, mock := setupTestDB(t)
	q := New(db, nil)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT \* FROM queue`).
		WithArgs(int64(100), "100:a").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(`INSERT INTO queue`).
		WillReturnRows(jobRow(2, StatusQueued, 0, 3))
	mock.ExpectCommit()

	job, created, err := q.Enqueue(context.Background(), EnqueueInput{
		ExecutionID: 100, NodeID: "100:a", Priority: 5,
	})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, int64(2), job.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnqueueDefaultsMaxAttempts(t *testing.T) {
	db, mock := setupTestDB(t)
	q := New(db, nil)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT \* FROM queue`).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(`INSERT INTO queue`).
		WithArgs(int64(1), "1:a", sqlmock.AnyArg(), sqlmock.AnyArg(), 0, 3, sqlmock.AnyArg()).
		WillReturnRows(jobRow(3, StatusQueued, 0, 3))
	mock.ExpectCommit()

	_, _, err := q.Enqueue(context.Background(), EnqueueInput{ExecutionID: 1, NodeID: "1:a"})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLeaseReturnsJobWhenAvailable(t *testing.T) {
	db, mock := setupTestDB(t)
	q := New(db, nil)

	mock.ExpectQuery(`UPDATE queue`).
		WithArgs("worker-1", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(jobRow(5, StatusLeased, 1, 3))

	job, ok, err := q.Lease(context.Background(), "worker-1", 30)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(5), job.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLeaseReturnsFalseWhenEmpty(t *testing.T) {
	db, mock := setupTestDB(t)
	q := New(db, nil)

	mock.ExpectQuery(`UPDATE queue`).
		WillReturnError(sql.ErrNoRows)

	_, ok, err := q.Lease(context.Background(), "worker-1", 30)
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLeaseForTypeFiltersByActionType(t *testing.T) {
	db, mock := setupTestDB(t)
	q := New(db, nil)

	mock.ExpectQuery(`UPDATE queue`).
		WithArgs("agg-worker", sqlmock.AnyArg(), sqlmock.AnyArg(), "result_aggregation").
		WillReturnRows(jobRow(9, StatusLeased, 1, 3))

	job, ok, err := q.LeaseForType(context.Background(), "agg-worker", 30, "result_aggregation")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(9), job.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestHeartbeatRejectsWorkerMismatch(t *testing.T) {
	db, mock := setupTestDB(t)
	q := New(db, nil)

	mock.ExpectExec(`UPDATE queue`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := q.Heartbeat(context.Background(), 1, "wrong-worker", 0)
	assert.ErrorIs(t, err, ErrWorkerMismatch)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestHeartbeatExtendsLease(t *testing.T) {
	db, mock := setupTestDB(t)
	q := New(db, nil)

	mock.ExpectExec(`UPDATE queue`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := q.Heartbeat(context.Background(), 1, "worker-1", 60)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAckRequiresMatchingWorker(t *testing.T) {
	db, mock := setupTestDB(t)
	q := New(db, nil)

	mock.ExpectExec(`UPDATE queue SET status = 'done'`).
		WithArgs(int64(1), "worker-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := q.Ack(context.Background(), 1, "worker-1")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNackRequeuesWhenAttemptsRemain(t *testing.T) {
	db, mock := setupTestDB(t)
	q := New(db, nil)

	workerID := "worker-1"
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT \* FROM queue WHERE id = \$1 FOR UPDATE`).
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows(jobColumns()).AddRow(
			7, int64(100), "100:b", []byte(`{}`), []byte(`{}`), 0,
			StatusLeased, 1, 3, time.Now(), &workerID, nil, nil, time.Now(),
		))
	mock.ExpectQuery(`UPDATE queue\s+SET status = 'queued'`).
		WillReturnRows(jobRow(7, StatusQueued, 1, 3))
	mock.ExpectCommit()

	job, err := q.Nack(context.Background(), 7, "worker-1", 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, job.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNackMarksDeadWhenAttemptsExhausted(t *testing.T) {
	db, mock := setupTestDB(t)
	q := New(db, nil)

	workerID := "worker-1"
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT \* FROM queue WHERE id = \$1 FOR UPDATE`).
		WithArgs(int64(8)).
		WillReturnRows(sqlmock.NewRows(jobColumns()).AddRow(
			8, int64(100), "100:c", []byte(`{}`), []byte(`{}`), 0,
			StatusLeased, 3, 3, time.Now(), &workerID, nil, nil, time.Now(),
		))
	mock.ExpectQuery(`UPDATE queue SET status = 'dead'`).
		WillReturnRows(jobRow(8, StatusDead, 3, 3))
	mock.ExpectCommit()

	job, err := q.Nack(context.Background(), 8, "worker-1", time.Second)
	require.NoError(t, err)
	assert.Equal(t, StatusDead, job.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNackRejectsWorkerMismatch(t *testing.T) {
	db, mock := setupTestDB(t)
	q := New(db, nil)

	workerID := "owner"
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT \* FROM queue WHERE id = \$1 FOR UPDATE`).
		WithArgs(int64(9)).
		WillReturnRows(sqlmock.NewRows(jobColumns()).AddRow(
			9, int64(100), "100:d", []byte(`{}`), []byte(`{}`), 0,
			StatusLeased, 1, 3, time.Now(), &workerID, nil, nil, time.Now(),
		))

	_, err := q.Nack(context.Background(), 9, "intruder", time.Second)
	assert.ErrorIs(t, err, ErrWorkerMismatch)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReapExpiredReturnsCount(t *testing.T) {
	db, mock := setupTestDB(t)
	q := New(db, nil)

	mock.ExpectExec(`UPDATE queue`).
		WillReturnResult(sqlmock.NewResult(0, 4))

	n, err := q.ReapExpired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSizeByStatusAggregates(t *testing.T) {
	db, mock := setupTestDB(t)
	q := New(db, nil)

	mock.ExpectQuery(`SELECT status, count\(\*\) AS n FROM queue GROUP BY status`).
		WillReturnRows(sqlmock.NewRows([]string{"status", "n"}).
			AddRow(StatusQueued, 3).
			AddRow(StatusLeased, 1).
			AddRow(StatusDead, 2))

	sizes, err := q.SizeByStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, sizes[StatusQueued])
	assert.Equal(t, 1, sizes[StatusLeased])
	assert.Equal(t, 2, sizes[StatusDead])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetNotFound(t *testing.T) {
	db, mock := setupTestDB(t)
	q := New(db, nil)

	mock.ExpectQuery(`SELECT \* FROM queue WHERE id = \$1`).
		WithArgs(int64(404)).
		WillReturnError(sql.ErrNoRows)

	_, err := q.Get(context.Background(), 404)
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}
