package main

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gorax/flow/internal/aggregator"
	"github.com/gorax/flow/internal/eventlog"
	"github.com/gorax/flow/internal/queue"
)

func setupPollerTestDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	sqlxDB := sqlx.NewDb(db, "sqlmock")
	t.Cleanup(func() { sqlxDB.Close() })
	return sqlxDB, mock
}

func jobCols() []string {
	return []string{
		"id", "execution_id", "node_id", "action", "context", "priority",
		"status", "attempts", "max_attempts", "available_at", "worker_id",
		"lease_until", "last_heartbeat", "created_at",
	}
}

func aggregationJobRow(id int64, action []byte) *sqlmock.Rows {
	return sqlmock.NewRows(jobCols()).AddRow(
		id, int64(1), "1:c:aggregate", action, []byte(`{}`), 0,
		queue.StatusLeased, 1, 3, time.Now(), "agg-worker", nil, nil, time.Now(),
	)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPollAcksAggregationJobOnSuccess(t *testing.T) {
	db, mock := setupPollerTestDB(t)
	log := eventlog.New(db, nil)
	q := queue.New(db, nil)
	p := newAggregationPoller(log, q, aggregator.New(log), testLogger())

	action := []byte(`{"parent_execution_id":1,"loop_step":"c","iteration_event_ids":[10]}`)
	mock.ExpectQuery(`UPDATE queue`).
		WillReturnRows(aggregationJobRow(7, action))

	mock.ExpectQuery(`SELECT \* FROM event WHERE execution_id = \$1 AND event_id = \$2`).
		WithArgs(int64(1), int64(10)).
		WillReturnRows(sqlmock.NewRows([]string{
			"execution_id", "event_id", "event_type", "node_id", "node_name", "node_type",
			"status", "timestamp", "duration_ms", "context", "result", "metadata", "error",
			"parent_event_id", "parent_execution_id", "loop_id", "loop_name", "iterator",
			"current_index", "current_item",
		}).AddRow(
			1, 10, "action_completed", "1:c:0", "c", eventlog.NodeTask,
			eventlog.StatusCompleted, time.Now(), nil, []byte(`{}`), []byte(`"LDN"`), []byte(`{}`), "",
			nil, nil, "", "c", "city", 0, []byte(`null`),
		))

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO event_id_seq`).
		WillReturnRows(sqlmock.NewRows([]string{"next_id"}).AddRow(int64(20)))
	mock.ExpectQuery(`SELECT event_id FROM event WHERE execution_id = \$1`).
		WillReturnRows(sqlmock.NewRows([]string{"event_id"}).AddRow(int64(19)))
	mock.ExpectQuery(`INSERT INTO event`).
		WillReturnRows(sqlmock.NewRows([]string{
			"execution_id", "event_id", "event_type", "node_id", "node_name", "node_type",
			"status", "timestamp", "duration_ms", "context", "result", "metadata", "error",
			"parent_event_id", "parent_execution_id", "loop_id", "loop_name", "iterator",
			"current_index", "current_item",
		}).AddRow(
			1, 20, "result", "1:c:aggregate", "c", eventlog.NodeLoopTracker,
			eventlog.StatusCompleted, time.Now(), nil, []byte(`{}`), []byte(`{}`), []byte(`{}`), "",
			nil, nil, "", "c", "", nil, []byte(`null`),
		))
	mock.ExpectCommit()

	mock.ExpectExec(`UPDATE queue SET status = 'done'`).
		WithArgs(int64(7), "agg-worker").
		WillReturnResult(sqlmock.NewResult(0, 1))

	p.poll(context.Background())

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPollNacksAggregationJobOnFailure(t *testing.T) {
	db, mock := setupPollerTestDB(t)
	log := eventlog.New(db, nil)
	q := queue.New(db, nil)
	p := newAggregationPoller(log, q, aggregator.New(log), testLogger())

	action := []byte(`{"loop_step":"c"}`)
	mock.ExpectQuery(`UPDATE queue`).
		WillReturnRows(aggregationJobRow(8, action))

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT \* FROM queue WHERE id = \$1 FOR UPDATE`).
		WithArgs(int64(8)).
		WillReturnRows(aggregationJobRow(8, action))
	mock.ExpectQuery(`UPDATE queue`).
		WithArgs(int64(8), sqlmock.AnyArg()).
		WillReturnRows(aggregationJobRow(8, action))
	mock.ExpectCommit()

	p.poll(context.Background())

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPollReturnsImmediatelyWhenQueueEmpty(t *testing.T) {
	db, mock := setupPollerTestDB(t)
	log := eventlog.New(db, nil)
	q := queue.New(db, nil)
	p := newAggregationPoller(log, q, aggregator.New(log), testLogger())

	mock.ExpectQuery(`UPDATE queue`).WillReturnError(sql.ErrNoRows)

	assert.NotPanics(t, func() { p.poll(context.Background()) })
	require.NoError(t, mock.ExpectationsWereMet())
}

