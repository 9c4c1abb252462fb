package database

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupExecDB(t *testing.T, tag Tagger) (*ExecDB, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	sqlxDB := sqlx.NewDb(db, "sqlmock")
	t.Cleanup(func() { sqlxDB.Close() })
	return NewExecDBWithTagger(sqlxDB, tag), mock
}

func TestExecContextTagsSessionWithExecutionID(t *testing.T) {
	execDB, mock := setupExecDB(t, PostgresTagger)

	mock.ExpectExec(`SELECT set_config\('app.current_execution_id', \$1, false\)`).
		WithArgs("42").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`DELETE FROM widgets`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ctx := ExecutionScoped(context.Background(), 42)
	_, err := execDB.ExecContext(ctx, "DELETE FROM widgets WHERE id = $1", 7)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExecContextSkipsTagWithoutExecutionID(t *testing.T) {
	execDB, mock := setupExecDB(t, PostgresTagger)

	mock.ExpectExec(`DELETE FROM widgets`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	_, err := execDB.ExecContext(context.Background(), "DELETE FROM widgets WHERE id = $1", 7)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExecContextSkipsTagForDDL(t *testing.T) {
	execDB, mock := setupExecDB(t, PostgresTagger)

	mock.ExpectExec(`CREATE TABLE widgets`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ctx := ExecutionScoped(context.Background(), 42)
	_, err := execDB.ExecContext(ctx, "CREATE TABLE widgets (id INT)")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestQueryxContextTagsSessionFirst(t *testing.T) {
	execDB, mock := setupExecDB(t, PostgresTagger)

	mock.ExpectExec(`SELECT set_config\('app.current_execution_id', \$1, false\)`).
		WithArgs("7").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT \* FROM widgets`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(1)))

	ctx := ExecutionScoped(context.Background(), 7)
	rows, err := execDB.QueryxContext(ctx, "SELECT * FROM widgets")
	require.NoError(t, err)
	rows.Close()
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLTaggerSetsUserVariable(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	sqlxDB := sqlx.NewDb(db, "sqlmock")
	t.Cleanup(func() { sqlxDB.Close() })

	mock.ExpectExec(`SET @gorax_execution_id = \?`).
		WithArgs("9").
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, MySQLTagger(context.Background(), sqlxDB, "9"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLiteTaggerRecordsTempTableRow(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	sqlxDB := sqlx.NewDb(db, "sqlmock")
	t.Cleanup(func() { sqlxDB.Close() })

	mock.ExpectExec(`CREATE TEMP TABLE IF NOT EXISTS gorax_execution_context`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`DELETE FROM gorax_execution_context`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`INSERT INTO gorax_execution_context`).
		WithArgs("11").
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, SQLiteTagger(context.Background(), sqlxDB, "11"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExecutionScopedRoundTrip(t *testing.T) {
	ctx := ExecutionScoped(context.Background(), 42)
	assert.Equal(t, "42", ExecutionIDFromContext(ctx))
	assert.Equal(t, "", ExecutionIDFromContext(context.Background()))
	assert.Equal(t, "", ExecutionIDFromContext(nil))
}
