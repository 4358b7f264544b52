package migrations

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func expectPrelude(mock pgxmock.PgxPoolIface) {
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`SELECT pg_advisory_xact_lock($1)`)).
		WithArgs(advisoryLockID).
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS schema_migrations`).
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
}

func TestMigrationNamesSorted(t *testing.T) {
	names, err := migrationNames()
	require.NoError(t, err)
	assert.Equal(t, []string{"001_tickets.sql", "002_pending_expiry_index.sql"}, names)
}

func TestApplyRunsPendingMigrations(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	expectPrelude(mock)

	check := regexp.QuoteMeta(`SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE name = $1)`)
	record := regexp.QuoteMeta(`INSERT INTO schema_migrations (name) VALUES ($1)`)

	mock.ExpectQuery(check).WithArgs("001_tickets.sql").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))

	mock.ExpectQuery(check).WithArgs("002_pending_expiry_index.sql").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectExec(`CREATE INDEX IF NOT EXISTS tickets_pending_expiry_idx`).
		WillReturnResult(pgxmock.NewResult("CREATE INDEX", 0))
	mock.ExpectExec(record).WithArgs("002_pending_expiry_index.sql").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	require.NoError(t, Apply(context.Background(), mock))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyRollsBackOnFailure(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	expectPrelude(mock)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE name = $1)`)).
		WithArgs("001_tickets.sql").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS tickets`).
		WillReturnError(errors.New("permission denied"))
	mock.ExpectRollback()

	err = Apply(context.Background(), mock)
	assert.ErrorContains(t, err, "exec migration 001_tickets.sql")
	assert.NoError(t, mock.ExpectationsWereMet())
}
