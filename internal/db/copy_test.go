package db

import (
	"context"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ Pool = (pgxmock.PgxPoolIface)(nil)

func TestCopyFrom_EmptyRows(t *testing.T) {
	n, err := CopyFrom(context.TODO(), nil, "run_patches", []string{"a", "b"}, nil)
	assert.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestCopyFrom_Success(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectCopyFrom(pgx.Identifier{"run_patches"}, []string{"a", "b"}).WillReturnResult(3)

	rows := [][]any{{1, "x"}, {2, "y"}, {3, "z"}}
	n, err := CopyFrom(context.Background(), mock, "run_patches", []string{"a", "b"}, rows)
	assert.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCopyFrom_SchemaQualified(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectCopyFrom(pgx.Identifier{"goshawk", "run_patches"}, []string{"a"}).WillReturnResult(1)

	n, err := CopyFrom(context.Background(), mock, "goshawk.run_patches", []string{"a"}, [][]any{{1}})
	assert.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCopyFrom_Error(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectCopyFrom(pgx.Identifier{"run_patches"}, []string{"a"}).WillReturnError(fmt.Errorf("copy failed"))

	_, err = CopyFrom(context.Background(), mock, "run_patches", []string{"a"}, [][]any{{1}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "COPY INTO run_patches")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReplaceRows_Success(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM "run_patches" WHERE "run_id" = \$1`).
		WithArgs("run-1").
		WillReturnResult(pgxmock.NewResult("DELETE", 4))
	mock.ExpectCopyFrom(pgx.Identifier{"run_patches"}, []string{"run_id", "patch_id"}).WillReturnResult(2)
	mock.ExpectCommit()

	rows := [][]any{{"run-1", 1}, {"run-1", 2}}
	n, err := ReplaceRows(context.Background(), mock, "run_patches", "run_id", "run-1", []string{"run_id", "patch_id"}, rows)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReplaceRows_NoRowsStillDeletes(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM`).WithArgs("run-2").WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectCommit()

	n, err := ReplaceRows(context.Background(), mock, "run_patches", "run_id", "run-2", []string{"run_id"}, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReplaceRows_CopyErrorRollsBack(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM`).WithArgs("run-3").WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"run_patches"}, []string{"run_id"}).WillReturnError(fmt.Errorf("disk full"))
	mock.ExpectRollback()

	_, err = ReplaceRows(context.Background(), mock, "run_patches", "run_id", "run-3", []string{"run_id"}, [][]any{{"run-3"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "replace run_patches: COPY")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIdentifier(t *testing.T) {
	assert.Equal(t, pgx.Identifier{"runs"}, Identifier("runs"))
	assert.Equal(t, pgx.Identifier{"goshawk", "runs"}, Identifier("goshawk.runs"))
}
