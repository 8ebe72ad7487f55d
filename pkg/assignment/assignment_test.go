package assignment_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/baseliner/baseliner/pkg/assignment"
	"github.com/baseliner/baseliner/pkg/audit"
)

func newStore(t *testing.T) (*assignment.Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return assignment.NewStore(db, audit.New(db)), mock
}

func TestCreate(t *testing.T) {
	store, mock := newStore(t)
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO policy_assignments").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery("SELECT entry_hash FROM audit_logs").WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("INSERT INTO audit_logs").WillReturnRows(sqlmock.NewRows([]string{"sequence"}).AddRow(int64(1)))
	mock.ExpectCommit()

	a, err := store.Create(context.Background(), audit.Context{Actor: audit.ActorAdmin}, "tenant-1", "dev-1", "pol-1", 10, assignment.ModeEnforce)
	require.NoError(t, err)
	require.Equal(t, 10, a.Priority)
	require.Equal(t, assignment.ModeEnforce, a.Mode)
}

func TestListForDevice_OrdersByCanonicalKey(t *testing.T) {
	store, mock := newStore(t)

	now := time.Now().UTC()
	rows := sqlmock.NewRows([]string{"id", "tenant_id", "device_id", "policy_id", "priority", "mode", "created_at"}).
		AddRow("aaa", "tenant-1", "dev-1", "pol-1", 10, "enforce", now).
		AddRow("bbb", "tenant-1", "dev-1", "pol-2", 20, "audit", now)
	mock.ExpectQuery("SELECT id, tenant_id, device_id, policy_id, priority, mode, created_at\n\t\tFROM policy_assignments\n\t\tWHERE tenant_id = \\$1 AND device_id = \\$2\n\t\tORDER BY priority ASC, created_at ASC, id ASC").
		WillReturnRows(rows)

	out, err := store.ListForDevice(context.Background(), "tenant-1", "dev-1")
	require.NoError(t, err)
	require.Len(t, out, 2)
	require.Equal(t, "aaa", out[0].ID)
	require.Equal(t, "bbb", out[1].ID)
}

func TestDeleteOne(t *testing.T) {
	store, mock := newStore(t)
	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM policy_assignments WHERE tenant_id = \\$1 AND id = \\$2").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT entry_hash FROM audit_logs").WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("INSERT INTO audit_logs").WillReturnRows(sqlmock.NewRows([]string{"sequence"}).AddRow(int64(1)))
	mock.ExpectCommit()

	err := store.DeleteOne(context.Background(), audit.Context{Actor: audit.ActorAdmin}, "tenant-1", "assign-1")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
