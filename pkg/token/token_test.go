package token_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/baseliner/baseliner/pkg/token"
)

func newMockService(t *testing.T) (*token.Service, *sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return token.NewService(db, "unit-test-pepper"), db, mock
}

// TestMintEnrollToken_OpacityProperty covers testable property 1: the
// raw token never equals any stored column.
func TestMintEnrollToken_OpacityProperty(t *testing.T) {
	svc, db, mock := newMockService(t)
	mock.ExpectExec("INSERT INTO enroll_tokens").WillReturnResult(sqlmock.NewResult(1, 1))

	raw, rec, err := svc.MintEnrollToken(context.Background(), db, "tenant-1", "ci", nil)
	require.NoError(t, err)
	require.NotEmpty(t, raw)
	require.NotEqual(t, raw, rec.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestVerifyEnrollToken_NotFound(t *testing.T) {
	svc, _, mock := newMockService(t)
	mock.ExpectQuery("SELECT id, tenant_id, expires_at, used_at, revoked_at, note, created_at FROM enroll_tokens").
		WillReturnError(sql.ErrNoRows)

	status, rec, err := svc.VerifyEnrollToken(context.Background(), "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA")
	require.NoError(t, err)
	require.Equal(t, token.StatusNotFound, status)
	require.Nil(t, rec)
}

func TestVerifyEnrollToken_MalformedRawIsNotFound(t *testing.T) {
	svc, _, _ := newMockService(t)

	status, rec, err := svc.VerifyEnrollToken(context.Background(), "not-base32!!")
	require.NoError(t, err)
	require.Equal(t, token.StatusNotFound, status)
	require.Nil(t, rec)
}

func TestVerifyEnrollToken_Used(t *testing.T) {
	svc, _, mock := newMockService(t)

	now := time.Now().UTC()
	rows := sqlmock.NewRows([]string{"id", "tenant_id", "expires_at", "used_at", "revoked_at", "note", "created_at"}).
		AddRow("tok-1", "tenant-1", nil, now, nil, "", now)
	mock.ExpectQuery("SELECT id, tenant_id, expires_at, used_at, revoked_at, note, created_at FROM enroll_tokens").
		WillReturnRows(rows)

	status, rec, err := svc.VerifyEnrollToken(context.Background(), "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA")
	require.NoError(t, err)
	require.Equal(t, token.StatusUsed, status)
	require.NotNil(t, rec)
}

func TestConsumeEnrollToken_SecondAttemptFails(t *testing.T) {
	svc, db, mock := newMockService(t)
	mock.ExpectExec("UPDATE enroll_tokens SET used_at").WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := svc.ConsumeEnrollToken(context.Background(), db, "tok-1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRotateDeviceToken_RevokesThenInserts(t *testing.T) {
	svc, db, mock := newMockService(t)
	mock.ExpectExec("UPDATE device_auth_tokens SET revoked_at").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO device_auth_tokens").WillReturnResult(sqlmock.NewResult(1, 1))

	raw, rec, err := svc.RotateDeviceToken(context.Background(), db, "tenant-1", "device-1")
	require.NoError(t, err)
	require.NotEmpty(t, raw)
	require.Equal(t, "device-1", rec.DeviceID)
	require.Len(t, rec.Prefix, 8)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestVerifyDeviceToken_Revoked(t *testing.T) {
	svc, _, mock := newMockService(t)

	rows := sqlmock.NewRows([]string{"id", "device_id", "tenant_id", "revoked_at", "last_used_at"}).
		AddRow("tok-1", "device-1", "tenant-1", time.Now().UTC(), nil)
	mock.ExpectQuery("SELECT id, device_id, tenant_id, revoked_at, last_used_at FROM device_auth_tokens").
		WillReturnRows(rows)

	_, _, _, err := svc.VerifyDeviceToken(context.Background(), "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA")
	require.Error(t, err)
}
