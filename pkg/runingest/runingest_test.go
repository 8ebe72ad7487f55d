package runingest_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/baseliner/baseliner/pkg/audit"
	"github.com/baseliner/baseliner/pkg/device"
	"github.com/baseliner/baseliner/pkg/runingest"
	"github.com/baseliner/baseliner/pkg/token"
)

func newIngester(t *testing.T, limits runingest.Limits) (*runingest.Ingester, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	devices := device.NewRegistry(db, token.NewService(db, "unit-test-pepper"), audit.New(db))
	return runingest.NewIngester(db, devices, limits, nil), mock
}

func expectDeviceLock(mock sqlmock.Sqlmock, deviceID string) {
	rows := sqlmock.NewRows([]string{
		"id", "tenant_id", "device_key", "hostname", "os", "os_version", "arch", "agent_version",
		"tags", "status", "last_seen_at", "deleted_at", "created_at",
	}).AddRow(deviceID, "tenant-1", "laptop-1", "", "", "", "", "", []byte("{}"), "active", nil, nil, time.Now().UTC())
	mock.ExpectQuery("SELECT id, tenant_id, device_key, hostname, os, os_version, arch, agent_version, tags, status, last_seen_at, deleted_at, created_at\n\t\tFROM devices WHERE tenant_id = \\$1 AND id = \\$2 FOR UPDATE").
		WillReturnRows(rows)
}

func baseInput() runingest.ReportInput {
	now := time.Now().UTC()
	return runingest.ReportInput{
		StartedAt:           now.Add(-time.Minute),
		EndedAt:             now,
		Status:              runingest.StatusSucceeded,
		AgentVersion:        "1.0.0",
		EffectivePolicyHash: "deadbeef",
	}
}

func TestIngest_MalformedItemRejectsWholeReportAtomically(t *testing.T) {
	ig, mock := newIngester(t, runingest.Limits{})
	in := baseInput()
	in.Items = []runingest.ItemInput{
		{ResourceType: "winget.package", ResourceID: "pkg-1"},
		{ResourceType: "winget.package"}, // missing resource_id: ordinal 1
	}

	_, _, err := ig.Ingest(context.Background(), "tenant-1", "dev-1", in)
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet()) // no SQL should have been issued
}

func TestIngest_TooManyItemsRejected(t *testing.T) {
	ig, _ := newIngester(t, runingest.Limits{MaxItems: 1})
	in := baseInput()
	in.Items = []runingest.ItemInput{
		{ResourceType: "winget.package", ResourceID: "pkg-1"},
		{ResourceType: "winget.package", ResourceID: "pkg-2"},
	}

	_, _, err := ig.Ingest(context.Background(), "tenant-1", "dev-1", in)
	require.Error(t, err)
}

func TestIngest_IdempotentByDeviceAndCorrelationID(t *testing.T) {
	ig, mock := newIngester(t, runingest.Limits{})
	in := baseInput()
	in.CorrelationID = "cid-abc"

	mock.ExpectBegin()
	expectDeviceLock(mock, "dev-1")
	mock.ExpectQuery("INSERT INTO runs").WillReturnError(sql.ErrNoRows)
	rows := sqlmock.NewRows([]string{"id"}).AddRow("run-existing")
	mock.ExpectQuery("SELECT id FROM runs WHERE device_id = \\$1 AND correlation_id = \\$2").
		WillReturnRows(rows)
	mock.ExpectCommit()

	runID, created, err := ig.Ingest(context.Background(), "tenant-1", "dev-1", in)
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, "run-existing", runID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestIngest_HappyPathCommitsAllRows(t *testing.T) {
	ig, mock := newIngester(t, runingest.Limits{})
	in := baseInput()
	in.Items = []runingest.ItemInput{{ResourceType: "winget.package", ResourceID: "pkg-1"}}
	in.Logs = []runingest.LogInput{{TS: time.Now().UTC(), Level: "info", Message: "ok"}}

	mock.ExpectBegin()
	expectDeviceLock(mock, "dev-1")
	insertedRows := sqlmock.NewRows([]string{"id"}).AddRow("run-1")
	mock.ExpectQuery("INSERT INTO runs").WillReturnRows(insertedRows)
	mock.ExpectExec("INSERT INTO run_items").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO log_events").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	runID, created, err := ig.Ingest(context.Background(), "tenant-1", "dev-1", in)
	require.NoError(t, err)
	require.True(t, created)
	require.NotEmpty(t, runID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGet_NotFound(t *testing.T) {
	ig, mock := newIngester(t, runingest.Limits{})
	mock.ExpectQuery("SELECT id, tenant_id, device_id, started_at, ended_at, status, agent_version, effective_policy_hash, policy_snapshot, summary, correlation_id, created_at\n\t\tFROM runs WHERE tenant_id = \\$1 AND id = \\$2").
		WillReturnError(sql.ErrNoRows)

	_, err := ig.Get(context.Background(), "tenant-1", "missing")
	require.Error(t, err)
}
