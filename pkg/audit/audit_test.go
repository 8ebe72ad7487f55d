package audit_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/baseliner/baseliner/pkg/audit"
)

func newLog(t *testing.T) (*audit.Log, *sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return audit.New(db), db, mock
}

func TestAppend_ChainsOffGenesisWhenEmpty(t *testing.T) {
	l, db, mock := newLog(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT entry_hash FROM audit_logs").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("INSERT INTO audit_logs").
		WillReturnRows(sqlmock.NewRows([]string{"sequence"}).AddRow(int64(1)))
	mock.ExpectCommit()

	tx, err := db.Begin()
	require.NoError(t, err)

	entry, err := l.Append(context.Background(), tx, "tenant-1", audit.ActorAdmin, "policy.upsert", "policy", "pol-1", nil, map[string]any{"name": "baseline"}, "cid-1")
	require.NoError(t, err)
	require.NotEmpty(t, entry.EntryHash)
	require.NotEqual(t, entry.PreviousHash, entry.EntryHash)

	require.NoError(t, tx.Commit())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAppend_ChainsOffExistingHead(t *testing.T) {
	l, db, mock := newLog(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT entry_hash FROM audit_logs").
		WillReturnRows(sqlmock.NewRows([]string{"entry_hash"}).AddRow("sha256:deadbeef"))
	mock.ExpectQuery("INSERT INTO audit_logs").
		WillReturnRows(sqlmock.NewRows([]string{"sequence"}).AddRow(int64(2)))
	mock.ExpectCommit()

	tx, err := db.Begin()
	require.NoError(t, err)

	entry, err := l.Append(context.Background(), tx, "tenant-1", audit.ActorDevice, "run.ingest", "run", "run-1", nil, nil, "")
	require.NoError(t, err)
	require.Equal(t, "sha256:deadbeef", entry.PreviousHash)

	require.NoError(t, tx.Commit())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestList_AppliesCursorAndFilters(t *testing.T) {
	l, _, mock := newLog(t)
	now := time.Now().UTC()

	rows := sqlmock.NewRows([]string{"id", "tenant_id", "sequence", "ts", "actor", "action", "target_type", "target_id", "before", "after", "correlation_id", "previous_hash", "entry_hash"}).
		AddRow("e1", "tenant-1", int64(1), now, "admin", "device.delete", "device", "dev-1", nil, nil, nil, "genesis", "sha256:aaa")
	mock.ExpectQuery("SELECT id, tenant_id, sequence, ts, actor, action, target_type, target_id, before, after, correlation_id, previous_hash, entry_hash\n\t\tFROM audit_logs\n\t\tWHERE tenant_id = \\$1 AND action = \\$2 AND \\(ts, id\\) < \\(\\$3, \\$4\\) ORDER BY ts DESC, id DESC LIMIT \\$5").
		WillReturnRows(rows)

	cursor := audit.Cursor{TS: now, ID: "e9"}
	out, err := l.List(context.Background(), "tenant-1", audit.Filter{Action: "device.delete", Cursor: &cursor})
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, "e1", out[0].ID)
}

func TestEncodeDecodeCursor_RoundTrips(t *testing.T) {
	now := time.Now().UTC()
	encoded := audit.EncodeCursor(audit.Cursor{TS: now, ID: "entry-5"})

	decoded, err := audit.DecodeCursor(encoded)
	require.NoError(t, err)
	require.Equal(t, "entry-5", decoded.ID)
	require.True(t, decoded.TS.Equal(now))
}

func TestDecodeCursor_RejectsMalformed(t *testing.T) {
	_, err := audit.DecodeCursor("not-valid-base64!!")
	require.Error(t, err)
}

func TestVerifyChain_DetectsBrokenLink(t *testing.T) {
	l, _, mock := newLog(t)
	now := time.Now().UTC()

	rows := sqlmock.NewRows([]string{"id", "tenant_id", "sequence", "ts", "actor", "action", "target_type", "target_id", "before", "after", "correlation_id", "previous_hash", "entry_hash"}).
		AddRow("e1", "tenant-1", int64(1), now, "admin", "device.delete", "device", "dev-1", nil, nil, nil, "genesis", "sha256:tampered")
	mock.ExpectQuery("SELECT id, tenant_id, sequence, ts, actor, action, target_type, target_id, before, after, correlation_id, previous_hash, entry_hash\n\t\tFROM audit_logs WHERE tenant_id = \\$1 ORDER BY ts ASC, id ASC").
		WillReturnRows(rows)

	err := l.VerifyChain(context.Background(), "tenant-1")
	require.Error(t, err)
}
