package policy_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/baseliner/baseliner/pkg/audit"
	"github.com/baseliner/baseliner/pkg/policy"
)

func newStore(t *testing.T) (*policy.Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return policy.NewStore(db, audit.New(db)), mock
}

func TestUpsert_RejectsNonSemverSchemaVersion(t *testing.T) {
	store, _ := newStore(t)

	_, err := store.Upsert(context.Background(), audit.Context{Actor: audit.ActorAdmin}, "tenant-1", "baseline", "", "not-a-version", []byte(`{}`), true, false)
	require.Error(t, err)
}

func TestUpsert_RejectsMalformedDocument(t *testing.T) {
	store, _ := newStore(t)

	_, err := store.Upsert(context.Background(), audit.Context{Actor: audit.ActorAdmin}, "tenant-1", "baseline", "", "1.0.0", []byte(`{not json`), true, false)
	require.Error(t, err)
}

func TestUpsert_Success(t *testing.T) {
	store, mock := newStore(t)

	now := time.Now().UTC()
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, tenant_id, name, description, schema_version, is_active, document, created_at, updated_at\n\t\tFROM policies WHERE tenant_id = \\$1 AND name = \\$2").
		WillReturnError(sql.ErrNoRows)
	rows := sqlmock.NewRows([]string{"id", "tenant_id", "name", "description", "schema_version", "is_active", "document", "created_at", "updated_at"}).
		AddRow("pol-1", "tenant-1", "baseline", "desc", "1.0.0", true, []byte(`{"resources":[]}`), now, now)
	mock.ExpectQuery("INSERT INTO policies").WillReturnRows(rows)
	mock.ExpectQuery("SELECT entry_hash FROM audit_logs").WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("INSERT INTO audit_logs").WillReturnRows(sqlmock.NewRows([]string{"sequence"}).AddRow(int64(1)))
	mock.ExpectCommit()

	p, err := store.Upsert(context.Background(), audit.Context{Actor: audit.ActorAdmin}, "tenant-1", "baseline", "desc", "1.0.0", []byte(`{"resources":[]}`), true, false)
	require.NoError(t, err)
	require.Equal(t, "baseline", p.Name)
	require.True(t, p.IsActive)
}

func TestUpsert_RejectsSchemaVersionDowngradeWithoutForce(t *testing.T) {
	store, mock := newStore(t)

	now := time.Now().UTC()
	mock.ExpectBegin()
	rows := sqlmock.NewRows([]string{"id", "tenant_id", "name", "description", "schema_version", "is_active", "document", "created_at", "updated_at"}).
		AddRow("pol-1", "tenant-1", "baseline", "desc", "2.0.0", true, []byte(`{"resources":[]}`), now, now)
	mock.ExpectQuery("SELECT id, tenant_id, name, description, schema_version, is_active, document, created_at, updated_at\n\t\tFROM policies WHERE tenant_id = \\$1 AND name = \\$2").
		WillReturnRows(rows)

	_, err := store.Upsert(context.Background(), audit.Context{Actor: audit.ActorAdmin}, "tenant-1", "baseline", "desc", "1.0.0", []byte(`{"resources":[]}`), true, false)
	require.Error(t, err)
}

func TestUpsert_AllowsSchemaVersionDowngradeWithForce(t *testing.T) {
	store, mock := newStore(t)

	now := time.Now().UTC()
	mock.ExpectBegin()
	existing := sqlmock.NewRows([]string{"id", "tenant_id", "name", "description", "schema_version", "is_active", "document", "created_at", "updated_at"}).
		AddRow("pol-1", "tenant-1", "baseline", "desc", "2.0.0", true, []byte(`{"resources":[]}`), now, now)
	mock.ExpectQuery("SELECT id, tenant_id, name, description, schema_version, is_active, document, created_at, updated_at\n\t\tFROM policies WHERE tenant_id = \\$1 AND name = \\$2").
		WillReturnRows(existing)
	rows := sqlmock.NewRows([]string{"id", "tenant_id", "name", "description", "schema_version", "is_active", "document", "created_at", "updated_at"}).
		AddRow("pol-1", "tenant-1", "baseline", "desc", "1.0.0", true, []byte(`{"resources":[]}`), now, now)
	mock.ExpectQuery("INSERT INTO policies").WillReturnRows(rows)
	mock.ExpectQuery("SELECT entry_hash FROM audit_logs").WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("INSERT INTO audit_logs").WillReturnRows(sqlmock.NewRows([]string{"sequence"}).AddRow(int64(1)))
	mock.ExpectCommit()

	p, err := store.Upsert(context.Background(), audit.Context{Actor: audit.ActorAdmin}, "tenant-1", "baseline", "desc", "1.0.0", []byte(`{"resources":[]}`), true, true)
	require.NoError(t, err)
	require.Equal(t, "1.0.0", p.SchemaVersion)
}

func TestGet_NotFound(t *testing.T) {
	store, mock := newStore(t)
	mock.ExpectQuery("SELECT id, tenant_id, name, description, schema_version, is_active, document, created_at, updated_at\n\t\tFROM policies WHERE tenant_id = \\$1 AND id = \\$2$").
		WillReturnError(sql.ErrNoRows)

	_, err := store.Get(context.Background(), "tenant-1", "missing")
	require.Error(t, err)
}

func TestSetActive_NoRowsIsNotFound(t *testing.T) {
	store, mock := newStore(t)
	mock.ExpectExec("UPDATE policies SET is_active").WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.SetActive(context.Background(), "tenant-1", "missing", false)
	require.Error(t, err)
}
