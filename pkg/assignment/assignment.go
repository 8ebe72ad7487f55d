// Package assignment stores PolicyAssignment rows: the many-to-many
// link between devices and policies, carrying the priority and mode
// the compiler uses to resolve conflicts (spec §3, §4.3).
package assignment

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/baseliner/baseliner/pkg/audit"
	"github.com/baseliner/baseliner/pkg/dbtx"
)

// Mode is whether a resource's policy is enforced or merely observed.
type Mode string

const (
	ModeEnforce Mode = "enforce"
	ModeAudit   Mode = "audit"
)

// Assignment links a device to a policy at a given priority (spec §3).
// Uniqueness of (device, policy) is not enforced here; duplicates are
// resolved by the compiler's canonical ordering like any other tie.
type Assignment struct {
	ID        string
	TenantID  string
	DeviceID  string
	PolicyID  string
	Priority  int
	Mode      Mode
	CreatedAt time.Time
}

const schema = `
CREATE TABLE IF NOT EXISTS policy_assignments (
	id UUID PRIMARY KEY,
	tenant_id UUID NOT NULL,
	device_id UUID NOT NULL,
	policy_id UUID NOT NULL,
	priority INTEGER NOT NULL DEFAULT 100,
	mode TEXT NOT NULL DEFAULT 'enforce',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS policy_assignments_device_idx ON policy_assignments (tenant_id, device_id);
`

// Store is the assignment table.
type Store struct {
	db    *sql.DB
	audit *audit.Log
}

// NewStore builds a Store.
func NewStore(db *sql.DB, auditLog *audit.Log) *Store {
	return &Store{db: db, audit: auditLog}
}

// Init creates the policy_assignments table if it does not already exist.
func (s *Store) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Create inserts a new assignment. Its audit row commits in the same
// transaction (spec §4.6, testable property 7).
func (s *Store) Create(ctx context.Context, actorCtx audit.Context, tenantID, deviceID, policyID string, priority int, mode Mode) (Assignment, error) {
	a := Assignment{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		DeviceID:  deviceID,
		PolicyID:  policyID,
		Priority:  priority,
		Mode:      mode,
		CreatedAt: time.Now().UTC(),
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Assignment{}, fmt.Errorf("assignment: begin create tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO policy_assignments (id, tenant_id, device_id, policy_id, priority, mode, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		a.ID, a.TenantID, a.DeviceID, a.PolicyID, a.Priority, a.Mode, a.CreatedAt)
	if err != nil {
		return Assignment{}, fmt.Errorf("assignment: create: %w", err)
	}
	if _, err := s.audit.Append(ctx, tx, tenantID, actorCtx.Actor, "assignment.create", "assignment", a.ID, nil, a, actorCtx.CorrelationID); err != nil {
		return Assignment{}, fmt.Errorf("assignment: audit create: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Assignment{}, fmt.Errorf("assignment: commit create tx: %w", err)
	}
	return a, nil
}

// ListForDevice returns every assignment for a device, already sorted
// in the canonical order the compiler requires: priority ascending,
// then created_at ascending, then assignment_id lexicographic (spec
// §4.3). The compiler's merge re-sorts by the same key, so the two
// orders always agree.
func (s *Store) ListForDevice(ctx context.Context, tenantID, deviceID string) ([]Assignment, error) {
	return s.ListForDeviceTx(ctx, s.db, tenantID, deviceID)
}

// ListForDeviceTx is ListForDevice against exec, so a caller holding its
// own transaction (the compiler's repeatable-read snapshot, spec §5)
// reads assignments as part of that snapshot.
func (s *Store) ListForDeviceTx(ctx context.Context, exec dbtx.Queryer, tenantID, deviceID string) ([]Assignment, error) {
	rows, err := exec.QueryContext(ctx, `
		SELECT id, tenant_id, device_id, policy_id, priority, mode, created_at
		FROM policy_assignments
		WHERE tenant_id = $1 AND device_id = $2
		ORDER BY priority ASC, created_at ASC, id ASC`, tenantID, deviceID)
	if err != nil {
		return nil, fmt.Errorf("assignment: list_for_device: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Assignment
	for rows.Next() {
		var a Assignment
		if err := rows.Scan(&a.ID, &a.TenantID, &a.DeviceID, &a.PolicyID, &a.Priority, &a.Mode, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("assignment: scan row: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// DeleteOne removes a single assignment by id, with its audit row in
// the same transaction.
func (s *Store) DeleteOne(ctx context.Context, actorCtx audit.Context, tenantID, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("assignment: begin delete_one tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM policy_assignments WHERE tenant_id = $1 AND id = $2`, tenantID, id); err != nil {
		return fmt.Errorf("assignment: delete_one: %w", err)
	}
	if _, err := s.audit.Append(ctx, tx, tenantID, actorCtx.Actor, "assignment.delete", "assignment", id, nil, nil, actorCtx.CorrelationID); err != nil {
		return fmt.Errorf("assignment: audit delete_one: %w", err)
	}
	return tx.Commit()
}

// DeleteAllForDevice removes every assignment for a device, e.g. before
// re-seeding a device's policy set in one shot. Emits one audit row for
// the clear operation as a whole.
func (s *Store) DeleteAllForDevice(ctx context.Context, actorCtx audit.Context, tenantID, deviceID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("assignment: begin delete_all tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM policy_assignments WHERE tenant_id = $1 AND device_id = $2`, tenantID, deviceID); err != nil {
		return fmt.Errorf("assignment: delete_all_for_device: %w", err)
	}
	if _, err := s.audit.Append(ctx, tx, tenantID, actorCtx.Actor, "assignment.delete_all", "device", deviceID, nil, nil, actorCtx.CorrelationID); err != nil {
		return fmt.Errorf("assignment: audit delete_all: %w", err)
	}
	return tx.Commit()
}
