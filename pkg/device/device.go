// Package device implements the device registry: enrollment,
// deactivation/restore, token rotation, last-seen tracking (spec §4.2).
// Mutations that touch a device row take it with SELECT ... FOR UPDATE
// inside a transaction, following the same locking discipline as the
// token service's device-token rotation.
package device

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/baseliner/baseliner/pkg/api"
	"github.com/baseliner/baseliner/pkg/audit"
	"github.com/baseliner/baseliner/pkg/dbtx"
	"github.com/baseliner/baseliner/pkg/token"
)

// Status is the device lifecycle state (spec §3).
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
)

// Device is the persisted device row minus its auth token history.
type Device struct {
	ID           string
	TenantID     string
	DeviceKey    string
	Hostname     string
	OS           string
	OSVersion    string
	Arch         string
	AgentVersion string
	Tags         map[string]string
	Status       Status
	LastSeenAt   *time.Time
	DeletedAt    *time.Time
	CreatedAt    time.Time
}

// Metadata is the subset of Device fields an agent supplies on enroll or
// re-enroll; tenant, id, status and timestamps are server-assigned.
type Metadata struct {
	Hostname     string
	OS           string
	OSVersion    string
	Arch         string
	AgentVersion string
	Tags         map[string]string
}

const schema = `
CREATE TABLE IF NOT EXISTS devices (
	id UUID PRIMARY KEY,
	tenant_id UUID NOT NULL,
	device_key TEXT NOT NULL,
	hostname TEXT NOT NULL DEFAULT '',
	os TEXT NOT NULL DEFAULT '',
	os_version TEXT NOT NULL DEFAULT '',
	arch TEXT NOT NULL DEFAULT '',
	agent_version TEXT NOT NULL DEFAULT '',
	tags JSONB NOT NULL DEFAULT '{}',
	status TEXT NOT NULL DEFAULT 'active',
	last_seen_at TIMESTAMPTZ,
	deleted_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE UNIQUE INDEX IF NOT EXISTS devices_tenant_key_idx ON devices (tenant_id, device_key);
CREATE INDEX IF NOT EXISTS devices_tenant_idx ON devices (tenant_id);
`

var (
	errDeviceInactive = api.NewError(api.KindAuthDeviceInactive, "device is inactive", nil)
	errNotFound       = api.NewError(api.KindResourceNotFound, "device not found", nil)
	errNotInactive    = api.NewError(api.KindResourceConflict, "device is not inactive", nil)
)

// Registry is the device store. It calls into token.Service for every
// token mutation so enrollment and revocation stay inside one transaction.
type Registry struct {
	db     *sql.DB
	tokens *token.Service
	audit  *audit.Log
}

// NewRegistry builds a Registry.
func NewRegistry(db *sql.DB, tokens *token.Service, auditLog *audit.Log) *Registry {
	return &Registry{db: db, tokens: tokens, audit: auditLog}
}

// Init creates the devices table if it does not already exist.
func (r *Registry) Init(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, schema)
	return err
}

// Enroll resolves rawEnrollToken, then creates the device identified
// by (tenant, deviceKey) or refreshes the existing active one and mints a fresh device
// token, all within one transaction (spec §4.2). If the device already
// exists and is active, its metadata is refreshed and the previous
// device token is revoked in favor of a new one. If the device exists
// and is inactive, enrollment fails with device_inactive.
func (r *Registry) Enroll(ctx context.Context, rawEnrollToken, deviceKey string, meta Metadata) (string, Device, error) {
	status, tok, err := r.tokens.VerifyEnrollToken(ctx, rawEnrollToken)
	if err != nil {
		return "", Device{}, err
	}
	switch status {
	case token.StatusValid:
		// fall through
	case token.StatusNotFound, token.StatusExpired, token.StatusRevoked:
		return "", Device{}, api.NewError(api.KindAuthInvalid, "invalid or expired enroll token", nil)
	case token.StatusUsed:
		return "", Device{}, api.NewError(api.KindAuthInvalid, "enroll token already used", nil)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return "", Device{}, fmt.Errorf("device: begin enroll tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	dev, found, err := r.lockByKey(ctx, tx, tok.TenantID, deviceKey)
	if err != nil {
		return "", Device{}, err
	}

	tagsJSON, err := json.Marshal(meta.Tags)
	if err != nil {
		return "", Device{}, fmt.Errorf("device: marshal tags: %w", err)
	}

	if found {
		if dev.Status != StatusActive {
			return "", Device{}, errDeviceInactive
		}
		dev.Hostname, dev.OS, dev.OSVersion, dev.Arch, dev.AgentVersion, dev.Tags = meta.Hostname, meta.OS, meta.OSVersion, meta.Arch, meta.AgentVersion, meta.Tags
		_, err = tx.ExecContext(ctx, `
			UPDATE devices SET hostname = $1, os = $2, os_version = $3, arch = $4, agent_version = $5, tags = $6
			WHERE id = $7`, meta.Hostname, meta.OS, meta.OSVersion, meta.Arch, meta.AgentVersion, tagsJSON, dev.ID)
		if err != nil {
			return "", Device{}, fmt.Errorf("device: update on re-enroll: %w", err)
		}
	} else {
		dev = Device{
			ID:           uuid.New().String(),
			TenantID:     tok.TenantID,
			DeviceKey:    deviceKey,
			Hostname:     meta.Hostname,
			OS:           meta.OS,
			OSVersion:    meta.OSVersion,
			Arch:         meta.Arch,
			AgentVersion: meta.AgentVersion,
			Tags:         meta.Tags,
			Status:       StatusActive,
			CreatedAt:    time.Now().UTC(),
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO devices (id, tenant_id, device_key, hostname, os, os_version, arch, agent_version, tags, status, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			dev.ID, dev.TenantID, dev.DeviceKey, dev.Hostname, dev.OS, dev.OSVersion, dev.Arch, dev.AgentVersion, tagsJSON, dev.Status, dev.CreatedAt)
		if err != nil {
			return "", Device{}, fmt.Errorf("device: insert on enroll: %w", err)
		}
	}

	raw, _, err := r.tokens.RotateDeviceToken(ctx, tx, dev.TenantID, dev.ID)
	if err != nil {
		return "", Device{}, err
	}

	ok, err := r.tokens.ConsumeEnrollToken(ctx, tx, tok.ID)
	if err != nil {
		return "", Device{}, err
	}
	if !ok {
		return "", Device{}, api.NewError(api.KindAuthInvalid, "enroll token already used", nil)
	}

	if err := tx.Commit(); err != nil {
		return "", Device{}, fmt.Errorf("device: commit enroll tx: %w", err)
	}
	return raw, dev, nil
}

// lockByKey fetches a device row FOR UPDATE by (tenant_id, device_key),
// reporting found=false rather than an error when no row exists.
func (r *Registry) lockByKey(ctx context.Context, tx *sql.Tx, tenantID, deviceKey string) (Device, bool, error) {
	dev, err := scanDevice(tx.QueryRowContext(ctx, `
		SELECT id, tenant_id, device_key, hostname, os, os_version, arch, agent_version, tags, status, last_seen_at, deleted_at, created_at
		FROM devices WHERE tenant_id = $1 AND device_key = $2 FOR UPDATE`, tenantID, deviceKey))
	if errors.Is(err, sql.ErrNoRows) {
		return Device{}, false, nil
	}
	if err != nil {
		return Device{}, false, fmt.Errorf("device: lock by key: %w", err)
	}
	return dev, true, nil
}

// lockByID fetches a device row FOR UPDATE by id, scoped to tenant.
func (r *Registry) lockByID(ctx context.Context, tx *sql.Tx, tenantID, id string) (Device, error) {
	return r.LockByIDTx(ctx, tx, tenantID, id)
}

// LockByIDTx takes the device row FOR UPDATE inside tx, scoped to
// tenant. Exported so callers outside this package that serialize
// their own mutation against a device — report ingest in
// pkg/runingest — can join the same locking discipline without
// duplicating the query.
func (r *Registry) LockByIDTx(ctx context.Context, tx *sql.Tx, tenantID, id string) (Device, error) {
	dev, err := scanDevice(tx.QueryRowContext(ctx, `
		SELECT id, tenant_id, device_key, hostname, os, os_version, arch, agent_version, tags, status, last_seen_at, deleted_at, created_at
		FROM devices WHERE tenant_id = $1 AND id = $2 FOR UPDATE`, tenantID, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Device{}, errNotFound
	}
	if err != nil {
		return Device{}, fmt.Errorf("device: lock by id: %w", err)
	}
	return dev, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(row rowScanner) (Device, error) {
	var dev Device
	var tagsJSON []byte
	var lastSeenAt, deletedAt sql.NullTime
	err := row.Scan(&dev.ID, &dev.TenantID, &dev.DeviceKey, &dev.Hostname, &dev.OS, &dev.OSVersion, &dev.Arch,
		&dev.AgentVersion, &tagsJSON, &dev.Status, &lastSeenAt, &deletedAt, &dev.CreatedAt)
	if err != nil {
		return Device{}, err
	}
	if len(tagsJSON) > 0 {
		if err := json.Unmarshal(tagsJSON, &dev.Tags); err != nil {
			return Device{}, fmt.Errorf("device: unmarshal tags: %w", err)
		}
	}
	if lastSeenAt.Valid {
		dev.LastSeenAt = &lastSeenAt.Time
	}
	if deletedAt.Valid {
		dev.DeletedAt = &deletedAt.Time
	}
	return dev, nil
}

// Get fetches one device by id within a tenant.
func (r *Registry) Get(ctx context.Context, tenantID, id string) (Device, error) {
	dev, err := scanDevice(r.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, device_key, hostname, os, os_version, arch, agent_version, tags, status, last_seen_at, deleted_at, created_at
		FROM devices WHERE tenant_id = $1 AND id = $2`, tenantID, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Device{}, errNotFound
	}
	if err != nil {
		return Device{}, fmt.Errorf("device: get: %w", err)
	}
	return dev, nil
}

// GetAny fetches a device by id regardless of tenant. Used by the
// compiler to distinguish device_not_found from tenant_mismatch (spec
// §4.3) without leaking cross-tenant data beyond the tenant id itself.
func (r *Registry) GetAny(ctx context.Context, id string) (Device, error) {
	return r.GetAnyTx(ctx, r.db, id)
}

// GetAnyTx is GetAny against exec, so a caller holding its own
// transaction (the compiler's repeatable-read snapshot, spec §5) can
// read the device row as part of that snapshot instead of a separate
// connection.
func (r *Registry) GetAnyTx(ctx context.Context, exec dbtx.Queryer, id string) (Device, error) {
	dev, err := scanDevice(exec.QueryRowContext(ctx, `
		SELECT id, tenant_id, device_key, hostname, os, os_version, arch, agent_version, tags, status, last_seen_at, deleted_at, created_at
		FROM devices WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Device{}, errNotFound
	}
	if err != nil {
		return Device{}, fmt.Errorf("device: get_any: %w", err)
	}
	return dev, nil
}

// List returns a page of devices for a tenant, newest first.
func (r *Registry) List(ctx context.Context, tenantID string, limit, offset int) ([]Device, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, tenant_id, device_key, hostname, os, os_version, arch, agent_version, tags, status, last_seen_at, deleted_at, created_at
		FROM devices WHERE tenant_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`, tenantID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("device: list: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Device
	for rows.Next() {
		dev, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("device: scan list row: %w", err)
		}
		out = append(out, dev)
	}
	return out, rows.Err()
}

// SoftDelete deactivates a device: status=inactive, deleted_at stamped,
// active device token revoked (spec §4.2). The mutation and its audit
// row commit in the same transaction (spec §4.6, testable property 7).
func (r *Registry) SoftDelete(ctx context.Context, actorCtx audit.Context, tenantID, id string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("device: begin soft_delete tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	dev, err := r.lockByID(ctx, tx, tenantID, id)
	if err != nil {
		return err
	}
	if dev.Status == StatusInactive {
		return nil // idempotent
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `UPDATE devices SET status = $1, deleted_at = $2 WHERE id = $3`, StatusInactive, now, dev.ID); err != nil {
		return fmt.Errorf("device: soft_delete update: %w", err)
	}
	if err := r.tokens.RevokeActiveDeviceToken(ctx, tx, dev.ID); err != nil {
		return fmt.Errorf("device: revoke token on soft_delete: %w", err)
	}
	if _, err := r.audit.Append(ctx, tx, tenantID, actorCtx.Actor, "device.delete", "device", dev.ID, dev.Status, StatusInactive, actorCtx.CorrelationID); err != nil {
		return fmt.Errorf("device: audit soft_delete: %w", err)
	}
	return tx.Commit()
}

// Restore reactivates an inactive device and mints a new device token
// (spec §4.2). Restoring an already-active device is a lifecycle
// conflict.
func (r *Registry) Restore(ctx context.Context, actorCtx audit.Context, tenantID, id string) (string, Device, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return "", Device{}, fmt.Errorf("device: begin restore tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	dev, err := r.lockByID(ctx, tx, tenantID, id)
	if err != nil {
		return "", Device{}, err
	}
	if dev.Status != StatusInactive {
		return "", Device{}, errNotInactive
	}

	if _, err := tx.ExecContext(ctx, `UPDATE devices SET status = $1, deleted_at = NULL WHERE id = $2`, StatusActive, dev.ID); err != nil {
		return "", Device{}, fmt.Errorf("device: restore update: %w", err)
	}
	raw, _, err := r.tokens.RotateDeviceToken(ctx, tx, dev.TenantID, dev.ID)
	if err != nil {
		return "", Device{}, err
	}
	if _, err := r.audit.Append(ctx, tx, tenantID, actorCtx.Actor, "device.restore", "device", dev.ID, dev.Status, StatusActive, actorCtx.CorrelationID); err != nil {
		return "", Device{}, fmt.Errorf("device: audit restore: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", Device{}, fmt.Errorf("device: commit restore tx: %w", err)
	}
	dev.Status, dev.DeletedAt = StatusActive, nil
	return raw, dev, nil
}

// RevokeToken rotates the device's active token, invalidating the
// previous one immediately (spec §4.2, scenario S5).
func (r *Registry) RevokeToken(ctx context.Context, actorCtx audit.Context, tenantID, id string) (string, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("device: begin revoke_token tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	dev, err := r.lockByID(ctx, tx, tenantID, id)
	if err != nil {
		return "", err
	}
	if dev.Status != StatusActive {
		return "", errDeviceInactive
	}

	raw, _, err := r.tokens.RotateDeviceToken(ctx, tx, dev.TenantID, dev.ID)
	if err != nil {
		return "", err
	}
	if _, err := r.audit.Append(ctx, tx, tenantID, actorCtx.Actor, "device.revoke_token", "device", dev.ID, nil, nil, actorCtx.CorrelationID); err != nil {
		return "", fmt.Errorf("device: audit revoke_token: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("device: commit revoke_token tx: %w", err)
	}
	return raw, nil
}

// TouchLastSeen stamps last_seen_at = now. Called by the report handler
// after a report is ingested as a new run (spec §4.2).
func (r *Registry) TouchLastSeen(ctx context.Context, deviceID string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE devices SET last_seen_at = $1 WHERE id = $2`, time.Now().UTC(), deviceID)
	return err
}
