// Package runingest persists agent run reports: the header, its items
// and its log events in one transaction (spec §4.4). It is the other
// hardest subsystem alongside the compiler, and the only place that
// implements idempotency — by (device_id, correlation_id), not a
// generic header.
package runingest

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/baseliner/baseliner/pkg/api"
	"github.com/baseliner/baseliner/pkg/device"
	"github.com/baseliner/baseliner/pkg/observability"
)

// Status is a run's terminal outcome (spec §3).
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusPartial   Status = "partial"
	StatusFailed    Status = "failed"
	StatusError     Status = "error"
)

// ItemError is the optional failure detail on a RunItem.
type ItemError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ItemInput is one RunItem as submitted in a report body; Ordinal is
// assigned server-side from body order, never accepted from the client.
type ItemInput struct {
	ResourceType     string
	ResourceID       string
	Name             string
	StatusDetect     string
	StatusRemediate  string
	StatusValidate   string
	CompliantBefore  bool
	CompliantAfter   bool
	Changed          bool
	Evidence         json.RawMessage
	Error            *ItemError
}

// LogInput is one LogEvent as submitted in a report body.
type LogInput struct {
	TS      time.Time
	Level   string
	Message string
	Data    json.RawMessage
}

// ReportInput is the decoded body of POST /api/v1/device/reports.
type ReportInput struct {
	StartedAt           time.Time
	EndedAt             time.Time
	Status              Status
	AgentVersion        string
	EffectivePolicyHash string
	PolicySnapshot      json.RawMessage
	Summary             json.RawMessage
	Items               []ItemInput
	Logs                []LogInput
	CorrelationID       string
}

// RunItem is a persisted RunItem row.
type RunItem struct {
	ID              string
	RunID           string
	Ordinal         int
	ResourceType    string
	ResourceID      string
	Name            string
	StatusDetect    string
	StatusRemediate string
	StatusValidate  string
	CompliantBefore bool
	CompliantAfter  bool
	Changed         bool
	Evidence        json.RawMessage
	Error           *ItemError
}

// LogEvent is a persisted LogEvent row.
type LogEvent struct {
	ID      string
	RunID   string
	TS      time.Time
	Level   string
	Message string
	Data    json.RawMessage
}

// Run is a persisted Run header.
type Run struct {
	ID                  string
	TenantID            string
	DeviceID            string
	StartedAt           time.Time
	EndedAt             time.Time
	Status              Status
	AgentVersion        string
	EffectivePolicyHash string
	PolicySnapshot      json.RawMessage
	Summary             json.RawMessage
	CorrelationID       *string
	CreatedAt           time.Time
}

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id UUID PRIMARY KEY,
	tenant_id UUID NOT NULL,
	device_id UUID NOT NULL,
	started_at TIMESTAMPTZ NOT NULL,
	ended_at TIMESTAMPTZ NOT NULL,
	status TEXT NOT NULL,
	agent_version TEXT NOT NULL DEFAULT '',
	effective_policy_hash TEXT NOT NULL DEFAULT '',
	policy_snapshot JSONB NOT NULL DEFAULT '{}',
	summary JSONB NOT NULL DEFAULT '{}',
	correlation_id TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS runs_device_idx ON runs (tenant_id, device_id, created_at DESC);
CREATE UNIQUE INDEX IF NOT EXISTS runs_device_correlation_idx ON runs (device_id, correlation_id) WHERE correlation_id IS NOT NULL;

CREATE TABLE IF NOT EXISTS run_items (
	id UUID PRIMARY KEY,
	run_id UUID NOT NULL,
	ordinal INTEGER NOT NULL,
	resource_type TEXT NOT NULL,
	resource_id TEXT NOT NULL,
	name TEXT NOT NULL DEFAULT '',
	status_detect TEXT NOT NULL DEFAULT '',
	status_remediate TEXT NOT NULL DEFAULT '',
	status_validate TEXT NOT NULL DEFAULT '',
	compliant_before BOOLEAN NOT NULL DEFAULT false,
	compliant_after BOOLEAN NOT NULL DEFAULT false,
	changed BOOLEAN NOT NULL DEFAULT false,
	evidence JSONB NOT NULL DEFAULT '{}',
	error_type TEXT,
	error_message TEXT
);
CREATE INDEX IF NOT EXISTS run_items_run_idx ON run_items (run_id, ordinal);

CREATE TABLE IF NOT EXISTS log_events (
	id UUID PRIMARY KEY,
	run_id UUID NOT NULL,
	seq SERIAL,
	ts TIMESTAMPTZ NOT NULL,
	level TEXT NOT NULL,
	message TEXT NOT NULL,
	data JSONB NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS log_events_run_idx ON log_events (run_id, seq);
`

// Limits bounds the per-report item/log counts (spec §4.4's "soft
// caps", distinct from the request body byte ceiling enforced by
// middleware).
type Limits struct {
	MaxItems int
	MaxLogs  int
}

var (
	errTooManyItems = api.NewError(api.KindInputSchema, "items exceeds the configured per-report limit", nil)
	errTooManyLogs  = api.NewError(api.KindInputSchema, "logs exceeds the configured per-report limit", nil)
)

// Ingester persists run reports.
type Ingester struct {
	db      *sql.DB
	devices *device.Registry
	limits  Limits
	obs     *observability.Provider
}

// NewIngester builds an Ingester. devices is used only to take the
// per-device FOR UPDATE lock spec §5 requires around report ingest,
// serializing it against enrollment and token rotation on the same row.
func NewIngester(db *sql.DB, devices *device.Registry, limits Limits, obs *observability.Provider) *Ingester {
	return &Ingester{db: db, devices: devices, limits: limits, obs: obs}
}

// Init creates the run tables if they do not already exist.
func (ig *Ingester) Init(ctx context.Context) error {
	_, err := ig.db.ExecContext(ctx, schema)
	return err
}

func itemMalformed(idx int, reason string) error {
	return api.NewError(api.KindInputSchema, fmt.Sprintf("items[%d]: %s", idx, reason), nil)
}

// Ingest persists one report atomically (spec §4.4). If CorrelationID
// is set and a run with the same (device_id, correlation_id) already
// exists, its id is returned and created is false — no new row is
// written (at-most-once per correlation).
func (ig *Ingester) Ingest(ctx context.Context, tenantID, deviceID string, in ReportInput) (runID string, created bool, err error) {
	ctx, finish := observability.TrackOperation(ctx, ig.obs, "ingest.run")
	defer func() { finish(err) }()

	if ig.limits.MaxItems > 0 && len(in.Items) > ig.limits.MaxItems {
		err = errTooManyItems
		return "", false, err
	}
	if ig.limits.MaxLogs > 0 && len(in.Logs) > ig.limits.MaxLogs {
		err = errTooManyLogs
		return "", false, err
	}
	for idx, item := range in.Items {
		if item.ResourceType == "" {
			err = itemMalformed(idx, "resource_type is required")
			return "", false, err
		}
		if item.ResourceID == "" {
			err = itemMalformed(idx, "resource_id is required")
			return "", false, err
		}
	}

	tx, beginErr := ig.db.BeginTx(ctx, nil)
	if beginErr != nil {
		err = fmt.Errorf("runingest: begin tx: %w", beginErr)
		return "", false, err
	}
	defer func() { _ = tx.Rollback() }()

	// Lock the device row for the duration of the insert so a
	// concurrent enrollment or token rotation can't interleave with
	// report ingest on the same device (spec §5).
	if _, lockErr := ig.devices.LockByIDTx(ctx, tx, tenantID, deviceID); lockErr != nil {
		err = fmt.Errorf("runingest: lock device: %w", lockErr)
		return "", false, err
	}

	run := Run{
		ID:                  uuid.New().String(),
		TenantID:            tenantID,
		DeviceID:            deviceID,
		StartedAt:           in.StartedAt,
		EndedAt:             in.EndedAt,
		Status:              in.Status,
		AgentVersion:        in.AgentVersion,
		EffectivePolicyHash: in.EffectivePolicyHash,
		PolicySnapshot:      in.PolicySnapshot,
		Summary:             in.Summary,
		CreatedAt:           time.Now().UTC(),
	}
	var correlationID any
	if in.CorrelationID != "" {
		run.CorrelationID = &in.CorrelationID
		correlationID = in.CorrelationID
	}

	insertRun := `
		INSERT INTO runs (id, tenant_id, device_id, started_at, ended_at, status, agent_version, effective_policy_hash, policy_snapshot, summary, correlation_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id`
	if in.CorrelationID != "" {
		// INSERT ... ON CONFLICT DO NOTHING + re-select is the
		// idempotent-insert pattern a bare unique index can't give us
		// on its own: two concurrent reports for the same (device_id,
		// correlation_id) must both return the same run_id rather than
		// one of them 500ing on the unique violation (spec §8 property
		// 4). The device row lock above already serializes concurrent
		// ingests for this device, but the conflict handling is kept so
		// the insert is correct even if that ever changes.
		insertRun = `
			INSERT INTO runs (id, tenant_id, device_id, started_at, ended_at, status, agent_version, effective_policy_hash, policy_snapshot, summary, correlation_id, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			ON CONFLICT (device_id, correlation_id) WHERE correlation_id IS NOT NULL DO NOTHING
			RETURNING id`
	}

	var insertedID string
	scanErr := tx.QueryRowContext(ctx, insertRun,
		run.ID, run.TenantID, run.DeviceID, run.StartedAt, run.EndedAt, run.Status, run.AgentVersion,
		run.EffectivePolicyHash, []byte(nonNilJSON(run.PolicySnapshot)), []byte(nonNilJSON(run.Summary)), correlationID, run.CreatedAt).
		Scan(&insertedID)
	if scanErr != nil && !errors.Is(scanErr, sql.ErrNoRows) {
		err = fmt.Errorf("runingest: insert run: %w", scanErr)
		return "", false, err
	}
	if errors.Is(scanErr, sql.ErrNoRows) {
		// DO NOTHING fired: a row for this (device_id, correlation_id)
		// already existed. Re-select and return it as the idempotent
		// replay, rather than surfacing the conflict as an error.
		var existing string
		if reselectErr := tx.QueryRowContext(ctx, `
			SELECT id FROM runs WHERE device_id = $1 AND correlation_id = $2`, deviceID, in.CorrelationID).Scan(&existing); reselectErr != nil {
			err = fmt.Errorf("runingest: reselect existing run: %w", reselectErr)
			return "", false, err
		}
		if commitErr := tx.Commit(); commitErr != nil {
			err = fmt.Errorf("runingest: commit tx: %w", commitErr)
			return "", false, err
		}
		return existing, false, nil
	}

	for idx, item := range in.Items {
		var errType, errMessage any
		if item.Error != nil {
			errType, errMessage = item.Error.Type, item.Error.Message
		}
		_, execErr := tx.ExecContext(ctx, `
			INSERT INTO run_items (id, run_id, ordinal, resource_type, resource_id, name, status_detect, status_remediate, status_validate, compliant_before, compliant_after, changed, evidence, error_type, error_message)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
			uuid.New().String(), run.ID, idx, item.ResourceType, item.ResourceID, item.Name,
			item.StatusDetect, item.StatusRemediate, item.StatusValidate, item.CompliantBefore, item.CompliantAfter,
			item.Changed, []byte(nonNilJSON(item.Evidence)), errType, errMessage)
		if execErr != nil {
			err = fmt.Errorf("runingest: insert item %d: %w", idx, execErr)
			return "", false, err
		}
	}

	for idx, logEvt := range in.Logs {
		_, execErr := tx.ExecContext(ctx, `
			INSERT INTO log_events (id, run_id, ts, level, message, data)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			uuid.New().String(), run.ID, logEvt.TS, logEvt.Level, logEvt.Message, []byte(nonNilJSON(logEvt.Data)))
		if execErr != nil {
			err = fmt.Errorf("runingest: insert log %d: %w", idx, execErr)
			return "", false, err
		}
	}

	if commitErr := tx.Commit(); commitErr != nil {
		err = fmt.Errorf("runingest: commit tx: %w", commitErr)
		return "", false, err
	}
	return run.ID, true, nil
}

func nonNilJSON(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("{}")
	}
	return raw
}

// Get fetches a run header by id within a tenant.
func (ig *Ingester) Get(ctx context.Context, tenantID, id string) (Run, error) {
	var run Run
	var correlationID sql.NullString
	err := ig.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, device_id, started_at, ended_at, status, agent_version, effective_policy_hash, policy_snapshot, summary, correlation_id, created_at
		FROM runs WHERE tenant_id = $1 AND id = $2`, tenantID, id).
		Scan(&run.ID, &run.TenantID, &run.DeviceID, &run.StartedAt, &run.EndedAt, &run.Status, &run.AgentVersion,
			&run.EffectivePolicyHash, &run.PolicySnapshot, &run.Summary, &correlationID, &run.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, api.NewError(api.KindResourceNotFound, "run not found", nil)
	}
	if err != nil {
		return Run{}, fmt.Errorf("runingest: get: %w", err)
	}
	if correlationID.Valid {
		run.CorrelationID = &correlationID.String
	}
	return run, nil
}

// List returns a page of runs for a tenant, newest first.
func (ig *Ingester) List(ctx context.Context, tenantID string, limit, offset int) ([]Run, error) {
	rows, err := ig.db.QueryContext(ctx, `
		SELECT id, tenant_id, device_id, started_at, ended_at, status, agent_version, effective_policy_hash, policy_snapshot, summary, correlation_id, created_at
		FROM runs WHERE tenant_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`, tenantID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("runingest: list: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Run
	for rows.Next() {
		var run Run
		var correlationID sql.NullString
		if err := rows.Scan(&run.ID, &run.TenantID, &run.DeviceID, &run.StartedAt, &run.EndedAt, &run.Status, &run.AgentVersion,
			&run.EffectivePolicyHash, &run.PolicySnapshot, &run.Summary, &correlationID, &run.CreatedAt); err != nil {
			return nil, fmt.Errorf("runingest: scan list row: %w", err)
		}
		if correlationID.Valid {
			run.CorrelationID = &correlationID.String
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// LastForDevice returns the most recent run for a device, used by the
// admin debug endpoint (spec §6).
func (ig *Ingester) LastForDevice(ctx context.Context, tenantID, deviceID string) (Run, error) {
	var run Run
	var correlationID sql.NullString
	err := ig.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, device_id, started_at, ended_at, status, agent_version, effective_policy_hash, policy_snapshot, summary, correlation_id, created_at
		FROM runs WHERE tenant_id = $1 AND device_id = $2 ORDER BY created_at DESC LIMIT 1`, tenantID, deviceID).
		Scan(&run.ID, &run.TenantID, &run.DeviceID, &run.StartedAt, &run.EndedAt, &run.Status, &run.AgentVersion,
			&run.EffectivePolicyHash, &run.PolicySnapshot, &run.Summary, &correlationID, &run.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, api.NewError(api.KindResourceNotFound, "no runs for device", nil)
	}
	if err != nil {
		return Run{}, fmt.Errorf("runingest: last_for_device: %w", err)
	}
	if correlationID.Valid {
		run.CorrelationID = &correlationID.String
	}
	return run, nil
}

// ListItems returns a run's items in ordinal order.
func (ig *Ingester) ListItems(ctx context.Context, runID string) ([]RunItem, error) {
	rows, err := ig.db.QueryContext(ctx, `
		SELECT id, run_id, ordinal, resource_type, resource_id, name, status_detect, status_remediate, status_validate, compliant_before, compliant_after, changed, evidence, error_type, error_message
		FROM run_items WHERE run_id = $1 ORDER BY ordinal ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("runingest: list_items: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []RunItem
	for rows.Next() {
		var item RunItem
		var errType, errMessage sql.NullString
		if err := rows.Scan(&item.ID, &item.RunID, &item.Ordinal, &item.ResourceType, &item.ResourceID, &item.Name,
			&item.StatusDetect, &item.StatusRemediate, &item.StatusValidate, &item.CompliantBefore, &item.CompliantAfter,
			&item.Changed, &item.Evidence, &errType, &errMessage); err != nil {
			return nil, fmt.Errorf("runingest: scan item: %w", err)
		}
		if errType.Valid {
			item.Error = &ItemError{Type: errType.String, Message: errMessage.String}
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

// ListLogs returns a run's log events in body order.
func (ig *Ingester) ListLogs(ctx context.Context, runID string) ([]LogEvent, error) {
	rows, err := ig.db.QueryContext(ctx, `
		SELECT id, run_id, ts, level, message, data FROM log_events WHERE run_id = $1 ORDER BY seq ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("runingest: list_logs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []LogEvent
	for rows.Next() {
		var l LogEvent
		if err := rows.Scan(&l.ID, &l.RunID, &l.TS, &l.Level, &l.Message, &l.Data); err != nil {
			return nil, fmt.Errorf("runingest: scan log: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}
