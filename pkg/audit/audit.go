// Package audit implements the append-only, hash-chained audit trail
// of spec §4.6. Every admin mutation and lifecycle transition writes
// exactly one row, inside the same transaction as the mutation it
// describes, so readers never observe a mutation without its audit
// row or vice versa. The hash chain itself (PreviousHash/EntryHash,
// computeEntryHash) is adapted from the in-memory evidence store's
// chaining discipline, made durable and per-tenant here.
package audit

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/baseliner/baseliner/pkg/api"
)

// Actor identifies who caused an audit entry.
type Actor string

const (
	ActorAdmin  Actor = "admin"
	ActorDevice Actor = "device"
	ActorSystem Actor = "system"
)

// Context carries the actor and correlation id through a call chain so
// a command handler can pass it to Append without reaching into
// process-wide state (spec §9: "Accept an AuditContext value through
// the call chain rather than relying on process-wide state").
type Context struct {
	Actor         Actor
	CorrelationID string
}

// Entry is one row of the append-only log.
type Entry struct {
	ID            string          `json:"id"`
	TenantID      string          `json:"tenant_id"`
	Sequence      int64           `json:"sequence"`
	Timestamp     time.Time       `json:"ts"`
	Actor         Actor           `json:"actor"`
	Action        string          `json:"action"`
	TargetType    string          `json:"target_type"`
	TargetID      string          `json:"target_id"`
	Before        json.RawMessage `json:"before,omitempty"`
	After         json.RawMessage `json:"after,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	PreviousHash  string          `json:"previous_hash"`
	EntryHash     string          `json:"entry_hash"`
}

const schema = `
CREATE TABLE IF NOT EXISTS audit_logs (
	id UUID PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	sequence BIGSERIAL NOT NULL,
	ts TIMESTAMPTZ NOT NULL,
	actor TEXT NOT NULL,
	action TEXT NOT NULL,
	target_type TEXT NOT NULL,
	target_id TEXT NOT NULL,
	before JSONB,
	after JSONB,
	correlation_id TEXT,
	previous_hash TEXT NOT NULL,
	entry_hash TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS audit_logs_tenant_ts_id_idx ON audit_logs (tenant_id, ts DESC, id DESC);
CREATE INDEX IF NOT EXISTS audit_logs_tenant_target_idx ON audit_logs (tenant_id, target_type, target_id);
CREATE INDEX IF NOT EXISTS audit_logs_tenant_action_idx ON audit_logs (tenant_id, action);
`

// genesis is the previous_hash of the first entry in a tenant's chain.
const genesis = "genesis"

var errChainBroken = api.NewError(api.KindServerInternal, "audit chain verification failed", nil)

// Log is the append-only audit store, one hash chain per tenant.
type Log struct {
	db *sql.DB
}

// New builds a Log.
func New(db *sql.DB) *Log {
	return &Log{db: db}
}

// Init creates the audit_logs table and its indexes.
func (l *Log) Init(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, schema)
	if err != nil {
		return fmt.Errorf("audit: init schema: %w", err)
	}
	return nil
}

// Append writes one entry inside tx, chaining it off the tenant's
// current head. tx must be the same transaction as the mutation this
// entry describes (spec §4.6: "writes occur in the same transaction
// as the mutation they describe"); a failure here must abort that
// transaction rather than being swallowed.
func (l *Log) Append(ctx context.Context, tx *sql.Tx, tenantID string, actor Actor, action, targetType, targetID string, before, after any, correlationID string) (Entry, error) {
	beforeJSON, err := marshalOrNil(before)
	if err != nil {
		return Entry{}, fmt.Errorf("audit: marshal before: %w", err)
	}
	afterJSON, err := marshalOrNil(after)
	if err != nil {
		return Entry{}, fmt.Errorf("audit: marshal after: %w", err)
	}

	prevHash, err := l.headHash(ctx, tx, tenantID)
	if err != nil {
		return Entry{}, err
	}

	entry := Entry{
		ID:            uuid.New().String(),
		TenantID:      tenantID,
		Timestamp:     time.Now().UTC(),
		Actor:         actor,
		Action:        action,
		TargetType:    targetType,
		TargetID:      targetID,
		Before:        beforeJSON,
		After:         afterJSON,
		CorrelationID: correlationID,
		PreviousHash:  prevHash,
	}
	entry.EntryHash, err = computeEntryHash(entry)
	if err != nil {
		return Entry{}, fmt.Errorf("audit: compute entry hash: %w", err)
	}

	row := tx.QueryRowContext(ctx, `
		INSERT INTO audit_logs (id, tenant_id, ts, actor, action, target_type, target_id, before, after, correlation_id, previous_hash, entry_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING sequence`,
		entry.ID, entry.TenantID, entry.Timestamp, entry.Actor, entry.Action, entry.TargetType, entry.TargetID,
		nullJSON(entry.Before), nullJSON(entry.After), nullString(entry.CorrelationID), entry.PreviousHash, entry.EntryHash)
	if err := row.Scan(&entry.Sequence); err != nil {
		return Entry{}, fmt.Errorf("audit: insert entry: %w", err)
	}
	return entry, nil
}

func (l *Log) headHash(ctx context.Context, tx *sql.Tx, tenantID string) (string, error) {
	var hash string
	err := tx.QueryRowContext(ctx, `
		SELECT entry_hash FROM audit_logs
		WHERE tenant_id = $1
		ORDER BY ts DESC, id DESC
		LIMIT 1
		FOR UPDATE`, tenantID).Scan(&hash)
	if err == sql.ErrNoRows {
		return genesis, nil
	}
	if err != nil {
		return "", fmt.Errorf("audit: read chain head: %w", err)
	}
	return hash, nil
}

// hashable is the subset of Entry fields that feed the chained hash;
// it deliberately excludes Sequence (assigned by the database after
// the hash is computed) so the hash is reproducible from Entry alone.
type hashable struct {
	TenantID      string          `json:"tenant_id"`
	Timestamp     time.Time       `json:"ts"`
	Actor         Actor           `json:"actor"`
	Action        string          `json:"action"`
	TargetType    string          `json:"target_type"`
	TargetID      string          `json:"target_id"`
	Before        json.RawMessage `json:"before,omitempty"`
	After         json.RawMessage `json:"after,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	PreviousHash  string          `json:"previous_hash"`
}

func computeEntryHash(e Entry) (string, error) {
	data, err := json.Marshal(hashable{
		TenantID:      e.TenantID,
		Timestamp:     e.Timestamp,
		Actor:         e.Actor,
		Action:        e.Action,
		TargetType:    e.TargetType,
		TargetID:      e.TargetID,
		Before:        e.Before,
		After:         e.After,
		CorrelationID: e.CorrelationID,
		PreviousHash:  e.PreviousHash,
	})
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

func marshalOrNil(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(v)
}

func nullJSON(raw json.RawMessage) any {
	if raw == nil {
		return nil
	}
	return []byte(raw)
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// Cursor is the decoded form of an opaque pagination cursor: entries
// strictly before (ts, id) in (ts DESC, id DESC) order.
type Cursor struct {
	TS time.Time `json:"ts"`
	ID string    `json:"id"`
}

// EncodeCursor base64-encodes a Cursor for use in API responses.
func EncodeCursor(c Cursor) string {
	raw, _ := json.Marshal(c)
	return base64.RawURLEncoding.EncodeToString(raw)
}

// DecodeCursor reverses EncodeCursor.
func DecodeCursor(s string) (Cursor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return Cursor{}, api.NewError(api.KindInputMalformed, "invalid cursor", nil)
	}
	var c Cursor
	if err := json.Unmarshal(raw, &c); err != nil {
		return Cursor{}, api.NewError(api.KindInputMalformed, "invalid cursor", nil)
	}
	return c, nil
}

// Filter narrows a List query. Zero values are unfiltered.
type Filter struct {
	Action     string
	TargetType string
	TargetID   string
	Cursor     *Cursor
	Limit      int
}

// List returns entries for tenantID matching filter, newest first,
// cursor-paginated by strictly decreasing (ts, id).
func (l *Log) List(ctx context.Context, tenantID string, f Filter) ([]Entry, error) {
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	query := `
		SELECT id, tenant_id, sequence, ts, actor, action, target_type, target_id, before, after, correlation_id, previous_hash, entry_hash
		FROM audit_logs
		WHERE tenant_id = $1`
	args := []any{tenantID}

	if f.Action != "" {
		args = append(args, f.Action)
		query += fmt.Sprintf(" AND action = $%d", len(args))
	}
	if f.TargetType != "" {
		args = append(args, f.TargetType)
		query += fmt.Sprintf(" AND target_type = $%d", len(args))
	}
	if f.TargetID != "" {
		args = append(args, f.TargetID)
		query += fmt.Sprintf(" AND target_id = $%d", len(args))
	}
	if f.Cursor != nil {
		args = append(args, f.Cursor.TS, f.Cursor.ID)
		query += fmt.Sprintf(" AND (ts, id) < ($%d, $%d)", len(args)-1, len(args))
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY ts DESC, id DESC LIMIT $%d", len(args))

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: list: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var before, after []byte
		var correlationID sql.NullString
		if err := rows.Scan(&e.ID, &e.TenantID, &e.Sequence, &e.Timestamp, &e.Actor, &e.Action, &e.TargetType, &e.TargetID, &before, &after, &correlationID, &e.PreviousHash, &e.EntryHash); err != nil {
			return nil, fmt.Errorf("audit: scan: %w", err)
		}
		e.Before = before
		e.After = after
		e.CorrelationID = correlationID.String
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit: iterate: %w", err)
	}
	return out, nil
}

// VerifyChain recomputes every entry's hash for tenantID and confirms
// the chain is unbroken, oldest first.
func (l *Log) VerifyChain(ctx context.Context, tenantID string) error {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, tenant_id, sequence, ts, actor, action, target_type, target_id, before, after, correlation_id, previous_hash, entry_hash
		FROM audit_logs WHERE tenant_id = $1 ORDER BY ts ASC, id ASC`, tenantID)
	if err != nil {
		return fmt.Errorf("audit: verify: query: %w", err)
	}
	defer rows.Close()

	expectedPrev := genesis
	for rows.Next() {
		var e Entry
		var before, after []byte
		var correlationID sql.NullString
		if err := rows.Scan(&e.ID, &e.TenantID, &e.Sequence, &e.Timestamp, &e.Actor, &e.Action, &e.TargetType, &e.TargetID, &before, &after, &correlationID, &e.PreviousHash, &e.EntryHash); err != nil {
			return fmt.Errorf("audit: verify: scan: %w", err)
		}
		e.Before, e.After, e.CorrelationID = before, after, correlationID.String

		if e.PreviousHash != expectedPrev {
			return errChainBroken
		}
		computed, err := computeEntryHash(e)
		if err != nil {
			return fmt.Errorf("audit: verify: recompute hash: %w", err)
		}
		if computed != e.EntryHash {
			return errChainBroken
		}
		expectedPrev = e.EntryHash
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("audit: verify: iterate: %w", err)
	}
	return nil
}
