// Package token mints and verifies the two opaque bearer credentials
// of the control plane: single-use enroll tokens and long-lived device
// tokens. Raw token material is returned exactly once on mint and never
// persisted — only an HMAC digest is stored (spec §3 invariant 1).
package token

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/base32"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"

	"github.com/baseliner/baseliner/pkg/api"
	"github.com/baseliner/baseliner/pkg/dbtx"
)

// Kind distinguishes the two token families; it also scopes the HMAC
// sub-key derived from the process pepper so an enroll-token digest and
// a device-token digest of the same raw bytes never collide.
type Kind string

const (
	KindEnroll Kind = "enroll"
	KindDevice Kind = "device"
)

// Status is the outcome of verifying a raw token (spec §4.1).
type Status string

const (
	StatusValid    Status = "valid"
	StatusExpired  Status = "expired"
	StatusRevoked  Status = "revoked"
	StatusNotFound Status = "not_found"
	StatusUsed     Status = "used"
)

// EnrollTokenRecord is the persisted row minus the raw token (spec §3).
type EnrollTokenRecord struct {
	ID        string
	TenantID  string
	ExpiresAt *time.Time
	UsedAt    *time.Time
	RevokedAt *time.Time
	Note      string
	CreatedAt time.Time
}

// DeviceAuthTokenRecord is the persisted row minus the raw token (spec §3).
type DeviceAuthTokenRecord struct {
	ID         string
	DeviceID   string
	TenantID   string
	Prefix     string
	IssuedAt   time.Time
	RevokedAt  *time.Time
	LastUsedAt *time.Time
}

const tokenRawBytes = 32
const prefixLen = 8

const schema = `
CREATE TABLE IF NOT EXISTS enroll_tokens (
	id UUID PRIMARY KEY,
	tenant_id UUID NOT NULL,
	token_hash TEXT NOT NULL,
	expires_at TIMESTAMPTZ,
	used_at TIMESTAMPTZ,
	revoked_at TIMESTAMPTZ,
	note TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE UNIQUE INDEX IF NOT EXISTS enroll_tokens_hash_idx ON enroll_tokens (token_hash);
CREATE INDEX IF NOT EXISTS enroll_tokens_tenant_idx ON enroll_tokens (tenant_id);

CREATE TABLE IF NOT EXISTS device_auth_tokens (
	id UUID PRIMARY KEY,
	device_id UUID NOT NULL,
	tenant_id UUID NOT NULL,
	token_hash TEXT NOT NULL,
	prefix TEXT NOT NULL,
	issued_at TIMESTAMPTZ NOT NULL,
	revoked_at TIMESTAMPTZ,
	last_used_at TIMESTAMPTZ
);
CREATE UNIQUE INDEX IF NOT EXISTS device_auth_tokens_hash_idx ON device_auth_tokens (token_hash);
CREATE INDEX IF NOT EXISTS device_auth_tokens_device_idx ON device_auth_tokens (device_id);
CREATE UNIQUE INDEX IF NOT EXISTS device_auth_tokens_one_active_idx
	ON device_auth_tokens (device_id) WHERE revoked_at IS NULL;
`

// Service mints and verifies tokens against the two token tables.
type Service struct {
	db     *sql.DB
	pepper []byte
}

// NewService builds a Service. pepper is the process-wide secret
// (BASELINER_TOKEN_PEPPER); it is never logged or returned.
func NewService(db *sql.DB, pepper string) *Service {
	return &Service{db: db, pepper: []byte(pepper)}
}

// Init creates the token tables if they do not already exist.
func (s *Service) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

func (s *Service) subKey(kind Kind) ([]byte, error) {
	hk := hkdf.New(sha256.New, s.pepper, nil, []byte(kind))
	key := make([]byte, sha256.Size)
	if _, err := io.ReadFull(hk, key); err != nil {
		return nil, fmt.Errorf("token: derive sub-key: %w", err)
	}
	return key, nil
}

func (s *Service) digest(kind Kind, raw []byte) (string, error) {
	key, err := s.subKey(kind)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(raw)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

func generateRaw() ([]byte, string, error) {
	raw := make([]byte, tokenRawBytes)
	if _, err := rand.Read(raw); err != nil {
		return nil, "", fmt.Errorf("token: generate random bytes: %w", err)
	}
	encoded := base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(raw)
	return raw, encoded, nil
}

// MintEnrollToken creates a new single-use enroll token. The raw value
// is returned once; only its digest is stored.
func (s *Service) MintEnrollToken(ctx context.Context, exec dbtx.Queryer, tenantID, note string, expiresAt *time.Time) (string, EnrollTokenRecord, error) {
	raw, encoded, err := generateRaw()
	if err != nil {
		return "", EnrollTokenRecord{}, err
	}
	hash, err := s.digest(KindEnroll, raw)
	if err != nil {
		return "", EnrollTokenRecord{}, err
	}

	rec := EnrollTokenRecord{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		ExpiresAt: expiresAt,
		Note:      note,
		CreatedAt: time.Now().UTC(),
	}

	_, err = exec.ExecContext(ctx, `
		INSERT INTO enroll_tokens (id, tenant_id, token_hash, expires_at, note, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		rec.ID, rec.TenantID, hash, rec.ExpiresAt, rec.Note, rec.CreatedAt)
	if err != nil {
		return "", EnrollTokenRecord{}, fmt.Errorf("token: insert enroll token: %w", err)
	}
	return encoded, rec, nil
}

// VerifyEnrollToken looks up an enroll token by its raw value and
// reports its status without consuming it. The tenant id is recovered
// from the record so callers don't need to know it in advance.
func (s *Service) VerifyEnrollToken(ctx context.Context, raw string) (Status, *EnrollTokenRecord, error) {
	decoded, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(raw)
	if err != nil {
		return StatusNotFound, nil, nil
	}
	hash, err := s.digest(KindEnroll, decoded)
	if err != nil {
		return "", nil, err
	}

	var rec EnrollTokenRecord
	var expiresAt, usedAt, revokedAt sql.NullTime
	err = s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, expires_at, used_at, revoked_at, note, created_at
		FROM enroll_tokens WHERE token_hash = $1`, hash).
		Scan(&rec.ID, &rec.TenantID, &expiresAt, &usedAt, &revokedAt, &rec.Note, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return StatusNotFound, nil, nil
	}
	if err != nil {
		return "", nil, fmt.Errorf("token: lookup enroll token: %w", err)
	}
	rec.ExpiresAt = nullTimePtr(expiresAt)
	rec.UsedAt = nullTimePtr(usedAt)
	rec.RevokedAt = nullTimePtr(revokedAt)

	now := time.Now().UTC()
	switch {
	case rec.UsedAt != nil:
		return StatusUsed, &rec, nil
	case rec.RevokedAt != nil && !rec.RevokedAt.After(now):
		return StatusRevoked, &rec, nil
	case rec.ExpiresAt != nil && !rec.ExpiresAt.After(now):
		return StatusExpired, &rec, nil
	default:
		return StatusValid, &rec, nil
	}
}

// ConsumeEnrollToken stamps used_at exactly once via a conditional
// update; ok is false if the token was already used (spec §4.1).
// Callers run this inside the same transaction as the device creation
// it authorizes.
func (s *Service) ConsumeEnrollToken(ctx context.Context, exec dbtx.Queryer, tokenID string) (bool, error) {
	res, err := exec.ExecContext(ctx, `
		UPDATE enroll_tokens SET used_at = $1 WHERE id = $2 AND used_at IS NULL`,
		time.Now().UTC(), tokenID)
	if err != nil {
		return false, fmt.Errorf("token: consume enroll token: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// RevokeEnrollToken expires a token immediately (spec §4.1: "revoke
// sets expires_at := now").
func (s *Service) RevokeEnrollToken(ctx context.Context, tenantID, tokenID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE enroll_tokens SET expires_at = $1, revoked_at = $1
		WHERE id = $2 AND tenant_id = $3`, time.Now().UTC(), tokenID, tenantID)
	return err
}

// ListEnrollTokens returns enroll token metadata for a tenant, newest first.
func (s *Service) ListEnrollTokens(ctx context.Context, tenantID string, limit, offset int) ([]EnrollTokenRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, expires_at, used_at, revoked_at, note, created_at
		FROM enroll_tokens WHERE tenant_id = $1
		ORDER BY created_at DESC LIMIT $2 OFFSET $3`, tenantID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []EnrollTokenRecord
	for rows.Next() {
		var rec EnrollTokenRecord
		var expiresAt, usedAt, revokedAt sql.NullTime
		if err := rows.Scan(&rec.ID, &rec.TenantID, &expiresAt, &usedAt, &revokedAt, &rec.Note, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.ExpiresAt = nullTimePtr(expiresAt)
		rec.UsedAt = nullTimePtr(usedAt)
		rec.RevokedAt = nullTimePtr(revokedAt)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// RotateDeviceToken revokes the device's current active token (if any)
// and mints a new one, all via exec so the caller can fold this into
// the transaction holding the device row lock (spec §5).
func (s *Service) RotateDeviceToken(ctx context.Context, exec dbtx.Queryer, tenantID, deviceID string) (string, DeviceAuthTokenRecord, error) {
	if _, err := exec.ExecContext(ctx, `
		UPDATE device_auth_tokens SET revoked_at = $1
		WHERE device_id = $2 AND revoked_at IS NULL`, time.Now().UTC(), deviceID); err != nil {
		return "", DeviceAuthTokenRecord{}, fmt.Errorf("token: revoke previous device token: %w", err)
	}

	raw, encoded, err := generateRaw()
	if err != nil {
		return "", DeviceAuthTokenRecord{}, err
	}
	hash, err := s.digest(KindDevice, raw)
	if err != nil {
		return "", DeviceAuthTokenRecord{}, err
	}

	rec := DeviceAuthTokenRecord{
		ID:       uuid.New().String(),
		DeviceID: deviceID,
		TenantID: tenantID,
		Prefix:   encoded[:prefixLen],
		IssuedAt: time.Now().UTC(),
	}
	_, err = exec.ExecContext(ctx, `
		INSERT INTO device_auth_tokens (id, device_id, tenant_id, token_hash, prefix, issued_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		rec.ID, rec.DeviceID, rec.TenantID, hash, rec.Prefix, rec.IssuedAt)
	if err != nil {
		return "", DeviceAuthTokenRecord{}, fmt.Errorf("token: insert device token: %w", err)
	}
	return encoded, rec, nil
}

// RevokeActiveDeviceToken revokes whatever device token is currently
// un-revoked for deviceID, if any. Used by soft_delete (spec §4.2).
func (s *Service) RevokeActiveDeviceToken(ctx context.Context, exec dbtx.Queryer, deviceID string) error {
	_, err := exec.ExecContext(ctx, `
		UPDATE device_auth_tokens SET revoked_at = $1
		WHERE device_id = $2 AND revoked_at IS NULL`, time.Now().UTC(), deviceID)
	return err
}

// VerifyDeviceToken resolves a raw bearer token to its tenant, device
// and token id. It satisfies auth.DeviceTokenVerifier.
func (s *Service) VerifyDeviceToken(ctx context.Context, raw string) (tenantID, deviceID, tokenID string, err error) {
	decoded, decErr := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(raw)
	if decErr != nil {
		return "", "", "", errInvalid
	}
	hash, err := s.digest(KindDevice, decoded)
	if err != nil {
		return "", "", "", err
	}

	var rec DeviceAuthTokenRecord
	var revokedAt, lastUsedAt sql.NullTime
	err = s.db.QueryRowContext(ctx, `
		SELECT id, device_id, tenant_id, revoked_at, last_used_at
		FROM device_auth_tokens WHERE token_hash = $1`, hash).
		Scan(&rec.ID, &rec.DeviceID, &rec.TenantID, &revokedAt, &lastUsedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", "", errInvalid
	}
	if err != nil {
		return "", "", "", fmt.Errorf("token: lookup device token: %w", err)
	}
	if revokedAt.Valid {
		return "", "", "", errRevoked
	}

	var status string
	if scanErr := s.db.QueryRowContext(ctx, `SELECT status FROM devices WHERE id = $1`, rec.DeviceID).Scan(&status); scanErr != nil {
		return "", "", "", fmt.Errorf("token: lookup device status: %w", scanErr)
	}
	if status != "active" {
		return "", "", "", errDeviceInactive
	}

	return rec.TenantID, rec.DeviceID, rec.ID, nil
}

// TouchDeviceToken stamps last_used_at = now on a device token.
func (s *Service) TouchDeviceToken(ctx context.Context, exec dbtx.Queryer, tokenID string) error {
	_, err := exec.ExecContext(ctx, `UPDATE device_auth_tokens SET last_used_at = $1 WHERE id = $2`, time.Now().UTC(), tokenID)
	return err
}

// TouchDeviceTokenStandalone is TouchDeviceToken for callers outside any
// enclosing transaction, such as the report-ingest handler stamping
// last_used_at after the ingester's own transaction has committed
// (spec §4.4: "on successful ingest ... device_auth_token.last_used_at = now").
func (s *Service) TouchDeviceTokenStandalone(ctx context.Context, tokenID string) error {
	return s.TouchDeviceToken(ctx, s.db, tokenID)
}

// ListDeviceTokens returns the token history for a device (hashed, so
// only prefix/lifecycle timestamps are exposed — spec §6).
func (s *Service) ListDeviceTokens(ctx context.Context, tenantID, deviceID string) ([]DeviceAuthTokenRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, device_id, tenant_id, prefix, issued_at, revoked_at, last_used_at
		FROM device_auth_tokens WHERE tenant_id = $1 AND device_id = $2
		ORDER BY issued_at DESC`, tenantID, deviceID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []DeviceAuthTokenRecord
	for rows.Next() {
		var rec DeviceAuthTokenRecord
		var revokedAt, lastUsedAt sql.NullTime
		if err := rows.Scan(&rec.ID, &rec.DeviceID, &rec.TenantID, &rec.Prefix, &rec.IssuedAt, &revokedAt, &lastUsedAt); err != nil {
			return nil, err
		}
		rec.RevokedAt = nullTimePtr(revokedAt)
		rec.LastUsedAt = nullTimePtr(lastUsedAt)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func nullTimePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	return &t.Time
}

var (
	errInvalid        = api.NewError(api.KindAuthInvalid, "invalid or expired device token", nil)
	errRevoked        = api.NewError(api.KindAuthRevoked, "device token has been revoked", nil)
	errDeviceInactive = api.NewError(api.KindAuthDeviceInactive, "device is inactive", nil)
)
