// Package policy is the CRUD store for policy documents (spec §4.3's
// database of record). Upsert checks a document's resources[] shape
// against a JSON Schema; beyond that check, the compiler is the only
// reader that interprets a document's structure.
package policy

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/baseliner/baseliner/pkg/api"
	"github.com/baseliner/baseliner/pkg/audit"
	"github.com/baseliner/baseliner/pkg/dbtx"
)

// documentSchemaJSON is the minimal, extensible schema spec §4.3
// defines for policy.document: a list of resources, each a tagged
// variant on type carrying at least an id and a name. Type-specific
// fields stay opaque to this package; the compiler is the only reader
// that interprets them further.
const documentSchemaJSON = `{
	"type": "object",
	"required": ["resources"],
	"properties": {
		"resources": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["type", "id", "name"],
				"properties": {
					"type": {"type": "string", "minLength": 1},
					"id": {"type": "string", "minLength": 1},
					"name": {"type": "string"}
				}
			}
		}
	}
}`

var documentSchema = mustCompileDocumentSchema()

func mustCompileDocumentSchema() *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("policy-document.json", strings.NewReader(documentSchemaJSON)); err != nil {
		panic(fmt.Sprintf("policy: add document schema resource: %v", err))
	}
	schema, err := compiler.Compile("policy-document.json")
	if err != nil {
		panic(fmt.Sprintf("policy: compile document schema: %v", err))
	}
	return schema
}

// validateDocument checks document against the spec §4.3 resource
// schema, returning an api.Error with Kind input.schema on mismatch.
func validateDocument(document json.RawMessage) error {
	var v any
	if err := json.Unmarshal(document, &v); err != nil {
		return api.NewError(api.KindInputMalformed, "document is not valid JSON", nil)
	}
	if err := documentSchema.Validate(v); err != nil {
		return api.NewError(api.KindInputSchema, "document does not conform to the policy schema", err.Error())
	}
	return nil
}

// Policy is a named, versioned configuration document (spec §3).
type Policy struct {
	ID            string
	TenantID      string
	Name          string
	Description   string
	SchemaVersion string
	IsActive      bool
	Document      json.RawMessage
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

const schema = `
CREATE TABLE IF NOT EXISTS policies (
	id UUID PRIMARY KEY,
	tenant_id UUID NOT NULL,
	name TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	schema_version TEXT NOT NULL,
	is_active BOOLEAN NOT NULL DEFAULT true,
	document JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE UNIQUE INDEX IF NOT EXISTS policies_tenant_name_idx ON policies (tenant_id, name);
`

var errNotFound = api.NewError(api.KindResourceNotFound, "policy not found", nil)

// Store is the policy document store.
type Store struct {
	db    *sql.DB
	audit *audit.Log
}

// NewStore builds a Store.
func NewStore(db *sql.DB, auditLog *audit.Log) *Store {
	return &Store{db: db, audit: auditLog}
}

// Init creates the policies table if it does not already exist.
func (s *Store) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Upsert creates or updates a policy by (tenant_id, name) — the stable
// identity spec §3 names. schemaVersion must parse as semver and, for
// an existing policy, must not regress the stored version unless force
// is set: a device could already be relying on fields the newer
// version added, so a silent downgrade is rejected by default. The
// mutation and its audit row commit in the same transaction (spec
// §4.6, testable property 7).
func (s *Store) Upsert(ctx context.Context, actorCtx audit.Context, tenantID, name, description, schemaVersion string, document json.RawMessage, isActive, force bool) (Policy, error) {
	newVersion, err := semver.NewVersion(schemaVersion)
	if err != nil {
		return Policy{}, api.NewError(api.KindInputMalformed, fmt.Sprintf("schema_version %q is not valid semver", schemaVersion), nil)
	}
	if err := validateDocument(document); err != nil {
		return Policy{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Policy{}, fmt.Errorf("policy: begin upsert tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var before *Policy
	existing, err := scanOne(tx.QueryRowContext(ctx, `
		SELECT id, tenant_id, name, description, schema_version, is_active, document, created_at, updated_at
		FROM policies WHERE tenant_id = $1 AND name = $2`, tenantID, name))
	if err == nil {
		before = &existing
	} else if !errors.Is(err, sql.ErrNoRows) {
		return Policy{}, fmt.Errorf("policy: upsert: read existing: %w", err)
	}

	if before != nil && !force {
		oldVersion, verErr := semver.NewVersion(before.SchemaVersion)
		if verErr == nil && newVersion.LessThan(oldVersion) {
			return Policy{}, api.NewError(api.KindResourceConflict, fmt.Sprintf("schema_version %s regresses stored version %s; set force to override", schemaVersion, before.SchemaVersion), nil)
		}
	}

	now := time.Now().UTC()
	p, err := scanOne(tx.QueryRowContext(ctx, `
		INSERT INTO policies (id, tenant_id, name, description, schema_version, is_active, document, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		ON CONFLICT (tenant_id, name) DO UPDATE SET
			description = EXCLUDED.description,
			schema_version = EXCLUDED.schema_version,
			is_active = EXCLUDED.is_active,
			document = EXCLUDED.document,
			updated_at = EXCLUDED.updated_at
		RETURNING id, tenant_id, name, description, schema_version, is_active, document, created_at, updated_at`,
		uuid.New().String(), tenantID, name, description, schemaVersion, isActive, []byte(document), now))
	if err != nil {
		return Policy{}, fmt.Errorf("policy: upsert: %w", err)
	}

	if _, err := s.audit.Append(ctx, tx, tenantID, actorCtx.Actor, "policy.upsert", "policy", p.ID, before, p, actorCtx.CorrelationID); err != nil {
		return Policy{}, fmt.Errorf("policy: audit upsert: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Policy{}, fmt.Errorf("policy: commit upsert tx: %w", err)
	}
	return p, nil
}

func scanOne(row *sql.Row) (Policy, error) {
	var p Policy
	err := row.Scan(&p.ID, &p.TenantID, &p.Name, &p.Description, &p.SchemaVersion, &p.IsActive, &p.Document, &p.CreatedAt, &p.UpdatedAt)
	return p, err
}

// Get fetches one policy by id within a tenant.
func (s *Store) Get(ctx context.Context, tenantID, id string) (Policy, error) {
	return s.GetTx(ctx, s.db, tenantID, id)
}

// GetTx is Get against exec, so a caller holding its own transaction
// (the compiler's repeatable-read snapshot, spec §5) reads the policy
// document as part of that snapshot.
func (s *Store) GetTx(ctx context.Context, exec dbtx.Queryer, tenantID, id string) (Policy, error) {
	var p Policy
	err := exec.QueryRowContext(ctx, `
		SELECT id, tenant_id, name, description, schema_version, is_active, document, created_at, updated_at
		FROM policies WHERE tenant_id = $1 AND id = $2`, tenantID, id).
		Scan(&p.ID, &p.TenantID, &p.Name, &p.Description, &p.SchemaVersion, &p.IsActive, &p.Document, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Policy{}, errNotFound
	}
	if err != nil {
		return Policy{}, fmt.Errorf("policy: get: %w", err)
	}
	return p, nil
}

// GetByName fetches one policy by its stable name within a tenant.
func (s *Store) GetByName(ctx context.Context, tenantID, name string) (Policy, error) {
	var p Policy
	err := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, name, description, schema_version, is_active, document, created_at, updated_at
		FROM policies WHERE tenant_id = $1 AND name = $2`, tenantID, name).
		Scan(&p.ID, &p.TenantID, &p.Name, &p.Description, &p.SchemaVersion, &p.IsActive, &p.Document, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Policy{}, errNotFound
	}
	if err != nil {
		return Policy{}, fmt.Errorf("policy: get by name: %w", err)
	}
	return p, nil
}

// List returns a page of policies for a tenant, newest first.
func (s *Store) List(ctx context.Context, tenantID string, limit, offset int) ([]Policy, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, name, description, schema_version, is_active, document, created_at, updated_at
		FROM policies WHERE tenant_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`, tenantID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("policy: list: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Policy
	for rows.Next() {
		var p Policy
		if err := rows.Scan(&p.ID, &p.TenantID, &p.Name, &p.Description, &p.SchemaVersion, &p.IsActive, &p.Document, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("policy: scan list row: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// SetActive flips is_active, the flag the compiler's "active policies
// only" filter reads (spec §4.3 step 1).
func (s *Store) SetActive(ctx context.Context, tenantID, id string, isActive bool) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE policies SET is_active = $1, updated_at = $2 WHERE tenant_id = $3 AND id = $4`,
		isActive, time.Now().UTC(), tenantID, id)
	if err != nil {
		return fmt.Errorf("policy: set_active: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return errNotFound
	}
	return nil
}

// Delete removes a policy outright. Callers are responsible for
// deciding whether dangling assignments are acceptable (the compiler
// silently skips assignments referencing an absent policy).
func (s *Store) Delete(ctx context.Context, tenantID, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM policies WHERE tenant_id = $1 AND id = $2`, tenantID, id)
	if err != nil {
		return fmt.Errorf("policy: delete: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return errNotFound
	}
	return nil
}
