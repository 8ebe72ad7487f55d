// Package compiler merges a device's policy assignments into a single
// effective policy document (spec §4.3, the system's hardest part).
// Compilation is read-only and deterministic: the same assignment and
// policy snapshot always produces byte-identical output.
package compiler

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/baseliner/baseliner/pkg/api"
	"github.com/baseliner/baseliner/pkg/assignment"
	"github.com/baseliner/baseliner/pkg/canonicalize"
	"github.com/baseliner/baseliner/pkg/device"
	"github.com/baseliner/baseliner/pkg/observability"
	"github.com/baseliner/baseliner/pkg/policy"
)

// ResourceKey is the unit of conflict resolution: a (type, id) pair.
type ResourceKey struct {
	Type string
	ID   string
}

// Source identifies which assignment and policy contributed a resource.
type Source struct {
	AssignmentID string
	PolicyID     string
	PolicyName   string
	Priority     int
	Mode         assignment.Mode
}

// Conflict records a resource dropped because an earlier assignment in
// canonical order already claimed the same key.
type Conflict struct {
	Key    ResourceKey
	Winner Source
	Loser  Source
	Reason string
}

// Skipped records an assignment dropped because its policy is inactive
// or no longer exists.
type Skipped struct {
	AssignmentID string
	PolicyID     string
	Reason       string
}

// CompiledEffectivePolicy is the compiler's output (spec §4.3).
type CompiledEffectivePolicy struct {
	Document     map[string]any
	Hash         string
	SourcesByKey map[ResourceKey]Source
	ModeByKey    map[ResourceKey]assignment.Mode
	Conflicts    []Conflict
	Skipped      []Skipped
}

var (
	errDeviceNotFound = api.NewError(api.KindResourceNotFound, "device not found", nil)
	errTenantMismatch = api.NewError(api.KindResourceConflict, "device belongs to a different tenant", nil)
)

// Compiler wires the stores needed to resolve a device's effective
// policy. It never mutates state.
type Compiler struct {
	db          *sql.DB
	devices     *device.Registry
	policies    *policy.Store
	assignments *assignment.Store
	obs         *observability.Provider
}

// New builds a Compiler. db is used only to open the read-only,
// repeatable-read transaction Compile runs its reads inside (spec §5);
// the stores themselves still own their schema and their own
// standalone methods.
func New(db *sql.DB, devices *device.Registry, policies *policy.Store, assignments *assignment.Store, obs *observability.Provider) *Compiler {
	return &Compiler{db: db, devices: devices, policies: policies, assignments: assignments, obs: obs}
}

type policyDocument struct {
	Resources []map[string]any `json:"resources"`
}

// Compile resolves deviceID's effective policy (spec §4.3 steps 1-6).
// An empty assignment set (or one where every assignment's policy is
// inactive/absent) is not an error: it yields an empty document hashed
// like any other.
//
// The device, its assignments, and every referenced policy are read
// inside one repeatable-read transaction so the result reflects a
// single consistent snapshot (spec §5): a concurrent policy upsert or
// assignment change either is or isn't visible to this compile, never
// half of each.
func (c *Compiler) Compile(ctx context.Context, tenantID, deviceID string) (*CompiledEffectivePolicy, error) {
	ctx, finish := observability.TrackOperation(ctx, c.obs, "compile.effective_policy")
	var err error
	defer func() { finish(err) }()

	tx, beginErr := c.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if beginErr != nil {
		err = fmt.Errorf("compiler: begin snapshot tx: %w", beginErr)
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	dev, getErr := c.devices.GetAnyTx(ctx, tx, deviceID)
	if getErr != nil {
		err = errDeviceNotFound
		return nil, err
	}
	if dev.TenantID != tenantID {
		err = errTenantMismatch
		return nil, err
	}

	assignments, listErr := c.assignments.ListForDeviceTx(ctx, tx, tenantID, deviceID)
	if listErr != nil {
		err = fmt.Errorf("compiler: list assignments: %w", listErr)
		return nil, err
	}

	var inputs []resolvedAssignment
	var skipped []Skipped
	for _, a := range assignments {
		pol, polErr := c.policies.GetTx(ctx, tx, tenantID, a.PolicyID)
		if polErr != nil {
			skipped = append(skipped, Skipped{AssignmentID: a.ID, PolicyID: a.PolicyID, Reason: "policy_not_found"})
			continue
		}
		if !pol.IsActive {
			skipped = append(skipped, Skipped{AssignmentID: a.ID, PolicyID: a.PolicyID, Reason: "policy_inactive"})
			continue
		}

		var doc policyDocument
		if unmarshalErr := json.Unmarshal(pol.Document, &doc); unmarshalErr != nil {
			err = fmt.Errorf("compiler: unmarshal policy %s document: %w", pol.ID, unmarshalErr)
			return nil, err
		}
		inputs = append(inputs, resolvedAssignment{
			source:    Source{AssignmentID: a.ID, PolicyID: pol.ID, PolicyName: pol.Name, Priority: a.Priority, Mode: a.Mode},
			resources: doc.Resources,
			createdAt: a.CreatedAt,
		})
	}

	if commitErr := tx.Commit(); commitErr != nil {
		err = fmt.Errorf("compiler: commit snapshot tx: %w", commitErr)
		return nil, err
	}

	result, mergeErr := merge(inputs)
	if mergeErr != nil {
		err = fmt.Errorf("compiler: merge: %w", mergeErr)
		return nil, err
	}
	result.Skipped = skipped
	return result, nil
}

// resolvedAssignment is one canonically-ordered assignment with its
// policy's resources already loaded, ready for merge.
type resolvedAssignment struct {
	source    Source
	resources []map[string]any
	createdAt time.Time
}

// merge runs the pure, deterministic part of compilation (spec §4.3
// steps 2-5): callers must already have assignments in canonical
// order and active policies resolved. Separated from Compile so the
// merge/hash algorithm can be property-tested without a database.
func merge(inputs []resolvedAssignment) (*CompiledEffectivePolicy, error) {
	// Re-assert canonical order (priority ascending, then created_at
	// ascending, then assignment id lexicographic) here too, not just in
	// the SQL that feeds Compile: merge is also called directly by tests
	// and must be stable under permutation of tied assignments on its own
	// (spec.md §8 property 3).
	inputs = append([]resolvedAssignment(nil), inputs...)
	sort.SliceStable(inputs, func(i, j int) bool {
		if inputs[i].source.Priority != inputs[j].source.Priority {
			return inputs[i].source.Priority < inputs[j].source.Priority
		}
		if !inputs[i].createdAt.Equal(inputs[j].createdAt) {
			return inputs[i].createdAt.Before(inputs[j].createdAt)
		}
		return inputs[i].source.AssignmentID < inputs[j].source.AssignmentID
	})

	effective := map[ResourceKey]map[string]any{}
	var order []ResourceKey
	sources := map[ResourceKey]Source{}
	modes := map[ResourceKey]assignment.Mode{}
	var conflicts []Conflict

	for _, in := range inputs {
		for _, res := range in.resources {
			typ, _ := res["type"].(string)
			id, _ := res["id"].(string)
			key := ResourceKey{Type: typ, ID: id}

			if _, exists := effective[key]; exists {
				conflicts = append(conflicts, Conflict{
					Key:    key,
					Winner: sources[key],
					Loser:  in.source,
					Reason: "first-wins-by-priority",
				})
				continue
			}
			effective[key] = res
			order = append(order, key)
			sources[key] = in.source
			modes[key] = in.source.Mode
		}
	}

	resources := make([]map[string]any, 0, len(order))
	for _, key := range order {
		resources = append(resources, effective[key])
	}
	document := map[string]any{"resources": resources}

	hash, err := canonicalize.CanonicalHash(document)
	if err != nil {
		return nil, fmt.Errorf("hash document: %w", err)
	}

	return &CompiledEffectivePolicy{
		Document:     document,
		Hash:         hash,
		SourcesByKey: sources,
		ModeByKey:    modes,
		Conflicts:    conflicts,
	}, nil
}
