package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/baseliner/baseliner/pkg/api"
)

type upsertPolicyRequest struct {
	Name          string          `json:"name"`
	Description   string          `json:"description"`
	SchemaVersion string          `json:"schema_version"`
	Document      json.RawMessage `json:"document"`
	IsActive      bool            `json:"is_active"`
	Force         bool            `json:"force"`
}

type policyView struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	Description   string          `json:"description"`
	SchemaVersion string          `json:"schema_version"`
	IsActive      bool            `json:"is_active"`
	Document      json.RawMessage `json:"document"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// handleUpsertPolicy implements POST /api/v1/admin/policies.
func (s *Server) handleUpsertPolicy(w http.ResponseWriter, r *http.Request) {
	var req upsertPolicyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDomainError(w, r, err)
		return
	}
	if req.Name == "" {
		api.WriteBadRequest(w, r, "name is required")
		return
	}

	p, err := s.policies.Upsert(r.Context(), actorContext(r), principalTenant(r), req.Name, req.Description, req.SchemaVersion, req.Document, req.IsActive, req.Force)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, policyView{
		ID: p.ID, Name: p.Name, Description: p.Description, SchemaVersion: p.SchemaVersion,
		IsActive: p.IsActive, Document: p.Document, CreatedAt: p.CreatedAt, UpdatedAt: p.UpdatedAt,
	})
}

// handleListPolicies implements GET /api/v1/admin/policies.
func (s *Server) handleListPolicies(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagingParams(r)
	policies, err := s.policies.List(r.Context(), principalTenant(r), limit, offset)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	out := make([]policyView, len(policies))
	for i, p := range policies {
		out[i] = policyView{
			ID: p.ID, Name: p.Name, Description: p.Description, SchemaVersion: p.SchemaVersion,
			IsActive: p.IsActive, Document: p.Document, CreatedAt: p.CreatedAt, UpdatedAt: p.UpdatedAt,
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// handleGetPolicy implements GET /api/v1/admin/policies/{id}.
func (s *Server) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	p, err := s.policies.Get(r.Context(), principalTenant(r), id)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, policyView{
		ID: p.ID, Name: p.Name, Description: p.Description, SchemaVersion: p.SchemaVersion,
		IsActive: p.IsActive, Document: p.Document, CreatedAt: p.CreatedAt, UpdatedAt: p.UpdatedAt,
	})
}
