package httpapi

import (
	"net/http"
	"time"
)

type mintEnrollTokenRequest struct {
	Note      string     `json:"note"`
	ExpiresAt *time.Time `json:"expires_at"`
}

type mintEnrollTokenResponse struct {
	ID           string     `json:"id"`
	EnrollToken  string     `json:"enroll_token"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	Note         string     `json:"note"`
	CreatedAt    time.Time  `json:"created_at"`
}

// handleMintEnrollToken implements POST /api/v1/admin/enroll-tokens.
func (s *Server) handleMintEnrollToken(w http.ResponseWriter, r *http.Request) {
	var req mintEnrollTokenRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDomainError(w, r, err)
		return
	}

	raw, rec, err := s.tokens.MintEnrollToken(r.Context(), s.db, principalTenant(r), req.Note, req.ExpiresAt)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, mintEnrollTokenResponse{
		ID:          rec.ID,
		EnrollToken: raw,
		ExpiresAt:   rec.ExpiresAt,
		Note:        rec.Note,
		CreatedAt:   rec.CreatedAt,
	})
}

type enrollTokenView struct {
	ID        string     `json:"id"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	UsedAt    *time.Time `json:"used_at,omitempty"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
	Note      string     `json:"note"`
	CreatedAt time.Time  `json:"created_at"`
}

// handleListEnrollTokens implements GET /api/v1/admin/enroll-tokens.
func (s *Server) handleListEnrollTokens(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagingParams(r)
	recs, err := s.tokens.ListEnrollTokens(r.Context(), principalTenant(r), limit, offset)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	out := make([]enrollTokenView, len(recs))
	for i, rec := range recs {
		out[i] = enrollTokenView{ID: rec.ID, ExpiresAt: rec.ExpiresAt, UsedAt: rec.UsedAt, RevokedAt: rec.RevokedAt, Note: rec.Note, CreatedAt: rec.CreatedAt}
	}
	writeJSON(w, http.StatusOK, out)
}

// handleRevokeEnrollToken implements POST /api/v1/admin/enroll-tokens/{id}/revoke.
func (s *Server) handleRevokeEnrollToken(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.tokens.RevokeEnrollToken(r.Context(), principalTenant(r), id); err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

// handleListDeviceTokens implements GET /api/v1/admin/devices/{id}/tokens.
func (s *Server) handleListDeviceTokens(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("id")
	recs, err := s.tokens.ListDeviceTokens(r.Context(), principalTenant(r), deviceID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	type tokenHistoryView struct {
		ID         string     `json:"id"`
		Prefix     string     `json:"prefix"`
		IssuedAt   time.Time  `json:"issued_at"`
		RevokedAt  *time.Time `json:"revoked_at,omitempty"`
		LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	}
	out := make([]tokenHistoryView, len(recs))
	for i, rec := range recs {
		out[i] = tokenHistoryView{ID: rec.ID, Prefix: rec.Prefix, IssuedAt: rec.IssuedAt, RevokedAt: rec.RevokedAt, LastUsedAt: rec.LastUsedAt}
	}
	writeJSON(w, http.StatusOK, out)
}
