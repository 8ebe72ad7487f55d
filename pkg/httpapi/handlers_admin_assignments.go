package httpapi

import (
	"net/http"
	"time"

	"github.com/baseliner/baseliner/pkg/api"
	"github.com/baseliner/baseliner/pkg/assignment"
)

type assignmentView struct {
	ID        string    `json:"id"`
	DeviceID  string    `json:"device_id"`
	PolicyID  string    `json:"policy_id"`
	Priority  int       `json:"priority"`
	Mode      string    `json:"mode"`
	CreatedAt time.Time `json:"created_at"`
}

type createAssignmentRequest struct {
	DeviceID string `json:"device_id"`
	PolicyID string `json:"policy_id"`
	Priority int    `json:"priority"`
	Mode     string `json:"mode"`
}

const defaultAssignmentPriority = 100

// handleCreateAssignment implements POST /api/v1/admin/assign-policy.
func (s *Server) handleCreateAssignment(w http.ResponseWriter, r *http.Request) {
	var req createAssignmentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDomainError(w, r, err)
		return
	}
	if req.DeviceID == "" || req.PolicyID == "" {
		api.WriteBadRequest(w, r, "device_id and policy_id are required")
		return
	}

	mode := assignment.Mode(req.Mode)
	if mode == "" {
		mode = assignment.ModeEnforce
	}
	if mode != assignment.ModeEnforce && mode != assignment.ModeAudit {
		api.WriteBadRequest(w, r, "mode must be \"enforce\" or \"audit\"")
		return
	}
	priority := req.Priority
	if priority == 0 {
		priority = defaultAssignmentPriority
	}

	a, err := s.assignments.Create(r.Context(), actorContext(r), principalTenant(r), req.DeviceID, req.PolicyID, priority, mode)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, assignmentView{ID: a.ID, DeviceID: a.DeviceID, PolicyID: a.PolicyID, Priority: a.Priority, Mode: string(a.Mode), CreatedAt: a.CreatedAt})
}

// handleListAssignments implements GET /api/v1/admin/devices/{id}/assignments.
func (s *Server) handleListAssignments(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("id")
	assignments, err := s.assignments.ListForDevice(r.Context(), principalTenant(r), deviceID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	out := make([]assignmentView, len(assignments))
	for i, a := range assignments {
		out[i] = assignmentView{ID: a.ID, DeviceID: a.DeviceID, PolicyID: a.PolicyID, Priority: a.Priority, Mode: string(a.Mode), CreatedAt: a.CreatedAt}
	}
	writeJSON(w, http.StatusOK, out)
}

// handleClearAssignments implements DELETE /api/v1/admin/devices/{id}/assignments.
func (s *Server) handleClearAssignments(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("id")
	if err := s.assignments.DeleteAllForDevice(r.Context(), actorContext(r), principalTenant(r), deviceID); err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

// handleRemoveAssignment implements DELETE
// /api/v1/admin/devices/{id}/assignments/{policy_id}. The path names
// the device and policy; the first assignment row matching that pair
// within the tenant, in canonical order, is the one removed.
func (s *Server) handleRemoveAssignment(w http.ResponseWriter, r *http.Request) {
	tenantID := principalTenant(r)
	deviceID := r.PathValue("id")
	policyID := r.PathValue("policy_id")

	assignments, err := s.assignments.ListForDevice(r.Context(), tenantID, deviceID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	var target *assignment.Assignment
	for i := range assignments {
		if assignments[i].PolicyID == policyID {
			target = &assignments[i]
			break
		}
	}
	if target == nil {
		api.WriteNotFound(w, r, "no assignment for that device and policy")
		return
	}

	if err := s.assignments.DeleteOne(r.Context(), actorContext(r), tenantID, target.ID); err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}
