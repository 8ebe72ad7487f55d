package httpapi

import (
	"net/http"
	"time"
)

type deviceView struct {
	ID           string            `json:"id"`
	DeviceKey    string            `json:"device_key"`
	Hostname     string            `json:"hostname"`
	OS           string            `json:"os"`
	OSVersion    string            `json:"os_version"`
	Arch         string            `json:"arch"`
	AgentVersion string            `json:"agent_version"`
	Tags         map[string]string `json:"tags"`
	Status       string            `json:"status"`
	LastSeenAt   *time.Time        `json:"last_seen_at,omitempty"`
	DeletedAt    *time.Time        `json:"deleted_at,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
}

// handleListDevices implements GET /api/v1/admin/devices.
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagingParams(r)
	devices, err := s.devices.List(r.Context(), principalTenant(r), limit, offset)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	out := make([]deviceView, len(devices))
	for i, d := range devices {
		out[i] = deviceView{
			ID: d.ID, DeviceKey: d.DeviceKey, Hostname: d.Hostname, OS: d.OS, OSVersion: d.OSVersion,
			Arch: d.Arch, AgentVersion: d.AgentVersion, Tags: d.Tags, Status: string(d.Status),
			LastSeenAt: d.LastSeenAt, DeletedAt: d.DeletedAt, CreatedAt: d.CreatedAt,
		}
	}
	writeJSON(w, http.StatusOK, out)
}

type debugResponse struct {
	Device           deviceView           `json:"device"`
	Assignments      []assignmentView     `json:"assignments"`
	EffectivePolicy  devicePolicyResponse `json:"effective_policy"`
	LastRun          *runView             `json:"last_run,omitempty"`
	LastRunItems     []runItemView        `json:"last_run_items,omitempty"`
}

// handleDeviceDebug implements GET /api/v1/admin/devices/{id}/debug.
func (s *Server) handleDeviceDebug(w http.ResponseWriter, r *http.Request) {
	tenantID := principalTenant(r)
	id := r.PathValue("id")

	dev, err := s.devices.Get(r.Context(), tenantID, id)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	assignments, err := s.assignments.ListForDevice(r.Context(), tenantID, id)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	result, err := s.compiler.Compile(r.Context(), tenantID, id)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	resp := debugResponse{
		Device: deviceView{
			ID: dev.ID, DeviceKey: dev.DeviceKey, Hostname: dev.Hostname, OS: dev.OS, OSVersion: dev.OSVersion,
			Arch: dev.Arch, AgentVersion: dev.AgentVersion, Tags: dev.Tags, Status: string(dev.Status),
			LastSeenAt: dev.LastSeenAt, DeletedAt: dev.DeletedAt, CreatedAt: dev.CreatedAt,
		},
		EffectivePolicy: devicePolicyResponse{Hash: result.Hash, Document: result.Document},
	}
	for _, a := range assignments {
		resp.Assignments = append(resp.Assignments, assignmentView{
			ID: a.ID, DeviceID: a.DeviceID, PolicyID: a.PolicyID, Priority: a.Priority, Mode: string(a.Mode), CreatedAt: a.CreatedAt,
		})
	}
	for _, c := range result.Conflicts {
		resp.EffectivePolicy.Conflicts = append(resp.EffectivePolicy.Conflicts, conflictView{
			Key:          resourceKeyView{Type: c.Key.Type, ID: c.Key.ID},
			WinnerPolicy: c.Winner.PolicyName,
			LoserPolicy:  c.Loser.PolicyName,
			Reason:       c.Reason,
		})
	}
	for _, sk := range result.Skipped {
		resp.EffectivePolicy.Skipped = append(resp.EffectivePolicy.Skipped, skippedView{AssignmentID: sk.AssignmentID, PolicyID: sk.PolicyID, Reason: sk.Reason})
	}

	lastRun, err := s.ingester.LastForDevice(r.Context(), tenantID, id)
	if err == nil {
		rv := toRunView(lastRun)
		resp.LastRun = &rv
		items, itemsErr := s.ingester.ListItems(r.Context(), lastRun.ID)
		if itemsErr == nil {
			for _, it := range items {
				resp.LastRunItems = append(resp.LastRunItems, toRunItemView(it))
			}
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleSoftDeleteDevice implements DELETE /api/v1/admin/devices/{id}.
func (s *Server) handleSoftDeleteDevice(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.devices.SoftDelete(r.Context(), actorContext(r), principalTenant(r), id); err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "inactive"})
}

type restoreResponse struct {
	DeviceToken string `json:"device_token"`
	Status      string `json:"status"`
}

// handleRestoreDevice implements POST /api/v1/admin/devices/{id}/restore.
func (s *Server) handleRestoreDevice(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	raw, dev, err := s.devices.Restore(r.Context(), actorContext(r), principalTenant(r), id)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, restoreResponse{DeviceToken: raw, Status: string(dev.Status)})
}

type revokeTokenResponse struct {
	DeviceToken string `json:"device_token"`
}

// handleRevokeDeviceToken implements POST /api/v1/admin/devices/{id}/revoke-token.
func (s *Server) handleRevokeDeviceToken(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	raw, err := s.devices.RevokeToken(r.Context(), actorContext(r), principalTenant(r), id)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, revokeTokenResponse{DeviceToken: raw})
}
