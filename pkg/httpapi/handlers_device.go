package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/baseliner/baseliner/pkg/api"
	"github.com/baseliner/baseliner/pkg/auth"
	"github.com/baseliner/baseliner/pkg/device"
	"github.com/baseliner/baseliner/pkg/runingest"
)

type enrollRequest struct {
	EnrollToken  string            `json:"enroll_token"`
	DeviceKey    string            `json:"device_key"`
	Hostname     string            `json:"hostname"`
	OS           string            `json:"os"`
	OSVersion    string            `json:"os_version"`
	Arch         string            `json:"arch"`
	AgentVersion string            `json:"agent_version"`
	Tags         map[string]string `json:"tags"`
}

type enrollResponse struct {
	DeviceID     string `json:"device_id"`
	DeviceToken  string `json:"device_token"`
	Status       string `json:"status"`
}

// handleEnroll implements POST /api/v1/enroll (spec §4.1, §4.2).
func (s *Server) handleEnroll(w http.ResponseWriter, r *http.Request) {
	var req enrollRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDomainError(w, r, err)
		return
	}
	if req.EnrollToken == "" || req.DeviceKey == "" {
		api.WriteBadRequest(w, r, "enroll_token and device_key are required")
		return
	}

	raw, dev, err := s.devices.Enroll(r.Context(), req.EnrollToken, req.DeviceKey, device.Metadata{
		Hostname:     req.Hostname,
		OS:           req.OS,
		OSVersion:    req.OSVersion,
		Arch:         req.Arch,
		AgentVersion: req.AgentVersion,
		Tags:         req.Tags,
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, enrollResponse{DeviceID: dev.ID, DeviceToken: raw, Status: string(dev.Status)})
}

type devicePolicyResponse struct {
	Hash      string           `json:"hash"`
	Document  map[string]any   `json:"document"`
	Conflicts []conflictView   `json:"conflicts"`
	Skipped   []skippedView    `json:"skipped"`
}

type conflictView struct {
	Key          resourceKeyView `json:"key"`
	WinnerPolicy string          `json:"winner_policy"`
	LoserPolicy  string          `json:"loser_policy"`
	Reason       string          `json:"reason"`
}

type skippedView struct {
	AssignmentID string `json:"assignment_id"`
	PolicyID     string `json:"policy_id"`
	Reason       string `json:"reason"`
}

type resourceKeyView struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// handleDevicePolicy implements GET /api/v1/device/policy (spec §4.3).
func (s *Server) handleDevicePolicy(w http.ResponseWriter, r *http.Request) {
	p, err := auth.GetPrincipal(r.Context())
	if err != nil || !p.IsDevice() {
		api.WriteUnauthorized(w, r, api.KindAuthMissing, "device authentication required")
		return
	}

	result, err := s.compiler.Compile(r.Context(), p.TenantID, p.DeviceID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	resp := devicePolicyResponse{Hash: result.Hash, Document: result.Document}
	for _, c := range result.Conflicts {
		resp.Conflicts = append(resp.Conflicts, conflictView{
			Key:          resourceKeyView{Type: c.Key.Type, ID: c.Key.ID},
			WinnerPolicy: c.Winner.PolicyName,
			LoserPolicy:  c.Loser.PolicyName,
			Reason:       c.Reason,
		})
	}
	for _, sk := range result.Skipped {
		resp.Skipped = append(resp.Skipped, skippedView{AssignmentID: sk.AssignmentID, PolicyID: sk.PolicyID, Reason: sk.Reason})
	}
	writeJSON(w, http.StatusOK, resp)
}

type reportItemRequest struct {
	ResourceType    string               `json:"resource_type"`
	ResourceID      string               `json:"resource_id"`
	Name            string               `json:"name"`
	StatusDetect    string               `json:"status_detect"`
	StatusRemediate string               `json:"status_remediate"`
	StatusValidate  string               `json:"status_validate"`
	CompliantBefore bool                 `json:"compliant_before"`
	CompliantAfter  bool                 `json:"compliant_after"`
	Changed         bool                 `json:"changed"`
	Evidence        json.RawMessage      `json:"evidence"`
	Error           *runingest.ItemError `json:"error"`
}

type reportLogRequest struct {
	TS      time.Time       `json:"ts"`
	Level   string          `json:"level"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type reportRequest struct {
	StartedAt           time.Time           `json:"started_at"`
	EndedAt             time.Time           `json:"ended_at"`
	Status              runingest.Status    `json:"status"`
	AgentVersion        string              `json:"agent_version"`
	EffectivePolicyHash string              `json:"effective_policy_hash"`
	PolicySnapshot      json.RawMessage     `json:"policy_snapshot"`
	Summary             json.RawMessage     `json:"summary"`
	Items               []reportItemRequest `json:"items"`
	Logs                []reportLogRequest  `json:"logs"`
	CorrelationID       string              `json:"correlation_id"`
}

type reportResponse struct {
	RunID string `json:"run_id"`
}

// handleDeviceReports implements POST /api/v1/device/reports (spec §4.4).
func (s *Server) handleDeviceReports(w http.ResponseWriter, r *http.Request) {
	p, err := auth.GetPrincipal(r.Context())
	if err != nil || !p.IsDevice() {
		api.WriteUnauthorized(w, r, api.KindAuthMissing, "device authentication required")
		return
	}

	var req reportRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDomainError(w, r, err)
		return
	}

	correlationID := req.CorrelationID
	if correlationID == "" {
		correlationID = auth.GetCorrelationID(r.Context())
	}

	items := make([]runingest.ItemInput, len(req.Items))
	for i, it := range req.Items {
		items[i] = runingest.ItemInput{
			ResourceType:    it.ResourceType,
			ResourceID:      it.ResourceID,
			Name:            it.Name,
			StatusDetect:    it.StatusDetect,
			StatusRemediate: it.StatusRemediate,
			StatusValidate:  it.StatusValidate,
			CompliantBefore: it.CompliantBefore,
			CompliantAfter:  it.CompliantAfter,
			Changed:         it.Changed,
			Evidence:        it.Evidence,
			Error:           it.Error,
		}
	}
	logs := make([]runingest.LogInput, len(req.Logs))
	for i, l := range req.Logs {
		logs[i] = runingest.LogInput{TS: l.TS, Level: l.Level, Message: l.Message, Data: l.Data}
	}

	runID, created, err := s.ingester.Ingest(r.Context(), p.TenantID, p.DeviceID, runingest.ReportInput{
		StartedAt:           req.StartedAt,
		EndedAt:             req.EndedAt,
		Status:              req.Status,
		AgentVersion:        req.AgentVersion,
		EffectivePolicyHash: req.EffectivePolicyHash,
		PolicySnapshot:      req.PolicySnapshot,
		Summary:             req.Summary,
		Items:               items,
		Logs:                logs,
		CorrelationID:       correlationID,
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	if created {
		if err := s.devices.TouchLastSeen(r.Context(), p.DeviceID); err != nil {
			api.WriteInternal(w, r, err)
			return
		}
		if err := s.tokens.TouchDeviceTokenStandalone(r.Context(), p.DeviceAuthTokenID); err != nil {
			api.WriteInternal(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, reportResponse{RunID: runID})
		return
	}
	writeJSON(w, http.StatusOK, reportResponse{RunID: runID})
}
