package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/baseliner/baseliner/pkg/runingest"
)

type runView struct {
	ID                  string          `json:"id"`
	DeviceID            string          `json:"device_id"`
	StartedAt           time.Time       `json:"started_at"`
	EndedAt             time.Time       `json:"ended_at"`
	Status              string          `json:"status"`
	AgentVersion        string          `json:"agent_version"`
	EffectivePolicyHash string          `json:"effective_policy_hash"`
	PolicySnapshot      json.RawMessage `json:"policy_snapshot"`
	Summary             json.RawMessage `json:"summary"`
	CorrelationID       *string         `json:"correlation_id,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
}

func toRunView(run runingest.Run) runView {
	return runView{
		ID: run.ID, DeviceID: run.DeviceID, StartedAt: run.StartedAt, EndedAt: run.EndedAt,
		Status: string(run.Status), AgentVersion: run.AgentVersion, EffectivePolicyHash: run.EffectivePolicyHash,
		PolicySnapshot: run.PolicySnapshot, Summary: run.Summary, CorrelationID: run.CorrelationID, CreatedAt: run.CreatedAt,
	}
}

type runItemView struct {
	Ordinal         int                  `json:"ordinal"`
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
	Error           *runingest.ItemError `json:"error,omitempty"`
}

func toRunItemView(item runingest.RunItem) runItemView {
	return runItemView{
		Ordinal: item.Ordinal, ResourceType: item.ResourceType, ResourceID: item.ResourceID, Name: item.Name,
		StatusDetect: item.StatusDetect, StatusRemediate: item.StatusRemediate, StatusValidate: item.StatusValidate,
		CompliantBefore: item.CompliantBefore, CompliantAfter: item.CompliantAfter, Changed: item.Changed,
		Evidence: item.Evidence, Error: item.Error,
	}
}

type logEventView struct {
	TS      time.Time       `json:"ts"`
	Level   string          `json:"level"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// handleListRuns implements GET /api/v1/admin/runs.
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagingParams(r)
	runs, err := s.ingester.List(r.Context(), principalTenant(r), limit, offset)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	out := make([]runView, len(runs))
	for i, run := range runs {
		out[i] = toRunView(run)
	}
	writeJSON(w, http.StatusOK, out)
}

type runDetailResponse struct {
	runView
	Items []runItemView  `json:"items"`
	Logs  []logEventView `json:"logs"`
}

// handleRunDetail implements GET /api/v1/admin/runs/{id}.
func (s *Server) handleRunDetail(w http.ResponseWriter, r *http.Request) {
	tenantID := principalTenant(r)
	id := r.PathValue("id")

	run, err := s.ingester.Get(r.Context(), tenantID, id)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	items, err := s.ingester.ListItems(r.Context(), run.ID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	logs, err := s.ingester.ListLogs(r.Context(), run.ID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	resp := runDetailResponse{runView: toRunView(run)}
	for _, it := range items {
		resp.Items = append(resp.Items, toRunItemView(it))
	}
	for _, l := range logs {
		resp.Logs = append(resp.Logs, logEventView{TS: l.TS, Level: l.Level, Message: l.Message, Data: l.Data})
	}
	writeJSON(w, http.StatusOK, resp)
}
