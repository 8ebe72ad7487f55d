package httpapi

import (
	"net/http"

	"github.com/baseliner/baseliner/pkg/api"
)

type pruneRequest struct {
	KeepDays          int  `json:"keep_days"`
	KeepRunsPerDevice int  `json:"keep_runs_per_device"`
	BatchSize         int  `json:"batch_size"`
	DryRun            bool `json:"dry_run"`
}

type pruneResponse struct {
	CandidateRunIDs []string `json:"candidate_run_ids"`
	RunsDeleted     int      `json:"runs_deleted"`
	ItemsDeleted    int      `json:"items_deleted"`
	LogsDeleted     int      `json:"logs_deleted"`
	DryRun          bool     `json:"dry_run"`
}

const (
	defaultKeepDays          = 90
	defaultKeepRunsPerDevice = 10
	defaultBatchSize         = 500
)

// handlePrune implements POST /api/v1/admin/maintenance/prune.
func (s *Server) handlePrune(w http.ResponseWriter, r *http.Request) {
	req := pruneRequest{KeepDays: defaultKeepDays, KeepRunsPerDevice: defaultKeepRunsPerDevice, BatchSize: defaultBatchSize}
	if err := decodeJSON(r, &req); err != nil {
		writeDomainError(w, r, err)
		return
	}
	if req.KeepDays <= 0 || req.KeepRunsPerDevice < 0 || req.BatchSize <= 0 {
		api.WriteBadRequest(w, r, "keep_days and batch_size must be positive, keep_runs_per_device must not be negative")
		return
	}

	plan, err := s.pruner.Prune(r.Context(), req.KeepDays, req.KeepRunsPerDevice, req.BatchSize, req.DryRun)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pruneResponse{
		CandidateRunIDs: plan.CandidateRunIDs, RunsDeleted: plan.RunsDeleted,
		ItemsDeleted: plan.ItemsDeleted, LogsDeleted: plan.LogsDeleted, DryRun: plan.DryRun,
	})
}
