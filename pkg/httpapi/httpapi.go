// Package httpapi wires every store and service package into the HTTP
// surface of spec §4.5: route dispatch, the middleware stack (request
// id, body-size cap, rate limiting, authentication), and the handlers
// that translate requests into calls on the domain packages.
package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/baseliner/baseliner/pkg/api"
	"github.com/baseliner/baseliner/pkg/assignment"
	"github.com/baseliner/baseliner/pkg/audit"
	"github.com/baseliner/baseliner/pkg/auth"
	"github.com/baseliner/baseliner/pkg/compiler"
	"github.com/baseliner/baseliner/pkg/config"
	"github.com/baseliner/baseliner/pkg/device"
	"github.com/baseliner/baseliner/pkg/maintenance"
	"github.com/baseliner/baseliner/pkg/observability"
	"github.com/baseliner/baseliner/pkg/policy"
	"github.com/baseliner/baseliner/pkg/ratelimit"
	"github.com/baseliner/baseliner/pkg/runingest"
	"github.com/baseliner/baseliner/pkg/token"
)

// reportsPath is the one route whose size cap, timeout and rate-limit
// policy differ from the defaults (spec §4.4, §4.5).
const reportsPath = "/api/v1/device/reports"

// Server holds every dependency a handler needs. It has no state of
// its own beyond its collaborators.
type Server struct {
	cfg         *config.Config
	db          *sql.DB
	devices     *device.Registry
	policies    *policy.Store
	assignments *assignment.Store
	tokens      *token.Service
	compiler    *compiler.Compiler
	ingester    *runingest.Ingester
	pruner      *maintenance.Pruner
	auditLog    *audit.Log
	limiter     *ratelimit.Limiter
	obs         *observability.Provider
}

// New builds a Server from its collaborators.
func New(
	cfg *config.Config,
	db *sql.DB,
	devices *device.Registry,
	policies *policy.Store,
	assignments *assignment.Store,
	tokens *token.Service,
	comp *compiler.Compiler,
	ingester *runingest.Ingester,
	pruner *maintenance.Pruner,
	auditLog *audit.Log,
	limiter *ratelimit.Limiter,
	obs *observability.Provider,
) *Server {
	return &Server{
		cfg:         cfg,
		db:          db,
		devices:     devices,
		policies:    policies,
		assignments: assignments,
		tokens:      tokens,
		compiler:    comp,
		ingester:    ingester,
		pruner:      pruner,
		auditLog:    auditLog,
		limiter:     limiter,
		obs:         obs,
	}
}

// Handler builds the full route tree wrapped in the spec §4.5
// middleware stack, outermost first: CORS, correlation id, per-route
// size cap + deadline, rate limiter, authenticator. The authenticator
// also resolves the tenant (from X-Tenant-ID for admins, from the
// token for devices) by attaching a Principal to the context.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("POST /api/v1/enroll", s.handleEnroll)
	mux.HandleFunc("GET /api/v1/device/policy", s.handleDevicePolicy)
	mux.HandleFunc("POST "+reportsPath, s.handleDeviceReports)

	mux.HandleFunc("POST /api/v1/admin/enroll-tokens", s.handleMintEnrollToken)
	mux.HandleFunc("GET /api/v1/admin/enroll-tokens", s.handleListEnrollTokens)
	mux.HandleFunc("POST /api/v1/admin/enroll-tokens/{id}/revoke", s.handleRevokeEnrollToken)

	mux.HandleFunc("GET /api/v1/admin/devices", s.handleListDevices)
	mux.HandleFunc("GET /api/v1/admin/devices/{id}/debug", s.handleDeviceDebug)
	mux.HandleFunc("DELETE /api/v1/admin/devices/{id}", s.handleSoftDeleteDevice)
	mux.HandleFunc("POST /api/v1/admin/devices/{id}/restore", s.handleRestoreDevice)
	mux.HandleFunc("POST /api/v1/admin/devices/{id}/revoke-token", s.handleRevokeDeviceToken)
	mux.HandleFunc("GET /api/v1/admin/devices/{id}/tokens", s.handleListDeviceTokens)

	mux.HandleFunc("POST /api/v1/admin/policies", s.handleUpsertPolicy)
	mux.HandleFunc("GET /api/v1/admin/policies", s.handleListPolicies)
	mux.HandleFunc("GET /api/v1/admin/policies/{id}", s.handleGetPolicy)

	mux.HandleFunc("POST /api/v1/admin/assign-policy", s.handleCreateAssignment)
	mux.HandleFunc("GET /api/v1/admin/devices/{id}/assignments", s.handleListAssignments)
	mux.HandleFunc("DELETE /api/v1/admin/devices/{id}/assignments", s.handleClearAssignments)
	mux.HandleFunc("DELETE /api/v1/admin/devices/{id}/assignments/{policy_id}", s.handleRemoveAssignment)

	mux.HandleFunc("GET /api/v1/admin/runs", s.handleListRuns)
	mux.HandleFunc("GET /api/v1/admin/runs/{id}", s.handleRunDetail)

	mux.HandleFunc("GET /api/v1/admin/audit", s.handleListAudit)

	mux.HandleFunc("POST /api/v1/admin/maintenance/prune", s.handlePrune)

	var h http.Handler = mux
	h = auth.NewAuthenticator(s.cfg.AdminKey, s.tokens)(h)
	h = s.rateLimitMiddleware(h)
	h = s.perRouteLimitsMiddleware(h)
	h = auth.CorrelationIDMiddleware(h)
	h = auth.CORSMiddleware(nil)(h)
	return h
}

// perRouteLimitsMiddleware applies the body-size cap and request
// deadline of spec §4.4/§5: the reports endpoint gets the larger body
// ceiling and the longer timeout; every other route gets the default
// pair.
func (s *Server) perRouteLimitsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		maxBytes := s.cfg.MaxRequestBodyBytesDefault
		timeoutSeconds := s.cfg.RequestTimeoutDefaultSeconds
		if r.URL.Path == reportsPath {
			maxBytes = s.cfg.MaxRequestBodyBytesDeviceReports
			timeoutSeconds = s.cfg.RequestTimeoutReportsSeconds
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxBytes)

		ctx, cancel := context.WithTimeout(r.Context(), time.Duration(timeoutSeconds)*time.Second)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// rateLimitMiddleware applies the token-bucket limiter of spec §4.5,
// keyed first by device identity then by source IP. The device
// identity isn't verified yet at this point in the stack (authentication
// runs after rate limiting), so the raw bearer token is used as a
// stable per-device key; an invalid token still consumes its own
// bucket rather than falling back to the IP bucket, keeping one bad
// client from exhausting every other client's IP-keyed allowance.
func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter == nil || !s.cfg.RateLimitEnabled {
			next.ServeHTTP(w, r)
			return
		}

		deviceKey := bearerToken(r)
		ok, retryAfter, err := s.limiter.Allow(r.Context(), deviceKey, sourceIP(r))
		if err != nil {
			api.WriteInternal(w, r, fmt.Errorf("rate limit check: %w", err))
			return
		}
		if !ok {
			api.WriteTooManyRequests(w, r, int(retryAfter.Seconds()))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return ""
}

func sourceIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	return r.RemoteAddr
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeJSON decodes the request body into v, translating a body that
// exceeded the MaxBytesReader cap or malformed JSON into the matching
// domain error.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return api.NewError(api.KindInputTooLarge, "request body exceeds the configured size limit", nil)
		}
		return api.NewError(api.KindInputMalformed, fmt.Sprintf("invalid JSON body: %v", err), nil)
	}
	return nil
}

// pagingParams reads limit/offset query parameters, defaulting and
// clamping limit the way every List endpoint expects.
func pagingParams(r *http.Request) (limit, offset int) {
	limit = 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 500 {
		limit = 500
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}

// principalTenant resolves the authenticated caller's tenant, set by
// the authenticator middleware (spec §4.5's tenant resolver step).
func principalTenant(r *http.Request) string {
	return auth.MustGetTenantID(r.Context())
}

// actorContext builds the audit.Context admin mutation handlers thread
// through to their store call (spec §9: pass AuditContext through the
// call chain rather than ambient state).
func actorContext(r *http.Request) audit.Context {
	return audit.Context{Actor: audit.ActorAdmin, CorrelationID: auth.GetCorrelationID(r.Context())}
}

// writeDomainError maps a returned error to its HTTP response,
// treating a timed-out context specially since database calls wrap
// context.DeadlineExceeded rather than returning an *api.Error for it
// (spec §5: "on deadline exceeded ... returns 504").
func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, context.DeadlineExceeded) {
		api.WriteTimeout(w, r)
		return
	}
	api.WriteError(w, r, err)
}
