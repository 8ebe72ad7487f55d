package api_test

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/baseliner/baseliner/pkg/api"
)

func decodeError(t *testing.T, w *httptest.ResponseRecorder) api.Error {
	t.Helper()
	var env struct {
		Error api.Error `json:"error"`
	}
	if err := json.NewDecoder(w.Body).Decode(&env); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return env.Error
}

func TestWriteBadRequest_ContentType(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/policies", nil)
	w := httptest.NewRecorder()
	api.WriteBadRequest(w, req, "field is missing")

	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected Content-Type 'application/json', got %q", ct)
	}
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", w.Code)
	}

	got := decodeError(t, w)
	if got.Type != api.KindInputMalformed {
		t.Errorf("expected type %q, got %q", api.KindInputMalformed, got.Type)
	}
	if got.Message != "field is missing" {
		t.Errorf("expected message 'field is missing', got %q", got.Message)
	}
}

func TestWriteInternal_SanitizesError(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/runs", nil)
	w := httptest.NewRecorder()
	api.WriteInternal(w, req, errors.New("pq: connection refused to host=10.0.0.1"))

	got := decodeError(t, w)
	if got.Message == "pq: connection refused to host=10.0.0.1" {
		t.Error("internal error details leaked to client")
	}
	if got.Type != api.KindServerInternal {
		t.Errorf("expected type %q, got %q", api.KindServerInternal, got.Type)
	}
	if w.Code != http.StatusInternalServerError {
		t.Errorf("expected status 500, got %d", w.Code)
	}
}

func TestWriteTooManyRequests_RetryAfterHeader(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/device/reports", nil)
	w := httptest.NewRecorder()
	api.WriteTooManyRequests(w, req, 30)

	if ra := w.Header().Get("Retry-After"); ra != "30" {
		t.Errorf("expected Retry-After '30', got %q", ra)
	}
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("expected status 429, got %d", w.Code)
	}
	got := decodeError(t, w)
	if got.Type != api.KindRateLimited {
		t.Errorf("expected type %q, got %q", api.KindRateLimited, got.Type)
	}
}

func TestWriteUnauthorized_DefaultDetail(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/device/policy", nil)
	w := httptest.NewRecorder()
	api.WriteUnauthorized(w, req, api.KindAuthMissing, "")

	got := decodeError(t, w)
	if got.Message != "authentication required" {
		t.Errorf("expected default detail, got %q", got.Message)
	}
	if got.Type != api.KindAuthMissing {
		t.Errorf("expected type %q, got %q", api.KindAuthMissing, got.Type)
	}
}

func TestStatusFor_UnknownKindDefaultsInternal(t *testing.T) {
	if got := api.StatusFor(api.Kind("bogus.kind")); got != http.StatusInternalServerError {
		t.Errorf("expected 500 for unknown kind, got %d", got)
	}
}

func TestWriteForbidden_DeviceInactive(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/device/reports", nil)
	w := httptest.NewRecorder()
	api.WriteForbidden(w, req, api.KindAuthDeviceInactive, "device is inactive")

	if w.Code != http.StatusForbidden {
		t.Errorf("expected status 403, got %d", w.Code)
	}
	got := decodeError(t, w)
	if got.Type != api.KindAuthDeviceInactive {
		t.Errorf("expected type %q, got %q", api.KindAuthDeviceInactive, got.Type)
	}
}
