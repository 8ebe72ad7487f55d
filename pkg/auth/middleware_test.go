package auth_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/baseliner/baseliner/pkg/api"
	"github.com/baseliner/baseliner/pkg/auth"
	"github.com/stretchr/testify/assert"
)

type fakeVerifier struct {
	tenantID, deviceID, tokenID string
	err                         error
}

func (f fakeVerifier) VerifyDeviceToken(ctx context.Context, raw string) (string, string, string, error) {
	if f.err != nil {
		return "", "", "", f.err
	}
	return f.tenantID, f.deviceID, f.tokenID, nil
}

func TestAuthenticator_AdminKeyRequired(t *testing.T) {
	mw := auth.NewAuthenticator("s3cr3t", nil)
	h := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/devices", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuthenticator_AdminKeyValid(t *testing.T) {
	mw := auth.NewAuthenticator("s3cr3t", nil)
	var gotTenant string
	h := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, _ := auth.GetPrincipal(r.Context())
		gotTenant = p.TenantID
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/devices", nil)
	req.Header.Set("X-Admin-Key", "s3cr3t")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, auth.DefaultTenantID, gotTenant)
}

func TestAuthenticator_AdminKeyInvalid(t *testing.T) {
	mw := auth.NewAuthenticator("s3cr3t", nil)
	h := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/devices", nil)
	req.Header.Set("X-Admin-Key", "wrong")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuthenticator_DeviceBearerValid(t *testing.T) {
	v := fakeVerifier{tenantID: "ten-1", deviceID: "dev-1", tokenID: "tok-1"}
	mw := auth.NewAuthenticator("s3cr3t", v)
	var got auth.Principal
	h := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = auth.GetPrincipal(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/device/policy", nil)
	req.Header.Set("Authorization", "Bearer raw-token")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, auth.KindDevice, got.Kind)
	assert.Equal(t, "dev-1", got.DeviceID)
}

func TestAuthenticator_DeviceBearerRevoked(t *testing.T) {
	v := fakeVerifier{err: &api.Error{Type: api.KindAuthRevoked}}
	mw := auth.NewAuthenticator("s3cr3t", v)
	h := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/device/reports", nil)
	req.Header.Set("Authorization", "Bearer stale-token")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestAuthenticator_DeviceBearerDeviceInactive(t *testing.T) {
	v := fakeVerifier{err: &api.Error{Type: api.KindAuthDeviceInactive}}
	mw := auth.NewAuthenticator("s3cr3t", v)
	h := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/device/policy", nil)
	req.Header.Set("Authorization", "Bearer token")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestAuthenticator_PublicPathsBypassAuth(t *testing.T) {
	mw := auth.NewAuthenticator("s3cr3t", nil)
	h := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	req2 := httptest.NewRequest(http.MethodPost, "/api/v1/enroll", nil)
	w2 := httptest.NewRecorder()
	h.ServeHTTP(w2, req2)
	assert.Equal(t, http.StatusOK, w2.Code)
}

func TestCorrelationIDMiddleware_GeneratesWhenAbsent(t *testing.T) {
	h := auth.CorrelationIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NotEmpty(t, auth.GetCorrelationID(r.Context()))
	}))
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.NotEmpty(t, w.Header().Get("X-Correlation-ID"))
}

func TestCorrelationIDMiddleware_EchoesSupplied(t *testing.T) {
	h := auth.CorrelationIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Correlation-ID", "cid-abc")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, "cid-abc", w.Header().Get("X-Correlation-ID"))
}
