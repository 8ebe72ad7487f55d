package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/baseliner/baseliner/pkg/api"
)

// DefaultTenantID is the fixed tenant every row belongs to in Phase 0
// (spec §3: "Phase-0 default tenant = fixed UUID").
const DefaultTenantID = "00000000-0000-0000-0000-000000000001"

// DeviceTokenVerifier resolves a raw bearer token to the device and
// tenant it authenticates. Implemented by pkg/token against the
// device_auth_tokens table; kept as an interface here so pkg/auth never
// imports the storage layer.
//
// err, when non-nil, should be an *api.Error with Kind one of
// KindAuthInvalid, KindAuthRevoked or KindAuthDeviceInactive so the
// authenticator can map it to the right status code.
type DeviceTokenVerifier interface {
	VerifyDeviceToken(ctx context.Context, raw string) (tenantID, deviceID, tokenID string, err error)
}

var publicPaths = map[string]bool{
	"/health":          true,
	"/api/v1/enroll":   true,
}

func isPublicPath(path string) bool {
	return publicPaths[path]
}

// NewAuthenticator builds the authenticator middleware of spec §4.5:
// admin routes require X-Admin-Key matching adminKey exactly; device
// routes require Authorization: Bearer <token> resolving through
// verifier to an un-revoked token whose device is active. /health and
// /api/v1/enroll pass through unauthenticated.
func NewAuthenticator(adminKey string, verifier DeviceTokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isPublicPath(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			switch {
			case strings.HasPrefix(r.URL.Path, "/api/v1/admin/"):
				authenticateAdmin(w, r, next, adminKey)
			case strings.HasPrefix(r.URL.Path, "/api/v1/device/"):
				authenticateDevice(w, r, next, verifier)
			default:
				api.WriteUnauthorized(w, r, api.KindAuthMissing, "no authentication scheme applies to this route")
			}
		})
	}
}

func authenticateAdmin(w http.ResponseWriter, r *http.Request, next http.Handler, adminKey string) {
	supplied := r.Header.Get("X-Admin-Key")
	if supplied == "" {
		api.WriteUnauthorized(w, r, api.KindAuthMissing, "X-Admin-Key header required")
		return
	}
	if adminKey == "" || subtle.ConstantTimeCompare([]byte(supplied), []byte(adminKey)) != 1 {
		api.WriteUnauthorized(w, r, api.KindAuthInvalid, "invalid admin key")
		return
	}

	tenantID := r.Header.Get("X-Tenant-ID")
	if tenantID == "" {
		tenantID = DefaultTenantID
	}

	p := Principal{Kind: KindAdmin, TenantID: tenantID}
	next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
}

func authenticateDevice(w http.ResponseWriter, r *http.Request, next http.Handler, verifier DeviceTokenVerifier) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		api.WriteUnauthorized(w, r, api.KindAuthMissing, "Authorization header required")
		return
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" {
		api.WriteUnauthorized(w, r, api.KindAuthInvalid, "expected 'Bearer <token>'")
		return
	}

	if verifier == nil {
		api.WriteUnauthorized(w, r, api.KindAuthInvalid, "device authentication not configured")
		return
	}

	tenantID, deviceID, tokenID, err := verifier.VerifyDeviceToken(r.Context(), parts[1])
	if err != nil {
		var apiErr *api.Error
		if errors.As(err, &apiErr) {
			switch apiErr.Type {
			case api.KindAuthRevoked:
				api.WriteForbidden(w, r, api.KindAuthRevoked, "token has been revoked")
			case api.KindAuthDeviceInactive:
				api.WriteForbidden(w, r, api.KindAuthDeviceInactive, "device is inactive")
			default:
				api.WriteUnauthorized(w, r, api.KindAuthInvalid, "invalid or expired token")
			}
			return
		}
		api.WriteUnauthorized(w, r, api.KindAuthInvalid, "invalid or expired token")
		return
	}

	p := Principal{Kind: KindDevice, TenantID: tenantID, DeviceID: deviceID, DeviceAuthTokenID: tokenID}
	next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
}
