package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/marmos91/profileserver/pkg/adminapi/auth"
)

func testJWTService(t *testing.T) *auth.JWTService {
	t.Helper()
	s, err := auth.NewJWTService(auth.JWTConfig{Secret: "a-secret-at-least-32-bytes-long!"})
	require.NoError(t, err)
	return s
}

func TestJWTAuthRejectsMissingHeader(t *testing.T) {
	s := testJWTService(t)
	called := false
	handler := JWTAuth(s)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/neighbors", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.False(t, called)
}

func TestJWTAuthRejectsMalformedHeader(t *testing.T) {
	s := testJWTService(t)
	handler := JWTAuth(s)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/neighbors", nil)
	req.Header.Set("Authorization", "Basic sometoken")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestJWTAuthRejectsInvalidToken(t *testing.T) {
	s := testJWTService(t)
	handler := JWTAuth(s)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/neighbors", nil)
	req.Header.Set("Authorization", "Bearer not-a-real-token")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestJWTAuthAcceptsValidTokenAndStoresClaims(t *testing.T) {
	s := testJWTService(t)
	pair, err := s.GenerateTokenPair("admin")
	require.NoError(t, err)

	var gotClaims *auth.Claims
	handler := JWTAuth(s)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotClaims = GetClaimsFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/neighbors", nil)
	req.Header.Set("Authorization", "Bearer "+pair.AccessToken)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, gotClaims)
	require.Equal(t, "admin", gotClaims.Username)
}

func TestGetClaimsFromContextReturnsNilOutsideMiddleware(t *testing.T) {
	require.Nil(t, GetClaimsFromContext(httptest.NewRequest(http.MethodGet, "/", nil).Context()))
}
