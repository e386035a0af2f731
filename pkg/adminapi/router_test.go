package adminapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/marmos91/profileserver/pkg/adminapi/auth"
	"github.com/marmos91/profileserver/pkg/config"
	"github.com/marmos91/profileserver/pkg/metrics"
	"github.com/marmos91/profileserver/pkg/store"
)

func testDeps(t *testing.T) Deps {
	t.Helper()
	s, err := store.Open(config.DatabaseConfig{Driver: "sqlite", DSN: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	hash, err := auth.HashPassword("hunter2")
	require.NoError(t, err)
	jwtService, err := auth.NewJWTService(auth.JWTConfig{Secret: "a-secret-at-least-32-bytes-long!"})
	require.NoError(t, err)

	return Deps{
		Store:             s,
		Metrics:           metrics.New(),
		JWTService:        jwtService,
		AdminUser:         "admin",
		AdminPasswordHash: hash,
	}
}

func TestRouterHealthzIsPublic(t *testing.T) {
	r := NewRouter(testDeps(t))
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRouterMetricsIsPublic(t *testing.T) {
	r := NewRouter(testDeps(t))
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRouterNeighborsRequiresAuth(t *testing.T) {
	r := NewRouter(testDeps(t))
	req := httptest.NewRequest(http.MethodGet, "/api/v1/neighbors", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRouterLoginThenAuthenticatedNeighborsRequest(t *testing.T) {
	r := NewRouter(testDeps(t))

	loginBody, err := json.Marshal(map[string]string{"username": "admin", "password": "hunter2"})
	require.NoError(t, err)
	loginReq := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(loginBody))
	loginRec := httptest.NewRecorder()
	r.ServeHTTP(loginRec, loginReq)
	require.Equal(t, http.StatusOK, loginRec.Code)

	var loginResp struct {
		Data auth.TokenPair `json:"data"`
	}
	require.NoError(t, json.Unmarshal(loginRec.Body.Bytes(), &loginResp))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/neighbors", nil)
	req.Header.Set("Authorization", "Bearer "+loginResp.Data.AccessToken)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRouterUnknownRouteIs404(t *testing.T) {
	r := NewRouter(testDeps(t))
	req := httptest.NewRequest(http.MethodGet, "/does-not-exist", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}
