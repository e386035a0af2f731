package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/marmos91/profileserver/pkg/adminapi/auth"
)

func testAuthHandler(t *testing.T) (*AuthHandler, string) {
	t.Helper()
	hash, err := auth.HashPassword("hunter2")
	require.NoError(t, err)
	jwtService, err := auth.NewJWTService(auth.JWTConfig{Secret: "a-secret-at-least-32-bytes-long!"})
	require.NoError(t, err)
	return NewAuthHandler("admin", hash, jwtService), hash
}

func doLogin(t *testing.T, h *AuthHandler, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(raw))
	rec := httptest.NewRecorder()
	h.Login(rec, req)
	return rec
}

func TestLoginWithCorrectCredentialsIssuesTokenPair(t *testing.T) {
	h, _ := testAuthHandler(t)
	rec := doLogin(t, h, loginRequest{Username: "admin", Password: "hunter2"})

	require.Equal(t, http.StatusOK, rec.Code)
	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "ok", resp.Status)
}

func TestLoginWithWrongPasswordIsUnauthorized(t *testing.T) {
	h, _ := testAuthHandler(t)
	rec := doLogin(t, h, loginRequest{Username: "admin", Password: "wrong"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestLoginWithUnknownUsernameIsUnauthorized(t *testing.T) {
	h, _ := testAuthHandler(t)
	rec := doLogin(t, h, loginRequest{Username: "someone-else", Password: "hunter2"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestLoginWithMissingFieldsIsBadRequest(t *testing.T) {
	h, _ := testAuthHandler(t)
	rec := doLogin(t, h, loginRequest{Username: "admin"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLoginWithMalformedBodyIsBadRequest(t *testing.T) {
	h, _ := testAuthHandler(t)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader([]byte("{not json")))
	rec := httptest.NewRecorder()
	h.Login(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRefreshWithValidTokenIssuesNewPair(t *testing.T) {
	h, _ := testAuthHandler(t)
	loginRec := doLogin(t, h, loginRequest{Username: "admin", Password: "hunter2"})
	var loginResp struct {
		Data auth.TokenPair `json:"data"`
	}
	require.NoError(t, json.Unmarshal(loginRec.Body.Bytes(), &loginResp))

	raw, err := json.Marshal(refreshRequest{RefreshToken: loginResp.Data.RefreshToken})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/refresh", bytes.NewReader(raw))
	rec := httptest.NewRecorder()
	h.Refresh(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRefreshWithAccessTokenIsUnauthorized(t *testing.T) {
	h, _ := testAuthHandler(t)
	loginRec := doLogin(t, h, loginRequest{Username: "admin", Password: "hunter2"})
	var loginResp struct {
		Data auth.TokenPair `json:"data"`
	}
	require.NoError(t, json.Unmarshal(loginRec.Body.Bytes(), &loginResp))

	raw, err := json.Marshal(refreshRequest{RefreshToken: loginResp.Data.AccessToken})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/refresh", bytes.NewReader(raw))
	rec := httptest.NewRecorder()
	h.Refresh(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRefreshWithGarbageTokenIsUnauthorized(t *testing.T) {
	h, _ := testAuthHandler(t)
	raw, err := json.Marshal(refreshRequest{RefreshToken: "not-a-token"})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/refresh", bytes.NewReader(raw))
	rec := httptest.NewRecorder()
	h.Refresh(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
}
