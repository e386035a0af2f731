package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/marmos91/profileserver/pkg/adminapi/auth"
)

var validate = validator.New()

// AuthHandler handles POST /api/v1/auth/login and /refresh for the single
// configured admin account.
type AuthHandler struct {
	username     string
	passwordHash string
	jwtService   *auth.JWTService
}

func NewAuthHandler(username, passwordHash string, jwtService *auth.JWTService) *AuthHandler {
	return &AuthHandler{username: username, passwordHash: passwordHash, jwtService: jwtService}
}

type loginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
}

// Login handles POST /api/v1/auth/login.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid request body"))
		return
	}
	if err := validate.Struct(req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("username and password are required"))
		return
	}
	if req.Username != h.username || !auth.VerifyPassword(req.Password, h.passwordHash) {
		writeJSON(w, http.StatusUnauthorized, errorResponse("invalid username or password"))
		return
	}

	pair, err := h.jwtService.GenerateTokenPair(h.username)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse("failed to issue token"))
		return
	}
	writeJSON(w, http.StatusOK, okResponse(pair))
}

// Refresh handles POST /api/v1/auth/refresh.
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid request body"))
		return
	}
	if err := validate.Struct(req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("refresh_token is required"))
		return
	}

	claims, err := h.jwtService.ValidateRefreshToken(req.RefreshToken)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) {
			writeJSON(w, http.StatusUnauthorized, errorResponse("refresh token expired"))
			return
		}
		writeJSON(w, http.StatusUnauthorized, errorResponse("invalid refresh token"))
		return
	}
	if claims.Username != h.username {
		writeJSON(w, http.StatusUnauthorized, errorResponse("invalid refresh token"))
		return
	}

	pair, err := h.jwtService.GenerateTokenPair(h.username)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse("failed to issue token"))
		return
	}
	writeJSON(w, http.StatusOK, okResponse(pair))
}
