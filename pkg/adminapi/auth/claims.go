// Package auth implements the admin API's single-operator JWT session: one
// configured admin account (pkg/config.AdminAPIConfig), not the multi-user
// identity/role system the wire protocol serves.
package auth

import (
	"github.com/golang-jwt/jwt/v5"
)

// Claims is the JWT payload issued to an authenticated operator. There is
// only one admin account per server, so Claims carries no role or group
// list — holding a valid access token is itself the authorization.
type Claims struct {
	jwt.RegisteredClaims

	// Username echoes config.AdminAPIConfig.AdminUser, for display and
	// audit logging.
	Username string `json:"username"`

	// TokenType distinguishes an access token from a refresh token so one
	// cannot be presented in place of the other.
	TokenType TokenType `json:"token_type"`
}

// TokenType indicates whether a token is an access token or refresh token.
type TokenType string

const (
	TokenTypeAccess  TokenType = "access"
	TokenTypeRefresh TokenType = "refresh"
)

func (c *Claims) IsAccessToken() bool  { return c.TokenType == TokenTypeAccess }
func (c *Claims) IsRefreshToken() bool { return c.TokenType == TokenTypeRefresh }
