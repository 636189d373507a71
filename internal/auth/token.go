// ABOUTME: JWT token generation and verification for the mesh handshake
// ABOUTME: Uses HS256 signing with the shared mesh secret

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
)

// HandshakeTTL bounds how long a handshake token stays valid. Tokens are
// minted per dial attempt, so the window only needs to cover one handshake.
const HandshakeTTL = 2 * time.Minute

// TokenVerifier defines the interface for handshake token verification
type TokenVerifier interface {
	Verify(tokenString string) (agentID string, err error)
}

// MeshAuthenticator mints and verifies HS256 handshake tokens for peers
// that share the mesh secret. The "sub" claim carries the agent id, which
// is how peers announce their identity during the connection handshake.
type MeshAuthenticator struct {
	secret []byte
}

// NewMeshAuthenticator creates an authenticator with the given shared secret
func NewMeshAuthenticator(secret []byte) *MeshAuthenticator {
	return &MeshAuthenticator{secret: secret}
}

// Verify validates the token and extracts the agent ID from the "sub" claim
func (a *MeshAuthenticator) Verify(tokenString string) (agentID string, err error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		// Validate the signing method is HS256
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	})

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrExpiredToken
		}
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if !token.Valid {
		return "", ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", ErrInvalidToken
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return "", fmt.Errorf("%w: sub", ErrMissingClaim)
	}

	return sub, nil
}

// Generate creates a handshake token announcing the given agent ID
func (a *MeshAuthenticator) Generate(agentID string) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": agentID,
		"iat": now.Unix(),
		"exp": now.Add(HandshakeTTL).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}
