// ABOUTME: Tests for mesh handshake token generation and verification
// ABOUTME: Covers round-trips, wrong secrets, expiry, and malformed tokens

package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestGenerateAndVerify(t *testing.T) {
	authn := NewMeshAuthenticator([]byte("test-secret"))

	token, err := authn.Generate("agent-1")
	if err != nil {
		t.Fatalf("unexpected error generating token: %v", err)
	}
	if token == "" {
		t.Fatal("expected non-empty token")
	}

	agentID, err := authn.Verify(token)
	if err != nil {
		t.Fatalf("unexpected error verifying token: %v", err)
	}
	if agentID != "agent-1" {
		t.Errorf("expected agent-1, got %s", agentID)
	}
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	minter := NewMeshAuthenticator([]byte("mesh-a"))
	verifier := NewMeshAuthenticator([]byte("mesh-b"))

	token, err := minter.Generate("agent-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err = verifier.Verify(token)
	if !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken, got %v", err)
	}
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	secret := []byte("test-secret")
	authn := NewMeshAuthenticator(secret)

	// Mint a token that expired a minute ago.
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": "agent-1",
		"iat": now.Add(-5 * time.Minute).Unix(),
		"exp": now.Add(-1 * time.Minute).Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err = authn.Verify(token)
	if !errors.Is(err, ErrExpiredToken) {
		t.Errorf("expected ErrExpiredToken, got %v", err)
	}
}

func TestVerifyRejectsMissingSubject(t *testing.T) {
	secret := []byte("test-secret")
	authn := NewMeshAuthenticator(secret)

	claims := jwt.MapClaims{
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(time.Minute).Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err = authn.Verify(token)
	if !errors.Is(err, ErrMissingClaim) {
		t.Errorf("expected ErrMissingClaim, got %v", err)
	}
}

func TestVerifyRejectsGarbage(t *testing.T) {
	authn := NewMeshAuthenticator([]byte("test-secret"))

	for _, bad := range []string{"", "not-a-token", "a.b.c"} {
		if _, err := authn.Verify(bad); err == nil {
			t.Errorf("expected error for token %q", bad)
		}
	}
}
