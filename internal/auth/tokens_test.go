package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestTokenIssuerIssuesTokens(t *testing.T) {
	issuer, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("super-secret"),
		Issuer:        "peerflow",
		Audience:      "peerflow-api",
		TokenTTL:      30 * time.Minute,
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}

	tokenString, expiresIn, err := issuer.IssueToken(Principal{Subject: "user-123", DisplayName: "Ada"})
	if err != nil {
		t.Fatalf("expected successful issuance: %v", err)
	}
	if expiresIn != 1800 {
		t.Fatalf("expected 1800 second expiry, got %d", expiresIn)
	}

	claims := &jwt.RegisteredClaims{}
	_, err = jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return []byte("super-secret"), nil
	})
	if err != nil {
		t.Fatalf("failed to parse generated token: %v", err)
	}
	if claims.Subject != "user-123" || claims.Issuer != "peerflow" {
		t.Fatalf("unexpected claims %#v", claims)
	}
	if len(claims.Audience) == 0 || claims.Audience[0] != "peerflow-api" {
		t.Fatalf("unexpected audience %#v", claims.Audience)
	}
}

func TestTokenIssuerRejectsMissingSecret(t *testing.T) {
	if _, err := NewTokenIssuer(TokenIssuerConfig{Issuer: "peerflow", Audience: "peerflow-api"}); err == nil {
		t.Fatalf("expected constructor error for missing secret")
	}
}

func TestTokenIssuerValidatesIssuedTokens(t *testing.T) {
	issuer, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("another-secret"),
		Issuer:        "peerflow",
		Audience:      "peerflow-api",
		TokenTTL:      15 * time.Minute,
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}

	tokenString, _, err := issuer.IssueToken(Principal{Subject: "user-321", DisplayName: "Grace"})
	if err != nil {
		t.Fatalf("unexpected error issuing token: %v", err)
	}
	principal, err := issuer.ValidateToken(tokenString)
	if err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}
	if principal.Subject != "user-321" || principal.DisplayName != "Grace" {
		t.Fatalf("unexpected principal %+v", principal)
	}

	other, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("another-secret"),
		Issuer:        "peerflow",
		Audience:      "someone-else",
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	if _, err := other.ValidateToken(tokenString); err == nil {
		t.Fatalf("expected audience mismatch to be rejected")
	}
}

func TestTokenIssuerRejectsExpiredTokens(t *testing.T) {
	issuedAt := time.Unix(1_700_000_000, 0)
	now := issuedAt
	issuer, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("secret"),
		Issuer:        "peerflow",
		Audience:      "peerflow-api",
		TokenTTL:      time.Minute,
		Clock:         func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	tokenString, _, err := issuer.IssueToken(Principal{Subject: "user-1"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	now = issuedAt.Add(2 * time.Minute)
	if _, err := issuer.ValidateToken(tokenString); err == nil {
		t.Fatalf("expected expired token to be rejected")
	}
	if _, _, err := issuer.IssueToken(Principal{}); err == nil {
		t.Fatalf("expected missing subject to be rejected")
	}
}
