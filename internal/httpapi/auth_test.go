package httpapi

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TestJWTAuth tests token generation and validation
func TestJWTAuth(t *testing.T) {
	auth := NewJWTAuth("test-secret", time.Hour)

	token, expiresAt, err := auth.GenerateToken("test-client", "tenant-a", false)
	if err != nil {
		t.Fatalf("Expected no error generating token, got %v", err)
	}
	if token == "" {
		t.Error("Expected non-empty token")
	}
	if until := time.Until(expiresAt); until <= 59*time.Minute || until > time.Hour {
		t.Errorf("Expected expiry about one hour away, got %v", until)
	}

	claims, err := auth.ValidateToken("Bearer " + token)
	if err != nil {
		t.Fatalf("Expected no error validating token, got %v", err)
	}
	if claims.ClientID != "test-client" {
		t.Errorf("Expected ClientID 'test-client', got '%s'", claims.ClientID)
	}
	if claims.ResourceSet != "tenant-a" {
		t.Errorf("Expected ResourceSet 'tenant-a', got '%s'", claims.ResourceSet)
	}
	if claims.IsAdmin {
		t.Error("Expected IsAdmin to be false")
	}
	if claims.Issuer != tokenIssuer {
		t.Errorf("Expected issuer %q, got %q", tokenIssuer, claims.Issuer)
	}
}

// TestJWTAuth_Rejections tests tokens that must not validate
func TestJWTAuth_Rejections(t *testing.T) {
	auth := NewJWTAuth("test-secret", time.Hour)

	sign := func(t *testing.T, method jwt.SigningMethod, key any, claims JWTClaims) string {
		t.Helper()
		s, err := jwt.NewWithClaims(method, claims).SignedString(key)
		if err != nil {
			t.Fatalf("Failed to sign token: %v", err)
		}
		return s
	}
	valid := func() JWTClaims {
		now := time.Now()
		return JWTClaims{
			ClientID: "c1",
			RegisteredClaims: jwt.RegisteredClaims{
				Issuer:    tokenIssuer,
				IssuedAt:  jwt.NewNumericDate(now),
				ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
			},
		}
	}

	expired := valid()
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
	foreign := valid()
	foreign.Issuer = "someone-else"
	noExpiry := valid()
	noExpiry.ExpiresAt = nil
	anonymous := valid()
	anonymous.ClientID = ""

	tests := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"garbage", "invalid-token"},
		{"wrong_secret", sign(t, jwt.SigningMethodHS256, []byte("other-secret"), valid())},
		{"expired", sign(t, jwt.SigningMethodHS256, []byte("test-secret"), expired)},
		{"foreign_issuer", sign(t, jwt.SigningMethodHS256, []byte("test-secret"), foreign)},
		{"no_expiry", sign(t, jwt.SigningMethodHS256, []byte("test-secret"), noExpiry)},
		{"no_client", sign(t, jwt.SigningMethodHS256, []byte("test-secret"), anonymous)},
		{"other_algorithm", sign(t, jwt.SigningMethodHS512, []byte("test-secret"), valid())},
		{"none_algorithm", sign(t, jwt.SigningMethodNone, jwt.UnsafeAllowNoneSignatureType, valid())},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := auth.ValidateToken(tt.token); err == nil {
				t.Error("Expected token to be rejected")
			}
		})
	}
}

// TestJWTAuth_EmptyClient tests that tokens need a client id
func TestJWTAuth_EmptyClient(t *testing.T) {
	auth := NewJWTAuth("test-secret", 0)
	if _, _, err := auth.GenerateToken("", "", false); err == nil {
		t.Error("Expected error for empty client id")
	}
	if auth.ttl != DefaultTokenTTL {
		t.Errorf("Expected default ttl %v, got %v", DefaultTokenTTL, auth.ttl)
	}
}
