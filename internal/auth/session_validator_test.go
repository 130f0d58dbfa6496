package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	testSessionSecret = "provider-signing-secret"
	testSessionIssuer = "tandem-auth"
	testCookieName    = "app_session"
)

func newTestValidator(t *testing.T, clock func() time.Time) *SessionValidator {
	t.Helper()
	validator, err := NewSessionValidator(SessionValidatorConfig{
		SigningSecret: []byte(testSessionSecret),
		Issuer:        testSessionIssuer,
		CookieName:    testCookieName,
		Clock:         clock,
	})
	if err != nil {
		t.Fatalf("failed to construct validator: %v", err)
	}
	return validator
}

func signSessionToken(t *testing.T, claims SessionClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(testSessionSecret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func providerClaims(now time.Time) SessionClaims {
	return SessionClaims{
		UserID:          "user-1",
		UserEmail:       "user@example.com",
		UserDisplayName: "Example User",
		PartnerID:       "user-2",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			Issuer:    testSessionIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	}
}

func TestValidateTokenReturnsClaims(t *testing.T) {
	now := time.Unix(1700000000, 0)
	validator := newTestValidator(t, func() time.Time { return now })

	token := signSessionToken(t, providerClaims(now))
	claims, err := validator.ValidateToken(token)
	if err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}
	if claims.UserID != "user-1" {
		t.Fatalf("unexpected user id %q", claims.UserID)
	}
	if claims.PartnerID != "user-2" {
		t.Fatalf("expected partner link to survive validation, got %q", claims.PartnerID)
	}
}

func TestValidateTokenRejectsWrongIssuer(t *testing.T) {
	now := time.Unix(1700000000, 0)
	validator := newTestValidator(t, func() time.Time { return now })

	claims := providerClaims(now)
	claims.Issuer = "someone-else"
	if _, err := validator.ValidateToken(signSessionToken(t, claims)); err == nil {
		t.Fatal("expected wrong issuer to be rejected")
	}
}

func TestValidateTokenRejectsExpired(t *testing.T) {
	now := time.Unix(1700000000, 0)
	validator := newTestValidator(t, func() time.Time { return now.Add(2 * time.Hour) })

	if _, err := validator.ValidateToken(signSessionToken(t, providerClaims(now))); err != ErrExpiredSessionToken {
		t.Fatalf("expected ErrExpiredSessionToken, got %v", err)
	}
}

func TestValidateRequestPrefersBearerHeader(t *testing.T) {
	now := time.Unix(1700000000, 0)
	validator := newTestValidator(t, func() time.Time { return now })
	token := signSessionToken(t, providerClaims(now))

	request := httptest.NewRequest(http.MethodPost, "/auth/exchange", http.NoBody)
	request.Header.Set("Authorization", "Bearer "+token)

	claims, err := validator.ValidateRequest(request)
	if err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}
	if claims.UserID != "user-1" {
		t.Fatalf("unexpected user id %q", claims.UserID)
	}
}

func TestValidateRequestFallsBackToCookie(t *testing.T) {
	now := time.Unix(1700000000, 0)
	validator := newTestValidator(t, func() time.Time { return now })
	token := signSessionToken(t, providerClaims(now))

	request := httptest.NewRequest(http.MethodPost, "/auth/exchange", http.NoBody)
	request.AddCookie(&http.Cookie{Name: testCookieName, Value: token})

	if _, err := validator.ValidateRequest(request); err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}
}

func TestValidateRequestWithoutTokenFails(t *testing.T) {
	now := time.Unix(1700000000, 0)
	validator := newTestValidator(t, func() time.Time { return now })

	request := httptest.NewRequest(http.MethodPost, "/auth/exchange", http.NoBody)
	if _, err := validator.ValidateRequest(request); err != ErrMissingSessionToken {
		t.Fatalf("expected ErrMissingSessionToken, got %v", err)
	}
}
