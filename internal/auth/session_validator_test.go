package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	testSessionSigningSecret = "secret"
	testSessionCookieName    = "followcrm_session"
	testSessionUserID        = "user-123"
	testSessionUserHandle    = "someone"
)

func mintSessionToken(t *testing.T, claims SessionClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(testSessionSigningSecret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func validClaims(now time.Time) SessionClaims {
	return SessionClaims{
		UserID:     testSessionUserID,
		UserHandle: testSessionUserHandle,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    defaultSessionIssuer,
			Subject:   testSessionUserID,
			IssuedAt:  jwt.NewNumericDate(now.Add(-time.Minute)),
			NotBefore: jwt.NewNumericDate(now.Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	}
}

func TestSessionValidatorValidateToken(t *testing.T) {
	clockNow := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	validator, err := NewSessionValidator(SessionValidatorConfig{
		SigningSecret: []byte(testSessionSigningSecret),
		CookieName:    testSessionCookieName,
		Clock: func() time.Time {
			return clockNow
		},
	})
	if err != nil {
		t.Fatalf("failed to construct validator: %v", err)
	}

	claims, err := validator.ValidateToken(mintSessionToken(t, validClaims(clockNow)))
	if err != nil {
		t.Fatalf("unexpected validation failure: %v", err)
	}
	if claims.UserID != testSessionUserID {
		t.Fatalf("unexpected user id: %s", claims.UserID)
	}
	if claims.UserHandle != testSessionUserHandle {
		t.Fatalf("unexpected handle: %s", claims.UserHandle)
	}
}

func TestSessionValidatorValidateTokenExpired(t *testing.T) {
	clockNow := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	validator, err := NewSessionValidator(SessionValidatorConfig{
		SigningSecret: []byte(testSessionSigningSecret),
		CookieName:    testSessionCookieName,
		Clock: func() time.Time {
			return clockNow
		},
	})
	if err != nil {
		t.Fatalf("failed to construct validator: %v", err)
	}

	claims := validClaims(clockNow.Add(-3 * time.Hour))
	if _, err := validator.ValidateToken(mintSessionToken(t, claims)); !errors.Is(err, ErrExpiredSessionToken) {
		t.Fatalf("expected expired token error, got %v", err)
	}
}

func TestSessionValidatorRejectsForeignIssuerAndMissingHandle(t *testing.T) {
	clockNow := time.Now()
	validator, err := NewSessionValidator(SessionValidatorConfig{
		SigningSecret: []byte(testSessionSigningSecret),
		CookieName:    testSessionCookieName,
	})
	if err != nil {
		t.Fatalf("failed to construct validator: %v", err)
	}

	foreign := validClaims(clockNow)
	foreign.Issuer = "someone-else"
	if _, err := validator.ValidateToken(mintSessionToken(t, foreign)); !errors.Is(err, ErrInvalidSessionToken) {
		t.Fatalf("expected invalid token for foreign issuer, got %v", err)
	}

	anonymous := validClaims(clockNow)
	anonymous.UserHandle = ""
	if _, err := validator.ValidateToken(mintSessionToken(t, anonymous)); !errors.Is(err, ErrMissingSessionHandle) {
		t.Fatalf("expected missing handle error, got %v", err)
	}

	noSubject := validClaims(clockNow)
	noSubject.Subject = ""
	if _, err := validator.ValidateToken(mintSessionToken(t, noSubject)); !errors.Is(err, ErrMissingSessionSubject) {
		t.Fatalf("expected missing subject error, got %v", err)
	}

	mismatched := validClaims(clockNow)
	mismatched.Subject = "user-other"
	if _, err := validator.ValidateToken(mintSessionToken(t, mismatched)); !errors.Is(err, ErrSessionSubjectMismatch) {
		t.Fatalf("expected subject mismatch error, got %v", err)
	}

	prefixed := validClaims(clockNow)
	prefixed.UserHandle = "@someone"
	claims, err := validator.ValidateToken(mintSessionToken(t, prefixed))
	if err != nil || claims.UserHandle != testSessionUserHandle {
		t.Fatalf("expected normalized handle, got %q (%v)", claims.UserHandle, err)
	}
}

func TestSessionValidatorValidateRequestUsesCookie(t *testing.T) {
	validator, err := NewSessionValidator(SessionValidatorConfig{
		SigningSecret: []byte(testSessionSigningSecret),
		CookieName:    testSessionCookieName,
	})
	if err != nil {
		t.Fatalf("failed to construct validator: %v", err)
	}

	request := httptest.NewRequest(http.MethodGet, "/follows", http.NoBody)
	request.AddCookie(&http.Cookie{
		Name:  testSessionCookieName,
		Value: mintSessionToken(t, validClaims(time.Now())),
	})

	claims, err := validator.ValidateRequest(request)
	if err != nil {
		t.Fatalf("validation failed: %v", err)
	}
	if claims.UserID != testSessionUserID {
		t.Fatalf("unexpected user id: %s", claims.UserID)
	}
}

func TestSessionValidatorValidateRequestPrefersBearerHeader(t *testing.T) {
	validator, err := NewSessionValidator(SessionValidatorConfig{
		SigningSecret: []byte(testSessionSigningSecret),
		CookieName:    testSessionCookieName,
	})
	if err != nil {
		t.Fatalf("failed to construct validator: %v", err)
	}

	request := httptest.NewRequest(http.MethodGet, "/follows", http.NoBody)
	request.Header.Set("Authorization", "Bearer "+mintSessionToken(t, validClaims(time.Now())))
	request.AddCookie(&http.Cookie{Name: testSessionCookieName, Value: "garbage"})

	if _, err := validator.ValidateRequest(request); err != nil {
		t.Fatalf("expected bearer token to be used, got %v", err)
	}

	empty := httptest.NewRequest(http.MethodGet, "/follows", http.NoBody)
	if _, err := validator.ValidateRequest(empty); !errors.Is(err, ErrMissingSessionToken) {
		t.Fatalf("expected missing token error, got %v", err)
	}
}

func TestSessionValidatorValidateRequestRejectsOtherSchemes(t *testing.T) {
	validator, err := NewSessionValidator(SessionValidatorConfig{
		SigningSecret: []byte(testSessionSigningSecret),
		CookieName:    testSessionCookieName,
	})
	if err != nil {
		t.Fatalf("failed to construct validator: %v", err)
	}
	token := mintSessionToken(t, validClaims(time.Now()))

	lowercase := httptest.NewRequest(http.MethodGet, "/follows", http.NoBody)
	lowercase.Header.Set("Authorization", "bearer "+token)
	if _, err := validator.ValidateRequest(lowercase); err != nil {
		t.Fatalf("expected case-insensitive bearer scheme, got %v", err)
	}

	basic := httptest.NewRequest(http.MethodGet, "/follows", http.NoBody)
	basic.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	basic.AddCookie(&http.Cookie{Name: testSessionCookieName, Value: token})
	if _, err := validator.ValidateRequest(basic); !errors.Is(err, ErrInvalidSessionToken) {
		t.Fatalf("expected basic auth to be rejected, got %v", err)
	}

	blank := httptest.NewRequest(http.MethodGet, "/follows", http.NoBody)
	blank.Header.Set("Authorization", "Bearer ")
	if _, err := validator.ValidateRequest(blank); !errors.Is(err, ErrMissingSessionToken) {
		t.Fatalf("expected missing token for empty bearer, got %v", err)
	}
}
