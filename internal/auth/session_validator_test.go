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
	testSigningSecret = "secret"
	testIssuer        = "apistudio-auth"
	testAudience      = "apistudio-collab"
	testUserID        = "user-123"
	testUserEmail     = "user@example.com"
)

func newTestValidator(t *testing.T, clockNow time.Time) *SessionValidator {
	t.Helper()
	validator, err := NewSessionValidator(SessionValidatorConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        testIssuer,
		Audience:      testAudience,
		Clock: func() time.Time {
			return clockNow
		},
	})
	if err != nil {
		t.Fatalf("failed to construct validator: %v", err)
	}
	return validator
}

func signTestClaims(t *testing.T, claims SessionClaims, secret string) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func validTestClaims(clockNow time.Time) SessionClaims {
	return SessionClaims{
		UserID:    testUserID,
		UserEmail: testUserEmail,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        "token-1",
			Issuer:    testIssuer,
			Audience:  jwt.ClaimStrings{testAudience},
			Subject:   testUserID,
			IssuedAt:  jwt.NewNumericDate(clockNow.Add(-time.Minute)),
			NotBefore: jwt.NewNumericDate(clockNow.Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(clockNow.Add(time.Hour)),
		},
	}
}

func TestSessionValidatorValidateToken(t *testing.T) {
	clockNow := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)
	validator := newTestValidator(t, clockNow)

	claims, err := validator.ValidateToken(signTestClaims(t, validTestClaims(clockNow), testSigningSecret))
	if err != nil {
		t.Fatalf("unexpected validation failure: %v", err)
	}
	if claims.UserID != testUserID {
		t.Fatalf("unexpected user id: %s", claims.UserID)
	}
}

func TestSessionValidatorRejectsBadTokens(t *testing.T) {
	clockNow := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)
	validator := newTestValidator(t, clockNow)

	expired := validTestClaims(clockNow)
	expired.ExpiresAt = jwt.NewNumericDate(clockNow.Add(-time.Hour))
	foreignIssuer := validTestClaims(clockNow)
	foreignIssuer.Issuer = "someone-else"
	foreignAudience := validTestClaims(clockNow)
	foreignAudience.Audience = jwt.ClaimStrings{"billing"}
	noSubject := validTestClaims(clockNow)
	noSubject.Subject = ""
	noSubject.UserID = ""

	testCases := []struct {
		name    string
		token   string
		wantErr error
	}{
		{name: "empty", token: "  ", wantErr: ErrMissingSessionToken},
		{name: "expired", token: signTestClaims(t, expired, testSigningSecret), wantErr: ErrExpiredSessionToken},
		{name: "wrong secret", token: signTestClaims(t, validTestClaims(clockNow), "other"), wantErr: ErrInvalidSessionToken},
		{name: "foreign issuer", token: signTestClaims(t, foreignIssuer, testSigningSecret), wantErr: ErrInvalidSessionToken},
		{name: "foreign audience", token: signTestClaims(t, foreignAudience, testSigningSecret), wantErr: ErrInvalidSessionToken},
		{name: "missing subject", token: signTestClaims(t, noSubject, testSigningSecret), wantErr: ErrMissingSessionSubject},
		{name: "garbage", token: "not-a-jwt", wantErr: ErrInvalidSessionToken},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			_, err := validator.ValidateToken(testCase.token)
			if !errors.Is(err, testCase.wantErr) {
				t.Fatalf("expected %v, got %v", testCase.wantErr, err)
			}
		})
	}
}

func TestExtractBearerTokenSources(t *testing.T) {
	header := httptest.NewRequest(http.MethodGet, "/ws/collab", http.NoBody)
	header.Header.Set("Authorization", "Bearer header-token")

	query := httptest.NewRequest(http.MethodGet, "/ws/collab?access_token=query-token", http.NoBody)

	subprotocol := httptest.NewRequest(http.MethodGet, "/ws/collab", http.NoBody)
	subprotocol.Header.Set("Sec-WebSocket-Protocol", "collab.v1, bearer.protocol-token")

	precedence := httptest.NewRequest(http.MethodGet, "/ws/collab?access_token=query-token", http.NoBody)
	precedence.Header.Set("Authorization", "bearer header-token")

	testCases := []struct {
		name    string
		request *http.Request
		want    string
	}{
		{name: "header", request: header, want: "header-token"},
		{name: "query", request: query, want: "query-token"},
		{name: "subprotocol", request: subprotocol, want: "protocol-token"},
		{name: "header wins", request: precedence, want: "header-token"},
		{name: "none", request: httptest.NewRequest(http.MethodGet, "/ws/collab", http.NoBody), want: ""},
		{name: "nil", request: nil, want: ""},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			if got := ExtractBearerToken(testCase.request); got != testCase.want {
				t.Fatalf("ExtractBearerToken() = %q, want %q", got, testCase.want)
			}
		})
	}
}

func TestSessionValidatorValidateRequest(t *testing.T) {
	clockNow := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)
	validator := newTestValidator(t, clockNow)

	request := httptest.NewRequest(http.MethodGet, "/ws/collab", http.NoBody)
	request.Header.Set("Authorization", "Bearer "+signTestClaims(t, validTestClaims(clockNow), testSigningSecret))

	claims, err := validator.ValidateRequest(request)
	if err != nil {
		t.Fatalf("unexpected request validation error: %v", err)
	}
	if claims.Subject != testUserID {
		t.Fatalf("unexpected subject %s", claims.Subject)
	}

	if _, err := validator.ValidateRequest(httptest.NewRequest(http.MethodGet, "/ws/collab", http.NoBody)); !errors.Is(err, ErrMissingSessionToken) {
		t.Fatalf("expected missing token error, got %v", err)
	}
}

func TestNewSessionValidatorRequiresSecretAndIssuer(t *testing.T) {
	if _, err := NewSessionValidator(SessionValidatorConfig{Issuer: testIssuer}); !errors.Is(err, ErrMissingSessionSigningKey) {
		t.Fatalf("expected missing signing key error, got %v", err)
	}
	if _, err := NewSessionValidator(SessionValidatorConfig{SigningSecret: []byte("x")}); !errors.Is(err, ErrMissingSessionIssuer) {
		t.Fatalf("expected missing issuer error, got %v", err)
	}
}
