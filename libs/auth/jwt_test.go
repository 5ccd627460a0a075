package auth

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestHS256RoundTrip(t *testing.T) {
	claims := NewClaims("scheduler-service", time.Hour, ScopeSweep, ScopeRefresh)
	secret := "test-secret"

	token, err := SignHS256(claims, secret)
	if err != nil {
		t.Fatalf("SignHS256 failed: %v", err)
	}

	parsed, err := ParseAndVerifyHS256(token, secret)
	if err != nil {
		t.Fatalf("ParseAndVerifyHS256 failed: %v", err)
	}
	if parsed.Sub != claims.Sub || !parsed.HasScope(ScopeRefresh) {
		t.Fatalf("unexpected claims: %+v", parsed)
	}

	if _, err := ParseAndVerifyHS256(token, "other-secret"); err == nil {
		t.Fatalf("expected error for wrong secret")
	}
}

func TestHS256Expired(t *testing.T) {
	claims := NewClaims("scheduler-service", -time.Minute, ScopeSweep)
	token, err := SignHS256(claims, "s")
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := ParseAndVerifyHS256(token, "s"); err == nil {
		t.Fatalf("expected expired token to be rejected")
	}
}

func TestHS256RejectsEmptySecret(t *testing.T) {
	if _, err := SignHS256(Claims{Sub: "x"}, ""); err == nil {
		t.Fatalf("expected error for empty secret")
	}
	if _, err := ParseAndVerifyHS256("a.b.c", ""); err == nil {
		t.Fatalf("expected error for empty secret")
	}
}

func TestRequireTrigger(t *testing.T) {
	const secret = "trigger-secret"
	h := RequireTrigger(secret, ScopeSweep, nil)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	sweepToken, _ := SignHS256(NewClaims("scheduler", time.Minute, ScopeSweep), secret)
	refreshToken, _ := SignHS256(NewClaims("scheduler", time.Minute, ScopeRefresh), secret)

	cases := []struct {
		name   string
		header string
		value  string
		want   int
	}{
		{"no credentials", "", "", http.StatusUnauthorized},
		{"shared secret", TriggerSecretHeader, secret, http.StatusOK},
		{"wrong secret", TriggerSecretHeader, "nope", http.StatusUnauthorized},
		{"scoped token", "Authorization", "Bearer " + sweepToken, http.StatusOK},
		{"wrong scope", "Authorization", "Bearer " + refreshToken, http.StatusForbidden},
		{"garbage token", "Authorization", "Bearer " + strings.Repeat("x", 10), http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/internal/v1/holds/sweep", nil)
			if tc.header != "" {
				req.Header.Set(tc.header, tc.value)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, rec.Code)
			}
		})
	}
}
