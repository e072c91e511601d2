//go:build unit || !integration

package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubValidator struct {
	claims *OperatorClaims
	err    error
}

func (s *stubValidator) ValidateToken(ctx context.Context, token string) (*OperatorClaims, error) {
	return s.claims, s.err
}

func TestConfigEnabled(t *testing.T) {
	assert.False(t, (&Config{}).Enabled())
	assert.False(t, (*Config)(nil).Enabled())
	assert.True(t, (&Config{JWKSURL: "https://id.rovana.io/.well-known/jwks.json"}).Enabled())
}

func TestConfigValidate(t *testing.T) {
	err := (&Config{}).Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JWKSURL")

	err = (&Config{JWKSURL: "https://id.rovana.io/.well-known/jwks.json"}).Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Issuer")

	assert.NoError(t, (&Config{
		JWKSURL: "https://id.rovana.io/.well-known/jwks.json",
		Issuer:  "https://id.rovana.io",
	}).Validate())
}

func TestNewJWKSValidatorPanicsOnBadConfig(t *testing.T) {
	assert.Panics(t, func() {
		NewJWKSValidator(&Config{})
	})
}

func TestExtractToken(t *testing.T) {
	tests := []struct {
		name    string
		header  string
		want    string
		wantErr bool
	}{
		{"no header", "", "", true},
		{"wrong scheme", "Basic abc123", "", true},
		{"bearer token", "Bearer eyJtoken", "eyJtoken", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}

			token, err := ExtractToken(r)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, token)
		})
	}
}

func TestMiddlewareRejectsMissingToken(t *testing.T) {
	handler := Middleware(&stubValidator{})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler should not run")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/platform/pause", nil))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "Authorization")
}

func TestMiddlewareRejectsInvalidToken(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantBody   string
	}{
		{"expired", errors.New("token is expired"), http.StatusUnauthorized, "expired"},
		{"bad signature", errors.New("signature is invalid"), http.StatusUnauthorized, "signature"},
		{"jwks down", errors.New("failed to initialise JWKS: timeout"), http.StatusInternalServerError, "misconfigured"},
		{"generic", errors.New("invalid token claims"), http.StatusUnauthorized, "Invalid authentication token"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := Middleware(&stubValidator{err: tt.err})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				t.Error("handler should not run")
			}))

			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/v1/platform/pause", nil)
			req.Header.Set("Authorization", "Bearer sometoken")
			handler.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.wantBody)
		})
	}
}

func TestMiddlewarePassesClaimsThrough(t *testing.T) {
	claims := &OperatorClaims{Email: "ops@rovana.io", Role: "ops"}

	var seen *OperatorClaims
	handler := Middleware(&stubValidator{claims: claims})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetOperator(r)
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/platform/pause", nil)
	req.Header.Set("Authorization", "Bearer sometoken")
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	require.NotNil(t, seen)
	assert.Equal(t, "ops@rovana.io", seen.Email)
}
