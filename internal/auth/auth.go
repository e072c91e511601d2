// Package auth protects the ops API's mutating endpoints. Tokens are JWTs
// issued by the platform identity service and verified against its JWKS
// endpoint; only operator-role tokens may flip platform state.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/getsentry/sentry-go"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
)

// Config holds operator authentication configuration
type Config struct {
	JWKSURL  string
	Issuer   string
	Audience string
}

// NewConfigFromEnv reads auth configuration from environment variables.
// An empty JWKS URL means operator auth is not configured.
func NewConfigFromEnv() *Config {
	return &Config{
		JWKSURL:  os.Getenv("OPS_AUTH_JWKS_URL"),
		Issuer:   os.Getenv("OPS_AUTH_ISSUER"),
		Audience: getEnvOr("OPS_AUTH_AUDIENCE", "orchestrator-ops"),
	}
}

// Enabled reports whether operator auth should be enforced
func (c *Config) Enabled() bool {
	return c != nil && c.JWKSURL != ""
}

// Validate ensures the configuration is complete enough to verify tokens
func (c *Config) Validate() error {
	if c.JWKSURL == "" {
		return fmt.Errorf("JWKSURL is required")
	}
	if c.Issuer == "" {
		return fmt.Errorf("Issuer is required")
	}
	return nil
}

// OperatorClaims are the JWT claims carried by operator tokens
type OperatorClaims struct {
	jwt.RegisteredClaims
	Email string `json:"email"`
	Role  string `json:"role"`
}

// TokenValidator verifies a bearer token and returns its claims
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (*OperatorClaims, error)
}

// JWKSValidator verifies tokens against the identity service's published keys
type JWKSValidator struct {
	config *Config

	once    sync.Once
	jwks    keyfunc.Keyfunc
	initErr error
}

// NewJWKSValidator creates a validator from config. Panics when the config
// is incomplete: enforcing auth against a missing key source would turn
// every request into a 500.
func NewJWKSValidator(config *Config) *JWKSValidator {
	if err := config.Validate(); err != nil {
		panic(fmt.Sprintf("auth config invalid: %v", err))
	}
	return &JWKSValidator{config: config}
}

func (v *JWKSValidator) keyfunc() (keyfunc.Keyfunc, error) {
	v.once.Do(func() {
		override := keyfunc.Override{
			Client:          &http.Client{Timeout: 5 * time.Second},
			HTTPTimeout:     5 * time.Second,
			RefreshInterval: 10 * time.Minute,
			RefreshErrorHandlerFunc: func(url string) func(ctx context.Context, err error) {
				return func(ctx context.Context, err error) {
					log.Error().Err(err).Str("jwks_url", url).Msg("JWKS refresh failed")
				}
			},
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		v.jwks, v.initErr = keyfunc.NewDefaultOverrideCtx(ctx, []string{v.config.JWKSURL}, override)
	})

	if v.initErr != nil {
		return nil, v.initErr
	}
	return v.jwks, nil
}

// ValidateToken parses and verifies an operator JWT
func (v *JWKSValidator) ValidateToken(ctx context.Context, tokenString string) (*OperatorClaims, error) {
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("request context cancelled: %w", ctx.Err())
	default:
	}

	jwks, err := v.keyfunc()
	if err != nil {
		return nil, fmt.Errorf("failed to initialise JWKS: %w", err)
	}

	token, err := jwt.ParseWithClaims(
		tokenString,
		&OperatorClaims{},
		jwks.Keyfunc,
		jwt.WithValidMethods([]string{
			jwt.SigningMethodRS256.Name,
			jwt.SigningMethodES256.Name,
		}),
		jwt.WithIssuer(v.config.Issuer),
		jwt.WithAudience(v.config.Audience),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(*OperatorClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}

	if claims.Role != "ops" && claims.Role != "admin" {
		return nil, fmt.Errorf("token role %q may not operate the platform", claims.Role)
	}

	return claims, nil
}

// operatorContextKey is the key used to store operator claims in the request context
type operatorContextKey string

const operatorKey operatorContextKey = "operator"

// GetOperator retrieves the verified operator claims from the request context
func GetOperator(r *http.Request) *OperatorClaims {
	claims, _ := r.Context().Value(operatorKey).(*OperatorClaims)
	return claims
}

// ExtractToken pulls the bearer token from the Authorization header
func ExtractToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" || !strings.HasPrefix(header, "Bearer ") {
		return "", fmt.Errorf("missing or invalid Authorization header")
	}
	return strings.TrimPrefix(header, "Bearer "), nil
}

// Middleware enforces operator auth on the wrapped handler
func Middleware(validator TokenValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString, err := ExtractToken(r)
			if err != nil {
				writeAuthError(w, "Missing or invalid Authorization header", http.StatusUnauthorized)
				return
			}

			claims, err := validator.ValidateToken(r.Context(), tokenString)
			if err != nil {
				log.Warn().Err(err).Msg("Operator token validation failed")

				message := "Invalid authentication token"
				status := http.StatusUnauthorized

				switch {
				case strings.Contains(err.Error(), "expired"):
					message = "Authentication token has expired"
				case strings.Contains(err.Error(), "signature"):
					message = "Invalid token signature"
					sentry.CaptureException(err)
				case strings.Contains(err.Error(), "JWKS"):
					message = "Authentication service misconfigured"
					status = http.StatusInternalServerError
					sentry.CaptureException(err)
				}

				writeAuthError(w, message, status)
				return
			}

			ctx := context.WithValue(r.Context(), operatorKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func writeAuthError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":  status,
		"message": message,
		"code":    "UNAUTHORISED",
	})
}

func getEnvOr(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
