package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/jeremylongshore/moat/pkg/domain"
)

// TenantValidator validates a bearer token and returns the tenant it was
// issued to.
type TenantValidator interface {
	ValidateToken(tokenString string) (domain.TenantID, error)
}

type contextKeyTenantID struct{}

// GetTenantID retrieves the authenticated tenant from the context. Empty
// when the request did not pass RequireTenant.
func GetTenantID(ctx context.Context) domain.TenantID {
	t, _ := ctx.Value(contextKeyTenantID{}).(domain.TenantID)
	return t
}

// WithTenantID returns a context carrying an authenticated tenant. Intended
// for tests and internal callers that bypass the HTTP layer.
func WithTenantID(ctx context.Context, tenant domain.TenantID) context.Context {
	return context.WithValue(ctx, contextKeyTenantID{}, tenant)
}

func writeJSONError(w http.ResponseWriter, status int, errCode, errDesc string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(fmt.Appendf(nil, `{"error":"%s","error_description":"%s"}`, errCode, errDesc))
}

// RequireTenant authenticates the bearer token and stores the tenant in the
// request context. The execute pipeline later compares this tenant against
// the body's tenant_id (confused-deputy defense).
func RequireTenant(validator TenantValidator, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			authHeader := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(authHeader, "Bearer ")
			if !ok || token == "" {
				logger.WarnContext(ctx, "unauthorized access - missing token",
					"request_id", GetRequestID(ctx),
				)
				writeJSONError(w, http.StatusUnauthorized, "unauthorized", "Missing or invalid Authorization header")
				return
			}

			tenant, err := validator.ValidateToken(token)
			if err != nil {
				logger.WarnContext(ctx, "unauthorized access - invalid token",
					"error", err,
					"request_id", GetRequestID(ctx),
				)
				writeJSONError(w, http.StatusUnauthorized, "unauthorized", "Invalid or expired token")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithTenantID(ctx, tenant)))
		})
	}
}

// HMACValidator is the development token validator: HS256 tokens whose
// subject claim names the tenant.
type HMACValidator struct {
	key []byte
}

func NewHMACValidator(signingKey string) *HMACValidator {
	return &HMACValidator{key: []byte(signingKey)}
}

func (v *HMACValidator) ValidateToken(tokenString string) (domain.TenantID, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.key, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return "", err
	}
	sub, err := token.Claims.GetSubject()
	if err != nil || sub == "" {
		return "", fmt.Errorf("token has no subject claim")
	}
	return domain.TenantID(sub), nil
}

// MintToken issues an HS256 token for a tenant. Used by tests and the dev
// tooling; production tokens come from the control plane.
func (v *HMACValidator) MintToken(tenant domain.TenantID) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": tenant.String(),
	})
	return token.SignedString(v.key)
}
