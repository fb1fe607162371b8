package httpserver

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const approverKey contextKey = "approver"

// approverAuth guards the human-decision endpoint. Approvers present an HS256
// bearer token carrying a "sub" claim; a configured debug token bypasses JWT
// verification for local development.
func (s *Server) approverAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AllowDebugToken {
			if token := r.Header.Get("X-Debug-Token"); token != "" && token == s.cfg.DebugToken {
				next.ServeHTTP(w, r.WithContext(withApprover(r.Context(), "debug-approver")))
				return
			}
		}

		authHeader := r.Header.Get("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			respondError(w, http.StatusUnauthorized, "bearer token required")
			return
		}
		tokenStr := strings.TrimPrefix(authHeader, "Bearer ")

		token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return []byte(s.cfg.JWTSecret), nil
		})
		if err != nil || !token.Valid {
			respondError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			respondError(w, http.StatusUnauthorized, "invalid claims")
			return
		}
		sub, err := claims.GetSubject()
		if err != nil || sub == "" {
			respondError(w, http.StatusUnauthorized, "missing subject claim")
			return
		}
		if scope, ok := claims["scope"].(string); !ok || !strings.Contains(scope, "coordination:approve") {
			respondError(w, http.StatusForbidden, "missing approval scope")
			return
		}

		next.ServeHTTP(w, r.WithContext(withApprover(r.Context(), sub)))
	})
}

func withApprover(ctx context.Context, approver string) context.Context {
	return context.WithValue(ctx, approverKey, approver)
}

func approverFrom(ctx context.Context) string {
	if v, ok := ctx.Value(approverKey).(string); ok {
		return v
	}
	return ""
}
