package server

import (
	"context"
	"net/http"
	"strings"

	"subsidychain/services/subsidyd/accounts"
)

type contextKey string

const contextKeyClaims contextKey = "session_claims"

// ClaimsFromContext returns the verified session claims, if any.
func ClaimsFromContext(ctx context.Context) (*accounts.Claims, bool) {
	claims, ok := ctx.Value(contextKeyClaims).(*accounts.Claims)
	return claims, ok && claims != nil
}

// requireRole ensures the bearer token carries one of the allowed roles. It is a
// pass-through when authentication is disabled.
func (s *Server) requireRole(roles ...string) func(http.Handler) http.Handler {
	allowed := make(map[string]struct{}, len(roles))
	for _, role := range roles {
		allowed[role] = struct{}{}
	}
	return func(next http.Handler) http.Handler {
		if !s.requireAuth {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokens := s.accounts.Tokens()
			if tokens == nil {
				s.writeMessage(w, http.StatusUnauthorized, "Authentication is not configured.")
				return
			}
			header := r.Header.Get("Authorization")
			raw, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || strings.TrimSpace(raw) == "" {
				s.writeMessage(w, http.StatusUnauthorized, "Missing bearer token.")
				return
			}
			claims, err := tokens.Parse(strings.TrimSpace(raw))
			if err != nil {
				s.writeMessage(w, http.StatusUnauthorized, "Invalid or expired token.")
				return
			}
			if _, ok := allowed[claims.Role]; !ok {
				s.writeMessage(w, http.StatusForbidden, "Insufficient role.")
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), contextKeyClaims, claims)))
		})
	}
}
