package httpserver

import (
	"context"
	"net/http"
	"strings"

	"papertrade/internal/auth"
	"papertrade/internal/httputil"
)

type ctxKey string

const ownerIDKey ctxKey = "owner_id"

// WithAuth resolves the bearer token to a portfolio owner id. A valid
// signature is not enough: the subject must still exist, since tokens
// outlive account deletion.
func WithAuth(svc *auth.Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authz := r.Header.Get("Authorization")
			parts := strings.SplitN(authz, " ", 2)
			if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
				httputil.WriteJSON(w, http.StatusUnauthorized, httputil.ErrorResponse{Error: "missing bearer token"})
				return
			}
			ownerID, err := svc.ParseToken(parts[1])
			if err != nil {
				httputil.WriteJSON(w, http.StatusUnauthorized, httputil.ErrorResponse{Error: "invalid token"})
				return
			}
			exists, err := svc.UserExists(r.Context(), ownerID)
			if err != nil {
				httputil.WriteJSON(w, http.StatusInternalServerError, httputil.ErrorResponse{Error: "auth lookup failed"})
				return
			}
			if !exists {
				httputil.WriteJSON(w, http.StatusUnauthorized, httputil.ErrorResponse{Error: "unknown account"})
				return
			}
			ctx := context.WithValue(r.Context(), ownerIDKey, ownerID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// UserID returns the portfolio owner id set by WithAuth.
func UserID(r *http.Request) (string, bool) {
	v := r.Context().Value(ownerIDKey)
	if v == nil {
		return "", false
	}
	id, ok := v.(string)
	return id, ok
}

func InternalAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("X-Internal-Token") != token {
				httputil.WriteJSON(w, http.StatusUnauthorized, httputil.ErrorResponse{Error: "invalid internal token"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
