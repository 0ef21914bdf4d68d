package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/shan-hee/easyssh/internal/auth"
	"github.com/shan-hee/easyssh/internal/database"
)

type contextKey string

const userContextKey contextKey = "user"

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// BearerToken extracts the JWT from the Authorization header or, for
// websocket upgrades where browsers cannot set headers, from the token query
// parameter.
func BearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if tok := strings.TrimPrefix(h, "Bearer "); tok != h {
			return tok
		}
	}
	return r.URL.Query().Get("token")
}

// RequireAuth rejects requests without a valid bearer token before any
// upgrade or handler runs, and attaches the authenticated user to the request
// context.
func RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := BearerToken(r)
		if token == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Authentication required"})
			return
		}

		userID, _, err := auth.VerifyToken(token)
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Authentication required"})
			return
		}

		user, err := database.GetUserByID(userID)
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Authentication required"})
			return
		}

		ctx := context.WithValue(r.Context(), userContextKey, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetUser returns the authenticated user, or nil outside RequireAuth.
func GetUser(r *http.Request) *database.User {
	user, _ := r.Context().Value(userContextKey).(*database.User)
	return user
}

// WithUserForTest attaches a User to the request context for testing.
func WithUserForTest(r *http.Request, user *database.User) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), userContextKey, user))
}
