package relay

import (
	"context"
	"net/http"
	"strings"
)

type contextKey string

const (
	userKey     contextKey = "user_id"
	usernameKey contextKey = "username"
)

type tokenValidator interface {
	ValidateToken(token string) (int64, string, error)
}

// authenticate accepts the token from the Authorization header or, for
// browsers that cannot set headers on websocket upgrades, ?token=.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.rejectAuth.Load() {
			http.Error(w, "Credential rejected", http.StatusUnauthorized)
			return
		}

		token := ""
		if parts := strings.Split(r.Header.Get("Authorization"), " "); len(parts) == 2 {
			token = parts[1]
		}
		if token == "" {
			token = r.URL.Query().Get("token")
		}
		if token == "" {
			http.Error(w, "Missing authentication token", http.StatusUnauthorized)
			return
		}

		userID, username, err := s.validator.ValidateToken(token)
		if err != nil {
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), userKey, userID)
		ctx = context.WithValue(ctx, usernameKey, username)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func viewer(r *http.Request) (int64, string, bool) {
	id, ok := r.Context().Value(userKey).(int64)
	name, ok2 := r.Context().Value(usernameKey).(string)
	return id, name, ok && ok2
}
