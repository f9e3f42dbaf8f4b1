package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/flowmaestro/flowmaestro/fault"
)

type ctxKey int

const userKey ctxKey = iota

// UserID returns the authenticated user for a request context, or empty.
func UserID(ctx context.Context) string {
	id, _ := ctx.Value(userKey).(string)
	return id
}

// authenticate resolves the bearer token into a user id. Tokens are HS256
// JWTs whose subject is the user id.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, err := s.userFromToken(bearerToken(r))
		if err != nil {
			respondErr(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey, userID)))
	})
}

// bearerToken extracts the token from the Authorization header or, for the
// WebSocket path where browsers cannot set headers, the token query
// parameter.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if tok, ok := strings.CutPrefix(h, "Bearer "); ok {
			return tok
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

func (s *Server) userFromToken(raw string) (string, error) {
	if raw == "" {
		return "", fault.New(fault.KindAuth, "missing bearer token")
	}
	tok, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fault.Newf(fault.KindAuth, "unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil || !tok.Valid {
		return "", fault.Wrap(fault.KindAuth, err, "invalid bearer token")
	}
	sub, err := tok.Claims.GetSubject()
	if err != nil || sub == "" {
		return "", fault.New(fault.KindAuth, "token has no subject")
	}
	return sub, nil
}
