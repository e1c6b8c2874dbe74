package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"corpushub.org/internal/session"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

// requireSession validates the bearer token and returns the request with
// the session subject attached to its context. Handlers behind it never
// see an anonymous request.
func (a *API) requireSession(w http.ResponseWriter, r *http.Request) (*http.Request, string, bool) {
	if a.sessions == nil {
		writeError(w, r, http.StatusServiceUnavailable, "session service unavailable")
		return r, "", false
	}
	token, err := extractBearerToken(r.Header.Get(authHeader))
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, err.Error())
		return r, "", false
	}
	claims, err := a.sessions.ParseAndValidate(token)
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, "invalid token")
		return r, "", false
	}
	r = r.WithContext(session.ContextWithSubject(r.Context(), claims.Subject, claims.Roles))
	return r, claims.Subject, true
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}
