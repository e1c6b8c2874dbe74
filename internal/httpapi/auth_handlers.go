package httpapi

import (
	"errors"
	"net/http"
	"time"

	"corpushub.org/internal/audit"
	"corpushub.org/internal/identity"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	User      identity.Snapshot `json:"user"`
	Token     string            `json:"token"`
	ExpiresAt time.Time         `json:"expires_at"`
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if a.auth == nil || a.sessions == nil {
		writeError(w, r, http.StatusServiceUnavailable, "authentication service unavailable")
		return
	}

	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	snapshot, err := a.auth.Authenticate(r.Context(), req.Username, req.Password)
	if err != nil {
		_ = audit.LogEvent(r.Context(), "auth.login.denied", map[string]any{
			"username": req.Username,
		})
		handleDomainError(w, r, err)
		return
	}

	token, expiresAt, err := a.sessions.Generate(snapshot.ID, nil, a.tokenTTL)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "token generation failed")
		return
	}

	_ = audit.LogEvent(r.Context(), "auth.login.succeeded", map[string]any{
		"username":   snapshot.ID,
		"expires_at": expiresAt.Format(time.RFC3339),
	})

	writeJSON(w, http.StatusOK, loginResponse{
		User:      snapshot,
		Token:     token,
		ExpiresAt: expiresAt,
	})
}

type passwordChangeRequest struct {
	Username        string `json:"username"`
	Password        string `json:"password"`
	NewPassword     string `json:"new_password"`
	ConfirmPassword string `json:"confirm_password"`
}

func (a *API) handlePasswordChange(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if a.secrets == nil {
		writeError(w, r, http.StatusServiceUnavailable, "authentication service unavailable")
		return
	}

	var req passwordChangeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.ConfirmPassword != "" && req.ConfirmPassword != req.NewPassword {
		writeError(w, r, http.StatusPreconditionFailed, "Your new passwords do not match.")
		return
	}

	snapshot, err := a.secrets.ChangeSecret(r.Context(), req.Username, req.Password, req.NewPassword)
	if err != nil {
		_ = audit.LogEvent(r.Context(), "auth.password.denied", map[string]any{
			"username": req.Username,
		})
		handleDomainError(w, r, err)
		return
	}

	_ = audit.LogEvent(r.Context(), "auth.password.changed", map[string]any{
		"username": snapshot.ID,
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"user": snapshot,
		"info": "Your password has successfully been updated.",
	})
}

type forgotPasswordRequest struct {
	Username string `json:"username"`
}

func (a *API) handleForgotPassword(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if a.recovery == nil {
		writeError(w, r, http.StatusServiceUnavailable, "authentication service unavailable")
		return
	}

	var req forgotPasswordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	if err := a.recovery.RequestRecovery(r.Context(), req.Username); err != nil {
		_ = audit.LogEvent(r.Context(), "auth.recovery.denied", map[string]any{
			"username": req.Username,
		})
		handleDomainError(w, r, err)
		return
	}

	_ = audit.LogEvent(r.Context(), "auth.recovery.requested", map[string]any{
		"username": req.Username,
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"info": "A temporary password has been sent to your recovery address.",
	})
}

// handleProfile returns the requester's own public mask. A subject that
// never published a mask gets a bare one so the response shape is stable.
func (a *API) handleProfile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if a.masks == nil {
		writeError(w, r, http.StatusServiceUnavailable, "profile service unavailable")
		return
	}

	r, requester, ok := a.requireSession(w, r)
	if !ok {
		return
	}

	mask, err := a.masks.GetMask(r.Context(), requester)
	if errors.Is(err, identity.ErrNotFound) {
		mask = &identity.Mask{SubjectID: requester}
	} else if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, mask)
}
