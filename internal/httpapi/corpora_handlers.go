package httpapi

import (
	"net/http"
	"slices"
	"strings"

	"corpushub.org/internal/audit"
	"corpushub.org/internal/directory"
	"corpushub.org/internal/roles"
)

type roleMutationRequest struct {
	Username string             `json:"username"`
	Password string             `json:"password"`
	Users    []roleMutationItem `json:"users"`
}

type roleMutationItem struct {
	Username string   `json:"username"`
	Add      []string `json:"add"`
	Remove   []string `json:"remove"`
}

func (a *API) handleCorpusScoped(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/corpora/")
	path = strings.Trim(path, "/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	parts := strings.Split(path, "/")
	if len(parts) != 2 {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	resourceID := parts[0]
	switch parts[1] {
	case "roles":
		a.handleCorpusRoles(w, r, resourceID)
	case "team":
		a.handleCorpusTeam(w, r, resourceID)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) handleCorpusRoles(w http.ResponseWriter, r *http.Request, resourceID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if a.roles == nil {
		writeError(w, r, http.StatusServiceUnavailable, "role service unavailable")
		return
	}

	var req roleMutationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	items := make([]roles.Item, len(req.Users))
	for i, user := range req.Users {
		items[i] = roles.Item{
			SubjectID: user.Username,
			Add:       user.Add,
			Remove:    parseRemove(resourceID, user.Remove),
		}
	}

	result, err := a.roles.MutateRoles(r.Context(), resourceID, req.Username, req.Password, items)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}

	_ = audit.LogEvent(r.Context(), "roles.mutation.applied", map[string]any{
		"resource": resourceID,
		"by":       req.Username,
		"items":    len(items),
		"status":   result.Status,
	})
	writeJSON(w, result.Status, result)
}

// parseRemove maps the wire removal list onto the tagged form. The "all"
// sentinel, bare or namespaced, means every role currently held.
func parseRemove(resourceID string, labels []string) roles.RemoveSpec {
	for _, label := range labels {
		name := directory.Namespace(resourceID, label).Name
		if name == directory.SentinelAll {
			return roles.RemoveAll()
		}
	}
	if len(labels) == 0 {
		return roles.RemoveSpec{}
	}
	return roles.RemoveLabels(slices.Clone(labels)...)
}

func (a *API) handleCorpusTeam(w http.ResponseWriter, r *http.Request, resourceID string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if a.team == nil {
		writeError(w, r, http.StatusServiceUnavailable, "team service unavailable")
		return
	}

	r, requester, ok := a.requireSession(w, r)
	if !ok {
		return
	}

	view, err := a.team.BuildTeamView(r.Context(), resourceID, requester)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}
