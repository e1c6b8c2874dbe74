package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"corpushub.org/internal/autherr"
	"corpushub.org/internal/identity"
	"corpushub.org/internal/roles"
	"corpushub.org/internal/session"
	"corpushub.org/internal/team"
)

type fakeAuth struct {
	snapshot identity.Snapshot
	err      error
}

func (f *fakeAuth) Authenticate(_ context.Context, subjectID, secret string) (identity.Snapshot, error) {
	if f.err != nil {
		return identity.Snapshot{}, f.err
	}
	return f.snapshot, nil
}

type fakeMutator struct {
	gotResource string
	gotItems    []roles.Item
	result      roles.BatchResult
	err         error
}

func (f *fakeMutator) MutateRoles(_ context.Context, resourceID, requesterID, requesterSecret string, items []roles.Item) (roles.BatchResult, error) {
	f.gotResource = resourceID
	f.gotItems = items
	if f.err != nil {
		return roles.BatchResult{}, f.err
	}
	return f.result, nil
}

type fakeTeam struct {
	gotRequester string
	view         team.TeamView
	err          error
}

func (f *fakeTeam) BuildTeamView(_ context.Context, resourceID, requesterID string) (team.TeamView, error) {
	f.gotRequester = requesterID
	if f.err != nil {
		return team.TeamView{}, f.err
	}
	return f.view, nil
}

type fakeSecrets struct {
	gotSubject string
	gotNew     string
	snapshot   identity.Snapshot
	err        error
}

func (f *fakeSecrets) ChangeSecret(_ context.Context, subjectID, currentSecret, newSecret string) (identity.Snapshot, error) {
	f.gotSubject = subjectID
	f.gotNew = newSecret
	if f.err != nil {
		return identity.Snapshot{}, f.err
	}
	return f.snapshot, nil
}

type fakeRecovery struct {
	gotSubject string
	err        error
}

func (f *fakeRecovery) RequestRecovery(_ context.Context, subjectID string) error {
	f.gotSubject = subjectID
	return f.err
}

type fakeMasks struct {
	masks map[string]*identity.Mask
}

func (f *fakeMasks) GetMask(_ context.Context, subjectID string) (*identity.Mask, error) {
	if mask, ok := f.masks[subjectID]; ok {
		return mask, nil
	}
	return nil, identity.ErrNotFound
}

type testDeps struct {
	auth     *fakeAuth
	mutator  *fakeMutator
	team     *fakeTeam
	secrets  *fakeSecrets
	recovery *fakeRecovery
	masks    *fakeMasks
	sessions *session.Manager
}

func newTestAPI(t *testing.T) (*httptest.Server, *testDeps) {
	t.Helper()

	sessions, err := session.NewManager("test-secret")
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	deps := &testDeps{
		auth:     &fakeAuth{snapshot: identity.Snapshot{ID: "sapir"}},
		mutator:  &fakeMutator{result: roles.BatchResult{Status: 200}},
		team:     &fakeTeam{view: team.TeamView{ResourceID: "fieldnotes"}},
		secrets:  &fakeSecrets{snapshot: identity.Snapshot{ID: "sapir"}},
		recovery: &fakeRecovery{},
		masks:    &fakeMasks{masks: make(map[string]*identity.Mask)},
		sessions: sessions,
	}
	api := New(Config{
		Auth:               deps.auth,
		Roles:              deps.mutator,
		Team:               deps.team,
		Secrets:            deps.secrets,
		Recovery:           deps.recovery,
		Masks:              deps.masks,
		Sessions:           sessions,
		Version:            "test",
		RateLimitPerSecond: 100,
		RateLimitBurst:     100,
	})
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)
	return srv, deps
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestAPI(t)
	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body := decode[map[string]any](t, resp)
	if body["service"] != "corpushub-api" {
		t.Fatalf("body = %v", body)
	}
}

func TestLoginSuccessIssuesToken(t *testing.T) {
	srv, _ := newTestAPI(t)

	resp := postJSON(t, srv.URL+"/v1/auth/login", map[string]string{
		"username": "sapir", "password": "phoneme",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body := decode[loginResponse](t, resp)
	if body.User.ID != "sapir" || body.Token == "" {
		t.Fatalf("body = %+v", body)
	}
	if !body.ExpiresAt.After(time.Now()) {
		t.Fatalf("expires_at = %v", body.ExpiresAt)
	}
}

func TestLoginDeniedMapsTaxonomyStatus(t *testing.T) {
	srv, deps := newTestAPI(t)

	cases := []struct {
		kind autherr.Kind
		want int
	}{
		{autherr.Unauthorized, 401},
		{autherr.InvalidRequest, 412},
		{autherr.InvalidIdentifier, 406},
		{autherr.LockedRecoverySent, 423},
		{autherr.LockedNoRecovery, 423},
		{autherr.Disabled, 403},
	}
	for _, tc := range cases {
		deps.auth.err = autherr.New(tc.kind, "denied")
		resp := postJSON(t, srv.URL+"/v1/auth/login", map[string]string{
			"username": "sapir", "password": "bad",
		})
		body := decode[map[string]any](t, resp)
		if resp.StatusCode != tc.want {
			t.Fatalf("kind %s: status = %d, want %d", tc.kind, resp.StatusCode, tc.want)
		}
		if body["code"] != string(tc.kind) {
			t.Fatalf("kind %s: code = %v", tc.kind, body["code"])
		}
	}
}

func TestLoginRejectsNonPost(t *testing.T) {
	srv, _ := newTestAPI(t)
	resp, err := http.Get(srv.URL + "/v1/auth/login")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestPasswordChangeSuccess(t *testing.T) {
	srv, deps := newTestAPI(t)

	resp := postJSON(t, srv.URL+"/v1/auth/password", map[string]string{
		"username":         "sapir",
		"password":         "oldsecret",
		"new_password":     "newsecret",
		"confirm_password": "newsecret",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body := decode[map[string]any](t, resp)
	if body["info"] != "Your password has successfully been updated." {
		t.Fatalf("body = %v", body)
	}
	if deps.secrets.gotSubject != "sapir" || deps.secrets.gotNew != "newsecret" {
		t.Fatalf("change call = %q %q", deps.secrets.gotSubject, deps.secrets.gotNew)
	}
}

func TestPasswordChangeMismatchedConfirmation(t *testing.T) {
	srv, deps := newTestAPI(t)

	resp := postJSON(t, srv.URL+"/v1/auth/password", map[string]string{
		"username":         "sapir",
		"password":         "oldsecret",
		"new_password":     "newsecret",
		"confirm_password": "different",
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusPreconditionFailed {
		t.Fatalf("status = %d, want 412", resp.StatusCode)
	}
	if deps.secrets.gotSubject != "" {
		t.Fatal("mismatched confirmation must not reach the gate")
	}
}

func TestPasswordChangeDeniedMapsStatus(t *testing.T) {
	srv, deps := newTestAPI(t)
	deps.secrets.err = autherr.New(autherr.ReservedSubject, "Subject public is reserved and its password cannot be reset.")

	resp := postJSON(t, srv.URL+"/v1/auth/password", map[string]string{
		"username": "public", "password": "old", "new_password": "new",
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
}

func TestForgotPasswordDispatches(t *testing.T) {
	srv, deps := newTestAPI(t)

	resp := postJSON(t, srv.URL+"/v1/auth/forgot", map[string]string{
		"username": "alice",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body := decode[map[string]any](t, resp)
	if body["info"] != "A temporary password has been sent to your recovery address." {
		t.Fatalf("body = %v", body)
	}
	if deps.recovery.gotSubject != "alice" {
		t.Fatalf("recovery call = %q", deps.recovery.gotSubject)
	}
}

func TestForgotPasswordUnknownSubject(t *testing.T) {
	srv, deps := newTestAPI(t)
	deps.recovery.err = autherr.New(autherr.NotFound, "Subject ghost does not exist on this server.")

	resp := postJSON(t, srv.URL+"/v1/auth/forgot", map[string]string{"username": "ghost"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestProfileReturnsMask(t *testing.T) {
	srv, deps := newTestAPI(t)
	deps.masks.masks["sapir"] = &identity.Mask{
		SubjectID:    "sapir",
		DisplayName:  "Edward Sapir",
		AvatarDigest: "abc123",
	}
	token, _, err := deps.sessions.Generate("sapir", nil, time.Minute)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/v1/auth/me", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body := decode[identity.Mask](t, resp)
	if body.SubjectID != "sapir" || body.DisplayName != "Edward Sapir" {
		t.Fatalf("body = %+v", body)
	}
}

func TestProfileWithoutMaskIsBare(t *testing.T) {
	srv, deps := newTestAPI(t)
	token, _, err := deps.sessions.Generate("whorf", nil, time.Minute)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/v1/auth/me", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body := decode[identity.Mask](t, resp)
	if body.SubjectID != "whorf" {
		t.Fatalf("body = %+v", body)
	}
}

func TestProfileRequiresBearer(t *testing.T) {
	srv, _ := newTestAPI(t)
	resp, err := http.Get(srv.URL + "/v1/auth/me")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestRoleMutationWire(t *testing.T) {
	srv, deps := newTestAPI(t)
	deps.mutator.result = roles.BatchResult{
		Status: 200,
		Outcomes: []roles.Outcome{
			{SubjectID: "boas", Status: 200, After: []string{"reader"}},
		},
	}

	resp := postJSON(t, srv.URL+"/v1/corpora/fieldnotes/roles", map[string]any{
		"username": "sapir",
		"password": "phoneme",
		"users": []map[string]any{
			{"username": "boas", "add": []string{"reader"}, "remove": []string{"all"}},
			{"username": "whorf", "remove": []string{"fieldnotes_writer"}},
		},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	if deps.mutator.gotResource != "fieldnotes" {
		t.Fatalf("resource = %q", deps.mutator.gotResource)
	}
	if len(deps.mutator.gotItems) != 2 {
		t.Fatalf("items = %+v", deps.mutator.gotItems)
	}
	if !deps.mutator.gotItems[0].Remove.All {
		t.Fatal(`"all" in remove must map to the remove-everything form`)
	}
	if deps.mutator.gotItems[1].Remove.All || len(deps.mutator.gotItems[1].Remove.Labels) != 1 {
		t.Fatalf("item[1].Remove = %+v", deps.mutator.gotItems[1].Remove)
	}
}

func TestRoleMutationOverallFailureStatus(t *testing.T) {
	srv, deps := newTestAPI(t)
	deps.mutator.result = roles.BatchResult{
		Status:   404,
		Outcomes: []roles.Outcome{{SubjectID: "ghost", Status: 404}},
	}

	resp := postJSON(t, srv.URL+"/v1/corpora/fieldnotes/roles", map[string]any{
		"username": "sapir",
		"password": "phoneme",
		"users":    []map[string]any{{"username": "ghost", "add": []string{"reader"}}},
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestRoleMutationForbidden(t *testing.T) {
	srv, deps := newTestAPI(t)
	deps.mutator.err = autherr.New(autherr.Forbidden, "You must be an admin of fieldnotes to modify its team.")

	resp := postJSON(t, srv.URL+"/v1/corpora/fieldnotes/roles", map[string]any{
		"username": "boas",
		"password": "phoneme",
		"users":    []map[string]any{{"username": "whorf", "add": []string{"reader"}}},
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
}

func TestTeamViewRequiresBearer(t *testing.T) {
	srv, _ := newTestAPI(t)
	resp, err := http.Get(srv.URL + "/v1/corpora/fieldnotes/team")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestTeamViewWithToken(t *testing.T) {
	srv, deps := newTestAPI(t)
	token, _, err := deps.sessions.Generate("sapir", nil, time.Minute)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/v1/corpora/fieldnotes/team", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body := decode[map[string]any](t, resp)
	if body["resource_id"] != "fieldnotes" {
		t.Fatalf("body = %v", body)
	}
	if deps.team.gotRequester != "sapir" {
		t.Fatalf("requester = %q, want token subject", deps.team.gotRequester)
	}
}

func TestTeamViewForbiddenNonMember(t *testing.T) {
	srv, deps := newTestAPI(t)
	deps.team.err = autherr.New(autherr.Forbidden, "You are not a member of fieldnotes's team.")
	token, _, err := deps.sessions.Generate("drifter", nil, time.Minute)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/v1/corpora/fieldnotes/team", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
}

func TestUnknownCorpusSubresource(t *testing.T) {
	srv, _ := newTestAPI(t)
	resp, err := http.Get(srv.URL + "/v1/corpora/fieldnotes/unknown")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}
