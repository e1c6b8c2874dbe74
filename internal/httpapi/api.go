// Package httpapi is the HTTP boundary: routing, middleware, wire
// encoding and the mapping from domain errors to status codes.
package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"corpushub.org/api/spec"
	"corpushub.org/internal/autherr"
	"corpushub.org/internal/identity"
	"corpushub.org/internal/obs"
	"corpushub.org/internal/roles"
	"corpushub.org/internal/session"
	"corpushub.org/internal/team"
)

// Authenticator validates a login attempt.
type Authenticator interface {
	Authenticate(ctx context.Context, subjectID, candidateSecret string) (identity.Snapshot, error)
}

// RoleMutator applies a batch of role deltas for one resource.
type RoleMutator interface {
	MutateRoles(ctx context.Context, resourceID, requesterID, requesterSecret string, items []roles.Item) (roles.BatchResult, error)
}

// TeamBuilder assembles the membership view of a resource.
type TeamBuilder interface {
	BuildTeamView(ctx context.Context, resourceID, requesterID string) (team.TeamView, error)
}

// SecretChanger rotates a subject's secret after verifying the current
// one.
type SecretChanger interface {
	ChangeSecret(ctx context.Context, subjectID, currentSecret, newSecret string) (identity.Snapshot, error)
}

// RecoveryRequester mails a temporary secret to a subject's recovery
// address.
type RecoveryRequester interface {
	RequestRecovery(ctx context.Context, subjectID string) error
}

// MaskReader resolves the public identity mask of a subject.
type MaskReader interface {
	GetMask(ctx context.Context, subjectID string) (*identity.Mask, error)
}

// ReadyProbe pings the database for the readiness endpoint.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// Config carries the collaborators and knobs the API needs.
type Config struct {
	Auth     Authenticator
	Roles    RoleMutator
	Team     TeamBuilder
	Secrets  SecretChanger
	Recovery RecoveryRequester
	Masks    MaskReader
	Sessions *session.Manager

	Ready    ReadyProbe
	Version  string
	TokenTTL time.Duration

	MaxBodyBytes       int64
	RateLimitPerSecond float64
	RateLimitBurst     int
}

// API is the HTTP layer.
type API struct {
	mux      *http.ServeMux
	auth     Authenticator
	roles    RoleMutator
	team     TeamBuilder
	secrets  SecretChanger
	recovery RecoveryRequester
	masks    MaskReader
	sessions *session.Manager

	readyProbe ReadyProbe
	version    string
	tokenTTL   time.Duration

	maxBodyBytes       int64
	rateLimitPerSecond float64
	rateLimitBurst     int
}

func New(cfg Config) *API {
	a := &API{
		mux:                http.NewServeMux(),
		auth:               cfg.Auth,
		roles:              cfg.Roles,
		team:               cfg.Team,
		secrets:            cfg.Secrets,
		recovery:           cfg.Recovery,
		masks:              cfg.Masks,
		sessions:           cfg.Sessions,
		readyProbe:         cfg.Ready,
		version:            cfg.Version,
		tokenTTL:           cfg.TokenTTL,
		maxBodyBytes:       cfg.MaxBodyBytes,
		rateLimitPerSecond: cfg.RateLimitPerSecond,
		rateLimitBurst:     cfg.RateLimitBurst,
	}
	if a.tokenTTL <= 0 {
		a.tokenTTL = 15 * time.Minute
	}
	if a.maxBodyBytes <= 0 {
		a.maxBodyBytes = 1 << 20
	}
	if a.rateLimitPerSecond <= 0 {
		a.rateLimitPerSecond = 20
	}
	if a.rateLimitBurst <= 0 {
		a.rateLimitBurst = 40
	}

	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)
	a.mux.HandleFunc("/openapi.yaml", a.OpenAPISpec)
	a.mux.Handle("/metrics", obs.Handler())

	a.mux.HandleFunc("/v1/auth/login", a.handleLogin)
	a.mux.HandleFunc("/v1/auth/password", a.handlePasswordChange)
	a.mux.HandleFunc("/v1/auth/forgot", a.handleForgotPassword)
	a.mux.HandleFunc("/v1/auth/me", a.handleProfile)
	a.mux.HandleFunc("/v1/corpora/", a.handleCorpusScoped)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler assembles the middleware chain around the mux.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = obs.Instrument(h)
	h = RateLimit(h, a.rateLimitBurst, a.rateLimitPerSecond)
	h = MaxBodyBytes(h, a.maxBodyBytes)
	h = CORS(h)
	h = SecurityHeaders(h)
	h = Logging(h)
	h = RequestID(h)
	return h
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "corpushub-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "corpushub-api",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

func (a *API) OpenAPISpec(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/yaml; charset=utf-8")
	_, _ = w.Write(spec.OpenAPI)
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

// handleDomainError maps taxonomy errors onto the wire. The taxonomy
// status codes are HTTP codes already (412 validation, 406 unsafe
// identifier, 423 lockout), so they pass through unchanged.
func handleDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var ae *autherr.Error
	if errors.As(err, &ae) {
		payload := map[string]any{
			"error": ae.Message,
			"code":  string(ae.Kind),
		}
		if rid := RequestIDFromContext(r.Context()); rid != "" {
			payload["request_id"] = rid
		}
		writeJSON(w, ae.Status, payload)
		return
	}
	writeError(w, r, http.StatusInternalServerError, "internal error")
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}
