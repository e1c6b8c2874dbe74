// Package gate validates login attempts and drives the attempt, lockout
// and recovery state machine. Every attempt passes through verification
// exactly once; only a disabled account short-circuits before it.
package gate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"corpushub.org/internal/autherr"
	"corpushub.org/internal/credential"
	"corpushub.org/internal/identity"
	"corpushub.org/internal/notify"
	"corpushub.org/internal/obs"
)

const defaultLockoutThreshold = 5

// Gate authenticates subjects against the credential store and identity
// repository.
type Gate struct {
	subjects   identity.Repository
	creds      credential.Store
	dispatcher notify.Dispatcher

	threshold int
	exempt    map[string]struct{}
	now       func() time.Time
	newSecret func() (string, error)
}

// Option configures Gate behavior.
type Option func(*Gate)

// WithLockoutThreshold overrides the consecutive-failure count that
// triggers recovery.
func WithLockoutThreshold(n int) Option {
	return func(g *Gate) {
		if n > 0 {
			g.threshold = n
		}
	}
}

// WithExemptSubjects marks seed/system identities that never enter
// lockout. Their failure logs still grow.
func WithExemptSubjects(ids []string) Option {
	return func(g *Gate) {
		for _, id := range ids {
			if id != "" {
				g.exempt[id] = struct{}{}
			}
		}
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(g *Gate) {
		if fn != nil {
			g.now = fn
		}
	}
}

// WithSecretGenerator overrides temporary-secret generation (useful for
// tests).
func WithSecretGenerator(fn func() (string, error)) Option {
	return func(g *Gate) {
		if fn != nil {
			g.newSecret = fn
		}
	}
}

// New constructs a Gate.
func New(subjects identity.Repository, creds credential.Store, dispatcher notify.Dispatcher, opts ...Option) *Gate {
	g := &Gate{
		subjects:   subjects,
		creds:      creds,
		dispatcher: dispatcher,
		threshold:  defaultLockoutThreshold,
		exempt:     make(map[string]struct{}),
		now:        time.Now,
		newSecret:  credential.NewTemporarySecret,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Authenticate validates one login attempt. On success the failure log is
// archived, a success timestamp recorded and a snapshot returned. On
// failure the attempt is persisted immediately so lockout state survives
// restarts, and the returned error carries the outcome: Unauthorized
// below the threshold, LockedRecoverySent or LockedNoRecovery at it.
func (g *Gate) Authenticate(ctx context.Context, subjectID, candidateSecret string) (identity.Snapshot, error) {
	if subjectID == "" {
		return identity.Snapshot{}, fail("invalid", autherr.New(autherr.InvalidRequest, "Please supply a username."))
	}
	if candidateSecret == "" {
		return identity.Snapshot{}, fail("invalid", autherr.New(autherr.InvalidRequest, "Please supply a password."))
	}
	normalized, ok := identity.SafeID(subjectID)
	if !ok {
		if len(normalized) < 3 {
			return identity.Snapshot{}, fail("invalid", autherr.New(autherr.InvalidRequest, "Please supply a longer username."))
		}
		return identity.Snapshot{}, fail("invalid", autherr.Newf(autherr.InvalidIdentifier,
			"Username or password is invalid. Maybe your username is %s?", normalized))
	}

	subj, err := g.subjects.Get(ctx, subjectID)
	if errors.Is(err, identity.ErrNotFound) {
		// Never reveal which field was wrong.
		return identity.Snapshot{}, fail("unauthorized", unauthorized(""))
	}
	if err != nil {
		return identity.Snapshot{}, fail("error", upstream("look up subject", err))
	}

	if subj.Disabled() {
		return identity.Snapshot{}, fail("disabled", autherr.Newf(autherr.Disabled,
			"This account has been disabled: %s", subj.DisabledReason))
	}

	verified, err := g.creds.Verify(ctx, subjectID, candidateSecret)
	if err != nil {
		return identity.Snapshot{}, fail("error", upstream("verify secret", err))
	}

	if verified {
		return g.succeed(ctx, subj)
	}
	return identity.Snapshot{}, g.recordFailure(ctx, subj)
}

func (g *Gate) succeed(ctx context.Context, subj *identity.Subject) (identity.Snapshot, error) {
	subj.RecordSuccess(g.now().UTC())
	if err := g.persist(ctx, subj); err != nil {
		if errors.Is(err, identity.ErrConflict) {
			return identity.Snapshot{}, fail("error", conflict(err))
		}
		return identity.Snapshot{}, fail("error", upstream("save subject", err))
	}
	obs.ObserveLogin("success")
	return subj.Snapshot(), nil
}

func (g *Gate) recordFailure(ctx context.Context, subj *identity.Subject) error {
	subj.RecordFailure(g.now().UTC())

	// Persist the attempt before any threshold decision so lockout state
	// survives a process restart.
	if err := g.persist(ctx, subj); err != nil {
		if errors.Is(err, identity.ErrConflict) {
			return fail("error", conflict(err))
		}
		return fail("error", upstream("save subject", err))
	}

	attempts := len(subj.FailureLog)
	if g.isExempt(subj) || attempts < g.threshold {
		return fail("unauthorized", unauthorized(g.remainingHint(subj, attempts)))
	}

	if !subj.HasUsableRecoveryAddress() {
		return fail("locked_no_recovery", autherr.New(autherr.LockedNoRecovery,
			"You have tried to log in too many times and there is no recovery address on your account, so we cannot send you a temporary password."))
	}
	return g.issueRecovery(ctx, subj)
}

// issueRecovery resets the subject's secret and clears the failure log.
// Dispatch is best-effort: the log stays cleared even when the
// notification cannot be confirmed, since the point is to stop the
// lockout cycle.
func (g *Gate) issueRecovery(ctx context.Context, subj *identity.Subject) error {
	secret, err := g.newSecret()
	if err != nil {
		return fail("error", upstream("generate temporary secret", err))
	}
	if err := g.creds.SetSecret(ctx, subj.ID, secret); err != nil {
		if errors.Is(err, identity.ErrReservedSubject) {
			return fail("reserved", reservedSecretReset(subj.ID))
		}
		return fail("error", upstream("set temporary secret", err))
	}

	subj.RecoverySentCount++
	subj.ArchiveFailureLog()
	if err := g.persist(ctx, subj); err != nil {
		if errors.Is(err, identity.ErrConflict) {
			return fail("error", conflict(err))
		}
		return fail("error", upstream("save subject", err))
	}

	err = g.dispatcher.Send(ctx, subj.RecoveryAddress, notify.TemplateRecovery, map[string]string{
		"temporary_secret": secret,
	})
	obs.ObserveRecoveryDispatch(err == nil)

	obs.ObserveLogin("locked_recovery_sent")
	return autherr.New(autherr.LockedRecoverySent,
		"You have tried to log in too many times. We are sending a temporary password to your recovery address.")
}

// persist writes the subject, treating the reserved-subject refusal as a
// no-op: protected installs never update seed identities, but those
// identities still authenticate normally.
func (g *Gate) persist(ctx context.Context, subj *identity.Subject) error {
	err := g.subjects.Put(ctx, subj)
	if errors.Is(err, identity.ErrReservedSubject) {
		return nil
	}
	return err
}

func (g *Gate) isExempt(subj *identity.Subject) bool {
	if subj.LockoutExempt {
		return true
	}
	_, ok := g.exempt[subj.ID]
	return ok
}

// remainingHint counts down to recovery. The countdown only appears from
// the second failure on, and never for exempt subjects.
func (g *Gate) remainingHint(subj *identity.Subject, attempts int) string {
	if g.isExempt(subj) || attempts <= 1 {
		return ""
	}
	remaining := g.threshold - attempts
	if remaining < 0 {
		remaining = 0
	}
	return fmt.Sprintf(" You have %d more attempts before a temporary password will be emailed to your recovery address (if you provided one).", remaining)
}

// ChangeSecret rotates a subject's secret after verifying the current
// one. Verification goes through Authenticate, so a wrong current secret
// counts as a failed attempt exactly like a failed login.
func (g *Gate) ChangeSecret(ctx context.Context, subjectID, currentSecret, newSecret string) (identity.Snapshot, error) {
	if subjectID == "" {
		return identity.Snapshot{}, autherr.New(autherr.InvalidRequest, "Please supply a username.")
	}
	if currentSecret == "" {
		return identity.Snapshot{}, autherr.New(autherr.InvalidRequest, "Please supply your old password.")
	}
	if newSecret == "" {
		return identity.Snapshot{}, autherr.New(autherr.InvalidRequest, "Please supply your new password.")
	}

	snap, err := g.Authenticate(ctx, subjectID, currentSecret)
	if err != nil {
		return identity.Snapshot{}, err
	}

	if err := g.creds.SetSecret(ctx, subjectID, newSecret); err != nil {
		if errors.Is(err, identity.ErrReservedSubject) {
			return identity.Snapshot{}, reservedSecretReset(subjectID)
		}
		return identity.Snapshot{}, upstream("set new secret", err)
	}
	return snap, nil
}

// RequestRecovery mails a temporary secret to the subject's recovery
// address and installs it. Unlike lockout recovery the dispatch happens
// first: a mail failure leaves the current secret in place, so the
// subject is never locked out of an address they cannot read.
func (g *Gate) RequestRecovery(ctx context.Context, subjectID string) error {
	if subjectID == "" {
		return autherr.New(autherr.InvalidRequest, "Please supply a username.")
	}

	subj, err := g.subjects.Get(ctx, subjectID)
	if errors.Is(err, identity.ErrNotFound) {
		return autherr.Newf(autherr.NotFound, "Subject %s does not exist on this server.", subjectID)
	}
	if err != nil {
		return upstream("look up subject", err)
	}
	if subj.Disabled() {
		return autherr.Newf(autherr.Disabled, "This account has been disabled: %s", subj.DisabledReason)
	}
	if !subj.HasUsableRecoveryAddress() {
		return autherr.New(autherr.InvalidRequest,
			"You did not provide a recovery address when you registered, so we cannot send you a temporary password. Please contact us to reset your password.")
	}

	secret, err := g.newSecret()
	if err != nil {
		return upstream("generate temporary secret", err)
	}
	err = g.dispatcher.Send(ctx, subj.RecoveryAddress, notify.TemplateRecovery, map[string]string{
		"temporary_secret": secret,
	})
	obs.ObserveRecoveryDispatch(err == nil)
	if err != nil {
		return autherr.Wrap(autherr.UpstreamFailure,
			"The server was unable to send you an email, so your password has not been reset. Please report this.", err)
	}

	if err := g.creds.SetSecret(ctx, subj.ID, secret); err != nil {
		if errors.Is(err, identity.ErrReservedSubject) {
			return reservedSecretReset(subj.ID)
		}
		return upstream("set temporary secret", err)
	}
	subj.RecoverySentCount++
	subj.ArchiveFailureLog()
	if err := g.persist(ctx, subj); err != nil {
		if errors.Is(err, identity.ErrConflict) {
			return conflict(err)
		}
		return upstream("save subject", err)
	}
	return nil
}

func unauthorized(hint string) *autherr.Error {
	return autherr.New(autherr.Unauthorized, "Username or password is invalid. Please try again."+hint)
}

func conflict(cause error) *autherr.Error {
	return autherr.Wrap(autherr.Conflict,
		"Your account was updated concurrently. Please try again.", cause)
}

func reservedSecretReset(id string) *autherr.Error {
	return autherr.Newf(autherr.ReservedSubject,
		"Subject %s is reserved and its password cannot be reset.", id)
}

func upstream(op string, cause error) *autherr.Error {
	return autherr.Wrap(autherr.UpstreamFailure,
		"The server is not responding for this request. Please report this.",
		fmt.Errorf("%s: %w", op, cause))
}

func fail(outcome string, err *autherr.Error) *autherr.Error {
	obs.ObserveLogin(outcome)
	return err
}
