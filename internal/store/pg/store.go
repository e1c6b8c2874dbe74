// Package pg is the PostgreSQL persistence layer: subject records with
// optimistic concurrency, bcrypt secret storage, role assignments and
// public identity masks.
package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"corpushub.org/internal/credential"
	"corpushub.org/internal/directory"
	"corpushub.org/internal/identity"
)

const (
	pgErrUniqueViolation     = "23505"
	pgErrForeignKeyViolation = "23503"
)

var (
	_ identity.Repository = (*Store)(nil)
	_ directory.Service   = (*Store)(nil)
	_ credential.Store    = (*Store)(nil)
)

// Store implements the identity repository, the directory service and
// the credential store on one database handle.
type Store struct {
	db       *sql.DB
	reserved map[string]struct{}
}

// Option configures Store behavior.
type Option func(*Store)

// WithProtectedInstall marks subject ids whose records and secrets the
// store refuses to mutate. Reads are unaffected.
func WithProtectedInstall(reserved []string) Option {
	return func(s *Store) {
		for _, id := range reserved {
			if id != "" {
				s.reserved[id] = struct{}{}
			}
		}
	}
}

// New constructs a Store.
func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{db: db, reserved: make(map[string]struct{})}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ping reports database reachability, used by the readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	return s.db.PingContext(ctx)
}

func (s *Store) isReserved(id string) bool {
	_, ok := s.reserved[id]
	return ok
}

// subjectProfile is the jsonb profile column payload.
type subjectProfile struct {
	DisplayName string `json:"display_name,omitempty"`
}

const subjectColumns = `id, profile, corpora, failure_log, archived_failure_log, success_log,
	recovery_address, recovery_sent_count, disabled_reason, lockout_exempt, welcome_sent,
	rev, created_at, updated_at`

func (s *Store) Get(ctx context.Context, id string) (*identity.Subject, error) {
	if s.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	row := s.db.QueryRowContext(ctx, `
		select `+subjectColumns+`
		from subjects
		where id = $1
	`, id)
	return scanSubject(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubject(row rowScanner) (*identity.Subject, error) {
	var (
		subj           identity.Subject
		profile        []byte
		corpora        []byte
		failureLog     []byte
		archivedLog    []byte
		successLog     []byte
		disabledReason sql.NullString
		welcomeSent    []byte
	)
	err := row.Scan(
		&subj.ID, &profile, &corpora, &failureLog, &archivedLog, &successLog,
		&subj.RecoveryAddress, &subj.RecoverySentCount, &disabledReason, &subj.LockoutExempt,
		&welcomeSent, &subj.Rev, &subj.CreatedAt, &subj.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, identity.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var prof subjectProfile
	if len(profile) > 0 {
		if err := json.Unmarshal(profile, &prof); err != nil {
			return nil, fmt.Errorf("decode profile: %w", err)
		}
	}
	subj.DisplayName = prof.DisplayName
	subj.DisabledReason = disabledReason.String
	if err := decodeJSONB(corpora, &subj.Corpora); err != nil {
		return nil, fmt.Errorf("decode corpora: %w", err)
	}
	if err := decodeJSONB(failureLog, &subj.FailureLog); err != nil {
		return nil, fmt.Errorf("decode failure log: %w", err)
	}
	if err := decodeJSONB(archivedLog, &subj.ArchivedFailureLog); err != nil {
		return nil, fmt.Errorf("decode archived failure log: %w", err)
	}
	if err := decodeJSONB(successLog, &subj.SuccessLog); err != nil {
		return nil, fmt.Errorf("decode success log: %w", err)
	}
	if err := decodeJSONB(welcomeSent, &subj.WelcomeSent); err != nil {
		return nil, fmt.Errorf("decode welcome log: %w", err)
	}
	return &subj, nil
}

func decodeJSONB(raw []byte, dest any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, dest)
}

// Put inserts a new subject (Rev zero) or updates an existing one
// guarded by its revision. A revision mismatch or duplicate insert
// reports ErrConflict; the caller re-reads and retries. On success the
// in-memory revision is advanced to match the stored row.
func (s *Store) Put(ctx context.Context, subject *identity.Subject) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	if s.isReserved(subject.ID) {
		return identity.ErrReservedSubject
	}

	profile, err := json.Marshal(subjectProfile{DisplayName: subject.DisplayName})
	if err != nil {
		return fmt.Errorf("encode profile: %w", err)
	}
	corpora, err := encodeJSONB(subject.Corpora, "[]")
	if err != nil {
		return fmt.Errorf("encode corpora: %w", err)
	}
	failureLog, err := encodeJSONB(subject.FailureLog, "[]")
	if err != nil {
		return fmt.Errorf("encode failure log: %w", err)
	}
	archivedLog, err := encodeJSONB(subject.ArchivedFailureLog, "[]")
	if err != nil {
		return fmt.Errorf("encode archived failure log: %w", err)
	}
	successLog, err := encodeJSONB(subject.SuccessLog, "[]")
	if err != nil {
		return fmt.Errorf("encode success log: %w", err)
	}
	welcomeSent, err := encodeJSONB(subject.WelcomeSent, "{}")
	if err != nil {
		return fmt.Errorf("encode welcome log: %w", err)
	}

	if subject.Rev == 0 {
		_, err := s.db.ExecContext(ctx, `
			insert into subjects (id, profile, corpora, failure_log, archived_failure_log, success_log,
				recovery_address, recovery_sent_count, disabled_reason, lockout_exempt, welcome_sent, rev)
			values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, 1)
		`, subject.ID, profile, corpora, failureLog, archivedLog, successLog,
			subject.RecoveryAddress, subject.RecoverySentCount, nullIfEmpty(subject.DisabledReason),
			subject.LockoutExempt, welcomeSent)
		if err != nil {
			if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
				return identity.ErrConflict
			}
			return err
		}
		subject.Rev = 1
		return nil
	}

	res, err := s.db.ExecContext(ctx, `
		update subjects
		set profile = $2, corpora = $3, failure_log = $4, archived_failure_log = $5,
			success_log = $6, recovery_address = $7, recovery_sent_count = $8,
			disabled_reason = $9, lockout_exempt = $10, welcome_sent = $11,
			rev = rev + 1, updated_at = now()
		where id = $1 and rev = $12
	`, subject.ID, profile, corpora, failureLog, archivedLog, successLog,
		subject.RecoveryAddress, subject.RecoverySentCount, nullIfEmpty(subject.DisabledReason),
		subject.LockoutExempt, welcomeSent, subject.Rev)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return identity.ErrConflict
	}
	subject.Rev++
	return nil
}

func encodeJSONB(v any, empty string) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if string(raw) == "null" {
		raw = []byte(empty)
	}
	return raw, nil
}

func (s *Store) GetMask(ctx context.Context, id string) (*identity.Mask, error) {
	if s.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	var mask identity.Mask
	err := s.db.QueryRowContext(ctx, `
		select subject_id, display_name, avatar_digest, recovery_address
		from subject_masks
		where subject_id = $1
	`, id).Scan(&mask.SubjectID, &mask.DisplayName, &mask.AvatarDigest, &mask.RecoveryAddress)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, identity.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &mask, nil
}

// PutMask upserts the public projection kept alongside the subject
// record. Reserved subjects keep their seeded masks.
func (s *Store) PutMask(ctx context.Context, mask *identity.Mask) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	if s.isReserved(mask.SubjectID) {
		return identity.ErrReservedSubject
	}
	_, err := s.db.ExecContext(ctx, `
		insert into subject_masks (subject_id, display_name, avatar_digest, recovery_address)
		values ($1, $2, $3, $4)
		on conflict (subject_id) do update
		set display_name = excluded.display_name,
			avatar_digest = excluded.avatar_digest,
			recovery_address = excluded.recovery_address,
			updated_at = now()
	`, mask.SubjectID, mask.DisplayName, mask.AvatarDigest, mask.RecoveryAddress)
	return err
}

func (s *Store) GetRoles(ctx context.Context, resourceID, subjectID string) ([]string, error) {
	if s.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	var raw []byte
	err := s.db.QueryRowContext(ctx, `
		select roles
		from role_assignments
		where resource_id = $1 and subject_id = $2
	`, resourceID, subjectID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var labels []string
	if err := decodeJSONB(raw, &labels); err != nil {
		return nil, fmt.Errorf("decode roles: %w", err)
	}
	return labels, nil
}

// SetRoles replaces a subject's label set on one resource with a single
// upsert, so concurrent writers to different (resource, subject) keys
// never contend and same-key writers serialize on the row.
func (s *Store) SetRoles(ctx context.Context, resourceID, subjectID string, labels []string) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	raw, err := encodeJSONB(labels, "[]")
	if err != nil {
		return fmt.Errorf("encode roles: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		insert into role_assignments (resource_id, subject_id, roles)
		values ($1, $2, $3)
		on conflict (resource_id, subject_id) do update
		set roles = excluded.roles, updated_at = now()
	`, resourceID, subjectID, raw)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
			return identity.ErrNotFound
		}
		return err
	}
	return nil
}

// ListRoleIndex returns, for every subject holding at least one role on
// the resource, all roles that subject holds anywhere. The cross-resource
// rows let callers distinguish this resource's team from roles held
// elsewhere.
func (s *Store) ListRoleIndex(ctx context.Context, resourceID string) ([]directory.RoleIndexEntry, error) {
	if s.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	rows, err := s.db.QueryContext(ctx, `
		select ra.subject_id, ra.resource_id, ra.roles
		from role_assignments ra
		where ra.subject_id in (
			select subject_id from role_assignments
			where resource_id = $1 and roles <> '[]'::jsonb
		)
		order by ra.subject_id, ra.resource_id
	`, resourceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var (
		entries []directory.RoleIndexEntry
		current *directory.RoleIndexEntry
	)
	for rows.Next() {
		var (
			subjectID string
			rowRes    string
			raw       []byte
		)
		if err := rows.Scan(&subjectID, &rowRes, &raw); err != nil {
			return nil, err
		}
		var labels []string
		if err := decodeJSONB(raw, &labels); err != nil {
			return nil, fmt.Errorf("decode roles: %w", err)
		}
		if current == nil || current.SubjectID != subjectID {
			entries = append(entries, directory.RoleIndexEntry{SubjectID: subjectID})
			current = &entries[len(entries)-1]
		}
		for _, label := range labels {
			current.Roles = append(current.Roles, directory.Role{Resource: rowRes, Name: label})
		}
	}
	return entries, rows.Err()
}

func (s *Store) ListMaskIndex(ctx context.Context) ([]identity.Mask, error) {
	if s.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	rows, err := s.db.QueryContext(ctx, `
		select subject_id, display_name, avatar_digest, recovery_address
		from subject_masks
		order by subject_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var masks []identity.Mask
	for rows.Next() {
		var mask identity.Mask
		if err := rows.Scan(&mask.SubjectID, &mask.DisplayName, &mask.AvatarDigest, &mask.RecoveryAddress); err != nil {
			return nil, err
		}
		masks = append(masks, mask)
	}
	return masks, rows.Err()
}

func (s *Store) Verify(ctx context.Context, subjectID, candidateSecret string) (bool, error) {
	if s.db == nil {
		return false, errors.New("database connection unavailable")
	}
	var hash string
	err := s.db.QueryRowContext(ctx, `
		select secret_hash
		from subject_secrets
		where subject_id = $1
	`, subjectID).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return credential.CompareSecret(hash, candidateSecret)
}

func (s *Store) SetSecret(ctx context.Context, subjectID, newSecret string) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	if s.isReserved(subjectID) {
		return identity.ErrReservedSubject
	}
	hash, err := credential.HashSecret(newSecret)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		insert into subject_secrets (subject_id, secret_hash)
		values ($1, $2)
		on conflict (subject_id) do update
		set secret_hash = excluded.secret_hash, updated_at = now()
	`, subjectID, hash)
	return err
}

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

func nullIfEmpty(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
