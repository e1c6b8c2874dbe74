// Package identity owns subject records: profile, corpus membership,
// login failure counters and the public mask projection.
package identity

import (
	"strings"
	"time"
)

// ResourceRef points at a corpus the subject belongs to, with enough
// descriptive metadata for clients to render a dashboard entry.
type ResourceRef struct {
	ResourceID  string `json:"resource_id"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
}

// Subject is a registered user. The credential hash is owned by the
// credential store; the subject record never carries plaintext secrets.
type Subject struct {
	ID          string
	DisplayName string

	// Corpora is ordered most-recently-added first.
	Corpora []ResourceRef

	// FailureLog holds timestamps of consecutive unresolved failed login
	// attempts since the last success or recovery. ArchivedFailureLog
	// keeps prior batches for audit and is never used for thresholding.
	FailureLog         []time.Time
	ArchivedFailureLog []time.Time
	SuccessLog         []time.Time

	RecoveryAddress   string
	RecoverySentCount int

	// DisabledReason, when non-empty, makes authentication fail
	// terminally regardless of credential correctness.
	DisabledReason string

	// LockoutExempt subjects accumulate failures but never trip the
	// lockout threshold.
	LockoutExempt bool

	// WelcomeSent records, per resource, when a welcome notification was
	// dispatched; only the first grant on a resource triggers one.
	WelcomeSent map[string][]time.Time

	// Rev is the optimistic-concurrency revision maintained by the
	// repository.
	Rev int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Mask is the public-safe projection of a subject. The recovery address
// is carried only so a stale avatar digest can be recomputed; it is never
// exposed in views.
type Mask struct {
	SubjectID       string `json:"subject_id"`
	DisplayName     string `json:"display_name,omitempty"`
	AvatarDigest    string `json:"avatar_digest,omitempty"`
	RecoveryAddress string `json:"-"`
}

// Disabled reports whether the subject is in the terminal disabled state.
func (s *Subject) Disabled() bool {
	return strings.TrimSpace(s.DisabledReason) != ""
}

// HasUsableRecoveryAddress reports whether a recovery channel exists.
func (s *Subject) HasUsableRecoveryAddress() bool {
	addr := strings.TrimSpace(s.RecoveryAddress)
	return len(addr) > 5 && strings.Contains(addr, "@")
}

// RecordFailure appends a failed attempt timestamp.
func (s *Subject) RecordFailure(at time.Time) {
	s.FailureLog = append(s.FailureLog, at)
}

// ArchiveFailureLog moves the current failure batch into the archive and
// clears it. Called on every successful authentication and on every
// recovery-secret issuance.
func (s *Subject) ArchiveFailureLog() {
	if len(s.FailureLog) == 0 {
		return
	}
	s.ArchivedFailureLog = append(s.ArchivedFailureLog, s.FailureLog...)
	s.FailureLog = nil
}

// RecordSuccess archives outstanding failures and appends a success
// timestamp.
func (s *Subject) RecordSuccess(at time.Time) {
	s.ArchiveFailureLog()
	s.SuccessLog = append(s.SuccessLog, at)
}

// HasCorpus reports whether the membership list contains the resource.
func (s *Subject) HasCorpus(resourceID string) bool {
	for _, ref := range s.Corpora {
		if ref.ResourceID == resourceID {
			return true
		}
	}
	return false
}

// AddCorpus prepends a membership entry if none matches the resource yet;
// adding an already-present resource is a no-op.
func (s *Subject) AddCorpus(ref ResourceRef) {
	if s.HasCorpus(ref.ResourceID) {
		return
	}
	s.Corpora = append([]ResourceRef{ref}, s.Corpora...)
}

// RemoveCorpus deletes every membership entry matching the resource,
// clearing historical duplicates along with the current one.
func (s *Subject) RemoveCorpus(resourceID string) {
	kept := s.Corpora[:0]
	for _, ref := range s.Corpora {
		if ref.ResourceID != resourceID {
			kept = append(kept, ref)
		}
	}
	s.Corpora = kept
}

// FirstWelcome records a welcome dispatch for the resource and reports
// whether it was the first one.
func (s *Subject) FirstWelcome(resourceID string, at time.Time) bool {
	if s.WelcomeSent == nil {
		s.WelcomeSent = make(map[string][]time.Time)
	}
	if len(s.WelcomeSent[resourceID]) > 0 {
		return false
	}
	s.WelcomeSent[resourceID] = []time.Time{at}
	return true
}

// Snapshot is the view of a subject returned to authenticated callers.
type Snapshot struct {
	ID                string        `json:"id"`
	DisplayName       string        `json:"display_name,omitempty"`
	Corpora           []ResourceRef `json:"corpora"`
	RecoverySentCount int           `json:"recovery_sent_count"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

// Snapshot projects the subject into its caller-visible form.
func (s *Subject) Snapshot() Snapshot {
	corpora := make([]ResourceRef, len(s.Corpora))
	copy(corpora, s.Corpora)
	return Snapshot{
		ID:                s.ID,
		DisplayName:       s.DisplayName,
		Corpora:           corpora,
		RecoverySentCount: s.RecoverySentCount,
		CreatedAt:         s.CreatedAt,
		UpdatedAt:         s.UpdatedAt,
	}
}
