// Package roles applies batches of role deltas for one resource across
// many subjects concurrently and aggregates per-subject outcomes.
package roles

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"corpushub.org/internal/autherr"
	"corpushub.org/internal/directory"
	"corpushub.org/internal/gate"
	"corpushub.org/internal/identity"
	"corpushub.org/internal/notify"
	"corpushub.org/internal/obs"
)

// RemoveSpec is the tagged removal request: either every role currently
// held on the resource, or an explicit label set.
type RemoveSpec struct {
	All    bool
	Labels []string
}

// RemoveAll builds the remove-everything sentinel.
func RemoveAll() RemoveSpec { return RemoveSpec{All: true} }

// RemoveLabels builds an explicit removal set.
func RemoveLabels(labels ...string) RemoveSpec { return RemoveSpec{Labels: labels} }

func (r RemoveSpec) empty() bool { return !r.All && len(r.Labels) == 0 }

// Item is one subject's delta within a batch.
type Item struct {
	SubjectID string
	Add       []string
	Remove    RemoveSpec
}

// Outcome reports the result of applying one item.
type Outcome struct {
	SubjectID string   `json:"subject_id"`
	Before    []string `json:"before"`
	After     []string `json:"after"`
	Status    int      `json:"status"`
	Message   string   `json:"message"`
}

// BatchResult aggregates the outcomes of a batch. Status is 200 when at
// least one item succeeded; otherwise it is the status of the first
// failing item. Outcomes preserve request order.
type BatchResult struct {
	Status   int       `json:"status"`
	Outcomes []Outcome `json:"users"`
}

// Engine mutates role assignments for a resource across subjects.
type Engine struct {
	gate       *gate.Gate
	subjects   identity.Repository
	dir        directory.Service
	dispatcher notify.Dispatcher
	now        func() time.Time
}

// Option configures Engine behavior.
type Option func(*Engine)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(e *Engine) {
		if fn != nil {
			e.now = fn
		}
	}
}

// NewEngine constructs an Engine.
func NewEngine(g *gate.Gate, subjects identity.Repository, dir directory.Service, dispatcher notify.Dispatcher, opts ...Option) *Engine {
	e := &Engine{
		gate:       g,
		subjects:   subjects,
		dir:        dir,
		dispatcher: dispatcher,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// MutateRoles applies a batch of deltas to one resource. The requester
// must authenticate and hold the admin role on the resource; that check
// is batch-wide and an authorization failure rejects the whole batch
// before any delta is applied. Items are then processed concurrently and
// independently: there is no rollback of applied items when a sibling
// fails, and no cancellation once the batch is submitted.
func (e *Engine) MutateRoles(ctx context.Context, resourceID, requesterID, requesterSecret string, items []Item) (BatchResult, error) {
	if err := validateBatch(resourceID, items); err != nil {
		return BatchResult{}, err
	}

	if _, err := e.gate.Authenticate(ctx, requesterID, requesterSecret); err != nil {
		return BatchResult{}, err
	}
	requesterRoles, err := e.dir.GetRoles(ctx, resourceID, requesterID)
	if err != nil {
		return BatchResult{}, autherr.Wrap(autherr.UpstreamFailure,
			"The server could not check your permissions. Please try again.", err)
	}
	if !slices.Contains(requesterRoles, directory.RoleAdmin) {
		return BatchResult{}, autherr.Newf(autherr.Forbidden,
			"You must be an admin of %s to modify its team.", resourceID)
	}

	obs.ObserveMutationBatch(len(items))

	outcomes := make([]Outcome, len(items))
	var wg sync.WaitGroup
	for i, item := range items {
		wg.Add(1)
		go func(i int, item Item) {
			defer wg.Done()
			outcomes[i] = e.applyItem(ctx, resourceID, item)
		}(i, item)
	}
	wg.Wait()

	result := BatchResult{Outcomes: outcomes}
	for _, outcome := range outcomes {
		obs.ObserveMutationItem(outcome.Status)
		if outcome.Status == 200 {
			result.Status = 200
		}
	}
	if result.Status == 0 {
		result.Status = outcomes[0].Status
		for _, outcome := range outcomes {
			if outcome.Status != 200 {
				result.Status = outcome.Status
				break
			}
		}
	}
	return result, nil
}

func validateBatch(resourceID string, items []Item) error {
	if !directory.ValidResourceID(resourceID) {
		return autherr.New(autherr.InvalidRequest,
			"This app has made an invalid request. Please notify its developer. missing: corpus identifier")
	}
	if len(items) == 0 {
		return autherr.New(autherr.InvalidRequest,
			"This app has made an invalid request. Please notify its developer. missing: subject(s) to modify")
	}
	for _, item := range items {
		if strings.TrimSpace(item.SubjectID) == "" {
			return autherr.New(autherr.InvalidRequest,
				"This app has made an invalid request. Please notify its developer. missing: subject(s) to modify")
		}
		if len(item.Add) == 0 && item.Remove.empty() {
			return autherr.New(autherr.InvalidRequest,
				"This app has made an invalid request. Please notify its developer. missing: roles to add or remove")
		}
	}
	return nil
}

func (e *Engine) applyItem(ctx context.Context, resourceID string, item Item) Outcome {
	outcome := Outcome{SubjectID: item.SubjectID}

	subj, err := e.subjects.Get(ctx, item.SubjectID)
	if errors.Is(err, identity.ErrNotFound) {
		outcome.Status = 404
		outcome.Message = fmt.Sprintf("Subject %s does not exist on this server.", item.SubjectID)
		return outcome
	}
	if err != nil {
		outcome.Status = 500
		outcome.Message = "The server could not look up this subject. Please try again."
		return outcome
	}

	before, err := e.dir.GetRoles(ctx, resourceID, item.SubjectID)
	if err != nil {
		outcome.Status = 500
		outcome.Message = "The server could not read current roles. Please try again."
		return outcome
	}
	outcome.Before = slices.Clone(before)

	after := computeAfter(resourceID, before, item)
	if after == nil {
		// Marshals as [] rather than null when every role was removed.
		after = []string{}
	}
	if err := e.dir.SetRoles(ctx, resourceID, item.SubjectID, after); err != nil {
		outcome.Status = 500
		outcome.Message = "The server could not update roles. Please try again."
		return outcome
	}
	outcome.After = after

	// Directory write done; reconcile the subject's membership list. The
	// two writes are not atomic together, so a failure here leaves the
	// role change applied without the list update.
	firstGrant := false
	if len(after) == 0 {
		subj.RemoveCorpus(resourceID)
	} else {
		firstGrant = subj.FirstWelcome(resourceID, e.now().UTC())
		subj.AddCorpus(identity.ResourceRef{ResourceID: resourceID})
	}
	if err := e.subjects.Put(ctx, subj); err != nil {
		switch {
		case errors.Is(err, identity.ErrConflict):
			outcome.Status = 409
		case errors.Is(err, identity.ErrReservedSubject):
			outcome.Status = 403
			outcome.Message = fmt.Sprintf("Subject %s is reserved and cannot be modified.", item.SubjectID)
			return outcome
		default:
			outcome.Status = 500
		}
		outcome.Message = fmt.Sprintf(
			"Subject %s now has %s access to %s, but their corpus list could not be updated. The change may be partially applied; please retry and report this.",
			item.SubjectID, strings.Join(after, " "), resourceID)
		return outcome
	}

	outcome.Status = 200
	if len(after) == 0 {
		outcome.Message = fmt.Sprintf("Subject %s was removed from the %s team.", item.SubjectID, resourceID)
	} else {
		outcome.Message = fmt.Sprintf("Subject %s now has %s access to %s.", item.SubjectID, strings.Join(after, " "), resourceID)
	}

	if firstGrant && subj.HasUsableRecoveryAddress() {
		// Best-effort: delivery failure never changes the outcome.
		_ = e.dispatcher.Send(ctx, subj.RecoveryAddress, notify.TemplateWelcome, map[string]string{
			"resource": resourceID,
			"roles":    strings.Join(after, " "),
		})
	}
	return outcome
}

// computeAfter expands the removal sentinel against the current
// assignment and applies (before + add) - remove. The result is a
// deduplicated label set; the sentinel itself is never stored.
func computeAfter(resourceID string, before []string, item Item) []string {
	add := directory.NormalizeLabels(resourceID, item.Add)

	var remove []string
	if item.Remove.All {
		remove = slices.Clone(before)
	} else {
		remove = directory.NormalizeLabels(resourceID, item.Remove.Labels)
	}

	removed := make(map[string]struct{}, len(remove))
	for _, label := range remove {
		removed[label] = struct{}{}
	}

	var after []string
	seen := make(map[string]struct{})
	for _, label := range append(slices.Clone(before), add...) {
		if _, drop := removed[label]; drop {
			continue
		}
		if _, dup := seen[label]; dup {
			continue
		}
		seen[label] = struct{}{}
		after = append(after, label)
	}
	return after
}
