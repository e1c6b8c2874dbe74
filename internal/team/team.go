// Package team assembles the membership view of a resource by joining
// the role index against the public identity masks.
package team

import (
	"context"
	"crypto/md5"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"corpushub.org/internal/autherr"
	"corpushub.org/internal/directory"
	"corpushub.org/internal/identity"
	"corpushub.org/internal/obs"
)

// placeholderDigestMark identifies legacy avatar digests that were seeded
// from a shared placeholder image rather than the subject's own address.
const placeholderDigestMark = "user_gravatar"

// TeamView is the assembled membership report for one resource. Buckets
// maps pluralized role labels to their members; a subject holding several
// roles appears in several buckets.
type TeamView struct {
	ResourceID  string
	Buckets     map[string][]identity.Mask
	NotOnTeam   []identity.Mask
	AllSubjects []identity.Mask
}

// MarshalJSON flattens the role buckets into top-level keys alongside the
// fixed fields, matching the wire shape clients already consume.
func (v TeamView) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(v.Buckets)+3)
	out["resource_id"] = v.ResourceID
	for name, members := range v.Buckets {
		out[name] = members
	}
	out["not_on_team"] = v.NotOnTeam
	out["all_subjects"] = v.AllSubjects
	return json.Marshal(out)
}

// Builder assembles team views from the directory indices.
type Builder struct {
	dir directory.Service
}

// NewBuilder constructs a Builder.
func NewBuilder(dir directory.Service) *Builder {
	return &Builder{dir: dir}
}

// BuildTeamView scans the role index once and the mask index once, joins
// them by subject id in memory, and buckets members by role. The
// requester must hold at least one role on the resource; membership is
// checked during the join and a non-member receives Forbidden with the
// computed view discarded.
func (b *Builder) BuildTeamView(ctx context.Context, resourceID, requesterID string) (TeamView, error) {
	if !directory.ValidResourceID(resourceID) {
		return TeamView{}, autherr.New(autherr.InvalidRequest,
			"This app has made an invalid request. Please notify its developer. missing: corpus identifier")
	}

	entries, err := b.dir.ListRoleIndex(ctx, resourceID)
	if err != nil {
		obs.ObserveTeamView("error")
		return TeamView{}, autherr.Wrap(autherr.UpstreamFailure,
			"The server could not read the team for this corpus. Please try again.", err)
	}
	masks, err := b.dir.ListMaskIndex(ctx)
	if err != nil {
		obs.ObserveTeamView("error")
		return TeamView{}, autherr.Wrap(autherr.UpstreamFailure,
			"The server could not read the team for this corpus. Please try again.", err)
	}

	maskBySubject := make(map[string]identity.Mask, len(masks))
	for _, mask := range masks {
		maskBySubject[mask.SubjectID] = repairDigest(mask)
	}

	view := TeamView{
		ResourceID: resourceID,
		Buckets:    make(map[string][]identity.Mask),
	}
	onTeam := make(map[string]struct{})
	requesterIsMember := false

	for _, entry := range entries {
		member := false
		for _, role := range entry.Roles {
			if role.Resource != resourceID {
				continue
			}
			member = true
			bucket := role.Name + "s"
			view.Buckets[bucket] = append(view.Buckets[bucket], b.maskFor(maskBySubject, entry.SubjectID))
		}
		if !member {
			continue
		}
		onTeam[entry.SubjectID] = struct{}{}
		if entry.SubjectID == requesterID {
			requesterIsMember = true
		}
	}

	if !requesterIsMember {
		obs.ObserveTeamView("forbidden")
		return TeamView{}, autherr.Newf(autherr.Forbidden,
			"You are not a member of %s's team.", resourceID)
	}

	for _, mask := range masks {
		repaired := maskBySubject[mask.SubjectID]
		view.AllSubjects = append(view.AllSubjects, repaired)
		if _, ok := onTeam[mask.SubjectID]; !ok {
			view.NotOnTeam = append(view.NotOnTeam, repaired)
		}
	}

	for _, bucket := range view.Buckets {
		sortMasks(bucket)
	}
	sortMasks(view.NotOnTeam)
	sortMasks(view.AllSubjects)

	obs.ObserveTeamView("ok")
	return view, nil
}

// maskFor resolves the public mask for a team member, synthesizing a
// bare one when the subject never published a mask. Role holders always
// appear in the view even with no public profile.
func (b *Builder) maskFor(masks map[string]identity.Mask, subjectID string) identity.Mask {
	if mask, ok := masks[subjectID]; ok {
		return mask
	}
	return identity.Mask{SubjectID: subjectID}
}

// repairDigest recomputes an avatar digest that is empty or still points
// at the legacy placeholder. Digests derive from the recovery address
// when one exists and from the subject id otherwise, so every member
// renders a stable avatar.
func repairDigest(mask identity.Mask) identity.Mask {
	if mask.AvatarDigest != "" && !strings.Contains(mask.AvatarDigest, placeholderDigestMark) {
		return mask
	}
	source := strings.ToLower(strings.TrimSpace(mask.RecoveryAddress))
	if source == "" {
		source = mask.SubjectID
	}
	mask.AvatarDigest = fmt.Sprintf("%x", md5.Sum([]byte(source)))
	return mask
}

func sortMasks(masks []identity.Mask) {
	sort.Slice(masks, func(i, j int) bool { return masks[i].SubjectID < masks[j].SubjectID })
}
