// Package directory is the boundary to the raw role-assignment and
// public-mask indices kept by the document store. Roles are structured
// (resource, name) pairs internally; the flat resourceID_role wire form
// exists only at the edges.
package directory

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"corpushub.org/internal/identity"
)

// Well-known role labels. The vocabulary is open; resources may define
// additional labels.
const (
	RoleAdmin     = "admin"
	RoleWriter    = "writer"
	RoleReader    = "reader"
	RoleCommenter = "commenter"
)

// SentinelAll is the request-only pseudo-role meaning "every role
// currently held on this resource". It is never stored.
const SentinelAll = "all"

var ErrInvalidRole = errors.New("directory: invalid role")

// Role is a role assignment key half: the resource it applies to and the
// bare label.
type Role struct {
	Resource string
	Name     string
}

// String renders the namespaced wire form.
func (r Role) String() string {
	return r.Resource + "_" + r.Name
}

// ParseRole splits a namespaced wire-form role. Resource ids may contain
// underscores, so the label is everything after the last one.
func ParseRole(wire string) (Role, error) {
	i := strings.LastIndex(wire, "_")
	if i <= 0 || i == len(wire)-1 {
		return Role{}, fmt.Errorf("%w: %q", ErrInvalidRole, wire)
	}
	return Role{Resource: wire[:i], Name: wire[i+1:]}, nil
}

// Namespace binds a possibly already-namespaced label to a resource. A
// label arriving as someother_admin is rebound to the target resource,
// mirroring what clients have historically sent.
func Namespace(resourceID, label string) Role {
	if i := strings.LastIndex(label, "_"); i >= 0 {
		label = label[i+1:]
	}
	return Role{Resource: resourceID, Name: strings.ToLower(strings.TrimSpace(label))}
}

// ValidResourceID reports whether a resource id is well-formed: lowercase
// alphanumerics plus hyphen/underscore, starting with an alphanumeric.
func ValidResourceID(id string) bool {
	if id == "" {
		return false
	}
	for i, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
		case (r == '-' || r == '_') && i > 0:
		default:
			return false
		}
	}
	return true
}

// RoleIndexEntry is one row of the role index scan: a subject and every
// role it holds, across all resources in the authorization scope.
type RoleIndexEntry struct {
	SubjectID string
	Roles     []Role
}

// Service exposes the directory indices. Implementations must serialize
// writes per (resource, subject) key.
type Service interface {
	// GetRoles returns the bare labels the subject holds on the resource.
	GetRoles(ctx context.Context, resourceID, subjectID string) ([]string, error)
	// SetRoles replaces the subject's label set on the resource. An empty
	// set empties the assignment without necessarily deleting it.
	SetRoles(ctx context.Context, resourceID, subjectID string, labels []string) error
	// ListRoleIndex scans the role index in the scope of the resource.
	ListRoleIndex(ctx context.Context, resourceID string) ([]RoleIndexEntry, error)
	// ListMaskIndex scans the public identity masks in the same scope.
	ListMaskIndex(ctx context.Context) ([]identity.Mask, error)
}

// NormalizeLabels dedupes, lowercases and strips namespaces from a label
// list, dropping empties and the reserved sentinel.
func NormalizeLabels(resourceID string, labels []string) []string {
	seen := make(map[string]struct{}, len(labels))
	var out []string
	for _, label := range labels {
		name := Namespace(resourceID, label).Name
		if name == "" || name == SentinelAll {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	return out
}
