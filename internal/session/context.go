package session

import (
	"context"
	"strings"
)

type ctxKey string

const (
	subjectIDKey ctxKey = "session_subject_id"
	rolesKey     ctxKey = "session_roles"
)

// ContextWithSubject stores the authenticated subject in the context.
func ContextWithSubject(ctx context.Context, subjectID string, roles []string) context.Context {
	ctx = context.WithValue(ctx, subjectIDKey, strings.TrimSpace(subjectID))
	if len(roles) > 0 {
		ctx = context.WithValue(ctx, rolesKey, dedupeRoles(roles))
	}
	return ctx
}

// SubjectIDFromContext extracts the authenticated subject id.
func SubjectIDFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(subjectIDKey).(string)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return v, true
}

// RolesFromContext returns the roles stored in context.
func RolesFromContext(ctx context.Context) []string {
	v, ok := ctx.Value(rolesKey).([]string)
	if !ok || len(v) == 0 {
		return nil
	}
	out := make([]string, len(v))
	copy(out, v)
	return out
}
