package middleware

import (
	"context"
)

type contextKey string

const (
	ContextKeySessionID contextKey = "session_id"
	ContextKeySubject   contextKey = "subject"
)

func SessionIDFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(ContextKeySessionID).(string)
	return v, ok
}

// SubjectFromContext returns the authenticated caller, "control-plane" for
// requests carrying the raw sandbox token.
func SubjectFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(ContextKeySubject).(string)
	return v, ok
}
