package api

import (
	"context"

	"github.com/org/soaportal/pkg/models"
)

type contextKey string

const (
	ctxKeyUser      contextKey = "user"
	ctxKeySession   contextKey = "session"
	ctxKeyRequestID contextKey = "request_id"
	ctxKeyAudit     contextKey = "audit"
	ctxKeyClientIP  contextKey = "client_ip"
)

func withUser(ctx context.Context, u *models.User, s *models.Session) context.Context {
	ctx = context.WithValue(ctx, ctxKeyUser, u)
	return context.WithValue(ctx, ctxKeySession, s)
}

func userFromCtx(ctx context.Context) *models.User {
	u, _ := ctx.Value(ctxKeyUser).(*models.User)
	return u
}

func sessionFromCtx(ctx context.Context) *models.Session {
	s, _ := ctx.Value(ctxKeySession).(*models.Session)
	return s
}

func withRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyRequestID, id)
}

func requestIDFromCtx(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyRequestID).(string)
	return id
}

func withClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, ctxKeyClientIP, ip)
}

// auditState is shared between the audit middleware and the auth middleware
// below it, which is the only place the caller becomes known.
type auditState struct {
	userID *int64
}

func withAuditState(ctx context.Context, st *auditState) context.Context {
	return context.WithValue(ctx, ctxKeyAudit, st)
}

func auditStateFromCtx(ctx context.Context) *auditState {
	st, _ := ctx.Value(ctxKeyAudit).(*auditState)
	return st
}

// callerID returns the authenticated user's id, if any.
func callerID(ctx context.Context) *int64 {
	if u := userFromCtx(ctx); u != nil {
		id := u.ID
		return &id
	}
	return nil
}
