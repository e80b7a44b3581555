package api

import (
	"context"

	"github.com/agentdao/backoffice/internal/store"
)

type ctxKey int

const authKey ctxKey = iota

// Auth is the authenticated caller attached to the request context by the
// agent and oracle middlewares; handlers fold it into audit rows.
type Auth struct {
	ActorType       string // agent|oracle
	ActorID         string
	BodyHash        string
	RequestID       string
	SignatureStatus string
}

func withAuth(ctx context.Context, a *Auth) context.Context {
	return context.WithValue(ctx, authKey, a)
}

// AuthFrom returns the caller identity, or a zero value for unauthenticated
// paths.
func AuthFrom(ctx context.Context) *Auth {
	if a, ok := ctx.Value(authKey).(*Auth); ok {
		return a
	}
	return &Auth{}
}

// auditRow seeds an audit row from the request auth plus call facts.
func (a *Auth) auditRow(method, path, idempotencyKey, hint string) *store.AuditRow {
	actorType := a.ActorType
	if actorType == "" {
		actorType = "system"
	}
	return &store.AuditRow{
		ActorType:       actorType,
		ActorID:         a.ActorID,
		Method:          method,
		Path:            path,
		IdempotencyKey:  idempotencyKey,
		BodyHash:        a.BodyHash,
		SignatureStatus: a.SignatureStatus,
		RequestID:       a.RequestID,
		ErrorHint:       hint,
	}
}
