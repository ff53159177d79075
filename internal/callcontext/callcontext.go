// Package callcontext carries the tenant and caller identity of a unit of work.
// Every store and automaton call reads its tenant scope from here.
package callcontext

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrMissingCallContext is returned when an operation that requires tenant
// scoping is invoked without a call context.
var ErrMissingCallContext = errors.New("call context is required")

// CallContext identifies the tenant and user performing an action.
type CallContext struct {
	TenantID  uuid.UUID
	UserName  string
	Reason    string
	Comments  string
	RequestID string
}

type callContextKey struct{}

// New returns a CallContext for the given tenant and user.
func New(tenantID uuid.UUID, userName string) CallContext {
	return CallContext{TenantID: tenantID, UserName: userName}
}

// WithCallContext stores cc in ctx.
func WithCallContext(ctx context.Context, cc CallContext) context.Context {
	return context.WithValue(ctx, callContextKey{}, cc)
}

// FromContext returns the call context stored in ctx.
func FromContext(ctx context.Context) (CallContext, bool) {
	cc, ok := ctx.Value(callContextKey{}).(CallContext)
	return cc, ok
}

// TenantID returns the tenant scope of ctx.
// It fails with ErrMissingCallContext if no call context or a nil tenant is present.
func TenantID(ctx context.Context) (uuid.UUID, error) {
	cc, ok := FromContext(ctx)
	if !ok || cc.TenantID == uuid.Nil {
		return uuid.Nil, ErrMissingCallContext
	}
	return cc.TenantID, nil
}
