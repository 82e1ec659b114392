package trustgate

import (
	"context"
	"errors"
)

// ErrPairingNotFound is returned by Approve/Reject when the (channel,
// code) pair has no matching pending entry — already resolved or
// expired.
var ErrPairingNotFound = errors.New("trustgate: pairing code not found")

// Role is an RBAC principal role.
type Role string

const (
	RoleOperator Role = "operator"
	RoleViewer   Role = "viewer"
	RoleAgent    Role = "agent"
)

// Scope is a permission scope a Role may hold.
type Scope string

const (
	ScopeAdmin     Scope = "admin"
	ScopeRead      Scope = "read"
	ScopeWrite     Scope = "write"
	ScopeTools     Scope = "tools"
	ScopeApprovals Scope = "approvals"
)

// roleScopes mirrors original_source/clawlite/core/rbac.py's ROLE_SCOPES.
var roleScopes = map[Role]map[Scope]bool{
	RoleOperator: {ScopeAdmin: true, ScopeRead: true, ScopeWrite: true, ScopeTools: true, ScopeApprovals: true},
	RoleViewer:   {ScopeRead: true},
	RoleAgent:    {ScopeRead: true, ScopeWrite: true, ScopeTools: true},
}

// Identity is the resolved principal behind an inbound call.
type Identity struct {
	Role      Role
	SessionID string
	Channel   string
}

// ResolveIdentity maps a channel + sender into a Role. Unknown channels
// and sender ids resolve to RoleAgent (the conversational default);
// callers that need operator-level scopes (e.g. the REST API's bearer
// token) construct an Identity with RoleOperator directly.
func ResolveIdentity(channelName, sessionID string) Identity {
	return Identity{Role: RoleAgent, SessionID: sessionID, Channel: channelName}
}

// Authorize reports whether identity holds scope.
func Authorize(identity Identity, scope Scope) bool {
	return roleScopes[identity.Role][scope]
}

type identityCtxKey struct{}

// WithIdentity attaches identity to ctx so tool execution deep in the
// call stack (Executor.Execute -> Tool.Execute) can recover who is
// asking without threading an Identity parameter through every Tool.
func WithIdentity(ctx context.Context, identity Identity) context.Context {
	return context.WithValue(ctx, identityCtxKey{}, identity)
}

// IdentityFromContext recovers the Identity attached by WithIdentity.
// Absence (e.g. a tool invoked outside a channel-bound conversation,
// such as a cron-triggered subagent) resolves to RoleAgent with no
// channel/session, the same default ResolveIdentity uses.
func IdentityFromContext(ctx context.Context) Identity {
	if identity, ok := ctx.Value(identityCtxKey{}).(Identity); ok {
		return identity
	}
	return Identity{Role: RoleAgent}
}
