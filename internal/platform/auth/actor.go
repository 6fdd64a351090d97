package auth

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Actor is the authenticated principal performing an operation, reduced to
// one effective role.
type Actor struct {
	ID   uuid.UUID
	Role string
}

// rolePrecedence orders roles from most to least privileged.
var rolePrecedence = []string{RoleAdmin, RoleBranchAdmin, RoleReceptionist, RoleDoctor, RolePatient}

// IsStaff reports whether the actor acts for the hospital rather than as a patient.
func (a Actor) IsStaff() bool {
	return HasRole([]string{a.Role}, StaffRoles...)
}

func (a Actor) IsAdmin() bool {
	return a.Role == RoleAdmin || a.Role == RoleBranchAdmin
}

func (a Actor) String() string {
	return a.Role + ":" + a.ID.String()
}

// EffectiveRole picks the most privileged known role from roles.
func EffectiveRole(roles []string) string {
	for _, r := range rolePrecedence {
		if HasRole(roles, r) {
			return r
		}
	}
	return ""
}

// ActorFromContext builds an Actor from the identity set by JWTMiddleware or
// DevAuthMiddleware.
func ActorFromContext(ctx context.Context) (Actor, error) {
	raw := UserIDFromContext(ctx)
	if raw == "" {
		return Actor{}, fmt.Errorf("no authenticated user in context")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return Actor{}, fmt.Errorf("user id %q is not a valid uuid", raw)
	}
	role := EffectiveRole(RolesFromContext(ctx))
	if role == "" {
		return Actor{}, fmt.Errorf("user %s has no recognised role", raw)
	}
	return Actor{ID: id, Role: role}, nil
}

// SystemActor attributes changes made by background jobs.
var SystemActor = Actor{ID: uuid.Nil, Role: RoleAdmin}

// WithActor stores actor's identity in ctx the way the auth middlewares do.
// Background jobs and tests use it in place of a request.
func WithActor(ctx context.Context, actor Actor) context.Context {
	ctx = context.WithValue(ctx, UserIDKey, actor.ID.String())
	return context.WithValue(ctx, UserRolesKey, []string{actor.Role})
}
