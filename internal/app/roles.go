package app

import (
	"context"
	"database/sql"
	"errors"
	"net/http"

	"querydeck/api/internal/rbac"
	"querydeck/api/internal/store"
)

// requireMember loads the caller's membership in a team. Non-members
// get the same 403 whether the team exists or not, so probing team ids
// reveals nothing.
func requireMember(ctx context.Context, tx store.Tx, teamID, userID string) (store.TeamMember, error) {
	member, err := tx.GetMembership(ctx, teamID, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.TeamMember{}, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	if err != nil {
		return store.TeamMember{}, err
	}
	return member, nil
}

func requireAdmin(ctx context.Context, tx store.Tx, teamID, userID string) (store.TeamMember, error) {
	member, err := requireMember(ctx, tx, teamID, userID)
	if err != nil {
		return store.TeamMember{}, err
	}
	if !rbac.Can(rbac.Role(member.Role), rbac.ActionManage) {
		return store.TeamMember{}, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	return member, nil
}

// requireCan loads the caller's membership and checks one action
// against their role.
func requireCan(ctx context.Context, tx store.Tx, teamID, userID string, action rbac.Action) (store.TeamMember, error) {
	member, err := requireMember(ctx, tx, teamID, userID)
	if err != nil {
		return store.TeamMember{}, err
	}
	if !rbac.Can(rbac.Role(member.Role), action) {
		return store.TeamMember{}, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	return member, nil
}

// roleCache memoizes membership lookups for the duration of one
// request. It is created per request and never shared between
// goroutines.
type roleCache struct {
	userID  string
	members map[string]store.TeamMember
}

func newRoleCache(userID string) *roleCache {
	return &roleCache{userID: userID, members: make(map[string]store.TeamMember)}
}

func (c *roleCache) require(ctx context.Context, tx store.Tx, teamID string, action rbac.Action) (store.TeamMember, error) {
	member, ok := c.members[teamID]
	if !ok {
		found, err := requireMember(ctx, tx, teamID, c.userID)
		if err != nil {
			return store.TeamMember{}, err
		}
		c.members[teamID] = found
		member = found
	}
	if !rbac.Can(rbac.Role(member.Role), action) {
		return store.TeamMember{}, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	return member, nil
}
