package app

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"strings"

	"querydeck/api/internal/rbac"
	"querydeck/api/internal/store"
	"querydeck/api/internal/util"
)

type UpdateTeamInput struct {
	Name          *string `json:"name"`
	ApprovalQuota *int    `json:"approvalQuota"`
}

func (s *Service) ListTeams(ctx context.Context, session Session) (map[string]any, error) {
	var teams []store.UserTeam
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		found, err := tx.ListTeamsForUser(ctx, session.UserID)
		if err != nil {
			return err
		}
		teams = found
		return nil
	})
	if err != nil {
		return nil, err
	}

	items := make([]map[string]any, 0, len(teams))
	for _, team := range teams {
		payload := teamPayload(team.Team)
		payload["role"] = team.Role
		items = append(items, payload)
	}
	return map[string]any{"teams": items}, nil
}

func (s *Service) CreateTeam(ctx context.Context, session Session, name string, quota int) (map[string]any, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "team name is required", nil)
	}
	if quota == 0 {
		quota = 1
	}
	if quota < 1 {
		return nil, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "approvalQuota must be at least 1", nil)
	}

	team := store.Team{
		ID:            util.NewID("team"),
		Name:          name,
		AdminID:       session.UserID,
		ApprovalQuota: quota,
	}
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.CreateTeam(ctx, team); err != nil {
			return err
		}
		if err := tx.AddMember(ctx, store.TeamMember{
			ID:     util.NewID("mem"),
			TeamID: team.ID,
			UserID: session.UserID,
			Role:   string(rbac.RoleAdmin),
		}); err != nil {
			return err
		}
		return tx.CreateFolder(ctx, store.Folder{
			ID:     util.NewID("fld"),
			TeamID: team.ID,
			Name:   "General",
		})
	})
	if err != nil {
		return nil, err
	}

	s.log.Infow("team created", "teamId", team.ID, "adminId", session.UserID)
	payload := teamPayload(team)
	payload["role"] = string(rbac.RoleAdmin)
	return payload, nil
}

func (s *Service) GetTeam(ctx context.Context, session Session, teamID string) (map[string]any, error) {
	var payload map[string]any
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		member, err := requireMember(ctx, tx, teamID, session.UserID)
		if err != nil {
			return err
		}
		team, err := tx.GetTeam(ctx, teamID)
		if err != nil {
			return err
		}
		members, err := tx.ListMembers(ctx, teamID)
		if err != nil {
			return err
		}

		payload = teamPayload(team)
		payload["role"] = member.Role
		payload["members"] = memberPayloads(members)

		if rbac.Can(rbac.Role(member.Role), rbac.ActionManage) {
			invitations, err := tx.ListInvitationsByTeam(ctx, teamID)
			if err != nil {
				return err
			}
			payload["invitations"] = invitationPayloads(invitations)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return payload, nil
}

func (s *Service) UpdateTeam(ctx context.Context, session Session, teamID string, input UpdateTeamInput) (map[string]any, error) {
	var payload map[string]any
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		if _, err := requireAdmin(ctx, tx, teamID, session.UserID); err != nil {
			return err
		}
		team, err := tx.GetTeam(ctx, teamID)
		if err != nil {
			return err
		}

		name := team.Name
		if input.Name != nil {
			name = strings.TrimSpace(*input.Name)
			if name == "" {
				return domainError(http.StatusBadRequest, "VALIDATION_ERROR", "team name is required", nil)
			}
		}
		quota := team.ApprovalQuota
		if input.ApprovalQuota != nil {
			quota = *input.ApprovalQuota
			if quota < 1 {
				return domainError(http.StatusBadRequest, "VALIDATION_ERROR", "approvalQuota must be at least 1", nil)
			}
		}

		// Pending generations are judged against the quota in force at
		// approval time, so no recount happens here.
		if err := tx.UpdateTeam(ctx, teamID, name, quota); err != nil {
			return err
		}
		team.Name = name
		team.ApprovalQuota = quota
		payload = teamPayload(team)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return payload, nil
}

func (s *Service) DeleteTeam(ctx context.Context, session Session, teamID string) error {
	return s.store.WithTx(ctx, func(tx store.Tx) error {
		if _, err := requireAdmin(ctx, tx, teamID, session.UserID); err != nil {
			return err
		}
		team, err := tx.GetTeam(ctx, teamID)
		if err != nil {
			return err
		}
		count, err := tx.CountMembers(ctx, teamID)
		if err != nil {
			return err
		}
		if team.IsPersonal && count <= 1 {
			return domainError(http.StatusConflict, "PERSONAL_TEAM", "A personal workspace cannot be deleted", nil)
		}
		return tx.DeleteTeam(ctx, teamID)
	})
}

// ConvertPersonal flips a personal workspace into a regular team ahead
// of any invitation being accepted.
func (s *Service) ConvertPersonal(ctx context.Context, session Session, teamID string) (map[string]any, error) {
	var payload map[string]any
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		if _, err := requireAdmin(ctx, tx, teamID, session.UserID); err != nil {
			return err
		}
		if err := tx.SetTeamPersonal(ctx, teamID, false); err != nil {
			return err
		}
		team, err := tx.GetTeam(ctx, teamID)
		if err != nil {
			return err
		}
		payload = teamPayload(team)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return payload, nil
}

// TransferOwnership reassigns the team owner to another member. The
// incoming owner is promoted to admin; the outgoing owner keeps the
// admin role but loses owner protection.
func (s *Service) TransferOwnership(ctx context.Context, session Session, teamID, memberID string) (map[string]any, error) {
	var payload map[string]any
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		team, err := tx.GetTeam(ctx, teamID)
		if errors.Is(err, sql.ErrNoRows) {
			return domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
		}
		if err != nil {
			return err
		}
		if team.AdminID != session.UserID {
			return domainError(http.StatusForbidden, "FORBIDDEN", "Only the owner can transfer ownership", nil)
		}
		target, err := tx.GetMemberByID(ctx, teamID, memberID)
		if errors.Is(err, sql.ErrNoRows) {
			return domainError(http.StatusNotFound, "NOT_FOUND", "Member not found", nil)
		}
		if err != nil {
			return err
		}
		if target.UserID == session.UserID {
			return domainError(http.StatusConflict, "ALREADY_OWNER", "Caller already owns this team", nil)
		}
		if err := tx.UpdateMemberRole(ctx, teamID, target.ID, string(rbac.RoleAdmin)); err != nil {
			return err
		}
		if err := tx.SetTeamAdmin(ctx, teamID, target.UserID); err != nil {
			return err
		}
		team.AdminID = target.UserID
		payload = teamPayload(team)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Infow("ownership transferred", "teamId", teamID, "from", session.UserID)
	return payload, nil
}

func (s *Service) ListMembers(ctx context.Context, session Session, teamID string) (map[string]any, error) {
	var members []store.MemberView
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		if _, err := requireMember(ctx, tx, teamID, session.UserID); err != nil {
			return err
		}
		found, err := tx.ListMembers(ctx, teamID)
		if err != nil {
			return err
		}
		members = found
		return nil
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"members": memberPayloads(members)}, nil
}

func (s *Service) RemoveMember(ctx context.Context, session Session, teamID, memberID string) error {
	return s.store.WithTx(ctx, func(tx store.Tx) error {
		if _, err := requireAdmin(ctx, tx, teamID, session.UserID); err != nil {
			return err
		}
		team, err := tx.GetTeam(ctx, teamID)
		if err != nil {
			return err
		}
		target, err := tx.GetMemberByID(ctx, teamID, memberID)
		if errors.Is(err, sql.ErrNoRows) {
			return domainError(http.StatusNotFound, "NOT_FOUND", "Member not found", nil)
		}
		if err != nil {
			return err
		}
		if target.UserID == team.AdminID {
			return domainError(http.StatusConflict, "OWNER_PROTECTED", "The team owner cannot be removed", nil)
		}
		// When this removal leaves a single member, the approval bypass
		// follows automatically: it is derived from the live member
		// count, never from a stored flag.
		return tx.RemoveMember(ctx, teamID, target.ID)
	})
}

func (s *Service) UpdateMemberRole(ctx context.Context, session Session, teamID, memberID, role string) error {
	if !rbac.Valid(role) {
		return domainError(http.StatusBadRequest, "VALIDATION_ERROR", "role must be admin or member", nil)
	}
	return s.store.WithTx(ctx, func(tx store.Tx) error {
		if _, err := requireAdmin(ctx, tx, teamID, session.UserID); err != nil {
			return err
		}
		team, err := tx.GetTeam(ctx, teamID)
		if err != nil {
			return err
		}
		target, err := tx.GetMemberByID(ctx, teamID, memberID)
		if errors.Is(err, sql.ErrNoRows) {
			return domainError(http.StatusNotFound, "NOT_FOUND", "Member not found", nil)
		}
		if err != nil {
			return err
		}
		if target.UserID == team.AdminID && role != string(rbac.RoleAdmin) {
			return domainError(http.StatusConflict, "OWNER_PROTECTED", "The team owner cannot be demoted", nil)
		}
		return tx.UpdateMemberRole(ctx, teamID, target.ID, role)
	})
}

func (s *Service) CreateInvitation(ctx context.Context, session Session, teamID, email, role string) (map[string]any, error) {
	email = normalizeEmail(email)
	if email == "" || !strings.Contains(email, "@") {
		return nil, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "a valid email is required", nil)
	}
	if role == "" {
		role = string(rbac.RoleMember)
	}
	if !rbac.Valid(role) {
		return nil, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "role must be admin or member", nil)
	}
	if email == session.Email {
		return nil, domainError(http.StatusConflict, "ALREADY_MEMBER", "Cannot invite yourself", nil)
	}

	invitation := store.Invitation{
		ID:           util.NewID("inv"),
		TeamID:       teamID,
		InvitedEmail: email,
		Role:         role,
		Status:       store.InvitationStatusPending,
		CreatedBy:    session.UserID,
	}
	var teamName string
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		if _, err := requireAdmin(ctx, tx, teamID, session.UserID); err != nil {
			return err
		}
		team, err := tx.GetTeam(ctx, teamID)
		if err != nil {
			return err
		}
		teamName = team.Name

		pending, err := tx.HasPendingInvitation(ctx, teamID, email)
		if err != nil {
			return err
		}
		if pending {
			return domainError(http.StatusConflict, "INVITE_EXISTS", "An invitation for this email is already pending", nil)
		}
		if existing, err := tx.GetUserByEmail(ctx, email); err == nil {
			if _, err := tx.GetMembership(ctx, teamID, existing.ID); err == nil {
				return domainError(http.StatusConflict, "ALREADY_MEMBER", "This user is already a member", nil)
			} else if !errors.Is(err, sql.ErrNoRows) {
				return err
			}
		} else if !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		return tx.CreateInvitation(ctx, invitation)
	})
	if err != nil {
		return nil, err
	}

	if s.mail != nil && s.mail.IsConfigured() {
		inviteURL := strings.TrimRight(s.cfg.BaseURL, "/") + "/invites"
		if err := s.mail.SendInvitationEmail(email, teamName, session.Name, role, inviteURL); err != nil {
			// Notification is best-effort; the invitation stands.
			s.log.Warnw("invitation email failed", "invitationId", invitation.ID, "error", err)
		}
	}

	s.log.Infow("invitation created", "invitationId", invitation.ID, "teamId", teamID)
	return invitationPayload(invitation), nil
}

// ListMyInvitations returns pending invitations addressed to the
// caller's email.
func (s *Service) ListMyInvitations(ctx context.Context, session Session) (map[string]any, error) {
	var invitations []store.Invitation
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		found, err := tx.ListInvitationsByEmail(ctx, session.Email)
		if err != nil {
			return err
		}
		invitations = found
		return nil
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"invitations": invitationPayloads(invitations)}, nil
}

func (s *Service) RevokeInvitation(ctx context.Context, session Session, invitationID string) error {
	return s.store.WithTx(ctx, func(tx store.Tx) error {
		invitation, err := tx.GetInvitation(ctx, invitationID)
		if errors.Is(err, sql.ErrNoRows) {
			return domainError(http.StatusNotFound, "NOT_FOUND", "Invitation not found", nil)
		}
		if err != nil {
			return err
		}
		if _, err := requireAdmin(ctx, tx, invitation.TeamID, session.UserID); err != nil {
			return err
		}
		return tx.DeleteInvitation(ctx, invitation.ID)
	})
}

// AcceptInvitation joins the caller to the inviting team. Accepting the
// first invitation into a personal workspace converts it to a regular
// team in the same transaction.
func (s *Service) AcceptInvitation(ctx context.Context, session Session, invitationID string) (map[string]any, error) {
	var payload map[string]any
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		invitation, err := tx.GetInvitation(ctx, invitationID)
		if errors.Is(err, sql.ErrNoRows) {
			return domainError(http.StatusNotFound, "NOT_FOUND", "Invitation not found", nil)
		}
		if err != nil {
			return err
		}
		if invitation.InvitedEmail != session.Email {
			return domainError(http.StatusForbidden, "FORBIDDEN", "This invitation is addressed to someone else", nil)
		}
		team, err := tx.GetTeam(ctx, invitation.TeamID)
		if err != nil {
			return err
		}
		// Accepting twice is idempotent: a stale invitation for an
		// existing member is cleaned up and the team returned as-is.
		if member, err := tx.GetMembership(ctx, team.ID, session.UserID); err == nil {
			if err := tx.DeleteInvitation(ctx, invitation.ID); err != nil {
				return err
			}
			payload = teamPayload(team)
			payload["role"] = member.Role
			return nil
		} else if !errors.Is(err, sql.ErrNoRows) {
			return err
		}

		if err := tx.AddMember(ctx, store.TeamMember{
			ID:     util.NewID("mem"),
			TeamID: team.ID,
			UserID: session.UserID,
			Role:   invitation.Role,
		}); err != nil {
			return err
		}
		if team.IsPersonal {
			if err := tx.SetTeamPersonal(ctx, team.ID, false); err != nil {
				return err
			}
			team.IsPersonal = false
		}
		if err := tx.DeleteInvitation(ctx, invitation.ID); err != nil {
			return err
		}
		payload = teamPayload(team)
		payload["role"] = invitation.Role
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Infow("invitation accepted", "invitationId", invitationID, "userId", session.UserID)
	return payload, nil
}

func (s *Service) DeclineInvitation(ctx context.Context, session Session, invitationID string) error {
	return s.store.WithTx(ctx, func(tx store.Tx) error {
		invitation, err := tx.GetInvitation(ctx, invitationID)
		if errors.Is(err, sql.ErrNoRows) {
			return domainError(http.StatusNotFound, "NOT_FOUND", "Invitation not found", nil)
		}
		if err != nil {
			return err
		}
		if invitation.InvitedEmail != session.Email {
			return domainError(http.StatusForbidden, "FORBIDDEN", "This invitation is addressed to someone else", nil)
		}
		return tx.DeleteInvitation(ctx, invitation.ID)
	})
}

func teamPayload(team store.Team) map[string]any {
	return map[string]any{
		"id":            team.ID,
		"name":          team.Name,
		"adminId":       team.AdminID,
		"approvalQuota": team.ApprovalQuota,
		"isPersonal":    team.IsPersonal,
		"createdAt":     team.CreatedAt,
	}
}

func memberPayloads(members []store.MemberView) []map[string]any {
	items := make([]map[string]any, 0, len(members))
	for _, member := range members {
		items = append(items, map[string]any{
			"id":          member.ID,
			"userId":      member.UserID,
			"email":       member.Email,
			"displayName": member.DisplayName,
			"role":        member.Role,
		})
	}
	return items
}

func invitationPayload(invitation store.Invitation) map[string]any {
	return map[string]any{
		"id":           invitation.ID,
		"teamId":       invitation.TeamID,
		"invitedEmail": invitation.InvitedEmail,
		"role":         invitation.Role,
		"status":       invitation.Status,
		"createdAt":    invitation.CreatedAt,
	}
}

func invitationPayloads(invitations []store.Invitation) []map[string]any {
	items := make([]map[string]any, 0, len(invitations))
	for _, invitation := range invitations {
		items = append(items, invitationPayload(invitation))
	}
	return items
}
