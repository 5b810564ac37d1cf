package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Tx is the unit of work for one request. Every persistence-touching
// operation runs inside exactly one Tx, committed on success and rolled
// back on any error, so partial approval or membership state is never
// observable.
type Tx interface {
	CreateUser(ctx context.Context, user User) error
	GetUserByEmail(ctx context.Context, email string) (User, error)
	GetUserByID(ctx context.Context, id string) (User, error)

	CreateTeam(ctx context.Context, team Team) error
	GetTeam(ctx context.Context, id string) (Team, error)
	UpdateTeam(ctx context.Context, id, name string, quota int) error
	SetTeamPersonal(ctx context.Context, id string, personal bool) error
	SetTeamAdmin(ctx context.Context, id, userID string) error
	DeleteTeam(ctx context.Context, id string) error
	ListTeamsForUser(ctx context.Context, userID string) ([]UserTeam, error)

	AddMember(ctx context.Context, member TeamMember) error
	GetMembership(ctx context.Context, teamID, userID string) (TeamMember, error)
	GetMemberByID(ctx context.Context, teamID, memberID string) (TeamMember, error)
	ListMembers(ctx context.Context, teamID string) ([]MemberView, error)
	CountMembers(ctx context.Context, teamID string) (int, error)
	RemoveMember(ctx context.Context, teamID, memberID string) error
	UpdateMemberRole(ctx context.Context, teamID, memberID, role string) error

	CreateInvitation(ctx context.Context, invitation Invitation) error
	GetInvitation(ctx context.Context, id string) (Invitation, error)
	HasPendingInvitation(ctx context.Context, teamID, email string) (bool, error)
	ListInvitationsByTeam(ctx context.Context, teamID string) ([]Invitation, error)
	ListInvitationsByEmail(ctx context.Context, email string) ([]Invitation, error)
	DeleteInvitation(ctx context.Context, id string) error

	CreateFolder(ctx context.Context, folder Folder) error
	DefaultFolder(ctx context.Context, teamID string) (Folder, error)

	CreateQuery(ctx context.Context, query Query) error
	GetQuery(ctx context.Context, id string) (Query, error)
	LockQuery(ctx context.Context, id string) (Query, error)
	UpdateQuerySQL(ctx context.Context, id, sqlContent, email string) error
	UpdateQueryStatus(ctx context.Context, id, status string) error
	ListQueries(ctx context.Context, teamID string) ([]Query, error)

	InsertHistory(ctx context.Context, history QueryHistory) error
	LatestHistory(ctx context.Context, queryID string) (QueryHistory, error)
	UpdateHistoryStatus(ctx context.Context, historyID, status string) error
	ListHistory(ctx context.Context, queryID string) ([]QueryHistory, error)

	HasApproval(ctx context.Context, historyID, userID string) (bool, error)
	InsertApproval(ctx context.Context, approval QueryApproval) error
	CountApprovals(ctx context.Context, historyID string) (int, error)
	ListApprovals(ctx context.Context, historyID string) ([]ApprovalView, error)
	ListPendingReviews(ctx context.Context, teamID, excludeEmail string) ([]PendingReview, error)
}

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// Ping verifies the database connection is alive.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// WithTx runs fn inside one transaction.
func (s *PostgresStore) WithTx(ctx context.Context, fn func(Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(&pgTx{tx: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// RevokeSession records a logged-out session token until it expires.
// Fallback path when Redis is not configured; runs outside WithTx since
// revocation must survive even when the surrounding request fails.
func (s *PostgresStore) RevokeSession(ctx context.Context, jti string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_sessions (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, expiresAt)
	if err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	return nil
}

// IsSessionRevoked reports whether a session token has been revoked.
func (s *PostgresStore) IsSessionRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM revoked_sessions WHERE jti=$1 AND expires_at > NOW())
	`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked session: %w", err)
	}
	return revoked, nil
}

type pgTx struct {
	tx *sql.Tx
}

func (t *pgTx) CreateUser(ctx context.Context, user User) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO users (id, email, display_name, password_hash)
		VALUES ($1, $2, $3, $4)
	`, user.ID, user.Email, user.DisplayName, user.PasswordHash)
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func (t *pgTx) GetUserByEmail(ctx context.Context, email string) (User, error) {
	var user User
	err := t.tx.QueryRowContext(ctx, `
		SELECT id, email, display_name, password_hash, created_at
		FROM users
		WHERE email=$1
	`, email).Scan(&user.ID, &user.Email, &user.DisplayName, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (t *pgTx) GetUserByID(ctx context.Context, id string) (User, error) {
	var user User
	err := t.tx.QueryRowContext(ctx, `
		SELECT id, email, display_name, password_hash, created_at
		FROM users
		WHERE id=$1
	`, id).Scan(&user.ID, &user.Email, &user.DisplayName, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (t *pgTx) CreateTeam(ctx context.Context, team Team) error {
	quota := team.ApprovalQuota
	if quota < 1 {
		quota = 1
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO teams (id, name, admin_id, approval_quota, is_personal)
		VALUES ($1, $2, $3, $4, $5)
	`, team.ID, team.Name, team.AdminID, quota, team.IsPersonal)
	if err != nil {
		return fmt.Errorf("create team: %w", err)
	}
	return nil
}

func (t *pgTx) GetTeam(ctx context.Context, id string) (Team, error) {
	var team Team
	err := t.tx.QueryRowContext(ctx, `
		SELECT id, name, admin_id, approval_quota, is_personal, created_at
		FROM teams
		WHERE id=$1
	`, id).Scan(&team.ID, &team.Name, &team.AdminID, &team.ApprovalQuota, &team.IsPersonal, &team.CreatedAt)
	if err != nil {
		return Team{}, err
	}
	return team, nil
}

func (t *pgTx) UpdateTeam(ctx context.Context, id, name string, quota int) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE teams SET name=$2, approval_quota=$3 WHERE id=$1
	`, id, name, quota)
	if err != nil {
		return fmt.Errorf("update team: %w", err)
	}
	return nil
}

func (t *pgTx) SetTeamPersonal(ctx context.Context, id string, personal bool) error {
	_, err := t.tx.ExecContext(ctx, `UPDATE teams SET is_personal=$2 WHERE id=$1`, id, personal)
	if err != nil {
		return fmt.Errorf("set team personal: %w", err)
	}
	return nil
}

func (t *pgTx) SetTeamAdmin(ctx context.Context, id, userID string) error {
	_, err := t.tx.ExecContext(ctx, `UPDATE teams SET admin_id=$2 WHERE id=$1`, id, userID)
	if err != nil {
		return fmt.Errorf("set team admin: %w", err)
	}
	return nil
}

func (t *pgTx) DeleteTeam(ctx context.Context, id string) error {
	_, err := t.tx.ExecContext(ctx, `DELETE FROM teams WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete team: %w", err)
	}
	return nil
}

func (t *pgTx) ListTeamsForUser(ctx context.Context, userID string) ([]UserTeam, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT tm.role, te.id, te.name, te.admin_id, te.approval_quota, te.is_personal, te.created_at
		FROM team_members tm
		JOIN teams te ON te.id = tm.team_id
		WHERE tm.user_id=$1
		ORDER BY te.created_at ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list teams for user: %w", err)
	}
	defer rows.Close()

	items := make([]UserTeam, 0)
	for rows.Next() {
		var item UserTeam
		if err := rows.Scan(&item.Role, &item.ID, &item.Name, &item.AdminID, &item.ApprovalQuota, &item.IsPersonal, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan user team: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate user teams: %w", err)
	}
	return items, nil
}

func (t *pgTx) AddMember(ctx context.Context, member TeamMember) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO team_members (id, team_id, user_id, role)
		VALUES ($1, $2, $3, $4)
	`, member.ID, member.TeamID, member.UserID, member.Role)
	if err != nil {
		return fmt.Errorf("add member: %w", err)
	}
	return nil
}

func (t *pgTx) GetMembership(ctx context.Context, teamID, userID string) (TeamMember, error) {
	var member TeamMember
	err := t.tx.QueryRowContext(ctx, `
		SELECT id, team_id, user_id, role
		FROM team_members
		WHERE team_id=$1 AND user_id=$2
	`, teamID, userID).Scan(&member.ID, &member.TeamID, &member.UserID, &member.Role)
	if err != nil {
		return TeamMember{}, err
	}
	return member, nil
}

func (t *pgTx) GetMemberByID(ctx context.Context, teamID, memberID string) (TeamMember, error) {
	var member TeamMember
	err := t.tx.QueryRowContext(ctx, `
		SELECT id, team_id, user_id, role
		FROM team_members
		WHERE team_id=$1 AND id=$2
	`, teamID, memberID).Scan(&member.ID, &member.TeamID, &member.UserID, &member.Role)
	if err != nil {
		return TeamMember{}, err
	}
	return member, nil
}

func (t *pgTx) ListMembers(ctx context.Context, teamID string) ([]MemberView, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT tm.id, tm.team_id, tm.user_id, tm.role, u.email, u.display_name
		FROM team_members tm
		JOIN users u ON u.id = tm.user_id
		WHERE tm.team_id=$1
		ORDER BY u.email ASC
	`, teamID)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	defer rows.Close()

	items := make([]MemberView, 0)
	for rows.Next() {
		var item MemberView
		if err := rows.Scan(&item.ID, &item.TeamID, &item.UserID, &item.Role, &item.Email, &item.DisplayName); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate members: %w", err)
	}
	return items, nil
}

func (t *pgTx) CountMembers(ctx context.Context, teamID string) (int, error) {
	var count int
	err := t.tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM team_members WHERE team_id=$1`, teamID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count members: %w", err)
	}
	return count, nil
}

func (t *pgTx) RemoveMember(ctx context.Context, teamID, memberID string) error {
	_, err := t.tx.ExecContext(ctx, `DELETE FROM team_members WHERE team_id=$1 AND id=$2`, teamID, memberID)
	if err != nil {
		return fmt.Errorf("remove member: %w", err)
	}
	return nil
}

func (t *pgTx) UpdateMemberRole(ctx context.Context, teamID, memberID, role string) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE team_members SET role=$3 WHERE team_id=$1 AND id=$2
	`, teamID, memberID, role)
	if err != nil {
		return fmt.Errorf("update member role: %w", err)
	}
	return nil
}

func (t *pgTx) CreateInvitation(ctx context.Context, invitation Invitation) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO invitations (id, team_id, invited_email, role, status, created_by)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, invitation.ID, invitation.TeamID, invitation.InvitedEmail, invitation.Role, invitation.Status, invitation.CreatedBy)
	if err != nil {
		return fmt.Errorf("create invitation: %w", err)
	}
	return nil
}

func (t *pgTx) GetInvitation(ctx context.Context, id string) (Invitation, error) {
	var invitation Invitation
	err := t.tx.QueryRowContext(ctx, `
		SELECT id, team_id, invited_email, role, status, created_by, created_at
		FROM invitations
		WHERE id=$1
	`, id).Scan(&invitation.ID, &invitation.TeamID, &invitation.InvitedEmail, &invitation.Role, &invitation.Status, &invitation.CreatedBy, &invitation.CreatedAt)
	if err != nil {
		return Invitation{}, err
	}
	return invitation, nil
}

func (t *pgTx) HasPendingInvitation(ctx context.Context, teamID, email string) (bool, error) {
	var exists bool
	err := t.tx.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM invitations WHERE team_id=$1 AND invited_email=$2 AND status='pending')
	`, teamID, email).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check pending invitation: %w", err)
	}
	return exists, nil
}

func (t *pgTx) ListInvitationsByTeam(ctx context.Context, teamID string) ([]Invitation, error) {
	return t.listInvitations(ctx, `team_id=$1`, teamID)
}

func (t *pgTx) ListInvitationsByEmail(ctx context.Context, email string) ([]Invitation, error) {
	return t.listInvitations(ctx, `invited_email=$1`, email)
}

func (t *pgTx) listInvitations(ctx context.Context, where, arg string) ([]Invitation, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT id, team_id, invited_email, role, status, created_by, created_at
		FROM invitations
		WHERE `+where+` AND status='pending'
		ORDER BY created_at ASC
	`, arg)
	if err != nil {
		return nil, fmt.Errorf("list invitations: %w", err)
	}
	defer rows.Close()

	items := make([]Invitation, 0)
	for rows.Next() {
		var item Invitation
		if err := rows.Scan(&item.ID, &item.TeamID, &item.InvitedEmail, &item.Role, &item.Status, &item.CreatedBy, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan invitation: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate invitations: %w", err)
	}
	return items, nil
}

func (t *pgTx) DeleteInvitation(ctx context.Context, id string) error {
	_, err := t.tx.ExecContext(ctx, `DELETE FROM invitations WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete invitation: %w", err)
	}
	return nil
}

func (t *pgTx) CreateFolder(ctx context.Context, folder Folder) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO folders (id, team_id, name)
		VALUES ($1, $2, $3)
	`, folder.ID, folder.TeamID, folder.Name)
	if err != nil {
		return fmt.Errorf("create folder: %w", err)
	}
	return nil
}

func (t *pgTx) DefaultFolder(ctx context.Context, teamID string) (Folder, error) {
	var folder Folder
	err := t.tx.QueryRowContext(ctx, `
		SELECT id, team_id, name, created_at
		FROM folders
		WHERE team_id=$1
		ORDER BY created_at ASC
		LIMIT 1
	`, teamID).Scan(&folder.ID, &folder.TeamID, &folder.Name, &folder.CreatedAt)
	if err != nil {
		return Folder{}, err
	}
	return folder, nil
}

func (t *pgTx) CreateQuery(ctx context.Context, query Query) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO queries (id, team_id, folder_id, name, status, sql_content, last_modified_by_email)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, query.ID, query.TeamID, query.FolderID, query.Name, query.Status, query.SQLContent, query.LastModifiedByEmail)
	if err != nil {
		return fmt.Errorf("create query: %w", err)
	}
	return nil
}

func (t *pgTx) GetQuery(ctx context.Context, id string) (Query, error) {
	return t.getQuery(ctx, id, false)
}

// LockQuery reads the query row with FOR UPDATE so concurrent approvers
// on the same query serialize for the rest of the transaction.
func (t *pgTx) LockQuery(ctx context.Context, id string) (Query, error) {
	return t.getQuery(ctx, id, true)
}

func (t *pgTx) getQuery(ctx context.Context, id string, forUpdate bool) (Query, error) {
	statement := `
		SELECT id, team_id, folder_id, name, status, sql_content, last_modified_by_email, updated_at
		FROM queries
		WHERE id=$1
	`
	if forUpdate {
		statement += ` FOR UPDATE`
	}
	var query Query
	err := t.tx.QueryRowContext(ctx, statement, id).Scan(
		&query.ID,
		&query.TeamID,
		&query.FolderID,
		&query.Name,
		&query.Status,
		&query.SQLContent,
		&query.LastModifiedByEmail,
		&query.UpdatedAt,
	)
	if err != nil {
		return Query{}, err
	}
	return query, nil
}

func (t *pgTx) UpdateQuerySQL(ctx context.Context, id, sqlContent, email string) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE queries
		SET sql_content=$2, last_modified_by_email=$3, updated_at=NOW()
		WHERE id=$1
	`, id, sqlContent, email)
	if err != nil {
		return fmt.Errorf("update query sql: %w", err)
	}
	return nil
}

func (t *pgTx) UpdateQueryStatus(ctx context.Context, id, status string) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE queries SET status=$2, updated_at=NOW() WHERE id=$1
	`, id, status)
	if err != nil {
		return fmt.Errorf("update query status: %w", err)
	}
	return nil
}

func (t *pgTx) ListQueries(ctx context.Context, teamID string) ([]Query, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT id, team_id, folder_id, name, status, sql_content, last_modified_by_email, updated_at
		FROM queries
		WHERE team_id=$1
		ORDER BY updated_at DESC
	`, teamID)
	if err != nil {
		return nil, fmt.Errorf("list queries: %w", err)
	}
	defer rows.Close()

	items := make([]Query, 0)
	for rows.Next() {
		var item Query
		if err := rows.Scan(&item.ID, &item.TeamID, &item.FolderID, &item.Name, &item.Status, &item.SQLContent, &item.LastModifiedByEmail, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan query: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate queries: %w", err)
	}
	return items, nil
}

func (t *pgTx) InsertHistory(ctx context.Context, history QueryHistory) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO query_history (id, query_id, sql_content, modified_by_email, change_reason, status)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, history.ID, history.QueryID, history.SQLContent, history.ModifiedByEmail, history.ChangeReason, history.Status)
	if err != nil {
		return fmt.Errorf("insert history: %w", err)
	}
	return nil
}

func (t *pgTx) LatestHistory(ctx context.Context, queryID string) (QueryHistory, error) {
	var history QueryHistory
	err := t.tx.QueryRowContext(ctx, `
		SELECT id, query_id, sql_content, modified_by_email, change_reason, status, created_at
		FROM query_history
		WHERE query_id=$1
		ORDER BY created_at DESC
		LIMIT 1
	`, queryID).Scan(&history.ID, &history.QueryID, &history.SQLContent, &history.ModifiedByEmail, &history.ChangeReason, &history.Status, &history.CreatedAt)
	if err != nil {
		return QueryHistory{}, err
	}
	return history, nil
}

func (t *pgTx) UpdateHistoryStatus(ctx context.Context, historyID, status string) error {
	_, err := t.tx.ExecContext(ctx, `UPDATE query_history SET status=$2 WHERE id=$1`, historyID, status)
	if err != nil {
		return fmt.Errorf("update history status: %w", err)
	}
	return nil
}

func (t *pgTx) ListHistory(ctx context.Context, queryID string) ([]QueryHistory, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT id, query_id, sql_content, modified_by_email, change_reason, status, created_at
		FROM query_history
		WHERE query_id=$1
		ORDER BY created_at DESC
	`, queryID)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()

	items := make([]QueryHistory, 0)
	for rows.Next() {
		var item QueryHistory
		if err := rows.Scan(&item.ID, &item.QueryID, &item.SQLContent, &item.ModifiedByEmail, &item.ChangeReason, &item.Status, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	return items, nil
}

func (t *pgTx) HasApproval(ctx context.Context, historyID, userID string) (bool, error) {
	var exists bool
	err := t.tx.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM query_approvals WHERE query_history_id=$1 AND user_id=$2)
	`, historyID, userID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check approval: %w", err)
	}
	return exists, nil
}

func (t *pgTx) InsertApproval(ctx context.Context, approval QueryApproval) error {
	// ON CONFLICT keeps a repeated approval from the same user a no-op
	// even if two requests slip past the existence check.
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO query_approvals (id, query_history_id, user_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (query_history_id, user_id) DO NOTHING
	`, approval.ID, approval.QueryHistoryID, approval.UserID)
	if err != nil {
		return fmt.Errorf("insert approval: %w", err)
	}
	return nil
}

func (t *pgTx) CountApprovals(ctx context.Context, historyID string) (int, error) {
	var count int
	err := t.tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM query_approvals WHERE query_history_id=$1
	`, historyID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count approvals: %w", err)
	}
	return count, nil
}

func (t *pgTx) ListApprovals(ctx context.Context, historyID string) ([]ApprovalView, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT qa.id, qa.query_history_id, qa.user_id, qa.created_at, u.email, u.display_name
		FROM query_approvals qa
		JOIN users u ON u.id = qa.user_id
		WHERE qa.query_history_id=$1
		ORDER BY qa.created_at ASC
	`, historyID)
	if err != nil {
		return nil, fmt.Errorf("list approvals: %w", err)
	}
	defer rows.Close()

	items := make([]ApprovalView, 0)
	for rows.Next() {
		var item ApprovalView
		if err := rows.Scan(&item.ID, &item.QueryHistoryID, &item.UserID, &item.CreatedAt, &item.Email, &item.DisplayName); err != nil {
			return nil, fmt.Errorf("scan approval: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate approvals: %w", err)
	}
	return items, nil
}

func (t *pgTx) ListPendingReviews(ctx context.Context, teamID, excludeEmail string) ([]PendingReview, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT q.id, q.name, q.team_id, h.id, h.modified_by_email, h.change_reason, h.created_at,
			(SELECT COUNT(*) FROM query_approvals qa WHERE qa.query_history_id = h.id),
			te.approval_quota
		FROM queries q
		JOIN teams te ON te.id = q.team_id
		JOIN LATERAL (
			SELECT id, modified_by_email, change_reason, created_at
			FROM query_history
			WHERE query_id = q.id
			ORDER BY created_at DESC
			LIMIT 1
		) h ON TRUE
		WHERE q.team_id=$1
		  AND q.status='pending_approval'
		  AND ($2='' OR h.modified_by_email <> $2)
		ORDER BY h.created_at ASC
	`, teamID, excludeEmail)
	if err != nil {
		return nil, fmt.Errorf("list pending reviews: %w", err)
	}
	defer rows.Close()

	items := make([]PendingReview, 0)
	for rows.Next() {
		var item PendingReview
		if err := rows.Scan(
			&item.QueryID,
			&item.QueryName,
			&item.TeamID,
			&item.HistoryID,
			&item.ModifiedByEmail,
			&item.ChangeReason,
			&item.SubmittedAt,
			&item.ApprovalCount,
			&item.Quota,
		); err != nil {
			return nil, fmt.Errorf("scan pending review: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending reviews: %w", err)
	}
	return items, nil
}
