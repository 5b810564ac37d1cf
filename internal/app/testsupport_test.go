package app

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"querydeck/api/internal/auth"
	"querydeck/api/internal/config"
	"querydeck/api/internal/logger"
	"querydeck/api/internal/store"
)

// memStore is an in-memory stand-in for the Postgres store. WithTx
// snapshots the state up front and restores it when the closure fails,
// so rollback behavior matches the real transaction boundary.
type memStore struct {
	mu      sync.Mutex
	state   memState
	clock   int64
	pingErr error
	txErr   error
	revoked map[string]time.Time
}

type memState struct {
	users       map[string]store.User
	teams       map[string]store.Team
	members     map[string]store.TeamMember
	invitations map[string]store.Invitation
	folders     map[string]store.Folder
	queries     map[string]store.Query
	history     map[string]store.QueryHistory
	approvals   map[string]store.QueryApproval
}

func newMemStore() *memStore {
	return &memStore{
		state: memState{
			users:       map[string]store.User{},
			teams:       map[string]store.Team{},
			members:     map[string]store.TeamMember{},
			invitations: map[string]store.Invitation{},
			folders:     map[string]store.Folder{},
			queries:     map[string]store.Query{},
			history:     map[string]store.QueryHistory{},
			approvals:   map[string]store.QueryApproval{},
		},
		revoked: map[string]time.Time{},
	}
}

func (s memState) clone() memState {
	out := memState{
		users:       make(map[string]store.User, len(s.users)),
		teams:       make(map[string]store.Team, len(s.teams)),
		members:     make(map[string]store.TeamMember, len(s.members)),
		invitations: make(map[string]store.Invitation, len(s.invitations)),
		folders:     make(map[string]store.Folder, len(s.folders)),
		queries:     make(map[string]store.Query, len(s.queries)),
		history:     make(map[string]store.QueryHistory, len(s.history)),
		approvals:   make(map[string]store.QueryApproval, len(s.approvals)),
	}
	for k, v := range s.users {
		out.users[k] = v
	}
	for k, v := range s.teams {
		out.teams[k] = v
	}
	for k, v := range s.members {
		out.members[k] = v
	}
	for k, v := range s.invitations {
		out.invitations[k] = v
	}
	for k, v := range s.folders {
		out.folders[k] = v
	}
	for k, v := range s.queries {
		out.queries[k] = v
	}
	for k, v := range s.history {
		out.history[k] = v
	}
	for k, v := range s.approvals {
		out.approvals[k] = v
	}
	return out
}

func (m *memStore) WithTx(_ context.Context, fn func(store.Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.txErr != nil {
		return m.txErr
	}
	backup := m.state.clone()
	if err := fn(&memTx{store: m}); err != nil {
		m.state = backup
		return err
	}
	return nil
}

func (m *memStore) Ping(context.Context) error {
	return m.pingErr
}

func (m *memStore) RevokeSession(_ context.Context, jti string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.revoked[jti] = expiresAt
	return nil
}

func (m *memStore) IsSessionRevoked(_ context.Context, jti string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	expiresAt, ok := m.revoked[jti]
	return ok && time.Now().Before(expiresAt), nil
}

// tick produces strictly increasing timestamps so ordering by
// created_at is deterministic.
func (m *memStore) tick() time.Time {
	m.clock++
	return time.Unix(0, m.clock*int64(time.Millisecond))
}

type memTx struct {
	store *memStore
}

func (t *memTx) CreateUser(_ context.Context, user store.User) error {
	if user.CreatedAt.IsZero() {
		user.CreatedAt = t.store.tick()
	}
	t.store.state.users[user.ID] = user
	return nil
}

func (t *memTx) GetUserByEmail(_ context.Context, email string) (store.User, error) {
	for _, user := range t.store.state.users {
		if user.Email == email {
			return user, nil
		}
	}
	return store.User{}, sql.ErrNoRows
}

func (t *memTx) GetUserByID(_ context.Context, id string) (store.User, error) {
	if user, ok := t.store.state.users[id]; ok {
		return user, nil
	}
	return store.User{}, sql.ErrNoRows
}

func (t *memTx) CreateTeam(_ context.Context, team store.Team) error {
	if team.ApprovalQuota < 1 {
		team.ApprovalQuota = 1
	}
	if team.CreatedAt.IsZero() {
		team.CreatedAt = t.store.tick()
	}
	t.store.state.teams[team.ID] = team
	return nil
}

func (t *memTx) GetTeam(_ context.Context, id string) (store.Team, error) {
	if team, ok := t.store.state.teams[id]; ok {
		return team, nil
	}
	return store.Team{}, sql.ErrNoRows
}

func (t *memTx) UpdateTeam(_ context.Context, id, name string, quota int) error {
	team, ok := t.store.state.teams[id]
	if !ok {
		return nil
	}
	team.Name = name
	team.ApprovalQuota = quota
	t.store.state.teams[id] = team
	return nil
}

func (t *memTx) SetTeamPersonal(_ context.Context, id string, personal bool) error {
	team, ok := t.store.state.teams[id]
	if !ok {
		return nil
	}
	team.IsPersonal = personal
	t.store.state.teams[id] = team
	return nil
}

func (t *memTx) SetTeamAdmin(_ context.Context, id, userID string) error {
	team, ok := t.store.state.teams[id]
	if !ok {
		return nil
	}
	team.AdminID = userID
	t.store.state.teams[id] = team
	return nil
}

func (t *memTx) DeleteTeam(_ context.Context, id string) error {
	delete(t.store.state.teams, id)
	for memberID, member := range t.store.state.members {
		if member.TeamID == id {
			delete(t.store.state.members, memberID)
		}
	}
	return nil
}

func (t *memTx) ListTeamsForUser(_ context.Context, userID string) ([]store.UserTeam, error) {
	items := make([]store.UserTeam, 0)
	for _, member := range t.store.state.members {
		if member.UserID != userID {
			continue
		}
		team, ok := t.store.state.teams[member.TeamID]
		if !ok {
			continue
		}
		items = append(items, store.UserTeam{Team: team, Role: member.Role})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].CreatedAt.Before(items[j].CreatedAt) })
	return items, nil
}

func (t *memTx) AddMember(_ context.Context, member store.TeamMember) error {
	t.store.state.members[member.ID] = member
	return nil
}

func (t *memTx) GetMembership(_ context.Context, teamID, userID string) (store.TeamMember, error) {
	for _, member := range t.store.state.members {
		if member.TeamID == teamID && member.UserID == userID {
			return member, nil
		}
	}
	return store.TeamMember{}, sql.ErrNoRows
}

func (t *memTx) GetMemberByID(_ context.Context, teamID, memberID string) (store.TeamMember, error) {
	member, ok := t.store.state.members[memberID]
	if !ok || member.TeamID != teamID {
		return store.TeamMember{}, sql.ErrNoRows
	}
	return member, nil
}

func (t *memTx) ListMembers(_ context.Context, teamID string) ([]store.MemberView, error) {
	items := make([]store.MemberView, 0)
	for _, member := range t.store.state.members {
		if member.TeamID != teamID {
			continue
		}
		user := t.store.state.users[member.UserID]
		items = append(items, store.MemberView{
			TeamMember:  member,
			Email:       user.Email,
			DisplayName: user.DisplayName,
		})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Email < items[j].Email })
	return items, nil
}

func (t *memTx) CountMembers(_ context.Context, teamID string) (int, error) {
	count := 0
	for _, member := range t.store.state.members {
		if member.TeamID == teamID {
			count++
		}
	}
	return count, nil
}

func (t *memTx) RemoveMember(_ context.Context, teamID, memberID string) error {
	member, ok := t.store.state.members[memberID]
	if ok && member.TeamID == teamID {
		delete(t.store.state.members, memberID)
	}
	return nil
}

func (t *memTx) UpdateMemberRole(_ context.Context, teamID, memberID, role string) error {
	member, ok := t.store.state.members[memberID]
	if ok && member.TeamID == teamID {
		member.Role = role
		t.store.state.members[memberID] = member
	}
	return nil
}

func (t *memTx) CreateInvitation(_ context.Context, invitation store.Invitation) error {
	if invitation.CreatedAt.IsZero() {
		invitation.CreatedAt = t.store.tick()
	}
	t.store.state.invitations[invitation.ID] = invitation
	return nil
}

func (t *memTx) GetInvitation(_ context.Context, id string) (store.Invitation, error) {
	if invitation, ok := t.store.state.invitations[id]; ok {
		return invitation, nil
	}
	return store.Invitation{}, sql.ErrNoRows
}

func (t *memTx) HasPendingInvitation(_ context.Context, teamID, email string) (bool, error) {
	for _, invitation := range t.store.state.invitations {
		if invitation.TeamID == teamID && invitation.InvitedEmail == email && invitation.Status == store.InvitationStatusPending {
			return true, nil
		}
	}
	return false, nil
}

func (t *memTx) ListInvitationsByTeam(_ context.Context, teamID string) ([]store.Invitation, error) {
	return t.listInvitations(func(invitation store.Invitation) bool {
		return invitation.TeamID == teamID
	}), nil
}

func (t *memTx) ListInvitationsByEmail(_ context.Context, email string) ([]store.Invitation, error) {
	return t.listInvitations(func(invitation store.Invitation) bool {
		return invitation.InvitedEmail == email
	}), nil
}

func (t *memTx) listInvitations(match func(store.Invitation) bool) []store.Invitation {
	items := make([]store.Invitation, 0)
	for _, invitation := range t.store.state.invitations {
		if invitation.Status == store.InvitationStatusPending && match(invitation) {
			items = append(items, invitation)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].CreatedAt.Before(items[j].CreatedAt) })
	return items
}

func (t *memTx) DeleteInvitation(_ context.Context, id string) error {
	delete(t.store.state.invitations, id)
	return nil
}

func (t *memTx) CreateFolder(_ context.Context, folder store.Folder) error {
	if folder.CreatedAt.IsZero() {
		folder.CreatedAt = t.store.tick()
	}
	t.store.state.folders[folder.ID] = folder
	return nil
}

func (t *memTx) DefaultFolder(_ context.Context, teamID string) (store.Folder, error) {
	var found *store.Folder
	for _, folder := range t.store.state.folders {
		folder := folder
		if folder.TeamID != teamID {
			continue
		}
		if found == nil || folder.CreatedAt.Before(found.CreatedAt) {
			found = &folder
		}
	}
	if found == nil {
		return store.Folder{}, sql.ErrNoRows
	}
	return *found, nil
}

func (t *memTx) CreateQuery(_ context.Context, query store.Query) error {
	if query.UpdatedAt.IsZero() {
		query.UpdatedAt = t.store.tick()
	}
	t.store.state.queries[query.ID] = query
	return nil
}

func (t *memTx) GetQuery(_ context.Context, id string) (store.Query, error) {
	if query, ok := t.store.state.queries[id]; ok {
		return query, nil
	}
	return store.Query{}, sql.ErrNoRows
}

func (t *memTx) LockQuery(ctx context.Context, id string) (store.Query, error) {
	// The store mutex already serializes transactions.
	return t.GetQuery(ctx, id)
}

func (t *memTx) UpdateQuerySQL(_ context.Context, id, sqlContent, email string) error {
	query, ok := t.store.state.queries[id]
	if !ok {
		return nil
	}
	query.SQLContent = sqlContent
	query.LastModifiedByEmail = email
	query.UpdatedAt = t.store.tick()
	t.store.state.queries[id] = query
	return nil
}

func (t *memTx) UpdateQueryStatus(_ context.Context, id, status string) error {
	query, ok := t.store.state.queries[id]
	if !ok {
		return nil
	}
	query.Status = status
	query.UpdatedAt = t.store.tick()
	t.store.state.queries[id] = query
	return nil
}

func (t *memTx) ListQueries(_ context.Context, teamID string) ([]store.Query, error) {
	items := make([]store.Query, 0)
	for _, query := range t.store.state.queries {
		if query.TeamID == teamID {
			items = append(items, query)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].UpdatedAt.After(items[j].UpdatedAt) })
	return items, nil
}

func (t *memTx) InsertHistory(_ context.Context, history store.QueryHistory) error {
	if history.CreatedAt.IsZero() {
		history.CreatedAt = t.store.tick()
	}
	t.store.state.history[history.ID] = history
	return nil
}

func (t *memTx) LatestHistory(_ context.Context, queryID string) (store.QueryHistory, error) {
	var found *store.QueryHistory
	for _, entry := range t.store.state.history {
		entry := entry
		if entry.QueryID != queryID {
			continue
		}
		if found == nil || entry.CreatedAt.After(found.CreatedAt) {
			found = &entry
		}
	}
	if found == nil {
		return store.QueryHistory{}, sql.ErrNoRows
	}
	return *found, nil
}

func (t *memTx) UpdateHistoryStatus(_ context.Context, historyID, status string) error {
	entry, ok := t.store.state.history[historyID]
	if !ok {
		return nil
	}
	entry.Status = status
	t.store.state.history[historyID] = entry
	return nil
}

func (t *memTx) ListHistory(_ context.Context, queryID string) ([]store.QueryHistory, error) {
	items := make([]store.QueryHistory, 0)
	for _, entry := range t.store.state.history {
		if entry.QueryID == queryID {
			items = append(items, entry)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].CreatedAt.After(items[j].CreatedAt) })
	return items, nil
}

func (t *memTx) HasApproval(_ context.Context, historyID, userID string) (bool, error) {
	for _, approval := range t.store.state.approvals {
		if approval.QueryHistoryID == historyID && approval.UserID == userID {
			return true, nil
		}
	}
	return false, nil
}

func (t *memTx) InsertApproval(ctx context.Context, approval store.QueryApproval) error {
	if already, _ := t.HasApproval(ctx, approval.QueryHistoryID, approval.UserID); already {
		return nil
	}
	if approval.CreatedAt.IsZero() {
		approval.CreatedAt = t.store.tick()
	}
	t.store.state.approvals[approval.ID] = approval
	return nil
}

func (t *memTx) CountApprovals(_ context.Context, historyID string) (int, error) {
	count := 0
	for _, approval := range t.store.state.approvals {
		if approval.QueryHistoryID == historyID {
			count++
		}
	}
	return count, nil
}

func (t *memTx) ListApprovals(_ context.Context, historyID string) ([]store.ApprovalView, error) {
	items := make([]store.ApprovalView, 0)
	for _, approval := range t.store.state.approvals {
		if approval.QueryHistoryID != historyID {
			continue
		}
		user := t.store.state.users[approval.UserID]
		items = append(items, store.ApprovalView{
			QueryApproval: approval,
			Email:         user.Email,
			DisplayName:   user.DisplayName,
		})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].CreatedAt.Before(items[j].CreatedAt) })
	return items, nil
}

func (t *memTx) ListPendingReviews(ctx context.Context, teamID, excludeEmail string) ([]store.PendingReview, error) {
	items := make([]store.PendingReview, 0)
	for _, query := range t.store.state.queries {
		if query.TeamID != teamID || query.Status != store.QueryStatusPending {
			continue
		}
		history, err := t.LatestHistory(ctx, query.ID)
		if err != nil {
			continue
		}
		if excludeEmail != "" && history.ModifiedByEmail == excludeEmail {
			continue
		}
		count, _ := t.CountApprovals(ctx, history.ID)
		team := t.store.state.teams[teamID]
		items = append(items, store.PendingReview{
			QueryID:         query.ID,
			QueryName:       query.Name,
			TeamID:          query.TeamID,
			HistoryID:       history.ID,
			ModifiedByEmail: history.ModifiedByEmail,
			ChangeReason:    history.ChangeReason,
			ApprovalCount:   count,
			Quota:           team.ApprovalQuota,
			SubmittedAt:     history.CreatedAt,
		})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].SubmittedAt.Before(items[j].SubmittedAt) })
	return items, nil
}

type fakeMailer struct {
	mu         sync.Mutex
	configured bool
	sent       []string
}

func (m *fakeMailer) IsConfigured() bool { return m.configured }

func (m *fakeMailer) SendInvitationEmail(to, _, _, _, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, to)
	return nil
}

func testConfig() config.Config {
	return config.Config{
		Environment:     "test",
		SessionSecret:   "test-secret",
		SessionIssuer:   "querydeck",
		SessionAudience: "querydeck-web",
		SessionTTL:      time.Hour,
		CORSOrigin:      "*",
		BaseURL:         "http://localhost:5173",
	}
}

func newTestService(ms *memStore) *Service {
	return NewService(testConfig(), ms, ms, &fakeMailer{}, logger.NewNop())
}

func newTestServer(svc *Service) *HTTPServer {
	return newTestServerWithLogger(svc, logger.NewNop())
}

func newTestServerWithLogger(svc *Service, log *zap.SugaredLogger) *HTTPServer {
	resolver := auth.NewResolver(
		&auth.CookieStrategy{
			Secret:   []byte(svc.cfg.SessionSecret),
			Issuer:   svc.cfg.SessionIssuer,
			Audience: svc.cfg.SessionAudience,
		},
		&auth.DevStrategy{Enabled: false},
	)
	return NewHTTPServer(svc, resolver, svc.cfg, log)
}

func mustRegister(t *testing.T, svc *Service, email, name string) LoginResult {
	t.Helper()
	result, err := svc.Register(context.Background(), email, "correct-horse-battery", name)
	if err != nil {
		t.Fatalf("register %s: %v", email, err)
	}
	return result
}

// personalTeamID finds the personal workspace created at registration.
func personalTeamID(t *testing.T, svc *Service, session Session) string {
	t.Helper()
	payload, err := svc.ListTeams(context.Background(), session)
	if err != nil {
		t.Fatalf("list teams: %v", err)
	}
	teams := payload["teams"].([]map[string]any)
	for _, team := range teams {
		if team["isPersonal"].(bool) {
			return team["id"].(string)
		}
	}
	t.Fatalf("no personal team for %s", session.Email)
	return ""
}

// buildTeam registers the named users and wires them into one team via
// the invitation flow. The first email becomes the owner; the returned
// sessions are in input order.
func buildTeam(t *testing.T, svc *Service, teamName string, quota int, emails ...string) (string, []Session) {
	t.Helper()
	ctx := context.Background()

	sessions := make([]Session, 0, len(emails))
	for _, email := range emails {
		sessions = append(sessions, mustRegister(t, svc, email, email[:len(email)-len("@example.com")]).Session)
	}

	payload, err := svc.CreateTeam(ctx, sessions[0], teamName, quota)
	if err != nil {
		t.Fatalf("create team: %v", err)
	}
	teamID := payload["id"].(string)

	for _, member := range sessions[1:] {
		invite, err := svc.CreateInvitation(ctx, sessions[0], teamID, member.Email, "member")
		if err != nil {
			t.Fatalf("invite %s: %v", member.Email, err)
		}
		if _, err := svc.AcceptInvitation(ctx, member, invite["id"].(string)); err != nil {
			t.Fatalf("accept %s: %v", member.Email, err)
		}
	}
	return teamID, sessions
}

func mustCreateQuery(t *testing.T, svc *Service, session Session, teamID, name, sqlContent string) string {
	t.Helper()
	payload, err := svc.CreateQuery(context.Background(), session, teamID, "", name, sqlContent)
	if err != nil {
		t.Fatalf("create query: %v", err)
	}
	return payload["id"].(string)
}
