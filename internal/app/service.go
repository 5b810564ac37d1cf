// Package app holds the HTTP surface and the workflow rules gating
// access to shared queries: who may read and edit them, and how a
// changed query collects approvals before it becomes the approved
// version again.
package app

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"querydeck/api/internal/auth"
	"querydeck/api/internal/config"
	"querydeck/api/internal/csrf"
	"querydeck/api/internal/store"
	"querydeck/api/internal/util"
)

// Session is the authenticated caller for one request, already mapped
// to a local user row.
type Session struct {
	UserID string
	Email  string
	Name   string
	JTI    string
	Source auth.Source
}

// LoginResult carries everything the HTTP layer needs to establish the
// cookie pair.
type LoginResult struct {
	Session   Session
	Token     string
	CSRFToken string
	ExpiresAt time.Time
}

type dataStore interface {
	WithTx(ctx context.Context, fn func(store.Tx) error) error
	Ping(ctx context.Context) error
}

// RevocationStore is the logout denylist. Redis serves it when
// configured, the revoked_sessions table otherwise.
type RevocationStore interface {
	RevokeSession(ctx context.Context, jti string, expiresAt time.Time) error
	IsSessionRevoked(ctx context.Context, jti string) (bool, error)
}

type mailer interface {
	IsConfigured() bool
	SendInvitationEmail(to, teamName, inviterName, role, inviteURL string) error
}

type Service struct {
	cfg      config.Config
	store    dataStore
	sessions RevocationStore
	mail     mailer
	log      *zap.SugaredLogger
}

func NewService(cfg config.Config, dataStore dataStore, sessions RevocationStore, mail mailer, log *zap.SugaredLogger) *Service {
	return &Service{
		cfg:      cfg,
		store:    dataStore,
		sessions: sessions,
		mail:     mail,
		log:      log,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Register creates a local account together with its personal team and
// a default folder, then signs the caller in.
func (s *Service) Register(ctx context.Context, email, password, displayName string) (LoginResult, error) {
	email = normalizeEmail(email)
	if email == "" || !strings.Contains(email, "@") {
		return LoginResult{}, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "a valid email is required", nil)
	}
	if len(password) < 8 {
		return LoginResult{}, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "password must be at least 8 characters", nil)
	}
	displayName = strings.TrimSpace(displayName)
	if displayName == "" {
		displayName = email[:strings.Index(email, "@")]
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return LoginResult{}, err
	}

	var user store.User
	err = s.store.WithTx(ctx, func(tx store.Tx) error {
		if _, err := tx.GetUserByEmail(ctx, email); err == nil {
			return domainError(http.StatusConflict, "EMAIL_EXISTS", "Email already registered", nil)
		} else if !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		user = store.User{
			ID:           util.NewID("usr"),
			Email:        email,
			DisplayName:  displayName,
			PasswordHash: string(hash),
		}
		if err := tx.CreateUser(ctx, user); err != nil {
			return err
		}
		return provisionPersonalTeam(ctx, tx, user)
	})
	if err != nil {
		return LoginResult{}, err
	}

	s.log.Infow("user registered", "userId", user.ID)
	return s.issueSession(user)
}

// Login verifies a local password and issues the session cookie pair.
func (s *Service) Login(ctx context.Context, email, password string) (LoginResult, error) {
	email = normalizeEmail(email)

	var user store.User
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		found, err := tx.GetUserByEmail(ctx, email)
		if err != nil {
			return err
		}
		user = found
		return nil
	})
	if errors.Is(err, sql.ErrNoRows) {
		return LoginResult{}, domainError(http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid email or password", nil)
	}
	if err != nil {
		return LoginResult{}, err
	}
	if user.PasswordHash == "" {
		// Remote-provisioned account with no local password.
		return LoginResult{}, domainError(http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid email or password", nil)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return LoginResult{}, domainError(http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid email or password", nil)
	}

	return s.issueSession(user)
}

func (s *Service) issueSession(user store.User) (LoginResult, error) {
	expiresAt := time.Now().Add(s.cfg.SessionTTL)
	jti := util.NewID("ses")
	token, err := auth.IssueToken([]byte(s.cfg.SessionSecret), auth.Claims{
		Sub:   user.ID,
		Email: user.Email,
		Name:  user.DisplayName,
		Iss:   s.cfg.SessionIssuer,
		Aud:   s.cfg.SessionAudience,
		JTI:   jti,
		Exp:   expiresAt.Unix(),
	})
	if err != nil {
		return LoginResult{}, err
	}
	return LoginResult{
		Session: Session{
			UserID: user.ID,
			Email:  user.Email,
			Name:   user.DisplayName,
			JTI:    jti,
			Source: auth.SourceLocal,
		},
		Token:     token,
		CSRFToken: csrf.NewToken(),
		ExpiresAt: expiresAt,
	}, nil
}

// Logout puts the session's token id on the revocation denylist until
// the token would have expired anyway.
func (s *Service) Logout(ctx context.Context, identity auth.Identity) error {
	if identity.JTI == "" {
		return nil
	}
	expiresAt := identity.ExpiresAt
	if expiresAt.IsZero() {
		expiresAt = time.Now().Add(s.cfg.SessionTTL)
	}
	if err := s.sessions.RevokeSession(ctx, identity.JTI, expiresAt); err != nil {
		return err
	}
	s.log.Infow("session revoked", "jti", identity.JTI)
	return nil
}

// SessionFromIdentity maps a verified credential to a local user. Local
// session tokens are checked against the revocation denylist; remote
// and dev identities are auto-provisioned on first sight.
func (s *Service) SessionFromIdentity(ctx context.Context, identity auth.Identity) (Session, error) {
	if identity.Source == auth.SourceLocal {
		revoked, err := s.sessions.IsSessionRevoked(ctx, identity.JTI)
		if err != nil {
			return Session{}, err
		}
		if revoked {
			return Session{}, domainError(http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		}
		var user store.User
		err = s.store.WithTx(ctx, func(tx store.Tx) error {
			found, err := tx.GetUserByID(ctx, identity.Subject)
			if err != nil {
				return err
			}
			user = found
			return nil
		})
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, domainError(http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		}
		if err != nil {
			return Session{}, err
		}
		return Session{
			UserID: user.ID,
			Email:  user.Email,
			Name:   user.DisplayName,
			JTI:    identity.JTI,
			Source: identity.Source,
		}, nil
	}

	var user store.User
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		found, err := ensureUserByEmail(ctx, tx, identity.Email, identity.Name)
		if err != nil {
			return err
		}
		user = found
		return nil
	})
	if err != nil {
		return Session{}, err
	}
	return Session{
		UserID: user.ID,
		Email:  user.Email,
		Name:   user.DisplayName,
		JTI:    identity.JTI,
		Source: identity.Source,
	}, nil
}

// Me returns the caller's profile together with their team memberships.
func (s *Service) Me(ctx context.Context, session Session) (map[string]any, error) {
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

	teamPayloads := make([]map[string]any, 0, len(teams))
	for _, team := range teams {
		teamPayloads = append(teamPayloads, map[string]any{
			"id":            team.ID,
			"name":          team.Name,
			"role":          team.Role,
			"isPersonal":    team.IsPersonal,
			"approvalQuota": team.ApprovalQuota,
		})
	}
	return map[string]any{
		"userId": session.UserID,
		"email":  session.Email,
		"name":   session.Name,
		"teams":  teamPayloads,
	}, nil
}

// ensureUserByEmail looks up a user by email, provisioning the account
// with its personal team and default folder when it does not exist yet.
func ensureUserByEmail(ctx context.Context, tx store.Tx, email, displayName string) (store.User, error) {
	email = normalizeEmail(email)
	user, err := tx.GetUserByEmail(ctx, email)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return store.User{}, err
	}

	displayName = strings.TrimSpace(displayName)
	if displayName == "" {
		if at := strings.Index(email, "@"); at > 0 {
			displayName = email[:at]
		} else {
			displayName = email
		}
	}
	user = store.User{
		ID:          util.NewID("usr"),
		Email:       email,
		DisplayName: displayName,
	}
	if err := tx.CreateUser(ctx, user); err != nil {
		return store.User{}, err
	}
	if err := provisionPersonalTeam(ctx, tx, user); err != nil {
		return store.User{}, err
	}
	return user, nil
}

// provisionPersonalTeam creates the solo workspace every account starts
// with: a personal team with the user as admin and one default folder.
func provisionPersonalTeam(ctx context.Context, tx store.Tx, user store.User) error {
	team := store.Team{
		ID:            util.NewID("team"),
		Name:          user.DisplayName + "'s Workspace",
		AdminID:       user.ID,
		ApprovalQuota: 1,
		IsPersonal:    true,
	}
	if err := tx.CreateTeam(ctx, team); err != nil {
		return err
	}
	member := store.TeamMember{
		ID:     util.NewID("mem"),
		TeamID: team.ID,
		UserID: user.ID,
		Role:   "admin",
	}
	if err := tx.AddMember(ctx, member); err != nil {
		return err
	}
	folder := store.Folder{
		ID:     util.NewID("fld"),
		TeamID: team.ID,
		Name:   "General",
	}
	return tx.CreateFolder(ctx, folder)
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
