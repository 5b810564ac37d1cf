package app

import (
	"context"
	"net/http"
	"testing"

	"querydeck/api/internal/auth"
)

func TestRegisterRejectsDuplicateEmail(t *testing.T) {
	svc := newTestService(newMemStore())
	ctx := context.Background()

	mustRegister(t, svc, "ada@example.com", "Ada")

	_, err := svc.Register(ctx, "Ada@Example.com", "another-password", "Ada Again")
	assertDomainError(t, err, http.StatusConflict, "EMAIL_EXISTS")
}

func TestRegisterValidatesInput(t *testing.T) {
	svc := newTestService(newMemStore())
	ctx := context.Background()

	_, err := svc.Register(ctx, "not-an-email", "correct-horse-battery", "X")
	assertDomainError(t, err, http.StatusBadRequest, "VALIDATION_ERROR")

	_, err = svc.Register(ctx, "short@example.com", "tiny", "X")
	assertDomainError(t, err, http.StatusBadRequest, "VALIDATION_ERROR")
}

func TestLoginChecksPassword(t *testing.T) {
	svc := newTestService(newMemStore())
	ctx := context.Background()

	mustRegister(t, svc, "ada@example.com", "Ada")

	if _, err := svc.Login(ctx, "ADA@example.com", "correct-horse-battery"); err != nil {
		t.Fatalf("login with correct password: %v", err)
	}

	_, err := svc.Login(ctx, "ada@example.com", "wrong-password")
	assertDomainError(t, err, http.StatusUnauthorized, "INVALID_CREDENTIALS")

	_, err = svc.Login(ctx, "nobody@example.com", "correct-horse-battery")
	assertDomainError(t, err, http.StatusUnauthorized, "INVALID_CREDENTIALS")
}

func TestLogoutRevokesSession(t *testing.T) {
	svc := newTestService(newMemStore())
	ctx := context.Background()

	result := mustRegister(t, svc, "ada@example.com", "Ada")

	identity := auth.Identity{
		Subject:   result.Session.UserID,
		Email:     result.Session.Email,
		JTI:       result.Session.JTI,
		ExpiresAt: result.ExpiresAt,
		Source:    auth.SourceLocal,
	}
	if _, err := svc.SessionFromIdentity(ctx, identity); err != nil {
		t.Fatalf("session before logout: %v", err)
	}

	if err := svc.Logout(ctx, identity); err != nil {
		t.Fatalf("logout: %v", err)
	}

	_, err := svc.SessionFromIdentity(ctx, identity)
	assertDomainError(t, err, http.StatusUnauthorized, "UNAUTHORIZED")
}

func TestRemoteIdentityIsAutoProvisioned(t *testing.T) {
	svc := newTestService(newMemStore())
	ctx := context.Background()

	identity := auth.Identity{
		Subject: "idp|12345",
		Email:   "Remote@Example.com",
		Name:    "Remote User",
		Source:  auth.SourceRemote,
	}
	session, err := svc.SessionFromIdentity(ctx, identity)
	if err != nil {
		t.Fatalf("resolve remote identity: %v", err)
	}
	if session.Email != "remote@example.com" {
		t.Fatalf("expected normalized email, got %q", session.Email)
	}

	// The provisioned account has its personal workspace.
	teamID := personalTeamID(t, svc, session)
	if teamID == "" {
		t.Fatalf("expected a personal team")
	}

	// Resolving again maps to the same user instead of provisioning twice.
	again, err := svc.SessionFromIdentity(ctx, identity)
	if err != nil {
		t.Fatalf("resolve remote identity again: %v", err)
	}
	if again.UserID != session.UserID {
		t.Fatalf("expected stable user id, got %s then %s", session.UserID, again.UserID)
	}
}

func TestRemoteAccountCannotPasswordLogin(t *testing.T) {
	svc := newTestService(newMemStore())
	ctx := context.Background()

	if _, err := svc.SessionFromIdentity(ctx, auth.Identity{
		Subject: "idp|1",
		Email:   "remote@example.com",
		Source:  auth.SourceRemote,
	}); err != nil {
		t.Fatalf("provision: %v", err)
	}

	_, err := svc.Login(ctx, "remote@example.com", "")
	assertDomainError(t, err, http.StatusUnauthorized, "INVALID_CREDENTIALS")
}
