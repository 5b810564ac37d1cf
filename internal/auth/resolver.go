package auth

import (
	"errors"
	"net/http"
	"regexp"
	"strings"
	"time"
)

type Source string

const (
	SourceRemote Source = "remote"
	SourceLocal  Source = "local"
	SourceDev    Source = "dev"
)

// SessionCookie is the name of the locally signed session cookie.
const SessionCookie = "session"

// DevUserHeader carries an impersonation email in development setups.
const DevUserHeader = "X-Dev-User"

// Identity is the resolved caller for one request. It is built fresh
// per request and never persisted.
type Identity struct {
	Subject   string
	Email     string
	Name      string
	JTI       string
	ExpiresAt time.Time
	Source    Source
}

// ErrNoCredential means a strategy found nothing to act on; the next
// strategy in order gets a turn. Any other error is terminal: an
// invalid credential must not fall through to a weaker strategy.
var ErrNoCredential = errors.New("no credential present")

type Strategy interface {
	Resolve(r *http.Request) (Identity, error)
}

type Resolver struct {
	strategies []Strategy
}

func NewResolver(strategies ...Strategy) *Resolver {
	return &Resolver{strategies: strategies}
}

func (res *Resolver) Resolve(r *http.Request) (Identity, error) {
	for _, strategy := range res.strategies {
		identity, err := strategy.Resolve(r)
		if errors.Is(err, ErrNoCredential) {
			continue
		}
		if err != nil {
			return Identity{}, err
		}
		return identity, nil
	}
	return Identity{}, ErrNoCredential
}

// BearerStrategy verifies Authorization: Bearer tokens against the
// remote key set.
type BearerStrategy struct {
	Keys     *KeySet
	Issuer   string
	Audience string
}

func (s *BearerStrategy) Resolve(r *http.Request) (Identity, error) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return Identity{}, ErrNoCredential
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		return Identity{}, ErrInvalidToken
	}
	return VerifyBearer(s.Keys, token, s.Issuer, s.Audience)
}

// CookieStrategy verifies the locally signed session cookie.
type CookieStrategy struct {
	Secret   []byte
	Issuer   string
	Audience string
}

func (s *CookieStrategy) Resolve(r *http.Request) (Identity, error) {
	cookie, err := r.Cookie(SessionCookie)
	if err != nil || cookie.Value == "" {
		return Identity{}, ErrNoCredential
	}
	claims, err := ParseToken(s.Secret, cookie.Value, s.Issuer, s.Audience)
	if err != nil {
		return Identity{}, err
	}
	return Identity{
		Subject:   claims.Sub,
		Email:     claims.Email,
		Name:      claims.Name,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
		Source:    SourceLocal,
	}, nil
}

var devEmailPattern = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+$`)

// DevStrategy accepts an impersonation header or a configured fallback
// identity. It resolves nothing unless explicitly enabled, and never in
// production regardless of the flag.
type DevStrategy struct {
	Enabled    bool
	Production bool
	Fallback   string
}

func (s *DevStrategy) Resolve(r *http.Request) (Identity, error) {
	if !s.Enabled || s.Production {
		return Identity{}, ErrNoCredential
	}
	email := strings.TrimSpace(r.Header.Get(DevUserHeader))
	if email == "" {
		email = s.Fallback
	}
	if email == "" {
		return Identity{}, ErrNoCredential
	}
	if !devEmailPattern.MatchString(email) {
		return Identity{}, ErrInvalidToken
	}
	return Identity{
		Email:  strings.ToLower(email),
		Source: SourceDev,
	}, nil
}
