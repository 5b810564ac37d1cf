package auth

import (
	"crypto/rsa"
	"encoding/pem"
	"errors"
	"fmt"
	"os"

	"github.com/golang-jwt/jwt/v5"
)

// KeySet holds the RSA public keys of the remote identity provider.
// Tokens carry a kid header when the provider rotates keys; tokens
// without one are tried against every key.
type KeySet struct {
	byKID map[string]*rsa.PublicKey
	all   []*rsa.PublicKey
}

// LoadKeySet reads a PEM file containing one or more PUBLIC KEY blocks.
// A block's optional "kid" header becomes its lookup id.
func LoadKeySet(path string) (*KeySet, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read bearer key file: %w", err)
	}
	set := &KeySet{byKID: make(map[string]*rsa.PublicKey)}
	rest := raw
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		key, err := jwt.ParseRSAPublicKeyFromPEM(pem.EncodeToMemory(block))
		if err != nil {
			return nil, fmt.Errorf("parse bearer public key: %w", err)
		}
		set.all = append(set.all, key)
		if kid := block.Headers["kid"]; kid != "" {
			set.byKID[kid] = key
		}
	}
	if len(set.all) == 0 {
		return nil, errors.New("bearer key file contains no public keys")
	}
	return set, nil
}

// NewKeySet builds a key set from already-parsed keys. Used in tests.
func NewKeySet(keys map[string]*rsa.PublicKey) *KeySet {
	set := &KeySet{byKID: make(map[string]*rsa.PublicKey)}
	for kid, key := range keys {
		set.all = append(set.all, key)
		if kid != "" {
			set.byKID[kid] = key
		}
	}
	return set
}

type bearerClaims struct {
	Email string `json:"email"`
	Name  string `json:"name"`
	jwt.RegisteredClaims
}

// VerifyBearer validates an RS256 bearer token against the key set and
// returns the identity it asserts. Issuer and audience are enforced
// when configured.
func VerifyBearer(set *KeySet, token, issuer, audience string) (Identity, error) {
	if set == nil {
		return Identity{}, ErrInvalidToken
	}

	options := []jwt.ParserOption{jwt.WithValidMethods([]string{"RS256"})}
	if issuer != "" {
		options = append(options, jwt.WithIssuer(issuer))
	}
	if audience != "" {
		options = append(options, jwt.WithAudience(audience))
	}

	claims := &bearerClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if kid, _ := t.Header["kid"].(string); kid != "" {
			if key, ok := set.byKID[kid]; ok {
				return key, nil
			}
			return nil, fmt.Errorf("unknown key id %q", kid)
		}
		if len(set.all) == 1 {
			return set.all[0], nil
		}
		// No kid and multiple keys: the parser gets each in turn.
		return jwt.VerificationKeySet{Keys: toVerificationKeys(set.all)}, nil
	}, options...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Identity{}, ErrExpiredToken
		}
		return Identity{}, ErrInvalidToken
	}
	if !parsed.Valid || claims.Subject == "" || claims.Email == "" {
		return Identity{}, ErrInvalidToken
	}

	identity := Identity{
		Subject: claims.Subject,
		Email:   claims.Email,
		Name:    claims.Name,
		JTI:     claims.ID,
		Source:  SourceRemote,
	}
	if claims.ExpiresAt != nil {
		identity.ExpiresAt = claims.ExpiresAt.Time
	}
	return identity, nil
}

func toVerificationKeys(keys []*rsa.PublicKey) []jwt.VerificationKey {
	out := make([]jwt.VerificationKey, 0, len(keys))
	for _, key := range keys {
		out = append(out, key)
	}
	return out
}
