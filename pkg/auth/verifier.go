package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidToken indicates the credential failed signature or shape checks.
	ErrInvalidToken = errors.New("invalid token")
	// ErrExpiredToken indicates the credential's expiry has passed.
	ErrExpiredToken = errors.New("expired token")
	// ErrIdentityNotFound indicates the token was valid but the identity no longer exists.
	ErrIdentityNotFound = errors.New("identity not found")
)

// Identity is the resolved owner of a verified credential.
type Identity struct {
	ID          int64
	DisplayName string
}

// IdentityDirectory resolves an identity id to its current record. Owned by
// the persistence collaborator.
type IdentityDirectory interface {
	ResolveIdentity(ctx context.Context, identityID int64) (Identity, error)
}

// Claims is the payload carried inside a bearer token.
type Claims struct {
	IdentityID int64 `json:"identity_id"`
	jwt.RegisteredClaims
}

// Verifier validates bearer credentials presented at connection time.
// It holds no per-credential state and never caches.
type Verifier struct {
	secret    []byte
	directory IdentityDirectory
	timeout   time.Duration
}

// NewVerifier creates a verifier. timeout bounds the directory lookup; the
// connection attempt fails closed when the lookup exceeds it.
func NewVerifier(secret []byte, directory IdentityDirectory, timeout time.Duration) *Verifier {
	return &Verifier{
		secret:    secret,
		directory: directory,
		timeout:   timeout,
	}
}

// Verify decodes and validates the credential, then resolves the identity.
// Called once per connection attempt, before any session exists.
func (v *Verifier) Verify(ctx context.Context, credential string) (Identity, error) {
	if credential == "" {
		return Identity{}, ErrInvalidToken
	}

	token, err := jwt.ParseWithClaims(credential, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Identity{}, ErrExpiredToken
		}
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.IdentityID == 0 {
		return Identity{}, ErrInvalidToken
	}

	lookupCtx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	identity, err := v.directory.ResolveIdentity(lookupCtx, claims.IdentityID)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return Identity{}, fmt.Errorf("identity lookup timed out: %w", err)
		}
		return Identity{}, fmt.Errorf("%w: %v", ErrIdentityNotFound, err)
	}

	return identity, nil
}

// GenerateToken signs a bearer token for an identity. Used by the auth
// collaborator and by tests; the relay itself only verifies.
func GenerateToken(secret []byte, identityID int64, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		IdentityID: identityID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    "parley",
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}
