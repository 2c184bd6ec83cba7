package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/mahaj/threadgate/pkg/model"
	"github.com/mahaj/threadgate/pkg/store"
)

// ErrUnauthorized is wrapped by every credential rejection. Callers must not
// tell the client which check failed.
var ErrUnauthorized = errors.New("unauthorized")

const TokenTypeAccess = "access"

type Claims struct {
	Type string `json:"type"`
	jwt.RegisteredClaims
}

// Issuer signs access tokens. The api process uses it for /login.
type Issuer struct {
	key []byte
	ttl time.Duration
	now func() time.Time
}

func NewIssuer(secret string, ttl time.Duration) *Issuer {
	return &Issuer{key: []byte(secret), ttl: ttl, now: time.Now}
}

// GenerateToken creates a new access token for a given user ID
func (i *Issuer) GenerateToken(userID string) (string, error) {
	return i.sign(userID, TokenTypeAccess)
}

func (i *Issuer) sign(userID, kind string) (string, error) {
	now := i.now()
	claims := &Claims{
		Type: kind,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(i.key)
}

// UserDirectory resolves a token subject to a user record.
type UserDirectory interface {
	GetUser(ctx context.Context, userID string) (model.User, error)
}

// Verifier turns an opaque credential into a user identity.
type Verifier interface {
	Verify(ctx context.Context, token string) (model.User, error)
}

type JWTVerifier struct {
	key   []byte
	users UserDirectory
}

func NewJWTVerifier(secret string, users UserDirectory) *JWTVerifier {
	return &JWTVerifier{key: []byte(secret), users: users}
}

// Verify parses and validates an access token and resolves its subject.
// Rejections wrap ErrUnauthorized; a failing directory lookup is returned
// as-is so callers can tell an outage from a bad credential.
func (v *JWTVerifier) Verify(ctx context.Context, tokenString string) (model.User, error) {
	claims := &Claims{}

	_, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return v.key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return model.User{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}

	if claims.Type != TokenTypeAccess {
		return model.User{}, fmt.Errorf("%w: token type %q", ErrUnauthorized, claims.Type)
	}
	if claims.Subject == "" {
		return model.User{}, fmt.Errorf("%w: missing subject", ErrUnauthorized)
	}

	user, err := v.users.GetUser(ctx, claims.Subject)
	if errors.Is(err, store.ErrNotFound) {
		return model.User{}, fmt.Errorf("%w: unknown subject", ErrUnauthorized)
	}
	if err != nil {
		return model.User{}, fmt.Errorf("lookup user: %w", err)
	}
	if !user.Active {
		return model.User{}, fmt.Errorf("%w: inactive subject", ErrUnauthorized)
	}
	return user, nil
}
