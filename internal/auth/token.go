package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var ErrInvalidToken = errors.New("invalid or expired token")

// Claims is the payload of an access token. The user id travels as "id"
// next to the registered "sub" (username), "exp", "iat" and "jti".
type Claims struct {
	UserID int64 `json:"id"`
	Role   Role  `json:"role,omitempty"`
	jwt.RegisteredClaims
}

func (c Claims) Identity() Identity {
	role := c.Role
	if role == "" {
		role = RoleUser
	}
	return Identity{UserID: c.UserID, Username: c.Subject, Role: role}
}

// RevocationStore is the explicit set of revoked token ids consulted on every
// validation.
type RevocationStore interface {
	RevokeToken(ctx context.Context, jti string, expiresAt time.Time) error
	IsTokenRevoked(ctx context.Context, jti string) (bool, error)
}

type IssuedToken struct {
	Value     string
	ID        string
	ExpiresAt time.Time
}

type TokenService struct {
	secret      []byte
	now         func() time.Time
	revocations RevocationStore
}

func NewTokenService(secret string, revocations RevocationStore) *TokenService {
	return &TokenService{
		secret:      []byte(secret),
		now:         time.Now,
		revocations: revocations,
	}
}

func (s *TokenService) WithClock(now func() time.Time) *TokenService {
	if now != nil {
		s.now = now
	}
	return s
}

func (s *TokenService) Issue(username string, userID int64, role Role, ttl time.Duration) (IssuedToken, error) {
	if len(s.secret) == 0 {
		return IssuedToken{}, errors.New("jwt secret is not configured")
	}
	if ttl <= 0 {
		return IssuedToken{}, fmt.Errorf("invalid token ttl: %s", ttl)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return IssuedToken{}, fmt.Errorf("generate token id: %w", err)
	}

	// Whole seconds so that exp is exactly iat + ttl on the wire.
	now := s.now().UTC().Truncate(time.Second)
	expiresAt := now.Add(ttl)

	claims := Claims{
		UserID: userID,
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        id.String(),
		},
	}

	encoded, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return IssuedToken{}, fmt.Errorf("sign jwt: %w", err)
	}

	return IssuedToken{Value: encoded, ID: claims.ID, ExpiresAt: expiresAt}, nil
}

// Validate returns ErrInvalidToken for anything wrong with the token itself.
// Other errors come from the revocation store.
func (s *TokenService) Validate(ctx context.Context, raw string) (Claims, error) {
	if raw == "" || len(s.secret) == 0 {
		return Claims{}, ErrInvalidToken
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithStrictDecoding(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil || !token.Valid {
		return Claims{}, ErrInvalidToken
	}

	if claims.Subject == "" || claims.UserID <= 0 || claims.ID == "" {
		return Claims{}, ErrInvalidToken
	}
	if claims.Role != "" && !claims.Role.Valid() {
		return Claims{}, ErrInvalidToken
	}

	if s.revocations != nil {
		revoked, err := s.revocations.IsTokenRevoked(ctx, claims.ID)
		if err != nil {
			return Claims{}, fmt.Errorf("check token revocation: %w", err)
		}
		if revoked {
			return Claims{}, ErrInvalidToken
		}
	}

	return *claims, nil
}

// Revoke adds the token id to the revocation set until the token would have
// expired anyway.
func (s *TokenService) Revoke(ctx context.Context, claims Claims) error {
	if s.revocations == nil {
		return errors.New("token revocation is not configured")
	}
	if claims.ID == "" || claims.ExpiresAt == nil {
		return ErrInvalidToken
	}
	return s.revocations.RevokeToken(ctx, claims.ID, claims.ExpiresAt.Time.UTC())
}
