package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"fuzexec/internal/gateway/repository"
	pkgerrors "fuzexec/pkg/errors"

	"github.com/golang-jwt/jwt/v5"
)

// defaultRevocationTTL covers tokens issued without an expiry.
const defaultRevocationTTL = 24 * time.Hour

// Identity is the caller resolved from a bearer token.
type Identity struct {
	Subject string
	Role    string
}

// AuthService validates HS256 access tokens.
type AuthService struct {
	jwtSecret  []byte
	jwtIssuer  string
	revocation *repository.TokenRevocationRepository
}

func NewAuthService(jwtSecret, jwtIssuer string, revocation *repository.TokenRevocationRepository) *AuthService {
	return &AuthService{
		jwtSecret:  []byte(jwtSecret),
		jwtIssuer:  jwtIssuer,
		revocation: revocation,
	}
}

type tokenClaims struct {
	Role      string `json:"role"`
	TokenType string `json:"typ"`
	jwt.RegisteredClaims
}

// Authenticate returns the identity carried by raw.
func (s *AuthService) Authenticate(ctx context.Context, raw string) (Identity, error) {
	if raw == "" {
		return Identity{}, pkgerrors.New(pkgerrors.Unauthorized).WithMessage("bearer token is required")
	}
	claims, err := s.parseToken(raw)
	if err != nil {
		return Identity{}, err
	}
	if s.revocation != nil {
		revoked, err := s.revocation.IsRevoked(ctx, HashToken(raw))
		if err != nil {
			return Identity{}, pkgerrors.Wrap(err, pkgerrors.ServiceUnavailable)
		}
		if revoked {
			return Identity{}, pkgerrors.New(pkgerrors.TokenInvalid).WithMessage("token revoked")
		}
	}
	return Identity{Subject: claims.Subject, Role: claims.Role}, nil
}

// Revoke invalidates raw for the rest of its lifetime.
func (s *AuthService) Revoke(ctx context.Context, raw string) error {
	if raw == "" {
		return pkgerrors.New(pkgerrors.Unauthorized).WithMessage("bearer token is required")
	}
	if s.revocation == nil {
		return pkgerrors.New(pkgerrors.ServiceUnavailable).WithMessage("token revocation is not configured")
	}
	claims, err := s.parseToken(raw)
	if err != nil {
		return err
	}
	ttl := defaultRevocationTTL
	if claims.ExpiresAt != nil {
		ttl = time.Until(claims.ExpiresAt.Time)
	}
	if ttl <= 0 {
		return nil
	}
	if err := s.revocation.Revoke(ctx, HashToken(raw), ttl); err != nil {
		return pkgerrors.Wrap(err, pkgerrors.ServiceUnavailable)
	}
	return nil
}

func (s *AuthService) parseToken(raw string) (*tokenClaims, error) {
	if len(s.jwtSecret) == 0 {
		return nil, pkgerrors.New(pkgerrors.TokenInvalid)
	}
	parsed, err := jwt.ParseWithClaims(raw, &tokenClaims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, pkgerrors.New(pkgerrors.TokenExpired)
		}
		return nil, pkgerrors.New(pkgerrors.TokenInvalid)
	}
	if !parsed.Valid {
		return nil, pkgerrors.New(pkgerrors.TokenInvalid)
	}
	claims, ok := parsed.Claims.(*tokenClaims)
	if !ok {
		return nil, pkgerrors.New(pkgerrors.TokenInvalid)
	}
	if s.jwtIssuer != "" && claims.Issuer != s.jwtIssuer {
		return nil, pkgerrors.New(pkgerrors.TokenInvalid)
	}
	if claims.TokenType != "access" {
		return nil, pkgerrors.New(pkgerrors.TokenInvalid)
	}
	if claims.Subject == "" {
		return nil, pkgerrors.New(pkgerrors.TokenInvalid)
	}
	return claims, nil
}

// HashToken is the revocation key of a raw token.
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
