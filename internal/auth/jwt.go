// Package auth issues and validates the JWT access tokens of billing API
// callers. A token names the user and the tenant the calls act on.
package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// TokenTypeAccess is the typ claim of access tokens.
const TokenTypeAccess = "access"

// AccessTokenExpiry is the lifetime of issued access tokens.
const AccessTokenExpiry = 15 * time.Minute

// DefaultLeeway for token validation.
const DefaultLeeway = 30 * time.Second

// Token errors.
var (
	ErrInvalidToken  = errors.New("invalid token")
	ErrExpiredToken  = errors.New("token has expired")
	ErrEmptyUserName = errors.New("user name cannot be empty")
	ErrMissingTenant = errors.New("token has no tenant")
)

// Claims are the JWT claims of an access token. The subject is the user name.
type Claims struct {
	jwt.RegisteredClaims
	TenantID string `json:"tid"`
	Type     string `json:"typ"`
}

// Tenant parses the tenant claim.
func (c *Claims) Tenant() (uuid.UUID, error) {
	id, err := uuid.Parse(c.TenantID)
	if err != nil || id == uuid.Nil {
		return uuid.Nil, ErrMissingTenant
	}
	return id, nil
}

// JWTService signs tokens with the current secret and accepts tokens signed
// with either the current or the previous secret, so secrets can be rotated
// without downtime.
type JWTService struct {
	currentSecret  []byte
	previousSecret []byte
	leeway         time.Duration
	now            func() time.Time
}

// NewJWTService creates a service with the default leeway. previousSecret may
// be empty when no rotation is in progress.
func NewJWTService(currentSecret, previousSecret string) *JWTService {
	return NewJWTServiceWithLeeway(currentSecret, previousSecret, DefaultLeeway)
}

// NewJWTServiceWithLeeway creates a service with a custom validation leeway.
func NewJWTServiceWithLeeway(currentSecret, previousSecret string, leeway time.Duration) *JWTService {
	svc := &JWTService{
		currentSecret: []byte(currentSecret),
		leeway:        leeway,
		now:           time.Now,
	}
	if previousSecret != "" {
		svc.previousSecret = []byte(previousSecret)
	}
	return svc
}

// GenerateAccessToken issues an access token for userName acting on tenantID.
func (s *JWTService) GenerateAccessToken(userName string, tenantID uuid.UUID) (string, error) {
	if userName == "" {
		return "", ErrEmptyUserName
	}
	if tenantID == uuid.Nil {
		return "", ErrMissingTenant
	}

	now := s.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userName,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(AccessTokenExpiry)),
		},
		TenantID: tenantID.String(),
		Type:     TokenTypeAccess,
	}

	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.currentSecret)
}

// ValidateToken parses an access token and returns its claims.
func (s *JWTService) ValidateToken(tokenString string) (*Claims, error) {
	claims, err := s.parse(tokenString, s.currentSecret)
	if err != nil && s.previousSecret != nil && !errors.Is(err, jwt.ErrTokenExpired) {
		claims, err = s.parse(tokenString, s.previousSecret)
	}
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}
	if claims.Type != TokenTypeAccess || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func (s *JWTService) parse(tokenString string, secret []byte) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(s.leeway),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
