package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"voxrelay/internal/core/domain"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrUnauthorized = errors.New("unauthorized")
)

// AuthService validates the bearer tokens issued by the account layer and
// answers permission checks from their claims.
type AuthService interface {
	GenerateToken(userID domain.UserID, username string, channels []domain.ChannelID, perms []domain.Permission) (string, error)
	ValidateToken(tokenString string) (*Claims, error)
	CanJoin(claims *Claims, channel domain.ChannelID) error
	Authorize(ctx context.Context, member *domain.Member, perm domain.Permission) error
}

type Claims struct {
	UserID      domain.UserID       `json:"user_id"`
	Username    string              `json:"username"`
	Channels    []domain.ChannelID  `json:"channels,omitempty"`
	Permissions []domain.Permission `json:"permissions,omitempty"`
	jwt.RegisteredClaims
}

func (c *Claims) Has(p domain.Permission) bool {
	for _, granted := range c.Permissions {
		if granted == p {
			return true
		}
	}
	return false
}

type authService struct {
	jwtSecret      []byte
	accessTokenTTL time.Duration
}

func NewAuthService(jwtSecret string, accessTokenTTL time.Duration) AuthService {
	return &authService{
		jwtSecret:      []byte(jwtSecret),
		accessTokenTTL: accessTokenTTL,
	}
}

func (s *authService) GenerateToken(userID domain.UserID, username string, channels []domain.ChannelID, perms []domain.Permission) (string, error) {
	now := time.Now()
	claims := &Claims{
		UserID:      userID,
		Username:    username,
		Channels:    channels,
		Permissions: perms,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(userID),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.accessTokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

func (s *authService) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.UserID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// CanJoin allows every channel when the token lists none.
func (s *authService) CanJoin(claims *Claims, channel domain.ChannelID) error {
	if len(claims.Channels) == 0 {
		return nil
	}
	for _, c := range claims.Channels {
		if c == channel {
			return nil
		}
	}
	return fmt.Errorf("%w: %s may not join %s", domain.ErrPermissionDenied, claims.UserID, channel)
}

// Authorize implements ports.PermissionGate from the permissions the member
// joined with.
func (s *authService) Authorize(_ context.Context, member *domain.Member, perm domain.Permission) error {
	if member.Has(perm) {
		return nil
	}
	return fmt.Errorf("%w: %s lacks %s", domain.ErrPermissionDenied, member.User, perm)
}
