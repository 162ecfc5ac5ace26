package services

import (
	"context"
	"testing"
	"time"

	"voxrelay/internal/core/domain"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthService_TokenRoundTrip(t *testing.T) {
	svc := NewAuthService("secret", time.Minute)

	token, err := svc.GenerateToken("u-1", "alice", []domain.ChannelID{"general"}, []domain.Permission{domain.PermissionSpeak})
	require.NoError(t, err)

	claims, err := svc.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, domain.UserID("u-1"), claims.UserID)
	assert.Equal(t, "alice", claims.Username)
	assert.True(t, claims.Has(domain.PermissionSpeak))
	assert.False(t, claims.Has(domain.PermissionScreenShare))
}

func TestAuthService_RejectsBadTokens(t *testing.T) {
	svc := NewAuthService("secret", time.Minute)

	_, err := svc.ValidateToken("not-a-jwt")
	assert.ErrorIs(t, err, ErrInvalidToken)

	other := NewAuthService("other-secret", time.Minute)
	token, err := other.GenerateToken("u-1", "alice", nil, nil)
	require.NoError(t, err)
	_, err = svc.ValidateToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	expired := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		UserID: "u-1",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
	})
	signed, err := expired.SignedString([]byte("secret"))
	require.NoError(t, err)
	_, err = svc.ValidateToken(signed)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestAuthService_CanJoin(t *testing.T) {
	svc := NewAuthService("secret", time.Minute)

	assert.NoError(t, svc.CanJoin(&Claims{UserID: "u"}, "anything"))
	scoped := &Claims{UserID: "u", Channels: []domain.ChannelID{"general"}}
	assert.NoError(t, svc.CanJoin(scoped, "general"))
	assert.ErrorIs(t, svc.CanJoin(scoped, "lounge"), domain.ErrPermissionDenied)
}

func TestAuthService_Authorize(t *testing.T) {
	svc := NewAuthService("secret", time.Minute)
	member := &domain.Member{User: "u", Permissions: []domain.Permission{domain.PermissionSpeak}}

	assert.NoError(t, svc.Authorize(context.Background(), member, domain.PermissionSpeak))
	assert.ErrorIs(t, svc.Authorize(context.Background(), member, domain.PermissionScreenShare), domain.ErrPermissionDenied)
}
