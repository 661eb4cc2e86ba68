package auth_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	. "peerelect/pkg/auth"
)

func TestRole_HasPermission(t *testing.T) {
	assert.True(t, RoleAdmin.HasPermission(RoleOperator))
	assert.True(t, RoleOperator.HasPermission(RoleOperator))
	assert.False(t, RoleViewer.HasPermission(RoleOperator))
	assert.False(t, Role("intern").HasPermission(RoleViewer))
}

func TestNewJWTService_RequiresSecret(t *testing.T) {
	_, err := NewJWTService(DefaultJWTConfig(""))
	assert.ErrorIs(t, err, ErrMissingSecret)
}

func TestJWTService_RoundTrip(t *testing.T) {
	svc, err := NewJWTService(DefaultJWTConfig("secret"))
	require.NoError(t, err)

	token, err := svc.GenerateToken("alice", RoleOperator, "billing")
	require.NoError(t, err)

	claims, err := svc.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Operator)
	assert.Equal(t, RoleOperator, claims.Role)
	assert.True(t, claims.AllowsScope("billing"))
	assert.False(t, claims.AllowsScope("search"))
}

func TestJWTService_Rejects(t *testing.T) {
	svc, err := NewJWTService(DefaultJWTConfig("secret"))
	require.NoError(t, err)
	other, err := NewJWTService(DefaultJWTConfig("other-secret"))
	require.NoError(t, err)

	forged, err := other.GenerateToken("mallory", RoleAdmin, "")
	require.NoError(t, err)
	_, err = svc.ValidateToken(forged)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = svc.ValidateToken("not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)

	cfg := DefaultJWTConfig("secret")
	cfg.TokenExpiry = -time.Minute
	expiring, err := NewJWTService(cfg)
	require.NoError(t, err)
	stale, err := expiring.GenerateToken("bob", RoleOperator, "")
	require.NoError(t, err)
	_, err = svc.ValidateToken(stale)
	assert.ErrorIs(t, err, ErrExpiredToken)
}
