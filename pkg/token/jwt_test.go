package token

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAndVerify(t *testing.T) {
	m := NewJWTManager("secret", 1)
	s, err := m.GenerateToken("team-1", "tmb-1", PermWrite)
	require.NoError(t, err)

	claims, err := m.VerifyToken(s)
	require.NoError(t, err)
	assert.Equal(t, "team-1", claims.TeamID)
	assert.Equal(t, "tmb-1", claims.TmbID)
	assert.Equal(t, PermWrite, claims.Permission)
}

func TestVerifyRejectsOtherSecret(t *testing.T) {
	s, err := NewJWTManager("a", 1).GenerateToken("team-1", "tmb-1", PermRead)
	require.NoError(t, err)
	_, err = NewJWTManager("b", 1).VerifyToken(s)
	assert.Error(t, err)
}

func TestPermissionAllows(t *testing.T) {
	assert.True(t, PermManage.Allows(PermWrite))
	assert.True(t, PermWrite.Allows(PermRead))
	assert.False(t, PermRead.Allows(PermWrite))
	assert.False(t, Permission("").Allows(PermRead))
}
