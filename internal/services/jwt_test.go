package services_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"community-wager-backend/internal/services"
)

func TestJWTRoundTrip(t *testing.T) {
	cfg := testConfig()
	jwtService := services.NewJWTService(cfg)

	token, err := jwtService.GenerateToken("alice", "")
	require.NoError(t, err)

	identity, err := jwtService.Authenticate(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", identity.UserID)
	assert.Equal(t, services.RoleUser, identity.Role)

	adminToken, err := jwtService.GenerateToken("root", services.RoleAdmin)
	require.NoError(t, err)
	identity, err = jwtService.Authenticate(adminToken)
	require.NoError(t, err)
	assert.Equal(t, "root", identity.UserID)
	assert.Equal(t, services.RoleAdmin, identity.Role)
}

func TestJWTRejectsForeignAndMalformedTokens(t *testing.T) {
	cfg := testConfig()
	jwtService := services.NewJWTService(cfg)

	other := testConfig()
	other.JWTSecret = "someone-else"
	foreign, err := services.NewJWTService(other).GenerateToken("alice", "")
	require.NoError(t, err)

	_, err = jwtService.Authenticate(foreign)
	assert.Error(t, err)

	_, err = jwtService.Authenticate("not.a.token")
	assert.Error(t, err)

	_, err = jwtService.GenerateToken("bad id", "")
	var ve *services.ValidationError
	assert.ErrorAs(t, err, &ve)
}
