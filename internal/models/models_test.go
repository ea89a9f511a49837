package models_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"community-wager-backend/internal/models"
)

func TestStatusTransitions(t *testing.T) {
	pending := models.ChallengeStatusPending
	assert.True(t, pending.CanTransitionTo(models.ChallengeStatusAccepted))
	assert.True(t, pending.CanTransitionTo(models.ChallengeStatusRejected))
	assert.True(t, pending.CanTransitionTo(models.ChallengeStatusCancelled))
	assert.True(t, pending.CanTransitionTo(models.ChallengeStatusExpired))
	assert.False(t, pending.CanTransitionTo(models.ChallengeStatusCompleted))

	accepted := models.ChallengeStatusAccepted
	assert.True(t, accepted.CanTransitionTo(models.ChallengeStatusCompleted))
	assert.False(t, accepted.CanTransitionTo(models.ChallengeStatusCancelled))

	for _, s := range []models.ChallengeStatus{
		models.ChallengeStatusCompleted,
		models.ChallengeStatusRejected,
		models.ChallengeStatusCancelled,
		models.ChallengeStatusExpired,
	} {
		assert.True(t, s.IsTerminal(), s)
		assert.False(t, s.CanTransitionTo(models.ChallengeStatusPending), s)
	}
}

func TestStatusSupersedes(t *testing.T) {
	assert.True(t, models.ChallengeStatusAccepted.Supersedes(models.ChallengeStatusPending))
	assert.True(t, models.ChallengeStatusCompleted.Supersedes(models.ChallengeStatusPending))
	assert.True(t, models.ChallengeStatusCompleted.Supersedes(models.ChallengeStatusAccepted))
	assert.False(t, models.ChallengeStatusAccepted.Supersedes(models.ChallengeStatusCompleted))
	assert.False(t, models.ChallengeStatusPending.Supersedes(models.ChallengeStatusRejected))
	assert.False(t, models.ChallengeStatusExpired.Supersedes(models.ChallengeStatusRejected))
}

func TestWalletRecentOps(t *testing.T) {
	w := models.NewWallet("alice")
	for i := 0; i < 5; i++ {
		w.RecordOp(fmt.Sprintf("op-%d", i), 3)
	}
	assert.Equal(t, []string{"op-2", "op-3", "op-4"}, w.RecentOps)
	assert.True(t, w.HasOp("op-4"))
	assert.False(t, w.HasOp("op-0"))
}

func TestScoresAndWinner(t *testing.T) {
	c := &models.Challenge{ID: models.GenerateChallengeID(), ChallengerID: "alice", ChallengedID: "bob"}

	require.NoError(t, c.SetScore(models.RoleChallenger, 50))
	assert.Error(t, c.SetScore(models.RoleChallenger, 60), "score is write-once")
	assert.False(t, c.BothScoresSubmitted())
	assert.Nil(t, c.DetermineWinner())

	require.NoError(t, c.SetScore(models.RoleChallenged, 30))
	require.NotNil(t, c.DetermineWinner())
	assert.Equal(t, "alice", *c.DetermineWinner())

	tie := &models.Challenge{ChallengerID: "alice", ChallengedID: "bob"}
	require.NoError(t, tie.SetScore(models.RoleChallenger, 40))
	require.NoError(t, tie.SetScore(models.RoleChallenged, 40))
	assert.Nil(t, tie.DetermineWinner())
}

func TestViewHidesOpponentScore(t *testing.T) {
	c := &models.Challenge{ID: "c1", ChallengerID: "alice", ChallengedID: "bob", CreatedAt: time.Now()}
	require.NoError(t, c.SetScore(models.RoleChallenged, 12))

	view, ok := c.ViewFor("alice")
	require.True(t, ok)
	assert.Equal(t, models.RoleChallenger, view.Role)
	assert.Equal(t, "bob", view.OpponentID)
	assert.True(t, view.OpponentSent)
	assert.Nil(t, view.OpponentScore)

	_, ok = c.ViewFor("mallory")
	assert.False(t, ok)

	require.NoError(t, c.SetScore(models.RoleChallenger, 20))
	view, _ = c.ViewFor("alice")
	require.NotNil(t, view.OpponentScore)
	assert.Equal(t, 12.0, *view.OpponentScore)
}

func TestCloneIsDeep(t *testing.T) {
	c := &models.Challenge{ChallengerID: "a", ChallengedID: "b"}
	require.NoError(t, c.SetScore(models.RoleChallenger, 1))
	clone := c.Clone()
	*clone.ChallengerScore = 99
	assert.Equal(t, 1.0, *c.ChallengerScore)
}

func TestHelpers(t *testing.T) {
	assert.True(t, models.ValidIdentifier("user_42-x"))
	assert.False(t, models.ValidIdentifier(""))
	assert.False(t, models.ValidIdentifier("users/42"))
	assert.Equal(t, "12.05", models.FormatCurrency(1205))
	assert.NotEqual(t, models.GenerateChallengeID(), models.GenerateChallengeID())
}
