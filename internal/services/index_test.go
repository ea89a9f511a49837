package services_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"community-wager-backend/internal/models"
)

func TestIndexListByUserFiltersByStatus(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "alice", 10000)
	env.fund(t, "bob", 10000)
	env.fund(t, "carol", 10000)

	c1 := env.create(t, "alice", "bob", "g1", 100)
	env.clock.Advance(time.Minute)
	c2 := env.create(t, "carol", "alice", "g1", 100)
	env.clock.Advance(time.Minute)
	c3 := env.create(t, "alice", "bob", "g2", 100)

	_, err := env.svc.Reject(env.ctx, c1.ID, "bob")
	require.NoError(t, err)

	entries, total, err := env.index.ListByUser(env.ctx, "alice", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	require.Len(t, entries, 3)
	assert.Equal(t, []string{c3.ID, c2.ID, c1.ID}, []string{entries[0].ChallengeID, entries[1].ChallengeID, entries[2].ChallengeID})
	assert.Equal(t, models.RoleChallenged, entries[1].Role)
	assert.Equal(t, "carol", entries[1].OpponentID)

	pending, total, err := env.index.ListByUser(env.ctx, "alice", 0, 0, models.ChallengeStatusPending)
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	require.Len(t, pending, 2)

	page, total, err := env.index.ListByUser(env.ctx, "alice", 1, 5, models.ChallengeStatusPending)
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	require.Len(t, page, 1)
	assert.Equal(t, c2.ID, page[0].ChallengeID)

	active, err := env.index.ActiveBetween(env.ctx, "bob", "alice", "g2")
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, c3.ID, active.ChallengeID)

	active, err = env.index.ActiveBetween(env.ctx, "bob", "alice", "g1")
	require.NoError(t, err)
	assert.Nil(t, active)
}

func TestIndexRebuildFromScratch(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "alice", 10000)
	env.fund(t, "bob", 10000)

	c1 := env.create(t, "alice", "bob", "g1", 100)
	c2 := env.create(t, "bob", "alice", "g2", 100)
	_, err := env.svc.Accept(env.ctx, c2.ID, "alice")
	require.NoError(t, err)

	env.mr.Del("children:userChallenges/alice")
	env.mr.Del("userChallenges/alice/" + c1.ID)
	env.mr.Del("userChallenges/alice/" + c2.ID)
	require.NoError(t, env.store.Set(env.ctx, "challenges/broken", []byte("garbage"), 0))

	report, err := env.index.RebuildFromScratch(env.ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Scanned)
	assert.Equal(t, 2, report.Indexed)
	assert.Equal(t, 1, report.Skipped)

	entry, err := env.index.Entry(env.ctx, "alice", c2.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ChallengeStatusAccepted, entry.Status)
	assert.Equal(t, models.RoleChallenged, entry.Role)
	assert.True(t, entry.CreatedAt.Equal(c2.CreatedAt))

	_, total, err := env.index.ListByUser(env.ctx, "alice", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
}
