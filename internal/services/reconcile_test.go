package services_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"community-wager-backend/internal/models"
	"community-wager-backend/internal/services"
)

func assertWallet(t *testing.T, env *testEnv, userID string, amount, escrow int64) {
	t.Helper()
	w := env.wallet(t, userID)
	assert.Equal(t, amount, w.Amount, "%s amount", userID)
	assert.Equal(t, escrow, w.EscrowBalance, "%s escrow", userID)
}

func pendingMarkers(t *testing.T, env *testEnv) []services.ReconciliationMarker {
	t.Helper()
	markers, err := env.svc.PendingReconciliations(env.ctx)
	require.NoError(t, err)
	return markers
}

func TestReconcilePaysOutFailedSettlementLeg(t *testing.T) {
	env := newTestEnv(t)
	faulty := env.withFaultyStore()
	c := acceptedChallenge(t, env, 100)

	_, _, err := env.svc.SubmitScore(env.ctx, c.ID, "alice", 30)
	require.NoError(t, err)

	faulty.script("users/bob/wallet", failBeforeWrite)
	_, both, err := env.svc.SubmitScore(env.ctx, c.ID, "bob", 50)
	require.ErrorIs(t, err, errInjected)
	assert.True(t, both)

	assert.Equal(t, models.ChallengeStatusCompleted, env.load(t, c.ID).Status)
	assertWallet(t, env, "alice", 900, 0)
	assertWallet(t, env, "bob", 900, 100)

	markers := pendingMarkers(t, env)
	require.Len(t, markers, 1)
	assert.Equal(t, c.ID, markers[0].ChallengeID)
	assert.Equal(t, "challenged settlement failed", markers[0].Reason)
	require.Len(t, markers[0].Legs, 1)
	assert.Equal(t, "bob", markers[0].Legs[0].UserID)

	fixed, err := env.svc.Reconcile(env.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, fixed)

	assertWallet(t, env, "bob", 1080, 0)
	assertWallet(t, env, "alice", 900, 0)
	assert.Empty(t, pendingMarkers(t, env))

	for _, user := range []string{"alice", "bob"} {
		entry, err := env.index.Entry(env.ctx, user, c.ID)
		require.NoError(t, err)
		assert.Equal(t, models.ChallengeStatusCompleted, entry.Status)
	}

	fixed, err = env.svc.Reconcile(env.ctx)
	require.NoError(t, err)
	assert.Zero(t, fixed)
	assertWallet(t, env, "bob", 1080, 0)
}

func TestReconcileKeepsMarkerUntilLegLands(t *testing.T) {
	env := newTestEnv(t)
	faulty := env.withFaultyStore()
	c := acceptedChallenge(t, env, 100)

	_, _, err := env.svc.SubmitScore(env.ctx, c.ID, "alice", 30)
	require.NoError(t, err)

	faulty.script("users/bob/wallet", failBeforeWrite, failBeforeWrite)
	_, _, err = env.svc.SubmitScore(env.ctx, c.ID, "bob", 50)
	require.Error(t, err)

	fixed, err := env.svc.Reconcile(env.ctx)
	require.NoError(t, err)
	assert.Zero(t, fixed)

	markers := pendingMarkers(t, env)
	require.Len(t, markers, 1)
	assert.Equal(t, 1, markers[0].Attempts)
	assert.Contains(t, markers[0].LastError, errInjected.Error())
	assertWallet(t, env, "bob", 900, 100)

	fixed, err = env.svc.Reconcile(env.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, fixed)
	assertWallet(t, env, "bob", 1080, 0)
}

func TestReconcileDoesNotPayTwiceAfterAmbiguousWrite(t *testing.T) {
	env := newTestEnv(t)
	faulty := env.withFaultyStore()
	c := acceptedChallenge(t, env, 100)

	_, _, err := env.svc.SubmitScore(env.ctx, c.ID, "alice", 30)
	require.NoError(t, err)

	// The wallet write lands but the caller only sees an error.
	faulty.script("users/bob/wallet", failAfterWrite)
	_, _, err = env.svc.SubmitScore(env.ctx, c.ID, "bob", 50)
	require.Error(t, err)
	assertWallet(t, env, "bob", 1080, 0)
	require.Len(t, pendingMarkers(t, env), 1)

	fixed, err := env.svc.Reconcile(env.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, fixed)
	assertWallet(t, env, "bob", 1080, 0)
}

func TestRefundFailureRevertsClaim(t *testing.T) {
	env := newTestEnv(t)
	faulty := env.withFaultyStore()
	env.fund(t, "alice", 1000)
	env.fund(t, "bob", 1000)
	c := env.create(t, "alice", "bob", "tetris", 100)

	faulty.script("users/alice/wallet", failBeforeWrite)
	_, err := env.svc.Reject(env.ctx, c.ID, "bob")
	require.ErrorIs(t, err, errInjected)

	stored := env.load(t, c.ID)
	assert.Equal(t, models.ChallengeStatusPending, stored.Status)
	assert.Nil(t, stored.RejectedAt)
	assert.Nil(t, stored.RefundAmount)
	assertWallet(t, env, "alice", 900, 100)
	assert.Empty(t, pendingMarkers(t, env))

	_, err = env.svc.Reject(env.ctx, c.ID, "bob")
	require.NoError(t, err)
	assertWallet(t, env, "alice", 996, 0)
}

func TestFailedRevertLeavesRefundForReconcile(t *testing.T) {
	env := newTestEnv(t)
	faulty := env.withFaultyStore()
	env.fund(t, "alice", 1000)
	env.fund(t, "bob", 1000)
	c := env.create(t, "alice", "bob", "tetris", 100)

	faulty.script("users/alice/wallet", failBeforeWrite)
	faulty.script("challenges/"+c.ID, pass, failBeforeWrite)
	_, err := env.svc.Reject(env.ctx, c.ID, "bob")
	require.ErrorIs(t, err, errInjected)

	assert.Equal(t, models.ChallengeStatusRejected, env.load(t, c.ID).Status)
	assertWallet(t, env, "alice", 900, 100)

	markers := pendingMarkers(t, env)
	require.Len(t, markers, 1)
	assert.Equal(t, "revert failed", markers[0].Reason)
	require.Len(t, markers[0].Legs, 1)
	assert.Equal(t, "alice", markers[0].Legs[0].UserID)

	fixed, err := env.svc.Reconcile(env.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, fixed)
	assertWallet(t, env, "alice", 996, 0)

	entry, err := env.index.Entry(env.ctx, "bob", c.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ChallengeStatusRejected, entry.Status)
}

func TestReconcileReturnsStakeOfUnsavedChallenge(t *testing.T) {
	env := newTestEnv(t)
	faulty := env.withFaultyStore()
	env.fund(t, "alice", 1000)
	env.fund(t, "bob", 1000)

	faulty.failSets("challenges/", 1)
	faulty.script("users/alice/wallet", pass, failBeforeWrite)
	_, err := env.svc.Create(env.ctx, "alice", models.CreateChallengeRequest{
		ChallengedID: "bob", GameRef: "tetris", GameTitle: "Tetris", BetAmount: 100,
	})
	require.ErrorIs(t, err, errInjected)
	assertWallet(t, env, "alice", 900, 100)

	markers := pendingMarkers(t, env)
	require.Len(t, markers, 1)
	assert.True(t, markers[0].RecordMissing)

	fixed, err := env.svc.Reconcile(env.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, fixed)
	assertWallet(t, env, "alice", 1000, 0)
	assert.Empty(t, pendingMarkers(t, env))

	env.create(t, "alice", "bob", "tetris", 100)
}

func TestAcceptLocksStakeBeforeStatusChanges(t *testing.T) {
	env := newTestEnv(t)
	faulty := env.withFaultyStore()
	env.fund(t, "alice", 1000)
	env.fund(t, "bob", 1000)
	c := env.create(t, "alice", "bob", "tetris", 100)

	var (
		fired         bool
		escrowAtClaim int64
		scoreErrs     []error
	)
	faulty.onUpdate(func(path string) {
		if fired || path != "challenges/"+c.ID {
			return
		}
		if env.load(t, c.ID).Status != models.ChallengeStatusAccepted {
			return
		}
		fired = true
		escrowAtClaim = env.wallet(t, "bob").EscrowBalance

		// Both players report before Accept has returned.
		_, _, err := env.svc.SubmitScore(env.ctx, c.ID, "alice", 30)
		scoreErrs = append(scoreErrs, err)
		_, _, err = env.svc.SubmitScore(env.ctx, c.ID, "bob", 50)
		scoreErrs = append(scoreErrs, err)
	})

	_, err := env.svc.Accept(env.ctx, c.ID, "bob")
	require.NoError(t, err)
	require.True(t, fired)
	assert.Equal(t, int64(100), escrowAtClaim)
	assert.Equal(t, []error{nil, nil}, scoreErrs)

	stored := env.load(t, c.ID)
	assert.Equal(t, models.ChallengeStatusCompleted, stored.Status)
	require.NotNil(t, stored.WinnerID)
	assert.Equal(t, "bob", *stored.WinnerID)

	assertWallet(t, env, "alice", 900, 0)
	assertWallet(t, env, "bob", 1080, 0)
	assert.Empty(t, pendingMarkers(t, env))

	for _, user := range []string{"alice", "bob"} {
		entry, err := env.index.Entry(env.ctx, user, c.ID)
		require.NoError(t, err)
		assert.Equal(t, models.ChallengeStatusCompleted, entry.Status, user)
	}
}

func TestAcceptReturnsStakeWhenClaimFails(t *testing.T) {
	env := newTestEnv(t)
	faulty := env.withFaultyStore()
	env.fund(t, "alice", 1000)
	env.fund(t, "bob", 1000)
	c := env.create(t, "alice", "bob", "tetris", 100)

	faulty.script("challenges/"+c.ID, failBeforeWrite, failBeforeWrite)
	for i := 0; i < 2; i++ {
		_, err := env.svc.Accept(env.ctx, c.ID, "bob")
		require.ErrorIs(t, err, errInjected)
		assertWallet(t, env, "bob", 1000, 0)
		assert.Equal(t, models.ChallengeStatusPending, env.load(t, c.ID).Status)
	}

	_, err := env.svc.Accept(env.ctx, c.ID, "bob")
	require.NoError(t, err)
	assertWallet(t, env, "bob", 900, 100)
	assert.Empty(t, pendingMarkers(t, env))
}
