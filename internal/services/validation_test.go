package services_test

import (
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"community-wager-backend/internal/models"
	"community-wager-backend/internal/services"
)

func TestValidateCreate(t *testing.T) {
	env := newTestEnv(t)

	valid := func() models.CreateChallengeRequest {
		return models.CreateChallengeRequest{
			ChallengedID: "  bob ",
			GameRef:      "tetris",
			GameTitle:    " Tetris ",
			BetAmount:    100,
		}
	}

	req := valid()
	require.NoError(t, env.gate.ValidateCreate(env.ctx, "alice", &req))
	assert.Equal(t, "bob", req.ChallengedID)
	assert.Equal(t, "Tetris", req.GameTitle)

	cases := map[string]func(r *models.CreateChallengeRequest){
		"missing challenged": func(r *models.CreateChallengeRequest) { r.ChallengedID = "" },
		"bad challenged":     func(r *models.CreateChallengeRequest) { r.ChallengedID = "bob/../x" },
		"bad game ref":       func(r *models.CreateChallengeRequest) { r.GameRef = "a b" },
		"empty title":        func(r *models.CreateChallengeRequest) { r.GameTitle = "   " },
		"long title":         func(r *models.CreateChallengeRequest) { r.GameTitle = strings.Repeat("é", 101) },
		"bet below minimum":  func(r *models.CreateChallengeRequest) { r.BetAmount = 99 },
		"bet above maximum":  func(r *models.CreateChallengeRequest) { r.BetAmount = 1000001 },
		"self challenge":     func(r *models.CreateChallengeRequest) { r.ChallengedID = "alice" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			req := valid()
			mutate(&req)
			err := env.gate.ValidateCreate(env.ctx, "alice", &req)
			var ve *services.ValidationError
			assert.ErrorAs(t, err, &ve)
		})
	}

	req = valid()
	req.GameTitle = strings.Repeat("é", 100)
	assert.NoError(t, env.gate.ValidateCreate(env.ctx, "alice", &req))
}

func TestValidateScore(t *testing.T) {
	env := newTestEnv(t)

	assert.NoError(t, env.gate.ValidateScore(env.ctx, "alice", "c1", 0))
	assert.NoError(t, env.gate.ValidateScore(env.ctx, "alice", "c1", services.MaxScore))

	for _, bad := range []float64{-0.5, math.NaN(), math.Inf(1), services.MaxScore + 1} {
		err := env.gate.ValidateScore(env.ctx, "alice", "c1", bad)
		var ve *services.ValidationError
		assert.ErrorAs(t, err, &ve, "score %v", bad)
	}

	err := env.gate.ValidateScore(env.ctx, "alice", "bad id", 1)
	var ve *services.ValidationError
	assert.ErrorAs(t, err, &ve)
}

func TestCheckRateWithoutRule(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 5; i++ {
		assert.NoError(t, env.gate.CheckRate(env.ctx, "alice", "unlisted"))
	}
}
