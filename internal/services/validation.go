package services

import (
	"context"
	"fmt"
	"math"
	"strings"
	"unicode/utf8"

	"community-wager-backend/internal/config"
	"community-wager-backend/internal/models"
)

const MaxScore = 1e9

// Gate runs structural and behavioral checks before the state machine is
// invoked. Nothing it rejects ever reaches the ledger.
type Gate struct {
	limiter        RateLimiter
	index          *ChallengeIndex
	rules          map[string]config.RateLimitRule
	minBet         int64
	maxBet         int64
	maxTitleLength int
}

func NewGate(cfg *config.Config, limiter RateLimiter, index *ChallengeIndex) *Gate {
	return &Gate{
		limiter:        limiter,
		index:          index,
		rules:          cfg.RateLimits,
		minBet:         cfg.MinBetAmount,
		maxBet:         cfg.MaxBetAmount,
		maxTitleLength: cfg.MaxGameTitleLength,
	}
}

// CheckRate enforces the per-caller limit for op. Operations without a
// configured rule are not limited.
func (g *Gate) CheckRate(ctx context.Context, callerID, op string) error {
	rule, ok := g.rules[op]
	if !ok || g.limiter == nil {
		return nil
	}

	allowed, retryAfter, err := g.limiter.Allow(ctx, op+":"+callerID, rule.Limit, rule.Window)
	if err != nil {
		return err
	}
	if !allowed {
		return &RateLimitError{Operation: op, RetryAfter: retryAfter}
	}
	return nil
}

// ValidateCreate normalises req in place and checks it.
func (g *Gate) ValidateCreate(ctx context.Context, callerID string, req *models.CreateChallengeRequest) error {
	req.ChallengedID = strings.TrimSpace(req.ChallengedID)
	req.GameRef = strings.TrimSpace(req.GameRef)
	req.GameTitle = strings.TrimSpace(req.GameTitle)

	if !models.ValidIdentifier(callerID) {
		return &ValidationError{Field: "callerId", Message: "invalid user id"}
	}
	if req.ChallengedID == "" {
		return &ValidationError{Field: "challengedId", Message: "is required"}
	}
	if !models.ValidIdentifier(req.ChallengedID) {
		return &ValidationError{Field: "challengedId", Message: "invalid user id"}
	}
	if req.GameRef == "" {
		return &ValidationError{Field: "gameRef", Message: "is required"}
	}
	if !models.ValidIdentifier(req.GameRef) {
		return &ValidationError{Field: "gameRef", Message: "invalid game reference"}
	}
	if req.GameTitle == "" {
		return &ValidationError{Field: "gameTitle", Message: "is required"}
	}
	if utf8.RuneCountInString(req.GameTitle) > g.maxTitleLength {
		return &ValidationError{Field: "gameTitle", Message: fmt.Sprintf("must be at most %d characters", g.maxTitleLength)}
	}
	if req.BetAmount < g.minBet {
		return &ValidationError{Field: "betAmount", Message: fmt.Sprintf("minimum bet is %d", g.minBet)}
	}
	if req.BetAmount > g.maxBet {
		return &ValidationError{Field: "betAmount", Message: fmt.Sprintf("maximum bet is %d", g.maxBet)}
	}
	if req.ChallengedID == callerID {
		return &ValidationError{Field: "challengedId", Message: "you cannot challenge yourself"}
	}

	if err := g.CheckRate(ctx, callerID, config.OpCreate); err != nil {
		return err
	}

	return g.checkDuplicate(ctx, callerID, req.ChallengedID, req.GameRef)
}

func (g *Gate) checkDuplicate(ctx context.Context, callerID, challengedID, gameRef string) error {
	// Either side may have started the existing challenge.
	existing, err := g.index.ActiveBetween(ctx, callerID, challengedID, gameRef)
	if err != nil {
		return err
	}
	if existing != nil {
		return &ValidationError{
			Field:   "challengedId",
			Message: fmt.Sprintf("an active challenge (%s) already exists between you for this game", existing.ChallengeID),
		}
	}
	return nil
}

// ValidateAction checks a per-challenge action by callerID.
func (g *Gate) ValidateAction(ctx context.Context, callerID, challengeID, op string) error {
	if !models.ValidIdentifier(callerID) {
		return &ValidationError{Field: "callerId", Message: "invalid user id"}
	}
	if !models.ValidIdentifier(challengeID) {
		return &ValidationError{Field: "challengeId", Message: "invalid challenge id"}
	}
	return g.CheckRate(ctx, callerID, op)
}

func (g *Gate) ValidateScore(ctx context.Context, callerID, challengeID string, score float64) error {
	if math.IsNaN(score) || math.IsInf(score, 0) {
		return &ValidationError{Field: "score", Message: "must be a finite number"}
	}
	if score < 0 {
		return &ValidationError{Field: "score", Message: "must not be negative"}
	}
	if score > MaxScore {
		return &ValidationError{Field: "score", Message: "is out of range"}
	}
	return g.ValidateAction(ctx, callerID, challengeID, config.OpScore)
}
