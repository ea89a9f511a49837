package services

import (
	"fmt"
	"sort"
)

// Document paths. Every segment is a validated identifier, so paths never
// contain stray separators.
const (
	CollChallenges         = "challenges"
	PathChallenge          = "challenges/%s"
	CollUserChallenges     = "userChallenges/%s"
	PathUserChallenge      = "userChallenges/%s/%s"
	PathWallet             = "users/%s/wallet"
	CollUserTransactions   = "users/%s/transactions"
	PathUserTransaction    = "users/%s/transactions/%s"
	PathChallengeAudit     = "auditLogs/challenges/%s"
	CollStuckChallenges    = "reviews/stuckChallenges"
	PathStuckChallenge     = "reviews/stuckChallenges/%s"
	CollReconciliation     = "reconciliation/challenges"
	PathReconciliation     = "reconciliation/challenges/%s"
	PathChallengePairGuard = "challengePairs/%s"
	PathRateLimit          = "rateLimits/%s/%s"

	keyRateLimit = "ratelimit:%s:%s"
	keyChildren  = "children:%s"
	keyLog       = "log:%s"
)

// pairKey is symmetric in the two users so a pair has one guard per game.
// "~" never appears in an identifier.
func pairKey(a, b, gameRef string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	return fmt.Sprintf(PathChallengePairGuard, ids[0]+"~"+ids[1]+"~"+gameRef)
}
