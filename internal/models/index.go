package models

import "time"

// UserChallengeIndexEntry is a per-user pointer to a challenge. It is fully
// derivable from the Challenge record.
type UserChallengeIndexEntry struct {
	ChallengeID string          `json:"challengeId"`
	UserID      string          `json:"userId"`
	Role        Role            `json:"role"`
	Status      ChallengeStatus `json:"status"`
	OpponentID  string          `json:"opponentId"`
	GameRef     string          `json:"gameRef"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// IndexEntriesFor derives both participants' entries from a challenge.
func IndexEntriesFor(c *Challenge, updatedAt time.Time) [2]UserChallengeIndexEntry {
	return [2]UserChallengeIndexEntry{
		{
			ChallengeID: c.ID,
			UserID:      c.ChallengerID,
			Role:        RoleChallenger,
			Status:      c.Status,
			OpponentID:  c.ChallengedID,
			GameRef:     c.GameRef,
			CreatedAt:   c.CreatedAt,
			UpdatedAt:   updatedAt,
		},
		{
			ChallengeID: c.ID,
			UserID:      c.ChallengedID,
			Role:        RoleChallenged,
			Status:      c.Status,
			OpponentID:  c.ChallengerID,
			GameRef:     c.GameRef,
			CreatedAt:   c.CreatedAt,
			UpdatedAt:   updatedAt,
		},
	}
}
