package models

type CreateChallengeRequest struct {
	ChallengedID string `json:"challengedId" binding:"required"`
	GameRef      string `json:"gameRef" binding:"required"`
	GameTitle    string `json:"gameTitle" binding:"required"`
	BetAmount    int64  `json:"betAmount" binding:"required"`
}

type SubmitScoreRequest struct {
	ChallengeID string   `json:"challengeId" binding:"required"`
	Score       *float64 `json:"score" binding:"required"`
}

type AmountRequest struct {
	Amount int64 `json:"amount" binding:"required"`
}

type HistoryPage struct {
	Challenges []*ChallengeView `json:"challenges"`
	Total      int64            `json:"total"`
	HasMore    bool             `json:"hasMore"`
	Skipped    int              `json:"skipped,omitempty"`
}
