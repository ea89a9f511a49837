package models

import (
	"fmt"
	"time"
)

type ChallengeStatus string

const (
	ChallengeStatusPending   ChallengeStatus = "pending"
	ChallengeStatusAccepted  ChallengeStatus = "accepted"
	ChallengeStatusCompleted ChallengeStatus = "completed"
	ChallengeStatusRejected  ChallengeStatus = "rejected"
	ChallengeStatusCancelled ChallengeStatus = "cancelled"
	ChallengeStatusExpired   ChallengeStatus = "expired"
)

var challengeTransitions = map[ChallengeStatus][]ChallengeStatus{
	ChallengeStatusPending: {
		ChallengeStatusAccepted,
		ChallengeStatusRejected,
		ChallengeStatusCancelled,
		ChallengeStatusExpired,
	},
	ChallengeStatusAccepted: {ChallengeStatusCompleted},
}

func (s ChallengeStatus) Valid() bool {
	switch s {
	case ChallengeStatusPending, ChallengeStatusAccepted, ChallengeStatusCompleted,
		ChallengeStatusRejected, ChallengeStatusCancelled, ChallengeStatusExpired:
		return true
	}
	return false
}

// IsActive reports whether funds are still held in escrow for the challenge.
func (s ChallengeStatus) IsActive() bool {
	return s == ChallengeStatusPending || s == ChallengeStatusAccepted
}

func (s ChallengeStatus) IsTerminal() bool {
	return s.Valid() && !s.IsActive()
}

func (s ChallengeStatus) CanTransitionTo(next ChallengeStatus) bool {
	for _, allowed := range challengeTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Supersedes reports whether s is further along the lifecycle than prev,
// so a record derived from s may replace one derived from prev. It also
// holds when intermediate statuses were skipped, e.g. pending to completed.
func (s ChallengeStatus) Supersedes(prev ChallengeStatus) bool {
	return s.stage() > prev.stage()
}

func (s ChallengeStatus) stage() int {
	switch {
	case s == ChallengeStatusPending:
		return 1
	case s == ChallengeStatusAccepted:
		return 2
	case s.IsTerminal():
		return 3
	}
	return 0
}

type Role string

const (
	RoleChallenger Role = "challenger"
	RoleChallenged Role = "challenged"
)

// Challenge is the full record. It is only ever persisted encrypted.
type Challenge struct {
	ID           string          `json:"id"`
	ChallengerID string          `json:"challengerId"`
	ChallengedID string          `json:"challengedId"`
	GameRef      string          `json:"gameRef"`
	GameTitle    string          `json:"gameTitle"`
	BetAmount    int64           `json:"betAmount"`
	Status       ChallengeStatus `json:"status"`

	CreatedAt   time.Time  `json:"createdAt"`
	ExpiresAt   time.Time  `json:"expiresAt"`
	AcceptedAt  *time.Time `json:"acceptedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	RejectedAt  *time.Time `json:"rejectedAt,omitempty"`
	CancelledAt *time.Time `json:"cancelledAt,omitempty"`
	ExpiredAt   *time.Time `json:"expiredAt,omitempty"`

	ChallengerScore *float64 `json:"challengerScore,omitempty"`
	ChallengedScore *float64 `json:"challengedScore,omitempty"`
	WinnerID        *string  `json:"winnerId,omitempty"`

	ServiceCharge int64 `json:"serviceCharge"`
	TotalPrize    int64 `json:"totalPrize"`
	NetPrize      int64 `json:"netPrize"`

	RefundAmount *int64 `json:"refundAmount,omitempty"`
	FeeCharged   *int64 `json:"feeCharged,omitempty"`
}

func (c *Challenge) RoleOf(userID string) (Role, bool) {
	switch userID {
	case c.ChallengerID:
		return RoleChallenger, true
	case c.ChallengedID:
		return RoleChallenged, true
	}
	return "", false
}

func (c *Challenge) ParticipantFor(role Role) string {
	if role == RoleChallenger {
		return c.ChallengerID
	}
	return c.ChallengedID
}

func (c *Challenge) ScoreFor(role Role) *float64 {
	switch role {
	case RoleChallenger:
		return c.ChallengerScore
	case RoleChallenged:
		return c.ChallengedScore
	}
	return nil
}

// SetScore records the score for role. A score can only be set once.
func (c *Challenge) SetScore(role Role, score float64) error {
	var field **float64
	switch role {
	case RoleChallenger:
		field = &c.ChallengerScore
	case RoleChallenged:
		field = &c.ChallengedScore
	default:
		return fmt.Errorf("unknown role %q", role)
	}
	if *field != nil {
		return fmt.Errorf("score already submitted for %s", role)
	}
	*field = &score
	return nil
}

func (c *Challenge) BothScoresSubmitted() bool {
	return c.ChallengerScore != nil && c.ChallengedScore != nil
}

// DetermineWinner returns the higher scorer, or nil on a tie.
func (c *Challenge) DetermineWinner() *string {
	if !c.BothScoresSubmitted() {
		return nil
	}
	var winner string
	switch {
	case *c.ChallengerScore > *c.ChallengedScore:
		winner = c.ChallengerID
	case *c.ChallengedScore > *c.ChallengerScore:
		winner = c.ChallengedID
	default:
		return nil
	}
	return &winner
}

func (c *Challenge) IsExpired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}

func (c *Challenge) Clone() *Challenge {
	out := *c
	out.AcceptedAt = cloneTime(c.AcceptedAt)
	out.CompletedAt = cloneTime(c.CompletedAt)
	out.RejectedAt = cloneTime(c.RejectedAt)
	out.CancelledAt = cloneTime(c.CancelledAt)
	out.ExpiredAt = cloneTime(c.ExpiredAt)
	out.ChallengerScore = cloneFloat(c.ChallengerScore)
	out.ChallengedScore = cloneFloat(c.ChallengedScore)
	out.RefundAmount = cloneInt(c.RefundAmount)
	out.FeeCharged = cloneInt(c.FeeCharged)
	if c.WinnerID != nil {
		w := *c.WinnerID
		out.WinnerID = &w
	}
	return &out
}

// ChallengeView is what a participant sees. The opponent's score stays
// hidden until both scores are in.
type ChallengeView struct {
	ID            string          `json:"id"`
	Role          Role            `json:"role"`
	OpponentID    string          `json:"opponentId"`
	ChallengerID  string          `json:"challengerId"`
	ChallengedID  string          `json:"challengedId"`
	GameRef       string          `json:"gameRef"`
	GameTitle     string          `json:"gameTitle"`
	BetAmount     int64           `json:"betAmount"`
	Status        ChallengeStatus `json:"status"`
	CreatedAt     time.Time       `json:"createdAt"`
	ExpiresAt     time.Time       `json:"expiresAt"`
	AcceptedAt    *time.Time      `json:"acceptedAt,omitempty"`
	CompletedAt   *time.Time      `json:"completedAt,omitempty"`
	MyScore       *float64        `json:"myScore,omitempty"`
	OpponentScore *float64        `json:"opponentScore,omitempty"`
	OpponentSent  bool            `json:"opponentScoreSubmitted"`
	WinnerID      *string         `json:"winnerId,omitempty"`
	ServiceCharge int64           `json:"serviceCharge"`
	TotalPrize    int64           `json:"totalPrize"`
	NetPrize      int64           `json:"netPrize"`
	RefundAmount  *int64          `json:"refundAmount,omitempty"`
	FeeCharged    *int64          `json:"feeCharged,omitempty"`
}

func (c *Challenge) ViewFor(userID string) (*ChallengeView, bool) {
	role, ok := c.RoleOf(userID)
	if !ok {
		return nil, false
	}
	opponentRole := RoleChallenged
	if role == RoleChallenged {
		opponentRole = RoleChallenger
	}

	view := &ChallengeView{
		ID:            c.ID,
		Role:          role,
		OpponentID:    c.ParticipantFor(opponentRole),
		ChallengerID:  c.ChallengerID,
		ChallengedID:  c.ChallengedID,
		GameRef:       c.GameRef,
		GameTitle:     c.GameTitle,
		BetAmount:     c.BetAmount,
		Status:        c.Status,
		CreatedAt:     c.CreatedAt,
		ExpiresAt:     c.ExpiresAt,
		AcceptedAt:    c.AcceptedAt,
		CompletedAt:   c.CompletedAt,
		MyScore:       c.ScoreFor(role),
		OpponentSent:  c.ScoreFor(opponentRole) != nil,
		WinnerID:      c.WinnerID,
		ServiceCharge: c.ServiceCharge,
		TotalPrize:    c.TotalPrize,
		NetPrize:      c.NetPrize,
		RefundAmount:  c.RefundAmount,
		FeeCharged:    c.FeeCharged,
	}
	if c.BothScoresSubmitted() {
		view.OpponentScore = c.ScoreFor(opponentRole)
	}
	return view, true
}

// StuckChallengeFlag marks an accepted challenge for manual review.
type StuckChallengeFlag struct {
	ChallengeID  string    `json:"challengeId"`
	ChallengerID string    `json:"challengerId"`
	ChallengedID string    `json:"challengedId"`
	BetAmount    int64     `json:"betAmount"`
	AcceptedAt   time.Time `json:"acceptedAt"`
	FlaggedAt    time.Time `json:"flaggedAt"`
	Reason       string    `json:"reason"`
}

// AuditEntry is one line of a challenge's append-only audit log.
type AuditEntry struct {
	Action     string          `json:"action"`
	ActorID    string          `json:"actorId,omitempty"`
	FromStatus ChallengeStatus `json:"fromStatus,omitempty"`
	ToStatus   ChallengeStatus `json:"toStatus"`
	Amount     int64           `json:"amount,omitempty"`
	Fee        int64           `json:"fee,omitempty"`
	At         time.Time       `json:"at"`
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}

func cloneInt(i *int64) *int64 {
	if i == nil {
		return nil
	}
	v := *i
	return &v
}
