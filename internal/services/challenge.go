package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/decred/slog"
	"github.com/google/uuid"

	"community-wager-backend/internal/config"
	"community-wager-backend/internal/models"
)

const (
	actorSystem = "system"

	// A pair guard whose challenge record never appeared is considered
	// abandoned after this long.
	pairGuardGrace = time.Minute
)

var errExpiredOnClaim = errors.New("challenge expired before it could be accepted")

type ChallengeRules struct {
	Fees           FeeSchedule
	TTL            time.Duration
	StuckThreshold time.Duration
}

func ChallengeRulesFromConfig(cfg *config.Config) ChallengeRules {
	return ChallengeRules{
		Fees:           FeeScheduleFromConfig(cfg),
		TTL:            cfg.ChallengeTTL,
		StuckThreshold: cfg.StuckThreshold,
	}
}

type ChallengeServiceDeps struct {
	Store    DocumentStore
	Codec    *Codec
	Ledger   *Ledger
	Index    *ChallengeIndex
	Gate     *Gate
	Notifier Notifier
	Rules    ChallengeRules
	Log      slog.Logger
	Now      func() time.Time
}

// ChallengeService is the challenge state machine. Accept locks the stake
// and then claims the new status. Every other transition first claims the
// new status with an atomic update of the encrypted record, then applies the
// ledger deltas; if the ledger step fails the record is put back.
type ChallengeService struct {
	store    DocumentStore
	codec    *Codec
	ledger   *Ledger
	index    *ChallengeIndex
	gate     *Gate
	notifier Notifier
	rules    ChallengeRules
	log      slog.Logger
	now      func() time.Time
}

func NewChallengeService(d ChallengeServiceDeps) *ChallengeService {
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Log == nil {
		d.Log = slog.Disabled
	}
	return &ChallengeService{
		store:    d.Store,
		codec:    d.Codec,
		ledger:   d.Ledger,
		index:    d.Index,
		gate:     d.Gate,
		notifier: d.Notifier,
		rules:    d.Rules,
		log:      d.Log,
		now:      d.Now,
	}
}

func (s *ChallengeService) load(ctx context.Context, id string) (*models.Challenge, error) {
	data, err := s.store.Get(ctx, fmt.Sprintf(PathChallenge, id))
	if errors.Is(err, ErrNotFound) {
		return nil, &NotFoundError{Resource: "challenge", ID: id}
	}
	if err != nil {
		return nil, err
	}
	return s.codec.DecryptChallenge(data)
}

// claim atomically re-reads the record, lets mutate validate and change it,
// and writes it back re-encrypted. Errors from mutate leave the record as is,
// and a status change must follow the lifecycle.
func (s *ChallengeService) claim(ctx context.Context, id string, mutate func(c *models.Challenge, now time.Time) error) (before, after *models.Challenge, err error) {
	return s.rewrite(ctx, id, func(c *models.Challenge, now time.Time) error {
		from := c.Status
		if err := mutate(c, now); err != nil {
			return err
		}
		if c.Status != from && !from.CanTransitionTo(c.Status) {
			return &StateConflictError{ChallengeID: c.ID, Expected: "a status reachable from " + string(from), Actual: string(c.Status)}
		}
		return nil
	})
}

func (s *ChallengeService) rewrite(ctx context.Context, id string, mutate func(c *models.Challenge, now time.Time) error) (before, after *models.Challenge, err error) {
	now := s.now().UTC()

	err = s.store.Update(ctx, fmt.Sprintf(PathChallenge, id), orderFromTime(now), func(current []byte) ([]byte, error) {
		if current == nil {
			return nil, &NotFoundError{Resource: "challenge", ID: id}
		}
		c, err := s.codec.DecryptChallenge(current)
		if err != nil {
			return nil, err
		}
		before = c.Clone()
		if err := mutate(c, now); err != nil {
			return nil, err
		}
		after = c
		return s.codec.EncryptChallenge(c)
	})
	if err != nil {
		return nil, nil, err
	}
	return before, after, nil
}

// revert puts back the record as it was before a claim whose ledger step
// failed. It only does so while the record is still exactly what the claim
// wrote. Otherwise the record stays and legs, the ledger steps it implies,
// are left for reconciliation.
func (s *ChallengeService) revert(ctx context.Context, before, after *models.Challenge, legs []LedgerLeg) {
	want, err := json.Marshal(after)
	if err == nil {
		_, _, err = s.rewrite(ctx, before.ID, func(c *models.Challenge, _ time.Time) error {
			got, err := json.Marshal(c)
			if err != nil {
				return err
			}
			if !bytes.Equal(got, want) {
				return &StateConflictError{ChallengeID: c.ID, Expected: "record as claimed", Actual: string(c.Status)}
			}
			*c = *before.Clone()
			return nil
		})
	}
	if err != nil {
		s.log.Criticalf("Failed to revert challenge %s to %s: %v", before.ID, before.Status, err)
		s.markReconcile(ctx, legs[0].OpKey, &ReconciliationMarker{
			ChallengeID: after.ID,
			Reason:      "revert failed",
			Legs:        legs,
			LastError:   err.Error(),
		})
	}
}

func (s *ChallengeService) appendAudit(ctx context.Context, id string, entry models.AuditEntry) {
	data, err := json.Marshal(&entry)
	if err != nil {
		s.log.Errorf("Failed to marshal audit entry for %s: %v", id, err)
		return
	}
	if err := s.store.Append(ctx, fmt.Sprintf(PathChallengeAudit, id), data); err != nil {
		s.log.Errorf("Failed to append audit entry for %s: %v", id, err)
	}
}

func (s *ChallengeService) notify(event ChallengeEvent, userIDs ...string) {
	if s.notifier == nil {
		return
	}
	for _, userID := range userIDs {
		s.notifier.NotifyUser(userID, event)
	}
}

// finish persists the derived state of a completed transition: index
// entries, audit line, notifications.
func (s *ChallengeService) finish(ctx context.Context, before, after *models.Challenge, audit models.AuditEntry, event ChallengeEvent, recipients ...string) {
	if err := s.index.UpdateStatus(ctx, after.ID, after.ChallengerID, after.ChallengedID, after.Status); err != nil {
		s.log.Errorf("Index update for challenge %s failed, marking for reconciliation: %v", after.ID, err)
		s.markIndexRepair(ctx, after.ID, "index update failed")
	}

	audit.FromStatus = before.Status
	audit.ToStatus = after.Status
	audit.At = s.now().UTC()
	s.appendAudit(ctx, after.ID, audit)

	event.ChallengeID = after.ID
	event.Status = after.Status
	event.GameTitle = after.GameTitle
	event.BetAmount = after.BetAmount
	event.At = audit.At
	s.notify(event, recipients...)
}

type pairGuard struct {
	ChallengeID string    `json:"challengeId"`
	ClaimedAt   time.Time `json:"claimedAt"`
}

// claimPair reserves the pair+game slot for challengeID. It fails with a
// ValidationError while another challenge between the pair is active.
func (s *ChallengeService) claimPair(ctx context.Context, c *models.Challenge) error {
	now := s.now().UTC()
	return s.store.Update(ctx, pairKey(c.ChallengerID, c.ChallengedID, c.GameRef), orderFromTime(now), func(current []byte) ([]byte, error) {
		var guard pairGuard
		if current != nil {
			if err := json.Unmarshal(current, &guard); err != nil {
				guard = pairGuard{}
			}
		}

		if guard.ChallengeID != "" && guard.ChallengeID != c.ID {
			existing, err := s.load(ctx, guard.ChallengeID)
			var nf *NotFoundError
			switch {
			case errors.As(err, &nf):
				if now.Sub(guard.ClaimedAt) < pairGuardGrace {
					return nil, &ValidationError{Field: "challengedId", Message: "a challenge between you for this game is being created"}
				}
			case err != nil:
				return nil, err
			case existing.Status.IsActive():
				return nil, &ValidationError{
					Field:   "challengedId",
					Message: fmt.Sprintf("an active challenge (%s) already exists between you for this game", existing.ID),
				}
			}
		}

		return json.Marshal(&pairGuard{ChallengeID: c.ID, ClaimedAt: now})
	})
}

func (s *ChallengeService) releasePair(ctx context.Context, c *models.Challenge) {
	err := s.store.Update(ctx, pairKey(c.ChallengerID, c.ChallengedID, c.GameRef), 0, func(current []byte) ([]byte, error) {
		var guard pairGuard
		if current == nil || json.Unmarshal(current, &guard) != nil || guard.ChallengeID != c.ID {
			return nil, nil
		}
		return json.Marshal(&pairGuard{})
	})
	if err != nil {
		s.log.Warnf("Failed to release pair guard for %s: %v", c.ID, err)
	}
}

// Create opens a challenge and escrows the challenger's stake.
func (s *ChallengeService) Create(ctx context.Context, callerID string, req models.CreateChallengeRequest) (*models.Challenge, error) {
	if err := s.gate.ValidateCreate(ctx, callerID, &req); err != nil {
		return nil, err
	}

	challenger, err := s.ledger.Wallet(ctx, callerID)
	var nf *NotFoundError
	if errors.As(err, &nf) {
		return nil, &InsufficientFundsError{UserID: callerID, Required: req.BetAmount}
	}
	if err != nil {
		return nil, err
	}
	if challenger.Amount < req.BetAmount {
		return nil, &InsufficientFundsError{UserID: callerID, Required: req.BetAmount, Available: challenger.Amount}
	}

	challenged, err := s.ledger.Wallet(ctx, req.ChallengedID)
	if errors.As(err, &nf) {
		return nil, &NotFoundError{Resource: "user", ID: req.ChallengedID}
	}
	if err != nil {
		return nil, err
	}
	if challenged.Amount < req.BetAmount {
		return nil, &ValidationError{Field: "betAmount", Message: "the challenged user cannot cover this bet"}
	}

	now := s.now().UTC()
	prize := s.rules.Fees.PrizeFor(req.BetAmount)
	c := &models.Challenge{
		ID:            models.GenerateChallengeID(),
		ChallengerID:  callerID,
		ChallengedID:  req.ChallengedID,
		GameRef:       req.GameRef,
		GameTitle:     req.GameTitle,
		BetAmount:     req.BetAmount,
		Status:        models.ChallengeStatusPending,
		CreatedAt:     now,
		ExpiresAt:     now.Add(s.rules.TTL),
		ServiceCharge: prize.ServiceCharge,
		TotalPrize:    prize.TotalPrize,
		NetPrize:      prize.NetPrize,
	}

	if err := s.claimPair(ctx, c); err != nil {
		return nil, err
	}

	if err := s.ledger.EscrowDebit(ctx, callerID, c.BetAmount, c.ID); err != nil {
		s.releasePair(ctx, c)
		return nil, err
	}

	data, err := s.codec.EncryptChallenge(c)
	if err == nil {
		err = s.store.Set(ctx, fmt.Sprintf(PathChallenge, c.ID), data, orderFromTime(c.CreatedAt))
	}
	if err != nil {
		s.log.Errorf("Failed to store challenge %s, returning escrow: %v", c.ID, err)
		leg := returnStakeLeg(callerID, opKey(opUnsaved, c.ID), c)
		if _, lerr := s.ledger.ApplyOnce(ctx, leg.UserID, leg.OpKey, leg.Mutations...); lerr != nil {
			s.log.Criticalf("Failed to return escrow for unsaved challenge %s: %v", c.ID, lerr)
			s.markReconcile(ctx, leg.OpKey, &ReconciliationMarker{
				ChallengeID:   c.ID,
				Reason:        "escrow held for unsaved challenge",
				Legs:          []LedgerLeg{leg},
				RecordMissing: true,
				LastError:     lerr.Error(),
			})
		}
		s.releasePair(ctx, c)
		return nil, err
	}

	if err := s.index.Upsert(ctx, c); err != nil {
		s.log.Errorf("Index write for new challenge %s failed, marking for reconciliation: %v", c.ID, err)
		s.markIndexRepair(ctx, c.ID, "index write failed")
	}

	s.appendAudit(ctx, c.ID, models.AuditEntry{
		Action:   "create",
		ActorID:  callerID,
		ToStatus: c.Status,
		Amount:   c.BetAmount,
		At:       now,
	})
	s.notify(ChallengeEvent{
		Type:        EventChallengeCreated,
		ChallengeID: c.ID,
		Status:      c.Status,
		ActorID:     callerID,
		GameTitle:   c.GameTitle,
		BetAmount:   c.BetAmount,
		At:          now,
	}, c.ChallengedID)

	s.log.Infof("Challenge %s created: %s vs %s, bet %d on %s", c.ID, c.ChallengerID, c.ChallengedID, c.BetAmount, c.GameRef)
	return c, nil
}

// Accept escrows the challenged user's stake. The stake is locked before
// the status moves to accepted and handed back when the claim fails. On a
// challenge past its expiry it runs the expire transition instead and
// returns a *ChallengeExpiredError.
func (s *ChallengeService) Accept(ctx context.Context, id, callerID string) (*models.Challenge, error) {
	if err := s.gate.ValidateAction(ctx, callerID, id, config.OpAccept); err != nil {
		return nil, err
	}

	c, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := requireChallenged(c, callerID, "accept"); err != nil {
		return nil, err
	}
	if err := requireStatus(c, models.ChallengeStatusPending); err != nil {
		return nil, err
	}
	if c.IsExpired(s.now()) {
		return s.expireOnAccept(ctx, id)
	}

	wallet, err := s.ledger.Wallet(ctx, callerID)
	var nf *NotFoundError
	if errors.As(err, &nf) {
		return nil, &InsufficientFundsError{UserID: callerID, Required: c.BetAmount}
	}
	if err != nil {
		return nil, err
	}
	if wallet.Amount < c.BetAmount {
		return nil, &InsufficientFundsError{UserID: callerID, Required: c.BetAmount, Available: wallet.Amount}
	}

	if err := s.ledger.EscrowDebit(ctx, callerID, c.BetAmount, c.ID); err != nil {
		return nil, err
	}

	before, after, err := s.claim(ctx, id, func(current *models.Challenge, now time.Time) error {
		if err := requireChallenged(current, callerID, "accept"); err != nil {
			return err
		}
		if err := requireStatus(current, models.ChallengeStatusPending); err != nil {
			return err
		}
		if current.IsExpired(now) {
			return errExpiredOnClaim
		}
		current.Status = models.ChallengeStatusAccepted
		current.AcceptedAt = &now
		return nil
	})
	if err != nil {
		s.returnAcceptStake(ctx, c, callerID)
		if errors.Is(err, errExpiredOnClaim) {
			return s.expireOnAccept(ctx, id)
		}
		return nil, err
	}

	s.finish(ctx, before, after,
		models.AuditEntry{Action: "accept", ActorID: callerID, Amount: after.BetAmount},
		ChallengeEvent{Type: EventChallengeAccepted, ActorID: callerID},
		after.ChallengerID)

	s.log.Infof("Challenge %s accepted by %s", id, callerID)
	return after, nil
}

// returnAcceptStake undoes the escrow debit of an accept whose claim failed.
// Each attempt gets its own operation key so a later accept by the same
// user is undone independently.
func (s *ChallengeService) returnAcceptStake(ctx context.Context, c *models.Challenge, callerID string) {
	leg := returnStakeLeg(callerID, opKey(opAcceptUndo, c.ID)+"-"+uuid.NewString(), c)
	if _, err := s.ledger.ApplyOnce(ctx, leg.UserID, leg.OpKey, leg.Mutations...); err != nil {
		s.log.Criticalf("Failed to return accept stake of %s for challenge %s: %v", callerID, c.ID, err)
		s.markReconcile(ctx, leg.OpKey, &ReconciliationMarker{
			ChallengeID: c.ID,
			Reason:      "accept stake not returned",
			Legs:        []LedgerLeg{leg},
			LastError:   err.Error(),
		})
	}
}

func (s *ChallengeService) expireOnAccept(ctx context.Context, id string) (*models.Challenge, error) {
	expired, err := s.Expire(ctx, id)
	var sc *StateConflictError
	if errors.As(err, &sc) {
		// Someone else (usually the sweep) got there first.
		current, lerr := s.load(ctx, id)
		if lerr != nil {
			return nil, lerr
		}
		if current.Status != models.ChallengeStatusExpired {
			return nil, err
		}
		expired, err = current, nil
	}
	if err != nil {
		return nil, err
	}

	var refund int64
	if expired.RefundAmount != nil {
		refund = *expired.RefundAmount
	}
	return expired, &ChallengeExpiredError{ChallengeID: id, RefundAmount: refund}
}

// Reject is the challenged user declining. The challenger gets the stake
// back minus the reject fee.
func (s *ChallengeService) Reject(ctx context.Context, id, callerID string) (*models.Challenge, error) {
	if err := s.gate.ValidateAction(ctx, callerID, id, config.OpReject); err != nil {
		return nil, err
	}

	before, after, err := s.claim(ctx, id, func(c *models.Challenge, now time.Time) error {
		if err := requireChallenged(c, callerID, "reject"); err != nil {
			return err
		}
		if err := requireStatus(c, models.ChallengeStatusPending); err != nil {
			return err
		}
		fee, refund := Refund(c.BetAmount, s.rules.Fees.RejectFeeRate)
		c.Status = models.ChallengeStatusRejected
		c.RejectedAt = &now
		c.FeeCharged = &fee
		c.RefundAmount = &refund
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := s.refundChallenger(ctx, before, after); err != nil {
		return nil, err
	}

	s.finish(ctx, before, after,
		models.AuditEntry{Action: "reject", ActorID: callerID, Amount: *after.RefundAmount, Fee: *after.FeeCharged},
		ChallengeEvent{Type: EventChallengeRejected, ActorID: callerID, Amount: *after.RefundAmount},
		after.ChallengerID)

	s.log.Infof("Challenge %s rejected by %s, refund %d fee %d", id, callerID, *after.RefundAmount, *after.FeeCharged)
	return after, nil
}

// Cancel is the challenger withdrawing a pending challenge.
func (s *ChallengeService) Cancel(ctx context.Context, id, callerID string) (*models.Challenge, error) {
	if err := s.gate.ValidateAction(ctx, callerID, id, config.OpCancel); err != nil {
		return nil, err
	}

	before, after, err := s.claim(ctx, id, func(c *models.Challenge, now time.Time) error {
		if c.ChallengerID != callerID {
			return &AuthorizationError{Message: "only the challenger can cancel this challenge"}
		}
		if err := requireStatus(c, models.ChallengeStatusPending); err != nil {
			return err
		}
		fee, refund := Refund(c.BetAmount, s.rules.Fees.CancelFeeRate)
		c.Status = models.ChallengeStatusCancelled
		c.CancelledAt = &now
		c.FeeCharged = &fee
		c.RefundAmount = &refund
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := s.refundChallenger(ctx, before, after); err != nil {
		return nil, err
	}

	s.finish(ctx, before, after,
		models.AuditEntry{Action: "cancel", ActorID: callerID, Amount: *after.RefundAmount, Fee: *after.FeeCharged},
		ChallengeEvent{Type: EventChallengeCancelled, ActorID: callerID},
		after.ChallengedID)

	s.log.Infof("Challenge %s cancelled by %s, refund %d fee %d", id, callerID, *after.RefundAmount, *after.FeeCharged)
	return after, nil
}

// Expire closes a pending challenge whose deadline has passed.
func (s *ChallengeService) Expire(ctx context.Context, id string) (*models.Challenge, error) {
	before, after, err := s.claim(ctx, id, func(c *models.Challenge, now time.Time) error {
		if err := requireStatus(c, models.ChallengeStatusPending); err != nil {
			return err
		}
		if !c.IsExpired(now) {
			return &StateConflictError{
				ChallengeID: c.ID,
				Expected:    "pending past its expiry",
				Actual:      "pending until " + c.ExpiresAt.Format(time.RFC3339),
			}
		}
		fee, refund := Refund(c.BetAmount, s.rules.Fees.ExpireFeeRate)
		c.Status = models.ChallengeStatusExpired
		c.ExpiredAt = &now
		c.FeeCharged = &fee
		c.RefundAmount = &refund
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := s.refundChallenger(ctx, before, after); err != nil {
		return nil, err
	}

	s.finish(ctx, before, after,
		models.AuditEntry{Action: "expire", ActorID: actorSystem, Amount: *after.RefundAmount, Fee: *after.FeeCharged},
		ChallengeEvent{Type: EventChallengeExpired, ActorID: actorSystem, Amount: *after.RefundAmount},
		after.ChallengerID, after.ChallengedID)

	s.log.Infof("Challenge %s expired, refund %d fee %d", id, *after.RefundAmount, *after.FeeCharged)
	return after, nil
}

// refundChallenger releases the challenger's escrow and credits the refund
// in one wallet update. On failure the claim is reverted.
func (s *ChallengeService) refundChallenger(ctx context.Context, before, after *models.Challenge) error {
	leg := LedgerLeg{
		UserID: after.ChallengerID,
		OpKey:  opKey(opRefund, after.ID),
		Mutations: []Mutation{
			EscrowRelease(after.BetAmount, after.ID),
			Credit(*after.RefundAmount, after.ID),
		},
	}
	if _, err := s.ledger.ApplyOnce(ctx, leg.UserID, leg.OpKey, leg.Mutations...); err != nil {
		s.log.Errorf("Refund for challenge %s failed: %v", after.ID, err)
		s.revert(ctx, before, after, []LedgerLeg{leg})
		return err
	}
	return nil
}

// SubmitScore records the caller's score. When both scores are in the
// challenge completes and is settled. The bool reports whether both scores
// have been submitted.
func (s *ChallengeService) SubmitScore(ctx context.Context, id, callerID string, score float64) (*models.Challenge, bool, error) {
	if err := s.gate.ValidateScore(ctx, callerID, id, score); err != nil {
		return nil, false, err
	}

	before, after, err := s.claim(ctx, id, func(c *models.Challenge, now time.Time) error {
		role, ok := c.RoleOf(callerID)
		if !ok {
			return &AuthorizationError{Message: "only participants can submit a score"}
		}
		if err := requireStatus(c, models.ChallengeStatusAccepted); err != nil {
			return err
		}
		if c.ScoreFor(role) != nil {
			return &ValidationError{Field: "score", Message: "score already submitted"}
		}
		if err := c.SetScore(role, score); err != nil {
			return &ValidationError{Field: "score", Message: err.Error()}
		}
		if c.BothScoresSubmitted() {
			complete(c, now)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	role, _ := after.RoleOf(callerID)
	opponent := after.ChallengedID
	if role == models.RoleChallenged {
		opponent = after.ChallengerID
	}

	if after.Status != models.ChallengeStatusCompleted {
		s.appendAudit(ctx, id, models.AuditEntry{
			Action:     "score",
			ActorID:    callerID,
			FromStatus: before.Status,
			ToStatus:   after.Status,
			At:         s.now().UTC(),
		})
		s.notify(ChallengeEvent{
			Type:        EventScoreSubmitted,
			ChallengeID: id,
			Status:      after.Status,
			ActorID:     callerID,
			GameTitle:   after.GameTitle,
			BetAmount:   after.BetAmount,
			At:          s.now().UTC(),
		}, opponent)
		return after, false, nil
	}

	if err := s.settle(ctx, before, after); err != nil {
		return nil, true, err
	}

	var winnings int64
	if after.WinnerID != nil {
		winnings = after.NetPrize
	}
	s.finish(ctx, before, after,
		models.AuditEntry{Action: "complete", ActorID: callerID, Amount: winnings, Fee: after.ServiceCharge},
		ChallengeEvent{Type: EventChallengeCompleted, ActorID: callerID, Amount: winnings, WinnerID: after.WinnerID},
		after.ChallengerID, after.ChallengedID)

	if after.WinnerID != nil {
		s.log.Infof("Challenge %s completed, winner %s receives %d", id, *after.WinnerID, after.NetPrize)
	} else {
		s.log.Infof("Challenge %s completed as a tie", id)
	}
	return after, true, nil
}

// complete decides the winner once both scores are in.
func complete(c *models.Challenge, now time.Time) {
	c.WinnerID = c.DetermineWinner()
	c.Status = models.ChallengeStatusCompleted
	c.CompletedAt = &now
}

// settlementFor returns the ledger mutations for one participant of a
// completed challenge. The winner takes the net prize. On a tie each side
// gets its own stake back less the service charge on that stake.
func (s *ChallengeService) settlementFor(c *models.Challenge, userID string) []Mutation {
	muts := []Mutation{EscrowRelease(c.BetAmount, c.ID)}
	switch {
	case c.WinnerID == nil:
		muts = append(muts, Credit(s.rules.Fees.TieRefund(c.BetAmount), c.ID))
	case *c.WinnerID == userID:
		muts = append(muts, Credit(c.NetPrize, c.ID))
	}
	return muts
}

func (s *ChallengeService) settlementLegs(c *models.Challenge) []LedgerLeg {
	key := opKey(opSettle, c.ID)
	return []LedgerLeg{
		{UserID: c.ChallengerID, OpKey: key, Mutations: s.settlementFor(c, c.ChallengerID)},
		{UserID: c.ChallengedID, OpKey: key, Mutations: s.settlementFor(c, c.ChallengedID)},
	}
}

func (s *ChallengeService) settle(ctx context.Context, before, after *models.Challenge) error {
	legs := s.settlementLegs(after)

	challenger, challenged := legs[0], legs[1]
	if _, err := s.ledger.ApplyOnce(ctx, challenger.UserID, challenger.OpKey, challenger.Mutations...); err != nil {
		s.log.Errorf("Settlement of challenge %s failed for challenger: %v", after.ID, err)
		s.revert(ctx, before, after, legs)
		return err
	}

	if _, err := s.ledger.ApplyOnce(ctx, challenged.UserID, challenged.OpKey, challenged.Mutations...); err != nil {
		// The challenger side is already paid out, so the record stays
		// completed and the challenged side is owed by reconciliation.
		s.log.Criticalf("Settlement of challenge %s failed for challenged user %s after challenger was settled: %v",
			after.ID, after.ChallengedID, err)
		s.markReconcile(ctx, challenged.OpKey, &ReconciliationMarker{
			ChallengeID: after.ID,
			Reason:      "challenged settlement failed",
			Legs:        []LedgerLeg{challenged},
			LastError:   err.Error(),
		})
		return fmt.Errorf("settle challenge %s: %w", after.ID, err)
	}
	return nil
}

// Get returns the caller's view of a challenge.
func (s *ChallengeService) Get(ctx context.Context, id, callerID string) (*models.ChallengeView, error) {
	if !models.ValidIdentifier(id) {
		return nil, &ValidationError{Field: "challengeId", Message: "invalid challenge id"}
	}
	c, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	view, ok := c.ViewFor(callerID)
	if !ok {
		return nil, &AuthorizationError{Message: "you are not a participant in this challenge"}
	}
	return view, nil
}

// History lists the caller's challenges newest first. Records that cannot
// be decrypted are logged and skipped.
func (s *ChallengeService) History(ctx context.Context, callerID string, limit, offset int64) (*models.HistoryPage, error) {
	entries, total, err := s.index.ListByUser(ctx, callerID, offset, limit)
	if err != nil {
		return nil, err
	}

	page := &models.HistoryPage{
		Challenges: make([]*models.ChallengeView, 0, len(entries)),
		Total:      total,
		HasMore:    offset+int64(len(entries)) < total,
	}

	for _, entry := range entries {
		c, err := s.load(ctx, entry.ChallengeID)
		if err != nil {
			s.log.Warnf("History for %s: skipping challenge %s: %v", callerID, entry.ChallengeID, err)
			page.Skipped++
			continue
		}
		if view, ok := c.ViewFor(callerID); ok {
			page.Challenges = append(page.Challenges, view)
		}
	}

	return page, nil
}

func (s *ChallengeService) Audit(ctx context.Context, id, callerID string) ([]models.AuditEntry, error) {
	if _, err := s.Get(ctx, id, callerID); err != nil {
		return nil, err
	}

	lines, err := s.store.ReadLog(ctx, fmt.Sprintf(PathChallengeAudit, id), 0)
	if err != nil {
		return nil, err
	}

	out := make([]models.AuditEntry, 0, len(lines))
	for _, line := range lines {
		var entry models.AuditEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			s.log.Warnf("Skipping unreadable audit line for %s: %v", id, err)
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}

// FlagStuck records an accepted challenge for manual review. An existing
// flag is kept as is.
func (s *ChallengeService) FlagStuck(ctx context.Context, c *models.Challenge) (bool, error) {
	if c.Status != models.ChallengeStatusAccepted || c.AcceptedAt == nil {
		return false, &StateConflictError{ChallengeID: c.ID, Expected: string(models.ChallengeStatusAccepted), Actual: string(c.Status)}
	}

	flagged := false
	now := s.now().UTC()
	err := s.store.Update(ctx, fmt.Sprintf(PathStuckChallenge, c.ID), orderFromTime(*c.AcceptedAt), func(current []byte) ([]byte, error) {
		if current != nil {
			return nil, nil
		}
		flagged = true
		return json.Marshal(&models.StuckChallengeFlag{
			ChallengeID:  c.ID,
			ChallengerID: c.ChallengerID,
			ChallengedID: c.ChallengedID,
			BetAmount:    c.BetAmount,
			AcceptedAt:   *c.AcceptedAt,
			FlaggedAt:    now,
			Reason:       fmt.Sprintf("accepted for more than %s without completion", s.rules.StuckThreshold),
		})
	})
	if err != nil {
		return false, err
	}
	if flagged {
		s.log.Warnf("Challenge %s flagged as stuck (accepted %s)", c.ID, c.AcceptedAt.Format(time.RFC3339))
	}
	return flagged, nil
}

func (s *ChallengeService) StuckChallenges(ctx context.Context) ([]models.StuckChallengeFlag, error) {
	docs, err := s.store.Children(ctx, CollStuckChallenges, 0, 0, false)
	if err != nil {
		return nil, err
	}

	out := make([]models.StuckChallengeFlag, 0, len(docs))
	for _, doc := range docs {
		var flag models.StuckChallengeFlag
		if err := json.Unmarshal(doc.Value, &flag); err != nil {
			s.log.Warnf("Skipping unreadable stuck flag %s: %v", doc.Path, err)
			continue
		}
		out = append(out, flag)
	}
	return out, nil
}

func requireStatus(c *models.Challenge, want models.ChallengeStatus) error {
	if c.Status != want {
		return &StateConflictError{ChallengeID: c.ID, Expected: string(want), Actual: string(c.Status)}
	}
	return nil
}

func requireChallenged(c *models.Challenge, callerID, action string) error {
	if c.ChallengedID != callerID {
		return &AuthorizationError{Message: fmt.Sprintf("only the challenged user can %s this challenge", action)}
	}
	return nil
}
