package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"community-wager-backend/internal/models"
)

// Ledger operation kinds. Combined with the challenge id they key wallet
// updates so a retried leg is applied once.
const (
	opRefund     = "refund"
	opSettle     = "settle"
	opUnsaved    = "unsaved"
	opAcceptUndo = "accept-undo"
)

func opKey(kind, challengeID string) string {
	return kind + "-" + challengeID
}

// LedgerLeg is the set of mutations still owed to one wallet.
type LedgerLeg struct {
	UserID    string     `json:"userId"`
	OpKey     string     `json:"opKey"`
	Mutations []Mutation `json:"mutations"`
}

// ReconciliationMarker records a challenge whose derived state did not land:
// index entries, ledger legs, or both. RecordMissing is set when the
// challenge record itself was never written.
type ReconciliationMarker struct {
	ChallengeID   string      `json:"challengeId"`
	Reason        string      `json:"reason"`
	Legs          []LedgerLeg `json:"legs,omitempty"`
	RecordMissing bool        `json:"recordMissing,omitempty"`
	Attempts      int         `json:"attempts"`
	LastError     string      `json:"lastError,omitempty"`
	At            time.Time   `json:"at"`
}

func returnStakeLeg(userID, key string, c *models.Challenge) LedgerLeg {
	return LedgerLeg{
		UserID: userID,
		OpKey:  key,
		Mutations: []Mutation{
			EscrowRelease(c.BetAmount, c.ID),
			Credit(c.BetAmount, c.ID),
		},
	}
}

func (s *ChallengeService) markReconcile(ctx context.Context, key string, m *ReconciliationMarker) {
	m.At = s.now().UTC()
	data, err := json.Marshal(m)
	if err == nil {
		err = s.store.Set(ctx, fmt.Sprintf(PathReconciliation, key), data, orderFromTime(m.At))
	}
	if err != nil {
		s.log.Criticalf("Failed to write reconciliation marker %s for %s (%s): %v", key, m.ChallengeID, m.Reason, err)
	}
}

func (s *ChallengeService) markIndexRepair(ctx context.Context, id, reason string) {
	s.markReconcile(ctx, "index-"+id, &ReconciliationMarker{ChallengeID: id, Reason: reason})
}

// Reconcile works through the reconciliation markers. Owed ledger legs are
// applied by operation key, so a leg that already landed is not paid twice,
// then the index entries are rewritten from the record. A marker is cleared
// only once all of that succeeded; the rest stay for the next pass and the
// admin review list.
func (s *ChallengeService) Reconcile(ctx context.Context) (int, error) {
	docs, err := s.store.Children(ctx, CollReconciliation, 0, 0, false)
	if err != nil {
		return 0, err
	}

	fixed := 0
	for _, doc := range docs {
		var m ReconciliationMarker
		if err := json.Unmarshal(doc.Value, &m); err != nil || m.ChallengeID == "" {
			s.log.Errorf("Reconcile: unreadable marker %s left for review: %v", doc.Path, err)
			continue
		}

		if err := s.repair(ctx, &m); err != nil {
			s.log.Warnf("Reconcile: marker %s for challenge %s (%s) still pending: %v", doc.Key, m.ChallengeID, m.Reason, err)
			s.noteAttempt(ctx, doc.Path, err)
			continue
		}
		if err := s.store.Delete(ctx, doc.Path); err != nil {
			s.log.Warnf("Reconcile: failed to clear marker %s: %v", doc.Key, err)
			continue
		}
		fixed++
	}
	if fixed > 0 {
		s.log.Infof("Reconciled %d marker(s)", fixed)
	}
	return fixed, nil
}

func (s *ChallengeService) repair(ctx context.Context, m *ReconciliationMarker) error {
	for _, leg := range m.Legs {
		applied, err := s.ledger.ApplyOnce(ctx, leg.UserID, leg.OpKey, leg.Mutations...)
		if err != nil {
			return fmt.Errorf("ledger leg %s for %s: %w", leg.OpKey, leg.UserID, err)
		}
		if applied {
			s.log.Infof("Reconcile: applied %s to wallet of %s", leg.OpKey, leg.UserID)
		}
	}

	if m.RecordMissing {
		return nil
	}
	c, err := s.load(ctx, m.ChallengeID)
	if err != nil {
		return err
	}
	return s.index.Upsert(ctx, c)
}

func (s *ChallengeService) noteAttempt(ctx context.Context, path string, cause error) {
	err := s.store.Update(ctx, path, 0, func(current []byte) ([]byte, error) {
		if current == nil {
			return nil, nil
		}
		var m ReconciliationMarker
		if err := json.Unmarshal(current, &m); err != nil {
			return nil, nil
		}
		m.Attempts++
		m.LastError = cause.Error()
		return json.Marshal(&m)
	})
	if err != nil {
		s.log.Warnf("Failed to record reconcile attempt on %s: %v", path, err)
	}
}

// PendingReconciliations lists the markers not yet repaired, oldest first.
func (s *ChallengeService) PendingReconciliations(ctx context.Context) ([]ReconciliationMarker, error) {
	docs, err := s.store.Children(ctx, CollReconciliation, 0, 0, false)
	if err != nil {
		return nil, err
	}

	out := make([]ReconciliationMarker, 0, len(docs))
	for _, doc := range docs {
		var m ReconciliationMarker
		if err := json.Unmarshal(doc.Value, &m); err != nil {
			s.log.Warnf("Skipping unreadable reconciliation marker %s: %v", doc.Path, err)
			continue
		}
		out = append(out, m)
	}
	return out, nil
}
