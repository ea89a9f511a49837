package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/decred/slog"

	"community-wager-backend/internal/models"
)

const scanPageSize = 200

// ChallengeIndex maintains userChallenges/{user}/{challenge} pointers so
// per-user listing never has to decrypt the challenge corpus.
type ChallengeIndex struct {
	store DocumentStore
	codec *Codec
	log   slog.Logger
	now   func() time.Time
}

func NewChallengeIndex(store DocumentStore, codec *Codec, log slog.Logger, now func() time.Time) *ChallengeIndex {
	if now == nil {
		now = time.Now
	}
	return &ChallengeIndex{store: store, codec: codec, log: log, now: now}
}

// Upsert writes one entry under each participant.
func (ix *ChallengeIndex) Upsert(ctx context.Context, c *models.Challenge) error {
	for _, entry := range models.IndexEntriesFor(c, ix.now().UTC()) {
		data, err := json.Marshal(&entry)
		if err != nil {
			return fmt.Errorf("failed to marshal index entry: %w", err)
		}
		path := fmt.Sprintf(PathUserChallenge, entry.UserID, entry.ChallengeID)
		if err := ix.store.Set(ctx, path, data, orderFromTime(entry.CreatedAt)); err != nil {
			return err
		}
	}
	return nil
}

// UpdateStatus sets the status on both participants' entries. Entries only
// move forward, so a late write from an earlier transition is dropped. A
// missing entry is recreated with createdAt set to now; the next rebuild
// restores the original timestamp.
func (ix *ChallengeIndex) UpdateStatus(ctx context.Context, challengeID, challengerID, challengedID string, status models.ChallengeStatus) error {
	now := ix.now().UTC()

	participants := []struct {
		userID, opponentID string
		role               models.Role
	}{
		{challengerID, challengedID, models.RoleChallenger},
		{challengedID, challengerID, models.RoleChallenged},
	}

	for _, p := range participants {
		path := fmt.Sprintf(PathUserChallenge, p.userID, challengeID)
		err := ix.store.Update(ctx, path, orderFromTime(now), func(current []byte) ([]byte, error) {
			entry := models.UserChallengeIndexEntry{
				ChallengeID: challengeID,
				UserID:      p.userID,
				Role:        p.role,
				OpponentID:  p.opponentID,
				CreatedAt:   now,
			}
			if current != nil {
				if err := json.Unmarshal(current, &entry); err != nil {
					ix.log.Warnf("Overwriting unreadable index entry %s: %v", path, err)
				} else if entry.Status != status && !status.Supersedes(entry.Status) {
					ix.log.Debugf("Index entry %s already at %s, ignoring %s", path, entry.Status, status)
					return nil, nil
				}
			}
			entry.Status = status
			entry.UpdatedAt = now
			return json.Marshal(&entry)
		})
		if err != nil {
			return fmt.Errorf("failed to update index entry %s: %w", path, err)
		}
	}
	return nil
}

func (ix *ChallengeIndex) Entry(ctx context.Context, userID, challengeID string) (*models.UserChallengeIndexEntry, error) {
	data, err := ix.store.Get(ctx, fmt.Sprintf(PathUserChallenge, userID, challengeID))
	if errors.Is(err, ErrNotFound) {
		return nil, &NotFoundError{Resource: "index entry", ID: challengeID}
	}
	if err != nil {
		return nil, err
	}

	var entry models.UserChallengeIndexEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("failed to unmarshal index entry: %w", err)
	}
	return &entry, nil
}

// ListByUser returns userID's entries, newest first. With a status filter
// every entry of the user is read and filtered; otherwise offset and limit
// page the underlying collection.
func (ix *ChallengeIndex) ListByUser(ctx context.Context, userID string, offset, limit int64, statuses ...models.ChallengeStatus) ([]models.UserChallengeIndexEntry, int64, error) {
	coll := fmt.Sprintf(CollUserChallenges, userID)

	if len(statuses) == 0 {
		docs, err := ix.store.Children(ctx, coll, offset, limit, true)
		if err != nil {
			return nil, 0, err
		}
		total, err := ix.store.CountChildren(ctx, coll)
		if err != nil {
			return nil, 0, err
		}
		return ix.decodeEntries(docs), total, nil
	}

	docs, err := ix.store.Children(ctx, coll, 0, 0, true)
	if err != nil {
		return nil, 0, err
	}

	wanted := make(map[models.ChallengeStatus]bool, len(statuses))
	for _, s := range statuses {
		wanted[s] = true
	}

	var matched []models.UserChallengeIndexEntry
	for _, entry := range ix.decodeEntries(docs) {
		if wanted[entry.Status] {
			matched = append(matched, entry)
		}
	}

	total := int64(len(matched))
	if offset >= total {
		return []models.UserChallengeIndexEntry{}, total, nil
	}
	end := total
	if limit > 0 && offset+limit < total {
		end = offset + limit
	}
	return matched[offset:end], total, nil
}

// ActiveBetween finds a pending or accepted challenge between the two users
// for gameRef.
func (ix *ChallengeIndex) ActiveBetween(ctx context.Context, userID, opponentID, gameRef string) (*models.UserChallengeIndexEntry, error) {
	entries, _, err := ix.ListByUser(ctx, userID, 0, 0, models.ChallengeStatusPending, models.ChallengeStatusAccepted)
	if err != nil {
		return nil, err
	}
	for i := range entries {
		if entries[i].OpponentID == opponentID && entries[i].GameRef == gameRef {
			return &entries[i], nil
		}
	}
	return nil, nil
}

func (ix *ChallengeIndex) decodeEntries(docs []Document) []models.UserChallengeIndexEntry {
	out := make([]models.UserChallengeIndexEntry, 0, len(docs))
	for _, doc := range docs {
		var entry models.UserChallengeIndexEntry
		if err := json.Unmarshal(doc.Value, &entry); err != nil {
			ix.log.Warnf("Skipping unreadable index entry %s: %v", doc.Path, err)
			continue
		}
		out = append(out, entry)
	}
	return out
}

type RebuildReport struct {
	Scanned int `json:"scanned"`
	Indexed int `json:"indexed"`
	Skipped int `json:"skipped"`
}

// RebuildFromScratch decrypts every challenge and rewrites both index
// entries. Unreadable records are logged and skipped.
func (ix *ChallengeIndex) RebuildFromScratch(ctx context.Context) (*RebuildReport, error) {
	report := &RebuildReport{}

	for offset := int64(0); ; offset += scanPageSize {
		docs, err := ix.store.Children(ctx, CollChallenges, offset, scanPageSize, false)
		if err != nil {
			return report, err
		}
		if len(docs) == 0 {
			break
		}

		for _, doc := range docs {
			report.Scanned++
			c, err := ix.codec.DecryptChallenge(doc.Value)
			if err != nil {
				ix.log.Warnf("Rebuild: skipping challenge %s: %v", doc.Key, err)
				report.Skipped++
				continue
			}
			if err := ix.Upsert(ctx, c); err != nil {
				ix.log.Errorf("Rebuild: failed to index challenge %s: %v", c.ID, err)
				report.Skipped++
				continue
			}
			report.Indexed++
		}
	}

	ix.log.Infof("Index rebuild finished: scanned=%d indexed=%d skipped=%d",
		report.Scanned, report.Indexed, report.Skipped)
	return report, nil
}
