package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/decred/slog"
	"github.com/go-co-op/gocron/v2"

	"community-wager-backend/internal/models"
)

// SweepReport summarises one pass of the expiration sweep.
type SweepReport struct {
	Scanned    int `json:"scanned"`
	Expired    int `json:"expired"`
	Flagged    int `json:"flagged"`
	Failed     int `json:"failed"`
	Reconciled int `json:"reconciled"`
}

// ExpirationScheduler periodically expires pending challenges past their
// deadline and flags accepted ones that never completed.
type ExpirationScheduler struct {
	challenges *ChallengeService
	interval   time.Duration
	log        slog.Logger

	sched gocron.Scheduler
}

func NewExpirationScheduler(challenges *ChallengeService, interval time.Duration, log slog.Logger) *ExpirationScheduler {
	return &ExpirationScheduler{
		challenges: challenges,
		interval:   interval,
		log:        log,
	}
}

// Start registers the sweep job and starts the scheduler. The first sweep
// runs immediately. A sweep still running when the next one is due is not
// overlapped.
func (e *ExpirationScheduler) Start(ctx context.Context) error {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}

	_, err = sched.NewJob(
		gocron.DurationJob(e.interval),
		gocron.NewTask(func() {
			if _, err := e.Sweep(ctx); err != nil {
				e.log.Errorf("Sweep failed: %v", err)
			}
		}),
		gocron.WithName("challenge-expiration-sweep"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		_ = sched.Shutdown()
		return fmt.Errorf("failed to schedule sweep: %w", err)
	}

	sched.Start()
	e.sched = sched
	e.log.Infof("Expiration sweep scheduled every %s", e.interval)
	return nil
}

func (e *ExpirationScheduler) Stop() error {
	if e.sched == nil {
		return nil
	}
	return e.sched.Shutdown()
}

// Sweep scans every challenge once. Per-record failures are logged and
// counted; only a failure to list the collection aborts the pass.
func (e *ExpirationScheduler) Sweep(ctx context.Context) (*SweepReport, error) {
	svc := e.challenges
	now := svc.now()
	report := &SweepReport{}

	for offset := int64(0); ; offset += scanPageSize {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		docs, err := svc.store.Children(ctx, CollChallenges, offset, scanPageSize, false)
		if err != nil {
			return report, err
		}
		if len(docs) == 0 {
			break
		}

		for _, doc := range docs {
			report.Scanned++

			c, err := svc.codec.DecryptChallenge(doc.Value)
			if err != nil {
				e.log.Warnf("Sweep: skipping challenge %s: %v", doc.Key, err)
				report.Failed++
				continue
			}

			switch c.Status {
			case models.ChallengeStatusPending:
				if !c.IsExpired(now) {
					continue
				}
				if _, err := svc.Expire(ctx, c.ID); err != nil {
					var conflict *StateConflictError
					if errors.As(err, &conflict) {
						// Accepted, rejected or cancelled since we read it.
						continue
					}
					e.log.Errorf("Sweep: failed to expire %s: %v", c.ID, err)
					report.Failed++
					continue
				}
				report.Expired++

			case models.ChallengeStatusAccepted:
				if c.AcceptedAt == nil || now.Sub(*c.AcceptedAt) < svc.rules.StuckThreshold {
					continue
				}
				flagged, err := svc.FlagStuck(ctx, c)
				if err != nil {
					e.log.Errorf("Sweep: failed to flag %s: %v", c.ID, err)
					report.Failed++
					continue
				}
				if flagged {
					report.Flagged++
				}
			}
		}
	}

	reconciled, err := svc.Reconcile(ctx)
	if err != nil {
		e.log.Warnf("Sweep: reconciliation pass failed: %v", err)
	}
	report.Reconciled = reconciled

	e.log.Infof("Sweep finished: scanned=%d expired=%d flagged=%d failed=%d reconciled=%d",
		report.Scanned, report.Expired, report.Flagged, report.Failed, report.Reconciled)
	return report, nil
}
