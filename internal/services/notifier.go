package services

import (
	"context"
	"sync"
	"time"

	"github.com/decred/slog"

	"community-wager-backend/internal/models"
)

type EventType string

const (
	EventChallengeCreated   EventType = "challenge_created"
	EventChallengeAccepted  EventType = "challenge_accepted"
	EventChallengeRejected  EventType = "challenge_rejected"
	EventChallengeCancelled EventType = "challenge_cancelled"
	EventChallengeExpired   EventType = "challenge_expired"
	EventScoreSubmitted     EventType = "score_submitted"
	EventChallengeCompleted EventType = "challenge_completed"
)

type ChallengeEvent struct {
	Type        EventType              `json:"type"`
	ChallengeID string                 `json:"challengeId"`
	Status      models.ChallengeStatus `json:"status"`
	ActorID     string                 `json:"actorId,omitempty"`
	GameTitle   string                 `json:"gameTitle,omitempty"`
	BetAmount   int64                  `json:"betAmount,omitempty"`
	Amount      int64                  `json:"amount,omitempty"`
	WinnerID    *string                `json:"winnerId,omitempty"`
	At          time.Time              `json:"at"`
}

// Notifier delivers a challenge event to one user. Delivery is best effort.
type Notifier interface {
	NotifyUser(userID string, event ChallengeEvent)
}

type LogNotifier struct {
	log slog.Logger
}

func NewLogNotifier(log slog.Logger) *LogNotifier {
	return &LogNotifier{log: log}
}

func (n *LogNotifier) NotifyUser(userID string, event ChallengeEvent) {
	n.log.Infof("Notify %s: %s challenge=%s status=%s", userID, event.Type, event.ChallengeID, event.Status)
}

type delivery struct {
	userID string
	event  ChallengeEvent
}

// Dispatcher fans events out to its sinks from a background goroutine so
// that callers never wait on delivery. When the queue is full the event is
// dropped and logged.
type Dispatcher struct {
	sinks []Notifier
	queue chan delivery
	log   slog.Logger
	wg    sync.WaitGroup
}

func NewDispatcher(log slog.Logger, queueSize int, sinks ...Notifier) *Dispatcher {
	return &Dispatcher{
		sinks: sinks,
		queue: make(chan delivery, queueSize),
		log:   log,
	}
}

func (d *Dispatcher) Start(ctx context.Context) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for {
			select {
			case <-ctx.Done():
				d.drain()
				return
			case item := <-d.queue:
				d.deliver(item)
			}
		}
	}()
}

// Wait blocks until the dispatch goroutine has exited after ctx is done.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) drain() {
	for {
		select {
		case item := <-d.queue:
			d.deliver(item)
		default:
			return
		}
	}
}

func (d *Dispatcher) deliver(item delivery) {
	for _, sink := range d.sinks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					d.log.Errorf("Notification sink panicked for %s: %v", item.userID, r)
				}
			}()
			sink.NotifyUser(item.userID, item.event)
		}()
	}
}

func (d *Dispatcher) NotifyUser(userID string, event ChallengeEvent) {
	select {
	case d.queue <- delivery{userID: userID, event: event}:
	default:
		d.log.Warnf("Notification queue full, dropping %s for %s", event.Type, userID)
	}
}
