package services_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/decred/slog"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"community-wager-backend/internal/config"
	"community-wager-backend/internal/models"
	"community-wager-backend/internal/services"
)

const testSecret = "test-encryption-secret"

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingNotifier struct {
	mu     sync.Mutex
	events map[string][]services.ChallengeEvent
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{events: make(map[string][]services.ChallengeEvent)}
}

func (n *recordingNotifier) NotifyUser(userID string, event services.ChallengeEvent) {
	n.mu.Lock()
	n.events[userID] = append(n.events[userID], event)
	n.mu.Unlock()
}

func (n *recordingNotifier) For(userID string) []services.ChallengeEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]services.ChallengeEvent(nil), n.events[userID]...)
}

type testEnv struct {
	ctx      context.Context
	cfg      *config.Config
	mr       *miniredis.Miniredis
	client   *redis.Client
	store    *services.RedisStore
	clock    *testClock
	codec    *services.Codec
	ledger   *services.Ledger
	index    *services.ChallengeIndex
	limiter  *services.RedisRateLimiter
	gate     *services.Gate
	notifier *recordingNotifier
	svc      *services.ChallengeService
}

func testConfig() *config.Config {
	cfg := config.Defaults()
	cfg.EncryptionSecret = testSecret
	cfg.JWTSecret = "test-jwt-secret"
	cfg.KDFIterations = config.MinKDFIterations
	for op := range cfg.RateLimits {
		cfg.RateLimits[op] = config.RateLimitRule{Limit: 1000, Window: time.Minute}
	}
	return cfg
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWithConfig(t, testConfig())
}

func newTestEnvWithConfig(t *testing.T, cfg *config.Config) *testEnv {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	clock := newTestClock()
	store := services.NewRedisStoreFromClient(client, slog.Disabled)

	codec, err := services.NewCodec(cfg.EncryptionSecret, cfg.KDFIterations)
	require.NoError(t, err)

	ledger := services.NewLedger(store, slog.Disabled, clock.Now)
	index := services.NewChallengeIndex(store, codec, slog.Disabled, clock.Now)
	limiter := services.NewRedisRateLimiter(client, clock.Now)
	gate := services.NewGate(cfg, limiter, index)
	notifier := newRecordingNotifier()

	svc := services.NewChallengeService(services.ChallengeServiceDeps{
		Store:    store,
		Codec:    codec,
		Ledger:   ledger,
		Index:    index,
		Gate:     gate,
		Notifier: notifier,
		Rules:    services.ChallengeRulesFromConfig(cfg),
		Log:      slog.Disabled,
		Now:      clock.Now,
	})

	return &testEnv{
		ctx:      context.Background(),
		cfg:      cfg,
		mr:       mr,
		client:   client,
		store:    store,
		clock:    clock,
		codec:    codec,
		ledger:   ledger,
		index:    index,
		limiter:  limiter,
		gate:     gate,
		notifier: notifier,
		svc:      svc,
	}
}

func (e *testEnv) fund(t *testing.T, userID string, amount int64) {
	t.Helper()
	_, err := e.ledger.Deposit(e.ctx, userID, amount, "test funding")
	require.NoError(t, err)
}

func (e *testEnv) wallet(t *testing.T, userID string) *models.Wallet {
	t.Helper()
	w, err := e.ledger.Wallet(e.ctx, userID)
	require.NoError(t, err)
	return w
}

func (e *testEnv) create(t *testing.T, challenger, challenged, gameRef string, bet int64) *models.Challenge {
	t.Helper()
	c, err := e.svc.Create(e.ctx, challenger, models.CreateChallengeRequest{
		ChallengedID: challenged,
		GameRef:      gameRef,
		GameTitle:    "Tetris " + gameRef,
		BetAmount:    bet,
	})
	require.NoError(t, err)
	return c
}

func (e *testEnv) load(t *testing.T, id string) *models.Challenge {
	t.Helper()
	data, err := e.store.Get(e.ctx, "challenges/"+id)
	require.NoError(t, err)
	c, err := e.codec.DecryptChallenge(data)
	require.NoError(t, err)
	return c
}

func configRule(limit int, window time.Duration) config.RateLimitRule {
	return config.RateLimitRule{Limit: limit, Window: window}
}

// withFaultyStore rebuilds the services of e on top of a store that fails
// on request. e.store keeps pointing at the underlying Redis store.
func (e *testEnv) withFaultyStore() *faultyStore {
	faulty := &faultyStore{
		DocumentStore: e.store,
		updates:       make(map[string][]fault),
		setFailures:   make(map[string]int),
	}
	e.ledger = services.NewLedger(faulty, slog.Disabled, e.clock.Now)
	e.index = services.NewChallengeIndex(faulty, e.codec, slog.Disabled, e.clock.Now)
	e.gate = services.NewGate(e.cfg, e.limiter, e.index)
	e.svc = services.NewChallengeService(services.ChallengeServiceDeps{
		Store:    faulty,
		Codec:    e.codec,
		Ledger:   e.ledger,
		Index:    e.index,
		Gate:     e.gate,
		Notifier: e.notifier,
		Rules:    services.ChallengeRulesFromConfig(e.cfg),
		Log:      slog.Disabled,
		Now:      e.clock.Now,
	})
	return faulty
}

var errInjected = errors.New("injected store failure")

type fault int

const (
	pass fault = iota
	failBeforeWrite
	failAfterWrite
)

type faultyStore struct {
	services.DocumentStore

	mu          sync.Mutex
	updates     map[string][]fault
	setFailures map[string]int
	afterUpdate func(path string)
}

// script queues the outcome of the next Updates of path, in order.
func (f *faultyStore) script(path string, faults ...fault) {
	f.mu.Lock()
	f.updates[path] = append(f.updates[path], faults...)
	f.mu.Unlock()
}

// failSets fails the next n Sets of any path under prefix.
func (f *faultyStore) failSets(prefix string, n int) {
	f.mu.Lock()
	f.setFailures[prefix] += n
	f.mu.Unlock()
}

func (f *faultyStore) onUpdate(hook func(path string)) {
	f.mu.Lock()
	f.afterUpdate = hook
	f.mu.Unlock()
}

func (f *faultyStore) next(path string) fault {
	f.mu.Lock()
	defer f.mu.Unlock()
	queue := f.updates[path]
	if len(queue) == 0 {
		return pass
	}
	f.updates[path] = queue[1:]
	return queue[0]
}

func (f *faultyStore) Update(ctx context.Context, path string, order float64, fn services.UpdateFunc) error {
	outcome := f.next(path)
	if outcome == failBeforeWrite {
		return errInjected
	}
	if err := f.DocumentStore.Update(ctx, path, order, fn); err != nil {
		return err
	}
	if outcome == failAfterWrite {
		return errInjected
	}

	f.mu.Lock()
	hook := f.afterUpdate
	f.mu.Unlock()
	if hook != nil {
		hook(path)
	}
	return nil
}

func (f *faultyStore) Set(ctx context.Context, path string, value []byte, order float64) error {
	f.mu.Lock()
	for prefix, n := range f.setFailures {
		if n > 0 && strings.HasPrefix(path, prefix) {
			f.setFailures[prefix] = n - 1
			f.mu.Unlock()
			return errInjected
		}
	}
	f.mu.Unlock()
	return f.DocumentStore.Set(ctx, path, value, order)
}
