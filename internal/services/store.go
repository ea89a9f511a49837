package services

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"path"
	"time"

	"github.com/decred/slog"

	"community-wager-backend/internal/config"
)

var (
	ErrNotFound = errors.New("document not found")
	ErrConflict = errors.New("document changed concurrently, retries exhausted")
)

const (
	maxUpdateRetries = 64
	updateBackoff    = 2 * time.Millisecond
)

// UpdateFunc computes the next value of a document from its current value
// (nil when the document does not exist). Returning a nil value leaves the
// document untouched; returning an error aborts the update and the error is
// passed back to the caller unchanged. The function may run more than once.
type UpdateFunc func(current []byte) ([]byte, error)

type Document struct {
	Path  string
	Key   string
	Value []byte
	Order float64
}

// DocumentStore is a path-addressed store with single-path atomic updates.
// It offers no atomicity across paths.
type DocumentStore interface {
	Get(ctx context.Context, path string) ([]byte, error)
	// Set writes value and registers the document under its parent
	// collection with the given sort order.
	Set(ctx context.Context, path string, value []byte, order float64) error
	// Update applies fn as one compare-and-update step. order is only used
	// when the document is created.
	Update(ctx context.Context, path string, order float64, fn UpdateFunc) error
	Children(ctx context.Context, parent string, offset, limit int64, newestFirst bool) ([]Document, error)
	CountChildren(ctx context.Context, parent string) (int64, error)
	Delete(ctx context.Context, path string) error
	Append(ctx context.Context, path string, value []byte) error
	ReadLog(ctx context.Context, path string, limit int64) ([][]byte, error)
	Ping(ctx context.Context) error
	Close() error
}

func splitPath(p string) (parent, key string) {
	return path.Dir(p), path.Base(p)
}

func retryBackoff(attempt int) time.Duration {
	if attempt > 8 {
		attempt = 8
	}
	base := updateBackoff * time.Duration(attempt+1)
	return base + time.Duration(rand.Int64N(int64(updateBackoff)))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func orderFromTime(t time.Time) float64 {
	return float64(t.UnixMilli())
}

// OpenStore connects the configured backend and returns it with a rate
// limiter that keeps its counters in the same place.
func OpenStore(ctx context.Context, cfg *config.Config, log slog.Logger) (DocumentStore, RateLimiter, error) {
	switch cfg.StoreBackend {
	case config.StoreBackendRedis:
		store, err := NewRedisStore(ctx, cfg, log)
		if err != nil {
			return nil, nil, err
		}
		return store, NewRedisRateLimiter(store.Client(), nil), nil

	case config.StoreBackendDynamoDB:
		store, err := NewDynamoStore(ctx, cfg, log)
		if err != nil {
			return nil, nil, err
		}
		return store, NewDocumentRateLimiter(store, nil), nil

	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}
