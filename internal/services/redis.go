package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/decred/slog"
	"github.com/redis/go-redis/v9"

	"community-wager-backend/internal/config"
)

// RedisStore keeps every document as a string key named by its path. Each
// collection has a sorted set of child keys ordered by the document's order.
type RedisStore struct {
	client *redis.Client
	log    slog.Logger
}

func NewRedisStore(ctx context.Context, cfg *config.Config, log slog.Logger) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisURL,
		Password: cfg.RedisPass,
		DB:       cfg.RedisDB,
	})

	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewRedisStoreFromClient(client, log), nil
}

func NewRedisStoreFromClient(client *redis.Client, log slog.Logger) *RedisStore {
	return &RedisStore{client: client, log: log}
}

func (s *RedisStore) Client() *redis.Client {
	return s.client
}

func (s *RedisStore) Get(ctx context.Context, path string) ([]byte, error) {
	data, err := s.client.Get(ctx, path).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", path, err)
	}
	return data, nil
}

func (s *RedisStore) Set(ctx context.Context, path string, value []byte, order float64) error {
	parent, key := splitPath(path)

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, path, value, 0)
		pipe.ZAdd(ctx, fmt.Sprintf(keyChildren, parent), redis.Z{Score: order, Member: key})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to set %s: %w", path, err)
	}
	return nil
}

// Update runs fn under WATCH so the read and the write form one optimistic
// transaction. A concurrent write to path makes EXEC fail and fn is re-run
// against the fresh value.
func (s *RedisStore) Update(ctx context.Context, path string, order float64, fn UpdateFunc) error {
	parent, key := splitPath(path)
	childrenKey := fmt.Sprintf(keyChildren, parent)

	txf := func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, path).Bytes()
		if errors.Is(err, redis.Nil) {
			current = nil
		} else if err != nil {
			return fmt.Errorf("failed to read %s: %w", path, err)
		}

		next, err := fn(current)
		if err != nil {
			return err
		}
		if next == nil {
			return nil
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, path, next, 0)
			pipe.ZAddNX(ctx, childrenKey, redis.Z{Score: order, Member: key})
			return nil
		})
		return err
	}

	for attempt := 0; attempt < maxUpdateRetries; attempt++ {
		err := s.client.Watch(ctx, txf, path)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
		s.log.Tracef("Update of %s lost a race (attempt %d), retrying", path, attempt+1)
		if err := sleepCtx(ctx, retryBackoff(attempt)); err != nil {
			return err
		}
	}

	return fmt.Errorf("update %s: %w", path, ErrConflict)
}

func (s *RedisStore) Children(ctx context.Context, parent string, offset, limit int64, newestFirst bool) ([]Document, error) {
	childrenKey := fmt.Sprintf(keyChildren, parent)

	stop := int64(-1)
	if limit > 0 {
		stop = offset + limit - 1
	}

	var members []redis.Z
	var err error
	if newestFirst {
		members, err = s.client.ZRevRangeWithScores(ctx, childrenKey, offset, stop).Result()
	} else {
		members, err = s.client.ZRangeWithScores(ctx, childrenKey, offset, stop).Result()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", parent, err)
	}
	if len(members) == 0 {
		return []Document{}, nil
	}

	paths := make([]string, len(members))
	for i, m := range members {
		paths[i] = parent + "/" + m.Member.(string)
	}

	values, err := s.client.MGet(ctx, paths...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", parent, err)
	}

	docs := make([]Document, 0, len(values))
	for i, v := range values {
		str, ok := v.(string)
		if !ok {
			// Registered in the collection but the value is gone.
			continue
		}
		docs = append(docs, Document{
			Path:  paths[i],
			Key:   members[i].Member.(string),
			Value: []byte(str),
			Order: members[i].Score,
		})
	}

	return docs, nil
}

func (s *RedisStore) CountChildren(ctx context.Context, parent string) (int64, error) {
	n, err := s.client.ZCard(ctx, fmt.Sprintf(keyChildren, parent)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", parent, err)
	}
	return n, nil
}

func (s *RedisStore) Delete(ctx context.Context, path string) error {
	parent, key := splitPath(path)

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, path)
		pipe.ZRem(ctx, fmt.Sprintf(keyChildren, parent), key)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", path, err)
	}
	return nil
}

func (s *RedisStore) Append(ctx context.Context, path string, value []byte) error {
	if err := s.client.RPush(ctx, fmt.Sprintf(keyLog, path), value).Err(); err != nil {
		return fmt.Errorf("failed to append to %s: %w", path, err)
	}
	return nil
}

func (s *RedisStore) ReadLog(ctx context.Context, path string, limit int64) ([][]byte, error) {
	start := int64(0)
	if limit > 0 {
		start = -limit
	}

	items, err := s.client.LRange(ctx, fmt.Sprintf(keyLog, path), start, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read log %s: %w", path, err)
	}

	out := make([][]byte, len(items))
	for i, item := range items {
		out[i] = []byte(item)
	}
	return out, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
