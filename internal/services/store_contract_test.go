package services_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"community-wager-backend/internal/services"
)

// testDocumentStore runs the behaviour every DocumentStore backend has to
// share against store. Each case uses its own collections.
func testDocumentStore(t *testing.T, store services.DocumentStore) {
	ctx := context.Background()

	t.Run("get set delete", func(t *testing.T) {
		_, err := store.Get(ctx, "things/a")
		assert.ErrorIs(t, err, services.ErrNotFound)

		require.NoError(t, store.Set(ctx, "things/a", []byte("one"), 1))
		require.NoError(t, store.Set(ctx, "things/b", []byte("two"), 2))

		got, err := store.Get(ctx, "things/a")
		require.NoError(t, err)
		assert.Equal(t, "one", string(got))

		n, err := store.CountChildren(ctx, "things")
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)

		require.NoError(t, store.Delete(ctx, "things/a"))
		_, err = store.Get(ctx, "things/a")
		assert.ErrorIs(t, err, services.ErrNotFound)

		n, err = store.CountChildren(ctx, "things")
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
	})

	t.Run("children order and paging", func(t *testing.T) {
		for i, key := range []string{"c", "a", "b"} {
			require.NoError(t, store.Set(ctx, "coll/"+key, []byte(key), float64(i)))
		}

		docs, err := store.Children(ctx, "coll", 0, 0, false)
		require.NoError(t, err)
		require.Len(t, docs, 3)
		assert.Equal(t, []string{"c", "a", "b"}, []string{docs[0].Key, docs[1].Key, docs[2].Key})
		assert.Equal(t, "coll/c", docs[0].Path)
		assert.Equal(t, "c", string(docs[0].Value))

		docs, err = store.Children(ctx, "coll", 1, 1, true)
		require.NoError(t, err)
		require.Len(t, docs, 1)
		assert.Equal(t, "a", docs[0].Key)

		docs, err = store.Children(ctx, "coll", 10, 5, false)
		require.NoError(t, err)
		assert.Empty(t, docs)
	})

	t.Run("update", func(t *testing.T) {
		err := store.Update(ctx, "counters/x", 5, func(current []byte) ([]byte, error) {
			assert.Nil(t, current)
			return []byte("1"), nil
		})
		require.NoError(t, err)

		// nil leaves the document alone
		require.NoError(t, store.Update(ctx, "counters/x", 0, func([]byte) ([]byte, error) {
			return nil, nil
		}))
		got, err := store.Get(ctx, "counters/x")
		require.NoError(t, err)
		assert.Equal(t, "1", string(got))

		sentinel := errors.New("stop")
		err = store.Update(ctx, "counters/x", 0, func([]byte) ([]byte, error) {
			return []byte("2"), sentinel
		})
		assert.ErrorIs(t, err, sentinel)
		got, err = store.Get(ctx, "counters/x")
		require.NoError(t, err)
		assert.Equal(t, "1", string(got))

		require.NoError(t, store.Update(ctx, "counters/x", 9, func(current []byte) ([]byte, error) {
			assert.Equal(t, "1", string(current))
			return []byte("2"), nil
		}))

		docs, err := store.Children(ctx, "counters", 0, 0, false)
		require.NoError(t, err)
		require.Len(t, docs, 1)
		assert.Equal(t, float64(5), docs[0].Order)
		assert.Equal(t, "2", string(docs[0].Value))
	})

	t.Run("concurrent updates do not lose writes", func(t *testing.T) {
		const workers = 8
		var wg sync.WaitGroup
		errs := make(chan error, workers)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				errs <- store.Update(ctx, "tallies/n", 0, func(current []byte) ([]byte, error) {
					return append(current, 'x'), nil
				})
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		got, err := store.Get(ctx, "tallies/n")
		require.NoError(t, err)
		assert.Len(t, got, workers)
	})

	t.Run("log", func(t *testing.T) {
		for _, line := range []string{"a", "b", "c"} {
			require.NoError(t, store.Append(ctx, "logs/x", []byte(line)))
		}

		all, err := store.ReadLog(ctx, "logs/x", 0)
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, "a", string(all[0]))

		tail, err := store.ReadLog(ctx, "logs/x", 2)
		require.NoError(t, err)
		require.Len(t, tail, 2)
		assert.Equal(t, "b", string(tail[0]))
		assert.Equal(t, "c", string(tail[1]))

		empty, err := store.ReadLog(ctx, "logs/none", 0)
		require.NoError(t, err)
		assert.Empty(t, empty)
	})

	t.Run("ping", func(t *testing.T) {
		require.NoError(t, store.Ping(ctx))
	})
}
