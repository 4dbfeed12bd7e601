package storage_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trackkit/mixpanel/pkg/storage"
)

func TestMemoryStore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("missing key returns ErrKeyNotFound", func(t *testing.T) {
		t.Parallel()
		s := storage.NewMemoryStore()

		_, err := s.GetItem(ctx, "missing")
		assert.ErrorIs(t, err, storage.ErrKeyNotFound)
	})

	t.Run("set then get round-trips", func(t *testing.T) {
		t.Parallel()
		s := storage.NewMemoryStore()

		require.NoError(t, s.SetItem(ctx, "k", "v"))
		v, err := s.GetItem(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, "v", v)
	})

	t.Run("set overwrites previous value", func(t *testing.T) {
		t.Parallel()
		s := storage.NewMemoryStore()

		require.NoError(t, s.SetItem(ctx, "k", "first"))
		require.NoError(t, s.SetItem(ctx, "k", "second"))
		v, err := s.GetItem(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, "second", v)
	})

	t.Run("remove deletes key", func(t *testing.T) {
		t.Parallel()
		s := storage.NewMemoryStore()

		require.NoError(t, s.SetItem(ctx, "k", "v"))
		require.NoError(t, s.RemoveItem(ctx, "k"))
		_, err := s.GetItem(ctx, "k")
		assert.ErrorIs(t, err, storage.ErrKeyNotFound)
	})

	t.Run("remove of missing key is not an error", func(t *testing.T) {
		t.Parallel()
		s := storage.NewMemoryStore()
		assert.NoError(t, s.RemoveItem(ctx, "missing"))
	})

	t.Run("empty key is rejected", func(t *testing.T) {
		t.Parallel()
		s := storage.NewMemoryStore()

		_, err := s.GetItem(ctx, "")
		assert.ErrorIs(t, err, storage.ErrEmptyKey)
		assert.ErrorIs(t, s.SetItem(ctx, "", "v"), storage.ErrEmptyKey)
		assert.ErrorIs(t, s.RemoveItem(ctx, ""), storage.ErrEmptyKey)
	})

	t.Run("canceled context is respected", func(t *testing.T) {
		t.Parallel()
		s := storage.NewMemoryStore()
		canceled, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := s.GetItem(canceled, "k")
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("concurrent access is safe", func(t *testing.T) {
		t.Parallel()
		s := storage.NewMemoryStore()

		var wg sync.WaitGroup
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func(n int) {
				defer wg.Done()
				key := string(rune('a' + n%26))
				_ = s.SetItem(ctx, key, "v")
				_, _ = s.GetItem(ctx, key)
			}(i)
		}
		wg.Wait()
	})
}
