package storage

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/sourcegraph/conc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testBackend checks the behaviour every Backend must share.
func testBackend(t *testing.T, newBackend func(t *testing.T) Backend) {
	ctx := context.Background()

	t.Run("round trip", func(t *testing.T) {
		b := newBackend(t)
		entry := Entry{Key: "test", Method: "GET", URL: "https://example.com/", Payload: []byte("Hello, World!")}
		require.NoError(t, b.Store(ctx, entry))

		got, ok, err := b.Get(ctx, "test")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, entry, got)
	})

	t.Run("miss is not an error", func(t *testing.T) {
		b := newBackend(t)
		_, ok, err := b.Get(ctx, "nope")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("duplicate store is rejected", func(t *testing.T) {
		b := newBackend(t)
		require.NoError(t, b.Store(ctx, Entry{Key: "k", Payload: []byte("one")}))
		err := b.Store(ctx, Entry{Key: "k", Payload: []byte("two")})
		assert.ErrorIs(t, err, ErrDuplicateKey)

		got, _, err := b.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, "one", string(got.Payload))
	})

	t.Run("update replaces", func(t *testing.T) {
		b := newBackend(t)
		require.NoError(t, b.Store(ctx, Entry{Key: "k", Method: "GET", Payload: []byte("one")}))
		require.NoError(t, b.Update(ctx, Entry{Key: "k", Method: "POST", Payload: []byte("two")}))

		got, ok, err := b.Get(ctx, "k")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "two", string(got.Payload))
		assert.Equal(t, "POST", got.Method)
	})

	t.Run("update of missing key fails", func(t *testing.T) {
		b := newBackend(t)
		err := b.Update(ctx, Entry{Key: "missing", Payload: []byte("x")})
		assert.ErrorIs(t, err, ErrNotFound)
		_, ok, _ := b.Get(ctx, "missing")
		assert.False(t, ok)
	})

	t.Run("purge is idempotent", func(t *testing.T) {
		b := newBackend(t)
		require.NoError(t, b.Purge(ctx, "absent"))
		require.NoError(t, b.Store(ctx, Entry{Key: "k", Payload: []byte("x")}))
		require.NoError(t, b.Purge(ctx, "k"))
		require.NoError(t, b.Purge(ctx, "k"))
		_, ok, err := b.Get(ctx, "k")
		require.NoError(t, err)
		assert.False(t, ok)
		// the key can be stored again after a purge
		require.NoError(t, b.Store(ctx, Entry{Key: "k", Payload: []byte("y")}))
	})

	t.Run("concurrent stores have one winner", func(t *testing.T) {
		b := newBackend(t)
		var won, lost atomic.Int32
		var wg conc.WaitGroup
		for i := 0; i < 20; i++ {
			payload := []byte(fmt.Sprintf("payload %d", i))
			wg.Go(func() {
				err := b.Store(ctx, Entry{Key: "dup", Payload: payload})
				switch {
				case err == nil:
					won.Add(1)
				case errors.Is(err, ErrDuplicateKey):
					lost.Add(1)
				default:
					t.Errorf("Unexpected error: %v", err)
				}
			})
		}
		wg.Wait()
		assert.EqualValues(t, 1, won.Load())
		assert.EqualValues(t, 19, lost.Load())
	})

	t.Run("close is idempotent", func(t *testing.T) {
		b := newBackend(t)
		assert.NoError(t, b.Close())
		assert.NoError(t, b.Close())
	})
}
