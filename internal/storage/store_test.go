package storage

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runStoreSuite exercises the behaviour every backend must share.
func runStoreSuite(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	t.Run("Get missing key", func(t *testing.T) {
		_, err := s.Get(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("Put and Get", func(t *testing.T) {
		require.NoError(t, s.Put(ctx, "locks/api", []byte(`{"locks":[]}`)))

		value, err := s.Get(ctx, "locks/api")
		require.NoError(t, err)
		assert.Equal(t, `{"locks":[]}`, string(value))
	})

	t.Run("Put replaces", func(t *testing.T) {
		require.NoError(t, s.Put(ctx, "usage/current/t1", []byte("v1")))
		require.NoError(t, s.Put(ctx, "usage/current/t1", []byte("v2")))

		value, err := s.Get(ctx, "usage/current/t1")
		require.NoError(t, err)
		assert.Equal(t, "v2", string(value))
	})

	t.Run("List by prefix is sorted", func(t *testing.T) {
		for _, key := range []string{
			"usage/history/t1/00000000000000000003",
			"usage/history/t1/00000000000000000001",
			"usage/history/t1/00000000000000000002",
			"usage/history/t10/00000000000000000001",
		} {
			require.NoError(t, s.Put(ctx, key, []byte("{}")))
		}

		keys, err := s.List(ctx, "usage/history/t1/")
		require.NoError(t, err)
		assert.Equal(t, []string{
			"usage/history/t1/00000000000000000001",
			"usage/history/t1/00000000000000000002",
			"usage/history/t1/00000000000000000003",
		}, keys)
	})

	t.Run("List treats wildcards literally", func(t *testing.T) {
		require.NoError(t, s.Put(ctx, "odd/a_b", []byte("1")))
		require.NoError(t, s.Put(ctx, "odd/axb", []byte("2")))
		require.NoError(t, s.Put(ctx, "odd/100%", []byte("3")))

		keys, err := s.List(ctx, "odd/a_")
		require.NoError(t, err)
		assert.Equal(t, []string{"odd/a_b"}, keys)

		keys, err = s.List(ctx, "odd/100%")
		require.NoError(t, err)
		assert.Equal(t, []string{"odd/100%"}, keys)
	})

	t.Run("List is case sensitive", func(t *testing.T) {
		require.NoError(t, s.Put(ctx, "usage/history/ACME/00000000000000000001", []byte("{}")))
		require.NoError(t, s.Put(ctx, "usage/history/acme/00000000000000000002", []byte("{}")))

		keys, err := s.List(ctx, "usage/history/acme/")
		require.NoError(t, err)
		assert.Equal(t, []string{"usage/history/acme/00000000000000000002"}, keys)

		keys, err = s.List(ctx, "usage/history/ACME/")
		require.NoError(t, err)
		assert.Equal(t, []string{"usage/history/ACME/00000000000000000001"}, keys)
	})

	t.Run("List with no matches", func(t *testing.T) {
		keys, err := s.List(ctx, "nothing/here/")
		require.NoError(t, err)
		assert.Empty(t, keys)
	})

	t.Run("Delete", func(t *testing.T) {
		require.NoError(t, s.Put(ctx, "locks/gone", []byte("x")))
		require.NoError(t, s.Delete(ctx, "locks/gone"))

		_, err := s.Get(ctx, "locks/gone")
		assert.ErrorIs(t, err, ErrNotFound)

		// Deleting again is fine.
		assert.NoError(t, s.Delete(ctx, "locks/gone"))
	})

	t.Run("Values are copied", func(t *testing.T) {
		buf := []byte("original")
		require.NoError(t, s.Put(ctx, "copy", buf))
		buf[0] = 'X'

		value, err := s.Get(ctx, "copy")
		require.NoError(t, err)
		assert.Equal(t, "original", string(value))

		value[0] = 'Y'
		again, err := s.Get(ctx, "copy")
		require.NoError(t, err)
		assert.Equal(t, "original", string(again))
	})

	t.Run("Ping", func(t *testing.T) {
		assert.NoError(t, s.Ping(ctx))
	})

	t.Run("Concurrent writers", func(t *testing.T) {
		const n = 10
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(id int) {
				defer wg.Done()
				key := fmt.Sprintf("concurrent/%02d", id)
				assert.NoError(t, s.Put(ctx, key, []byte(key)))
				_, err := s.Get(ctx, key)
				assert.NoError(t, err)
			}(i)
		}
		wg.Wait()

		keys, err := s.List(ctx, "concurrent/")
		require.NoError(t, err)
		assert.Len(t, keys, n)
	})
}
