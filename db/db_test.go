package db

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func backends(t *testing.T) map[string]DB {
	t.Helper()
	ldb, err := NewGoLevelDB(t.TempDir()+"/test.db", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ldb.Close() })
	return map[string]DB{
		"goleveldb": ldb,
		"memdb":     NewMemDB(),
	}
}

func TestBasicOps(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			value, err := store.Get([]byte("missing"))
			require.NoError(t, err)
			require.Nil(t, value)

			require.NoError(t, store.Set([]byte("a"), []byte("1")))
			value, err = store.Get([]byte("a"))
			require.NoError(t, err)
			require.Equal(t, []byte("1"), value)

			ok, err := store.Has([]byte("a"))
			require.NoError(t, err)
			require.True(t, ok)

			require.NoError(t, store.Delete([]byte("a")))
			ok, err = store.Has([]byte("a"))
			require.NoError(t, err)
			require.False(t, ok)
		})
	}
}

func TestIteratorRange(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			for i := 0; i < 10; i++ {
				key := []byte(fmt.Sprintf("k%d", i))
				require.NoError(t, store.Set(key, []byte{byte(i)}))
			}

			itr, err := store.Iterator([]byte("k3"), []byte("k7"))
			require.NoError(t, err)
			defer itr.Close()

			var keys []string
			for ; itr.Valid(); itr.Next() {
				keys = append(keys, string(itr.Key()))
			}
			require.NoError(t, itr.Error())
			require.Equal(t, []string{"k3", "k4", "k5", "k6"}, keys)
		})
	}
}

func TestBatchAtomic(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, store.Set([]byte("old"), []byte("x")))

			batch := store.NewBatch()
			require.NoError(t, batch.Set([]byte("new"), []byte("y")))
			require.NoError(t, batch.Delete([]byte("old")))

			// nothing applied until Write
			ok, err := store.Has([]byte("new"))
			require.NoError(t, err)
			require.False(t, ok)

			require.NoError(t, batch.Write())

			ok, err = store.Has([]byte("new"))
			require.NoError(t, err)
			require.True(t, ok)
			ok, err = store.Has([]byte("old"))
			require.NoError(t, err)
			require.False(t, ok)

			// writing twice is an error
			require.ErrorIs(t, batch.Write(), ErrClosed)
		})
	}
}

func TestBatchDiscard(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			batch := store.NewBatch()
			require.NoError(t, batch.Set([]byte("staged"), []byte("v")))
			require.NoError(t, batch.Close())
			require.ErrorIs(t, batch.Write(), ErrClosed)

			ok, err := store.Has([]byte("staged"))
			require.NoError(t, err)
			require.False(t, ok)
		})
	}
}

func TestSnapshotIsolation(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, store.Set([]byte("k"), []byte("before")))

			snap, err := store.Snapshot()
			require.NoError(t, err)
			defer snap.Release()

			require.NoError(t, store.Set([]byte("k"), []byte("after")))
			require.NoError(t, store.Set([]byte("k2"), []byte("new")))

			value, err := snap.Get([]byte("k"))
			require.NoError(t, err)
			require.Equal(t, []byte("before"), value)

			ok, err := snap.Has([]byte("k2"))
			require.NoError(t, err)
			require.False(t, ok)

			itr, err := snap.Iterator(nil, nil)
			require.NoError(t, err)
			defer itr.Close()
			count := 0
			for ; itr.Valid(); itr.Next() {
				count++
			}
			require.Equal(t, 1, count)
		})
	}
}
