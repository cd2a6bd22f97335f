package kv

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestPutGetDelete(t *testing.T) {
	store := openTestStore(t)

	err := store.Update(func(txn *Txn) error {
		require.NoError(t, txn.Put(Content, []byte("k"), []byte("v"), true))
		return nil
	})
	require.NoError(t, err)

	err = store.View(func(txn *Txn) error {
		val, err := txn.Get(Content, []byte("k"))
		require.NoError(t, err)
		assert.Equal(t, []byte("v"), val)

		absent, err := txn.Get(Content, []byte("missing"))
		require.NoError(t, err)
		assert.Nil(t, absent)
		return nil
	})
	require.NoError(t, err)

	err = store.Update(func(txn *Txn) error {
		require.NoError(t, txn.Delete(Content, []byte("k")))
		// Idempotent delete.
		require.NoError(t, txn.Delete(Content, []byte("k")))
		return nil
	})
	require.NoError(t, err)
}

func TestPutNoOverwrite(t *testing.T) {
	store := openTestStore(t)

	err := store.Update(func(txn *Txn) error {
		require.NoError(t, txn.Put(Metadata, []byte("root"), []byte("first"), false))
		require.NoError(t, txn.Put(Metadata, []byte("root"), []byte("second"), false))
		val, err := txn.Get(Metadata, []byte("root"))
		require.NoError(t, err)
		assert.Equal(t, []byte("first"), val)
		return nil
	})
	require.NoError(t, err)
}

func TestIterateAndLastKey(t *testing.T) {
	store := openTestStore(t)

	err := store.Update(func(txn *Txn) error {
		for _, k := range []string{"b", "a", "c"} {
			require.NoError(t, txn.Put(ShortIDToNode, []byte(k), []byte("n"), true))
		}
		return nil
	})
	require.NoError(t, err)

	err = store.View(func(txn *Txn) error {
		var keys []string
		require.NoError(t, txn.Iterate(ShortIDToNode, func(key, _ []byte) error {
			keys = append(keys, string(key))
			return nil
		}))
		assert.Equal(t, []string{"a", "b", "c"}, keys)

		last, err := txn.LastKey(ShortIDToNode)
		require.NoError(t, err)
		assert.Equal(t, []byte("c"), last)
		return nil
	})
	require.NoError(t, err)
}

func TestAllTablesExist(t *testing.T) {
	store := openTestStore(t)
	err := store.View(func(txn *Txn) error {
		for _, table := range Tables {
			_, err := txn.Get(table, []byte("probe"))
			assert.NoError(t, err, table)
		}
		return nil
	})
	require.NoError(t, err)
}

func TestUnmanagedTxn(t *testing.T) {
	store := openTestStore(t)

	txn, err := store.Begin(true)
	require.NoError(t, err)
	require.NoError(t, txn.Put(Content, []byte("k"), []byte("v"), true))
	require.NoError(t, txn.Commit())

	txn, err = store.Begin(true)
	require.NoError(t, err)
	require.NoError(t, txn.Put(Content, []byte("k"), []byte("other"), true))
	require.NoError(t, txn.Abort())

	err = store.View(func(txn *Txn) error {
		val, err := txn.Get(Content, []byte("k"))
		require.NoError(t, err)
		assert.Equal(t, []byte("v"), val)
		return nil
	})
	require.NoError(t, err)
}
