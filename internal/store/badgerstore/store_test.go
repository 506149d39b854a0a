package badgerstore

import (
	"testing"

	"github.com/pliu/chattysync/internal/store"
	"github.com/stretchr/testify/require"
)

func badgerStore(t *testing.T) *BadgerStore {
	require := require.New(t)
	bs, err := New("")
	require.NoError(err)
	t.Cleanup(func() { bs.Close() })
	return bs
}

func TestBadgerPutGet(t *testing.T) {
	require := require.New(t)
	bs := badgerStore(t)

	require.NoError(bs.Put("credential", []byte("sealed")))
	v, err := bs.Get("credential")
	require.NoError(err)
	require.Equal([]byte("sealed"), v)
}

func TestBadgerDelete(t *testing.T) {
	require := require.New(t)
	bs := badgerStore(t)

	require.NoError(bs.Put("credential", []byte("sealed")))
	require.NoError(bs.Delete("credential"))
	_, err := bs.Get("credential")
	require.ErrorIs(err, store.ErrNotFound)
}

func TestBadgerPersistsAcrossReopen(t *testing.T) {
	require := require.New(t)
	dir := t.TempDir()

	bs, err := New(dir)
	require.NoError(err)
	require.NoError(bs.Put("credential", []byte("sealed")))
	require.NoError(bs.Close())

	bs, err = New(dir)
	require.NoError(err)
	defer bs.Close()
	v, err := bs.Get("credential")
	require.NoError(err)
	require.Equal([]byte("sealed"), v)
}
