package blobscache

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zhouat/bincat/pkg/logging"
)

func TestStores(t *testing.T) {
	log := logging.NewTestLog()
	dirStore, err := NewDirStore(log, t.TempDir())
	require.NoError(t, err)

	stores := map[string]Store{
		"memory": NewMemoryStore(log, 4),
		"dir":    dirStore,
	}
	for name, store := range stores {
		t.Run(name, func(t *testing.T) {
			r := require.New(t)
			data := []byte("out.ini contents")
			digest := DigestBytes(data)

			found, err := store.Has(digest)
			r.NoError(err)
			r.False(found)

			r.NoError(store.Put(digest, data))
			r.NoError(store.Put(digest, data))
			r.Equal(1, store.Len())

			got, found, err := store.Get(digest)
			r.NoError(err)
			r.True(found)
			r.Equal(data, got)

			_, found, err = store.Get(DigestBytes([]byte("other")))
			r.NoError(err)
			r.False(found)
		})
	}

	t.Run("dir store counts existing blobs", func(t *testing.T) {
		r := require.New(t)
		dir := t.TempDir()
		s, err := NewDirStore(log, dir)
		r.NoError(err)
		r.NoError(s.Put(DigestBytes([]byte("a")), []byte("a")))
		r.NoError(s.Put(DigestBytes([]byte("b")), []byte("b")))

		reopened, err := NewDirStore(log, dir)
		r.NoError(err)
		r.Equal(2, reopened.Len())
	})
}
