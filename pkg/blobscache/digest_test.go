package blobscache

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDigest(t *testing.T) {
	t.Run("known value", func(t *testing.T) {
		r := require.New(t)
		d, err := Digest(strings.NewReader("abc"))
		r.NoError(err)
		r.Equal("ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", d)
		r.Equal(d, DigestBytes([]byte("abc")))
		r.True(ValidDigest(d))
	})

	t.Run("valid digest", func(t *testing.T) {
		r := require.New(t)
		r.False(ValidDigest(""))
		r.False(ValidDigest(strings.Repeat("A", 64)))
		r.False(ValidDigest(strings.Repeat("a", 63)))
		r.False(ValidDigest("../" + strings.Repeat("a", 61)))
	})

	t.Run("file digest follows content changes", func(t *testing.T) {
		r := require.New(t)
		p := filepath.Join(t.TempDir(), "bin")
		r.NoError(os.WriteFile(p, []byte("v1"), 0o600))

		d := NewDigester(8)
		first, err := d.FileDigest(p)
		r.NoError(err)
		again, err := d.FileDigest(p)
		r.NoError(err)
		r.Equal(first, again)

		r.NoError(os.WriteFile(p, []byte("v2 longer"), 0o600))
		r.NoError(os.Chtimes(p, time.Now(), time.Now().Add(time.Minute)))
		changed, err := d.FileDigest(p)
		r.NoError(err)
		r.NotEqual(first, changed)
		r.Equal(DigestBytes([]byte("v2 longer")), changed)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := NewDigester(8).FileDigest(filepath.Join(t.TempDir(), "missing"))
		require.Error(t, err)
	})
}
