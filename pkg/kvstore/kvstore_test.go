package kvstore

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/zhouat/bincat/pkg/logging"
)

func testStore(t *testing.T, store Store) {
	ctx := context.Background()
	r := require.New(t)

	found, err := store.Has(ctx, "out.ini")
	r.NoError(err)
	r.False(found)

	_, err = store.Get(ctx, "out.ini")
	r.ErrorIs(err, ErrNotFound)

	r.NoError(store.Set(ctx, "out.ini", []byte("[node = 0]\n")))
	r.NoError(store.Set(ctx, "empty", []byte{}))

	value, err := store.Get(ctx, "out.ini")
	r.NoError(err)
	r.Equal("[node = 0]\n", string(value))

	found, err = store.Has(ctx, "empty")
	r.NoError(err)
	r.True(found)

	r.NoError(store.Set(ctx, "out.ini", []byte("v2")))
	value, err = store.Get(ctx, "out.ini")
	r.NoError(err)
	r.Equal("v2", string(value))

	r.NoError(store.Delete(ctx, "out.ini"))
	found, err = store.Has(ctx, "out.ini")
	r.NoError(err)
	r.False(found)
}

func TestBadger(t *testing.T) {
	log := logging.NewTestLog()

	t.Run("in memory", func(t *testing.T) {
		store, err := OpenBadger(log, InMemoryBadgerConfig())
		require.NoError(t, err)
		defer store.Close()
		testStore(t, store)
	})

	t.Run("persists across reopen", func(t *testing.T) {
		r := require.New(t)
		ctx := context.Background()
		dir := t.TempDir()

		store, err := OpenBadger(log, DefaultBadgerConfig(dir))
		r.NoError(err)
		r.NoError(store.Set(ctx, "current_ea", []byte("0x1000")))
		r.NoError(store.Close())

		store, err = OpenBadger(log, DefaultBadgerConfig(dir))
		r.NoError(err)
		defer store.Close()
		value, err := store.Get(ctx, "current_ea")
		r.NoError(err)
		r.Equal("0x1000", string(value))
	})

	t.Run("path required", func(t *testing.T) {
		_, err := OpenBadger(log, BadgerConfig{})
		require.Error(t, err)
	})
}

func TestNamespaced(t *testing.T) {
	r := require.New(t)
	ctx := context.Background()
	inner, err := OpenBadger(logging.NewTestLog(), InMemoryBadgerConfig())
	r.NoError(err)
	defer inner.Close()

	testStore(t, Namespaced(inner, DefaultNamespace))

	a := Namespaced(inner, "a")
	b := Namespaced(inner, "b")
	r.NoError(a.Set(ctx, "k", []byte("1")))
	found, err := b.Has(ctx, "k")
	r.NoError(err)
	r.False(found)

	raw, err := inner.Get(ctx, "a:k")
	r.NoError(err)
	r.Equal("1", string(raw))
}

func TestRedis(t *testing.T) {
	addr := os.Getenv("BINCAT_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("BINCAT_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{
		Addr:        addr,
		DialTimeout: 3 * time.Second,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, client.Ping(ctx).Err())

	store := Namespaced(NewRedis(client), "bincat-test-"+t.Name())
	defer store.Close()
	testStore(t, store)
}
