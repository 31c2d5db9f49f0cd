package kvstore

import (
	"context"
	"errors"
)

// DefaultNamespace groups the keys the analysis session persists.
const DefaultNamespace = "$ com.bincat.bcplugin"

var ErrNotFound = errors.New("key not found")

// Store is a string keyed blob store kept alongside a project.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Has(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
	Close() error
}

// Namespaced prefixes every key with ns. Closing it closes the wrapped store.
func Namespaced(store Store, ns string) Store {
	return &namespaced{store: store, prefix: ns + ":"}
}

type namespaced struct {
	store  Store
	prefix string
}

func (n *namespaced) Get(ctx context.Context, key string) ([]byte, error) {
	return n.store.Get(ctx, n.prefix+key)
}

func (n *namespaced) Set(ctx context.Context, key string, value []byte) error {
	return n.store.Set(ctx, n.prefix+key, value)
}

func (n *namespaced) Has(ctx context.Context, key string) (bool, error) {
	return n.store.Has(ctx, n.prefix+key)
}

func (n *namespaced) Delete(ctx context.Context, key string) error {
	return n.store.Delete(ctx, n.prefix+key)
}

func (n *namespaced) Close() error {
	return n.store.Close()
}
