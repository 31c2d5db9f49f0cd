package blobscache

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/cespare/xxhash/v2"
	lru "github.com/elastic/go-freelru"

	"github.com/zhouat/bincat/pkg/logging"
)

// Store keeps blobs by content digest. Callers validate digests first.
type Store interface {
	Put(digest string, blob []byte) error
	Get(digest string) ([]byte, bool, error)
	Has(digest string) (bool, error)
	Len() int
}

func NewMemoryStore(log *logging.Logger, size uint32) Store {
	cache, err := lru.NewSynced[string, []byte](size, func(s string) uint32 {
		return uint32(xxhash.Sum64String(s)) //nolint:gosec
	})
	if err != nil {
		panic(fmt.Sprintf("creating blobs store lru: %v", err))
	}
	return &memoryStore{
		log:   log,
		cache: cache,
	}
}

type memoryStore struct {
	log   *logging.Logger
	cache lru.Cache[string, []byte]
}

func (c *memoryStore) Put(digest string, blob []byte) error {
	c.log.Debugf("adding blob to store, digest=%s, current store size=%d", digest, c.cache.Len())
	if evicted := c.cache.Add(digest, blob); evicted {
		c.log.Info("evicted old blob store entry")
	}
	return nil
}

func (c *memoryStore) Get(digest string) ([]byte, bool, error) {
	val, ok := c.cache.Get(digest)
	return val, ok, nil
}

func (c *memoryStore) Has(digest string) (bool, error) {
	return c.cache.Contains(digest), nil
}

func (c *memoryStore) Len() int {
	return c.cache.Len()
}

// NewDirStore keeps one file per blob under dir/<digest[:2]>/<digest>.
func NewDirStore(log *logging.Logger, dir string) (Store, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating blob store dir %s: %w", dir, err)
	}
	s := &dirStore{log: log, dir: dir}
	err := filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && ValidDigest(d.Name()) {
			s.count++
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning blob store dir %s: %w", dir, err)
	}
	return s, nil
}

type dirStore struct {
	log *logging.Logger
	dir string

	mu    sync.Mutex
	count int
}

func (s *dirStore) path(digest string) string {
	return filepath.Join(s.dir, digest[:2], digest)
}

func (s *dirStore) Put(digest string, blob []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.path(digest)
	if _, err := os.Stat(p); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o750); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(p), digest+".*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(blob); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		return err
	}
	s.count++
	s.log.Debugf("stored blob, digest=%s, size=%d", digest, len(blob))
	return nil
}

func (s *dirStore) Get(digest string) ([]byte, bool, error) {
	data, err := os.ReadFile(s.path(digest))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return data, true, nil
}

func (s *dirStore) Has(digest string) (bool, error) {
	_, err := os.Stat(s.path(digest))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

func (s *dirStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}
