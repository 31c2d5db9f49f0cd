package blobscache

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/cespare/xxhash/v2"
	"github.com/elastic/go-freelru"
	"github.com/minio/sha256-simd"

	"github.com/zhouat/bincat/pkg/metrics"
)

const digestLen = sha256.Size * 2

// Digest returns the lowercase hex SHA-256 of everything read from r.
func Digest(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func DigestBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ValidDigest reports whether s looks like a digest produced by Digest. Server
// routes use it before touching the store, digests end up in file names.
func ValidDigest(s string) bool {
	if len(s) != digestLen {
		return false
	}
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

type digestCacheKey string

func hashDigestCacheKey(s digestCacheKey) uint32 {
	return uint32(xxhash.Sum64String(string(s))) // nolint:gosec
}

// Digester hashes files and remembers results per path, size and modification
// time.
type Digester struct {
	cache freelru.Cache[digestCacheKey, string]
}

func NewDigester(size uint32) *Digester {
	cache, err := freelru.NewSynced[digestCacheKey, string](size, hashDigestCacheKey)
	if err != nil {
		// Only returned for a zero capacity.
		panic(fmt.Sprintf("creating digest cache: %v", err))
	}
	return &Digester{cache: cache}
}

func (d *Digester) FileDigest(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", err
	}
	key := digestCacheKey(fmt.Sprintf("%s|%d|%d", abs, info.Size(), info.ModTime().UnixNano()))
	if digest, found := d.cache.Get(key); found {
		metrics.DigestCacheHitsTotal.Inc()
		return digest, nil
	}

	f, err := os.Open(abs)
	if err != nil {
		return "", err
	}
	defer f.Close()

	digest, err := Digest(f)
	if err != nil {
		return "", fmt.Errorf("hashing %s: %w", path, err)
	}
	d.cache.Add(key, digest)
	return digest, nil
}
