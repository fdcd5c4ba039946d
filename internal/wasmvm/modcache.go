package wasmvm

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog/log"
)

const cacheSuffix = ".wasm.zst"

// ModuleCache keeps fetched guest modules on disk, zstd-compressed and
// keyed by source URL.
type ModuleCache struct {
	dir string
}

// NewModuleCache returns a cache rooted at dir, creating it if needed.
func NewModuleCache(dir string) (*ModuleCache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create module cache dir: %w", err)
	}
	return &ModuleCache{dir: dir}, nil
}

func (c *ModuleCache) path(url string) string {
	sum := sha256.Sum256([]byte(url))
	return filepath.Join(c.dir, hex.EncodeToString(sum[:16])+cacheSuffix)
}

// Get returns the cached module for url. A corrupt entry, or one that
// does not match a non-empty wantSHA256, is removed and reported as a miss.
func (c *ModuleCache) Get(url, wantSHA256 string) ([]byte, bool) {
	p := c.path(url)
	f, err := os.Open(p) // #nosec G304 -- path derived from a hash
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Warn().Err(err).Str("path", p).Msg("module cache read failed")
		}
		return nil, false
	}
	defer f.Close()

	zr, err := zstd.NewReader(f)
	if err != nil {
		c.evict(p, err)
		return nil, false
	}
	defer zr.Close()

	data, err := io.ReadAll(zr)
	if err != nil {
		c.evict(p, err)
		return nil, false
	}
	if err := VerifySHA256(data, wantSHA256); err != nil {
		c.evict(p, err)
		return nil, false
	}
	return data, true
}

// Put stores data for url. The entry appears atomically.
func (c *ModuleCache) Put(url string, data []byte) error {
	tmp, err := os.CreateTemp(c.dir, "module-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	zw, err := zstd.NewWriter(tmp, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	if err != nil {
		tmp.Close()
		return fmt.Errorf("create zstd writer: %w", err)
	}
	if _, err := zw.Write(data); err != nil {
		zw.Close()
		tmp.Close()
		return fmt.Errorf("compress module: %w", err)
	}
	if err := zw.Close(); err != nil {
		tmp.Close()
		return fmt.Errorf("flush zstd writer: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), c.path(url)); err != nil {
		return fmt.Errorf("commit cache entry: %w", err)
	}
	return nil
}

// CleanupOrphaned removes temp files left behind by writes that never
// committed, e.g. when a previous process died mid-download.
func (c *ModuleCache) CleanupOrphaned() (int, error) {
	matches, err := filepath.Glob(filepath.Join(c.dir, "module-*.tmp"))
	if err != nil {
		return 0, fmt.Errorf("listing module cache: %w", err)
	}

	var cleaned int
	for _, m := range matches {
		if err := os.Remove(m); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Warn().Err(err).Str("path", m).Msg("failed to remove orphaned cache file")
			continue
		}
		cleaned++
	}
	if cleaned > 0 {
		log.Info().Int("count", cleaned).Msg("cleaned up orphaned module cache files")
	}
	return cleaned, nil
}

func (c *ModuleCache) evict(path string, reason error) {
	log.Warn().Err(reason).Str("path", path).Msg("dropping module cache entry")
	_ = os.Remove(path)
}

// VerifySHA256 checks data against a hex digest. An empty digest always
// passes.
func VerifySHA256(data []byte, want string) error {
	if want == "" {
		return nil
	}
	sum := sha256.Sum256(data)
	got := hex.EncodeToString(sum[:])
	if !strings.EqualFold(got, want) {
		return fmt.Errorf("module sha256 mismatch: got %s, want %s", got, want)
	}
	return nil
}
