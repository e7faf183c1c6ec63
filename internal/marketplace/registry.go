package marketplace

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Source fetches the raw marketplace definitions document from the platform.
type Source interface {
	ListMarketplaces(ctx context.Context) (json.RawMessage, error)
}

// Registry caches marketplace definitions. The document is refreshed from
// the platform at most once per TTL and mirrored to a local file so a dead
// API still leaves a (possibly stale) catalog to work with.
type Registry struct {
	source    Source
	cacheFile string
	ttl       time.Duration
	logger    *zap.Logger

	mu          sync.RWMutex
	definitions map[string]*Definition
	fetchedAt   time.Time
}

func NewRegistry(source Source, cacheFile string, ttl time.Duration, logger *zap.Logger) *Registry {
	return &Registry{
		source:    source,
		cacheFile: cacheFile,
		ttl:       ttl,
		logger:    logger.Named("marketplace"),
	}
}

// Get returns the definition for the given marketplace name, refreshing the
// cached document when it is older than the TTL. An unknown name yields
// ErrUnknownMarketplace.
func (r *Registry) Get(ctx context.Context, name string) (*Definition, error) {
	r.mu.RLock()
	fresh := r.definitions != nil && time.Since(r.fetchedAt) < r.ttl
	def, ok := r.definitions[name]
	r.mu.RUnlock()
	if fresh {
		if !ok {
			return nil, fmt.Errorf("%q: %w", name, ErrUnknownMarketplace)
		}
		return def, nil
	}
	if err := r.refresh(ctx); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok = r.definitions[name]
	if !ok {
		return nil, fmt.Errorf("%q: %w", name, ErrUnknownMarketplace)
	}
	return def, nil
}

// refresh pulls the document from the API, falling back to the file mirror
// when the call fails and a mirror exists.
func (r *Registry) refresh(ctx context.Context) error {
	raw, err := r.source.ListMarketplaces(ctx)
	if err != nil {
		r.logger.Warn("marketplace list fetch failed, using file mirror", zap.Error(err))
		raw, err = os.ReadFile(r.cacheFile)
		if err != nil {
			return fmt.Errorf("marketplace list unavailable: %w", err)
		}
	} else {
		if err := writeFileAtomic(r.cacheFile, raw); err != nil {
			r.logger.Warn("failed to mirror marketplace list", zap.Error(err))
		}
	}
	definitions, err := Parse(raw)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.definitions = definitions
	r.fetchedAt = time.Now()
	r.mu.Unlock()
	r.logger.Info("marketplace list refreshed", zap.Int("marketplaces", len(definitions)))
	return nil
}

// writeFileAtomic writes through a temp file and renames it into place so
// readers never observe a partially written mirror.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
