package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultCacheTTL is how long a loaded config is served before reloading.
const DefaultCacheTTL = 30 * time.Second

// Source supplies the current configuration. Callers that must observe an
// operator change immediately pass bypassCache=true.
type Source interface {
	Get(ctx context.Context, bypassCache bool) (Config, error)
}

// Provider caches a loader's result for a TTL.
type Provider struct {
	load func() (Config, error)
	ttl  time.Duration
	path string

	mu       sync.Mutex
	cached   Config
	loadedAt time.Time
	valid    bool // cached holds a successful load
	stale    bool
	now      func() time.Time
}

// NewProvider returns a Provider backed by the config file at path.
func NewProvider(path string, ttl time.Duration) *Provider {
	p := NewProviderFunc(func() (Config, error) { return loadFromPath(path) }, ttl)
	p.path = path
	return p
}

// NewProviderFunc returns a Provider backed by an arbitrary loader.
func NewProviderFunc(load func() (Config, error), ttl time.Duration) *Provider {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Provider{load: load, ttl: ttl, now: time.Now}
}

func (p *Provider) Get(_ context.Context, bypassCache bool) (Config, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !bypassCache && p.valid && !p.stale && p.now().Sub(p.loadedAt) < p.ttl {
		return p.cached, nil
	}
	cfg, err := p.load()
	if err != nil {
		if p.valid {
			slog.Warn("config reload failed, serving cached config", "error", err)
			return p.cached, nil
		}
		return Config{}, err
	}
	p.cached = cfg
	p.loadedAt = p.now()
	p.valid = true
	p.stale = false
	return cfg, nil
}

// Invalidate forces the next Get to reload. The previous config is still
// served if that reload fails.
func (p *Provider) Invalidate() {
	p.mu.Lock()
	p.stale = true
	p.mu.Unlock()
}

// Watch invalidates the cache whenever the config file is written, created,
// renamed or removed. It blocks until ctx is done.
func (p *Provider) Watch(ctx context.Context) error {
	if p.path == "" {
		<-ctx.Done()
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating config watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory so editors that replace the file are still seen.
	dir := filepath.Dir(p.path)
	if err := watcher.Add(dir); err != nil {
		slog.Warn("config watch unavailable", "dir", dir, "error", err)
		<-ctx.Done()
		return nil
	}

	name := filepath.Clean(p.path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != name {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			slog.Debug("config file changed", "path", event.Name, "op", event.Op.String())
			p.Invalidate()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("config watcher error", "error", err)
		}
	}
}

type static struct{ cfg Config }

// Static returns a Source that always yields cfg.
func Static(cfg Config) Source { return static{cfg: cfg} }

func (s static) Get(context.Context, bool) (Config, error) { return s.cfg, nil }
