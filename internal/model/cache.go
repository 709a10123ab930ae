package model

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/GriffinCanCode/voice-capture/internal/trace"
)

// Cache keeps at most one loaded model per name for the process lifetime.
// Concurrent GetOrLoad calls for the same unloaded name share one load;
// failed loads are not cached, so the next call retries.
type Cache struct {
	loader Loader
	group  singleflight.Group

	mu     sync.RWMutex
	models map[string]Transcriber
}

// NewCache creates a cache backed by the given loader.
func NewCache(loader Loader) *Cache {
	return &Cache{
		loader: loader,
		models: make(map[string]Transcriber),
	}
}

// GetOrLoad returns the resident model or loads it, blocking until done.
func (c *Cache) GetOrLoad(ctx context.Context, name string) (Transcriber, error) {
	c.mu.RLock()
	m, ok := c.models[name]
	c.mu.RUnlock()
	if ok {
		return m, nil
	}

	v, err, _ := c.group.Do(name, func() (any, error) {
		// A finished load may have landed while we queued.
		c.mu.RLock()
		m, ok := c.models[name]
		c.mu.RUnlock()
		if ok {
			return m, nil
		}

		ctx, span := trace.StartSpan(ctx, "model_load")
		span.SetAttr("model", name)
		defer func() {
			span.End()
			trace.Logger(ctx).Info("model load finished", "span", span)
		}()

		loaded, err := c.loader(ctx, name)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		c.models[name] = loaded
		c.mu.Unlock()
		return loaded, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(Transcriber), nil
}

// Loaded returns the names of resident models.
func (c *Cache) Loaded() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.models))
	for name := range c.models {
		names = append(names, name)
	}
	return names
}

// Close releases every resident model.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for name, m := range c.models {
		_ = m.Close()
		delete(c.models, name)
	}
}
