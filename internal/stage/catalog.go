package stage

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/contact-sync/internal/model"
)

// Loader fetches a pipeline with its stages from the backing store.
type Loader func(ctx context.Context, pipelineID string) (*model.Pipeline, error)

const defaultCatalogTTL = 10 * time.Minute

// Catalog is a read-through cache of pipelines. Stage definitions change
// rarely, so a short TTL keeps a sync job from re-reading the same pipeline
// for every contact it processes.
type Catalog struct {
	load Loader
	ttl  time.Duration

	mu      sync.Mutex
	entries map[string]catalogEntry

	nowFunc func() time.Time
}

type catalogEntry struct {
	pipeline *model.Pipeline
	loadedAt time.Time
}

func NewCatalog(load Loader, ttl time.Duration) *Catalog {
	if ttl <= 0 {
		ttl = defaultCatalogTTL
	}
	return &Catalog{
		load:    load,
		ttl:     ttl,
		entries: make(map[string]catalogEntry),
		nowFunc: time.Now,
	}
}

// Get returns the cached pipeline, loading it on miss or expiry. A load
// failure with a stale entry present falls back to the stale copy.
func (c *Catalog) Get(ctx context.Context, pipelineID string) (*model.Pipeline, error) {
	c.mu.Lock()
	e, ok := c.entries[pipelineID]
	now := c.nowFunc()
	if ok && now.Sub(e.loadedAt) < c.ttl {
		c.mu.Unlock()
		return e.pipeline, nil
	}
	c.mu.Unlock()

	p, err := c.load(ctx, pipelineID)
	if err != nil {
		if ok {
			zap.L().Warn("pipeline refresh failed, serving stale copy",
				zap.String("pipeline_id", pipelineID),
				zap.Error(err))
			return e.pipeline, nil
		}
		return nil, err
	}

	c.mu.Lock()
	c.entries[pipelineID] = catalogEntry{pipeline: p, loadedAt: now}
	c.mu.Unlock()
	return p, nil
}

// Invalidate drops a cached pipeline, forcing a reload on next Get.
func (c *Catalog) Invalidate(pipelineID string) {
	c.mu.Lock()
	delete(c.entries, pipelineID)
	c.mu.Unlock()
}
