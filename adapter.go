package memengine

import (
	"sync/atomic"

	"github.com/kittclouds/memengine/internal/ann"
	"github.com/kittclouds/memengine/internal/store"
	"github.com/kittclouds/memengine/pkg/cache"
	"github.com/kittclouds/memengine/pkg/embedding"
)

// storeAdapter wraps store.Storer so that UpdateMemory's archived-flag
// transitions stay in sync with the ANN index the way InsertTurn and
// DeleteMemory already do inside internal/store: archiving a memory removes
// it from the index, restoring one re-adds its existing vector. Every other
// Storer method passes straight through. This lets every subsystem package
// (lifecycle, retrieval, graph, session, evaluator) depend on the same
// narrow sub-interfaces they already declare, satisfied by one shared
// adapter instance instead of each managing ANN consistency itself.
type storeAdapter struct {
	store.Storer
	ann *ann.Index
}

func newStoreAdapter(s store.Storer, idx *ann.Index) *storeAdapter {
	return &storeAdapter{Storer: s, ann: idx}
}

func (a *storeAdapter) UpdateMemory(id string, patch store.MemoryPatch) (*store.Memory, error) {
	mem, err := a.Storer.UpdateMemory(id, patch)
	if err != nil {
		return nil, err
	}

	// Keep the index's tie-break weight current. Best-effort: the entry is
	// legitimately absent while the memory is archived.
	if patch.Weight != nil && !mem.Archived {
		_ = a.ann.UpdateWeight(id, mem.Weight)
	}

	if patch.Archived == nil {
		return mem, nil
	}

	if mem.Archived {
		if err := a.ann.Remove(id); err != nil {
			return mem, err
		}
		return mem, nil
	}

	v, err := a.Storer.GetVector(id)
	if err != nil {
		return mem, err
	}
	if err := a.ann.Add(id, v.Vector, mem.Weight, mem.CreatedAt); err != nil {
		return mem, err
	}
	return mem, nil
}

// cachingEmbedder wires pkg/cache's embedding domain into the embedding
// step itself: a repeated query string resolves from cache instead of
// re-running the embedder, the way the cache tier is meant to speed up
// repeated embeddings. lastHit is read back immediately after a single
// synchronous Retrieve call to populate enhance_query's stats.cache_hit;
// concurrent EnhanceQuery calls sharing one Engine can race on it, an
// accepted imprecision for a single diagnostic boolean.
type cachingEmbedder struct {
	inner embedding.Provider
	cache *cache.Manager
	hit   atomic.Bool
}

func newCachingEmbedder(inner embedding.Provider, c *cache.Manager) *cachingEmbedder {
	return &cachingEmbedder{inner: inner, cache: c}
}

func (c *cachingEmbedder) Embed(text string) ([]float32, error) {
	if v, ok := c.cache.Get(cache.DomainEmbedding, text); ok {
		c.hit.Store(true)
		if vec, ok := v.([]float32); ok {
			return vec, nil
		}
	}
	c.hit.Store(false)
	vec, err := c.inner.Embed(text)
	if err != nil {
		return nil, err
	}
	c.cache.Put(cache.DomainEmbedding, text, vec)
	return vec, nil
}

func (c *cachingEmbedder) Dim() int     { return c.inner.Dim() }
func (c *cachingEmbedder) Name() string { return c.inner.Name() }

func (c *cachingEmbedder) lastHit() bool {
	return c.hit.Load()
}
