package startup

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultStatusTTL is how long a fetched label set stays fresh.
const DefaultStatusTTL = 5 * time.Second

// LabelSet is the set of loaded labels. It is never mutated after a fetch
// publishes it.
type LabelSet map[string]struct{}

func (l LabelSet) Has(label string) bool {
	_, ok := l[label]
	return ok
}

// StatusCache memoizes the loaded-label set for a TTL. Concurrent misses
// share a single fetch.
type StatusCache struct {
	fetch func(ctx context.Context) ([]string, error)
	ttl   time.Duration
	now   func() time.Time
	group singleflight.Group

	mu        sync.Mutex
	labels    LabelSet
	fetchedAt time.Time
	// gen counts invalidations. A fetch started under an older gen may
	// not store its result.
	gen uint64
}

func NewStatusCache(fetch func(ctx context.Context) ([]string, error), ttl time.Duration) *StatusCache {
	if ttl <= 0 {
		ttl = DefaultStatusTTL
	}
	return &StatusCache{fetch: fetch, ttl: ttl, now: time.Now}
}

// Labels returns the cached label set, fetching it when expired. When the
// fetch fails the last known set (possibly empty) is returned together
// with the error.
func (c *StatusCache) Labels(ctx context.Context) (LabelSet, error) {
	labels, gen, ok := c.fresh()
	if ok {
		return labels, nil
	}

	// Callers arriving after Invalidate never join a fetch that began
	// before it.
	key := "labels-" + strconv.FormatUint(gen, 10)
	v, err, _ := c.group.Do(key, func() (any, error) {
		if labels, _, ok := c.fresh(); ok {
			return labels, nil
		}
		list, err := c.fetch(ctx)
		if err != nil {
			return nil, err
		}
		set := make(LabelSet, len(list))
		for _, l := range list {
			set[l] = struct{}{}
		}
		c.mu.Lock()
		if c.gen == gen {
			c.labels = set
			c.fetchedAt = c.now()
		}
		c.mu.Unlock()
		return set, nil
	})
	if err != nil {
		c.mu.Lock()
		stale := c.labels
		c.mu.Unlock()
		if stale == nil {
			stale = LabelSet{}
		}
		return stale, fmt.Errorf("fetch loaded labels: %w", err)
	}
	return v.(LabelSet), nil
}

// Invalidate forces the next Labels call to fetch. A fetch already in
// flight still answers its own callers but is not cached.
func (c *StatusCache) Invalidate() {
	c.mu.Lock()
	old := c.gen
	c.gen++
	c.fetchedAt = time.Time{}
	c.mu.Unlock()
	c.group.Forget("labels-" + strconv.FormatUint(old, 10))
}

func (c *StatusCache) fresh() (LabelSet, uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.labels == nil || c.fetchedAt.IsZero() {
		return nil, c.gen, false
	}
	if c.now().Sub(c.fetchedAt) >= c.ttl {
		return nil, c.gen, false
	}
	return c.labels, c.gen, true
}
