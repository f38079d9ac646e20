package energy

import "github.com/comalice/energyflow/internal/primitives"

// cacheKey quantizes every input the energy formula reads: identical keys
// are guaranteed identical results within rounding tolerance.
type cacheKey struct {
	length int
	cert   int // certainty rounded to 2 decimals (×100)
	class  primitives.Classification
	gapMS  int // gap rounded to whole milliseconds
}

// resultCache is a bounded memo of computed components. Purely an
// optimization: on overflow the whole map is reset rather than tracking
// recency, which keeps the hot path allocation-free.
type resultCache struct {
	max     int
	entries map[cacheKey]Components
}

func newResultCache(max int) *resultCache {
	if max <= 0 {
		max = 1024
	}
	return &resultCache{max: max, entries: make(map[cacheKey]Components, max)}
}

func (rc *resultCache) get(k cacheKey) (Components, bool) {
	c, ok := rc.entries[k]
	return c, ok
}

func (rc *resultCache) put(k cacheKey, c Components) {
	if len(rc.entries) >= rc.max {
		rc.entries = make(map[cacheKey]Components, rc.max)
	}
	rc.entries[k] = c
}
