package approval

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru"
)

// InconsistencyTracker counts state inconsistencies per candidate in a
// bounded LRU so that repeat offenders can be logged louder.
type InconsistencyTracker struct {
	counts    *lru.Cache
	warnAfter int
}

func NewInconsistencyTracker(size, warnAfter int) (*InconsistencyTracker, error) {
	cache, err := lru.New(size)
	if err != nil {
		return nil, fmt.Errorf("create inconsistency cache: %w", err)
	}
	if warnAfter < 1 {
		warnAfter = 1
	}
	return &InconsistencyTracker{counts: cache, warnAfter: warnAfter}, nil
}

// Observe records one inconsistency against key and returns the running
// count and whether it has reached the warning threshold.
func (t *InconsistencyTracker) Observe(key CandidateKey) (int, bool) {
	n := 1
	if v, ok := t.counts.Get(key); ok {
		n = v.(int) + 1
	}
	t.counts.Add(key, n)
	return n, n >= t.warnAfter
}

// Forget drops the count for key, typically after the candidate is pruned.
func (t *InconsistencyTracker) Forget(key CandidateKey) {
	t.counts.Remove(key)
}

func (t *InconsistencyTracker) Len() int { return t.counts.Len() }
