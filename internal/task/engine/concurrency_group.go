package engine

import (
	"strings"
	"sync"
)

// groupSemaphore caps concurrent executions for one concurrency key.
// The limit is fixed by the first task that creates the group.
type groupSemaphore struct {
	ch chan struct{}
}

func newGroupSemaphore(limit int) *groupSemaphore {
	limit = max(limit, 1)
	gs := &groupSemaphore{ch: make(chan struct{}, limit)}
	for i := 0; i < limit; i++ {
		gs.ch <- struct{}{}
	}
	return gs
}

func (g *groupSemaphore) tryAcquire() bool {
	if g == nil {
		return true
	}
	select {
	case <-g.ch:
		return true
	default:
		return false
	}
}

func (g *groupSemaphore) release() {
	if g == nil {
		return
	}
	select {
	case g.ch <- struct{}{}:
	default:
	}
}

// groupKey falls back to the task name when no key is set.
func groupKey(concurrencyKey, name string) string {
	if k := strings.TrimSpace(concurrencyKey); k != "" {
		return k
	}
	return strings.TrimSpace(name)
}

type groupLimiterStore struct {
	mu     sync.Mutex
	groups map[string]*groupSemaphore
}

func (s *groupLimiterStore) get(key string, limit int) *groupSemaphore {
	if limit <= 0 || key == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.groups == nil {
		s.groups = make(map[string]*groupSemaphore)
	}
	gs := s.groups[key]
	if gs == nil {
		gs = newGroupSemaphore(limit)
		s.groups[key] = gs
	}
	return gs
}
