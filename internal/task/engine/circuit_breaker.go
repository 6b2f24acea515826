package engine

import (
	"sync"
	"time"
)

// circuitState tracks consecutive failures for one task name. Once fails
// reaches the trip threshold the circuit opens for a cooldown that doubles
// with every further failure.
type circuitState struct {
	fails       int
	openUntil   time.Time
	lastFailure time.Time
}

// expire forgets failures that are older than resetAfter.
func (st *circuitState) expire(now time.Time, resetAfter time.Duration) {
	if !st.lastFailure.IsZero() && resetAfter > 0 && now.Sub(st.lastFailure) > resetAfter {
		*st = circuitState{}
	}
}

type circuitStore struct {
	mu sync.Mutex
	m  map[string]*circuitState
}

// with runs fn on the state for key while holding the store lock.
func (s *circuitStore) with(key string, fn func(st *circuitState)) {
	if key == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.m == nil {
		s.m = make(map[string]*circuitState)
	}
	st := s.m[key]
	if st == nil {
		st = &circuitState{}
		s.m[key] = st
	}
	fn(st)
}

type circuitCfg struct {
	enabled    bool
	trip       int
	baseDelay  time.Duration
	maxDelay   time.Duration
	resetAfter time.Duration
}

// effectiveCircuitCfg expects an already normalized engine Config.
func effectiveCircuitCfg(cfg Config, opt TaskOptions) circuitCfg {
	trip := cfg.CircuitTripFailures
	if opt.CircuitTripFailures != 0 {
		trip = opt.CircuitTripFailures
	}
	if trip <= 0 {
		return circuitCfg{}
	}
	return circuitCfg{
		enabled:    true,
		trip:       trip,
		baseDelay:  cfg.CircuitBaseDelay,
		maxDelay:   cfg.CircuitMaxDelay,
		resetAfter: cfg.CircuitResetAfter,
	}
}

func (s *Service) circuitIsOpen(now time.Time, name string, cfg Config, opt TaskOptions) (open bool, until time.Time) {
	cc := effectiveCircuitCfg(cfg, opt)
	if !cc.enabled {
		return false, time.Time{}
	}
	s.circuits.with(name, func(st *circuitState) {
		st.expire(now, cc.resetAfter)
		if now.Before(st.openUntil) {
			open, until = true, st.openUntil
		}
	})
	return open, until
}

func (s *Service) circuitRecordResult(now time.Time, name string, cfg Config, opt TaskOptions, err error) {
	cc := effectiveCircuitCfg(cfg, opt)
	if !cc.enabled {
		return
	}
	s.circuits.with(name, func(st *circuitState) {
		st.expire(now, cc.resetAfter)
		if err == nil {
			*st = circuitState{}
			return
		}
		st.fails++
		st.lastFailure = now
		if st.fails < cc.trip {
			return
		}
		d := cc.baseDelay
		for i := 0; i < st.fails-cc.trip && d < cc.maxDelay; i++ {
			d *= 2
		}
		st.openUntil = now.Add(min(d, cc.maxDelay))
	})
}

func (s *Service) circuitSnapshot(now time.Time, cfg Config) (total, open int) {
	if !effectiveCircuitCfg(cfg, TaskOptions{}).enabled {
		return 0, 0
	}
	s.circuits.mu.Lock()
	defer s.circuits.mu.Unlock()
	for _, st := range s.circuits.m {
		total++
		if now.Before(st.openUntil) {
			open++
		}
	}
	return total, open
}
