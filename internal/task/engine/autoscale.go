package engine

import (
	"context"
	"runtime"
	"runtime/debug"
	"time"

	logx "postdeck/pkg/logx"
)

// initialPermitLimit starts conservatively and ramps up under backlog.
func initialPermitLimit(maxWorkers int) int32 {
	if maxWorkers >= 3 {
		return 2
	}
	return 1
}

func (s *Service) acquirePermit(ctx context.Context, stopCh <-chan struct{}) bool {
	ch := s.permits
	if ch == nil {
		return true
	}
	select {
	case <-ctx.Done():
		return false
	case <-stopCh:
		return false
	case <-ch:
		return true
	}
}

func (s *Service) releasePermit() {
	ch := s.permits
	if ch == nil {
		return
	}
	lim := s.permitLimit.Load()
	if lim <= 0 || int32(len(ch))+s.inFlight.Load() >= lim {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (s *Service) setPermitLimit(n int32) {
	n = min(max(n, 1), max(s.permitMax.Load(), 1))
	s.permitLimit.Store(n)

	ch := s.permits
	if ch == nil {
		return
	}
	in := s.inFlight.Load()
	avail := int32(len(ch))
	for avail+in > n {
		select {
		case <-ch:
			avail--
		default:
			return
		}
	}
	for avail+in < n {
		select {
		case ch <- struct{}{}:
			avail++
		default:
			return
		}
	}
}

// loadSignals is one autoscale observation.
type loadSignals struct {
	limit, max        int32
	queueLen, queueCp int
	inFlight, waiting int32
	heapInuse         uint64
	memLimit          int64 // <= 0 when unset
	gcPause           time.Duration
	goroutines        int
	idleTicks         int
}

// nextLimit decides the active limit: shrink fast under memory, GC or
// goroutine pressure, grow slowly on backlog, shrink by one when idle.
func nextLimit(sig loadSignals) (int32, string) {
	down := func(by int32, reason string) (int32, string) { return max(sig.limit-by, 1), reason }

	if sig.memLimit > 0 {
		h := int64(sig.heapInuse)
		switch {
		case h > sig.memLimit*85/100:
			return down(2, "mem>85%")
		case h > sig.memLimit*75/100:
			return down(1, "mem>75%")
		}
	} else {
		switch {
		case sig.heapInuse > 1024<<20:
			return down(2, "heap>1GiB")
		case sig.heapInuse > 768<<20:
			return down(1, "heap>768MiB")
		}
	}
	if sig.gcPause > 250*time.Millisecond {
		return down(1, "gc_pause")
	}
	switch {
	case sig.goroutines > 3000:
		return down(2, "goroutines>3000")
	case sig.goroutines > 1500:
		return down(1, "goroutines>1500")
	}

	if sig.idleTicks >= 3 && sig.limit > 1 {
		return sig.limit - 1, "idle"
	}
	backlog := int32(sig.queueLen) + sig.waiting
	if backlog == 0 || sig.limit >= sig.max {
		return sig.limit, ""
	}
	var bump int32
	if backlog > sig.limit {
		bump = 1
	}
	if sig.queueCp > 0 {
		ratio := float64(sig.queueLen) / float64(sig.queueCp)
		switch {
		case ratio > 0.85:
			bump = max(bump, 2)
		case ratio > 0.60:
			bump = max(bump, 1)
		}
	}
	return min(sig.limit+bump, sig.max), "backlog"
}

func (s *Service) autoscale(ctx context.Context, stopCh <-chan struct{}, queue <-chan queuedTask) {
	const (
		tickEvery    = 2 * time.Second
		upCooldown   = 6 * time.Second
		downCooldown = 3 * time.Second
		idleCooldown = 10 * time.Second
	)
	t := time.NewTicker(tickEvery)
	defer t.Stop()

	var (
		lastChange time.Time
		idleTicks  int
		ms         runtime.MemStats
		lastPause  uint64
	)
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-t.C:
		}

		runtime.ReadMemStats(&ms)
		pause := time.Duration(ms.PauseTotalNs - lastPause)
		lastPause = ms.PauseTotalNs
		memLimit := debug.SetMemoryLimit(-1)
		if memLimit >= 1<<60 {
			memLimit = 0
		}

		sig := loadSignals{
			limit:      s.permitLimit.Load(),
			max:        max(s.permitMax.Load(), 1),
			queueLen:   len(queue),
			queueCp:    cap(queue),
			inFlight:   s.inFlight.Load(),
			waiting:    s.waitingForPermit.Load(),
			heapInuse:  ms.HeapInuse,
			memLimit:   memLimit,
			gcPause:    pause,
			goroutines: runtime.NumGoroutine(),
		}
		if sig.queueLen == 0 && sig.waiting == 0 && sig.inFlight == 0 {
			idleTicks++
		} else {
			idleTicks = 0
		}
		sig.idleTicks = idleTicks

		target, reason := nextLimit(sig)
		if target == sig.limit {
			continue
		}
		cooldown := upCooldown
		switch {
		case reason == "idle":
			cooldown = idleCooldown
		case target < sig.limit:
			cooldown = downCooldown
		}
		now := time.Now()
		if !lastChange.IsZero() && now.Sub(lastChange) < cooldown {
			continue
		}
		s.setPermitLimit(target)
		lastChange = now
		if reason == "idle" {
			idleTicks = 0
		}
		s.log.Debug("taskengine.active_limit",
			logx.Int("from", int(sig.limit)),
			logx.Int("to", int(target)),
			logx.String("reason", reason),
			logx.Int("queue", sig.queueLen),
			logx.Int("inflight", int(sig.inFlight)),
			logx.Int("waiting", int(sig.waiting)))
	}
}
