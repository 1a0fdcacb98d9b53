package dconfig

import (
	"sort"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
)

// DefaultSyncInterval is how long writes are collected before a flush.
const DefaultSyncInterval = time.Second

// syncCoalescer collects caches that need persisting and flushes them as one
// batch per interval. It is only touched from the dispatcher loop.
type syncCoalescer struct {
	loop     *loop
	interval time.Duration
	pending  mapset.Set[SyncKey]
	timer    *time.Timer
	onFlush  func([]SyncKey)
}

func newSyncCoalescer(l *loop, interval time.Duration, onFlush func([]SyncKey)) *syncCoalescer {
	return &syncCoalescer{
		loop:     l,
		interval: interval,
		pending:  mapset.NewThreadUnsafeSet[SyncKey](),
		onFlush:  onFlush,
	}
}

// push adds key to the pending batch and arms the flush if needed.
func (s *syncCoalescer) push(key SyncKey) {
	s.pending.Add(key)
	if s.timer != nil {
		return
	}
	s.timer = s.loop.afterFunc(s.interval, s.flush)
}

func (s *syncCoalescer) flush() {
	s.timer = nil
	batch := s.drain()
	if len(batch) == 0 {
		return
	}
	s.onFlush(batch)
}

func (s *syncCoalescer) drain() []SyncKey {
	batch := s.pending.ToSlice()
	s.pending.Clear()
	sort.Slice(batch, func(i, j int) bool { return batch[i].less(batch[j]) })
	return batch
}

func (s *syncCoalescer) stop() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.pending.Clear()
}
