package observe

import (
	"math"
	"sync/atomic"
)

// SizeStats tracks min/avg/max of response bodies served by the gateway.
type SizeStats struct {
	total atomic.Uint64
	bytes atomic.Uint64
	min   atomic.Uint64
	max   atomic.Uint64
}

func NewSizeStats() *SizeStats {
	s := &SizeStats{}
	s.min.Store(math.MaxUint64)
	return s
}

func (s *SizeStats) Observe(n int) {
	if n < 0 {
		n = 0
	}
	v := uint64(n)
	s.total.Add(1)
	s.bytes.Add(v)

	for {
		cur := s.min.Load()
		if v >= cur || s.min.CompareAndSwap(cur, v) {
			break
		}
	}
	for {
		cur := s.max.Load()
		if v <= cur || s.max.CompareAndSwap(cur, v) {
			break
		}
	}
}

type SizeSnapshot struct {
	Count uint64
	Bytes uint64
	Min   uint64
	Max   uint64
	Avg   uint64
}

func (s *SizeStats) Snapshot() SizeSnapshot {
	count := s.total.Load()
	if count == 0 {
		return SizeSnapshot{}
	}
	total := s.bytes.Load()
	return SizeSnapshot{
		Count: count,
		Bytes: total,
		Min:   s.min.Load(),
		Max:   s.max.Load(),
		Avg:   total / count,
	}
}
