package bridge

import (
	"sync"

	"github.com/jaennil/guide_helper/backend/bridge/pkg/logger"
)

type SizeSnapshot struct {
	Count int64
	Total int64
	Max   int64
}

// SizeStats tallies compressed vector tiles above a byte threshold.
type SizeStats struct {
	threshold int

	mu    sync.Mutex
	count int64
	total int64
	max   int64
}

func NewSizeStats(threshold int) *SizeStats {
	return &SizeStats{threshold: threshold}
}

// Observe counts size if it is above the threshold and reports whether it did.
func (s *SizeStats) Observe(size int) bool {
	if s == nil || s.threshold <= 0 || size <= s.threshold {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.count++
	s.total += int64(size)
	if int64(size) > s.max {
		s.max = int64(size)
	}
	return true
}

func (s *SizeStats) Snapshot() SizeSnapshot {
	if s == nil {
		return SizeSnapshot{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return SizeSnapshot{Count: s.count, Total: s.total, Max: s.max}
}

// Flush logs the tallies and resets them.
func (s *SizeStats) Flush(l logger.Logger) SizeSnapshot {
	if s == nil {
		return SizeSnapshot{}
	}

	s.mu.Lock()
	snap := SizeSnapshot{Count: s.count, Total: s.total, Max: s.max}
	s.count, s.total, s.max = 0, 0, 0
	s.mu.Unlock()

	if snap.Count > 0 {
		avg := snap.Total / snap.Count
		l.Info("oversized vector tiles",
			"threshold", s.threshold,
			"count", snap.Count,
			"total_bytes", snap.Total,
			"avg_bytes", avg,
			"max_bytes", snap.Max,
		)
	}

	return snap
}
