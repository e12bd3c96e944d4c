package worker

import (
	"sync"
	"time"
)

// Stats holds the pool's processing counters for the health surface.
type Stats struct {
	mu            sync.Mutex
	processed     int64
	succeeded     int64
	failed        int64
	totalDuration time.Duration
}

// NewStats returns zeroed counters.
func NewStats() *Stats { return &Stats{} }

// Record adds one finished job to the counters.
func (s *Stats) Record(duration time.Duration, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processed++
	if ok {
		s.succeeded++
	} else {
		s.failed++
	}
	s.totalDuration += duration
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	Processed   int64         `json:"processed"`
	Succeeded   int64         `json:"succeeded"`
	Failed      int64         `json:"failed"`
	AvgDuration time.Duration `json:"avg_duration"`
	ErrorRate   float64       `json:"error_rate"`
}

// Snapshot returns the current counters.
func (s *Stats) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		Processed: s.processed,
		Succeeded: s.succeeded,
		Failed:    s.failed,
	}
	if s.processed > 0 {
		snap.AvgDuration = s.totalDuration / time.Duration(s.processed)
		snap.ErrorRate = float64(s.failed) / float64(s.processed)
	}
	return snap
}
