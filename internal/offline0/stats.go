package offline0

import (
	"fmt"
	"math"
	"strings"
	"sync/atomic"

	"offline0/internal/dispatch"
)

type statsCollector struct {
	cache       atomic.Uint64
	network     atomic.Uint64
	passthrough atomic.Uint64
	queued      atomic.Uint64
	fallback    atomic.Uint64
	failed      atomic.Uint64
	expired     atomic.Uint64

	totalResponses atomic.Uint64
	totalRespBytes atomic.Uint64
	minRespBytes   atomic.Uint64
	maxRespBytes   atomic.Uint64
}

func newStatsCollector() *statsCollector {
	s := &statsCollector{}
	s.minRespBytes.Store(math.MaxUint64)
	return s
}

const (
	outcomeFallback = "fallback"
	outcomeFailed   = "failed"
)

// Count records one dispatched request by where its answer came from.
func (s *statsCollector) Count(source string) {
	switch source {
	case string(dispatch.SourceCache):
		s.cache.Add(1)
	case string(dispatch.SourceNetwork):
		s.network.Add(1)
	case string(dispatch.SourcePassthrough):
		s.passthrough.Add(1)
	case string(dispatch.SourceQueued):
		s.queued.Add(1)
	case outcomeFallback:
		s.fallback.Add(1)
	default:
		s.failed.Add(1)
	}
}

func (s *statsCollector) Observe(respBytes int) {
	if respBytes < 0 {
		respBytes = 0
	}
	n := uint64(respBytes)

	s.totalResponses.Add(1)
	s.totalRespBytes.Add(n)

	for {
		cur := s.minRespBytes.Load()
		if n >= cur {
			break
		}
		if s.minRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
	for {
		cur := s.maxRespBytes.Load()
		if n <= cur {
			break
		}
		if s.maxRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
}

type statsSnapshot struct {
	Cache       uint64 `json:"cache"`
	Network     uint64 `json:"network"`
	Passthrough uint64 `json:"passthrough"`
	Queued      uint64 `json:"queued"`
	Fallback    uint64 `json:"fallback"`
	Failed      uint64 `json:"failed"`
	Expired     uint64 `json:"expired"`

	TotalResponses uint64 `json:"totalResponses"`
	TotalRespBytes uint64 `json:"totalRespBytes"`
	MinRespBytes   uint64 `json:"minRespBytes"`
	MaxRespBytes   uint64 `json:"maxRespBytes"`
	AvgRespBytes   uint64 `json:"avgRespBytes"`
}

func (s *statsCollector) Snapshot() statsSnapshot {
	out := statsSnapshot{
		Cache:       s.cache.Load(),
		Network:     s.network.Load(),
		Passthrough: s.passthrough.Load(),
		Queued:      s.queued.Load(),
		Fallback:    s.fallback.Load(),
		Failed:      s.failed.Load(),
		Expired:     s.expired.Load(),
	}
	count := s.totalResponses.Load()
	if count == 0 {
		return out
	}
	minv := s.minRespBytes.Load()
	if minv == math.MaxUint64 {
		minv = 0
	}
	out.TotalResponses = count
	out.TotalRespBytes = s.totalRespBytes.Load()
	out.MinRespBytes = minv
	out.MaxRespBytes = s.maxRespBytes.Load()
	out.AvgRespBytes = out.TotalRespBytes / count
	return out
}

func formatBytes(b uint64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
	)
	if b < kb {
		return fmt.Sprintf("%db", b)
	}
	if b < mb {
		return trimFloat(fmt.Sprintf("%.1f", float64(b)/kb)) + "kb"
	}
	if b < gb {
		return trimFloat(fmt.Sprintf("%.1f", float64(b)/mb)) + "mb"
	}
	return trimFloat(fmt.Sprintf("%.1f", float64(b)/gb)) + "gb"
}

func trimFloat(s string) string {
	return strings.TrimSuffix(strings.TrimSpace(s), ".0")
}
