package db

import (
	"fmt"
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

// statistics tracks per-operation latency distributions for the STATS
// command (§4.G, §6). Latencies are recorded in microseconds; the
// histogram range is generous enough to cover a slow compaction-triggering
// write without saturating.
type statistics struct {
	mu                       sync.Mutex
	put, get, del, rng, load *hdrhistogram.Histogram
}

const (
	histMin        = 1
	histSigFigures = 3
)

var histMax = 10 * time.Minute.Microseconds()

func newHistogram() *hdrhistogram.Histogram {
	return hdrhistogram.New(histMin, histMax, histSigFigures)
}

func newStatistics() *statistics {
	return &statistics{
		put:  newHistogram(),
		get:  newHistogram(),
		del:  newHistogram(),
		rng:  newHistogram(),
		load: newHistogram(),
	}
}

func (s *statistics) startTimer() time.Time { return time.Now() }

func (s *statistics) record(h *hdrhistogram.Histogram, since time.Time) {
	micros := time.Since(since).Microseconds()
	if micros < histMin {
		micros = histMin
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = h.RecordValue(micros)
}

func (s *statistics) recordPut(since time.Time)    { s.record(s.put, since) }
func (s *statistics) recordGet(since time.Time)    { s.record(s.get, since) }
func (s *statistics) recordDelete(since time.Time) { s.record(s.del, since) }
func (s *statistics) recordRange(since time.Time)  { s.record(s.rng, since) }
func (s *statistics) recordLoad(since time.Time)   { s.record(s.load, since) }

func (s *statistics) report() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := ""
	for _, op := range []struct {
		name string
		h    *hdrhistogram.Histogram
	}{
		{"put", s.put},
		{"get", s.get},
		{"delete", s.del},
		{"range", s.rng},
		{"load", s.load},
	} {
		out += fmt.Sprintf("%s_us: count=%d p50=%d p99=%d max=%d\n",
			op.name, op.h.TotalCount(), op.h.ValueAtQuantile(50), op.h.ValueAtQuantile(99), op.h.Max())
	}
	return out
}
