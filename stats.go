package cpclient

import (
	"fmt"
	"sync"
	"time"

	tdigest "github.com/caio/go-tdigest"
)

// RouterStats summarizes the invocations a client has made.
type RouterStats struct {
	Invocations int64
	Retries     int64
	Failures    int64
	Timeouts    int64

	// latency quantiles over every send attempt.
	P50  time.Duration
	P99  time.Duration
	P999 time.Duration
}

func (s *RouterStats) String() string {
	return fmt.Sprintf("RouterStats{Invocations:%v, Retries:%v, Failures:%v, Timeouts:%v, p50:%v, p99:%v, p99.9:%v}",
		s.Invocations, s.Retries, s.Failures, s.Timeouts, s.P50, s.P99, s.P999)
}

type invocationStats struct {
	mut         sync.Mutex
	td          *tdigest.TDigest
	invocations int64
	retries     int64
	failures    int64
	timeouts    int64
}

func newInvocationStats() *invocationStats {
	td, err := tdigest.New(tdigest.Compression(100))
	panicOn(err)
	return &invocationStats{td: td}
}

func (s *invocationStats) sent(elap time.Duration) {
	s.mut.Lock()
	defer s.mut.Unlock()
	err := s.td.Add(float64(elap)) // nanoseconds
	panicOn(err)
}

func (s *invocationStats) count(retried bool, err error) {
	s.mut.Lock()
	defer s.mut.Unlock()
	s.invocations++
	if retried {
		s.retries++
	}
	if err != nil {
		s.failures++
		if isCtxErr(err) {
			s.timeouts++
		}
	}
}

func (s *invocationStats) snapshot() *RouterStats {
	s.mut.Lock()
	defer s.mut.Unlock()
	r := &RouterStats{
		Invocations: s.invocations,
		Retries:     s.retries,
		Failures:    s.failures,
		Timeouts:    s.timeouts,
	}
	if s.td.Count() > 0 {
		r.P50 = time.Duration(s.td.Quantile(0.50))
		r.P99 = time.Duration(s.td.Quantile(0.99))
		r.P999 = time.Duration(s.td.Quantile(0.999))
	}
	return r
}
