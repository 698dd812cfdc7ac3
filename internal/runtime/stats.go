// Package runtime implements the UDP request dispatcher shared by every WIP
// server: a single-threaded receive loop feeding a bounded worker pool, plus
// the receive-with-id demux used by backend client stubs that share one
// outbound socket across concurrent forwarders.
package runtime

import "sync"

// Stats is the mutex-guarded request/success/error counter triplet every
// server maintains. Per the specification's explicit resolution of the
// reference implementation's inconsistent locking, every increment here
// goes through the mutex — there is no lock-free fast path.
type Stats struct {
	mu       sync.Mutex
	requests uint64
	successes uint64
	errors   uint64
}

// IncRequests records one datagram admitted to a worker.
func (s *Stats) IncRequests() {
	s.mu.Lock()
	s.requests++
	s.mu.Unlock()
}

// IncSuccess records one datagram that produced a response (or a
// successful fire-and-forget handling, e.g. a dropped undecodable packet
// with no recoverable source is not a success).
func (s *Stats) IncSuccess() {
	s.mu.Lock()
	s.successes++
	s.mu.Unlock()
}

// IncError records one datagram that ended in an error response or a drop.
func (s *Stats) IncError() {
	s.mu.Lock()
	s.errors++
	s.mu.Unlock()
}

// Snapshot is a point-in-time, non-atomic-free copy of the counters for
// reporting (e.g. Prometheus gauges, a debug log line).
type Snapshot struct {
	Requests  uint64
	Successes uint64
	Errors    uint64
}

// Snapshot returns the current counter values.
func (s *Stats) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{Requests: s.requests, Successes: s.successes, Errors: s.errors}
}
