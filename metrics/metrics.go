// Package metrics defines the observability hooks used by the cache layers,
// the task queue and the fan-out pipeline, plus a Prometheus adapter.
package metrics

import "time"

// Cache layer labels.
const (
	LayerObject  = "object"
	LayerCounter = "counter"
	LayerList    = "list"
)

// Job outcome labels.
const (
	OutcomeSuccess = "success"
	OutcomeRetry   = "retry"
	OutcomeDead    = "dead"
)

// Recorder receives events from the pipeline. Implementations must be safe
// for concurrent use.
type Recorder interface {
	// CacheHit records a lookup served by the cache layer.
	CacheHit(layer string)
	// CacheMiss records a lookup that went to the durable store.
	CacheMiss(layer string)
	// CacheError records a cache store failure that was bypassed.
	CacheError(layer string)
	// Job records one finished job execution.
	Job(name string, outcome string, elapsed time.Duration)
	// Memberships records timeline rows written by a fan-out batch and how
	// many already existed.
	Memberships(created int, existing int)
}

// Noop discards everything.
type Noop struct{}

func (Noop) CacheHit(string)                    {}
func (Noop) CacheMiss(string)                   {}
func (Noop) CacheError(string)                  {}
func (Noop) Job(string, string, time.Duration)  {}
func (Noop) Memberships(int, int)               {}

var _ Recorder = Noop{}

// OrNoop returns r, or Noop when r is nil.
func OrNoop(r Recorder) Recorder {
	if r == nil {
		return Noop{}
	}
	return r
}
