// Package queue runs named background jobs on named queues. Jobs are
// delivered at least once: handlers must be idempotent.
package queue

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/chirpline/newsfeed/logger"
	"github.com/chirpline/newsfeed/metrics"
	"github.com/chirpline/newsfeed/resilience"
	"github.com/chirpline/newsfeed/telemetry"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrUnknownJob is returned for a job whose name has no handler. It is never
// retried.
var ErrUnknownJob = errors.New("unknown job")

// DefaultMaxRetries is the number of retries after the first attempt when a
// handler does not set its own.
const DefaultMaxRetries = 3

// Headers carry the trace context of a job.
type Headers map[string]string

func (h Headers) Get(key string) string {
	return h[key]
}

func (h Headers) Set(key string, value string) {
	h[key] = value
}

func (h Headers) Keys() []string {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	return keys
}

// Job is one unit of queued work.
type Job struct {
	ID         string  `msgpack:"id"`
	Queue      string  `msgpack:"queue"`
	Name       string  `msgpack:"name"`
	Args       []byte  `msgpack:"args"`
	Attempt    int     `msgpack:"attempt"`
	Headers    Headers `msgpack:"headers"`
	EnqueuedAt int64   `msgpack:"enqueued_at"`
	// LastError is set on jobs moved to the dead letter list.
	LastError string `msgpack:"last_error,omitempty"`
}

// NewJob encodes args into a fresh job.
func NewJob(queue, name string, args any) (*Job, error) {
	buf, err := msgpack.Marshal(args)
	if err != nil {
		return nil, errors.Wrapf(err, "error encoding args of %s", name)
	}
	return &Job{
		ID:         uuid.NewString(),
		Queue:      queue,
		Name:       name,
		Args:       buf,
		Headers:    Headers{},
		EnqueuedAt: time.Now().UnixNano(),
	}, nil
}

// Decode unpacks the job arguments into v.
func (j *Job) Decode(v any) error {
	if err := msgpack.Unmarshal(j.Args, v); err != nil {
		return resilience.Permanent(errors.Wrapf(err, "error decoding args of %s", j.Name))
	}
	return nil
}

func (j *Job) String() string {
	return fmt.Sprintf("%s[%s] on %s attempt %d", j.Name, j.ID, j.Queue, j.Attempt)
}

// Handler runs one job.
type Handler func(ctx context.Context, job *Job) error

// Typed adapts a function taking decoded arguments to a Handler.
func Typed[A any](fn func(ctx context.Context, args A) error) Handler {
	return func(ctx context.Context, job *Job) error {
		var args A
		if err := job.Decode(&args); err != nil {
			return err
		}
		return fn(ctx, args)
	}
}

// Enqueuer submits jobs.
type Enqueuer interface {
	// Enqueue submits the job name with args to queue and returns its id.
	Enqueue(ctx context.Context, queue, name string, args any) (string, error)
}

// Worker consumes queues until its context ends.
type Worker interface {
	Run(ctx context.Context, queues ...string) error
}

type HandleOption func(*route)

// WithTimeout bounds each execution of the handler.
func WithTimeout(d time.Duration) HandleOption {
	return func(r *route) { r.timeout = d }
}

// WithMaxRetries sets how often a failing job is retried before it is
// moved to the dead letter list.
func WithMaxRetries(n int) HandleOption {
	return func(r *route) { r.maxRetries = n }
}

type route struct {
	handler    Handler
	timeout    time.Duration
	maxRetries int
}

// Mux routes jobs to handlers by name. Both queue implementations execute
// jobs through a Mux.
type Mux struct {
	mu      sync.RWMutex
	routes  map[string]route
	logger  logger.Logger
	metrics metrics.Recorder
}

func NewMux(log logger.Logger, m metrics.Recorder) *Mux {
	return &Mux{
		routes:  make(map[string]route),
		logger:  log.With(map[string]interface{}{"component": "queue"}),
		metrics: metrics.OrNoop(m),
	}
}

// Handle registers h for jobs called name, replacing any earlier handler.
func (m *Mux) Handle(name string, h Handler, opts ...HandleOption) {
	r := route{handler: h, maxRetries: DefaultMaxRetries}
	for _, opt := range opts {
		opt(&r)
	}
	m.mu.Lock()
	m.routes[name] = r
	m.mu.Unlock()
}

// limits returns the longest handler time limit and the most retries of
// any route, plus the names of the routes that run without a time limit.
func (m *Mux) limits() (timeout time.Duration, retries int, unbounded []string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for name, r := range m.routes {
		if r.timeout <= 0 {
			unbounded = append(unbounded, name)
		}
		timeout = max(timeout, r.timeout)
		retries = max(retries, r.maxRetries)
	}
	sort.Strings(unbounded)
	return timeout, retries, unbounded
}

func (m *Mux) route(name string) (route, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.routes[name]
	return r, ok
}

// outcome of one execution
type outcome int

const (
	done outcome = iota
	retry
	dead
)

// execute runs job once under its handler's time limit and decides what
// happens next.
func (m *Mux) execute(ctx context.Context, job *Job) (outcome, error) {
	started := time.Now()
	ctx, log, span := telemetry.StartSpan(propagator.Extract(ctx, job.Headers), m.logger, tracer, job.Name,
		trace.WithSpanKind(trace.SpanKindConsumer))
	defer span.End()

	r, ok := m.route(job.Name)
	var err error
	if !ok {
		err = resilience.Permanent(errors.Wrapf(ErrUnknownJob, "%q", job.Name))
	} else {
		err = m.call(ctx, log, r, job)
	}

	res := done
	label := metrics.OutcomeSuccess
	switch {
	case err == nil:
		span.SetStatus(codes.Ok, "")
	case errors.Is(err, resilience.ErrPermanent) || job.Attempt >= r.maxRetries:
		res, label = dead, metrics.OutcomeDead
	default:
		res, label = retry, metrics.OutcomeRetry
	}
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
	}
	m.metrics.Job(job.Name, label, time.Since(started))
	return res, err
}

func (m *Mux) call(ctx context.Context, log logger.Logger, r route, job *Job) (err error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	defer func() {
		if p := recover(); p != nil {
			log.Error("job %s panicked: %v\n%s", job, p, debug.Stack())
			err = errors.Newf("job %s panicked: %v", job.Name, p)
		}
	}()
	if err := r.handler(ctx, job); err != nil {
		if ctx.Err() != nil && errors.Is(err, context.DeadlineExceeded) {
			return errors.Wrapf(err, "job %s exceeded its time limit", job.Name)
		}
		return err
	}
	return nil
}
