// Package flush serializes publication of snapshots. A Queue runs at most one
// publish at a time, and coalesces the requests which arrive meanwhile into a
// single following cycle.
package flush

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/keepsakebot/keepsake/metrics"
	"github.com/keepsakebot/keepsake/remotelog"
	"github.com/keepsakebot/keepsake/retry"
	log "github.com/sirupsen/logrus"
)

// ErrClosed is the error of requests made after Close.
var ErrClosed = errors.New("flush queue closed")

// PublishFunc captures current state and publishes it. It's invoked once per
// attempt, so a retried attempt publishes the state of its own start.
type PublishFunc func(context.Context) error

// Queue is a save queue with at most one cycle in flight and one pending.
type Queue struct {
	// Window delays the start of each cycle, so that a burst of requests joins it.
	Window time.Duration
	// Policy bounds retries of a failed cycle.
	Policy retry.Policy
	// Clock of Window and retry delays.
	Clock retry.Clock
	// Retryable classifies failed attempts. Defaults to remotelog.IsTransient.
	Retryable func(error) bool

	publish PublishFunc
	ctx     context.Context

	mu      sync.Mutex
	pending *AsyncOperation // Next cycle, or nil if none is requested.
	running bool
	closed  bool
	idle    chan struct{} // Closed when the serving goroutine exits.
}

// NewQueue returns a Queue which publishes via |publish|. Cycles run under
// |ctx|, which should outlive callers which request flushes.
func NewQueue(ctx context.Context, publish PublishFunc, policy retry.Policy) *Queue {
	return &Queue{
		Policy:  policy,
		Clock:   retry.SystemClock,
		publish: publish,
		ctx:     ctx,
	}
}

// Request a flush. The returned OpFuture resolves with the outcome of the
// first cycle which begins after the request.
func (q *Queue) Request() OpFuture {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return FinishedOperation(ErrClosed)
	}
	metrics.FlushRequestsTotal.Inc()

	if q.pending == nil {
		q.pending = NewAsyncOperation()
	}
	if !q.running {
		q.running = true
		q.idle = make(chan struct{})
		go q.serve(q.idle)
	}
	return q.pending
}

// Flush requests a flush and waits for it. Cancellation of |ctx| abandons
// the wait but not the flush.
func (q *Queue) Flush(ctx context.Context) error {
	var op = q.Request()

	select {
	case <-op.Done():
		return op.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close the Queue to further requests, and wait for cycles already requested
// to complete or for |ctx| to be done.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	var idle = q.idle
	q.mu.Unlock()

	if idle == nil {
		return nil
	}
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) serve(idle chan struct{}) {
	defer close(idle)

	for {
		q.mu.Lock()
		if q.pending == nil {
			q.running = false
			q.mu.Unlock()
			return
		}
		q.mu.Unlock()

		if q.Window > 0 {
			select {
			case <-q.clock().After(q.Window):
			case <-q.ctx.Done():
			}
		}

		// Requests made from here on attach to the following cycle.
		q.mu.Lock()
		var op = q.pending
		q.pending = nil
		q.mu.Unlock()

		op.Resolve(q.cycle())
	}
}

func (q *Queue) cycle() error {
	var started = q.clock().Now()
	var attempts int

	var err = retry.Do(q.ctx, q.clock(), q.Policy, q.retryable, func(ctx context.Context) error {
		attempts++

		var err = q.publish(ctx)
		if err != nil {
			metrics.FlushAttemptsTotal.WithLabelValues(metrics.Fail).Inc()
		} else {
			metrics.FlushAttemptsTotal.WithLabelValues(metrics.Ok).Inc()
		}
		return err
	})

	if err != nil {
		metrics.FlushCyclesTotal.WithLabelValues(metrics.Fail).Inc()
		log.WithFields(log.Fields{
			"err":      err,
			"attempts": attempts,
		}).Error("flush failed")
	} else {
		metrics.FlushCyclesTotal.WithLabelValues(metrics.Ok).Inc()
		log.WithFields(log.Fields{
			"attempts": attempts,
			"elapsed":  q.clock().Now().Sub(started),
		}).Debug("flushed")
	}
	return err
}

func (q *Queue) clock() retry.Clock {
	if q.Clock == nil {
		return retry.SystemClock
	}
	return q.Clock
}

func (q *Queue) retryable(err error) bool {
	if q.Retryable != nil {
		return q.Retryable(err)
	}
	return remotelog.IsTransient(err)
}
