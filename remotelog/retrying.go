package remotelog

import (
	"context"
	"io"
	"time"

	"github.com/keepsakebot/keepsake/metrics"
	"github.com/keepsakebot/keepsake/retry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// RetryingLog wraps a Log, bounding each call by CallTimeout and retrying
// TransientErrors under Policy.
type RetryingLog struct {
	Log         Log
	Policy      retry.Policy
	Clock       retry.Clock
	CallTimeout time.Duration
}

// WithRetry returns a RetryingLog of |l|.
func WithRetry(l Log, policy retry.Policy, clock retry.Clock, callTimeout time.Duration) *RetryingLog {
	return &RetryingLog{Log: l, Policy: policy, Clock: clock, CallTimeout: callTimeout}
}

// List implements Log.
func (r *RetryingLog) List(ctx context.Context, pageSize int, before string) (out []Entry, err error) {
	err = r.do(ctx, "list", func(ctx context.Context) (err error) {
		out, err = r.Log.List(ctx, pageSize, before)
		return err
	})
	return
}

// Post implements Log. A retried Post may leave a duplicate Entry if an
// earlier attempt succeeded but its response was lost.
func (r *RetryingLog) Post(ctx context.Context, name string, blob []byte, caption string) (out Entry, err error) {
	err = r.do(ctx, "post", func(ctx context.Context) (err error) {
		out, err = r.Log.Post(ctx, name, blob, caption)
		return err
	})
	return
}

// Delete implements Log.
func (r *RetryingLog) Delete(ctx context.Context, id string) error {
	return r.do(ctx, "delete", func(ctx context.Context) error {
		return r.Log.Delete(ctx, id)
	})
}

// Open implements Log. Only opening the attachment is retried, and the
// returned reader isn't bound by CallTimeout.
func (r *RetryingLog) Open(ctx context.Context, e Entry) (out io.ReadCloser, err error) {
	err = retry.Do(ctx, r.clock(), r.Policy, IsTransient, func(ctx context.Context) (err error) {
		var started = time.Now()
		out, err = r.Log.Open(ctx, e)
		observe("open", started, err)
		return err
	})
	return
}

// Unwrap returns the wrapped Log.
func (r *RetryingLog) Unwrap() Log { return r.Log }

func (r *RetryingLog) do(ctx context.Context, op string, fn func(context.Context) error) error {
	return retry.Do(ctx, r.clock(), r.Policy, IsTransient, func(ctx context.Context) error {
		if r.CallTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, r.CallTimeout)
			defer cancel()
		}
		var started = time.Now()
		var err = fn(ctx)
		observe(op, started, err)

		// A call which ran out its own timeout (but not its parent's) may be retried.
		if err != nil && ctx.Err() == context.DeadlineExceeded && !IsTransient(err) {
			err = Transient(op, err)
		}
		return err
	})
}

func (r *RetryingLog) clock() retry.Clock {
	if r.Clock == nil {
		return retry.SystemClock
	}
	return r.Clock
}

func observe(op string, started time.Time, err error) {
	var status = metrics.Ok
	if err != nil {
		status = metrics.Fail
	}
	logOperationsTotal.WithLabelValues(op, status).Inc()
	logOperationDuration.WithLabelValues(op, status).Observe(time.Since(started).Seconds())
}

var (
	logOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "keepsake_log_operations_total",
		Help: "Cumulative number of remote log operations.",
	}, []string{"operation", "status"})
	logOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "keepsake_log_operation_duration_seconds",
		Help:    "Duration of remote log operations in seconds.",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~32s
	}, []string{"operation", "status"})
)
