package stores

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/keepsakebot/keepsake/metrics"
	log "github.com/sirupsen/logrus"
)

// ActiveStore wraps a Store implementation with instrumentation and health
// checking. It implements Store.
type ActiveStore struct {
	Key   string // Store URL from which this ActiveStore was built.
	Store Store

	health struct {
		mu      sync.Mutex
		err     error // Error of last health check (nil if successful).
		checked time.Time
	}
}

// NewActiveStore returns an ActiveStore of |store|, keyed by |key|.
// Don't use this in production code: use Get() for proper initialization and caching.
func NewActiveStore(key string, store Store) *ActiveStore {
	var s = &ActiveStore{Key: key, Store: store}
	s.health.err = ErrFirstHealthCheck
	return s
}

// Provider returns the Provider of the wrapped Store.
func (s *ActiveStore) Provider() string { return s.Store.Provider() }

// IsAuthError delegates to the wrapped Store.
func (s *ActiveStore) IsAuthError(err error) bool { return s.Store.IsAuthError(err) }

// SignGet returns a pre-signed URL for GET operations with the given duration.
func (s *ActiveStore) SignGet(path string, d time.Duration) (signed string, err error) {
	defer s.observe("signget", time.Now(), &err)
	return s.Store.SignGet(path, d)
}

// Get returns an io.ReadCloser for content at the given path.
func (s *ActiveStore) Get(ctx context.Context, path string) (rc io.ReadCloser, err error) {
	defer s.observe("get", time.Now(), &err)
	return s.Store.Get(ctx, path)
}

// Put durably writes content to the store at the given path.
func (s *ActiveStore) Put(ctx context.Context, path string, content io.ReaderAt, contentLength int64, contentEncoding string) (err error) {
	defer s.observe("put", time.Now(), &err)

	if err = s.Store.Put(ctx, path, content, contentLength, contentEncoding); err == nil {
		var encoding = contentEncoding
		if encoding == "" {
			encoding = "none"
		}
		storePutBytesTotal.WithLabelValues(s.Key, encoding).Add(float64(contentLength))
	}
	return err
}

// List enumerates all objects under the given prefix.
func (s *ActiveStore) List(ctx context.Context, prefix string, callback func(path string, size int64, modTime time.Time) error) (err error) {
	defer s.observe("list", time.Now(), &err)

	var items int
	err = s.Store.List(ctx, prefix, func(path string, size int64, modTime time.Time) error {
		items++
		return callback(path, size, modTime)
	})
	storeListItems.WithLabelValues(s.Key).Observe(float64(items))
	return err
}

// Remove content at the given path.
func (s *ActiveStore) Remove(ctx context.Context, path string) (err error) {
	defer s.observe("remove", time.Now(), &err)
	return s.Store.Remove(ctx, path)
}

func (s *ActiveStore) observe(op string, started time.Time, err *error) {
	var status = metrics.Ok
	if *err != nil {
		status = metrics.Fail
	}
	storeOperationTotal.WithLabelValues(s.Key, op, status).Inc()
	storeOperationDuration.WithLabelValues(s.Key, op, status).Observe(time.Since(started).Seconds())
}

// HealthStatus returns the error of the last health check, and its time.
func (s *ActiveStore) HealthStatus() (time.Time, error) {
	s.health.mu.Lock()
	defer s.health.mu.Unlock()

	return s.health.checked, s.health.err
}

// Check the health of the store by exercising every operation which a log
// requires of it, and record the outcome for HealthStatus.
func (s *ActiveStore) Check(ctx context.Context) error {
	var err = runCheck(ctx, s.Store)

	s.health.mu.Lock()
	s.health.err, s.health.checked = err, time.Now()
	s.health.mu.Unlock()

	if err == nil {
		storeHealthCheckTotal.WithLabelValues(s.Key, metrics.Ok).Inc()
		log.WithField("store", s.Key).Info("store health check succeeded")
	} else {
		storeHealthCheckTotal.WithLabelValues(s.Key, metrics.Fail).Inc()
		log.WithFields(log.Fields{
			"store":     s.Key,
			"err":       err,
			"authError": s.Store.IsAuthError(err),
		}).Warn("store health check failed")
	}
	return err
}

// runCheck is tolerant of concurrent execution by multiple processes
// checking the same store.
func runCheck(ctx context.Context, s Store) error {
	const (
		testPath    = ".health/check"
		testContent = "health-check\n"
	)

	if err := s.Put(ctx, testPath, strings.NewReader(testContent), int64(len(testContent)), ""); err != nil {
		return fmt.Errorf("health check PUT failed: %w", err)
	}

	var rc, err = s.Get(ctx, testPath)
	if err != nil {
		return fmt.Errorf("health check GET failed: %w", err)
	}
	var buf bytes.Buffer
	_, err = io.Copy(&buf, rc)
	rc.Close()

	if err != nil {
		return fmt.Errorf("health check read failed: %w", err)
	} else if buf.String() != testContent {
		return fmt.Errorf("health check content mismatch: got %q, want %q", buf.String(), testContent)
	}

	var found bool
	if err = s.List(ctx, ".health/", func(path string, _ int64, _ time.Time) error {
		found = found || path == "check"
		return nil
	}); err != nil {
		return fmt.Errorf("health check LIST failed: %w", err)
	} else if !found {
		return fmt.Errorf("health check LIST did not find test file")
	}

	if err = s.Remove(ctx, testPath); err != nil {
		return fmt.Errorf("health check REMOVE failed: %w", err)
	}
	return nil
}

// ErrFirstHealthCheck indicates the first health check hasn't completed yet.
var ErrFirstHealthCheck = fmt.Errorf("first health check hasn't completed yet")
