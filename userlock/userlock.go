// Package userlock provides keyed mutual exclusion for compound,
// read-modify-write sections over a single user's record.
package userlock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/keepsakebot/keepsake/metrics"
	"github.com/keepsakebot/keepsake/retry"
	log "github.com/sirupsen/logrus"
)

// ErrLockTimeout is logged when a section holds its lock beyond
// Locker.WarnAfter. It's a diagnostic: the section is never interrupted.
var ErrLockTimeout = errors.New("user lock held past its warning threshold")

// Locker serializes sections by key. Sections of distinct keys run
// independently. The zero value is ready for use.
type Locker struct {
	// WarnAfter, if non-zero, is the duration after which a section still
	// holding its lock is logged.
	WarnAfter time.Duration
	// Clock of WarnAfter.
	Clock retry.Clock

	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	sem  chan struct{} // Holds a token while locked.
	refs int           // Holders and waiters.
}

// WithLock runs |fn| while holding the lock of |key|. The lock is released
// when |fn| returns or panics. If |ctx| is done before the lock is acquired,
// WithLock returns its error without running |fn|.
func (l *Locker) WithLock(ctx context.Context, key string, fn func() error) error {
	var e = l.ref(key)

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		l.unref(key, e)
		return ctx.Err()
	}
	defer func() {
		<-e.sem
		l.unref(key, e)
	}()

	if l.WarnAfter > 0 {
		var done = make(chan struct{})
		defer close(done)
		go l.watch(key, done)
	}
	return fn()
}

// Len is the number of keys which are locked or awaited.
func (l *Locker) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func (l *Locker) ref(key string) *entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.entries == nil {
		l.entries = make(map[string]*entry)
	}
	var e, ok = l.entries[key]
	if !ok {
		e = &entry{sem: make(chan struct{}, 1)}
		l.entries[key] = e
	}
	e.refs++
	return e
}

func (l *Locker) unref(key string, e *entry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if e.refs--; e.refs == 0 {
		delete(l.entries, key)
	}
}

func (l *Locker) watch(key string, done <-chan struct{}) {
	var clock = l.Clock
	if clock == nil {
		clock = retry.SystemClock
	}

	select {
	case <-done:
	case <-clock.After(l.WarnAfter):
		metrics.UserLockSlowTotal.Inc()
		log.WithFields(log.Fields{
			"key":   key,
			"after": l.WarnAfter,
			"err":   ErrLockTimeout,
		}).Warn("slow user lock section")
	}
}
