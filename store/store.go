// Package store holds the records of all users in memory, hydrated from the
// newest snapshot of a remote log and flushed back to it.
//
// Every access to records is guarded by the Store's mutex, and Mutate applies
// a single-step mutation atomically. Sections which read a record, block,
// and then write it back must run under WithUserLock, or they may lose the
// update of a concurrent section.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/keepsakebot/keepsake/flush"
	"github.com/keepsakebot/keepsake/metrics"
	"github.com/keepsakebot/keepsake/record"
	"github.com/keepsakebot/keepsake/retry"
	"github.com/keepsakebot/keepsake/snapshot"
	"github.com/keepsakebot/keepsake/userlock"
	log "github.com/sirupsen/logrus"
)

var (
	// ErrNotReady is returned by flushes of a Store which hasn't hydrated.
	ErrNotReady = errors.New("store is not ready")
	// ErrUnknownUser is returned for a user without a record.
	ErrUnknownUser = errors.New("unknown user")
)

// Config of a Store.
type Config struct {
	HydrationTimeout      time.Duration `long:"hydration-timeout" env:"HYDRATION_TIMEOUT" default:"2m" description:"Maximum duration of hydration from the remote log"`
	ShutdownTimeout       time.Duration `long:"shutdown-timeout" env:"SHUTDOWN_TIMEOUT" default:"30s" description:"Maximum duration of the final flush at shutdown"`
	FlushInterval         time.Duration `long:"flush-interval" env:"FLUSH_INTERVAL" default:"5m" description:"Interval of periodic flushes. Zero disables"`
	FlushWindow           time.Duration `long:"flush-window" env:"FLUSH_WINDOW" default:"0s" description:"Delay of each flush, during which further requests join it"`
	AllowColdStartOnError bool          `long:"allow-cold-start-on-error" env:"ALLOW_COLD_START_ON_ERROR" description:"Start empty if the remote log can't be read. Subsequent flushes replace its snapshots"`
	LockWarnAfter         time.Duration `long:"lock-warn-after" env:"LOCK_WARN_AFTER" default:"10s" description:"Log user lock sections held longer than this duration"`

	Retry retry.Policy `group:"Flush Retry" namespace:"retry" env-namespace:"RETRY"`
}

// Status summarizes a Store.
type Status struct {
	State       State     `json:"state"`
	Records     int       `json:"records"`
	Quarantined int       `json:"quarantined"`
	Hydrated    string    `json:"hydratedFrom,omitempty"`
	LastFlush   time.Time `json:"lastFlush"`
	LastError   string    `json:"lastError,omitempty"`
}

// Store is the in-memory store of user records.
type Store struct {
	cfg     Config
	catalog *record.Catalog
	loader  *snapshot.Loader
	writer  *snapshot.Writer
	queue   *flush.Queue
	locks   *userlock.Locker
	clock   retry.Clock

	mu          sync.Mutex
	state       State
	records     map[string]record.Record
	quarantined map[string]json.RawMessage
	hydrated    snapshot.Ref
	lastFlush   time.Time
	lastErr     error
}

// New returns an Uninitialized Store which loads from |loader| and
// publishes with |writer|. |clock| times flush windows, retries, and
// user lock diagnostics. A nil |catalog| is record.DefaultCatalog.
func New(cfg Config, catalog *record.Catalog, loader *snapshot.Loader, writer *snapshot.Writer, clock retry.Clock) *Store {
	if clock == nil {
		clock = retry.SystemClock
	}
	if catalog == nil {
		catalog = record.DefaultCatalog()
	}
	var s = &Store{
		cfg:         cfg,
		catalog:     catalog,
		loader:      loader,
		writer:      writer,
		locks:       &userlock.Locker{WarnAfter: cfg.LockWarnAfter, Clock: clock},
		clock:       clock,
		records:     make(map[string]record.Record),
		quarantined: make(map[string]json.RawMessage),
	}
	s.queue = flush.NewQueue(context.Background(), s.publish, cfg.Retry)
	s.queue.Window, s.queue.Clock = cfg.FlushWindow, clock

	metrics.StoreState.Set(float64(Uninitialized))
	return s
}

// State of the Store.
func (s *Store) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Status of the Store.
func (s *Store) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out = Status{
		State:       s.state,
		Records:     len(s.records),
		Quarantined: len(s.quarantined),
		Hydrated:    s.hydrated.Entry.Name,
		LastFlush:   s.lastFlush,
	}
	if s.lastErr != nil {
		out.LastError = s.lastErr.Error()
	}
	return out
}

// Get returns a copy of the Record of user |id|, creating it if it doesn't
// exist.
func (s *Store) Get(id string) record.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(id).Clone()
}

// Lookup returns a copy of the Record of user |id|, if it exists.
func (s *Store) Lookup(id string) (record.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var r, ok = s.records[id]
	return r.Clone(), ok
}

// Mutate applies |fn| to the Record of user |id|, creating it if it doesn't
// exist. |fn| runs under the Store's mutex and must not block. If |fn|
// returns an error, the Record is unchanged.
func (s *Store) Mutate(id string, fn func(*record.Record) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var r = s.getLocked(id).Clone()
	if err := fn(&r); err != nil {
		return err
	}
	s.records[id] = r
	metrics.StoreRecords.Set(float64(len(s.records)))
	return nil
}

// WithUserLock runs |fn| while holding the lock of user |id|.
func (s *Store) WithUserLock(ctx context.Context, id string, fn func() error) error {
	return s.locks.WithLock(ctx, id, fn)
}

// All returns a copy of every Record.
func (s *Store) All() map[string]record.Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out = make(map[string]record.Record, len(s.records))
	for id, r := range s.records {
		out[id] = r.Clone()
	}
	return out
}

// Quarantined returns a copy of records which couldn't be migrated.
func (s *Store) Quarantined() map[string]json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyRaw(s.quarantined)
}

// Reset user |id| to a new Record which keeps only its currencies. A
// quarantined record of the user is discarded.
func (s *Store) Reset(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var r, ok = s.records[id]
	var _, quarantined = s.quarantined[id]

	if !ok && !quarantined {
		return ErrUnknownUser
	}
	s.records[id] = r.Reset()
	delete(s.quarantined, id)

	log.WithFields(log.Fields{"user": id, "coins": r.Coins, "gems": r.Gems}).Info("reset user record")
	s.updateGaugesLocked()
	return nil
}

// RequestFlush of the Store. The returned OpFuture resolves when a snapshot
// including every mutation made prior to the request is published, or fails.
func (s *Store) RequestFlush() flush.OpFuture {
	if st := s.State(); !st.serving() {
		if st == Terminated {
			return flush.FinishedOperation(flush.ErrClosed)
		}
		return flush.FinishedOperation(ErrNotReady)
	}
	return s.queue.Request()
}

// Flush the Store and wait for it. Cancelling |ctx| abandons the wait, not
// the flush.
func (s *Store) Flush(ctx context.Context) error {
	var op = s.RequestFlush()

	select {
	case <-op.Done():
		return op.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Serve periodic flushes until |ctx| is done.
func (s *Store) Serve(ctx context.Context) error {
	if s.cfg.FlushInterval <= 0 {
		<-ctx.Done()
		return nil
	}
	var ticker = time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.RequestFlush()
		case <-ctx.Done():
			return nil
		}
	}
}

// Shutdown the Store with a final flush, waiting up to the configured
// ShutdownTimeout. A Store which never became Ready isn't flushed, as its
// records don't reflect the remote log.
func (s *Store) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	var prior = s.state
	switch {
	case prior == Terminated:
		s.mu.Unlock()
		return nil
	case prior.serving():
		s.setStateLocked(ShuttingDown)
	default:
		s.setStateLocked(Terminated)
	}
	s.mu.Unlock()

	if s.cfg.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
		defer cancel()
	}

	var err error
	if prior.serving() {
		err = s.Flush(ctx)
	}
	if closeErr := s.queue.Close(ctx); err == nil {
		err = closeErr
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		log.WithField("timeout", s.cfg.ShutdownTimeout).Warn("final flush did not complete before shutdown timeout")
	case err != nil:
		log.WithField("err", err).Warn("final flush failed")
	case prior.serving():
		log.Info("final flush complete")
	}

	s.mu.Lock()
	s.setStateLocked(Terminated)
	s.mu.Unlock()

	return err
}

// publish is the flush.PublishFunc of the Store.
func (s *Store) publish(ctx context.Context) error {
	s.mu.Lock()
	var st = snapshot.State{
		Records:     make(map[string]record.Record, len(s.records)),
		Quarantined: copyRaw(s.quarantined),
	}
	for id, r := range s.records {
		st.Records[id] = r.Clone()
	}
	if s.state == Ready {
		s.setStateLocked(Flushing)
	}
	s.mu.Unlock()

	var ref, err = s.writer.Publish(ctx, st)

	s.mu.Lock()
	if s.state == Flushing {
		s.setStateLocked(Ready)
	}
	s.lastErr = err
	if err == nil {
		s.lastFlush = s.clock.Now()
	}
	s.mu.Unlock()

	if err == nil {
		log.WithFields(log.Fields{
			"name":        ref.Entry.Name,
			"users":       ref.Users,
			"quarantined": ref.Quarantined,
		}).Info("published snapshot")
	}
	return err
}

func (s *Store) getLocked(id string) record.Record {
	var r, ok = s.records[id]
	if !ok {
		r = record.New()
		s.records[id] = r
		metrics.StoreRecords.Set(float64(len(s.records)))
	}
	return r
}

func (s *Store) setStateLocked(st State) {
	s.state = st
	metrics.StoreState.Set(float64(st))
}

func (s *Store) updateGaugesLocked() {
	metrics.StoreRecords.Set(float64(len(s.records)))
	metrics.StoreQuarantinedRecords.Set(float64(len(s.quarantined)))
}

func copyRaw(m map[string]json.RawMessage) map[string]json.RawMessage {
	var out = make(map[string]json.RawMessage, len(m))
	for id, raw := range m {
		out[id] = append(json.RawMessage(nil), raw...)
	}
	return out
}
