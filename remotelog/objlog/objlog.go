// Package objlog implements remotelog.Log over an object store.
//
// Each Entry is a single object, keyed by its ID, name, and caption:
//
//	<unix-nanos>-<random>,<query-escaped name>,<query-escaped caption>
//
// Keys order lexicographically by post time, so an object listing is a
// chronological listing of the Log. Stores list in ascending order only, so
// each List enumerates the complete Log: objlog is suited to pruned logs
// holding few Entries, which is the case for snapshot logs.
package objlog

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/keepsakebot/keepsake/remotelog"
	"github.com/keepsakebot/keepsake/remotelog/stores"
	log "github.com/sirupsen/logrus"
)

// Log is a remotelog.Log of objects in a stores.Store.
type Log struct {
	store stores.Store
	// Now returns the post time of Entries. If nil, time.Now is used.
	Now func() time.Time

	mu        sync.Mutex
	lastNanos int64
	seeded    bool
}

// New returns a Log of objects within |store|.
func New(store stores.Store) *Log { return &Log{store: store} }

// List implements remotelog.Log.
func (l *Log) List(ctx context.Context, pageSize int, before string) ([]remotelog.Entry, error) {
	if pageSize < 1 {
		return nil, fmt.Errorf("invalid page size %d", pageSize)
	}
	var all []remotelog.Entry

	var err = l.store.List(ctx, "", func(path string, size int64, modTime time.Time) error {
		var e, ok = parseKey(path)
		if !ok {
			return nil // Not an Entry.
		}
		if before == "" || e.ID < before {
			e.Size = size
			all = append(all, e)
		}
		return nil
	})
	if err != nil {
		return nil, l.classify("list", err)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID > all[j].ID })

	if len(all) > pageSize {
		all = all[:pageSize]
	}
	return all, nil
}

// Post implements remotelog.Log.
func (l *Log) Post(ctx context.Context, name string, blob []byte, caption string) (remotelog.Entry, error) {
	var now = time.Now
	if l.Now != nil {
		now = l.Now
	}
	// IDs strictly increase, even if the clock doesn't. The first Post
	// orders after every Entry already in the store, which may have been
	// posted by a prior process under a clock which ran ahead of ours.
	l.mu.Lock()
	if !l.seeded {
		var newest, err = l.newestNanos(ctx)
		if err != nil {
			l.mu.Unlock()
			return remotelog.Entry{}, l.classify("post", err)
		}
		if newest > l.lastNanos {
			l.lastNanos = newest
		}
		l.seeded = true
	}
	var nanos = now().UnixNano()
	if nanos <= l.lastNanos {
		nanos = l.lastNanos + 1
	}
	l.lastNanos = nanos
	l.mu.Unlock()

	var created = time.Unix(0, nanos)
	var e = remotelog.Entry{
		ID:      fmt.Sprintf("%019d-%s", nanos, uuid.NewString()[:8]),
		Name:    name,
		Caption: caption,
		Size:    int64(len(blob)),
		Created: created,
	}
	if err := l.store.Put(ctx, entryKey(e), bytes.NewReader(blob), e.Size, ""); err != nil {
		return remotelog.Entry{}, l.classify("post", err)
	}
	log.WithFields(log.Fields{
		"provider": l.store.Provider(),
		"id":       e.ID,
		"name":     name,
		"size":     e.Size,
	}).Debug("posted object log entry")

	return e, nil
}

// newestNanos returns the post time of the newest Entry in the store,
// or zero if there is none.
func (l *Log) newestNanos(ctx context.Context) (int64, error) {
	var newest int64
	var err = l.store.List(ctx, "", func(path string, _ int64, _ time.Time) error {
		if e, ok := parseKey(path); ok && e.Created.UnixNano() > newest {
			newest = e.Created.UnixNano()
		}
		return nil
	})
	return newest, err
}

// Delete implements remotelog.Log.
func (l *Log) Delete(ctx context.Context, id string) error {
	var keys []string

	// Stores differ in their treatment of non-directory prefixes,
	// so list all keys and match on the ID.
	if err := l.store.List(ctx, "", func(path string, _ int64, _ time.Time) error {
		if strings.HasPrefix(path, id+",") {
			keys = append(keys, path)
		}
		return nil
	}); err != nil {
		return l.classify("delete", err)
	}
	for _, key := range keys {
		if err := l.store.Remove(ctx, key); err != nil {
			return l.classify("delete", err)
		}
	}
	return nil
}

// Open implements remotelog.Log.
func (l *Log) Open(ctx context.Context, e remotelog.Entry) (io.ReadCloser, error) {
	var rc, err = l.store.Get(ctx, entryKey(e))
	if errors.Is(err, stores.ErrNotFound) {
		return nil, fmt.Errorf("%s: %w", e.ID, remotelog.ErrNotFound)
	} else if err != nil {
		return nil, l.classify("open", err)
	}
	return rc, nil
}

// SignURL implements remotelog.Signer.
func (l *Log) SignURL(e remotelog.Entry, ttl time.Duration) (string, error) {
	return l.store.SignGet(entryKey(e), ttl)
}

// classify store errors as transient, unless they're authorization
// failures which a retry can't fix.
func (l *Log) classify(op string, err error) error {
	if l.store.IsAuthError(err) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return remotelog.Transient(op, err)
}

func entryKey(e remotelog.Entry) string {
	return e.ID + "," + url.QueryEscape(e.Name) + "," + url.QueryEscape(e.Caption)
}

func parseKey(key string) (remotelog.Entry, bool) {
	var parts = strings.Split(key, ",")
	if len(parts) != 3 || strings.Contains(key, "/") {
		return remotelog.Entry{}, false
	}
	var id = parts[0]

	var sep = strings.IndexByte(id, '-')
	if sep != 19 {
		return remotelog.Entry{}, false
	}
	var nanos, err = strconv.ParseInt(id[:sep], 10, 64)
	if err != nil {
		return remotelog.Entry{}, false
	}
	name, err1 := url.QueryUnescape(parts[1])
	caption, err2 := url.QueryUnescape(parts[2])
	if err1 != nil || err2 != nil {
		return remotelog.Entry{}, false
	}
	return remotelog.Entry{
		ID:      id,
		Name:    name,
		Caption: caption,
		Created: time.Unix(0, nanos),
	}, true
}
