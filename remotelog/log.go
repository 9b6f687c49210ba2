// Package remotelog defines Log, an append-only, reverse-chronologically
// paginated log of posted attachments, which is the sole durable medium of
// keepsake snapshots.
//
// A Log offers no random access, transactions or versioning. Entries may be
// listed newest-first one page at a time, posted, opened, and deleted. Any
// "find all" operation must Walk the Log until a page shorter than the
// requested page size is returned.
//
// Implementations live in sub-packages: objlog (object stores), sqllog
// (SQL tables) and chanlog (chat channel REST APIs). MemoryLog is an
// in-process Log used by tests and memory: URLs.
package remotelog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

// Entry is a posted attachment of a Log.
type Entry struct {
	// ID is the Log-assigned identifier of the Entry. IDs order by post time:
	// an Entry posted later has an ID which is greater, when compared as
	// zero-padded strings, than every Entry posted before it.
	ID string `json:"id"`
	// Name is the attachment file name given to Post.
	Name string `json:"name"`
	// Caption is the free-form text given to Post.
	Caption string `json:"caption,omitempty"`
	// Size of the attachment in bytes.
	Size int64 `json:"size"`
	// Created is the post time of the Entry.
	Created time.Time `json:"created"`
}

// Log is an append-only log of attachments.
type Log interface {
	// List returns up to |pageSize| Entries ordered newest to oldest. If
	// |before| is non-empty, only Entries having IDs older than |before| are
	// returned. The oldest ID of a page is the cursor of the next page, and a
	// page having fewer than |pageSize| Entries is the last.
	List(ctx context.Context, pageSize int, before string) ([]Entry, error)
	// Post appends an attachment |blob| named |name| with |caption|.
	Post(ctx context.Context, name string, blob []byte, caption string) (Entry, error)
	// Delete the Entry having |id|. Deletion of an Entry which doesn't exist
	// is not an error.
	Delete(ctx context.Context, id string) error
	// Open the attachment of Entry |e|. ErrNotFound is returned if the Entry
	// doesn't exist.
	Open(ctx context.Context, e Entry) (io.ReadCloser, error)
}

// Signer is implemented by Logs which can issue time-limited direct URLs to
// Entry attachments.
type Signer interface {
	SignURL(e Entry, ttl time.Duration) (string, error)
}

// AsSigner returns the Signer of |l| or of a Log it wraps, if there is one.
// Wrapping Logs expose their wrapped Log through an Unwrap method.
func AsSigner(l Log) (Signer, bool) {
	for {
		if s, ok := l.(Signer); ok {
			return s, true
		} else if w, ok := l.(interface{ Unwrap() Log }); ok {
			l = w.Unwrap()
		} else {
			return nil, false
		}
	}
}

// ErrNotFound is returned when opening an Entry which doesn't exist.
var ErrNotFound = errors.New("entry not found")

// Stop may be returned by a Walk callback to end the walk without error.
var Stop = errors.New("stop walk")

// TransientError wraps a failure which is expected to resolve on retry,
// such as an unavailable network or an exceeded rate limit.
type TransientError struct {
	Op  string
	Err error
}

// Transient wraps |err| of operation |op| as a TransientError.
// It returns nil if |err| is nil.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Op: op, Err: err}
}

func (e *TransientError) Error() string { return fmt.Sprintf("%s: %s", e.Op, e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient returns true if |err| is or wraps a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// Walk invokes |fn| with every Entry of the Log, newest to oldest, listing
// pages of |pageSize| until a short page is returned. If |fn| returns Stop,
// Walk returns nil. Any other error of |fn| or the Log is returned.
func Walk(ctx context.Context, l Log, pageSize int, fn func(Entry) error) error {
	if pageSize < 1 {
		return fmt.Errorf("invalid page size %d", pageSize)
	}
	var before string

	for {
		var page, err = l.List(ctx, pageSize, before)
		if err != nil {
			return err
		}
		for _, e := range page {
			if err = fn(e); err == Stop {
				return nil
			} else if err != nil {
				return err
			}
		}
		if len(page) < pageSize {
			return nil
		}
		before = page[len(page)-1].ID
	}
}

// ReadAll opens Entry |e| and reads its complete attachment. A failure
// while reading an opened attachment is transient.
func ReadAll(ctx context.Context, l Log, e Entry) ([]byte, error) {
	var rc, err = l.Open(ctx, e)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	b, err := io.ReadAll(rc)
	if err != nil {
		return nil, Transient("read", err)
	}
	return b, nil
}
