package snapshot

import (
	"context"
	"fmt"

	"github.com/keepsakebot/keepsake/codecs"
	"github.com/keepsakebot/keepsake/metrics"
	"github.com/keepsakebot/keepsake/remotelog"
	pkgerrors "github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Loader finds and reads the newest valid snapshot of a Log.
type Loader struct {
	Log remotelog.Log
	// PageSize of Log listings.
	PageSize int
}

// Loaded is the result of a Loader.Newest.
type Loaded struct {
	Ref      Ref
	Envelope Envelope
	// Skipped snapshots, which couldn't be read.
	Skipped []remotelog.Entry
	// Backups is the number of readable snapshots older than Ref.
	Backups int
}

// Newest walks the complete Log and returns its newest snapshot which reads
// and decodes. Unreadable snapshots are logged and skipped. If the Log holds
// no readable snapshot, Newest returns false.
//
// Snapshots older than the one returned are read as well, so that unreadable
// backups are reported. Logs are pruned to a handful of snapshots, which
// bounds the cost of doing so.
//
// A transient failure reading a snapshot newer than any readable one ends
// Newest with an error, as the snapshot which failed may be the newest.
func (l *Loader) Newest(ctx context.Context) (Loaded, bool, error) {
	return l.scan(ctx, true)
}

// Head is Newest, except that snapshots older than the returned one aren't
// read. Its Loaded has zero Backups and Skips only newer snapshots.
func (l *Loader) Head(ctx context.Context) (Loaded, bool, error) {
	return l.scan(ctx, false)
}

func (l *Loader) scan(ctx context.Context, backups bool) (Loaded, bool, error) {
	var candidates []remotelog.Entry

	var err = remotelog.Walk(ctx, l.Log, l.PageSize, func(e remotelog.Entry) error {
		if _, _, ok := ParseName(e.Name); ok {
			candidates = append(candidates, e)
		}
		return nil
	})
	if err != nil {
		return Loaded{}, false, err
	}

	var out Loaded
	var found bool

	for _, e := range candidates {
		if found && !backups {
			break
		}
		var ref, env, err = l.Read(ctx, e)

		switch {
		case err == nil && !found:
			out.Ref, out.Envelope, found = ref, env, true
		case err == nil:
			out.Backups++
		case ctx.Err() != nil:
			return Loaded{}, false, ctx.Err()
		case remotelog.IsTransient(err) && !found:
			return Loaded{}, false, err
		case remotelog.IsTransient(err):
			log.WithFields(log.Fields{
				"id":   e.ID,
				"name": e.Name,
				"err":  err,
			}).Warn("failed to read backup snapshot")
		default:
			metrics.SnapshotSkippedCorruptTotal.Inc()
			log.WithFields(log.Fields{
				"id":   e.ID,
				"name": e.Name,
				"err":  err,
			}).Warn("skipping unreadable snapshot")

			out.Skipped = append(out.Skipped, e)
		}
	}
	return out, found, nil
}

// Read the snapshot of Entry |e|. If its caption carries a fingerprint, the
// blob must match it.
func (l *Loader) Read(ctx context.Context, e remotelog.Entry) (Ref, Envelope, error) {
	var _, codec, ok = ParseName(e.Name)
	if !ok {
		return Ref{}, Envelope{}, fmt.Errorf("%q is not a snapshot name", e.Name)
	}
	var ref = ParseCaption(e.Caption)
	ref.Entry, ref.Codec = e, codec

	var blob, err = remotelog.ReadAll(ctx, l.Log, e)
	if err != nil {
		return Ref{}, Envelope{}, err
	}
	var fp = Fingerprint(blob)
	if ref.Fingerprint != "" && fp != ref.Fingerprint {
		return Ref{}, Envelope{}, fmt.Errorf("fingerprint mismatch (caption sha256:%s, blob sha256:%s)", ref.Fingerprint, fp)
	}
	ref.Fingerprint = fp

	b, err := codecs.Decompress(blob, codec)
	if err != nil {
		return Ref{}, Envelope{}, pkgerrors.WithMessage(err, "decompressing snapshot")
	}
	env, err := Decode(b)
	if err != nil {
		return Ref{}, Envelope{}, err
	}
	ref.Users, ref.Quarantined = len(env.Users), len(env.Quarantine)
	if env.Meta.Writer != "" {
		ref.Writer = env.Meta.Writer
	}
	return ref, env, nil
}
