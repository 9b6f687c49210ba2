package snapshot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/keepsakebot/keepsake/codecs"
	"github.com/keepsakebot/keepsake/metrics"
	"github.com/keepsakebot/keepsake/record"
	"github.com/keepsakebot/keepsake/remotelog"
	pkgerrors "github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// ErrVerification is matched by errors.Is against every VerificationError.
var ErrVerification = errors.New("snapshot verification failed")

// VerificationError is returned when a staged snapshot doesn't round-trip.
// It's not retryable: nothing was published, and the prior snapshot remains
// the newest.
type VerificationError struct {
	Fingerprint string
	Err         error
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("%s (sha256:%s): %s", ErrVerification, e.Fingerprint, e.Err)
}
func (e *VerificationError) Unwrap() error        { return e.Err }
func (e *VerificationError) Is(target error) bool { return target == ErrVerification }

// Writer stages, verifies, and publishes snapshots. Publish must not be
// called concurrently: it's driven by a single flush.Queue.
type Writer struct {
	// Log to which snapshots are posted.
	Log remotelog.Log
	// Fs and Dir of staged blobs.
	Fs  afero.Fs
	Dir string
	// Codec of published blobs.
	Codec codecs.Codec
	// Identity of this writer, recorded in snapshot metadata.
	Identity string
	// Pruner run after each successful publish. Optional.
	Pruner *Pruner
	// Now returns the save time of snapshots. If nil, time.Now is used.
	Now func() time.Time
	// AfterStage, if set, is called with the path of each staged and
	// verified blob before it's posted. An error aborts the publish.
	AfterStage func(path string) error
}

// NewWriter returns a Writer of |l| which stages blobs in the OS temp directory.
func NewWriter(l remotelog.Log, codec codecs.Codec, identity string) *Writer {
	return &Writer{
		Log:      l,
		Fs:       afero.NewOsFs(),
		Dir:      os.TempDir(),
		Codec:    codec,
		Identity: identity,
	}
}

// Publish the complete |st| as a new snapshot, and then prune snapshots
// it supersedes. Staging and posting failures are transient. Nothing is
// posted unless the staged blob first verifies.
func (w *Writer) Publish(ctx context.Context, st State) (ref Ref, err error) {
	var started = time.Now()
	defer func() {
		var status = metrics.Ok
		if err != nil {
			status = metrics.Fail
		}
		metrics.SnapshotPublishTotal.WithLabelValues(status).Inc()
		metrics.SnapshotPublishSeconds.Observe(time.Since(started).Seconds())
	}()

	var now = time.Now
	if w.Now != nil {
		now = w.Now
	}
	var savedAt = now().UTC()

	payload, err := Encode(st, Meta{SavedAt: savedAt, Writer: w.Identity})
	if err != nil {
		return Ref{}, err
	}
	blob, err := codecs.Compress(payload, w.Codec)
	if err != nil {
		return Ref{}, pkgerrors.WithMessage(err, "compressing snapshot")
	}
	ref = Ref{
		Fingerprint: Fingerprint(blob),
		Codec:       w.Codec,
		Users:       len(st.Records),
		Quarantined: len(st.Quarantined),
		Writer:      w.Identity,
	}

	path, err := w.stage(blob)
	if err != nil {
		return Ref{}, remotelog.Transient("stage", err)
	}
	defer func() {
		if rmErr := w.Fs.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
			log.WithFields(log.Fields{"path": path, "err": rmErr}).Warn("failed to remove staged snapshot")
		}
	}()

	if err = w.verify(path, ref.Fingerprint, payload); err != nil {
		log.WithFields(log.Fields{
			"fingerprint": ref.Fingerprint,
			"err":         err,
		}).Error("staged snapshot failed verification")
		return Ref{}, &VerificationError{Fingerprint: ref.Fingerprint, Err: err}
	}
	if w.AfterStage != nil {
		if err = w.AfterStage(path); err != nil {
			return Ref{}, pkgerrors.WithMessage(err, "aborted before publish")
		}
	}

	if ref.Entry, err = w.Log.Post(ctx, Name(savedAt, w.Codec), blob, ref.Caption()); err != nil {
		return Ref{}, err
	}
	metrics.SnapshotBytes.Set(float64(len(blob)))

	log.WithFields(log.Fields{
		"id":          ref.Entry.ID,
		"name":        ref.Entry.Name,
		"size":        len(blob),
		"users":       ref.Users,
		"quarantined": ref.Quarantined,
		"fingerprint": ref.Fingerprint,
	}).Info("published snapshot")

	if w.Pruner != nil {
		if stats, pruneErr := w.Pruner.Prune(ctx, ref); pruneErr != nil {
			log.WithFields(log.Fields{"err": pruneErr, "stats": stats}).Warn("failed to prune snapshots")
		}
	}
	return ref, nil
}

// stage writes |blob| to a new staging file, and returns its path.
func (w *Writer) stage(blob []byte) (string, error) {
	var path = filepath.Join(w.Dir, StagingPrefix+uuid.NewString())

	var f, err = w.Fs.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return "", pkgerrors.WithMessage(err, "creating staged snapshot")
	}
	if _, err = f.Write(blob); err != nil {
		err = pkgerrors.WithMessage(err, "writing staged snapshot")
	} else if err = f.Sync(); err != nil {
		err = pkgerrors.WithMessage(err, "syncing staged snapshot")
	}
	if closeErr := f.Close(); err == nil && closeErr != nil {
		err = pkgerrors.WithMessage(closeErr, "closing staged snapshot")
	}
	if err != nil {
		_ = w.Fs.Remove(path)
		return "", err
	}
	return path, nil
}

// verify that the staged blob at |path| has |fingerprint|, and decodes into
// an envelope of records which re-encodes to exactly |payload|.
func (w *Writer) verify(path, fingerprint string, payload []byte) error {
	var blob, err = afero.ReadFile(w.Fs, path)
	if err != nil {
		return pkgerrors.WithMessage(err, "reading staged snapshot")
	} else if fp := Fingerprint(blob); fp != fingerprint {
		return fmt.Errorf("staged fingerprint mismatch (got %s)", fp)
	}
	decoded, err := codecs.Decompress(blob, w.Codec)
	if err != nil {
		return pkgerrors.WithMessage(err, "decompressing staged snapshot")
	}
	env, err := Decode(decoded)
	if err != nil {
		return err
	}
	for id, raw := range env.Users {
		var r record.Record
		if err = json.Unmarshal(raw, &r); err != nil {
			return pkgerrors.WithMessagef(err, "decoding record %q", id)
		}
	}
	reencoded, err := json.Marshal(env)
	if err != nil {
		return pkgerrors.WithMessage(err, "re-encoding staged snapshot")
	} else if !bytes.Equal(reencoded, payload) {
		return fmt.Errorf("staged snapshot doesn't round-trip (%d bytes vs %d)", len(reencoded), len(payload))
	}
	return nil
}
