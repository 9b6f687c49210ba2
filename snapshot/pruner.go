package snapshot

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/keepsakebot/keepsake/metrics"
	"github.com/keepsakebot/keepsake/remotelog"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Pruner deletes snapshots superseded by a retained one.
type Pruner struct {
	Log remotelog.Log
	// PageSize of Log listings.
	PageSize int
	// Retain is the number of backups, beyond the retained snapshot, to keep.
	Retain int
	// Parallelism bounds concurrent deletions. If zero, one is used.
	Parallelism int
	// DryRun reports deletions without performing them.
	DryRun bool
}

// Stats of a Prune.
type Stats struct {
	// Scanned is the number of Log Entries walked.
	Scanned int
	// Snapshots is the number of snapshot Entries found, excluding the retained one.
	Snapshots int
	// Kept is the number of backup snapshots kept by the retention policy.
	Kept int
	// Newer is the number of snapshot Entries newer than the retained one,
	// which are never deleted.
	Newer int
	// Deleted is the number of Entries deleted (or which would be, in a DryRun).
	Deleted int
	// Failed is the number of Entries which couldn't be deleted.
	Failed int
}

// Prune walks the complete Log, newest to oldest, and deletes every snapshot
// Entry older than |retain| beyond the newest Pruner.Retain of them. Staged
// blobs which were posted to the Log are deleted as well.
//
// Deletion is best-effort: a failed deletion is logged and counted, and will
// be attempted again by the next Prune. Prune returns an error only if the
// Log couldn't be walked.
func (p *Pruner) Prune(ctx context.Context, retain Ref) (Stats, error) {
	var stats Stats
	if retain.Entry.ID == "" {
		return stats, fmt.Errorf("prune requires a retained snapshot")
	}
	var doomed []remotelog.Entry

	var err = remotelog.Walk(ctx, p.Log, p.PageSize, func(e remotelog.Entry) error {
		stats.Scanned++

		if IsStagingName(e.Name) {
			doomed = append(doomed, e)
			return nil
		} else if _, _, ok := ParseName(e.Name); !ok || e.ID == retain.Entry.ID {
			return nil
		}
		stats.Snapshots++

		switch {
		case e.ID > retain.Entry.ID:
			// Not ours to remove. It may have been posted by a concurrent writer.
			stats.Newer++
			log.WithFields(log.Fields{
				"id":       e.ID,
				"name":     e.Name,
				"retained": retain.Entry.ID,
			}).Warn("found snapshot newer than the retained one (is another writer running?)")
		case stats.Kept < p.Retain:
			stats.Kept++
		default:
			doomed = append(doomed, e)
		}
		return nil
	})
	if err != nil {
		return stats, err
	}

	if p.DryRun {
		for _, e := range doomed {
			log.WithFields(log.Fields{"id": e.ID, "name": e.Name}).Info("would delete (dry-run)")
		}
		stats.Deleted = len(doomed)
		return stats, nil
	}

	var deleted, failed int64
	var group errgroup.Group
	group.SetLimit(max(p.Parallelism, 1))

	for _, e := range doomed {
		group.Go(func() error {
			if err := p.Log.Delete(ctx, e.ID); err != nil {
				atomic.AddInt64(&failed, 1)
				metrics.SnapshotPrunedTotal.WithLabelValues(metrics.Fail).Inc()

				log.WithFields(log.Fields{
					"id":   e.ID,
					"name": e.Name,
					"err":  err,
				}).Warn("failed to delete stale snapshot")
				return nil
			}
			atomic.AddInt64(&deleted, 1)
			metrics.SnapshotPrunedTotal.WithLabelValues(metrics.Ok).Inc()
			return nil
		})
	}
	_ = group.Wait()
	stats.Deleted, stats.Failed = int(deleted), int(failed)

	log.WithFields(log.Fields{
		"retained": retain.Entry.ID,
		"scanned":  stats.Scanned,
		"kept":     stats.Kept,
		"deleted":  stats.Deleted,
		"failed":   stats.Failed,
	}).Debug("pruned snapshots")

	return stats, nil
}
