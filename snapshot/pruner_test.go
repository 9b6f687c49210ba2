package snapshot

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/keepsakebot/keepsake/codecs"
	"github.com/keepsakebot/keepsake/remotelog"
	gc "gopkg.in/check.v1"
)

type PrunerSuite struct{}

func (s *PrunerSuite) TestConvergesAcrossManyPages(c *gc.C) {
	var l = remotelog.NewMemoryLog()
	var other = postOther(c, l, "screenshot.png")
	postSnapshots(c, l, 0, 12)
	postOther(c, l, StagingPrefix+"0b6c1c1e")
	postSnapshots(c, l, 12, 25)
	var retained = postSnapshots(c, l, 25, 26)[0]

	var p = &Pruner{Log: l, PageSize: 4, Parallelism: 3}
	var stats, err = p.Prune(context.Background(), Ref{Entry: retained})
	c.Assert(err, gc.IsNil)

	c.Check(stats, gc.DeepEquals, Stats{
		Scanned:   28,
		Snapshots: 25,
		Deleted:   26, // Including the staged blob.
	})
	c.Check(names(l.Entries()), gc.DeepEquals, []string{retained.Name, other.Name})

	// A second pass is a no-op.
	stats, err = p.Prune(context.Background(), Ref{Entry: retained})
	c.Assert(err, gc.IsNil)
	c.Check(stats, gc.DeepEquals, Stats{Scanned: 2})
}

func (s *PrunerSuite) TestRetentionKeepsNewestBackups(c *gc.C) {
	var l = remotelog.NewMemoryLog()
	var posted = postSnapshots(c, l, 0, 6)

	var p = &Pruner{Log: l, PageSize: 2, Retain: 2}
	var stats, err = p.Prune(context.Background(), Ref{Entry: posted[5]})
	c.Assert(err, gc.IsNil)

	c.Check(stats, gc.DeepEquals, Stats{Scanned: 6, Snapshots: 5, Kept: 2, Deleted: 3})
	c.Check(names(l.Entries()), gc.DeepEquals, names([]remotelog.Entry{posted[5], posted[4], posted[3]}))
}

func (s *PrunerSuite) TestNewerSnapshotsAreLeftAlone(c *gc.C) {
	var l = remotelog.NewMemoryLog()
	var posted = postSnapshots(c, l, 0, 4)

	var p = &Pruner{Log: l, PageSize: 10}
	var stats, err = p.Prune(context.Background(), Ref{Entry: posted[1]})
	c.Assert(err, gc.IsNil)

	c.Check(stats, gc.DeepEquals, Stats{Scanned: 4, Snapshots: 3, Newer: 2, Deleted: 1})
	c.Check(names(l.Entries()), gc.DeepEquals, names([]remotelog.Entry{posted[3], posted[2], posted[1]}))
}

func (s *PrunerSuite) TestDryRun(c *gc.C) {
	var l = remotelog.NewMemoryLog()
	var posted = postSnapshots(c, l, 0, 5)

	var p = &Pruner{Log: l, PageSize: 2, DryRun: true}
	var stats, err = p.Prune(context.Background(), Ref{Entry: posted[4]})
	c.Assert(err, gc.IsNil)

	c.Check(stats.Deleted, gc.Equals, 4)
	c.Check(l.Len(), gc.Equals, 5)
}

func (s *PrunerSuite) TestFailedDeletesAreRetriedByNextPass(c *gc.C) {
	var mem = remotelog.NewMemoryLog()
	var posted = postSnapshots(c, mem, 0, 4)

	var failing = true
	var l = &remotelog.CallbackLog{
		Log: mem,
		DeleteFunc: func(ctx context.Context, id string) error {
			if failing && id == posted[1].ID {
				return remotelog.Transient("delete", errors.New("unavailable"))
			}
			return mem.Delete(ctx, id)
		},
	}
	var p = &Pruner{Log: l, PageSize: 10}

	var stats, err = p.Prune(context.Background(), Ref{Entry: posted[3]})
	c.Assert(err, gc.IsNil)
	c.Check(stats.Deleted, gc.Equals, 2)
	c.Check(stats.Failed, gc.Equals, 1)
	c.Check(mem.Len(), gc.Equals, 2)

	failing = false
	stats, err = p.Prune(context.Background(), Ref{Entry: posted[3]})
	c.Assert(err, gc.IsNil)
	c.Check(stats.Deleted, gc.Equals, 1)
	c.Check(names(mem.Entries()), gc.DeepEquals, []string{posted[3].Name})
}

func (s *PrunerSuite) TestWalkErrorsAreReturned(c *gc.C) {
	var l = &remotelog.CallbackLog{
		ListFunc: func(context.Context, int, string) ([]remotelog.Entry, error) {
			return nil, errors.New("boom")
		},
	}
	var p = &Pruner{Log: l, PageSize: 10}

	var _, err = p.Prune(context.Background(), Ref{Entry: remotelog.Entry{ID: "1"}})
	c.Check(err, gc.ErrorMatches, "boom")

	_, err = p.Prune(context.Background(), Ref{})
	c.Check(err, gc.ErrorMatches, "prune requires a retained snapshot")
}

func postSnapshots(c *gc.C, l remotelog.Log, from, to int) []remotelog.Entry {
	var out []remotelog.Entry
	for i := from; i != to; i++ {
		var e, err = l.Post(context.Background(), Name(time.Unix(1700000000+int64(i), 0), codecs.Gzip), []byte("blob"), "")
		c.Assert(err, gc.IsNil)
		out = append(out, e)
	}
	return out
}

func postOther(c *gc.C, l remotelog.Log, name string) remotelog.Entry {
	var e, err = l.Post(context.Background(), name, []byte("other"), "")
	c.Assert(err, gc.IsNil)
	return e
}

func names(entries []remotelog.Entry) []string {
	var out []string
	for _, e := range entries {
		out = append(out, e.Name)
	}
	return out
}

var _ = gc.Suite(&PrunerSuite{})

func Test(t *testing.T) { gc.TestingT(t) }
