package snapshot

import (
	"context"
	"errors"
	"io"
	"net/url"
	"testing"
	"time"

	"github.com/keepsakebot/keepsake/codecs"
	"github.com/keepsakebot/keepsake/remotelog"
	"github.com/keepsakebot/keepsake/remotelog/objlog"
	"github.com/keepsakebot/keepsake/remotelog/stores"
	"github.com/stretchr/testify/require"
)

func TestNewestSkipsCorruptSnapshots(t *testing.T) {
	var ctx = context.Background()
	var l = remotelog.NewMemoryLog()
	var t1, t2, t3 = time.Unix(1000, 0), time.Unix(2000, 0), time.Unix(3000, 0)

	// T1 isn't gzip at all. T2 decompresses, but doesn't match its caption.
	var _, err = l.Post(ctx, Name(t1, codecs.Gzip), []byte("garbage"), "")
	require.NoError(t, err)

	blob, err := codecs.Compress([]byte(`{"users": {}, "meta": {}}`), codecs.Gzip)
	require.NoError(t, err)
	_, err = l.Post(ctx, Name(t2, codecs.Gzip), blob, Ref{Fingerprint: "0000"}.Caption())
	require.NoError(t, err)

	var w = newTestWriter(l, codecs.Gzip)
	w.Now = func() time.Time { return t3 }
	published, err := w.Publish(ctx, testState())
	require.NoError(t, err)

	loaded, ok, err := (&Loader{Log: l, PageSize: 2}).Newest(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, published.Entry, loaded.Ref.Entry)
	require.Equal(t, testState(), decodeState(t, loaded.Envelope))
	require.Equal(t, []string{Name(t2, codecs.Gzip), Name(t1, codecs.Gzip)}, names(loaded.Skipped))
	require.Zero(t, loaded.Backups)
}

func TestNewestFallsBackToOlderSnapshots(t *testing.T) {
	var ctx = context.Background()
	var l = remotelog.NewMemoryLog()

	var w = newTestWriter(l, codecs.Zstandard)
	var older, err = w.Publish(ctx, testState())
	require.NoError(t, err)

	_, err = l.Post(ctx, Name(time.Unix(1792398601, 0), codecs.None), []byte(`{"users": {"a": `), "")
	require.NoError(t, err)
	_, err = l.Post(ctx, "not-a-snapshot.json", []byte("{}"), "")
	require.NoError(t, err)

	loaded, ok, err := (&Loader{Log: l, PageSize: 10}).Newest(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, older.Entry, loaded.Ref.Entry)
	require.Len(t, loaded.Skipped, 1)
}

func TestNewestSkipsNullAndTruncatedEnvelopes(t *testing.T) {
	var ctx = context.Background()
	var l = remotelog.NewMemoryLog()

	var w = newTestWriter(l, codecs.None)
	var valid, err = w.Publish(ctx, testState())
	require.NoError(t, err)

	_, err = l.Post(ctx, Name(time.Unix(1792398601, 0), codecs.None), []byte(`null`), "")
	require.NoError(t, err)
	_, err = l.Post(ctx, Name(time.Unix(1792398602, 0), codecs.None), []byte(`{"version": 2, "meta": {}}`), "")
	require.NoError(t, err)

	loaded, ok, err := (&Loader{Log: l, PageSize: 10}).Newest(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, valid.Entry, loaded.Ref.Entry)
	require.Equal(t, testState(), decodeState(t, loaded.Envelope))
	require.Len(t, loaded.Skipped, 2)
}

func TestNewestAfterRestartWithAClockBehind(t *testing.T) {
	var ctx = context.Background()
	var ep, _ = url.Parse("memory://snapshots/")
	var store = stores.NewMemoryStore(ep)

	var publish = func(at time.Time, coins int64) Ref {
		var l = objlog.New(store)
		l.Now = func() time.Time { return at }

		var w = newTestWriter(l, codecs.Gzip)
		w.Now = l.Now

		var st = testState()
		var alice = st.Records["alice"]
		alice.Coins = coins
		st.Records["alice"] = alice

		var ref, err = w.Publish(ctx, st)
		require.NoError(t, err)
		return ref
	}
	publish(time.Unix(2000, 0), 1)
	var latest = publish(time.Unix(1000, 0), 99)

	var loaded, ok, err = (&Loader{Log: objlog.New(store), PageSize: 10}).Newest(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, latest.Entry.ID, loaded.Ref.Entry.ID)
	require.Equal(t, int64(99), decodeState(t, loaded.Envelope).Records["alice"].Coins)
	require.Equal(t, 1, loaded.Backups)
}

func TestHeadDoesNotReadBackups(t *testing.T) {
	var ctx = context.Background()
	var mem = remotelog.NewMemoryLog()

	var _, err = mem.Post(ctx, Name(time.Unix(1000, 0), codecs.None), []byte("garbage"), "")
	require.NoError(t, err)
	var w = newTestWriter(mem, codecs.None)
	_, err = w.Publish(ctx, testState())
	require.NoError(t, err)
	newest, err := w.Publish(ctx, testState())
	require.NoError(t, err)

	var opened []string
	var l = &remotelog.CallbackLog{
		Log: mem,
		OpenFunc: func(ctx context.Context, e remotelog.Entry) (io.ReadCloser, error) {
			opened = append(opened, e.ID)
			return mem.Open(ctx, e)
		},
	}
	var loader = &Loader{Log: l, PageSize: 10}

	loaded, ok, err := loader.Head(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, newest.Entry, loaded.Ref.Entry)
	require.Equal(t, []string{newest.Entry.ID}, opened)
	require.Zero(t, loaded.Backups)
	require.Empty(t, loaded.Skipped)

	opened = nil
	loaded, _, err = loader.Newest(ctx)
	require.NoError(t, err)
	require.Len(t, opened, 3)
	require.Equal(t, 1, loaded.Backups)
	require.Len(t, loaded.Skipped, 1)
}

func TestNewestCountsReadableBackups(t *testing.T) {
	var ctx = context.Background()
	var l = remotelog.NewMemoryLog()
	var w = newTestWriter(l, codecs.None)

	for i := 0; i != 3; i++ {
		var _, err = w.Publish(ctx, testState())
		require.NoError(t, err)
	}
	var loaded, ok, err = (&Loader{Log: l, PageSize: 10}).Newest(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 2, loaded.Backups)
	require.Empty(t, loaded.Skipped)
}

func TestNewestOfEmptyLog(t *testing.T) {
	var l = remotelog.NewMemoryLog()
	_, _ = l.Post(context.Background(), "chatter.txt", []byte("hi"), "")

	var _, ok, err = (&Loader{Log: l, PageSize: 10}).Newest(context.Background())
	require.NoError(t, err)
	require.False(t, ok)
}

func TestTransientFailuresAreNotSkipped(t *testing.T) {
	var ctx = context.Background()
	var mem = remotelog.NewMemoryLog()

	var w = newTestWriter(mem, codecs.None)
	var older, err = w.Publish(ctx, testState())
	require.NoError(t, err)
	newer, err := w.Publish(ctx, testState())
	require.NoError(t, err)

	var failID string
	var l = &remotelog.CallbackLog{
		Log: mem,
		OpenFunc: func(ctx context.Context, e remotelog.Entry) (io.ReadCloser, error) {
			if e.ID == failID {
				return nil, remotelog.Transient("open", errors.New("connection reset"))
			}
			return mem.Open(ctx, e)
		},
	}
	var loader = &Loader{Log: l, PageSize: 10}

	// The newest snapshot can't be read. Loading fails rather than falling back.
	failID = newer.Entry.ID
	_, _, err = loader.Newest(ctx)
	require.True(t, remotelog.IsTransient(err))

	// A backup which can't be read is tolerated.
	failID = older.Entry.ID
	loaded, ok, err := loader.Newest(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, newer.Entry, loaded.Ref.Entry)
	require.Zero(t, loaded.Backups)
	require.Empty(t, loaded.Skipped)
}
