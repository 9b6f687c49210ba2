package objlog

import (
	"context"
	"errors"
	"io"
	"net/url"
	"os"
	"testing"
	"time"

	"github.com/keepsakebot/keepsake/remotelog"
	"github.com/keepsakebot/keepsake/remotelog/logtest"
	"github.com/keepsakebot/keepsake/remotelog/stores"
	"github.com/keepsakebot/keepsake/remotelog/stores/fs"
	"github.com/keepsakebot/keepsake/retry"
	"github.com/stretchr/testify/require"
)

func TestContractOverMemoryStore(t *testing.T) {
	logtest.Contract(t, New(stores.NewMemoryStore(mustParseURL("memory://test/"))))
}

func TestContractOverFileStore(t *testing.T) {
	var store, err = fs.New(mustParseURL("file://" + t.TempDir() + "/"))
	require.NoError(t, err)
	logtest.Contract(t, New(store))
}

func TestKeyRoundTrip(t *testing.T) {
	var e = remotelog.Entry{
		ID:      "1760000000000000000-0a1b2c3d",
		Name:    "snapshot-1760000000000000000.json.gz",
		Caption: "sha256:abc, 12 records / weird,chars",
		Created: time.Unix(0, 1760000000000000000),
	}
	var key = entryKey(e)
	require.NotContains(t, key, "/")

	var out, ok = parseKey(key)
	require.True(t, ok)
	require.Equal(t, e.ID, out.ID)
	require.Equal(t, e.Name, out.Name)
	require.Equal(t, e.Caption, out.Caption)
	require.True(t, e.Created.Equal(out.Created))

	for _, bad := range []string{
		"",
		".health/check",
		"not-an-entry",
		"123-abc,name,caption",
		"17600000000000000x0-0a1b2c3d,name,caption",
		"1760000000000000000-0a1b2c3d,name",
		"1760000000000000000-0a1b2c3d,%zz,caption",
	} {
		var _, ok = parseKey(bad)
		require.False(t, ok, bad)
	}
}

func TestIDsIncreaseWithAFrozenClock(t *testing.T) {
	var l = New(stores.NewMemoryStore(mustParseURL("memory://test/")))
	l.Now = func() time.Time { return time.Unix(100, 0) }

	var a, err = l.Post(context.Background(), "a", nil, "")
	require.NoError(t, err)
	b, err := l.Post(context.Background(), "b", nil, "")
	require.NoError(t, err)
	require.True(t, b.ID > a.ID)
}

func TestErrorClassification(t *testing.T) {
	var ctx = context.Background()
	var errAuth, errFlaky = errors.New("403 forbidden"), errors.New("connection reset")
	var listErr = errAuth

	var store = &stores.CallbackStore{
		Store: stores.NewMemoryStore(mustParseURL("memory://test/")),
		PutFunc: func(context.Context, string, io.ReaderAt, int64, string) error {
			return errFlaky
		},
		ListFunc: func(context.Context, string, func(string, int64, time.Time) error) error {
			return listErr
		},
		IsAuthErrorFunc: func(err error) bool { return err == errAuth },
	}
	var l = New(store)

	var _, err = l.List(ctx, 10, "")
	require.False(t, remotelog.IsTransient(err))
	require.EqualError(t, err, "list: 403 forbidden")

	// Post first lists the store, and fails if it can't.
	_, err = l.Post(ctx, "name", []byte("blob"), "")
	require.False(t, remotelog.IsTransient(err))
	require.EqualError(t, err, "post: 403 forbidden")

	listErr = nil
	_, err = l.Post(ctx, "name", []byte("blob"), "")
	require.True(t, remotelog.IsTransient(err))
	require.ErrorIs(t, err, errFlaky)

	_, err = l.Open(ctx, remotelog.Entry{ID: "1760000000000000000-0a1b2c3d"})
	require.ErrorIs(t, err, remotelog.ErrNotFound)
}

func TestIDsFollowPriorProcessWithAClockAhead(t *testing.T) {
	var ctx = context.Background()
	var store = stores.NewMemoryStore(mustParseURL("memory://test/"))

	var first = New(store)
	first.Now = func() time.Time { return time.Unix(2000, 0) }
	var a, err = first.Post(ctx, "a", []byte("1"), "")
	require.NoError(t, err)

	// A restarted process, whose clock was stepped back.
	var second = New(store)
	second.Now = func() time.Time { return time.Unix(1000, 0) }
	b, err := second.Post(ctx, "b", []byte("2"), "")
	require.NoError(t, err)
	require.True(t, b.ID > a.ID)
	require.True(t, b.Created.After(a.Created))

	c, err := second.Post(ctx, "c", []byte("3"), "")
	require.NoError(t, err)
	require.True(t, c.ID > b.ID)

	entries, err := second.List(ctx, 10, "")
	require.NoError(t, err)
	require.Equal(t, []string{"c", "b", "a"}, []string{entries[0].Name, entries[1].Name, entries[2].Name})
}

func TestSignURL(t *testing.T) {
	var dir = t.TempDir()
	var store, err = fs.New(mustParseURL("file://" + dir + "/"))
	require.NoError(t, err)

	var l = New(store)
	e, err := l.Post(context.Background(), "snap.json", []byte("{}"), "")
	require.NoError(t, err)

	signer, ok := remotelog.AsSigner(remotelog.WithRetry(l, retry.DefaultPolicy(), nil, 0))
	require.True(t, ok)

	signed, err := signer.SignURL(e, time.Hour)
	require.NoError(t, err)

	var u = mustParseURL(signed)
	require.Equal(t, "file", u.Scheme)
	_, err = os.Stat(u.Path)
	require.NoError(t, err)
}

func mustParseURL(s string) *url.URL {
	var u, err = url.Parse(s)
	if err != nil {
		panic(err)
	}
	return u
}
