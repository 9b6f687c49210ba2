// Package logtest provides a contract test which every remotelog.Log
// implementation is expected to pass.
package logtest

import (
	"context"
	"fmt"
	"testing"

	"github.com/keepsakebot/keepsake/remotelog"
	"github.com/stretchr/testify/require"
)

// Contract exercises |l|, which must be empty, against the semantics of
// remotelog.Log: ordering, pagination, attachment round-trips, and
// idempotent deletion.
func Contract(t *testing.T, l remotelog.Log) {
	var ctx = context.Background()

	// An empty Log has an empty first page.
	var page, err = l.List(ctx, 10, "")
	require.NoError(t, err)
	require.Empty(t, page)

	var posted []remotelog.Entry
	for i := 0; i != 7; i++ {
		var blob = []byte(fmt.Sprintf("blob-%d", i))
		var name = fmt.Sprintf("entry-%d.bin", i)

		e, err := l.Post(ctx, name, blob, fmt.Sprintf("caption %d", i))
		require.NoError(t, err)
		require.NotEmpty(t, e.ID)
		require.Equal(t, name, e.Name)
		require.Equal(t, int64(len(blob)), e.Size)

		if len(posted) != 0 {
			require.True(t, e.ID > posted[len(posted)-1].ID, "IDs must be ordered by post time")
		}
		posted = append(posted, e)
	}

	// Walk by pages of three: 3 + 3 + 1.
	var walked []string
	var pages int
	var before string
	for {
		page, err = l.List(ctx, 3, before)
		require.NoError(t, err)
		pages++

		for _, e := range page {
			walked = append(walked, e.Name)
		}
		if len(page) < 3 {
			break
		}
		before = page[len(page)-1].ID
	}
	require.Equal(t, 3, pages)
	require.Equal(t, []string{
		"entry-6.bin", "entry-5.bin", "entry-4.bin",
		"entry-3.bin", "entry-2.bin", "entry-1.bin",
		"entry-0.bin",
	}, walked)

	// Entries carry their captions, and attachments round-trip.
	page, err = l.List(ctx, 1, "")
	require.NoError(t, err)
	require.Len(t, page, 1)
	require.Equal(t, posted[6].ID, page[0].ID)
	require.Equal(t, "caption 6", page[0].Caption)

	b, err := remotelog.ReadAll(ctx, l, posted[2])
	require.NoError(t, err)
	require.Equal(t, "blob-2", string(b))

	// Deletes are idempotent, and deleted Entries are neither listed nor opened.
	require.NoError(t, l.Delete(ctx, posted[2].ID))
	require.NoError(t, l.Delete(ctx, posted[2].ID))

	_, err = l.Open(ctx, posted[2])
	require.ErrorIs(t, err, remotelog.ErrNotFound)

	// A deleted cursor remains a valid position within the Log.
	page, err = l.List(ctx, 10, posted[2].ID)
	require.NoError(t, err)
	require.Equal(t, []string{posted[1].ID, posted[0].ID}, ids(page))

	walked = nil
	require.NoError(t, remotelog.Walk(ctx, l, 2, func(e remotelog.Entry) error {
		walked = append(walked, e.ID)
		return nil
	}))
	require.Equal(t, []string{
		posted[6].ID, posted[5].ID, posted[4].ID, posted[3].ID, posted[1].ID, posted[0].ID,
	}, walked)

	for _, e := range posted {
		require.NoError(t, l.Delete(ctx, e.ID))
	}
	page, err = l.List(ctx, 10, "")
	require.NoError(t, err)
	require.Empty(t, page)
}

func ids(entries []remotelog.Entry) []string {
	var out []string
	for _, e := range entries {
		out = append(out, e.ID)
	}
	return out
}
