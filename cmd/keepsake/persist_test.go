package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/keepsakebot/keepsake/auth"
	"github.com/keepsakebot/keepsake/codecs"
	"github.com/keepsakebot/keepsake/remotelog"
	"github.com/keepsakebot/keepsake/remotelog/dial"
	"github.com/keepsakebot/keepsake/snapshot"
	"github.com/keepsakebot/keepsake/store"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

func TestOpenPersistence(t *testing.T) {
	var ctx = context.Background()
	var cfg = persistConfig{Codec: "snappy", PageSize: 10, Retain: 2, Required: true}

	var _, err = openPersistence(ctx, cfg, dial.Config{})
	require.EqualError(t, err, "a remote log URL is required (--remote.url)")

	// Without Required, records are held by an in-memory log.
	cfg.Required = false
	p, err := openPersistence(ctx, cfg, dial.Config{})
	require.NoError(t, err)
	require.IsType(t, &remotelog.MemoryLog{}, p.raw)
	require.Equal(t, 2, p.pruner.Retain)
	require.Equal(t, 10, p.loader.PageSize)

	var dir = t.TempDir()
	cfg.StagingDir = dir
	p, err = openPersistence(ctx, cfg, dial.Config{URL: "sqlite://" + filepath.Join(dir, "log.db")})
	require.NoError(t, err)
	defer p.close()

	var w = p.writer("bot@host")
	require.Equal(t, dir, w.Dir)
	require.Equal(t, "bot@host", w.Identity)
	require.Same(t, p.pruner, w.Pruner)

	cfg.Codec = "lzma"
	_, err = openPersistence(ctx, cfg, dial.Config{})
	require.EqualError(t, err, `unsupported codec "lzma"`)

	cfg.Codec, cfg.Catalog = "none", filepath.Join(dir, "missing.yaml")
	_, err = openPersistence(ctx, cfg, dial.Config{})
	require.ErrorContains(t, err, "loading catalog")
}

func TestSignToken(t *testing.T) {
	var ka, err = auth.NewKeyedAuth("c2VjcmV0")
	require.NoError(t, err)

	token, err := signToken(ka, "ops", false, time.Minute)
	require.NoError(t, err)

	claims, err := ka.Verify("Bearer "+token, auth.READ)
	require.NoError(t, err)
	require.Equal(t, "ops", claims.Subject)

	_, err = ka.Verify("Bearer "+token, auth.ADMIN)
	require.Error(t, err)

	token, err = signToken(ka, "ops", true, time.Minute)
	require.NoError(t, err)
	_, err = ka.Verify("Bearer "+token, auth.ADMIN)
	require.NoError(t, err)
}

func TestReadiness(t *testing.T) {
	var l = remotelog.NewMemoryLog()
	var w = snapshot.NewWriter(l, codecs.None, "bot@host")
	w.Fs, w.Dir = afero.NewMemMapFs(), "/"

	var s = store.New(store.Config{}, nil, &snapshot.Loader{Log: l, PageSize: 10}, w, nil)
	require.EqualError(t, ready(s), "store is UNINITIALIZED")

	require.NoError(t, s.Hydrate(context.Background()))
	require.NoError(t, ready(s))

	require.NoError(t, s.Shutdown(context.Background()))
	require.EqualError(t, ready(s), "store is TERMINATED")
	require.Equal(t, 1, l.Len()) // Final flush.
}
