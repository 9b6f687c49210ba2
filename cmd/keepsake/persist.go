package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/keepsakebot/keepsake/codecs"
	"github.com/keepsakebot/keepsake/record"
	"github.com/keepsakebot/keepsake/remotelog"
	"github.com/keepsakebot/keepsake/remotelog/dial"
	"github.com/keepsakebot/keepsake/retry"
	"github.com/keepsakebot/keepsake/snapshot"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

type persistConfig struct {
	Required    bool          `long:"required" env:"REQUIRED" description:"Require a remote log URL. Otherwise, records are held only in memory"`
	Codec       string        `long:"codec" env:"CODEC" default:"gzip" choice:"none" choice:"gzip" choice:"snappy" choice:"zstd" description:"Compression codec of published snapshots"`
	Retain      int           `long:"retain" env:"RETAIN" default:"0" description:"Number of backup snapshots kept beyond the newest one"`
	PageSize    int           `long:"page-size" env:"PAGE_SIZE" default:"100" description:"Page size of remote log listings"`
	Parallelism int           `long:"prune-parallelism" env:"PRUNE_PARALLELISM" default:"4" description:"Maximum concurrent deletions of pruned snapshots"`
	CallTimeout time.Duration `long:"call-timeout" env:"CALL_TIMEOUT" default:"30s" description:"Timeout of each remote log call"`
	StagingDir  string        `long:"staging-dir" env:"STAGING_DIR" description:"Directory in which snapshot blobs are staged and verified. The OS temporary directory if not set"`
	Catalog     string        `long:"catalog" env:"CATALOG" description:"Path of a YAML catalog of collectibles and cosmetics. The built-in catalog if not set"`

	Retry retry.Policy `group:"Remote Retry" namespace:"retry" env-namespace:"RETRY"`
}

// persistence composes the remote log with the snapshot components using it.
type persistence struct {
	cfg     persistConfig
	raw     remotelog.Log
	log     *remotelog.RetryingLog
	codec   codecs.Codec
	catalog *record.Catalog
	loader  *snapshot.Loader
	pruner  *snapshot.Pruner
}

// openPersistence dials the remote log of |remote| and builds its snapshot
// components. An unset URL is an error if persistence is Required, and is
// otherwise served by an in-memory log.
func openPersistence(ctx context.Context, cfg persistConfig, remote dial.Config) (*persistence, error) {
	var codec = codecs.Codec(cfg.Codec)
	if err := codec.Validate(); err != nil {
		return nil, err
	}
	var catalog = record.DefaultCatalog()
	if cfg.Catalog != "" {
		var err error
		if catalog, err = record.LoadCatalog(cfg.Catalog); err != nil {
			return nil, errors.WithMessage(err, "loading catalog")
		}
	}

	var raw remotelog.Log
	if remote.URL == "" && cfg.Required {
		return nil, fmt.Errorf("a remote log URL is required (--remote.url)")
	} else if remote.URL == "" {
		log.Warn("no remote log URL is configured (records will be lost at exit)")
		raw = remotelog.NewMemoryLog()
	} else {
		var err error
		if raw, err = dial.Dial(ctx, remote); err != nil {
			return nil, err
		}
	}

	var rl = remotelog.WithRetry(raw, cfg.Retry, retry.SystemClock, cfg.CallTimeout)
	return &persistence{
		cfg:     cfg,
		raw:     raw,
		log:     rl,
		codec:   codec,
		catalog: catalog,
		loader:  &snapshot.Loader{Log: rl, PageSize: cfg.PageSize},
		pruner: &snapshot.Pruner{
			Log:         rl,
			PageSize:    cfg.PageSize,
			Retain:      cfg.Retain,
			Parallelism: cfg.Parallelism,
		},
	}, nil
}

// writer returns a snapshot Writer of |identity|. Its posts aren't retried,
// as the flush queue retries complete publishes.
func (p *persistence) writer(identity string) *snapshot.Writer {
	var single = remotelog.WithRetry(p.raw, retry.Policy{MaxAttempts: 1}, retry.SystemClock, p.cfg.CallTimeout)
	var w = snapshot.NewWriter(single, p.codec, identity)

	if p.cfg.StagingDir != "" {
		w.Dir = p.cfg.StagingDir
	}
	w.Pruner = p.pruner
	return w
}

func (p *persistence) close() {
	if c, ok := p.raw.(io.Closer); ok {
		if err := c.Close(); err != nil {
			log.WithField("err", err).Warn("failed to close remote log")
		}
	}
}
