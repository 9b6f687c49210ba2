// Package dial constructs a remotelog.Log from a URL. The URL scheme selects
// the backend:
//
//	memory:                       in-process MemoryLog (lost on exit)
//	file:///var/lib/keepsake/     objlog over a local directory
//	s3://bucket/prefix/           objlog over AWS S3
//	gs://bucket/prefix/           objlog over Google Cloud Storage
//	azure://account/container/    objlog over Azure Blob Storage (shared key)
//	azure-ad://tenant/account/container/
//	                              objlog over Azure Blob Storage (AD credentials)
//	sqlite:///path/to/log.db      sqllog over a SQLite database
//	postgres://user@host/db       sqllog over a PostgreSQL database
//	channel://<channel-id>        chanlog over a chat channel
//
// Object store URLs take backend arguments as query parameters. SQL URLs
// take an optional "table" parameter.
package dial

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/keepsakebot/keepsake/remotelog"
	"github.com/keepsakebot/keepsake/remotelog/chanlog"
	"github.com/keepsakebot/keepsake/remotelog/objlog"
	"github.com/keepsakebot/keepsake/remotelog/sqllog"
	"github.com/keepsakebot/keepsake/remotelog/stores"
	"github.com/keepsakebot/keepsake/remotelog/stores/azure"
	"github.com/keepsakebot/keepsake/remotelog/stores/fs"
	"github.com/keepsakebot/keepsake/remotelog/stores/gcs"
	"github.com/keepsakebot/keepsake/remotelog/stores/s3"
	log "github.com/sirupsen/logrus"
)

// Config of the remote Log.
type Config struct {
	URL     string         `long:"url" env:"URL" description:"URL of the remote log (memory:, file://, s3://, gs://, azure://, azure-ad://, sqlite://, postgres://, channel://)"`
	Channel chanlog.Config `group:"Channel" namespace:"channel" env-namespace:"CHANNEL"`
}

func init() {
	stores.RegisterProviders(map[string]stores.Constructor{
		"file":     fs.New,
		"s3":       s3.New,
		"gs":       gcs.New,
		"azure":    azure.NewAccount,
		"azure-ad": azure.NewAD,
	})
}

// Dial returns the Log of Config.URL. Logs holding resources, like a database
// connection, also implement io.Closer.
func Dial(ctx context.Context, cfg Config) (remotelog.Log, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("remote log URL not configured")
	}
	var ep, err = url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing remote log URL: %w", err)
	}

	var out remotelog.Log
	switch ep.Scheme {
	case "memory":
		out = remotelog.NewMemoryLog()

	case "sqlite":
		var table, dsn = sqliteDSN(ep)
		out, err = sqllog.Open(ctx, sqllog.SQLite, dsn, table)

	case "postgres", "postgresql":
		var q = ep.Query()
		var table = q.Get("table")
		q.Del("table")

		var dsn = *ep
		dsn.RawQuery = q.Encode()
		out, err = sqllog.Open(ctx, sqllog.Postgres, dsn.String(), table)

	case "channel":
		out, err = chanlog.New(cfg.Channel, ep.Host, nil)

	default:
		if _, ok := stores.Providers()[ep.Scheme]; !ok {
			return nil, fmt.Errorf("unsupported remote log scheme %q", ep.Scheme)
		}
		var active *stores.ActiveStore
		if active, err = stores.Get(ep); err == nil {
			out = objlog.New(active)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("dialing %s log: %w", ep.Scheme, err)
	}

	log.WithFields(log.Fields{
		"scheme": ep.Scheme,
		"url":    redacted(ep),
	}).Info("dialed remote log")

	return out, nil
}

// sqliteDSN maps a sqlite:// URL to a table and a go-sqlite3 file: DSN.
// Parameters other than "table" pass through to the driver.
func sqliteDSN(ep *url.URL) (table, dsn string) {
	var q = ep.Query()
	table = q.Get("table")
	q.Del("table")

	var path = ep.Host + ep.Path
	if ep.Opaque != "" {
		path = ep.Opaque
	}
	dsn = "file:" + path
	if len(q) != 0 {
		dsn += "?" + q.Encode()
	}
	return table, dsn
}

func redacted(ep *url.URL) string {
	var out = *ep
	if _, ok := out.User.Password(); ok {
		out.User = url.UserPassword(out.User.Username(), "xxxxx")
	}
	return strings.TrimSuffix(out.String(), "?")
}
