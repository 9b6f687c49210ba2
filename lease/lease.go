// Package lease ensures a remote log has a single writer. Two processes
// publishing to and pruning the same log would delete each other's
// snapshots, so a writer first acquires a Lease keyed on the log.
package lease

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"
)

// ErrHeld is returned when another process holds the Lease.
var ErrHeld = errors.New("lease is held by another writer")

// Lease is a held, exclusive right to write a remote log.
type Lease interface {
	// Lost selects if the Lease is lost before it's Released.
	Lost() <-chan struct{}
	// Release the Lease.
	Release(ctx context.Context) error
}

// Config of the Lease.
type Config struct {
	Kind string     `long:"kind" env:"KIND" default:"none" choice:"none" choice:"file" choice:"etcd" description:"Mechanism of the writer lease"`
	Path string     `long:"path" env:"PATH" default:"keepsake.lock" description:"Lock file of a file lease"`
	Etcd EtcdConfig `group:"Etcd" namespace:"etcd" env-namespace:"ETCD"`
}

// Acquire the Lease of the log at |logURL| for |identity|, without waiting.
func Acquire(ctx context.Context, cfg Config, logURL, identity string) (Lease, error) {
	switch cfg.Kind {
	case "", "none":
		log.Warn("no writer lease is configured (processes sharing a remote log will corrupt it)")
		return newUnleased(), nil
	case "file":
		return acquireFile(cfg.Path, identity)
	case "etcd":
		return acquireEtcd(ctx, cfg.Etcd, Key(cfg.Etcd.Prefix, logURL), identity)
	default:
		return nil, fmt.Errorf("unknown lease kind %q", cfg.Kind)
	}
}

// Key returns the lease key of |logURL| under |prefix|. The URL is hashed,
// as it may carry credentials.
func Key(prefix, logURL string) string {
	var sum = sha256.Sum256([]byte(logURL))
	return prefix + hex.EncodeToString(sum[:8])
}

type unleased struct{}

func newUnleased() unleased                      { return unleased{} }
func (unleased) Lost() <-chan struct{}           { return nil }
func (unleased) Release(_ context.Context) error { return nil }
