package lease

import (
	"context"
	"crypto/tls"
	"net/url"
	"time"

	pkgerrors "github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.etcd.io/etcd/client/pkg/v3/transport"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
	"google.golang.org/grpc"
)

// EtcdConfig configures the Etcd session of an etcd lease.
type EtcdConfig struct {
	Address       string        `long:"address" env:"ADDRESS" default:"http://localhost:2379" description:"Etcd service address endpoint"`
	CertFile      string        `long:"cert-file" env:"CERT_FILE" default:"" description:"Path to the client TLS certificate"`
	CertKeyFile   string        `long:"cert-key-file" env:"CERT_KEY_FILE" default:"" description:"Path to the client TLS private key"`
	TrustedCAFile string        `long:"trusted-ca-file" env:"TRUSTED_CA_FILE" default:"" description:"Path to the trusted CA for client verification of server certificates"`
	LeaseTTL      time.Duration `long:"lease" env:"LEASE_TTL" default:"20s" description:"Time-to-live of Etcd lease"`
	DialTimeout   time.Duration `long:"dial-timeout" env:"DIAL_TIMEOUT" default:"10s" description:"Maximum duration of the initial Etcd dial"`
	Prefix        string        `long:"prefix" env:"PREFIX" default:"/keepsake/writers/" description:"Key prefix of writer leases"`
}

// Dial builds an Etcd client.
func (c *EtcdConfig) Dial(ctx context.Context) (*clientv3.Client, error) {
	var addr, err = url.Parse(c.Address)
	if err != nil {
		return nil, pkgerrors.WithMessage(err, "parsing Etcd address")
	}
	var tlsConfig *tls.Config

	switch addr.Scheme {
	case "https":
		var info = transport.TLSInfo{
			CertFile:      c.CertFile,
			KeyFile:       c.CertKeyFile,
			TrustedCAFile: c.TrustedCAFile,
		}
		if tlsConfig, err = info.ClientConfig(); err != nil {
			return nil, pkgerrors.WithMessage(err, "building TLS config")
		}
	case "unix":
		// The Etcd client requires hostname is stripped from unix:// URLs.
		addr.Host = ""
	}

	// A blocking dial surfaces a partitioned or mis-configured Etcd here,
	// rather than at the first lease operation.
	var timer = time.AfterFunc(time.Second, func() {
		log.WithField("addr", addr.String()).Warn("dialing Etcd is taking a while (is network okay?)")
	})
	defer timer.Stop()

	etcd, err := clientv3.New(clientv3.Config{
		Context:     ctx,
		Endpoints:   []string{addr.String()},
		DialTimeout: c.DialTimeout,
		DialOptions: []grpc.DialOption{grpc.WithBlock()},
		// Use aggressive keep-alives to detect a lost server prior to our
		// lease TTL expiring.
		DialKeepAliveTime:    c.LeaseTTL / 4,
		DialKeepAliveTimeout: c.LeaseTTL / 4,
		RejectOldCluster:     true,
		TLS:                  tlsConfig,
	})
	if err != nil {
		return nil, pkgerrors.WithMessage(err, "dialing Etcd")
	}
	return etcd, nil
}

type etcdLease struct {
	etcd    *clientv3.Client
	session *concurrency.Session
	mutex   *concurrency.Mutex
}

func acquireEtcd(ctx context.Context, cfg EtcdConfig, key, identity string) (Lease, error) {
	var etcd, err = cfg.Dial(ctx)
	if err != nil {
		return nil, err
	}
	session, err := concurrency.NewSession(etcd, concurrency.WithTTL(int(cfg.LeaseTTL.Seconds())))
	if err != nil {
		_ = etcd.Close()
		return nil, pkgerrors.WithMessage(err, "establishing Etcd session")
	}

	var mutex = concurrency.NewMutex(session, key)
	if err = mutex.TryLock(ctx); err == concurrency.ErrLocked {
		err = pkgerrors.WithMessagef(ErrHeld, "etcd key %s", key)
	}
	if err != nil {
		_ = session.Close()
		_ = etcd.Close()
		return nil, err
	}

	log.WithFields(log.Fields{
		"key":      mutex.Key(),
		"lease":    session.Lease(),
		"identity": identity,
	}).Info("acquired etcd lease")

	return &etcdLease{etcd: etcd, session: session, mutex: mutex}, nil
}

func (l *etcdLease) Lost() <-chan struct{} { return l.session.Done() }

func (l *etcdLease) Release(ctx context.Context) error {
	var err = l.mutex.Unlock(ctx)
	if closeErr := l.session.Close(); err == nil {
		err = closeErr
	}
	if closeErr := l.etcd.Close(); err == nil {
		err = closeErr
	}
	return err
}
