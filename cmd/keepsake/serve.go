package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/keepsakebot/keepsake/admin"
	"github.com/keepsakebot/keepsake/auth"
	"github.com/keepsakebot/keepsake/lease"
	mbp "github.com/keepsakebot/keepsake/mainboilerplate"
	"github.com/keepsakebot/keepsake/metrics"
	"github.com/keepsakebot/keepsake/store"
	"github.com/keepsakebot/keepsake/task"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
)

type cmdServe struct {
	Store store.Config `group:"Store" namespace:"store" env-namespace:"STORE"`
	Lease lease.Config `group:"Lease" namespace:"lease" env-namespace:"LEASE"`
}

var errLeaseLost = errors.New("writer lease was lost")

func (cmd *cmdServe) Execute([]string) error {
	defer mbp.RecoverToTerminationLog()
	mbp.InitLog(Config.Log)

	var identity = Config.Service.Identity()
	log.WithFields(log.Fields{
		"config":   Config,
		"identity": identity,
		"version":  mbp.Version,
	}).Info("starting keepsake")
	prometheus.MustRegister(metrics.KeepsakeCollectors()...)

	var ctx = context.Background()
	var p, err = openPersistence(ctx, Config.Persist, Config.Remote)
	mbp.Must(err, "opening remote log")
	defer p.close()

	ls, err := lease.Acquire(ctx, cmd.Lease, Config.Remote.URL, identity)
	mbp.Must(err, "acquiring writer lease")

	var s = store.New(cmd.Store, p.catalog, p.loader, p.writer(identity), nil)

	var mux = mbp.NewDiagnosticsMux(prometheus.DefaultGatherer, func() error { return ready(s) })
	if Config.Admin.Keys == "" {
		log.Warn("admin API is disabled (--admin.keys is not set)")
	} else {
		ka, err := auth.NewKeyedAuth(Config.Admin.Keys)
		mbp.Must(err, "parsing admin keys")
		mux.Handle("/admin/", admin.NewHandler(s, ka))
	}
	var srv = &http.Server{Addr: Config.Diagnostics.Port, Handler: mux}

	var tasks = task.NewGroup(ctx)
	var signalCh = make(chan os.Signal, 1)

	tasks.Queue("http.ListenAndServe", func() error {
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	tasks.Queue("store.Serve", func() error {
		if err := s.Hydrate(tasks.Context()); err != nil {
			return err
		}
		return s.Serve(tasks.Context())
	})
	tasks.Queue("shutdown", func() error {
		var err error

		select {
		case sig := <-signalCh:
			log.WithField("signal", sig).Info("caught signal")
		case <-ls.Lost():
			// Another writer may now hold the log. Don't flush over it.
			err = errLeaseLost
		case <-tasks.Context().Done():
		}
		if err == nil {
			_ = s.Shutdown(context.Background())
		}

		var httpCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(httpCtx)

		tasks.Cancel()
		return err
	})

	// Install signal handler & start tasks.
	signal.Notify(signalCh, syscall.SIGTERM, syscall.SIGINT)
	tasks.GoRun()

	err = tasks.Wait()

	if releaseErr := ls.Release(context.Background()); releaseErr != nil {
		log.WithField("err", releaseErr).Warn("failed to release writer lease")
	}
	mbp.Must(err, "keepsake task failed")
	log.Info("goodbye")

	return nil
}

// ready returns an error until Store |s| has hydrated, and after it begins
// to shut down.
func ready(s *store.Store) error {
	switch st := s.State(); st {
	case store.Ready, store.Flushing:
		return nil
	default:
		return fmt.Errorf("store is %s", st)
	}
}
