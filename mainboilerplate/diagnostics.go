package mainboilerplate

import (
	"fmt"
	"net/http"
	"net/http/pprof"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

// DiagnosticsConfig configures the HTTP server of metrics, profiles, and
// the admin API.
type DiagnosticsConfig struct {
	Port string `long:"port" env:"PORT" default:":8090" description:"Listen address of the diagnostics and admin HTTP server"`
}

// NewDiagnosticsMux returns a ServeMux which serves:
//
//	/debug/ready    200 if |ready| returns nil, and 503 otherwise.
//	/debug/metrics  metrics of |gatherer| in the Prometheus exposition format.
//	/debug/pprof/   runtime profiles.
func NewDiagnosticsMux(gatherer prometheus.Gatherer, ready func() error) *http.ServeMux {
	var mux = http.NewServeMux()

	mux.HandleFunc("/debug/ready", func(w http.ResponseWriter, _ *http.Request) {
		if err := ready(); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("/debug/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	return mux
}

// RecoverToTerminationLog is deferred by main functions. It writes a
// recovered panic to the Kubernetes termination log, if there is one,
// and then re-panics.
func RecoverToTerminationLog() {
	var r = recover()
	if r == nil {
		return
	}
	if f, err := os.OpenFile(k8sTerminationLog, os.O_WRONLY, 0); err == nil {
		fmt.Fprintf(f, "%+v", r)
		_ = f.Close()
	}
	panic(r)
}

// Must panics if |err| is non-nil, logging |msg| with |extra| key/value
// pairs as fields.
func Must(err error, msg string, extra ...interface{}) {
	if err == nil {
		return
	}
	var f = log.Fields{"err": err}
	for i := 0; i+1 < len(extra); i += 2 {
		f[fmt.Sprint(extra[i])] = extra[i+1]
	}
	log.WithFields(f).Panic(msg)
}

const k8sTerminationLog = "/dev/termination-log"
