package stores

import (
	"fmt"
	"net/url"
	"sync"

	"github.com/gorilla/schema"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	constructors = make(map[string]Constructor)
	stores       = make(map[string]*ActiveStore)
	storesMu     sync.RWMutex
)

// RegisterProviders registers store constructors for different storage schemes.
// This should be called during initialization to register all available store types.
func RegisterProviders(providers map[string]Constructor) {
	storesMu.Lock()
	defer storesMu.Unlock()

	for scheme, constructor := range providers {
		constructors[scheme] = constructor
	}
}

// Providers returns a copy of the currently registered store constructors.
func Providers() map[string]Constructor {
	storesMu.RLock()
	defer storesMu.RUnlock()

	var out = make(map[string]Constructor, len(constructors))
	for scheme, constructor := range constructors {
		out[scheme] = constructor
	}
	return out
}

// Get returns an ActiveStore for the store URL |ep|, constructing it on
// first use. Constructor failures aren't cached, and are retried by the next
// Get of the URL.
func Get(ep *url.URL) (*ActiveStore, error) {
	var key = ep.String()

	storesMu.RLock()
	if active, ok := stores[key]; ok {
		storesMu.RUnlock()
		return active, nil
	}
	storesMu.RUnlock()

	storesMu.Lock()
	defer storesMu.Unlock()

	// Double-check after acquiring write lock
	if active, ok := stores[key]; ok {
		return active, nil
	}

	constructor, ok := constructors[ep.Scheme]
	if !ok {
		return nil, fmt.Errorf("unsupported store scheme: %s", ep.Scheme)
	}
	store, err := constructor(ep)
	if err != nil {
		return nil, err
	}

	var active = NewActiveStore(key, store)
	stores[key] = active
	activeStores.Set(float64(len(stores)))

	return active, nil
}

// ParseStoreArgs decodes the query arguments of store URL |ep| into |args|,
// a pointer to a struct. Unknown arguments are an error.
func ParseStoreArgs(ep *url.URL, args interface{}) error {
	var decoder = schema.NewDecoder()
	decoder.IgnoreUnknownKeys(false)

	if q, err := url.ParseQuery(ep.RawQuery); err != nil {
		return err
	} else if err = decoder.Decode(args, q); err != nil {
		return fmt.Errorf("parsing store URL arguments: %s", err)
	}
	return nil
}

var (
	activeStores = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "keepsake_store_active",
		Help: "Number of active object stores",
	})

	storeOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "keepsake_store_operation_duration_seconds",
		Help:    "Duration of store operations in seconds",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~32s
	}, []string{"store", "operation", "status"})

	storeOperationTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "keepsake_store_operation_total",
		Help: "Total number of store operations",
	}, []string{"store", "operation", "status"})

	storePutBytesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "keepsake_store_put_bytes_total",
		Help: "Total bytes written to stores",
	}, []string{"store", "encoding"})

	storeListItems = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "keepsake_store_list_items_count",
		Help:    "Number of items returned by list operations",
		Buckets: prometheus.ExponentialBuckets(1, 2, 15), // 1 to ~32k items
	}, []string{"store"})

	storeHealthCheckTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "keepsake_store_health_check_total",
		Help: "Total number of store health checks",
	}, []string{"store", "status"})
)
