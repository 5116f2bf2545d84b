// server/stats.go
// Copyright(c) 2022 the cdpserver authors
// BSD licensed; see LICENSE for details.

package server

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// stats counts requests per endpoint and tallies ingestion volume. The
// same numbers are exported twice: as the /Stats.json document clients
// expect and as Prometheus counters on /metrics. A fresh registry per
// instance keeps tests from tripping over duplicate registration.
type stats struct {
	mu sync.Mutex

	get     map[string]int64
	post    map[string]int64
	unknown int64

	nFiles      int64
	nTotalBytes int64
	nDedupBytes int64
	nMetaBytes  int64

	registry *prometheus.Registry
	requests *prometheus.CounterVec
	bytes    *prometheus.CounterVec
}

func newStats() *stats {
	st := &stats{
		get:      make(map[string]int64),
		post:     make(map[string]int64),
		registry: prometheus.NewRegistry(),
	}
	st.requests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cdpserver_requests_total",
		Help: "HTTP requests served, by method and endpoint.",
	}, []string{"method", "endpoint"})
	st.bytes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cdpserver_stored_bytes_total",
		Help: "Bytes accepted for storage, by kind.",
	}, []string{"kind"})
	st.registry.MustRegister(st.requests, st.bytes)
	return st
}

// Per-URL keys under the GET section. Hash lookups are folded into one
// key since each URL is distinct.
const dataHashKey = "/Data/0xxxx.json"

func (st *stats) countGet(endpoint string) {
	st.mu.Lock()
	st.get[endpoint]++
	st.mu.Unlock()
	st.requests.WithLabelValues("GET", endpoint).Inc()
}

func (st *stats) countPost(endpoint string) {
	st.mu.Lock()
	st.post[endpoint]++
	st.mu.Unlock()
	st.requests.WithLabelValues("POST", endpoint).Inc()
}

func (st *stats) countUnknown(method string) {
	st.mu.Lock()
	st.unknown++
	st.mu.Unlock()
	st.requests.WithLabelValues(method, "unknown").Inc()
}

// blockStored tallies a block accepted by the writer. dup marks a
// payload that deduplication made a no-op on the backend.
func (st *stats) blockStored(n int64, dup bool) {
	st.mu.Lock()
	st.nTotalBytes += n
	if !dup {
		st.nDedupBytes += n
	}
	st.mu.Unlock()
	st.bytes.WithLabelValues("block").Add(float64(n))
}

func (st *stats) metaStored(n int64) {
	st.mu.Lock()
	st.nFiles++
	st.nMetaBytes += n
	st.mu.Unlock()
	st.bytes.WithLabelValues("meta").Add(float64(n))
}

// document renders the statistics in the shape /Stats.json reports.
func (st *stats) document() map[string]interface{} {
	st.mu.Lock()
	defer st.mu.Unlock()

	get := map[string]interface{}{
		"/Stats.json":           st.get["/Stats.json"],
		"/Version.json":         st.get["/Version.json"],
		"/Version":              st.get["/Version"],
		"/File/List.json":       st.get["/File/List.json"],
		dataHashKey:             st.get[dataHashKey],
		"/Data/Hash_Array.json": st.get["/Data/Hash_Array.json"],
		"/unknown.json":         st.get["/unknown.json"],
		"/unknown":              st.get["/unknown"],
	}
	var nGet int64
	for _, n := range st.get {
		nGet += n
	}
	get["Total requests"] = nGet

	post := map[string]interface{}{
		"/Meta.json":       st.post["/Meta.json"],
		"/Data.json":       st.post["/Data.json"],
		"/Data_Array.json": st.post["/Data_Array.json"],
		"/Hash_Array.json": st.post["/Hash_Array.json"],
		"/unknown.json":    st.post["/unknown.json"],
	}
	var nPost int64
	for _, n := range st.post {
		nPost += n
	}
	post["Total requests"] = nPost

	return map[string]interface{}{
		"Requests": map[string]interface{}{
			"Total requests": nGet + nPost + st.unknown,
			"GET":            get,
			"POST":           post,
			"Unknown": map[string]interface{}{
				"Total requests": st.unknown,
			},
		},
		"files":          st.nFiles,
		"total size":     st.nTotalBytes,
		"dedup size":     st.nDedupBytes,
		"meta data size": st.nMetaBytes,
	}
}

// metricsHandler serves the Prometheus exposition of this instance's
// registry.
func (st *stats) metricsHandler() http.Handler {
	return promhttp.HandlerFor(st.registry, promhttp.HandlerOpts{})
}
