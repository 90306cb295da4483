// Copyright 2025 Certen Protocol
//
// Package metrics exposes Prometheus gauges and counters for chain height,
// mempool size, and HTTP request outcomes.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ChainHeight is the current block height of the local chain.
	ChainHeight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "keydirectory",
		Name:      "chain_height",
		Help:      "Current height of the local chain.",
	})

	// AuthorityCount is the number of currently non-revoked authorities.
	AuthorityCount = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "keydirectory",
		Name:      "authority_count",
		Help:      "Number of currently non-revoked block-authoring authorities.",
	})

	// MempoolSize is the number of pending transactions awaiting inclusion.
	MempoolSize = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "keydirectory",
		Name:      "mempool_size",
		Help:      "Number of signed transactions waiting to be mined.",
	})

	// HTTPRequestsTotal counts handled HTTP requests by route and outcome.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "keydirectory",
		Name:      "http_requests_total",
		Help:      "Total HTTP requests handled, by route and status class.",
	}, []string{"route", "status_class"})

	// BlocksAppended counts blocks appended to the local chain, by source.
	BlocksAppended = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "keydirectory",
		Name:      "blocks_appended_total",
		Help:      "Total blocks appended to the local chain, by source.",
	}, []string{"source"})
)

// Handler returns the HTTP handler to mount at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
