package mitmcache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheHits counts responses served from storage
	CacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mitmcache_hits_total",
			Help: "Total number of responses served from the cache",
		},
	)

	// CacheMisses counts requests forwarded to the origin
	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mitmcache_misses_total",
			Help: "Total number of requests forwarded to the origin",
		},
		[]string{"reason"}, // "key-miss", "no-key"
	)

	// CacheWrites counts successful writes by operation
	CacheWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mitmcache_writes_total",
			Help: "Total number of responses written to storage",
		},
		[]string{"operation"}, // "store", "update"
	)

	// StorageErrors counts failed storage operations
	StorageErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mitmcache_storage_errors_total",
			Help: "Total number of failed cache storage operations",
		},
		[]string{"operation"}, // "get", "store", "update", "purge", "encode", "decode"
	)
)

const (
	missReasonKeyMiss = "key-miss"
	missReasonNoKey   = "no-key"
)
