package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// AuthAttempts counts authentication operations by stage and outcome. The
// "stage" label distinguishes send_otp, verify_otp, and logout; "result" is
// success or failure.
var AuthAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "tpbinge_proxy_auth_attempts",
	Help: "Number of authentication attempts by stage and result",
}, []string{"stage", "result"})

// ActiveSessions tracks the number of device sessions currently held in the
// credential store. The store owns the gauge: create, delete, lazy eviction,
// and sweep all update it, so it never drifts from the stored record count.
var ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "tpbinge_proxy_active_sessions",
	Help: "Number of live device sessions",
})

// ManifestCacheHits counts channel resolutions served straight from the URL
// cache without an upstream call.
var ManifestCacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "tpbinge_proxy_manifest_cache_hits",
	Help: "Manifest resolutions served from the URL cache",
}, []string{"channel"})

// ManifestCacheMisses counts channel resolutions that had to go upstream,
// either because no URL was cached or its embedded expiry had lapsed.
var ManifestCacheMisses = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "tpbinge_proxy_manifest_cache_misses",
	Help: "Manifest resolutions that required an upstream call",
}, []string{"channel"})

// ResolutionErrors counts failed manifest resolutions per channel.
var ResolutionErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "tpbinge_proxy_resolution_errors",
	Help: "Number of failed manifest resolutions",
}, []string{"channel"})

// PlaylistRequests counts playlist downloads by requesting player family.
var PlaylistRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "tpbinge_proxy_playlist_requests",
	Help: "Number of playlist downloads by player family",
}, []string{"player"})
