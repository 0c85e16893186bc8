package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ProfilesCached = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "esim_profiles_cached",
		Help: "Current number of eSIM profiles in the cache",
	})

	ProfileListUpdatesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "esim_profile_list_updates_total",
		Help: "Total number of profile list update notifications",
	})

	RefreshesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "esim_profile_refreshes_total",
		Help: "Total number of installed-profile refreshes issued to Hermes",
	}, []string{"result"}) // "success", "inhibit_failed", "fail"

	SmdsScansTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "esim_smds_scans_total",
		Help: "Total number of SM-DS discovery scans",
	}, []string{"result"})

	PolicyQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "esim_policy_queue_depth",
		Help: "Number of policy install requests waiting to be processed",
	})

	PolicyInstallAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "esim_policy_install_attempts_total",
		Help: "Total number of policy eSIM install attempts",
	}, []string{"result", "reason"}) // result: success, retry, dropped

	FacadeOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "esim_facade_operations_total",
		Help: "Total number of user-initiated profile operations",
	}, []string{"op", "result"})
)
