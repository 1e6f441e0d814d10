package core

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Set by RegisterMetrics. When nil, recording is skipped.
var (
	signInsTotal          *prometheus.CounterVec
	linkRecoveriesTotal   *prometheus.CounterVec
	livenessSignOutsTotal prometheus.Counter
	accountDeletionsTotal *prometheus.CounterVec
)

// RegisterMetrics registers the auth facade metrics on reg. A nil registry is a no-op.
func RegisterMetrics(reg *prometheus.Registry) {
	if reg == nil {
		return
	}

	signInsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authlink_signins_total",
			Help: "Total number of sign-in attempts by method and result.",
		},
		[]string{"method", "result"},
	)

	linkRecoveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authlink_link_recoveries_total",
			Help: "Total number of link conflicts recovered with a replacement credential.",
		},
		[]string{"kind"},
	)

	livenessSignOutsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "authlink_liveness_signouts_total",
		Help: "Total number of sessions signed out after a failed liveness check.",
	})

	accountDeletionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authlink_account_deletions_total",
			Help: "Total number of account deletion attempts by result.",
		},
		[]string{"result"},
	)

	reg.MustRegister(signInsTotal, linkRecoveriesTotal, livenessSignOutsTotal, accountDeletionsTotal)
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func recordSignIn(method SignInMethod, err error) {
	if signInsTotal == nil {
		return
	}
	signInsTotal.WithLabelValues(string(method), resultLabel(err)).Inc()
}

func recordLinkRecovery(kind ErrorKind) {
	if linkRecoveriesTotal == nil {
		return
	}
	linkRecoveriesTotal.WithLabelValues(kind.String()).Inc()
}

func recordLivenessSignOut() {
	if livenessSignOutsTotal == nil {
		return
	}
	livenessSignOutsTotal.Inc()
}

func recordAccountDeletion(err error) {
	if accountDeletionsTotal == nil {
		return
	}
	accountDeletionsTotal.WithLabelValues(resultLabel(err)).Inc()
}
