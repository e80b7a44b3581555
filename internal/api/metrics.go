package api

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	oracleAuth = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "backoffice_oracle_auth_total",
		Help: "Oracle request authentication outcomes",
	}, []string{"status"})
	gateBlocks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "backoffice_gate_blocked_total",
		Help: "Spend gate refusals by reason",
	}, []string{"reason"})
)
