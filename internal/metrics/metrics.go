// Package metrics holds the prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CanvasSaves counts canvas save attempts by result (ok, invalid, locked, error).
	CanvasSaves = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "canvas_saves_total",
		Help: "Canvas snapshot saves by result.",
	}, []string{"result"})

	// EditSessionAcquires counts lease acquisition attempts by result (granted, contended, error).
	EditSessionAcquires = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "canvas_edit_session_acquire_total",
		Help: "Edit session acquisition attempts by result.",
	}, []string{"result"})

	// DomainMutations counts role and metric assignment mutations.
	DomainMutations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "canvas_domain_mutations_total",
		Help: "Domain mutations by action and result.",
	}, []string{"action", "result"})
)
