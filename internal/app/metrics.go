package app

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the wallet service's business counters. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	transfers        *prometheus.CounterVec
	transferStates   *prometheus.CounterVec
	registrations    *prometheus.CounterVec
	resolutions      *prometheus.CounterVec
	inboundTransfers *prometheus.CounterVec
	reconciliations  *prometheus.CounterVec
}

// NewMetrics creates the counters and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		transfers: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wallet_transfers_total",
				Help: "Transfers by route and outcome",
			},
			[]string{"route", "result"},
		),
		transferStates: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wallet_transfer_state_transitions_total",
				Help: "Transfer engine state transitions",
			},
			[]string{"state"},
		),
		registrations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wallet_registrations_total",
				Help: "Wallet registrations by outcome",
			},
			[]string{"result"},
		),
		resolutions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wallet_identifier_resolutions_total",
				Help: "Identifier lookups by outcome",
			},
			[]string{"result"},
		),
		inboundTransfers: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wallet_inbound_transfers_total",
				Help: "Inbound hub credits by outcome",
			},
			[]string{"result"},
		),
		reconciliations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wallet_reconciliation_issues_total",
				Help: "Reconciliation issues by lifecycle event",
			},
			[]string{"event"},
		),
	}
	if reg != nil {
		reg.MustRegister(m.transfers, m.transferStates, m.registrations, m.resolutions, m.inboundTransfers, m.reconciliations)
	}
	return m
}

func (m *Metrics) transfer(route, result string) {
	if m == nil {
		return
	}
	m.transfers.WithLabelValues(route, result).Inc()
}

func (m *Metrics) transferState(state transferState) {
	if m == nil {
		return
	}
	m.transferStates.WithLabelValues(string(state)).Inc()
}

func (m *Metrics) registration(result string) {
	if m == nil {
		return
	}
	m.registrations.WithLabelValues(result).Inc()
}

func (m *Metrics) resolution(result string) {
	if m == nil {
		return
	}
	m.resolutions.WithLabelValues(result).Inc()
}

func (m *Metrics) inbound(result string) {
	if m == nil {
		return
	}
	m.inboundTransfers.WithLabelValues(result).Inc()
}

func (m *Metrics) reconciliation(event string) {
	if m == nil {
		return
	}
	m.reconciliations.WithLabelValues(event).Inc()
}

// RegisterHubBreaker exports the hub circuit breaker as a 0/1 gauge.
func RegisterHubBreaker(reg prometheus.Registerer, hub interface{ BreakerOpen() bool }) {
	reg.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "wallet_hub_circuit_open",
			Help: "1 while calls to the hub are refused by the circuit breaker",
		},
		func() float64 {
			if hub.BreakerOpen() {
				return 1
			}
			return 0
		},
	))
}
