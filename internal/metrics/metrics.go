// Package metrics exposes prometheus/client_golang collectors for the LUM
// core's components: the export registry, the SCSI command layer, the
// iSCSI target, and the cluster PR engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry bundles every collector the LUM core updates as it runs.
type Registry struct {
	ExportCount    prometheus.Gauge
	ExportVersion  prometheus.Gauge
	SessionsActive prometheus.Gauge
	CommandsTotal  *prometheus.CounterVec
	ReservationsHeld prometheus.Gauge
	RegistrationsTotal prometheus.Gauge
	ReconcileTotal *prometheus.CounterVec
}

// New builds a Registry and registers every collector with reg.
func New(reg prometheus.Registerer) *Registry {
	m := &Registry{
		ExportCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "lum",
			Subsystem: "registry",
			Name:      "exports",
			Help:      "Number of exports currently in the local export table.",
		}),
		ExportVersion: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "lum",
			Subsystem: "registry",
			Name:      "table_version",
			Help:      "Current version of the local export table.",
		}),
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "lum",
			Subsystem: "iscsi",
			Name:      "sessions_active",
			Help:      "Number of full-feature-phase iSCSI sessions.",
		}),
		CommandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lum",
			Subsystem: "scsi",
			Name:      "commands_total",
			Help:      "SCSI commands dispatched, by opcode and outcome.",
		}, []string{"opcode", "status"}),
		ReservationsHeld: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "lum",
			Subsystem: "pr",
			Name:      "reservations_held",
			Help:      "Number of LUNs with an active persistent reservation.",
		}),
		RegistrationsTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "lum",
			Subsystem: "pr",
			Name:      "registrations",
			Help:      "Total PR registrations held across all LUNs.",
		}),
		ReconcileTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lum",
			Subsystem: "registry",
			Name:      "reconcile_total",
			Help:      "Reconciliation protocol runs, by outcome.",
		}, []string{"outcome"}),
	}
	reg.MustRegister(
		m.ExportCount,
		m.ExportVersion,
		m.SessionsActive,
		m.CommandsTotal,
		m.ReservationsHeld,
		m.RegistrationsTotal,
		m.ReconcileTotal,
	)
	return m
}

// ObserveCommand records one dispatched SCSI command's opcode and outcome.
func (m *Registry) ObserveCommand(opcode byte, status byte) {
	m.CommandsTotal.WithLabelValues(opcodeLabel(opcode), statusLabel(status)).Inc()
}

// ObserveReconcile records one reconciliation protocol run's outcome
// ("ok" or "error").
func (m *Registry) ObserveReconcile(err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.ReconcileTotal.WithLabelValues(outcome).Inc()
}

func opcodeLabel(op byte) string {
	return "0x" + hexByte(op)
}

func statusLabel(status byte) string {
	return "0x" + hexByte(status)
}

const hexDigits = "0123456789abcdef"

func hexByte(b byte) string {
	return string([]byte{hexDigits[b>>4], hexDigits[b&0xf]})
}
