// Package metrics exposes prometheus collectors which are fed by the trace
// callbacks of a rwsentinel.Sentinel or a static.Topology.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mediocregopher/rwsentinel/trace"
)

const namespace = "rwsentinel"

// Metrics holds every collector. Create it with New, register it with
// Register, and pass the traces it returns to the instances being observed.
type Metrics struct {
	masterSwitches     *prometheus.CounterVec
	replicaReconciles  *prometheus.CounterVec
	replicas           *prometheus.GaugeVec
	replicaSweeps      *prometheus.CounterVec
	replicasDemoted    *prometheus.CounterVec
	replicasPromoted   *prometheus.CounterVec
	listenerDisconnect *prometheus.CounterVec

	staticRebuilds *prometheus.CounterVec
	staticServers  *prometheus.GaugeVec
}

// New returns a Metrics whose collectors are not yet registered.
func New() *Metrics {
	return &Metrics{
		masterSwitches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sentinel",
			Name:      "master_switches_total",
			Help:      "Number of times a new master pool was installed",
		}, []string{"master"}),
		replicaReconciles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sentinel",
			Name:      "replica_reconciles_total",
			Help:      "Number of times the replica set was rebuilt from the sentinels",
		}, []string{"master"}),
		replicas: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sentinel",
			Name:      "replicas",
			Help:      "Number of tracked replicas by availability",
		}, []string{"master", "state"}),
		replicaSweeps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sentinel",
			Name:      "replica_sweeps_total",
			Help:      "Number of health check sweeps which found changes, by whether they were applied",
		}, []string{"master", "result"}),
		replicasDemoted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sentinel",
			Name:      "replicas_demoted_total",
			Help:      "Number of replicas moved to unavailable by a health check",
		}, []string{"master"}),
		replicasPromoted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sentinel",
			Name:      "replicas_promoted_total",
			Help:      "Number of replicas moved to available by a health check",
		}, []string{"master"}),
		listenerDisconnect: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sentinel",
			Name:      "listener_disconnects_total",
			Help:      "Number of times a +switch-master subscription was lost",
		}, []string{"master", "sentinel"}),

		staticRebuilds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "static",
			Name:      "rebuilds_total",
			Help:      "Number of static topology rebuilds by reason",
		}, []string{"reason"}),
		staticServers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "static",
			Name:      "servers",
			Help:      "Number of connected servers by role",
		}, []string{"role"}),
	}
}

// Register registers all collectors with reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		m.masterSwitches,
		m.replicaReconciles,
		m.replicas,
		m.replicaSweeps,
		m.replicasDemoted,
		m.replicasPromoted,
		m.listenerDisconnect,
		m.staticRebuilds,
		m.staticServers,
	} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// SentinelTrace returns a trace.SentinelTrace which records the events of the
// Sentinel for the given master name.
func (m *Metrics) SentinelTrace(master string) trace.SentinelTrace {
	available := m.replicas.WithLabelValues(master, "available")
	unavailable := m.replicas.WithLabelValues(master, "unavailable")
	return trace.SentinelTrace{
		MasterSwitched: func(trace.SentinelMasterSwitched) {
			m.masterSwitches.WithLabelValues(master).Inc()
		},
		ReplicasReconciled: func(ev trace.SentinelReplicasReconciled) {
			m.replicaReconciles.WithLabelValues(master).Inc()
			available.Set(float64(len(ev.Available)))
			unavailable.Set(float64(len(ev.Unavailable)))
		},
		ReplicasSwept: func(ev trace.SentinelReplicasSwept) {
			if ev.Stale {
				m.replicaSweeps.WithLabelValues(master, "stale").Inc()
				return
			}
			m.replicaSweeps.WithLabelValues(master, "applied").Inc()
			m.replicasDemoted.WithLabelValues(master).Add(float64(len(ev.Demoted)))
			m.replicasPromoted.WithLabelValues(master).Add(float64(len(ev.Promoted)))
			delta := float64(len(ev.Promoted) - len(ev.Demoted))
			available.Add(delta)
			unavailable.Sub(delta)
		},
		ListenerDisconnected: func(ev trace.SentinelListenerDisconnected) {
			m.listenerDisconnect.WithLabelValues(master, ev.Sentinel).Inc()
		},
	}
}

// StaticTrace returns a trace.StaticTrace which records the events of a
// static.Topology.
func (m *Metrics) StaticTrace() trace.StaticTrace {
	return trace.StaticTrace{
		Rebuilt: func(ev trace.StaticRebuilt) {
			m.staticRebuilds.WithLabelValues(string(ev.Reason)).Inc()
			m.staticServers.WithLabelValues("master").Set(float64(len(ev.Masters)))
			m.staticServers.WithLabelValues("replica").Set(float64(len(ev.Replicas)))
		},
	}
}
