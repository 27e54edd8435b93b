package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus is a Collector backed by prometheus client metrics.
type Prometheus struct {
	pendingOps prometheus.Gauge
	rollbacks  *prometheus.CounterVec
	conflicts  prometheus.Counter
	broadcasts prometheus.Counter
	backups    prometheus.Counter
	resyncs    prometheus.Counter
}

var _ Collector = (*Prometheus)(nil)

// NewPrometheus builds a Collector and registers its metrics on the given
// registerer. Pass prometheus.DefaultRegisterer for the process default.
func NewPrometheus(reg prometheus.Registerer) (*Prometheus, error) {
	p := &Prometheus{
		pendingOps: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "cartsync",
			Name:      "pending_operations",
			Help:      "Number of optimistic operations currently in flight.",
		}),
		rollbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cartsync",
			Name:      "rollbacks_total",
			Help:      "Rollbacks performed, partitioned by reason.",
		}, []string{"reason"}),
		conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cartsync",
			Name:      "conflicts_total",
			Help:      "Conflicts detected during snapshot merges and resolution passes.",
		}),
		broadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cartsync",
			Name:      "broadcasts_total",
			Help:      "Cross-tab change notifications published.",
		}),
		backups: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cartsync",
			Name:      "backups_total",
			Help:      "Local backup writes performed.",
		}),
		resyncs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cartsync",
			Name:      "resyncs_total",
			Help:      "Full resyncs executed against the remote gateway.",
		}),
	}

	for _, c := range []prometheus.Collector{
		p.pendingOps, p.rollbacks, p.conflicts, p.broadcasts, p.backups, p.resyncs,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *Prometheus) SetPendingOperations(n int) {
	p.pendingOps.Set(float64(n))
}

func (p *Prometheus) RecordRollback(reason string) {
	p.rollbacks.WithLabelValues(reason).Inc()
}

func (p *Prometheus) RecordConflict() {
	p.conflicts.Inc()
}

func (p *Prometheus) RecordBroadcast() {
	p.broadcasts.Inc()
}

func (p *Prometheus) RecordBackup() {
	p.backups.Inc()
}

func (p *Prometheus) RecordResync() {
	p.resyncs.Inc()
}
