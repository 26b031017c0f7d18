package observer

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ineyio/querygate"
)

const namespace = "querygate"

// Prometheus records admission transitions as Prometheus metrics.
type Prometheus struct {
	transitions *prometheus.CounterVec
	outcomes    *prometheus.CounterVec
	notes       *prometheus.CounterVec
	cost        prometheus.Counter
	latency     *prometheus.HistogramVec
}

var _ querygate.Observer = (*Prometheus)(nil)

// NewPrometheus creates the collectors and registers them with reg.
// A nil reg means prometheus.DefaultRegisterer.
func NewPrometheus(reg prometheus.Registerer) (*Prometheus, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	p := &Prometheus{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transitions_total",
			Help:      "Admission state machine transitions.",
		}, []string{"from", "to"}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admissions_total",
			Help:      "Admission requests by terminal state.",
		}, []string{"state", "force"}),
		notes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notes_total",
			Help:      "Degradations that did not change the admission outcome.",
		}, []string{"note"}),
		cost: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admitted_cost_total",
			Help:      "Estimated cost of admitted queries.",
		}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "admission_duration_seconds",
			Help:      "Time from request entry to the terminal state.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"state"}),
	}

	for _, c := range []prometheus.Collector{p.transitions, p.outcomes, p.notes, p.cost, p.latency} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *Prometheus) OnTransition(e querygate.TransitionEvent) {
	if e.Note != querygate.NoteNone {
		p.notes.WithLabelValues(string(e.Note)).Inc()
	}
	if e.From == e.To {
		return
	}

	p.transitions.WithLabelValues(string(e.From), string(e.To)).Inc()
	if !e.To.Terminal() {
		return
	}

	force := "false"
	if e.Force {
		force = "true"
	}
	p.outcomes.WithLabelValues(string(e.To), force).Inc()
	p.latency.WithLabelValues(string(e.To)).Observe(e.Elapsed.Seconds())
	if e.To == querygate.StateAdmitted {
		p.cost.Add(float64(e.Cost))
	}
}

// Transitions returns the per-edge transition counter.
func (p *Prometheus) Transitions() *prometheus.CounterVec { return p.transitions }

// Outcomes returns the terminal state counter.
func (p *Prometheus) Outcomes() *prometheus.CounterVec { return p.outcomes }

// Notes returns the degradation counter.
func (p *Prometheus) Notes() *prometheus.CounterVec { return p.notes }

// AdmittedCost returns the admitted cost counter.
func (p *Prometheus) AdmittedCost() prometheus.Counter { return p.cost }
