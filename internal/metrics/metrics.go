// Package metrics exposes Prometheus counters for the scan stack.
//
// All methods are safe on a nil *Metrics, so components take an optional
// metrics handle the same way they take an optional logger.
package metrics

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

const namespace = "shardscan"

// Metrics holds the counters shared by leaves, merges and the evaluator.
type Metrics struct {
	candidates         prometheus.Counter
	matches            prometheus.Counter
	jumps              prometheus.Counter
	negationRejections prometheus.Counter
	leafSeeks          *prometheus.CounterVec
	cacheSpills        prometheus.Counter
	partitions         prometheus.Counter
}

// New registers the counters with reg. A nil reg uses a private registry.
func New(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		candidates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "evaluator", Name: "candidates_total",
			Help: "Candidate keys evaluated against the boolean tree.",
		}),
		matches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "evaluator", Name: "matches_total",
			Help: "Event keys returned by the evaluator.",
		}),
		jumps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "evaluator", Name: "jumps_total",
			Help: "Jump steps taken by the evaluator.",
		}),
		negationRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "evaluator", Name: "negation_rejections_total",
			Help: "Candidates rejected because a negated term matched.",
		}),
		leafSeeks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "leaf", Name: "seeks_total",
			Help: "Seeks issued by field-index leaves.",
		}, []string{"kind"}),
		cacheSpills: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "leaf", Name: "cache_spills_total",
			Help: "Result-set runs written to the spill directory.",
		}),
		partitions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "scan", Name: "partitions_total",
			Help: "Partitions scanned.",
		}),
	}
	for _, c := range []prometheus.Collector{m.candidates, m.matches, m.jumps, m.negationRejections, m.leafSeeks, m.cacheSpills, m.partitions} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}
	return m, nil
}

func (m *Metrics) Candidate() {
	if m != nil {
		m.candidates.Inc()
	}
}

func (m *Metrics) Match() {
	if m != nil {
		m.matches.Inc()
	}
}

func (m *Metrics) Jump() {
	if m != nil {
		m.jumps.Inc()
	}
}

func (m *Metrics) NegationRejected() {
	if m != nil {
		m.negationRejections.Inc()
	}
}

// LeafSeek counts a seek by a leaf of the given kind (term, range, regex,
// intersect, union).
func (m *Metrics) LeafSeek(kind string) {
	if m != nil {
		m.leafSeeks.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) CacheSpill() {
	if m != nil {
		m.cacheSpills.Inc()
	}
}

func (m *Metrics) Partition() {
	if m != nil {
		m.partitions.Inc()
	}
}

// Write prints every counter gathered from g as "name{labels} value" lines,
// sorted by name.
func Write(w io.Writer, g prometheus.Gatherer) error {
	families, err := g.Gather()
	if err != nil {
		return fmt.Errorf("gather metrics: %w", err)
	}
	var lines []string
	for _, mf := range families {
		if mf.GetType() != dto.MetricType_COUNTER {
			continue
		}
		for _, m := range mf.GetMetric() {
			lines = append(lines, fmt.Sprintf("%s%s %g", mf.GetName(), labels(m.GetLabel()), m.GetCounter().GetValue()))
		}
	}
	sort.Strings(lines)
	for _, l := range lines {
		if _, err := fmt.Fprintln(w, l); err != nil {
			return err
		}
	}
	return nil
}

func labels(pairs []*dto.LabelPair) string {
	if len(pairs) == 0 {
		return ""
	}
	parts := make([]string, len(pairs))
	for i, p := range pairs {
		parts[i] = fmt.Sprintf("%s=%q", p.GetName(), p.GetValue())
	}
	return "{" + strings.Join(parts, ",") + "}"
}
