// Package metrics exposes Prometheus collectors for dataset parsers.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "seasieve"

// Parser holds the collectors of one parser instance. A nil *Parser is valid
// and records nothing.
type Parser struct {
	bytesRead    prometheus.Counter
	particles    prometheus.Counter
	nonDataBytes prometheus.Counter
	skipped      prometheus.Counter
	position     prometheus.Gauge
}

// NewParser creates the collectors for driver and registers them with reg.
func NewParser(reg prometheus.Registerer, driver string) (*Parser, error) {
	labels := prometheus.Labels{"driver": driver}
	m := &Parser{
		bytesRead: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "parser",
			Name:        "bytes_read_total",
			ConstLabels: labels,
			Help:        "Total bytes read from the parser input",
		}),
		particles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "parser",
			Name:        "particles_total",
			ConstLabels: labels,
			Help:        "Total particles produced",
		}),
		nonDataBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "parser",
			Name:        "non_data_bytes_total",
			ConstLabels: labels,
			Help:        "Total bytes skipped as non-data",
		}),
		skipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "parser",
			Name:        "skipped_records_total",
			ConstLabels: labels,
			Help:        "Total data chunks skipped because they could not be decoded",
		}),
		position: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "parser",
			Name:        "position_bytes",
			ConstLabels: labels,
			Help:        "Current resumable stream position",
		}),
	}

	if reg != nil {
		for _, c := range []prometheus.Collector{m.bytesRead, m.particles, m.nonDataBytes, m.skipped, m.position} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

func (m *Parser) BytesRead(n int) {
	if m == nil {
		return
	}
	m.bytesRead.Add(float64(n))
}

func (m *Parser) Particles(n int) {
	if m == nil {
		return
	}
	m.particles.Add(float64(n))
}

func (m *Parser) NonData(n int) {
	if m == nil {
		return
	}
	m.nonDataBytes.Add(float64(n))
}

func (m *Parser) Skipped() {
	if m == nil {
		return
	}
	m.skipped.Inc()
}

func (m *Parser) Position(pos int64) {
	if m == nil {
		return
	}
	m.position.Set(float64(pos))
}

// Hub counts envelopes the particle hub dropped for slow subscribers. A nil
// *Hub records nothing.
type Hub struct {
	dropped *prometheus.CounterVec
}

func NewHub(reg prometheus.Registerer) (*Hub, error) {
	m := &Hub{
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "dropped_total",
			Help:      "Total envelopes dropped because a subscriber fell behind",
		}, []string{"subscriber", "stream"}),
	}
	if reg != nil {
		if err := reg.Register(m.dropped); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Hub) Dropped(subscriber, stream string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(subscriber, stream).Inc()
}
