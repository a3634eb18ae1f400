package prometrics

import (
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Zhima-Mochi/minishop-checkout/internal/observability"
)

// Registry creates labelled Prometheus instruments behind the observability ports.
type Registry interface {
	Counter(name string, help string, labelKeys ...string) observability.Counter
	Histogram(name string, help string, buckets []float64, labelKeys ...string) observability.Histogram
}

type registry struct {
	reg       prometheus.Registerer
	namespace string
	subsystem string

	mu         sync.Mutex
	counters   map[string]*counter
	histograms map[string]*histogram
}

// New builds a Registry on reg; a nil reg uses the default Prometheus registerer.
func New(reg prometheus.Registerer, namespace, subsystem string) Registry {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return &registry{
		reg:        reg,
		namespace:  namespace,
		subsystem:  subsystem,
		counters:   make(map[string]*counter),
		histograms: make(map[string]*histogram),
	}
}

// Label values are resolved by key in declaration order. Keys the caller leaves out are
// recorded as "" instead of panicking inside client_golang.
type labelKeys []string

func (k labelKeys) values(ls []observability.Label) []string {
	out := make([]string, len(k))
	for _, l := range ls {
		for i, key := range k {
			if key == l.Key {
				out[i] = l.Value
				break
			}
		}
	}
	return out
}

type counter struct {
	v    *prometheus.CounterVec
	keys labelKeys
}

func (c *counter) Add(d float64, labels ...observability.Label) {
	c.v.WithLabelValues(c.keys.values(labels)...).Add(d)
}

type histogram struct {
	v    *prometheus.HistogramVec
	keys labelKeys
}

func (h *histogram) Observe(v float64, labels ...observability.Label) {
	h.v.WithLabelValues(h.keys.values(labels)...).Observe(v)
}

func (r *registry) Counter(name string, help string, keys ...string) observability.Counter {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.counters[name]; ok {
		return c
	}
	cv := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: r.namespace, Subsystem: r.subsystem, Name: name, Help: help,
	}, keys)
	c := &counter{v: register(r.reg, cv), keys: keys}
	r.counters[name] = c
	return c
}

func (r *registry) Histogram(name string, help string, buckets []float64, keys ...string) observability.Histogram {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.histograms[name]; ok {
		return h
	}
	if buckets == nil {
		buckets = prometheus.DefBuckets
	}
	hv := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: r.namespace, Subsystem: r.subsystem, Name: name, Help: help, Buckets: buckets,
	}, keys)
	h := &histogram{v: register(r.reg, hv), keys: keys}
	r.histograms[name] = h
	return h
}

// register adopts a collector another Registry already put on reg.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}
