package observability

import (
	"github.com/Zhima-Mochi/minishop-checkout/internal/infrastructure/observability/prometrics"
	"github.com/Zhima-Mochi/minishop-checkout/internal/observability"
)

type provider struct {
	tracer  observability.Tracer
	logger  observability.Logger
	metrics observability.Metrics
}

func (p *provider) Tracer() observability.Tracer   { return p.tracer }
func (p *provider) Logger() observability.Logger   { return p.logger }
func (p *provider) Metrics() observability.Metrics { return p.metrics }

// instruments resolves metric keys to registered instruments. Unknown keys get no-ops so a
// component can be wired against a provider that never registered its metrics.
type instruments struct {
	counters   map[observability.MetricKey]observability.Counter
	histograms map[observability.MetricKey]observability.Histogram
}

func (m instruments) Counter(name observability.MetricKey) observability.Counter {
	if c, ok := m.counters[name]; ok {
		return c
	}
	return observability.NopCounter()
}

func (m instruments) Histogram(name observability.MetricKey) observability.Histogram {
	if h, ok := m.histograms[name]; ok {
		return h
	}
	return observability.NopHistogram()
}

// New assembles a provider. Nil parts become no-ops.
func New(tracer observability.Tracer, logger observability.Logger, metrics observability.Metrics) observability.Observability {
	if tracer == nil {
		tracer = observability.NopTracer()
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	if metrics == nil {
		metrics = observability.NopMetrics()
	}
	return &provider{tracer: tracer, logger: logger, metrics: metrics}
}

type metricDef struct {
	key     observability.MetricKey
	help    string
	labels  []string
	buckets []float64 // histograms only; nil means client defaults
	hist    bool
}

// Gateway calls and jobs stretch further than in-process use cases.
var slowBuckets = []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60}

var checkoutMetrics = []metricDef{
	{key: observability.MUsecaseRequests, help: "Use case invocations by outcome.", labels: []string{"use_case", "outcome"}},
	{key: observability.MUsecaseDuration, help: "Use case duration in seconds.", labels: []string{"use_case"}, hist: true},
	{key: observability.MHTTPRequests, help: "HTTP requests by route and status.", labels: []string{"method", "route", "status"}},
	{key: observability.MHTTPRequestDuration, help: "HTTP request duration in seconds.", labels: []string{"method", "route", "status"}, hist: true},
	{key: observability.MExternalRequests, help: "Calls to external peers by outcome.", labels: []string{"peer", "endpoint", "outcome"}},
	{key: observability.MExternalRequestDuration, help: "External call duration in seconds.", labels: []string{"peer", "endpoint"}, buckets: slowBuckets, hist: true},
	{key: observability.MJobsProcessed, help: "Job executions by operation and outcome.", labels: []string{"operation", "outcome"}},
	{key: observability.MJobDuration, help: "Job execution duration in seconds.", labels: []string{"operation"}, buckets: slowBuckets, hist: true},
	{key: observability.MGatewayEvents, help: "Gateway callbacks by outcome and disposition.", labels: []string{"outcome", "result"}},
}

// Standard registers the checkout metric set on reg and assembles a provider around it.
func Standard(reg prometrics.Registry, tracer observability.Tracer, logger observability.Logger) observability.Observability {
	m := instruments{
		counters:   make(map[observability.MetricKey]observability.Counter),
		histograms: make(map[observability.MetricKey]observability.Histogram),
	}
	for _, d := range checkoutMetrics {
		if d.hist {
			m.histograms[d.key] = reg.Histogram(string(d.key), d.help, d.buckets, d.labels...)
			continue
		}
		m.counters[d.key] = reg.Counter(string(d.key), d.help, d.labels...)
	}
	return New(tracer, logger, m)
}
