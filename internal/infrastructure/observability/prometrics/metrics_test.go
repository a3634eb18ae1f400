package prometrics

import (
	"testing"

	"github.com/Zhima-Mochi/minishop-checkout/internal/observability"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounterRegistersOnce(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := New(reg, "", "")

	c1 := r.Counter("jobs_processed_total", "help", "operation", "outcome")
	c2 := r.Counter("jobs_processed_total", "help", "operation", "outcome")

	c1.Add(1, observability.L("operation", "order.notify"), observability.L("outcome", "success"))
	c2.Add(2, observability.L("operation", "order.notify"), observability.L("outcome", "success"))

	families, err := reg.Gather()
	require.NoError(t, err)
	require.Len(t, families, 1)
	assert.Equal(t, float64(3), families[0].GetMetric()[0].GetCounter().GetValue())
}

func TestHistogramDefaultsBuckets(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := New(reg, "checkout", "")

	h := r.Histogram("job_duration_seconds", "help", nil, "operation")
	h.Observe(0.2, observability.L("operation", "order.expire"))

	families, err := reg.Gather()
	require.NoError(t, err)
	require.Len(t, families, 1)
	assert.Equal(t, "checkout_job_duration_seconds", families[0].GetName())
	assert.Equal(t, uint64(1), families[0].GetMetric()[0].GetHistogram().GetSampleCount())
}

func TestRegistriesShareCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()

	New(reg, "", "").Counter("gateway_events_total", "help", "outcome", "result").
		Add(1, observability.L("outcome", "success"), observability.L("result", "applied"))
	New(reg, "", "").Counter("gateway_events_total", "help", "outcome", "result").
		Add(1, observability.L("outcome", "success"), observability.L("result", "applied"))

	families, err := reg.Gather()
	require.NoError(t, err)
	require.Len(t, families, 1)
	assert.Equal(t, float64(2), families[0].GetMetric()[0].GetCounter().GetValue())
}

func TestMissingLabelsRecordEmpty(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(reg, "", "").Counter("jobs_processed_total", "help", "operation", "outcome")

	assert.NotPanics(t, func() { c.Add(1, observability.L("operation", "order.expire")) })

	families, err := reg.Gather()
	require.NoError(t, err)
	require.Len(t, families, 1)
	labels := families[0].GetMetric()[0].GetLabel()
	require.Len(t, labels, 2)
	assert.Equal(t, "operation", labels[0].GetName())
	assert.Equal(t, "order.expire", labels[0].GetValue())
	assert.Equal(t, "outcome", labels[1].GetName())
	assert.Equal(t, "", labels[1].GetValue())
}
