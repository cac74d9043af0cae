package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimerDuration(t *testing.T) {
	timer := NewTimer()
	require.NotNil(t, timer)

	time.Sleep(20 * time.Millisecond)
	first := timer.Duration()
	assert.GreaterOrEqual(t, first, 20*time.Millisecond)

	time.Sleep(10 * time.Millisecond)
	assert.Greater(t, timer.Duration(), first)
}

func TestTimerObserve(t *testing.T) {
	reg := prometheus.NewRegistry()
	h := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name: "test_timer_seconds",
		Help: "test",
	})
	vec := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name: "test_timer_vec_seconds",
		Help: "test",
	}, []string{"route"})
	reg.MustRegister(h, vec)

	NewTimer().ObserveDuration(h)
	NewTimer().ObserveDurationVec(vec, "/v1/workers")

	families, err := reg.Gather()
	require.NoError(t, err)
	require.Len(t, families, 2)
	for _, f := range families {
		require.Len(t, f.GetMetric(), 1)
		assert.Equal(t, uint64(1), f.GetMetric()[0].GetHistogram().GetSampleCount())
	}
}

func TestMetricsRegistered(t *testing.T) {
	SpawnsTotal.WithLabelValues("spawned").Inc()

	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)

	found := false
	for _, f := range families {
		if f.GetName() == "colony_spawns_total" {
			found = true
		}
	}
	assert.True(t, found)
}
