package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestRecording(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(reg)
	require.NoError(t, err)

	m.RequestDone("block", ResultBlock, 20*time.Millisecond)
	m.RequestDone("block", ResultTimeout, 0)
	m.RequestDone("have", ResultDontHave, time.Millisecond)
	m.RequestsCanceled(3)
	m.QueryStarted()
	m.QueryStarted()
	m.QueryFinished()
	m.Served("block", ResultBlock)

	require.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues("block", ResultBlock)))
	require.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues("block", ResultTimeout)))
	require.Equal(t, 3.0, testutil.ToFloat64(m.canceled))
	require.Equal(t, 1.0, testutil.ToFloat64(m.activeQueries))
	require.Equal(t, 1.0, testutil.ToFloat64(m.served.WithLabelValues("block", ResultBlock)))
	require.Equal(t, 1, testutil.CollectAndCount(m.duration.WithLabelValues("block").(prometheus.Histogram)))
}

func TestDoubleRegistrationFails(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := New(reg)
	require.NoError(t, err)
	_, err = New(reg)
	require.Error(t, err)
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	m.RequestDone("block", ResultBlock, time.Second)
	m.RequestsCanceled(1)
	m.QueryStarted()
	m.QueryFinished()
	m.Served("have", ResultHave)
}
