package metric

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/semstreams-opcua/errors"
)

func TestRegistry_RegisterAndUnregister(t *testing.T) {
	r := NewMetricsRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "test_ticks_total", Help: "ticks"})

	require.NoError(t, r.RegisterCounter("opcua", "ticks", c))
	err := r.RegisterCounter("opcua", "ticks", c)
	assert.True(t, errors.IsInvalid(err))

	c.Inc()
	assert.Equal(t, 1.0, testutil.ToFloat64(c))

	assert.True(t, r.Unregister("opcua", "ticks"))
	assert.False(t, r.Unregister("opcua", "ticks"))
	require.NoError(t, r.RegisterCounter("opcua", "ticks", c))
}

func TestCoreMetrics_Recorders(t *testing.T) {
	m := NewMetricsRegistry().CoreMetrics()

	m.RecordNATSStatus(true)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.NATSConnected))
	m.RecordNATSStatus(false)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.NATSConnected))

	m.RecordError("opcua", "transient")
	m.RecordError("opcua", "transient")
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ErrorsTotal.WithLabelValues("opcua", "transient")))
}

func TestServer_Handler(t *testing.T) {
	r := NewMetricsRegistry()
	r.CoreMetrics().RecordNATSStatus(true)

	healthy := true
	srv := NewServer("", "", r, func() (bool, any) {
		return healthy, map[string]string{"status": "ok"}
	})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "semstreams_nats_connected 1")

	resp, err = http.Get(ts.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	healthy = false
	resp, err = http.Get(ts.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestServer_StartStop(t *testing.T) {
	srv := NewServer("127.0.0.1:0", "/metrics", NewMetricsRegistry(), nil)
	require.NoError(t, srv.Start())
	assert.ErrorIs(t, srv.Start(), errors.ErrAlreadyStarted)

	resp, err := http.Get(srv.Address())
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, srv.Stop(time.Second))
	require.NoError(t, srv.Stop(time.Second))
	assert.Empty(t, srv.Address())
}
