package metrics

import (
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markus-lassfolk/linkfailover/pkg"
)

func TestRegistry_Observations(t *testing.T) {
	r := NewRegistry()

	r.ObserveCycle(pkg.OutcomeNoChangeNeeded, 20*time.Millisecond)
	r.ObserveCycle(pkg.OutcomeNoChangeNeeded, 30*time.Millisecond)
	r.ObserveCycle(pkg.OutcomeWiredDisabled, time.Millisecond)
	r.ObserveReorder("Ethernet")
	r.ObserveProbe(true)
	r.ObserveProbe(false)
	r.ObserveProbe(false)
	r.ObserveReset(errors.New("denied"))
	r.SetUsable("Wi-Fi", true)
	r.SetUsable("Ethernet", false)

	assert.Equal(t, 2.0, testutil.ToFloat64(r.CyclesTotal.WithLabelValues("no_change_needed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.CyclesTotal.WithLabelValues("wired_disabled")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.ReordersTotal.WithLabelValues("Ethernet")))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.ProbesTotal.WithLabelValues("unreachable")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.ResetsTotal.WithLabelValues("error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.InterfaceUsable.WithLabelValues("Wi-Fi")))
	assert.Equal(t, 0.0, testutil.ToFloat64(r.InterfaceUsable.WithLabelValues("Ethernet")))
	assert.Greater(t, testutil.ToFloat64(r.LastReorder), 0.0)
}

func TestServer_Handler(t *testing.T) {
	r := NewRegistry()
	r.ObserveCycle(pkg.OutcomeSameSubnetWiredPrimary, time.Second)

	srv := NewServer(r, func() interface{} {
		return map[string]string{"primary": "Ethernet"}
	}, nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `failoverd_cycles_total{outcome="same_subnet_wired_primary"} 1`)

	resp, err = http.Get(ts.URL + "/health")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.JSONEq(t, `{"primary":"Ethernet"}`, strings.TrimSpace(string(body)))
}

func TestServer_StartStop(t *testing.T) {
	srv := NewServer(NewRegistry(), nil, nil)
	assert.Empty(t, srv.Addr())

	require.NoError(t, srv.Start(0))
	defer srv.Stop()

	_, port, err := net.SplitHostPort(srv.Addr())
	require.NoError(t, err)

	resp, err := http.Get("http://127.0.0.1:" + port + "/health")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.JSONEq(t, `{"status":"ok"}`, string(body))
}
