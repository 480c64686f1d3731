package decision

import (
	"bytes"
	"context"
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markus-lassfolk/linkfailover/pkg"
	"github.com/markus-lassfolk/linkfailover/pkg/collector"
	"github.com/markus-lassfolk/linkfailover/pkg/controller"
	"github.com/markus-lassfolk/linkfailover/pkg/logx"
	"github.com/markus-lassfolk/linkfailover/pkg/metrics"
	"github.com/markus-lassfolk/linkfailover/pkg/netcfg"
	"github.com/markus-lassfolk/linkfailover/pkg/telem"
	"github.com/markus-lassfolk/linkfailover/pkg/uci"
)

const (
	wiredName = "USB 10/100/1000 LAN"
	wifiName  = "Wi-Fi"
	otherName = "Bluetooth PAN"
)

// MockController counts calls and forwards them to a real controller
type MockController struct {
	inner      pkg.Controller
	ResetCalls int
	ApplyCalls int
}

func (mc *MockController) Reset(ctx context.Context, name string) error {
	mc.ResetCalls++
	return mc.inner.Reset(ctx, name)
}

func (mc *MockController) ApplyOrder(ctx context.Context, primary, secondary string) (bool, []string, error) {
	mc.ApplyCalls++
	return mc.inner.ApplyOrder(ctx, primary, secondary)
}

type mockPinger struct {
	reachable bool
	calls     int
	source    netip.Addr
	target    netip.Addr
}

func (mp *mockPinger) Ping(ctx context.Context, source, target netip.Addr, timeout time.Duration) error {
	mp.calls++
	mp.source = source
	mp.target = target
	if !mp.reachable {
		return errors.New("request timeout")
	}
	return nil
}

type harness struct {
	config     *uci.Config
	network    *netcfg.Memory
	pinger     *mockPinger
	controller *MockController
	telemetry  *telem.Store
	engine     *Engine
	logs       *bytes.Buffer
}

func newHarness(t *testing.T, order ...string) *harness {
	t.Helper()

	config := uci.Default()
	config.WiredInterface = wiredName
	config.WifiInterface = wifiName
	config.ResetDisableDelayS = 0
	config.ResetEnableDelayS = 0

	logs := &bytes.Buffer{}
	logger := logx.NewLogger("info", "decision")
	logger.SetOutput(logs)

	network := netcfg.NewMemory(order...)
	pinger := &mockPinger{reachable: true}
	telemetry, err := telem.NewStore(time.Hour, 100)
	require.NoError(t, err)

	h := &harness{
		config:     config,
		network:    network,
		pinger:     pinger,
		controller: &MockController{inner: controller.NewController(network, config, logger)},
		telemetry:  telemetry,
		logs:       logs,
	}
	h.engine = NewEngine(config,
		collector.NewInspector(network, logger),
		collector.NewProber(pinger, config.ProbeTimeout(), logger),
		logger, telemetry)
	return h
}

func (h *harness) tick(t *testing.T) *CycleResult {
	t.Helper()
	result, err := h.engine.Tick(context.Background(), h.controller)
	require.NoError(t, err)
	return result
}

func sameSubnetServices(h *harness) {
	h.network.Set(wiredName, pkg.ServiceInfo{Enabled: true, IP: "192.168.1.10", Mask: "255.255.255.0", Router: "192.168.1.1"})
	h.network.Set(wifiName, pkg.ServiceInfo{Enabled: true, IP: "192.168.1.20", Mask: "255.255.255.0", Router: "192.168.1.1"})
}

func TestTick_ReachableRouterPrefersWired(t *testing.T) {
	h := newHarness(t, wifiName, otherName, wiredName)
	sameSubnetServices(h)

	result := h.tick(t)

	assert.Equal(t, pkg.OutcomeSameSubnetWiredPrimary, result.Outcome)
	assert.True(t, result.Reordered)
	assert.Equal(t, wiredName, result.Primary)
	assert.Equal(t, []string{wiredName, wifiName, otherName}, h.network.Order())
	assert.Equal(t, 1, h.pinger.calls)
	assert.Equal(t, netip.MustParseAddr("192.168.1.10"), h.pinger.source)
	assert.Equal(t, netip.MustParseAddr("192.168.1.1"), h.pinger.target)
}

func TestTick_Idempotent(t *testing.T) {
	h := newHarness(t, wifiName, otherName, wiredName)
	sameSubnetServices(h)

	first := h.tick(t)
	second := h.tick(t)

	assert.True(t, first.Reordered)
	assert.False(t, second.Reordered)
	assert.Equal(t, pkg.OutcomeNoChangeNeeded, second.Outcome)
	assert.Len(t, h.network.OrderWrites, 1, "only the first cycle writes")
}

func TestTick_UnreachableRouterPrefersWifi(t *testing.T) {
	h := newHarness(t, wiredName, otherName, wifiName)
	sameSubnetServices(h)
	h.pinger.reachable = false

	result := h.tick(t)

	assert.Equal(t, pkg.OutcomeSameSubnetWifiPrimary, result.Outcome)
	assert.Equal(t, "router_unreachable", result.Reason)
	assert.Equal(t, []string{wifiName, wiredName, otherName}, h.network.Order())
}

func TestTick_NoRouterPrefersWifi(t *testing.T) {
	h := newHarness(t, wiredName, wifiName)
	sameSubnetServices(h)
	h.network.Set(wiredName, pkg.ServiceInfo{Enabled: true, IP: "192.168.1.10", Mask: "255.255.255.0", Router: "none"})

	result := h.tick(t)

	assert.Equal(t, pkg.OutcomeSameSubnetWifiPrimary, result.Outcome)
	assert.Equal(t, "no_router", result.Reason)
	assert.Zero(t, h.pinger.calls)
	assert.Equal(t, []string{wifiName, wiredName}, h.network.Order())
}

func TestTick_WiredDisabledSkips(t *testing.T) {
	h := newHarness(t, wifiName, wiredName)
	sameSubnetServices(h)
	h.network.Set(wiredName, pkg.ServiceInfo{Enabled: false})

	result := h.tick(t)

	assert.Equal(t, pkg.OutcomeWiredDisabled, result.Outcome)
	assert.Zero(t, h.pinger.calls, "no probe")
	assert.Zero(t, h.controller.ApplyCalls, "no order decision")
	assert.Zero(t, h.controller.ResetCalls)
	assert.Empty(t, h.network.OrderWrites)
}

func TestTick_WifiUnreachableSkips(t *testing.T) {
	h := newHarness(t, wifiName, wiredName)
	sameSubnetServices(h)
	h.network.Set(wifiName, pkg.ServiceInfo{Enabled: true, IP: "169.254.20.1", Mask: "255.255.0.0"})

	result := h.tick(t)

	assert.Equal(t, pkg.OutcomeWifiUnreachable, result.Outcome)
	assert.Zero(t, h.controller.ResetCalls, "wifi problems never reset the wired side")
	assert.Zero(t, h.controller.ApplyCalls)
}

func TestTick_DifferentSubnetsLeavesOrder(t *testing.T) {
	h := newHarness(t, wifiName, otherName, wiredName)
	h.network.Set(wiredName, pkg.ServiceInfo{Enabled: true, IP: "10.0.0.5", Mask: "255.255.255.0", Router: "10.0.0.1"})
	h.network.Set(wifiName, pkg.ServiceInfo{Enabled: true, IP: "192.168.1.20", Mask: "255.255.255.0", Router: "192.168.1.1"})

	result := h.tick(t)

	assert.Equal(t, pkg.OutcomeDifferentSubnets, result.Outcome)
	assert.Zero(t, h.controller.ApplyCalls)
	assert.Zero(t, h.pinger.calls)
	assert.Equal(t, []string{wifiName, otherName, wiredName}, h.network.Order())
}

func TestTick_LinkLocalWiredResetsOnce(t *testing.T) {
	h := newHarness(t, wifiName, wiredName)
	sameSubnetServices(h)
	h.network.Set(wiredName, pkg.ServiceInfo{Enabled: true, IP: "169.254.3.4", Mask: "255.255.0.0"})

	result := h.tick(t)

	assert.Equal(t, pkg.OutcomeWiredResetFailed, result.Outcome)
	assert.True(t, result.ResetAttempted)
	assert.Equal(t, 1, h.controller.ResetCalls)
	assert.Equal(t, []netcfg.Toggle{
		{Name: wiredName, Enabled: false},
		{Name: wiredName, Enabled: true},
	}, h.network.Toggles)
	assert.Zero(t, h.controller.ApplyCalls, "no reorder after an ineffective reset")
	assert.Contains(t, h.logs.String(), "still unusable after reset")

	events := h.telemetry.GetEvents(time.Time{}, 0)
	require.NotEmpty(t, events)
	assert.Equal(t, pkg.EventReset, events[0].Type)
	assert.Equal(t, false, events[0].Data["recovered"])
}

func TestTick_ResetRecoversAndContinues(t *testing.T) {
	h := newHarness(t, wifiName, wiredName)
	sameSubnetServices(h)
	h.network.Set(wiredName, pkg.ServiceInfo{Enabled: true})
	h.network.OnSetEnabled = func(m *netcfg.Memory, name string, enabled bool) {
		if name == wiredName && enabled {
			m.Set(wiredName, pkg.ServiceInfo{Enabled: true, IP: "192.168.1.10", Mask: "255.255.255.0", Router: "192.168.1.1"})
		}
	}

	result := h.tick(t)

	assert.True(t, result.ResetAttempted)
	assert.Equal(t, 1, h.controller.ResetCalls)
	assert.Equal(t, pkg.OutcomeSameSubnetWiredPrimary, result.Outcome)
	assert.Equal(t, []string{wiredName, wifiName}, h.network.Order())
}

func TestTick_ResetRecoveredWithoutOrderChange(t *testing.T) {
	h := newHarness(t, wiredName, wifiName)
	sameSubnetServices(h)
	h.network.Set(wiredName, pkg.ServiceInfo{Enabled: true, IP: "169.254.1.1", Mask: "255.255.0.0"})
	h.network.OnSetEnabled = func(m *netcfg.Memory, name string, enabled bool) {
		if enabled {
			m.Set(wiredName, pkg.ServiceInfo{Enabled: true, IP: "192.168.1.10", Mask: "255.255.255.0", Router: "192.168.1.1"})
		}
	}

	result := h.tick(t)

	assert.Equal(t, pkg.OutcomeWiredReset, result.Outcome)
	assert.False(t, result.Reordered)
	assert.Empty(t, h.network.OrderWrites)
}

func TestTick_QueryFailure(t *testing.T) {
	h := newHarness(t, wifiName, wiredName)
	sameSubnetServices(h)
	h.network.OrderErr = errors.New("networksetup timed out")

	result, err := h.engine.Tick(context.Background(), h.controller)

	require.Error(t, err)
	assert.Equal(t, pkg.OutcomeQueryFailed, result.Outcome)
	assert.Empty(t, h.network.OrderWrites)
}

func TestTick_InspectFailureCountsAsDisabled(t *testing.T) {
	h := newHarness(t, wifiName, wiredName)
	sameSubnetServices(h)
	h.network.InfoErr[wiredName] = errors.New("no data")

	result := h.tick(t)
	assert.Equal(t, pkg.OutcomeWiredDisabled, result.Outcome)
}

func TestTick_BufferedLogsOnlyOnReorder(t *testing.T) {
	h := newHarness(t, wifiName, wiredName)
	sameSubnetServices(h)

	h.tick(t)
	assert.Contains(t, h.logs.String(), "Router reachable from wired interface")

	h.logs.Reset()
	h.tick(t)
	assert.NotContains(t, h.logs.String(), "Interface state", "steady state cycles stay quiet")
}

func TestTick_VerboseLogsEveryCycle(t *testing.T) {
	h := newHarness(t, wiredName, wifiName)
	sameSubnetServices(h)
	h.config.Verbose = true

	result := h.tick(t)

	assert.Equal(t, pkg.OutcomeNoChangeNeeded, result.Outcome)
	assert.Contains(t, h.logs.String(), "Interface state")
	assert.Contains(t, h.logs.String(), "Router reachable from wired interface")
}

func TestTick_SplitSubnetHoldNeverWrites(t *testing.T) {
	h := newHarness(t, wifiName, wiredName)
	sameSubnetServices(h)
	h.tick(t)
	require.Equal(t, wiredName, h.engine.LastPrimary())

	h.network.Set(wifiName, pkg.ServiceInfo{Enabled: true, IP: "172.16.0.2", Mask: "255.255.0.0"})
	require.NoError(t, h.network.SetServiceOrder(context.Background(), []string{wifiName, wiredName}))
	writes := len(h.network.OrderWrites)

	now := time.Now()
	h.engine.now = func() time.Time { return now }
	h.tick(t)
	now = now.Add(time.Hour)
	result := h.tick(t)

	assert.Equal(t, pkg.OutcomeDifferentSubnets, result.Outcome)
	assert.Len(t, h.network.OrderWrites, writes)
}

func TestTick_SplitSubnetLastGoodReasserts(t *testing.T) {
	h := newHarness(t, wifiName, wiredName)
	h.config.SplitSubnetPolicy = uci.SplitSubnetLastGood
	h.config.SplitSubnetGraceS = 300
	sameSubnetServices(h)
	h.tick(t)

	h.network.Set(wifiName, pkg.ServiceInfo{Enabled: true, IP: "172.16.0.2", Mask: "255.255.0.0"})
	require.NoError(t, h.network.SetServiceOrder(context.Background(), []string{wifiName, wiredName}))
	writes := len(h.network.OrderWrites)

	now := time.Now()
	h.engine.now = func() time.Time { return now }

	result := h.tick(t)
	assert.False(t, result.Reordered, "grace period not elapsed")
	assert.Len(t, h.network.OrderWrites, writes)

	now = now.Add(301 * time.Second)
	result = h.tick(t)
	assert.Equal(t, pkg.OutcomeDifferentSubnets, result.Outcome)
	assert.True(t, result.Reordered)
	assert.Equal(t, "split_subnet_last_good", result.Reason)
	assert.Equal(t, []string{wiredName, wifiName}, h.network.Order())
	assert.NotNil(t, h.telemetry.LastEvent(pkg.EventSplitForce))

	result = h.tick(t)
	assert.False(t, result.Reordered, "already in effect")
}

func TestTick_RecordsTelemetryAndMetrics(t *testing.T) {
	h := newHarness(t, wifiName, wiredName)
	reg := metrics.NewRegistry()
	h.engine.SetMetrics(reg)
	sameSubnetServices(h)

	h.tick(t)
	h.network.Set(wiredName, pkg.ServiceInfo{Enabled: false})
	h.tick(t)
	h.tick(t)

	assert.Equal(t, 1.0, testutil.ToFloat64(reg.CyclesTotal.WithLabelValues("same_subnet_wired_primary")))
	assert.Equal(t, 2.0, testutil.ToFloat64(reg.CyclesTotal.WithLabelValues("wired_disabled")))
	assert.Equal(t, 1.0, testutil.ToFloat64(reg.ReordersTotal.WithLabelValues(wiredName)))
	assert.Equal(t, 1.0, testutil.ToFloat64(reg.ProbesTotal.WithLabelValues("reachable")))
	assert.Equal(t, 0.0, testutil.ToFloat64(reg.InterfaceUsable.WithLabelValues(wiredName)))

	assert.Len(t, h.telemetry.GetSamples(time.Time{}), 3)
	assert.NotNil(t, h.telemetry.LastEvent(pkg.EventReorder))

	skips := 0
	for _, e := range h.telemetry.GetEvents(time.Time{}, 0) {
		if e.Type == pkg.EventSkip {
			skips++
		}
	}
	assert.Equal(t, 1, skips, "repeated skips are recorded once")

	last := h.engine.LastResult()
	require.NotNil(t, last)
	assert.Equal(t, pkg.OutcomeWiredDisabled, last.Outcome)
	assert.NotNil(t, h.engine.Performance().GetMetric("cycle"))
}

// blockingController holds Reset until release is closed
type blockingController struct {
	inner   pkg.Controller
	entered chan struct{}
	release chan struct{}
}

func (bc *blockingController) Reset(ctx context.Context, name string) error {
	close(bc.entered)
	<-bc.release
	return bc.inner.Reset(ctx, name)
}

func (bc *blockingController) ApplyOrder(ctx context.Context, primary, secondary string) (bool, []string, error) {
	return bc.inner.ApplyOrder(ctx, primary, secondary)
}

func TestLastPrimaryDoesNotWaitForCycle(t *testing.T) {
	h := newHarness(t, wifiName, wiredName)
	sameSubnetServices(h)
	h.tick(t)

	h.network.Set(wiredName, pkg.ServiceInfo{Enabled: true, IP: "169.254.3.4", Mask: "255.255.0.0"})
	blocking := &blockingController{
		inner:   h.controller,
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = h.engine.Tick(context.Background(), blocking)
	}()
	<-blocking.entered

	read := make(chan string, 1)
	go func() { read <- h.engine.LastPrimary() }()

	select {
	case primary := <-read:
		assert.Equal(t, wiredName, primary)
	case <-time.After(time.Second):
		t.Error("LastPrimary blocked while a cycle was resetting")
	}
	assert.NotNil(t, h.engine.LastResult())

	close(blocking.release)
	<-done
	assert.Equal(t, pkg.OutcomeWiredResetFailed, h.engine.LastResult().Outcome)
}

func TestTick_FailedEnableIsRetriedNextCycle(t *testing.T) {
	h := newHarness(t, wifiName, wiredName)
	sameSubnetServices(h)
	h.network.Set(wiredName, pkg.ServiceInfo{Enabled: true, IP: "169.254.3.4", Mask: "255.255.0.0"})
	failures := 1
	h.network.SetEnabledErr = func(name string, enabled bool) error {
		if enabled && failures > 0 {
			failures--
			return errors.New("resource busy")
		}
		return nil
	}

	result := h.tick(t)
	assert.Equal(t, pkg.OutcomeWiredResetFailed, result.Outcome)

	info, err := h.network.ServiceInfo(context.Background(), wiredName)
	require.NoError(t, err)
	assert.True(t, info.Enabled, "a failed enable must not leave the wired service down")

	result = h.tick(t)
	assert.Equal(t, pkg.OutcomeWiredResetFailed, result.Outcome)
	assert.True(t, result.ResetAttempted)
	assert.Equal(t, 2, h.controller.ResetCalls)
}

func TestTick_SplitGraceRestartsAfterInterruption(t *testing.T) {
	h := newHarness(t, wifiName, wiredName)
	h.config.SplitSubnetPolicy = uci.SplitSubnetLastGood
	h.config.SplitSubnetGraceS = 300
	sameSubnetServices(h)
	h.tick(t)

	split := pkg.ServiceInfo{Enabled: true, IP: "172.16.0.2", Mask: "255.255.0.0"}
	h.network.Set(wifiName, split)
	require.NoError(t, h.network.SetServiceOrder(context.Background(), []string{wifiName, wiredName}))

	now := time.Now()
	h.engine.now = func() time.Time { return now }
	assert.Equal(t, pkg.OutcomeDifferentSubnets, h.tick(t).Outcome)

	// wifi drops out for longer than the grace period
	h.network.Set(wifiName, pkg.ServiceInfo{Enabled: true})
	now = now.Add(200 * time.Second)
	assert.Equal(t, pkg.OutcomeWifiUnreachable, h.tick(t).Outcome)
	now = now.Add(200 * time.Second)
	assert.Equal(t, pkg.OutcomeWifiUnreachable, h.tick(t).Outcome)

	// a new split starts a new grace period
	h.network.Set(wifiName, split)
	result := h.tick(t)
	assert.Equal(t, pkg.OutcomeDifferentSubnets, result.Outcome)
	assert.False(t, result.Reordered)

	now = now.Add(301 * time.Second)
	result = h.tick(t)
	assert.True(t, result.Reordered)
	assert.Equal(t, []string{wiredName, wifiName}, h.network.Order())
}
