package decision

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/markus-lassfolk/linkfailover/pkg"
	"github.com/markus-lassfolk/linkfailover/pkg/collector"
	"github.com/markus-lassfolk/linkfailover/pkg/logx"
	"github.com/markus-lassfolk/linkfailover/pkg/metrics"
	"github.com/markus-lassfolk/linkfailover/pkg/netaddr"
	"github.com/markus-lassfolk/linkfailover/pkg/telem"
	"github.com/markus-lassfolk/linkfailover/pkg/uci"
)

// Engine evaluates the wired and wifi services once per Tick and decides
// which of them should lead the service order.
type Engine struct {
	// cycleMu serializes Ticks and guards the state carried between them.
	// mu guards only what other goroutines read, so status readers never wait
	// for a cycle that is blocked in a reset or a slow query.
	cycleMu sync.Mutex
	mu      sync.Mutex

	// Configuration
	config *uci.Config
	wired  string
	wifi   string

	// Dependencies
	logger    *logx.Logger
	inspector *collector.Inspector
	prober    *collector.Prober
	telemetry *telem.Store
	metrics   *metrics.Registry
	perf      *logx.PerformanceLogger

	// State carried between cycles
	lastPrimary string
	lastOutcome pkg.Outcome
	splitSince  time.Time
	lastResult  *CycleResult

	now func() time.Time
}

// CycleResult describes what one Tick saw and did
type CycleResult struct {
	Outcome        pkg.Outcome   `json:"outcome"`
	Primary        string        `json:"primary,omitempty"`
	Secondary      string        `json:"secondary,omitempty"`
	Reordered      bool          `json:"reordered"`
	ResetAttempted bool          `json:"reset_attempted"`
	Order          []string      `json:"order,omitempty"`
	Reason         string        `json:"reason,omitempty"`
	Started        time.Time     `json:"started"`
	Duration       time.Duration `json:"duration_ns"`

	split bool
}

// NewEngine creates a new decision engine. telemetry may be nil.
func NewEngine(config *uci.Config, inspector *collector.Inspector, prober *collector.Prober, logger *logx.Logger, telemetry *telem.Store) *Engine {
	if logger == nil {
		logger = &logx.Logger{}
	}
	return &Engine{
		config:    config,
		wired:     config.WiredInterface,
		wifi:      config.WifiInterface,
		logger:    logger,
		inspector: inspector,
		prober:    prober,
		telemetry: telemetry,
		perf:      logx.NewPerformanceLogger(logger, config.PollInterval()),
		now:       time.Now,
	}
}

// SetMetrics attaches a prometheus registry
func (e *Engine) SetMetrics(m *metrics.Registry) {
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()
	e.metrics = m
}

// Performance returns the timing tracker for cycles, probes and resets
func (e *Engine) Performance() *logx.PerformanceLogger {
	return e.perf
}

// LastResult returns the result of the most recent Tick, or nil
func (e *Engine) LastResult() *CycleResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastResult
}

// LastPrimary returns the service most recently chosen as primary
func (e *Engine) LastPrimary() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastPrimary
}

// Tick runs one evaluation cycle. The returned error is non-nil only when the
// service order could not be read or written, or ctx was cancelled; every
// other condition is expressed through the result's Outcome.
func (e *Engine) Tick(ctx context.Context, controller pkg.Controller) (*CycleResult, error) {
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()

	op := e.perf.Start("cycle")
	buf := logx.NewCycleBuffer(e.logger, e.config.Verbose)
	result := &CycleResult{Started: e.now()}

	err := e.evaluate(ctx, controller, buf, result)
	result.Duration = op.Complete(err)

	// the grace period covers one uninterrupted split
	if !result.split {
		e.splitSince = time.Time{}
	}

	// buffered lines only surface when the order actually changed
	if result.Reordered {
		buf.Flush()
	} else {
		buf.Discard()
	}

	e.record(result)
	return result, err
}

func (e *Engine) evaluate(ctx context.Context, controller pkg.Controller, buf *logx.CycleBuffer, result *CycleResult) error {
	wired := e.inspect(ctx, e.wired, pkg.RoleWired, buf)
	if !wired.Enabled {
		buf.Add("Wired interface disabled, skipping cycle", "service", e.wired)
		result.Outcome = pkg.OutcomeWiredDisabled
		return nil
	}

	wifi := e.inspect(ctx, e.wifi, pkg.RoleWiFi, buf)
	if !collector.Usable(wifi) {
		buf.Add("Wifi interface has no usable address, skipping cycle", "service", e.wifi, "ip", addrField(wifi))
		result.Outcome = pkg.OutcomeWifiUnreachable
		return nil
	}

	if !collector.Usable(wired) {
		recovered, ok, err := e.resetWired(ctx, controller, wired, buf, result)
		if err != nil {
			result.Outcome = pkg.OutcomeWiredResetFailed
			return err
		}
		if !ok {
			result.Outcome = pkg.OutcomeWiredResetFailed
			return nil
		}
		wired = recovered
	}

	same, err := netaddr.SameSubnet(wired.IP, wired.Mask, wifi.IP, wifi.Mask)
	if err != nil {
		buf.Add("Cannot compare subnets", "error", err)
	}
	if err != nil || !same {
		buf.Add("Interfaces are on different subnets, leaving order unchanged",
			"wired_ip", addrField(wired), "wired_mask", wired.Mask,
			"wifi_ip", addrField(wifi), "wifi_mask", wifi.Mask)
		result.Outcome = pkg.OutcomeDifferentSubnets
		return e.handleSplit(ctx, controller, buf, result)
	}
	primary, secondary := e.wifi, e.wired
	switch {
	case !wired.HasRouter():
		buf.Add("Wired interface has no router, preferring wifi", "service", e.wired)
		result.Reason = "no_router"
	case e.probe(ctx, wired):
		buf.Add("Router reachable from wired interface", "router", wired.Router, "source", wired.IP)
		primary, secondary = e.wired, e.wifi
		result.Reason = "router_reachable"
	default:
		buf.Add("Router unreachable from wired interface", "router", wired.Router, "source", wired.IP)
		result.Reason = "router_unreachable"
	}

	return e.apply(ctx, controller, primary, secondary, buf, result)
}

func (e *Engine) inspect(ctx context.Context, name string, role pkg.Role, buf *logx.CycleBuffer) pkg.InterfaceState {
	state := e.inspector.Inspect(ctx, name)
	state.Role = role
	buf.Add("Interface state",
		"role", string(role),
		"service", name,
		"enabled", state.Enabled,
		"ip", addrField(state),
		"router", routerField(state))
	if e.metrics != nil {
		e.metrics.SetUsable(name, collector.Usable(state))
	}
	return state
}

// resetWired makes the single reset attempt of a cycle and re-inspects
func (e *Engine) resetWired(ctx context.Context, controller pkg.Controller, wired pkg.InterfaceState, buf *logx.CycleBuffer, result *CycleResult) (pkg.InterfaceState, bool, error) {
	buf.Add("Wired interface has no usable address, resetting", "service", e.wired, "ip", addrField(wired))
	result.ResetAttempted = true

	op := e.perf.Start("reset")
	err := controller.Reset(ctx, e.wired)
	op.Complete(err)
	if e.metrics != nil {
		e.metrics.ObserveReset(err)
	}
	if ctx.Err() != nil {
		return pkg.InterfaceState{}, false, ctx.Err()
	}

	recovered := e.inspect(ctx, e.wired, pkg.RoleWired, buf)
	usable := err == nil && collector.Usable(recovered)

	e.addEvent(&pkg.Event{
		Type:    pkg.EventReset,
		Outcome: pkg.OutcomeWiredReset,
		To:      e.wired,
		Reason:  "wired_unusable",
		Data: map[string]interface{}{
			"recovered": usable,
			"ip":        addrField(recovered),
			"error":     errString(err),
		},
	})

	if !usable {
		// ineffective resets are reported even when the buffer stays silent
		e.logger.Warn("Wired interface still unusable after reset",
			"service", e.wired, "ip", addrField(recovered), "error", err)
		return recovered, false, nil
	}
	buf.Add("Wired interface recovered after reset", "service", e.wired, "ip", recovered.IP)
	return recovered, true, nil
}

func (e *Engine) probe(ctx context.Context, wired pkg.InterfaceState) bool {
	op := e.perf.Start("probe")
	reachable := e.prober.Probe(ctx, wired.IP, wired.Router)
	op.Complete(nil)
	if e.metrics != nil {
		e.metrics.ObserveProbe(reachable)
	}
	return reachable
}

// apply pushes primary and secondary to the front of the service order
func (e *Engine) apply(ctx context.Context, controller pkg.Controller, primary, secondary string, buf *logx.CycleBuffer, result *CycleResult) error {
	result.Primary = primary
	result.Secondary = secondary

	changed, order, err := controller.ApplyOrder(ctx, primary, secondary)
	result.Order = order
	if err != nil {
		e.logger.Error("Failed to apply service order", "primary", primary, "error", err)
		result.Outcome = pkg.OutcomeQueryFailed
		return err
	}

	from := e.lastPrimary
	e.mu.Lock()
	e.lastPrimary = primary
	e.mu.Unlock()

	if !changed {
		result.Outcome = pkg.OutcomeNoChangeNeeded
		if result.ResetAttempted {
			result.Outcome = pkg.OutcomeWiredReset
		}
		return nil
	}

	result.Reordered = true
	if primary == e.wired {
		result.Outcome = pkg.OutcomeSameSubnetWiredPrimary
	} else {
		result.Outcome = pkg.OutcomeSameSubnetWifiPrimary
	}

	buf.Add("Service order changed", "primary", primary, "secondary", secondary, "order", order)
	e.logger.LogSwitch(nameOrNone(from), primary, result.Reason, map[string]interface{}{
		"outcome": result.Outcome.String(),
	})
	if e.metrics != nil {
		e.metrics.ObserveReorder(primary)
	}
	e.addEvent(&pkg.Event{
		Type:    pkg.EventReorder,
		Outcome: result.Outcome,
		From:    nameOrNone(from),
		To:      primary,
		Reason:  result.Reason,
		Data: map[string]interface{}{
			"order": order,
		},
	})
	return nil
}

// handleSplit applies the split-subnet policy. "hold" never touches the
// order. "last_good" re-asserts the last chosen primary once the split has
// lasted for the grace period.
func (e *Engine) handleSplit(ctx context.Context, controller pkg.Controller, buf *logx.CycleBuffer, result *CycleResult) error {
	now := e.now()
	result.split = true
	if e.splitSince.IsZero() {
		e.splitSince = now
	}
	result.Reason = "different_subnets"

	if e.config.SplitSubnetPolicy != uci.SplitSubnetLastGood || e.lastPrimary == "" {
		return nil
	}
	if now.Sub(e.splitSince) < e.config.SplitSubnetGrace() {
		return nil
	}

	primary, secondary := e.lastPrimary, e.wifi
	if primary == e.wifi {
		secondary = e.wired
	}

	changed, order, err := controller.ApplyOrder(ctx, primary, secondary)
	result.Order = order
	if err != nil {
		e.logger.Error("Failed to re-assert last primary", "primary", primary, "error", err)
		result.Outcome = pkg.OutcomeQueryFailed
		return err
	}
	result.Primary = primary
	result.Secondary = secondary
	if !changed {
		return nil
	}

	result.Reordered = true
	result.Reason = "split_subnet_last_good"
	buf.Add("Split subnet persisted, re-asserted last primary",
		"primary", primary, "since", e.splitSince.Format(time.RFC3339), "order", order)
	if e.metrics != nil {
		e.metrics.ObserveReorder(primary)
	}
	e.addEvent(&pkg.Event{
		Type:    pkg.EventSplitForce,
		Outcome: result.Outcome,
		To:      primary,
		Reason:  result.Reason,
		Data: map[string]interface{}{
			"order":       order,
			"split_since": e.splitSince,
		},
	})
	return nil
}

// record publishes the cycle to telemetry and metrics
func (e *Engine) record(result *CycleResult) {
	e.mu.Lock()
	e.lastResult = result
	e.mu.Unlock()

	if e.metrics != nil {
		e.metrics.ObserveCycle(result.Outcome, result.Duration)
	}

	if e.telemetry != nil {
		e.telemetry.AddSample(&telem.Sample{
			Timestamp:      result.Started,
			Outcome:        result.Outcome,
			Primary:        result.Primary,
			Reordered:      result.Reordered,
			ResetAttempted: result.ResetAttempted,
			Duration:       result.Duration,
		})
	}

	// skips are recorded on entry, not on every repetition
	if result.Outcome.Skipped() && result.Outcome != e.lastOutcome {
		e.addEvent(&pkg.Event{
			Type:    pkg.EventSkip,
			Outcome: result.Outcome,
			Reason:  result.Outcome.String(),
		})
	}
	if result.Outcome != e.lastOutcome {
		e.logger.LogStateChange("decision", e.lastOutcome.String(), result.Outcome.String(), result.Reason, nil)
	}
	e.lastOutcome = result.Outcome

	e.logger.Debug("Cycle complete",
		"outcome", result.Outcome.String(),
		"reordered", result.Reordered,
		"reset_attempted", result.ResetAttempted,
		"duration", result.Duration.String())
}

func (e *Engine) addEvent(event *pkg.Event) {
	if e.telemetry == nil {
		return
	}
	if err := e.telemetry.AddEvent(event); err != nil {
		e.logger.Warn("Failed to add telemetry event", "error", err)
	}
}

func addrField(s pkg.InterfaceState) string {
	if !s.HasIP() {
		return "none"
	}
	return s.IP.String()
}

func routerField(s pkg.InterfaceState) string {
	if !s.HasRouter() {
		return "none"
	}
	return s.Router.String()
}

func nameOrNone(name string) string {
	if name == "" {
		return "none"
	}
	return name
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return fmt.Sprint(err)
}
