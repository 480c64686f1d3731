package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/markus-lassfolk/linkfailover/pkg"
	"github.com/markus-lassfolk/linkfailover/pkg/collector"
	"github.com/markus-lassfolk/linkfailover/pkg/controller"
	"github.com/markus-lassfolk/linkfailover/pkg/decision"
	"github.com/markus-lassfolk/linkfailover/pkg/logx"
	"github.com/markus-lassfolk/linkfailover/pkg/metrics"
	"github.com/markus-lassfolk/linkfailover/pkg/mqtt"
	"github.com/markus-lassfolk/linkfailover/pkg/telem"
	"github.com/markus-lassfolk/linkfailover/pkg/uci"
)

const (
	telemetryRetention = 24 * time.Hour
	telemetryCapacity  = 1000
)

// daemon wires the engine to its collaborator and side services
type daemon struct {
	config     *uci.Config
	logger     *logx.Logger
	controller *controller.Controller
	engine     *decision.Engine
	telemetry  *telem.Store
	metrics    *metrics.Registry
	server     *metrics.Server
	mqtt       *mqtt.Client
	started    time.Time

	mu          sync.Mutex
	lastReorder time.Time
	resets      int
	resetErrors int
}

// newDaemon validates the configured services against the host and builds
// the cycle pipeline. An unknown service yields *pkg.ConfigurationError.
func newDaemon(ctx context.Context, cfg *uci.Config, network pkg.NetworkConfig, pinger pkg.Pinger, logger *logx.Logger) (*daemon, error) {
	inspector := collector.NewInspector(network, logger.WithComponent("collector"))
	if err := inspector.ValidateServices(ctx, cfg.WiredInterface, cfg.WifiInterface); err != nil {
		return nil, err
	}

	telemetry, err := telem.NewStore(telemetryRetention, telemetryCapacity)
	if err != nil {
		return nil, fmt.Errorf("failed to create telemetry store: %w", err)
	}

	d := &daemon{
		config:    cfg,
		logger:    logger,
		telemetry: telemetry,
		started:   time.Now(),
	}

	d.controller = controller.NewController(network, cfg, logger.WithComponent("controller"))
	d.controller.AddOrderCallback(d.onReorder)
	d.controller.AddResetCallback(d.onReset)

	prober := collector.NewProber(pinger, cfg.ProbeTimeout(), logger.WithComponent("prober"))
	d.engine = decision.NewEngine(cfg, inspector, prober, logger.WithComponent("decision"), telemetry)

	if cfg.MetricsListener {
		d.metrics = metrics.NewRegistry()
		d.engine.SetMetrics(d.metrics)
	}
	if cfg.MQTT.Enabled {
		d.mqtt = mqtt.NewClient(&mqtt.Config{
			Broker:      cfg.MQTT.Broker,
			Port:        cfg.MQTT.Port,
			ClientID:    cfg.MQTT.ClientID,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			TopicPrefix: cfg.MQTT.TopicPrefix,
			QoS:         cfg.MQTT.QoS,
			Retain:      cfg.MQTT.Retain,
			Enabled:     true,
		}, logger.WithComponent("mqtt"))
		telemetry.SetEventCallback(d.publishEvent)
	}

	return d, nil
}

// startServices starts the metrics listener and connects to MQTT. A broker
// that cannot be reached is logged; the daemon keeps running without it.
func (d *daemon) startServices() error {
	if d.metrics != nil {
		d.server = metrics.NewServer(d.metrics, func() interface{} { return d.status() }, d.logger.WithComponent("metrics"))
		if err := d.server.Start(d.config.MetricsPort); err != nil {
			return err
		}
	}
	if d.mqtt != nil {
		if err := d.mqtt.Connect(); err != nil {
			d.logger.Warn("MQTT unavailable, events will not be published", "error", err)
		}
	}
	return nil
}

func (d *daemon) stopServices() {
	if d.mqtt != nil {
		if err := d.mqtt.Disconnect(); err != nil {
			d.logger.Warn("Failed to disconnect MQTT", "error", err)
		}
	}
	if d.server != nil {
		d.server.Stop()
	}
	if err := d.telemetry.Close(); err != nil {
		d.logger.Warn("Failed to close telemetry store", "error", err)
	}
}

// tick runs one cycle for the scheduler
func (d *daemon) tick(ctx context.Context) error {
	_, err := d.engine.Tick(ctx, d.controller)
	d.telemetry.Cleanup()
	return err
}

// finish writes a final status and logs the timing summary of the run
func (d *daemon) finish() {
	d.writeStatus()
	d.engine.Performance().LogMetrics()
}

func (d *daemon) onReorder(from, to string, order []string) error {
	d.mu.Lock()
	d.lastReorder = time.Now()
	d.mu.Unlock()
	return nil
}

func (d *daemon) onReset(name string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.resets++
	if err != nil {
		d.resetErrors++
	}
}

func (d *daemon) publishEvent(event *pkg.Event) {
	if err := d.mqtt.PublishEvent(event); err != nil {
		d.logger.Warn("Failed to publish event", "type", event.Type, "error", err)
	}
}
