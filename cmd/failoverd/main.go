package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/markus-lassfolk/linkfailover/pkg"
	"github.com/markus-lassfolk/linkfailover/pkg/collector"
	"github.com/markus-lassfolk/linkfailover/pkg/logx"
	"github.com/markus-lassfolk/linkfailover/pkg/netcfg"
	"github.com/markus-lassfolk/linkfailover/pkg/pidfile"
	"github.com/markus-lassfolk/linkfailover/pkg/scheduler"
	"github.com/markus-lassfolk/linkfailover/pkg/uci"
)

const (
	AppName    = "failoverd"
	AppVersion = "1.0.0"

	defaultPIDFile = "/tmp/failoverd.pid"
)

// options holds raw flag values; only flags the user set override the file
type options struct {
	configPath string
	pidPath    string
	logLevel   string
	backend    string
	wired      string
	wifi       string
	interval   int
	verbose    bool
	dryRun     bool
	force      bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   AppName,
		Short: "Keep a wired link ahead of wifi while its router answers",
		Long: `failoverd watches one wired and one wifi network service on the same subnet.
It resets the wired service when it has no usable address, probes the wired
router, and moves the healthy interface to the front of the service order.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newRunCmd(), newOnceCmd(), newServicesCmd(), newVersionCmd())
	return root
}

func newRunCmd() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the failover daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd, opts)
		},
	}
	bindFlags(cmd, opts)
	cmd.Flags().StringVar(&opts.pidPath, "pid-file", defaultPIDFile, "Path to PID file")
	cmd.Flags().BoolVar(&opts.force, "force", false, "Start even if another instance owns the PID file")
	return cmd
}

func newOnceCmd() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:   "once",
		Short: "Run a single cycle and print its result",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnce(cmd, opts)
		},
	}
	bindFlags(cmd, opts)
	return cmd
}

func newServicesCmd() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:   "services",
		Short: "List network services in current priority order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return listServices(cmd, opts)
		},
	}
	cmd.Flags().StringVar(&opts.configPath, "config", uci.DefaultConfigPath, "Path to UCI configuration file")
	cmd.Flags().StringVar(&opts.backend, "backend", "", "Collaborator backend (auto|networksetup|netlink)")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s version %s\n", AppName, AppVersion)
		},
	}
}

// bindFlags registers the flags shared by run and once
func bindFlags(cmd *cobra.Command, opts *options) {
	f := cmd.Flags()
	f.StringVar(&opts.configPath, "config", uci.DefaultConfigPath, "Path to UCI configuration file")
	f.StringVar(&opts.wired, "wired", "", "Name of the wired network service")
	f.StringVar(&opts.wifi, "wifi", "", "Name of the wifi network service")
	f.IntVarP(&opts.interval, "interval", "i", uci.DefaultPollIntervalS, "Seconds between cycle starts")
	f.BoolVarP(&opts.verbose, "verbose", "v", false, "Log every cycle, not only cycles that change the order")
	f.BoolVar(&opts.dryRun, "dry-run", false, "Log intended resets and reorders without applying them")
	f.StringVar(&opts.logLevel, "log-level", "", "Override log level (trace|debug|info|warn|error)")
	f.StringVar(&opts.backend, "backend", "", "Collaborator backend (auto|networksetup|netlink)")
}

// loadConfig reads the UCI file and applies every flag the user set
func loadConfig(cmd *cobra.Command, opts *options) (*uci.Config, error) {
	cfg, err := uci.LoadConfig(opts.configPath)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("wired") {
		cfg.WiredInterface = opts.wired
	}
	if flags.Changed("wifi") {
		cfg.WifiInterface = opts.wifi
	}
	if flags.Changed("interval") {
		cfg.PollIntervalS = opts.interval
	}
	if flags.Changed("verbose") {
		cfg.Verbose = opts.verbose
	}
	if flags.Changed("dry-run") {
		cfg.DryRun = opts.dryRun
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = opts.logLevel
	}
	if flags.Changed("backend") {
		cfg.Backend = opts.backend
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func newNetwork(cfg *uci.Config, logger *logx.Logger) (pkg.NetworkConfig, error) {
	return netcfg.New(netcfg.Options{
		Backend:      cfg.Backend,
		QueryTimeout: cfg.QueryTimeout(),
		MetricBase:   cfg.NetlinkMetricBase,
		MetricStep:   cfg.NetlinkMetricStep,
	}, logger.WithComponent("netcfg"))
}

func newPinger(cfg *uci.Config) pkg.Pinger {
	return &collector.ICMPPinger{Privileged: cfg.ProbePrivileged}
}

func runDaemon(cmd *cobra.Command, opts *options) error {
	cfg, err := loadConfig(cmd, opts)
	if err != nil {
		return err
	}

	logger := logx.NewLogger(cfg.EffectiveLogLevel(), AppName)

	pidFile := pidfile.New(opts.pidPath)
	if err := pidFile.Create(opts.force); err != nil {
		if errors.Is(err, pidfile.ErrRunning) {
			fmt.Fprintln(os.Stderr, "Use --force to override, or stop the existing instance first")
		}
		return err
	}
	defer func() {
		if err := pidFile.Remove(); err != nil {
			logger.Error("Failed to remove PID file", "error", err)
		}
	}()

	logger.Info("Starting failover daemon",
		"version", AppVersion,
		"pid", os.Getpid(),
		"wired", cfg.WiredInterface,
		"wifi", cfg.WifiInterface,
		"interval", cfg.PollInterval().String(),
		"dry_run", cfg.DryRun)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	network, err := newNetwork(cfg, logger)
	if err != nil {
		return err
	}

	d, err := newDaemon(ctx, cfg, network, newPinger(cfg), logger)
	if err != nil {
		return err
	}

	if err := d.startServices(); err != nil {
		return err
	}
	defer d.stopServices()

	go d.statusLoop(ctx, statusInterval)

	loop := &scheduler.Loop{
		Interval: cfg.PollInterval(),
		Tick:     d.tick,
		Logger:   logger.WithComponent("scheduler"),
	}
	err = loop.Run(ctx)

	d.finish()
	logger.Info("Failover daemon stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func runOnce(cmd *cobra.Command, opts *options) error {
	cfg, err := loadConfig(cmd, opts)
	if err != nil {
		return err
	}

	logger := logx.NewLogger(cfg.EffectiveLogLevel(), AppName)
	// a single cycle is always reported in full
	cfg.Verbose = true

	network, err := newNetwork(cfg, logger)
	if err != nil {
		return err
	}

	d, err := newDaemon(cmd.Context(), cfg, network, newPinger(cfg), logger)
	if err != nil {
		return err
	}

	result, err := d.engine.Tick(cmd.Context(), d.controller)
	if result != nil {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if encErr := enc.Encode(result); encErr != nil {
			return encErr
		}
	}
	return err
}

func listServices(cmd *cobra.Command, opts *options) error {
	cfg, err := uci.LoadConfig(opts.configPath)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("backend") {
		cfg.Backend = opts.backend
	}

	logger := logx.NewLogger("warn", AppName)
	network, err := newNetwork(cfg, logger)
	if err != nil {
		return err
	}
	return printServices(cmd.Context(), cmd, network, collector.NewInspector(network, logger))
}

func printServices(ctx context.Context, cmd *cobra.Command, network pkg.NetworkConfig, inspector *collector.Inspector) error {
	order, err := network.ServiceOrder(ctx)
	if err != nil {
		return fmt.Errorf("failed to read service order: %w", err)
	}

	out := cmd.OutOrStdout()
	for i, name := range order {
		state := inspector.Inspect(ctx, name)
		enabled := "disabled"
		if state.Enabled {
			enabled = "enabled"
		}
		ip := "none"
		if state.HasIP() {
			ip = state.IP.String()
		}
		fmt.Fprintf(out, "%d. %s (%s, ip %s)\n", i+1, name, enabled, ip)
	}
	return nil
}
