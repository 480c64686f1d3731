package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markus-lassfolk/linkfailover/pkg"
	"github.com/markus-lassfolk/linkfailover/pkg/collector"
	"github.com/markus-lassfolk/linkfailover/pkg/logx"
	"github.com/markus-lassfolk/linkfailover/pkg/netcfg"
	"github.com/markus-lassfolk/linkfailover/pkg/uci"
)

type okPinger struct{}

func (okPinger) Ping(ctx context.Context, source, target netip.Addr, timeout time.Duration) error {
	return nil
}

func parseFlags(t *testing.T, args ...string) (*cobra.Command, *options) {
	t.Helper()
	opts := &options{}
	cmd := &cobra.Command{Use: "run"}
	bindFlags(cmd, opts)
	require.NoError(t, cmd.ParseFlags(args))
	return cmd, opts
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "failoverd")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadConfig_FlagsOverrideFile(t *testing.T) {
	path := writeConfig(t, `
config failoverd 'main'
	option wired_interface 'Ethernet'
	option wifi_interface 'Wi-Fi'
	option poll_interval_s '30'
	option verbose '1'
`)

	cmd, opts := parseFlags(t, "--config", path, "--wifi", "AirPort", "-i", "15", "--dry-run")
	cfg, err := loadConfig(cmd, opts)
	require.NoError(t, err)

	assert.Equal(t, "Ethernet", cfg.WiredInterface, "unset flags keep file values")
	assert.Equal(t, "AirPort", cfg.WifiInterface)
	assert.Equal(t, 15, cfg.PollIntervalS)
	assert.True(t, cfg.Verbose)
	assert.True(t, cfg.DryRun)
}

func TestLoadConfig_IntervalAndVerboseAreDistinct(t *testing.T) {
	cmd, opts := parseFlags(t,
		"--config", filepath.Join(t.TempDir(), "missing"),
		"--wired", "Ethernet", "--wifi", "Wi-Fi", "-i", "5", "-v")
	cfg, err := loadConfig(cmd, opts)
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.PollIntervalS)
	assert.True(t, cfg.Verbose)
	assert.Equal(t, "trace", cfg.EffectiveLogLevel())
}

func TestLoadConfig_Invalid(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "missing")
	tests := []struct {
		name string
		args []string
	}{
		{"no wired", []string{"--wifi", "Wi-Fi"}},
		{"same names", []string{"--wired", "Wi-Fi", "--wifi", "Wi-Fi"}},
		{"zero interval", []string{"--wired", "Ethernet", "--wifi", "Wi-Fi", "-i", "0"}},
		{"bad backend", []string{"--wired", "Ethernet", "--wifi", "Wi-Fi", "--backend", "nmcli"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd, opts := parseFlags(t, append([]string{"--config", missing}, tt.args...)...)
			_, err := loadConfig(cmd, opts)
			assert.ErrorContains(t, err, "invalid configuration")
		})
	}
}

func testConfig(t *testing.T) *uci.Config {
	t.Helper()
	cfg := uci.Default()
	cfg.WiredInterface = "Ethernet"
	cfg.WifiInterface = "Wi-Fi"
	cfg.ResetDisableDelayS = 0
	cfg.ResetEnableDelayS = 0
	cfg.StatusFile = filepath.Join(t.TempDir(), "failoverd.status")
	return cfg
}

func sameSubnetNetwork() *netcfg.Memory {
	network := netcfg.NewMemory("Wi-Fi", "Ethernet")
	network.Set("Ethernet", pkg.ServiceInfo{Enabled: true, IP: "192.168.1.10", Mask: "255.255.255.0", Router: "192.168.1.1"})
	network.Set("Wi-Fi", pkg.ServiceInfo{Enabled: true, IP: "192.168.1.20", Mask: "255.255.255.0", Router: "192.168.1.1"})
	return network
}

func TestNewDaemon_UnknownService(t *testing.T) {
	cfg := testConfig(t)
	cfg.WiredInterface = "Thunderbolt Bridge"

	_, err := newDaemon(context.Background(), cfg, sameSubnetNetwork(), okPinger{}, &logx.Logger{})

	var cfgErr *pkg.ConfigurationError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, "Thunderbolt Bridge", cfgErr.Value)
	assert.Equal(t, []string{"Ethernet", "Wi-Fi"}, cfgErr.Available)
}

func TestDaemon_TickAndStatus(t *testing.T) {
	cfg := testConfig(t)
	network := sameSubnetNetwork()

	d, err := newDaemon(context.Background(), cfg, network, okPinger{}, &logx.Logger{})
	require.NoError(t, err)

	require.NoError(t, d.tick(context.Background()))
	assert.Equal(t, []string{"Ethernet", "Wi-Fi"}, network.Order())

	d.writeStatus()

	data, err := os.ReadFile(cfg.StatusFile)
	require.NoError(t, err)

	var status Status
	require.NoError(t, json.Unmarshal(data, &status))
	assert.Equal(t, AppVersion, status.Version)
	assert.Equal(t, "Ethernet", status.Primary)
	assert.Equal(t, "same_subnet_wired_primary", status.LastOutcome)
	assert.NotEmpty(t, status.LastReorderTS)
	assert.Zero(t, status.Resets)
}

func TestDaemon_ResetCounted(t *testing.T) {
	cfg := testConfig(t)
	network := sameSubnetNetwork()
	network.Set("Ethernet", pkg.ServiceInfo{Enabled: true, IP: "169.254.7.7", Mask: "255.255.0.0"})

	d, err := newDaemon(context.Background(), cfg, network, okPinger{}, &logx.Logger{})
	require.NoError(t, err)

	require.NoError(t, d.tick(context.Background()))

	status := d.status()
	assert.Equal(t, 1, status.Resets)
	assert.Equal(t, "wired_reset_failed", status.LastOutcome)
	assert.Empty(t, status.LastReorderTS)
}

func TestWriteStatusFile_Atomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "failoverd.status")

	require.NoError(t, writeStatusFile(path, &Status{Version: "1", Primary: "Ethernet"}))
	require.NoError(t, writeStatusFile(path, &Status{Version: "1", Primary: "Wi-Fi"}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"primary":"Wi-Fi"`)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temporary files left behind")
}

func TestWriteStatusFile_MissingDirectory(t *testing.T) {
	err := writeStatusFile(filepath.Join(t.TempDir(), "nope", "status"), &Status{})
	assert.ErrorContains(t, err, "temporary file")
}

func TestPrintServices(t *testing.T) {
	network := sameSubnetNetwork()
	network.Set("Wi-Fi", pkg.ServiceInfo{Enabled: false})

	out := &bytes.Buffer{}
	cmd := &cobra.Command{}
	cmd.SetOut(out)

	err := printServices(context.Background(), cmd, network, collector.NewInspector(network, nil))
	require.NoError(t, err)
	assert.Equal(t, "1. Wi-Fi (disabled, ip none)\n2. Ethernet (enabled, ip 192.168.1.10)\n", out.String())
}

func TestVersionCommand(t *testing.T) {
	out := &bytes.Buffer{}
	root := newRootCmd()
	root.SetOut(out)
	root.SetArgs([]string{"version"})

	require.NoError(t, root.Execute())
	assert.Equal(t, "failoverd version 1.0.0\n", out.String())
}

func TestDaemon_FinishLogsTimingSummary(t *testing.T) {
	cfg := testConfig(t)
	logs := &bytes.Buffer{}
	logger := logx.NewLogger("info", AppName)
	logger.SetOutput(logs)

	d, err := newDaemon(context.Background(), cfg, sameSubnetNetwork(), okPinger{}, logger)
	require.NoError(t, err)
	require.NoError(t, d.tick(context.Background()))

	d.finish()

	assert.Contains(t, logs.String(), "Performance metric summary")
	assert.Contains(t, logs.String(), "operation=cycle")
	assert.FileExists(t, cfg.StatusFile)
}
