package netcfg

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/markus-lassfolk/linkfailover/pkg"
	"github.com/markus-lassfolk/linkfailover/pkg/logx"
)

// CommandRunner runs an external command and returns its combined output
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

// ExecRunner runs commands with os/exec
func ExecRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	return out.Bytes(), err
}

// NetworkSetup drives the macOS network service list through networksetup(8)
type NetworkSetup struct {
	path    string
	run     CommandRunner
	timeout time.Duration
	logger  *logx.Logger
}

var orderLine = regexp.MustCompile(`^\((\d+|\*)\)\s+(.+)$`)

// NewNetworkSetup creates a networksetup adapter. A nil runner uses ExecRunner.
func NewNetworkSetup(run CommandRunner, timeout time.Duration, logger *logx.Logger) *NetworkSetup {
	if run == nil {
		run = ExecRunner
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = &logx.Logger{}
	}
	return &NetworkSetup{
		path:    "networksetup",
		run:     run,
		timeout: timeout,
		logger:  logger,
	}
}

// ListServices returns every configured service, disabled ones included
func (n *NetworkSetup) ListServices(ctx context.Context) ([]string, error) {
	out, err := n.exec(ctx, "-listallnetworkservices")
	if err != nil {
		return nil, err
	}

	var services []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "An asterisk") {
			continue
		}
		services = append(services, strings.TrimSpace(strings.TrimPrefix(line, "*")))
	}
	return services, nil
}

// ServiceInfo returns the enabled flag and IPv4 addressing of a service
func (n *NetworkSetup) ServiceInfo(ctx context.Context, name string) (*pkg.ServiceInfo, error) {
	enabledOut, err := n.exec(ctx, "-getnetworkserviceenabled", name)
	if err != nil {
		return nil, err
	}

	info := &pkg.ServiceInfo{
		Enabled: strings.EqualFold(strings.TrimSpace(enabledOut), "Enabled"),
	}
	if !info.Enabled {
		return info, nil
	}

	out, err := n.exec(ctx, "-getinfo", name)
	if err != nil {
		return nil, err
	}
	parseGetInfo(out, info)
	return info, nil
}

// parseGetInfo fills addressing fields from "-getinfo" output
func parseGetInfo(out string, info *pkg.ServiceInfo) {
	for _, line := range strings.Split(out, "\n") {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.TrimSpace(key) {
		case "IP address":
			info.IP = value
		case "Subnet mask":
			info.Mask = value
		case "Router":
			info.Router = value
		}
	}
}

// SetServiceEnabled turns a service on or off
func (n *NetworkSetup) SetServiceEnabled(ctx context.Context, name string, enabled bool) error {
	state := "off"
	if enabled {
		state = "on"
	}
	_, err := n.exec(ctx, "-setnetworkserviceenabled", name, state)
	return err
}

// ServiceOrder returns the services in priority order
func (n *NetworkSetup) ServiceOrder(ctx context.Context) ([]string, error) {
	out, err := n.exec(ctx, "-listnetworkserviceorder")
	if err != nil {
		return nil, err
	}
	return parseServiceOrder(out), nil
}

func parseServiceOrder(out string) []string {
	var order []string
	for _, line := range strings.Split(out, "\n") {
		m := orderLine.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			continue
		}
		order = append(order, strings.TrimSpace(m[2]))
	}
	return order
}

// SetServiceOrder writes a complete new service order
func (n *NetworkSetup) SetServiceOrder(ctx context.Context, order []string) error {
	if len(order) == 0 {
		return fmt.Errorf("refusing to write an empty service order")
	}
	args := append([]string{"-ordernetworkservices"}, order...)
	_, err := n.exec(ctx, args...)
	return err
}

// exec runs networksetup with a per-call timeout. networksetup reports many
// failures with exit status 0 and an "** Error" line, so both are checked.
func (n *NetworkSetup) exec(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	out, err := n.run(ctx, n.path, args...)
	text := string(out)
	n.logger.Trace("networksetup command", "args", args, "output", strings.TrimSpace(text))
	if err != nil {
		return "", fmt.Errorf("networksetup %s failed: %w (%s)", args[0], err, strings.TrimSpace(text))
	}
	if idx := strings.Index(text, "** Error"); idx >= 0 {
		return "", fmt.Errorf("networksetup %s failed: %s", args[0], strings.TrimSpace(text[idx:]))
	}
	return text, nil
}
