package collector

import (
	"context"
	"net/netip"
	"sort"
	"strings"

	"github.com/markus-lassfolk/linkfailover/pkg"
	"github.com/markus-lassfolk/linkfailover/pkg/logx"
	"github.com/markus-lassfolk/linkfailover/pkg/netaddr"
)

// Inspector turns raw collaborator output into normalized interface states
type Inspector struct {
	network pkg.NetworkConfig
	logger  *logx.Logger
}

// NewInspector creates an inspector reading from network
func NewInspector(network pkg.NetworkConfig, logger *logx.Logger) *Inspector {
	if logger == nil {
		logger = &logx.Logger{}
	}
	return &Inspector{network: network, logger: logger}
}

// Inspect queries one service. Query failures never escape: they produce a
// disabled state with no addresses, which the caller treats as unusable.
func (i *Inspector) Inspect(ctx context.Context, name string) pkg.InterfaceState {
	state := pkg.InterfaceState{Name: name}

	info, err := i.network.ServiceInfo(ctx, name)
	if err != nil {
		i.logger.Debug("Service query failed, treating as unusable", "service", name, "error", err)
		return state
	}
	if info == nil {
		return state
	}

	state.Enabled = info.Enabled
	state.IP = i.parseField(name, "ip", info.IP)
	state.Mask = i.parseField(name, "mask", info.Mask)
	state.Router = i.parseField(name, "router", info.Router)

	i.logger.Trace("Service inspected",
		"service", name,
		"enabled", state.Enabled,
		"ip", addrString(state.IP),
		"mask", addrString(state.Mask),
		"router", addrString(state.Router))
	return state
}

func (i *Inspector) parseField(service, field, raw string) netip.Addr {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.EqualFold(raw, "none") {
		return netip.Addr{}
	}
	addr, err := netaddr.ParseIPv4(raw)
	if err != nil {
		i.logger.Debug("Ignoring malformed address", "service", service, "field", field, "value", raw)
		return netip.Addr{}
	}
	return addr
}

// Usable reports whether a state is enabled with a routable IPv4 address
func Usable(state pkg.InterfaceState) bool {
	return state.Enabled && state.HasIP() && !netaddr.IsLinkLocal(state.IP)
}

// ValidateServices checks that every name is a service the OS knows about.
// The first unknown name is reported as a *pkg.ConfigurationError.
func (i *Inspector) ValidateServices(ctx context.Context, names ...string) error {
	services, err := i.network.ListServices(ctx)
	if err != nil {
		return err
	}

	known := make(map[string]bool, len(services))
	for _, s := range services {
		known[s] = true
	}

	for _, name := range names {
		if strings.TrimSpace(name) == "" {
			return &pkg.ConfigurationError{Field: "interface", Value: name}
		}
		if !known[name] {
			available := append([]string(nil), services...)
			sort.Strings(available)
			return &pkg.ConfigurationError{Field: "interface", Value: name, Available: available}
		}
	}
	return nil
}

func addrString(a netip.Addr) string {
	if !a.IsValid() {
		return "none"
	}
	return a.String()
}
