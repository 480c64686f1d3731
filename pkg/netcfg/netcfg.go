// Package netcfg adapts the host's network configuration facility to
// pkg.NetworkConfig. All command output parsing and netlink handling lives
// here so the decision logic only ever sees typed values.
package netcfg

import (
	"fmt"
	"runtime"
	"time"

	"github.com/markus-lassfolk/linkfailover/pkg"
	"github.com/markus-lassfolk/linkfailover/pkg/logx"
)

// Options configures backend construction
type Options struct {
	Backend      string
	QueryTimeout time.Duration
	MetricBase   int
	MetricStep   int
}

// New returns the adapter for the requested backend; "auto" picks by OS
func New(opts Options, logger *logx.Logger) (pkg.NetworkConfig, error) {
	backend := opts.Backend
	if backend == "" || backend == "auto" {
		backend = autoBackend(runtime.GOOS)
	}

	switch backend {
	case "networksetup":
		return NewNetworkSetup(nil, opts.QueryTimeout, logger), nil
	case "netlink":
		return NewNetlink(nil, opts.MetricBase, opts.MetricStep, logger), nil
	default:
		return nil, fmt.Errorf("unsupported network backend %q on %s", backend, runtime.GOOS)
	}
}

func autoBackend(goos string) string {
	switch goos {
	case "darwin":
		return "networksetup"
	case "linux":
		return "netlink"
	}
	return goos
}
