package collector

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"time"

	probing "github.com/prometheus-community/pro-bing"

	"github.com/markus-lassfolk/linkfailover/pkg"
	"github.com/markus-lassfolk/linkfailover/pkg/logx"
)

// DefaultProbeTimeout bounds a single echo when none is configured
const DefaultProbeTimeout = time.Second

var errNoReply = errors.New("no echo reply")

// ICMPPinger sends echo requests with pro-bing
type ICMPPinger struct {
	// Privileged selects raw sockets over unprivileged datagram ICMP
	Privileged bool
}

// Ping sends one echo request from source to target
func (p *ICMPPinger) Ping(ctx context.Context, source, target netip.Addr, timeout time.Duration) error {
	pinger, err := probing.NewPinger(target.String())
	if err != nil {
		return fmt.Errorf("failed to create pinger: %w", err)
	}

	pinger.Count = 1
	pinger.Timeout = timeout
	pinger.Source = source.String()
	pinger.SetPrivileged(p.Privileged)

	if err := pinger.RunWithContext(ctx); err != nil {
		return err
	}
	if pinger.Statistics().PacketsRecv == 0 {
		return errNoReply
	}
	return nil
}

// Prober answers whether a target replies to a single echo from a source address
type Prober struct {
	pinger  pkg.Pinger
	timeout time.Duration
	logger  *logx.Logger
}

// NewProber creates a prober. A nil pinger uses an unprivileged ICMPPinger.
func NewProber(pinger pkg.Pinger, timeout time.Duration, logger *logx.Logger) *Prober {
	if pinger == nil {
		pinger = &ICMPPinger{}
	}
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	if logger == nil {
		logger = &logx.Logger{}
	}
	return &Prober{pinger: pinger, timeout: timeout, logger: logger}
}

// Timeout returns the per-probe deadline
func (p *Prober) Timeout() time.Duration {
	return p.timeout
}

// Probe reports true only when a reply arrived within the timeout
func (p *Prober) Probe(ctx context.Context, source, target netip.Addr) bool {
	if !source.Is4() || !target.Is4() {
		p.logger.Debug("Probe skipped, invalid address", "source", addrString(source), "target", addrString(target))
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	err := p.pinger.Ping(ctx, source, target, p.timeout)
	if err != nil {
		p.logger.Debug("Probe failed", "source", source, "target", target, "error", err, "elapsed", time.Since(start))
		return false
	}
	p.logger.Trace("Probe succeeded", "source", source, "target", target, "rtt", time.Since(start))
	return true
}
