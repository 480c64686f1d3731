package controller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/markus-lassfolk/linkfailover/pkg"
	"github.com/markus-lassfolk/linkfailover/pkg/logx"
	"github.com/markus-lassfolk/linkfailover/pkg/uci"
)

// OrderCallback is called after the service order was rewritten
type OrderCallback func(from, to string, order []string) error

// ResetCallback is called after every reset attempt; err is nil on success
type ResetCallback func(name string, err error)

// Controller owns every write the daemon makes to the host network
// configuration: interface resets and service order changes.
type Controller struct {
	network pkg.NetworkConfig
	logger  *logx.Logger

	// Reset timing
	disableDelay time.Duration
	enableDelay  time.Duration

	// Behavior
	dryRun bool

	// Serializes writes to the service order
	writeMu sync.Mutex

	// Callbacks
	orderCallbacks []OrderCallback
	resetCallbacks []ResetCallback
	callbacksMu    sync.RWMutex
}

// NewController creates a controller driving network
func NewController(network pkg.NetworkConfig, config *uci.Config, logger *logx.Logger) *Controller {
	if config == nil {
		config = uci.Default()
	}
	if logger == nil {
		logger = &logx.Logger{}
	}
	disable, enable := config.ResetDelays()
	return &Controller{
		network:      network,
		logger:       logger,
		disableDelay: disable,
		enableDelay:  enable,
		dryRun:       config.DryRun,
	}
}

// Reset disables the service, waits, enables it and waits again so DHCP can
// settle. It makes a single attempt and does not check the result; the caller
// re-inspects. Waits end early when ctx is cancelled.
func (c *Controller) Reset(ctx context.Context, name string) error {
	err := c.reset(ctx, name)
	c.callResetCallbacks(name, err)
	return err
}

func (c *Controller) reset(ctx context.Context, name string) error {
	if c.dryRun {
		c.logger.Info("DRY RUN: Would reset interface", "service", name,
			"disable_delay", c.disableDelay, "enable_delay", c.enableDelay)
		return nil
	}

	c.logger.Info("Resetting interface", "service", name)

	if err := c.network.SetServiceEnabled(ctx, name, false); err != nil {
		return fmt.Errorf("failed to disable %s: %w", name, err)
	}
	if err := sleepCtx(ctx, c.disableDelay); err != nil {
		// leave the service enabled on shutdown
		c.reenable(name)
		return err
	}

	if err := c.network.SetServiceEnabled(ctx, name, true); err != nil {
		// a disabled wired service is never reset again, so retry once
		c.reenable(name)
		return fmt.Errorf("failed to enable %s: %w", name, err)
	}
	if err := sleepCtx(ctx, c.enableDelay); err != nil {
		return err
	}

	c.logger.Debug("Interface reset complete", "service", name)
	return nil
}

func (c *Controller) reenable(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.network.SetServiceEnabled(ctx, name, true); err != nil {
		c.logger.Error("Failed to re-enable interface after interrupted reset", "service", name, "error", err)
		return
	}
	c.logger.Info("Interface re-enabled after interrupted reset", "service", name)
}

// ApplyOrder reads the current order, puts primary then secondary in front and
// writes it back only if it differs. The returned order is the one in effect
// after the call.
func (c *Controller) ApplyOrder(ctx context.Context, primary, secondary string) (bool, []string, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	current, err := c.network.ServiceOrder(ctx)
	if err != nil {
		return false, nil, fmt.Errorf("failed to read service order: %w", err)
	}

	target := TargetOrder(primary, secondary, current)
	if equalOrder(current, target) {
		c.logger.Trace("Service order already correct", "primary", primary, "order", current)
		return false, current, nil
	}

	from := ""
	if len(current) > 0 {
		from = current[0]
	}

	if c.dryRun {
		c.logger.Info("DRY RUN: Would reorder services", "from", current, "to", target)
		return false, current, nil
	}

	if err := c.network.SetServiceOrder(ctx, target); err != nil {
		return false, current, fmt.Errorf("failed to write service order: %w", err)
	}

	c.logger.Debug("Service order written", "from", current, "to", target)
	c.callOrderCallbacks(from, primary, target)
	return true, target, nil
}

// TargetOrder returns [primary, secondary] followed by every other service of
// current in its original relative order.
func TargetOrder(primary, secondary string, current []string) []string {
	target := make([]string, 0, len(current)+2)
	target = append(target, primary, secondary)
	for _, name := range current {
		if name == primary || name == secondary {
			continue
		}
		target = append(target, name)
	}
	return target
}

func equalOrder(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// SetDryRun enables or disables dry-run mode for the controller
func (c *Controller) SetDryRun(enabled bool) {
	c.dryRun = enabled
}

// DryRun reports whether writes are suppressed
func (c *Controller) DryRun() bool {
	return c.dryRun
}

// AddOrderCallback adds a callback to be called after each order write
func (c *Controller) AddOrderCallback(callback OrderCallback) {
	c.callbacksMu.Lock()
	defer c.callbacksMu.Unlock()
	c.orderCallbacks = append(c.orderCallbacks, callback)
}

// AddResetCallback adds a callback to be called after each reset attempt
func (c *Controller) AddResetCallback(callback ResetCallback) {
	c.callbacksMu.Lock()
	defer c.callbacksMu.Unlock()
	c.resetCallbacks = append(c.resetCallbacks, callback)
}

func (c *Controller) callOrderCallbacks(from, to string, order []string) {
	c.callbacksMu.RLock()
	callbacks := make([]OrderCallback, len(c.orderCallbacks))
	copy(callbacks, c.orderCallbacks)
	c.callbacksMu.RUnlock()

	for _, callback := range callbacks {
		if err := callback(from, to, order); err != nil {
			c.logger.Warn("Order callback failed", "error", err)
		}
	}
}

func (c *Controller) callResetCallbacks(name string, err error) {
	c.callbacksMu.RLock()
	callbacks := make([]ResetCallback, len(c.resetCallbacks))
	copy(callbacks, c.resetCallbacks)
	c.callbacksMu.RUnlock()

	for _, callback := range callbacks {
		callback(name, err)
	}
}
