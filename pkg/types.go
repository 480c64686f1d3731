package pkg

import (
	"context"
	"fmt"
	"net/netip"
	"strings"
	"time"
)

// Role identifies which of the two managed services an interface plays
type Role string

const (
	RoleWired Role = "wired"
	RoleWiFi  Role = "wifi"
)

// ServiceInfo is the raw per-service information as the OS reported it.
// Address fields may be empty, "none" or otherwise unusable; normalization
// happens in the collector.
type ServiceInfo struct {
	Enabled bool   `json:"enabled"`
	IP      string `json:"ip"`
	Mask    string `json:"mask"`
	Router  string `json:"router"`
}

// InterfaceState is the normalized view of one managed service for a single cycle.
// A zero netip.Addr means the value is absent.
type InterfaceState struct {
	Name    string     `json:"name"`
	Role    Role       `json:"role"`
	Enabled bool       `json:"enabled"`
	IP      netip.Addr `json:"ip"`
	Mask    netip.Addr `json:"mask"`
	Router  netip.Addr `json:"router"`
}

// HasIP reports whether an IPv4 address is present
func (s InterfaceState) HasIP() bool {
	return s.IP.IsValid()
}

// HasRouter reports whether a usable router address is present
func (s InterfaceState) HasRouter() bool {
	return s.Router.IsValid() && !s.Router.IsUnspecified()
}

// NetworkConfig is the OS network-configuration facility the daemon drives.
// Implementations isolate all command/netlink specifics from the decision logic.
type NetworkConfig interface {
	// ListServices returns the names of all configured network services
	ListServices(ctx context.Context) ([]string, error)
	// ServiceInfo returns the enabled flag and addressing of one service
	ServiceInfo(ctx context.Context, name string) (*ServiceInfo, error)
	// SetServiceEnabled enables or disables one service
	SetServiceEnabled(ctx context.Context, name string, enabled bool) error
	// ServiceOrder returns all services ordered by priority, highest first
	ServiceOrder(ctx context.Context) ([]string, error)
	// SetServiceOrder replaces the priority order; order must contain every service
	SetServiceOrder(ctx context.Context, order []string) error
}

// Pinger sends a single ICMP echo from source to target.
// A nil error means a reply was received before the timeout.
type Pinger interface {
	Ping(ctx context.Context, source, target netip.Addr, timeout time.Duration) error
}

// Outcome describes why a cycle ended early or what action it took
type Outcome int

const (
	OutcomeUnknown Outcome = iota
	OutcomeWiredDisabled
	OutcomeWifiUnreachable
	OutcomeWiredReset
	OutcomeWiredResetFailed
	OutcomeDifferentSubnets
	OutcomeSameSubnetWiredPrimary
	OutcomeSameSubnetWifiPrimary
	OutcomeNoChangeNeeded
	OutcomeQueryFailed
)

var outcomeNames = map[Outcome]string{
	OutcomeUnknown:                "unknown",
	OutcomeWiredDisabled:          "wired_disabled",
	OutcomeWifiUnreachable:        "wifi_unreachable",
	OutcomeWiredReset:             "wired_reset",
	OutcomeWiredResetFailed:       "wired_reset_failed",
	OutcomeDifferentSubnets:       "different_subnets",
	OutcomeSameSubnetWiredPrimary: "same_subnet_wired_primary",
	OutcomeSameSubnetWifiPrimary:  "same_subnet_wifi_primary",
	OutcomeNoChangeNeeded:         "no_change_needed",
	OutcomeQueryFailed:            "query_failed",
}

func (o Outcome) String() string {
	if name, ok := outcomeNames[o]; ok {
		return name
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// MarshalText lets outcomes appear by name in JSON payloads
func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// Skipped reports whether the cycle ended before a reorder decision was made
func (o Outcome) Skipped() bool {
	switch o {
	case OutcomeWiredDisabled, OutcomeWifiUnreachable, OutcomeWiredResetFailed, OutcomeDifferentSubnets, OutcomeQueryFailed:
		return true
	}
	return false
}

// Event types recorded in the telemetry store and published over MQTT
const (
	EventReorder    = "reorder"
	EventReset      = "reset"
	EventSkip       = "skip"
	EventSplitForce = "split_subnet_reassert"
)

// Event represents a notable cycle event
type Event struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	Type      string                 `json:"type"`
	Outcome   Outcome                `json:"outcome"`
	From      string                 `json:"from,omitempty"`
	To        string                 `json:"to,omitempty"`
	Reason    string                 `json:"reason"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Stamp returns the event time
func (e *Event) Stamp() time.Time {
	return e.Timestamp
}

// ConfigurationError is returned when startup configuration names services
// the OS does not know about. It is fatal.
type ConfigurationError struct {
	Field     string
	Value     string
	Available []string
}

func (e *ConfigurationError) Error() string {
	if len(e.Available) == 0 {
		return fmt.Sprintf("%s: %q is not a valid network service", e.Field, e.Value)
	}
	return fmt.Sprintf("%s: %q is not a configured network service (available: %s)",
		e.Field, e.Value, strings.Join(e.Available, ", "))
}

// Controller applies recovery and priority changes to the host.
// All writes to the service order go through one Controller.
type Controller interface {
	// Reset disables then re-enables a service, waiting for it to settle
	Reset(ctx context.Context, name string) error
	// ApplyOrder moves primary then secondary to the front of the service
	// order, writing only when the order differs
	ApplyOrder(ctx context.Context, primary, secondary string) (changed bool, order []string, err error)
}
