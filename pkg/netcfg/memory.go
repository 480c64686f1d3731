package netcfg

import (
	"context"
	"fmt"
	"sync"

	"github.com/markus-lassfolk/linkfailover/pkg"
)

// Memory is an in-process pkg.NetworkConfig. It backs tests and lets the
// decision logic be exercised without touching the host.
type Memory struct {
	mu       sync.Mutex
	services map[string]pkg.ServiceInfo
	order    []string

	// Failure injection
	InfoErr     map[string]error
	OrderErr    error
	SetOrderErr error

	// SetEnabledErr, when set, is consulted before each toggle; a non-nil
	// result fails the call and leaves the service unchanged.
	SetEnabledErr func(name string, enabled bool) error

	// OnSetEnabled runs after an enable toggle, with the lock released.
	// Tests use it to model addressing changes caused by a reset.
	OnSetEnabled func(m *Memory, name string, enabled bool)

	// Recorded writes
	OrderWrites [][]string
	Toggles     []Toggle
}

// Toggle records one SetServiceEnabled call
type Toggle struct {
	Name    string
	Enabled bool
}

// NewMemory creates a backend whose service order is order
func NewMemory(order ...string) *Memory {
	m := &Memory{
		services: make(map[string]pkg.ServiceInfo),
		order:    append([]string(nil), order...),
		InfoErr:  make(map[string]error),
	}
	for _, name := range order {
		m.services[name] = pkg.ServiceInfo{}
	}
	return m
}

// Set replaces the reported info of a service, adding it to the order if new
func (m *Memory) Set(name string, info pkg.ServiceInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.services[name]; !ok {
		m.order = append(m.order, name)
	}
	m.services[name] = info
}

// Order returns a copy of the current order without recording a read
func (m *Memory) Order() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.order...)
}

func (m *Memory) ListServices(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.order...), nil
}

func (m *Memory) ServiceInfo(ctx context.Context, name string) (*pkg.ServiceInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.InfoErr[name]; err != nil {
		return nil, err
	}
	info, ok := m.services[name]
	if !ok {
		return nil, fmt.Errorf("unknown service %q", name)
	}
	return &info, nil
}

func (m *Memory) SetServiceEnabled(ctx context.Context, name string, enabled bool) error {
	m.mu.Lock()
	info, ok := m.services[name]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("unknown service %q", name)
	}
	if m.SetEnabledErr != nil {
		if err := m.SetEnabledErr(name, enabled); err != nil {
			m.mu.Unlock()
			return err
		}
	}
	info.Enabled = enabled
	m.services[name] = info
	m.Toggles = append(m.Toggles, Toggle{Name: name, Enabled: enabled})
	hook := m.OnSetEnabled
	m.mu.Unlock()

	if hook != nil {
		hook(m, name, enabled)
	}
	return nil
}

func (m *Memory) ServiceOrder(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.OrderErr != nil {
		return nil, m.OrderErr
	}
	return append([]string(nil), m.order...), nil
}

func (m *Memory) SetServiceOrder(ctx context.Context, order []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SetOrderErr != nil {
		return m.SetOrderErr
	}
	if len(order) != len(m.order) {
		return fmt.Errorf("order has %d services, expected %d", len(order), len(m.order))
	}
	m.order = append([]string(nil), order...)
	m.OrderWrites = append(m.OrderWrites, append([]string(nil), order...))
	return nil
}
