// Package netaddr implements the IPv4 address arithmetic the failover decision
// needs: network addresses, subnet comparison and link-local detection.
package netaddr

import (
	"errors"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
)

// ErrInvalidFormat is returned when an address is not four dot-separated
// decimal integers in the range 0-255.
var ErrInvalidFormat = errors.New("invalid IPv4 format")

// ParseIPv4 parses a dotted-quad IPv4 address
func ParseIPv4(s string) (netip.Addr, error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ".")
	if len(parts) != 4 {
		return netip.Addr{}, fmt.Errorf("%w: %q", ErrInvalidFormat, s)
	}

	var octets [4]byte
	for i, part := range parts {
		if part == "" || len(part) > 3 || !isDigits(part) {
			return netip.Addr{}, fmt.Errorf("%w: %q", ErrInvalidFormat, s)
		}
		n, err := strconv.Atoi(part)
		if err != nil || n > 255 {
			return netip.Addr{}, fmt.Errorf("%w: %q", ErrInvalidFormat, s)
		}
		octets[i] = byte(n)
	}
	return netip.AddrFrom4(octets), nil
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// NetworkAddress returns ip AND mask for textual inputs
func NetworkAddress(ip, mask string) (netip.Addr, error) {
	addr, err := ParseIPv4(ip)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("ip: %w", err)
	}
	m, err := ParseIPv4(mask)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("mask: %w", err)
	}
	return Network(addr, m)
}

// Network returns ip AND mask, octet by octet
func Network(ip, mask netip.Addr) (netip.Addr, error) {
	if !ip.Is4() {
		return netip.Addr{}, fmt.Errorf("ip: %w: %v", ErrInvalidFormat, ip)
	}
	if !mask.Is4() {
		return netip.Addr{}, fmt.Errorf("mask: %w: %v", ErrInvalidFormat, mask)
	}

	a, m := ip.As4(), mask.As4()
	var out [4]byte
	for i := range out {
		out[i] = a[i] & m[i]
	}
	return netip.AddrFrom4(out), nil
}

// SameSubnet reports whether a/aMask and b/bMask resolve to the same network address
func SameSubnet(a, aMask, b, bMask netip.Addr) (bool, error) {
	na, err := Network(a, aMask)
	if err != nil {
		return false, err
	}
	nb, err := Network(b, bMask)
	if err != nil {
		return false, err
	}
	return na == nb, nil
}

// IsLinkLocal reports whether ip lies in 169.254.0.0/16 (RFC 3927 self-assigned)
func IsLinkLocal(ip netip.Addr) bool {
	if !ip.Is4() {
		return false
	}
	b := ip.As4()
	return b[0] == 169 && b[1] == 254
}

// IsLinkLocalString is IsLinkLocal for textual input; malformed input is not link-local
func IsLinkLocalString(s string) bool {
	addr, err := ParseIPv4(s)
	if err != nil {
		return false
	}
	return IsLinkLocal(addr)
}
