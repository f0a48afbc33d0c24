// Package ipam picks peer addresses inside an interface subnet.
package ipam

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
)

var ErrExhausted = errors.New("no available addresses in subnet")

// NextFree returns the lowest free host address in iface's subnet as a
// single-host prefix (/32 or /128). iface is the interface's own address in
// CIDR form (e.g. 10.0.0.1/24); that address is never handed out. reserved
// holds the addresses already bound to peers.
//
// The result only depends on iface and the reserved set, so repeated calls
// without an intervening allocation return the same address.
func NextFree(iface netip.Prefix, reserved []netip.Addr) (netip.Prefix, error) {
	if !iface.IsValid() {
		return netip.Prefix{}, fmt.Errorf("invalid subnet %s", iface)
	}
	subnet := iface.Masked()
	used := make(map[netip.Addr]struct{}, len(reserved)+1)
	used[iface.Addr().Unmap()] = struct{}{}
	for _, a := range reserved {
		used[a.Unmap()] = struct{}{}
	}

	last := lastAddr(subnet)
	for a := subnet.Addr(); a.IsValid() && subnet.Contains(a); a = a.Next() {
		if _, ok := used[a]; ok || isReserved(subnet, a, last) {
			continue
		}
		return netip.PrefixFrom(a, a.BitLen()), nil
	}
	return netip.Prefix{}, fmt.Errorf("%w %s", ErrExhausted, subnet)
}

// isReserved reports whether a is a network, broadcast or reserved anycast
// address that can never be assigned to a host.
func isReserved(subnet netip.Prefix, a, last netip.Addr) bool {
	hostBits := a.BitLen() - subnet.Bits()
	// RFC 3021 / RFC 6164: every address of a /31 or /127 is a host.
	if hostBits < 2 {
		return false
	}
	if a == subnet.Addr() {
		return true
	}
	if a.Is4() {
		return a == last
	}
	// RFC 2526 reserves the highest 128 interface identifiers.
	if hostBits >= 8 {
		return a.Compare(sub(last, 127)) >= 0
	}
	return a == last
}

func lastAddr(p netip.Prefix) netip.Addr {
	b := p.Addr().AsSlice()
	for i := p.Bits(); i < len(b)*8; i++ {
		b[i/8] |= 0x80 >> (i % 8)
	}
	a, _ := netip.AddrFromSlice(b)
	return a
}

func sub(a netip.Addr, n int) netip.Addr {
	for ; n > 0; n-- {
		a = a.Prev()
	}
	return a
}

// ReservedFrom extracts the single-host addresses bound by a list of peer
// AllowedIPs values. Entries covering more than one address are ignored.
func ReservedFrom(allowedIPs []string) []netip.Addr {
	var out []netip.Addr
	for _, value := range allowedIPs {
		for _, item := range strings.Split(value, ",") {
			if a, ok := SingleHost(strings.TrimSpace(item)); ok {
				out = append(out, a)
			}
		}
	}
	return out
}

// SingleHost parses s as a bare address or a single-host prefix.
func SingleHost(s string) (netip.Addr, bool) {
	if s == "" {
		return netip.Addr{}, false
	}
	if p, err := netip.ParsePrefix(s); err == nil {
		if p.IsSingleIP() {
			return p.Addr().Unmap(), true
		}
		return netip.Addr{}, false
	}
	if a, err := netip.ParseAddr(s); err == nil {
		return a.Unmap(), true
	}
	return netip.Addr{}, false
}

// Contains reports whether a lies inside iface's subnet.
func Contains(iface netip.Prefix, a netip.Addr) bool {
	return iface.Masked().Contains(a.Unmap())
}

// HostAddr reports whether a can be assigned to a host of iface's subnet.
// Network, broadcast and reserved anycast addresses are not host addresses.
func HostAddr(iface netip.Prefix, a netip.Addr) bool {
	subnet := iface.Masked()
	a = a.Unmap()
	return subnet.Contains(a) && !isReserved(subnet, a, lastAddr(subnet))
}
