package wgconf

import (
	"fmt"
	"net/netip"
	"strings"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// Validate checks the semantic content of a parsed config: keys decode to 32
// bytes, addresses are CIDRs and peer public keys are unique.
func Validate(cfg Config) error {
	i := cfg.Interface
	if _, err := wgtypes.ParseKey(i.PrivateKey); err != nil {
		return fmt.Errorf("%w: PrivateKey: %v", ErrSyntax, err)
	}
	if i.Address == "" {
		return fmt.Errorf("%w: Address is required", ErrSyntax)
	}
	if _, err := ParsePrefixes(i.Address); err != nil {
		return fmt.Errorf("%w: Address: %v", ErrSyntax, err)
	}
	seen := make(map[string]bool, len(cfg.Peers))
	for n, p := range cfg.Peers {
		if _, err := wgtypes.ParseKey(p.PublicKey); err != nil {
			return fmt.Errorf("%w: peer %d: PublicKey: %v", ErrSyntax, n, err)
		}
		if seen[p.PublicKey] {
			return fmt.Errorf("%w: peer %d: duplicate PublicKey", ErrSyntax, n)
		}
		seen[p.PublicKey] = true
		if p.PresharedKey != "" {
			if _, err := wgtypes.ParseKey(p.PresharedKey); err != nil {
				return fmt.Errorf("%w: peer %d: PresharedKey: %v", ErrSyntax, n, err)
			}
		}
		if p.AllowedIPs != "" {
			if _, err := ParsePrefixes(p.AllowedIPs); err != nil {
				return fmt.Errorf("%w: peer %d: AllowedIPs: %v", ErrSyntax, n, err)
			}
		}
	}
	return nil
}

// ParsePrefixes parses a comma-separated CIDR list.
func ParsePrefixes(s string) ([]netip.Prefix, error) {
	var out []netip.Prefix
	for _, item := range strings.Split(s, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		p, err := netip.ParsePrefix(item)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("empty address list")
	}
	return out, nil
}
