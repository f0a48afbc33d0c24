package services

import (
	"fmt"
	"net/netip"
	"regexp"
	"strings"

	"github.com/sirupsen/logrus"

	"tunnbox/internal/config"
	"tunnbox/internal/ipam"
	"tunnbox/internal/models"
	"tunnbox/internal/wgconf"
	"tunnbox/internal/wgkey"
)

const (
	maxInterfaceName = 15 // IFNAMSIZ - 1
	maxPeerName      = 64
	defaultKeepalive = 25
)

var (
	interfaceNameRE = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
	peerNameRE      = regexp.MustCompile(`^[A-Za-z0-9_\- ]+$`)

	reservedNames = map[string]bool{"lo": true, "localhost": true, "default": true, "all": true}
)

func validateInterfaceName(name string) error {
	switch {
	case name == "":
		return invalid("interface name is required")
	case len(name) > maxInterfaceName:
		return invalid("interface name must be %d characters or less", maxInterfaceName)
	case !interfaceNameRE.MatchString(name):
		return invalid("interface name may only contain letters, digits, _ and -")
	case reservedNames[strings.ToLower(name)]:
		return invalid("interface name %q is reserved", name)
	}
	return nil
}

func validatePort(port int) error {
	if port < 1 || port > 65535 {
		return invalid("listen port must be between 1 and 65535")
	}
	return nil
}

// parseAddress parses an interface address list. Each entry must be the
// interface's own host address in CIDR form, e.g. 10.0.0.1/24.
func parseAddress(s string) ([]netip.Prefix, error) {
	prefixes, err := wgconf.ParsePrefixes(s)
	if err != nil {
		return nil, invalid("address %q: %v", s, err)
	}
	for _, p := range prefixes {
		if !ipam.HostAddr(p, p.Addr()) {
			return nil, invalid("address %s is not a host address of its subnet", p)
		}
	}
	return prefixes, nil
}

func validateDNS(s string) error {
	if s == "" {
		return nil
	}
	for _, item := range strings.Split(s, ",") {
		if !config.ValidHost(strings.TrimSpace(item)) {
			return invalid("invalid DNS entry %q", strings.TrimSpace(item))
		}
	}
	return nil
}

func validatePeerName(name string) error {
	switch {
	case strings.TrimSpace(name) == "":
		return invalid("peer name is required")
	case len(name) > maxPeerName:
		return invalid("peer name must be %d characters or less", maxPeerName)
	case !peerNameRE.MatchString(name):
		return invalid("peer name may only contain letters, digits, spaces, _ and -")
	}
	return nil
}

func validateKeepalive(v int) error {
	if v < 0 || v > 65535 {
		return invalid("persistent keepalive must be between 0 and 65535")
	}
	return nil
}

func validatePublicKey(s string) error {
	if err := wgkey.ParseKey(s); err != nil {
		return invalid("public key: %v", err)
	}
	return nil
}

// sanitize runs a PostUp/PostDown value through the sanitizer. Accepted
// values that skipped the checks are written to the audit log.
func (o *Orchestrator) sanitize(iface, field, cmd string) (string, error) {
	res, err := o.sanitizer.Sanitize(cmd)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", ErrSanitization, field, err)
	}
	if res.Bypassed && res.Command != "" {
		o.log.WithFields(logrus.Fields{
			"audit":     true,
			"interface": iface,
			"field":     field,
			"command":   res.Command,
		}).Warn("custom script accepted without sanitization")
	}
	return res.Command, nil
}

// checkAllowedIPs validates a peer's allowed IPs against its interface and the
// other peers on it, and returns the normalized list. At least one entry must
// be a single host inside an interface subnet; nothing may overlap another
// peer or cover the interface subnet.
func checkAllowedIPs(iface *models.Interface, value string, others []models.Peer) (string, error) {
	prefixes, err := wgconf.ParsePrefixes(value)
	if err != nil {
		return "", invalid("allowed ips %q: %v", value, err)
	}
	subnets, err := wgconf.ParsePrefixes(iface.Address)
	if err != nil {
		return "", fmt.Errorf("interface %s has unusable address %q: %w", iface.Name, iface.Address, err)
	}

	hosts := 0
	out := make([]string, 0, len(prefixes))
	for _, p := range prefixes {
		p = p.Masked()
		for _, s := range subnets {
			if p.Addr().BitLen() != s.Addr().BitLen() || !p.Overlaps(s.Masked()) {
				continue
			}
			if !p.IsSingleIP() {
				return "", invalid("allowed ips %s overlaps the interface subnet %s", p, s.Masked())
			}
			if p.Addr() == s.Addr() {
				return "", conflict("%s is the address of interface %s", p.Addr(), iface.Name)
			}
			if !ipam.HostAddr(s, p.Addr()) {
				return "", invalid("%s is not a host address of %s", p.Addr(), s.Masked())
			}
			hosts++
		}
		out = append(out, p.String())
	}
	if hosts == 0 {
		return "", invalid("allowed ips must include a single address inside %s", iface.Address)
	}

	for _, other := range others {
		theirs, err := wgconf.ParsePrefixes(other.AllowedIPs)
		if err != nil {
			continue
		}
		for _, a := range prefixes {
			for _, b := range theirs {
				if a.Masked().Overlaps(b.Masked()) {
					return "", conflict("allowed ips %s overlap peer %q (%s)", a.Masked(), other.Name, b)
				}
			}
		}
	}
	return strings.Join(out, ", "), nil
}

// nextFree picks the lowest free address in the first subnet of iface.
func nextFree(iface *models.Interface, peers []models.Peer) (netip.Prefix, error) {
	subnets, err := wgconf.ParsePrefixes(iface.Address)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("interface %s has unusable address %q: %w", iface.Name, iface.Address, err)
	}
	allowed := make([]string, 0, len(peers))
	for _, p := range peers {
		allowed = append(allowed, p.AllowedIPs)
	}
	p, err := ipam.NextFree(subnets[0], ipam.ReservedFrom(allowed))
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("%w: %w", ErrAllocation, err)
	}
	return p, nil
}

// resolveAllowedIPs allocates an address for "auto" (or an empty value) and
// validates anything else.
func resolveAllowedIPs(iface *models.Interface, value string, others []models.Peer) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" || strings.EqualFold(value, "auto") {
		p, err := nextFree(iface, others)
		if err != nil {
			return "", err
		}
		return p.String(), nil
	}
	return checkAllowedIPs(iface, value, others)
}
