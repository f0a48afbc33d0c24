package backend

import (
	"fmt"
	"net"
	"slices"
	"strings"
	"time"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"tunnbox/internal/wgconf"
)

// peerChanges computes the wgctrl updates that turn the device peer list
// current into want. Unchanged peers are left out so their sessions survive;
// removals come first.
func peerChanges(current []wgtypes.Peer, want []wgconf.Peer) ([]wgtypes.PeerConfig, error) {
	have := make(map[wgtypes.Key]wgtypes.Peer, len(current))
	for _, p := range current {
		have[p.PublicKey] = p
	}

	wanted := make(map[wgtypes.Key]bool, len(want))
	var upserts []wgtypes.PeerConfig
	for _, p := range want {
		key, err := wgtypes.ParseKey(p.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("peer public key: %w", err)
		}
		wanted[key] = true

		allowed, err := ipNets(p.AllowedIPs)
		if err != nil {
			return nil, fmt.Errorf("peer %s allowed ips: %w", p.PublicKey, err)
		}
		var psk wgtypes.Key
		if p.PresharedKey != "" {
			if psk, err = wgtypes.ParseKey(p.PresharedKey); err != nil {
				return nil, fmt.Errorf("peer %s preshared key: %w", p.PublicKey, err)
			}
		}
		keepalive := time.Duration(p.PersistentKeepalive) * time.Second

		old, ok := have[key]
		same := ok && sameNets(old.AllowedIPs, allowed) &&
			old.PersistentKeepaliveInterval == keepalive && old.PresharedKey == psk
		pc := wgtypes.PeerConfig{
			PublicKey:                   key,
			PresharedKey:                &psk,
			ReplaceAllowedIPs:           true,
			AllowedIPs:                  allowed,
			PersistentKeepaliveInterval: &keepalive,
		}
		if p.Endpoint != "" {
			ep, err := net.ResolveUDPAddr("udp", p.Endpoint)
			if err != nil {
				return nil, fmt.Errorf("peer %s endpoint: %w", p.PublicKey, err)
			}
			same = same && old.Endpoint != nil && old.Endpoint.String() == ep.String()
			pc.Endpoint = ep
		}
		if same {
			continue
		}
		upserts = append(upserts, pc)
	}

	var out []wgtypes.PeerConfig
	for _, p := range current {
		if !wanted[p.PublicKey] {
			out = append(out, wgtypes.PeerConfig{PublicKey: p.PublicKey, Remove: true})
		}
	}
	return append(out, upserts...), nil
}

func ipNets(s string) ([]net.IPNet, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	prefixes, err := wgconf.ParsePrefixes(s)
	if err != nil {
		return nil, err
	}
	out := make([]net.IPNet, 0, len(prefixes))
	for _, p := range prefixes {
		p = p.Masked()
		out = append(out, net.IPNet{
			IP:   p.Addr().AsSlice(),
			Mask: net.CIDRMask(p.Bits(), p.Addr().BitLen()),
		})
	}
	return out, nil
}

func sameNets(a, b []net.IPNet) bool {
	key := func(ns []net.IPNet) []string {
		out := make([]string, len(ns))
		for i, n := range ns {
			out[i] = n.String()
		}
		slices.Sort(out)
		return out
	}
	return slices.Equal(key(a), key(b))
}

func deviceState(dev *wgtypes.Device) State {
	st := State{
		Active:     true,
		PublicKey:  dev.PublicKey.String(),
		ListenPort: dev.ListenPort,
		Peers:      make(map[string]PeerState, len(dev.Peers)),
	}
	for _, p := range dev.Peers {
		ps := PeerState{
			PublicKey:       p.PublicKey.String(),
			LatestHandshake: p.LastHandshakeTime,
			TransferRx:      p.ReceiveBytes,
			TransferTx:      p.TransmitBytes,
		}
		if p.Endpoint != nil {
			ps.Endpoint = p.Endpoint.String()
		}
		st.Peers[ps.PublicKey] = ps
	}
	return st
}
