package wgconf

import (
	"net"
	"strconv"
	"strings"
)

const (
	clientAllowedIPs = "0.0.0.0/0, ::/0"
	clientKeepalive  = 25
)

// ClientParams describes the remote side of a peer's tunnel.
type ClientParams struct {
	Address         string
	PrivateKey      string
	DNS             string
	ServerPublicKey string
	EndpointHost    string
	EndpointPort    int
}

// RenderClient builds the config a peer imports on its own device.
func RenderClient(p ClientParams) []byte {
	address := p.Address
	if first, _, ok := strings.Cut(address, ","); ok {
		address = strings.TrimSpace(first)
	}
	var endpoint string
	if p.EndpointHost != "" {
		endpoint = net.JoinHostPort(p.EndpointHost, strconv.Itoa(p.EndpointPort))
	}
	return Render(Config{
		Interface: Interface{
			PrivateKey: p.PrivateKey,
			Address:    address,
			DNS:        p.DNS,
		},
		Peers: []Peer{{
			PublicKey:           p.ServerPublicKey,
			AllowedIPs:          clientAllowedIPs,
			Endpoint:            endpoint,
			PersistentKeepalive: clientKeepalive,
		}},
	})
}
