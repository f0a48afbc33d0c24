package backend

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"tunnbox/internal/wgconf"
)

func mustKey(t *testing.T, s string) wgtypes.Key {
	t.Helper()
	k, err := wgtypes.ParseKey(s)
	require.NoError(t, err)
	return k
}

func TestPeerChanges(t *testing.T) {
	_, laptop, _ := net.ParseCIDR("10.0.0.2/32")
	current := []wgtypes.Peer{
		{PublicKey: mustKey(t, peerA), AllowedIPs: []net.IPNet{*laptop}},
		{PublicKey: mustKey(t, peerB)},
	}
	want := []wgconf.Peer{
		{PublicKey: peerA, AllowedIPs: "10.0.0.2/32"},
		{PublicKey: serverKey, AllowedIPs: "10.0.0.4/32", PersistentKeepalive: 25},
	}

	changes, err := peerChanges(current, want)
	require.NoError(t, err)
	require.Len(t, changes, 2)

	require.Equal(t, mustKey(t, peerB), changes[0].PublicKey)
	require.True(t, changes[0].Remove)

	added := changes[1]
	require.Equal(t, mustKey(t, serverKey), added.PublicKey)
	require.True(t, added.ReplaceAllowedIPs)
	require.Equal(t, "10.0.0.4/32", added.AllowedIPs[0].String())
	require.Equal(t, 25*time.Second, *added.PersistentKeepaliveInterval)
}

func TestPeerChangesNoop(t *testing.T) {
	_, laptop, _ := net.ParseCIDR("10.0.0.2/32")
	current := []wgtypes.Peer{{PublicKey: mustKey(t, peerA), AllowedIPs: []net.IPNet{*laptop}}}
	changes, err := peerChanges(current, []wgconf.Peer{{PublicKey: peerA, AllowedIPs: "10.0.0.2/32"}})
	require.NoError(t, err)
	require.Empty(t, changes)
}

func TestPeerChangesBadKey(t *testing.T) {
	_, err := peerChanges(nil, []wgconf.Peer{{PublicKey: "nope"}})
	require.Error(t, err)
}

func TestDeviceState(t *testing.T) {
	hs := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	dev := &wgtypes.Device{
		PublicKey:  mustKey(t, serverKey),
		ListenPort: 51820,
		Peers: []wgtypes.Peer{{
			PublicKey:         mustKey(t, peerA),
			Endpoint:          &net.UDPAddr{IP: net.ParseIP("203.0.113.9"), Port: 4500},
			LastHandshakeTime: hs,
			ReceiveBytes:      100,
			TransmitBytes:     200,
		}},
	}
	st := deviceState(dev)
	require.True(t, st.Active)
	require.Equal(t, 51820, st.ListenPort)
	require.Equal(t, PeerState{
		PublicKey:       peerA,
		Endpoint:        "203.0.113.9:4500",
		LatestHandshake: hs,
		TransferRx:      100,
		TransferTx:      200,
	}, st.Peers[peerA])
}

func TestPeerChangesFromConfigFile(t *testing.T) {
	// A link that is already up is resynced from the rendered file.
	text := wgconf.Render(wgconf.Config{
		Interface: wgconf.Interface{PrivateKey: serverKey, Address: "10.0.0.1/24", ListenPort: 51820},
		Peers:     []wgconf.Peer{{PublicKey: peerA, AllowedIPs: "10.0.0.3/32", PersistentKeepalive: 25}},
	})
	cfg, err := wgconf.Parse(text)
	require.NoError(t, err)

	_, stale, _ := net.ParseCIDR("10.0.0.2/32")
	current := []wgtypes.Peer{
		{PublicKey: mustKey(t, peerA), AllowedIPs: []net.IPNet{*stale}, PersistentKeepaliveInterval: 25 * time.Second},
		{PublicKey: mustKey(t, peerB)},
	}
	changes, err := peerChanges(current, cfg.Peers)
	require.NoError(t, err)
	require.Len(t, changes, 2)
	require.Equal(t, mustKey(t, peerB), changes[0].PublicKey)
	require.True(t, changes[0].Remove)
	require.Equal(t, mustKey(t, peerA), changes[1].PublicKey)
	require.Equal(t, "10.0.0.3/32", changes[1].AllowedIPs[0].String())
}
