package wgconf

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

func newKey(t *testing.T) wgtypes.Key {
	t.Helper()
	k, err := wgtypes.GeneratePrivateKey()
	require.NoError(t, err)
	return k
}

func sampleConfig(t *testing.T) Config {
	return Config{
		Interface: Interface{
			PrivateKey: newKey(t).String(),
			Address:    "10.0.0.1/24",
			ListenPort: 51820,
			DNS:        "1.1.1.1",
			PostUp:     "iptables -A FORWARD -i %i -j ACCEPT\niptables -t nat -A POSTROUTING -o eth0 -j MASQUERADE",
			PostDown:   "iptables -D FORWARD -i %i -j ACCEPT",
		},
		Peers: []Peer{
			{PublicKey: newKey(t).PublicKey().String(), AllowedIPs: "10.0.0.2/32", PersistentKeepalive: 25},
			{PublicKey: newKey(t).PublicKey().String(), AllowedIPs: "10.0.0.3/32"},
		},
	}
}

func TestRoundTrip(t *testing.T) {
	psk := newKey(t).String()
	cases := map[string]Config{
		"full":        sampleConfig(t),
		"no peers":    {Interface: Interface{PrivateKey: newKey(t).String(), Address: "10.1.0.1/24", ListenPort: 1}},
		"dual stack":  {Interface: Interface{PrivateKey: newKey(t).String(), Address: "10.2.0.1/24, fd00::1/64", ListenPort: 65535, MTU: 1420}},
		"peer extras": {Interface: Interface{PrivateKey: newKey(t).String(), Address: "10.3.0.1/24", ListenPort: 51821}, Peers: []Peer{{PublicKey: newKey(t).PublicKey().String(), PresharedKey: psk, AllowedIPs: "10.3.0.2/32, 192.168.5.0/24", Endpoint: "vpn.example.com:51820", PersistentKeepalive: 65535}}},
	}
	for name, want := range cases {
		t.Run(name, func(t *testing.T) {
			got, err := Parse(Render(want))
			require.NoError(t, err)
			if diff := cmp.Diff(want, got); diff != "" {
				t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
			}
			require.NoError(t, Validate(got))
		})
	}
}

func TestRenderStable(t *testing.T) {
	cfg := sampleConfig(t)
	require.Equal(t, Render(cfg), Render(cfg))

	text := string(Render(cfg))
	require.True(t, strings.HasPrefix(text, "[Interface]\nPrivateKey = "))
	require.Equal(t, 2, strings.Count(text, "[Peer]"))
	require.Equal(t, 2, strings.Count(text, "PostUp = "))
	require.Contains(t, text, "PostUp = iptables -A FORWARD -i %i -j ACCEPT\n")
	require.Contains(t, text, "\n\n[Peer]\nPublicKey = "+cfg.Peers[0].PublicKey+"\nAllowedIPs = 10.0.0.2/32\nPersistentKeepalive = 25\n")
	require.True(t, strings.HasSuffix(text, "\n"))
}

func TestRenderPeerOrder(t *testing.T) {
	cfg := sampleConfig(t)
	text := string(Render(cfg))
	require.Less(t, strings.Index(text, cfg.Peers[0].PublicKey), strings.Index(text, cfg.Peers[1].PublicKey))
}

func TestParseTolerant(t *testing.T) {
	text := `# managed file
[interface]
privatekey = ` + newKey(t).String() + `
  Address=10.0.0.1/24
ListenPort = 51820
PostUp = iptables -A FORWARD -i %i -j ACCEPT

# a peer
[PEER]
PublicKey = ` + newKey(t).PublicKey().String() + `
AllowedIPs = 10.0.0.2/32
PersistentKeepalive = off
`
	cfg, err := Parse([]byte(text))
	require.NoError(t, err)
	require.Equal(t, "10.0.0.1/24", cfg.Interface.Address)
	require.Equal(t, 51820, cfg.Interface.ListenPort)
	require.Equal(t, "iptables -A FORWARD -i %i -j ACCEPT", cfg.Interface.PostUp)
	require.Len(t, cfg.Peers, 1)
	require.Zero(t, cfg.Peers[0].PersistentKeepalive)
	require.NoError(t, Validate(cfg))
}

func TestParseErrors(t *testing.T) {
	priv := newKey(t).String()
	cases := map[string]string{
		"garbage":          "this is not a config\x00\x01",
		"no interface":     "[Peer]\nPublicKey = abc\n",
		"outside section":  "PrivateKey = " + priv + "\n[Interface]\n",
		"unknown section":  "[Interface]\nPrivateKey = " + priv + "\n[Foo]\n",
		"unknown key":      "[Interface]\nPrivateKey = " + priv + "\nBogus = 1\n",
		"bad port":         "[Interface]\nPrivateKey = " + priv + "\nListenPort = eighty\n",
		"port range":       "[Interface]\nPrivateKey = " + priv + "\nListenPort = 70000\n",
		"duplicate iface":  "[Interface]\nPrivateKey = " + priv + "\n[Interface]\n",
		"bad keepalive":    "[Interface]\nPrivateKey = " + priv + "\n[Peer]\nPersistentKeepalive = -1\n",
		"missing equals":   "[Interface]\nPrivateKey " + priv + "\n",
	}
	for name, text := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(text))
			require.ErrorIs(t, err, ErrSyntax)
		})
	}
}

func TestValidate(t *testing.T) {
	cfg := sampleConfig(t)
	require.NoError(t, Validate(cfg))

	bad := cfg
	bad.Interface.PrivateKey = "nope"
	require.ErrorIs(t, Validate(bad), ErrSyntax)

	bad = sampleConfig(t)
	bad.Interface.Address = "10.0.0.1"
	require.ErrorIs(t, Validate(bad), ErrSyntax)

	bad = sampleConfig(t)
	bad.Peers[1].PublicKey = bad.Peers[0].PublicKey
	require.ErrorIs(t, Validate(bad), ErrSyntax)

	bad = sampleConfig(t)
	bad.Peers[0].AllowedIPs = "10.0.0.300/32"
	require.ErrorIs(t, Validate(bad), ErrSyntax)
}

func TestRenderClient(t *testing.T) {
	server := newKey(t)
	client := newKey(t)
	text := string(RenderClient(ClientParams{
		Address:         "10.0.0.2/32",
		PrivateKey:      client.String(),
		DNS:             "1.1.1.1",
		ServerPublicKey: server.PublicKey().String(),
		EndpointHost:    "vpn.example.com",
		EndpointPort:    51820,
	}))
	want := "[Interface]\n" +
		"PrivateKey = " + client.String() + "\n" +
		"Address = 10.0.0.2/32\n" +
		"DNS = 1.1.1.1\n" +
		"\n[Peer]\n" +
		"PublicKey = " + server.PublicKey().String() + "\n" +
		"AllowedIPs = 0.0.0.0/0, ::/0\n" +
		"Endpoint = vpn.example.com:51820\n" +
		"PersistentKeepalive = 25\n"
	require.Equal(t, want, text)

	cfg, err := Parse([]byte(text))
	require.NoError(t, err)
	require.NoError(t, Validate(cfg))
}
