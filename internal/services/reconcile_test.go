package services

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tunnbox/internal/backend"
	"tunnbox/internal/logs"
	"tunnbox/internal/script"
	"tunnbox/internal/wgconf"
	"tunnbox/internal/wgkey"
)

func TestReconcileIsolation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, setup{})
	for i, name := range []string{"wg0", "wg1", "wg2"} {
		_, err := h.o.CreateInterface(ctx, InterfaceRequest{
			Name:       name,
			ListenPort: 51820 + i,
			Address:    []string{"10.0.0.1/24", "10.1.0.1/24", "10.2.0.1/24"}[i],
		})
		require.NoError(t, err)
		_, err = h.o.AddPeer(ctx, name, PeerRequest{Name: "laptop"})
		require.NoError(t, err)
		_, err = h.o.InterfaceUp(ctx, name)
		require.NoError(t, err)
	}

	// Simulate a reboot: nothing is up, one file is damaged and one has
	// loose permissions.
	require.NoError(t, os.WriteFile(h.mock.ConfigPath("wg1"), []byte("[Interface]\nPrivateKey = broken\nBogus = 1\n"), 0o600))
	require.NoError(t, os.Chmod(h.mock.ConfigPath("wg2"), 0o644))

	fresh, err := backend.NewMock(backend.Options{ConfigDir: h.dir, Timeout: time.Second}, logs.Discard())
	require.NoError(t, err)
	o := NewOrchestrator(h.cfg, h.store, fresh, h.box, script.Sanitizer{}, logs.Discard())

	report := o.Reconcile(ctx)
	require.False(t, report.OK())
	require.Equal(t, []string{"wg0", "wg2"}, report.Started)
	require.Contains(t, report.Failed, "wg1")
	require.Len(t, report.Failed, 1)
	require.Equal(t, []string{"mode 0644 -> 0600"}, report.Fixed["wg2"])

	for name, want := range map[string]bool{"wg0": true, "wg1": false, "wg2": true} {
		active, err := fresh.IsActive(ctx, name)
		require.NoError(t, err)
		require.Equal(t, want, active, name)
	}
	require.Len(t, fresh.Peers("wg0"), 1)

	fi, err := os.Stat(fresh.ConfigPath("wg2"))
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), fi.Mode().Perm())
}

func TestReconcileSkipsInactive(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, setup{})
	h.createWG0(t)

	report := h.o.Reconcile(ctx)
	require.True(t, report.OK())
	require.Empty(t, report.Started)
	require.Empty(t, h.mock.Calls())
}

func TestReconcileMissingFile(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, setup{})
	h.createWG0(t)
	_, err := h.o.InterfaceUp(ctx, "wg0")
	require.NoError(t, err)
	require.NoError(t, os.Remove(h.mock.ConfigPath("wg0")))

	report := h.o.Reconcile(ctx)
	require.Contains(t, report.Failed, "wg0")
	require.Empty(t, report.Started)
}

func TestReconcileRewritesDriftedConfig(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, setup{})
	h.createWG0(t)
	laptop, err := h.o.AddPeer(ctx, "wg0", PeerRequest{Name: "laptop"})
	require.NoError(t, err)
	_, err = h.o.InterfaceUp(ctx, "wg0")
	require.NoError(t, err)
	before := h.conf(t, "wg0")

	// A crash between writing the file and committing the records leaves a
	// peer in the file that the database never got.
	_, orphan, err := wgkey.GenerateKeyPair()
	require.NoError(t, err)
	f, err := os.OpenFile(h.mock.ConfigPath("wg0"), os.O_APPEND|os.O_WRONLY, 0)
	require.NoError(t, err)
	_, err = f.WriteString("\n[Peer]\nPublicKey = " + orphan + "\nAllowedIPs = 10.0.0.9/32\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())
	require.Len(t, h.conf(t, "wg0").Peers, 2)

	fresh, err := backend.NewMock(backend.Options{ConfigDir: h.dir, Timeout: time.Second}, logs.Discard())
	require.NoError(t, err)
	o := NewOrchestrator(h.cfg, h.store, fresh, h.box, script.Sanitizer{}, logs.Discard())

	report := o.Reconcile(ctx)
	require.True(t, report.OK())
	require.Equal(t, []string{"wg0"}, report.Started)
	require.Equal(t, []string{"config rewritten from database"}, report.Fixed["wg0"])

	after := h.conf(t, "wg0")
	require.Equal(t, before, after)
	require.Equal(t, []wgconf.Peer{{PublicKey: laptop.PublicKey, AllowedIPs: "10.0.0.2/32", PersistentKeepalive: 25}}, fresh.Peers("wg0"))
}

func TestReconcileRestoresMissingPeer(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, setup{})
	h.createWG0(t)
	_, err := h.o.InterfaceUp(ctx, "wg0")
	require.NoError(t, err)
	stale, err := os.ReadFile(h.mock.ConfigPath("wg0"))
	require.NoError(t, err)

	_, err = h.o.AddPeer(ctx, "wg0", PeerRequest{Name: "laptop"})
	require.NoError(t, err)
	// The records committed but the file still has the old peer set.
	require.NoError(t, os.WriteFile(h.mock.ConfigPath("wg0"), stale, 0o600))

	report := h.o.Reconcile(ctx)
	require.True(t, report.OK())
	require.Equal(t, []string{"config rewritten from database"}, report.Fixed["wg0"])
	require.Len(t, h.conf(t, "wg0").Peers, 1)
	require.Len(t, h.mock.Peers("wg0"), 1)
}
