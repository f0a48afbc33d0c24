//go:build linux

package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/coreos/go-iptables/iptables"
	"github.com/sirupsen/logrus"
	"github.com/vishvananda/netlink"
	"golang.zx2c4.com/wireguard/wgctrl"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"tunnbox/internal/script"
	"tunnbox/internal/wgconf"
)

// Real drives the host: wg-quick for bringing interfaces up and down, wgctrl
// for live peer changes and counters, netlink for link state and routes.
type Real struct {
	files
	timeout time.Duration
	log     *logrus.Logger
	wgQuick string
	client  *wgctrl.Client
}

var _ Backend = (*Real)(nil)

func NewReal(opts Options, log *logrus.Logger) (Backend, error) {
	wgQuick, err := exec.LookPath("wg-quick")
	if err != nil {
		return nil, fmt.Errorf("real backend: wg-quick not found: %w", err)
	}
	client, err := wgctrl.New()
	if err != nil {
		return nil, fmt.Errorf("real backend: open wgctrl: %w", err)
	}
	return &Real{
		files:   files{dir: opts.ConfigDir},
		timeout: opts.Timeout,
		log:     log,
		wgQuick: wgQuick,
		client:  client,
	}, nil
}

func (r *Real) Name() string { return "real" }

func (r *Real) Close() error { return r.client.Close() }

// run executes argv directly, never through a shell.
func (r *Real) run(ctx context.Context, argv ...string) (string, error) {
	line := strings.Join(argv, " ")
	r.log.WithField("argv", argv).Debug("exec")
	return awaitValue(ctx, r.timeout, line, func() (string, error) {
		cmd := exec.Command(argv[0], argv[1:]...)
		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
		if err := cmd.Run(); err != nil {
			return "", fmt.Errorf("%w: %s: %v: %s", ErrExecution, line, err, strings.TrimSpace(stderr.String()))
		}
		return stdout.String(), nil
	})
}

// Up runs preflight and wg-quick up under a single deadline. A link that is
// already up gets its peers synced from the file instead.
func (r *Real) Up(ctx context.Context, iface string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cfg, err := r.loadConfig(ctx, iface)
	if err != nil {
		return err
	}
	if err := await(ctx, r.timeout, "preflight "+iface, func() error {
		return r.preflight(cfg)
	}); err != nil {
		return err
	}
	if _, err := r.run(ctx, r.wgQuick, "up", r.ConfigPath(iface)); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "already exists") {
			r.log.WithField("interface", iface).Warn("interface already up, syncing peers from config")
			return r.ApplyLive(ctx, iface, cfg.Peers)
		}
		return err
	}
	return nil
}

// Down runs wg-quick down. wg-quick refuses configs it cannot parse, so for a
// damaged file the link is deleted directly and PostDown does not run.
func (r *Real) Down(ctx context.Context, iface string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if _, err := r.loadConfig(ctx, iface); err != nil {
		r.log.WithField("interface", iface).WithError(err).Warn("config unreadable, deleting link directly")
		return r.deleteLink(ctx, iface)
	}
	if _, err := r.run(ctx, r.wgQuick, "down", r.ConfigPath(iface)); err != nil {
		msg := strings.ToLower(err.Error())
		if strings.Contains(msg, "is not a wireguard interface") || strings.Contains(msg, "does not exist") {
			r.log.Warnf("interface %s already down", iface)
			return nil
		}
		return err
	}
	return nil
}

func (r *Real) deleteLink(ctx context.Context, iface string) error {
	return await(ctx, r.timeout, "link del "+iface, func() error {
		link, err := netlink.LinkByName(iface)
		if err != nil {
			var notFound netlink.LinkNotFoundError
			if errors.As(err, &notFound) {
				return nil
			}
			return fmt.Errorf("%w: lookup link %s: %v", ErrExecution, iface, err)
		}
		if err := netlink.LinkDel(link); err != nil {
			return fmt.Errorf("%w: delete link %s: %v", ErrExecution, iface, err)
		}
		return nil
	})
}

func (r *Real) loadConfig(ctx context.Context, iface string) (wgconf.Config, error) {
	data, err := r.ReadConfig(ctx, iface)
	if err != nil {
		return wgconf.Config{}, fmt.Errorf("%w: %v", ErrExecution, err)
	}
	cfg, err := wgconf.Parse(data)
	if err != nil {
		return wgconf.Config{}, fmt.Errorf("%w: config of %s: %v", ErrExecution, iface, err)
	}
	return cfg, nil
}

// preflight checks that every chain the PostUp rules append to or edit
// exists, so that wg-quick does not leave a half configured link behind.
func (r *Real) preflight(cfg wgconf.Config) error {
	return checkChains(script.Rules(cfg.Interface.PostUp), func(ipv6 bool) (chainChecker, error) {
		proto := iptables.ProtocolIPv4
		if ipv6 {
			proto = iptables.ProtocolIPv6
		}
		ipt, err := iptables.NewWithProtocol(proto)
		if err != nil {
			return nil, fmt.Errorf("%w: iptables unavailable: %v", ErrExecution, err)
		}
		return ipt, nil
	})
}

func (r *Real) ApplyLive(ctx context.Context, iface string, peers []wgconf.Peer) error {
	return await(ctx, r.timeout, "apply "+iface, func() error {
		dev, err := r.client.Device(iface)
		if err != nil {
			return fmt.Errorf("%w: read device %s: %v", ErrExecution, iface, err)
		}
		changes, err := peerChanges(dev.Peers, peers)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrExecution, err)
		}
		if len(changes) == 0 {
			return nil
		}
		if err := r.client.ConfigureDevice(iface, wgtypes.Config{Peers: changes}); err != nil {
			return fmt.Errorf("%w: configure %s: %v", ErrExecution, iface, err)
		}
		r.syncRoutes(iface, dev.Peers, peers)
		r.log.WithFields(logrus.Fields{"interface": iface, "changes": len(changes)}).Info("applied peer changes")
		return nil
	})
}

// syncRoutes keeps a route on iface for every allowed IP that the interface
// address does not already cover. Failures are logged, the peer set is
// already live at this point.
func (r *Real) syncRoutes(iface string, before []wgtypes.Peer, after []wgconf.Peer) {
	link, err := netlink.LinkByName(iface)
	if err != nil {
		r.log.Warnf("route sync %s: %v", iface, err)
		return
	}
	addrs, err := netlink.AddrList(link, netlink.FAMILY_ALL)
	if err != nil {
		r.log.Warnf("route sync %s: %v", iface, err)
		return
	}
	covered := func(n net.IPNet) bool {
		ones, _ := n.Mask.Size()
		if ones == 0 {
			return true
		}
		for _, a := range addrs {
			if a.IPNet == nil || !a.IPNet.Contains(n.IP) {
				continue
			}
			if aOnes, _ := a.Mask.Size(); ones >= aOnes {
				return true
			}
		}
		return false
	}

	want := map[string]net.IPNet{}
	for _, p := range after {
		nets, _ := ipNets(p.AllowedIPs)
		for _, n := range nets {
			if !covered(n) {
				want[n.String()] = n
			}
		}
	}
	for _, p := range before {
		for _, n := range p.AllowedIPs {
			if _, ok := want[n.String()]; ok || covered(n) {
				continue
			}
			err := netlink.RouteDel(&netlink.Route{LinkIndex: link.Attrs().Index, Dst: &n})
			if err != nil && !errors.Is(err, os.ErrNotExist) {
				r.log.Warnf("route del %s on %s: %v", n.String(), iface, err)
			}
		}
	}
	for _, n := range want {
		if err := netlink.RouteReplace(&netlink.Route{LinkIndex: link.Attrs().Index, Dst: &n}); err != nil {
			r.log.Warnf("route add %s on %s: %v", n.String(), iface, err)
		}
	}
}

func (r *Real) QueryState(ctx context.Context, iface string) (State, error) {
	return awaitValue(ctx, r.timeout, "query "+iface, func() (State, error) {
		dev, err := r.client.Device(iface)
		if errors.Is(err, os.ErrNotExist) {
			return State{}, nil
		}
		if err != nil {
			return State{}, fmt.Errorf("%w: read device %s: %v", ErrExecution, iface, err)
		}
		return deviceState(dev), nil
	})
}

func (r *Real) IsActive(ctx context.Context, iface string) (bool, error) {
	return awaitValue(ctx, r.timeout, "link "+iface, func() (bool, error) {
		link, err := netlink.LinkByName(iface)
		if err != nil {
			var notFound netlink.LinkNotFoundError
			if errors.As(err, &notFound) {
				return false, nil
			}
			return false, fmt.Errorf("%w: lookup link %s: %v", ErrExecution, iface, err)
		}
		return link.Attrs().Flags&net.FlagUp != 0, nil
	})
}
