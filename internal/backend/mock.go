package backend

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"tunnbox/internal/wgconf"
)

type Op string

const (
	OpUp        Op = "up"
	OpDown      Op = "down"
	OpApplyLive Op = "apply_live"
	OpQuery     Op = "query"
)

// Mock simulates a WireGuard host. Configs live in real files so that the
// file-level behaviour matches Real; link state and peer sets are in memory.
// Every simulated command is recorded as the argument vector Real would run.
type Mock struct {
	files
	timeout time.Duration
	log     *logrus.Logger

	mu     sync.Mutex
	active map[string]bool
	peers  map[string][]wgconf.Peer
	stats  map[string]map[string]PeerState
	calls  [][]string
	fail   map[string]error
	delay  map[Op]time.Duration
}

var _ Backend = (*Mock)(nil)

func NewMock(opts Options, log *logrus.Logger) (*Mock, error) {
	dir := opts.ConfigDir
	if filepath.Clean(dir) == DefaultConfigDir {
		dir = filepath.Join("data", "wireguard")
		log.Infof("mock backend: using local config path %s", dir)
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Mock{
		files:   files{dir: dir},
		timeout: timeout,
		log:     log,
		active:  map[string]bool{},
		peers:   map[string][]wgconf.Peer{},
		stats:   map[string]map[string]PeerState{},
		fail:    map[string]error{},
		delay:   map[Op]time.Duration{},
	}, nil
}

func (m *Mock) Name() string { return "mock" }

func (m *Mock) record(argv ...string) {
	m.mu.Lock()
	m.calls = append(m.calls, argv)
	m.mu.Unlock()
	m.log.WithField("argv", argv).Debug("mock backend: simulated command")
}

// Calls returns the argument vectors of every simulated command so far.
func (m *Mock) Calls() [][]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]string, len(m.calls))
	for i, c := range m.calls {
		out[i] = slices.Clone(c)
	}
	return out
}

// FailOn makes the next op on iface return err.
func (m *Mock) FailOn(op Op, iface string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail[string(op)+"/"+iface] = err
}

// Delay makes every op of the given kind block for d before completing.
func (m *Mock) Delay(op Op, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay[op] = d
}

// SetPeerState sets the runtime counters QueryState reports for a peer.
func (m *Mock) SetPeerState(iface string, ps PeerState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stats[iface] == nil {
		m.stats[iface] = map[string]PeerState{}
	}
	m.stats[iface][ps.PublicKey] = ps
}

// Peers returns the peer set currently loaded on iface.
func (m *Mock) Peers(iface string) []wgconf.Peer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.peers[iface])
}

func (m *Mock) injected(op Op, iface string) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := string(op) + "/" + iface
	err := m.fail[k]
	delete(m.fail, k)
	return m.delay[op], err
}

func (m *Mock) run(ctx context.Context, op Op, iface string, fn func() error) error {
	d, injected := m.injected(op, iface)
	return await(ctx, m.timeout, string(op)+" "+iface, func() error {
		if d > 0 {
			time.Sleep(d)
		}
		if injected != nil {
			return injected
		}
		return fn()
	})
}

func (m *Mock) Up(ctx context.Context, iface string) error {
	path := m.ConfigPath(iface)
	m.record("wg-quick", "up", path)
	return m.run(ctx, OpUp, iface, func() error {
		data, err := m.ReadConfig(ctx, iface)
		if err != nil {
			return fmt.Errorf("%w: wg-quick up %s: %v", ErrExecution, iface, err)
		}
		cfg, err := wgconf.Parse(data)
		if err != nil {
			return fmt.Errorf("%w: wg-quick up %s: %v", ErrExecution, iface, err)
		}
		m.mu.Lock()
		defer m.mu.Unlock()
		m.active[iface] = true
		m.peers[iface] = cfg.Peers
		return nil
	})
}

func (m *Mock) Down(ctx context.Context, iface string) error {
	m.record("wg-quick", "down", m.ConfigPath(iface))
	return m.run(ctx, OpDown, iface, func() error {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.active, iface)
		delete(m.peers, iface)
		return nil
	})
}

func (m *Mock) ApplyLive(ctx context.Context, iface string, peers []wgconf.Peer) error {
	m.record("wg", "syncconf", iface, m.ConfigPath(iface))
	return m.run(ctx, OpApplyLive, iface, func() error {
		m.mu.Lock()
		defer m.mu.Unlock()
		if !m.active[iface] {
			return fmt.Errorf("%w: %s is not active", ErrExecution, iface)
		}
		m.peers[iface] = slices.Clone(peers)
		return nil
	})
}

func (m *Mock) QueryState(ctx context.Context, iface string) (State, error) {
	m.record("wg", "show", iface, "dump")
	d, injected := m.injected(OpQuery, iface)
	return awaitValue(ctx, m.timeout, "query "+iface, func() (State, error) {
		if d > 0 {
			time.Sleep(d)
		}
		if injected != nil {
			return State{}, injected
		}
		m.mu.Lock()
		defer m.mu.Unlock()
		if !m.active[iface] {
			return State{}, nil
		}
		st := State{Active: true, Peers: make(map[string]PeerState, len(m.peers[iface]))}
		for _, p := range m.peers[iface] {
			ps, ok := m.stats[iface][p.PublicKey]
			if !ok {
				ps = PeerState{PublicKey: p.PublicKey, Endpoint: p.Endpoint}
			}
			st.Peers[p.PublicKey] = ps
		}
		return st, nil
	})
}

func (m *Mock) IsActive(_ context.Context, iface string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active[iface], nil
}

func (m *Mock) Close() error { return nil }
