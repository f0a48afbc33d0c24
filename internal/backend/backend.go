// Package backend performs the privileged side of interface management.
//
// Two implementations exist: Real drives wg-quick and the kernel through
// wgctrl/netlink, Mock simulates the same contract with files and memory.
// One is picked by New at startup and used for the lifetime of the process.
package backend

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"tunnbox/internal/wgconf"
)

const DefaultConfigDir = "/etc/wireguard"

var (
	ErrExecution = errors.New("backend operation failed")
	ErrTimeout   = fmt.Errorf("%w: timed out", ErrExecution)
)

type Backend interface {
	Name() string
	ConfigPath(iface string) string
	WriteConfig(ctx context.Context, iface string, text []byte) error
	ReadConfig(ctx context.Context, iface string) ([]byte, error)
	RemoveConfig(ctx context.Context, iface string) error
	// SecureConfig tightens mode and ownership of the config file and
	// reports every correction it made.
	SecureConfig(ctx context.Context, iface string) ([]string, error)
	Up(ctx context.Context, iface string) error
	Down(ctx context.Context, iface string) error
	// ApplyLive brings the peer set of a running interface in line with
	// peers without restarting it.
	ApplyLive(ctx context.Context, iface string, peers []wgconf.Peer) error
	QueryState(ctx context.Context, iface string) (State, error)
	IsActive(ctx context.Context, iface string) (bool, error)
	Close() error
}

type State struct {
	Active     bool
	PublicKey  string
	ListenPort int
	Peers      map[string]PeerState
}

type PeerState struct {
	PublicKey       string    `json:"public_key"`
	Endpoint        string    `json:"endpoint,omitempty"`
	LatestHandshake time.Time `json:"latest_handshake"`
	TransferRx      int64     `json:"transfer_rx"`
	TransferTx      int64     `json:"transfer_tx"`
}

type Options struct {
	Mode      string // auto|real|mock
	ConfigDir string
	Timeout   time.Duration
}

// New selects the backend for opts.Mode. "auto" means real on Linux and mock
// everywhere else.
func New(opts Options, log *logrus.Logger) (Backend, error) {
	mode := strings.ToLower(opts.Mode)
	if mode == "" || mode == "auto" {
		mode = "mock"
		if runtime.GOOS == "linux" {
			mode = "real"
		}
	}
	if opts.ConfigDir == "" {
		opts.ConfigDir = DefaultConfigDir
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	log.WithFields(logrus.Fields{"mode": mode, "config_dir": opts.ConfigDir}).Info("selected wireguard backend")
	switch mode {
	case "real":
		return NewReal(opts, log)
	case "mock":
		m, err := NewMock(opts, log)
		if err != nil {
			return nil, err
		}
		return m, nil
	default:
		return nil, fmt.Errorf("unknown backend mode %q", opts.Mode)
	}
}

// await runs fn and gives up waiting once ctx is done or timeout passes. fn
// keeps running in the background: a dispatched privileged operation is never
// interrupted, so a timeout leaves the outcome unknown.
func await(ctx context.Context, timeout time.Duration, op string, fn func() error) error {
	_, err := awaitValue(ctx, timeout, op, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

func awaitValue[T any](ctx context.Context, timeout time.Duration, op string, fn func() (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn()
		done <- result{v, err}
	}()
	select {
	case r := <-done:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, fmt.Errorf("%s: %w after %s", op, ErrTimeout, timeout)
	}
}
