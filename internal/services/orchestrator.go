// Package services turns persisted interface and peer records into enforced
// WireGuard state.
//
// Every mutation follows the same path: validate, take the per-interface
// lock, change the records inside a transaction, render the config file,
// write it, apply it through the backend and commit. When the backend step
// fails the transaction is rolled back and the previous file is put back.
package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"tunnbox/internal/backend"
	"tunnbox/internal/config"
	"tunnbox/internal/database"
	"tunnbox/internal/models"
	"tunnbox/internal/script"
	"tunnbox/internal/secretbox"
	"tunnbox/internal/wgconf"
	"tunnbox/internal/wgkey"
)

type Orchestrator struct {
	cfg       *config.Config
	store     *database.Store
	backend   backend.Backend
	box       *secretbox.Box
	sanitizer script.Sanitizer
	log       *logrus.Logger

	// registry serializes create/update/delete so name and port checks see
	// a stable interface set. Taken before any per-interface lock.
	registry sync.Mutex
	locks    keyedMutex
	queries  singleflight.Group

	mu      sync.Mutex
	unknown map[string]bool
	keyErrs map[string]string

	now func() time.Time
}

func NewOrchestrator(cfg *config.Config, store *database.Store, be backend.Backend, box *secretbox.Box, sanitizer script.Sanitizer, log *logrus.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:       cfg,
		store:     store,
		backend:   be,
		box:       box,
		sanitizer: sanitizer,
		log:       log,
		unknown:   map[string]bool{},
		keyErrs:   map[string]string{},
		now:       time.Now,
	}
}

type InterfaceRequest struct {
	Name       string  `json:"name"`
	ListenPort int     `json:"listen_port"`
	Address    string  `json:"address"`
	DNS        *string `json:"dns"` // nil means the configured default
	PostUp     string  `json:"post_up"`
	PostDown   string  `json:"post_down"`
}

type InterfaceUpdate struct {
	ListenPort *int    `json:"listen_port"`
	Address    *string `json:"address"`
	DNS        *string `json:"dns"`
	PostUp     *string `json:"post_up"`
	PostDown   *string `json:"post_down"`
}

type PeerRequest struct {
	Name                string `json:"name"`
	AllowedIPs          string `json:"allowed_ips"` // CIDR list, "auto" or empty
	PersistentKeepalive *int   `json:"persistent_keepalive"`
	// PublicKey lets a client bring its own key pair. No client config can
	// be produced for such peers.
	PublicKey string `json:"public_key"`
}

type PeerUpdate struct {
	Name                *string `json:"name"`
	AllowedIPs          *string `json:"allowed_ips"`
	PersistentKeepalive *int    `json:"persistent_keepalive"`
}

// -------- state tracking --------

func (o *Orchestrator) markUnknown(name string) {
	o.mu.Lock()
	o.unknown[name] = true
	o.mu.Unlock()
}

func (o *Orchestrator) clearUnknown(name string) {
	o.mu.Lock()
	delete(o.unknown, name)
	o.mu.Unlock()
}

// StateUnknown reports whether the last backend operation on name timed out,
// leaving its live state undetermined.
func (o *Orchestrator) StateUnknown(name string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.unknown[name]
}

func (o *Orchestrator) noteFailure(name string, err error) {
	if errors.Is(err, backend.ErrTimeout) {
		o.markUnknown(name)
		o.log.WithField("interface", name).WithError(err).Warn("backend timed out, live state unknown")
	}
}

// -------- rendering --------

func wgPeers(peers []models.Peer) []wgconf.Peer {
	out := make([]wgconf.Peer, 0, len(peers))
	for _, p := range peers {
		out = append(out, wgconf.Peer{
			PublicKey:           p.PublicKey,
			AllowedIPs:          p.AllowedIPs,
			PersistentKeepalive: p.PersistentKeepalive,
		})
	}
	return out
}

func renderConfig(iface *models.Interface, privateKey string, peers []models.Peer) []byte {
	return wgconf.Render(wgconf.Config{
		Interface: wgconf.Interface{
			PrivateKey: privateKey,
			Address:    iface.Address,
			ListenPort: iface.ListenPort,
			DNS:        iface.DNS,
			PostUp:     iface.PostUp,
			PostDown:   iface.PostDown,
		},
		Peers: wgPeers(peers),
	})
}

// serverConfig reads the current config file of name. The interface private
// key is only kept there.
func (o *Orchestrator) serverConfig(ctx context.Context, name string) ([]byte, string, error) {
	data, err := o.backend.ReadConfig(ctx, name)
	if err != nil {
		return nil, "", execFailed(err)
	}
	cfg, err := wgconf.Parse(data)
	if err != nil {
		return nil, "", execFailed(fmt.Errorf("config of %s: %w", name, err))
	}
	if cfg.Interface.PrivateKey == "" {
		return nil, "", execFailed(fmt.Errorf("config of %s has no private key", name))
	}
	return data, cfg.Interface.PrivateKey, nil
}

func (o *Orchestrator) restore(ctx context.Context, name string, previous []byte) {
	ctx = context.WithoutCancel(ctx)
	var err error
	if previous == nil {
		err = o.backend.RemoveConfig(ctx, name)
	} else {
		err = o.backend.WriteConfig(ctx, name, previous)
	}
	if err != nil {
		o.log.WithField("interface", name).WithError(err).Error("failed to restore previous config")
	}
}

type (
	mutateFunc func(tx *database.Store, iface *models.Interface) error
	applyFunc  func(ctx context.Context, iface *models.Interface, peers []models.Peer) error
)

// commit runs one mutation of an existing interface. The caller holds the
// interface lock.
func (o *Orchestrator) commit(ctx context.Context, name string, mutate mutateFunc, apply applyFunc) (*models.Interface, error) {
	if _, err := o.store.GetInterface(ctx, name); err != nil {
		return nil, storeErr(err, "interface "+name)
	}
	previous, privateKey, err := o.serverConfig(ctx, name)
	if err != nil {
		return nil, err
	}

	var (
		out     *models.Interface
		written bool
	)
	err = o.store.Transaction(ctx, func(tx *database.Store) error {
		iface, err := tx.GetInterface(ctx, name)
		if err != nil {
			return storeErr(err, "interface "+name)
		}
		if err := mutate(tx, iface); err != nil {
			return err
		}
		peers, err := tx.ListPeers(ctx, iface.ID)
		if err != nil {
			return err
		}
		if err := o.backend.WriteConfig(ctx, name, renderConfig(iface, privateKey, peers)); err != nil {
			return execFailed(err)
		}
		written = true
		if apply != nil {
			if err := apply(ctx, iface, peers); err != nil {
				return err
			}
		}
		out = iface
		return nil
	})
	if err != nil {
		if written {
			o.restore(ctx, name, previous)
		}
		o.noteFailure(name, err)
		return nil, err
	}
	return out, nil
}

// applyLive pushes the peer set of a running interface. Stopped interfaces
// only get the file.
func (o *Orchestrator) applyLive(ctx context.Context, iface *models.Interface, peers []models.Peer) error {
	if !iface.IsActive {
		return nil
	}
	if err := o.backend.ApplyLive(ctx, iface.Name, wgPeers(peers)); err != nil {
		return execFailed(err)
	}
	return nil
}

// -------- interfaces --------

func (o *Orchestrator) checkUnique(ctx context.Context, name string, port int, self uint) error {
	other, err := o.store.GetInterface(ctx, name)
	switch {
	case err == nil && other.ID != self:
		return conflict("interface %s already exists", name)
	case err != nil && !errors.Is(err, database.ErrNotFound):
		return err
	}
	other, err = o.store.InterfaceByPort(ctx, port)
	switch {
	case err == nil && other.ID != self:
		return conflict("listen port %d is already used by %s", port, other.Name)
	case err != nil && !errors.Is(err, database.ErrNotFound):
		return err
	}
	return nil
}

func (o *Orchestrator) CreateInterface(ctx context.Context, req InterfaceRequest) (*models.Interface, error) {
	if err := validateInterfaceName(req.Name); err != nil {
		return nil, err
	}
	if err := validatePort(req.ListenPort); err != nil {
		return nil, err
	}
	if _, err := parseAddress(req.Address); err != nil {
		return nil, err
	}
	dns := o.cfg.WG.DefaultDNS
	if req.DNS != nil {
		dns = strings.TrimSpace(*req.DNS)
	}
	if err := validateDNS(dns); err != nil {
		return nil, err
	}
	postUp, err := o.sanitize(req.Name, "post_up", req.PostUp)
	if err != nil {
		return nil, err
	}
	postDown, err := o.sanitize(req.Name, "post_down", req.PostDown)
	if err != nil {
		return nil, err
	}

	o.registry.Lock()
	defer o.registry.Unlock()
	unlock := o.locks.Lock(req.Name)
	defer unlock()

	if err := o.checkUnique(ctx, req.Name, req.ListenPort, 0); err != nil {
		return nil, err
	}
	if active, err := o.backend.IsActive(ctx, req.Name); err != nil {
		return nil, execFailed(err)
	} else if active {
		return nil, conflict("a link named %s already exists on the host", req.Name)
	}

	privateKey, publicKey, err := wgkey.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("generate interface keys: %w", err)
	}
	iface := &models.Interface{
		Name:       req.Name,
		ListenPort: req.ListenPort,
		Address:    strings.TrimSpace(req.Address),
		DNS:        dns,
		PostUp:     postUp,
		PostDown:   postDown,
		PublicKey:  publicKey,
	}

	// A stray file without a record is overwritten, but put back on failure.
	previous, err := o.backend.ReadConfig(ctx, req.Name)
	if err != nil {
		previous = nil
	}
	written := false
	err = o.store.Transaction(ctx, func(tx *database.Store) error {
		if err := tx.CreateInterface(ctx, iface); err != nil {
			return storeErr(err, "interface "+req.Name)
		}
		if err := o.backend.WriteConfig(ctx, iface.Name, renderConfig(iface, privateKey, nil)); err != nil {
			return execFailed(err)
		}
		written = true
		if _, err := o.backend.SecureConfig(ctx, iface.Name); err != nil {
			return execFailed(err)
		}
		return nil
	})
	if err != nil {
		if written {
			o.restore(ctx, req.Name, previous)
		}
		return nil, err
	}

	o.log.WithFields(logrus.Fields{
		"interface":   iface.Name,
		"listen_port": iface.ListenPort,
		"address":     iface.Address,
	}).Info("interface created")
	return iface, nil
}

func (o *Orchestrator) UpdateInterface(ctx context.Context, name string, upd InterfaceUpdate) (*models.Interface, error) {
	if upd.ListenPort != nil {
		if err := validatePort(*upd.ListenPort); err != nil {
			return nil, err
		}
	}
	if upd.Address != nil {
		if _, err := parseAddress(*upd.Address); err != nil {
			return nil, err
		}
	}
	if upd.DNS != nil {
		if err := validateDNS(strings.TrimSpace(*upd.DNS)); err != nil {
			return nil, err
		}
	}
	var postUp, postDown string
	if upd.PostUp != nil {
		var err error
		if postUp, err = o.sanitize(name, "post_up", *upd.PostUp); err != nil {
			return nil, err
		}
	}
	if upd.PostDown != nil {
		var err error
		if postDown, err = o.sanitize(name, "post_down", *upd.PostDown); err != nil {
			return nil, err
		}
	}

	o.registry.Lock()
	defer o.registry.Unlock()
	unlock := o.locks.Lock(name)
	defer unlock()

	current, err := o.store.GetInterface(ctx, name)
	if err != nil {
		return nil, storeErr(err, "interface "+name)
	}
	if upd.ListenPort != nil {
		if err := o.checkUnique(ctx, name, *upd.ListenPort, current.ID); err != nil {
			return nil, err
		}
	}

	var restarted bool
	iface, err := o.commit(ctx, name, func(tx *database.Store, iface *models.Interface) error {
		if upd.ListenPort != nil {
			iface.ListenPort = *upd.ListenPort
		}
		if upd.Address != nil {
			iface.Address = strings.TrimSpace(*upd.Address)
		}
		if upd.DNS != nil {
			iface.DNS = strings.TrimSpace(*upd.DNS)
		}
		if upd.PostUp != nil {
			iface.PostUp = postUp
		}
		if upd.PostDown != nil {
			iface.PostDown = postDown
		}
		if upd.Address != nil {
			peers, err := tx.ListPeers(ctx, iface.ID)
			if err != nil {
				return err
			}
			for _, p := range peers {
				if _, err := checkAllowedIPs(iface, p.AllowedIPs, nil); err != nil {
					return conflict("peer %q does not fit the new address: %v", p.Name, err)
				}
			}
		}
		return storeErr(tx.SaveInterface(ctx, iface), "interface "+name)
	}, func(ctx context.Context, iface *models.Interface, _ []models.Peer) error {
		// Address, port and scripts only take effect on a fresh start.
		if !iface.IsActive {
			return nil
		}
		if err := o.backend.Down(ctx, name); err != nil {
			return execFailed(err)
		}
		restarted = true
		if err := o.backend.Up(ctx, name); err != nil {
			return execFailed(err)
		}
		return nil
	})
	if err != nil {
		if restarted {
			// The old file is back in place, bring the old config back up.
			if upErr := o.backend.Up(context.WithoutCancel(ctx), name); upErr != nil {
				o.markUnknown(name)
				o.log.WithField("interface", name).WithError(upErr).Error("failed to restart interface with previous config")
			}
		}
		return nil, err
	}
	if iface.IsActive {
		o.clearUnknown(name)
	}
	o.log.WithFields(logrus.Fields{"interface": name, "restarted": restarted}).Info("interface updated")
	return iface, nil
}

func (o *Orchestrator) DeleteInterface(ctx context.Context, name string) error {
	o.registry.Lock()
	defer o.registry.Unlock()
	unlock := o.locks.Lock(name)
	defer unlock()

	iface, err := o.store.GetInterface(ctx, name)
	if err != nil {
		return storeErr(err, "interface "+name)
	}
	err = o.store.Transaction(ctx, func(tx *database.Store) error {
		if err := tx.DeleteInterface(ctx, iface.ID); err != nil {
			return storeErr(err, "interface "+name)
		}
		active := iface.IsActive
		if !active {
			live, err := o.backend.IsActive(ctx, name)
			if err != nil {
				return execFailed(err)
			}
			active = live
		}
		if active {
			if err := o.backend.Down(ctx, name); err != nil {
				return execFailed(err)
			}
		}
		return nil
	})
	if err != nil {
		o.noteFailure(name, err)
		return err
	}
	if err := o.backend.RemoveConfig(ctx, name); err != nil {
		o.log.WithField("interface", name).WithError(err).Error("interface deleted but config file is left behind")
	}
	o.clearUnknown(name)
	o.log.WithField("interface", name).Info("interface deleted")
	return nil
}

func (o *Orchestrator) InterfaceUp(ctx context.Context, name string) (*models.Interface, error) {
	unlock := o.locks.Lock(name)
	defer unlock()

	iface, err := o.store.GetInterface(ctx, name)
	if err != nil {
		return nil, storeErr(err, "interface "+name)
	}
	if iface.IsActive && !o.StateUnknown(name) {
		if active, err := o.backend.IsActive(ctx, name); err == nil && active {
			return iface, nil
		}
	}
	iface, err = o.commit(ctx, name, func(tx *database.Store, iface *models.Interface) error {
		iface.IsActive = true
		return storeErr(tx.SetActive(ctx, iface.ID, true), "interface "+name)
	}, func(ctx context.Context, iface *models.Interface, _ []models.Peer) error {
		if err := o.backend.Up(ctx, name); err != nil {
			return execFailed(err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	o.clearUnknown(name)
	o.log.WithField("interface", name).Info("interface up")
	return iface, nil
}

func (o *Orchestrator) InterfaceDown(ctx context.Context, name string) (*models.Interface, error) {
	unlock := o.locks.Lock(name)
	defer unlock()

	iface, err := o.store.GetInterface(ctx, name)
	if err != nil {
		return nil, storeErr(err, "interface "+name)
	}
	if !iface.IsActive && !o.StateUnknown(name) {
		return iface, nil
	}
	if _, _, err := o.serverConfig(ctx, name); err != nil {
		return o.forceDown(ctx, iface, err)
	}
	iface, err = o.commit(ctx, name, func(tx *database.Store, iface *models.Interface) error {
		iface.IsActive = false
		return storeErr(tx.SetActive(ctx, iface.ID, false), "interface "+name)
	}, func(ctx context.Context, _ *models.Interface, _ []models.Peer) error {
		if err := o.backend.Down(ctx, name); err != nil {
			return execFailed(err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	o.clearUnknown(name)
	o.log.WithField("interface", name).Info("interface down")
	return iface, nil
}

// forceDown stops an interface whose config file cannot be read back. The
// file is left untouched; without its private key there is nothing to render.
func (o *Orchestrator) forceDown(ctx context.Context, iface *models.Interface, cause error) (*models.Interface, error) {
	name := iface.Name
	o.log.WithField("interface", name).WithError(cause).Warn("config file unusable, stopping interface without rendering")
	err := o.store.Transaction(ctx, func(tx *database.Store) error {
		if err := tx.SetActive(ctx, iface.ID, false); err != nil {
			return storeErr(err, "interface "+name)
		}
		if err := o.backend.Down(ctx, name); err != nil {
			return execFailed(err)
		}
		return nil
	})
	if err != nil {
		o.noteFailure(name, err)
		return nil, err
	}
	iface.IsActive = false
	o.clearUnknown(name)
	o.log.WithField("interface", name).Info("interface down")
	return iface, nil
}

func (o *Orchestrator) ListInterfaces(ctx context.Context) ([]models.Interface, error) {
	ifaces, err := o.store.ListInterfaces(ctx)
	if err != nil {
		return nil, err
	}
	for i := range ifaces {
		peers, err := o.store.ListPeers(ctx, ifaces[i].ID)
		if err != nil {
			return nil, err
		}
		o.decorate(ctx, &ifaces[i], peers)
	}
	return ifaces, nil
}

func (o *Orchestrator) GetInterface(ctx context.Context, name string) (*models.Interface, error) {
	iface, err := o.store.GetInterface(ctx, name)
	if err != nil {
		return nil, storeErr(err, "interface "+name)
	}
	peers, err := o.store.ListPeers(ctx, iface.ID)
	if err != nil {
		return nil, err
	}
	o.decorate(ctx, iface, peers)
	return iface, nil
}

// NextFreeAddress returns the address the next "auto" peer would get.
func (o *Orchestrator) NextFreeAddress(ctx context.Context, name string) (string, error) {
	unlock := o.locks.Lock(name)
	defer unlock()

	iface, err := o.store.GetInterface(ctx, name)
	if err != nil {
		return "", storeErr(err, "interface "+name)
	}
	peers, err := o.store.ListPeers(ctx, iface.ID)
	if err != nil {
		return "", err
	}
	p, err := nextFree(iface, peers)
	if err != nil {
		return "", err
	}
	return p.String(), nil
}

// -------- peers --------

func (o *Orchestrator) AddPeer(ctx context.Context, ifaceName string, req PeerRequest) (*models.Peer, error) {
	if err := validatePeerName(req.Name); err != nil {
		return nil, err
	}
	keepalive := defaultKeepalive
	if req.PersistentKeepalive != nil {
		keepalive = *req.PersistentKeepalive
	}
	if err := validateKeepalive(keepalive); err != nil {
		return nil, err
	}
	if req.PublicKey != "" {
		if err := validatePublicKey(req.PublicKey); err != nil {
			return nil, err
		}
	}

	unlock := o.locks.Lock(ifaceName)
	defer unlock()

	var peer *models.Peer
	iface, err := o.commit(ctx, ifaceName, func(tx *database.Store, iface *models.Interface) error {
		others, err := tx.ListPeers(ctx, iface.ID)
		if err != nil {
			return err
		}
		allowed, err := resolveAllowedIPs(iface, req.AllowedIPs, others)
		if err != nil {
			return err
		}

		publicKey, encrypted := req.PublicKey, ""
		if publicKey == "" {
			privateKey, pub, err := wgkey.GenerateKeyPair()
			if err != nil {
				return fmt.Errorf("generate peer keys: %w", err)
			}
			if encrypted, err = o.box.Encrypt(privateKey); err != nil {
				return fmt.Errorf("seal peer key: %w", err)
			}
			publicKey = pub
		}
		if publicKey == iface.PublicKey {
			return conflict("public key belongs to interface %s", iface.Name)
		}
		for _, p := range others {
			if p.PublicKey == publicKey {
				return conflict("peer with this public key already exists on %s", iface.Name)
			}
		}

		peer = &models.Peer{
			InterfaceID:         iface.ID,
			PublicKey:           publicKey,
			Name:                req.Name,
			AllowedIPs:          allowed,
			PersistentKeepalive: keepalive,
			EncryptedPrivateKey: encrypted,
		}
		return storeErr(tx.CreatePeer(ctx, peer), "peer "+publicKey)
	}, o.applyLive)
	if err != nil {
		return nil, err
	}
	if iface.IsActive {
		o.clearUnknown(ifaceName)
	}
	o.log.WithFields(logrus.Fields{
		"interface":   ifaceName,
		"peer":        peer.Name,
		"allowed_ips": peer.AllowedIPs,
		"live":        iface.IsActive,
	}).Info("peer added")
	return peer, nil
}

func (o *Orchestrator) UpdatePeer(ctx context.Context, ifaceName, publicKey string, upd PeerUpdate) (*models.Peer, error) {
	if upd.Name != nil {
		if err := validatePeerName(*upd.Name); err != nil {
			return nil, err
		}
	}
	if upd.PersistentKeepalive != nil {
		if err := validateKeepalive(*upd.PersistentKeepalive); err != nil {
			return nil, err
		}
	}

	unlock := o.locks.Lock(ifaceName)
	defer unlock()

	var peer *models.Peer
	iface, err := o.commit(ctx, ifaceName, func(tx *database.Store, iface *models.Interface) error {
		var err error
		if peer, err = tx.GetPeer(ctx, iface.ID, publicKey); err != nil {
			return storeErr(err, "peer "+publicKey)
		}
		if upd.AllowedIPs != nil {
			all, err := tx.ListPeers(ctx, iface.ID)
			if err != nil {
				return err
			}
			others := make([]models.Peer, 0, len(all))
			for _, p := range all {
				if p.ID != peer.ID {
					others = append(others, p)
				}
			}
			if peer.AllowedIPs, err = resolveAllowedIPs(iface, *upd.AllowedIPs, others); err != nil {
				return err
			}
		}
		if upd.Name != nil {
			peer.Name = *upd.Name
		}
		if upd.PersistentKeepalive != nil {
			peer.PersistentKeepalive = *upd.PersistentKeepalive
		}
		return storeErr(tx.SavePeer(ctx, peer), "peer "+publicKey)
	}, o.applyLive)
	if err != nil {
		return nil, err
	}
	if iface.IsActive {
		o.clearUnknown(ifaceName)
	}
	o.log.WithFields(logrus.Fields{"interface": ifaceName, "peer": peer.Name}).Info("peer updated")
	return peer, nil
}

func (o *Orchestrator) RemovePeer(ctx context.Context, ifaceName, publicKey string) error {
	unlock := o.locks.Lock(ifaceName)
	defer unlock()

	var name string
	iface, err := o.commit(ctx, ifaceName, func(tx *database.Store, iface *models.Interface) error {
		peer, err := tx.GetPeer(ctx, iface.ID, publicKey)
		if err != nil {
			return storeErr(err, "peer "+publicKey)
		}
		name = peer.Name
		return storeErr(tx.DeletePeer(ctx, peer.ID), "peer "+publicKey)
	}, o.applyLive)
	if err != nil {
		return err
	}
	if iface.IsActive {
		o.clearUnknown(ifaceName)
	}
	o.log.WithFields(logrus.Fields{"interface": ifaceName, "peer": name, "live": iface.IsActive}).Info("peer removed")
	return nil
}

func (o *Orchestrator) ListPeers(ctx context.Context, ifaceName string) ([]models.Peer, error) {
	iface, err := o.store.GetInterface(ctx, ifaceName)
	if err != nil {
		return nil, storeErr(err, "interface "+ifaceName)
	}
	peers, err := o.store.ListPeers(ctx, iface.ID)
	if err != nil {
		return nil, err
	}
	o.decorate(ctx, iface, peers)
	for i := range peers {
		peers[i].KeyError = o.keyError(&peers[i])
	}
	return peers, nil
}

// keyError reports why the stored private key of p cannot be decrypted, or
// "" when it can. Results are cached per blob; each blob has its own salt and
// the master secret does not change while the process runs.
func (o *Orchestrator) keyError(p *models.Peer) string {
	if !p.HasConfig() {
		return ""
	}
	o.mu.Lock()
	msg, ok := o.keyErrs[p.EncryptedPrivateKey]
	o.mu.Unlock()
	if ok {
		return msg
	}
	if _, err := o.box.Decrypt(p.EncryptedPrivateKey); err != nil {
		msg = err.Error()
	}
	o.mu.Lock()
	o.keyErrs[p.EncryptedPrivateKey] = msg
	o.mu.Unlock()
	return msg
}

func (o *Orchestrator) GetPeer(ctx context.Context, ifaceName, publicKey string) (*models.Peer, error) {
	peers, err := o.ListPeers(ctx, ifaceName)
	if err != nil {
		return nil, err
	}
	for i := range peers {
		if peers[i].PublicKey == publicKey {
			return &peers[i], nil
		}
	}
	return nil, notFound("peer %s", publicKey)
}

// PeerClientConfig renders the config a peer imports on its own device and
// a file name for it.
func (o *Orchestrator) PeerClientConfig(ctx context.Context, ifaceName, publicKey string) ([]byte, string, error) {
	iface, err := o.store.GetInterface(ctx, ifaceName)
	if err != nil {
		return nil, "", storeErr(err, "interface "+ifaceName)
	}
	peer, err := o.store.GetPeer(ctx, iface.ID, publicKey)
	if err != nil {
		return nil, "", storeErr(err, "peer "+publicKey)
	}
	if !peer.HasConfig() {
		return nil, "", notFound("private key of peer %q was not stored", peer.Name)
	}
	privateKey, err := o.box.Decrypt(peer.EncryptedPrivateKey)
	if err != nil {
		return nil, "", fmt.Errorf("%w: peer %q: %w", ErrDecryption, peer.Name, err)
	}

	dns := iface.DNS
	if dns == "" {
		dns = o.cfg.WG.DefaultDNS
	}
	data := wgconf.RenderClient(wgconf.ClientParams{
		Address:         peer.AllowedIPs,
		PrivateKey:      privateKey,
		DNS:             dns,
		ServerPublicKey: iface.PublicKey,
		EndpointHost:    o.cfg.WG.PublicEndpoint,
		EndpointPort:    iface.ListenPort,
	})
	filename := strings.ReplaceAll(peer.Name, " ", "_") + ".conf"
	return data, filename, nil
}

// BackendName names the execution backend in use.
func (o *Orchestrator) BackendName() string { return o.backend.Name() }
