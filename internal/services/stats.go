package services

import (
	"context"
	"time"

	"tunnbox/internal/backend"
	"tunnbox/internal/models"
)

// onlineWindow is how recent a handshake must be for a peer to count as
// online.
const onlineWindow = 180 * time.Second

type Stats struct {
	Interface       string        `json:"interface"`
	Active          bool          `json:"active"`
	StateUnknown    bool          `json:"state_unknown"`
	ListenPort      int           `json:"listen_port"`
	PeerCount       int           `json:"peer_count"`
	ActivePeerCount int           `json:"active_peer_count"`
	TotalTransferRx int64         `json:"total_transfer_rx"`
	TotalTransferTx int64         `json:"total_transfer_tx"`
	Peers           []models.Peer `json:"peers"`
}

// queryState asks the backend for live state. Concurrent calls for the same
// interface share one backend query.
func (o *Orchestrator) queryState(ctx context.Context, name string) (backend.State, error) {
	v, err, _ := o.queries.Do(name, func() (any, error) {
		return o.backend.QueryState(ctx, name)
	})
	if err != nil {
		o.noteFailure(name, err)
		return backend.State{}, execFailed(err)
	}
	return v.(backend.State), nil
}

// merge copies live counters onto peers and fills the interface totals.
func (o *Orchestrator) merge(iface *models.Interface, peers []models.Peer, st backend.State) {
	now := o.now()
	iface.PeerCount = len(peers)
	iface.ActivePeerCount = 0
	iface.TotalTransferRx, iface.TotalTransferTx = 0, 0
	for i := range peers {
		ps, ok := st.Peers[peers[i].PublicKey]
		if !ok {
			continue
		}
		p := &peers[i]
		p.Endpoint = ps.Endpoint
		p.TransferRx = ps.TransferRx
		p.TransferTx = ps.TransferTx
		if !ps.LatestHandshake.IsZero() {
			hs := ps.LatestHandshake
			p.LatestHandshake = &hs
			p.Online = now.Sub(hs) < onlineWindow
		}
		if p.Online {
			iface.ActivePeerCount++
		}
		iface.TotalTransferRx += ps.TransferRx
		iface.TotalTransferTx += ps.TransferTx
	}
}

// decorate fills the runtime fields of iface and peers. Query failures are
// logged and leave the counters empty.
func (o *Orchestrator) decorate(ctx context.Context, iface *models.Interface, peers []models.Peer) {
	iface.StateUnknown = o.StateUnknown(iface.Name)
	iface.PeerCount = len(peers)
	if !iface.IsActive && !iface.StateUnknown {
		return
	}
	st, err := o.queryState(ctx, iface.Name)
	if err != nil {
		o.log.WithField("interface", iface.Name).WithError(err).Warn("failed to query live state")
		return
	}
	o.merge(iface, peers, st)
}

// InterfaceStats returns live counters for an interface and its peers.
func (o *Orchestrator) InterfaceStats(ctx context.Context, name string) (*Stats, error) {
	iface, err := o.store.GetInterface(ctx, name)
	if err != nil {
		return nil, storeErr(err, "interface "+name)
	}
	peers, err := o.store.ListPeers(ctx, iface.ID)
	if err != nil {
		return nil, err
	}

	stats := &Stats{
		Interface:  name,
		ListenPort: iface.ListenPort,
		PeerCount:  len(peers),
		Peers:      peers,
	}
	unknown := o.StateUnknown(name)
	if iface.IsActive || unknown {
		st, err := o.queryState(ctx, name)
		if err != nil {
			return nil, err
		}
		o.merge(iface, peers, st)
		stats.Active = st.Active
		stats.ActivePeerCount = iface.ActivePeerCount
		stats.TotalTransferRx = iface.TotalTransferRx
		stats.TotalTransferTx = iface.TotalTransferTx
	}
	stats.StateUnknown = o.StateUnknown(name)
	return stats, nil
}
