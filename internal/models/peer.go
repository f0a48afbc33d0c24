package models

import (
	"time"
)

type Peer struct {
	ID                  uint   `gorm:"primaryKey" json:"id"`
	InterfaceID         uint   `gorm:"uniqueIndex:idx_peer_iface_key;not null" json:"-"`
	PublicKey           string `gorm:"uniqueIndex:idx_peer_iface_key;not null" json:"public_key"`
	Name                string `gorm:"size:64;not null" json:"name"`
	AllowedIPs          string `gorm:"not null" json:"allowed_ips"`
	PersistentKeepalive int    `json:"persistent_keepalive"`
	// base64(salt):base64(nonce||ciphertext), empty when the client brought
	// its own key pair.
	EncryptedPrivateKey string    `json:"-"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`

	// Runtime stats (not stored)
	Endpoint        string     `gorm:"-" json:"endpoint,omitempty"`
	LatestHandshake *time.Time `gorm:"-" json:"latest_handshake"`
	TransferRx      int64      `gorm:"-" json:"transfer_rx"`
	TransferTx      int64      `gorm:"-" json:"transfer_tx"`
	Online          bool       `gorm:"-" json:"is_online"`
	KeyError        string     `gorm:"-" json:"key_error,omitempty"`
}

// HasConfig reports whether a client config can be produced for the peer.
func (p Peer) HasConfig() bool { return p.EncryptedPrivateKey != "" }
