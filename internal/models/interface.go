package models

import "time"

type Interface struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	Name       string    `gorm:"uniqueIndex;size:15;not null" json:"name"`
	ListenPort int       `gorm:"uniqueIndex;not null" json:"listen_port"`
	Address    string    `gorm:"not null" json:"address"`
	DNS        string    `json:"dns"`
	PostUp     string    `json:"post_up"`
	PostDown   string    `json:"post_down"`
	PublicKey  string    `json:"public_key"` // private key only lives in the .conf file
	IsActive   bool      `json:"is_active"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`

	Peers []Peer `gorm:"constraint:OnDelete:CASCADE" json:"-"`

	// Runtime stats (not stored)
	StateUnknown    bool  `gorm:"-" json:"state_unknown"`
	PeerCount       int   `gorm:"-" json:"peer_count"`
	ActivePeerCount int   `gorm:"-" json:"active_peer_count"`
	TotalTransferRx int64 `gorm:"-" json:"total_transfer_rx"`
	TotalTransferTx int64 `gorm:"-" json:"total_transfer_tx"`
}
