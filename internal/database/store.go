package database

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"tunnbox/internal/models"
)

var (
	ErrNotFound  = errors.New("record not found")
	ErrDuplicate = errors.New("duplicate record")
)

type Store struct{ db *gorm.DB }

func NewStore(db *gorm.DB) *Store { return &Store{db: db} }

// Transaction runs fn against a store bound to a single transaction. fn must
// not use the outer store.
func (s *Store) Transaction(ctx context.Context, fn func(tx *Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{db: tx})
	})
}

func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return fmt.Errorf("%w: %v", ErrDuplicate, err)
	}
	return err
}

// -------- interfaces --------

func (s *Store) ListInterfaces(ctx context.Context) ([]models.Interface, error) {
	var out []models.Interface
	err := s.db.WithContext(ctx).Order("name").Find(&out).Error
	return out, translate(err)
}

func (s *Store) GetInterface(ctx context.Context, name string) (*models.Interface, error) {
	var iface models.Interface
	err := s.db.WithContext(ctx).Where(&models.Interface{Name: name}).First(&iface).Error
	if err != nil {
		return nil, translate(err)
	}
	return &iface, nil
}

func (s *Store) InterfaceByPort(ctx context.Context, port int) (*models.Interface, error) {
	var iface models.Interface
	err := s.db.WithContext(ctx).Where(&models.Interface{ListenPort: port}).First(&iface).Error
	if err != nil {
		return nil, translate(err)
	}
	return &iface, nil
}

func (s *Store) CreateInterface(ctx context.Context, iface *models.Interface) error {
	return translate(s.db.WithContext(ctx).Create(iface).Error)
}

func (s *Store) SaveInterface(ctx context.Context, iface *models.Interface) error {
	return translate(s.db.WithContext(ctx).Save(iface).Error)
}

func (s *Store) SetActive(ctx context.Context, id uint, active bool) error {
	res := s.db.WithContext(ctx).Model(&models.Interface{}).Where("id = ?", id).Update("is_active", active)
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteInterface removes the interface and all of its peers.
func (s *Store) DeleteInterface(ctx context.Context, id uint) error {
	return s.Transaction(ctx, func(tx *Store) error {
		if err := tx.db.Where("interface_id = ?", id).Delete(&models.Peer{}).Error; err != nil {
			return translate(err)
		}
		res := tx.db.Delete(&models.Interface{}, id)
		if res.Error != nil {
			return translate(res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// -------- peers --------

// ListPeers returns the peers of an interface in creation order.
func (s *Store) ListPeers(ctx context.Context, ifaceID uint) ([]models.Peer, error) {
	var out []models.Peer
	err := s.db.WithContext(ctx).Where("interface_id = ?", ifaceID).Order("id").Find(&out).Error
	return out, translate(err)
}

func (s *Store) GetPeer(ctx context.Context, ifaceID uint, publicKey string) (*models.Peer, error) {
	var p models.Peer
	err := s.db.WithContext(ctx).Where(&models.Peer{InterfaceID: ifaceID, PublicKey: publicKey}).First(&p).Error
	if err != nil {
		return nil, translate(err)
	}
	return &p, nil
}

func (s *Store) CreatePeer(ctx context.Context, p *models.Peer) error {
	return translate(s.db.WithContext(ctx).Create(p).Error)
}

func (s *Store) SavePeer(ctx context.Context, p *models.Peer) error {
	return translate(s.db.WithContext(ctx).Save(p).Error)
}

func (s *Store) DeletePeer(ctx context.Context, id uint) error {
	res := s.db.WithContext(ctx).Delete(&models.Peer{}, id)
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
