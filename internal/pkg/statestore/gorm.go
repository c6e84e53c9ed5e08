package statestore

import (
	"context"
	"errors"

	"github.com/ManuelReschke/paymentsync/app/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormStore keeps blobs in the state_blobs table, one row per key.
type GormStore struct {
	db *gorm.DB
}

var _ Store = (*GormStore)(nil)

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (g *GormStore) Load(ctx context.Context, key string) ([]byte, error) {
	var blob models.StateBlob
	err := g.db.WithContext(ctx).Where("state_key = ?", key).First(&blob).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return blob.Data, nil
}

func (g *GormStore) Save(ctx context.Context, key string, data []byte) error {
	blob := models.StateBlob{StateKey: key, Data: data}
	return g.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "state_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"data", "updated_at"}),
	}).Create(&blob).Error
}
