package models

import "time"

// StateBlob stores one named state collection as a JSON document.
type StateBlob struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	StateKey  string    `gorm:"type:varchar(191);not null;uniqueIndex" json:"state_key"`
	Data      []byte    `gorm:"type:longblob;not null" json:"-"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (StateBlob) TableName() string {
	return "state_blobs"
}
