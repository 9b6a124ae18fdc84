package models

import "time"

// LayerMask is the trim polygon of a layer, as WKT in the layer's
// reference system.
type LayerMask struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	LayerID   uint      `gorm:"uniqueIndex;not null" json:"layer_id"`
	WKT       string    `gorm:"type:text;not null" json:"polygon"`
	CreatedAt time.Time `json:"created"`
	UpdatedAt time.Time `json:"updated"`
}

func (LayerMask) TableName() string {
	return "georef_layer_mask"
}
