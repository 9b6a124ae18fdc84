package models

import (
	"time"

	"gorm.io/datatypes"
)

// Collection is a volume of map sheets.
type Collection struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	Identifier string    `gorm:"size:64;uniqueIndex" json:"identifier"`
	Title      string    `gorm:"size:255" json:"title"`
	// union of the layer extents, WGS84 "minx,miny,maxx,maxy"
	Extent    string    `gorm:"size:255" json:"extent"`
	CreatedAt time.Time `json:"created"`
	UpdatedAt time.Time `json:"updated"`
}

func (Collection) TableName() string {
	return "georef_collection"
}

// LookupEntry is the cached serialized view of one document or layer.
type LookupEntry struct {
	ID           uint           `gorm:"primaryKey" json:"id"`
	CollectionID *uint          `gorm:"index" json:"collection_id"`
	ResourceKind Kind           `gorm:"size:16;uniqueIndex:idx_lookup_resource;not null" json:"type"`
	ResourceID   uint           `gorm:"uniqueIndex:idx_lookup_resource;not null" json:"resource_id"`
	Data         datatypes.JSON `json:"data"`
	UpdatedAt    time.Time      `json:"updated"`
}

func (LookupEntry) TableName() string {
	return "georef_lookup"
}
