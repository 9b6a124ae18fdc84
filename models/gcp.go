package models

import (
	"time"
)

// ControlPoint is one ground control point. Lon/Lat are WGS84.
type ControlPoint struct {
	ID         string    `gorm:"primaryKey;size:36" json:"id"`
	SetID      uint      `gorm:"index;not null" json:"set_id"`
	Seq        int       `gorm:"not null;default:0" json:"seq"`
	PixelX     int       `json:"pixel_x"`
	PixelY     int       `json:"pixel_y"`
	Lon        float64   `json:"lon"`
	Lat        float64   `json:"lat"`
	Note       string    `gorm:"size:255" json:"note"`
	CreatedBy  string    `gorm:"size:150" json:"created_by"`
	ModifiedBy string    `gorm:"size:150" json:"last_modified_by"`
	CreatedAt  time.Time `json:"created"`
	UpdatedAt  time.Time `json:"last_modified"`
}

func (ControlPoint) TableName() string {
	return "georef_gcp"
}

// ControlPointSet groups the control points of one document.
type ControlPointSet struct {
	ID             uint           `gorm:"primaryKey" json:"id"`
	DocumentID     uint           `gorm:"uniqueIndex;not null" json:"document_id"`
	EPSG           int            `gorm:"default:3857" json:"crs_epsg"`
	Transformation string         `gorm:"size:20" json:"transformation"`
	Points         []ControlPoint `gorm:"foreignKey:SetID;constraint:OnDelete:CASCADE" json:"-"`
	CreatedAt      time.Time      `json:"created"`
	UpdatedAt      time.Time      `json:"updated"`
}

func (ControlPointSet) TableName() string {
	return "georef_gcp_group"
}
