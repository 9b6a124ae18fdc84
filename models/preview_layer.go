package models

import (
	"time"
)

const (
	PreviewStopped = 0
	PreviewActive  = 1
	PreviewError   = 2
)

// PreviewLayer is a raster exposed through the preview mapfile.
type PreviewLayer struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	Name       string    `gorm:"uniqueIndex;size:255;not null" json:"name"` // mapfile layer name
	SourcePath string    `gorm:"size:1024;not null" json:"source_path"`     // raster on disk
	Status     int       `gorm:"default:0" json:"status"`                   // 0 stopped, 1 active, 2 error
	ErrorMsg   string    `gorm:"size:512" json:"error_msg"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func (PreviewLayer) TableName() string {
	return "georef_preview_layer"
}
