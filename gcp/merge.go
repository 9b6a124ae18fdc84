package gcp

import (
	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/GrainArc/GeoRef/crs"
	"github.com/GrainArc/GeoRef/errs"
	"github.com/GrainArc/GeoRef/models"
)

// Stats counts the writes a merge performed.
type Stats struct {
	New int `json:"new"`
	Mod int `json:"mod"`
	Del int `json:"del"`
}

func (s Stats) Writes() int { return s.New + s.Mod + s.Del }

// Merge reconciles the stored control points of a document with an
// incoming collection. New ids are created, existing points are only
// written when their pixel, location or note changed, and stored points
// missing from the collection are deleted. Resubmitting the same
// collection writes nothing.
func Merge(db *gorm.DB, documentID uint, transformation string, epsg int, features []Feature, user string) (*models.ControlPointSet, Stats, error) {
	var stats Stats
	if epsg == 0 {
		epsg = crs.WebMercator
	}
	if !crs.Supported(epsg) {
		return nil, stats, errors.Wrapf(errs.ErrInvalidInput, "unsupported reference system EPSG:%d", epsg)
	}

	set := &models.ControlPointSet{}
	err := db.Transaction(func(tx *gorm.DB) error {
		err := tx.Where("document_id = ?", documentID).First(set).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			set = &models.ControlPointSet{DocumentID: documentID, EPSG: epsg, Transformation: transformation}
			if err := tx.Create(set).Error; err != nil {
				return errs.Storage(err, "create gcp group for document %d", documentID)
			}
		} else if err != nil {
			return errs.Storage(err, "load gcp group for document %d", documentID)
		} else if set.EPSG != epsg || set.Transformation != transformation {
			if err := tx.Model(set).Updates(map[string]interface{}{"epsg": epsg, "transformation": transformation}).Error; err != nil {
				return errs.Storage(err, "update gcp group %d", set.ID)
			}
		}

		var stored []models.ControlPoint
		if err := tx.Where("set_id = ?", set.ID).Find(&stored).Error; err != nil {
			return errs.Storage(err, "load gcps of group %d", set.ID)
		}
		byID := make(map[string]*models.ControlPoint, len(stored))
		maxSeq := -1
		for i := range stored {
			byID[stored[i].ID] = &stored[i]
			if stored[i].Seq > maxSeq {
				maxSeq = stored[i].Seq
			}
		}

		incoming := make(map[string]bool, len(features))
		for _, f := range features {
			if f.ID != "" {
				incoming[f.ID] = true
			}
		}
		var stale []string
		for _, p := range stored {
			if !incoming[p.ID] {
				stale = append(stale, p.ID)
			}
		}
		if len(stale) > 0 {
			if err := tx.Where("id IN ?", stale).Delete(&models.ControlPoint{}).Error; err != nil {
				return errs.Storage(err, "delete gcps of group %d", set.ID)
			}
			stats.Del = len(stale)
		}

		for _, f := range features {
			editor := f.Username
			if editor == "" {
				editor = user
			}
			existing, ok := byID[f.ID]
			if f.ID == "" || !ok {
				id := f.ID
				if id == "" {
					id = uuid.NewString()
				}
				maxSeq++
				p := models.ControlPoint{
					ID:         id,
					SetID:      set.ID,
					Seq:        maxSeq,
					PixelX:     f.Pixel[0],
					PixelY:     f.Pixel[1],
					Lon:        f.LonLat[0],
					Lat:        f.LonLat[1],
					Note:       f.Note,
					CreatedBy:  editor,
					ModifiedBy: editor,
				}
				if err := tx.Create(&p).Error; err != nil {
					return errs.Storage(err, "create gcp %s", id)
				}
				stats.New++
				continue
			}

			if existing.PixelX == f.Pixel[0] && existing.PixelY == f.Pixel[1] &&
				existing.Lon == f.LonLat[0] && existing.Lat == f.LonLat[1] &&
				existing.Note == f.Note {
				continue
			}
			err := tx.Model(existing).Updates(map[string]interface{}{
				"pixel_x":     f.Pixel[0],
				"pixel_y":     f.Pixel[1],
				"lon":         f.LonLat[0],
				"lat":         f.LonLat[1],
				"note":        f.Note,
				"modified_by": editor,
			}).Error
			if err != nil {
				return errs.Storage(err, "update gcp %s", existing.ID)
			}
			stats.Mod++
		}
		return nil
	})
	if err != nil {
		return nil, stats, err
	}

	log.WithFields(log.Fields{
		"group": set.ID,
		"ct":    len(features),
		"new":   stats.New,
		"mod":   stats.Mod,
		"del":   stats.Del,
	}).Info("gcp group saved")
	return set, stats, nil
}

// Points returns the stored control points of a set in display order.
func Points(db *gorm.DB, setID uint) ([]models.ControlPoint, error) {
	var points []models.ControlPoint
	if err := db.Where("set_id = ?", setID).Order("seq, created_at").Find(&points).Error; err != nil {
		return nil, errs.Storage(err, "load gcps of group %d", setID)
	}
	return points, nil
}

// SetForDocument loads the control point set of a document, nil if none.
func SetForDocument(db *gorm.DB, documentID uint) (*models.ControlPointSet, error) {
	var set models.ControlPointSet
	err := db.Where("document_id = ?", documentID).First(&set).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Storage(err, "load gcp group for document %d", documentID)
	}
	return &set, nil
}
