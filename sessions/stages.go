package sessions

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strconv"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/paulmach/orb"
	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/GrainArc/GeoRef/errs"
	"github.com/GrainArc/GeoRef/gcp"
	"github.com/GrainArc/GeoRef/masker"
	"github.com/GrainArc/GeoRef/models"
	"github.com/GrainArc/GeoRef/rectify"
	"github.com/GrainArc/GeoRef/solver"
	"github.com/GrainArc/GeoRef/splitter"
)

// outcome is what a stage computation produced. It is applied only while
// the session is still processing.
type outcome struct {
	// written by the run, deleted when the result is discarded
	keys []string
	// no longer restorable once the result is committed, deleted then
	stale []string
	// overwritten by the run, stored on the session for undo
	replaced *models.Replaced
	apply func(tx *gorm.DB) ([]models.Resource, error)
}

func (m *Machine) compute(ctx context.Context, s *models.Session) (*outcome, error) {
	p, err := DecodePayload(s.Kind, s.Payload)
	if err != nil {
		return nil, err
	}
	switch v := p.(type) {
	case PreparationInput:
		return m.prepare(ctx, s, v)
	case GeoreferenceInput:
		return m.georeference(ctx, s)
	case TrimInput:
		return m.trim(ctx, s, v)
	}
	return nil, errors.Wrapf(errs.ErrInvalidInput, "unknown session kind %q", s.Kind)
}

func setStatus(tx *gorm.DB, item *models.Item, status string) error {
	if err := tx.Model(&models.Item{}).Where("id = ?", item.ID).Update("status", status).Error; err != nil {
		return errs.Storage(err, "set status of %s %d", item.Kind, item.ID)
	}
	item.Status = status
	return nil
}

func (m *Machine) prepare(ctx context.Context, s *models.Session, p PreparationInput) (*outcome, error) {
	doc, err := models.GetDocument(m.db.WithContext(ctx), s.ResourceID)
	if err != nil {
		return nil, err
	}
	if !p.SplitNeeded {
		return &outcome{apply: func(tx *gorm.DB) ([]models.Resource, error) {
			return []models.Resource{doc}, setStatus(tx, doc.Item, models.StatusPrepared)
		}}, nil
	}

	img, err := m.images.Load(ctx, m.files, doc.SourceKey())
	if err != nil {
		return nil, err
	}
	subs, err := splitter.Split(img, p.Lines())
	if err != nil {
		return nil, err
	}
	if len(subs) < 2 {
		return nil, errors.Wrap(errs.ErrEmptyPartition, "cutlines do not divide the sheet")
	}

	out := &outcome{}
	children := make([]models.Item, 0, len(subs))
	for i, sub := range subs {
		if err := ctx.Err(); err != nil {
			m.discard(context.Background(), out.keys)
			return nil, err
		}
		title := fmt.Sprintf("%s [%d]", doc.Title, i+1)
		slug := models.Slugify(title)
		key := path.Join("documents", strconv.FormatUint(uint64(doc.ID), 10), slug+".png")

		var buf bytes.Buffer
		if err := imaging.Encode(&buf, sub.Image, imaging.PNG); err != nil {
			m.discard(ctx, out.keys)
			return nil, errors.Wrapf(err, "encode %s", key)
		}
		if err := m.files.Put(ctx, key, buf.Bytes()); err != nil {
			m.discard(ctx, out.keys)
			return nil, err
		}
		out.keys = append(out.keys, key)
		children = append(children, models.Item{
			Kind:         models.KindDocument,
			Title:        title,
			Slug:         slug,
			Status:       models.StatusPrepared,
			FileKey:      key,
			Width:        sub.Bounds.Dx(),
			Height:       sub.Bounds.Dy(),
			CollectionID: doc.CollectionID,
			Owner:        s.User,
		})
	}

	out.apply = func(tx *gorm.DB) ([]models.Resource, error) {
		touched := []models.Resource{doc}
		for i := range children {
			child := &children[i]
			if err := tx.Create(child).Error; err != nil {
				return nil, errs.Storage(err, "create split document %s", child.Title)
			}
			link := models.Link{SourceID: doc.ID, TargetKind: models.KindDocument, TargetID: child.ID, LinkType: models.LinkSplit}
			if err := tx.Create(&link).Error; err != nil {
				return nil, errs.Storage(err, "link split document %d", child.ID)
			}
			touched = append(touched, models.Document{Item: child})
		}
		return touched, setStatus(tx, doc.Item, models.StatusSplit)
	}
	return out, nil
}

// rasterKeys lists the files stored for a raster whose tiff is at key.
func rasterKeys(key string) []string {
	base := strings.TrimSuffix(key, ".tif")
	return []string{base + ".tif", base + ".tfw", base + ".json"}
}

func (m *Machine) putRaster(ctx context.Context, base string, r *rectify.Raster) ([]string, error) {
	artifacts, err := r.Artifacts()
	if err != nil {
		return nil, err
	}
	var keys []string
	for _, a := range artifacts {
		key := base + a.Suffix
		if err := m.files.Put(ctx, key, a.Data); err != nil {
			m.discard(ctx, keys)
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, nil
}

func (m *Machine) loadRaster(ctx context.Context, key string) (*rectify.Raster, error) {
	keys := rasterKeys(key)
	img, err := m.files.Get(ctx, keys[0])
	if err != nil {
		return nil, err
	}
	meta, err := m.files.Get(ctx, keys[2])
	if err != nil {
		return nil, err
	}
	return rectify.Decode(bytes.NewReader(img), meta)
}

func (m *Machine) georeference(ctx context.Context, s *models.Session) (*outcome, error) {
	db := m.db.WithContext(ctx)
	doc, err := models.GetDocument(db, s.ResourceID)
	if err != nil {
		return nil, err
	}
	set, err := gcp.SetForDocument(db, doc.ID)
	if err != nil {
		return nil, err
	}
	if set == nil {
		return nil, errors.Wrapf(errs.ErrInsufficientPoints, "document %d has no control points", doc.ID)
	}
	points, err := gcp.Points(db, set.ID)
	if err != nil {
		return nil, err
	}
	pairs, err := gcp.Pairs(set, points)
	if err != nil {
		return nil, err
	}
	family, err := solver.ParseTransformation(set.Transformation)
	if err != nil {
		return nil, err
	}
	sol, err := solver.Solve(solver.Input{Transformation: family, Points: pairs})
	if err != nil {
		return nil, err
	}

	img, err := m.images.Load(ctx, m.files, doc.SourceKey())
	if err != nil {
		return nil, err
	}
	raster, err := rectify.Rectify(ctx, img, sol.Transform, set.EPSG)
	if err != nil {
		return nil, err
	}
	slug := doc.Slug
	if slug == "" {
		slug = "layer"
	}
	base := path.Join("layers", strconv.FormatUint(uint64(doc.ID), 10), fmt.Sprintf("%s-s%d", slug, s.ID))
	keys, err := m.putRaster(ctx, base, raster)
	if err != nil {
		return nil, err
	}

	out := &outcome{keys: keys}
	size := raster.Image.Bounds().Size()
	extent := raster.Extent()
	out.apply = func(tx *gorm.DB) ([]models.Resource, error) {
		layer, err := models.LinkedLayer(tx, doc.ID)
		if err != nil {
			return nil, err
		}
		if layer == nil {
			item := &models.Item{
				Kind:         models.KindLayer,
				Title:        doc.Title,
				Slug:         doc.Slug,
				Status:       models.StatusGeoreferenced,
				FileKey:      keys[0],
				Width:        size.X,
				Height:       size.Y,
				EPSG:         raster.EPSG,
				CollectionID: doc.CollectionID,
				Owner:        s.User,
			}
			item.SetExtent(extent)
			if err := tx.Create(item).Error; err != nil {
				return nil, errs.Storage(err, "create layer of document %d", doc.ID)
			}
			link := models.Link{SourceID: doc.ID, TargetKind: models.KindLayer, TargetID: item.ID, LinkType: models.LinkGeoreference}
			if err := tx.Create(&link).Error; err != nil {
				return nil, errs.Storage(err, "link layer %d", item.ID)
			}
			layer = &models.Layer{Item: item}
		} else {
			var masks int64
			if err := tx.Model(&models.LayerMask{}).Where("layer_id = ?", layer.ID).Count(&masks).Error; err != nil {
				return nil, errs.Storage(err, "count masks of layer %d", layer.ID)
			}
			status := models.StatusGeoreferenced
			if masks > 0 {
				status = models.StatusTrimmed
			}
			out.replaced = &models.Replaced{
				LayerID: layer.ID,
				FileKey: layer.FileKey,
				Width:   layer.Width,
				Height:  layer.Height,
				EPSG:    layer.EPSG,
			}
			if b, ok := layer.Extent(); ok {
				out.replaced.Extent = []float64{b.Min[0], b.Min[1], b.Max[0], b.Max[1]}
			}
			if out.stale, err = supersededRasters(tx, s); err != nil {
				return nil, err
			}
			layer.FileKey, layer.Width, layer.Height, layer.EPSG, layer.Status = keys[0], size.X, size.Y, raster.EPSG, status
			layer.SetExtent(extent)
			err = tx.Model(&models.Item{}).Where("id = ?", layer.ID).Updates(map[string]interface{}{
				"file_key": layer.FileKey,
				"width":    layer.Width,
				"height":   layer.Height,
				"epsg":     layer.EPSG,
				"status":   layer.Status,
				"x0":       extent.Min[0],
				"y0":       extent.Min[1],
				"x1":       extent.Max[0],
				"y1":       extent.Max[1],
			}).Error
			if err != nil {
				return nil, errs.Storage(err, "update layer %d", layer.ID)
			}
		}
		return []models.Resource{doc, *layer}, setStatus(tx, doc.Item, models.StatusGeoreferenced)
	}
	return out, nil
}

func (m *Machine) trim(ctx context.Context, s *models.Session, p TrimInput) (*outcome, error) {
	layer, err := models.GetLayer(m.db.WithContext(ctx), s.ResourceID)
	if err != nil {
		return nil, err
	}
	poly, err := p.Polygon()
	if err != nil {
		return nil, err
	}
	raster, err := m.loadRaster(ctx, layer.RasterKey())
	if err != nil {
		return nil, err
	}
	masked, err := masker.Apply(raster, poly)
	if err != nil {
		return nil, err
	}
	out := &outcome{}
	out.apply = func(tx *gorm.DB) ([]models.Resource, error) {
		var existing models.LayerMask
		if err := tx.Where("layer_id = ?", layer.ID).Limit(1).Find(&existing).Error; err != nil {
			return nil, errs.Storage(err, "load mask of layer %d", layer.ID)
		}
		out.replaced = &models.Replaced{LayerID: layer.ID}
		if existing.ID != 0 {
			prev := existing.WKT
			out.replaced.MaskWKT = &prev
		}
		if err := storeMask(tx, layer.ID, masked.WKT()); err != nil {
			return nil, err
		}
		return []models.Resource{layer}, setStatus(tx, layer.Item, models.StatusTrimmed)
	}
	return out, nil
}

func storeMask(tx *gorm.DB, layerID uint, wkt string) error {
	mask := models.LayerMask{LayerID: layerID, WKT: wkt}
	err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "layer_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"wkt", "updated_at"}),
	}).Create(&mask).Error
	if err != nil {
		return errs.Storage(err, "store mask of layer %d", layerID)
	}
	return nil
}

// supersededRasters lists the raster kept for undoing the previous
// georeference of the same document. Only the latest finished session of a
// kind can be undone, so it is garbage once s commits.
func supersededRasters(tx *gorm.DB, s *models.Session) ([]string, error) {
	var prev models.Session
	res := tx.Where("kind = ? AND resource_kind = ? AND resource_id = ? AND stage = ? AND id <> ?",
		s.Kind, s.ResourceKind, s.ResourceID, models.StageFinished, s.ID).
		Order("id DESC").Limit(1).Find(&prev)
	if res.Error != nil {
		return nil, errs.Storage(res.Error, "load previous session of %s %d", s.ResourceKind, s.ResourceID)
	}
	if res.RowsAffected == 0 || prev.Status != models.SessionStatusSuccess {
		// an undone session put its replaced raster back in use
		return nil, nil
	}
	state, err := prev.ReplacedState()
	if err != nil || state == nil || state.FileKey == "" {
		return nil, nil
	}
	return rasterKeys(state.FileKey), nil
}

// laterFinished returns a finished session of the same kind on the same
// resource that ran after s, or nil.
func laterFinished(tx *gorm.DB, s *models.Session) (*models.Session, error) {
	var later models.Session
	res := tx.Where("kind = ? AND resource_kind = ? AND resource_id = ? AND stage = ? AND id > ?",
		s.Kind, s.ResourceKind, s.ResourceID, models.StageFinished, s.ID).
		Order("id").Limit(1).Find(&later)
	if res.Error != nil {
		return nil, errs.Storage(res.Error, "load later sessions of %s %d", s.ResourceKind, s.ResourceID)
	}
	if res.RowsAffected == 0 {
		return nil, nil
	}
	return &later, nil
}

// reversal is what an undo removed.
type reversal struct {
	keys    []string
	forget  []models.LinkTarget
	touched []models.Resource
}

func (m *Machine) revert(tx *gorm.DB, s *models.Session) (reversal, error) {
	var rev reversal
	switch s.Kind {
	case models.SessionPreparation:
		doc, err := models.GetDocument(tx, s.ResourceID)
		if err != nil {
			return rev, err
		}
		children, err := models.Children(tx, doc.ID)
		if err != nil {
			return rev, err
		}
		for _, c := range children {
			if c.Status != models.StatusPrepared {
				return rev, errors.Wrapf(errs.ErrInvalidTransition, "split document %d is already %s", c.ID, c.Status)
			}
			active, err := ActiveSession(tx, models.KindDocument, c.ID)
			if err != nil {
				return rev, err
			}
			if active != nil {
				return rev, errors.Wrapf(errs.ErrInvalidTransition, "split document %d is locked by session %d", c.ID, active.ID)
			}
		}
		for _, c := range children {
			if err := deleteGCPs(tx, c.ID); err != nil {
				return rev, err
			}
			if err := tx.Delete(&models.Item{}, c.ID).Error; err != nil {
				return rev, errs.Storage(err, "delete split document %d", c.ID)
			}
			rev.keys = append(rev.keys, c.FileKey)
			rev.forget = append(rev.forget, models.DocumentTarget(c.ID))
		}
		if err := tx.Where("source_id = ? AND link_type = ?", doc.ID, models.LinkSplit).Delete(&models.Link{}).Error; err != nil {
			return rev, errs.Storage(err, "delete split links of %d", doc.ID)
		}
		status := s.PrevStatus
		if status == "" {
			status = models.StatusUnprepared
		}
		rev.touched = append(rev.touched, doc)
		return rev, setStatus(tx, doc.Item, status)

	case models.SessionGeoreference:
		doc, err := models.GetDocument(tx, s.ResourceID)
		if err != nil {
			return rev, err
		}
		prev, err := s.ReplacedState()
		if err != nil {
			return rev, errors.Wrapf(errs.ErrInvalidInput, "replaced state of session %d: %v", s.ID, err)
		}
		layer, err := models.LinkedLayer(tx, doc.ID)
		if err != nil {
			return rev, err
		}
		status := models.StatusPrepared
		if layer != nil {
			active, err := ActiveSession(tx, models.KindLayer, layer.ID)
			if err != nil {
				return rev, err
			}
			if active != nil {
				return rev, errors.Wrapf(errs.ErrInvalidTransition, "layer %d is locked by session %d", layer.ID, active.ID)
			}
			if prev != nil && prev.LayerID == layer.ID && prev.FileKey != "" {
				written := layer.FileKey
				if err := restoreLayer(tx, layer, prev); err != nil {
					return rev, err
				}
				if written != prev.FileKey {
					rev.keys = append(rev.keys, rasterKeys(written)...)
				}
				rev.touched = append(rev.touched, *layer)
				status = s.PrevStatus
				if status == "" {
					status = models.StatusGeoreferenced
				}
			} else {
				if err := tx.Where("layer_id = ?", layer.ID).Delete(&models.LayerMask{}).Error; err != nil {
					return rev, errs.Storage(err, "delete mask of layer %d", layer.ID)
				}
				if err := tx.Where("target_kind = ? AND target_id = ?", models.KindLayer, layer.ID).Delete(&models.Link{}).Error; err != nil {
					return rev, errs.Storage(err, "delete links of layer %d", layer.ID)
				}
				if err := tx.Delete(&models.Item{}, layer.ID).Error; err != nil {
					return rev, errs.Storage(err, "delete layer %d", layer.ID)
				}
				rev.keys = append(rev.keys, rasterKeys(layer.FileKey)...)
				rev.forget = append(rev.forget, models.LayerTarget(layer.ID))
			}
		}
		rev.touched = append(rev.touched, doc)
		return rev, setStatus(tx, doc.Item, status)

	case models.SessionTrim:
		layer, err := models.GetLayer(tx, s.ResourceID)
		if err != nil {
			return rev, err
		}
		prev, err := s.ReplacedState()
		if err != nil {
			return rev, errors.Wrapf(errs.ErrInvalidInput, "replaced state of session %d: %v", s.ID, err)
		}
		rev.touched = append(rev.touched, layer)
		if prev != nil && prev.MaskWKT != nil {
			if err := storeMask(tx, layer.ID, *prev.MaskWKT); err != nil {
				return rev, err
			}
			return rev, setStatus(tx, layer.Item, models.StatusTrimmed)
		}
		if err := tx.Where("layer_id = ?", layer.ID).Delete(&models.LayerMask{}).Error; err != nil {
			return rev, errs.Storage(err, "delete mask of layer %d", layer.ID)
		}
		return rev, setStatus(tx, layer.Item, models.StatusGeoreferenced)
	}
	return rev, errors.Wrapf(errs.ErrInvalidInput, "unknown session kind %q", s.Kind)
}

// restoreLayer puts back the raster a georeference replaced. The mask, if
// any, is kept.
func restoreLayer(tx *gorm.DB, layer *models.Layer, prev *models.Replaced) error {
	var masks int64
	if err := tx.Model(&models.LayerMask{}).Where("layer_id = ?", layer.ID).Count(&masks).Error; err != nil {
		return errs.Storage(err, "count masks of layer %d", layer.ID)
	}
	status := models.StatusGeoreferenced
	if masks > 0 {
		status = models.StatusTrimmed
	}
	layer.FileKey, layer.Width, layer.Height, layer.EPSG, layer.Status = prev.FileKey, prev.Width, prev.Height, prev.EPSG, status
	layer.ClearExtent()
	if len(prev.Extent) == 4 {
		layer.SetExtent(orb.Bound{Min: orb.Point{prev.Extent[0], prev.Extent[1]}, Max: orb.Point{prev.Extent[2], prev.Extent[3]}})
	}
	err := tx.Model(&models.Item{}).Where("id = ?", layer.ID).Updates(map[string]interface{}{
		"file_key": layer.FileKey,
		"width":    layer.Width,
		"height":   layer.Height,
		"epsg":     layer.EPSG,
		"status":   layer.Status,
		"x0":       layer.X0,
		"y0":       layer.Y0,
		"x1":       layer.X1,
		"y1":       layer.Y1,
	}).Error
	if err != nil {
		return errs.Storage(err, "restore layer %d", layer.ID)
	}
	return nil
}

func deleteGCPs(tx *gorm.DB, documentID uint) error {
	set, err := gcp.SetForDocument(tx, documentID)
	if err != nil || set == nil {
		return err
	}
	if err := tx.Where("set_id = ?", set.ID).Delete(&models.ControlPoint{}).Error; err != nil {
		return errs.Storage(err, "delete gcps of group %d", set.ID)
	}
	if err := tx.Delete(set).Error; err != nil {
		return errs.Storage(err, "delete gcp group %d", set.ID)
	}
	return nil
}
