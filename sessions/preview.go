package sessions

import (
	"context"
	"image"
	"path"
	"strconv"

	"github.com/paulmach/orb"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/GrainArc/GeoRef/errs"
	"github.com/GrainArc/GeoRef/gcp"
	"github.com/GrainArc/GeoRef/masker"
	"github.com/GrainArc/GeoRef/models"
	"github.com/GrainArc/GeoRef/rectify"
	"github.com/GrainArc/GeoRef/solver"
	"github.com/GrainArc/GeoRef/splitter"
)

// GeoreferencePreview is a temporary warp of a document, served until the
// session is submitted or cancelled.
type GeoreferencePreview struct {
	Layer     string            `json:"layer"`
	Endpoint  string            `json:"endpoint"`
	Residuals []solver.Residual `json:"residuals"`
	RMS       float64           `json:"rms"`
	Extent    [4]float64        `json:"extent"`
	LonLat    [4]float64        `json:"extent_lonlat"`
}

func previewBase(documentID uint) string {
	return path.Join("previews", "document-"+strconv.FormatUint(uint64(documentID), 10))
}

// PreviewSplit computes the divisions the cutlines would produce without
// writing anything.
func (m *Machine) PreviewSplit(ctx context.Context, doc models.Document, p PreparationInput) ([]splitter.Division, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	w, h := doc.Size()
	if w <= 0 || h <= 0 {
		img, err := m.images.Load(ctx, m.files, doc.SourceKey())
		if err != nil {
			return nil, err
		}
		size := img.Bounds().Size()
		w, h = size.X, size.Y
	}
	lines := p.Lines()
	if !p.SplitNeeded {
		lines = nil
	}
	return splitter.Preview(image.Pt(w, h), lines)
}

// PreviewGeoreference fits the submitted points, warps the document and
// registers the result with the preview service. Nothing is merged into
// the stored control points.
func (m *Machine) PreviewGeoreference(ctx context.Context, id uint, user string, in GeoreferenceInput) (*GeoreferencePreview, error) {
	s, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if user == "" || user != s.User {
		return nil, errors.Wrapf(errs.ErrLockConflict, "session %d belongs to %s", id, s.User)
	}
	if s.Kind != models.SessionGeoreference || !s.Active() || s.Running {
		return nil, errors.Wrapf(errs.ErrInvalidTransition, "session %d cannot be previewed", id)
	}
	if err := in.Validate(); err != nil {
		return nil, err
	}
	features, err := in.Features()
	if err != nil {
		return nil, err
	}
	pairs, err := gcp.FeaturePairs(in.SRID(), features)
	if err != nil {
		return nil, err
	}
	sol, err := solver.Solve(solver.Input{Transformation: in.Family(), Points: pairs})
	if err != nil {
		return nil, err
	}

	doc, err := models.GetDocument(m.db.WithContext(ctx), s.ResourceID)
	if err != nil {
		return nil, err
	}
	img, err := m.images.Load(ctx, m.files, doc.SourceKey())
	if err != nil {
		return nil, err
	}
	raster, err := rectify.Rectify(ctx, img, sol.Transform, in.SRID())
	if err != nil {
		return nil, err
	}
	base := previewBase(doc.ID)
	if _, err := m.putRaster(ctx, base, raster); err != nil {
		return nil, err
	}

	e := raster.Extent()
	ll, err := raster.LonLatExtent()
	if err != nil {
		return nil, err
	}
	out := &GeoreferencePreview{
		Residuals: sol.Residuals,
		RMS:       sol.RMS,
		Extent:    [4]float64{e.Min[0], e.Min[1], e.Max[0], e.Max[1]},
		LonLat:    [4]float64{ll.Min[0], ll.Min[1], ll.Max[0], ll.Max[1]},
	}
	if m.preview != nil {
		out.Endpoint = m.preview.Endpoint()
		if p, ok := m.files.LocalPath(base + ".tif"); ok {
			if out.Layer, err = m.preview.Add(p); err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

// dropPreview unregisters and deletes the preview raster of a document.
func (m *Machine) dropPreview(ctx context.Context, documentID uint) {
	base := previewBase(documentID)
	if m.preview != nil {
		if p, ok := m.files.LocalPath(base + ".tif"); ok {
			if err := m.preview.Remove(p); err != nil {
				log.Warnf("remove preview of document %d: %v", documentID, err)
			}
		}
	}
	m.discard(ctx, rasterKeys(base+".tif"))
}

// PreviewTrim renders the crop style of a mask without storing it.
func (m *Machine) PreviewTrim(ctx context.Context, layer models.Layer, p TrimInput) (string, error) {
	poly, err := p.Polygon()
	if err != nil {
		return "", err
	}
	raster, err := m.loadRaster(ctx, layer.RasterKey())
	if err != nil {
		return "", err
	}
	masked, err := masker.Apply(raster, poly)
	if err != nil {
		return "", err
	}
	return masked.SLD(m.workspace, layer.Slug, false), nil
}

// TrimStyle is the stored crop style of a layer, empty without a mask.
func (m *Machine) TrimStyle(ctx context.Context, layer models.Layer) (string, error) {
	poly, err := m.storedMask(ctx, layer)
	if err != nil || poly == nil {
		return "", err
	}
	raster, err := m.loadRaster(ctx, layer.RasterKey())
	if err != nil {
		return "", err
	}
	masked, err := masker.Apply(raster, poly)
	if err != nil {
		return "", err
	}
	return masked.SLD(m.workspace, layer.Slug, false), nil
}

// TrimmedRaster is the layer raster with everything outside the stored mask
// made transparent and cropped to the mask. Without a mask the raster is
// returned as stored.
func (m *Machine) TrimmedRaster(ctx context.Context, layer models.Layer) (*rectify.Raster, error) {
	poly, err := m.storedMask(ctx, layer)
	if err != nil {
		return nil, err
	}
	raster, err := m.loadRaster(ctx, layer.RasterKey())
	if err != nil || poly == nil {
		return raster, err
	}
	masked, err := masker.Apply(raster, poly)
	if err != nil {
		return nil, err
	}
	return masked.Render(), nil
}

// storedMask is the mask polygon of layer, nil without one.
func (m *Machine) storedMask(ctx context.Context, layer models.Layer) (orb.Polygon, error) {
	var mask models.LayerMask
	err := m.db.WithContext(ctx).Where("layer_id = ?", layer.ID).Limit(1).Find(&mask).Error
	if err != nil {
		return nil, errs.Storage(err, "load mask of layer %d", layer.ID)
	}
	if mask.ID == 0 {
		return nil, nil
	}
	return masker.ParseWKT(mask.WKT)
}

func (m *Machine) mergeGCPs(ctx context.Context, s *models.Session, g GeoreferenceInput, user string) error {
	features, err := g.Features()
	if err != nil {
		return err
	}
	_, _, err = gcp.Merge(m.db.WithContext(ctx), s.ResourceID, string(g.Family()), g.SRID(), features, user)
	return err
}
