package views

import (
	"context"
	"mime"
	"net/http"
	"path"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/paulmach/orb/geojson"
	"github.com/pkg/errors"

	"github.com/GrainArc/GeoRef/errs"
	"github.com/GrainArc/GeoRef/gcp"
	"github.com/GrainArc/GeoRef/models"
	"github.com/GrainArc/GeoRef/sessions"
)

func (h *GeorefHandler) gcps(ctx context.Context, documentID uint) (*geojson.FeatureCollection, *models.ControlPointSet, error) {
	db := h.db.WithContext(ctx)
	set, err := gcp.SetForDocument(db, documentID)
	if err != nil {
		return nil, nil, err
	}
	if set == nil {
		return geojson.NewFeatureCollection(), nil, nil
	}
	points, err := gcp.Points(db, set.ID)
	if err != nil {
		return nil, nil, err
	}
	return gcp.FeatureCollection(points), set, nil
}

// GCPs GET /georef/gcps/:docid
func (h *GeorefHandler) GCPs(c *gin.Context) {
	doc, err := h.document(c)
	if err != nil {
		fail(c, err)
		return
	}
	fc, _, err := h.gcps(c.Request.Context(), doc.ID)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, fc)
}

// PointsFile GET /georef/gcps/:docid/points
func (h *GeorefHandler) PointsFile(c *gin.Context) {
	doc, err := h.document(c)
	if err != nil {
		fail(c, err)
		return
	}
	db := h.db.WithContext(c.Request.Context())
	set, err := gcp.SetForDocument(db, doc.ID)
	if err != nil {
		fail(c, err)
		return
	}
	if set == nil {
		fail(c, errors.Wrapf(errs.ErrNotFound, "document %d has no control points", doc.ID))
		return
	}
	points, err := gcp.Points(db, set.ID)
	if err != nil {
		fail(c, err)
		return
	}
	body, err := gcp.PointsFile(set, points)
	if err != nil {
		fail(c, err)
		return
	}
	name := doc.Slug
	if name == "" {
		name = "gcps"
	}
	c.Header("Content-Disposition", `attachment; filename="`+name+`.points"`)
	c.Data(http.StatusOK, "text/plain; charset=utf-8", []byte(body))
}

// CollectionSummary GET /georef/summary/:collection
func (h *GeorefHandler) CollectionSummary(c *gin.Context) {
	id, err := uintParam(c, "collection")
	if err != nil {
		fail(c, err)
		return
	}
	summary, err := h.cache.Summary(c.Request.Context(), id)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

// Lookup GET /georef/lookup/:kind/:id
// The cached lock is replaced by the one the caller sees.
func (h *GeorefHandler) Lookup(c *gin.Context) {
	ctx := c.Request.Context()
	kind := models.Kind(c.Param("kind"))
	if kind != models.KindDocument && kind != models.KindLayer {
		fail(c, errors.Wrapf(errs.ErrInvalidInput, "unknown item type %q", kind))
		return
	}
	id, err := uintParam(c, "id")
	if err != nil {
		fail(c, err)
		return
	}
	entry, err := h.cache.Get(ctx, kind, id)
	if errors.Is(err, errs.ErrNotFound) {
		// not cached yet
		var item models.Item
		if err := h.db.WithContext(ctx).Where("id = ? AND kind = ?", id, kind).First(&item).Error; err != nil {
			fail(c, errors.Wrapf(errs.ErrNotFound, "%s %d", kind, id))
			return
		}
		if err := h.cache.Refresh(ctx, models.Wrap(&item)); err != nil {
			fail(c, err)
			return
		}
		entry, err = h.cache.Get(ctx, kind, id)
	}
	if err != nil {
		fail(c, err)
		return
	}
	if entry.Lock, err = sessions.LockFor(h.db.WithContext(ctx), kind, id, username(c)); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, entry)
}

// Session GET /georef/session/:id
func (h *GeorefHandler) Session(c *gin.Context) {
	id, err := uintParam(c, "id")
	if err != nil {
		fail(c, err)
		return
	}
	s, err := h.machine.Get(c.Request.Context(), id)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "session": s})
}

// File GET /media/*key
func (h *GeorefHandler) File(c *gin.Context) {
	key := strings.TrimPrefix(path.Clean(c.Param("key")), "/")
	if key == "" || key == "." || strings.HasPrefix(key, "..") {
		fail(c, errors.Wrapf(errs.ErrInvalidInput, "bad file key %q", c.Param("key")))
		return
	}
	rc, err := h.media.Reader(c.Request.Context(), key)
	if err != nil {
		fail(c, err)
		return
	}
	defer rc.Close()
	contentType := mime.TypeByExtension(path.Ext(key))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	c.DataFromReader(http.StatusOK, -1, contentType, rc, nil)
}
