package views

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/GrainArc/GeoRef/errs"
	"github.com/GrainArc/GeoRef/lookup"
	"github.com/GrainArc/GeoRef/models"
	"github.com/GrainArc/GeoRef/sessions"
)

// UserHeader carries the caller identity set by the fronting proxy. A
// request without it is unauthenticated.
const UserHeader = "X-Username"

// Media serves stored files under /media/.
type Media interface {
	Reader(ctx context.Context, key string) (io.ReadCloser, error)
}

type GeorefHandler struct {
	db      *gorm.DB
	machine *sessions.Machine
	cache   *lookup.Cache
	media   Media
}

func NewGeorefHandler(db *gorm.DB, machine *sessions.Machine, cache *lookup.Cache, media Media) *GeorefHandler {
	return &GeorefHandler{db: db, machine: machine, cache: cache, media: media}
}

// operationRequest is the body of every POST on the split, georeference
// and trim endpoints.
type operationRequest struct {
	Operation      string          `json:"operation"`
	SessionID      uint            `json:"sesh_id"`
	Lines          [][][2]float64  `json:"lines"`
	GCPs           json.RawMessage `json:"gcp_geojson"`
	Transformation string          `json:"transformation"`
	EPSG           int             `json:"epsg"`
	Mask           [][]float64     `json:"mask_coords"`
	Geometry       json.RawMessage `json:"geometry"`
}

func username(c *gin.Context) string {
	return c.GetHeader(UserHeader)
}

func fail(c *gin.Context, err error) {
	status := errs.Status(err)
	if status >= http.StatusInternalServerError {
		log.WithFields(log.Fields{"path": c.Request.URL.Path}).Errorf("request failed: %v", err)
	}
	c.JSON(status, errs.NewResponse(err))
}

func uintParam(c *gin.Context, name string) (uint, error) {
	v, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil || v == 0 {
		return 0, errors.Wrapf(errs.ErrInvalidInput, "bad %s %q", name, c.Param(name))
	}
	return uint(v), nil
}

func (h *GeorefHandler) document(c *gin.Context) (models.Document, error) {
	id, err := uintParam(c, "docid")
	if err != nil {
		return models.Document{}, err
	}
	return models.GetDocument(h.db.WithContext(c.Request.Context()), id)
}

func (h *GeorefHandler) layer(c *gin.Context) (models.Layer, error) {
	id, err := uintParam(c, "layerid")
	if err != nil {
		return models.Layer{}, err
	}
	return models.GetLayer(h.db.WithContext(c.Request.Context()), id)
}

func bind(c *gin.Context) (operationRequest, error) {
	var req operationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		return req, errors.Wrapf(errs.ErrInvalidInput, "request body: %v", err)
	}
	return req, nil
}

// start opens (or resumes) the caller's session when the resource is free.
// Locked and anonymous callers get the lock and no session.
func (h *GeorefHandler) start(c *gin.Context, kind models.SessionKind, r models.Resource, extra gin.H) {
	ctx := c.Request.Context()
	user := username(c)
	lock, err := h.machine.Lock(ctx, r, user)
	if err != nil {
		fail(c, err)
		return
	}
	out := gin.H{"success": true, "lock": lock, "resource": r.Base()}
	if !lock.Enabled {
		s, err := h.machine.Start(ctx, kind, r, user)
		if err != nil {
			fail(c, err)
			return
		}
		out["session"] = s
		out["sesh_id"] = s.ID
	}
	for k, v := range extra {
		out[k] = v
	}
	c.JSON(http.StatusOK, out)
}

// sessionFor resolves the session an operation targets: the explicit id,
// else the active session on the resource.
func (h *GeorefHandler) sessionFor(c *gin.Context, req operationRequest, r models.Resource) (uint, error) {
	if req.SessionID != 0 {
		s, err := h.sessionOn(c, req.SessionID, r)
		if err != nil {
			return 0, err
		}
		return s.ID, nil
	}
	item := r.Base()
	active, err := sessions.ActiveSession(h.db.WithContext(c.Request.Context()), item.Kind, item.ID)
	if err != nil {
		return 0, err
	}
	if active == nil {
		return 0, errors.Wrapf(errs.ErrSessionNotFound, "no active session on %s %d", item.Kind, item.ID)
	}
	return active.ID, nil
}

// lastFinished is the most recent successful session of kind on r, the
// default target of undo.
func (h *GeorefHandler) lastFinished(c *gin.Context, req operationRequest, kind models.SessionKind, r models.Resource) (uint, error) {
	if req.SessionID != 0 {
		s, err := h.sessionOn(c, req.SessionID, r)
		if err != nil {
			return 0, err
		}
		if s.Kind != kind {
			return 0, errors.Wrapf(errs.ErrSessionNotFound, "session %d is a %s session", s.ID, s.Kind)
		}
		return s.ID, nil
	}
	item := r.Base()
	var s models.Session
	err := h.db.WithContext(c.Request.Context()).
		Where("kind = ? AND resource_kind = ? AND resource_id = ? AND stage = ? AND status = ?",
			kind, item.Kind, item.ID, models.StageFinished, models.SessionStatusSuccess).
		Order("id desc").First(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, errors.Wrapf(errs.ErrSessionNotFound, "no session to undo on %s %d", item.Kind, item.ID)
	}
	if err != nil {
		return 0, errs.Storage(err, "load sessions of %s %d", item.Kind, item.ID)
	}
	return s.ID, nil
}

// sessionOn loads session id and checks that it was opened on r.
func (h *GeorefHandler) sessionOn(c *gin.Context, id uint, r models.Resource) (*models.Session, error) {
	s, err := h.machine.Get(c.Request.Context(), id)
	if err != nil {
		return nil, err
	}
	item := r.Base()
	if s.ResourceKind != item.Kind || s.ResourceID != item.ID {
		return nil, errors.Wrapf(errs.ErrSessionNotFound, "session %d is not on %s %d", id, item.Kind, item.ID)
	}
	return s, nil
}

func (h *GeorefHandler) submit(c *gin.Context, req operationRequest, r models.Resource, p sessions.Payload) {
	id, err := h.sessionFor(c, req, r)
	if err != nil {
		fail(c, err)
		return
	}
	s, err := h.machine.Submit(c.Request.Context(), id, username(c), p)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": s.Status != models.SessionStatusFailed,
		"status":  s.Status,
		"message": s.Message,
		"session": s,
	})
}

func (h *GeorefHandler) cancel(c *gin.Context, req operationRequest, r models.Resource) {
	id, err := h.sessionFor(c, req, r)
	if err != nil {
		fail(c, err)
		return
	}
	if err := h.machine.Cancel(c.Request.Context(), id, username(c)); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, errs.NewResponse(nil))
}

func (h *GeorefHandler) undo(c *gin.Context, req operationRequest, kind models.SessionKind, r models.Resource) {
	id, err := h.lastFinished(c, req, kind, r)
	if err != nil {
		fail(c, err)
		return
	}
	if err := h.machine.Undo(c.Request.Context(), id, username(c)); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, errs.NewResponse(nil))
}

func badOperation(c *gin.Context, op string) {
	fail(c, errors.Wrapf(errs.ErrInvalidInput, "unknown operation %q", op))
}

// SplitStart GET /georef/split/:docid
func (h *GeorefHandler) SplitStart(c *gin.Context) {
	doc, err := h.document(c)
	if err != nil {
		fail(c, err)
		return
	}
	h.start(c, models.SessionPreparation, doc, gin.H{"image_size": []int{doc.Width, doc.Height}})
}

// SplitOperation POST /georef/split/:docid
func (h *GeorefHandler) SplitOperation(c *gin.Context) {
	doc, err := h.document(c)
	if err != nil {
		fail(c, err)
		return
	}
	req, err := bind(c)
	if err != nil {
		fail(c, err)
		return
	}
	switch req.Operation {
	case "preview":
		divisions, err := h.machine.PreviewSplit(c.Request.Context(), doc, sessions.PreparationInput{Cutlines: req.Lines, SplitNeeded: true})
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "divisions": divisions})
	case "split":
		h.submit(c, req, doc, sessions.PreparationInput{Cutlines: req.Lines, SplitNeeded: true})
	case "no_split":
		h.submit(c, req, doc, sessions.PreparationInput{})
	case "cancel":
		h.cancel(c, req, doc)
	case "undo":
		h.undo(c, req, models.SessionPreparation, doc)
	default:
		badOperation(c, req.Operation)
	}
}

// GeoreferenceStart GET /georef/georeference/:docid
func (h *GeorefHandler) GeoreferenceStart(c *gin.Context) {
	doc, err := h.document(c)
	if err != nil {
		fail(c, err)
		return
	}
	fc, set, err := h.gcps(c.Request.Context(), doc.ID)
	if err != nil {
		fail(c, err)
		return
	}
	extra := gin.H{"gcp_geojson": fc, "image_size": []int{doc.Width, doc.Height}}
	if set != nil {
		extra["transformation"] = set.Transformation
		extra["epsg"] = set.EPSG
	}
	h.start(c, models.SessionGeoreference, doc, extra)
}

// GeoreferenceOperation POST /georef/georeference/:docid
func (h *GeorefHandler) GeoreferenceOperation(c *gin.Context) {
	doc, err := h.document(c)
	if err != nil {
		fail(c, err)
		return
	}
	req, err := bind(c)
	if err != nil {
		fail(c, err)
		return
	}
	in := sessions.GeoreferenceInput{GCPs: req.GCPs, Transformation: req.Transformation, EPSG: req.EPSG}
	switch req.Operation {
	case "", "preview":
		id, err := h.sessionFor(c, req, doc)
		if err != nil {
			fail(c, err)
			return
		}
		preview, err := h.machine.PreviewGeoreference(c.Request.Context(), id, username(c), in)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "status": "success", "message": "all good", "preview": preview})
	case "submit":
		h.submit(c, req, doc, in)
	case "cancel":
		h.cancel(c, req, doc)
	case "undo":
		h.undo(c, req, models.SessionGeoreference, doc)
	default:
		badOperation(c, req.Operation)
	}
}

// TrimStart GET /georef/trim/:layerid
func (h *GeorefHandler) TrimStart(c *gin.Context) {
	layer, err := h.layer(c)
	if err != nil {
		fail(c, err)
		return
	}
	sld, err := h.machine.TrimStyle(c.Request.Context(), layer)
	if err != nil {
		fail(c, err)
		return
	}
	h.start(c, models.SessionTrim, layer, gin.H{"sld_content": sld})
}

// TrimmedRaster GET /georef/trim/:layerid/raster
func (h *GeorefHandler) TrimmedRaster(c *gin.Context) {
	layer, err := h.layer(c)
	if err != nil {
		fail(c, err)
		return
	}
	raster, err := h.machine.TrimmedRaster(c.Request.Context(), layer)
	if err != nil {
		fail(c, err)
		return
	}
	c.Header("Content-Type", "image/tiff")
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="%s.tif"`, layer.Slug))
	c.Status(http.StatusOK)
	if err := raster.Encode(c.Writer); err != nil {
		log.WithFields(log.Fields{"layer": layer.ID}).Errorf("write trimmed raster: %v", err)
	}
}

// TrimOperation POST /georef/trim/:layerid
func (h *GeorefHandler) TrimOperation(c *gin.Context) {
	layer, err := h.layer(c)
	if err != nil {
		fail(c, err)
		return
	}
	req, err := bind(c)
	if err != nil {
		fail(c, err)
		return
	}
	in := sessions.TrimInput{Mask: req.Mask, Geometry: req.Geometry}
	switch req.Operation {
	case "preview":
		sld, err := h.machine.PreviewTrim(c.Request.Context(), layer, in)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "sld_content": sld})
	case "submit":
		h.submit(c, req, layer, in)
	case "cancel":
		h.cancel(c, req, layer)
	case "undo":
		h.undo(c, req, models.SessionTrim, layer)
	default:
		badOperation(c, req.Operation)
	}
}
