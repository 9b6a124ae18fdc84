// Package lookup keeps a serialized copy of every document and layer so
// listing pages and collection summaries never walk links and sessions.
package lookup

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/paulmach/orb"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/GrainArc/GeoRef/crs"
	"github.com/GrainArc/GeoRef/errs"
	"github.com/GrainArc/GeoRef/gcp"
	"github.com/GrainArc/GeoRef/models"
	"github.com/GrainArc/GeoRef/sessions"
)

// SessionInfo is the part of a session shown next to an item.
type SessionInfo struct {
	ID          uint               `json:"id"`
	Type        models.SessionKind `json:"type"`
	User        string             `json:"user"`
	Stage       models.Stage       `json:"stage"`
	Status      string             `json:"status"`
	DateCreated time.Time          `json:"date_created"`
	DateRun     *time.Time         `json:"date_run"`
}

// Entry is the cached view of one item. Extent is WGS84
// [minx, miny, maxx, maxy], nil when the item has none.
type Entry struct {
	ID             uint                  `json:"id"`
	Type           models.Kind           `json:"type"`
	Title          string                `json:"title"`
	Slug           string                `json:"slug"`
	Status         string                `json:"status"`
	URLs           map[string]string     `json:"urls"`
	ImageSize      []int                 `json:"image_size,omitempty"`
	Extent         []float64             `json:"extent"`
	Parent         *uint                 `json:"parent,omitempty"`
	Children       []uint                `json:"children,omitempty"`
	Layer          string                `json:"layer,omitempty"`
	Document       *uint                 `json:"document,omitempty"`
	GCPs           json.RawMessage       `json:"gcps_geojson,omitempty"`
	Transformation string                `json:"transformation,omitempty"`
	Sessions       []SessionInfo         `json:"session_data"`
	Lock           sessions.ResourceLock `json:"lock"`
}

type Cache struct {
	db *gorm.DB
	// prefix of file urls, e.g. /media/
	media string
}

var (
	cacheInstance *Cache
	cacheOnce     sync.Once
)

// InitCache sets up the process wide cache.
func InitCache(db *gorm.DB, media string) {
	cacheOnce.Do(func() {
		cacheInstance = New(db, media)
	})
}

func GetCache() *Cache {
	return cacheInstance
}

func New(db *gorm.DB, media string) *Cache {
	if media == "" {
		media = "/media/"
	}
	return &Cache{db: db, media: media}
}

// Refresh rebuilds the entry of r from the database. A document's linked
// layer is refreshed with it, and the collection extent follows.
func (c *Cache) Refresh(ctx context.Context, r models.Resource) error {
	db := c.db.WithContext(ctx)
	item := r.Base()
	entry, err := c.build(db, item.Kind, item.ID)
	if errors.Is(err, errs.ErrNotFound) {
		return c.Forget(ctx, item.Kind, item.ID)
	}
	if err != nil {
		return err
	}
	if err := upsert(db, entry); err != nil {
		return err
	}

	if item.Kind == models.KindDocument {
		layer, err := models.LinkedLayer(db, item.ID)
		if err != nil {
			return err
		}
		if layer != nil {
			le, err := c.build(db, models.KindLayer, layer.ID)
			if err != nil {
				return err
			}
			if err := upsert(db, le); err != nil {
				return err
			}
		}
	}
	if entry.collection != nil {
		return updateExtent(db, *entry.collection)
	}
	return nil
}

// Forget drops the entry of a deleted item.
func (c *Cache) Forget(ctx context.Context, kind models.Kind, id uint) error {
	db := c.db.WithContext(ctx)
	var old models.LookupEntry
	if err := db.Where("resource_kind = ? AND resource_id = ?", kind, id).Limit(1).Find(&old).Error; err != nil {
		return errs.Storage(err, "load lookup of %s %d", kind, id)
	}
	if old.ID == 0 {
		return nil
	}
	if err := db.Delete(&models.LookupEntry{}, old.ID).Error; err != nil {
		return errs.Storage(err, "delete lookup of %s %d", kind, id)
	}
	if kind == models.KindLayer && old.CollectionID != nil {
		return updateExtent(db, *old.CollectionID)
	}
	return nil
}

// Get returns the cached entry of an item.
func (c *Cache) Get(ctx context.Context, kind models.Kind, id uint) (*Entry, error) {
	var row models.LookupEntry
	err := c.db.WithContext(ctx).Where("resource_kind = ? AND resource_id = ?", kind, id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.Wrapf(errs.ErrNotFound, "lookup of %s %d", kind, id)
	}
	if err != nil {
		return nil, errs.Storage(err, "load lookup of %s %d", kind, id)
	}
	var e Entry
	if err := json.Unmarshal(row.Data, &e); err != nil {
		return nil, errors.Wrapf(err, "decode lookup of %s %d", kind, id)
	}
	return &e, nil
}

// Rebuild deletes and regenerates the entries of a collection, or of every
// item when collectionID is 0. It returns the number of entries written.
func (c *Cache) Rebuild(ctx context.Context, collectionID uint) (int, error) {
	db := c.db.WithContext(ctx)
	q := db.Model(&models.Item{})
	if collectionID != 0 {
		q = q.Where("collection_id = ?", collectionID)
	}
	var items []models.Item
	if err := q.Order("id").Find(&items).Error; err != nil {
		return 0, errs.Storage(err, "list items")
	}

	entries := make([]*built, len(items))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i := range items {
		i := i
		g.Go(func() error {
			e, err := c.build(c.db.WithContext(gctx), items[i].Kind, items[i].ID)
			if err != nil {
				return err
			}
			entries[i] = e
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	collections := map[uint]bool{}
	err := db.Transaction(func(tx *gorm.DB) error {
		del := tx.Where("1 = 1")
		if collectionID != 0 {
			del = tx.Where("collection_id = ?", collectionID)
		}
		if err := del.Delete(&models.LookupEntry{}).Error; err != nil {
			return errs.Storage(err, "clear lookups")
		}
		for _, e := range entries {
			if err := upsert(tx, e); err != nil {
				return err
			}
			if e.collection != nil {
				collections[*e.collection] = true
			}
		}
		for id := range collections {
			if err := updateExtent(tx, id); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	log.WithFields(log.Fields{"collection": collectionID, "entries": len(entries)}).Info("lookups rebuilt")
	return len(entries), nil
}

// built is an entry plus the columns stored beside it.
type built struct {
	Entry
	collection *uint
}

func upsert(db *gorm.DB, e *built) error {
	data, err := json.Marshal(e.Entry)
	if err != nil {
		return errors.Wrapf(err, "encode lookup of %s %d", e.Type, e.ID)
	}
	row := models.LookupEntry{
		CollectionID: e.collection,
		ResourceKind: e.Type,
		ResourceID:   e.ID,
		Data:         data,
	}
	err = db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "resource_kind"}, {Name: "resource_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"collection_id", "data", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return errs.Storage(err, "store lookup of %s %d", e.Type, e.ID)
	}
	return nil
}

func (c *Cache) build(db *gorm.DB, kind models.Kind, id uint) (*built, error) {
	var (
		res models.Resource
		err error
	)
	if kind == models.KindLayer {
		res, err = models.GetLayer(db, id)
	} else {
		res, err = models.GetDocument(db, id)
	}
	if err != nil {
		return nil, err
	}
	item := res.Base()
	e := &built{collection: item.CollectionID}
	e.ID, e.Type, e.Title, e.Slug, e.Status = item.ID, item.Kind, item.Title, item.Slug, item.Status
	e.URLs = map[string]string{}
	if item.FileKey != "" {
		e.URLs["image"] = c.media + item.FileKey
	}
	if e.Extent, err = wgs84Extent(item); err != nil {
		return nil, err
	}

	switch v := res.(type) {
	case models.Document:
		if err := c.document(db, v, e); err != nil {
			return nil, err
		}
	case models.Layer:
		if err := c.layer(db, v, e); err != nil {
			return nil, err
		}
	}

	var history []models.Session
	if err := db.Where("resource_kind = ? AND resource_id = ?", item.Kind, item.ID).Order("id").Find(&history).Error; err != nil {
		return nil, errs.Storage(err, "load sessions of %s %d", item.Kind, item.ID)
	}
	e.Sessions = make([]SessionInfo, 0, len(history))
	for _, s := range history {
		e.Sessions = append(e.Sessions, SessionInfo{
			ID:          s.ID,
			Type:        s.Kind,
			User:        s.User,
			Stage:       s.Stage,
			Status:      s.Status,
			DateCreated: s.CreatedAt,
			DateRun:     s.DateRun,
		})
		if s.Active() {
			e.Lock = lockOf(&s)
		}
	}
	return e, nil
}

// lockOf is the lock as anyone but the session owner sees it; requesters
// get their own view from sessions.LockFor.
func lockOf(s *models.Session) sessions.ResourceLock {
	return sessions.ResourceLock{
		Enabled: true,
		Stage:   string(s.Stage),
		Type:    sessions.LockAuthenticated,
		Owner:   s.User,
		Session: s.ID,
	}
}

func (c *Cache) document(db *gorm.DB, d models.Document, e *built) error {
	e.ImageSize = []int{d.Width, d.Height}
	e.URLs["split"] = fmt.Sprintf("/georef/split/%d", d.ID)
	e.URLs["georeference"] = fmt.Sprintf("/georef/georeference/%d", d.ID)

	parent, err := models.Parent(db, d.ID)
	if err != nil {
		return err
	}
	if parent != nil {
		e.Parent = &parent.ID
	}
	children, err := models.Children(db, d.ID)
	if err != nil {
		return err
	}
	for _, child := range children {
		e.Children = append(e.Children, child.ID)
	}
	layer, err := models.LinkedLayer(db, d.ID)
	if err != nil {
		return err
	}
	if layer != nil {
		e.Layer = layer.Slug
	}

	set, err := gcp.SetForDocument(db, d.ID)
	if err != nil || set == nil {
		return err
	}
	points, err := gcp.Points(db, set.ID)
	if err != nil {
		return err
	}
	if e.GCPs, err = gcp.MarshalFeatureCollection(points); err != nil {
		return err
	}
	e.Transformation = set.Transformation
	return nil
}

func (c *Cache) layer(db *gorm.DB, l models.Layer, e *built) error {
	e.URLs["trim"] = fmt.Sprintf("/georef/trim/%d", l.ID)
	doc, err := models.SourceDocument(db, l.ID)
	if err != nil {
		return err
	}
	if doc != nil {
		e.Document = &doc.ID
		e.URLs["georeference"] = fmt.Sprintf("/georef/georeference/%d", doc.ID)
	}
	return nil
}

func wgs84Extent(item *models.Item) ([]float64, error) {
	b, ok := item.Extent()
	if !ok {
		return nil, nil
	}
	ll, err := crs.UnprojectBound(item.EPSG, b)
	if err != nil {
		return nil, err
	}
	return []float64{ll.Min[0], ll.Min[1], ll.Max[0], ll.Max[1]}, nil
}

// updateExtent stores the union of the layer extents of a collection.
func updateExtent(db *gorm.DB, collectionID uint) error {
	var layers []models.Item
	err := db.Where("collection_id = ? AND kind = ? AND x0 IS NOT NULL", collectionID, models.KindLayer).Find(&layers).Error
	if err != nil {
		return errs.Storage(err, "load layers of collection %d", collectionID)
	}
	var (
		union orb.Bound
		found bool
	)
	for i := range layers {
		ext, err := wgs84Extent(&layers[i])
		if err != nil || ext == nil {
			continue
		}
		b := orb.Bound{Min: orb.Point{ext[0], ext[1]}, Max: orb.Point{ext[2], ext[3]}}
		if !found {
			union, found = b, true
		} else {
			union = union.Union(b)
		}
	}
	extent := ""
	if found {
		extent = fmt.Sprintf("%g,%g,%g,%g", union.Min[0], union.Min[1], union.Max[0], union.Max[1])
	}
	if err := db.Model(&models.Collection{}).Where("id = ?", collectionID).Update("extent", extent).Error; err != nil {
		return errs.Storage(err, "update extent of collection %d", collectionID)
	}
	return nil
}
