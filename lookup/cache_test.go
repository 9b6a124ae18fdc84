package lookup

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/GrainArc/GeoRef/crs"
	"github.com/GrainArc/GeoRef/errs"
	"github.com/GrainArc/GeoRef/gcp"
	"github.com/GrainArc/GeoRef/models"
	"github.com/GrainArc/GeoRef/sessions"
)

func openDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := models.OpenSQLite(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name()))
	require.NoError(t, err)
	return db
}

func collection(t *testing.T, db *gorm.DB) *models.Collection {
	t.Helper()
	col := &models.Collection{Identifier: "sanborn04219_001", Title: "Baton Rouge 1885"}
	require.NoError(t, db.Create(col).Error)
	return col
}

func item(t *testing.T, db *gorm.DB, col *models.Collection, kind models.Kind, slug, status string) *models.Item {
	t.Helper()
	it := &models.Item{Kind: kind, Title: slug, Slug: slug, Status: status, FileKey: "documents/" + slug + ".png", Width: 40, Height: 30}
	if col != nil {
		it.CollectionID = &col.ID
	}
	require.NoError(t, db.Create(it).Error)
	return it
}

func georefLayer(t *testing.T, db *gorm.DB, col *models.Collection, doc *models.Item) *models.Item {
	t.Helper()
	layer := &models.Item{Kind: models.KindLayer, Title: doc.Title, Slug: doc.Slug, Status: models.StatusGeoreferenced, EPSG: crs.WebMercator, CollectionID: &col.ID}
	lo, err := crs.Project(crs.WebMercator, orb.Point{-91.2, 30.4})
	require.NoError(t, err)
	hi, err := crs.Project(crs.WebMercator, orb.Point{-91.1, 30.5})
	require.NoError(t, err)
	layer.SetExtent(orb.Bound{Min: lo, Max: hi})
	require.NoError(t, db.Create(layer).Error)
	require.NoError(t, db.Create(&models.Link{SourceID: doc.ID, TargetKind: models.KindLayer, TargetID: layer.ID, LinkType: models.LinkGeoreference}).Error)
	return layer
}

func count(t *testing.T, db *gorm.DB) int64 {
	t.Helper()
	var n int64
	require.NoError(t, db.Model(&models.LookupEntry{}).Count(&n).Error)
	return n
}

func TestRefreshDocumentWithLayer(t *testing.T) {
	db := openDB(t)
	ctx := context.Background()
	col := collection(t, db)
	doc := item(t, db, col, models.KindDocument, "p1", models.StatusGeoreferenced)
	layer := georefLayer(t, db, col, doc)
	_, _, err := gcp.Merge(db, doc.ID, "poly1", crs.WebMercator, []gcp.Feature{
		{ID: "a", Pixel: [2]int{1, 2}, LonLat: orb.Point{-91.2, 30.5}, Username: "ann"},
	}, "ann")
	require.NoError(t, err)

	c := New(db, "")
	require.NoError(t, c.Refresh(ctx, models.Document{Item: doc}))
	require.NoError(t, c.Refresh(ctx, models.Document{Item: doc}))
	assert.EqualValues(t, 2, count(t, db))

	de, err := c.Get(ctx, models.KindDocument, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, "p1", de.Layer)
	assert.Equal(t, "poly1", de.Transformation)
	assert.Contains(t, string(de.GCPs), `"FeatureCollection"`)
	assert.Equal(t, []int{40, 30}, de.ImageSize)
	assert.Equal(t, "/media/documents/p1.png", de.URLs["image"])
	assert.Equal(t, fmt.Sprintf("/georef/georeference/%d", doc.ID), de.URLs["georeference"])
	assert.Nil(t, de.Extent)
	assert.False(t, de.Lock.Enabled)

	le, err := c.Get(ctx, models.KindLayer, layer.ID)
	require.NoError(t, err)
	require.NotNil(t, le.Document)
	assert.Equal(t, doc.ID, *le.Document)
	require.Len(t, le.Extent, 4)
	assert.InDelta(t, -91.2, le.Extent[0], 1e-9)
	assert.InDelta(t, 30.5, le.Extent[3], 1e-9)

	var stored models.Collection
	require.NoError(t, db.First(&stored, col.ID).Error)
	assert.NotEmpty(t, stored.Extent)

	require.NoError(t, db.Delete(&models.Item{}, layer.ID).Error)
	require.NoError(t, c.Forget(ctx, models.KindLayer, layer.ID))
	require.NoError(t, c.Forget(ctx, models.KindLayer, layer.ID))
	_, err = c.Get(ctx, models.KindLayer, layer.ID)
	assert.ErrorIs(t, err, errs.ErrNotFound)
	require.NoError(t, db.First(&stored, col.ID).Error)
	assert.Empty(t, stored.Extent)
}

func TestRefreshSplitFamily(t *testing.T) {
	db := openDB(t)
	ctx := context.Background()
	parent := item(t, db, nil, models.KindDocument, "sheet", models.StatusSplit)
	var kids []uint
	for i := 1; i <= 2; i++ {
		child := item(t, db, nil, models.KindDocument, fmt.Sprintf("sheet-%d", i), models.StatusPrepared)
		require.NoError(t, db.Create(&models.Link{SourceID: parent.ID, TargetKind: models.KindDocument, TargetID: child.ID, LinkType: models.LinkSplit}).Error)
		kids = append(kids, child.ID)
	}

	c := New(db, "https://example.org/media/")
	require.NoError(t, c.Refresh(ctx, models.Document{Item: parent}))
	e, err := c.Get(ctx, models.KindDocument, parent.ID)
	require.NoError(t, err)
	assert.Equal(t, kids, e.Children)
	assert.Equal(t, "https://example.org/media/documents/sheet.png", e.URLs["image"])

	child, err := models.GetDocument(db, kids[1])
	require.NoError(t, err)
	require.NoError(t, c.Refresh(ctx, child))
	e, err = c.Get(ctx, models.KindDocument, kids[1])
	require.NoError(t, err)
	require.NotNil(t, e.Parent)
	assert.Equal(t, parent.ID, *e.Parent)

	// a vanished item is dropped on refresh
	require.NoError(t, db.Delete(&models.Item{}, kids[1]).Error)
	require.NoError(t, c.Refresh(ctx, child))
	_, err = c.Get(ctx, models.KindDocument, kids[1])
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func session(t *testing.T, db *gorm.DB, kind models.SessionKind, it *models.Item, user string, stage models.Stage) *models.Session {
	t.Helper()
	s := &models.Session{
		Kind:         kind,
		ResourceKind: it.Kind,
		ResourceID:   it.ID,
		Stage:        stage,
		Status:       models.SessionStatusSuccess,
		User:         user,
	}
	if stage != models.StageFinished {
		key := models.ActiveKeyFor(it.Kind, it.ID)
		s.ActiveKey = &key
		s.Status = models.SessionStatusGettingInput
	}
	require.NoError(t, db.Create(s).Error)
	return s
}

func TestRebuildAndSummary(t *testing.T) {
	db := openDB(t)
	ctx := context.Background()
	col := collection(t, db)
	other := &models.Collection{Identifier: "other", Title: "Other"}
	require.NoError(t, db.Create(other).Error)

	item(t, db, col, models.KindDocument, "p3", models.StatusUnprepared)
	splitting := item(t, db, col, models.KindDocument, "p1", models.StatusSplitting)
	item(t, db, col, models.KindDocument, "p2", models.StatusPrepared)
	georefd := item(t, db, col, models.KindDocument, "p5", models.StatusGeoreferenced)
	georefLayer(t, db, col, georefd)
	item(t, db, col, models.KindDocument, "p4", models.StatusTrimming)
	item(t, db, col, models.KindDocument, "cover", models.StatusNonMap)
	item(t, db, col, models.KindDocument, "p0", models.StatusSplit)
	item(t, db, other, models.KindDocument, "elsewhere", models.StatusPrepared)

	session(t, db, models.SessionPreparation, splitting, "ann", models.StageInput)
	session(t, db, models.SessionPreparation, georefd, "bob", models.StageFinished)
	session(t, db, models.SessionGeoreference, georefd, "ann", models.StageFinished)
	session(t, db, models.SessionGeoreference, georefd, "ann", models.StageFinished)

	c := New(db, "")
	n, err := c.Rebuild(ctx, col.ID)
	require.NoError(t, err)
	assert.Equal(t, 8, n)
	n, err = c.Rebuild(ctx, col.ID)
	require.NoError(t, err)
	assert.Equal(t, 8, n)
	assert.EqualValues(t, 8, count(t, db))

	s, err := c.Summary(ctx, col.ID)
	require.NoError(t, err)
	assert.Equal(t, "sanborn04219_001", s.Identifier)
	assert.NotEmpty(t, s.Extent)

	slugs := func(list []Entry) []string {
		var out []string
		for _, e := range list {
			out = append(out, e.Slug)
		}
		return out
	}
	assert.Equal(t, []string{"p1", "p3"}, slugs(s.Items.Unprepared))
	assert.Equal(t, []string{"p2"}, slugs(s.Items.Prepared))
	assert.Equal(t, []string{"p4", "p5"}, slugs(s.Items.Georeferenced))
	assert.Equal(t, []string{"cover"}, slugs(s.Items.NonMaps))
	assert.Equal(t, []string{"p5"}, slugs(s.Items.Layers))
	assert.Equal(t, Processing{Unprep: 1, GeoTrim: 1}, s.Items.Processing)
	assert.Equal(t, Progress{UnprepCount: 2, PrepCount: 1, GeorefCount: 2, Percent: 40}, s.Progress)

	assert.Equal(t, 2, s.Activity.PrepCount)
	assert.Equal(t, 2, s.Activity.GeorefCount)
	assert.Equal(t, []Contributor{{Name: "ann", Count: 2}}, s.Activity.GeorefContributors)
	assert.Equal(t, []Contributor{{Name: "ann", Count: 1}, {Name: "bob", Count: 1}}, s.Activity.PrepContributors)

	locked := s.Items.Unprepared[0]
	assert.True(t, locked.Lock.Enabled)
	assert.Equal(t, "ann", locked.Lock.Owner)

	all, err := c.Rebuild(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 9, all)

	_, err = c.Summary(ctx, 999)
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestMachineRefreshesLookups(t *testing.T) {
	db := openDB(t)
	ctx := context.Background()
	doc := item(t, db, nil, models.KindDocument, "sheet", models.StatusUnprepared)
	c := New(db, "")
	m := sessions.New(sessions.Options{DB: db, Refresher: c})

	s, err := m.Start(ctx, models.SessionPreparation, models.Document{Item: doc}, "ann")
	require.NoError(t, err)
	e, err := c.Get(ctx, models.KindDocument, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSplitting, e.Status)
	assert.Equal(t, sessions.ResourceLock{Enabled: true, Stage: "input", Type: sessions.LockAuthenticated, Owner: "ann", Session: s.ID}, e.Lock)

	_, err = m.Submit(ctx, s.ID, "ann", sessions.PreparationInput{})
	require.NoError(t, err)
	e, err = c.Get(ctx, models.KindDocument, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPrepared, e.Status)
	assert.False(t, e.Lock.Enabled)
	require.Len(t, e.Sessions, 1)
	assert.Equal(t, models.StageFinished, e.Sessions[0].Stage)
	assert.WithinDuration(t, time.Now(), e.Sessions[0].DateCreated, time.Minute)
}
