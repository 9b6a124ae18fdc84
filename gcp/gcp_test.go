package gcp

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/GrainArc/GeoRef/errs"
	"github.com/GrainArc/GeoRef/models"
)

const collection = `{
  "type": "FeatureCollection",
  "features": [
    {"type": "Feature", "properties": {"id": "a1", "image": [120, 80], "note": "church", "username": "ann"},
     "geometry": {"type": "Point", "coordinates": [-89.59, 40.69]}},
    {"type": "Feature", "properties": {"id": "b2", "image": [900, 60], "note": null, "username": "ann"},
     "geometry": {"type": "Point", "coordinates": [-89.57, 40.69]}},
    {"type": "Feature", "properties": {"id": "c3", "image": [880, 700], "note": "", "username": "ann"},
     "geometry": {"type": "Point", "coordinates": [-89.57, 40.68]}}
  ]
}`

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := models.OpenSQLite(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name()))
	require.NoError(t, err)
	return db
}

// countWrites registers callbacks counting every create, update and delete.
func countWrites(t *testing.T, db *gorm.DB) *int {
	n := new(int)
	inc := func(*gorm.DB) { *n++ }
	require.NoError(t, db.Callback().Create().After("gorm:create").Register("test:count_create", inc))
	require.NoError(t, db.Callback().Update().After("gorm:update").Register("test:count_update", inc))
	require.NoError(t, db.Callback().Delete().After("gorm:delete").Register("test:count_delete", inc))
	return n
}

func TestMergeIsIdempotent(t *testing.T) {
	db := testDB(t)
	features, err := Parse([]byte(collection))
	require.NoError(t, err)

	set, stats, err := Merge(db, 1, "poly1", 3857, features, "ann")
	require.NoError(t, err)
	assert.Equal(t, Stats{New: 3}, stats)

	writes := countWrites(t, db)
	_, stats, err = Merge(db, 1, "poly1", 3857, features, "ann")
	require.NoError(t, err)
	assert.Zero(t, stats.Writes())
	assert.Zero(t, *writes)

	points, err := Points(db, set.ID)
	require.NoError(t, err)
	require.Len(t, points, 3)
	assert.Equal(t, []string{"a1", "b2", "c3"}, []string{points[0].ID, points[1].ID, points[2].ID})
}

func TestMergeDeletesMissingPoint(t *testing.T) {
	db := testDB(t)
	features, err := Parse([]byte(collection))
	require.NoError(t, err)
	set, _, err := Merge(db, 1, "poly1", 3857, features, "ann")
	require.NoError(t, err)

	_, stats, err := Merge(db, 1, "poly1", 3857, features[:2], "bob")
	require.NoError(t, err)
	assert.Equal(t, Stats{Del: 1}, stats)

	points, err := Points(db, set.ID)
	require.NoError(t, err)
	require.Len(t, points, 2)
	for _, p := range points {
		assert.NotEqual(t, "c3", p.ID)
	}
}

func TestMergeUpdatesOnlyChangedPoints(t *testing.T) {
	db := testDB(t)
	features, err := Parse([]byte(collection))
	require.NoError(t, err)
	set, _, err := Merge(db, 1, "poly1", 3857, features, "ann")
	require.NoError(t, err)

	before, err := Points(db, set.ID)
	require.NoError(t, err)

	features[1].Pixel = [2]int{905, 61}
	features[1].Username = "bob"
	features = append(features, Feature{Pixel: [2]int{10, 700}, LonLat: features[0].LonLat})
	_, stats, err := Merge(db, 1, "tps", 3857, features, "carl")
	require.NoError(t, err)
	assert.Equal(t, Stats{New: 1, Mod: 1}, stats)

	after, err := Points(db, set.ID)
	require.NoError(t, err)
	require.Len(t, after, 4)
	assert.Equal(t, 905, after[1].PixelX)
	assert.Equal(t, "bob", after[1].ModifiedBy)
	assert.Equal(t, "ann", after[1].CreatedBy)
	assert.Equal(t, before[0].UpdatedAt, after[0].UpdatedAt)
	assert.Equal(t, "carl", after[3].CreatedBy)
	assert.Len(t, after[3].ID, 36)

	reloaded, err := SetForDocument(db, 1)
	require.NoError(t, err)
	assert.Equal(t, "tps", reloaded.Transformation)
}

func TestFeatureCollectionRoundTrip(t *testing.T) {
	db := testDB(t)
	features, err := Parse([]byte(collection))
	require.NoError(t, err)
	set, _, err := Merge(db, 1, "poly1", 3857, features, "ann")
	require.NoError(t, err)
	points, err := Points(db, set.ID)
	require.NoError(t, err)

	data, err := MarshalFeatureCollection(points)
	require.NoError(t, err)
	again, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, features, again)

	_, stats, err := Merge(db, 1, "poly1", 3857, again, "ann")
	require.NoError(t, err)
	assert.Zero(t, stats.Writes())
}

func TestParseRejectsBadFeatures(t *testing.T) {
	_, err := Parse([]byte(`{"type":"FeatureCollection","features":[{"type":"Feature","properties":{"id":"x"},"geometry":{"type":"Point","coordinates":[1,2]}}]}`))
	assert.ErrorIs(t, err, errs.ErrInvalidInput)

	_, err = Parse([]byte(`{"type":"FeatureCollection","features":[{"type":"Feature","properties":{"image":[1,2]},"geometry":{"type":"LineString","coordinates":[[1,2],[3,4]]}}]}`))
	assert.ErrorIs(t, err, errs.ErrInvalidInput)

	_, err = Parse([]byte(`not json`))
	assert.ErrorIs(t, err, errs.ErrInvalidInput)
}

func TestPointsFile(t *testing.T) {
	set := &models.ControlPointSet{EPSG: 3857}
	points := []models.ControlPoint{
		{ID: "a", PixelX: 120, PixelY: 80, Lon: -89.59, Lat: 40.69},
		{ID: "b", PixelX: 900, PixelY: 60, Lon: -89.57, Lat: 40.69},
	}
	out, err := PointsFile(set, points)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSuffix(out, "\n"), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, PointsHeader, lines[0])
	assert.True(t, strings.HasSuffix(lines[1], ",120,-80,1"), lines[1])
	assert.True(t, strings.HasSuffix(lines[2], ",900,-60,1"), lines[2])
	assert.True(t, strings.HasPrefix(lines[1], "-9973113."), lines[1])
}
