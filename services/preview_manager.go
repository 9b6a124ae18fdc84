package services

import (
	"bytes"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"text/template"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/GrainArc/GeoRef/errs"
	"github.com/GrainArc/GeoRef/models"
)

// PreviewManager keeps the registry of preview rasters and regenerates the
// MapServer mapfile that serves them.
type PreviewManager struct {
	mu       sync.RWMutex
	db       *gorm.DB
	mapfile  string
	endpoint string
	layers   map[string]*models.PreviewLayer
}

var (
	previewManager *PreviewManager
	previewOnce    sync.Once
)

// GetPreviewManager returns the process wide manager, nil before init.
func GetPreviewManager() *PreviewManager {
	return previewManager
}

// InitPreviewManager builds the singleton at startup.
func InitPreviewManager(db *gorm.DB, mapfile, endpoint string) *PreviewManager {
	previewOnce.Do(func() {
		previewManager = NewPreviewManager(db, mapfile, endpoint)
		if err := previewManager.LoadAll(); err != nil {
			log.Printf("preview registry not loaded: %v", err)
		}
	})
	return previewManager
}

func NewPreviewManager(db *gorm.DB, mapfile, endpoint string) *PreviewManager {
	return &PreviewManager{
		db:       db,
		mapfile:  mapfile,
		endpoint: endpoint,
		layers:   make(map[string]*models.PreviewLayer),
	}
}

// Endpoint is the WMS url clients request preview layers from.
func (m *PreviewManager) Endpoint() string {
	return m.endpoint
}

// LayerName derives the mapfile layer name of a raster path.
func LayerName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// LoadAll reloads active rows, marking the ones whose raster vanished, and
// rewrites the mapfile.
func (m *PreviewManager) LoadAll() error {
	var rows []models.PreviewLayer
	if err := m.db.Where("status = ?", models.PreviewActive).Find(&rows).Error; err != nil {
		return errs.Storage(err, "load preview layers")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.layers = make(map[string]*models.PreviewLayer, len(rows))
	for i := range rows {
		row := rows[i]
		if _, err := os.Stat(row.SourcePath); err != nil {
			m.db.Model(&row).Updates(map[string]interface{}{
				"status":    models.PreviewError,
				"error_msg": "raster file not found",
			})
			continue
		}
		m.layers[row.Name] = &row
	}
	return m.writeMapfile()
}

// Add registers the raster at path and returns its layer name. Adding a
// path twice leaves a single layer.
func (m *PreviewManager) Add(path string) (string, error) {
	if _, err := os.Stat(path); err != nil {
		return "", errors.Wrapf(errs.ErrNotFound, "preview raster %s", path)
	}
	name := LayerName(path)

	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.layers[name]; ok && cur.SourcePath == path {
		return name, nil
	}

	row := models.PreviewLayer{Name: name}
	err := m.db.Where("name = ?", name).
		Assign(map[string]interface{}{
			"source_path": path,
			"status":      models.PreviewActive,
			"error_msg":   "",
		}).
		FirstOrCreate(&row).Error
	if err != nil {
		return "", errs.Storage(err, "register preview layer %s", name)
	}
	m.layers[name] = &row
	if err := m.writeMapfile(); err != nil {
		delete(m.layers, name)
		return "", err
	}
	log.WithFields(log.Fields{"layer": name, "path": path}).Info("preview layer added")
	return name, nil
}

// Remove drops the layer serving path. Unknown paths are ignored.
func (m *PreviewManager) Remove(path string) error {
	name := LayerName(path)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.db.Where("name = ?", name).Delete(&models.PreviewLayer{}).Error; err != nil {
		return errs.Storage(err, "remove preview layer %s", name)
	}
	if _, ok := m.layers[name]; !ok {
		return nil
	}
	delete(m.layers, name)
	log.WithFields(log.Fields{"layer": name}).Info("preview layer removed")
	return m.writeMapfile()
}

// Has reports whether a layer name is currently served.
func (m *PreviewManager) Has(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.layers[name]
	return ok
}

// ListServices lists every registry row, including failed ones.
func (m *PreviewManager) ListServices() ([]models.PreviewLayer, error) {
	var rows []models.PreviewLayer
	if err := m.db.Order("name").Find(&rows).Error; err != nil {
		return nil, errs.Storage(err, "list preview layers")
	}
	return rows, nil
}

var mapfileTemplate = template.Must(template.New("mapfile").Parse(`MAP
NAME "Georeference Previews"
STATUS ON
EXTENT -2200000 -712631 3072800 3840000
UNITS METERS

WEB
METADATA
    "wms_title"          "Georeferencer Preview Server"
    "wms_onlineresource" "{{.Endpoint}}?"
    "wms_srs"            "EPSG:3857"
    "wms_enable_request" "*"
END
END # Web

PROJECTION
"init=epsg:3857"
END

#
# Start of layer definitions
#
{{range .Layers}}
  LAYER
    NAME "{{.Name}}"
    METADATA
      "wms_title" "{{.Name}}"
    END
    TYPE RASTER
    STATUS ON
    DATA "{{.SourcePath}}"
    OFFSITE 255 255 255
    TRANSPARENCY 100
    PROJECTION
     "init=epsg:3857"
    END
  END # Layer
{{end}}
END # Map File
`))

// writeMapfile renders the registry in name order; callers hold m.mu.
func (m *PreviewManager) writeMapfile() error {
	layers := make([]*models.PreviewLayer, 0, len(m.layers))
	for _, l := range m.layers {
		layers = append(layers, l)
	}
	sort.Slice(layers, func(i, j int) bool { return layers[i].Name < layers[j].Name })

	var buf bytes.Buffer
	err := mapfileTemplate.Execute(&buf, struct {
		Endpoint string
		Layers   []*models.PreviewLayer
	}{m.endpoint, layers})
	if err != nil {
		return errors.Wrap(err, "render mapfile")
	}
	if err := os.MkdirAll(filepath.Dir(m.mapfile), 0o755); err != nil {
		return errs.Storage(err, "create mapfile directory")
	}
	tmp := m.mapfile + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return errs.Storage(err, "write mapfile")
	}
	if err := os.Rename(tmp, m.mapfile); err != nil {
		return errs.Storage(err, "replace mapfile")
	}
	return nil
}
