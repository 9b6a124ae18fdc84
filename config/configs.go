package config

import (
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

var MainRouter string
var DSN string
var Storage string
var Mapfile string
var MainConfig Config

type Config struct {
	XMLName    xml.Name `xml:"config" yaml:"-"`
	MainRouter string   `xml:"MainRouter" yaml:"main_router"`
	// sqlite or postgres
	Driver   string `xml:"driver" yaml:"driver"`
	Dbname   string `xml:"dbname" yaml:"dbname"`
	Host     string `xml:"host" yaml:"host"`
	Port     string `xml:"port" yaml:"port"`
	Username string `xml:"user" yaml:"user"`
	Password string `xml:"password" yaml:"password"`
	// sqlite database file
	SQLite string `xml:"sqlite" yaml:"sqlite"`
	// gocloud bucket url for scans and derived rasters, e.g. file:///data/georef
	Storage string `xml:"storage" yaml:"storage"`
	// MapServer mapfile regenerated for previews
	Mapfile    string `xml:"mapfile" yaml:"mapfile"`
	PreviewURL string `xml:"previewurl" yaml:"preview_url"`
	Workspace  string `xml:"workspace" yaml:"workspace"`
	// immediate, memory or redis
	Queue    string `xml:"queue" yaml:"queue"`
	Redis    string `xml:"redis" yaml:"redis"`
	QueueKey string `xml:"queuekey" yaml:"queue_key"`
	Workers  int    `xml:"workers" yaml:"workers"`
	LogLevel string `xml:"loglevel" yaml:"log_level"`
}

// Default is used for every field a config file leaves empty.
func Default() Config {
	return Config{
		MainRouter: ":8090",
		Driver:     "sqlite",
		SQLite:     "georef.db",
		Storage:    "file:///tmp/georef",
		Mapfile:    "/tmp/georef/preview.map",
		PreviewURL: "http://localhost:9999/",
		Workspace:  "geonode",
		Queue:      "memory",
		QueueKey:   "georef:sessions",
		Workers:    2,
		LogLevel:   "info",
	}
}

// Load reads an XML (config.xml) or YAML (.yml/.yaml) configuration and
// publishes it through the package variables.
func Load(path string) error {
	cfg := Default()
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "open config %s", path)
	}
	defer f.Close()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yml", ".yaml":
		err = yaml.NewDecoder(f).Decode(&cfg)
	default:
		err = xml.NewDecoder(f).Decode(&cfg)
	}
	if err != nil {
		return errors.Wrapf(err, "decode config %s", path)
	}
	Set(cfg)
	return nil
}

// Set installs cfg, filling blanks from Default.
func Set(cfg Config) {
	def := Default()
	if cfg.MainRouter == "" {
		cfg.MainRouter = def.MainRouter
	}
	if cfg.Driver == "" {
		cfg.Driver = def.Driver
	}
	if cfg.SQLite == "" {
		cfg.SQLite = def.SQLite
	}
	if cfg.Storage == "" {
		cfg.Storage = def.Storage
	}
	if cfg.Mapfile == "" {
		cfg.Mapfile = def.Mapfile
	}
	if cfg.PreviewURL == "" {
		cfg.PreviewURL = def.PreviewURL
	}
	if cfg.Workspace == "" {
		cfg.Workspace = def.Workspace
	}
	if cfg.Queue == "" {
		cfg.Queue = def.Queue
	}
	if cfg.QueueKey == "" {
		cfg.QueueKey = def.QueueKey
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}

	MainConfig = cfg
	MainRouter = cfg.MainRouter
	Storage = cfg.Storage
	Mapfile = cfg.Mapfile
	DSN = fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=disable TimeZone=UTC", cfg.Host, cfg.Username, cfg.Password, cfg.Dbname, cfg.Port)

	if level, err := log.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(level)
	} else {
		log.Printf("unknown log level %q, keeping %s", cfg.LogLevel, log.GetLevel())
	}
}
