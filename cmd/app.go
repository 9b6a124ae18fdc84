package cmd

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/GrainArc/GeoRef/config"
	"github.com/GrainArc/GeoRef/lookup"
	"github.com/GrainArc/GeoRef/models"
	"github.com/GrainArc/GeoRef/services"
	"github.com/GrainArc/GeoRef/sessions"
	"github.com/GrainArc/GeoRef/storage"
)

// app holds what every command needs once the configuration is loaded.
type app struct {
	db      *gorm.DB
	store   *storage.FileStore
	cache   *lookup.Cache
	preview *services.PreviewManager
	images  *services.ImageCache
	queue   sessions.Queue
	machine *sessions.Machine
}

func bootstrap(ctx context.Context) (*app, error) {
	cfg := config.MainConfig
	if err := models.InitDB(); err != nil {
		return nil, err
	}
	store, err := storage.Open(ctx, cfg.Storage)
	if err != nil {
		return nil, err
	}
	a := &app{db: models.DB, store: store}

	lookup.InitCache(a.db, "/media/")
	a.cache = lookup.GetCache()
	a.preview = services.InitPreviewManager(a.db, cfg.Mapfile, cfg.PreviewURL)
	a.images = services.NewImageCache(16, 10*time.Minute)

	var dispatcher sessions.Dispatcher
	a.queue, dispatcher, err = newQueue(cfg)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.machine = sessions.New(sessions.Options{
		DB:         a.db,
		Files:      store,
		Images:     a.images,
		Preview:    a.preview,
		Refresher:  a.cache,
		Dispatcher: dispatcher,
		Workspace:  cfg.Workspace,
	})
	log.WithFields(log.Fields{"storage": cfg.Storage, "queue": cfg.Queue}).Info("georef ready")
	return a, nil
}

func newQueue(cfg config.Config) (sessions.Queue, sessions.Dispatcher, error) {
	switch cfg.Queue {
	case "immediate":
		return nil, sessions.Immediate{}, nil
	case "memory":
		q := sessions.NewMemoryQueue(256)
		return q, sessions.Deferred{Queue: q}, nil
	case "redis":
		if cfg.Redis == "" {
			return nil, nil, errors.New("redis queue needs a redis address")
		}
		q := sessions.NewRedisQueue(cfg.Redis, cfg.QueueKey, cfg.Workers+2)
		return q, sessions.Deferred{Queue: q}, nil
	}
	return nil, nil, errors.Errorf("unknown queue %q (immediate, memory or redis)", cfg.Queue)
}

func (a *app) Close() {
	if a.queue != nil {
		a.queue.Close()
	}
	if a.images != nil {
		a.images.Close()
	}
	if err := a.store.Close(); err != nil {
		log.Warnf("close storage: %v", err)
	}
}
