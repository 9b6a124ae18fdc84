package services

import (
	"bytes"
	"context"
	"image"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"

	"github.com/GrainArc/GeoRef/errs"
)

// Blobs is the part of the file store the cache reads from.
type Blobs interface {
	Get(ctx context.Context, key string) ([]byte, error)
}

type cacheItem struct {
	img       image.Image
	expiresAt time.Time
}

// ImageCache keeps recently decoded scans so repeated previews of the same
// document skip the decode.
type ImageCache struct {
	mu      sync.RWMutex
	items   map[string]*cacheItem
	maxSize int
	ttl     time.Duration
	stop    chan struct{}
	once    sync.Once
}

func NewImageCache(maxSize int, ttl time.Duration) *ImageCache {
	if maxSize <= 0 {
		maxSize = 1
	}
	c := &ImageCache{
		items:   make(map[string]*cacheItem),
		maxSize: maxSize,
		ttl:     ttl,
		stop:    make(chan struct{}),
	}
	go c.cleanupLoop()
	return c
}

func (c *ImageCache) Get(key string) (image.Image, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	item, ok := c.items[key]
	if !ok || time.Now().After(item.expiresAt) {
		return nil, false
	}
	return item.img, true
}

func (c *ImageCache) Set(key string, img image.Image) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.items[key]; !ok && len(c.items) >= c.maxSize {
		c.evictOldest()
	}
	c.items[key] = &cacheItem{img: img, expiresAt: time.Now().Add(c.ttl)}
}

// Invalidate forgets key, used after the underlying file is rewritten.
func (c *ImageCache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
}

// Load returns the decoded image stored under key, reading and decoding it
// on a miss. EXIF orientation is applied the way the scans are displayed.
func (c *ImageCache) Load(ctx context.Context, store Blobs, key string) (image.Image, error) {
	if img, ok := c.Get(key); ok {
		return img, nil
	}
	data, err := store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, errors.Wrapf(errs.ErrInvalidInput, "decode %s: %v", key, err)
	}
	c.Set(key, img)
	return img, nil
}

func (c *ImageCache) evictOldest() {
	var oldestKey string
	var oldestTime time.Time
	for key, item := range c.items {
		if oldestKey == "" || item.expiresAt.Before(oldestTime) {
			oldestKey = key
			oldestTime = item.expiresAt
		}
	}
	if oldestKey != "" {
		delete(c.items, oldestKey)
	}
}

func (c *ImageCache) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.cleanup()
		case <-c.stop:
			return
		}
	}
}

func (c *ImageCache) cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	for key, item := range c.items {
		if now.After(item.expiresAt) {
			delete(c.items, key)
		}
	}
}

// Size counts cached images, expired ones included until the next sweep.
func (c *ImageCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Close stops the sweeper.
func (c *ImageCache) Close() {
	c.once.Do(func() { close(c.stop) })
}
