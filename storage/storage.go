// Package storage keeps scans and derived rasters in a gocloud bucket.
// Writes to an existing key overwrite it.
package storage

import (
	"context"
	"io"
	"net/url"
	"path/filepath"

	"github.com/pkg/errors"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/memblob"
	"gocloud.dev/gcerrors"

	"github.com/GrainArc/GeoRef/errs"
)

type FileStore struct {
	bucket *blob.Bucket
	// local directory behind a file:// bucket, empty otherwise
	root string
}

// Open opens the bucket at uri, e.g. file:///data/georef or mem://.
func Open(ctx context.Context, uri string) (*FileStore, error) {
	bucket, err := blob.OpenBucket(ctx, uri)
	if err != nil {
		return nil, errs.Storage(err, "open bucket %s", uri)
	}
	fs := &FileStore{bucket: bucket}
	if u, err := url.Parse(uri); err == nil && u.Scheme == "file" {
		fs.root = filepath.FromSlash(u.Path)
	}
	return fs, nil
}

// New wraps an already opened bucket.
func New(bucket *blob.Bucket) *FileStore {
	return &FileStore{bucket: bucket}
}

func (s *FileStore) Put(ctx context.Context, key string, data []byte) error {
	if err := s.bucket.WriteAll(ctx, key, data, nil); err != nil {
		return errs.Storage(err, "write %s", key)
	}
	return nil
}

// Get reads the whole object; a missing key is errs.ErrNotFound.
func (s *FileStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.bucket.ReadAll(ctx, key)
	if err != nil {
		return nil, s.readErr(err, key)
	}
	return data, nil
}

func (s *FileStore) Reader(ctx context.Context, key string) (io.ReadCloser, error) {
	r, err := s.bucket.NewReader(ctx, key, nil)
	if err != nil {
		return nil, s.readErr(err, key)
	}
	return r, nil
}

// Delete removes key; deleting a missing key is not an error.
func (s *FileStore) Delete(ctx context.Context, key string) error {
	err := s.bucket.Delete(ctx, key)
	if err == nil || gcerrors.Code(err) == gcerrors.NotFound {
		return nil
	}
	return errs.Storage(err, "delete %s", key)
}

func (s *FileStore) Exists(ctx context.Context, key string) (bool, error) {
	ok, err := s.bucket.Exists(ctx, key)
	if err != nil {
		return false, errs.Storage(err, "stat %s", key)
	}
	return ok, nil
}

// LocalPath is the file behind key for file:// buckets, used by services
// that can only read from disk.
func (s *FileStore) LocalPath(key string) (string, bool) {
	if s.root == "" {
		return "", false
	}
	return filepath.Join(s.root, filepath.FromSlash(key)), true
}

func (s *FileStore) Close() error {
	return s.bucket.Close()
}

func (s *FileStore) readErr(err error, key string) error {
	if gcerrors.Code(err) == gcerrors.NotFound {
		return errors.Wrapf(errs.ErrNotFound, "object %s", key)
	}
	return errs.Storage(err, "read %s", key)
}
